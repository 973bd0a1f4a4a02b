package codec

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x * 10), uint8(y * 10), 200, 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestEncodeDecodePNG(t *testing.T) {
	src := testImage(8, 4)
	s, err := EncodeBase64(src, PNG)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(s, "data:"))

	img, err := DecodeBase64(s)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(8, 4), img.Bounds().Size())
	r, g, b, _ := img.At(3, 2).RGBA()
	assert.Equal(t, []uint32{30, 20, 200}, []uint32{r >> 8, g >> 8, b >> 8})
}

func TestEncodeJPEG(t *testing.T) {
	data, err := EncodeBytes(testImage(16, 16), JPEG)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])

	img, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, image.Pt(16, 16), img.Bounds().Size())
}

func TestDecodeBase64Prefixes(t *testing.T) {
	raw := pngBytes(t, testImage(2, 2))
	b64 := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name  string
		input string
	}{
		{"plain", b64},
		{"data uri", "data:image/png;base64," + b64},
		{"bare comma prefix", "whatever," + b64},
		{"missing padding", strings.TrimRight(b64, "=")},
		{"surrounding space", "  " + b64 + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := DecodeBase64Bytes(tt.input)
			require.NoError(t, err)
			assert.Equal(t, raw, data)
		})
	}
}

func TestDecodeBase64Invalid(t *testing.T) {
	_, err := DecodeBase64("%%%not base64%%%")
	require.ErrorIs(t, err, ErrInvalidBase64)

	_, err = DecodeBase64(base64.StdEncoding.EncodeToString([]byte("not an image")))
	require.ErrorIs(t, err, ErrInvalidBase64)
}

func TestDataURI(t *testing.T) {
	assert.Equal(t, "data:image/jpeg;base64,AQID", DataURI([]byte{1, 2, 3}, "photo.JPG"))
	assert.Equal(t, "data:image/webp;base64,AQID", DataURI([]byte{1, 2, 3}, "/tmp/a.webp"))
	assert.Equal(t, "data:image/png;base64,AQID", DataURI([]byte{1, 2, 3}, "noext"))

	data, err := DecodeBase64Bytes(DataURI([]byte{1, 2, 3}, "x.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestToRGB(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{10, 20, 30, 0})
	src.SetNRGBA(1, 0, color.NRGBA{40, 50, 60, 128})

	out := ToRGB(src)
	assert.Equal(t, color.NRGBA{10, 20, 30, 255}, out.NRGBAAt(0, 0))
	assert.Equal(t, color.NRGBA{40, 50, 60, 255}, out.NRGBAAt(1, 0))

	gray := image.NewGray(image.Rect(5, 5, 7, 6))
	gray.SetGray(5, 5, color.Gray{99})
	out = ToRGB(gray)
	assert.Equal(t, image.Rect(0, 0, 2, 1), out.Bounds())
	assert.Equal(t, color.NRGBA{99, 99, 99, 255}, out.NRGBAAt(0, 0))
}

func TestFit(t *testing.T) {
	out := Fit(testImage(40, 20), image.Pt(10, 30))
	assert.Equal(t, image.Pt(10, 30), out.Bounds().Size())
}

func TestFetch(t *testing.T) {
	raw := pngBytes(t, testImage(3, 5))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ok.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	img, err := Fetch(context.Background(), srv.Client(), srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, image.Pt(3, 5), img.Bounds().Size())

	_, err = Fetch(context.Background(), srv.Client(), srv.URL+"/missing.png")
	require.ErrorContains(t, err, "404")
}
