package latent

import (
	"encoding/binary"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pack mirrors the transformer's patchify step so Unpack can be checked
// against a known layout.
func pack(l *Latents) []float32 {
	cols, rows := l.Width/2, l.Height/2
	out := make([]float32, 0, rows*cols*packedWidth)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			for c := 0; c < Channels; c++ {
				for dy := 0; dy < 2; dy++ {
					for dx := 0; dx < 2; dx++ {
						out = append(out, l.At(c, i*2+dy, j*2+dx))
					}
				}
			}
		}
	}
	return out
}

func TestSize(t *testing.T) {
	w, h := Size(1024, 1024)
	assert.Equal(t, 128, w)
	assert.Equal(t, 128, h)

	w, h = Size(1392, 752)
	assert.Equal(t, 174, w)
	assert.Equal(t, 94, h)
}

func TestUnpackRoundTrip(t *testing.T) {
	w, h := Size(64, 32)
	src := &Latents{Width: w, Height: h, Data: make([]float32, Channels*w*h)}
	for c := 0; c < Channels; c++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				src.Data[(c*h+y)*w+x] = float32(c*1000 + y*10 + x)
			}
		}
	}

	packed := pack(src)
	got, err := Unpack(packed, []int{1, (w / 2) * (h / 2), packedWidth}, 64, 32)
	require.NoError(t, err)
	assert.Equal(t, src.Width, got.Width)
	assert.Equal(t, src.Height, got.Height)
	assert.Equal(t, src.Data, got.Data)
	assert.Equal(t, float32(15*1000+3*10+7), got.At(15, 3, 7))
}

func TestUnpackShapeErrors(t *testing.T) {
	tests := []struct {
		name  string
		shape []int
		n     int
	}{
		{"two dims", []int{4, 64}, 256},
		{"wrong patches", []int{1, 5, 64}, 320},
		{"wrong width", []int{1, 4, 32}, 128},
		{"short data", []int{1, 4, 64}, 100},
		{"empty batch", []int{0, 4, 64}, 256},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unpack(make([]float32, tt.n), tt.shape, 32, 32)
			require.ErrorIs(t, err, ErrShape)
		})
	}
}

func TestPreview(t *testing.T) {
	l := &Latents{Width: 2, Height: 1, Data: make([]float32, Channels*2)}
	// channel 0 at x=1 only
	l.Data[1] = 10
	// channel 4 has all-positive factors, saturating x=0
	l.Data[4*2+0] = 100

	img := Preview(l)
	require.Equal(t, 2, img.Bounds().Dx())
	require.Equal(t, 1, img.Bounds().Dy())

	assert.Equal(t, color.RGBA{255, 255, 255, 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{83, 158, 214, 255}, img.RGBAAt(1, 0))
}

func TestPreviewZeroIsMidGrey(t *testing.T) {
	img := Preview(&Latents{Width: 1, Height: 1, Data: make([]float32, Channels)})
	assert.Equal(t, color.RGBA{127, 127, 127, 255}, img.RGBAAt(0, 0))
}

func TestFloat32Codec(t *testing.T) {
	values := []float32{0, -1.5, 3.25, 1e-3}
	got, err := DecodeFloat32(encodeFloat32(values))
	require.NoError(t, err)
	assert.Equal(t, values, got)

	_, err = DecodeFloat32([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShape)
}

func encodeFloat32(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
