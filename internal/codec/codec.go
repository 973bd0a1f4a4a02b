// Package codec moves images between their in-memory form and the base64,
// data URI and HTTP representations used on the wire.
package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/vincent-petithory/dataurl"

	_ "golang.org/x/image/webp"
)

type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"

	// JPEGQuality keeps previews and uploads small.
	JPEGQuality = 85
)

var ErrInvalidBase64 = errors.New("invalid base64 string")

func (f Format) ContentType() string {
	if f == JPEG {
		return "image/jpeg"
	}
	return "image/png"
}

func (f Format) Ext() string {
	if f == JPEG {
		return ".jpg"
	}
	return ".png"
}

func Encode(w io.Writer, img image.Image, f Format) error {
	if f == JPEG {
		return jpeg.Encode(w, ToRGB(img), &jpeg.Options{Quality: JPEGQuality})
	}
	return png.Encode(w, img)
}

func EncodeBytes(img image.Image, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeBase64 returns the encoded image as plain base64, without a data URI
// prefix.
func EncodeBase64(img image.Image, f Format) (string, error) {
	data, err := EncodeBytes(img, f)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeBase64Bytes accepts plain base64 or a data URI.
func DecodeBase64Bytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		du, err := dataurl.DecodeString(s)
		if err == nil {
			return du.Data, nil
		}
	}
	if _, after, ok := strings.Cut(s, ","); ok {
		s = after
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		var rawErr error
		if data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
		}
	}
	return data, nil
}

func DecodeBase64(s string) (image.Image, error) {
	data, err := DecodeBase64Bytes(s)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	return img, nil
}

// DataURI wraps data in a base64 data URI whose media type is guessed from
// the file name's extension.
func DataURI(data []byte, name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	switch ext {
	case "":
		ext = "png"
	case "jpg":
		ext = "jpeg"
	}
	return dataurl.New(data, "image/"+ext).String()
}

// ToRGB returns an opaque copy of img. Alpha is discarded, not composited.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		// keep the colour of transparent pixels
		for y := 0; y < b.Dy(); y++ {
			copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()*4], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):])
		}
	} else {
		draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	}
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// Fit resizes img to exactly size using Lanczos resampling.
func Fit(img image.Image, size image.Point) *image.NRGBA {
	return imaging.Resize(img, size.X, size.Y, imaging.Lanczos)
}
