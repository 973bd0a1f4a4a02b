// Package latent turns intermediate Flux latents into cheap RGB previews
// without running the VAE decoder.
package latent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
)

const (
	Channels = 16
	// packed latents carry each channel as a 2x2 patch
	patchSize     = 2
	packedWidth   = Channels * patchSize * patchSize
	vaeScale      = 8
	spatialFactor = vaeScale * patchSize
)

var ErrShape = errors.New("latent shape mismatch")

// RGBFactors projects the 16 latent channels onto RGB.
var RGBFactors = [Channels][3]float32{
	{-0.0346, 0.0244, 0.0681},
	{0.0034, 0.0210, 0.0687},
	{0.0275, -0.0668, -0.0433},
	{-0.0174, 0.0160, 0.0617},
	{0.0859, 0.0721, 0.0329},
	{0.0004, 0.0383, 0.0115},
	{0.0405, 0.0861, 0.0915},
	{-0.0236, -0.0185, -0.0259},
	{-0.0245, 0.0250, 0.1180},
	{0.1008, 0.0755, -0.0421},
	{-0.0515, 0.0201, 0.0011},
	{0.0428, -0.0012, -0.0036},
	{0.0817, 0.0765, 0.0749},
	{-0.1264, -0.0522, -0.1103},
	{-0.0280, -0.0881, -0.0499},
	{-0.1262, -0.0982, -0.0778},
}

// Latents is a single unpacked latent image in channel-major order.
type Latents struct {
	Width  int
	Height int
	Data   []float32
}

func (l *Latents) At(c, y, x int) float32 {
	return l.Data[(c*l.Height+y)*l.Width+x]
}

// Size returns the latent grid size for an output of width x height pixels.
func Size(width, height int) (int, int) {
	return patchSize * (width / spatialFactor), patchSize * (height / spatialFactor)
}

// Unpack reverses the 2x2 patch packing the transformer works on. packed has
// shape (batch, patches, 64); only the first batch entry is used.
func Unpack(packed []float32, shape []int, width, height int) (*Latents, error) {
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: expected 3 dimensions, got %v", ErrShape, shape)
	}
	w, h := Size(width, height)
	patches := (w / patchSize) * (h / patchSize)
	if shape[0] < 1 || shape[1] != patches || shape[2] != packedWidth {
		return nil, fmt.Errorf("%w: got %v for %dx%d, want [n %d %d]", ErrShape, shape, width, height, patches, packedWidth)
	}
	if len(packed) < shape[0]*patches*packedWidth {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(packed), shape)
	}

	out := &Latents{Width: w, Height: h, Data: make([]float32, Channels*w*h)}
	cols := w / patchSize
	for i := 0; i < h/patchSize; i++ {
		for j := 0; j < cols; j++ {
			token := packed[(i*cols+j)*packedWidth:]
			for c := 0; c < Channels; c++ {
				for dy := 0; dy < patchSize; dy++ {
					for dx := 0; dx < patchSize; dx++ {
						y, x := i*patchSize+dy, j*patchSize+dx
						out.Data[(c*h+y)*w+x] = token[c*patchSize*patchSize+dy*patchSize+dx]
					}
				}
			}
		}
	}
	return out, nil
}

// Preview projects l through RGBFactors and rescales -1..1 to 0..255.
func Preview(l *Latents) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, l.Width, l.Height))
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			var rgb [3]float32
			for c := 0; c < Channels; c++ {
				v := l.At(c, y, x)
				rgb[0] += v * RGBFactors[c][0]
				rgb[1] += v * RGBFactors[c][1]
				rgb[2] += v * RGBFactors[c][2]
			}
			off := img.PixOffset(x, y)
			img.Pix[off+0] = toByte(rgb[0])
			img.Pix[off+1] = toByte(rgb[1])
			img.Pix[off+2] = toByte(rgb[2])
			img.Pix[off+3] = 0xff
		}
	}
	return img
}

func toByte(v float32) uint8 {
	v = (v + 1) / 2
	v = float32(math.Max(0, math.Min(1, float64(v))))
	return uint8(v * 255)
}

// DecodeFloat32 reads little-endian float32 values.
func DecodeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of float32 values", ErrShape, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
