// Package resolution maps a requested aspect ratio onto the fixed set of
// output sizes the Kontext pipeline was trained on.
package resolution

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"
)

const Original = "original"

var ErrInvalidRatio = errors.New("invalid ratio")

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) Aspect() float64 {
	return float64(r.Width) / float64(r.Height)
}

func (r Resolution) Point() image.Point {
	return image.Pt(r.Width, r.Height)
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Resolutions is ordered from tallest to widest.
var Resolutions = []Resolution{
	{672, 1568},
	{688, 1504},
	{720, 1456},
	{752, 1392},
	{800, 1328},
	{832, 1248},
	{880, 1184},
	{944, 1104},
	{1024, 1024},
	{1104, 944},
	{1184, 880},
	{1248, 832},
	{1328, 800},
	{1392, 752},
	{1456, 720},
	{1504, 688},
	{1568, 672},
}

// ParseRatio returns the target aspect ratio (width / height) for ratio,
// which is either "original" or "W:H". src is the source image size and is
// only consulted for "original".
func ParseRatio(ratio string, src image.Point) (float64, error) {
	ratio = strings.TrimSpace(ratio)
	if strings.EqualFold(ratio, Original) {
		if src.Y == 0 {
			return 0, fmt.Errorf("%w: original image height cannot be zero", ErrInvalidRatio)
		}
		return float64(src.X) / float64(src.Y), nil
	}

	w, h, ok := strings.Cut(ratio, ":")
	if !ok {
		return 0, invalidFormat(ratio)
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return 0, invalidFormat(ratio)
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || height == 0 {
		return 0, invalidFormat(ratio)
	}
	return float64(width) / float64(height), nil
}

func invalidFormat(ratio string) error {
	return fmt.Errorf("%w format: %s. Expected 'W:H' or 'original'", ErrInvalidRatio, ratio)
}

// Nearest picks the preset whose aspect ratio is closest to aspect. Ties go
// to the earlier entry.
func Nearest(aspect float64) Resolution {
	best := Resolutions[0]
	bestDiff := math.Inf(1)
	for _, r := range Resolutions {
		if diff := math.Abs(aspect - r.Aspect()); diff < bestDiff {
			best, bestDiff = r, diff
		}
	}
	return best
}

func ForRatio(ratio string, src image.Point) (Resolution, error) {
	aspect, err := ParseRatio(ratio, src)
	if err != nil {
		return Resolution{}, err
	}
	return Nearest(aspect), nil
}
