// Package pipeline talks to the process hosting the Kontext diffusion model.
// The model itself is a black box: this package only ships inputs to it and
// relays per-step latents and the final image back.
package pipeline

import (
	"context"
	"image"
)

// DefaultGuidanceScale is the guidance every edit runs with.
const DefaultGuidanceScale = 2.5

type Params struct {
	Image         image.Image
	Prompt        string
	Width         int
	Height        int
	GuidanceScale float64
	// Steps is left to the runner when zero.
	Steps int
}

// Step is reported at the end of every denoising step.
type Step struct {
	// Index is zero based.
	Index int
	Total int
	// Latents is the packed (batch, patches, 64) tensor, flattened.
	Latents []float32
	Shape   []int
}

type StepFunc func(context.Context, Step)

type Editor interface {
	Edit(context.Context, Params, StepFunc) (image.Image, error)
}
