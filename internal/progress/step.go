package progress

import (
	"context"

	"github.com/dmorgan81/kontext/internal/codec"
	"github.com/dmorgan81/kontext/internal/latent"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/dmorgan81/kontext/internal/pipeline"
)

const DefaultEvery = 5

// StepReporter turns denoising steps into updates. A latent preview is
// attached every Every steps and on the last two steps.
type StepReporter struct {
	Reporter Reporter
	// Width and Height are the output size the latents decode to.
	Width  int
	Height int
	Every  int
}

// Percent is the share of total done after step index, truncated the way
// float division then int conversion truncates: step 29 of 50 is 57.
func Percent(index, total int) int {
	if total <= 0 {
		return 0
	}
	return int(float64(index+1) / float64(total) * 100)
}

// ShouldPreview reports whether step index (zero based) of total gets a
// preview.
func ShouldPreview(index, total, every int) bool {
	if every <= 0 {
		every = DefaultEvery
	}
	return (index+1)%every == 0 || index+1 >= total-1
}

func (s *StepReporter) OnStep(ctx context.Context, step pipeline.Step) {
	log := log.FromContextOrDiscard(ctx).WithGroup("progress")
	update := Update{
		Progress:   Percent(step.Index, step.Total),
		Step:       step.Index + 1,
		TotalSteps: step.Total,
		Status:     StatusProcessing,
	}
	log.Debug("step finished", "progress", update.Progress, "step", update.Step, "total_steps", update.TotalSteps)

	if !ShouldPreview(step.Index, step.Total, s.Every) {
		return
	}

	if err := s.attachPreview(&update, step); err != nil {
		log.Warn("could not build preview, reporting progress only", "step", update.Step, "error", err)
	}
	if err := s.Reporter.Report(ctx, update); err != nil {
		log.Warn("progress update failed", "step", update.Step, "error", err)
	}
}

func (s *StepReporter) attachPreview(u *Update, step pipeline.Step) error {
	l, err := latent.Unpack(step.Latents, step.Shape, s.Width, s.Height)
	if err != nil {
		return err
	}
	img := latent.Preview(l)
	encoded, err := codec.EncodeBase64(img, codec.JPEG)
	if err != nil {
		return err
	}
	u.Preview, u.PreviewImage = img, encoded
	return nil
}
