// Package generate drives an edit end to end for interactive callers, either
// through a RunPod endpoint or a local runner, as a stream of (image,
// status) pairs.
package generate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/dmorgan81/kontext/internal/codec"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/dmorgan81/kontext/internal/pipeline"
	"github.com/dmorgan81/kontext/internal/progress"
	"github.com/dmorgan81/kontext/internal/resolution"
	"github.com/dmorgan81/kontext/internal/runpod"
	"github.com/samber/do"
	"github.com/samber/lo"
)

const (
	EnvRunPod = "runpod"
	EnvLocal  = "local"
)

// Ratios are the choices offered to users.
var Ratios = []string{"Original", "1:1", "16:9", "9:16", "4:3", "3:4", "3:2", "2:3", "4:5", "5:4", "21:9", "9:21", "2:1", "1:2"}

var terminal = []string{"complete", "failed", "cancelled", "error", "not available", "upload an image"}

type Update struct {
	// Image is the latest preview or the final result; it may be nil.
	Image  image.Image
	Status string
}

// Done reports whether Status ends the flow.
func (u Update) Done() bool {
	status := strings.ToLower(u.Status)
	return lo.SomeBy(terminal, func(k string) bool {
		return strings.Contains(status, k)
	})
}

type Request struct {
	Env       string
	ImagePath string
	Prompt    string
	Ratio     string
}

type Generator struct {
	RunPod     *runpod.Client
	EndpointID string
	// Editor runs local generations; nil disables them.
	Editor pipeline.Editor
	Every  int
}

func NewGenerator(i *do.Injector) (*Generator, error) {
	g := &Generator{
		RunPod:     do.MustInvoke[*runpod.Client](i),
		EndpointID: do.MustInvokeNamed[string](i, "runpod_endpoint"),
		Every:      do.MustInvokeNamed[int](i, "preview_every"),
	}
	if editor, err := do.Invoke[pipeline.Editor](i); err == nil {
		g.Editor = editor
	}
	return g, nil
}

// Generate streams updates for req. The channel is closed when the flow ends
// or ctx is cancelled.
func (g *Generator) Generate(ctx context.Context, req Request) <-chan Update {
	out := make(chan Update)
	go func() {
		defer close(out)
		s := &stream{ctx: ctx, out: out}

		if req.ImagePath == "" {
			s.send(nil, "Status: Please upload an image to generate.")
			return
		}

		logger := log.FromContextOrDiscard(ctx).WithGroup("generate").With("env", req.Env, "ratio", req.Ratio)
		s.ctx = log.NewContext(ctx, logger)
		logger.Info("starting generation")

		if req.Env == EnvLocal {
			g.local(s, req)
		} else {
			g.runpod(s, req)
		}
	}()
	return out
}

type stream struct {
	ctx  context.Context
	out  chan<- Update
	last image.Image
}

// send publishes an update, remembering img as the latest image. A nil img
// repeats the latest one.
func (s *stream) send(img image.Image, status string) {
	if img != nil {
		s.last = img
	}
	select {
	case s.out <- Update{Image: s.last, Status: status}:
	case <-s.ctx.Done():
	}
}

// displaySize is the resolution the edit will produce, used to scale
// previews.
func displaySize(path, ratio string) (image.Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Point{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Point{}, err
	}
	res, err := resolution.ForRatio(ratio, image.Pt(cfg.Width, cfg.Height))
	if err != nil {
		return image.Point{}, err
	}
	return res.Point(), nil
}

func (g *Generator) local(s *stream, req Request) {
	if g.Editor == nil {
		s.send(nil, "Status: Local inference is not available. Check server logs for details.")
		return
	}
	s.send(nil, "Status: Starting local generation...")

	fail := func(err error) {
		s.send(nil, fmt.Sprintf("Status: An error occurred during local generation: %v", err))
	}

	f, err := os.Open(req.ImagePath)
	if err != nil {
		fail(err)
		return
	}
	src, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		fail(err)
		return
	}
	rgb := codec.ToRGB(src)

	res, err := resolution.ForRatio(req.Ratio, rgb.Bounds().Size())
	if err != nil {
		fail(err)
		return
	}

	updates := make(chan progress.Update)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range updates {
			var preview image.Image
			if u.Preview != nil {
				preview = codec.Fit(u.Preview, res.Point())
			}
			s.send(preview, fmt.Sprintf("Status: In progress... (%d%%)", u.Progress))
		}
	}()

	steps := &progress.StepReporter{
		Width:    res.Width,
		Height:   res.Height,
		Every:    g.Every,
		Reporter: progress.Chan(updates),
	}
	result, err := g.Editor.Edit(s.ctx, pipeline.Params{
		Image:         rgb,
		Prompt:        req.Prompt,
		Width:         res.Width,
		Height:        res.Height,
		GuidanceScale: pipeline.DefaultGuidanceScale,
	}, steps.OnStep)
	close(updates)
	<-done
	if err != nil {
		fail(err)
		return
	}
	s.send(result, "Status: Local generation complete!")
}

// streamOutput is what the worker reports while a job runs.
type streamOutput struct {
	Progress     *int   `json:"progress"`
	PreviewImage string `json:"preview_image"`
	Image        string `json:"image"`
}

func (o streamOutput) preview() string {
	return lo.Ternary(o.PreviewImage != "", o.PreviewImage, o.Image)
}

func (g *Generator) runpod(s *stream, req Request) {
	log := log.FromContextOrDiscard(s.ctx)
	fail := func(err error) {
		s.send(nil, fmt.Sprintf("Status: An error occurred: %v", err))
	}

	size, err := displaySize(req.ImagePath, req.Ratio)
	if err != nil {
		fail(err)
		return
	}
	s.send(nil, "Status: Starting...")

	data, err := os.ReadFile(req.ImagePath)
	if err != nil {
		fail(err)
		return
	}
	input := map[string]string{
		"image":  codec.DataURI(data, req.ImagePath),
		"prompt": req.Prompt,
		"ratio":  strings.ToLower(req.Ratio),
	}

	s.send(nil, "Status: Job submitted. Waiting for processing...")
	job, err := g.RunPod.Run(s.ctx, g.EndpointID, input)
	if err != nil {
		fail(err)
		return
	}
	s.send(nil, fmt.Sprintf("Status: Job %s is in progress...", job.ID))

	last := -1
	final, err := g.RunPod.Poll(s.ctx, g.EndpointID, job.ID, func(j *runpod.Job) {
		var out streamOutput
		if j.DecodeOutput(&out) != nil || out.Progress == nil || *out.Progress <= last {
			return
		}
		last = *out.Progress

		var preview image.Image
		if p := out.preview(); p != "" {
			img, err := codec.DecodeBase64(p)
			if err != nil {
				log.Warn("dropping undecodable preview", "error", err)
			} else {
				preview = codec.Fit(img, size)
			}
		}
		s.send(preview, fmt.Sprintf("Status: In progress... (%d%%)", last))
	})
	switch {
	case errors.Is(err, runpod.ErrJobFailed):
		s.send(nil, fmt.Sprintf("Status: Job failed or was cancelled. Details: %s",
			lo.Ternary(final.ErrorMessage() != "", final.ErrorMessage(), "Job status was "+string(final.Status))))
		return
	case err != nil:
		fail(err)
		return
	}

	var out streamOutput
	if err := final.DecodeOutput(&out); err != nil || out.Image == "" {
		detail := "No output."
		if len(final.Output) > 0 {
			detail = fmt.Sprintf("Output: %s...", truncate(string(final.Output), 100))
		}
		s.last = nil
		s.send(nil, "Status: Job completed but no image in output. "+detail)
		return
	}
	img, err := codec.DecodeBase64(out.Image)
	if err != nil {
		fail(err)
		return
	}
	s.send(img, "Status: Generation complete!")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
