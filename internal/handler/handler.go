package handler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dmorgan81/kontext/internal/codec"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/dmorgan81/kontext/internal/pipeline"
	"github.com/dmorgan81/kontext/internal/progress"
	"github.com/dmorgan81/kontext/internal/resolution"
	"github.com/dmorgan81/kontext/internal/store"
	"github.com/samber/do"
)

const (
	StatusHealthy   = "healthy"
	StatusSuccess   = "success"
	StatusCompleted = "completed"

	CompletedMessage = "Image generation completed successfully"
)

type Output struct {
	Status    string           `json:"status,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp float64          `json:"timestamp,omitempty"`
	Models    *pipeline.Models `json:"models,omitempty"`
	Image     string           `json:"image,omitempty"`
	ImageURL  string           `json:"image_url,omitempty"`
	Format    string           `json:"format,omitempty"`
	Progress  int              `json:"progress,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// ErrorOutput is what a failed job returns to the caller.
func ErrorOutput(err error) Output {
	return Output{Error: err.Error()}
}

type Handler struct {
	editor      pipeline.Editor
	uploader    store.Uploader
	downloader  store.Downloader
	invalidator store.Invalidator
	client      *http.Client
	models      pipeline.Models
	every       int
	previews    bool
	now         func() time.Time
}

func NewHandler(i *do.Injector) (*Handler, error) {
	return &Handler{
		editor:      do.MustInvoke[pipeline.Editor](i),
		uploader:    do.MustInvoke[store.Uploader](i),
		downloader:  do.MustInvoke[store.Downloader](i),
		invalidator: do.MustInvoke[store.Invalidator](i),
		client:      do.MustInvoke[*http.Client](i),
		models:      pipeline.Models{Transformer: pipeline.TransformerRepo, Pipeline: pipeline.PipelineRepo},
		every:       do.MustInvokeNamed[int](i, "preview_every"),
		previews:    do.MustInvokeNamed[string](i, "bucket") != "",
		now:         time.Now,
	}, nil
}

// Run executes one job, sending denoising progress to reporter. A nil
// reporter discards progress.
func (h *Handler) Run(ctx context.Context, input Input, reporter progress.Reporter) (Output, error) {
	if reporter == nil {
		reporter = progress.Discard
	}
	logger := log.FromContextOrDiscard(ctx).WithGroup("handler").With("input", input.String())
	ctx = log.NewContext(ctx, logger)

	switch input.Type {
	case TypeHealthCheck:
		logger.Info("health check")
		return Output{
			Status:    StatusHealthy,
			Message:   "Flux-Kontext service is running",
			Timestamp: float64(h.now().UnixMilli()) / 1000,
		}, nil
	case TypeListModels:
		logger.Info("listing models")
		models := h.models
		return Output{
			Status:  StatusSuccess,
			Models:  &models,
			Message: "Available models retrieved successfully",
		}, nil
	}

	if err := input.Validate(); err != nil {
		logger.Warn("invalid input", "error", err)
		return Output{}, err
	}
	logger.Info("handling edit job")

	img, err := h.loadImage(ctx, input.Image)
	if err != nil {
		return Output{}, err
	}
	rgb := codec.ToRGB(img)

	res, err := resolution.ForRatio(input.Ratio, rgb.Bounds().Size())
	if err != nil {
		return Output{}, err
	}
	logger.Info("editing image", "source", rgb.Bounds().Size().String(), "target", res.String())

	steps := &progress.StepReporter{Reporter: reporter, Width: res.Width, Height: res.Height, Every: h.every}
	out, err := h.editor.Edit(ctx, pipeline.Params{
		Image:         rgb,
		Prompt:        input.Prompt,
		Width:         res.Width,
		Height:        res.Height,
		GuidanceScale: pipeline.DefaultGuidanceScale,
	}, steps.OnStep)
	if err != nil {
		return Output{}, fmt.Errorf("edit failed: %w", err)
	}

	output := Output{Format: input.OutputFormat, Status: StatusCompleted, Progress: 100}
	switch input.OutputFormat {
	case FormatS3URL:
		output.ImageURL, err = store.UploadImage(ctx, h.uploader, out, store.ImageParams{
			Metadata: metadata(input, res),
		})
		if err != nil {
			return Output{}, fmt.Errorf("S3 upload failed: %w", err)
		}
	default:
		output.Image, err = codec.EncodeBase64(out, codec.PNG)
		if err != nil {
			return Output{}, err
		}
	}

	if err := reporter.Report(ctx, progress.Completed(CompletedMessage)); err != nil {
		logger.Warn("final progress update failed", "error", err)
	}
	logger.Info("edit job finished", "format", output.Format)
	return output, nil
}

func (h *Handler) loadImage(ctx context.Context, source string) (image.Image, error) {
	log := log.FromContextOrDiscard(ctx)
	switch {
	case store.IsS3URL(source):
		log.Info("downloading input from S3")
		data, err := h.downloader.Download(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("failed to download image from S3: %w", err)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode image from S3: %w", err)
		}
		return img, nil
	case store.IsHTTPURL(source):
		log.Info("fetching input over HTTP")
		return codec.Fetch(ctx, h.client, source)
	default:
		return codec.DecodeBase64(source)
	}
}

// S3 metadata travels as HTTP headers, so the prompt is escaped.
func metadata(input Input, res resolution.Resolution) map[string]string {
	return map[string]string{
		"prompt": url.QueryEscape(input.Prompt),
		"ratio":  input.Ratio,
		"width":  strconv.Itoa(res.Width),
		"height": strconv.Itoa(res.Height),
	}
}
