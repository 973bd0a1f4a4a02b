// Package progress carries denoising progress and latent previews from a
// running edit to whoever is waiting on the job.
package progress

import (
	"context"
	"errors"
	"image"

	"github.com/dmorgan81/kontext/internal/log"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

type Update struct {
	Progress     int    `json:"progress"`
	Step         int    `json:"step,omitempty"`
	TotalSteps   int    `json:"total_steps,omitempty"`
	PreviewImage string `json:"preview_image,omitempty"`
	Status       Status `json:"status"`
	Message      string `json:"message,omitempty"`

	// Preview is the decoded form of PreviewImage for in-process consumers.
	Preview image.Image `json:"-"`
}

type Reporter interface {
	Report(context.Context, Update) error
}

type ReporterFunc func(context.Context, Update) error

func (f ReporterFunc) Report(ctx context.Context, u Update) error {
	return f(ctx, u)
}

var Discard Reporter = ReporterFunc(func(context.Context, Update) error { return nil })

// Chan delivers updates to a channel, giving up when ctx is done.
func Chan(ch chan<- Update) Reporter {
	return ReporterFunc(func(ctx context.Context, u Update) error {
		select {
		case ch <- u:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Log writes updates to the context logger.
var Log Reporter = ReporterFunc(func(ctx context.Context, u Update) error {
	log.FromContextOrDiscard(ctx).Info("progress",
		"progress", u.Progress,
		"step", u.Step,
		"total_steps", u.TotalSteps,
		"status", u.Status,
		"preview", u.PreviewImage != "",
	)
	return nil
})

// Multi reports to every reporter and joins their errors.
func Multi(reporters ...Reporter) Reporter {
	return ReporterFunc(func(ctx context.Context, u Update) error {
		var errs []error
		for _, r := range reporters {
			errs = append(errs, r.Report(ctx, u))
		}
		return errors.Join(errs...)
	})
}

func Completed(message string) Update {
	return Update{Progress: 100, Status: StatusCompleted, Message: message}
}
