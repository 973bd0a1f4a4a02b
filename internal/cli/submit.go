package cli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dmorgan81/kontext/internal/codec"
	"github.com/dmorgan81/kontext/internal/handler"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/dmorgan81/kontext/internal/progress"
	"github.com/dmorgan81/kontext/internal/runpod"
	"github.com/dmorgan81/kontext/internal/store"
	"github.com/samber/do"
	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
)

// InputPrefix is where submit uploads input images when asked to go
// through S3.
const InputPrefix = "test-images/"

type SubmitCMD struct {
	Image  string `arg:"" type:"existingfile" help:"Input image"`
	Prompt string `arg:"" help:"Edit instruction"`

	Ratio             string `default:"16:9" help:"Target aspect ratio, W:H or original"`
	OutputFormat      string `default:"base64" enum:"base64,s3_url" help:"How the worker returns the result [${enum}]"`
	UseS3Upload       bool   `name:"use-s3-upload" help:"Upload the input image to S3 and send its URL"`
	OutputDir         string `default:"test_outputs" type:"path" help:"Directory results are written to"`
	SaveMetadata      bool   `help:"Write a metadata JSON file next to the result"`
	SaveIntermediates bool   `help:"Save streamed previews as they arrive"`
	Endpoint          string `env:"RUNPOD_ENDPOINT_ID" help:"RunPod endpoint id"`

	now func() time.Time
	out io.Writer
}

type submitMetadata struct {
	Timestamp     string          `json:"timestamp"`
	InputImage    string          `json:"input_image"`
	Prompt        string          `json:"prompt"`
	Ratio         string          `json:"ratio"`
	OutputFormat  string          `json:"output_format"`
	JobID         string          `json:"job_id"`
	DelayTime     int64           `json:"delay_time_ms"`
	ExecutionTime int64           `json:"execution_time_ms"`
	Result        json.RawMessage `json:"result"`
}

func (s *SubmitCMD) Run(c *Context) error {
	// without a bucket the uploader writes local files the endpoint can't read
	var uploader store.Uploader
	if do.MustInvokeNamed[string](c.injector, "bucket") != "" {
		uploader = do.MustInvoke[store.Uploader](c.injector)
	}
	return s.submit(c.Context(), do.MustInvoke[*runpod.Client](c.injector), uploader)
}

func (s *SubmitCMD) submit(ctx context.Context, client *runpod.Client, uploader store.Uploader) error {
	log := log.FromContextOrDiscard(ctx).WithGroup("submit")
	now := lo.Ternary(s.now != nil, s.now, time.Now)
	out := lo.Ternary[io.Writer](s.out != nil, s.out, os.Stdout)

	if s.Endpoint == "" {
		return errors.New("RUNPOD_ENDPOINT_ID is not set")
	}
	if err := os.MkdirAll(s.OutputDir, 0o755); err != nil {
		return err
	}

	health, err := client.Health(ctx, s.Endpoint)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	fmt.Fprintf(out, "endpoint %s workers: %s jobs: %s\n", s.Endpoint, counts(health.Workers), counts(health.Jobs))

	source, err := s.source(ctx, uploader, now())
	if err != nil {
		return err
	}

	start := now()
	job, err := client.Run(ctx, s.Endpoint, handler.Input{
		Image:        source,
		Prompt:       s.Prompt,
		Ratio:        s.Ratio,
		OutputFormat: s.OutputFormat,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "submitted job %s\n", job.ID)
	log = log.With("job", job.ID)

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription(fmt.Sprintf("job %s", job.ID)),
		progressbar.OptionClearOnFinish(),
	)
	last := -1
	final, err := client.Poll(ctx, s.Endpoint, job.ID, func(j *runpod.Job) {
		var u progress.Update
		if j.DecodeOutput(&u) != nil || u.Progress <= last {
			return
		}
		last = u.Progress
		bar.Describe(fmt.Sprintf("progress %d%% (step %d/%d)", u.Progress, u.Step, u.TotalSteps))
		if err := bar.Set(u.Progress); err != nil {
			log.Debug("updating progress bar", "error", err)
		}
		if s.SaveIntermediates && u.PreviewImage != "" {
			if err := s.saveIntermediate(u); err != nil {
				log.Warn("saving preview", "error", err)
			}
		}
	})
	_ = bar.Finish()
	if ctx.Err() != nil {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := client.Cancel(cancelCtx, s.Endpoint, job.ID); err != nil {
			log.Warn("cancelling job", "error", err)
		}
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	var result handler.Output
	if err := final.DecodeOutput(&result); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	if result.Error != "" {
		return fmt.Errorf("job %s: %s", job.ID, result.Error)
	}
	fmt.Fprintf(out, "job %s completed in %s\n", job.ID, now().Sub(start).Round(time.Millisecond))

	timestamp := now().Format("20060102_150405")
	switch {
	case s.OutputFormat == handler.FormatBase64 && result.Image != "":
		data, err := codec.DecodeBase64Bytes(result.Image)
		if err != nil {
			return err
		}
		path := filepath.Join(s.OutputDir, fmt.Sprintf("flux_kontext_output_%s.png", timestamp))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "saved %s\n", path)
	case s.OutputFormat == handler.FormatS3URL && result.ImageURL != "":
		fmt.Fprintf(out, "image url: %s\n", result.ImageURL)
	default:
		return fmt.Errorf("job %s completed without an image", job.ID)
	}

	if s.SaveMetadata {
		path := filepath.Join(s.OutputDir, fmt.Sprintf("metadata_%s.json", timestamp))
		data, err := json.MarshalIndent(submitMetadata{
			Timestamp:     timestamp,
			InputImage:    s.Image,
			Prompt:        s.Prompt,
			Ratio:         s.Ratio,
			OutputFormat:  s.OutputFormat,
			JobID:         job.ID,
			DelayTime:     final.DelayTime,
			ExecutionTime: final.ExecutionTime,
			Result:        final.Output,
		}, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "saved %s\n", path)
	}
	return nil
}

// source returns what goes in the job's image field: an S3 URL when asked
// for and an uploader is available, plain base64 otherwise.
func (s *SubmitCMD) source(ctx context.Context, uploader store.Uploader, now time.Time) (string, error) {
	data, err := os.ReadFile(s.Image)
	if err != nil {
		return "", err
	}
	if !s.UseS3Upload {
		return base64.StdEncoding.EncodeToString(data), nil
	}
	if uploader == nil {
		log.FromContextOrDiscard(ctx).Warn("no bucket configured, sending the image inline")
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return uploader.Upload(ctx, store.UploadParams{
		Name:        fmt.Sprintf("%s%d_%s", InputPrefix, now.Unix(), filepath.Base(s.Image)),
		Data:        data,
		ContentType: http.DetectContentType(data),
	})
}

func (s *SubmitCMD) saveIntermediate(u progress.Update) error {
	data, err := codec.DecodeBase64Bytes(u.PreviewImage)
	if err != nil {
		return err
	}
	path := filepath.Join(s.OutputDir, fmt.Sprintf("intermediate_%03d.jpg", u.Progress))
	return os.WriteFile(path, data, 0o644)
}

func counts(m map[string]int) string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return fmt.Sprint(lo.Map(keys, func(k string, _ int) string {
		return fmt.Sprintf("%s=%d", k, m[k])
	}))
}
