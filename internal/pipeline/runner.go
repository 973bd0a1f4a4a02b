package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmorgan81/kontext/internal/codec"
	"github.com/dmorgan81/kontext/internal/latent"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/samber/do"
)

const (
	pollingInterval = 500 * time.Millisecond
	// loading the weights onto the GPU dominates start up
	runnerTimeout = 10 * time.Minute
)

var ErrNoResult = errors.New("runner closed the stream without a result")

type editRequest struct {
	Image             string  `json:"image"`
	Prompt            string  `json:"prompt"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	GuidanceScale     float64 `json:"guidance_scale"`
	NumInferenceSteps int     `json:"num_inference_steps,omitempty"`
	Models
	StreamLatents bool   `json:"stream_latents"`
	HFToken       string `json:"hf_token,omitempty"`
}

// event is one line of the runner's NDJSON response.
type event struct {
	Type       string `json:"type"`
	Step       int    `json:"step"`
	TotalSteps int    `json:"total_steps"`
	Latents    []byte `json:"latents"`
	Shape      []int  `json:"shape"`
	Image      string `json:"image"`
	Error      string `json:"error"`
}

// RunnerEditor drives a model runner over HTTP. The runner exposes
// GET /health and POST /edit, the latter streaming step, result and error
// events as newline delimited JSON.
type RunnerEditor struct {
	Client   *http.Client
	Endpoint string
	Models   Models
	HFToken  string

	PollingInterval time.Duration
	ReadyTimeout    time.Duration

	mu    sync.Mutex
	ready bool
}

func NewRunnerEditor(i *do.Injector) (Editor, error) {
	return &RunnerEditor{
		Client:   do.MustInvoke[*http.Client](i),
		Endpoint: strings.TrimRight(do.MustInvokeNamed[string](i, "runner_url"), "/"),
		Models:   do.MustInvoke[Models](i),
		HFToken:  do.MustInvokeNamed[string](i, "hf_token"),
	}, nil
}

// WaitUntilReady blocks until the runner answers its health check. Once it
// has, later calls return immediately.
func (e *RunnerEditor) WaitUntilReady(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}

	log := log.FromContextOrDiscard(ctx).WithGroup("runner").With("endpoint", e.Endpoint)
	log.Info("waiting for runner")

	ctx, cancel := context.WithTimeout(ctx, durationOr(e.ReadyTimeout, runnerTimeout))
	defer cancel()

	ticker := time.NewTicker(durationOr(e.PollingInterval, pollingInterval))
	defer ticker.Stop()

	for {
		if err := e.health(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for runner at %s", e.Endpoint)
		case <-ticker.C:
		}
	}

	log.Info("runner is ready")
	e.ready = true
	return nil
}

func (e *RunnerEditor) health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.Endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := e.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner health: %s", resp.Status)
	}
	return nil
}

func (e *RunnerEditor) Edit(ctx context.Context, params Params, fn StepFunc) (image.Image, error) {
	if err := e.WaitUntilReady(ctx); err != nil {
		return nil, err
	}

	log := log.FromContextOrDiscard(ctx).WithGroup("runner").With(
		"width", params.Width,
		"height", params.Height,
	)
	log.Info("editing image", "prompt", params.Prompt)

	img, err := codec.EncodeBase64(params.Image, codec.PNG)
	if err != nil {
		return nil, fmt.Errorf("encoding input image: %w", err)
	}

	body, err := json.Marshal(editRequest{
		Image:             img,
		Prompt:            params.Prompt,
		Width:             params.Width,
		Height:            params.Height,
		GuidanceScale:     params.GuidanceScale,
		NumInferenceSteps: params.Steps,
		Models:            e.Models,
		StreamLatents:     fn != nil,
		HFToken:           e.HFToken,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint+"/edit", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("runner returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var ev event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrNoResult
			}
			return nil, fmt.Errorf("reading runner stream: %w", err)
		}

		switch ev.Type {
		case "step":
			if fn == nil {
				continue
			}
			step := Step{Index: ev.Step, Total: ev.TotalSteps, Shape: ev.Shape}
			if step.Latents, err = latent.DecodeFloat32(ev.Latents); err != nil {
				log.Warn("dropping malformed latents", "step", ev.Step, "error", err)
			}
			fn(ctx, step)
		case "result":
			out, err := codec.DecodeBase64(ev.Image)
			if err != nil {
				return nil, fmt.Errorf("decoding result: %w", err)
			}
			log.Info("edit finished", "size", out.Bounds().Size())
			return out, nil
		case "error":
			return nil, fmt.Errorf("runner: %s", ev.Error)
		default:
			log.Debug("ignoring runner event", "type", ev.Type)
		}
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
