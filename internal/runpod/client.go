// Package runpod is a client for the RunPod serverless job API: submit a
// job to an endpoint, watch its status and stream output, cancel it.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dmorgan81/kontext/internal/log"
	"github.com/samber/do"
	"github.com/samber/lo"
)

const (
	DefaultBaseURL = "https://api.runpod.ai/v2"

	// Poll asks often while a job runs so streamed previews stay fresh.
	DefaultRunningInterval = 200 * time.Millisecond
	DefaultQueuedInterval  = time.Second
)

type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// Final reports whether the job will not change status again.
func (s Status) Final() bool {
	return lo.Contains([]Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut}, s)
}

var (
	ErrJobFailed   = errors.New("job did not complete")
	ErrMissingAuth = errors.New("RUNPOD_API_KEY is not set")
)

type Job struct {
	ID            string          `json:"id"`
	Status        Status          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	DelayTime     int64           `json:"delayTime,omitempty"`
	ExecutionTime int64           `json:"executionTime,omitempty"`
}

// ErrorMessage returns the job's error, unquoted when it is a JSON string.
func (j *Job) ErrorMessage() string {
	if len(j.Error) == 0 || string(j.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(j.Error, &s); err == nil {
		return s
	}
	return string(j.Error)
}

func (j *Job) DecodeOutput(v any) error {
	if len(j.Output) == 0 {
		return errors.New("job has no output")
	}
	return json.Unmarshal(j.Output, v)
}

type Health struct {
	Jobs    map[string]int `json:"jobs"`
	Workers map[string]int `json:"workers"`
}

type Client struct {
	HTTP    *http.Client
	BaseURL string
	APIKey  string

	QueuedInterval  time.Duration
	RunningInterval time.Duration
}

func NewClient(i *do.Injector) (*Client, error) {
	return &Client{
		HTTP:    do.MustInvoke[*http.Client](i),
		BaseURL: do.MustInvokeNamed[string](i, "runpod_api_base"),
		APIKey:  do.MustInvokeNamed[string](i, "runpod_api_key"),
	}, nil
}

func (c *Client) Run(ctx context.Context, endpointID string, input any) (*Job, error) {
	var job Job
	err := c.do(ctx, http.MethodPost, endpointID, "/run", map[string]any{"input": input}, &job)
	return &job, err
}

func (c *Client) Status(ctx context.Context, endpointID, jobID string) (*Job, error) {
	var job Job
	err := c.do(ctx, http.MethodGet, endpointID, "/status/"+jobID, nil, &job)
	return &job, err
}

func (c *Client) Cancel(ctx context.Context, endpointID, jobID string) (*Job, error) {
	var job Job
	err := c.do(ctx, http.MethodPost, endpointID, "/cancel/"+jobID, nil, &job)
	return &job, err
}

func (c *Client) Health(ctx context.Context, endpointID string) (*Health, error) {
	var health Health
	err := c.do(ctx, http.MethodGet, endpointID, "/health", nil, &health)
	return &health, err
}

// Poll watches a job until it reaches a final status. fn, when set, sees
// every non-final status, including any partial output streamed by the
// worker. A job that does not complete yields ErrJobFailed.
func (c *Client) Poll(ctx context.Context, endpointID, jobID string, fn func(*Job)) (*Job, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("runpod").With("job", jobID)
	for {
		job, err := c.Status(ctx, endpointID, jobID)
		if err != nil {
			return nil, err
		}
		log.Debug("job status", "status", job.Status)

		switch job.Status {
		case StatusCompleted:
			return job, nil
		case StatusFailed, StatusCancelled, StatusTimedOut:
			msg := job.ErrorMessage()
			return job, fmt.Errorf("%w: %s: %s", ErrJobFailed, job.Status, lo.Ternary(msg != "", msg, "no details"))
		}

		if fn != nil {
			fn(job)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.interval(job.Status)):
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpointID, path string, in, out any) error {
	if c.APIKey == "" {
		return ErrMissingAuth
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	base := strings.TrimRight(lo.Ternary(c.BaseURL != "", c.BaseURL, DefaultBaseURL), "/")
	req, err := http.NewRequestWithContext(ctx, method, base+"/"+endpointID+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("runpod %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// interval is how long Poll waits before asking again about a job in status.
func (c *Client) interval(status Status) time.Duration {
	if status == StatusInProgress {
		return durationOr(c.RunningInterval, DefaultRunningInterval)
	}
	return durationOr(c.QueuedInterval, DefaultQueuedInterval)
}

func durationOr(d, fallback time.Duration) time.Duration {
	return lo.Ternary(d > 0, d, fallback)
}
