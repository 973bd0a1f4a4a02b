package serverless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dmorgan81/kontext/internal/handler"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/dmorgan81/kontext/internal/progress"
	"github.com/samber/do"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// JobHandler is satisfied by *handler.Handler.
type JobHandler interface {
	Run(context.Context, handler.Input, progress.Reporter) (handler.Output, error)
}

type Job struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

type result struct {
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Status string `json:"status,omitempty"`
}

type Worker struct {
	Config  Config
	Client  *http.Client
	Handler JobHandler

	mu  sync.Mutex
	job string
}

func NewWorker(i *do.Injector) (*Worker, error) {
	return &Worker{
		Config:  do.MustInvoke[Config](i),
		Client:  do.MustInvoke[*http.Client](i),
		Handler: do.MustInvoke[*handler.Handler](i),
	}, nil
}

// Run takes and processes jobs one at a time until ctx is cancelled, pinging
// the platform in the background.
func (w *Worker) Run(ctx context.Context) error {
	if !w.Config.Valid() {
		return errors.New("RUNPOD_WEBHOOK_GET_JOB and RUNPOD_WEBHOOK_POST_OUTPUT must be set")
	}
	logger := log.FromContextOrDiscard(ctx).WithGroup("worker").With("worker", w.Config.WorkerID)
	ctx = log.NewContext(ctx, logger)
	logger.Info("starting worker")

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return w.heartbeat(ctx) })
	group.Go(func() error { return w.loop(ctx) })

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("worker stopped")
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	log := log.FromContextOrDiscard(ctx)
	for {
		job, err := w.take(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warn("could not take job", "error", err)
		case job != nil:
			w.process(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.Config.IdleWait):
		}
	}
}

func (w *Worker) take(ctx context.Context) (*Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Config.jobURL(), nil)
	if err != nil {
		return nil, err
	}
	w.authorize(req)

	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusBadRequest:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("get job: %s", resp.Status)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

func (w *Worker) process(ctx context.Context, job *Job) {
	logger := log.FromContextOrDiscard(ctx).With("job", job.ID)
	ctx = log.NewContext(ctx, logger)
	logger.Info("took job")

	w.setJob(job.ID)
	defer w.setJob("")

	output := Process(ctx, w.Handler, job, progress.Multi(progress.Log, w.reporter(job.ID)))
	res := result{Output: output}
	if output.Error != "" {
		res = result{Error: output.Error}
	}
	if err := w.post(ctx, job.ID, res); err != nil {
		logger.Error("could not post job result", "error", err)
		return
	}
	logger.Info("finished job", "failed", output.Error != "")
}

// Process runs one job, turning failures and panics into an error output.
func Process(ctx context.Context, h JobHandler, job *Job, reporter progress.Reporter) (output handler.Output) {
	log := log.FromContextOrDiscard(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "panic", r)
			output = handler.ErrorOutput(fmt.Errorf("handler panicked: %v", r))
		}
	}()

	input, err := handler.ParseInput(job.Input)
	if err != nil {
		return handler.ErrorOutput(err)
	}
	output, err = h.Run(ctx, input, reporter)
	if err != nil {
		log.Error("job failed", "error", err)
		return handler.ErrorOutput(err)
	}
	return output
}

// reporter sends progress as an IN_PROGRESS partial result.
func (w *Worker) reporter(jobID string) progress.Reporter {
	return progress.ReporterFunc(func(ctx context.Context, u progress.Update) error {
		return w.post(ctx, jobID, result{Status: "IN_PROGRESS", Output: u})
	})
}

func (w *Worker) post(ctx context.Context, jobID string, res result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Config.outputURL(jobID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	w.authorize(req)

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post output for %s: %s", jobID, resp.Status)
	}
	return nil
}

func (w *Worker) heartbeat(ctx context.Context) error {
	if w.Config.PingURL == "" {
		return nil
	}
	log := log.FromContextOrDiscard(ctx)
	ticker := time.NewTicker(lo.Ternary(w.Config.PingInterval > 0, w.Config.PingInterval, DefaultPingInterval))
	defer ticker.Stop()

	for {
		if err := w.ping(ctx); err != nil && ctx.Err() == nil {
			log.Warn("heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) ping(ctx context.Context) error {
	u, err := url.Parse(w.Config.pingURL())
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("job_id", w.currentJob())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	w.authorize(req)

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ping: %s", resp.Status)
	}
	return nil
}

func (w *Worker) authorize(req *http.Request) {
	if w.Config.APIKey != "" {
		req.Header.Set("Authorization", w.Config.APIKey)
	}
}

func (w *Worker) setJob(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.job = id
}

func (w *Worker) currentJob() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.job
}
