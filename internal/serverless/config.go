// Package serverless runs the job handler as a RunPod queue worker: jobs are
// taken from and answered through the platform's worker webhooks.
package serverless

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

const DefaultPingInterval = 10 * time.Second

type Config struct {
	GetJobURL     string
	PostOutputURL string
	PingURL       string
	APIKey        string
	WorkerID      string
	PingInterval  time.Duration
	// IdleWait is how long to wait after an empty job poll.
	IdleWait time.Duration
}

// ConfigFromEnv reads the RUNPOD_* variables the platform injects.
func ConfigFromEnv() Config {
	id := os.Getenv("RUNPOD_POD_ID")
	if id == "" {
		id, _ = os.Hostname()
	}

	interval := DefaultPingInterval
	if ms, err := strconv.Atoi(os.Getenv("RUNPOD_PING_INTERVAL")); err == nil && ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}

	return Config{
		GetJobURL:     os.Getenv("RUNPOD_WEBHOOK_GET_JOB"),
		PostOutputURL: os.Getenv("RUNPOD_WEBHOOK_POST_OUTPUT"),
		PingURL:       os.Getenv("RUNPOD_WEBHOOK_PING"),
		APIKey:        os.Getenv("RUNPOD_AI_API_KEY"),
		WorkerID:      id,
		PingInterval:  interval,
		IdleWait:      time.Second,
	}
}

func (c Config) Valid() bool {
	return c.GetJobURL != "" && c.PostOutputURL != ""
}

func (c Config) jobURL() string {
	return c.workerURL(c.GetJobURL)
}

func (c Config) pingURL() string {
	return c.workerURL(c.PingURL)
}

func (c Config) outputURL(jobID string) string {
	u := strings.ReplaceAll(c.PostOutputURL, "$RUNPOD_POD_ID", c.WorkerID)
	u = strings.ReplaceAll(u, "$ID", jobID)
	sep := lo.Ternary(strings.Contains(u, "?"), "&", "?")
	return u + sep + "isStream=false"
}

func (c Config) workerURL(u string) string {
	u = strings.ReplaceAll(u, "$RUNPOD_POD_ID", c.WorkerID)
	return strings.ReplaceAll(u, "$ID", c.WorkerID)
}
