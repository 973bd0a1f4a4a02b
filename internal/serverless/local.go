package serverless

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmorgan81/kontext/internal/handler"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/dmorgan81/kontext/internal/progress"
	"github.com/google/uuid"
)

// RunLocal processes the job in a test input file ({"input": {...}}) without
// the platform, logging progress instead of posting it.
func RunLocal(ctx context.Context, h JobHandler, path string) (handler.Output, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return handler.Output{}, err
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return handler.Output{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(job.Input) == 0 {
		return handler.Output{}, fmt.Errorf("%s has no input", path)
	}
	if job.ID == "" {
		job.ID = "local-" + uuid.NewString()
	}

	ctx = log.NewContext(ctx, log.FromContextOrDiscard(ctx).With("job", job.ID))
	return Process(ctx, h, &job, progress.Log), nil
}
