package handler

import (
	"context"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/dmorgan81/kontext/internal/progress"
)

// Handle is the Lambda entry point. Progress goes to the log and, when a
// bucket is configured, to previews/<request id>/ in S3. Failures are
// returned as an error output rather than failing the invocation.
func (h *Handler) Handle(ctx context.Context, input Input) (Output, error) {
	reporter := progress.Log
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		ctx = log.NewContext(ctx, log.FromContextOrDiscard(ctx).With("request", lc.AwsRequestID))
		if h.previews {
			reporter = progress.Multi(reporter, &progress.S3Reporter{
				Uploader:    h.uploader,
				Invalidator: h.invalidator,
				JobID:       lc.AwsRequestID,
			})
		}
	}

	output, err := h.Run(ctx, input, reporter)
	if err != nil {
		log.FromContextOrDiscard(ctx).Error("job failed", "error", err)
		return ErrorOutput(err), nil
	}
	return output, nil
}
