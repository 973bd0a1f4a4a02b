package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/dmorgan81/kontext/internal/handler"
	"github.com/dmorgan81/kontext/internal/serverless"
	"github.com/samber/do"
)

type WorkerCMD struct {
	TestInput string `type:"existingfile" help:"Run a single job from a JSON file ({\"input\": {...}}) and print the output"`
}

func (w *WorkerCMD) Run(c *Context) error {
	ctx := c.Context()
	if w.TestInput != "" {
		h := do.MustInvoke[*handler.Handler](c.injector)
		output, err := serverless.RunLocal(ctx, h, w.TestInput)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(output)
	}

	worker, err := do.Invoke[*serverless.Worker](c.injector)
	if err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	return worker.Run(ctx)
}

type LambdaCMD struct{}

func (l *LambdaCMD) Run(c *Context) error {
	h := do.MustInvoke[*handler.Handler](c.injector)
	lambda.StartWithOptions(h.Handle, lambda.WithContext(c.Context()), lambda.WithEnableSIGTERM(func() {
		_ = c.injector.Shutdown()
	}))
	return nil
}
