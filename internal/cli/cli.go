// Package cli holds the kontext command line: the worker and Lambda entry
// points plus the client tools used against a deployed endpoint.
package cli

import (
	"context"

	"github.com/samber/do"
)

// Context is bound into every command's Run method.
type Context struct {
	LogLevel  string `env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Set the level of logs to output [${enum}]"`
	LogFormat string `env:"LOG_FORMAT" default:"json" enum:"json,text" help:"Set the format of logs to output [${enum}]"`

	ctx      context.Context
	injector *do.Injector
}

// Bind attaches the process context and injector once flags are parsed.
func (c *Context) Bind(ctx context.Context, injector *do.Injector) {
	c.ctx = ctx
	c.injector = injector
}

func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

var CLI struct {
	Context `embed:""`

	Worker WorkerCMD `cmd:"" help:"Run the RunPod serverless worker loop" default:"1"`
	Lambda LambdaCMD `cmd:"" help:"Run as an AWS Lambda function"`
	Submit SubmitCMD `cmd:"" help:"Submit an edit to a deployed RunPod endpoint and wait for the result"`
	Local  LocalCMD  `cmd:"" help:"Edit an image with the local runner, printing progress"`
	UI     UICMD     `cmd:"" name:"ui" help:"Serve the browser UI"`
	Ratio  RatioCMD  `cmd:"" help:"Print the resolution an image and ratio map to"`

	Checkpoints CheckpointsCMD `cmd:"" help:"Download the model checkpoints for a network volume"`
}
