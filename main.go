package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/dmorgan81/kontext/internal/cli"
	"github.com/dmorgan81/kontext/internal/inject"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/joho/godotenv"
)

func main() {
	for _, envFile := range []string{".env", "kontext.env"} {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				log.New(os.Stderr, log.Options{}).Error("loading env file", "file", envFile, "error", err)
			}
		}
	}

	kctx := kong.Parse(&cli.CLI,
		kong.Name("kontext"),
		kong.Description("Image editing with FLUX.1 Kontext on RunPod, Lambda or a local runner."),
		kong.UsageOnError(),
	)

	logger := log.New(os.Stderr, log.Options{Level: cli.CLI.LogLevel, Format: cli.CLI.LogFormat})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.NewContext(ctx, logger)

	injector := inject.Setup(ctx)
	cli.CLI.Bind(ctx, injector)

	err := kctx.Run(&cli.CLI.Context)
	_ = injector.Shutdown()
	kctx.FatalIfErrorf(err)
}
