package inject

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/dmorgan81/kontext/internal/feed"
	"github.com/dmorgan81/kontext/internal/generate"
	"github.com/dmorgan81/kontext/internal/handler"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/dmorgan81/kontext/internal/page"
	"github.com/dmorgan81/kontext/internal/param"
	"github.com/dmorgan81/kontext/internal/pipeline"
	"github.com/dmorgan81/kontext/internal/runpod"
	"github.com/dmorgan81/kontext/internal/serverless"
	"github.com/dmorgan81/kontext/internal/store"
	"github.com/dmorgan81/kontext/internal/ui"
	"github.com/samber/do"
	"github.com/samber/lo"
)

const (
	DefaultRegion       = "us-east-1"
	DefaultRunnerURL    = "http://127.0.0.1:8000"
	DefaultPreviewEvery = 5
	DefaultOutputDir    = "outputs"
)

func Setup(ctx context.Context) *do.Injector {
	log := log.FromContextOrDiscard(ctx)

	injector := do.NewWithOpts(&do.InjectorOpts{
		Logf: func(format string, args ...any) {
			log.Debug(fmt.Sprintf(format, args...))
		},
	})

	region := env("AWS_REGION", DefaultRegion)
	do.Provide[aws.Config](injector, func(i *do.Injector) (aws.Config, error) {
		return config.LoadDefaultConfig(ctx, config.WithRegion(region))
	})
	do.Provide[*ssm.Client](injector, func(i *do.Injector) (*ssm.Client, error) {
		return ssm.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*s3.Client](injector, func(i *do.Injector) (*s3.Client, error) {
		return s3.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.Provide[*cloudfront.Client](injector, func(i *do.Injector) (*cloudfront.Client, error) {
		return cloudfront.NewFromConfig(do.MustInvoke[aws.Config](i)), nil
	})
	do.ProvideValue[*http.Client](injector, http.DefaultClient)

	do.ProvideNamedValue[string](injector, "region", region)
	do.ProvideNamedValue[string](injector, "bucket", os.Getenv("S3_BUCKET_NAME"))
	do.ProvideNamedValue[string](injector, "distribution", os.Getenv("DISTRIBUTION"))
	do.ProvideNamedValue[string](injector, "output_dir", env("OUTPUT_DIR", DefaultOutputDir))
	do.ProvideNamedValue[string](injector, "runner_url", env("RUNNER_URL", DefaultRunnerURL))
	do.ProvideNamedValue[string](injector, "checkpoint_dir", env("CHECKPOINT_DIR", pipeline.DefaultCheckpointDir))
	do.ProvideNamedValue[string](injector, "precision", env("PRECISION", pipeline.DefaultPrecision))
	do.ProvideNamedValue[string](injector, "hf_endpoint", env("HF_ENDPOINT", pipeline.DefaultHubURL))
	do.ProvideNamedValue[string](injector, "runpod_endpoint", os.Getenv("RUNPOD_ENDPOINT_ID"))
	do.ProvideNamedValue[string](injector, "runpod_api_base", env("RUNPOD_API_BASE", runpod.DefaultBaseURL))
	do.ProvideNamed[int](injector, "preview_every", func(i *do.Injector) (int, error) {
		every := env("PREVIEW_EVERY", strconv.Itoa(DefaultPreviewEvery))
		n, err := strconv.Atoi(every)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("PREVIEW_EVERY must be a positive integer, not %q", every)
		}
		return n, nil
	})

	do.Provide[param.Fetcher](injector, param.NewParameterStoreFetcher)
	do.ProvideNamed[string](injector, "hf_token", func(i *do.Injector) (string, error) {
		return param.Lookup(ctx, i, "HF_TOKEN")
	})
	do.ProvideNamed[string](injector, "runpod_api_key", func(i *do.Injector) (string, error) {
		return param.Lookup(ctx, i, "RUNPOD_API_KEY")
	})

	do.Provide[pipeline.Models](injector, func(i *do.Injector) (pipeline.Models, error) {
		return pipeline.ResolveModels(ctx,
			do.MustInvokeNamed[string](i, "checkpoint_dir"),
			do.MustInvokeNamed[string](i, "precision"),
		), nil
	})
	do.Provide[pipeline.Editor](injector, pipeline.NewRunnerEditor)
	do.Provide[*pipeline.Hub](injector, pipeline.NewHub)

	do.Provide[store.Uploader](injector, store.NewUploader)
	do.Provide[store.Downloader](injector, store.NewS3Downloader)
	do.Provide[store.Invalidator](injector, store.NewCloudFrontInvalidator)

	do.Provide[*handler.Handler](injector, handler.NewHandler)
	do.Provide[serverless.Config](injector, func(i *do.Injector) (serverless.Config, error) {
		return serverless.ConfigFromEnv(), nil
	})
	do.Provide[*serverless.Worker](injector, serverless.NewWorker)

	do.Provide[*runpod.Client](injector, runpod.NewClient)
	do.Provide[*generate.Generator](injector, generate.NewGenerator)
	do.ProvideValue[*page.Templator](injector, &page.Templator{})
	do.Provide[*feed.Generator](injector, feed.NewS3Generator)
	do.Provide[*ui.Server](injector, ui.NewServer)

	return injector
}

func env(name, fallback string) string {
	return lo.Ternary(os.Getenv(name) != "", os.Getenv(name), fallback)
}
