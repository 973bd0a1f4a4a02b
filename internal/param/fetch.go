package param

import (
	"context"
	"fmt"
	"os"

	"github.com/samber/do"
)

type Fetcher interface {
	Fetch(context.Context, string) (string, error)
}

// Lookup reads the setting called name. When <name>_PARAM is set the value is
// fetched from the parameter store path it holds, otherwise the environment
// variable itself is used. The Fetcher is only resolved when needed so
// machines without AWS credentials can still run.
func Lookup(ctx context.Context, i *do.Injector, name string) (string, error) {
	path := os.Getenv(name + "_PARAM")
	if path == "" {
		return os.Getenv(name), nil
	}
	fetcher, err := do.Invoke[Fetcher](i)
	if err != nil {
		return "", err
	}
	value, err := fetcher.Fetch(ctx, path)
	if err != nil {
		return "", fmt.Errorf("fetching %s from %s: %w", name, path, err)
	}
	return value, nil
}
