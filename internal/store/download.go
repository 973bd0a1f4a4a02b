package store

import "context"

type Downloader interface {
	// Download fetches the object behind an object storage URL.
	Download(ctx context.Context, url string) ([]byte, error)
}

type disabledDownloader struct{}

func (disabledDownloader) Download(context.Context, string) ([]byte, error) {
	return nil, ErrNotConfigured
}
