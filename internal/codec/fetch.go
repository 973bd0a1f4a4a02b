package codec

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"

	"github.com/dmorgan81/kontext/internal/log"
)

// maxImageBytes bounds remote downloads.
const maxImageBytes = 64 << 20

// Fetch downloads and decodes the image at url.
func Fetch(ctx context.Context, client *http.Client, url string) (image.Image, error) {
	log := log.FromContextOrDiscard(ctx).With("url", url)
	log.Info("fetching image")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: %s", url, resp.Status)
	}

	img, format, err := image.Decode(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", url, err)
	}
	log.Debug("fetched image", "format", format, "size", img.Bounds().Size())
	return img, nil
}
