package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/dmorgan81/kontext/internal/log"
)

// ErrNotConfigured is returned when object storage was not set up, for
// example because no bucket is configured.
var ErrNotConfigured = errors.New("object storage is not configured")

type UploadParams struct {
	Name        string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

type Uploader interface {
	// Upload stores the object and returns the URL it can be fetched from.
	Upload(context.Context, UploadParams) (string, error)
}

// FileUploader writes objects below Dir. Used when no bucket is configured.
type FileUploader struct {
	Dir string
}

func (u *FileUploader) Upload(ctx context.Context, params UploadParams) (string, error) {
	path := filepath.Join(u.Dir, filepath.FromSlash(params.Name))
	log.FromContextOrDiscard(ctx).Info("writing", "file", path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, params.Data, 0o600); err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(path), nil
}
