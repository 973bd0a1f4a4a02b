package store

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/dmorgan81/kontext/internal/codec"
	"github.com/google/uuid"
)

const GeneratedPrefix = "generated-images/"

type ImageParams struct {
	// Name overrides the generated file name below GeneratedPrefix.
	Name     string
	Format   codec.Format
	Metadata map[string]string
}

// GeneratedName returns a unique object name such as
// flux_kontext_1719000000_1a2b3c4d.jpg.
func GeneratedName(now time.Time, f codec.Format) string {
	return fmt.Sprintf("flux_kontext_%d_%s%s", now.Unix(), uuid.NewString()[:8], f.Ext())
}

// UploadImage encodes img (JPEG unless asked otherwise) and uploads it below
// GeneratedPrefix, returning its URL.
func UploadImage(ctx context.Context, u Uploader, img image.Image, params ImageParams) (string, error) {
	if params.Format == "" {
		params.Format = codec.JPEG
	}
	if params.Name == "" {
		params.Name = GeneratedName(time.Now(), params.Format)
	}

	data, err := codec.EncodeBytes(img, params.Format)
	if err != nil {
		return "", err
	}

	return u.Upload(ctx, UploadParams{
		Name:        GeneratedPrefix + params.Name,
		Data:        data,
		ContentType: params.Format.ContentType(),
		Metadata:    params.Metadata,
	})
}
