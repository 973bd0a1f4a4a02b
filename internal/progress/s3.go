package progress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/dmorgan81/kontext/internal/store"
)

const previewPrefix = "previews/"

// S3Reporter publishes progress as objects: previews/<job>/progress.json,
// previews/<job>/<step>.jpg and previews/<job>/latest.jpg. The two fixed
// names are invalidated on every write so CDN readers see fresh copies.
type S3Reporter struct {
	Uploader    store.Uploader
	Invalidator store.Invalidator
	JobID       string
}

func (r *S3Reporter) Report(ctx context.Context, u Update) error {
	prefix := previewPrefix + r.JobID + "/"
	paths := []string{"/" + prefix + "progress.json"}

	if u.PreviewImage != "" {
		data, err := base64.StdEncoding.DecodeString(u.PreviewImage)
		if err != nil {
			return err
		}
		for _, name := range []string{fmt.Sprintf("%03d.jpg", u.Step), "latest.jpg"} {
			if _, err := r.Uploader.Upload(ctx, store.UploadParams{
				Name:        prefix + name,
				Data:        data,
				ContentType: "image/jpeg",
			}); err != nil {
				return err
			}
		}
		paths = append(paths, "/"+prefix+"latest.jpg")
	}

	u.PreviewImage = ""
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if _, err := r.Uploader.Upload(ctx, store.UploadParams{
		Name:        prefix + "progress.json",
		Data:        data,
		ContentType: "application/json",
	}); err != nil {
		return err
	}

	return r.Invalidator.Invalidate(ctx, paths)
}
