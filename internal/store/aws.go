package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmorgan81/kontext/internal/log"
	"github.com/google/uuid"
	"github.com/samber/do"
)

// ObjectAPI is the part of *s3.Client the store needs.
type ObjectAPI interface {
	PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type InvalidationAPI interface {
	CreateInvalidation(context.Context, *cloudfront.CreateInvalidationInput, ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

type S3Uploader struct {
	Client ObjectAPI
	Bucket string
	Region string
}

// NewUploader uploads to the configured bucket, or writes below output_dir
// when there is none.
func NewUploader(i *do.Injector) (Uploader, error) {
	bucket := do.MustInvokeNamed[string](i, "bucket")
	if bucket == "" {
		return &FileUploader{Dir: do.MustInvokeNamed[string](i, "output_dir")}, nil
	}
	return &S3Uploader{
		Client: do.MustInvoke[*s3.Client](i),
		Bucket: bucket,
		Region: do.MustInvokeNamed[string](i, "region"),
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, params UploadParams) (string, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("s3").With(
		"name", params.Name,
		"content-type", params.ContentType,
		"bucket", u.Bucket,
	)
	log.Info("uploading to s3")

	_, err := u.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.Bucket),
		Key:         aws.String(params.Name),
		ContentType: aws.String(params.ContentType),
		Body:        bytes.NewReader(params.Data),
		Metadata:    params.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", params.Name, err)
	}

	url := ObjectURL(u.Bucket, u.Region, params.Name)
	log.Info("uploaded to s3", "url", url)
	return url, nil
}

type S3Downloader struct {
	Client ObjectAPI
	Bucket string
}

func NewS3Downloader(i *do.Injector) (Downloader, error) {
	bucket := do.MustInvokeNamed[string](i, "bucket")
	if bucket == "" {
		return disabledDownloader{}, nil
	}
	return &S3Downloader{
		Client: do.MustInvoke[*s3.Client](i),
		Bucket: bucket,
	}, nil
}

func (d *S3Downloader) Download(ctx context.Context, url string) ([]byte, error) {
	key, err := KeyFromURL(d.Bucket, url)
	if err != nil {
		return nil, err
	}

	log := log.FromContextOrDiscard(ctx).WithGroup("s3").With("key", key, "bucket", d.Bucket)
	log.Info("downloading from s3")

	out, err := d.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", key, err)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

type CloudFrontInvalidator struct {
	Client       InvalidationAPI
	Distribution string
}

func NewCloudFrontInvalidator(i *do.Injector) (Invalidator, error) {
	distribution := do.MustInvokeNamed[string](i, "distribution")
	if distribution == "" {
		return NopInvalidator{}, nil
	}
	return &CloudFrontInvalidator{
		Client:       do.MustInvoke[*cloudfront.Client](i),
		Distribution: distribution,
	}, nil
}

func (i *CloudFrontInvalidator) Invalidate(ctx context.Context, paths []string) error {
	log := log.FromContextOrDiscard(ctx).With("paths", paths, "distribution", i.Distribution)
	log.Info("invalidating paths in cloudfront")

	_, err := i.Client.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(i.Distribution),
		InvalidationBatch: &cftypes.InvalidationBatch{
			// previews are invalidated several times a second
			CallerReference: aws.String(uuid.NewString()),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(int32(len(paths))),
				Items:    paths,
			},
		},
	})
	return err
}
