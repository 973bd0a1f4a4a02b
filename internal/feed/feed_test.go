package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmorgan81/kontext/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBucket struct {
	objects map[string]*s3.HeadObjectOutput
	prefix  string
	headErr error
}

func (b *fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	b.prefix = aws.ToString(in.Prefix)
	out := &s3.ListObjectsV2Output{}
	for key := range b.objects {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
	}
	out.Contents = append(out.Contents, s3types.Object{Key: aws.String(store.GeneratedPrefix + "notes.txt")})
	return out, nil
}

func (b *fakeBucket) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if b.headErr != nil {
		return nil, b.headErr
	}
	out, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("unexpected head of " + aws.ToString(in.Key))
	}
	return out, nil
}

func head(prompt string, modified time.Time) *s3.HeadObjectOutput {
	return &s3.HeadObjectOutput{
		ContentType:  aws.String("image/jpeg"),
		LastModified: aws.Time(modified),
		Metadata: map[string]string{
			"prompt": prompt,
			"ratio":  "16:9",
			"width":  "1392",
			"height": "752",
		},
	}
}

func TestGenerate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	bucket := &fakeBucket{objects: map[string]*s3.HeadObjectOutput{
		store.GeneratedPrefix + "flux_kontext_1_aaaaaaaa.jpg": head("make+it+blue", now.Add(-time.Hour)),
		store.GeneratedPrefix + "flux_kontext_2_bbbbbbbb.jpg": head("%EA%B3%A0%EC%96%91%EC%9D%B4", now),
		store.GeneratedPrefix + "flux_kontext_3_cccccccc.png": {LastModified: aws.Time(now.Add(-2 * time.Hour))},
	}}

	rss, err := NewGenerator(bucket, "bucket", "us-east-1").Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.GeneratedPrefix, bucket.prefix)

	feed := string(rss)
	assert.Contains(t, feed, "<title>Flux Kontext</title>")
	assert.Contains(t, feed, "https://bucket.s3.us-east-1.amazonaws.com/generated-images/flux_kontext_1_aaaaaaaa.jpg")
	assert.Contains(t, feed, "ratio 16:9, 1392x752")
	assert.NotContains(t, feed, "notes.txt")

	newest := strings.Index(feed, "고양이")
	older := strings.Index(feed, "make it blue")
	oldest := strings.Index(feed, "flux_kontext_3_cccccccc.png</title>")
	require.Positive(t, newest)
	assert.Less(t, newest, older)
	assert.Less(t, older, oldest)
}

func TestGenerateErrors(t *testing.T) {
	_, err := NewGenerator(&fakeBucket{}, "", "us-east-1").Generate(context.Background())
	require.ErrorIs(t, err, store.ErrNotConfigured)

	bucket := &fakeBucket{
		objects: map[string]*s3.HeadObjectOutput{store.GeneratedPrefix + "a.jpg": head("p", time.Now())},
		headErr: errors.New("access denied"),
	}
	_, err = NewGenerator(bucket, "bucket", "us-east-1").Generate(context.Background())
	require.ErrorContains(t, err, "access denied")
}

// pagedBucket lists one page of objects, then fails on the next page.
type pagedBucket struct {
	calls int
	heads atomic.Int32
}

func (b *pagedBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	b.calls++
	if b.calls > 1 {
		return nil, errors.New("throttled")
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(true), NextContinuationToken: aws.String("page-2")}
	for i := 0; i < 4; i++ {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(fmt.Sprintf("%s%d.jpg", store.GeneratedPrefix, i))})
	}
	return out, nil
}

func (b *pagedBucket) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	time.Sleep(20 * time.Millisecond)
	b.heads.Add(1)
	return head("p", time.Now()), nil
}

func TestGenerateWaitsForHeadsOnListError(t *testing.T) {
	bucket := &pagedBucket{}
	_, err := NewGenerator(bucket, "bucket", "us-east-1").Generate(context.Background())
	require.ErrorContains(t, err, "throttled")
	assert.Equal(t, 2, bucket.calls)
	assert.Equal(t, int32(4), bucket.heads.Load())
}
