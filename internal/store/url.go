package store

import (
	"errors"
	"fmt"
	"strings"
)

var ErrWrongBucket = errors.New("url does not point at the configured bucket")

// IsS3URL reports whether u looks like a virtual-hosted S3 object URL.
func IsS3URL(u string) bool {
	return IsHTTPURL(u) && strings.Contains(u, "s3.")
}

func IsHTTPURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func ObjectURL(bucket, region, key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, key)
}

// KeyFromURL extracts the object key from a virtual-hosted URL for bucket.
func KeyFromURL(bucket, u string) (string, error) {
	_, rest, ok := strings.Cut(u, bucket+".s3.")
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWrongBucket, u)
	}
	_, key, ok := strings.Cut(rest, ".amazonaws.com/")
	if !ok || key == "" {
		return "", fmt.Errorf("%w: no object key in %s", ErrWrongBucket, u)
	}
	if i := strings.IndexAny(key, "?#"); i >= 0 {
		key = key[:i]
	}
	return key, nil
}
