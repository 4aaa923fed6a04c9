package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIO signs URLs against any S3-compatible object store.
type MinIO struct {
	client *minio.Client
	bucket string
}

var _ ObjectStore = (*MinIO)(nil)

func NewMinIO(endpoint, accessKey, secretKey, bucket string, secure bool) (*MinIO, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinIO{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist. Presigning itself
// needs no round-trip, so a failure here only delays the first upload.
func (m *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("bucket check: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	slog.Info("created storage bucket", "bucket", m.bucket)
	return nil
}

func (m *MinIO) PresignPut(ctx context.Context, objectPath, contentType string, ttl time.Duration) (string, error) {
	// PresignHeader pins the Content-Type into the signature, so the grant
	// cannot be replayed with a different payload type.
	headers := http.Header{}
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}
	u, err := m.client.PresignHeader(ctx, http.MethodPut, m.bucket, objectPath, ttl, url.Values{}, headers)
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", objectPath, err)
	}
	return u.String(), nil
}

func (m *MinIO) PresignGet(ctx context.Context, objectPath string, ttl time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, objectPath, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", objectPath, err)
	}
	return u.String(), nil
}

func (m *MinIO) Remove(ctx context.Context, objectPath string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, objectPath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", objectPath, err)
	}
	return nil
}
