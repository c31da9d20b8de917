package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/privacyscore/scanner/internal/model"
)

const defaultBucket = "scand-raw-data"

// MinIOBackend keeps objects in an S3 compatible bucket.
type MinIOBackend struct {
	client *minio.Client
	bucket string
}

// NewMinIOBackend connects to the endpoint and creates the bucket when it
// does not exist yet.
func NewMinIOBackend(ctx context.Context, cfg model.MinIO) (*MinIOBackend, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: minio endpoint is required", ErrStorage)
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: minio client: %w", ErrStorage, err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: checking bucket %s: %w", ErrStorage, bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("%w: creating bucket %s: %w", ErrStorage, bucket, err)
		}
	}
	return &MinIOBackend{client: client, bucket: bucket}, nil
}

func (b *MinIOBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrStorage, key, err)
	}
	return nil
}

func (b *MinIOBackend) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.mapErr(key, err)
	}
	defer func() {
		_ = obj.Close()
	}()
	// GetObject is lazy, a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, b.mapErr(key, err)
	}
	return data, nil
}

func (b *MinIOBackend) mapErr(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("%w: get %s: %w", ErrStorage, key, err)
}
