package store

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror receives a copy of each ledger after it is written locally. The
// local file stays authoritative; mirror failures are only logged.
type Mirror interface {
	Put(ctx context.Context, key string, payload []byte) error
}

// MinioMirror stores ledger snapshots in an S3 compatible bucket.
type MinioMirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioMirror connects and ensures the bucket exists.
func NewMinioMirror(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioMirror, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioMirror{client: client, bucket: bucket, prefix: "ledgers"}, nil
}

func (m *MinioMirror) Put(ctx context.Context, key string, payload []byte) error {
	objectKey := path.Join(m.prefix, key)
	_, err := m.client.PutObject(ctx, m.bucket, objectKey, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}
