package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore keeps bundles in a MinIO (or any S3-compatible) bucket
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOStore connects to cfg.Endpoint and creates the bucket if missing
func NewMinIOStore(ctx context.Context, cfg Config) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check minio bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create minio bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinIOStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *MinIOStore) Name() string {
	return "minio://" + s.bucket + "/" + s.prefix
}

func isMinIONotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *MinIOStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(s.prefix, key), minio.GetObjectOptions{})
	if err != nil {
		if isMinIONotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("minio get %s: %w", key, err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinIONotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("minio read %s: %w", key, err)
	}
	return data, nil
}

func (s *MinIOStore) Put(ctx context.Context, key string, data []byte) error {
	objKey := objectKey(s.prefix, key)

	if _, err := s.client.StatObject(ctx, s.bucket, objKey, minio.StatObjectOptions{}); err == nil {
		return nil
	}

	_, err := s.client.PutObject(ctx, s.bucket, objKey, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/zstd"})
	if err != nil {
		return fmt.Errorf("minio put %s: %w", key, err)
	}
	return nil
}
