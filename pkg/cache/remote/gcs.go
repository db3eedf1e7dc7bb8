//go:build gcp

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps bundles in a Google Cloud Storage bucket
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore creates a GCS backend using application default credentials
func NewGCSStore(ctx context.Context, cfg Config) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func newGCSStore(ctx context.Context, cfg Config) (Store, error) {
	return NewGCSStore(ctx, cfg)
}

func (s *GCSStore) Name() string {
	return "gs://" + s.bucket + "/" + s.prefix
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(objectKey(s.prefix, key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("gcs get %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	obj := s.client.Bucket(s.bucket).Object(objectKey(s.prefix, key))
	if _, err := obj.Attrs(ctx); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs attrs %s: %w", key, err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/zstd"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", key, err)
	}
	return nil
}

// Close closes the GCS client
func (s *GCSStore) Close() error {
	return s.client.Close()
}
