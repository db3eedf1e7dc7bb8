// Package remote provides the pluggable transports of the shared build
// cache. Every backend maps a cache key to an immutable bundle.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key is absent
var ErrNotFound = errors.New("remote cache entry not found")

//go:generate mockgen -destination=../../mocks/mock_remote_store.go -package=mocks -mock_names=Store=MockRemoteStore github.com/poltergeist/spectre/pkg/cache/remote Store

// Store is a remote cache transport
type Store interface {
	// Get returns the bundle for key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Put uploads a bundle. Existing keys are left untouched.
	Put(ctx context.Context, key string, data []byte) error
	// Name identifies the backend in logs
	Name() string
}

// Type names a remote backend
type Type string

const (
	TypeNone   Type = ""
	TypeS3     Type = "s3"
	TypeMinIO  Type = "minio"
	TypeRedis  Type = "redis"
	TypeGCS    Type = "gcs"
	TypeMemory Type = "memory"
)

// Config selects and configures a remote backend
type Config struct {
	Type   Type   `yaml:"type" mapstructure:"type"`
	Bucket string `yaml:"bucket,omitempty" mapstructure:"bucket"`
	Prefix string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	Region string `yaml:"region,omitempty" mapstructure:"region"`
	// Endpoint overrides the S3 endpoint or names the MinIO host
	Endpoint  string `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	AccessKey string `yaml:"accessKey,omitempty" mapstructure:"accessKey"`
	SecretKey string `yaml:"secretKey,omitempty" mapstructure:"secretKey"`
	Insecure  bool   `yaml:"insecure,omitempty" mapstructure:"insecure"`

	// Redis
	Address  string        `yaml:"address,omitempty" mapstructure:"address"`
	Password string        `yaml:"password,omitempty" mapstructure:"password"`
	DB       int           `yaml:"db,omitempty" mapstructure:"db"`
	TTL      time.Duration `yaml:"ttl,omitempty" mapstructure:"ttl"`

	// RequestsPerSecond limits calls to the backend; zero means unlimited
	RequestsPerSecond float64 `yaml:"requestsPerSecond,omitempty" mapstructure:"requestsPerSecond"`
	Burst             int     `yaml:"burst,omitempty" mapstructure:"burst"`
}

// Validate checks that the selected backend has what it needs
func (c Config) Validate() error {
	switch c.Type {
	case TypeNone, TypeMemory:
		return nil
	case TypeS3, TypeGCS:
		if c.Bucket == "" {
			return fmt.Errorf("remote cache %s: bucket is required", c.Type)
		}
	case TypeMinIO:
		if c.Bucket == "" || c.Endpoint == "" {
			return fmt.Errorf("remote cache minio: bucket and endpoint are required")
		}
	case TypeRedis:
		if c.Address == "" {
			return fmt.Errorf("remote cache redis: address is required")
		}
	default:
		return fmt.Errorf("unsupported remote cache type: %s", c.Type)
	}
	if c.RequestsPerSecond < 0 || c.Burst < 0 {
		return fmt.Errorf("remote cache rate limits must not be negative")
	}
	return nil
}

// New builds the configured backend, wrapped in a rate limiter when
// RequestsPerSecond is set. TypeNone returns a nil Store.
func New(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		store Store
		err   error
	)
	switch cfg.Type {
	case TypeNone:
		return nil, nil
	case TypeMemory:
		store = NewMemoryStore()
	case TypeS3:
		store, err = NewS3Store(ctx, cfg)
	case TypeMinIO:
		store, err = NewMinIOStore(ctx, cfg)
	case TypeRedis:
		store, err = NewRedisStore(ctx, cfg)
	case TypeGCS:
		store, err = newGCSStore(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RequestsPerSecond > 0 {
		store = NewLimited(store, cfg.RequestsPerSecond, cfg.Burst)
	}
	return store, nil
}

func objectKey(prefix, key string) string {
	return prefix + key + ".bundle"
}
