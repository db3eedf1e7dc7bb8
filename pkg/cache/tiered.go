package cache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/poltergeist/spectre/pkg/cache/remote"
	"github.com/poltergeist/spectre/pkg/logger"
)

// Source says which tier served a hit
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Hit is a verified bundle
type Hit struct {
	Data     []byte
	Manifest *Manifest
	Source   Source
}

// BuildCache puts a local store in front of an optional remote one
type BuildCache struct {
	local  *LocalStore
	remote remote.Store
	push   bool
	logger logger.Logger
	group  singleflight.Group
}

// Options configures a BuildCache
type Options struct {
	Remote remote.Store
	// Push uploads locally stored bundles to Remote
	Push bool
}

// New creates a tiered cache. A nil opts.Remote disables the remote tier.
func New(local *LocalStore, log logger.Logger, opts Options) *BuildCache {
	return &BuildCache{
		local:  local,
		remote: opts.Remote,
		push:   opts.Push && opts.Remote != nil,
		logger: log,
	}
}

// Local returns the local tier
func (c *BuildCache) Local() *LocalStore {
	return c.local
}

// Load returns a verified bundle for key, or nil on a miss. Corrupt local
// bundles are removed. A corrupt remote download is retried once and then
// reported as a miss. Remote hits are written back to the local tier.
func (c *BuildCache) Load(ctx context.Context, key string) (*Hit, error) {
	data, ok, err := c.local.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if ok {
		m, verr := Verify(data)
		if verr == nil {
			return &Hit{Data: data, Manifest: m, Source: SourceLocal}, nil
		}
		c.logger.Warn("Discarding corrupt local cache bundle",
			logger.WithField("key", key), logger.WithError(verr))
		if rmErr := c.local.Remove(key); rmErr != nil {
			return nil, rmErr
		}
	}

	if c.remote == nil {
		return nil, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.fetchRemote(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	hit, _ := v.(*Hit)
	return hit, nil
}

func (c *BuildCache) fetchRemote(ctx context.Context, key string) (*Hit, error) {
	for attempt := 1; attempt <= 2; attempt++ {
		start := time.Now()
		data, err := c.remote.Get(ctx, key)
		if errors.Is(err, remote.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			c.logger.Warn("Remote cache unavailable, treating as miss",
				logger.WithField("key", key),
				logger.WithField("remote", c.remote.Name()),
				logger.WithError(err))
			return nil, nil
		}

		m, verr := Verify(data)
		if verr == nil && m.Key != key {
			verr = &CorruptError{Key: key, Err: errors.New("manifest key mismatch")}
		}
		if verr != nil {
			c.logger.Warn("Corrupt remote cache bundle",
				logger.WithField("key", key),
				logger.WithField("attempt", attempt),
				logger.WithError(verr))
			continue
		}

		c.logger.Debug("Remote cache hit",
			logger.WithField("key", key),
			logger.WithField("bytes", len(data)),
			logger.WithField("duration", time.Since(start)))

		if err := c.local.Store(ctx, key, data); err != nil {
			c.logger.Warn("Failed to write remote hit to local cache",
				logger.WithField("key", key), logger.WithError(err))
		}
		return &Hit{Data: data, Manifest: m, Source: SourceRemote}, nil
	}
	return nil, nil
}

// Store commits a bundle locally and pushes it to the remote tier when
// pushing is enabled. Remote failures are logged only.
func (c *BuildCache) Store(ctx context.Context, key string, data []byte) error {
	if err := c.local.Store(ctx, key, data); err != nil {
		return err
	}
	if !c.push {
		return nil
	}
	if err := c.remote.Put(ctx, key, data); err != nil {
		c.logger.Warn("Failed to push bundle to remote cache",
			logger.WithField("key", key),
			logger.WithField("remote", c.remote.Name()),
			logger.WithError(err))
	}
	return nil
}

// Cleanup trims the local tier
func (c *BuildCache) Cleanup(ctx context.Context, maxAge time.Duration, maxBytes int64) (CleanupStats, error) {
	return c.local.Cleanup(ctx, maxAge, maxBytes)
}
