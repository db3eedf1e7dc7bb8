package engine

import (
	"context"
	"fmt"

	"github.com/poltergeist/spectre/pkg/cache"
	"github.com/poltergeist/spectre/pkg/cache/remote"
	"github.com/poltergeist/spectre/pkg/config"
	"github.com/poltergeist/spectre/pkg/fingerprint"
	"github.com/poltergeist/spectre/pkg/history"
	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/workspace"
)

// DependencyFactory builds the default collaborators from configuration.
// Everything is created once per process and passed to New explicitly.
type DependencyFactory struct {
	projectRoot string
	logger      logger.Logger
	config      *config.Config
}

// NewDependencyFactory creates a new dependency factory
func NewDependencyFactory(projectRoot string, log logger.Logger, cfg *config.Config) *DependencyFactory {
	return &DependencyFactory{projectRoot: projectRoot, logger: log, config: cfg}
}

// CreateDefaults opens the history store and creates the cache and
// workspace provider. Close the returned dependencies when done.
func (f *DependencyFactory) CreateDefaults(ctx context.Context) (Dependencies, error) {
	var deps Dependencies

	fp, err := fingerprint.NewService(f.projectRoot, f.config.MemoSize)
	if err != nil {
		return deps, err
	}
	deps.Fingerprints = fp

	store, err := f.createHistory(ctx)
	if err != nil {
		return deps, err
	}
	deps.History = store

	if f.config.Cache.Enabled {
		bc, err := f.createCache(ctx)
		if err != nil {
			_ = store.Close()
			return Dependencies{}, err
		}
		deps.Cache = bc
	}

	ws, err := f.createWorkspaces(store)
	if err != nil {
		_ = store.Close()
		return Dependencies{}, err
	}
	deps.Workspaces = ws
	return deps, nil
}

// CreateWithOverrides creates the defaults and replaces any non-nil override
func (f *DependencyFactory) CreateWithOverrides(ctx context.Context, overrides Dependencies) (Dependencies, error) {
	deps, err := f.CreateDefaults(ctx)
	if err != nil {
		return deps, err
	}
	if overrides.Fingerprints != nil {
		deps.Fingerprints = overrides.Fingerprints
	}
	if overrides.History != nil {
		_ = deps.History.Close()
		deps.History = overrides.History
	}
	if overrides.Cache != nil {
		deps.Cache = overrides.Cache
	}
	switch {
	case overrides.Workspaces != nil:
		deps.Workspaces = overrides.Workspaces
	case overrides.History != nil:
		// workspace callbacks must see the replacement store
		if deps.Workspaces, err = f.createWorkspaces(deps.History); err != nil {
			return Dependencies{}, err
		}
	}
	return deps, nil
}

// Close releases resources held by the dependencies
func (d Dependencies) Close() error {
	if d.History != nil {
		return d.History.Close()
	}
	return nil
}

func (f *DependencyFactory) createHistory(ctx context.Context) (history.Store, error) {
	path := history.ScopePath(f.config.ResolveStateDir(f.projectRoot), f.config.History.Scope)
	store, err := history.OpenSQLiteStore(ctx, path, f.logger)
	if err != nil {
		return nil, fmt.Errorf("open execution history: %w", err)
	}
	return store, nil
}

func (f *DependencyFactory) createCache(ctx context.Context) (*cache.BuildCache, error) {
	local, err := cache.NewLocalStore(f.config.ResolveCacheDir(f.projectRoot), f.logger)
	if err != nil {
		return nil, err
	}

	rs, err := remote.New(ctx, f.config.Cache.Remote)
	if err != nil {
		return nil, fmt.Errorf("create remote cache: %w", err)
	}
	if rs != nil {
		f.logger.Info("Using remote build cache",
			logger.WithField("remote", rs.Name()),
			logger.WithField("push", f.config.Cache.Push))
	}

	return cache.New(local, f.logger, cache.Options{Remote: rs, Push: f.config.Cache.Push}), nil
}

func (f *DependencyFactory) createWorkspaces(store history.Store) (*workspace.Provider, error) {
	return workspace.NewProvider(
		f.config.ResolveStateDir(f.projectRoot),
		store,
		f.logger,
		workspace.Options{LockTimeout: f.config.LockTimeout},
	)
}
