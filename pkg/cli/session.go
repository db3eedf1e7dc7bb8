package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/poltergeist/spectre/internal/engine"
	scontext "github.com/poltergeist/spectre/pkg/context"
	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/notifier"
	"github.com/poltergeist/spectre/pkg/observability"
	"github.com/poltergeist/spectre/pkg/types"
	"github.com/poltergeist/spectre/pkg/workfile"
)

// session owns the engine collaborators for the lifetime of one command
type session struct {
	cli         *CLI
	deps        engine.Dependencies
	engine      *engine.Engine
	telemetry   *observability.Provider
	instruments *observability.Instruments
	notifier    *notifier.Notifier
}

func (c *CLI) openSession(ctx context.Context, opts engine.Options) (*session, error) {
	deps, err := engine.NewDependencyFactory(c.root, c.logger, c.settings).CreateDefaults(ctx)
	if err != nil {
		return nil, err
	}

	s := &session{cli: c, deps: deps}
	if s.engine, err = engine.New(deps, c.logger, opts); err != nil {
		s.Close()
		return nil, err
	}

	tc := c.settings.Telemetry
	s.telemetry, err = observability.New(ctx, observability.Config{
		Enabled:        tc.Enabled,
		ServiceVersion: c.config.Version,
		Endpoint:       tc.Endpoint,
		Insecure:       tc.Insecure,
	}, c.logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	if s.instruments, err = s.telemetry.Instruments(); err != nil {
		s.Close()
		return nil, err
	}

	nc := c.settings.Notifications
	s.notifier = notifier.New(notifier.Config{
		Enabled:   nc.Enabled,
		OnSuccess: nc.OnSuccess,
		Sound:     nc.Sound,
	}, c.logger)
	return s, nil
}

// Close flushes telemetry and closes the history store
func (s *session) Close() {
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.telemetry.Shutdown(ctx)
	}
	if err := s.deps.Close(); err != nil {
		s.cli.logger.Warn("Failed to close execution history", logger.WithError(err))
	}
}

func (s *session) workfilePath() string {
	return s.cli.settings.ResolveWorkfile(s.cli.root)
}

func (s *session) loadUnits() ([]*types.UnitOfWork, error) {
	return workfile.NewLoader(s.cli.root, s.cli.logger).Load(s.workfilePath())
}

// run executes one invocation and reports its outcome on the CLI output
func (s *session) run(ctx context.Context, units []*types.UnitOfWork, targets []string) (*engine.Result, error) {
	ctx = scontext.WithInvocationID(ctx, "")
	invID, _ := scontext.InvocationID(ctx)

	res, err := s.engine.Run(ctx, engine.Request{
		Units:   units,
		Targets: targets,
		Listener: types.Listeners{
			s.instruments.Listener(ctx, invID),
			s.notifier,
		},
		Output: s.cli.output,
	})
	if res != nil {
		s.cli.printOutcomes(res)
	}
	if err != nil {
		return res, err
	}
	if failed := res.Failed(); len(failed) > 0 {
		return res, &FailedError{Units: len(failed), Cause: res.Err()}
	}
	return res, nil
}

// FailedError reports units that failed in an otherwise completed invocation
type FailedError struct {
	Units int
	Cause error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%d unit(s) failed", e.Units)
}

func (e *FailedError) Unwrap() error {
	return e.Cause
}

// IsFailure reports whether err only means that some units failed
func IsFailure(err error) bool {
	var fe *FailedError
	return errors.As(err, &fe)
}

func (s *session) watchPaths(units []*types.UnitOfWork) []string {
	paths := workfile.WatchPaths(units)
	if rel, err := filepath.Rel(s.cli.root, s.workfilePath()); err == nil {
		paths = append(paths, filepath.ToSlash(rel))
	}
	return paths
}
