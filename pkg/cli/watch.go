package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/process"
	"github.com/poltergeist/spectre/pkg/watch"
)

func (c *CLI) newWatchCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "watch [unit...]",
		Short: "Run the work graph and again whenever an input changes",
		Long: `Run the work graph once, then watch every file and directory input of the
selected units and the workfile itself. Changes are debounced and trigger a
new invocation; the workfile is reloaded each time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.dryRun {
				return fmt.Errorf("--dry-run cannot be combined with watch")
			}
			pm := process.NewManager(c.logger)
			ctx := pm.Start(cmd.Context())
			defer pm.Stop()

			s, err := c.openSession(ctx, c.engineOptions(&opts))
			if err != nil {
				return err
			}
			defer s.Close()

			units, err := s.loadUnits()
			if err != nil {
				return err
			}
			c.runAndReport(ctx, s, args)

			exclude := append([]string{}, c.settings.Watch.Exclude...)
			if rel, err := filepath.Rel(c.root, c.settings.ResolveStateDir(c.root)); err == nil {
				exclude = append(exclude, filepath.ToSlash(rel))
			}
			w, err := watch.New(c.root, watch.Options{
				Paths:    s.watchPaths(units),
				Exclude:  exclude,
				Debounce: c.settings.Watch.Debounce,
			}, c.logger)
			if err != nil {
				return err
			}
			pm.RegisterShutdownHandler(func() {
				c.logger.Info("Stopping watch")
			})

			c.printInfo(fmt.Sprintf("Watching %d path(s), press Ctrl+C to stop", len(s.watchPaths(units))))
			err = w.Run(ctx, func(ctx context.Context, changed []string) {
				c.logger.Info("Change detected", logger.WithField("paths", changed))
				c.runAndReport(ctx, s, args)
			})
			if closeErr := w.Close(); err == nil {
				err = closeErr
			}
			return err
		},
	}
	opts.register(cmd)
	return cmd
}

// runAndReport reloads the workfile and runs it; failures are logged and
// watching continues
func (c *CLI) runAndReport(ctx context.Context, s *session, targets []string) {
	units, err := s.loadUnits()
	if err != nil {
		c.logger.Error("Failed to load workfile", logger.WithError(err))
		return
	}
	if _, err := s.run(ctx, units, targets); err != nil && !IsFailure(err) && ctx.Err() == nil {
		c.logger.Error("Invocation failed", logger.WithError(err))
	}
}
