package cli

import (
	"github.com/spf13/cobra"

	"github.com/poltergeist/spectre/internal/engine"
	"github.com/poltergeist/spectre/pkg/logger"
	"github.com/poltergeist/spectre/pkg/process"
)

type runOptions struct {
	dryRun            bool
	parallelism       int
	continueOnFailure bool
	noCache           bool
}

func (o *runOptions) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.BoolVar(&o.dryRun, "dry-run", false, "report what would run without executing anything")
	flags.IntVarP(&o.parallelism, "parallelism", "j", 0, "units processed concurrently (default from config)")
	flags.BoolVarP(&o.continueOnFailure, "continue-on-failure", "k", false, "keep running units that do not depend on a failure")
	flags.BoolVar(&o.noCache, "no-cache", false, "neither restore from nor store into the build cache")
}

func (c *CLI) engineOptions(o *runOptions) engine.Options {
	opts := engine.Options{
		Parallelism:       c.settings.Parallelism,
		ContinueOnFailure: c.settings.ContinueOnFailure || o.continueOnFailure,
		DryRun:            o.dryRun,
	}
	if o.parallelism > 0 {
		opts.Parallelism = o.parallelism
	}
	if o.noCache {
		c.settings.Cache.Enabled = false
	}
	return opts
}

func (c *CLI) newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [unit...]",
		Short: "Run the work graph once",
		Long: `Run every unit of work declared in the workfile, or only the named units
and their dependencies. Units that are up to date are skipped and cacheable
units are restored from the build cache when possible.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pm := process.NewManager(c.logger)
			pm.RegisterShutdownHandler(func() {
				c.logger.Warn("Cancelling invocation, results of running units will not be recorded")
			})
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
			c.logger.Debug("Loaded workfile", logger.WithField("units", len(units)))

			_, err = s.run(ctx, units, args)
			return err
		},
	}
	opts.register(cmd)
	return cmd
}
