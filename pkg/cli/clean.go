package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/poltergeist/spectre/internal/engine"
	"github.com/poltergeist/spectre/pkg/utils"
)

func (c *CLI) newCleanCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Evict old history, cache bundles and workspaces",
		Long: `Remove execution history entries, build cache bundles and immutable
workspaces that exceed the retention limits in the configuration. With --all
the whole state directory is removed instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				dir := c.settings.ResolveStateDir(c.root)
				if err := os.RemoveAll(dir); err != nil {
					return fmt.Errorf("failed to remove state directory: %w", err)
				}
				c.printSuccess(fmt.Sprintf("Removed %s", dir))
				return nil
			}

			ctx := cmd.Context()
			s, err := c.openSession(ctx, engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			hc := c.settings.History
			evicted, err := s.deps.History.Evict(ctx, hc.MaxAge, hc.MaxEntries)
			if err != nil {
				return fmt.Errorf("failed to evict execution history: %w", err)
			}
			c.printInfo(fmt.Sprintf("History: evicted %d entr(ies)", evicted))

			if s.deps.Cache != nil {
				cc := c.settings.Cache
				stats, err := s.deps.Cache.Cleanup(ctx, cc.MaxAge, cc.MaxBytes)
				if err != nil {
					return fmt.Errorf("failed to clean build cache: %w", err)
				}
				c.printInfo(fmt.Sprintf("Cache: removed %d bundle(s) (%s), kept %d (%s)",
					stats.Removed, utils.FormatBytes(stats.RemovedBytes),
					stats.Kept, utils.FormatBytes(stats.KeptBytes)))
			}

			stats, err := s.deps.Workspaces.Cleanup(ctx, c.settings.Workspaces.MaxAge)
			if err != nil {
				return fmt.Errorf("failed to clean workspaces: %w", err)
			}
			c.printInfo(fmt.Sprintf("Workspaces: removed %d (%s), kept %d (%s), %d in use",
				stats.Removed, utils.FormatBytes(stats.RemovedBytes),
				stats.Kept, utils.FormatBytes(stats.KeptBytes), stats.Busy))

			c.printSuccess("Clean complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove the entire state directory")
	return cmd
}
