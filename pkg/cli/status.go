package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/poltergeist/spectre/internal/engine"
	"github.com/poltergeist/spectre/pkg/history"
	"github.com/poltergeist/spectre/pkg/types"
)

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the execution history of every unit",
		Long: `Display the last recorded execution of each unit of work: when it was
recorded, how long the original execution took and which invocation
produced the outputs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.openSession(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.deps.History.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read execution history: %w", err)
			}
			byUnit := make(map[string]history.Record, len(records))
			for _, r := range records {
				byUnit[r.UnitID] = r
			}

			// units from the workfile first, then history of removed units
			var ids []string
			if units, err := s.loadUnits(); err == nil {
				for _, u := range units {
					ids = append(ids, u.ID)
				}
			}
			known := make(map[string]bool, len(ids))
			for _, id := range ids {
				known[id] = true
			}
			var stale []string
			for id := range byUnit {
				if !known[id] {
					stale = append(stale, id)
				}
			}
			sort.Strings(stale)
			ids = append(ids, stale...)

			w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UNIT\tRECORDED\tDURATION\tORIGIN\tCACHE KEY")
			fmt.Fprintln(w, "----\t--------\t--------\t------\t---------")
			for _, id := range ids {
				r, ok := byUnit[id]
				if !ok {
					fmt.Fprintf(w, "%s\t%s\t-\t-\t-\n", id, color.YellowString("never"))
					continue
				}
				name := id
				if !known[id] {
					name = color.WhiteString(id + " (removed)")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					name,
					r.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
					formatDuration(r.Entry.OriginDuration),
					r.Entry.OriginIdentity,
					shortKey(r.Entry.CacheKey),
				)
			}
			return w.Flush()
		},
	}
}

func (c *CLI) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the units of work in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := c.loadValidated()
			if err != nil {
				return err
			}
			g, err := engine.NewGraph(units)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UNIT\tKIND\tCACHEABLE\tDEPENDS ON")
			fmt.Fprintln(w, "----\t----\t---------\t----------")
			for _, id := range g.Order() {
				u, _ := g.Unit(id)
				cacheable := "✓"
				if !u.IsCacheable() {
					cacheable = "✗"
				}
				deps := strings.Join(u.DependsOn, ", ")
				if deps == "" {
					deps = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Kind, cacheable, deps)
			}
			return w.Flush()
		},
	}
}

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workfile and its dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := c.loadValidated()
			if err != nil {
				return err
			}
			if _, err := engine.NewGraph(units); err != nil {
				return err
			}
			c.printSuccess(fmt.Sprintf("Workfile is valid: %d unit(s)", len(units)))
			return nil
		},
	}
}

func (c *CLI) loadValidated() ([]*types.UnitOfWork, error) {
	s := &session{cli: c}
	return s.loadUnits()
}
