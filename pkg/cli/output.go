package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/poltergeist/spectre/internal/engine"
	"github.com/poltergeist/spectre/pkg/types"
)

func stateColor(state types.NodeState) string {
	s := state.String()
	switch state {
	case types.StateExecuted:
		return color.GreenString(s)
	case types.StateFromCache:
		return color.CyanString(s)
	case types.StateFailed:
		return color.RedString(s)
	case types.StateSkipped:
		return color.YellowString(s)
	default:
		return color.WhiteString(s)
	}
}

func (c *CLI) printOutcomes(res *engine.Result) {
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tSTATE\tDURATION\tREASON")
	fmt.Fprintln(w, "----\t-----\t--------\t------")
	for _, out := range res.Outcomes() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			out.UnitID,
			stateColor(out.State),
			formatDuration(out.Duration),
			out.Reason,
		)
	}
	w.Flush()

	summary := res.Summary()
	line := fmt.Sprintf("%s in %s", summary.String(), formatDuration(summary.Duration))
	switch {
	case summary.Succeeded():
		c.printSuccess(line)
	default:
		c.printWarning(line)
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	if key == "" {
		return "-"
	}
	return key
}
