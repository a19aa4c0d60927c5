package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/spendgate/pkg/budget/scheduler"
	"mercator-hq/spendgate/pkg/cli"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one budget reset pass",
	Long: `Reset every tenant whose budget period has ended and prune expired
overrides, then exit. This is the same pass the server runs on its schedule,
and it takes the same lease, so it is safe to run while servers are up.

Examples:
  # Run one pass against the configured storage
  spendgate tick

  # Print the result as JSON
  spendgate tick -o json`,
	RunE: runTick,
}

func init() {
	rootCmd.AddCommand(tickCmd)
}

// tickReport renders a TickResult.
type tickReport struct {
	Skipped bool `json:"skipped"`
	Due     int  `json:"due"`
	Reset   int  `json:"reset"`
	Failed  int  `json:"failed"`
	Pruned  int  `json:"pruned"`
}

func newTickReport(r *scheduler.TickResult) tickReport {
	return tickReport{
		Skipped: r.Skipped,
		Due:     r.Due,
		Reset:   r.Reset,
		Failed:  r.Failed,
		Pruned:  r.Pruned,
	}
}

func (r tickReport) Headers() []string {
	return []string{"SKIPPED", "DUE", "RESET", "FAILED", "PRUNED"}
}

func (r tickReport) Rows() [][]string {
	return [][]string{{
		strconv.FormatBool(r.Skipped),
		strconv.Itoa(r.Due),
		strconv.Itoa(r.Reset),
		strconv.Itoa(r.Failed),
		strconv.Itoa(r.Pruned),
	}}
}

func runTick(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{trusted: true})
	if err != nil {
		return cli.NewCommandError("tick", err)
	}
	defer a.Close()

	res, err := a.scheduler.Tick(ctx, time.Now())
	if err != nil {
		return cli.NewCommandError("tick", err)
	}
	return formatter().FormatTo(cmd.OutOrStdout(), newTickReport(res))
}
