package cli

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/congo-pay/wallet_engine/internal/engine"
	"github.com/congo-pay/wallet_engine/internal/sweeper"
)

type sweepRunner struct {
	engine *engine.Engine
}

// NewSweepCmd runs a single recovery pass and prints what it did.
func NewSweepCmd(run engineRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one recovery pass over stale deposits and half-applied transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *engine.Engine) error {
				return (&sweepRunner{engine: e}).Run(ctx)
			})
		},
	}
}

func (r *sweepRunner) Run(ctx context.Context) error {
	report := r.engine.Sweeper.RunOnce(ctx)
	displayReport(report)
	if report.Errors > 0 {
		return fmt.Errorf("sweep finished with %d errors", report.Errors)
	}
	return nil
}

func displayReport(report sweeper.Report) {
	tableData := pterm.TableData{
		{"Action", "Count"},
		{"Stale deposits failed", fmt.Sprint(report.StaleDeposits)},
		{"Transfers compensated", fmt.Sprint(report.Compensated)},
		{"Transfers abandoned", fmt.Sprint(report.Abandoned)},
		{"Errors", colorCount(report.Errors)},
	}
	pterm.DefaultSection.Println("Sweep Report")
	_ = pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
}

func colorCount(n int) string {
	if n > 0 {
		return pterm.Red(n)
	}
	return fmt.Sprint(n)
}
