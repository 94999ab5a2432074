package cli

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/congo-pay/wallet_engine/internal/engine"
	"github.com/congo-pay/wallet_engine/internal/money"
	"github.com/congo-pay/wallet_engine/internal/transfer"
)

// NewRecoverCmd compensates or fails a single stuck transfer.
func NewRecoverCmd(run engineRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <reference>",
		Short: "Recover a transfer whose credit leg never settled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.Transfers.RecoverTransfer(ctx, args[0])
				if err != nil {
					return fmt.Errorf("recover %s: %w", args[0], err)
				}
				switch rec.Action {
				case transfer.RecoveryCompensated:
					if rec.Refund != nil {
						pterm.Success.Printfln("Refunded %s to %s (%s)", money.Format(rec.Refund.Amount), rec.Refund.AccountID, rec.Reference)
					} else {
						pterm.Success.Printfln("Transfer %s compensated", rec.Reference)
					}
				case transfer.RecoveryFailed:
					pterm.Warning.Printfln("Transfer %s marked failed before any funds moved", rec.Reference)
				default:
					pterm.Info.Printfln("Transfer %s needs no recovery", rec.Reference)
				}
				return nil
			})
		},
	}
}
