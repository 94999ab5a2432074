package cli

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/congo-pay/wallet_engine/internal/engine"
	"github.com/congo-pay/wallet_engine/internal/ledger"
	"github.com/congo-pay/wallet_engine/internal/money"
)

type statusRunner struct {
	engine *engine.Engine
}

// NewStatusCmd prints every ledger leg recorded under a reference.
func NewStatusCmd(run engineRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "status <reference>",
		Short: "Show the ledger legs of a deposit or transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *engine.Engine) error {
				return (&statusRunner{engine: e}).Run(ctx, args[0])
			})
		},
	}
}

func (r *statusRunner) Run(ctx context.Context, reference string) error {
	records, err := r.engine.Ledger.GetByReference(ctx, reference)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", reference, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("%s: %w", reference, ledger.ErrTransactionNotFound)
	}

	tableData := pterm.TableData{{"Kind", "Account", "Amount", "Status", "Created", "Reason"}}
	for _, rec := range records {
		tableData = append(tableData, []string{
			string(rec.Kind),
			rec.AccountID,
			money.Format(rec.Amount),
			colorStatus(rec.Status),
			rec.CreatedAt.Format("2006-01-02 15:04:05"),
			rec.FailureReason,
		})
	}
	pterm.DefaultSection.Printfln("Reference %s", reference)
	_ = pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()

	if ledger.HasPrefix(reference, ledger.PrefixTransfer) {
		st, err := r.engine.Transfers.GetTransferStatus(ctx, reference)
		if err != nil {
			return err
		}
		pterm.Info.Printfln("Transfer status: %s (refunded: %t)", st.Status, st.Refunded)
	}
	return nil
}

func colorStatus(s ledger.Status) string {
	switch s {
	case ledger.StatusSuccess:
		return pterm.Green(string(s))
	case ledger.StatusFailed:
		return pterm.Red(string(s))
	default:
		return pterm.Yellow(string(s))
	}
}
