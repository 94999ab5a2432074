package cli

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/congo-pay/wallet_engine/internal/engine"
	"github.com/congo-pay/wallet_engine/internal/money"
)

type walletFlags struct {
	Owner string
}

// NewWalletCmd groups wallet provisioning commands.
func NewWalletCmd(run engineRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Provision and inspect wallets",
	}

	flags := &walletFlags{}
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an empty wallet for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *engine.Engine) error {
				acc, err := e.Wallets.Create(ctx, flags.Owner)
				if err != nil {
					return fmt.Errorf("create wallet: %w", err)
				}
				pterm.Success.Printfln("Wallet %s created", acc.WalletNumber)
				pterm.Info.Printfln("Account id: %s", acc.ID)
				return nil
			})
		},
	}
	create.Flags().StringVarP(&flags.Owner, "owner", "o", "", "owner id")
	_ = create.MarkFlagRequired("owner")

	balance := &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Print the balance of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *engine.Engine) error {
				bal, err := e.Wallets.Balance(ctx, args[0])
				if err != nil {
					return fmt.Errorf("balance: %w", err)
				}
				pterm.Info.Printfln("%s: %s", bal.WalletNumber, money.Format(bal.Amount))
				return nil
			})
		},
	}

	cmd.AddCommand(create, balance)
	return cmd
}
