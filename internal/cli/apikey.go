package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/congo-pay/wallet_engine/internal/engine"
	"github.com/congo-pay/wallet_engine/internal/identity"
)

type apiKeyFlags struct {
	Owner       string
	Account     string
	Name        string
	Permissions []string
	Expiry      string
}

type apiKeyCreateRunner struct {
	engine *engine.Engine
	flags  *apiKeyFlags
}

// NewAPIKeyCmd groups API key administration.
func NewAPIKeyCmd(run engineRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Issue and revoke API keys",
	}

	flags := &apiKeyFlags{}
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a key bound to one account",
		Long: `Issue an API key for an owner and account. The plain key is printed
once and cannot be recovered afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *engine.Engine) error {
				return (&apiKeyCreateRunner{engine: e, flags: flags}).Run(ctx)
			})
		},
	}
	create.Flags().StringVarP(&flags.Owner, "owner", "o", "", "owner id")
	create.Flags().StringVarP(&flags.Account, "account", "a", "", "account id the key acts on")
	create.Flags().StringVarP(&flags.Name, "name", "n", "", "label for the key")
	create.Flags().StringSliceVarP(&flags.Permissions, "permissions", "p", []string{string(identity.PermissionRead)}, "read, deposit, transfer")
	create.Flags().StringVarP(&flags.Expiry, "expiry", "e", "1Y", "lifetime: 1H, 1D, 1M or 1Y")
	_ = create.MarkFlagRequired("owner")
	_ = create.MarkFlagRequired("account")

	var revokeOwner string
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Identity.Revoke(ctx, revokeOwner, args[0]); err != nil {
					return fmt.Errorf("revoke %s: %w", args[0], err)
				}
				pterm.Success.Printfln("Key %s revoked", args[0])
				return nil
			})
		},
	}
	revoke.Flags().StringVarP(&revokeOwner, "owner", "o", "", "owner id")
	_ = revoke.MarkFlagRequired("owner")

	cmd.AddCommand(create, revoke)
	return cmd
}

func (r *apiKeyCreateRunner) Run(ctx context.Context) error {
	if _, err := r.engine.Wallets.Get(ctx, r.flags.Account); err != nil {
		return fmt.Errorf("account %s: %w", r.flags.Account, err)
	}
	perms, err := identity.ParsePermissions(r.flags.Permissions)
	if err != nil {
		return err
	}
	key, plain, err := r.engine.Identity.Issue(ctx, identity.IssueInput{
		OwnerID:     r.flags.Owner,
		AccountID:   r.flags.Account,
		Name:        r.flags.Name,
		Permissions: perms,
		Expiry:      r.flags.Expiry,
	})
	if err != nil {
		return fmt.Errorf("issue key: %w", err)
	}

	expires := "never"
	if key.ExpiresAt != nil {
		expires = key.ExpiresAt.Format("2006-01-02 15:04")
	}
	names := make([]string, 0, len(key.Permissions))
	for _, p := range key.Permissions {
		names = append(names, string(p))
	}
	tableData := pterm.TableData{
		{"Field", "Value"},
		{"ID", key.ID},
		{"Account", key.AccountID},
		{"Permissions", strings.Join(names, ",")},
		{"Expires", expires},
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
	pterm.Warning.Println("Store this key now, it will not be shown again:")
	pterm.Println(plain)
	return nil
}
