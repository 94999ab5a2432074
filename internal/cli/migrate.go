package cli

import (
	"errors"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/congo-pay/wallet_engine/internal/migrations"
)

// NewMigrateCmd groups the schema commands. They talk to the database
// directly and never build the engine.
func NewMigrateCmd(settings *Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ledger schema",
	}

	databaseURL := func() (string, error) {
		if settings.DatabaseURL == "" {
			return "", errors.New("database url is required (--database-url or WALLETCTL_DATABASE_URL)")
		}
		return settings.DatabaseURL, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				url, err := databaseURL()
				if err != nil {
					return err
				}
				if err := migrations.Up(url); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				pterm.Success.Println("Schema is up to date")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				url, err := databaseURL()
				if err != nil {
					return err
				}
				if err := migrations.Down(url); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				pterm.Warning.Println("All migrations rolled back")
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				url, err := databaseURL()
				if err != nil {
					return err
				}
				version, dirty, err := migrations.Version(url)
				if err != nil {
					return fmt.Errorf("migrate version: %w", err)
				}
				if dirty {
					pterm.Warning.Printfln("Schema version %d (dirty)", version)
					return nil
				}
				pterm.Info.Printfln("Schema version %d", version)
				return nil
			},
		},
	)
	return cmd
}
