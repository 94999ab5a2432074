// Package cli implements walletctl, the operator tool for migrations, manual
// recovery and account provisioning.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/congo-pay/wallet_engine/internal/config"
	"github.com/congo-pay/wallet_engine/internal/engine"
	"github.com/congo-pay/wallet_engine/internal/infra"
	"github.com/congo-pay/wallet_engine/internal/logging"
)

// Settings is the operator configuration, read from an optional YAML file and
// WALLETCTL_* environment variables.
type Settings struct {
	Env               string        `mapstructure:"env"`
	DatabaseURL       string        `mapstructure:"database_url"`
	RedisURL          string        `mapstructure:"redis_url"`
	LogLevel          string        `mapstructure:"log_level"`
	IdempotencyTTL    time.Duration `mapstructure:"idempotency_ttl"`
	StaleDepositAfter time.Duration `mapstructure:"stale_deposit_after"`
	TransferGrace     time.Duration `mapstructure:"transfer_grace"`
}

// Opener builds an engine from settings. The returned func releases the
// connections it opened.
type Opener func(ctx context.Context, s Settings) (*engine.Engine, func(), error)

// Execute runs walletctl against real infrastructure.
func Execute() {
	pterm.Error.Prefix = pterm.Prefix{
		Text:  " ERROR ",
		Style: pterm.NewStyle(pterm.BgLightRed, pterm.FgBlack),
	}

	root := NewRootCmd(OpenEngine)
	if err := root.Execute(); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

// NewRootCmd assembles the command tree. open is called lazily by commands
// that need the engine.
func NewRootCmd(open Opener) *cobra.Command {
	v := viper.New()
	var cfgFile string
	settings := &Settings{}

	root := &cobra.Command{
		Use:           "walletctl",
		Short:         "Operate the wallet engine",
		Long:          `walletctl runs schema migrations, recovery sweeps and one-off repairs against the wallet ledger.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadSettings(v, cfgFile, settings)
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml)")
	root.PersistentFlags().String("database-url", "", "postgres connection url")
	_ = v.BindPFlag("database_url", root.PersistentFlags().Lookup("database-url"))

	withEngine := func(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		e, closeFn, err := open(ctx, *settings)
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(ctx, e)
	}

	root.AddCommand(
		NewMigrateCmd(settings),
		NewSweepCmd(withEngine),
		NewRecoverCmd(withEngine),
		NewStatusCmd(withEngine),
		NewWalletCmd(withEngine),
		NewAPIKeyCmd(withEngine),
	)
	return root
}

type engineRunner func(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error

func loadSettings(v *viper.Viper, cfgFile string, s *Settings) error {
	v.SetDefault("env", "production")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("log_level", "warn")
	v.SetDefault("idempotency_ttl", "24h")
	v.SetDefault("stale_deposit_after", "30m")
	v.SetDefault("transfer_grace", "10m")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("walletctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(dir + "/walletctl")
		}
	}

	v.SetEnvPrefix("WALLETCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return fmt.Errorf("config file error: %w", err)
		}
	}

	if err := v.Unmarshal(s); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	return nil
}

// OpenEngine connects to Postgres (and Redis when configured) and builds an
// engine without transfer workers.
func OpenEngine(ctx context.Context, s Settings) (*engine.Engine, func(), error) {
	if s.DatabaseURL == "" {
		return nil, nil, errors.New("database url is required (--database-url or WALLETCTL_DATABASE_URL)")
	}
	logger := logging.NewWithWriter(io.Discard, s.LogLevel, "text")
	if s.LogLevel != "" && s.LogLevel != "off" {
		logger = logging.NewWithWriter(os.Stderr, s.LogLevel, "text")
	}

	db, err := infra.NewPostgresPool(ctx, s.DatabaseURL, 4)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){db.Close}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := engine.Deps{Cfg: s.engineConfig(), DB: db, Logger: logger}
	if s.RedisURL != "" {
		cache, err := infra.NewRedisClient(ctx, s.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = cache.Close() })
		deps.Cache = cache
	}

	e, err := engine.New(deps)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return e, cleanup, nil
}

func (s Settings) engineConfig() config.Config {
	return config.Config{
		AppName:           "walletctl",
		AppEnv:            s.Env,
		LogLevel:          s.LogLevel,
		DatabaseURL:       s.DatabaseURL,
		RedisURL:          s.RedisURL,
		IdempotencyTTL:    s.IdempotencyTTL,
		IdempotencyStore:  config.IdempotencyStoreAuto,
		StaleDepositAfter: s.StaleDepositAfter,
		TransferGrace:     s.TransferGrace,
		TransferMode:      config.TransferModeInline,
	}
}
