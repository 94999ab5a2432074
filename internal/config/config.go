package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName           = "CongoPay Wallet Engine"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultSweepInterval     = 5 * time.Minute
	defaultStaleDepositAfter = 30 * time.Minute
	defaultTransferGrace     = 10 * time.Minute
	defaultTransferMode      = TransferModeInline
	defaultTransferWorkers   = 4
	defaultTransferTopic     = "wallet.transfers"
	defaultKafkaGroupID      = "wallet-engine-transfers"
	defaultCheckoutURL       = "https://checkout.paystack.com"
	defaultPostgresMaxConns  = 10

	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
	sweepIntervalEnvVar    = "SWEEP_INTERVAL"
	staleDepositEnvVar     = "STALE_DEPOSIT_AFTER"
	transferGraceEnvVar    = "TRANSFER_GRACE"
	transferWorkersEnvVar  = "TRANSFER_WORKERS"
	postgresMaxConnsEnvVar = "POSTGRES_MAX_CONNS"
	rateLimitEnvVar        = "RATE_LIMIT_PER_MINUTE"

	defaultRateLimit = 60
)

// Idempotency registry backends. Auto picks Redis, then Postgres, then memory.
const (
	IdempotencyStoreAuto     = "auto"
	IdempotencyStoreRedis    = "redis"
	IdempotencyStorePostgres = "postgres"
	IdempotencyStoreMemory   = "memory"
)

// Transfer execution modes.
const (
	TransferModeInline = "inline"
	TransferModeQueued = "queued"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName          string
	AppEnv           string
	Port             string
	LogLevel         string
	LogFormat        string
	DatabaseURL      string
	PostgresMaxConns int32
	RedisURL         string
	ShutdownPeriod   time.Duration
	IdempotencyTTL   time.Duration
	IdempotencyStore string
	RateLimit        int

	WebhookSecret       string
	ProviderCheckoutURL string

	SweepInterval     time.Duration
	StaleDepositAfter time.Duration
	TransferGrace     time.Duration

	TransferMode       string
	TransferWorkers    int
	KafkaBrokers       []string
	KafkaTransferTopic string
	KafkaGroupID       string
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:             getEnv("APP_NAME", defaultAppName),
		AppEnv:              getEnv("APP_ENV", defaultAppEnv),
		Port:                getEnv("PORT", defaultPort),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:           strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		PostgresMaxConns:    defaultPostgresMaxConns,
		RedisURL:            os.Getenv("REDIS_URL"),
		ShutdownPeriod:      defaultShutdownDelay,
		IdempotencyTTL:      defaultIdempotencyTTL,
		IdempotencyStore:    strings.ToLower(getEnv("IDEMPOTENCY_STORE", IdempotencyStoreAuto)),
		RateLimit:           defaultRateLimit,
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		ProviderCheckoutURL: getEnv("PROVIDER_CHECKOUT_URL", defaultCheckoutURL),
		SweepInterval:       defaultSweepInterval,
		StaleDepositAfter:   defaultStaleDepositAfter,
		TransferGrace:       defaultTransferGrace,
		TransferMode:        strings.ToLower(getEnv("TRANSFER_MODE", defaultTransferMode)),
		TransferWorkers:     defaultTransferWorkers,
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTransferTopic:  getEnv("KAFKA_TRANSFER_TOPIC", defaultTransferTopic),
		KafkaGroupID:        getEnv("KAFKA_GROUP_ID", defaultKafkaGroupID),
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		cfg.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		cfg.IdempotencyTTL = d
	}

	for envVar, target := range map[string]*time.Duration{
		sweepIntervalEnvVar: &cfg.SweepInterval,
		staleDepositEnvVar:  &cfg.StaleDepositAfter,
		transferGraceEnvVar: &cfg.TransferGrace,
	} {
		if v := os.Getenv(envVar); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", envVar, err)
			}
			if d <= 0 {
				return Config{}, fmt.Errorf("%s must be positive", envVar)
			}
			*target = d
		}
	}

	if v := os.Getenv(transferWorkersEnvVar); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", transferWorkersEnvVar, v)
		}
		cfg.TransferWorkers = n
	}

	if v := os.Getenv(postgresMaxConnsEnvVar); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", postgresMaxConnsEnvVar, err)
		}
		cfg.PostgresMaxConns = int32(n)
	}

	if v := os.Getenv(rateLimitEnvVar); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", rateLimitEnvVar, v)
		}
		cfg.RateLimit = n
	}

	switch cfg.IdempotencyStore {
	case IdempotencyStoreAuto, IdempotencyStoreRedis, IdempotencyStorePostgres, IdempotencyStoreMemory:
	default:
		return Config{}, fmt.Errorf("unknown IDEMPOTENCY_STORE %q", cfg.IdempotencyStore)
	}
	if cfg.IdempotencyStore == IdempotencyStoreMemory && !cfg.IsDev() {
		return Config{}, fmt.Errorf("IDEMPOTENCY_STORE=memory is only allowed in development")
	}

	switch cfg.TransferMode {
	case TransferModeInline, TransferModeQueued:
	default:
		return Config{}, fmt.Errorf("TRANSFER_MODE must be %q or %q", TransferModeInline, TransferModeQueued)
	}

	if cfg.IsDev() {
		if cfg.WebhookSecret == "" {
			cfg.WebhookSecret = "dev-webhook-secret"
		}
		return cfg, nil
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}

	if cfg.WebhookSecret == "" {
		return Config{}, fmt.Errorf("WEBHOOK_SECRET must be set")
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the process may fall back to in-memory backends.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// UsesKafka reports whether queued transfers should be carried over Kafka
// instead of the in-process worker pool.
func (c Config) UsesKafka() bool {
	return c.TransferMode == TransferModeQueued && len(c.KafkaBrokers) > 0
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
