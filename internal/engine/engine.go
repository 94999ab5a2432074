// Package engine assembles the wallet services from configuration and the
// infrastructure handles a process managed to open.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/wallet_engine/internal/config"
	"github.com/congo-pay/wallet_engine/internal/deposit"
	"github.com/congo-pay/wallet_engine/internal/idempotency"
	"github.com/congo-pay/wallet_engine/internal/identity"
	"github.com/congo-pay/wallet_engine/internal/infra"
	"github.com/congo-pay/wallet_engine/internal/ledger"
	"github.com/congo-pay/wallet_engine/internal/logging"
	"github.com/congo-pay/wallet_engine/internal/notification"
	"github.com/congo-pay/wallet_engine/internal/queue"
	"github.com/congo-pay/wallet_engine/internal/sweeper"
	"github.com/congo-pay/wallet_engine/internal/transfer"
	"github.com/congo-pay/wallet_engine/internal/wallet"
)

// Deps are the shared handles the engine is built from. DB and Cache may be
// nil in development.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger

	// Workers enables the transfer work queue. Processes that never
	// initiate transfers leave it off and settle inline.
	Workers bool
}

// Engine holds the wired services.
type Engine struct {
	Ledger    ledger.Store
	Registry  idempotency.Registry
	Queue     queue.Queue
	Notifier  notification.Notifier
	Provider  deposit.Provider
	Wallets   *wallet.Service
	Identity  *identity.Service
	Transfers *transfer.Service
	Deposits  *deposit.Service
	Sweeper   *sweeper.Sweeper

	logger *slog.Logger
	wg     sync.WaitGroup
}

// New wires every service. Outside development Postgres is mandatory.
func New(d Deps) (*Engine, error) {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if !d.Cfg.IsDev() && d.DB == nil {
		return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	e := &Engine{logger: d.Logger}

	if d.DB != nil {
		e.Ledger = ledger.NewPostgresLedger(d.DB)
	} else {
		e.Ledger = ledger.NewInMemory()
	}

	registry, err := newRegistry(d)
	if err != nil {
		return nil, err
	}
	e.Registry = registry

	var identityRepo identity.Repository
	if d.DB != nil {
		identityRepo = identity.NewPostgresRepository(d.DB)
	} else {
		identityRepo = identity.NewMemoryRepository()
	}
	e.Identity = identity.NewService(identityRepo)

	e.Notifier = notification.NewLoggerNotifier(logging.Component(d.Logger, "notification"))
	e.Provider = deposit.NewStaticProvider(d.Cfg.ProviderCheckoutURL)
	e.Wallets = wallet.NewService(e.Ledger, logging.Component(d.Logger, "wallet"))

	opts := transfer.Options{Mode: transfer.ModeInline}
	if d.Workers && d.Cfg.TransferMode == config.TransferModeQueued {
		q, err := newQueue(d)
		if err != nil {
			return nil, err
		}
		e.Queue = q
		opts.Mode = transfer.ModeQueued
	}
	e.Transfers = transfer.NewService(e.Ledger, e.Registry, e.Queue, e.Notifier, logging.Component(d.Logger, "transfer"), opts)
	e.Deposits = deposit.NewService(e.Ledger, e.Registry, e.Provider, e.Notifier, d.Cfg.WebhookSecret, logging.Component(d.Logger, "deposit"))
	e.Sweeper = sweeper.New(e.Ledger, e.Transfers, logging.Component(d.Logger, "sweeper"), sweeper.Options{
		Interval:          d.Cfg.SweepInterval,
		StaleDepositAfter: d.Cfg.StaleDepositAfter,
		TransferGrace:     d.Cfg.TransferGrace,
	})
	return e, nil
}

// Start launches the transfer workers and the sweeper. They stop when ctx is
// cancelled; Wait blocks until they have.
func (e *Engine) Start(ctx context.Context) {
	if e.Queue != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.Queue.Run(ctx, e.Transfers.HandleTask); err != nil && ctx.Err() == nil {
				e.logger.Error("transfer workers stopped", slog.Any("error", err))
			}
		}()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Sweeper.Start(ctx)
	}()
}

// Wait blocks until background work started by Start has returned, then
// releases the queue.
func (e *Engine) Wait() {
	e.wg.Wait()
	if e.Queue != nil {
		if err := e.Queue.Close(); err != nil {
			e.logger.Warn("close transfer queue", slog.Any("error", err))
		}
	}
}

func newRegistry(d Deps) (idempotency.Registry, error) {
	store := d.Cfg.IdempotencyStore
	if store == "" || store == config.IdempotencyStoreAuto {
		switch {
		case d.Cache != nil:
			store = config.IdempotencyStoreRedis
		case d.DB != nil:
			store = config.IdempotencyStorePostgres
		default:
			store = config.IdempotencyStoreMemory
		}
	}

	switch store {
	case config.IdempotencyStoreRedis:
		if d.Cache == nil {
			return nil, fmt.Errorf("IDEMPOTENCY_STORE=redis requires REDIS_URL")
		}
		return idempotency.NewRedis(d.Cache, d.Cfg.IdempotencyTTL), nil
	case config.IdempotencyStorePostgres:
		if d.DB == nil {
			return nil, fmt.Errorf("IDEMPOTENCY_STORE=postgres requires DATABASE_URL")
		}
		return idempotency.NewPostgres(d.DB, d.Cfg.IdempotencyTTL), nil
	case config.IdempotencyStoreMemory:
		return idempotency.NewMemory(d.Cfg.IdempotencyTTL), nil
	default:
		return nil, fmt.Errorf("unknown idempotency store %q", store)
	}
}

func newQueue(d Deps) (queue.Queue, error) {
	if !d.Cfg.UsesKafka() {
		return queue.NewMemory(d.Cfg.TransferWorkers, 0, logging.Component(d.Logger, "queue")), nil
	}
	writer, err := infra.NewKafkaWriter(d.Cfg.KafkaBrokers, d.Cfg.KafkaTransferTopic)
	if err != nil {
		return nil, err
	}
	reader, err := infra.NewKafkaReader(d.Cfg.KafkaBrokers, d.Cfg.KafkaGroupID, d.Cfg.KafkaTransferTopic)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return queue.NewKafka(writer, reader, logging.Component(d.Logger, "queue")), nil
}
