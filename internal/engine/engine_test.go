package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/wallet_engine/internal/config"
	"github.com/congo-pay/wallet_engine/internal/deposit"
	"github.com/congo-pay/wallet_engine/internal/idempotency"
	"github.com/congo-pay/wallet_engine/internal/ledger"
	"github.com/congo-pay/wallet_engine/internal/logging"
	"github.com/congo-pay/wallet_engine/internal/money"
	"github.com/congo-pay/wallet_engine/internal/transfer"
)

func devConfig() config.Config {
	return config.Config{
		AppEnv:              "development",
		IdempotencyTTL:      time.Hour,
		IdempotencyStore:    config.IdempotencyStoreAuto,
		WebhookSecret:       "whsec",
		ProviderCheckoutURL: "https://checkout.test",
		SweepInterval:       time.Hour,
		StaleDepositAfter:   30 * time.Minute,
		TransferGrace:       10 * time.Minute,
		TransferMode:        config.TransferModeQueued,
		TransferWorkers:     2,
	}
}

func TestNewRequiresDatabaseOutsideDevelopment(t *testing.T) {
	cfg := devConfig()
	cfg.AppEnv = "production"
	if _, err := New(Deps{Cfg: cfg, Logger: logging.Discard()}); err == nil {
		t.Fatal("expected error without a database in production")
	}
}

func TestRegistrySelection(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	cfg := devConfig()
	e, err := New(Deps{Cfg: cfg, Cache: cache, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := e.Registry.(*idempotency.RedisRegistry); !ok {
		t.Fatalf("expected redis registry when a cache is present, got %T", e.Registry)
	}

	cfg.IdempotencyStore = config.IdempotencyStorePostgres
	if _, err := New(Deps{Cfg: cfg, Logger: logging.Discard()}); err == nil {
		t.Fatal("postgres registry without a database must be refused")
	}
}

func TestEngineEndToEnd(t *testing.T) {
	e, err := New(Deps{Cfg: devConfig(), Logger: logging.Discard(), Workers: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if e.Queue == nil {
		t.Fatal("queued mode with workers should build a queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() {
		cancel()
		e.Wait()
	}()

	alice, err := e.Wallets.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := e.Wallets.Create(ctx, "bob")
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}

	started, err := e.Deposits.InitiateDeposit(ctx, alice.ID, money.MustParse("80.00"), "alice@example.com")
	if err != nil {
		t.Fatalf("initiate deposit: %v", err)
	}
	payload := []byte(fmt.Sprintf(`{"id":"evt-e2e","event":"charge.success","data":{"reference":%q,"amount":8000}}`, started.Reference))
	out, err := e.Deposits.HandleDepositEvent(ctx, payload, deposit.Sign("whsec", payload))
	if err != nil || out.Status != deposit.OutcomeCredited {
		t.Fatalf("deposit webhook: %+v %v", out, err)
	}

	res, err := e.Transfers.InitiateTransfer(ctx, transfer.Request{
		SenderAccountID:       alice.ID,
		RecipientWalletNumber: bob.WalletNumber,
		Amount:                money.MustParse("30.00"),
		IdempotencyKey:        "e2e-1",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := e.Transfers.GetTransferStatus(ctx, res.Reference)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.Status == ledger.StatusSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transfer did not settle, last status %s", st.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	a, _ := e.Wallets.Balance(ctx, alice.ID)
	b, _ := e.Wallets.Balance(ctx, bob.ID)
	if money.Format(a.Amount) != "50.00" || money.Format(b.Amount) != "30.00" {
		t.Fatalf("unexpected balances alice=%s bob=%s", money.Format(a.Amount), money.Format(b.Amount))
	}
}
