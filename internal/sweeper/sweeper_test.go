package sweeper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet_engine/internal/idempotency"
	"github.com/congo-pay/wallet_engine/internal/ledger"
	"github.com/congo-pay/wallet_engine/internal/logging"
	"github.com/congo-pay/wallet_engine/internal/money"
	"github.com/congo-pay/wallet_engine/internal/transfer"
)

const (
	aliceID = "acc-alice"
	bobID   = "acc-bob"
)

type brokenCredit struct {
	ledger.Store
	failing atomic.Bool
}

func (b *brokenCredit) SettleLeg(ctx context.Context, reference string, kind ledger.Kind) (decimal.Decimal, error) {
	if kind == ledger.KindTransferIn && b.failing.Load() {
		return decimal.Zero, errors.New("credit store unavailable")
	}
	return b.Store.SettleLeg(ctx, reference, kind)
}

type env struct {
	store     ledger.Store
	credit    *brokenCredit
	transfers *transfer.Service
	sweeper   *Sweeper
}

func newEnv(t *testing.T) env {
	t.Helper()
	store := ledger.NewInMemory()
	ctx := context.Background()
	for _, acc := range []ledger.Account{
		{ID: aliceID, WalletNumber: "4000000000021", OwnerID: "alice"},
		{ID: bobID, WalletNumber: "4000000000022", OwnerID: "bob"},
	} {
		if err := store.CreateAccount(ctx, acc); err != nil {
			t.Fatalf("create account: %v", err)
		}
	}
	ledger.SeedBalance(store, aliceID, money.MustParse("1000.00"))

	credit := &brokenCredit{Store: store}
	transfers := transfer.NewService(credit, idempotency.NewMemory(time.Hour), nil, nil, logging.Discard(),
		transfer.Options{CreditAttempts: 1, CreditBackoff: time.Millisecond})
	sw := New(credit, transfers, logging.Discard(), Options{})
	// run every pass as if the grace periods had already elapsed
	sw.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	return env{store: store, credit: credit, transfers: transfers, sweeper: sw}
}

func (e env) balance(t *testing.T, id string) string {
	t.Helper()
	acc, err := e.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return money.Format(acc.Balance)
}

func TestSweepFailsStaleDeposits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ref := ledger.NewReference(ledger.PrefixDeposit)
	if err := e.store.RecordTransaction(ctx, ledger.TransactionRecord{
		Reference: ref,
		Kind:      ledger.KindDeposit,
		Amount:    money.MustParse("50.00"),
		Status:    ledger.StatusPending,
		AccountID: bobID,
	}); err != nil {
		t.Fatalf("record deposit: %v", err)
	}

	report := e.sweeper.RunOnce(ctx)
	if report.StaleDeposits != 1 || report.Errors != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	legs, _ := e.store.GetByReference(ctx, ref)
	if legs[0].Status != ledger.StatusFailed {
		t.Fatalf("stale deposit should be failed, got %s", legs[0].Status)
	}
	if got := e.balance(t, bobID); got != "0.00" {
		t.Fatalf("expired deposit must not credit, balance %s", got)
	}
}

func TestSweepLeavesFreshRecordsAlone(t *testing.T) {
	e := newEnv(t)
	e.sweeper.now = func() time.Time { return time.Now().UTC() }
	ctx := context.Background()
	e.credit.failing.Store(true)
	if _, err := e.transfers.InitiateTransfer(ctx, transfer.Request{
		SenderAccountID:       aliceID,
		RecipientWalletNumber: "4000000000022",
		Amount:                money.MustParse("10.00"),
		IdempotencyKey:        "fresh",
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if report := e.sweeper.RunOnce(ctx); report != (Report{}) {
		t.Fatalf("records inside the grace period were touched: %+v", report)
	}
}

func TestSweepCompensatesHalfAppliedTransfer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.credit.failing.Store(true)

	res, err := e.transfers.InitiateTransfer(ctx, transfer.Request{
		SenderAccountID:       aliceID,
		RecipientWalletNumber: "4000000000022",
		Amount:                money.MustParse("400.00"),
		IdempotencyKey:        "half",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != ledger.StatusPending {
		t.Fatalf("expected pending transfer, got %+v", res)
	}
	if got := e.balance(t, aliceID); got != "600.00" {
		t.Fatalf("debit should have committed, alice at %s", got)
	}

	report := e.sweeper.RunOnce(ctx)
	if report.Compensated != 1 || report.Errors != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := e.balance(t, aliceID); got != "1000.00" {
		t.Fatalf("alice should be refunded, got %s", got)
	}
	if got := e.balance(t, bobID); got != "0.00" {
		t.Fatalf("bob must not be credited, got %s", got)
	}

	st, err := e.transfers.GetTransferStatus(ctx, res.Reference)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != ledger.StatusFailed || !st.Refunded {
		t.Fatalf("expected failed refunded transfer, got %+v", st)
	}

	// the credit store coming back must not resurrect the transfer
	e.credit.failing.Store(false)
	if _, err := e.transfers.Execute(ctx, res.Reference); err != nil && !errors.Is(err, transfer.ErrSettlementDeferred) {
		t.Fatalf("late execute: %v", err)
	}
	if got := e.balance(t, bobID); got != "0.00" {
		t.Fatalf("late execute credited bob %s", got)
	}
	if !ledger.TotalBalance(e.store).Equal(money.MustParse("1000.00")) {
		t.Fatalf("money was created or destroyed: %s", ledger.TotalBalance(e.store))
	}
}

func TestSweepFailsAbandonedTransfer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ref := ledger.NewReference(ledger.PrefixTransfer)
	amount := money.MustParse("25.00")
	if err := e.store.RecordTransaction(ctx,
		ledger.TransactionRecord{Reference: ref, Kind: ledger.KindTransferOut, Amount: amount, Status: ledger.StatusPending, AccountID: aliceID, CounterpartyAccountID: bobID},
		ledger.TransactionRecord{Reference: ref, Kind: ledger.KindTransferIn, Amount: amount, Status: ledger.StatusPending, AccountID: bobID, CounterpartyAccountID: aliceID},
	); err != nil {
		t.Fatalf("record legs: %v", err)
	}

	report := e.sweeper.RunOnce(ctx)
	if report.Abandoned != 1 || report.Errors != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	legs, _ := e.store.GetByReference(ctx, ref)
	for _, leg := range legs {
		if leg.Status != ledger.StatusFailed {
			t.Fatalf("leg %s should be failed, got %s", leg.Kind, leg.Status)
		}
	}
	if got := e.balance(t, aliceID); got != "1000.00" {
		t.Fatalf("abandoned transfer moved alice to %s", got)
	}
}

func TestSweepRunsAreIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.credit.failing.Store(true)
	for _, key := range []string{"a", "b", "c"} {
		if _, err := e.transfers.InitiateTransfer(ctx, transfer.Request{
			SenderAccountID:       aliceID,
			RecipientWalletNumber: "4000000000022",
			Amount:                money.MustParse("100.00"),
			IdempotencyKey:        key,
		}); err != nil {
			t.Fatalf("transfer %s: %v", key, err)
		}
	}

	// a second sweeper stands in for another process sharing the ledger
	other := New(e.credit, e.transfers, logging.Discard(), Options{})
	other.now = e.sweeper.now

	var wg sync.WaitGroup
	var compensated atomic.Int64
	for _, sw := range []*Sweeper{e.sweeper, other, e.sweeper, other} {
		wg.Add(1)
		go func(sw *Sweeper) {
			defer wg.Done()
			r := sw.RunOnce(ctx)
			compensated.Add(int64(r.Compensated))
		}(sw)
	}
	wg.Wait()

	if got := compensated.Load(); got != 3 {
		t.Fatalf("expected exactly 3 compensations across runs, got %d", got)
	}
	if got := e.balance(t, aliceID); got != "1000.00" {
		t.Fatalf("alice should be fully refunded once, got %s", got)
	}
	if report := e.sweeper.RunOnce(ctx); report != (Report{}) {
		t.Fatalf("follow-up pass should find nothing, got %+v", report)
	}
}
