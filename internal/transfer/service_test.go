package transfer

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
	"github.com/congo-pay/wallet_engine/internal/notification"
	"github.com/congo-pay/wallet_engine/internal/queue"
)

const (
	senderID        = "acc-sender"
	senderNumber    = "4000000000001"
	recipientID     = "acc-recipient"
	recipientNumber = "4000000000002"
)

type fixture struct {
	store    ledger.Store
	registry idempotency.Registry
	notifier *notification.Recorder
	svc      *Service
}

func newFixture(t *testing.T, opening string, wrap func(ledger.Store) ledger.Store, opts Options) fixture {
	t.Helper()
	store := ledger.NewInMemory()
	ctx := context.Background()
	for _, acc := range []ledger.Account{
		{ID: senderID, WalletNumber: senderNumber, OwnerID: "alice"},
		{ID: recipientID, WalletNumber: recipientNumber, OwnerID: "bob"},
	} {
		if err := store.CreateAccount(ctx, acc); err != nil {
			t.Fatalf("create account: %v", err)
		}
	}
	ledger.SeedBalance(store, senderID, money.MustParse(opening))

	backend := store
	if wrap != nil {
		backend = wrap(store)
	}
	registry := idempotency.NewMemory(time.Hour)
	notifier := &notification.Recorder{}
	if opts.CreditBackoff == 0 {
		opts.CreditBackoff = time.Millisecond
	}
	svc := NewService(backend, registry, nil, notifier, logging.Discard(), opts)
	return fixture{store: store, registry: registry, notifier: notifier, svc: svc}
}

func (f fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("get account %s: %v", id, err)
	}
	return acc.Balance
}

func request(amount, key string) Request {
	return Request{
		SenderAccountID:       senderID,
		RecipientWalletNumber: recipientNumber,
		Amount:                decimal.RequireFromString(amount),
		IdempotencyKey:        key,
	}
}

// flakyCredit fails every credit leg while failing is set.
type flakyCredit struct {
	ledger.Store
	failing atomic.Bool
}

func (f *flakyCredit) SettleLeg(ctx context.Context, reference string, kind ledger.Kind) (decimal.Decimal, error) {
	if kind == ledger.KindTransferIn && f.failing.Load() {
		return decimal.Zero, errors.New("credit store unavailable")
	}
	return f.Store.SettleLeg(ctx, reference, kind)
}

func TestTransferWorkedExample(t *testing.T) {
	f := newFixture(t, "10000.00", nil, Options{})
	ctx := context.Background()

	res, err := f.svc.InitiateTransfer(ctx, request("3000.00", "k1"))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != ledger.StatusSuccess || !ledger.HasPrefix(res.Reference, ledger.PrefixTransfer) {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.balance(t, senderID); !got.Equal(money.MustParse("7000.00")) {
		t.Fatalf("expected sender 7000.00, got %s", got)
	}
	if got := f.balance(t, recipientID); !got.Equal(money.MustParse("3000.00")) {
		t.Fatalf("expected recipient 3000.00, got %s", got)
	}

	replay, err := f.svc.InitiateTransfer(ctx, request("3000.00", "k1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Reference != res.Reference || replay.Status != ledger.StatusSuccess {
		t.Fatalf("replay should return the original outcome, got %+v", replay)
	}
	if got := f.balance(t, senderID); !got.Equal(money.MustParse("7000.00")) {
		t.Fatalf("replay must not move money, sender at %s", got)
	}
	if n := len(f.notifier.Messages()); n != 1 {
		t.Fatalf("expected one recipient notification, got %d", n)
	}
	if total := ledger.TotalBalance(f.store); !total.Equal(money.MustParse("10000.00")) {
		t.Fatalf("transfer not zero-sum, total=%s", total)
	}
}

func TestTransferKeyReuseWithDifferentPayload(t *testing.T) {
	f := newFixture(t, "100.00", nil, Options{})
	ctx := context.Background()

	if _, err := f.svc.InitiateTransfer(ctx, request("10.00", "k1")); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := f.svc.InitiateTransfer(ctx, request("11.00", "k1")); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t, "100.00", nil, Options{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"zero amount", request("0", "k"), money.ErrInvalidAmount},
		{"three decimals", request("1.234", "k"), money.ErrInvalidAmount},
		{"amount checked before key", request("-1", ""), money.ErrInvalidAmount},
		{"missing key", request("1.00", ""), ErrMissingIdempotencyKey},
		{"unknown sender", Request{SenderAccountID: "ghost", RecipientWalletNumber: recipientNumber, Amount: money.MustParse("1.00"), IdempotencyKey: "k"}, ErrSenderNotFound},
		{"unknown recipient", Request{SenderAccountID: senderID, RecipientWalletNumber: "9999999999999", Amount: money.MustParse("1.00"), IdempotencyKey: "k"}, ErrRecipientNotFound},
		{"self transfer", Request{SenderAccountID: senderID, RecipientWalletNumber: senderNumber, Amount: money.MustParse("1.00"), IdempotencyKey: "k"}, ErrSelfTransfer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.InitiateTransfer(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if got := f.balance(t, senderID); !got.Equal(money.MustParse("100.00")) {
		t.Fatalf("rejected requests must not move money, sender at %s", got)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	f := newFixture(t, "50.00", nil, Options{})
	ctx := context.Background()

	res, err := f.svc.InitiateTransfer(ctx, request("50.01", "k1"))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != ledger.StatusFailed || res.Error != reasonInsufficientFunds {
		t.Fatalf("expected failed insufficient funds, got %+v", res)
	}

	legs, _ := f.store.GetByReference(ctx, res.Reference)
	for _, leg := range legs {
		if leg.Status != ledger.StatusFailed {
			t.Fatalf("expected both legs failed, got %s %s", leg.Kind, leg.Status)
		}
	}
	if got := f.balance(t, senderID); !got.Equal(money.MustParse("50.00")) {
		t.Fatalf("balance changed on failed transfer: %s", got)
	}

	replay, _ := f.svc.InitiateTransfer(ctx, request("50.01", "k1"))
	if replay.Reference != res.Reference || replay.Status != ledger.StatusFailed {
		t.Fatalf("replay should return stored failure, got %+v", replay)
	}
}

func TestConcurrentSameKeySingleEffect(t *testing.T) {
	f := newFixture(t, "1000.00", nil, Options{})
	ctx := context.Background()

	const callers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		refs = map[string]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.InitiateTransfer(ctx, request("100.00", "same-key"))
			if err != nil {
				t.Errorf("transfer: %v", err)
				return
			}
			mu.Lock()
			refs[res.Reference]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(refs) != 1 {
		t.Fatalf("expected a single reference, got %v", refs)
	}
	if got := f.balance(t, senderID); !got.Equal(money.MustParse("900.00")) {
		t.Fatalf("expected exactly one debit, sender at %s", got)
	}
	if got := f.balance(t, recipientID); !got.Equal(money.MustParse("100.00")) {
		t.Fatalf("expected exactly one credit, recipient at %s", got)
	}
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	f := newFixture(t, "100.00", nil, Options{})
	ctx := context.Background()

	const attempts = 25
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.InitiateTransfer(ctx, request("10.00", "key-"+string(rune('A'+i))))
			if err == nil && res.Status == ledger.StatusSuccess {
				succeeded.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if n := succeeded.Load(); n != 10 {
		t.Fatalf("expected 10 successful transfers, got %d", n)
	}
	if got := f.balance(t, senderID); !got.IsZero() {
		t.Fatalf("expected sender drained to zero, got %s", got)
	}
	if total := ledger.TotalBalance(f.store); !total.Equal(money.MustParse("100.00")) {
		t.Fatalf("money created or destroyed, total=%s", total)
	}
}

func TestCreditFailureIsCompensatedByRecovery(t *testing.T) {
	var flaky *flakyCredit
	f := newFixture(t, "500.00", func(s ledger.Store) ledger.Store {
		flaky = &flakyCredit{Store: s}
		flaky.failing.Store(true)
		return flaky
	}, Options{CreditAttempts: 2})
	ctx := context.Background()

	res, err := f.svc.InitiateTransfer(ctx, request("200.00", "k-flaky"))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != ledger.StatusPending {
		t.Fatalf("expected pending while credit is deferred, got %+v", res)
	}
	if got := f.balance(t, senderID); !got.Equal(money.MustParse("300.00")) {
		t.Fatalf("expected debit applied, sender at %s", got)
	}

	half, _ := f.store.HalfApplied(ctx, time.Now().Add(time.Minute), 0)
	if len(half) != 1 || half[0] != res.Reference {
		t.Fatalf("expected half-applied transfer to be listed, got %v", half)
	}

	rec, err := f.svc.RecoverTransfer(ctx, res.Reference)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rec.Action != RecoveryCompensated || rec.Refund == nil {
		t.Fatalf("expected compensation, got %+v", rec)
	}
	if got := f.balance(t, senderID); !got.Equal(money.MustParse("500.00")) {
		t.Fatalf("expected sender restored to 500.00, got %s", got)
	}
	if got := f.balance(t, recipientID); !got.IsZero() {
		t.Fatalf("recipient must not be credited, got %s", got)
	}

	again, err := f.svc.RecoverTransfer(ctx, res.Reference)
	if err != nil || again.Action != RecoveryNone {
		t.Fatalf("second recovery should be a no-op, got %+v %v", again, err)
	}

	// A late redelivery must not credit behind a refunded debit.
	flaky.failing.Store(false)
	late, err := f.svc.Execute(ctx, res.Reference)
	if err != nil {
		t.Fatalf("late execute: %v", err)
	}
	if late.Status != ledger.StatusFailed {
		t.Fatalf("expected failed after compensation, got %+v", late)
	}
	if got := f.balance(t, recipientID); !got.IsZero() {
		t.Fatalf("late execute credited recipient: %s", got)
	}

	replay, _ := f.svc.InitiateTransfer(ctx, request("200.00", "k-flaky"))
	if replay.Status != ledger.StatusFailed || replay.Reference != res.Reference {
		t.Fatalf("replay should see the recovered failure, got %+v", replay)
	}
}

func TestRecoverAbandonedTransfer(t *testing.T) {
	f := newFixture(t, "100.00", nil, Options{})
	ctx := context.Background()

	// A queued transfer whose task is never consumed.
	q := queue.NewMemory(1, 4, logging.Discard())
	queued := NewService(f.svc.store, f.registry, q, f.notifier, logging.Discard(), Options{Mode: ModeQueued})
	res, err := queued.InitiateTransfer(ctx, request("40.00", "k-abandon"))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != ledger.StatusPending {
		t.Fatalf("expected pending, got %+v", res)
	}

	rec, err := f.svc.RecoverTransfer(ctx, res.Reference)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rec.Action != RecoveryFailed {
		t.Fatalf("expected abandoned transfer to fail, got %s", rec.Action)
	}
	st, _ := f.svc.GetTransferStatus(ctx, res.Reference)
	if st.Status != ledger.StatusFailed {
		t.Fatalf("expected failed status, got %s", st.Status)
	}

	// Draining the stale task afterwards is harmless.
	if _, err := f.svc.Execute(ctx, res.Reference); err != nil {
		t.Fatalf("execute after recovery: %v", err)
	}
	if got := f.balance(t, senderID); !got.Equal(money.MustParse("100.00")) {
		t.Fatalf("abandoned transfer moved money, sender at %s", got)
	}
}

func TestQueuedTransferSettlesThroughWorkers(t *testing.T) {
	f := newFixture(t, "100.00", nil, Options{})
	q := queue.NewMemory(2, 8, logging.Discard())
	svc := NewService(f.svc.store, f.registry, q, f.notifier, logging.Discard(), Options{Mode: ModeQueued})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, svc.HandleTask)

	res, err := svc.InitiateTransfer(ctx, request("25.00", "k-queued"))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Status != ledger.StatusPending {
		t.Fatalf("queued transfer should answer pending, got %s", res.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := svc.GetTransferStatus(ctx, res.Reference)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.Status == ledger.StatusSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transfer not settled by workers, status %s", st.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Redelivery of the same task is a no-op.
	if err := svc.HandleTask(ctx, queue.Task{Reference: res.Reference}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := f.balance(t, recipientID); !got.Equal(money.MustParse("25.00")) {
		t.Fatalf("expected single credit, recipient at %s", got)
	}
	if n := len(f.notifier.Messages()); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
}

func TestGetTransferStatusNotFound(t *testing.T) {
	f := newFixture(t, "1.00", nil, Options{})
	if _, err := f.svc.GetTransferStatus(context.Background(), "TRF_missing"); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
}

func TestRetryTakesOverOrphanedReservation(t *testing.T) {
	f := newFixture(t, "1000.00", nil, Options{ReservationLease: time.Minute})
	ctx := context.Background()

	// A request that reserved its key and died before recording any legs.
	key := idempotency.TransferKey(senderID, "k-crash")
	fp, err := idempotency.Fingerprint(map[string]string{
		"sender":    senderID,
		"recipient": recipientNumber,
		"amount":    "100.00",
	})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	ghost := ledger.NewReference(ledger.PrefixTransfer)
	if _, err := f.registry.Reserve(ctx, key, fp, ghost); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	res, err := f.svc.InitiateTransfer(ctx, request("100.00", "k-crash"))
	if err != nil {
		t.Fatalf("retry within lease: %v", err)
	}
	if res.Reference != ghost || res.Status != ledger.StatusPending {
		t.Fatalf("within the lease the reservation stands, got %+v", res)
	}

	f.svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	res, err = f.svc.InitiateTransfer(ctx, request("100.00", "k-crash"))
	if err != nil {
		t.Fatalf("retry after lease: %v", err)
	}
	if res.Reference == ghost || res.Status != ledger.StatusSuccess {
		t.Fatalf("expected a fresh settled transfer, got %+v", res)
	}
	if st, err := f.svc.GetTransferStatus(ctx, res.Reference); err != nil || st.Status != ledger.StatusSuccess {
		t.Fatalf("status of new reference: %+v %v", st, err)
	}

	again, err := f.svc.InitiateTransfer(ctx, request("100.00", "k-crash"))
	if err != nil || again.Reference != res.Reference || again.Status != ledger.StatusSuccess {
		t.Fatalf("later replays return the settled transfer, got %+v %v", again, err)
	}
	if got := f.balance(t, senderID); !got.Equal(money.MustParse("900.00")) {
		t.Fatalf("expected a single debit, sender at %s", got)
	}
	if got := f.balance(t, recipientID); !got.Equal(money.MustParse("100.00")) {
		t.Fatalf("expected a single credit, recipient at %s", got)
	}
}

func TestRecordedReservationIsNeverTakenOver(t *testing.T) {
	f := newFixture(t, "1000.00", func(s ledger.Store) ledger.Store {
		flaky := &flakyCredit{Store: s}
		flaky.failing.Store(true)
		return flaky
	}, Options{CreditAttempts: 1})
	ctx := context.Background()

	res, err := f.svc.InitiateTransfer(ctx, request("100.00", "k-stuck"))
	if err != nil || res.Status != ledger.StatusPending {
		t.Fatalf("expected deferred transfer, got %+v %v", res, err)
	}

	f.svc.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	again, err := f.svc.InitiateTransfer(ctx, request("100.00", "k-stuck"))
	if err != nil || again.Reference != res.Reference {
		t.Fatalf("a reservation with ledger legs keeps its reference, got %+v %v", again, err)
	}
	if got := f.balance(t, senderID); !got.Equal(money.MustParse("900.00")) {
		t.Fatalf("expected one debit, sender at %s", got)
	}
}

// rereadFailure fails reads by reference once the credit leg has committed.
type rereadFailure struct {
	ledger.Store
	failReads atomic.Bool
}

func (r *rereadFailure) SettleLeg(ctx context.Context, reference string, kind ledger.Kind) (decimal.Decimal, error) {
	bal, err := r.Store.SettleLeg(ctx, reference, kind)
	if err == nil && kind == ledger.KindTransferIn {
		r.failReads.Store(true)
	}
	return bal, err
}

func (r *rereadFailure) GetByReference(ctx context.Context, reference string) ([]ledger.TransactionRecord, error) {
	if r.failReads.Load() {
		return nil, errors.New("replica unavailable")
	}
	return r.Store.GetByReference(ctx, reference)
}

func TestCommittedCreditReportsPendingWhenReloadFails(t *testing.T) {
	var wrapped *rereadFailure
	f := newFixture(t, "500.00", func(s ledger.Store) ledger.Store {
		wrapped = &rereadFailure{Store: s}
		return wrapped
	}, Options{})
	ctx := context.Background()

	res, err := f.svc.InitiateTransfer(ctx, request("200.00", "k-reload"))
	if err != nil {
		t.Fatalf("a committed credit must not surface as an error: %v", err)
	}
	if res.Status != ledger.StatusPending || res.Reference == "" {
		t.Fatalf("expected pending with reference, got %+v", res)
	}
	if got := f.balance(t, recipientID); !got.Equal(money.MustParse("200.00")) {
		t.Fatalf("credit should be applied, recipient at %s", got)
	}

	wrapped.failReads.Store(false)
	replay, err := f.svc.InitiateTransfer(ctx, request("200.00", "k-reload"))
	if err != nil || replay.Reference != res.Reference || replay.Status != ledger.StatusSuccess {
		t.Fatalf("replay should observe the settled transfer, got %+v %v", replay, err)
	}
}
