// Package transfer moves money between two wallets as a debit leg and a
// credit leg sharing one reference.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet_engine/internal/idempotency"
	"github.com/congo-pay/wallet_engine/internal/ledger"
	"github.com/congo-pay/wallet_engine/internal/money"
	"github.com/congo-pay/wallet_engine/internal/notification"
	"github.com/congo-pay/wallet_engine/internal/queue"
)

// Mode selects where settlement runs.
type Mode string

const (
	// ModeInline settles inside the request.
	ModeInline Mode = "inline"
	// ModeQueued hands settlement to the work queue and answers pending.
	ModeQueued Mode = "queued"
)

const (
	metaIdempotencyKey  = "idempotency_key"
	metaSenderWallet    = "sender_wallet_number"
	metaRecipientWallet = "recipient_wallet_number"

	reasonInsufficientFunds = "insufficient funds"
	reasonAccountFrozen     = "sender account frozen"
	reasonCreditFailed      = "credit leg failed, sender refunded"
	reasonAbandoned         = "transfer abandoned before debit"
)

var (
	ErrInvalidAmount         = money.ErrInvalidAmount
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	ErrSenderNotFound        = errors.New("sender wallet not found")
	ErrRecipientNotFound     = errors.New("recipient wallet not found")
	ErrSelfTransfer          = errors.New("cannot transfer to own wallet")
	ErrIdempotencyConflict   = errors.New("idempotency key reused with a different request")
	ErrTransferNotFound      = errors.New("transfer not found")

	// ErrSettlementDeferred means the debit committed but the credit did not
	// within the retry budget. The legs stay as they are for the sweeper.
	ErrSettlementDeferred = errors.New("transfer settlement deferred")
)

// Request is a client transfer instruction.
type Request struct {
	SenderAccountID       string
	RecipientWalletNumber string
	Amount                decimal.Decimal
	IdempotencyKey        string
}

// Result is what the caller learns about a transfer.
type Result struct {
	Reference string
	Status    ledger.Status
	Error     string
}

// Status is the derived state of a transfer from its legs.
type Status struct {
	Reference          string
	Status             ledger.Status
	Amount             decimal.Decimal
	SenderAccountID    string
	RecipientAccountID string
	SenderWallet       string
	RecipientWallet    string
	CreatedAt          time.Time
	CompletedAt        *time.Time
	Refunded           bool
	Error              string
}

// RecoveryAction names what RecoverTransfer did.
type RecoveryAction string

const (
	RecoveryNone        RecoveryAction = "none"
	RecoveryCompensated RecoveryAction = "compensated"
	RecoveryFailed      RecoveryAction = "failed"
)

// Recovery reports the effect of RecoverTransfer.
type Recovery struct {
	Reference string
	Action    RecoveryAction
	Refund    *ledger.TransactionRecord
}

// Options tunes settlement.
type Options struct {
	Mode           Mode
	CreditAttempts int
	CreditBackoff  time.Duration
	// ReservationLease is how long a reserved key may point at a reference
	// with no ledger legs before a retry may take the key over.
	ReservationLease time.Duration
}

// Service orchestrates transfers.
type Service struct {
	store    ledger.Store
	registry idempotency.Registry
	queue    queue.Queue
	notifier notification.Notifier
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

// NewService wires the orchestrator. q may be nil when opts.Mode is inline.
func NewService(store ledger.Store, registry idempotency.Registry, q queue.Queue, notifier notification.Notifier, logger *slog.Logger, opts Options) *Service {
	if opts.Mode == "" {
		opts.Mode = ModeInline
	}
	if opts.CreditAttempts <= 0 {
		opts.CreditAttempts = 3
	}
	if opts.CreditBackoff <= 0 {
		opts.CreditBackoff = 50 * time.Millisecond
	}
	if opts.ReservationLease <= 0 {
		opts.ReservationLease = time.Minute
	}
	return &Service{
		store:    store,
		registry: registry,
		queue:    q,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// InitiateTransfer validates and records a transfer, then settles it inline or
// queues it. Replays of the same idempotency key return the original
// reference without further effect.
func (s *Service) InitiateTransfer(ctx context.Context, req Request) (Result, error) {
	if err := money.Validate(req.Amount); err != nil {
		return Result{}, err
	}
	if req.IdempotencyKey == "" {
		return Result{}, ErrMissingIdempotencyKey
	}

	sender, err := s.store.GetAccount(ctx, req.SenderAccountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return Result{}, ErrSenderNotFound
		}
		return Result{}, fmt.Errorf("load sender: %w", err)
	}
	recipient, err := s.store.GetAccountByNumber(ctx, req.RecipientWalletNumber)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return Result{}, ErrRecipientNotFound
		}
		return Result{}, fmt.Errorf("load recipient: %w", err)
	}
	if sender.ID == recipient.ID {
		return Result{}, ErrSelfTransfer
	}

	fingerprint, err := idempotency.Fingerprint(map[string]string{
		"sender":    sender.ID,
		"recipient": recipient.WalletNumber,
		"amount":    money.Format(req.Amount),
	})
	if err != nil {
		return Result{}, err
	}

	key := idempotency.TransferKey(sender.ID, req.IdempotencyKey)
	reference := ledger.NewReference(ledger.PrefixTransfer)
	entry, err := s.reserve(ctx, key, fingerprint, reference)
	if err != nil {
		if errors.Is(err, idempotency.ErrFingerprintMismatch) {
			return Result{}, ErrIdempotencyConflict
		}
		return Result{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if !entry.Reserved {
		return s.replay(ctx, entry), nil
	}

	amount := req.Amount.Round(money.Scale)
	legs := []ledger.TransactionRecord{
		{
			Reference:             reference,
			Kind:                  ledger.KindTransferOut,
			Amount:                amount,
			Status:                ledger.StatusPending,
			AccountID:             sender.ID,
			CounterpartyAccountID: recipient.ID,
			Metadata: map[string]string{
				metaIdempotencyKey:  key,
				metaSenderWallet:    sender.WalletNumber,
				metaRecipientWallet: recipient.WalletNumber,
			},
		},
		{
			Reference:             reference,
			Kind:                  ledger.KindTransferIn,
			Amount:                amount,
			Status:                ledger.StatusPending,
			AccountID:             recipient.ID,
			CounterpartyAccountID: sender.ID,
			Metadata: map[string]string{
				metaSenderWallet:    sender.WalletNumber,
				metaRecipientWallet: recipient.WalletNumber,
			},
		},
	}
	if err := s.store.RecordTransaction(ctx, legs...); err != nil {
		if relErr := s.registry.Release(context.WithoutCancel(ctx), key); relErr != nil {
			s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", relErr))
		}
		return Result{}, fmt.Errorf("record transfer legs: %w", err)
	}

	s.logger.Info("transfer initiated",
		slog.String("reference", reference),
		slog.String("sender", sender.ID),
		slog.String("recipient", recipient.ID),
		slog.String("amount", money.Format(amount)),
	)

	// A client disconnect must not strand a half-applied transfer.
	settleCtx := context.WithoutCancel(ctx)

	if s.opts.Mode == ModeQueued && s.queue != nil {
		err := s.queue.Enqueue(ctx, queue.Task{Reference: reference})
		if err == nil {
			return Result{Reference: reference, Status: ledger.StatusPending}, nil
		}
		s.logger.Warn("enqueue transfer failed, settling inline", slog.String("reference", reference), slog.Any("error", err))
	}

	res, err := s.Execute(settleCtx, reference)
	if errors.Is(err, ErrSettlementDeferred) {
		return res, nil
	}
	return res, err
}

// Execute settles a recorded transfer. It is safe to call repeatedly for the
// same reference; legs that already left pending are not applied again.
func (s *Service) Execute(ctx context.Context, reference string) (Result, error) {
	legs, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return Result{}, ErrTransferNotFound
		}
		return Result{}, err
	}
	out, ok := ledger.Leg(legs, ledger.KindTransferOut)
	if !ok {
		return Result{}, ErrTransferNotFound
	}
	key := out.Metadata[metaIdempotencyKey]
	log := s.logger.With(slog.String("reference", reference))

	if out.Status == ledger.StatusPending {
		_, err := s.store.SettleLeg(ctx, reference, ledger.KindTransferOut)
		switch {
		case err == nil:
			out.Status = ledger.StatusSuccess
		case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrAccountFrozen):
			reason := reasonInsufficientFunds
			if errors.Is(err, ledger.ErrAccountFrozen) {
				reason = reasonAccountFrozen
			}
			if _, err := s.store.FailLegs(ctx, reference, reason, ledger.KindTransferOut, ledger.KindTransferIn); err != nil {
				return Result{}, fmt.Errorf("fail transfer legs: %w", err)
			}
			res := Result{Reference: reference, Status: ledger.StatusFailed, Error: reason}
			s.finalize(ctx, key, res)
			log.Info("transfer rejected", slog.String("reason", reason))
			return res, nil
		case errors.Is(err, ledger.ErrLegNotPending):
			// Another worker or the sweeper moved the debit first.
			fresh, err := s.store.GetByReference(ctx, reference)
			if err != nil {
				return Result{}, err
			}
			out, _ = ledger.Leg(fresh, ledger.KindTransferOut)
		default:
			return Result{}, fmt.Errorf("settle debit leg: %w", err)
		}
	}

	// The credit leg is only ever applied behind a committed debit.
	if out.Status != ledger.StatusSuccess {
		return s.currentResult(ctx, key, reference)
	}

	credited, err := s.settleCredit(ctx, reference)
	if err != nil {
		log.Warn("credit leg not settled, leaving for recovery", slog.Any("error", err))
		return Result{Reference: reference, Status: ledger.StatusPending}, ErrSettlementDeferred
	}

	status, err := s.GetTransferStatus(ctx, reference)
	if err != nil {
		// The credit is committed; report pending and let a status poll or
		// replay pick up the settled state.
		log.Warn("reload transfer after credit", slog.Any("error", err))
		return Result{Reference: reference, Status: ledger.StatusPending}, nil
	}
	res := Result{Reference: reference, Status: status.Status, Error: status.Error}
	if status.Status.Terminal() {
		s.finalize(ctx, key, res)
	}
	if credited && status.Status == ledger.StatusSuccess {
		log.Info("transfer settled", slog.String("amount", money.Format(status.Amount)))
		s.notify(ctx, status)
	}
	return res, nil
}

// settleCredit retries the credit leg. It reports whether this call applied it.
func (s *Service) settleCredit(ctx context.Context, reference string) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.CreditAttempts; attempt++ {
		_, err := s.store.SettleLeg(ctx, reference, ledger.KindTransferIn)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, ledger.ErrLegNotPending) {
			return false, nil
		}
		lastErr = err
		if attempt < s.opts.CreditAttempts {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(s.opts.CreditBackoff * time.Duration(attempt)):
			}
		}
	}
	return false, lastErr
}

// GetTransferStatus derives the transfer state from its legs.
func (s *Service) GetTransferStatus(ctx context.Context, reference string) (Status, error) {
	legs, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return Status{}, ErrTransferNotFound
		}
		return Status{}, err
	}
	out, ok := ledger.Leg(legs, ledger.KindTransferOut)
	if !ok {
		return Status{}, ErrTransferNotFound
	}
	in, _ := ledger.Leg(legs, ledger.KindTransferIn)
	refund, refunded := ledger.Leg(legs, ledger.KindRefund)

	st := Status{
		Reference:          reference,
		Amount:             out.Amount,
		SenderAccountID:    out.AccountID,
		RecipientAccountID: out.CounterpartyAccountID,
		SenderWallet:       out.Metadata[metaSenderWallet],
		RecipientWallet:    out.Metadata[metaRecipientWallet],
		CreatedAt:          out.CreatedAt,
		Refunded:           refunded,
	}
	switch {
	case refunded:
		st.Status = ledger.StatusFailed
		st.Error = out.FailureReason
		st.CompletedAt = refund.CompletedAt
	case out.Status == ledger.StatusFailed:
		st.Status = ledger.StatusFailed
		st.Error = out.FailureReason
		st.CompletedAt = out.CompletedAt
	case out.Status == ledger.StatusSuccess && in.Status == ledger.StatusSuccess:
		st.Status = ledger.StatusSuccess
		st.CompletedAt = in.CompletedAt
	default:
		st.Status = ledger.StatusPending
	}
	return st, nil
}

// RecoverTransfer resolves a transfer that did not complete: a committed
// debit without a credit is refunded, and a transfer that never debited is
// failed. Consistent transfers are left alone.
func (s *Service) RecoverTransfer(ctx context.Context, reference string) (Recovery, error) {
	legs, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return Recovery{}, ErrTransferNotFound
		}
		return Recovery{}, err
	}
	out, ok := ledger.Leg(legs, ledger.KindTransferOut)
	if !ok {
		return Recovery{}, ErrTransferNotFound
	}
	in, _ := ledger.Leg(legs, ledger.KindTransferIn)
	key := out.Metadata[metaIdempotencyKey]
	rec := Recovery{Reference: reference, Action: RecoveryNone}

	switch {
	case out.Status == ledger.StatusSuccess && in.Status != ledger.StatusSuccess:
		refund, err := s.store.Compensate(ctx, reference, reasonCreditFailed)
		switch {
		case err == nil:
			rec.Action = RecoveryCompensated
			rec.Refund = &refund
			s.finalize(ctx, key, Result{Reference: reference, Status: ledger.StatusFailed, Error: reasonCreditFailed})
			s.logger.Warn("transfer compensated",
				slog.String("reference", reference),
				slog.String("sender", out.AccountID),
				slog.String("amount", money.Format(out.Amount)),
			)
		case errors.Is(err, ledger.ErrAlreadySettled), errors.Is(err, ledger.ErrAlreadyCompensated):
		default:
			return Recovery{}, fmt.Errorf("compensate transfer: %w", err)
		}

	case out.Status == ledger.StatusPending:
		// Fail the debit first; if it settled concurrently the transfer is
		// no longer abandoned and the credit leg must stay untouched.
		n, err := s.store.FailLegs(ctx, reference, reasonAbandoned, ledger.KindTransferOut)
		if err != nil {
			return Recovery{}, fmt.Errorf("fail abandoned debit: %w", err)
		}
		if n == 0 {
			return rec, nil
		}
		if _, err := s.store.FailLegs(ctx, reference, reasonAbandoned, ledger.KindTransferIn); err != nil {
			return Recovery{}, fmt.Errorf("fail abandoned credit: %w", err)
		}
		rec.Action = RecoveryFailed
		s.finalize(ctx, key, Result{Reference: reference, Status: ledger.StatusFailed, Error: reasonAbandoned})
		s.logger.Warn("abandoned transfer failed", slog.String("reference", reference))
	}
	return rec, nil
}

// HandleTask adapts Execute to the work queue. Deferred settlement is not a
// queue failure; the sweeper owns it from there.
func (s *Service) HandleTask(ctx context.Context, task queue.Task) error {
	_, err := s.Execute(ctx, task.Reference)
	if errors.Is(err, ErrSettlementDeferred) || errors.Is(err, ErrTransferNotFound) {
		return nil
	}
	return err
}

func (s *Service) currentResult(ctx context.Context, key, reference string) (Result, error) {
	status, err := s.GetTransferStatus(ctx, reference)
	if err != nil {
		return Result{}, err
	}
	res := Result{Reference: reference, Status: status.Status, Error: status.Error}
	if status.Status.Terminal() {
		s.finalize(ctx, key, res)
	}
	return res, nil
}

// reserve claims key. A reservation left behind by a request that died before
// recording its legs is taken over once its lease has run out.
func (s *Service) reserve(ctx context.Context, key, fingerprint, reference string) (idempotency.Entry, error) {
	entry, err := s.registry.Reserve(ctx, key, fingerprint, reference)
	if err != nil || entry.Reserved || !s.orphaned(ctx, entry) {
		return entry, err
	}
	reclaimed, err := s.registry.Reclaim(ctx, key, entry.Reference)
	if err != nil {
		return idempotency.Entry{}, err
	}
	if reclaimed {
		s.logger.Warn("reclaimed orphaned idempotency key",
			slog.String("key", key),
			slog.String("orphan_reference", entry.Reference),
		)
	}
	return s.registry.Reserve(ctx, key, fingerprint, reference)
}

func (s *Service) orphaned(ctx context.Context, entry idempotency.Entry) bool {
	if entry.State != idempotency.StateInProgress {
		return false
	}
	if s.now().Sub(entry.CreatedAt) < s.opts.ReservationLease {
		return false
	}
	_, err := s.GetTransferStatus(ctx, entry.Reference)
	return errors.Is(err, ErrTransferNotFound)
}

func (s *Service) replay(ctx context.Context, entry idempotency.Entry) Result {
	if entry.State == idempotency.StateCompleted && entry.Outcome != nil {
		return Result{Reference: entry.Reference, Status: ledger.Status(entry.Outcome.Status), Error: entry.Outcome.Error}
	}
	status, err := s.GetTransferStatus(ctx, entry.Reference)
	if err != nil {
		return Result{Reference: entry.Reference, Status: ledger.StatusPending}
	}
	return Result{Reference: entry.Reference, Status: status.Status, Error: status.Error}
}

func (s *Service) finalize(ctx context.Context, key string, res Result) {
	if key == "" {
		return
	}
	err := s.registry.Finalize(ctx, key, idempotency.Outcome{Status: string(res.Status), Error: res.Error})
	if err != nil && !errors.Is(err, idempotency.ErrNotFound) {
		s.logger.Warn("finalize idempotency key", slog.String("reference", res.Reference), slog.Any("error", err))
	}
}

func (s *Service) notify(ctx context.Context, st Status) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(ctx, notification.Message{
		Kind:        notification.KindTransferReceived,
		Destination: st.RecipientAccountID,
		Reference:   st.Reference,
		Amount:      money.Format(st.Amount),
	})
	if err != nil {
		s.logger.Warn("notify recipient", slog.String("reference", st.Reference), slog.Any("error", err))
	}
}
