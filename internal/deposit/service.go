// Package deposit records deposit intents and credits them exactly once from
// signed payment-provider notifications.
package deposit

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
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrDepositNotFound  = errors.New("deposit not found")
	ErrAccountNotFound  = errors.New("wallet not found")
	ErrProvider         = errors.New("payment provider error")
)

// OutcomeStatus is the business result of one provider event.
type OutcomeStatus string

const (
	OutcomeCredited OutcomeStatus = "credited"
	OutcomeFailed   OutcomeStatus = "failed"
	OutcomeRejected OutcomeStatus = "rejected"
	OutcomeIgnored  OutcomeStatus = "ignored"
)

// Outcome is returned for every authentic event, including replays.
type Outcome struct {
	EventID   string
	Reference string
	Status    OutcomeStatus
	Reason    string
	Duplicate bool
}

// Initiation is handed back to the client to complete payment.
type Initiation struct {
	Reference        string
	AuthorizationURL string
	Amount           decimal.Decimal
}

// Status describes a deposit record.
type Status struct {
	Reference         string
	Status            ledger.Status
	Amount            decimal.Decimal
	FailureReason     string
	CreatedAt         time.Time
	CompletedAt       *time.Time
	ProviderConfirmed bool
}

// Service processes deposits.
type Service struct {
	store    ledger.Store
	registry idempotency.Registry
	provider Provider
	notifier notification.Notifier
	secret   string
	logger   *slog.Logger
}

// NewService wires the deposit processor. secret is the shared webhook key.
func NewService(store ledger.Store, registry idempotency.Registry, provider Provider, notifier notification.Notifier, secret string, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		registry: registry,
		provider: provider,
		notifier: notifier,
		secret:   secret,
		logger:   logger,
	}
}

// InitiateDeposit creates the pending deposit record and asks the provider for
// a checkout link. The balance is untouched until the provider confirms.
func (s *Service) InitiateDeposit(ctx context.Context, accountID string, amount decimal.Decimal, email string) (Initiation, error) {
	if err := money.Validate(amount); err != nil {
		return Initiation{}, err
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return Initiation{}, ErrAccountNotFound
		}
		return Initiation{}, fmt.Errorf("load account: %w", err)
	}

	reference := ledger.NewReference(ledger.PrefixDeposit)
	rec := ledger.TransactionRecord{
		Reference: reference,
		Kind:      ledger.KindDeposit,
		Amount:    amount,
		Status:    ledger.StatusPending,
		AccountID: accountID,
		Metadata:  map[string]string{"email": email},
	}
	if err := s.store.RecordTransaction(ctx, rec); err != nil {
		return Initiation{}, fmt.Errorf("record deposit: %w", err)
	}

	url, err := s.provider.Initialize(ctx, Checkout{Reference: reference, Email: email, Amount: amount})
	if err != nil {
		if _, failErr := s.store.FailLegs(context.WithoutCancel(ctx), reference, "provider initialization failed", ledger.KindDeposit); failErr != nil {
			s.logger.Error("fail deposit after provider error", slog.String("reference", reference), slog.Any("error", failErr))
		}
		return Initiation{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	s.logger.Info("deposit initiated",
		slog.String("reference", reference),
		slog.String("account", accountID),
		slog.String("amount", money.Format(amount)),
	)
	return Initiation{Reference: reference, AuthorizationURL: url, Amount: amount}, nil
}

// HandleDepositEvent authenticates a provider notification and applies it at
// most once per event id. The pending-to-terminal transition in the ledger is
// itself one-shot, so a crashed earlier delivery is simply applied again.
func (s *Service) HandleDepositEvent(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if !VerifySignature(s.secret, payload, signature) {
		s.logger.Warn("deposit webhook rejected: bad signature")
		return Outcome{}, ErrInvalidSignature
	}

	ev, err := ParseEvent(payload)
	if err != nil {
		return Outcome{Status: OutcomeIgnored, Reason: err.Error()}, err
	}
	log := s.logger.With(slog.String("event_id", ev.ID), slog.String("reference", ev.Reference))

	fingerprint, err := idempotency.Fingerprint(map[string]string{
		"type":      ev.Type,
		"reference": ev.Reference,
		"amount":    ev.Amount.String(),
	})
	if err != nil {
		return Outcome{}, err
	}
	key := idempotency.WebhookKey(ev.ID)
	entry, err := s.registry.Reserve(ctx, key, fingerprint, ev.Reference)
	if err != nil && !errors.Is(err, idempotency.ErrFingerprintMismatch) {
		return Outcome{}, fmt.Errorf("reserve webhook event: %w", err)
	}
	if errors.Is(err, idempotency.ErrFingerprintMismatch) {
		log.Warn("webhook event id reused with different content")
		return Outcome{EventID: ev.ID, Reference: ev.Reference, Status: OutcomeRejected, Reason: "event id reused", Duplicate: true}, nil
	}
	if !entry.Reserved && entry.State == idempotency.StateCompleted && entry.Outcome != nil {
		log.Info("duplicate webhook event")
		return Outcome{
			EventID:   ev.ID,
			Reference: entry.Reference,
			Status:    OutcomeStatus(entry.Outcome.Status),
			Reason:    entry.Outcome.Error,
			Duplicate: true,
		}, nil
	}

	out, err := s.apply(ctx, ev)
	if err != nil {
		if entry.Reserved {
			if relErr := s.registry.Release(ctx, key); relErr != nil {
				log.Warn("release webhook event", slog.Any("error", relErr))
			}
		}
		return Outcome{}, err
	}
	if err := s.registry.Finalize(ctx, key, idempotency.Outcome{Status: string(out.Status), Error: out.Reason}); err != nil {
		log.Warn("finalize webhook event", slog.Any("error", err))
	}
	log.Info("webhook event processed", slog.String("outcome", string(out.Status)))
	return out, nil
}

func (s *Service) apply(ctx context.Context, ev Event) (Outcome, error) {
	out := Outcome{EventID: ev.ID, Reference: ev.Reference}
	if !ev.Succeeded() && !ev.Failed() {
		out.Status = OutcomeIgnored
		out.Reason = "unhandled event type " + ev.Type
		return out, nil
	}

	rec, err := s.depositRecord(ctx, ev.Reference)
	if errors.Is(err, ErrDepositNotFound) {
		out.Status = OutcomeRejected
		out.Reason = "unknown deposit reference"
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	if ev.Failed() {
		n, err := s.store.FailLegs(ctx, ev.Reference, "provider reported failure", ledger.KindDeposit)
		if err != nil {
			return Outcome{}, fmt.Errorf("fail deposit: %w", err)
		}
		if n == 0 {
			current, err := s.depositRecord(ctx, ev.Reference)
			if err != nil {
				return Outcome{}, err
			}
			if current.Status != ledger.StatusFailed {
				s.logger.Error("failure event for settled deposit",
					slog.String("reference", ev.Reference),
					slog.String("status", string(current.Status)),
				)
				out.Status = OutcomeRejected
				out.Reason = "deposit already " + string(current.Status)
				return out, nil
			}
		}
		out.Status = OutcomeFailed
		return out, nil
	}

	if !ev.Amount.Equal(rec.Amount) {
		s.logger.Error("deposit amount mismatch",
			slog.String("reference", ev.Reference),
			slog.String("expected", money.Format(rec.Amount)),
			slog.String("received", ev.Amount.String()),
		)
		out.Status = OutcomeRejected
		out.Reason = "amount mismatch"
		return out, nil
	}
	if ev.AccountID != "" && ev.AccountID != rec.AccountID {
		out.Status = OutcomeRejected
		out.Reason = "account mismatch"
		return out, nil
	}

	return s.credit(ctx, rec, out)
}

// credit settles a pending deposit. Every path that raises a balance from an
// external payment goes through here.
func (s *Service) credit(ctx context.Context, rec ledger.TransactionRecord, out Outcome) (Outcome, error) {
	balance, err := s.store.SettleLeg(ctx, rec.Reference, ledger.KindDeposit)
	switch {
	case err == nil:
		out.Status = OutcomeCredited
		s.logger.Info("deposit credited",
			slog.String("reference", rec.Reference),
			slog.String("account", rec.AccountID),
			slog.String("balance", money.Format(balance)),
		)
		if s.notifier != nil {
			if err := s.notifier.Send(ctx, notification.Message{
				Kind:        notification.KindDepositCredited,
				Destination: rec.AccountID,
				Reference:   rec.Reference,
				Amount:      money.Format(rec.Amount),
			}); err != nil {
				s.logger.Warn("notify deposit owner", slog.String("reference", rec.Reference), slog.Any("error", err))
			}
		}
		return out, nil
	case errors.Is(err, ledger.ErrLegNotPending):
		current, err := s.depositRecord(ctx, rec.Reference)
		if err != nil {
			return Outcome{}, err
		}
		if current.Status == ledger.StatusSuccess {
			out.Status = OutcomeCredited
			out.Duplicate = true
			return out, nil
		}
		s.logger.Error("payment confirmed for a deposit that is no longer pending",
			slog.String("reference", rec.Reference),
			slog.String("status", string(current.Status)),
		)
		out.Status = OutcomeRejected
		out.Reason = "deposit already " + string(current.Status)
		return out, nil
	default:
		return Outcome{}, fmt.Errorf("credit deposit: %w", err)
	}
}

// VerifyDeposit asks the provider about a deposit owned by accountID and
// applies a confirmed result through the same credit path as the webhook.
func (s *Service) VerifyDeposit(ctx context.Context, accountID, reference string) (Status, error) {
	rec, err := s.ownedDeposit(ctx, accountID, reference)
	if err != nil {
		return Status{}, err
	}

	v, err := s.provider.Verify(ctx, reference)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	confirmed := v.Status == "success"

	if rec.Status == ledger.StatusPending {
		switch {
		case confirmed && v.Amount.Equal(rec.Amount):
			if _, err := s.credit(ctx, rec, Outcome{Reference: reference}); err != nil {
				return Status{}, err
			}
		case confirmed:
			s.logger.Error("verified amount mismatch",
				slog.String("reference", reference),
				slog.String("expected", money.Format(rec.Amount)),
				slog.String("received", money.Format(v.Amount)),
			)
		case v.Status == "failed" || v.Status == "abandoned":
			if _, err := s.store.FailLegs(ctx, reference, "provider reported "+v.Status, ledger.KindDeposit); err != nil {
				return Status{}, fmt.Errorf("fail deposit: %w", err)
			}
		}
	}

	st, err := s.GetDepositStatus(ctx, accountID, reference)
	if err != nil {
		return Status{}, err
	}
	st.ProviderConfirmed = confirmed
	return st, nil
}

// GetDepositStatus returns a deposit owned by accountID.
func (s *Service) GetDepositStatus(ctx context.Context, accountID, reference string) (Status, error) {
	rec, err := s.ownedDeposit(ctx, accountID, reference)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Reference:     rec.Reference,
		Status:        rec.Status,
		Amount:        rec.Amount,
		FailureReason: rec.FailureReason,
		CreatedAt:     rec.CreatedAt,
		CompletedAt:   rec.CompletedAt,
	}, nil
}

func (s *Service) ownedDeposit(ctx context.Context, accountID, reference string) (ledger.TransactionRecord, error) {
	rec, err := s.depositRecord(ctx, reference)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	if rec.AccountID != accountID {
		return ledger.TransactionRecord{}, ErrDepositNotFound
	}
	return rec, nil
}

func (s *Service) depositRecord(ctx context.Context, reference string) (ledger.TransactionRecord, error) {
	if !ledger.HasPrefix(reference, ledger.PrefixDeposit) {
		return ledger.TransactionRecord{}, ErrDepositNotFound
	}
	legs, err := s.store.GetByReference(ctx, reference)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return ledger.TransactionRecord{}, ErrDepositNotFound
	}
	if err != nil {
		return ledger.TransactionRecord{}, err
	}
	rec, ok := ledger.Leg(legs, ledger.KindDeposit)
	if !ok {
		return ledger.TransactionRecord{}, ErrDepositNotFound
	}
	return rec, nil
}
