package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type inMemoryLedger struct {
	mu       sync.RWMutex
	now      func() time.Time
	accounts map[string]*Account
	byNumber map[string]string
	records  []*TransactionRecord
	byKey    map[string]*TransactionRecord
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit
// tests and development mode. A single lock serializes every mutation.
func NewInMemory() Store {
	return &inMemoryLedger{
		now:      func() time.Time { return time.Now().UTC() },
		accounts: make(map[string]*Account),
		byNumber: make(map[string]string),
		byKey:    make(map[string]*TransactionRecord),
	}
}

func recordKey(reference string, kind Kind) string {
	return reference + "|" + string(kind)
}

func (l *inMemoryLedger) CreateAccount(_ context.Context, account Account) error {
	if account.ID == "" || account.WalletNumber == "" {
		return fmt.Errorf("account id and wallet number are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[account.ID]; exists {
		return ErrAccountExists
	}
	if _, exists := l.byNumber[account.WalletNumber]; exists {
		return ErrAccountExists
	}
	if account.Status == "" {
		account.Status = AccountActive
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = l.now()
	}
	account.Balance = decimal.Zero
	l.accounts[account.ID] = &account
	l.byNumber[account.WalletNumber] = account.ID
	return nil
}

func (l *inMemoryLedger) GetAccount(_ context.Context, id string) (Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *acc, nil
}

func (l *inMemoryLedger) GetAccountByNumber(_ context.Context, walletNumber string) (Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byNumber[walletNumber]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *l.accounts[id], nil
}

func (l *inMemoryLedger) ApplyDelta(_ context.Context, accountID string, amount decimal.Decimal, sign Sign, _ string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyDeltaLocked(accountID, amount, sign)
}

func (l *inMemoryLedger) applyDeltaLocked(accountID string, amount decimal.Decimal, sign Sign) (decimal.Decimal, error) {
	acc, ok := l.accounts[accountID]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	if sign == Debit {
		if acc.Status == AccountFrozen {
			return decimal.Zero, ErrAccountFrozen
		}
		if acc.Balance.LessThan(amount) {
			return decimal.Zero, ErrInsufficientFunds
		}
		acc.Balance = acc.Balance.Sub(amount)
	} else {
		acc.Balance = acc.Balance.Add(amount)
	}
	return acc.Balance, nil
}

func (l *inMemoryLedger) RecordTransaction(_ context.Context, records ...TransactionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if err := validateRecord(rec); err != nil {
			return err
		}
		key := recordKey(rec.Reference, rec.Kind)
		if _, dup := seen[key]; dup {
			return ErrDuplicateTransaction
		}
		if _, exists := l.byKey[key]; exists {
			return ErrDuplicateTransaction
		}
		if _, ok := l.accounts[rec.AccountID]; !ok {
			return ErrAccountNotFound
		}
		seen[key] = struct{}{}
	}

	for _, rec := range records {
		stored := rec
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = l.now()
		}
		stored.Metadata = cloneMetadata(rec.Metadata)
		l.records = append(l.records, &stored)
		l.byKey[recordKey(stored.Reference, stored.Kind)] = &stored
	}
	return nil
}

func (l *inMemoryLedger) SettleLeg(_ context.Context, reference string, kind Kind) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byKey[recordKey(reference, kind)]
	if !ok {
		return decimal.Zero, ErrTransactionNotFound
	}
	if rec.Status != StatusPending {
		return decimal.Zero, ErrLegNotPending
	}
	balance, err := l.applyDeltaLocked(rec.AccountID, rec.Amount, kind.Sign())
	if err != nil {
		return decimal.Zero, err
	}
	now := l.now()
	rec.Status = StatusSuccess
	rec.CompletedAt = &now
	return balance, nil
}

func (l *inMemoryLedger) FailLegs(_ context.Context, reference, reason string, kinds ...Kind) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	changed := 0
	now := l.now()
	for _, kind := range kinds {
		rec, ok := l.byKey[recordKey(reference, kind)]
		if !ok || rec.Status != StatusPending {
			continue
		}
		rec.Status = StatusFailed
		rec.FailureReason = reason
		rec.CompletedAt = &now
		changed++
	}
	return changed, nil
}

func (l *inMemoryLedger) Compensate(_ context.Context, reference, reason string) (TransactionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out, ok := l.byKey[recordKey(reference, KindTransferOut)]
	if !ok {
		return TransactionRecord{}, ErrTransactionNotFound
	}
	if _, refunded := l.byKey[recordKey(reference, KindRefund)]; refunded {
		return TransactionRecord{}, ErrAlreadyCompensated
	}
	in, hasIn := l.byKey[recordKey(reference, KindTransferIn)]
	if hasIn && in.Status == StatusSuccess {
		return TransactionRecord{}, ErrAlreadySettled
	}
	if out.Status != StatusSuccess {
		return TransactionRecord{}, ErrNotDebited
	}

	if _, err := l.applyDeltaLocked(out.AccountID, out.Amount, Credit); err != nil {
		return TransactionRecord{}, err
	}

	now := l.now()
	if hasIn {
		in.Status = StatusFailed
		in.FailureReason = reason
		in.CompletedAt = &now
	}
	out.Status = StatusFailed
	out.FailureReason = reason
	out.CompletedAt = &now

	refund := &TransactionRecord{
		ID:                    uuid.NewString(),
		Reference:             reference,
		Kind:                  KindRefund,
		Amount:                out.Amount,
		Status:                StatusSuccess,
		AccountID:             out.AccountID,
		CounterpartyAccountID: out.CounterpartyAccountID,
		Metadata:              map[string]string{"reason": reason},
		CreatedAt:             now,
		CompletedAt:           &now,
	}
	l.records = append(l.records, refund)
	l.byKey[recordKey(reference, KindRefund)] = refund
	return *refund, nil
}

func (l *inMemoryLedger) GetTransactions(_ context.Context, accountID string, limit, offset int) ([]TransactionRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []TransactionRecord
	for i := len(l.records) - 1; i >= 0; i-- {
		if rec := l.records[i]; rec.AccountID == accountID {
			matched = append(matched, copyRecord(rec))
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if offset >= len(matched) {
		return []TransactionRecord{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (l *inMemoryLedger) GetByReference(_ context.Context, reference string) ([]TransactionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []TransactionRecord
	for _, rec := range l.records {
		if rec.Reference == reference {
			out = append(out, copyRecord(rec))
		}
	}
	if len(out) == 0 {
		return nil, ErrTransactionNotFound
	}
	return out, nil
}

func (l *inMemoryLedger) StalePending(_ context.Context, kind Kind, olderThan time.Time, limit int) ([]TransactionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []TransactionRecord
	for _, rec := range l.records {
		if limit > 0 && len(out) >= limit {
			break
		}
		if rec.Kind == kind && rec.Status == StatusPending && !rec.CreatedAt.After(olderThan) {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

func (l *inMemoryLedger) HalfApplied(_ context.Context, olderThan time.Time, limit int) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	for _, rec := range l.records {
		if limit > 0 && len(out) >= limit {
			break
		}
		if rec.Kind != KindTransferOut || rec.Status != StatusSuccess {
			continue
		}
		if rec.CompletedAt == nil || rec.CompletedAt.After(olderThan) {
			continue
		}
		if _, refunded := l.byKey[recordKey(rec.Reference, KindRefund)]; refunded {
			continue
		}
		if in, ok := l.byKey[recordKey(rec.Reference, KindTransferIn)]; ok && in.Status == StatusSuccess {
			continue
		}
		out = append(out, rec.Reference)
	}
	return out, nil
}

func (l *inMemoryLedger) Abandoned(_ context.Context, olderThan time.Time, limit int) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	for _, rec := range l.records {
		if limit > 0 && len(out) >= limit {
			break
		}
		if rec.Kind == KindTransferOut && rec.Status == StatusPending && !rec.CreatedAt.After(olderThan) {
			out = append(out, rec.Reference)
		}
	}
	return out, nil
}

func copyRecord(rec *TransactionRecord) TransactionRecord {
	out := *rec
	out.Metadata = cloneMetadata(rec.Metadata)
	if rec.CompletedAt != nil {
		completed := *rec.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

func validateRecord(rec TransactionRecord) error {
	if rec.Reference == "" {
		return fmt.Errorf("transaction reference is required")
	}
	if !rec.Kind.Valid() {
		return fmt.Errorf("unknown transaction kind %q", rec.Kind)
	}
	if !rec.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if rec.Status == "" {
		return fmt.Errorf("transaction status is required")
	}
	return nil
}
