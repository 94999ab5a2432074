package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds occurs when a debit would take an account balance
	// below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound indicates the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when an account id or wallet number is
	// already taken.
	ErrAccountExists = errors.New("account exists")

	// ErrAccountFrozen rejects debits against a frozen account.
	ErrAccountFrozen = errors.New("account frozen")

	// ErrDuplicateTransaction indicates a record with the same reference and
	// kind already exists.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrTransactionNotFound indicates no record matches the reference.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrLegNotPending is returned when settling or failing a record that has
	// already reached a terminal state. No mutation is applied.
	ErrLegNotPending = errors.New("transaction leg is not pending")

	// ErrAlreadySettled means the credit leg of a transfer succeeded, so the
	// transfer is consistent and must not be compensated.
	ErrAlreadySettled = errors.New("credit leg already settled")

	// ErrAlreadyCompensated means a refund was already issued for the transfer.
	ErrAlreadyCompensated = errors.New("transfer already compensated")

	// ErrNotDebited means the debit leg never committed, so there is nothing
	// to refund.
	ErrNotDebited = errors.New("debit leg not applied")
)

// DefaultHistoryLimit bounds transaction history pages when no limit is given.
const DefaultHistoryLimit = 50

// Store is the durable ledger of accounts and transaction records. Every
// balance mutation is applied together with the record that explains it, and
// concurrent mutations of the same account are serialized by the backend.
type Store interface {
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, id string) (Account, error)
	GetAccountByNumber(ctx context.Context, walletNumber string) (Account, error)

	// ApplyDelta adds sign*amount to the account balance atomically and
	// returns the new balance.
	ApplyDelta(ctx context.Context, accountID string, amount decimal.Decimal, sign Sign, reference string) (decimal.Decimal, error)

	// RecordTransaction inserts all records in one atomic unit.
	RecordTransaction(ctx context.Context, records ...TransactionRecord) error

	// SettleLeg applies the balance effect of a pending record and marks it
	// successful in the same atomic unit.
	SettleLeg(ctx context.Context, reference string, kind Kind) (decimal.Decimal, error)

	// FailLegs marks the still-pending records of reference as failed and
	// reports how many changed.
	FailLegs(ctx context.Context, reference, reason string, kinds ...Kind) (int, error)

	// Compensate refunds the sender of a half-applied transfer: both legs are
	// marked failed and a successful refund record is appended.
	Compensate(ctx context.Context, reference, reason string) (TransactionRecord, error)

	GetTransactions(ctx context.Context, accountID string, limit, offset int) ([]TransactionRecord, error)
	GetByReference(ctx context.Context, reference string) ([]TransactionRecord, error)

	// StalePending lists pending records of kind created at or before olderThan.
	StalePending(ctx context.Context, kind Kind, olderThan time.Time, limit int) ([]TransactionRecord, error)
	// HalfApplied lists transfer references whose debit committed but whose
	// credit did not, and which have not been refunded. Age is measured from
	// the debit's completion.
	HalfApplied(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
	// Abandoned lists transfer references whose debit leg is still pending.
	Abandoned(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}
