package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgInvalidText         = "22P02"
)

// PostgresLedger persists accounts and transaction records in PostgreSQL.
// Balance changes lock the account row with SELECT ... FOR UPDATE, so deltas
// on the same account are serialized while unrelated accounts proceed in
// parallel.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

var _ Store = (*PostgresLedger)(nil)

const accountColumns = `id::text, wallet_number, owner_id, balance::text, status, created_at`

const recordColumns = `id::text, reference, kind, amount::text, status, account_id::text,
        COALESCE(counterparty_account_id::text, ''), metadata, failure_reason, created_at, completed_at`

// CreateAccount inserts a zero-balance account.
func (l *PostgresLedger) CreateAccount(ctx context.Context, account Account) error {
	if _, err := uuid.Parse(account.ID); err != nil {
		return fmt.Errorf("account id: %w", err)
	}
	status := account.Status
	if status == "" {
		status = AccountActive
	}
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := l.db.Exec(ctx, `INSERT INTO accounts (id, wallet_number, owner_id, balance, status, created_at, updated_at)
        VALUES ($1::uuid, $2, $3, 0, $4, $5, $5)`, account.ID, account.WalletNumber, account.OwnerID, status, createdAt.UTC())
	if isPgError(err, pgUniqueViolation) {
		return ErrAccountExists
	}
	return err
}

// GetAccount fetches an account by id.
func (l *PostgresLedger) GetAccount(ctx context.Context, id string) (Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Account{}, ErrAccountNotFound
	}
	return scanAccount(l.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1::uuid`, id))
}

// GetAccountByNumber fetches an account by its wallet number.
func (l *PostgresLedger) GetAccountByNumber(ctx context.Context, walletNumber string) (Account, error) {
	return scanAccount(l.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE wallet_number = $1`, walletNumber))
}

// ApplyDelta changes one account balance inside its own transaction.
func (l *PostgresLedger) ApplyDelta(ctx context.Context, accountID string, amount decimal.Decimal, sign Sign, _ string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be positive")
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	balance, err := applyDeltaTx(ctx, tx, accountID, amount, sign)
	if err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// RecordTransaction inserts the records in a single transaction.
func (l *PostgresLedger) RecordTransaction(ctx context.Context, records ...TransactionRecord) error {
	for _, rec := range records {
		if err := validateRecord(rec); err != nil {
			return err
		}
		if _, err := uuid.Parse(rec.AccountID); err != nil {
			return ErrAccountNotFound
		}
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, rec := range records {
		if err := insertRecord(ctx, tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// SettleLeg applies a pending record to its account and marks it successful.
func (l *PostgresLedger) SettleLeg(ctx context.Context, reference string, kind Kind) (decimal.Decimal, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var (
		recordID  string
		accountID string
		rawAmount string
		status    string
	)
	err = tx.QueryRow(ctx, `SELECT id::text, account_id::text, amount::text, status
        FROM transactions WHERE reference = $1 AND kind = $2 FOR UPDATE`, reference, string(kind)).
		Scan(&recordID, &accountID, &rawAmount, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrTransactionNotFound
		}
		return decimal.Zero, err
	}
	if Status(status) != StatusPending {
		return decimal.Zero, ErrLegNotPending
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount: %w", err)
	}

	balance, err := applyDeltaTx(ctx, tx, accountID, amount, kind.Sign())
	if err != nil {
		return decimal.Zero, err
	}

	if _, err := tx.Exec(ctx, `UPDATE transactions SET status = $2, completed_at = $3 WHERE id = $1::uuid`,
		recordID, string(StatusSuccess), time.Now().UTC()); err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// FailLegs marks the pending records of a reference as failed.
func (l *PostgresLedger) FailLegs(ctx context.Context, reference, reason string, kinds ...Kind) (int, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	cmd, err := l.db.Exec(ctx, `UPDATE transactions
        SET status = $3, failure_reason = $4, completed_at = $5
        WHERE reference = $1 AND kind = ANY($2) AND status = $6`,
		reference, names, string(StatusFailed), reason, time.Now().UTC(), string(StatusPending))
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

// Compensate refunds the sender of a half-applied transfer in one transaction.
func (l *PostgresLedger) Compensate(ctx context.Context, reference, reason string) (TransactionRecord, error) {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransactionRecord{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	rows, err := tx.Query(ctx, `SELECT `+recordColumns+`
        FROM transactions WHERE reference = $1 ORDER BY kind FOR UPDATE`, reference)
	if err != nil {
		return TransactionRecord{}, err
	}
	legs, err := collectRecords(rows)
	if err != nil {
		return TransactionRecord{}, err
	}

	out, ok := Leg(legs, KindTransferOut)
	if !ok {
		return TransactionRecord{}, ErrTransactionNotFound
	}
	if _, refunded := Leg(legs, KindRefund); refunded {
		return TransactionRecord{}, ErrAlreadyCompensated
	}
	in, hasIn := Leg(legs, KindTransferIn)
	if hasIn && in.Status == StatusSuccess {
		return TransactionRecord{}, ErrAlreadySettled
	}
	if out.Status != StatusSuccess {
		return TransactionRecord{}, ErrNotDebited
	}

	if _, err := applyDeltaTx(ctx, tx, out.AccountID, out.Amount, Credit); err != nil {
		return TransactionRecord{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE transactions
        SET status = $2, failure_reason = $3, completed_at = $4
        WHERE reference = $1 AND kind IN ('transfer_out', 'transfer_in')`,
		reference, string(StatusFailed), reason, now); err != nil {
		return TransactionRecord{}, err
	}

	refund := TransactionRecord{
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
	if err := insertRecord(ctx, tx, refund); err != nil {
		return TransactionRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransactionRecord{}, err
	}
	return refund, nil
}

// GetTransactions returns the account history, newest first.
func (l *PostgresLedger) GetTransactions(ctx context.Context, accountID string, limit, offset int) ([]TransactionRecord, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return nil, ErrAccountNotFound
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := l.db.Query(ctx, `SELECT `+recordColumns+`
        FROM transactions WHERE account_id = $1::uuid
        ORDER BY created_at DESC LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// GetByReference returns every record sharing reference.
func (l *PostgresLedger) GetByReference(ctx context.Context, reference string) ([]TransactionRecord, error) {
	rows, err := l.db.Query(ctx, `SELECT `+recordColumns+`
        FROM transactions WHERE reference = $1 ORDER BY created_at, kind`, reference)
	if err != nil {
		return nil, err
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrTransactionNotFound
	}
	return records, nil
}

// StalePending lists pending records of kind older than the cutoff.
func (l *PostgresLedger) StalePending(ctx context.Context, kind Kind, olderThan time.Time, limit int) ([]TransactionRecord, error) {
	rows, err := l.db.Query(ctx, `SELECT `+recordColumns+`
        FROM transactions
        WHERE kind = $1 AND status = $2 AND created_at <= $3
        ORDER BY created_at LIMIT $4`, string(kind), string(StatusPending), olderThan.UTC(), sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// HalfApplied lists debited-but-not-credited transfers without a refund.
func (l *PostgresLedger) HalfApplied(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	const query = `
        SELECT o.reference
        FROM transactions o
        LEFT JOIN transactions i ON i.reference = o.reference AND i.kind = 'transfer_in'
        WHERE o.kind = 'transfer_out'
          AND o.status = 'success'
          AND (i.id IS NULL OR i.status <> 'success')
          AND NOT EXISTS (
              SELECT 1 FROM transactions r WHERE r.reference = o.reference AND r.kind = 'refund')
          AND o.completed_at <= $1
        ORDER BY o.completed_at
        LIMIT $2`
	return l.references(ctx, query, olderThan.UTC(), sqlLimit(limit))
}

// Abandoned lists transfers whose debit leg never left pending.
func (l *PostgresLedger) Abandoned(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	const query = `
        SELECT reference FROM transactions
        WHERE kind = 'transfer_out' AND status = 'pending' AND created_at <= $1
        ORDER BY created_at
        LIMIT $2`
	return l.references(ctx, query, olderThan.UTC(), sqlLimit(limit))
}

func (l *PostgresLedger) references(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func applyDeltaTx(ctx context.Context, tx pgx.Tx, accountID string, amount decimal.Decimal, sign Sign) (decimal.Decimal, error) {
	var (
		rawBalance string
		status     string
	)
	err := tx.QueryRow(ctx, `SELECT balance::text, status FROM accounts WHERE id = $1::uuid FOR UPDATE`, accountID).
		Scan(&rawBalance, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isPgError(err, pgInvalidText) {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, err
	}
	balance, err := decimal.NewFromString(rawBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}

	delta := amount
	if sign == Debit {
		if status == AccountFrozen {
			return decimal.Zero, ErrAccountFrozen
		}
		if balance.LessThan(amount) {
			return decimal.Zero, ErrInsufficientFunds
		}
		delta = amount.Neg()
	}

	var updated string
	if err := tx.QueryRow(ctx, `UPDATE accounts SET balance = balance + $2::numeric, updated_at = $3
        WHERE id = $1::uuid RETURNING balance::text`, accountID, delta.String(), time.Now().UTC()).Scan(&updated); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(updated)
}

func insertRecord(ctx context.Context, tx pgx.Tx, rec TransactionRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var counterparty *string
	if rec.CounterpartyAccountID != "" {
		counterparty = &rec.CounterpartyAccountID
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := tx.Exec(ctx, `INSERT INTO transactions
        (id, reference, kind, amount, status, account_id, counterparty_account_id, metadata, failure_reason, created_at, completed_at)
        VALUES ($1::uuid, $2, $3, $4::numeric, $5, $6::uuid, $7::uuid, $8, $9, $10, $11)`,
		id, rec.Reference, string(rec.Kind), rec.Amount.String(), string(rec.Status), rec.AccountID,
		counterparty, metadata, rec.FailureReason, createdAt.UTC(), rec.CompletedAt)
	switch {
	case isPgError(err, pgUniqueViolation):
		return ErrDuplicateTransaction
	case isPgError(err, pgForeignKeyViolation):
		return ErrAccountNotFound
	}
	return err
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acc        Account
		rawBalance string
	)
	if err := row.Scan(&acc.ID, &acc.WalletNumber, &acc.OwnerID, &rawBalance, &acc.Status, &acc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	balance, err := decimal.NewFromString(rawBalance)
	if err != nil {
		return Account{}, fmt.Errorf("parse balance: %w", err)
	}
	acc.Balance = balance
	acc.CreatedAt = acc.CreatedAt.UTC()
	return acc, nil
}

func collectRecords(rows pgx.Rows) ([]TransactionRecord, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TransactionRecord, error) {
		var (
			rec       TransactionRecord
			kind      string
			status    string
			rawAmount string
		)
		if err := row.Scan(&rec.ID, &rec.Reference, &kind, &rawAmount, &status, &rec.AccountID,
			&rec.CounterpartyAccountID, &rec.Metadata, &rec.FailureReason, &rec.CreatedAt, &rec.CompletedAt); err != nil {
			return TransactionRecord{}, err
		}
		amount, err := decimal.NewFromString(rawAmount)
		if err != nil {
			return TransactionRecord{}, fmt.Errorf("parse amount: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Status = Status(status)
		rec.Amount = amount
		rec.CreatedAt = rec.CreatedAt.UTC()
		if rec.Metadata == nil {
			rec.Metadata = map[string]string{}
		}
		return rec, nil
	})
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return 500
	}
	return limit
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
