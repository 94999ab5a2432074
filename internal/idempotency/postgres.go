package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRegistry keeps entries in the idempotency_keys table. Expired rows
// are reclaimed by the next reservation of the same key.
type PostgresRegistry struct {
	db  *pgxpool.Pool
	ttl time.Duration
}

// NewPostgres constructs a Postgres-backed registry.
func NewPostgres(db *pgxpool.Pool, ttl time.Duration) *PostgresRegistry {
	return &PostgresRegistry{db: db, ttl: ttl}
}

var _ Registry = (*PostgresRegistry)(nil)

func (r *PostgresRegistry) Reserve(ctx context.Context, key, fingerprint, reference string) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}
	now := time.Now().UTC()
	const query = `
        INSERT INTO idempotency_keys (key, fingerprint, reference, state, created_at, updated_at, expires_at)
        VALUES ($1, $2, $3, $4, $5, $5, $6)
        ON CONFLICT (key) DO UPDATE
            SET fingerprint = EXCLUDED.fingerprint,
                reference = EXCLUDED.reference,
                state = EXCLUDED.state,
                outcome = NULL,
                created_at = EXCLUDED.created_at,
                updated_at = EXCLUDED.updated_at,
                expires_at = EXCLUDED.expires_at
            WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
        RETURNING key`

	var claimed string
	err := r.db.QueryRow(ctx, query, key, fingerprint, reference, string(StateInProgress), now, now.Add(r.ttl)).Scan(&claimed)
	switch {
	case err == nil:
		return Entry{
			Key:         key,
			Fingerprint: fingerprint,
			Reference:   reference,
			State:       StateInProgress,
			CreatedAt:   now,
			UpdatedAt:   now,
			Reserved:    true,
		}, nil
	case errors.Is(err, pgx.ErrNoRows):
		existing, err := r.Get(ctx, key)
		if err != nil {
			return Entry{}, err
		}
		return checkFingerprint(existing, fingerprint)
	default:
		return Entry{}, fmt.Errorf("idempotency reservation: %w", err)
	}
}

func (r *PostgresRegistry) Finalize(ctx context.Context, key string, outcome Outcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode idempotency outcome: %w", err)
	}
	cmd, err := r.db.Exec(ctx, `UPDATE idempotency_keys
        SET state = $2, outcome = $3, updated_at = $4
        WHERE key = $1`, key, string(StateCompleted), payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persist idempotency outcome: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRegistry) Release(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND state = $2`, key, string(StateInProgress))
	return err
}

func (r *PostgresRegistry) Reclaim(ctx context.Context, key, reference string) (bool, error) {
	cmd, err := r.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND state = $2 AND reference = $3`,
		key, string(StateInProgress), reference)
	if err != nil {
		return false, fmt.Errorf("reclaim idempotency key: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *PostgresRegistry) Get(ctx context.Context, key string) (Entry, error) {
	var (
		entry   Entry
		state   string
		outcome []byte
	)
	err := r.db.QueryRow(ctx, `SELECT key, fingerprint, reference, state, outcome, created_at, updated_at
        FROM idempotency_keys WHERE key = $1 AND expires_at > now()`, key).
		Scan(&entry.Key, &entry.Fingerprint, &entry.Reference, &state, &outcome, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("idempotency lookup: %w", err)
	}
	entry.State = State(state)
	if len(outcome) > 0 {
		var o Outcome
		if err := json.Unmarshal(outcome, &o); err != nil {
			return Entry{}, fmt.Errorf("decode idempotency outcome: %w", err)
		}
		entry.Outcome = &o
	}
	return entry, nil
}
