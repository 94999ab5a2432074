package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists API keys.
type Repository interface {
	Create(ctx context.Context, key APIKey) error
	FindByID(ctx context.Context, id string) (APIKey, error)
	CountActive(ctx context.Context, ownerID string, now time.Time) (int, error)
	Revoke(ctx context.Context, id string) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed API key repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new key.
func (r *PostgresRepository) Create(ctx context.Context, key APIKey) error {
	_, err := r.db.Exec(ctx, `INSERT INTO api_keys (id, owner_id, account_id, name, secret_hash, permissions, expires_at, revoked, created_at)
        VALUES ($1, $2, $3::uuid, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.OwnerID, key.AccountID, key.Name, key.SecretHash, permissionStrings(key.Permissions),
		key.ExpiresAt, key.Revoked, key.CreatedAt.UTC())
	return err
}

// FindByID fetches a key by its public id.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (APIKey, error) {
	row := r.db.QueryRow(ctx, `SELECT id, owner_id, account_id::text, name, secret_hash, permissions, expires_at, revoked, created_at
        FROM api_keys WHERE id = $1`, id)
	var (
		key   APIKey
		perms []string
	)
	if err := row.Scan(&key.ID, &key.OwnerID, &key.AccountID, &key.Name, &key.SecretHash, &perms, &key.ExpiresAt, &key.Revoked, &key.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIKey{}, ErrKeyNotFound
		}
		return APIKey{}, err
	}
	for _, p := range perms {
		key.Permissions = append(key.Permissions, Permission(p))
	}
	key.CreatedAt = key.CreatedAt.UTC()
	return key, nil
}

// CountActive counts unrevoked, unexpired keys of an owner.
func (r *PostgresRepository) CountActive(ctx context.Context, ownerID string, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM api_keys
        WHERE owner_id = $1 AND NOT revoked AND (expires_at IS NULL OR expires_at > $2)`, ownerID, now.UTC()).Scan(&n)
	return n, err
}

// Revoke disables a key.
func (r *PostgresRepository) Revoke(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE api_keys SET revoked = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func permissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
