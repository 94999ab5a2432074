// Package idempotency records which client or provider operations have
// already been accepted so retries observe a single effect.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrFingerprintMismatch is returned when a key is reused with a
	// different payload.
	ErrFingerprintMismatch = errors.New("idempotency key reused with a different payload")

	// ErrNotFound indicates the key is unknown or has expired.
	ErrNotFound = errors.New("idempotency key not found")

	// ErrEmptyKey rejects reservations without a key.
	ErrEmptyKey = errors.New("idempotency key is required")
)

// State is the lifecycle of an entry.
type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

// Outcome is the terminal result stored against a key.
type Outcome struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Entry is the stored view of a key. Reserved is set only on the Reserve call
// that created it.
type Entry struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Reference   string    `json:"reference"`
	State       State     `json:"state"`
	Outcome     *Outcome  `json:"outcome,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Reserved    bool      `json:"-"`
}

// Registry is an atomic single-winner key store.
type Registry interface {
	// Reserve claims key for reference. Exactly one concurrent caller gets
	// Reserved=true; the rest receive the stored entry.
	Reserve(ctx context.Context, key, fingerprint, reference string) (Entry, error)
	// Finalize stores the outcome and marks the entry completed.
	Finalize(ctx context.Context, key string, outcome Outcome) error
	// Release drops a reservation whose operation never started.
	Release(ctx context.Context, key string) error
	// Reclaim drops an in-progress entry only while it still points at
	// reference. It reports whether the entry was removed.
	Reclaim(ctx context.Context, key, reference string) (bool, error)
	Get(ctx context.Context, key string) (Entry, error)
}

// TransferKey scopes a client token to the sending account.
func TransferKey(senderAccountID, token string) string {
	return "transfer:" + senderAccountID + ":" + token
}

// WebhookKey scopes a provider event id.
func WebhookKey(eventID string) string {
	return "webhook:" + eventID
}

func checkFingerprint(entry Entry, fingerprint string) (Entry, error) {
	if entry.Fingerprint != "" && fingerprint != "" && entry.Fingerprint != fingerprint {
		return entry, ErrFingerprintMismatch
	}
	return entry, nil
}
