package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	Entry
	expiresAt time.Time
}

// NewMemory returns an in-process Registry for tests and development mode.
func NewMemory(ttl time.Duration) Registry {
	return &memoryRegistry{
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]memoryEntry),
	}
}

func (r *memoryRegistry) Reserve(_ context.Context, key, fingerprint, reference string) (Entry, error) {
	if key == "" {
		return Entry{}, ErrEmptyKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.entries[key]; ok && (r.ttl <= 0 || now.Before(existing.expiresAt)) {
		return checkFingerprint(existing.Entry, fingerprint)
	}

	entry := Entry{
		Key:         key,
		Fingerprint: fingerprint,
		Reference:   reference,
		State:       StateInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.entries[key] = memoryEntry{Entry: entry, expiresAt: now.Add(r.ttl)}
	entry.Reserved = true
	return entry, nil
}

func (r *memoryRegistry) Finalize(_ context.Context, key string, outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[key]
	if !ok {
		return ErrNotFound
	}
	existing.State = StateCompleted
	existing.Outcome = &outcome
	existing.UpdatedAt = r.now()
	r.entries[key] = existing
	return nil
}

func (r *memoryRegistry) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

func (r *memoryRegistry) Reclaim(_ context.Context, key, reference string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[key]
	if !ok || existing.State != StateInProgress || existing.Reference != reference {
		return false, nil
	}
	delete(r.entries, key)
	return true, nil
}

func (r *memoryRegistry) Get(_ context.Context, key string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[key]
	if !ok || (r.ttl > 0 && !r.now().Before(existing.expiresAt)) {
		return Entry{}, ErrNotFound
	}
	return existing.Entry, nil
}
