package identity

import (
	"context"
	"sync"
	"time"
)

type memoryRepository struct {
	mu   sync.RWMutex
	keys map[string]APIKey
}

// NewMemoryRepository builds an in-memory key store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{keys: make(map[string]APIKey)}
}

func (r *memoryRepository) Create(_ context.Context, key APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.keys[key.ID]; exists {
		return ErrKeyExists
	}
	r.keys[key.ID] = key
	return nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[id]
	if !ok {
		return APIKey{}, ErrKeyNotFound
	}
	return key, nil
}

func (r *memoryRepository) CountActive(_ context.Context, ownerID string, now time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, key := range r.keys {
		if key.OwnerID == ownerID && key.Active(now) {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepository) Revoke(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	key.Revoked = true
	r.keys[id] = key
	return nil
}
