package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix marks every issued API key.
const KeyPrefix = "sk_live_"

// MaxActiveKeys caps live keys per owner.
const MaxActiveKeys = 5

var (
	ErrKeyNotFound       = errors.New("api key not found")
	ErrKeyExists         = errors.New("api key exists")
	ErrInvalidKey        = errors.New("invalid api key")
	ErrKeyInactive       = errors.New("api key expired or revoked")
	ErrTooManyKeys       = fmt.Errorf("maximum %d active api keys per owner", MaxActiveKeys)
	ErrInvalidExpiry     = errors.New("invalid expiry, use 1H, 1D, 1M or 1Y")
	ErrInvalidPermission = errors.New("unknown permission")
)

// Service issues API keys and resolves them to principals.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a new identity service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// IssueInput describes a new key.
type IssueInput struct {
	OwnerID     string
	AccountID   string
	Name        string
	Permissions []Permission
	Expiry      string
}

// Issue creates a key and returns it together with the plain secret, which is
// never stored and cannot be recovered later.
func (s *Service) Issue(ctx context.Context, in IssueInput) (APIKey, string, error) {
	if in.OwnerID == "" || in.AccountID == "" {
		return APIKey{}, "", errors.New("owner and account are required")
	}
	if len(in.Permissions) == 0 {
		return APIKey{}, "", fmt.Errorf("%w: at least one permission is required", ErrInvalidPermission)
	}
	for _, p := range in.Permissions {
		if !p.Valid() {
			return APIKey{}, "", fmt.Errorf("%w: %q", ErrInvalidPermission, p)
		}
	}

	now := s.now()
	var expiresAt *time.Time
	if in.Expiry != "" {
		at, err := ParseExpiry(in.Expiry, now)
		if err != nil {
			return APIKey{}, "", err
		}
		expiresAt = &at
	}

	active, err := s.repo.CountActive(ctx, in.OwnerID, now)
	if err != nil {
		return APIKey{}, "", err
	}
	if active >= MaxActiveKeys {
		return APIKey{}, "", ErrTooManyKeys
	}

	id, err := randomHex(8)
	if err != nil {
		return APIKey{}, "", err
	}
	secret, err := randomHex(24)
	if err != nil {
		return APIKey{}, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return APIKey{}, "", err
	}

	key := APIKey{
		ID:          id,
		OwnerID:     in.OwnerID,
		AccountID:   in.AccountID,
		Name:        in.Name,
		SecretHash:  hash,
		Permissions: in.Permissions,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	if err := s.repo.Create(ctx, key); err != nil {
		return APIKey{}, "", err
	}
	return key, KeyPrefix + id + "_" + secret, nil
}

// Resolve verifies a presented key and returns its principal.
func (s *Service) Resolve(ctx context.Context, presented string) (Principal, error) {
	id, secret, ok := splitKey(presented)
	if !ok {
		return Principal{}, ErrInvalidKey
	}
	key, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, ErrKeyNotFound) {
		return Principal{}, ErrInvalidKey
	}
	if err != nil {
		return Principal{}, err
	}
	if err := bcrypt.CompareHashAndPassword(key.SecretHash, []byte(secret)); err != nil {
		return Principal{}, ErrInvalidKey
	}
	if !key.Active(s.now()) {
		return Principal{}, ErrKeyInactive
	}
	return Principal{
		KeyID:       key.ID,
		OwnerID:     key.OwnerID,
		AccountID:   key.AccountID,
		Permissions: key.Permissions,
	}, nil
}

// Revoke disables a key owned by ownerID.
func (s *Service) Revoke(ctx context.Context, ownerID, id string) error {
	key, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if key.OwnerID != ownerID {
		return ErrKeyNotFound
	}
	return s.repo.Revoke(ctx, id)
}

// ParseExpiry converts 1H, 1D, 1M or 1Y style durations into an absolute time.
func ParseExpiry(expiry string, from time.Time) (time.Time, error) {
	if len(expiry) < 2 {
		return time.Time{}, ErrInvalidExpiry
	}
	qty, err := strconv.Atoi(expiry[:len(expiry)-1])
	if err != nil || qty <= 0 {
		return time.Time{}, ErrInvalidExpiry
	}
	switch strings.ToUpper(expiry[len(expiry)-1:]) {
	case "H":
		return from.Add(time.Duration(qty) * time.Hour), nil
	case "D":
		return from.AddDate(0, 0, qty), nil
	case "M":
		return from.AddDate(0, qty, 0), nil
	case "Y":
		return from.AddDate(qty, 0, 0), nil
	}
	return time.Time{}, ErrInvalidExpiry
}

// ParsePermissions converts names such as "read,transfer" into permissions.
func ParsePermissions(names []string) ([]Permission, error) {
	var out []Permission
	for _, name := range names {
		p := Permission(strings.ToLower(strings.TrimSpace(name)))
		if p == "" {
			continue
		}
		if !p.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPermission, name)
		}
		out = append(out, p)
	}
	return out, nil
}

func splitKey(presented string) (id, secret string, ok bool) {
	rest, found := strings.CutPrefix(presented, KeyPrefix)
	if !found {
		return "", "", false
	}
	id, secret, ok = strings.Cut(rest, "_")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
