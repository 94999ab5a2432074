package identity

import (
	"slices"
	"time"
)

// Permission gates a class of wallet operations.
type Permission string

const (
	PermissionRead     Permission = "read"
	PermissionDeposit  Permission = "deposit"
	PermissionTransfer Permission = "transfer"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	switch p {
	case PermissionRead, PermissionDeposit, PermissionTransfer:
		return true
	}
	return false
}

// APIKey is a stored credential. Only the bcrypt hash of the secret is kept.
type APIKey struct {
	ID          string
	OwnerID     string
	AccountID   string
	Name        string
	SecretHash  []byte
	Permissions []Permission
	ExpiresAt   *time.Time
	Revoked     bool
	CreatedAt   time.Time
}

// Active reports whether the key can authenticate at now.
func (k APIKey) Active(now time.Time) bool {
	if k.Revoked {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// Principal is the authenticated caller resolved from an API key.
type Principal struct {
	KeyID       string
	OwnerID     string
	AccountID   string
	Permissions []Permission
}

// Can reports whether the principal holds p.
func (p Principal) Can(perm Permission) bool {
	return slices.Contains(p.Permissions, perm)
}
