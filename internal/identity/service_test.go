package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndResolve(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	key, plain, err := svc.Issue(ctx, IssueInput{
		OwnerID:     "user-1",
		AccountID:   "acc-1",
		Name:        "ci",
		Permissions: []Permission{PermissionRead, PermissionTransfer},
		Expiry:      "1D",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(plain, KeyPrefix+key.ID+"_") {
		t.Fatalf("unexpected key format %q", plain)
	}
	if strings.Contains(string(key.SecretHash), plain) {
		t.Fatal("plain secret must not be stored")
	}

	principal, err := svc.Resolve(ctx, plain)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if principal.AccountID != "acc-1" || principal.OwnerID != "user-1" {
		t.Fatalf("unexpected principal %+v", principal)
	}
	if !principal.Can(PermissionTransfer) || principal.Can(PermissionDeposit) {
		t.Fatalf("unexpected permissions %v", principal.Permissions)
	}
}

func TestResolveRejectsTamperedAndExpiredKeys(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	_, plain, err := svc.Issue(ctx, IssueInput{OwnerID: "u", AccountID: "a", Permissions: []Permission{PermissionRead}, Expiry: "1H"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	for _, bad := range []string{"", "sk_live_", "nope", plain + "x"} {
		if _, err := svc.Resolve(ctx, bad); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey for %q, got %v", bad, err)
		}
	}

	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if _, err := svc.Resolve(ctx, plain); !errors.Is(err, ErrKeyInactive) {
		t.Fatalf("expected ErrKeyInactive, got %v", err)
	}
}

func TestRevokedKeyCannotResolve(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	key, plain, _ := svc.Issue(ctx, IssueInput{OwnerID: "u", AccountID: "a", Permissions: []Permission{PermissionRead}})
	if err := svc.Revoke(ctx, "someone-else", key.ID); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for foreign owner, got %v", err)
	}
	if err := svc.Revoke(ctx, "u", key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Resolve(ctx, plain); !errors.Is(err, ErrKeyInactive) {
		t.Fatalf("expected ErrKeyInactive, got %v", err)
	}
}

func TestIssueEnforcesLimits(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	if _, _, err := svc.Issue(ctx, IssueInput{OwnerID: "u", AccountID: "a", Permissions: []Permission{"admin"}}); !errors.Is(err, ErrInvalidPermission) {
		t.Fatalf("expected ErrInvalidPermission, got %v", err)
	}
	if _, _, err := svc.Issue(ctx, IssueInput{OwnerID: "u", AccountID: "a", Permissions: []Permission{PermissionRead}, Expiry: "2W"}); !errors.Is(err, ErrInvalidExpiry) {
		t.Fatalf("expected ErrInvalidExpiry, got %v", err)
	}
	for i := 0; i < MaxActiveKeys; i++ {
		if _, _, err := svc.Issue(ctx, IssueInput{OwnerID: "u", AccountID: "a", Permissions: []Permission{PermissionRead}}); err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
	}
	if _, _, err := svc.Issue(ctx, IssueInput{OwnerID: "u", AccountID: "a", Permissions: []Permission{PermissionRead}}); !errors.Is(err, ErrTooManyKeys) {
		t.Fatalf("expected ErrTooManyKeys, got %v", err)
	}
}

func TestParseExpiry(t *testing.T) {
	from := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	cases := map[string]time.Time{
		"1H": from.Add(time.Hour),
		"2D": from.AddDate(0, 0, 2),
		"1M": from.AddDate(0, 1, 0),
		"1Y": from.AddDate(1, 0, 0),
	}
	for in, want := range cases {
		got, err := ParseExpiry(in, from)
		if err != nil || !got.Equal(want) {
			t.Fatalf("ParseExpiry(%s) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseExpiry("0D", from); err == nil {
		t.Fatal("expected error for zero quantity")
	}
}
