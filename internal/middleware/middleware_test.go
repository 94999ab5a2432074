package middleware

import (
	"context"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/wallet_engine/internal/identity"
	"github.com/congo-pay/wallet_engine/internal/logging"
)

func issueKey(t *testing.T, svc *identity.Service, perms ...identity.Permission) string {
	t.Helper()
	_, plain, err := svc.Issue(context.Background(), identity.IssueInput{
		OwnerID:     "owner-1",
		AccountID:   "acc-1",
		Name:        "ci",
		Permissions: perms,
		Expiry:      "1D",
	})
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	return plain
}

func TestAPIKeyAuthAndPermissions(t *testing.T) {
	svc := identity.NewService(identity.NewMemoryRepository())
	readKey := issueKey(t, svc, identity.PermissionRead)
	transferKey := issueKey(t, svc, identity.PermissionRead, identity.PermissionTransfer)

	app := fiber.New()
	app.Use(RequestID(), APIKeyAuth(svc, logging.Discard()))
	app.Get("/balance", RequirePermission(identity.PermissionRead), func(c *fiber.Ctx) error {
		p, _ := identity.PrincipalFrom(c)
		return c.SendString(p.AccountID)
	})
	app.Post("/transfer", RequirePermission(identity.PermissionTransfer), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	cases := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"missing key", fiber.MethodGet, "/balance", "", fiber.StatusUnauthorized},
		{"garbage key", fiber.MethodGet, "/balance", "sk_live_nope", fiber.StatusUnauthorized},
		{"read allowed", fiber.MethodGet, "/balance", readKey, fiber.StatusOK},
		{"transfer forbidden", fiber.MethodPost, "/transfer", readKey, fiber.StatusForbidden},
		{"transfer allowed", fiber.MethodPost, "/transfer", transferKey, fiber.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.key != "" {
				req.Header.Set(APIKeyHeader, tc.key)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
			if resp.Header.Get(requestIDHeader) == "" {
				t.Fatal("response is missing a request id")
			}
		})
	}
}

func TestRequestIDKeepsClientValue(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID(), Audit(logging.Discard()))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(RequestIDFrom(c)) })

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-42")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if got := resp.Header.Get(requestIDHeader); got != "req-42" {
		t.Fatalf("expected client request id to be echoed, got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		identity.SetPrincipal(c, identity.Principal{KeyID: c.Get("x-key")})
		return c.Next()
	})
	app.Post("/transfer", RateLimit(cache, "transfer", 2), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	send := func(key string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/transfer", nil)
		req.Header.Set("x-key", key)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		return resp.StatusCode
	}

	if send("a") != fiber.StatusOK || send("a") != fiber.StatusOK {
		t.Fatal("first two requests should pass")
	}
	if got := send("a"); got != fiber.StatusTooManyRequests {
		t.Fatalf("third request should be limited, got %d", got)
	}
	if got := send("b"); got != fiber.StatusOK {
		t.Fatalf("other keys have their own budget, got %d", got)
	}
}
