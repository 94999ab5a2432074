package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_engine/internal/identity"
)

// APIKeyHeader carries the caller's secret key.
const APIKeyHeader = "x-api-key"

// KeyResolver turns a presented key into a principal.
type KeyResolver interface {
	Resolve(ctx context.Context, presented string) (identity.Principal, error)
}

// APIKeyAuth authenticates the request by its API key and attaches the
// resolved principal.
func APIKeyAuth(resolver KeyResolver, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		presented := strings.TrimSpace(c.Get(APIKeyHeader))
		if presented == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing api key")
		}
		principal, err := resolver.Resolve(c.UserContext(), presented)
		switch {
		case err == nil:
		case errors.Is(err, identity.ErrInvalidKey), errors.Is(err, identity.ErrKeyInactive):
			return fiber.NewError(http.StatusUnauthorized, err.Error())
		default:
			logger.Error("api key lookup failed", slog.Any("error", err))
			return fiber.NewError(http.StatusInternalServerError, "authentication unavailable")
		}
		identity.SetPrincipal(c, principal)
		return c.Next()
	}
}

// RequirePermission rejects callers whose key lacks perm.
func RequirePermission(perm identity.Permission) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal, ok := identity.PrincipalFrom(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, "authentication required")
		}
		if !principal.Can(perm) {
			return fiber.NewError(http.StatusForbidden, "api key lacks "+string(perm)+" permission")
		}
		return c.Next()
	}
}
