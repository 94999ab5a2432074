package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_engine/internal/deposit"
	"github.com/congo-pay/wallet_engine/internal/identity"
)

// RegisterDepositRoutes wires deposit initiation and lookups. The webhook is
// registered separately because it is not authenticated by API key.
func RegisterDepositRoutes(r fiber.Router, h *deposit.Handler, limit func(string) fiber.Handler, replay fiber.Handler) {
	r.Post("/deposit", require(identity.PermissionDeposit), limit("deposit"), replay, h.Deposit)
	r.Get("/deposit/:reference/status", require(identity.PermissionRead), h.Status)
	r.Post("/deposit/:reference/verify", require(identity.PermissionDeposit), h.Verify)
}
