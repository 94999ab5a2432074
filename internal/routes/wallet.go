package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_engine/internal/identity"
	"github.com/congo-pay/wallet_engine/internal/wallet"
)

// RegisterWalletRoutes wires the read-only wallet endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Get("/balance", require(identity.PermissionRead), h.Balance)
	r.Get("/transactions", require(identity.PermissionRead), h.Transactions)
	r.Get("/me", require(identity.PermissionRead), h.Me)
}
