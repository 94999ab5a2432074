package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_engine/internal/identity"
	"github.com/congo-pay/wallet_engine/internal/transfer"
)

// RegisterTransferRoutes wires transfer initiation, status and recovery.
func RegisterTransferRoutes(r fiber.Router, h *transfer.Handler, limit func(string) fiber.Handler) {
	r.Post("/transfer", require(identity.PermissionTransfer), limit("transfer"), h.Transfer)
	r.Get("/transfer/:reference", require(identity.PermissionRead), h.Status)
	r.Post("/transfer/:reference/recover", require(identity.PermissionTransfer), h.Recover)
}
