package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_engine/internal/identity"
	"github.com/congo-pay/wallet_engine/internal/ledger"
	"github.com/congo-pay/wallet_engine/internal/money"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type transactionResponse struct {
	Reference           string     `json:"reference"`
	Type                string     `json:"type"`
	Amount              string     `json:"amount"`
	Status              string     `json:"status"`
	CounterpartyAccount string     `json:"counterparty_account,omitempty"`
	FailureReason       string     `json:"failure_reason,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	CompletedAt         *time.Time `json:"completed_at"`
}

// Balance returns the caller's wallet balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	principal, ok := identity.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "authentication required")
	}
	balance, err := h.service.Balance(c.UserContext(), principal.AccountID)
	if err != nil {
		return walletError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"wallet_number": balance.WalletNumber,
		"balance":       money.Format(balance.Amount),
		"timestamp":     balance.AsOf,
	})
}

// Transactions returns a page of the caller's history, newest first.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	principal, ok := identity.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "authentication required")
	}
	records, err := h.service.Transactions(c.UserContext(), principal.AccountID, c.QueryInt("limit"), c.QueryInt("offset"))
	if err != nil {
		return walletError(err)
	}
	out := make([]transactionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toTransactionResponse(rec))
	}
	return c.JSON(fiber.Map{"transactions": out, "total": len(out)})
}

// Me returns the caller's principal together with wallet details.
func (h *Handler) Me(c *fiber.Ctx) error {
	principal, ok := identity.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "authentication required")
	}
	account, err := h.service.Get(c.UserContext(), principal.AccountID)
	if err != nil {
		return walletError(err)
	}
	perms := make([]string, 0, len(principal.Permissions))
	for _, p := range principal.Permissions {
		perms = append(perms, string(p))
	}
	return c.JSON(fiber.Map{
		"owner_id":      account.OwnerID,
		"account_id":    account.ID,
		"wallet_number": account.WalletNumber,
		"balance":       money.Format(account.Balance),
		"status":        account.Status,
		"key_id":        principal.KeyID,
		"permissions":   perms,
	})
}

func walletError(err error) error {
	if errors.Is(err, ErrWalletNotFound) {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	return fiber.NewError(http.StatusInternalServerError, "wallet unavailable")
}

// counterpartyWallet names the other side by wallet number, the only
// identifier clients hold.
func counterpartyWallet(rec ledger.TransactionRecord) string {
	switch rec.Kind {
	case ledger.KindTransferOut, ledger.KindRefund:
		return rec.Metadata["recipient_wallet_number"]
	case ledger.KindTransferIn:
		return rec.Metadata["sender_wallet_number"]
	}
	return ""
}

func toTransactionResponse(rec ledger.TransactionRecord) transactionResponse {
	return transactionResponse{
		Reference:           rec.Reference,
		Type:                string(rec.Kind),
		Amount:              money.Format(rec.Amount),
		Status:              string(rec.Status),
		CounterpartyAccount: counterpartyWallet(rec),
		FailureReason:       rec.FailureReason,
		CreatedAt:           rec.CreatedAt,
		CompletedAt:         rec.CompletedAt,
	}
}
