package transfer

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet_engine/internal/identity"
	"github.com/congo-pay/wallet_engine/internal/ledger"
	"github.com/congo-pay/wallet_engine/internal/money"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Handler exposes transfer endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a transfer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type transferRequest struct {
	WalletNumber   string          `json:"wallet_number"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type transferResponse struct {
	Reference string `json:"reference,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type statusResponse struct {
	Reference           string     `json:"reference"`
	Status              string     `json:"status"`
	Direction           string     `json:"direction"`
	Amount              string     `json:"amount"`
	CounterpartyAccount string     `json:"counterparty_account"`
	CreatedAt           time.Time  `json:"created_at"`
	CompletedAt         *time.Time `json:"completed_at"`
	Refunded            bool       `json:"refunded"`
	Error               string     `json:"error,omitempty"`
}

type recoveryResponse struct {
	Reference string `json:"reference"`
	Action    string `json:"action"`
	Refund    string `json:"refund_amount,omitempty"`
}

// Transfer moves funds from the caller's wallet to another wallet.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	principal, ok := identity.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "authentication required")
	}

	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return failed(c, http.StatusBadRequest, "", "invalid request body")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.Get(idempotencyKeyHeader)
	}

	res, err := h.service.InitiateTransfer(c.UserContext(), Request{
		SenderAccountID:       principal.AccountID,
		RecipientWalletNumber: req.WalletNumber,
		Amount:                req.Amount,
		IdempotencyKey:        req.IdempotencyKey,
	})
	if err != nil {
		switch {
		case errors.Is(err, money.ErrInvalidAmount),
			errors.Is(err, ErrMissingIdempotencyKey),
			errors.Is(err, ErrSelfTransfer):
			return failed(c, http.StatusBadRequest, "", err.Error())
		case errors.Is(err, ErrSenderNotFound), errors.Is(err, ErrRecipientNotFound):
			return failed(c, http.StatusNotFound, "", err.Error())
		case errors.Is(err, ErrIdempotencyConflict):
			return failed(c, http.StatusConflict, "", err.Error())
		default:
			return failed(c, http.StatusInternalServerError, "", "transfer could not be processed")
		}
	}

	switch res.Status {
	case ledger.StatusSuccess:
		return c.Status(http.StatusOK).JSON(transferResponse{Reference: res.Reference, Status: string(res.Status)})
	case ledger.StatusFailed:
		return failed(c, http.StatusBadRequest, res.Reference, res.Error)
	default:
		return c.Status(http.StatusAccepted).JSON(transferResponse{Reference: res.Reference, Status: string(res.Status)})
	}
}

// Status reports a transfer the caller took part in.
func (h *Handler) Status(c *fiber.Ctx) error {
	principal, ok := identity.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "authentication required")
	}

	st, err := h.service.GetTransferStatus(c.UserContext(), c.Params("reference"))
	if err != nil {
		if errors.Is(err, ErrTransferNotFound) {
			return fiber.NewError(http.StatusNotFound, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, "transfer status unavailable")
	}

	resp := statusResponse{
		Reference:   st.Reference,
		Status:      string(st.Status),
		Amount:      money.Format(st.Amount),
		CreatedAt:   st.CreatedAt,
		CompletedAt: st.CompletedAt,
		Refunded:    st.Refunded,
		Error:       st.Error,
	}
	switch principal.AccountID {
	case st.SenderAccountID:
		resp.Direction = "outgoing"
		resp.CounterpartyAccount = st.RecipientWallet
	case st.RecipientAccountID:
		resp.Direction = "incoming"
		resp.CounterpartyAccount = st.SenderWallet
	default:
		return fiber.NewError(http.StatusNotFound, ErrTransferNotFound.Error())
	}
	return c.JSON(resp)
}

// Recover resolves a stuck transfer sent by the caller.
func (h *Handler) Recover(c *fiber.Ctx) error {
	principal, ok := identity.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "authentication required")
	}
	reference := c.Params("reference")

	st, err := h.service.GetTransferStatus(c.UserContext(), reference)
	if err != nil || st.SenderAccountID != principal.AccountID {
		if err != nil && !errors.Is(err, ErrTransferNotFound) {
			return fiber.NewError(http.StatusInternalServerError, "transfer status unavailable")
		}
		return fiber.NewError(http.StatusNotFound, ErrTransferNotFound.Error())
	}

	rec, err := h.service.RecoverTransfer(c.UserContext(), reference)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, "transfer recovery failed")
	}
	resp := recoveryResponse{Reference: rec.Reference, Action: string(rec.Action)}
	if rec.Refund != nil {
		resp.Refund = money.Format(rec.Refund.Amount)
	}
	return c.JSON(resp)
}

func failed(c *fiber.Ctx, status int, reference, message string) error {
	return c.Status(status).JSON(transferResponse{
		Reference: reference,
		Status:    string(ledger.StatusFailed),
		Error:     message,
	})
}
