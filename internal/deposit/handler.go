package deposit

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet_engine/internal/identity"
	"github.com/congo-pay/wallet_engine/internal/money"
)

// Handler exposes deposit endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs a deposit handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Email  string          `json:"email"`
}

type depositResponse struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
	Amount           string `json:"amount"`
}

type statusResponse struct {
	Reference         string     `json:"reference"`
	Status            string     `json:"status"`
	Amount            string     `json:"amount"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	ProviderConfirmed *bool      `json:"provider_confirmed,omitempty"`
}

// Deposit starts a provider checkout for the caller's wallet.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	principal, ok := identity.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "authentication required")
	}
	var req depositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	started, err := h.service.InitiateDeposit(c.UserContext(), principal.AccountID, req.Amount, req.Email)
	if err != nil {
		switch {
		case errors.Is(err, money.ErrInvalidAmount):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrAccountNotFound):
			return fiber.NewError(http.StatusNotFound, err.Error())
		case errors.Is(err, ErrProvider):
			return fiber.NewError(http.StatusBadGateway, "payment provider unavailable")
		default:
			return fiber.NewError(http.StatusInternalServerError, "deposit could not be initiated")
		}
	}
	return c.Status(http.StatusCreated).JSON(depositResponse{
		Reference:        started.Reference,
		AuthorizationURL: started.AuthorizationURL,
		Amount:           money.Format(started.Amount),
	})
}

// Webhook receives provider notifications. Any authentic delivery is
// acknowledged so the provider stops retrying; only storage failures ask for
// a redelivery.
func (h *Handler) Webhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)
	out, err := h.service.HandleDepositEvent(c.UserContext(), payload, c.Get(SignatureHeader))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return fiber.NewError(http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, ErrInvalidEvent):
		h.logger.Warn("malformed webhook payload acknowledged", slog.Any("error", err))
	case err != nil:
		h.logger.Error("webhook processing failed", slog.Any("error", err))
		return fiber.NewError(http.StatusInternalServerError, "webhook processing failed")
	}
	return c.JSON(fiber.Map{"status": true, "outcome": out.Status})
}

// Status reports a deposit of the caller.
func (h *Handler) Status(c *fiber.Ctx) error {
	principal, ok := identity.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "authentication required")
	}
	st, err := h.service.GetDepositStatus(c.UserContext(), principal.AccountID, c.Params("reference"))
	if err != nil {
		return h.statusError(err)
	}
	return c.JSON(toStatusResponse(st, nil))
}

// Verify re-checks a deposit with the provider.
func (h *Handler) Verify(c *fiber.Ctx) error {
	principal, ok := identity.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "authentication required")
	}
	st, err := h.service.VerifyDeposit(c.UserContext(), principal.AccountID, c.Params("reference"))
	if err != nil {
		if errors.Is(err, ErrProvider) {
			return fiber.NewError(http.StatusBadGateway, "payment provider verification failed")
		}
		return h.statusError(err)
	}
	confirmed := st.ProviderConfirmed
	return c.JSON(toStatusResponse(st, &confirmed))
}

func (h *Handler) statusError(err error) error {
	if errors.Is(err, ErrDepositNotFound) {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	return fiber.NewError(http.StatusInternalServerError, "deposit status unavailable")
}

func toStatusResponse(st Status, confirmed *bool) statusResponse {
	return statusResponse{
		Reference:         st.Reference,
		Status:            string(st.Status),
		Amount:            money.Format(st.Amount),
		FailureReason:     st.FailureReason,
		CreatedAt:         st.CreatedAt,
		CompletedAt:       st.CompletedAt,
		ProviderConfirmed: confirmed,
	}
}
