package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_engine/internal/config"
	"github.com/congo-pay/wallet_engine/internal/deposit"
	"github.com/congo-pay/wallet_engine/internal/engine"
	"github.com/congo-pay/wallet_engine/internal/identity"
	"github.com/congo-pay/wallet_engine/internal/logging"
	"github.com/congo-pay/wallet_engine/internal/routes"
)

const webhookSecret = "whsec_test"

type harness struct {
	app    *fiber.App
	engine *engine.Engine
}

func newHarness(t *testing.T) harness {
	t.Helper()
	cfg := config.Config{
		AppName:             "wallet-engine-test",
		AppEnv:              "test",
		Port:                "0",
		IdempotencyTTL:      time.Hour,
		IdempotencyStore:    config.IdempotencyStoreAuto,
		WebhookSecret:       webhookSecret,
		ProviderCheckoutURL: "https://checkout.test",
		TransferMode:        config.TransferModeInline,
	}
	e, err := engine.New(engine.Deps{Cfg: cfg, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	srv := New(routes.Deps{Cfg: cfg, Logger: logging.Discard(), Engine: e})
	return harness{app: srv.App(), engine: e}
}

func (h harness) key(t *testing.T, accountID string, perms ...identity.Permission) string {
	t.Helper()
	_, plain, err := h.engine.Identity.Issue(context.Background(), identity.IssueInput{
		OwnerID:     "owner-" + accountID,
		AccountID:   accountID,
		Name:        "test",
		Permissions: perms,
	})
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	return plain
}

func (h harness) call(t *testing.T, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s: %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	status, out := h.call(t, fiber.MethodGet, "/healthz", "", nil)
	if status != fiber.StatusOK || out["status"] == nil {
		t.Fatalf("healthz returned %d %v", status, out)
	}
}

func TestErrorsRenderAsJSON(t *testing.T) {
	h := newHarness(t)
	status, out := h.call(t, fiber.MethodGet, "/api/v1/wallet/balance", "", nil)
	if status != fiber.StatusUnauthorized || out["error"] == nil {
		t.Fatalf("expected JSON 401, got %d %v", status, out)
	}
}

func TestDepositThenTransferOverHTTP(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice, err := h.engine.Wallets.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := h.engine.Wallets.Create(ctx, "bob")
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	aliceKey := map[string]string{"x-api-key": h.key(t, alice.ID, identity.PermissionRead, identity.PermissionDeposit, identity.PermissionTransfer)}
	bobReadOnly := map[string]string{"x-api-key": h.key(t, bob.ID, identity.PermissionRead)}

	status, out := h.call(t, fiber.MethodPost, "/api/v1/wallet/deposit", `{"amount":"5000.00"}`, aliceKey)
	if status != fiber.StatusCreated {
		t.Fatalf("deposit returned %d %v", status, out)
	}
	ref, _ := out["reference"].(string)

	payload := fmt.Sprintf(`{"id":"evt-1","event":"charge.success","data":{"reference":%q,"amount":500000}}`, ref)
	sig := map[string]string{deposit.SignatureHeader: deposit.Sign(webhookSecret, []byte(payload))}
	for i := 0; i < 3; i++ {
		if status, out := h.call(t, fiber.MethodPost, "/api/v1/wallet/paystack/webhook", payload, sig); status != fiber.StatusOK {
			t.Fatalf("webhook delivery %d returned %d %v", i+1, status, out)
		}
	}

	status, out = h.call(t, fiber.MethodGet, "/api/v1/wallet/balance", "", aliceKey)
	if status != fiber.StatusOK || out["balance"] != "5000.00" {
		t.Fatalf("balance after deposit returned %d %v", status, out)
	}

	transferBody := fmt.Sprintf(`{"wallet_number":%q,"amount":"1250.50","idempotency_key":"rent-october"}`, bob.WalletNumber)
	status, out = h.call(t, fiber.MethodPost, "/api/v1/wallet/transfer", transferBody, bobReadOnly)
	if status != fiber.StatusForbidden {
		t.Fatalf("read-only key must not transfer, got %d %v", status, out)
	}
	status, out = h.call(t, fiber.MethodPost, "/api/v1/wallet/transfer", transferBody, aliceKey)
	if status != fiber.StatusOK || out["status"] != "success" {
		t.Fatalf("transfer returned %d %v", status, out)
	}

	status, out = h.call(t, fiber.MethodGet, "/api/v1/wallet/balance", "", bobReadOnly)
	if status != fiber.StatusOK || out["balance"] != "1250.50" {
		t.Fatalf("bob balance returned %d %v", status, out)
	}
	status, out = h.call(t, fiber.MethodGet, "/api/v1/wallet/transactions", "", aliceKey)
	if status != fiber.StatusOK || out["total"] != float64(2) {
		t.Fatalf("alice history returned %d %v", status, out)
	}
	txs, _ := out["transactions"].([]any)
	latest, _ := txs[0].(map[string]any)
	if latest["type"] != "transfer_out" || latest["counterparty_account"] != bob.WalletNumber {
		t.Fatalf("history should name the recipient by wallet number, got %v", latest)
	}
}
