package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/wallet_engine/internal/config"
	"github.com/congo-pay/wallet_engine/internal/deposit"
	"github.com/congo-pay/wallet_engine/internal/engine"
	"github.com/congo-pay/wallet_engine/internal/identity"
	"github.com/congo-pay/wallet_engine/internal/middleware"
	"github.com/congo-pay/wallet_engine/internal/transfer"
	"github.com/congo-pay/wallet_engine/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	Engine *engine.Engine
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.IsDev() {
		// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	depositHandler := deposit.NewHandler(d.Engine.Deposits, d.Logger)
	// Provider callbacks authenticate by signature, not by API key.
	api.Post("/wallet/paystack/webhook", depositHandler.Webhook)

	protected := api.Group("/wallet", middleware.APIKeyAuth(d.Engine.Identity, d.Logger))
	limit := rateLimiter(d)

	RegisterWalletRoutes(protected, wallet.NewHandler(d.Engine.Wallets))
	RegisterDepositRoutes(protected, depositHandler, limit, middleware.ReplayResponses(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	RegisterTransferRoutes(protected, transfer.NewHandler(d.Engine.Transfers), limit)
}

func rateLimiter(d Deps) func(scope string) fiber.Handler {
	return func(scope string) fiber.Handler {
		if d.Cfg.RateLimit <= 0 {
			return func(c *fiber.Ctx) error { return c.Next() }
		}
		return middleware.RateLimit(d.Cache, scope, d.Cfg.RateLimit)
	}
}

func require(perm identity.Permission) fiber.Handler {
	return middleware.RequirePermission(perm)
}
