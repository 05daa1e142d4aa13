package routes

import (
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/custody/internal/account"
	"github.com/congo-pay/custody/internal/config"
	"github.com/congo-pay/custody/internal/funding"
	"github.com/congo-pay/custody/internal/middleware"
	"github.com/congo-pay/custody/internal/settlement"
	"github.com/congo-pay/custody/internal/stats"
)

// Deps aggregates shared dependencies required to wire routes. DB, Cache,
// NATS and JetStream are optional in development.
type Deps struct {
	Cfg       config.Config
	DB        *pgxpool.Pool
	Cache     *redis.Client
	NATS      *nats.Conn
	JetStream jetstream.JetStream
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	// Gateway overrides the settlement backend selected by Cfg.
	Gateway settlement.Gateway
}

// Setup configures middlewares and all application routes and returns the
// services backing them.
func Setup(app *fiber.App, d Deps) (Services, error) {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return Services{}, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return Services{}, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
		d.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	svc, err := BuildServices(d)
	if err != nil {
		return Services{}, err
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.IsDev() {
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	} else {
		app.Use(middleware.Audit(d.Logger))
	}
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))

	RegisterLedgerRoutes(app,
		account.NewHandler(svc.Accounts),
		funding.NewHandler(svc.Funding),
		stats.NewHandler(svc.Stats),
	)
	return svc, nil
}

// RegisterLedgerRoutes wires account, funding and read-model endpoints.
func RegisterLedgerRoutes(r fiber.Router, accounts *account.Handler, funds *funding.Handler, reads *stats.Handler) {
	r.Post("/user-details", accounts.UserDetails)
	r.Get("/accounts/:accountId", accounts.Get)

	r.Post("/deposit", funds.Deposit)
	r.Post("/withdraw", funds.Withdraw)
	r.Get("/withdrawals/:withdrawalId", funds.Withdrawal)

	r.Get("/user-stats/:accountId", reads.UserStats)
	r.Get("/leaderboard/:network/:timeframe", reads.Leaderboard)
}
