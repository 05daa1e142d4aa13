package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/custody/internal/config"
	"github.com/congo-pay/custody/internal/infra"
	"github.com/congo-pay/custody/internal/ingestion"
	"github.com/congo-pay/custody/internal/logging"
	"github.com/congo-pay/custody/internal/notification"
	"github.com/congo-pay/custody/internal/routes"
	"github.com/congo-pay/custody/internal/server"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.AppName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	} else {
		logger.Warn("DATABASE_URL not set; using in-memory ledger")
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATSURL != "" {
		nc, js, err = infra.NewJetStream(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("connect nats", "error", err)
			os.Exit(1)
		}
		defer nc.Drain() // nolint:errcheck
		if err := notification.EnsureEventStream(ctx, js); err != nil {
			logger.Error("ensure event stream", "error", err)
			os.Exit(1)
		}
		if err := ingestion.EnsureStream(ctx, js); err != nil {
			logger.Error("ensure deposit stream", "error", err)
			os.Exit(1)
		}
	}

	srv, err := server.New(routes.Deps{Cfg: cfg, DB: db, Cache: cache, NATS: nc, JetStream: js, Logger: logger})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}
	services := srv.Services()

	// Withdrawals left unresolved by a previous process are settled or
	// released before new traffic is accepted.
	if report, err := services.Reconciler.RunOnce(ctx); err != nil {
		logger.Error("startup reconciliation", "error", err)
	} else {
		logger.Info("startup reconciliation complete",
			"examined", report.Examined, "settled", report.Settled,
			"released", report.Released, "unresolved", report.Unresolved)
	}
	if err := services.Reconciler.Start(ctx); err != nil {
		logger.Error("start reconciler", "error", err)
		os.Exit(1)
	}

	var consumer *ingestion.DepositConsumer
	if js != nil {
		consumer = ingestion.NewDepositConsumer(js, services.Funding, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Error("start deposit consumer", "error", err)
			os.Exit(1)
		}
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if consumer != nil {
		consumer.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := services.Reconciler.Stop(shutdownCtx); err != nil {
		logger.Warn("reconciler stop", "error", err)
	}

	logger.Info("server exited cleanly")
}
