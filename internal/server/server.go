package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/custody/internal/config"
	"github.com/congo-pay/custody/internal/routes"
)

// Server wraps the Fiber application and the services behind it.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	services routes.Services
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(d routes.Deps) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName: d.Cfg.AppName,
		// withdrawals may wait on settlement confirmation
		ReadTimeout:  30 * time.Second,
		WriteTimeout: d.Cfg.SettlementTimeout + 30*time.Second,
	})

	services, err := routes.Setup(app, d)
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: d.Cfg, services: services}, nil
}

// Services exposes the domain services for background workers.
func (s *Server) Services() routes.Services {
	return s.services
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
