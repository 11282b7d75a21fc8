// Package server exposes the provider manager over HTTP.
package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailhub/internal/logging"
	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
)

// Server is the HTTP boundary over a provider.Manager.
type Server struct {
	app     *fiber.App
	manager *provider.Manager
	cfg     model.ServerConfig
	log     *logrus.Logger
}

// New builds the fiber app and registers every route.
func New(m *provider.Manager, cfg model.ServerConfig) *Server {
	s := &Server{
		manager: m,
		cfg:     cfg,
		log:     logging.Logger(logging.LogHTTP),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "mailhub",
		DisableStartupMessage: true,
		Immutable:             true,
		ReadTimeout:           cfg.ReadTimeout(),
		ErrorHandler:          s.errorHandler,
	})

	s.app.Use(recover.New())
	s.app.Use(requestLogger(s.log))
	if cfg.RateLimitPerMinute > 0 {
		s.app.Use(rateLimiter(cfg.RateLimitPerMinute))
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	api := s.app.Group("/api")
	api.Get("/stats", s.handleStats)
	api.Get("/insights", s.handleInsights)

	emails := api.Group("/emails")
	emails.Get("/recent", s.handleRecent)
	emails.Get("/search", s.handleSearch)
	emails.Get("/unread", s.handleUnread)

	providers := api.Group("/providers")
	providers.Get("/", s.handleProviders)
	providers.Post("/refresh", s.handleRefresh)
	providers.Get("/:id", s.handleProviderDetail)
	providers.Post("/:id/disconnect", s.handleDisconnect)
	providers.Post("/:id/reconnect", s.handleReconnect)
	providers.Get("/:id/emails/:emailId", s.handleGetEmail)
	providers.Post("/:id/emails/:emailId/read", s.handleMarkRead)
	providers.Get("/:id/auth/url", s.handleAuthURL)
	providers.Get("/:id/auth/callback", s.handleAuthCallback)

	s.app.Use(func(c *fiber.Ctx) error {
		return notFound("route not found", nil)
	})
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Listen).Info("HTTP server listening")
		errCh <- s.app.Listen(s.cfg.Listen)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("Shutting down HTTP server")
		return s.app.ShutdownWithTimeout(10 * time.Second)
	}
}
