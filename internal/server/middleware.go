package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// requestLogger logs one line per request.
func requestLogger(log *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		var (
			apiErr   *APIError
			fiberErr *fiber.Error
		)
		switch {
		case errors.As(err, &apiErr):
			status = apiErr.Code
		case errors.As(err, &fiberErr):
			status = fiberErr.Code
		}
		log.WithFields(logrus.Fields{
			"method":   c.Method(),
			"path":     c.Path(),
			"status":   status,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Info("Request")
		return err
	}
}

// rateLimiter limits each client IP to perMinute requests.
func rateLimiter(perMinute int) fiber.Handler {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		clients = make(map[string]*client)
		mu      sync.Mutex
	)

	return func(c *fiber.Ctx) error {
		ip := c.IP()
		now := time.Now()

		mu.Lock()
		cl, ok := clients[ip]
		if !ok {
			cl = &client{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)}
			clients[ip] = cl
		}
		cl.lastSeen = now
		for k, v := range clients {
			if now.Sub(v.lastSeen) > 10*time.Minute {
				delete(clients, k)
			}
		}
		mu.Unlock()

		if !cl.limiter.Allow() {
			return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}
}
