package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/nhle/mailhub/internal/provider"
	"github.com/nhle/mailhub/internal/source"
)

// APIError is an error with the HTTP status it should be reported with.
type APIError struct {
	Code    int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

func badRequest(message string, err error) *APIError {
	return &APIError{Code: fiber.StatusBadRequest, Message: message, Err: err}
}

func notFound(message string, err error) *APIError {
	return &APIError{Code: fiber.StatusNotFound, Message: message, Err: err}
}

// fromProviderError maps manager and connector errors to HTTP statuses.
func fromProviderError(message string, err error) *APIError {
	code := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, source.ErrInvalidID):
		code = fiber.StatusNotFound
	case errors.Is(err, provider.ErrProviderInactive):
		code = fiber.StatusServiceUnavailable
	case errors.Is(err, errors.ErrUnsupported):
		code = fiber.StatusBadRequest
	default:
		switch source.Classify(err) {
		case source.ErrorKindAuth:
			code = fiber.StatusUnauthorized
		case source.ErrorKindTransient:
			code = fiber.StatusServiceUnavailable
		case source.ErrorKindProtocol:
			code = fiber.StatusBadGateway
		}
	}
	return &APIError{Code: code, Message: message, Err: err}
}

// errorHandler renders every error as {success:false, error}.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var apiErr *APIError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &fiberErr):
		code = fiberErr.Code
	}

	if code >= fiber.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.Path()).Error("Request failed")
	} else {
		s.log.WithError(err).WithField("path", c.Path()).Debug("Request rejected")
	}

	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}
