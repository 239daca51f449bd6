package transport

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/qc-engine/internal/domain"
	"github.com/kursadbilgin/qc-engine/internal/observability"
	"go.uber.org/zap"
)

// ErrorHandler renders every handler error as {"error": "..."} with a status
// derived from the domain error kind.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		code := StatusFromError(err)

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		}
		reqLogger := observability.WithContextLogger(logger, c.UserContext())
		if code >= fiber.StatusInternalServerError {
			reqLogger.Error("request error", fields...)
		} else {
			reqLogger.Debug("request rejected", fields...)
		}

		message := err.Error()
		if code >= fiber.StatusInternalServerError {
			var fiberErr *fiber.Error
			if !errors.As(err, &fiberErr) {
				message = "internal server error"
			}
		}

		return c.Status(code).JSON(fiber.Map{
			"error": message,
		})
	}
}

// StatusFromError maps domain errors onto HTTP status codes.
func StatusFromError(err error) int {
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrBatchClosed),
		errors.Is(err, domain.ErrLeaseNotHeld),
		errors.Is(err, domain.ErrAlreadyFinalized):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}
