package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/dto"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/services"
)

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrInvalidCredentials), errors.Is(err, services.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrInvalidOTP), errors.Is(err, services.ErrInvalidState):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrRateLimited):
		return fiber.StatusTooManyRequests
	}
	return fiber.StatusInternalServerError
}

func writeError(c *fiber.Ctx, err error) error {
	status := StatusFor(err)
	message := err.Error()
	if status >= fiber.StatusInternalServerError {
		switch {
		case errors.Is(err, services.ErrUpload):
			message = services.ErrUpload.Error()
		case errors.Is(err, services.ErrMailDelivery):
			message = services.ErrMailDelivery.Error()
		default:
			message = "Internal server error"
		}
	}
	return c.Status(status).JSON(dto.ErrorResponse{
		Error: true, Message: message,
	})
}

func badBody(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error: true, Message: "Invalid request body",
	})
}
