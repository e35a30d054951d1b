package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/dto"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/store"
)

type HealthHandler struct {
	store    store.Store
	registry *roles.Registry
}

func NewHealthHandler(st store.Store, registry *roles.Registry) *HealthHandler {
	return &HealthHandler{store: st, registry: registry}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status, storeStatus := "ok", "ok"
	if err := h.store.Ping(ctx); err != nil {
		status = "degraded"
		storeStatus = "unhealthy: " + err.Error()
	}

	return c.JSON(dto.HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Store:     storeStatus,
		RoleCount: len(h.registry.All()),
	})
}
