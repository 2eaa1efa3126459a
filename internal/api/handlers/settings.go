package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/chronicle-app/chronicle-backend/internal/settings"
)

// GetMiscSettings handles GET /api/misc-settings
func GetMiscSettings(svc *settings.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"always_persist_enabled": svc.AlwaysPersistEnabled(c.Context()),
		})
	}
}

type miscSettingsRequest struct {
	AlwaysPersistEnabled *bool `json:"always_persist_enabled"`
}

// UpdateMiscSettings handles POST /api/misc-settings. The new value
// applies to sessions spawned afterwards; running sessions keep the flag
// they captured at spawn time.
func UpdateMiscSettings(svc *settings.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req miscSettingsRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
		if req.AlwaysPersistEnabled == nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "always_persist_enabled is required",
			})
		}

		if err := svc.SetAlwaysPersist(c.Context(), *req.AlwaysPersistEnabled); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"always_persist_enabled": *req.AlwaysPersistEnabled,
		})
	}
}
