package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/chronicle-app/chronicle-backend/internal/auth"
)

// AuthRequired validates the bearer token and stores its claims in locals
func AuthRequired(authService *auth.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		claims, err := authService.Validate(token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token",
			})
		}

		c.Locals("claims", claims)
		return c.Next()
	}
}

// GetClaims returns the validated claims for the request, or nil
func GetClaims(c *fiber.Ctx) *auth.Claims {
	claims, _ := c.Locals("claims").(*auth.Claims)
	return claims
}

func bearerToken(c *fiber.Ctx) string {
	header := c.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return header[7:]
	}
	return c.Query("token")
}
