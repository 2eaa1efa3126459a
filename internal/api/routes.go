package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/chronicle-app/chronicle-backend/internal/api/handlers"
	"github.com/chronicle-app/chronicle-backend/internal/api/middleware"
	"github.com/chronicle-app/chronicle-backend/internal/auth"
	"github.com/chronicle-app/chronicle-backend/internal/ingress"
	"github.com/chronicle-app/chronicle-backend/internal/jobs"
	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/pipeline"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
	"github.com/chronicle-app/chronicle-backend/internal/settings"
)

// Deps carries the wired services the routes need
type Deps struct {
	Auth          *auth.Service
	Engine        *pipeline.Engine
	Settings      *settings.Service
	Queue         *jobs.Queue
	Conversations repository.ConversationRepository
	Chunks        repository.ChunkRepository
	Memories      repository.MemoryRepository
}

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, deps Deps) {
	api := app.Group("/api")

	// ========================================
	// Public routes (no authentication needed)
	// ========================================

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "chronicle-backend",
		})
	})

	// ========================================
	// Protected routes (device token required)
	// ========================================

	protected := api.Group("", middleware.AuthRequired(deps.Auth))

	conversationHandlers := handlers.NewConversationHandlers(deps.Conversations, deps.Chunks, deps.Memories, deps.Queue)
	protected.Get("/conversations", conversationHandlers.List)
	protected.Get("/conversations/:id", conversationHandlers.Get)
	protected.Delete("/conversations/:id", conversationHandlers.Delete)
	protected.Post("/conversations/:id/star", conversationHandlers.SetStarred(true))
	protected.Post("/conversations/:id/unstar", conversationHandlers.SetStarred(false))
	protected.Post("/conversations/:id/reprocess-transcript", conversationHandlers.Reprocess(
		models.JobSpeakerRecognition,
		models.JobMemoryExtraction,
		models.JobTitleGeneration,
	))
	protected.Post("/conversations/:id/reprocess-memory", conversationHandlers.Reprocess(
		models.JobMemoryExtraction,
	))

	uploadHandlers := handlers.NewUploadHandlers(deps.Engine, deps.Conversations)
	protected.Post("/conversations/upload", uploadHandlers.Upload)

	protected.Get("/misc-settings", handlers.GetMiscSettings(deps.Settings))
	protected.Post("/misc-settings", handlers.UpdateMiscSettings(deps.Settings))

	// ========================================
	// WebSocket routes (with auth)
	// ========================================

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			token := c.Query("token")
			if token == "" {
				token = c.Get("Authorization")
				if len(token) > 7 && token[:7] == "Bearer " {
					token = token[7:]
				}
			}

			if token != "" {
				claims, err := deps.Auth.Validate(token)
				if err == nil {
					c.Locals("claims", claims)
					c.Locals("allowed", true)
					return c.Next()
				}
			}

			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required for WebSocket",
			})
		}
		return fiber.ErrUpgradeRequired
	})

	ingressHandler := ingress.NewHandler(deps.Engine)
	app.Get("/ws/audio", websocket.New(ingressHandler.Stream))
}
