package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/chronicle-app/chronicle-backend/internal/api/middleware"
	"github.com/chronicle-app/chronicle-backend/internal/pipeline"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
	"github.com/chronicle-app/chronicle-backend/internal/session"
)

// uploadFrameBytes is the frame size finite uploads are sliced into
// before entering the same pipeline as live streams.
const uploadFrameBytes = 32 * 1024

// uploadDrainTimeout bounds how long the handler waits for the pipeline
// to finish before answering with the session id only.
const uploadDrainTimeout = 60 * time.Second

// UploadHandlers feeds batch audio uploads through the streaming pipeline
type UploadHandlers struct {
	engine        *pipeline.Engine
	conversations repository.ConversationRepository
}

// NewUploadHandlers creates the upload handler set
func NewUploadHandlers(engine *pipeline.Engine, conversations repository.ConversationRepository) *UploadHandlers {
	return &UploadHandlers{engine: engine, conversations: conversations}
}

// Upload handles POST /api/conversations/upload. A finite file runs the
// full pipeline in batch mode and closes with end_reason file_upload.
func (h *UploadHandlers) Upload(c *fiber.Ctx) error {
	claims := middleware.GetClaims(c)

	file, err := c.FormFile("audio")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "audio file is required",
		})
	}

	src, err := file.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "failed to open upload",
		})
	}
	defer src.Close()

	sessionID := uuid.New().String()
	identity := pipeline.Identity{
		UserID:       claims.UserID,
		UserEmail:    claims.Email,
		ClientID:     claims.ClientID,
		ConnectionID: "upload:" + file.Filename,
	}

	ctx := c.Context()
	if err := h.engine.OpenSession(ctx, sessionID, identity, session.ModeBatch); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	buf := make([]byte, uploadFrameBytes)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if err := h.engine.Ingest(ctx, sessionID, frame); err != nil {
				break
			}
		}
		if readErr != nil {
			break
		}
	}

	h.engine.Stop(ctx, sessionID)

	if !h.engine.WaitDrained(sessionID, uploadDrainTimeout) {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"session_id": sessionID,
			"status":     "processing",
		})
	}

	conv, err := h.conversations.GetLatestBySession(ctx, sessionID)
	if err != nil || conv == nil {
		return c.JSON(fiber.Map{
			"session_id": sessionID,
			"status":     "complete",
		})
	}

	v, err := view(conv)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"session_id":   sessionID,
		"status":       "complete",
		"conversation": v,
	})
}
