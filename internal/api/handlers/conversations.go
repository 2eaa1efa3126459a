package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/chronicle-app/chronicle-backend/internal/api/middleware"
	"github.com/chronicle-app/chronicle-backend/internal/jobs"
	"github.com/chronicle-app/chronicle-backend/internal/models"
	"github.com/chronicle-app/chronicle-backend/internal/repository"
)

// ConversationHandlers serves the read-only conversation surface plus the
// reprocess re-entry points into the pipeline.
type ConversationHandlers struct {
	conversations repository.ConversationRepository
	chunks        repository.ChunkRepository
	memories      repository.MemoryRepository
	queue         *jobs.Queue
}

// NewConversationHandlers creates the conversation handler set
func NewConversationHandlers(
	conversations repository.ConversationRepository,
	chunks repository.ChunkRepository,
	memories repository.MemoryRepository,
	queue *jobs.Queue,
) *ConversationHandlers {
	return &ConversationHandlers{
		conversations: conversations,
		chunks:        chunks,
		memories:      memories,
		queue:         queue,
	}
}

// conversationView is the wire shape of a conversation
type conversationView struct {
	*models.Conversation
	EndReason   string                     `json:"end_reason,omitempty"`
	Summary     string                     `json:"summary,omitempty"`
	CompletedAt interface{}                `json:"completed_at,omitempty"`
	Transcript  []models.TranscriptSegment `json:"transcript"`
}

func view(conv *models.Conversation) (*conversationView, error) {
	segments, err := conv.Segments()
	if err != nil {
		return nil, err
	}
	v := &conversationView{Conversation: conv, Transcript: segments}
	if conv.EndReason.Valid {
		v.EndReason = conv.EndReason.String
	}
	if conv.Summary.Valid {
		v.Summary = conv.Summary.String
	}
	if conv.CompletedAt.Valid {
		v.CompletedAt = conv.CompletedAt.Time
	}
	return v, nil
}

// List handles GET /api/conversations
func (h *ConversationHandlers) List(c *fiber.Ctx) error {
	claims := middleware.GetClaims(c)

	filter := repository.ConversationFilter{
		ClientID: c.Query("client_id"),
		SortAsc:  c.Query("sort") == "asc",
		Limit:    c.QueryInt("limit", 100),
		Offset:   c.QueryInt("offset", 0),
	}
	if starred := c.Query("starred"); starred != "" {
		v := starred == "true"
		filter.Starred = &v
	}

	conversations, err := h.conversations.List(c.Context(), claims.UserID, filter)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	views := make([]*conversationView, 0, len(conversations))
	for _, conv := range conversations {
		v, err := view(conv)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		views = append(views, v)
	}

	return c.JSON(fiber.Map{"conversations": views})
}

// ownedConversation resolves :id for the authenticated user. Deleted
// conversations and conversations owned by another user both come back
// nil, so the API cannot leak their existence.
func (h *ConversationHandlers) ownedConversation(c *fiber.Ctx) (*models.Conversation, error) {
	conv, err := h.conversations.Get(c.Context(), c.Params("id"))
	if err != nil {
		return nil, err
	}
	claims := middleware.GetClaims(c)
	if conv == nil || conv.Deleted || conv.UserID != claims.UserID {
		return nil, nil
	}
	return conv, nil
}

// Get handles GET /api/conversations/:id
func (h *ConversationHandlers) Get(c *fiber.Ctx) error {
	conv, err := h.ownedConversation(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if conv == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}

	v, err := view(conv)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	chunks, err := h.chunks.ListByConversation(c.Context(), conv.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	memories, err := h.memories.ListByConversation(c.Context(), conv.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"conversation": v,
		"chunks":       chunkMeta(chunks),
		"memories":     memories,
	})
}

// chunkMeta strips payloads from the chunk listing
func chunkMeta(chunks []*models.AudioChunk) []fiber.Map {
	out := make([]fiber.Map, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, fiber.Map{
			"chunk_index":     ch.ChunkIndex,
			"original_size":   ch.OriginalSize,
			"compressed_size": ch.CompressedSize,
			"duration":        ch.Duration,
			"start_time":      ch.StartTime,
			"end_time":        ch.EndTime,
			"gap":             ch.Gap,
		})
	}
	return out
}

// SetStarred handles POST /api/conversations/:id/star and /unstar
func (h *ConversationHandlers) SetStarred(starred bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		conv, err := h.ownedConversation(c)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		if conv == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Conversation not found",
			})
		}
		if err := h.conversations.SetStarred(c.Context(), conv.ID, starred); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"starred": starred})
	}
}

type reprocessRequest struct {
	TranscriptVersion int `json:"transcript_version"`
}

// Reprocess handles POST /api/conversations/:id/reprocess-transcript and
// /reprocess-memory: both re-enqueue downstream jobs for a closed
// conversation. The transcript version guard rejects requests made
// against a stale transcript.
func (h *ConversationHandlers) Reprocess(jobTypes ...models.JobType) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := middleware.GetClaims(c)

		var req reprocessRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		conv, err := h.ownedConversation(c)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		if conv == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Conversation not found",
			})
		}
		if !conv.EndReason.Valid {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Conversation is still open",
			})
		}
		if req.TranscriptVersion != 0 && req.TranscriptVersion != conv.TranscriptVersion {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Transcript version mismatch",
			})
		}

		corr := models.JobCorrelation{
			SessionID:      conv.SessionID,
			ClientID:       conv.ClientID,
			ConversationID: conv.ID,
		}
		jobIDs := make([]string, 0, len(jobTypes))
		for _, jobType := range jobTypes {
			jobID, err := h.queue.Enqueue(c.Context(), jobType, claims.UserID, corr)
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": err.Error(),
				})
			}
			jobIDs = append(jobIDs, jobID)
		}

		return c.JSON(fiber.Map{"job_ids": jobIDs})
	}
}

// Delete handles DELETE /api/conversations/:id. Conversations are never
// hard-deleted; the flag just hides them from listings.
func (h *ConversationHandlers) Delete(c *fiber.Ctx) error {
	conv, err := h.ownedConversation(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if conv == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Conversation not found",
		})
	}

	if err := h.conversations.Update(c.Context(), conv.ID, map[string]interface{}{"deleted": true}); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(fiber.Map{"deleted": true})
}
