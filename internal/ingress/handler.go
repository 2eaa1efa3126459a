package ingress

import (
	"context"
	"encoding/json"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chronicle-app/chronicle-backend/internal/auth"
	"github.com/chronicle-app/chronicle-backend/internal/pipeline"
	"github.com/chronicle-app/chronicle-backend/internal/session"
)

// controlMessage is a typed JSON control event on the audio stream
type controlMessage struct {
	Type string `json:"type"`
}

const controlAudioStop = "audio-stop"

// Handler owns one WebSocket audio connection per physical device. It
// demultiplexes control events from raw audio frames and publishes frames
// into the session's ingress channel in arrival order.
type Handler struct {
	engine *pipeline.Engine
	log    *logrus.Entry
}

// NewHandler creates the audio ingress handler
func NewHandler(engine *pipeline.Engine) *Handler {
	return &Handler{
		engine: engine,
		log:    logrus.WithField("component", "ingress"),
	}
}

// Stream handles WebSocket /ws/audio
func (h *Handler) Stream(c *websocket.Conn) {
	defer c.Close()

	claims, ok := c.Locals("claims").(*auth.Claims)
	if !ok {
		h.log.Warn("websocket connection without claims, dropping")
		return
	}

	sessionID := uuid.New().String()
	identity := pipeline.Identity{
		UserID:       claims.UserID,
		UserEmail:    claims.Email,
		ClientID:     claims.ClientID,
		ConnectionID: c.RemoteAddr().String(),
	}

	log := h.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"client_id":  claims.ClientID,
	})
	log.Info("audio stream connected")

	ctx := context.Background()
	opened := false
	stopped := false

	for {
		msgType, payload, err := c.ReadMessage()
		if err != nil {
			break
		}

		switch msgType {
		case websocket.BinaryMessage:
			// First audio chunk creates the session idempotently and
			// spawns the persistence and speech detection jobs once.
			if !opened {
				if err := h.engine.OpenSession(ctx, sessionID, identity, session.ModeStreaming); err != nil {
					log.WithError(err).Error("failed to open session, closing stream")
					return
				}
				opened = true
			}
			if err := h.engine.Ingest(ctx, sessionID, payload); err != nil {
				log.WithError(err).Warn("dropping audio frame")
			}

		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				log.WithError(err).Debug("ignoring unparseable control message")
				continue
			}
			if msg.Type == controlAudioStop && opened && !stopped {
				// Explicit client stop, distinct from a transport drop.
				stopped = true
				h.engine.Stop(ctx, sessionID)
			}
		}
	}

	if opened && !stopped {
		// Transport dropped without audio-stop: an abrupt disconnect, and
		// the conversation's end reason reflects that.
		log.Info("transport disconnected without audio-stop")
		h.engine.Disconnect(ctx, sessionID)
	} else if opened {
		h.engine.Disconnect(ctx, sessionID)
	}

	log.Info("audio stream closed")
}
