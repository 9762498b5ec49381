// Package stream delivers live session events over Server-Sent Events:
// new turns (local or channel echoes), channel sync status, session end.
package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/motus-dao/psychat-backend/internal/service/session"
	"github.com/motus-dao/psychat-backend/pkg/utils"
)

const heartbeatInterval = 8 * time.Second

// Handler serves the SSE stream.
type Handler struct {
	orchestrator *session.Orchestrator
	log          *zap.Logger
}

// New creates the stream handler.
func New(orchestrator *session.Orchestrator, log *zap.Logger) *Handler {
	return &Handler{orchestrator: orchestrator, log: log}
}

// RegisterRoutes mounts the stream route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{account}/{sessionID}", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	account := chi.URLParam(r, "account")
	sessionID := chi.URLParam(r, "sessionID")

	utils.SetupSSEHeaders(w)

	events, cancel := h.orchestrator.Subscribe(account, sessionID)
	defer cancel()

	h.log.Info("event stream opened",
		zap.String("account", account),
		zap.String("sessionId", sessionID))

	utils.SendSSEChunk(w, flusher, map[string]any{
		"event":   "status",
		"message": "stream established",
	})

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.log.Info("event stream closed",
				zap.String("account", account),
				zap.String("sessionId", sessionID))
			return
		case ev := <-events:
			utils.SendSSEEvent(w, flusher, ev.Kind, ev)
		case t := <-ticker.C:
			utils.SendSSEChunk(w, flusher, map[string]any{
				"event": "heartbeat",
				"time":  t.UTC().Format(time.RFC3339),
			})
		}
	}
}
