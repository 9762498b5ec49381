// Package chat exposes the session lifecycle and messaging endpoints.
package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/motus-dao/psychat-backend/internal/service/session"
	"github.com/motus-dao/psychat-backend/pkg/utils"
)

// Handler serves the chat endpoints.
type Handler struct {
	orchestrator *session.Orchestrator
}

// New creates the chat handler.
func New(orchestrator *session.Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// RegisterRoutes mounts the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleEnsureSession)
	r.Get("/session/{account}", h.handleGetSession)
	r.Post("/session/end", h.handleEndSession)
	r.Post("/chat", h.handleChat)
	r.Get("/history/{account}/{sessionID}", h.handleHistory)
}

func (h *Handler) handleEnsureSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountAddress string `json:"accountAddress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.AccountAddress == "" {
		utils.RespondError(w, http.StatusBadRequest, "accountAddress is required")
		return
	}

	sess, err := h.orchestrator.EnsureSession(r.Context(), payload.AccountAddress)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	sess, err := h.orchestrator.EnsureSession(r.Context(), account)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	state, err := h.orchestrator.State(r.Context(), account, sess.ID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"session":       sess,
		"state":         state,
		"channelStatus": h.orchestrator.ChannelStatus(account),
	})
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountAddress string `json:"accountAddress"`
		SessionID      string `json:"sessionId"`
		Message        string `json:"message"`
		TherapistID    string `json:"therapistId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.AccountAddress == "" || payload.SessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "accountAddress and sessionId are required")
		return
	}
	if payload.Message == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	result, err := h.orchestrator.Send(r.Context(), payload.AccountAddress, payload.SessionID, payload.Message, payload.TherapistID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrIdentityMissing):
			utils.RespondError(w, http.StatusPreconditionFailed, err.Error())
		case errors.Is(err, session.ErrAlreadyEnding):
			utils.RespondError(w, http.StatusConflict, err.Error())
		default:
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	response := ""
	if result.AssistantMessage != nil {
		response = result.AssistantMessage.Text
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"response":         response,
		"sentiment":        result.Sentiment,
		"userMessage":      result.UserMessage,
		"assistantMessage": result.AssistantMessage,
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	sessionID := chi.URLParam(r, "sessionID")

	history, err := h.orchestrator.LoadHistory(r.Context(), account, sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"messages":  history,
	})
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountAddress string `json:"accountAddress"`
		SessionID      string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.AccountAddress == "" || payload.SessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "accountAddress and sessionId are required")
		return
	}

	result, err := h.orchestrator.EndSession(r.Context(), payload.AccountAddress, payload.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrEmptySession):
			// Ending an empty session is a quiet no-op, not a failure.
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "noop"})
		case errors.Is(err, session.ErrAlreadyEnding):
			utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "ending"})
		case errors.Is(err, session.ErrIdentityMissing):
			utils.RespondError(w, http.StatusPreconditionFailed, err.Error())
		default:
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	utils.RespondJSON(w, http.StatusOK, result)
}
