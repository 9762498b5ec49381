// Package identity exposes identity registration, the precondition for
// any message write.
package identity

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/motus-dao/psychat-backend/internal/service/session"
	"github.com/motus-dao/psychat-backend/pkg/utils"
)

// Handler serves the identity endpoints.
type Handler struct {
	orchestrator *session.Orchestrator
}

// New creates the identity handler.
func New(orchestrator *session.Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// RegisterRoutes mounts the identity routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/identity", h.handleRegister)
	r.Get("/identity/{account}", h.handleGet)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
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

	rec, err := h.orchestrator.RegisterIdentity(r.Context(), payload.AccountAddress)
	if err != nil {
		utils.RespondError(w, http.StatusBadGateway, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"accountAddress": rec.Account,
		"entityKey":      rec.EntityKey,
		"createdAt":      rec.CreatedAt,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	ok, err := h.orchestrator.HasIdentity(r.Context(), account)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"accountAddress": account,
		"registered":     ok,
	})
}
