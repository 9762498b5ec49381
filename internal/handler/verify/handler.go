// Package verify exposes the cached verification state of ended sessions.
package verify

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	verifyservice "github.com/motus-dao/psychat-backend/internal/service/verify"
	"github.com/motus-dao/psychat-backend/pkg/utils"
)

// Handler serves the verification endpoints.
type Handler struct {
	verifier *verifyservice.Service
}

// New creates the verification handler.
func New(verifier *verifyservice.Service) *Handler {
	return &Handler{verifier: verifier}
}

// RegisterRoutes mounts the verification routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/verification/{account}/{sessionID}", h.handleGet)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	sessionID := chi.URLParam(r, "sessionID")

	rec, ok, err := h.verifier.Verified(r.Context(), account, sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "no verification for session")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"commitment": rec.Commitment,
		"verified":   rec.Verified,
	})
}
