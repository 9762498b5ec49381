package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	chathandler "github.com/motus-dao/psychat-backend/internal/handler/chat"
	identityhandler "github.com/motus-dao/psychat-backend/internal/handler/identity"
	streamhandler "github.com/motus-dao/psychat-backend/internal/handler/stream"
	verifyhandler "github.com/motus-dao/psychat-backend/internal/handler/verify"
	middlewarePkg "github.com/motus-dao/psychat-backend/internal/middleware"
	"github.com/motus-dao/psychat-backend/internal/model/therapist"
	"github.com/motus-dao/psychat-backend/internal/service/session"
	verifyservice "github.com/motus-dao/psychat-backend/internal/service/verify"
	"github.com/motus-dao/psychat-backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(orchestrator *session.Orchestrator, verifier *verifyservice.Service,
	profiles therapist.Store, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chathandler.New(orchestrator)
	identityHandler := identityhandler.New(orchestrator)
	verifyHandler := verifyhandler.New(verifier)
	streamHandler := streamhandler.New(orchestrator, log)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		identityHandler.RegisterRoutes(api)
		verifyHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)

		api.Get("/therapists", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, profiles.List())
		})

		api.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	return r
}
