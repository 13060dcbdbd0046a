package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-relay/backend/internal/handler/presence"
	"github.com/zhouzirui/z-relay/backend/internal/handler/ws"
	"github.com/zhouzirui/z-relay/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the relay transport and its read-only views.
func NewRouter(wsHandler *ws.Handler, online presence.Source) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.NotFound(utils.NotFound)
	r.Get("/healthz", handleHealth)

	// WebSocket endpoints /ws/chat and /ws, token in the query string
	wsHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		presence.New(online).RegisterRoutes(api)
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
