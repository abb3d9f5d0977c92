package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func SetupRoutes(h *Hub, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/ws", wsHandler(h, log))
	r.Get("/healthz", healthz)
	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
