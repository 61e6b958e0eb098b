package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes mounts the ingestion API.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)

	r.Get("/health", h.Health)

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.StartIngest)
		r.Get("/{id}", h.GetRun)
	})
	r.Post("/notifications", h.HandleNotification)
	r.Post("/reap", h.ExpireRuns)
	r.Get("/search", h.Search)

	return r
}
