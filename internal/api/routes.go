package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes returns the service router: operation triggers and task CRUD
// under /api/v1, plus the health and metrics endpoints.
func Routes(handler *Handler) chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", handler.CreateTask)
		r.Get("/tasks/{taskID}", handler.GetTask)

		r.Route("/operations", func(r chi.Router) {
			r.Post("/download-package", handler.RunDownloadPackage)
			r.Post("/retrieve-log", handler.RunRetrieveLog)
		})
	})

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	router.Handle("/metrics", promhttp.Handler())

	return router
}
