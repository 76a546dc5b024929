package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Worker endpoints.
		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Worker,
				))
			}

			r.Post("/request_task", s.handleRequestTask)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/submit_results", s.handleSubmitResults)
			r.Post("/release_task", s.handleReleaseTask)
			r.Post("/request_spsa", s.handleRequestSPSA)
			r.Post("/upload_pgn", s.handleUploadPGN)
		})

		// Read-only views.
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/tasks/{task}/pgn", s.handleGetPGN)

		// Admin endpoints.
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)

			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Admin,
				))
			}

			r.Post("/runs", s.handleCreateRun)
			r.Post("/runs/{id}/approve", s.handleApproveRun)
			r.Post("/runs/{id}/stop", s.handleStopRun)
			r.Post("/runs/{id}/reopen", s.handleReopenRun)
			r.Post("/runs/{id}/tasks/{task}/purge", s.handlePurgeTask)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
