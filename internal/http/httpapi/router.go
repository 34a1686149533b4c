package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"genqueue/internal/http/handlers"
	"genqueue/internal/middleware"
	"genqueue/internal/ratelimit"
)

// Options wires the collaborators that live outside the handlers package.
type Options struct {
	// Limiter meters /api/generations. Nil disables rate limiting.
	Limiter   ratelimit.Limiter
	RateLimit middleware.RateLimitOptions
	// Progress serves the websocket subscriber endpoint.
	Progress    http.Handler
	Metrics     http.Handler
	CORSOrigins []string
	Logger      zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	// Health
	r.Get("/v1/healthz", app.Health)
	r.Get("/health", app.Readiness)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/models", app.ListModels)
		if opts.Progress != nil {
			r.Handle("/ws/progress", opts.Progress)
		}

		r.Route("/generations", func(r chi.Router) {
			if opts.Limiter != nil {
				r.Use(middleware.RateLimit(opts.Limiter, opts.RateLimit))
			}
			r.Post("/", app.CreateGeneration)
			r.Get("/", app.ListGenerations)
			r.Get("/{id}", app.GetGeneration)
			r.Delete("/{id}", app.CancelGeneration)
			r.Get("/{id}/image", app.GenerationImage)
		})
	})

	return r
}
