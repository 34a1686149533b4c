package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"genqueue/internal/engine"
	"genqueue/internal/infra"
	"genqueue/internal/metrics"
	"genqueue/internal/progress"
)

// The headless worker claims jobs from the shared store alongside other
// replicas. Progress envelopes have no subscribers here; clients follow jobs
// through the API process.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	cfg.WorkerEnabled = true
	logger := infra.NewLogger(cfg.AppEnv).With().Str("role", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	hub := progress.NewHub(progress.HubOptions{Logger: logger})
	eng, err := engine.Build(ctx, cfg, logger, hub, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build engine")
	}
	defer eng.Close()
	m.WatchQueue(eng.Store, 2*time.Second)

	r := chi.NewRouter()
	r.Get("/v1/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())
	server := infra.NewHTTPServer(cfg, r)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("worker: metrics listening")
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("worker: metrics server failed")
		}
	}()

	eng.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info().Msg("worker: stopped")
}
