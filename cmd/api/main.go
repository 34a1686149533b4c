package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"genqueue/internal/engine"
	"genqueue/internal/http/handlers"
	httpapi "genqueue/internal/http/httpapi"
	"genqueue/internal/infra"
	"genqueue/internal/jobs"
	"genqueue/internal/metrics"
	"genqueue/internal/middleware"
	"genqueue/internal/progress"
	"genqueue/internal/ratelimit"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	hub := progress.NewHub(progress.HubOptions{Logger: logger, OnCountChange: m.SubscribersChanged})

	eng, err := engine.Build(ctx, cfg, logger, hub, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine")
	}
	defer eng.Close()
	m.WatchQueue(eng.Store, 2*time.Second)

	memory := ratelimit.NewMemory(ratelimit.MemoryOptions{Window: cfg.RateLimitWindow, Logger: logger})
	var limiter ratelimit.Limiter = memory
	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable at startup, rate limiter starts degraded")
	}
	if redisClient != nil {
		defer redisClient.Close()
		limiter = ratelimit.NewResilient(
			ratelimit.NewRedis(redisClient, ratelimit.RedisOptions{
				Window:    cfg.RateLimitWindow,
				KeyPrefix: cfg.RateLimitKeyPrefix,
				Timeout:   cfg.RateLimitRedisTimeout,
			}),
			memory,
			ratelimit.ResilientOptions{
				DegradedLimit: cfg.RateLimitDegradedLimit,
				CoolDown:      cfg.RateLimitCoolDown,
				Logger:        logger,
				OnDegrade:     m.RateLimitDegraded,
			},
		)
	}
	if !cfg.RateLimitEnabled {
		limiter = nil
	}

	app := &handlers.App{
		Jobs: jobs.NewService(eng.Store, eng.Files, jobs.Options{
			Broadcaster: hub,
			Observer:    m,
			Logger:      logger,
		}),
		Backend: eng.Client,
		Models:  eng.Templates,
		Logger:  logger,
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		Limiter: limiter,
		RateLimit: middleware.RateLimitOptions{
			Limit:          cfg.RateLimitPerMin,
			TrustedProxies: cfg.TrustedProxies,
			Logger:         logger,
			OnReject:       m.RateLimitRejected,
		},
		Progress:    progress.Handler(hub, progress.HandlerOptions{OriginPatterns: cfg.CORSOrigins, Logger: logger}),
		Metrics:     m.Handler(),
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})
	server := infra.NewHTTPServer(cfg, router)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		memory.Run(ctx)
	}()

	go func() {
		logger.Info().Str("port", cfg.Port).Bool("worker", cfg.WorkerEnabled).Msg("API listening")
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	wg.Wait()
	logger.Info().Msg("server stopped")
}
