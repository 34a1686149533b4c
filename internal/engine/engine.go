// Package engine assembles the job execution side of the service: store,
// backend client, templates, output storage, event monitor and worker. The
// API process and the headless worker share it.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"genqueue/internal/adapter/repo"
	"genqueue/internal/comfyui"
	"genqueue/internal/domain"
	"genqueue/internal/infra"
	"genqueue/internal/metrics"
	"genqueue/internal/storage"
	"genqueue/internal/worker"
)

type Engine struct {
	Store     domain.JobStore
	Files     *storage.FileStore
	Client    *comfyui.Client
	Templates *comfyui.TemplateLoader
	Monitor   *comfyui.Monitor
	Worker    *worker.Worker

	cfg    *infra.Config
	logger zerolog.Logger
	close  func()
}

// Build opens the job store and wires the execution components. Progress
// envelopes from the monitor go to out.
func Build(ctx context.Context, cfg *infra.Config, logger zerolog.Logger, out comfyui.Broadcaster, m *metrics.Metrics) (*Engine, error) {
	store, closeStore, err := repo.OpenJobStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	files, err := storage.NewFileStore(cfg.OutputPath)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("configure output storage: %w", err)
	}

	client := comfyui.NewClient(comfyui.Options{
		BaseURL:        cfg.ComfyUIBaseURL,
		RequestTimeout: cfg.ComfyUIRequestTimeout,
		Logger:         &logger,
	})
	templates := comfyui.NewTemplateLoader(cfg.WorkflowsPath, logger)
	monitor := comfyui.NewMonitor(out, comfyui.MonitorOptions{
		URL:              client.EventsURL(),
		ReconnectBackoff: cfg.MonitorBackoff,
		LinkTTL:          cfg.MonitorLinkTTL,
		Logger:           logger,
	})
	w := worker.New(store, client, templates, files, worker.Options{
		PollInterval:        cfg.WorkerPollInterval,
		BackendPollInterval: cfg.ComfyUIPollInterval,
		BackendTimeout:      cfg.ComfyUITimeout,
		Tracker:             monitor,
		Observer:            m,
		Logger:              logger,
	})

	return &Engine{
		Store:     store,
		Files:     files,
		Client:    client,
		Templates: templates,
		Monitor:   monitor,
		Worker:    w,
		cfg:       cfg,
		logger:    logger,
		close:     closeStore,
	}, nil
}

// Run recovers jobs orphaned by a previous process, then runs the monitor
// and, when enabled, the worker until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	if _, err := worker.RecoverStale(ctx, e.Store, e.cfg.StuckJobGrace, e.logger); err != nil {
		e.logger.Error().Err(err).Msg("engine: stale job recovery failed")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Monitor.Run(ctx)
	}()
	if e.cfg.WorkerEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Worker.Run(ctx)
		}()
	} else {
		e.logger.Info().Msg("engine: worker disabled, serving intake only")
	}
	wg.Wait()
}

// Close releases the job store.
func (e *Engine) Close() {
	if e.close != nil {
		e.close()
	}
}
