package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultDegradedLimit = 30
	defaultCoolDown      = 30 * time.Second
)

// ResilientOptions configures degradation.
type ResilientOptions struct {
	DegradedLimit int
	CoolDown      time.Duration
	Logger        zerolog.Logger
	Now           func() time.Time
	// OnDegrade runs each time the primary fails and a cool-down starts.
	OnDegrade func(err error)
}

// Resilient serves from primary and switches to fallback for CoolDown after
// any primary error. Degraded results use min(limit, DegradedLimit).
// CheckAndIncrement never returns an error.
type Resilient struct {
	primary       Limiter
	fallback      Limiter
	degradedLimit int
	coolDown      time.Duration
	logger        zerolog.Logger
	now           func() time.Time
	onDegrade     func(error)

	unavailableUntil atomic.Int64 // unix nanos; zero when healthy
}

func NewResilient(primary, fallback Limiter, opts ResilientOptions) *Resilient {
	if opts.DegradedLimit <= 0 {
		opts.DegradedLimit = defaultDegradedLimit
	}
	if opts.CoolDown <= 0 {
		opts.CoolDown = defaultCoolDown
	}
	return &Resilient{
		primary:       primary,
		fallback:      fallback,
		degradedLimit: opts.DegradedLimit,
		coolDown:      opts.CoolDown,
		logger:        opts.Logger,
		now:           orNow(opts.Now),
		onDegrade:     opts.OnDegrade,
	}
}

func (r *Resilient) CheckAndIncrement(ctx context.Context, key string, limit int) (Result, error) {
	now := r.now()
	if now.UnixNano() < r.unavailableUntil.Load() {
		return r.fromFallback(ctx, key, limit), nil
	}

	res, err := r.primary.CheckAndIncrement(ctx, key, limit)
	if err == nil {
		if r.unavailableUntil.Load() != 0 && r.unavailableUntil.Swap(0) != 0 {
			r.logger.Info().Msg("ratelimit: primary store recovered")
		}
		return res, nil
	}
	// A caller that gave up says nothing about the primary's health.
	if ctx.Err() == nil {
		r.unavailableUntil.Store(now.Add(r.coolDown).UnixNano())
		r.logger.Warn().Err(err).Dur("cool_down", r.coolDown).Msg("ratelimit: primary store failed, degrading")
		if r.onDegrade != nil {
			r.onDegrade(err)
		}
	}
	return r.fromFallback(ctx, key, limit), nil
}

// Degraded reports whether requests are currently served by the fallback.
func (r *Resilient) Degraded() bool {
	return r.now().UnixNano() < r.unavailableUntil.Load()
}

func (r *Resilient) fromFallback(ctx context.Context, key string, limit int) Result {
	effective := min(limit, r.degradedLimit)
	res, err := r.fallback.CheckAndIncrement(ctx, key, effective)
	if err != nil {
		r.logger.Error().Err(err).Str("key", key).Msg("ratelimit: fallback failed, allowing request")
		return Result{Allowed: true, Limit: effective, Remaining: effective, Degraded: true}
	}
	res.Degraded = true
	return res
}
