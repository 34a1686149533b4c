// Package ratelimit meters callers per fixed wall-clock window. Redis is the
// primary counter store; Memory is the process-local fallback that Resilient
// switches to while Redis is unreachable.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// DefaultWindow is the window length used when none is configured.
const DefaultWindow = time.Minute

// Result describes one metered attempt.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds until ResetAt, rounded up
	Degraded   bool
}

// Limiter counts an attempt for key and reports whether it fits in limit.
// The attempt is counted even when it is rejected.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, key string, limit int) (Result, error)
}

// windowBounds aligns now to the start of its window.
func windowBounds(now time.Time, window time.Duration) (start, end time.Time) {
	n := now.UnixNano()
	s := n - n%int64(window)
	start = time.Unix(0, s).UTC()
	return start, start.Add(window)
}

func newResult(count int64, limit int, now, end time.Time) Result {
	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	retry := int(math.Ceil(end.Sub(now).Seconds()))
	if retry < 0 {
		retry = 0
	}
	return Result{
		Allowed:    count <= int64(limit),
		Limit:      limit,
		Remaining:  int(remaining),
		ResetAt:    end,
		RetryAfter: retry,
	}
}

func orNow(now func() time.Time) func() time.Time {
	if now != nil {
		return now
	}
	return time.Now
}
