package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultSweepInterval = time.Minute
	defaultRetention     = 5 * time.Minute
)

// MemoryOptions configures the in-process limiter.
type MemoryOptions struct {
	Window        time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Memory keeps one counter per key in process memory. Increments never take
// a lock: each key holds an atomically swapped window.
type Memory struct {
	window        time.Duration
	sweepInterval time.Duration
	retention     time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	entries sync.Map // string -> *memoryEntry
}

type memoryEntry struct {
	current atomic.Pointer[memoryWindow]
}

type memoryWindow struct {
	start int64
	count atomic.Int64
}

func NewMemory(opts MemoryOptions) *Memory {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Memory{
		window:        opts.Window,
		sweepInterval: opts.SweepInterval,
		retention:     opts.Retention,
		logger:        opts.Logger,
		now:           orNow(opts.Now),
	}
}

func (m *Memory) CheckAndIncrement(_ context.Context, key string, limit int) (Result, error) {
	now := m.now()
	start, end := windowBounds(now, m.window)

	for {
		v, _ := m.entries.LoadOrStore(key, &memoryEntry{})
		count, ok := v.(*memoryEntry).increment(start.UnixNano())
		if ok {
			return newResult(count, limit, now, end), nil
		}
		// Swept between load and increment; retry on a live entry.
		m.entries.CompareAndDelete(key, v)
	}
}

// evicted marks an entry Sweep has claimed. It is never counted into.
var evicted = &memoryWindow{}

// increment reports false when the entry was evicted.
func (e *memoryEntry) increment(start int64) (int64, bool) {
	for {
		cur := e.current.Load()
		if cur == evicted {
			return 0, false
		}
		if cur != nil && cur.start == start {
			return cur.count.Add(1), true
		}
		next := &memoryWindow{start: start}
		next.count.Store(1)
		if e.current.CompareAndSwap(cur, next) {
			return 1, true
		}
	}
}

// Sweep drops keys whose window started before now minus the retention. An
// entry is evicted by swapping in the evicted marker first, so an increment
// racing with the sweep either lands before the swap (and the entry stays) or
// sees the marker and retries.
func (m *Memory) Sweep(now time.Time) int {
	cutoff := now.Add(-m.retention).UnixNano()
	removed := 0
	m.entries.Range(func(key, value any) bool {
		e := value.(*memoryEntry)
		w := e.current.Load()
		switch {
		case w == evicted:
		case w == nil || w.start < cutoff:
			if !e.current.CompareAndSwap(w, evicted) {
				return true
			}
		default:
			return true
		}
		if m.entries.CompareAndDelete(key, value) {
			removed++
		}
		return true
	})
	return removed
}

// Run sweeps expired windows until ctx is done.
func (m *Memory) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.logger.Debug().Int("removed", n).Msg("ratelimit: swept expired windows")
			}
		}
	}
}
