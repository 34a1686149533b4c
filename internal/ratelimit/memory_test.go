package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// windowStart is aligned to a minute boundary.
var windowStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestWindowBounds(t *testing.T) {
	start, end := windowBounds(windowStart.Add(42*time.Second+300*time.Millisecond), time.Minute)
	if !start.Equal(windowStart) {
		t.Fatalf("start = %s, want %s", start, windowStart)
	}
	if !end.Equal(windowStart.Add(time.Minute)) {
		t.Fatalf("end = %s", end)
	}
}

func TestNewResult(t *testing.T) {
	now := windowStart.Add(30*time.Second + 100*time.Millisecond)
	end := windowStart.Add(time.Minute)

	res := newResult(7, 5, now, end)
	if res.Allowed || res.Remaining != 0 || res.Limit != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.RetryAfter != 30 {
		t.Fatalf("RetryAfter = %d, want 30", res.RetryAfter)
	}
	if !res.ResetAt.Equal(end) {
		t.Fatalf("ResetAt = %s", res.ResetAt)
	}
}

func TestMemoryAllowsLimitPerWindow(t *testing.T) {
	clock := newFakeClock(windowStart.Add(10 * time.Second))
	m := NewMemory(MemoryOptions{Window: time.Minute, Now: clock.Now})
	ctx := context.Background()

	prevRemaining := 5
	for i := 1; i <= 7; i++ {
		res, err := m.CheckAndIncrement(ctx, "caller", 5)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if want := i <= 5; res.Allowed != want {
			t.Fatalf("call %d allowed = %v, want %v", i, res.Allowed, want)
		}
		if res.Remaining > prevRemaining {
			t.Fatalf("call %d remaining grew from %d to %d", i, prevRemaining, res.Remaining)
		}
		if res.Degraded {
			t.Fatalf("standalone memory result must not be degraded")
		}
		prevRemaining = res.Remaining
		clock.Advance(time.Second)
	}

	clock.Advance(time.Minute)
	res, _ := m.CheckAndIncrement(ctx, "caller", 5)
	if !res.Allowed || res.Remaining != 4 {
		t.Fatalf("new window should reset the counter: %+v", res)
	}
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	m := NewMemory(MemoryOptions{Now: newFakeClock(windowStart).Now})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = m.CheckAndIncrement(ctx, "a", 3)
	}
	res, _ := m.CheckAndIncrement(ctx, "b", 3)
	if !res.Allowed || res.Remaining != 2 {
		t.Fatalf("key b should be unaffected by key a: %+v", res)
	}
}

func TestMemoryConcurrentIncrements(t *testing.T) {
	m := NewMemory(MemoryOptions{Now: newFakeClock(windowStart).Now})
	ctx := context.Background()

	const callers = 50
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.CheckAndIncrement(ctx, "hot", 1000)
		}()
	}
	wg.Wait()

	res, _ := m.CheckAndIncrement(ctx, "hot", 1000)
	if got := 1000 - res.Remaining; got != callers+1 {
		t.Fatalf("counted %d attempts, want %d", got, callers+1)
	}
}

func TestMemorySweepRemovesOldWindows(t *testing.T) {
	clock := newFakeClock(windowStart)
	m := NewMemory(MemoryOptions{Window: time.Minute, Retention: 5 * time.Minute, Now: clock.Now})
	ctx := context.Background()

	_, _ = m.CheckAndIncrement(ctx, "old", 10)
	clock.Advance(4 * time.Minute)
	_, _ = m.CheckAndIncrement(ctx, "recent", 10)

	if n := m.Sweep(windowStart.Add(6 * time.Minute)); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if _, ok := m.entries.Load("old"); ok {
		t.Fatal("old key should be swept")
	}
	if _, ok := m.entries.Load("recent"); !ok {
		t.Fatal("recent key should survive")
	}
}

func TestMemoryIncrementAfterSweepIsNotLost(t *testing.T) {
	clock := newFakeClock(windowStart)
	m := NewMemory(MemoryOptions{Window: time.Minute, Retention: 5 * time.Minute, Now: clock.Now})
	ctx := context.Background()

	_, _ = m.CheckAndIncrement(ctx, "k", 10)
	v, ok := m.entries.Load("k")
	if !ok {
		t.Fatal("entry missing after first call")
	}
	stale := v.(*memoryEntry)

	clock.Advance(6 * time.Minute)
	if n := m.Sweep(clock.Now()); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}

	// A caller that loaded the entry before the sweep must not count into it.
	start, _ := windowBounds(clock.Now(), time.Minute)
	if _, ok := stale.increment(start.UnixNano()); ok {
		t.Fatal("increment on a swept entry should report eviction")
	}

	// Simulate the racing caller: the swept entry is still in the map.
	m.entries.Store("k", stale)
	res, _ := m.CheckAndIncrement(ctx, "k", 10)
	if res.Remaining != 9 {
		t.Fatalf("first call after sweep remaining = %d, want 9", res.Remaining)
	}
	res, _ = m.CheckAndIncrement(ctx, "k", 10)
	if res.Remaining != 8 {
		t.Fatalf("second call after sweep remaining = %d, want 8", res.Remaining)
	}
	if v, _ := m.entries.Load("k"); v == stale {
		t.Fatal("swept entry should have been replaced")
	}
}

func TestMemorySweepKeepsLiveEntriesUnderLoad(t *testing.T) {
	m := NewMemory(MemoryOptions{Window: time.Minute, Retention: 5 * time.Minute, Now: newFakeClock(windowStart).Now})
	ctx := context.Background()

	const callers = 50
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.CheckAndIncrement(ctx, "hot", 1000)
		}()
		go func() {
			defer wg.Done()
			m.Sweep(windowStart)
		}()
	}
	wg.Wait()

	res, _ := m.CheckAndIncrement(ctx, "hot", 1000)
	if got := 1000 - res.Remaining; got != callers+1 {
		t.Fatalf("counted %d attempts, want %d", got, callers+1)
	}
}
