package progress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
	delay  time.Duration
}

func (c *fakeConn) Send(ctx context.Context, msg []byte) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) received() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.msgs))
	for _, m := range c.msgs {
		var env Envelope
		_ = json.Unmarshal(m, &env)
		out = append(out, env)
	}
	return out
}

func TestBroadcastRespectsJobFilter(t *testing.T) {
	hub := NewHub(HubOptions{})
	all1, all2, onlyA := &fakeConn{}, &fakeConn{}, &fakeConn{}
	hub.Register(all1, "")
	hub.Register(all2, "")
	hub.Register(onlyA, "job-a")

	hub.Broadcast(context.Background(), Started("job-b"))

	if len(all1.received()) != 1 || len(all2.received()) != 1 {
		t.Fatalf("unfiltered subscribers should receive the envelope")
	}
	if len(onlyA.received()) != 0 {
		t.Fatalf("job-a subscriber must not receive job-b envelopes")
	}

	hub.BroadcastToJob(context.Background(), "job-a", Node("job-a", "KSampler"))
	got := onlyA.received()
	if len(got) != 1 || got[0].Type != EventNode || got[0].Payload.CurrentNode != "KSampler" {
		t.Fatalf("job-a subscriber got %+v", got)
	}
}

func TestBroadcastDropsFailingSubscriber(t *testing.T) {
	var counts []int
	hub := NewHub(HubOptions{OnCountChange: func(n int) { counts = append(counts, n) }})
	good, bad := &fakeConn{}, &fakeConn{fail: true}
	hub.Register(good, "")
	hub.Register(bad, "")

	hub.Broadcast(context.Background(), Progress("job-1", 5, 20))

	if hub.Count() != 1 {
		t.Fatalf("Count = %d, want 1", hub.Count())
	}
	got := good.received()
	if len(got) != 1 || got[0].Payload.Progress != 25 {
		t.Fatalf("healthy subscriber got %+v", got)
	}

	hub.Broadcast(context.Background(), Progress("job-1", 10, 20))
	if len(good.received()) != 2 {
		t.Fatal("healthy subscriber should keep receiving")
	}
	if last := counts[len(counts)-1]; last != 1 {
		t.Fatalf("last reported count = %d", last)
	}
}

func TestBroadcastSkipsClosedSubscriber(t *testing.T) {
	hub := NewHub(HubOptions{})
	closed := &fakeConn{closed: true}
	hub.Register(closed, "")

	hub.Broadcast(context.Background(), Cancelled("job-1"))

	if hub.Count() != 0 {
		t.Fatalf("closed subscriber should be removed, count = %d", hub.Count())
	}
	if len(closed.received()) != 0 {
		t.Fatal("closed subscriber must not be written to")
	}
}

func TestSlowSubscriberDoesNotDelayOthers(t *testing.T) {
	hub := NewHub(HubOptions{SendTimeout: 50 * time.Millisecond})
	slow := &fakeConn{delay: time.Second}
	fast := &fakeConn{}
	hub.Register(slow, "")
	hub.Register(fast, "")

	start := time.Now()
	hub.Broadcast(context.Background(), Started("job-1"))
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("broadcast took %s, send timeout not applied", elapsed)
	}
	if len(fast.received()) != 1 {
		t.Fatal("fast subscriber should receive the envelope")
	}
	if hub.Count() != 1 {
		t.Fatalf("timed-out subscriber should be dropped, count = %d", hub.Count())
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	hub := NewHub(HubOptions{})
	conn := &fakeConn{}
	hub.Register(conn, "")
	hub.Register(conn, "job-x")
	if hub.Count() != 1 {
		t.Fatalf("Count = %d, want 1", hub.Count())
	}

	hub.Unregister(conn)
	hub.Unregister(conn)
	if hub.Count() != 0 {
		t.Fatalf("Count = %d, want 0", hub.Count())
	}
}

func TestConcurrentRegisterAndBroadcast(t *testing.T) {
	hub := NewHub(HubOptions{})
	var wg sync.WaitGroup
	conns := make([]*fakeConn, 20)
	for i := range conns {
		conns[i] = &fakeConn{}
		wg.Add(2)
		go func(c *fakeConn) {
			defer wg.Done()
			hub.Register(c, "")
		}(conns[i])
		go func() {
			defer wg.Done()
			hub.Broadcast(context.Background(), Started("job-1"))
		}()
	}
	wg.Wait()
	if hub.Count() != len(conns) {
		t.Fatalf("Count = %d, want %d", hub.Count(), len(conns))
	}
}

func TestProgressPercentage(t *testing.T) {
	tests := []struct {
		step, total, want int
	}{
		{0, 20, 0},
		{7, 20, 35},
		{1, 3, 33},
		{20, 20, 100},
		{5, 0, 0},
	}
	for _, tc := range tests {
		env := Progress("job", tc.step, tc.total)
		if env.Payload.Progress != tc.want {
			t.Fatalf("Progress(%d, %d) = %d, want %d", tc.step, tc.total, env.Payload.Progress, tc.want)
		}
	}
}

func TestCompletedLinksImage(t *testing.T) {
	env := Completed("abc", "/data/abc.png")
	if env.Payload.Progress != 100 || env.Payload.PreviewURL != "/api/generations/abc/image" {
		t.Fatalf("unexpected payload: %+v", env.Payload)
	}
	if Completed("abc", "").Payload.PreviewURL != "" {
		t.Fatal("no output means no preview url")
	}
}
