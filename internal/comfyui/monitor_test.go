package comfyui

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"genqueue/internal/progress"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	envs []progress.Envelope
}

func (r *recordingBroadcaster) BroadcastToJob(_ context.Context, jobID string, env progress.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recordingBroadcaster) snapshot() []progress.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Envelope(nil), r.envs...)
}

func waitForEnvelopes(t *testing.T, r *recordingBroadcaster, n int) []progress.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		envs := r.snapshot()
		if len(envs) >= n {
			return envs
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d envelopes, want %d: %+v", len(envs), n, envs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTranslate(t *testing.T) {
	node := "KSampler"
	tests := []struct {
		name     string
		kind     string
		data     eventData
		wantOK   bool
		wantType progress.EventType
		wantPct  int
	}{
		{"start", "execution_start", eventData{}, true, progress.EventStarted, 0},
		{"node", "executing", eventData{Node: &node}, true, progress.EventNode, 0},
		{"null node", "executing", eventData{}, false, "", 0},
		{"progress", "progress", eventData{Value: 7, Max: 20}, true, progress.EventProgress, 35},
		{"progress zero max", "progress", eventData{Value: 3}, true, progress.EventProgress, 0},
		{"executed", "executed", eventData{}, false, "", 0},
		{"cached", "execution_cached", eventData{}, false, "", 0},
		{"unknown", "status", eventData{}, false, "", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, ok := translate(tc.kind, tc.data, "job-1")
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if env.Type != tc.wantType || env.Payload.Progress != tc.wantPct || env.JobID != "job-1" {
				t.Fatalf("unexpected envelope: %+v", env)
			}
		})
	}
}

func TestMonitorForwardsTrackedEventsAndReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		// The first connection drops immediately to force a reconnect.
		if conns.Add(1) == 1 {
			return
		}
		ctx := r.Context()
		msgs := []string{
			`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":1}}}}`,
			`{"type":"execution_start","data":{"prompt_id":"other"}}`,
			`{"type":"execution_start","data":{"prompt_id":"p-1"}}`,
			`{"type":"executing","data":{"node":"3","prompt_id":"p-1"}}`,
			`{"type":"execution_cached","data":{"nodes":["4"],"prompt_id":"p-1"}}`,
			`{"type":"progress","data":{"value":5,"max":20,"prompt_id":"p-1","node":"3"}}`,
			`{"type":"executed","data":{"node":"9","prompt_id":"p-1","output":{"images":[{"filename":"a.png","subfolder":"","type":"output"}]}}}`,
		}
		_ = c.Write(ctx, websocket.MessageBinary, []byte{0, 0, 0, 1})
		for _, m := range msgs {
			if err := c.Write(ctx, websocket.MessageText, []byte(m)); err != nil {
				return
			}
		}
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	out := &recordingBroadcaster{}
	mon := NewMonitor(out, MonitorOptions{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?clientId=test",
		ReconnectBackoff: 20 * time.Millisecond,
		Logger:           zerolog.Nop(),
	})
	mon.Track("p-1", "job-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	envs := waitForEnvelopes(t, out, 3)
	cancel()
	<-done

	if conns.Load() < 2 {
		t.Fatalf("monitor did not reconnect, connections = %d", conns.Load())
	}
	want := []progress.EventType{progress.EventStarted, progress.EventNode, progress.EventProgress}
	for i, typ := range want {
		if envs[i].Type != typ || envs[i].JobID != "job-1" {
			t.Fatalf("envelope %d = %+v, want %s", i, envs[i], typ)
		}
	}
	if envs[2].Payload.Progress != 25 || *envs[2].Payload.Step != 5 || *envs[2].Payload.TotalSteps != 20 {
		t.Fatalf("progress payload = %+v", envs[2].Payload)
	}
	if len(envs) != 3 {
		t.Fatalf("unexpected extra envelopes: %+v", envs[3:])
	}
}

func TestMonitorNotifyRemovesLink(t *testing.T) {
	out := &recordingBroadcaster{}
	mon := NewMonitor(out, MonitorOptions{Logger: zerolog.Nop()})
	mon.Track("p-1", "job-1")
	mon.Track("p-2", "job-2")

	mon.NotifyCompleted(context.Background(), "job-1", "/out/job-1.png")
	mon.NotifyFailed(context.Background(), "job-2", "boom")

	if mon.Tracked() != 0 {
		t.Fatalf("Tracked = %d, want 0", mon.Tracked())
	}
	envs := out.snapshot()
	if len(envs) != 2 || envs[0].Type != progress.EventCompleted || envs[1].Payload.Error != "boom" {
		t.Fatalf("envelopes = %+v", envs)
	}

	mon.handle(context.Background(), []byte(`{"type":"execution_start","data":{"prompt_id":"p-1"}}`))
	if len(out.snapshot()) != 2 {
		t.Fatal("events after completion must be dropped")
	}
}

func TestMonitorLinksExpire(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	out := &recordingBroadcaster{}
	mon := NewMonitor(out, MonitorOptions{LinkTTL: time.Hour, Now: clock, Logger: zerolog.Nop()})
	mon.Track("p-1", "job-1")

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	mon.handle(context.Background(), []byte(`{"type":"execution_start","data":{"prompt_id":"p-1"}}`))
	if len(out.snapshot()) != 0 {
		t.Fatal("expired link must not forward events")
	}
	if n := mon.Sweep(); n != 1 || mon.Tracked() != 0 {
		t.Fatalf("Sweep = %d, Tracked = %d", n, mon.Tracked())
	}
}
