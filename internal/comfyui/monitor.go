package comfyui

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"genqueue/internal/progress"
)

const (
	defaultReconnectBackoff = 5 * time.Second
	defaultLinkTTL          = time.Hour
	maxEventSize            = 16 << 20
)

// Broadcaster receives translated envelopes.
type Broadcaster interface {
	BroadcastToJob(ctx context.Context, jobID string, env progress.Envelope)
}

type MonitorOptions struct {
	// URL is the backend event stream, usually Client.EventsURL().
	URL              string
	ReconnectBackoff time.Duration
	// LinkTTL bounds how long an untracked-by-completion link survives.
	LinkTTL time.Duration
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Monitor holds one connection to the backend event stream and turns events
// for tracked prompts into progress envelopes.
type Monitor struct {
	url     string
	out     Broadcaster
	backoff time.Duration
	ttl     time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.Mutex
	links map[string]link // backend prompt id -> job
}

type link struct {
	jobID   string
	expires time.Time
}

type backendEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type eventData struct {
	PromptID string  `json:"prompt_id"`
	Node     *string `json:"node"`
	Value    int     `json:"value"`
	Max      int     `json:"max"`
}

func NewMonitor(out Broadcaster, opts MonitorOptions) *Monitor {
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = defaultReconnectBackoff
	}
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = defaultLinkTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		url:     opts.URL,
		out:     out,
		backoff: opts.ReconnectBackoff,
		ttl:     opts.LinkTTL,
		logger:  opts.Logger,
		now:     opts.Now,
		links:   make(map[string]link),
	}
}

// Track links a backend prompt id to a job so its events are forwarded.
func (m *Monitor) Track(backendJobID, jobID string) {
	m.mu.Lock()
	m.links[backendJobID] = link{jobID: jobID, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
}

// Tracked returns the number of live links.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// NotifyCompleted broadcasts the terminal completed envelope and drops the link.
func (m *Monitor) NotifyCompleted(ctx context.Context, jobID, outputPath string) {
	m.out.BroadcastToJob(ctx, jobID, progress.Completed(jobID, outputPath))
	m.untrackJob(jobID)
}

// NotifyFailed broadcasts the terminal failed envelope and drops the link.
func (m *Monitor) NotifyFailed(ctx context.Context, jobID, errText string) {
	m.out.BroadcastToJob(ctx, jobID, progress.Failed(jobID, errText))
	m.untrackJob(jobID)
}

func (m *Monitor) untrackJob(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, l := range m.links {
		if l.jobID == jobID {
			delete(m.links, id)
		}
	}
}

func (m *Monitor) lookup(backendJobID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[backendJobID]
	if !ok || m.now().After(l.expires) {
		return "", false
	}
	return l.jobID, true
}

// Sweep removes expired links.
func (m *Monitor) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, l := range m.links {
		if now.After(l.expires) {
			delete(m.links, id)
			removed++
		}
	}
	return removed
}

// Run keeps the event stream connected until ctx is done, waiting the
// reconnect backoff after every failure.
func (m *Monitor) Run(ctx context.Context) {
	go m.sweepLoop(ctx)
	for {
		err := m.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn().Err(err).Dur("backoff", m.backoff).Msg("monitor: event stream lost, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.backoff):
		}
	}
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	interval := min(m.ttl, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Info().Int("removed", n).Msg("monitor: expired stale links")
			}
		}
	}
}

func (m *Monitor) consume(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxEventSize)
	m.logger.Info().Str("url", m.url).Msg("monitor: connected to backend event stream")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		// Binary frames are latent previews without a prompt id.
		if typ != websocket.MessageText {
			continue
		}
		m.handle(ctx, data)
	}
}

func (m *Monitor) handle(ctx context.Context, raw []byte) {
	var ev backendEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Type == "" {
		m.logger.Debug().Err(err).Msg("monitor: unparseable event")
		return
	}
	var data eventData
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			m.logger.Debug().Err(err).Str("type", ev.Type).Msg("monitor: unparseable event data")
			return
		}
	}
	if data.PromptID == "" {
		return
	}
	jobID, ok := m.lookup(data.PromptID)
	if !ok {
		return
	}
	if env, ok := translate(ev.Type, data, jobID); ok {
		m.out.BroadcastToJob(ctx, jobID, env)
	}
}

// translate maps a backend event to an envelope. executed, execution_cached
// and unknown kinds produce nothing.
func translate(kind string, data eventData, jobID string) (progress.Envelope, bool) {
	switch kind {
	case "execution_start":
		return progress.Started(jobID), true
	case "executing":
		if data.Node == nil {
			return progress.Envelope{}, false
		}
		return progress.Node(jobID, *data.Node), true
	case "progress":
		return progress.Progress(jobID, data.Value, data.Max), true
	default:
		return progress.Envelope{}, false
	}
}
