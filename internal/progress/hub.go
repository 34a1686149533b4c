package progress

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultSendTimeout = 5 * time.Second

// Conn is a subscriber transport. Implementations are compared by identity,
// so pointer types are expected.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	IsOpen() bool
}

type HubOptions struct {
	SendTimeout time.Duration
	Logger      zerolog.Logger
	// OnCountChange receives the subscriber count after every change.
	OnCountChange func(n int)
}

// Hub owns the set of live subscribers. All methods are safe for concurrent use.
type Hub struct {
	subs        sync.Map // Conn -> *subscriber
	count       atomic.Int64
	sendTimeout time.Duration
	logger      zerolog.Logger
	onCount     func(int)
}

type subscriber struct {
	conn  Conn
	jobID string

	// mu keeps envelopes to one subscriber in broadcast order.
	mu sync.Mutex
}

func NewHub(opts HubOptions) *Hub {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	return &Hub{
		sendTimeout: opts.SendTimeout,
		logger:      opts.Logger,
		onCount:     opts.OnCountChange,
	}
}

// Register adds conn. An empty jobID subscribes to every job. Registering the
// same conn twice keeps the first registration.
func (h *Hub) Register(conn Conn, jobID string) {
	if _, loaded := h.subs.LoadOrStore(conn, &subscriber{conn: conn, jobID: jobID}); loaded {
		return
	}
	n := h.count.Add(1)
	h.logger.Debug().Str("job_id", jobID).Int64("subscribers", n).Msg("hub: subscriber registered")
	h.countChanged(n)
}

// Unregister removes conn. Unknown conns are ignored.
func (h *Hub) Unregister(conn Conn) {
	if _, loaded := h.subs.LoadAndDelete(conn); !loaded {
		return
	}
	n := h.count.Add(-1)
	h.logger.Debug().Int64("subscribers", n).Msg("hub: subscriber unregistered")
	h.countChanged(n)
}

func (h *Hub) Count() int {
	return int(h.count.Load())
}

// Broadcast delivers env to every subscriber whose filter admits env.JobID.
func (h *Hub) Broadcast(ctx context.Context, env Envelope) {
	h.fanOut(ctx, env.JobID, env)
}

// BroadcastToJob delivers env to unfiltered subscribers and to those
// filtered on jobID.
func (h *Hub) BroadcastToJob(ctx context.Context, jobID string, env Envelope) {
	h.fanOut(ctx, jobID, env)
}

func (h *Hub) fanOut(ctx context.Context, jobID string, env Envelope) {
	msg, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("hub: encode envelope")
		return
	}

	var wg sync.WaitGroup
	h.subs.Range(func(_, value any) bool {
		sub := value.(*subscriber)
		if sub.jobID != "" && sub.jobID != jobID {
			return true
		}
		if !sub.conn.IsOpen() {
			h.Unregister(sub.conn)
			return true
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.send(ctx, sub, msg)
		}()
		return true
	})
	wg.Wait()
}

func (h *Hub) send(ctx context.Context, sub *subscriber, msg []byte) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	if err := sub.conn.Send(ctx, msg); err != nil {
		h.logger.Debug().Err(err).Str("job_id", sub.jobID).Msg("hub: send failed, dropping subscriber")
		h.Unregister(sub.conn)
	}
}

func (h *Hub) countChanged(n int64) {
	if h.onCount != nil {
		h.onCount(int(n))
	}
}
