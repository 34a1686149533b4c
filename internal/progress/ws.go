package progress

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// HandlerOptions configures the subscriber endpoint.
type HandlerOptions struct {
	// OriginPatterns lists extra hosts allowed to open cross-origin sockets.
	OriginPatterns []string
	Logger         zerolog.Logger
}

type wsConn struct {
	c      *websocket.Conn
	closed atomic.Bool
}

func (w *wsConn) Send(ctx context.Context, msg []byte) error {
	if err := w.c.Write(ctx, websocket.MessageText, msg); err != nil {
		w.closed.Store(true)
		return err
	}
	return nil
}

func (w *wsConn) IsOpen() bool {
	return !w.closed.Load()
}

// Handler upgrades subscriber requests to WebSocket connections registered on
// hub. The optional job_id (or generationId) query parameter filters
// envelopes to one job. A text "ping" is answered with "pong".
func Handler(hub *Hub, opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			http.Error(w, "WebSocket connection required", http.StatusBadRequest)
			return
		}

		filter := strings.TrimSpace(r.URL.Query().Get("job_id"))
		if filter == "" {
			filter = strings.TrimSpace(r.URL.Query().Get("generationId"))
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
		if err != nil {
			opts.Logger.Warn().Err(err).Msg("hub: websocket accept failed")
			return
		}
		defer c.CloseNow()

		conn := &wsConn{c: c}
		hub.Register(conn, filter)
		opts.Logger.Info().Str("job_id", filter).Int("subscribers", hub.Count()).Msg("hub: progress socket connected")

		readLoop(r.Context(), conn)
		hub.Unregister(conn)
		opts.Logger.Info().Int("subscribers", hub.Count()).Msg("hub: progress socket disconnected")
	})
}

func readLoop(ctx context.Context, conn *wsConn) {
	defer conn.closed.Store(true)
	for {
		typ, data, err := conn.c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				_ = conn.c.Close(websocket.StatusNormalClosure, "")
			}
			return
		}
		if typ == websocket.MessageText && string(data) == "ping" {
			if err := conn.c.Write(ctx, websocket.MessageText, []byte("pong")); err != nil {
				return
			}
		}
	}
}
