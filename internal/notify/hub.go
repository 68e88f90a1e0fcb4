package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Hub streams bus messages to websocket clients.
type Hub struct {
	bus      *Bus
	snapshot func() []Message
	origins  []string
	logger   *slog.Logger
	clients  atomic.Int64
}

// NewHub creates a Hub over bus. snapshot, if set, supplies the messages a
// client receives right after connecting so it starts with current state.
func NewHub(bus *Bus, snapshot func() []Message, originPatterns []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{bus: bus, snapshot: snapshot, origins: originPatterns, logger: logger}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// ServeHTTP upgrades the request and forwards messages until the client
// disconnects. Clients only listen; anything they send closes the stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Debug("ws: accept failed", "error", err)
		return
	}
	h.clients.Add(1)
	h.logger.Info("ws: client connected")
	defer func() {
		h.clients.Add(-1)
		h.logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := conn.CloseRead(r.Context())

	sub := h.bus.Subscribe("")
	defer h.bus.Unsubscribe(sub)

	if h.snapshot != nil {
		for _, msg := range h.snapshot() {
			if err := h.write(ctx, conn, msg); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := h.write(ctx, conn, msg); err != nil {
				h.logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
