// Package hub fans host notifications out to websocket subscribers.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tinoosan/mcufetch/internal/metrics"
)

// Message is one notification as seen by subscribers.
type Message struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
}

// Message types.
const (
	TypeProgress     = "progress"
	TypeFailure      = "failure"
	TypeCancellation = "cancellation"
	TypeCompletion   = "completion"
)

const writeTimeout = 5 * time.Second

// Subscriber receives published messages on C until unsubscribed.
type Subscriber struct {
	C chan Message
}

// Hub is safe for concurrent use. Publish never blocks: a subscriber
// whose buffer is full misses the message.
type Hub struct {
	log *slog.Logger
	buf int

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

// New creates a hub whose subscribers buffer up to buf messages.
func New(log *slog.Logger, buf int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if buf <= 0 {
		buf = 64
	}
	return &Hub{log: log, buf: buf, subs: make(map[*Subscriber]struct{})}
}

func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{C: make(chan Message, h.buf)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.Subscribers.Set(float64(n))
	return s
}

// Unsubscribe removes s and closes its channel. It is idempotent.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	if ok {
		close(s.C)
	}
	metrics.Subscribers.Set(float64(n))
}

func (h *Hub) Publish(m Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.C <- m:
		default:
			metrics.DispatchErrors.WithLabelValues("subscriber_full").Inc()
			h.log.Warn("subscriber buffer full; message dropped", "type", m.Type, "session_id", m.SessionID)
		}
	}
}

// Len reports the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stream writes every published message to c as JSON until ctx ends or the
// peer goes away.
func (h *Hub) Stream(ctx context.Context, c *websocket.Conn) error {
	ctx = c.CloseRead(ctx)
	s := h.Subscribe()
	defer h.Unsubscribe(s)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-s.C:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c, m)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
