package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bizcoin/bizcoin/internal/domain"
	"github.com/bizcoin/bizcoin/internal/infra/observability"
)

// ─── Live Event Feed ────────────────────────────────────────────────────────
// GET /api/events/live — Server-Sent Events
// GET /api/events/ws   — WebSocket
//
// Both accept ?classroom= and ?student= filters. Slow clients drop events
// rather than block the ledger; the next wallet event carries the full
// authoritative wallet, so a dropped update heals itself.

const (
	clientBuffer = 32
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// Filter selects the events a client receives. Empty fields match all.
type Filter struct {
	ClassroomID string
	StudentID   string
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev domain.Event) bool {
	if f.ClassroomID != "" && f.ClassroomID != ev.ClassroomID {
		return false
	}
	if f.StudentID != "" && f.StudentID != ev.StudentID {
		return false
	}
	return true
}

func filterFromRequest(r *http.Request) Filter {
	q := r.URL.Query()
	return Filter{ClassroomID: q.Get("classroom"), StudentID: q.Get("student")}
}

// Hub fans ledger events out to connected live clients.
type Hub struct {
	mu       sync.RWMutex
	clients  map[chan []byte]Filter
	upgrader websocket.Upgrader
	log      *zap.Logger
}

var _ domain.EventSink = (*Hub)(nil)

// NewHub creates a live event hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[chan []byte]Filter),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.Named("live"),
	}
}

// Name implements domain.EventSink.
func (h *Hub) Name() string { return "live" }

// Publish implements domain.EventSink. It never blocks on a client.
func (h *Hub) Publish(_ context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, f := range h.clients {
		if !f.Match(ev) {
			continue
		}
		select {
		case ch <- data:
		default:
			// Client too slow; drop message
		}
	}
	return nil
}

// Subscribe registers a client. Returns the channel and an unsubscribe func.
func (h *Hub) Subscribe(f Filter) (<-chan []byte, func()) {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = f
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		})
	}
}

// Close disconnects every client. Their handlers return once their
// channel is drained.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleSSE serves the live feed via Server-Sent Events.
func (h *Hub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := h.Subscribe(filterFromRequest(r))
	defer unsub()
	observability.LiveClients.WithLabelValues("sse").Inc()
	defer observability.LiveClients.WithLabelValues("sse").Dec()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleWS serves the live feed over a WebSocket. Clients only receive;
// anything they send is discarded.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := h.Subscribe(filterFromRequest(r))
	defer unsub()
	observability.LiveClients.WithLabelValues("ws").Inc()
	defer observability.LiveClients.WithLabelValues("ws").Dec()

	// Reader loop: handles pongs and detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
