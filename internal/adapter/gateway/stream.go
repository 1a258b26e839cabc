// Package gateway streams workflow events to WebSocket subscribers.
//
// The gateway does not bind its own listener. The HTTP channel mounts
// Handler() on its mux, so event streaming shares the API port and its
// middleware.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"opsflow/internal/domain"
	"opsflow/internal/infra/config"
)

const (
	defaultSendBuffer = 16
	writeTimeout      = 5 * time.Second
)

// clientConn tracks a single WebSocket subscriber.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan domain.Event // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
	filter    map[domain.EventType]struct{} // empty means every type
}

func (c *clientConn) wants(t domain.EventType) bool {
	if len(c.filter) == 0 {
		return true
	}
	_, ok := c.filter[t]
	return ok
}

// Stream fans events from the bus out to connected WebSocket clients.
type Stream struct {
	bus        domain.EventBus
	clients    sync.Map // connID (uint64) -> *clientConn
	sendBuffer int
	logger     *slog.Logger
	nextID     atomic.Uint64
	unsubAll   func()
	closed     atomic.Bool
}

// New creates an event stream gateway. Call Start to begin forwarding.
func New(bus domain.EventBus, cfg config.GatewayConfig, logger *slog.Logger) *Stream {
	buf := cfg.SendBuffer
	if buf <= 0 {
		buf = defaultSendBuffer
	}
	return &Stream{
		bus:        bus,
		sendBuffer: buf,
		logger:     logger,
	}
}

// Start subscribes to the event bus and begins forwarding to clients.
func (s *Stream) Start() {
	s.unsubAll = s.bus.SubscribeAll(func(_ context.Context, event domain.Event) {
		s.broadcast(event)
	})
	s.logger.Info("event gateway started")
}

// Stop unsubscribes from the bus and closes every client connection.
func (s *Stream) Stop() {
	if s.closed.Swap(true) {
		return
	}
	if s.unsubAll != nil {
		s.unsubAll()
	}
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
	s.logger.Info("event gateway stopped")
}

// Handler returns the WebSocket upgrade handler for mounting on an HTTP mux.
func (s *Stream) Handler() http.Handler {
	return http.HandlerFunc(s.handleSubscribe)
}

// ClientCount reports the number of connected subscribers.
func (s *Stream) ClientCount() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Stream) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "gateway shutting down", http.StatusServiceUnavailable)
		return
	}

	// Optional ?types=workflow.completed,workflow.failed narrows the feed.
	filter := parseTypeFilter(r.URL.Query().Get("types"))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan domain.Event, s.sendBuffer),
		done:   make(chan struct{}),
		filter: filter,
	}
	s.clients.Store(connID, cc)
	s.logger.Info("event subscriber connected", "conn_id", connID, "remote", r.RemoteAddr)

	// The feed is one-directional. CloseRead keeps control frames flowing
	// and cancels the context when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	s.writeLoop(ctx, cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("event subscriber disconnected", "conn_id", connID)
}

func (s *Stream) writeLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cc.done:
			return
		case event := <-cc.sendCh:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, cc.ws, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Stream) broadcast(event domain.Event) {
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		if !cc.wants(event.Type) {
			return true
		}
		select {
		case cc.sendCh <- event:
		default:
			s.logger.Warn("dropped event for slow subscriber", "type", event.Type)
		}
		return true
	})
}

func parseTypeFilter(raw string) map[domain.EventType]struct{} {
	if raw == "" {
		return nil
	}
	filter := make(map[domain.EventType]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			filter[domain.EventType(part)] = struct{}{}
		}
	}
	return filter
}
