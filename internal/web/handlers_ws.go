package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"ubisys-bridge/internal/coordinator"
)

// eventFeed fans coordinator events out to connected WebSocket clients.
// Publish is called synchronously from the event bus, so there is no hub
// goroutine: the marshalled event is handed to each client's buffered send
// channel under the lock, and a client that cannot keep up is evicted.
type eventFeed struct {
	logger *slog.Logger
	done   chan struct{}

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newEventFeed(logger *slog.Logger) *eventFeed {
	return &eventFeed{
		logger:  logger,
		done:    make(chan struct{}),
		clients: make(map[*feedClient]struct{}),
	}
}

// attach registers a client. It reports false when the feed has already
// been closed, in which case the caller owns the connection teardown.
func (f *eventFeed) attach(c *feedClient) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.clients[c] = struct{}{}
	f.logger.Debug("ws client connected", "total", len(f.clients))
	return true
}

// detach removes a client and closes its send channel. Safe to call for a
// client that was already evicted or never attached.
func (f *eventFeed) detach(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; !ok {
		return
	}
	delete(f.clients, c)
	close(c.send)
	f.logger.Debug("ws client disconnected", "total", len(f.clients))
}

// Publish marshals the event once and delivers it to every client. A
// client whose send buffer is full is evicted rather than blocking the
// event bus.
func (f *eventFeed) Publish(event coordinator.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		f.logger.Error("ws event marshal", "type", event.Type, "err", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			delete(f.clients, c)
			close(c.send)
			f.logger.Warn("ws client evicted (too slow)")
		}
	}
}

// Close shuts the feed down and closes all client send channels. Safe to
// call more than once.
func (f *eventFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &feedClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	if !s.feed.attach(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *feedClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by the feed; close the connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *feedClient) {
	defer s.feed.detach(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Unblock the read when the feed shuts down.
	go func() {
		select {
		case <-s.feed.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, _, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		// Incoming client messages are ignored; the feed is one-way.
	}
}
