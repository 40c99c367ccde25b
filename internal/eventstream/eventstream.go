// Package eventstream forwards event bus traffic to websocket clients.
//
// A client connects to [Path], optionally narrowing the stream with one or
// more filter query parameters using bus patterns:
//
//	ws://127.0.0.1:7700/events?filter=task.*&filter=reminder.*
//
// Each event is sent as one JSON text message. Clients that cannot keep up
// lose events rather than stalling the bus.
package eventstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/kiro/internal/events"
)

// Path is where [Hub.Register] mounts the stream.
const Path = "/events"

const (
	defaultBufferSize   = 64
	defaultWriteTimeout = 5 * time.Second
)

// Subscriber is the subscription side of the event bus.
type Subscriber interface {
	Subscribe(pattern string, h events.Handler) events.SubscriptionID
	Unsubscribe(id events.SubscriptionID) bool
}

var _ Subscriber = (*events.Bus)(nil)

// Option configures a [Hub].
type Option func(*Hub)

// WithBufferSize sets how many events may queue per client before new ones
// are dropped for it.
func WithBufferSize(n int) Option {
	return func(h *Hub) { h.bufferSize = n }
}

// WithWriteTimeout bounds a single websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = d }
}

// WithOriginPatterns allows cross-origin clients whose Origin host matches
// one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// Hub fans bus events out to connected websocket clients. It is safe for
// concurrent use.
type Hub struct {
	bus          Subscriber
	bufferSize   int
	writeTimeout time.Duration
	origins      []string

	mu      sync.Mutex
	clients map[*client]struct{}
	sub     events.SubscriptionID
	started bool
}

type client struct {
	filters []string
	send    chan events.Event
	dropped atomic.Int64
	// gone is closed when the hub stops or the connection ends.
	gone     chan struct{}
	goneOnce sync.Once
}

func (c *client) wants(name string) bool {
	if len(c.filters) == 0 {
		return true
	}
	for _, f := range c.filters {
		if events.Match(f, name) {
			return true
		}
	}
	return false
}

func (c *client) close() { c.goneOnce.Do(func() { close(c.gone) }) }

// New returns a hub for bus. Call [Hub.Start] to begin forwarding.
func New(bus Subscriber, opts ...Option) *Hub {
	h := &Hub{
		bus:          bus,
		bufferSize:   defaultBufferSize,
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.bufferSize <= 0 {
		h.bufferSize = defaultBufferSize
	}
	return h
}

// Start subscribes the hub to every bus event. Starting twice is a no-op.
func (h *Hub) Start(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	h.sub = h.bus.Subscribe("*", h.broadcast)
	h.started = true
	return nil
}

// Stop unsubscribes from the bus and disconnects every client.
func (h *Hub) Stop(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return nil
	}
	h.bus.Unsubscribe(h.sub)
	h.started = false
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Register mounts the hub on mux at [Path].
func (h *Hub) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, h)
}

// broadcast never blocks: a client whose buffer is full misses ev.
func (h *Hub) broadcast(_ context.Context, ev events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev.Name) {
			continue
		}
		select {
		case c.send <- ev:
		default:
			if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
				slog.Warn("eventstream: client too slow, dropping events", "dropped", n)
			}
		}
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client disconnects or the hub stops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		slog.Debug("eventstream: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{
		filters: r.URL.Query()["filter"],
		send:    make(chan events.Event, h.bufferSize),
		gone:    make(chan struct{}),
	}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)
	slog.Info("eventstream: client connected", "remote", r.RemoteAddr, "filters", c.filters)

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			slog.Info("eventstream: client disconnected", "remote", r.RemoteAddr)
			return
		case <-c.gone:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case ev := <-c.send:
			if err := h.write(ctx, conn, ev); err != nil {
				slog.Debug("eventstream: write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	c.close()
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("eventstream: event not encodable", "event", ev.Name, "err", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
