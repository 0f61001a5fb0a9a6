package hub

import (
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/orchestra-mcp/sse/src/types"
	"github.com/rs/zerolog"
)

// Observer receives counters about hub activity.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed(reason string)
	FrameSent(event string)
	SendFailed()
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()       {}
func (nopObserver) ConnectionClosed(string) {}
func (nopObserver) FrameSent(string)        {}
func (nopObserver) SendFailed()             {}

// Hub tracks live connections and delivers frames to them.
// One Hub is created per server and passed to whatever needs it.
type Hub struct {
	connections map[string]*Connection

	onConnect []func(*Connection)
	onDisconn []func(*Connection, CloseReason)

	maxConnections int
	fanout         int
	observer       Observer

	mu     sync.RWMutex
	logger zerolog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithMaxConnections caps live connections. Zero means unlimited.
func WithMaxConnections(n int) Option {
	return func(h *Hub) { h.maxConnections = n }
}

// WithFanout bounds how many connections a broadcast writes to in parallel.
func WithFanout(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.fanout = n
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(h *Hub) {
		if o != nil {
			h.observer = o
		}
	}
}

// New creates a new Hub instance.
func New(logger zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		connections: make(map[string]*Connection),
		fanout:      16,
		observer:    nopObserver{},
		logger:      logger.With().Str("component", "hub").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Admit reports whether one more connection would fit under the limit.
// Register still enforces the limit, so a concurrent registration can
// take the slot between the two calls.
func (h *Hub) Admit() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.maxConnections > 0 && len(h.connections) >= h.maxConnections {
		return errConnectionLimit("admit")
	}
	return nil
}

func errConnectionLimit(op string) error {
	return &types.Error{Kind: types.KindTransport, Op: op, Status: http.StatusServiceUnavailable, Err: types.ErrConnectionLimit}
}

// Register adds a connection and fires the connection callbacks.
func (h *Hub) Register(c *Connection) error {
	if c.Closed() {
		return types.NewError(types.KindProtocol, "register", "connection "+c.id, types.ErrConnectionClosed)
	}

	h.mu.Lock()
	if _, ok := h.connections[c.id]; ok {
		h.mu.Unlock()
		return types.NewError(types.KindProtocol, "register", fmt.Sprintf("connection %s already registered", c.id), nil)
	}
	if h.maxConnections > 0 && len(h.connections) >= h.maxConnections {
		h.mu.Unlock()
		return errConnectionLimit("register")
	}
	h.connections[c.id] = c
	total := len(h.connections)
	callbacks := slices.Clone(h.onConnect)
	h.mu.Unlock()

	h.observer.ConnectionOpened()
	h.logger.Info().Str("connection_id", c.id).Int("total", total).Msg("connection registered")

	for _, cb := range callbacks {
		h.safely("on_connection", c.id, func() { cb(c) })
	}
	return nil
}

// Unregister removes a connection. Only the first call for an id does
// anything; later calls return false and fire no callbacks.
func (h *Hub) Unregister(id string, reason CloseReason) bool {
	h.mu.Lock()
	c, ok := h.connections[id]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.connections, id)
	total := len(h.connections)
	callbacks := slices.Clone(h.onDisconn)
	h.mu.Unlock()

	h.observer.ConnectionClosed(string(reason))
	h.logger.Info().
		Str("connection_id", id).
		Str("reason", string(reason)).
		Int("total", total).
		Msg("connection unregistered")

	// Done closes after the callbacks so waiters see a fully torn down connection.
	for _, cb := range callbacks {
		h.safely("on_disconnection", id, func() { cb(c, reason) })
	}
	c.markClosed(reason)
	return true
}

// Close ends the stream and unregisters it. It reports whether the
// connection existed.
func (h *Hub) Close(id string) bool {
	return h.closeWithReason(id, ReasonClosed)
}

// CloseAll closes every live connection and returns how many were closed.
func (h *Hub) CloseAll() int {
	n := 0
	for _, id := range h.ConnectedIDs() {
		if h.closeWithReason(id, ReasonShutdown) {
			n++
		}
	}
	return n
}

func (h *Hub) closeWithReason(id string, reason CloseReason) bool {
	c := h.Get(id)
	if c == nil {
		return false
	}
	if !h.Unregister(id, reason) {
		return false
	}
	if err := c.transport.Close(); err != nil {
		h.logger.Debug().Err(err).Str("connection_id", id).Msg("transport close failed")
	}
	return true
}

func (h *Hub) safely(hook, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Str("hook", hook).
				Str("connection_id", id).
				Interface("panic", r).
				Msg("hub callback panicked")
		}
	}()
	fn()
}
