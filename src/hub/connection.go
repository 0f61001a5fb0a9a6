package hub

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/sse/src/frame"
	"github.com/orchestra-mcp/sse/src/types"
)

// CloseReason records why a connection left the hub.
type CloseReason string

const (
	ReasonClosed       CloseReason = "closed"
	ReasonDisconnected CloseReason = "disconnected"
	ReasonSendFailed   CloseReason = "send_failed"
	ReasonShutdown     CloseReason = "shutdown"
)

// Connection is one event stream tracked by a Hub.
type Connection struct {
	id            string
	establishedAt time.Time
	transport     types.Transport
	schemas       types.Schemas

	mu     sync.RWMutex
	values map[string]any

	writeMu      sync.Mutex
	defaultRetry time.Duration
	wroteFirst   bool
	sent         atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value // CloseReason
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithID overrides the generated connection id.
func WithID(id string) ConnectionOption {
	return func(c *Connection) { c.id = id }
}

// WithSchemas attaches per-event validators.
func WithSchemas(s types.Schemas) ConnectionOption {
	return func(c *Connection) { c.schemas = s }
}

// WithValues seeds the connection context.
func WithValues(values map[string]any) ConnectionOption {
	return func(c *Connection) {
		for k, v := range values {
			c.values[k] = v
		}
	}
}

// WithDefaultRetry sets the retry hint carried by the first frame written.
func WithDefaultRetry(d time.Duration) ConnectionOption {
	return func(c *Connection) { c.defaultRetry = d }
}

// NewConnection wraps a transport. The id is a fresh UUID unless WithID is given.
func NewConnection(t types.Transport, opts ...ConnectionOption) *Connection {
	c := &Connection{
		id:            uuid.New().String(),
		establishedAt: time.Now(),
		transport:     t,
		values:        make(map[string]any),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// EstablishedAt returns when the connection was created.
func (c *Connection) EstablishedAt() time.Time { return c.establishedAt }

// Transport returns the underlying transport.
func (c *Connection) Transport() types.Transport { return c.transport }

// Get returns a context value.
func (c *Connection) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Set stores a context value.
func (c *Connection) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Context returns a copy of the caller-attached values.
func (c *Connection) Context() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}

// FramesSent returns how many frames were written successfully.
func (c *Connection) FramesSent() uint64 { return c.sent.Load() }

// Done is closed when the connection is removed from its hub.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection was removed.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Reason returns why the connection was removed, or "" while live.
func (c *Connection) Reason() CloseReason {
	r, _ := c.reason.Load().(CloseReason)
	return r
}

// Info returns a snapshot for reporting.
func (c *Connection) Info() types.ConnectionInfo {
	return types.ConnectionInfo{
		ID:            c.id,
		EstablishedAt: c.establishedAt,
		FramesSent:    c.FramesSent(),
		Context:       c.Context(),
	}
}

func (c *Connection) markClosed(reason CloseReason) bool {
	closed := false
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
		closed = true
	})
	return closed
}

// validate runs the schema registered for the frame's event name.
// Frames without an event name are checked against "message".
func (c *Connection) validate(f types.Frame) error {
	if len(c.schemas) == 0 {
		return nil
	}
	name := f.Event
	if name == "" {
		name = "message"
	}
	v, ok := c.schemas[name]
	if !ok || v == nil {
		return nil
	}
	if err := v.Validate(f.Data); err != nil {
		return &types.Error{
			Kind:    types.KindValidation,
			Op:      "send",
			Message: fmt.Sprintf("data for event %q failed validation", name),
			Err:     err,
		}
	}
	return nil
}

// errEncode marks frames that could not be encoded; the connection stays usable.
type errEncode struct{ err error }

func (e errEncode) Error() string { return e.err.Error() }
func (e errEncode) Unwrap() error { return e.err }

// write encodes f and hands it to the transport. Writes are serialized so
// frames reach the client in call order.
func (c *Connection) write(f types.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Closed() {
		return types.ErrConnectionClosed
	}
	if !c.wroteFirst && f.Retry == 0 {
		f.Retry = c.defaultRetry
	}
	b, err := frame.Encode(f)
	if err != nil {
		return errEncode{err}
	}
	if err := c.transport.Write(b); err != nil {
		return err
	}
	c.wroteFirst = true
	c.sent.Add(1)
	return nil
}

// WriteComment writes a comment line, used for keepalives.
func (c *Connection) WriteComment(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.Closed() {
		return types.ErrConnectionClosed
	}
	return c.transport.Write(frame.Comment(text))
}
