package session

import (
	"context"
	"time"

	"github.com/orchestra-mcp/sse/src/hub"
	"github.com/orchestra-mcp/sse/src/types"
)

// Stream is a started session. It stays usable from other goroutines
// after the handler returns, for as long as the connection is live.
type Stream struct {
	engine *Engine
	conn   *hub.Connection
	mode   Mode
}

// SendOption sets optional frame fields.
type SendOption func(*types.Frame)

// WithID sets the event id.
func WithID(id string) SendOption {
	return func(f *types.Frame) { f.ID = id }
}

// WithRetry sets the reconnect delay hint.
func WithRetry(d time.Duration) SendOption {
	return func(f *types.Frame) { f.Retry = d }
}

// ID returns the connection id.
func (st *Stream) ID() string { return st.conn.ID() }

// Connection returns the registered connection.
func (st *Stream) Connection() *hub.Connection { return st.conn }

// Mode returns the mode the stream was started with.
func (st *Stream) Mode() Mode { return st.mode }

// Send writes one event. It returns false once the connection is gone and
// a KindValidation error when data fails its schema.
func (st *Stream) Send(ctx context.Context, event string, data any, opts ...SendOption) (bool, error) {
	f := types.Frame{Event: event, Data: data}
	for _, opt := range opts {
		opt(&f)
	}
	return st.SendFrame(ctx, f)
}

// SendFrame writes a prepared frame.
func (st *Stream) SendFrame(ctx context.Context, f types.Frame) (bool, error) {
	return st.engine.hub.Send(ctx, st.conn.ID(), f)
}

// Close ends the stream from the server side. It reports whether the
// stream was still live.
func (st *Stream) Close() bool {
	return st.engine.hub.Close(st.conn.ID())
}
