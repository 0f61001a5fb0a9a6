// Package session drives one streaming request from arrival to teardown:
// the respond-or-stream decision, connection registration, replay of
// missed frames, keepalives, and error handling around the handler.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/sse/src/hub"
	"github.com/orchestra-mcp/sse/src/replay"
	"github.com/orchestra-mcp/sse/src/types"
)

// Handler decides, per request, whether to respond or to stream.
type Handler func(ctx context.Context, s *Session) error

// Hook runs on a connection lifecycle transition. Errors and panics are
// logged and never stop the transition.
type Hook func(ctx context.Context, c *hub.Connection) error

// Hooks are the optional lifecycle callbacks.
type Hooks struct {
	// OnConnect runs after a stream is registered, before replay.
	OnConnect Hook
	// OnDisconnect runs when the client went away or a write failed.
	OnDisconnect Hook
	// OnClose runs when the server closed the stream.
	OnClose Hook
	// OnReconnect supplies the frames a reconnecting client missed.
	OnReconnect replay.Source
}

// Engine serves streaming requests against one Hub. Create one engine per
// hub: it maps the hub's close reasons onto OnDisconnect and OnClose.
type Engine struct {
	hub          *hub.Hub
	hooks        Hooks
	keepAlive    time.Duration
	defaultRetry time.Duration
	hookTimeout  time.Duration
	schemas      types.Schemas
	logger       zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithHooks sets the lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// WithKeepAlive writes a comment every d on keepAlive streams. Zero disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(e *Engine) { e.keepAlive = d }
}

// WithDefaultRetry sets the reconnect delay sent with the first frame.
func WithDefaultRetry(d time.Duration) Option {
	return func(e *Engine) { e.defaultRetry = d }
}

// WithSchemas sets the per-event validators applied to every stream.
func WithSchemas(s types.Schemas) Option {
	return func(e *Engine) { e.schemas = s }
}

// WithHookTimeout bounds each hook call.
func WithHookTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.hookTimeout = d
		}
	}
}

// New creates an Engine.
func New(h *hub.Hub, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		hub:         h,
		hookTimeout: 10 * time.Second,
		logger:      logger.With().Str("component", "session").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	h.OnDisconnection(e.connectionClosed)
	return e
}

// Hub returns the registry streams are registered with.
func (e *Engine) Hub() *hub.Hub { return e.hub }

// Serve runs handler for one request on t and blocks until the request is
// finished: the response was sent, an autoClose stream was closed, or a
// keepAlive stream ended.
//
// The returned error is the handler's error, a protocol error when the
// handler neither responded nor started streaming, or nil.
func (e *Engine) Serve(ctx context.Context, t types.Transport, handler Handler) error {
	s := newSession(e, t)
	err := e.invoke(ctx, s, handler)
	return e.finish(ctx, s, err)
}

func (e *Engine) invoke(ctx context.Context, s *Session, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("handler panicked")
			err = &types.Error{Kind: types.KindHandler, Op: "handler", Message: "handler panicked", Err: fmt.Errorf("%v", r)}
		}
	}()
	return handler(ctx, s)
}

func (e *Engine) finish(ctx context.Context, s *Session, herr error) error {
	state, stream, headersSent := s.seal()

	switch state {
	case StateResponded:
		if herr != nil {
			e.logger.Error().Err(herr).Msg("handler failed after responding")
		}
		return herr

	case StateStarted:
		if herr != nil {
			e.failStream(ctx, stream, herr)
			return types.AsError(herr, types.KindHandler, "handler")
		}
		if stream.mode == AutoClose {
			e.hub.Close(stream.conn.ID())
			return nil
		}
		e.hold(ctx, stream)
		return nil
	}

	// Pending.
	if headersSent {
		// Raw stream: bytes are committed, only an in-band error is possible.
		if herr != nil {
			e.writeRawError(s.transport, herr)
		}
		if err := s.transport.Close(); err != nil {
			e.logger.Debug().Err(err).Msg("transport close failed")
		}
		if herr != nil {
			return types.AsError(herr, types.KindHandler, "handler")
		}
		return nil
	}

	if herr == nil {
		herr = types.NewError(types.KindProtocol, "serve", "", types.ErrNoResponse)
	}
	terr := types.AsError(herr, types.KindHandler, "handler")
	if err := s.transport.Respond(terr.HTTPStatus(), errorBody(terr)); err != nil {
		e.logger.Error().Err(err).Msg("failed to send error response")
	}
	return terr
}

// failStream reports err in-band and closes the stream.
func (e *Engine) failStream(ctx context.Context, st *Stream, err error) {
	id := st.conn.ID()
	ok, serr := e.hub.Send(context.WithoutCancel(ctx), id, types.Frame{Event: "error", Data: errorBody(err)})
	if serr != nil || !ok {
		e.logger.Debug().Err(serr).Str("connection_id", id).Msg("could not deliver error event")
	}
	e.logger.Error().Err(err).Str("connection_id", id).Msg("handler failed after stream start")
	e.hub.Close(id)
}

func (e *Engine) writeRawError(t types.Transport, err error) {
	b, encErr := encodeErrorFrame(err)
	if encErr == nil {
		encErr = t.Write(b)
	}
	if encErr != nil {
		e.logger.Debug().Err(encErr).Msg("could not deliver error event")
	}
	e.logger.Error().Err(err).Msg("handler failed after headers were sent")
}

// hold blocks until a keepAlive stream ends, writing keepalive comments.
func (e *Engine) hold(ctx context.Context, st *Stream) {
	var tick <-chan time.Time
	if e.keepAlive > 0 {
		ticker := time.NewTicker(e.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	id := st.conn.ID()
	for {
		select {
		case <-st.conn.Done():
			return
		case <-ctx.Done():
			e.disconnect(st.conn)
			return
		case <-tick:
			if err := st.conn.WriteComment("keepalive"); err != nil {
				e.logger.Debug().Err(err).Str("connection_id", id).Msg("keepalive failed")
				e.disconnect(st.conn)
				return
			}
		}
	}
}

// watch removes the connection once its socket goes away.
func (e *Engine) watch(c *hub.Connection) {
	select {
	case <-c.Transport().Done():
		e.disconnect(c)
	case <-c.Done():
	}
}

func (e *Engine) disconnect(c *hub.Connection) {
	if e.hub.Unregister(c.ID(), hub.ReasonDisconnected) {
		_ = c.Transport().Close()
	}
}

func (e *Engine) connectionClosed(c *hub.Connection, reason hub.CloseReason) {
	switch reason {
	case hub.ReasonDisconnected, hub.ReasonSendFailed:
		e.runHook("on_disconnect", e.hooks.OnDisconnect, c)
	default:
		e.runHook("on_close", e.hooks.OnClose, c)
	}
}

// runHook calls hook, turning errors and panics into log entries.
func (e *Engine) runHook(name string, hook Hook, c *hub.Connection) {
	if hook == nil {
		return
	}
	err := e.guard(context.Background(), name, func(ctx context.Context) error { return hook(ctx, c) })
	if err != nil {
		e.logger.Error().Err(err).Str("hook", name).Str("connection_id", c.ID()).Msg("lifecycle hook failed")
	}
}

// guard runs fn with a context bounded by the hook timeout and converts a
// panic into a hook error.
func (e *Engine) guard(parent context.Context, op string, fn func(ctx context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(parent, e.hookTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = &types.Error{Kind: types.KindHook, Op: op, Message: "panic", Err: fmt.Errorf("%v", r)}
		}
	}()
	if err := fn(ctx); err != nil {
		return types.AsError(err, types.KindHook, op)
	}
	return nil
}

// replay drains the reconnect source for lastEventID onto the stream within
// the hook timeout. Any failure skips the rest of the replay; frames
// already written stay.
func (e *Engine) replay(ctx context.Context, st *Stream, lastEventID string) {
	src := e.hooks.OnReconnect
	if src == nil || lastEventID == "" {
		return
	}
	id := st.conn.ID()
	log := e.logger.With().Str("connection_id", id).Str("last_event_id", lastEventID).Logger()

	var delivered int
	err := e.guard(ctx, "on_reconnect", func(ctx context.Context) error {
		seq, err := src(ctx, id, lastEventID)
		if err != nil {
			return err
		}
		delivered, err = replay.Drain(ctx, seq, func(ctx context.Context, f types.Frame) (bool, error) {
			return e.hub.Send(ctx, id, f)
		})
		return err
	})
	if err != nil {
		log.Error().Err(err).Int("delivered", delivered).Msg("replay aborted")
		return
	}
	if delivered > 0 {
		log.Debug().Int("delivered", delivered).Msg("replay complete")
	}
}
