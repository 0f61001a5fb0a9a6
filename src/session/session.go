package session

import (
	"context"
	"errors"
	"sync"

	"github.com/orchestra-mcp/sse/src/frame"
	"github.com/orchestra-mcp/sse/src/hub"
	"github.com/orchestra-mcp/sse/src/types"
)

// State is where a session is in its respond-or-stream decision.
type State int

const (
	StatePending State = iota
	StateStarted
	StateResponded
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarted:
		return "started"
	case StateResponded:
		return "responded"
	default:
		return "unknown"
	}
}

// Mode says what happens to a started stream once its handler returns.
type Mode int

const (
	// AutoClose closes the stream when the handler returns.
	AutoClose Mode = iota + 1
	// KeepAlive keeps the stream open until the client goes away or the
	// server closes it.
	KeepAlive
)

func (m Mode) String() string {
	switch m {
	case AutoClose:
		return "auto_close"
	case KeepAlive:
		return "keep_alive"
	default:
		return "unknown"
	}
}

// Session is the per-request decision state handed to a Handler.
// Exactly one of Start and Respond succeeds.
type Session struct {
	engine    *Engine
	transport types.Transport

	mu          sync.Mutex
	state       State
	headersSent bool
	sealed      bool
	stream      *Stream
	values      map[string]any
}

func newSession(e *Engine, t types.Transport) *Session {
	return &Session{engine: e, transport: t}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastEventID is the id the client reported on reconnect, if any.
func (s *Session) LastEventID() string { return s.transport.LastEventID() }

// Transport exposes the raw transport, for streams driven through SendHeaders.
func (s *Session) Transport() types.Transport { return s.transport }

// Set attaches a value that the connection will carry once started.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = value
}

// Start commits stream headers, registers a connection, replays missed
// frames and returns the live stream. When the hub is full it fails
// before any bytes are sent.
func (s *Session) Start(ctx context.Context, mode Mode) (*Stream, error) {
	if mode != AutoClose && mode != KeepAlive {
		return nil, types.NewError(types.KindProtocol, "start", "unknown stream mode", nil)
	}

	s.mu.Lock()
	if err := s.checkPending("start"); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	e := s.engine
	opts := []hub.ConnectionOption{hub.WithDefaultRetry(e.defaultRetry), hub.WithValues(s.values)}
	if e.schemas != nil {
		opts = append(opts, hub.WithSchemas(e.schemas))
	}
	// A full hub must still be able to answer with a normal response.
	if err := e.hub.Admit(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	// Headers go out before registration: connection callbacks may
	// broadcast to the new connection straight away.
	if !s.headersSent {
		if err := s.transport.SendHeaders(); err != nil {
			s.mu.Unlock()
			_ = s.transport.Close()
			return nil, &types.Error{Kind: types.KindTransport, Op: "start", Err: err}
		}
		s.headersSent = true
	}
	conn := hub.NewConnection(s.transport, opts...)
	if err := e.hub.Register(conn); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	st := &Stream{engine: e, conn: conn, mode: mode}
	s.state = StateStarted
	s.stream = st
	s.mu.Unlock()

	go e.watch(conn)
	e.runHook("on_connect", e.hooks.OnConnect, conn)
	e.replay(ctx, st, s.transport.LastEventID())
	return st, nil
}

// Respond sends a terminal non-stream response.
func (s *Session) Respond(status int, body any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPending("respond"); err != nil {
		return err
	}
	if s.headersSent {
		return types.NewError(types.KindProtocol, "respond", "", types.ErrHeadersSent)
	}
	if err := s.transport.Respond(status, body); err != nil {
		return &types.Error{Kind: types.KindTransport, Op: "respond", Err: err}
	}
	s.state = StateResponded
	return nil
}

// SendHeaders commits the stream headers without registering a connection.
func (s *Session) SendHeaders() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPending("send_headers"); err != nil {
		return err
	}
	if s.headersSent {
		return types.NewError(types.KindProtocol, "send_headers", "", types.ErrHeadersSent)
	}
	if err := s.transport.SendHeaders(); err != nil {
		return &types.Error{Kind: types.KindTransport, Op: "send_headers", Err: err}
	}
	s.headersSent = true
	return nil
}

// checkPending must be called with mu held.
func (s *Session) checkPending(op string) error {
	switch {
	case s.state == StateStarted:
		return types.NewError(types.KindProtocol, op, "", types.ErrAlreadyStarted)
	case s.state == StateResponded:
		return types.NewError(types.KindProtocol, op, "", types.ErrAlreadyResponded)
	case s.sealed:
		return types.NewError(types.KindProtocol, op, "handler already returned", nil)
	}
	return nil
}

// seal stops further transitions and reports the final decision.
func (s *Session) seal() (State, *Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	return s.state, s.stream, s.headersSent
}

func errorMessage(err error) string {
	var e *types.Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	return err.Error()
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": errorMessage(err)}
}

func encodeErrorFrame(err error) ([]byte, error) {
	return frame.Encode(types.Frame{Event: "error", Data: errorBody(err)})
}
