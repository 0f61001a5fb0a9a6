// Package ssetest provides an in-memory Transport for tests.
package ssetest

import (
	"bytes"
	"errors"
	"sync"

	"github.com/orchestra-mcp/sse/src/frame"
	"github.com/orchestra-mcp/sse/src/types"
)

var (
	// ErrBrokenPipe is returned by writes after Disconnect or FailWrites.
	ErrBrokenPipe = errors.New("broken pipe")
	// ErrNoHeaders is returned by writes before SendHeaders, like the
	// real transports.
	ErrNoHeaders = errors.New("write before headers")
)

// Transport records everything written to it.
type Transport struct {
	mu          sync.Mutex
	out         bytes.Buffer
	writes      int
	headersSent bool
	responded   bool
	status      int
	body        any
	closed      bool
	closeCalls  int
	failWrites  bool
	lastEventID string

	done     chan struct{}
	doneOnce sync.Once
}

var _ types.Transport = (*Transport)(nil)

// NewTransport returns an open transport.
func NewTransport() *Transport {
	return &Transport{done: make(chan struct{})}
}

// NewStream returns an open transport with headers already committed, for
// connections registered on a hub without going through a session.
func NewStream() *Transport {
	t := NewTransport()
	t.headersSent = true
	return t
}

// WithLastEventID sets the id reported by LastEventID.
func (t *Transport) WithLastEventID(id string) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastEventID = id
	return t
}

func (t *Transport) SendHeaders() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrBrokenPipe
	}
	t.headersSent = true
	return nil
}

func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.failWrites {
		return ErrBrokenPipe
	}
	if !t.headersSent {
		return ErrNoHeaders
	}
	t.out.Write(p)
	t.writes++
	return nil
}

func (t *Transport) Respond(status int, body any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responded = true
	t.status = status
	t.body = body
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.closeCalls++
	t.mu.Unlock()
	t.doneOnce.Do(func() { close(t.done) })
	return nil
}

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *Transport) LastEventID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventID
}

// Disconnect simulates the client going away.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.doneOnce.Do(func() { close(t.done) })
}

// FailWrites makes every later write fail without closing Done.
func (t *Transport) FailWrites() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failWrites = true
}

// Output returns the raw bytes written so far.
func (t *Transport) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out.String()
}

// Frames decodes everything written so far.
func (t *Transport) Frames() []types.Frame {
	return frame.Decode(t.Output())
}

// HeadersSent reports whether SendHeaders succeeded.
func (t *Transport) HeadersSent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.headersSent
}

// Response returns what Respond received.
func (t *Transport) Response() (status int, body any, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.body, t.responded
}

// CloseCalls returns how many times Close was called.
func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}
