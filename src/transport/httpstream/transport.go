// Package httpstream adapts net/http responses to the event-stream transport.
package httpstream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/sse/src/session"
	"github.com/orchestra-mcp/sse/src/types"
)

// Transport streams over an http.ResponseWriter. It is done when the
// request context ends or Close is called.
type Transport struct {
	w       http.ResponseWriter
	r       *http.Request
	rc      *http.ResponseController
	logger  zerolog.Logger
	stopCtx func() bool

	mu          sync.Mutex
	headersSent bool
	responded   bool
	closed      bool

	done     chan struct{}
	doneOnce sync.Once
}

var _ types.Transport = (*Transport)(nil)

// New wraps w. It fails when w cannot flush.
func New(w http.ResponseWriter, r *http.Request, logger zerolog.Logger) (*Transport, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, types.ErrStreamUnsupported
	}
	t := &Transport{
		w:      w,
		r:      r,
		rc:     http.NewResponseController(w),
		logger: logger,
		done:   make(chan struct{}),
	}
	t.stopCtx = context.AfterFunc(r.Context(), t.markDone)
	return t, nil
}

// SendHeaders writes the event-stream headers and flushes them.
func (t *Transport) SendHeaders() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return types.ErrTransportClosed
	case t.responded:
		return types.ErrAlreadyResponded
	case t.headersSent:
		return types.ErrHeadersSent
	}

	// Streams outlive the server's WriteTimeout.
	if err := t.rc.SetWriteDeadline(time.Time{}); err != nil {
		t.logger.Warn().Err(err).Msg("could not disable write deadline")
	}

	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	t.w.WriteHeader(http.StatusOK)
	if err := t.rc.Flush(); err != nil {
		return err
	}
	t.headersSent = true
	return nil
}

// Write sends p and flushes it.
func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.headersSent {
		return types.ErrTransportClosed
	}
	select {
	case <-t.done:
		return types.ErrTransportClosed
	default:
	}
	if _, err := t.w.Write(p); err != nil {
		return err
	}
	return t.rc.Flush()
}

// Respond writes a terminal response. Strings and byte slices are sent as
// text, anything else as JSON.
func (t *Transport) Respond(status int, body any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return types.ErrTransportClosed
	case t.headersSent:
		return types.ErrHeadersSent
	case t.responded:
		return types.ErrAlreadyResponded
	}
	t.responded = true

	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		t.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		payload = []byte(b)
	case []byte:
		t.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		payload = b
	default:
		data, err := json.Marshal(body)
		if err != nil {
			http.Error(t.w, "response encoding failed", http.StatusInternalServerError)
			return err
		}
		t.w.Header().Set("Content-Type", "application/json")
		payload = data
	}
	t.w.WriteHeader(status)
	if len(payload) > 0 {
		if _, err := t.w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Close stops further writes. The response itself ends when the handler
// returns.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.stopCtx()
	t.markDone()
	return nil
}

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// LastEventID reads the Last-Event-ID header, falling back to the
// lastEventId query parameter used by clients that cannot set headers.
func (t *Transport) LastEventID() string {
	if id := t.r.Header.Get("Last-Event-ID"); id != "" {
		return id
	}
	return t.r.URL.Query().Get("lastEventId")
}

func (t *Transport) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// Handler serves every request through the engine.
func Handler(e *session.Engine, h session.Handler, logger zerolog.Logger) http.Handler {
	logger = logger.With().Str("component", "http-stream").Logger()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := New(w, r, logger)
		if err != nil {
			logger.Error().Err(err).Msg("streaming not supported")
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		defer t.Close()
		if err := e.Serve(r.Context(), t, h); err != nil {
			logger.Debug().Err(err).Str("path", r.URL.Path).Msg("stream request ended with error")
		}
	})
}
