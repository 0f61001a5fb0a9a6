// Package fasthttpstream adapts fasthttp requests to the event-stream
// transport.
//
// A fasthttp handler must return before its response is written, so the
// engine runs in its own goroutine. Headers and terminal responses are
// applied by the request goroutine; frames are pushed to the body stream
// writer once fasthttp starts sending the response.
package fasthttpstream

import (
	"bufio"
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/orchestra-mcp/sse/src/session"
	"github.com/orchestra-mcp/sse/src/types"
)

type writeReq struct {
	p     []byte
	reply chan error
}

type response struct {
	status int
	body   any
	reply  chan error
}

// Transport is the engine side of one fasthttp request.
type Transport struct {
	lastEventID string

	mu          sync.Mutex
	headersSent bool
	responded   bool
	closed      bool

	headers   chan struct{}
	responses chan response
	writes    chan writeReq
	closing   chan struct{}
	closeOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
}

var _ types.Transport = (*Transport)(nil)

func newTransport(rc *fasthttp.RequestCtx) *Transport {
	id := string(rc.Request.Header.Peek("Last-Event-ID"))
	if id == "" {
		id = string(rc.QueryArgs().Peek("lastEventId"))
	}
	return &Transport{
		lastEventID: id,
		headers:     make(chan struct{}),
		responses:   make(chan response),
		writes:      make(chan writeReq),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SendHeaders asks the request goroutine to start the event stream.
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
	t.headersSent = true
	close(t.headers)
	return nil
}

// Write hands p to the body stream writer and waits until it is flushed.
func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	ok := t.headersSent && !t.closed
	t.mu.Unlock()
	if !ok {
		return types.ErrTransportClosed
	}

	req := writeReq{p: p, reply: make(chan error, 1)}
	select {
	case t.writes <- req:
	case <-t.done:
		return types.ErrTransportClosed
	}
	select {
	case err := <-req.reply:
		return err
	case <-t.done:
		return types.ErrTransportClosed
	}
}

// Respond asks the request goroutine to send a terminal response.
func (t *Transport) Respond(status int, body any) error {
	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return types.ErrTransportClosed
	case t.headersSent:
		t.mu.Unlock()
		return types.ErrHeadersSent
	case t.responded:
		t.mu.Unlock()
		return types.ErrAlreadyResponded
	}
	t.responded = true
	t.mu.Unlock()

	r := response{status: status, body: body, reply: make(chan error, 1)}
	select {
	case t.responses <- r:
		return <-r.reply
	case <-t.done:
		return types.ErrTransportClosed
	}
}

// Close ends the stream; the response finishes once pending writes drain.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.closing) })
	t.markDone()
	return nil
}

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) IsOpen() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *Transport) LastEventID() string { return t.lastEventID }

func (t *Transport) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// pump runs as the body stream writer until the stream is closed or the
// client stops reading.
func (t *Transport) pump(w *bufio.Writer) {
	defer t.markDone()
	for {
		select {
		case req := <-t.writes:
			_, err := w.Write(req.p)
			if err == nil {
				err = w.Flush()
			}
			req.reply <- err
			if err != nil {
				return
			}
		case <-t.closing:
			return
		}
	}
}

func applyResponse(rc *fasthttp.RequestCtx, r response) error {
	rc.SetStatusCode(r.status)
	switch b := r.body.(type) {
	case nil:
		return nil
	case string:
		rc.SetContentType("text/plain; charset=utf-8")
		rc.SetBodyString(b)
	case []byte:
		rc.SetContentType("text/plain; charset=utf-8")
		rc.SetBody(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			rc.SetStatusCode(fasthttp.StatusInternalServerError)
			return err
		}
		rc.SetContentType("application/json")
		rc.SetBody(data)
	}
	return nil
}

// Handler serves every request through the engine.
func Handler(e *session.Engine, h session.Handler, logger zerolog.Logger) fasthttp.RequestHandler {
	logger = logger.With().Str("component", "fasthttp-stream").Logger()
	return func(rc *fasthttp.RequestCtx) {
		t := newTransport(rc)
		path := string(rc.Path())

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-t.done
			cancel()
		}()

		served := make(chan struct{})
		go func() {
			defer close(served)
			if err := e.Serve(ctx, t, h); err != nil {
				logger.Debug().Err(err).Str("path", path).Msg("stream request ended with error")
			}
		}()

		select {
		case <-t.headers:
			rc.SetStatusCode(fasthttp.StatusOK)
			rc.SetContentType("text/event-stream")
			rc.Response.Header.Set("Cache-Control", "no-cache")
			rc.Response.Header.Set("X-Accel-Buffering", "no")
			// Without this fasthttp holds the headers until the first
			// body chunk, and an idle stream never reaches the client.
			rc.Response.ImmediateHeaderFlush = true
			rc.SetBodyStreamWriter(t.pump)
		case r := <-t.responses:
			r.reply <- applyResponse(rc, r)
			t.markDone()
		case <-served:
			t.markDone()
		}
	}
}
