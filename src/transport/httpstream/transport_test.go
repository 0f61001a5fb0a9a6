package httpstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/sse/src/frame"
	"github.com/orchestra-mcp/sse/src/hub"
	"github.com/orchestra-mcp/sse/src/session"
	"github.com/orchestra-mcp/sse/src/types"
)

var errEnough = errors.New("enough frames")

// plainWriter cannot flush.
type plainWriter struct{ header http.Header }

func (p *plainWriter) Header() http.Header         { return p.header }
func (p *plainWriter) Write(b []byte) (int, error) { return len(b), nil }
func (p *plainWriter) WriteHeader(int)             {}

func TestNewRequiresFlusher(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/events", nil)
	_, err := New(&plainWriter{header: http.Header{}}, r, zerolog.Nop())
	assert.ErrorIs(t, err, types.ErrStreamUnsupported)
}

func TestRespondJSON(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/events", nil)
	tr, err := New(w, r, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, tr.Respond(http.StatusNotFound, map[string]string{"error": "no topic"}))
	assert.ErrorIs(t, tr.SendHeaders(), types.ErrAlreadyResponded)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"no topic"}`, w.Body.String())
}

func TestSendHeadersAndWrite(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/events", nil)
	tr, err := New(w, r, zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, tr.Write([]byte("data: early\n\n")), types.ErrTransportClosed)
	require.NoError(t, tr.SendHeaders())
	assert.ErrorIs(t, tr.Respond(http.StatusOK, nil), types.ErrHeadersSent)
	require.NoError(t, tr.Write([]byte("data: hi\n\n")))

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.True(t, w.Flushed)
	assert.Equal(t, "data: hi\n\n", w.Body.String())

	require.NoError(t, tr.Close())
	assert.False(t, tr.IsOpen())
	assert.ErrorIs(t, tr.Write([]byte("data: late\n\n")), types.ErrTransportClosed)
	<-tr.Done()
}

func TestLastEventID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/events?lastEventId=q-7", nil)
	tr, err := New(httptest.NewRecorder(), r, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "q-7", tr.LastEventID())

	r.Header.Set("Last-Event-ID", "h-9")
	assert.Equal(t, "h-9", tr.LastEventID())
}

func TestDoneFollowsRequestContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	tr, err := New(httptest.NewRecorder(), r, zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, tr.IsOpen())
	cancel()
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("transport not done after request context ended")
	}
	assert.False(t, tr.IsOpen())
}

func TestHandlerStreamsOverHTTP(t *testing.T) {
	h := hub.New(zerolog.Nop())
	e := session.New(h, zerolog.Nop())

	streams := make(chan *session.Stream, 1)
	srv := httptest.NewServer(Handler(e, func(ctx context.Context, s *session.Session) error {
		if s.LastEventID() == "missing" {
			return types.StatusError(http.StatusNotFound, "unknown cursor")
		}
		st, err := s.Start(ctx, session.KeepAlive)
		if err != nil {
			return err
		}
		streams <- st
		return nil
	}, zerolog.Nop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	st := <-streams
	ctx := context.Background()
	for _, ev := range []string{"A", "B", "C"} {
		ok, err := st.Send(ctx, ev, map[string]string{"name": ev})
		require.NoError(t, err)
		require.True(t, ok)
	}

	var got []types.Frame
	err = frame.Read(ctx, resp.Body, func(f types.Frame) error {
		got = append(got, f)
		if len(got) == 3 {
			return errEnough
		}
		return nil
	})
	require.ErrorIs(t, err, errEnough)
	assert.Equal(t, "A", got[0].Event)
	assert.Equal(t, "C", got[2].Event)
	assert.JSONEq(t, `{"name":"B"}`, got[1].Data.(string))

	st.Close()
	require.Eventually(t, func() bool { return h.Count() == 0 }, time.Second, 5*time.Millisecond)

	notFound, err := http.Get(srv.URL + "/events?lastEventId=missing")
	require.NoError(t, err)
	defer notFound.Body.Close()
	assert.Equal(t, http.StatusNotFound, notFound.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(notFound.Body).Decode(&body))
	assert.Equal(t, "unknown cursor", body["error"])
}

func TestClientDisconnectEndsStream(t *testing.T) {
	h := hub.New(zerolog.Nop())
	e := session.New(h, zerolog.Nop())
	srv := httptest.NewServer(Handler(e, func(ctx context.Context, s *session.Session) error {
		_, err := s.Start(ctx, session.KeepAlive)
		return err
	}, zerolog.Nop()))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return h.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBroadcastFromConnectionCallback(t *testing.T) {
	h := hub.New(zerolog.Nop())
	h.OnConnection(func(*hub.Connection) {
		h.Broadcast(context.Background(), types.Frame{Event: "joined", Data: "hi"})
	})
	e := session.New(h, zerolog.Nop())

	started := make(chan error, 1)
	srv := httptest.NewServer(Handler(e, func(ctx context.Context, s *session.Session) error {
		st, err := s.Start(ctx, session.AutoClose)
		started <- err
		if err != nil {
			return err
		}
		_, err = st.Send(ctx, "A", "a")
		return err
	}, zerolog.Nop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, <-started)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	require.NoError(t, frame.Read(context.Background(), resp.Body, func(f types.Frame) error {
		events = append(events, f.Event)
		return nil
	}))
	assert.Equal(t, []string{"joined", "A"}, events)
}
