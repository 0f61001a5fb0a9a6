package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/orchestra-mcp/sse/config"
	"github.com/orchestra-mcp/sse/src/frame"
	"github.com/orchestra-mcp/sse/src/types"
)

var errEnough = errors.New("enough frames")

func startTestServer(t *testing.T, redisCfg *config.RedisConfig) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.KeepAliveInterval = time.Hour
	s := New(cfg, redisCfg, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestInfoStandalone(t *testing.T) {
	s := startTestServer(t, nil)

	status, body := doJSON(t, s, http.MethodGet, "/sse/info", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["sse"])
	assert.Equal(t, "/events", body["endpoint"])
	assert.Equal(t, "memory", body["adapter"])
	assert.EqualValues(t, 0, body["clients"])
}

func TestRedisUnavailableFallsBackToMemory(t *testing.T) {
	s := startTestServer(t, &config.RedisConfig{Addr: "127.0.0.1:1", Prefix: "t:"})

	_, body := doJSON(t, s, http.MethodGet, "/sse/info", "")
	assert.Equal(t, "memory", body["adapter"])
}

func TestRedisAdapterAndStreamHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	s := startTestServer(t, &config.RedisConfig{Addr: mr.Addr(), Prefix: "t:"})

	_, body := doJSON(t, s, http.MethodGet, "/sse/info", "")
	assert.Equal(t, "redis", body["adapter"])

	status, body := doJSON(t, s, http.MethodPost, "/sse/publish", `{"event":"tick","data":1}`)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["delivered"])

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	n, err := client.XLen(context.Background(), "t:history").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestPublishValidation(t *testing.T) {
	s := startTestServer(t, nil)

	status, _ := doJSON(t, s, http.MethodPost, "/sse/publish", `{not json`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := doJSON(t, s, http.MethodPost, "/sse/publish", `{"room":"news","event":"x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body["error"], "data")
}

func TestUnknownConnection(t *testing.T) {
	s := startTestServer(t, nil)

	status, _ := doJSON(t, s, http.MethodGet, "/sse/connections/ghost", "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = doJSON(t, s, http.MethodDelete, "/sse/connections/ghost", "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = doJSON(t, s, http.MethodPost, "/sse/connections/ghost/events", `{"event":"x","data":"y"}`)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStreamJoinsRoomsAndReceivesPublish(t *testing.T) {
	s := startTestServer(t, nil)

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
			DisableKeepAlives: true,
		},
	}

	resp, err := client.Get("http://sse.test/events?rooms=news,%20sports")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return s.rooms.ConnectionCountInRoom("news") == 1 && s.rooms.ConnectionCountInRoom("sports") == 1
	}, time.Second, 5*time.Millisecond)

	id := s.hub.ConnectedIDs()[0]
	status, body := doJSON(t, s, http.MethodGet, "/sse/connections/"+id, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"news", "sports"}, body["rooms"])

	status, body = doJSON(t, s, http.MethodPost, "/sse/publish", `{"room":"news","event":"headline","data":{"title":"x"}}`)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["delivered"])

	var got types.Frame
	err = frame.Read(context.Background(), resp.Body, func(f types.Frame) error {
		got = f
		return errEnough
	})
	require.ErrorIs(t, err, errEnough)
	assert.Equal(t, "headline", got.Event)
	assert.Equal(t, `{"title":"x"}`, got.Data)
	assert.Equal(t, 3*time.Second, got.Retry)

	status, _ = doJSON(t, s, http.MethodGet, "/sse/rooms", "")
	assert.Equal(t, http.StatusOK, status)

	require.NoError(t, s.Stop(context.Background()))
	assert.Zero(t, s.hub.Count())
}

func TestStartTwice(t *testing.T) {
	s := startTestServer(t, nil)
	assert.Error(t, s.Start(context.Background()))
}

func TestMetricsEndpoint(t *testing.T) {
	s := startTestServer(t, nil)

	var rc fasthttp.RequestCtx
	rc.Request.SetRequestURI("/metrics")
	s.Handler()(&rc)

	assert.Equal(t, fasthttp.StatusOK, rc.Response.StatusCode())
	assert.Contains(t, string(rc.Response.Body()), "sse_connections_active")
}
