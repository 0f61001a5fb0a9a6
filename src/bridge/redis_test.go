package bridge

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/orchestra-mcp/sse/config"
	"github.com/orchestra-mcp/sse/src/types"
)

const testPrefix = "test:sse:"

func newRedisPair(t *testing.T) (*RedisAdapter, *RedisAdapter, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisAdapterWithClient(client, testPrefix, testLogger())
	b := NewRedisAdapterWithClient(client, testPrefix, testLogger())
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() {
		_ = a.Disconnect()
		_ = b.Disconnect()
	})
	return a, b, client
}

func waitSubscribers(t *testing.T, client *redis.Client, channel string, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		counts, err := client.PubSubNumSub(context.Background(), channel).Result()
		return err == nil && counts[channel] == n
	}, 2*time.Second, 10*time.Millisecond)
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	msg := Message{
		NodeID:   "node-1",
		Room:     "presence",
		ExceptID: "conn-9",
		Frame:    types.Frame{ID: "7", Event: "join", Data: `{"user":"alice"}`, Retry: 2 * time.Second},
	}

	payload, err := msgpack.Marshal(&msg)
	require.NoError(t, err)

	var out Message
	require.NoError(t, msgpack.Unmarshal(payload, &out))
	assert.Equal(t, msg, out)
}

func TestRedisAdapterRoomPublish(t *testing.T) {
	a, b, client := newRedisPair(t)
	ctx := context.Background()

	got := make(chan Message, 4)
	b.OnMessage(func(m Message) { got <- m })

	require.NoError(t, b.Subscribe(ctx, "lobby"))
	waitSubscribers(t, client, testPrefix+"room:lobby", 1)

	require.NoError(t, a.Publish(ctx, Message{
		NodeID: "node-a",
		Room:   "lobby",
		Frame:  types.Frame{Event: "chat", Data: map[string]string{"text": "hi"}},
	}))

	msg := receive(t, got)
	assert.Equal(t, "node-a", msg.NodeID)
	assert.Equal(t, "lobby", msg.Room)
	assert.Equal(t, "chat", msg.Frame.Event)
	assert.Equal(t, `{"text":"hi"}`, msg.Frame.Data)
}

func TestRedisAdapterBroadcastChannel(t *testing.T) {
	a, b, _ := newRedisPair(t)

	got := make(chan Message, 4)
	b.OnMessage(func(m Message) { got <- m })

	require.NoError(t, a.Publish(context.Background(), Message{NodeID: "node-a", Frame: types.Frame{Data: "all"}}))

	msg := receive(t, got)
	assert.Empty(t, msg.Room)
	assert.Equal(t, "all", msg.Frame.Data)
}

func TestRedisAdapterUnsubscribe(t *testing.T) {
	a, b, client := newRedisPair(t)
	ctx := context.Background()

	got := make(chan Message, 4)
	b.OnMessage(func(m Message) { got <- m })

	require.NoError(t, b.Subscribe(ctx, "lobby"))
	waitSubscribers(t, client, testPrefix+"room:lobby", 1)
	require.NoError(t, b.Unsubscribe(ctx, "lobby"))
	waitSubscribers(t, client, testPrefix+"room:lobby", 0)

	require.NoError(t, a.Publish(ctx, Message{Room: "lobby", Frame: types.Frame{Data: "x"}}))

	select {
	case msg := <-got:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisAdapterAvailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisAdapterWithClient(client, testPrefix, testLogger())
	assert.False(t, a.Available())
	assert.ErrorIs(t, a.Subscribe(context.Background(), "x"), ErrNotConnected)

	require.NoError(t, a.Connect(context.Background()))
	assert.True(t, a.Available())

	require.NoError(t, a.Disconnect())
	assert.False(t, a.Available())
	require.NoError(t, a.Disconnect())
}

func TestRedisAdapterConnectFailsWithoutRedis(t *testing.T) {
	cfg := config.DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	a := NewRedisAdapter(cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, a.Connect(ctx))
	assert.False(t, a.Available())
	assert.NoError(t, a.Disconnect())
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
