package redisstream

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/sse/src/replay"
	"github.com/orchestra-mcp/sse/src/types"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "sse:history", zerolog.Nop(), opts...), mr
}

func drain(t *testing.T, seq replay.Sequence) []types.Frame {
	t.Helper()
	var out []types.Frame
	_, err := replay.Drain(context.Background(), seq, func(_ context.Context, f types.Frame) (bool, error) {
		out = append(out, f)
		return true, nil
	})
	require.NoError(t, err)
	return out
}

func TestAppendAssignsStreamIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.Append(ctx, types.Frame{ID: "ignored", Event: "e", Data: map[string]int{"n": 1}})
	require.NoError(t, err)
	b, err := s.Append(ctx, types.Frame{Data: "two", Retry: time.Second})
	require.NoError(t, err)

	assert.NotEqual(t, "ignored", a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, `{"n":1}`, a.Data)
}

func TestAppendTrimsApproximately(t *testing.T) {
	s, _ := newTestStore(t, WithMaxLen(3))
	ctx := context.Background()

	var last types.Frame
	for i := 0; i < 10; i++ {
		f, err := s.Append(ctx, types.Frame{Data: "x"})
		require.NoError(t, err)
		last = f
	}

	n, err := s.client.XLen(ctx, s.key).Result()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(3))
	assert.LessOrEqual(t, n, int64(10))
	assert.Empty(t, drain(t, s.Since(ctx, last.ID)))
}

func TestSinceReturnsEntriesAfterID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var appended []types.Frame
	for _, d := range []string{"1", "2", "3"} {
		f, err := s.Append(ctx, types.Frame{Event: "n", Data: d})
		require.NoError(t, err)
		appended = append(appended, f)
	}

	got := drain(t, s.Since(ctx, appended[0].ID))
	require.Len(t, got, 2)
	assert.Equal(t, appended[1], got[0])
	assert.Equal(t, appended[2], got[1])

	assert.Empty(t, drain(t, s.Since(ctx, appended[2].ID)))
}

func TestSincePagesThroughStream(t *testing.T) {
	s, _ := newTestStore(t, WithPageSize(2))
	ctx := context.Background()

	first, err := s.Append(ctx, types.Frame{Data: "0"})
	require.NoError(t, err)
	for i := 1; i <= 7; i++ {
		_, err := s.Append(ctx, types.Frame{Data: string(rune('0' + i))})
		require.NoError(t, err)
	}

	got := drain(t, s.Since(ctx, first.ID))
	require.Len(t, got, 7)
	for i, f := range got {
		assert.Equal(t, string(rune('1'+i)), f.Data)
	}
}

func TestSinceKeepsRetry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	first, err := s.Append(ctx, types.Frame{Data: "a"})
	require.NoError(t, err)
	_, err = s.Append(ctx, types.Frame{Data: "b", Retry: 1500 * time.Millisecond})
	require.NoError(t, err)

	got := drain(t, s.Since(ctx, first.ID))
	require.Len(t, got, 1)
	assert.Equal(t, 1500*time.Millisecond, got[0].Retry)
}

func TestSinceSurfacesRedisErrors(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := replay.Drain(context.Background(), s.Since(context.Background(), "0-0"), func(context.Context, types.Frame) (bool, error) {
		return true, nil
	})
	assert.Error(t, err)
}

func TestSource(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	first, err := s.Append(ctx, types.Frame{Data: "a"})
	require.NoError(t, err)
	_, err = s.Append(ctx, types.Frame{Data: "b"})
	require.NoError(t, err)

	seq, err := s.Source()(ctx, "conn-1", first.ID)
	require.NoError(t, err)
	got := drain(t, seq)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Data)
}
