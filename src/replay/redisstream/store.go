// Package redisstream keeps replay history in a Redis stream so that any
// node can serve a reconnecting client.
package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/sse/src/frame"
	"github.com/orchestra-mcp/sse/src/replay"
	"github.com/orchestra-mcp/sse/src/types"
)

const (
	fieldEvent = "event"
	fieldData  = "data"
	fieldRetry = "retry"
)

// Store appends frames to a stream and reads them back page by page.
// Stream entry ids double as event ids.
type Store struct {
	client   redis.UniversalClient
	key      string
	maxLen   int64
	pageSize int64
	logger   zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxLen trims the stream to roughly n entries on append.
func WithMaxLen(n int64) Option {
	return func(s *Store) { s.maxLen = n }
}

// WithPageSize sets how many entries each XRANGE call fetches.
func WithPageSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New creates a Store over the stream at key.
func New(client redis.UniversalClient, key string, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		client:   client,
		key:      key,
		maxLen:   1000,
		pageSize: 100,
		logger:   logger.With().Str("component", "redis-history").Str("stream", key).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append writes f to the stream and returns it with its assigned id.
// A caller-supplied id is ignored: ids must follow stream order.
func (s *Store) Append(ctx context.Context, f types.Frame) (types.Frame, error) {
	data, err := frame.EncodeData(f.Data)
	if err != nil {
		return f, err
	}
	values := map[string]any{
		fieldEvent: f.Event,
		fieldData:  data,
		fieldRetry: strconv.FormatInt(f.Retry.Milliseconds(), 10),
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return f, fmt.Errorf("append to %s: %w", s.key, err)
	}
	f.ID = id
	f.Data = data
	return f, nil
}

// Since lazily yields every entry after lastID, fetching pageSize entries
// at a time.
func (s *Store) Since(ctx context.Context, lastID string) replay.Sequence {
	return func(yield func(types.Frame, error) bool) {
		start := lastID
		for {
			msgs, err := s.client.XRangeN(ctx, s.key, start, "+", s.pageSize).Result()
			if err != nil {
				yield(types.Frame{}, fmt.Errorf("read %s from %s: %w", s.key, start, err))
				return
			}
			for _, msg := range msgs {
				if msg.ID == start {
					continue
				}
				f, err := decode(msg)
				if err != nil {
					s.logger.Error().Err(err).Str("entry_id", msg.ID).Msg("skipping malformed history entry")
					continue
				}
				if !yield(f, nil) {
					return
				}
			}
			if int64(len(msgs)) < s.pageSize {
				return
			}
			start = msgs[len(msgs)-1].ID
		}
	}
}

var _ replay.Recorder = (*Store)(nil)

// Source adapts the store to a reconnect callback.
func (s *Store) Source() replay.Source {
	return func(ctx context.Context, _, lastEventID string) (replay.Sequence, error) {
		return s.Since(ctx, lastEventID), nil
	}
}

func decode(msg redis.XMessage) (types.Frame, error) {
	f := types.Frame{ID: msg.ID}
	data, ok := msg.Values[fieldData].(string)
	if !ok {
		return f, fmt.Errorf("%w: missing data field", types.ErrInvalidFrame)
	}
	f.Data = data
	if ev, ok := msg.Values[fieldEvent].(string); ok {
		f.Event = ev
	}
	if raw, ok := msg.Values[fieldRetry].(string); ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, fmt.Errorf("%w: retry %q", types.ErrInvalidFrame, raw)
		}
		f.Retry = time.Duration(ms) * time.Millisecond
	}
	return f, nil
}

// Record implements replay.Recorder.
func (s *Store) Record(ctx context.Context, f types.Frame) (types.Frame, error) {
	return s.Append(ctx, f)
}
