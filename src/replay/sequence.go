// Package replay models the frames a reconnecting client missed.
//
// History is owned by the caller. The engine only pulls from a Sequence,
// which may be backed by a slice in memory or by a source that fetches
// pages on demand.
package replay

import (
	"context"
	"iter"

	"github.com/orchestra-mcp/sse/src/types"
)

// Sequence is a lazy, ordered run of frames. A non-nil error ends it.
type Sequence = iter.Seq2[types.Frame, error]

// FromSlice yields frames in order.
func FromSlice(frames []types.Frame) Sequence {
	return func(yield func(types.Frame, error) bool) {
		for _, f := range frames {
			if !yield(f, nil) {
				return
			}
		}
	}
}

// FromChannel yields frames received from ch until it is closed or ctx ends.
func FromChannel(ctx context.Context, ch <-chan types.Frame) Sequence {
	return func(yield func(types.Frame, error) bool) {
		for {
			select {
			case <-ctx.Done():
				yield(types.Frame{}, ctx.Err())
				return
			case f, ok := <-ch:
				if !ok {
					return
				}
				if !yield(f, nil) {
					return
				}
			}
		}
	}
}

// FromFunc yields frames produced by next until it reports done or fails.
func FromFunc(ctx context.Context, next func(ctx context.Context) (types.Frame, bool, error)) Sequence {
	return func(yield func(types.Frame, error) bool) {
		for {
			f, more, err := next(ctx)
			if err != nil {
				yield(types.Frame{}, err)
				return
			}
			if !more {
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// Source returns the frames after lastEventID for a reconnecting connection.
// A nil Sequence means nothing to replay.
type Source func(ctx context.Context, connectionID, lastEventID string) (Sequence, error)

// Drain writes every frame of seq in order through write and returns how
// many were delivered. It stops at the first sequence error, the first
// write error, or the first write that reports the connection gone.
func Drain(ctx context.Context, seq Sequence, write func(context.Context, types.Frame) (bool, error)) (int, error) {
	if seq == nil {
		return 0, nil
	}
	n := 0
	for f, err := range seq {
		if err != nil {
			return n, err
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := write(ctx, f)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, types.ErrConnectionClosed
		}
		n++
	}
	return n, nil
}

// Recorder stores frames so they can be replayed later. The returned frame
// carries the id the recorder assigned.
type Recorder interface {
	Record(ctx context.Context, f types.Frame) (types.Frame, error)
}
