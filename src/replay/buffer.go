package replay

import (
	"context"
	"strconv"
	"sync"

	"github.com/orchestra-mcp/sse/src/types"
)

// Buffer keeps the most recent frames in memory for replay.
type Buffer struct {
	mu     sync.RWMutex
	frames []types.Frame
	size   int
	next   uint64
}

// NewBuffer returns a Buffer retaining at most size frames.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 100
	}
	return &Buffer{size: size, frames: make([]types.Frame, 0, size)}
}

// Append stores f, assigning a sequential id when it has none, and returns
// the stored frame.
func (b *Buffer) Append(f types.Frame) types.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	if f.ID == "" {
		f.ID = strconv.FormatUint(b.next, 10)
	}
	if len(b.frames) == b.size {
		copy(b.frames, b.frames[1:])
		b.frames = b.frames[:len(b.frames)-1]
	}
	b.frames = append(b.frames, f)
	return f
}

// Since returns the frames stored after lastID. If lastID is no longer (or
// never was) in the buffer it returns nil.
func (b *Buffer) Since(lastID string) Sequence {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i := len(b.frames) - 1; i >= 0; i-- {
		if b.frames[i].ID == lastID {
			missed := make([]types.Frame, len(b.frames)-i-1)
			copy(missed, b.frames[i+1:])
			return FromSlice(missed)
		}
	}
	return nil
}

// Source adapts the buffer to a reconnect callback.
func (b *Buffer) Source() Source {
	return func(_ context.Context, _, lastEventID string) (Sequence, error) {
		return b.Since(lastEventID), nil
	}
}

// Len returns how many frames are retained.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.frames)
}

// Record implements Recorder.
func (b *Buffer) Record(_ context.Context, f types.Frame) (types.Frame, error) {
	return b.Append(f), nil
}
