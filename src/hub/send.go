package hub

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/orchestra-mcp/sse/src/types"
	"golang.org/x/sync/errgroup"
)

// Send validates and writes a frame to one connection.
//
// It returns (false, nil) when the id is unknown or the write failed; a
// failed write also unregisters the connection. Validation and encoding
// problems return an error of kind KindValidation and leave the connection
// open.
func (h *Hub) Send(ctx context.Context, id string, f types.Frame) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c := h.Get(id)
	if c == nil {
		return false, nil
	}
	if err := c.validate(f); err != nil {
		return false, err
	}

	err := c.write(f)
	var encErr errEncode
	switch {
	case err == nil:
		h.observer.FrameSent(f.Event)
		return true, nil
	case errors.As(err, &encErr):
		return false, &types.Error{Kind: types.KindValidation, Op: "send", Err: encErr.err}
	default:
		h.observer.SendFailed()
		h.logger.Debug().Err(err).Str("connection_id", id).Msg("write failed, dropping connection")
		if h.Unregister(id, ReasonSendFailed) {
			_ = c.transport.Close()
		}
		return false, nil
	}
}

// Broadcast sends f to every live connection and returns how many
// deliveries succeeded.
func (h *Hub) Broadcast(ctx context.Context, f types.Frame) int {
	return h.BroadcastIf(ctx, f, nil)
}

// BroadcastIf sends f to every live connection matching pred. A nil pred
// matches everything. A failing connection never stops delivery to the rest.
func (h *Hub) BroadcastIf(ctx context.Context, f types.Frame, pred func(*Connection) bool) int {
	targets := h.Connections()

	var delivered atomic.Int64
	var g errgroup.Group
	g.SetLimit(h.fanout)
	for _, c := range targets {
		if pred != nil && !pred(c) {
			continue
		}
		g.Go(func() error {
			ok, err := h.Send(ctx, c.id, f)
			if err != nil {
				h.logger.Debug().Err(err).Str("connection_id", c.id).Msg("broadcast skipped connection")
			}
			if ok {
				delivered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}
