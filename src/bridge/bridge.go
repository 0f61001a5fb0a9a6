package bridge

import (
	"context"

	"github.com/orchestra-mcp/sse/src/types"
)

// Message is a room publish relayed between server instances. An empty
// Room addresses every connection on the receiving node.
type Message struct {
	NodeID   string      `json:"node_id" msgpack:"node_id"`
	Room     string      `json:"room,omitempty" msgpack:"room,omitempty"`
	ExceptID string      `json:"except_id,omitempty" msgpack:"except_id,omitempty"`
	Frame    types.Frame `json:"frame" msgpack:"frame"`
}

// Adapter defines the interface for cross-instance room fan-out.
// Implementations may deliver a node's own publishes back to it; the room
// manager drops those by node id.
type Adapter interface {
	// Connect opens the underlying transport and starts delivering
	// inbound messages.
	Connect(ctx context.Context) error

	// Disconnect shuts the adapter down. Safe to call more than once.
	Disconnect() error

	// Subscribe starts receiving publishes for room.
	Subscribe(ctx context.Context, room string) error

	// Unsubscribe stops receiving publishes for room.
	Unsubscribe(ctx context.Context, room string) error

	// Publish sends msg to every other instance subscribed to msg.Room.
	Publish(ctx context.Context, msg Message) error

	// OnMessage sets the inbound handler.
	OnMessage(handler func(Message))

	// Available reports whether the adapter is connected and operational.
	Available() bool
}
