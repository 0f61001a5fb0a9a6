// Package rooms groups connections under names and fans room publishes out
// locally and, through a bridge adapter, to other nodes.
package rooms

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smallnest/chanx"

	"github.com/orchestra-mcp/sse/src/bridge"
	"github.com/orchestra-mcp/sse/src/hub"
	"github.com/orchestra-mcp/sse/src/types"
)

// ErrUnknownConnection is returned when joining rooms for an id the hub
// does not know.
var ErrUnknownConnection = errors.New("rooms: unknown connection")

// PublishOptions tunes Publish and Broadcast.
type PublishOptions struct {
	// ExceptID is skipped on every node.
	ExceptID string
	// Local keeps the publish on this node.
	Local bool
}

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
)

type adapterOp struct {
	kind opKind
	room string
}

// Manager keeps the room membership index for one node.
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]struct{} // room -> connection ids
	members map[string]map[string]struct{} // connection id -> rooms
	closed  bool

	nodeID    string
	adapter   bridge.Adapter
	hub       *hub.Hub
	opTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	ops    *chanx.UnboundedChan[adapterOp]
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithNodeID replaces the generated node id.
func WithNodeID(id string) Option {
	return func(m *Manager) { m.nodeID = id }
}

// WithOpTimeout bounds each adapter subscribe or unsubscribe call.
func WithOpTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.opTimeout = d
		}
	}
}

// New creates a Manager delivering through h. A nil adapter means a
// single-node deployment. Connections leaving the hub leave all their rooms.
func New(h *hub.Hub, adapter bridge.Adapter, logger zerolog.Logger, opts ...Option) *Manager {
	if adapter == nil {
		adapter = bridge.NewMemory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		rooms:     make(map[string]map[string]struct{}),
		members:   make(map[string]map[string]struct{}),
		nodeID:    uuid.New().String(),
		adapter:   adapter,
		hub:       h,
		opTimeout: 5 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
		ops:       chanx.NewUnboundedChan[adapterOp](ctx, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.With().Str("component", "rooms").Str("node_id", m.nodeID).Logger()

	if h != nil {
		h.OnDisconnection(func(c *hub.Connection, _ hub.CloseReason) {
			m.LeaveAll(c.ID())
		})
	}

	m.wg.Add(1)
	go m.run()
	return m
}

// NodeID identifies this node on the adapter.
func (m *Manager) NodeID() string { return m.nodeID }

// Adapter returns the cross-node adapter.
func (m *Manager) Adapter() bridge.Adapter { return m.adapter }

// Start registers the inbound handler and connects the adapter.
func (m *Manager) Start(ctx context.Context) error {
	m.adapter.OnMessage(m.handleRemote)
	if err := m.adapter.Connect(ctx); err != nil {
		return err
	}
	m.logger.Info().Msg("room manager started")
	return nil
}

// Join adds connID to rooms. Joining a room twice is a no-op. The first
// local member of a room subscribes this node to it.
func (m *Manager) Join(connID string, rooms ...string) error {
	if m.hub != nil && !m.hub.Has(connID) {
		return ErrUnknownConnection
	}

	m.mu.Lock()
	for _, room := range rooms {
		if room == "" {
			continue
		}
		conns, ok := m.rooms[room]
		if !ok {
			conns = make(map[string]struct{})
			m.rooms[room] = conns
			m.enqueue(adapterOp{kind: opSubscribe, room: room})
		}
		conns[connID] = struct{}{}

		joined, ok := m.members[connID]
		if !ok {
			joined = make(map[string]struct{})
			m.members[connID] = joined
		}
		joined[room] = struct{}{}
	}
	m.mu.Unlock()

	// The connection may have left the hub while we were indexing it.
	if m.hub != nil && !m.hub.Has(connID) {
		m.LeaveAll(connID)
		return ErrUnknownConnection
	}
	return nil
}

// Leave removes connID from rooms. Rooms left empty are dropped and
// unsubscribed.
func (m *Manager) Leave(connID string, rooms ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, room := range rooms {
		m.removeLocked(connID, room)
	}
}

// LeaveAll removes connID from every room and returns the rooms it was in.
func (m *Manager) LeaveAll(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined := sortedKeys(m.members[connID])
	for _, room := range joined {
		m.removeLocked(connID, room)
	}
	return joined
}

func (m *Manager) removeLocked(connID, room string) {
	if conns, ok := m.rooms[room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(m.rooms, room)
			m.enqueue(adapterOp{kind: opUnsubscribe, room: room})
		}
	}
	if joined, ok := m.members[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(m.members, connID)
		}
	}
}

// Publish sends f to the room's members on other nodes. Local delivery is
// the caller's job; see Broadcast.
func (m *Manager) Publish(ctx context.Context, room string, f types.Frame, opts PublishOptions) error {
	if opts.Local {
		return nil
	}
	msg := bridge.Message{NodeID: m.nodeID, Room: room, ExceptID: opts.ExceptID, Frame: f}
	if err := m.adapter.Publish(ctx, msg); err != nil {
		m.logger.Error().Err(err).Str("room", room).Msg("adapter publish failed")
		return err
	}
	return nil
}

// Broadcast delivers f to the room's local members, except opts.ExceptID,
// then publishes it to other nodes. It returns the local delivery count.
func (m *Manager) Broadcast(ctx context.Context, room string, f types.Frame, opts PublishOptions) (int, error) {
	n := m.deliverLocal(ctx, room, f, opts.ExceptID)
	return n, m.Publish(ctx, room, f, opts)
}

// BroadcastAll delivers f to every local connection and to every other node.
func (m *Manager) BroadcastAll(ctx context.Context, f types.Frame, opts PublishOptions) (int, error) {
	n := m.deliverLocal(ctx, "", f, opts.ExceptID)
	return n, m.Publish(ctx, "", f, opts)
}

// deliverLocal sends to members of room, or to everyone when room is empty.
func (m *Manager) deliverLocal(ctx context.Context, room string, f types.Frame, exceptID string) int {
	if m.hub == nil {
		return 0
	}
	if room == "" {
		return m.hub.BroadcastIf(ctx, f, func(c *hub.Connection) bool {
			return c.ID() != exceptID
		})
	}

	m.mu.RLock()
	targets := make(map[string]struct{}, len(m.rooms[room]))
	for id := range m.rooms[room] {
		if id != exceptID {
			targets[id] = struct{}{}
		}
	}
	m.mu.RUnlock()
	if len(targets) == 0 {
		return 0
	}

	return m.hub.BroadcastIf(ctx, f, func(c *hub.Connection) bool {
		_, ok := targets[c.ID()]
		return ok
	})
}

// handleRemote delivers messages from other nodes to local members.
func (m *Manager) handleRemote(msg bridge.Message) {
	if msg.NodeID == m.nodeID {
		return
	}
	n := m.deliverLocal(m.ctx, msg.Room, msg.Frame, msg.ExceptID)
	m.logger.Debug().
		Str("from_node", msg.NodeID).
		Str("room", msg.Room).
		Int("delivered", n).
		Msg("remote publish delivered")
}

// enqueue must be called with mu held so ops keep index order.
func (m *Manager) enqueue(op adapterOp) {
	if m.closed {
		return
	}
	m.ops.In <- op
}

func (m *Manager) run() {
	defer m.wg.Done()
	for op := range m.ops.Out {
		m.apply(op)
	}
}

func (m *Manager) apply(op adapterOp) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opTimeout)
	defer cancel()

	var err error
	switch op.kind {
	case opSubscribe:
		err = m.adapter.Subscribe(ctx, op.room)
	case opUnsubscribe:
		err = m.adapter.Unsubscribe(ctx, op.room)
	}
	if err != nil {
		m.logger.Error().Err(err).Str("room", op.room).Int("op", int(op.kind)).Msg("adapter room update failed")
	}
}

// Close drains pending adapter updates and disconnects the adapter.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.ops.In)
	m.mu.Unlock()

	m.wg.Wait()
	m.cancel()
	return m.adapter.Disconnect()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
