package bridge

import (
	"context"
	"sync"
)

// Memory is the single-process adapter: nothing leaves the node.
type Memory struct{}

// NewMemory returns a no-op adapter.
func NewMemory() *Memory { return &Memory{} }

func (*Memory) Connect(context.Context) error             { return nil }
func (*Memory) Disconnect() error                         { return nil }
func (*Memory) Subscribe(context.Context, string) error   { return nil }
func (*Memory) Unsubscribe(context.Context, string) error { return nil }
func (*Memory) Publish(context.Context, Message) error    { return nil }
func (*Memory) OnMessage(func(Message))                   {}
func (*Memory) Available() bool                           { return true }

// Bus connects several nodes living in one process. Every adapter, the
// publisher included, receives messages for rooms it subscribed to.
type Bus struct {
	mu       sync.RWMutex
	adapters []*BusAdapter
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus { return &Bus{} }

// Adapter attaches a new node to the bus.
func (b *Bus) Adapter() *BusAdapter {
	a := &BusAdapter{bus: b, rooms: make(map[string]struct{})}
	b.mu.Lock()
	b.adapters = append(b.adapters, a)
	b.mu.Unlock()
	return a
}

func (b *Bus) deliver(msg Message) {
	b.mu.RLock()
	targets := append([]*BusAdapter(nil), b.adapters...)
	b.mu.RUnlock()

	for _, a := range targets {
		if h := a.handlerFor(msg.Room); h != nil {
			h(msg)
		}
	}
}

// BusAdapter is one node's view of a Bus.
type BusAdapter struct {
	bus *Bus

	mu        sync.RWMutex
	rooms     map[string]struct{}
	handler   func(Message)
	connected bool
}

func (a *BusAdapter) Connect(context.Context) error {
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *BusAdapter) Disconnect() error {
	a.mu.Lock()
	a.connected = false
	a.rooms = make(map[string]struct{})
	a.mu.Unlock()
	return nil
}

func (a *BusAdapter) Subscribe(_ context.Context, room string) error {
	a.mu.Lock()
	a.rooms[room] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *BusAdapter) Unsubscribe(_ context.Context, room string) error {
	a.mu.Lock()
	delete(a.rooms, room)
	a.mu.Unlock()
	return nil
}

func (a *BusAdapter) Publish(_ context.Context, msg Message) error {
	if !a.Available() {
		return ErrNotConnected
	}
	a.bus.deliver(msg)
	return nil
}

func (a *BusAdapter) OnMessage(handler func(Message)) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

func (a *BusAdapter) Available() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Subscribed reports whether the node receives publishes for room.
func (a *BusAdapter) Subscribed(room string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.rooms[room]
	return ok
}

// handlerFor returns the inbound handler when the node should see a
// message for room. Node-wide messages reach every connected node.
func (a *BusAdapter) handlerFor(room string) func(Message) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected || a.handler == nil {
		return nil
	}
	if room != "" {
		if _, ok := a.rooms[room]; !ok {
			return nil
		}
	}
	return a.handler
}
