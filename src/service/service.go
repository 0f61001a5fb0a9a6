package service

import (
	"context"
	"fmt"

	"github.com/orchestra-mcp/sse/src/hub"
	"github.com/orchestra-mcp/sse/src/replay"
	"github.com/orchestra-mcp/sse/src/rooms"
	"github.com/orchestra-mcp/sse/src/types"
	"github.com/rs/zerolog"
)

// Service provides the high-level event-stream pub/sub API.
type Service struct {
	hub     *hub.Hub
	rooms   *rooms.Manager
	history replay.Recorder
	logger  zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHistory records every Broadcast so reconnecting clients can replay it.
func WithHistory(r replay.Recorder) Option {
	return func(s *Service) { s.history = r }
}

// New creates a new event-stream service backed by the given hub and rooms.
func New(h *hub.Hub, rm *rooms.Manager, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{hub: h, rooms: rm, logger: logger.With().Str("component", "service").Logger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Rooms returns the room manager.
func (s *Service) Rooms() *rooms.Manager { return s.rooms }

// Publish sends an event to every member of a room on every node and
// returns the local delivery count.
func (s *Service) Publish(ctx context.Context, room, event string, data any) (int, error) {
	return s.rooms.Broadcast(ctx, room, types.Frame{Event: event, Data: data}, rooms.PublishOptions{})
}

// Broadcast sends an event to every connection on every node. With a
// history configured the event is recorded first and carries its id.
func (s *Service) Broadcast(ctx context.Context, event string, data any) (int, error) {
	f := types.Frame{Event: event, Data: data}
	if s.history != nil {
		recorded, err := s.history.Record(ctx, f)
		if err != nil {
			return 0, fmt.Errorf("record broadcast: %w", err)
		}
		f = recorded
	}
	return s.rooms.BroadcastAll(ctx, f, rooms.PublishOptions{})
}

// Subscribe adds a client to a room.
func (s *Service) Subscribe(room, clientID string) error {
	if err := s.rooms.Join(clientID, room); err != nil {
		return fmt.Errorf("client %s not found", clientID)
	}
	s.logger.Debug().
		Str("client_id", clientID).
		Str("room", room).
		Msg("subscribed")
	return nil
}

// Unsubscribe removes a client from a room.
func (s *Service) Unsubscribe(room, clientID string) error {
	if !s.rooms.IsInRoom(clientID, room) {
		return fmt.Errorf("room %s or client %s not found", room, clientID)
	}
	s.rooms.Leave(clientID, room)
	s.logger.Debug().
		Str("client_id", clientID).
		Str("room", room).
		Msg("unsubscribed")
	return nil
}

// OnConnection registers a callback for new connections.
func (s *Service) OnConnection(cb func(clientID string)) {
	s.hub.OnConnection(func(c *hub.Connection) { cb(c.ID()) })
}

// OnDisconnection registers a callback for disconnections.
func (s *Service) OnDisconnection(cb func(clientID string)) {
	s.hub.OnDisconnection(func(c *hub.Connection, _ hub.CloseReason) { cb(c.ID()) })
}

// GetConnectedClients returns IDs of all connected clients.
func (s *Service) GetConnectedClients() []string {
	return s.hub.ConnectedIDs()
}

// SendToClient sends an event directly to a specific client.
func (s *Service) SendToClient(ctx context.Context, clientID, event string, data any) error {
	ok, err := s.hub.Send(ctx, clientID, types.Frame{Event: event, Data: data})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("client %s not found or disconnected", clientID)
	}
	return nil
}

// CloseClient ends a client's stream from the server side.
func (s *Service) CloseClient(clientID string) error {
	if !s.hub.Close(clientID) {
		return fmt.Errorf("client %s not found", clientID)
	}
	return nil
}

// GetChannels returns active rooms with member counts.
func (s *Service) GetChannels() map[string]int {
	return s.rooms.RoomCounts()
}

// GetClientInfo returns info for a connected client, or error.
func (s *Service) GetClientInfo(clientID string) (*types.ConnectionInfo, error) {
	c := s.hub.Get(clientID)
	if c == nil {
		return nil, fmt.Errorf("client %s not found", clientID)
	}
	info := c.Info()
	info.Rooms = s.rooms.Rooms(clientID)
	return &info, nil
}
