package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/sse/src/hub"
	"github.com/orchestra-mcp/sse/src/internal/ssetest"
	"github.com/orchestra-mcp/sse/src/replay"
	"github.com/orchestra-mcp/sse/src/rooms"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *hub.Hub) {
	t.Helper()
	h := hub.New(zerolog.Nop())
	rm := rooms.New(h, nil, zerolog.Nop())
	t.Cleanup(func() { _ = rm.Close() })
	return New(h, rm, zerolog.Nop(), opts...), h
}

func registerClient(t *testing.T, h *hub.Hub, id string) *ssetest.Transport {
	t.Helper()
	tr := ssetest.NewStream()
	if err := h.Register(hub.NewConnection(tr, hub.WithID(id))); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return tr
}

func TestServicePublish(t *testing.T) {
	svc, h := newTestService(t)
	ctx := context.Background()

	conn := registerClient(t, h, "svc-c1")
	other := registerClient(t, h, "svc-c2")
	if err := svc.Subscribe("news", "svc-c1"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	n, err := svc.Publish(ctx, "news", "headline", map[string]any{"headline": "test"})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 delivery, got %d", n)
	}
	if len(conn.Frames()) != 1 {
		t.Errorf("expected 1 message, got %d", len(conn.Frames()))
	}
	if len(other.Frames()) != 0 {
		t.Error("non-member should not receive room publish")
	}
}

func TestServiceSubscribeUnknownClient(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.Subscribe("ch", "unknown"); err == nil {
		t.Error("subscribe for unknown client should return error")
	}
	if err := svc.Unsubscribe("ch", "unknown"); err == nil {
		t.Error("unsubscribe for unknown client should return error")
	}
}

func TestServiceSendToClient(t *testing.T) {
	svc, h := newTestService(t)
	ctx := context.Background()

	conn := registerClient(t, h, "dm-target")

	if err := svc.SendToClient(ctx, "dm-target", "dm", map[string]any{"msg": "hi"}); err != nil {
		t.Fatalf("send to client failed: %v", err)
	}
	if len(conn.Frames()) != 1 {
		t.Error("expected 1 direct message")
	}

	if err := svc.SendToClient(ctx, "ghost", "dm", "hi"); err == nil {
		t.Error("send to nonexistent client should error")
	}
}

func TestServiceBroadcastRecordsHistory(t *testing.T) {
	history := replay.NewBuffer(10)
	svc, h := newTestService(t, WithHistory(history))

	a := registerClient(t, h, "a")
	registerClient(t, h, "b")

	n, err := svc.Broadcast(context.Background(), "tick", "1")
	if err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}
	if history.Len() != 1 {
		t.Errorf("expected 1 recorded frame, got %d", history.Len())
	}
	frames := a.Frames()
	if len(frames) != 1 || frames[0].ID != "1" {
		t.Errorf("expected recorded id on the wire, got %+v", frames)
	}
}

func TestServiceGetChannels(t *testing.T) {
	svc, h := newTestService(t)

	registerClient(t, h, "ch-c1")
	registerClient(t, h, "ch-c2")

	_ = svc.Subscribe("alpha", "ch-c1")
	_ = svc.Subscribe("alpha", "ch-c2")
	_ = svc.Subscribe("beta", "ch-c1")

	channels := svc.GetChannels()
	if channels["alpha"] != 2 {
		t.Errorf("expected 2 subscribers on alpha, got %d", channels["alpha"])
	}
	if channels["beta"] != 1 {
		t.Errorf("expected 1 subscriber on beta, got %d", channels["beta"])
	}

	if err := svc.Unsubscribe("beta", "ch-c1"); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if _, ok := svc.GetChannels()["beta"]; ok {
		t.Error("empty room should be removed")
	}
}

func TestServiceGetConnectedClients(t *testing.T) {
	svc, h := newTestService(t)

	registerClient(t, h, "gc-1")
	registerClient(t, h, "gc-2")

	clients := svc.GetConnectedClients()
	if len(clients) != 2 {
		t.Errorf("expected 2 connected clients, got %d", len(clients))
	}
}

func TestServiceClientInfoAndClose(t *testing.T) {
	svc, h := newTestService(t)
	tr := registerClient(t, h, "info-1")
	_ = svc.Subscribe("alpha", "info-1")

	var closed []string
	svc.OnDisconnection(func(id string) { closed = append(closed, id) })

	info, err := svc.GetClientInfo("info-1")
	if err != nil {
		t.Fatalf("client info failed: %v", err)
	}
	if len(info.Rooms) != 1 || info.Rooms[0] != "alpha" {
		t.Errorf("expected rooms [alpha], got %v", info.Rooms)
	}

	if err := svc.CloseClient("info-1"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if tr.IsOpen() {
		t.Error("transport should be closed")
	}
	if len(closed) != 1 {
		t.Errorf("expected 1 disconnection callback, got %d", len(closed))
	}
	if _, err := svc.GetClientInfo("info-1"); err == nil {
		t.Error("closed client should not be found")
	}
	if err := svc.CloseClient("info-1"); err == nil {
		t.Error("second close should error")
	}
}
