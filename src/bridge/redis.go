package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/orchestra-mcp/sse/config"
	"github.com/orchestra-mcp/sse/src/frame"
)

// ErrNotConnected is returned by adapters used before Connect.
var ErrNotConnected = errors.New("bridge: adapter not connected")

// RedisAdapter relays room publishes between server instances via Redis pub/sub.
// Each room maps to one channel; node-wide messages use the broadcast channel.
type RedisAdapter struct {
	client     redis.UniversalClient
	ownsClient bool
	prefix     string
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	pubsub *redis.PubSub
	active bool

	handler func(Message)
}

// NewRedisAdapter creates an adapter with its own Redis client.
func NewRedisAdapter(cfg *config.RedisConfig, logger zerolog.Logger) *RedisAdapter {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	a := NewRedisAdapterWithClient(client, cfg.Prefix, logger)
	a.ownsClient = true
	return a
}

// NewRedisAdapterWithClient creates an adapter over an existing client.
// Disconnect leaves the client open.
func NewRedisAdapterWithClient(client redis.UniversalClient, prefix string, logger zerolog.Logger) *RedisAdapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisAdapter{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "redis-adapter").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect subscribes to the broadcast channel and begins relaying messages.
func (a *RedisAdapter) Connect(ctx context.Context) error {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return err
	}

	channel := a.broadcastChannel()
	sub := a.client.Subscribe(a.ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}

	a.mu.Lock()
	a.pubsub = sub
	a.active = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.listen(sub)

	a.logger.Info().Str("channel", channel).Msg("redis adapter connected")
	return nil
}

// Subscribe adds the room's channel to the subscription.
func (a *RedisAdapter) Subscribe(ctx context.Context, room string) error {
	sub, err := a.subscription()
	if err != nil {
		return err
	}
	return sub.Subscribe(ctx, a.roomChannel(room))
}

// Unsubscribe removes the room's channel from the subscription.
func (a *RedisAdapter) Unsubscribe(ctx context.Context, room string) error {
	sub, err := a.subscription()
	if err != nil {
		return err
	}
	return sub.Unsubscribe(ctx, a.roomChannel(room))
}

// Publish sends a message to all instances subscribed to its room.
// Frame data is serialized first so every node writes identical bytes.
func (a *RedisAdapter) Publish(ctx context.Context, msg Message) error {
	data, err := frame.EncodeData(msg.Frame.Data)
	if err != nil {
		return err
	}
	msg.Frame.Data = data

	payload, err := msgpack.Marshal(&msg)
	if err != nil {
		return err
	}
	channel := a.broadcastChannel()
	if msg.Room != "" {
		channel = a.roomChannel(msg.Room)
	}
	return a.client.Publish(ctx, channel, payload).Err()
}

// OnMessage sets the handler inbound messages are passed to.
func (a *RedisAdapter) OnMessage(handler func(Message)) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

// Disconnect unsubscribes and, if the adapter created it, closes the client.
func (a *RedisAdapter) Disconnect() error {
	a.mu.Lock()
	wasActive := a.active
	a.active = false
	sub := a.pubsub
	a.pubsub = nil
	a.mu.Unlock()

	a.cancel()
	if sub != nil {
		_ = sub.Close()
	}
	a.wg.Wait()

	if wasActive {
		a.logger.Info().Msg("redis adapter disconnected")
	}
	if a.ownsClient {
		return a.client.Close()
	}
	return nil
}

// Available reports whether the adapter is connected.
func (a *RedisAdapter) Available() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}

func (a *RedisAdapter) subscription() (*redis.PubSub, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.pubsub == nil {
		return nil, ErrNotConnected
	}
	return a.pubsub, nil
}

func (a *RedisAdapter) broadcastChannel() string { return a.prefix + "broadcast" }

func (a *RedisAdapter) roomChannel(room string) string { return a.prefix + "room:" + room }

// listen reads messages from the Redis subscription and forwards them to the handler.
func (a *RedisAdapter) listen(sub *redis.PubSub) {
	defer a.wg.Done()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			a.handleRedisMessage(msg)
		case <-a.ctx.Done():
			return
		}
	}
}

// handleRedisMessage decodes an envelope and hands it to the handler.
func (a *RedisAdapter) handleRedisMessage(raw *redis.Message) {
	var msg Message
	if err := msgpack.Unmarshal([]byte(raw.Payload), &msg); err != nil {
		a.logger.Error().Err(err).Str("channel", raw.Channel).Msg("failed to decode redis message")
		return
	}

	a.mu.RLock()
	handler := a.handler
	a.mu.RUnlock()
	if handler == nil {
		return
	}

	a.logger.Debug().
		Str("from_node", msg.NodeID).
		Str("room", msg.Room).
		Msg("relaying message from redis")

	handler(msg)
}
