// Package providers wires the event-stream engine into a runnable server:
// the stream endpoint, admin routes, metrics and the room adapter.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/orchestra-mcp/sse/config"
	"github.com/orchestra-mcp/sse/src/bridge"
	"github.com/orchestra-mcp/sse/src/hub"
	"github.com/orchestra-mcp/sse/src/metrics"
	"github.com/orchestra-mcp/sse/src/replay"
	"github.com/orchestra-mcp/sse/src/replay/redisstream"
	"github.com/orchestra-mcp/sse/src/rooms"
	"github.com/orchestra-mcp/sse/src/service"
	"github.com/orchestra-mcp/sse/src/session"
	"github.com/orchestra-mcp/sse/src/transport/fasthttpstream"
)

const connectTimeout = 3 * time.Second

// Server owns every component of a running event-stream node.
type Server struct {
	cfg      *config.SSEConfig
	redisCfg *config.RedisConfig
	logger   zerolog.Logger

	hub     *hub.Hub
	metrics *metrics.Metrics
	rooms   *rooms.Manager
	engine  *session.Engine
	service *service.Service
	app     *fiber.App
	http    *fasthttp.Server

	adapterName string
	history     replay.Recorder
	source      replay.Source
	redis       redis.UniversalClient
	started     bool
}

// New creates a server. A nil redisCfg runs the node standalone.
func New(cfg *config.SSEConfig, redisCfg *config.RedisConfig, logger zerolog.Logger) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Server{
		cfg:      cfg,
		redisCfg: redisCfg,
		logger:   logger.With().Str("component", "server").Logger(),
	}
}

// Start builds the hub, room manager, engine and routes. It does not listen.
func (s *Server) Start(ctx context.Context) error {
	if s.started {
		return errors.New("server already started")
	}

	s.metrics = metrics.New("sse")
	s.hub = hub.New(s.logger,
		hub.WithMaxConnections(s.cfg.MaxConnections),
		hub.WithFanout(s.cfg.BroadcastFanout),
		hub.WithObserver(s.metrics),
	)

	adapter := s.initAdapter(ctx)
	s.rooms = rooms.New(s.hub, adapter, s.logger)
	if err := s.rooms.Start(ctx); err != nil {
		_ = s.rooms.Close()
		return fmt.Errorf("start room manager: %w", err)
	}
	s.metrics.WatchRooms(s.rooms.RoomCounts)

	s.initHistory()
	s.engine = session.New(s.hub, s.logger,
		session.WithKeepAlive(s.cfg.KeepAliveInterval),
		session.WithDefaultRetry(s.cfg.DefaultRetry),
		session.WithHooks(session.Hooks{OnReconnect: s.source}),
	)
	s.service = service.New(s.hub, s.rooms, s.logger, service.WithHistory(s.history))

	s.app = fiber.New()
	s.RegisterRoutes(s.app)
	// No WriteTimeout: streams stay open for as long as the client listens.
	s.http = &fasthttp.Server{
		Handler:     s.Handler(),
		Name:        "orchestra-sse",
		ReadTimeout: s.cfg.WriteTimeout,
	}

	s.started = true
	s.logger.Info().
		Str("path", s.cfg.Path).
		Str("adapter", s.adapterName).
		Str("node_id", s.rooms.NodeID()).
		Msg("sse server started")
	return nil
}

// initAdapter tries the Redis adapter. If Redis is not reachable the node
// runs standalone.
func (s *Server) initAdapter(ctx context.Context) bridge.Adapter {
	s.adapterName = "memory"
	if s.redisCfg == nil {
		return bridge.NewMemory()
	}

	ra := bridge.NewRedisAdapter(s.redisCfg, s.logger)
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := ra.Connect(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("redis adapter unavailable, running standalone")
		_ = ra.Disconnect()
		return bridge.NewMemory()
	}

	s.adapterName = "redis"
	s.logger.Info().Str("redis_addr", s.redisCfg.Addr).Msg("redis adapter connected")
	return ra
}

// initHistory keeps replay history in a Redis stream when the Redis adapter
// is up, and in memory otherwise.
func (s *Server) initHistory() {
	if s.adapterName == "redis" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     s.redisCfg.Addr,
			Password: s.redisCfg.Password,
			DB:       s.redisCfg.DB,
		})
		store := redisstream.New(s.redis, s.redisCfg.HistoryKey(), s.logger,
			redisstream.WithMaxLen(int64(s.cfg.HistorySize)))
		s.history, s.source = store, store.Source()
		return
	}
	buf := replay.NewBuffer(s.cfg.HistorySize)
	s.history, s.source = buf, buf.Source()
}

// Handler dispatches stream, metrics and admin requests.
func (s *Server) Handler() fasthttp.RequestHandler {
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(s.metrics.Handler())
	admin := s.app.Handler()
	return func(rc *fasthttp.RequestCtx) {
		switch string(rc.Path()) {
		case s.cfg.Path:
			fasthttpstream.Handler(s.engine, s.streamHandler(roomsParam(rc)), s.logger)(rc)
		case "/metrics":
			metricsHandler(rc)
		default:
			admin(rc)
		}
	}
}

// streamHandler keeps the stream open and joins the requested rooms.
func (s *Server) streamHandler(roomNames []string) session.Handler {
	return func(ctx context.Context, sess *session.Session) error {
		st, err := sess.Start(ctx, session.KeepAlive)
		if err != nil {
			return err
		}
		if len(roomNames) == 0 {
			return nil
		}
		return s.rooms.Join(st.ID(), roomNames...)
	}
}

func roomsParam(rc *fasthttp.RequestCtx) []string {
	raw := string(rc.QueryArgs().Peek("rooms"))
	if raw == "" {
		return nil
	}
	var out []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Serve accepts connections on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	if !s.started {
		return errors.New("server not started")
	}
	return s.http.Serve(ln)
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	if !s.started {
		return errors.New("server not started")
	}
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("listening")
	return s.http.ListenAndServe(s.cfg.Addr)
}

// Stop closes every stream, drains the room manager and shuts the listener.
func (s *Server) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}
	s.started = false

	closed := s.hub.CloseAll()
	var errs []error
	if err := s.rooms.Close(); err != nil {
		errs = append(errs, fmt.Errorf("room manager: %w", err))
	}
	if err := s.http.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history client: %w", err))
		}
	}
	s.logger.Info().Int("closed", closed).Msg("sse server stopped")
	return errors.Join(errs...)
}

// Service exposes the pub/sub API.
func (s *Server) Service() *service.Service { return s.service }

// Engine exposes the session engine for custom stream handlers.
func (s *Server) Engine() *session.Engine { return s.engine }
