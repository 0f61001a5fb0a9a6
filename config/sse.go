package config

import (
	"os"
	"strconv"
	"time"
)

// SSEConfig holds event-stream server configuration.
type SSEConfig struct {
	Addr              string        `json:"addr"`
	Path              string        `json:"path"`
	MaxConnections    int           `json:"max_connections"`
	KeepAliveInterval time.Duration `json:"keepalive_interval"`
	DefaultRetry      time.Duration `json:"default_retry"`
	HistorySize       int           `json:"history_size"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	BroadcastFanout   int           `json:"broadcast_fanout"`
}

// DefaultConfig returns the default event-stream configuration.
func DefaultConfig() *SSEConfig {
	return &SSEConfig{
		Addr:              ":8080",
		Path:              "/events",
		MaxConnections:    1000,
		KeepAliveInterval: 30 * time.Second,
		DefaultRetry:      3 * time.Second,
		HistorySize:       100,
		WriteTimeout:      10 * time.Second,
		BroadcastFanout:   16,
	}
}

// FromEnv loads configuration from SSE_* environment variables.
// Missing or malformed values keep their defaults.
func FromEnv() *SSEConfig {
	cfg := DefaultConfig()

	if addr := os.Getenv("SSE_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if path := os.Getenv("SSE_PATH"); path != "" {
		cfg.Path = path
	}
	envInt("SSE_MAX_CONNECTIONS", &cfg.MaxConnections)
	envInt("SSE_HISTORY_SIZE", &cfg.HistorySize)
	envInt("SSE_BROADCAST_FANOUT", &cfg.BroadcastFanout)
	envDuration("SSE_KEEPALIVE_INTERVAL", &cfg.KeepAliveInterval)
	envDuration("SSE_DEFAULT_RETRY", &cfg.DefaultRetry)
	envDuration("SSE_WRITE_TIMEOUT", &cfg.WriteTimeout)
	return cfg
}

func envInt(key string, dst *int) {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			*dst = n
		}
	}
}

// envDuration accepts Go durations ("15s") or plain seconds ("15").
func envDuration(key string, dst *time.Duration) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(s); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}
