package config

import "os"

// RedisConfig holds connection settings for the Redis room adapter and
// stream-backed history.
type RedisConfig struct {
	Addr     string // Redis address, default "localhost:6379"
	Password string // Redis password, default ""
	DB       int    // Redis database number, default 0
	Prefix   string // Channel and key prefix, default "orchestra:sse:"
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "orchestra:sse:",
	}
}

// RedisConfigFromEnv loads Redis configuration from environment variables.
// Falls back to defaults for any missing values.
func RedisConfigFromEnv() *RedisConfig {
	cfg := DefaultRedisConfig()

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	envInt("REDIS_DB", &cfg.DB)
	if prefix := os.Getenv("REDIS_SSE_PREFIX"); prefix != "" {
		cfg.Prefix = prefix
	}
	return cfg
}

// HistoryKey is the stream key used for replay history.
func (c *RedisConfig) HistoryKey() string {
	return c.Prefix + "history"
}
