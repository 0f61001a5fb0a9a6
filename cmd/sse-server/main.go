package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orchestra-mcp/sse/config"
	"github.com/orchestra-mcp/sse/providers"
)

const version = "0.1.0"

var (
	addr       string
	path       string
	redisAddr  string
	standalone bool
	pretty     bool
	logLevel   string
)

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", "", "Address to listen on (overrides SSE_ADDR)")
	rootCmd.PersistentFlags().StringVar(&path, "path", "", "Stream endpoint path (overrides SSE_PATH)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address for the room adapter (overrides REDIS_ADDR)")
	rootCmd.PersistentFlags().BoolVar(&standalone, "standalone", false, "Run without Redis")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human readable console logs")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")
}

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sse-server",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sse-server version %s\n", version)
		},
	}

	rootCmd = &cobra.Command{
		Use:   "sse-server",
		Short: "Server-Sent Events server",
		Long:  `sse-server streams events to HTTP clients, with rooms shared across nodes through Redis`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
)

func newLogger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (*config.SSEConfig, *config.RedisConfig) {
	cfg := config.FromEnv()
	if addr != "" {
		cfg.Addr = addr
	}
	if path != "" {
		cfg.Path = path
	}
	if standalone {
		return cfg, nil
	}
	redisCfg := config.RedisConfigFromEnv()
	if redisAddr != "" {
		redisCfg.Addr = redisAddr
	}
	return cfg, redisCfg
}

func run(ctx context.Context) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, redisCfg := loadConfig()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := providers.New(cfg, redisCfg, logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() { errChan <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal, stopping server")
	case err = <-errChan:
		logger.Error().Err(err).Msg("server error occurred")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := srv.Stop(shutdownCtx); stopErr != nil {
		logger.Error().Err(stopErr).Msg("shutdown failed")
	}
	return err
}

func main() {
	// .env is optional
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
