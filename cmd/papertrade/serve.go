package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/papertrade/params"
	"github.com/uhyunpark/papertrade/pkg/api"
	"github.com/uhyunpark/papertrade/pkg/app"
	"github.com/uhyunpark/papertrade/pkg/events"
	"github.com/uhyunpark/papertrade/pkg/storage"
	"github.com/uhyunpark/papertrade/pkg/util"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the feeds, the execution engine and the HTTP/WebSocket API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv(envFile)

	// Setup logging (console only when LOG_FILE is empty)
	logger, err := util.NewLogger()
	if cfg.Storage.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Storage.LogFile)
	}
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Storage.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	store, err := storage.NewPebbleStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	sugar.Infow("store_opened", "path", cfg.Storage.DBPath)

	opts := app.Options{
		Config:    cfg,
		Store:     store,
		Providers: app.Providers(cfg),
		Logger:    sugar,
	}

	// ---- Redis quote mirror (optional) ----
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			sugar.Warnw("redis_unavailable", "addr", cfg.Redis.Addr, "err", err)
		} else {
			opts.Redis = rdb
			sugar.Infow("redis_connected", "addr", cfg.Redis.Addr)
		}
	}

	// ---- Kafka order events (optional) ----
	if len(cfg.Kafka.Brokers) > 0 {
		opts.Events = events.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.FillsTopic)
		sugar.Infow("kafka_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.FillsTopic)
	}

	if len(opts.Providers) == 0 && !cfg.Feed.EnableSimulator {
		sugar.Warnw("no_feeds_configured", "hint", "set BINANCE_WS_URL, POLYGON_WS_URL or ENABLE_SIMULATOR=true")
	}

	a, err := app.New(opts)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	defer a.Close()

	// ---- API Server ----
	if len(cfg.Auth.Tokens) == 0 {
		sugar.Warnw("no_auth_tokens", "hint", "set AUTH_TOKENS=token:user,... to allow order entry")
	}
	srv := api.NewServer(a, api.NewTokenAuthenticator(cfg.Auth.Tokens), cfg.API.AllowedOrigins, sugar)

	sugar.Infow("papertrade_starting",
		"symbols", cfg.Engine.Symbols,
		"providers", len(opts.Providers),
		"simulator", cfg.Feed.EnableSimulator,
		"quote_ttl", cfg.Quote.TTL)

	if err := srv.ListenAndServe(ctx, cfg.API.Addr); err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	sugar.Infow("shutdown_complete")
	return nil
}
