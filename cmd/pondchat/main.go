package main

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eleven-am/pondchat/api"
	"github.com/eleven-am/pondchat/config"
	"github.com/eleven-am/pondchat/distributed"
	"github.com/eleven-am/pondchat/metrics"
	"github.com/eleven-am/pondchat/realtime"
	"github.com/eleven-am/pondchat/server"
	"github.com/eleven-am/pondchat/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		startupLogger := zerolog.New(os.Stderr)
		startupLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.Level(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []server.Closer

	// Message store: postgres, then sqlite, then memory.
	var messages store.Store
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		messages = pg
		logger.Info().Msg("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		messages = lite
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite")
	default:
		messages = store.NewMemoryStore()
		logger.Warn().Msg("no database configured, history is kept in memory")
	}

	collector := metrics.New(prometheus.DefaultRegisterer)

	hubOpts := realtime.HubOptions{
		Logger:        logger,
		PresenceStore: messages,
		PresenceGrace: cfg.PresenceGrace,
		TypingTimeout: cfg.TypingTimeout,
		Hooks: &realtime.Hooks{
			Metrics: collector,
		},
	}
	if cfg.RateLimit > 0 {
		hubOpts.Hooks.RateLimiter = realtime.NewTokenBucket(cfg.RateLimit, time.Second)
	}

	checks := map[string]api.HealthCheck{}
	var presence store.PresenceStore = messages
	var pubsub *distributed.RedisPubSub

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(redisOpts)

		redisPresence, err := store.NewRedisPresenceStore(ctx, client)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		presence = redisPresence
		hubOpts.PresenceStore = redisPresence

		pubsub, err = distributed.NewRedisPubSub(ctx, client, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis pubsub failed")
		}
		hubOpts.PubSub = pubsub

		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
		defer client.Close()
		logger.Info().Msg("connected to Redis")
	}

	hub, err := realtime.NewHub(ctx, hubOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start hub")
	}

	wsOpts := realtime.DefaultOptions()
	wsOpts.Logger = logger
	wsOpts.MaxConnections = cfg.MaxConnections
	if len(cfg.AllowedOrigins) > 0 {
		wsOpts.CheckOrigin = true
		wsOpts.AllowedOrigins = cfg.AllowedOrigins
	}
	manager := realtime.NewManager(ctx, hub, wsOpts)

	router := api.NewRouter(api.Options{
		Store:          messages,
		Presence:       presence,
		Metrics:        collector,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		WebSocket:      manager.HTTPHandler(),
		HealthChecks:   checks,
	})

	closers = append(closers, server.Closer{Name: "hub", Close: func(context.Context) error {
		cancel()
		return hub.Close()
	}})
	if pubsub != nil {
		closers = append(closers, server.Closer{Name: "pubsub", Close: func(context.Context) error {
			return pubsub.Close()
		}})
	}
	closers = append(closers, server.Closer{Name: "store", Close: func(context.Context) error {
		messages.Close()
		return nil
	}})

	srv := server.New(server.Options{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		Logger:      logger,
		Closers:     closers,
	})

	logger.Info().
		Str("port", cfg.Port).
		Str("env", cfg.Env).
		Str("node", hub.NodeID()).
		Msg("starting pondchat server")

	if err := srv.Listen(context.Background(), 30*time.Second); err != nil {
		logger.Error().Err(err).Msg("server stopped with errors")
		os.Exit(1)
	}
}
