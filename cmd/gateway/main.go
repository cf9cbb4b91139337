package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/founditure/realtime/internal/api"
	"github.com/founditure/realtime/internal/auth"
	"github.com/founditure/realtime/internal/config"
	"github.com/founditure/realtime/internal/fanout"
	"github.com/founditure/realtime/internal/fanout/distributed"
	"github.com/founditure/realtime/internal/gateway"
	"github.com/founditure/realtime/internal/metrics"
	"github.com/founditure/realtime/internal/notify"
	"github.com/founditure/realtime/internal/registry"
	"github.com/founditure/realtime/internal/store"
)

func main() {
	bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
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

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	logger = logger.With().Str("node", cfg.NodeID).Logger()

	ctx := context.Background()
	checks := map[string]api.Checker{}

	// Message store
	var messages store.MessageStore
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pg.Close()

		logger.Info().Msg("running database migrations...")
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		messages = pg
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		messages = store.NewMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set, messages are kept in memory")
	}

	reg := registry.New(logger)

	// Fan-out bus, presence and push hand-off
	var (
		bus      fanout.PubSub
		presence fanout.Presence
		notifier notify.Notifier
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		rps, err := distributed.NewRedisPubSub(ctx, client, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis pubsub failed")
		}
		bus = rps
		presence = distributed.NewRedisPresence(client, "", 0)
		notifier = notify.NewRedisQueue(client, cfg.PushQueue)
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		logger.Info().Msg("connected to Redis")
	} else {
		bus = fanout.NewLocalPubSub(ctx, cfg.SendBuffer)
		presence = fanout.NewLocalPresence(reg)
		notifier = notify.NewLog(logger)
		logger.Warn().Msg("REDIS_URL not set, fan-out is limited to this process")
	}
	defer bus.Close()

	collector := metrics.New(prometheus.DefaultRegisterer)

	adapter := fanout.NewAdapter(bus, reg, fanout.AdapterOptions{
		NodeID:   cfg.NodeID,
		Logger:   logger,
		Observer: collector.Observer(),
	})
	if err := adapter.Start(); err != nil {
		logger.Fatal().Err(err).Msg("fan-out subscription failed")
	}
	defer adapter.Stop()

	options := gateway.DefaultOptions()
	options.HeartbeatInterval = cfg.HeartbeatInterval
	options.HeartbeatMisses = cfg.HeartbeatMisses
	options.SendBuffer = cfg.SendBuffer
	options.MaxContentLength = cfg.MaxContentLength
	options.MaxConnections = cfg.MaxConnections
	options.Metrics = collector
	if len(cfg.AllowedOrigins) > 0 {
		options.CheckOrigin = true
		options.AllowedOrigins = cfg.AllowedOrigins
	}

	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	gw, err := gateway.New(gateway.Config{
		Registry: reg,
		Fanout:   adapter,
		Store:    messages,
		Verifier: verifier,
		Presence: presence,
		Notifier: notifier,
		Logger:   logger,
		Options:  options,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway setup failed")
	}

	router := api.NewRouter(api.Config{
		Logger:         logger,
		Store:          messages,
		Gateway:        gw,
		Verifier:       verifier,
		Metrics:        collector,
		AllowedOrigins: cfg.AllowedOrigins,
		Checks:         checks,
		NodeID:         cfg.NodeID,
	})

	server := gateway.NewServer(&gateway.ServerOptions{
		Options:           options,
		ServerAddr:        ":" + cfg.Port,
		ServerReadTimeout: 15 * time.Second,
		ServerIdleTimeout: 60 * time.Second,
	}, router, gw)

	logger.Info().
		Str("port", cfg.Port).
		Str("env", cfg.Env).
		Msg("starting realtime gateway")

	if err := server.Listen(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return
	}

	logger.Info().Msg("server stopped")
}
