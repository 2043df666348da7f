package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blizhe/chat-server/internal/api"
	"github.com/blizhe/chat-server/internal/config"
	"github.com/blizhe/chat-server/internal/events"
	"github.com/blizhe/chat-server/internal/gateway"
	"github.com/blizhe/chat-server/internal/history"
	"github.com/blizhe/chat-server/internal/matching"
	"github.com/blizhe/chat-server/internal/messaging"
	"github.com/blizhe/chat-server/internal/metrics"
	"github.com/blizhe/chat-server/internal/ratelimit"
	"github.com/blizhe/chat-server/internal/verify"
	"github.com/blizhe/chat-server/internal/ws"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(cfg.Level())

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Str("version", version).
		Str("listen_addr", cfg.ListenAddr).
		Str("strategy", cfg.MatchStrategy).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Dur("session_max_age", cfg.SessionMaxAge).
		Msg("blizhe chat server starting")

	// --- Redis (rate limiting) ---
	var limiter gateway.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to parse REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DependencyTimeout)
		err = rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		limiter = ratelimit.NewLimiter(rdb)
		log.Info().Msg("redis connected, rate limiting enabled")
	}

	// --- NATS (lifecycle publishing) ---
	var publisher events.Publisher
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer natsClient.Close()
		publisher = natsClient
	}

	// --- PostgreSQL (session history) ---
	var (
		archive       events.Archive
		historyReader api.HistoryReader
	)
	if cfg.DatabaseURL != "" {
		if err := history.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		db, err := history.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DependencyTimeout)
		err = db.Ping(ctx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		store := history.NewStore(db.DB)
		archive = store
		historyReader = store
		log.Info().Str("component", "history").Msg("database connected")
	}

	sink := events.NewSink(publisher, archive, cfg.EventBuffer)
	sink.Start()

	svc, err := matching.NewService(
		matching.WithStrategy(cfg.Strategy()),
		matching.WithRecorder(matching.Recorders(metrics.Recorder{}, sink)),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create matching service")
	}

	// Declare the gateway early so the transport callbacks can capture it.
	var gw *gateway.Gateway
	wsServer, err := ws.NewServer(cfg.ServerConfig(), ws.Handlers{
		OnConnect:    func(c *ws.Connection) { gw.HandleConnect(c.ID) },
		OnMessage:    func(c *ws.Connection, data []byte) { gw.HandleMessage(c.ID, data) },
		OnDisconnect: func(connID string) { gw.HandleDisconnect(connID) },
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create websocket server")
	}
	gw = gateway.New(svc, wsServer, verify.NewStatic(cfg.VerifyTrustScore, cfg.VerifyDelay), limiter)

	if err := metrics.RegisterGauges(prometheus.DefaultRegisterer, svc.Stats, wsServer.Connections().Count); err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsServer.Start()
	go matching.StartReaper(ctx, svc, cfg.ReaperInterval, cfg.SessionMaxAge)
	gw.StartStatsBroadcast(ctx, cfg.StatsInterval)

	router := api.NewRouter(api.Options{
		Service:        svc,
		History:        historyReader,
		WebSocket:      wsServer,
		Connections:    wsServer.Connections().Count,
		Uptime:         wsServer.Uptime,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        version,
	})

	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: config.ServerReadTimeout,
		IdleTimeout: config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	cancel()
	wsServer.Shutdown()
	gw.Close()
	sink.Stop()

	log.Info().
		Int("sessions_open", svc.Stats().ActiveSessions).
		Uint64("events_dropped", sink.Dropped()).
		Msg("server stopped")
}
