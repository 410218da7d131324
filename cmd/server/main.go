package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/smukkama/aqi-server/internal/alerting"
	"github.com/smukkama/aqi-server/internal/api"
	"github.com/smukkama/aqi-server/internal/auth"
	"github.com/smukkama/aqi-server/internal/cache"
	"github.com/smukkama/aqi-server/internal/database"
	"github.com/smukkama/aqi-server/internal/ingest"
	"github.com/smukkama/aqi-server/internal/logging"
	"github.com/smukkama/aqi-server/internal/metrics"
	"github.com/smukkama/aqi-server/internal/notification"
	"github.com/smukkama/aqi-server/internal/queue"
	"github.com/smukkama/aqi-server/internal/realtime"
	"github.com/smukkama/aqi-server/pkg/config"
)

// store is what the server needs from a storage driver
type store interface {
	cache.ReadingStore
	api.DeviceStore
	notification.Registry
	api.Pinger
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	warnings, err := cfg.Validate()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	for _, w := range warnings {
		logging.Warn().Msg(w)
	}

	logging.Info().Str("addr", cfg.HTTP.Addr).Str("db_driver", cfg.Database.Driver).Msg("starting AQI server")

	clock := clockwork.NewRealClock()
	m := metrics.NewMetrics()

	// Storage
	st, closeStore := openStore(cfg.Database)
	defer closeStore()

	var readings cache.ReadingStore = st
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(ctx).Err(); err != nil {
			logging.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, latest-reading cache will fall through to the store")
		}
		cancel()

		readings = cache.NewLatestCache(st, client, cfg.Redis.LatestTTL, m)
		logging.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.Redis.LatestTTL).Msg("latest-reading cache enabled")
	}

	// Push delivery
	var pusher notification.Pusher = notification.LogPusher{}
	if cfg.Push.Endpoint != "" {
		pusher = notification.NewHTTPPusher(cfg.Push)
	}
	fanOut := notification.NewFanOut(st, pusher, cfg.Push.MaxConcurrency, m)

	// Live channel
	hub := realtime.NewHub(cfg.Realtime.MaxSessions, cfg.Realtime.SendBuffer, clock, m)

	evaluator := alerting.NewEvaluator(cfg.Ingest.AlertThreshold)
	coordinator := ingest.NewCoordinator(
		readings,
		hub,
		evaluator,
		fanOut,
		clock,
		m,
	)

	// Optional Kafka event mirror
	var mirror *queue.EventMirror
	if len(cfg.Kafka.Brokers) > 0 {
		mirror = queue.NewEventMirror(cfg.Kafka.Brokers, cfg.Kafka.TopicIngest, cfg.Kafka.TopicAlerts)
		if err := mirror.EnsureTopics(cfg.Kafka.Brokers, 1); err != nil {
			logging.Warn().Err(err).Msg("topic creation failed (may already exist)")
		}
		coordinator.SetMirror(mirror)
		logging.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("kafka event mirror enabled")
	}

	router := api.NewRouter(api.Options{
		Ingester:           coordinator,
		IngestAuth:         ingest.NewAuthenticator(cfg.Ingest.SharedSecret),
		Readings:           readings,
		Devices:            st,
		Identity:           auth.NewJWTVerifier(cfg.Auth, clock),
		Live:               hub,
		Store:              st,
		Clock:              clock,
		Metrics:            m,
		RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", cfg.HTTP.Addr).Int("alert_threshold", evaluator.Threshold()).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Print statistics periodically
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			stats := hub.Stats()
			logging.Info().
				Int("sessions", stats.TotalSessions).
				Int("max_sessions", stats.MaxSessions).
				Int("location_scoped", stats.LocationScoped).
				Int("station_scoped", stats.StationScoped).
				Msg("live channel statistics")
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case err := <-serverErr:
		logging.Error().Err(err).Msg("HTTP server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn().Err(err).Msg("HTTP shutdown did not complete")
	}

	// In-flight fan-outs finish before their dependencies close
	coordinator.Wait()
	hub.Close()
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			logging.Warn().Err(err).Msg("failed to close kafka mirror")
		}
	}

	logging.Info().Msg("AQI server stopped")
}

func openStore(cfg config.DatabaseConfig) (store, func()) {
	if cfg.Driver == config.DriverMemory {
		logging.Warn().Msg("using in-memory store: readings are lost on restart")
		return database.NewMemoryStore(), func() {}
	}

	// Connect to database
	db, err := database.Connect(cfg.ConnectionString())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to database")
	}
	logging.Info().Str("host", cfg.Host).Str("db", cfg.DBName).Msg("connected to database")

	// Run migrations
	if err := db.RunMigrations(cfg.MigrationsDir); err != nil {
		_ = db.Close()
		logging.Fatal().Err(err).Msg("failed to run migrations")
	}

	return db, func() {
		if err := db.Close(); err != nil {
			logging.Warn().Err(err).Msg("failed to close database")
		}
	}
}
