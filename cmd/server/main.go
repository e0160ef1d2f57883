// Command server is eventcore's composition root: it wires config, logging,
// tracing, metrics, one of the two storage backends, and the HTTP surfaces
// that front the Publisher Core, exactly as the teacher's cmd/gateway wires
// its orchestrator core. It contains no business logic of its own.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowstream/eventcore/internal/circuitbreaker"
	"github.com/flowstream/eventcore/internal/config"
	"github.com/flowstream/eventcore/internal/db"
	"github.com/flowstream/eventcore/internal/durableobject"
	"github.com/flowstream/eventcore/internal/health"
	"github.com/flowstream/eventcore/internal/httpapi"
	"github.com/flowstream/eventcore/internal/publisher"
	"github.com/flowstream/eventcore/internal/streaming"
	"github.com/flowstream/eventcore/internal/token"
	"github.com/flowstream/eventcore/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	features, err := config.Load()
	if err != nil {
		logger.Warn("failed to load eventcore.yaml, using env/defaults", zap.Error(err))
	}
	eventStoreCfg := config.EventStoreFromEnvOrDefaults(features)

	if err := tracing.Initialize(tracing.Config{
		ServiceName:  "eventcore",
		Enabled:      getEnvOrDefault("OTEL_ENABLED", "") == "1",
		OTLPEndpoint: getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}, logger); err != nil {
		logger.Warn("tracing init failed, continuing without export", zap.Error(err))
	}

	healthManager := health.NewManager(logger)
	mux := http.NewServeMux()

	var closers []func() error
	switch backend := getEnvOrDefault("EVENTCORE_BACKEND", "redis"); backend {
	case "redis":
		closers = wireRedisBackend(mux, healthManager, eventStoreCfg, logger)
	case "embedded", "durable_object":
		closers = wireDurableObjectBackend(mux, healthManager, eventStoreCfg, logger)
	default:
		logger.Fatal("unknown EVENTCORE_BACKEND", zap.String("backend", backend))
	}

	health.NewHTTPHandler(healthManager, logger).RegisterRoutes(mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := healthManager.Start(ctx); err != nil {
		logger.Warn("health manager failed to start", zap.Error(err))
	}

	metricsServer := startMetricsServer(getEnvOrDefaultInt("METRICS_PORT", 9464), logger)

	port := getEnvOrDefaultInt("PORT", 8080)
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE/websocket streams hold the connection open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("eventcore server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}
	if err := healthManager.Stop(); err != nil {
		logger.Error("health manager stop error", zap.Error(err))
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("backend close error", zap.Error(err))
		}
	}
}

// wireRedisBackend wires the Redis Streams + Pub/Sub backend behind the
// Publisher Core, registering its ingest and SSE/websocket handlers.
func wireRedisBackend(mux *http.ServeMux, healthManager *health.Manager, eventStoreCfg config.EventStoreConfig, logger *zap.Logger) []func() error {
	redisURL := getEnvOrDefault("REDIS_URL", "redis://localhost:6379")
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	client := redis.NewClient(opts)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	backend := streaming.NewRedisBackend(client, eventStoreCfg.NamespacePrefix, 10000, logger)
	backend.SetRetention(time.Duration(eventStoreCfg.RetentionSeconds) * time.Second)

	pub := publisher.New(publisher.NewRedisAdapter(backend), logger)

	healthWrapper := circuitbreaker.NewRedisWrapper(client, logger)
	if err := healthManager.RegisterChecker(health.NewRedisHealthChecker(client, healthWrapper, logger)); err != nil {
		logger.Warn("failed to register redis health checker", zap.Error(err))
	}

	ingestToken := os.Getenv("EVENTCORE_INGEST_TOKEN")
	httpapi.NewIngestHandler(pub, logger, ingestToken).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(backend, logger).RegisterRoutes(mux)

	return []func() error{func() error {
		if err := backend.Shutdown(context.Background()); err != nil {
			return err
		}
		return client.Close()
	}}
}

// wireDurableObjectBackend wires the embedded-store, single-instance
// hibernation backend: a websocket hub fronted by a token manager and an
// inactivity alarm, with no Redis dependency.
func wireDurableObjectBackend(mux *http.ServeMux, healthManager *health.Manager, eventStoreCfg config.EventStoreConfig, logger *zap.Logger) []func() error {
	dbClient, err := db.NewClient(&db.Config{Path: eventStoreCfg.EmbeddedPath}, logger)
	if err != nil {
		logger.Fatal("failed to open embedded event store", zap.Error(err))
	}

	signingKey := []byte(getEnvOrDefault("EVENTCORE_SIGNING_KEY", "eventcore-dev-signing-key"))
	tokens := token.NewManager(signingKey, "eventcore", 5*time.Minute)

	hub := durableobject.New(durableobject.Config{
		Store:  dbClient,
		Tokens: tokens,
		Logger: logger,
	})

	alarm := durableobject.NewAlarm(hub, durableobject.AlarmConfig{
		RetentionWindow:     time.Duration(eventStoreCfg.RetentionSeconds) * time.Second,
		InactivityThreshold: time.Duration(eventStoreCfg.InactivityThresholdSeconds) * time.Second,
	}, logger)
	alarm.Start(context.Background())

	if err := healthManager.RegisterChecker(health.NewEmbeddedStoreHealthChecker(dbClient.GetDB(), dbClient.Wrapper(), logger)); err != nil {
		logger.Warn("failed to register embedded store health checker", zap.Error(err))
	}

	newDurableSocketHandler(hub, tokens, logger).RegisterRoutes(mux)

	return []func() error{
		func() error { alarm.Stop(); return nil },
		dbClient.Close,
	}
}

func startMetricsServer(port int, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux}
	go func() {
		logger.Info("metrics server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return server
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
