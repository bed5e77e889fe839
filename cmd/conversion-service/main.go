// Package main provides the conversion service entry point.
// Consumes raw HL7 v2 messages, converts each exactly once and stages the
// bundles in the outbox for the relay.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/config"
	"github.com/drfirst/hl7fhir/internal/engine"
	"github.com/drfirst/hl7fhir/internal/infrastructure/postgres"
	"github.com/drfirst/hl7fhir/internal/infrastructure/redpanda"
	"github.com/drfirst/hl7fhir/internal/observability/metrics"
	"github.com/drfirst/hl7fhir/internal/observability/tracing"
	"github.com/drfirst/hl7fhir/internal/pipeline"
	"github.com/drfirst/hl7fhir/pkg/idempotency"
)

const serviceName = "conversion-service"

func main() {
	cfg, err := config.Load(serviceName, os.Getenv("ENV_FILE"))
	if err != nil {
		panic(err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("invalid database url", zap.Error(err))
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.CacheKeys = cfg.InboxCache
	inbox, err := idempotency.NewInbox(pool, inboxCfg, logger)
	if err != nil {
		logger.Fatal("inbox creation failed", zap.Error(err))
	}
	if err := inbox.EnsureSchema(ctx); err != nil {
		logger.Fatal("inbox schema failed", zap.Error(err))
	}
	inbox.OnDuplicate = m.InboxDuplicates.Inc
	inbox.StartCleanup()
	defer inbox.Stop()

	// this service only stages entries; the relay delivers them
	outbox := postgres.NewOutbox(pool, nil, nil, postgres.DefaultOutboxConfig(), logger)
	if err := outbox.EnsureSchema(ctx); err != nil {
		logger.Fatal("outbox schema failed", zap.Error(err))
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("could not ensure topics", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	producer.OnProduced = m.KafkaMessagesProduced.Inc

	converter, err := engine.NewFromDir(cfg.TemplatesDir, cfg.TimeZone, m, logger)
	if err != nil {
		logger.Fatal("converter init failed", zap.Error(err))
	}

	svcCfg := pipeline.DefaultConfig()
	svcCfg.DefaultTenant = cfg.DefaultTenant
	svcCfg.Validate = cfg.ValidateFHIR
	svcCfg.BaseURL = cfg.FHIRBaseURL
	svc, err := pipeline.NewService(converter, inbox, outbox, producer, svcCfg, logger)
	if err != nil {
		logger.Fatal("pipeline creation failed", zap.Error(err))
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumer, err := redpanda.NewConsumer(consumerCfg, svc.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.OnConsumed = m.KafkaMessagesConsumed.Inc

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats, err := inbox.GetStats(r.Context())
		if err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"inbox":    stats,
			"consumer": consumer.Stats(),
		})
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	consumer.Start()
	logger.Info("conversion service started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.ConsumerGroup),
		zap.Strings("triggers", converter.Registry().Triggers()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	stats := consumer.Stats()
	logger.Info("conversion service stopped",
		zap.Int64("messages", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
}
