// Package main provides the outbox relay entry point.
// Delivers staged bundles to the bundle topic and, when configured, to a
// FHIR server.
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
	"github.com/drfirst/hl7fhir/internal/infrastructure/postgres"
	"github.com/drfirst/hl7fhir/internal/infrastructure/redpanda"
	"github.com/drfirst/hl7fhir/internal/observability/metrics"
	"github.com/drfirst/hl7fhir/internal/observability/tracing"
	"github.com/drfirst/hl7fhir/internal/sink"
	"github.com/drfirst/hl7fhir/pkg/circuitbreaker"
)

const (
	serviceName        = "outbox-relay"
	statsInterval      = 15 * time.Second
	cleanupInterval    = time.Hour
	processedTTL       = 7 * 24 * time.Hour
	fhirSinkBreaker    = "fhir-sink"
	bundleTopicBreaker = "bundle-topic"
)

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

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	producer.OnProduced = m.KafkaMessagesProduced.Inc

	breakers := circuitbreaker.NewManager(logger)
	onStateChange := func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
	}

	topicCfg := circuitbreaker.DefaultConfig(bundleTopicBreaker)
	topicCfg.OnStateChange = onStateChange
	topicBreaker, err := breakers.GetOrCreate(bundleTopicBreaker, topicCfg)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	publishers := sink.Multi{guarded{breaker: topicBreaker, next: sink.NewTopic(producer)}}

	if cfg.FHIRSinkURL != "" {
		sinkCfg := sink.BreakerConfig(fhirSinkBreaker)
		sinkCfg.OnStateChange = onStateChange
		sinkBreaker, err := breakers.GetOrCreate(fhirSinkBreaker, sinkCfg)
		if err != nil {
			logger.Fatal("circuit breaker creation failed", zap.Error(err))
		}
		fhirSink, err := sink.NewHTTP(sink.HTTPConfig{
			URL:     cfg.FHIRSinkURL,
			Timeout: cfg.FHIRSinkTimeout,
		}, sinkBreaker, logger)
		if err != nil {
			logger.Fatal("fhir sink creation failed", zap.Error(err))
		}
		publishers = append(publishers, fhirSink)
		logger.Info("fhir server delivery enabled", zap.String("url", cfg.FHIRSinkURL))
	}
	for _, s := range breakers.GetHealthStatus() {
		m.CircuitBreakerState.WithLabelValues(s.Name).Set(s.State.Gauge())
	}

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outbox := postgres.NewOutbox(pool, publishers, producer, outboxCfg, logger)
	if err := outbox.EnsureSchema(ctx); err != nil {
		logger.Fatal("outbox schema failed", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		statuses := breakers.GetHealthStatus()
		status := http.StatusOK
		for _, s := range statuses {
			if !s.Healthy {
				status = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"breakers": statuses, "producer": producer.Stats()})
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	outbox.Start()
	maintCtx, stopMaint := context.WithCancel(ctx)
	maintDone := make(chan struct{})
	go maintain(maintCtx, outbox, m, logger, maintDone)
	logger.Info("outbox relay started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopMaint()
	<-maintDone
	outbox.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}

// maintain refreshes the pending gauge and prunes delivered entries
func maintain(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)

	stats := time.NewTicker(statsInterval)
	defer stats.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			s, err := outbox.GetStats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(s.Pending))
			if s.OldestPending != nil && time.Since(*s.OldestPending) > time.Minute {
				logger.Warn("outbox backlog",
					zap.Int64("pending", s.Pending),
					zap.Time("oldest", *s.OldestPending))
			}
		case <-cleanup.C:
			n, err := outbox.CleanupProcessed(ctx, processedTTL)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

// guarded runs a publisher through a circuit breaker
type guarded struct {
	breaker *circuitbreaker.CircuitBreaker
	next    postgres.Publisher
}

func (g guarded) Publish(ctx context.Context, entry *postgres.OutboxEntry) error {
	_, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, g.next.Publish(ctx, entry)
	})
	return err
}
