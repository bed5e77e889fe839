// Package main provides the conversion API entry point. It converts HL7 v2
// messages synchronously and queues them for the conversion service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/drfirst/hl7fhir/internal/api/handlers"
	"github.com/drfirst/hl7fhir/internal/api/middleware"
	"github.com/drfirst/hl7fhir/internal/config"
	"github.com/drfirst/hl7fhir/internal/engine"
	"github.com/drfirst/hl7fhir/internal/infrastructure/redpanda"
	"github.com/drfirst/hl7fhir/internal/observability/metrics"
	"github.com/drfirst/hl7fhir/internal/observability/tracing"
)

const serviceName = "ingestion-api"

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

	tp, err := tracing.Init(context.Background(), cfg.Tracing)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	converter, err := engine.NewFromDir(cfg.TemplatesDir, cfg.TimeZone, m, logger)
	if err != nil {
		logger.Fatal("converter init failed", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	producer.OnProduced = m.KafkaMessagesProduced.Inc

	conversionHandler := handlers.NewConversionHandler(converter, producer, handlers.Config{
		Validate: cfg.ValidateFHIR,
		BaseURL:  cfg.FHIRBaseURL,
	}, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"service":  serviceName,
			"version":  cfg.Tracing.ServiceVersion,
			"triggers": len(converter.Registry().Triggers()),
			"producer": producer.Stats(),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys, cfg.DefaultTenant))
		r.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
		r.Mount("/", conversionHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting conversion API",
		zap.String("port", cfg.Port),
		zap.Strings("triggers", converter.Registry().Triggers()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
