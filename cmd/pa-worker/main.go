// Package main provides the authorization worker entry point.
// Consumes pa.requests and runs each request through the decision pipeline.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/app"
	"github.com/drfirst/go-priorauth/internal/config"
	"github.com/drfirst/go-priorauth/internal/infrastructure/redpanda"
	"github.com/drfirst/go-priorauth/internal/observability/metrics"
	"github.com/drfirst/go-priorauth/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("PA_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger, err := app.NewLogger(cfg.Service.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	tp, err := app.InitTracing(ctx, cfg, "worker")
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New()
	a, err := app.Build(ctx, cfg, logger, app.Options{Metrics: m})
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	a.Service.Start()

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}

	// Decisions are queued by the outbox when records are stored in Postgres.
	handlerCfg := worker.DefaultConfig()
	handlerCfg.PublishDecisions = a.DB == nil
	handler := worker.NewHandler(a.Service, producer, handlerCfg, m, logger.Named("worker"))

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = cfg.Kafka.GroupID

	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("authorization worker started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("group", cfg.Kafka.GroupID),
		zap.Bool("publish_decisions", handlerCfg.PublishDecisions))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := redpanda.HealthCheck(r.Context(), cfg.Kafka.Brokers); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if !a.Service.Healthy() {
			http.Error(w, "queue full", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	metricsServer := &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	a.Close()
	producer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	tp.Shutdown(shutdownCtx)

	stats := consumer.Stats()
	logger.Info("authorization worker stopped",
		zap.Int64("handled", stats.MessagesHandled),
		zap.Int64("redeliveries", stats.Redeliveries),
		zap.Int64("fetch_errors", stats.FetchErrors))
}
