// Command audit-relay publishes the outbox rows written with each audit
// entry and closed decision to Redpanda.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/app"
	"github.com/drfirst/go-priorauth/internal/config"
	"github.com/drfirst/go-priorauth/internal/infrastructure/postgres"
	"github.com/drfirst/go-priorauth/internal/infrastructure/redpanda"
	"github.com/drfirst/go-priorauth/internal/observability/metrics"
)

const (
	// statsInterval is how often the backlog gauge is refreshed.
	statsInterval = 15 * time.Second
	// retainProcessed keeps relayed entries around for inspection.
	retainProcessed = 72 * time.Hour
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

	if cfg.Database.URL == "" {
		logger.Fatal("audit relay needs database.url")
	}

	// Connect to database
	pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(context.Background(), pool, 0); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	m := metrics.New()
	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relay := postgres.NewRelay(pool, producer, relayCfg, logger.Named("outbox"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		maintain(ctx, relay, m, logger)
	}()

	metricsServer := &http.Server{Addr: ":" + cfg.Server.Port, Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	metricsServer.Close()
	logger.Info("audit relay stopped")
}

// maintain refreshes the backlog gauge and prunes relayed rows.
func maintain(ctx context.Context, relay *postgres.Relay, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		backlog, err := relay.Backlog(ctx)
		if err != nil {
			logger.Warn("outbox backlog", zap.Error(err))
			continue
		}
		m.SetOutboxPending(backlog.Pending)
		if backlog.Failing > 0 {
			logger.Warn("outbox messages failing", zap.Int64("count", backlog.Failing))
		}

		if n, err := relay.Prune(ctx, retainProcessed); err != nil {
			logger.Warn("outbox prune", zap.Error(err))
		} else if n > 0 {
			logger.Debug("outbox pruned", zap.Int64("rows", n))
		}
	}
}
