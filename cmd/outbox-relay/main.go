// Package main provides the outbox relay service entry point. It drains the
// transactional outbox into the broker and sweeps confirmations and
// processed entries in the background.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/config"
	"github.com/carebridge/go-apo/internal/infrastructure/postgres"
	"github.com/carebridge/go-apo/internal/infrastructure/redpanda"
	"github.com/carebridge/go-apo/internal/observability/metrics"
	"github.com/carebridge/go-apo/internal/observability/tracing"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	var cfg config.OutboxRelay
	if err := config.Load(&cfg); err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopTracing, err := tracing.Init(ctx, "outbox-relay", cfg.Tracing)
	if err != nil {
		logger.Warn("tracing init failed, continuing without export", zap.Error(err))
	} else {
		defer stopTracing(context.Background())
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("ensure topics failed", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to broker", zap.Strings("brokers", cfg.Brokers))

	m := metrics.New()

	outbox := postgres.NewOutbox(pool, producer, redpanda.TopicFor, postgres.OutboxConfig{
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
		MaxRetries:   cfg.MaxRetries,
	}, logger)
	outbox.Start()

	confirmations := postgres.NewConfirmationStore(pool, 0, logger)

	// Background sweeps: dead letters, relayed-entry cleanup, expired gates.
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if moved, err := outbox.MoveToDeadLetter(ctx, redpanda.TopicDeadLetter); err != nil {
					logger.Error("dead letter sweep failed", zap.Error(err))
				} else if moved > 0 {
					logger.Warn("entries moved to dead letter", zap.Int64("count", moved))
				}
				if _, err := outbox.CleanupProcessed(ctx, cfg.CleanupAge); err != nil {
					logger.Error("outbox cleanup failed", zap.Error(err))
				}
				if evicted, err := confirmations.EvictExpired(ctx); err != nil {
					logger.Error("confirmation eviction failed", zap.Error(err))
				} else if evicted > 0 {
					logger.Info("expired confirmations evicted", zap.Int64("count", evicted))
				}
			}
		}
	}()

	// Pending-depth gauge and producer counters.
	go func() {
		var lastProduced int64
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if pending, err := outbox.PendingCount(ctx); err == nil {
					m.OutboxPending.Set(float64(pending))
				}
				stats := producer.Stats()
				m.KafkaMessagesProduced.Add(float64(stats.Produced - lastProduced))
				lastProduced = stats.Produced
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := redpanda.HealthCheck(r.Context(), cfg.Brokers); err != nil {
			http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
	outbox.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	metricsServer.Shutdown(shutdownCtx)

	logger.Info("outbox relay stopped")
}
