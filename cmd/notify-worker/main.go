// Package main provides the notification worker entry point. It consumes
// notification.send events from the broker and fans webhook deliveries out
// over a bounded worker pool.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/config"
	"github.com/carebridge/go-apo/internal/domain/order"
	"github.com/carebridge/go-apo/internal/infrastructure/redpanda"
	"github.com/carebridge/go-apo/internal/observability/metrics"
	"github.com/carebridge/go-apo/internal/observability/tracing"
	"github.com/carebridge/go-apo/pkg/circuitbreaker"
	"github.com/carebridge/go-apo/pkg/workerpool"
)

// delivery is the webhook body sent for one notification.
type delivery struct {
	SessionID    string          `json:"session_id"`
	EventID      string          `json:"event_id"`
	Notification json.RawMessage `json:"notification"`
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	var cfg config.NotifyWorker
	if err := config.Load(&cfg); err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	stopTracing, err := tracing.Init(ctx, "notify-worker", cfg.Tracing)
	if err != nil {
		logger.Warn("tracing init failed, continuing without export", zap.Error(err))
	} else {
		defer stopTracing(context.Background())
	}

	m := metrics.New()

	breakers := circuitbreaker.NewManager(logger)
	breakers.OnStateChange(func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(circuitbreaker.StateValue(to))
	})
	breaker, err := breakers.GetOrCreate("webhook", circuitbreaker.DefaultConfig("webhook"))
	if err != nil {
		logger.Fatal("create webhook breaker", zap.Error(err))
	}
	httpClient := &http.Client{Timeout: cfg.WebhookTimeout}

	dispatch := func(ctx context.Context, task *workerpool.Task) error {
		d := task.Payload.(*delivery)
		body, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshal delivery: %w", err)
		}

		_, err = breaker.Execute(ctx, func() (any, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := httpClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
			}
			return nil, nil
		})
		return err
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers
	poolCfg.QueueSize = cfg.QueueSize
	pool, err := workerpool.New(poolCfg, dispatch, logger)
	if err != nil {
		logger.Fatal("create worker pool", zap.Error(err))
	}
	pool.Start()

	// Drain results so the channel never backs up; failures are already
	// logged by the pool.
	go func() {
		for range pool.Results() {
		}
	}()

	handler := func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		m.KafkaMessagesConsumed.Inc()

		var evt order.Event
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			// Malformed payloads cannot succeed on retry; drop with a log.
			logger.Error("malformed notification event",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}

		return pool.Submit(&workerpool.Task{
			ID: evt.ID,
			Payload: &delivery{
				SessionID:    evt.SessionID,
				EventID:      evt.ID,
				Notification: evt.Payload,
			},
		})
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumer, err := redpanda.NewConsumer(consumerCfg, handler, logger)
	if err != nil {
		logger.Fatal("create consumer", zap.Error(err))
	}
	consumer.Start()
	logger.Info("notify worker started",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", cfg.ConsumerGroup),
		zap.Int("workers", poolCfg.Workers))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !pool.IsHealthy() {
			http.Error(w, "queue saturated", http.StatusServiceUnavailable)
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
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	logger.Info("notify worker stopped")
}
