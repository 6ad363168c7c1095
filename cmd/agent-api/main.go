// Package main provides the agent API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carebridge/go-apo/internal/api/handlers"
	"github.com/carebridge/go-apo/internal/api/middleware"
	"github.com/carebridge/go-apo/internal/broadcast"
	"github.com/carebridge/go-apo/internal/collaborators"
	"github.com/carebridge/go-apo/internal/config"
	"github.com/carebridge/go-apo/internal/domain/order"
	"github.com/carebridge/go-apo/internal/eventbus"
	"github.com/carebridge/go-apo/internal/fusion"
	"github.com/carebridge/go-apo/internal/infrastructure/postgres"
	"github.com/carebridge/go-apo/internal/infrastructure/redpanda"
	"github.com/carebridge/go-apo/internal/notify"
	"github.com/carebridge/go-apo/internal/observability/metrics"
	"github.com/carebridge/go-apo/internal/observability/tracing"
	"github.com/carebridge/go-apo/internal/pipeline"
	"github.com/carebridge/go-apo/pkg/circuitbreaker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	var cfg config.AgentAPI
	if err := config.Load(&cfg); err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	stopTracing, err := tracing.Init(ctx, "agent-api", cfg.Tracing)
	if err != nil {
		logger.Warn("tracing init failed, continuing without export", zap.Error(err))
	} else {
		defer stopTracing(context.Background())
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	m := metrics.New()

	// Event plumbing: every published event is journaled and queued for the
	// broker relay; the notifier reacts to terminal events.
	bus := eventbus.New(logger)
	journal := order.NewJournal(pool, logger)
	bus.Subscribe(eventbus.TagAll, "journal", journal.Append)

	outbox := postgres.NewOutbox(pool, nil, redpanda.TopicFor, postgres.DefaultOutboxConfig(), logger)
	bus.Subscribe(eventbus.TagAll, "outbox", outbox.Enqueue)

	bus.Subscribe(eventbus.TagAll, "metrics", func(_ context.Context, evt *order.Event) error {
		m.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
		return nil
	})

	notifier := notify.New(bus, logger)
	notifier.Register()

	hub := broadcast.NewHub(logger)
	monitor := fusion.NewMonitor(hub, cfg.SessionCloseLag, logger)
	hub.AttachGlobal(monitor)
	// Consolidated fusion state also leaves the process, via the outbox to
	// the fusion.signals topic.
	hub.AttachGlobal(fusion.NewExporter(bus, logger))

	gate := postgres.NewConfirmationStore(pool, cfg.ConfirmationTTL, logger)

	// Bus failure and pending-gate gauges refresh on a fixed cadence.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		var lastFailures int64
		for range ticker.C {
			stats := bus.Stats()
			m.HandlerFailures.Add(float64(stats.HandlerFailures - lastFailures))
			lastFailures = stats.HandlerFailures
			if pending, err := gate.Pending(ctx); err == nil {
				m.ConfirmationsPending.Set(float64(pending))
			}
		}
	}()

	breakers := circuitbreaker.NewManager(logger)
	breakers.OnStateChange(func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(circuitbreaker.StateValue(to))
	})
	clients, err := collaborators.NewClients(collaborators.Config{
		ValidationURL:  cfg.ValidationURL,
		RiskURL:        cfg.RiskURL,
		InventoryURL:   cfg.InventoryURL,
		FulfillmentURL: cfg.FulfillmentURL,
		Timeout:        cfg.CollabTimeout,
	}, breakers, logger)
	if err != nil {
		logger.Fatal("build collaborator clients", zap.Error(err))
	}

	pipe := pipeline.New(clients.Validation, clients.Risk, clients.Inventory, clients.Fulfillment,
		bus, gate, hub, logger)

	requestHandler := handlers.NewRequestHandler(pipe, monitor, journal, m, logger)
	streamHandler := handlers.NewStreamHandler(hub, m, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("agent-api"))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKey))
		r.Mount("/requests", requestHandler.Routes())
		r.Mount("/stream", streamHandler.Routes())
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		bus.Close()
	}()

	logger.Info("starting agent API", zap.String("addr", cfg.ListenAddr))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"agent-api","version":"1.0.0"}`)
}
