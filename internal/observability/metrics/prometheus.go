// Package metrics provides Prometheus metrics for the order pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	OrdersCreated         prometheus.Counter
	OrdersRejected        *prometheus.CounterVec
	OrdersFailed          *prometheus.CounterVec
	PipelineDuration      prometheus.Histogram
	EventsPublished       *prometheus.CounterVec
	HandlerFailures       prometheus.Counter
	ConfirmationsPending  prometheus.Gauge
	StreamObservers       prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total orders created",
		}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Total rejected orders by reason",
		}, []string{"reason"}),
		OrdersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_failed_total",
			Help: "Total failed orders by kind",
		}, []string{"kind"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "Pipeline run duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total domain events published by type",
		}, []string{"event_type"}),
		HandlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_handler_failures_total",
			Help: "Total event handler failures",
		}),
		ConfirmationsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confirmations_pending",
			Help: "Sessions awaiting confirmation",
		}),
		StreamObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_observers",
			Help: "Connected stream observers",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.OrdersCreated,
		m.OrdersRejected,
		m.OrdersFailed,
		m.PipelineDuration,
		m.EventsPublished,
		m.HandlerFailures,
		m.ConfirmationsPending,
		m.StreamObservers,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
