// Package metrics provides Prometheus metrics for the medication tracking services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	RefillRequestsOpened   prometheus.Counter
	RefillTransitions      *prometheus.CounterVec
	RefillsConsumed        prometheus.Counter
	RefillConflicts        prometheus.Counter
	DosesLogged            *prometheus.CounterVec
	NotificationsEmitted   *prometheus.CounterVec
	NotificationsDelivered *prometheus.CounterVec
	OperationDuration      *prometheus.HistogramVec
	KafkaMessagesProduced  prometheus.Counter
	KafkaMessagesConsumed  prometheus.Counter
	OutboxPending          prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RefillRequestsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refill_requests_opened_total",
			Help: "Total refill requests opened",
		}),
		RefillTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refill_transitions_total",
			Help: "Refill request status transitions by target status",
		}, []string{"status"}),
		RefillsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refills_consumed_total",
			Help: "Prescription refills consumed by dispensing",
		}),
		RefillConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refill_conflicts_total",
			Help: "Refill writes rejected by a concurrent update",
		}),
		DosesLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doses_logged_total",
			Help: "Dose log entries by status",
		}, []string{"status"}),
		NotificationsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_emitted_total",
			Help: "Notifications handed to the dispatcher by result",
		}, []string{"result"}),
		NotificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Notifications delivered by the notification service by channel and result",
		}, []string{"channel", "result"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "operation_duration_seconds",
			Help:    "Workflow operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
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

	reg.MustRegister(
		m.RefillRequestsOpened,
		m.RefillTransitions,
		m.RefillsConsumed,
		m.RefillConflicts,
		m.DosesLogged,
		m.NotificationsEmitted,
		m.NotificationsDelivered,
		m.OperationDuration,
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
