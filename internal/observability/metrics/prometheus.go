// Package metrics provides Prometheus metrics for the conversion services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. It implements engine.Observer.
type Metrics struct {
	MessagesConverted     *prometheus.CounterVec
	MessagesFailed        *prometheus.CounterVec
	ConversionDuration    *prometheus.HistogramVec
	BundleSize            prometheus.Histogram
	ResourcesProduced     *prometheus.CounterVec
	DuplicatesMerged      *prometheus.CounterVec
	CodingsResolved       *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	InboxDuplicates       prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg, or with the default
// registry when reg is nil
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		MessagesConverted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_messages_converted_total",
			Help: "Messages converted to FHIR bundles",
		}, []string{"trigger"}),
		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_messages_failed_total",
			Help: "Messages that could not be converted",
		}, []string{"trigger", "reason"}),
		ConversionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hl7_conversion_duration_seconds",
			Help:    "Conversion duration per message",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"trigger"}),
		BundleSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fhir_bundle_entries",
			Help:    "Entries per produced bundle",
			Buckets: prometheus.LinearBuckets(1, 4, 10),
		}),
		ResourcesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_resources_produced_total",
			Help: "Resources written to bundles",
		}, []string{"resource_type"}),
		DuplicatesMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fhir_resources_deduplicated_total",
			Help: "Resources merged into an earlier resource of the same identity",
		}, []string{"resource_type"}),
		CodingsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terminology_codings_total",
			Help: "Coded values resolved, by outcome",
		}, []string{"outcome"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		InboxDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_duplicates_total",
			Help: "Redelivered messages skipped by the inbox",
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
		m.MessagesConverted,
		m.MessagesFailed,
		m.ConversionDuration,
		m.BundleSize,
		m.ResourcesProduced,
		m.DuplicatesMerged,
		m.CodingsResolved,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.InboxDuplicates,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) ConversionCompleted(trigger string, resources int, elapsed time.Duration) {
	m.MessagesConverted.WithLabelValues(trigger).Inc()
	m.ConversionDuration.WithLabelValues(trigger).Observe(elapsed.Seconds())
	m.BundleSize.Observe(float64(resources))
}

func (m *Metrics) ConversionFailed(trigger, reason string) {
	m.MessagesFailed.WithLabelValues(trigger, reason).Inc()
}

func (m *Metrics) ResourceProduced(resourceType string) {
	m.ResourcesProduced.WithLabelValues(resourceType).Inc()
}

func (m *Metrics) DuplicateMerged(resourceType string) {
	m.DuplicatesMerged.WithLabelValues(resourceType).Inc()
}

func (m *Metrics) CodingResolved(outcome string) {
	m.CodingsResolved.WithLabelValues(outcome).Inc()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
