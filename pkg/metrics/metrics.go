// Package metrics exposes transaction engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"layeh.com/radius"

	"github.com/codelaboratoryltd/radclient/pkg/codec"
)

// Source reports point-in-time engine state for Collect.
type Source interface {
	Outstanding() int
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	requestsSent *prometheus.CounterVec
	repliesTotal *prometheus.CounterVec
	replyLatency *prometheus.HistogramVec

	// Outcome metrics
	outcomesTotal *prometheus.CounterVec

	// Identifier metrics
	identifiersInUse prometheus.Gauge

	registry *prometheus.Registry
	source   Source
	logger   *zap.Logger
}

// New creates a new Metrics instance with its own registry. source may be
// nil.
func New(source Source, logger *zap.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		source:   source,
		logger:   logger,

		requestsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radclient_requests_sent_total",
				Help: "Total RADIUS requests transmitted by packet type and attempt kind",
			},
			[]string{"code", "kind"},
		),

		repliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radclient_replies_total",
				Help: "Total authenticated RADIUS replies by packet type",
			},
			[]string{"code"},
		),

		replyLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radclient_reply_latency_seconds",
				Help:    "Time from last transmission to reply by packet type",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"code"},
		),

		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radclient_outcomes_total",
				Help: "Completed resend cycles by outcome",
			},
			[]string{"outcome"},
		),

		identifiersInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "radclient_identifiers_in_use",
				Help: "Protocol identifiers currently held by in-flight requests",
			},
		),
	}

	return m
}

// Register registers all metrics with the instance registry
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.requestsSent,
		m.repliesTotal,
		m.replyLatency,
		m.outcomesTotal,
		m.identifiersInUse,
	}

	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// SetSource attaches the state reported by Collect.
func (m *Metrics) SetSource(source Source) {
	m.source = source
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// --- engine.Recorder ---

// RequestSent records a transmission.
func (m *Metrics) RequestSent(code radius.Code, retransmit bool) {
	kind := "initial"
	if retransmit {
		kind = "retransmit"
	}
	m.requestsSent.WithLabelValues(codec.CodeName(code), kind).Inc()
}

// ReplyReceived records an authenticated reply and its round trip time.
func (m *Metrics) ReplyReceived(code radius.Code, rtt time.Duration) {
	name := codec.CodeName(code)
	m.repliesTotal.WithLabelValues(name).Inc()
	m.replyLatency.WithLabelValues(name).Observe(rtt.Seconds())
}

// Completed records the outcome of a resend cycle.
func (m *Metrics) Completed(outcome string) {
	m.outcomesTotal.WithLabelValues(outcome).Inc()
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Collect updates gauges from the source
func (m *Metrics) Collect() {
	if m.source != nil {
		m.identifiersInUse.Set(float64(m.source.Outstanding()))
	}
}

// WriteToTextfile collects and writes every metric in the text exposition
// format, for node_exporter's textfile collector.
func (m *Metrics) WriteToTextfile(path string) error {
	m.Collect()
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return err
	}
	m.logger.Debug("Wrote metrics textfile", zap.String("path", path))
	return nil
}
