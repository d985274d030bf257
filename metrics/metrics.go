// Package metrics exposes the node's Prometheus instrumentation: tick
// counters and durations per level, receipt accept/reject counters,
// broadcast promotion counters, and DC1-HMAC rejection counters. One
// Metrics value is created at bootstrap and handed to the scheduler, the
// broadcast processor, and the inter-chain transport; its handler is
// served on /metrics alongside the inter-chain routes.
//
// Every recording method is safe on a nil receiver, so components built
// without instrumentation (tests, mostly) skip it without branching.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainnode"

// Metrics carries the node's collectors on a private registry, so two
// nodes embedded in one test process never collide on metric names.
type Metrics struct {
	registry *prometheus.Registry

	tickTotal      *prometheus.CounterVec
	tickDuration   *prometheus.HistogramVec
	receiptTotal   *prometheus.CounterVec
	promotionTotal *prometheus.CounterVec
	authRejected   *prometheus.CounterVec
}

// New creates a Metrics with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tickTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_total",
			Help:      "Executor ticks run, by level and result",
		}, []string{"level", "result"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Executor tick wall time, by level",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"level"}),
		receiptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_total",
			Help:      "Inbound receipts, by attesting level and result",
		}, []string{"level", "result"}),
		promotionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Broadcast-state level promotions, by destination level",
		}, []string{"to_level"}),
		authRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejections_total",
			Help:      "DC1-HMAC admission failures, by reason",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.tickTotal, m.tickDuration, m.receiptTotal, m.promotionTotal, m.authRejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTick records one executor tick.
func (m *Metrics) ObserveTick(level int, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	lvl := strconv.Itoa(level)
	m.tickTotal.WithLabelValues(lvl, result).Inc()
	m.tickDuration.WithLabelValues(lvl).Observe(d.Seconds())
}

// ReceiptAccepted records one accepted inbound receipt at level.
func (m *Metrics) ReceiptAccepted(level int) {
	if m == nil {
		return
	}
	m.receiptTotal.WithLabelValues(strconv.Itoa(level), "accepted").Inc()
}

// ReceiptRejected records one rejected inbound receipt at level.
func (m *Metrics) ReceiptRejected(level int) {
	if m == nil {
		return
	}
	m.receiptTotal.WithLabelValues(strconv.Itoa(level), "rejected").Inc()
}

// Promotion records one block promotion to toLevel in broadcast state.
func (m *Metrics) Promotion(toLevel int) {
	if m == nil {
		return
	}
	m.promotionTotal.WithLabelValues(strconv.Itoa(toLevel)).Inc()
}

// AuthRejected records one admission failure with a low-cardinality reason
// ("unauthorized", "rate_limited", "forbidden").
func (m *Metrics) AuthRejected(reason string) {
	if m == nil {
		return
	}
	m.authRejected.WithLabelValues(reason).Inc()
}
