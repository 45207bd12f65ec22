package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds the Prometheus collectors for the campaign engine.
type Metrics struct {
	DispatchesTotal        *prometheus.CounterVec
	CallbacksTotal         *prometheus.CounterVec
	CallbacksIgnoredTotal  *prometheus.CounterVec
	RetriesScheduledTotal  prometheus.Counter
	RetriesExhaustedTotal  prometheus.Counter
	SuppressionsTotal      *prometheus.CounterVec
	ResubscribesTotal      *prometheus.CounterVec
	RecipientsResolved     *prometheus.HistogramVec
	RecipientsSuppressed   prometheus.Counter
	InstancesSentTotal     *prometheus.CounterVec
	InstancesOverdue       prometheus.Gauge
	RetryQueueDepth        prometheus.Gauge
	RateLimitedTotal       prometheus.Counter
	CircuitOpenTotal       *prometheus.CounterVec
	ESPRequestDurationSecs *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with every collector registered on a
// private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_dispatches_total",
				Help: "Messages handed to the ESP, by outcome",
			},
			[]string{"outcome"},
		),
		CallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_callbacks_total",
				Help: "Provider callbacks applied to delivery records, by status",
			},
			[]string{"status"},
		),
		CallbacksIgnoredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_callbacks_ignored_total",
				Help: "Provider callbacks that changed nothing, by reason",
			},
			[]string{"reason"},
		),
		RetriesScheduledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaign_retries_scheduled_total",
				Help: "Soft bounces scheduled for another attempt",
			},
		),
		RetriesExhaustedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaign_retries_exhausted_total",
				Help: "Soft bounces that ran out of attempts",
			},
		),
		SuppressionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_suppressions_created_total",
				Help: "Suppression records created, by scope and source",
			},
			[]string{"scope", "source"},
		),
		ResubscribesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_resubscribes_total",
				Help: "Suppression records removed, by scope",
			},
			[]string{"scope"},
		),
		RecipientsResolved: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campaign_recipients_resolved",
				Help:    "Size of resolved recipient sets, by path",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"path"},
		),
		RecipientsSuppressed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaign_recipients_suppressed_total",
				Help: "Candidate addresses removed by suppression",
			},
		),
		InstancesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_instances_finished_total",
				Help: "Scheduled instances finished by the scheduler, by status",
			},
			[]string{"status"},
		),
		InstancesOverdue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaign_instances_overdue",
				Help: "Scheduled instances past their grace period",
			},
		),
		RetryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaign_retry_queue_depth",
				Help: "Retry jobs waiting in the Redis queue",
			},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "campaign_rate_limited_total",
				Help: "Sends deferred by the per-organization rate limit",
			},
		),
		CircuitOpenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_circuit_open_total",
				Help: "Sends rejected because the provider circuit was open",
			},
			[]string{"provider"},
		),
		ESPRequestDurationSecs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campaign_esp_request_duration_seconds",
				Help:    "ESP send call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.DispatchesTotal,
		m.CallbacksTotal,
		m.CallbacksIgnoredTotal,
		m.RetriesScheduledTotal,
		m.RetriesExhaustedTotal,
		m.SuppressionsTotal,
		m.ResubscribesTotal,
		m.RecipientsResolved,
		m.RecipientsSuppressed,
		m.InstancesSentTotal,
		m.InstancesOverdue,
		m.RetryQueueDepth,
		m.RateLimitedTotal,
		m.CircuitOpenTotal,
		m.ESPRequestDurationSecs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// The helpers below are no-ops until SetGlobal is called, so engine packages
// can record metrics without carrying a *Metrics around.

func IncDispatch(outcome string) {
	if m := Global(); m != nil {
		m.DispatchesTotal.WithLabelValues(outcome).Inc()
	}
}

func IncCallback(status string) {
	if m := Global(); m != nil {
		m.CallbacksTotal.WithLabelValues(status).Inc()
	}
}

func IncCallbackIgnored(reason string) {
	if m := Global(); m != nil {
		m.CallbacksIgnoredTotal.WithLabelValues(reason).Inc()
	}
}

func IncRetryScheduled() {
	if m := Global(); m != nil {
		m.RetriesScheduledTotal.Inc()
	}
}

func IncRetryExhausted() {
	if m := Global(); m != nil {
		m.RetriesExhaustedTotal.Inc()
	}
}

func IncSuppression(scope, source string) {
	if m := Global(); m != nil {
		m.SuppressionsTotal.WithLabelValues(scope, source).Inc()
	}
}

func IncResubscribe(scope string) {
	if m := Global(); m != nil {
		m.ResubscribesTotal.WithLabelValues(scope).Inc()
	}
}

func ObserveRecipients(path string, n int) {
	if m := Global(); m != nil {
		m.RecipientsResolved.WithLabelValues(path).Observe(float64(n))
	}
}

func AddRecipientsSuppressed(n int) {
	if m := Global(); m != nil && n > 0 {
		m.RecipientsSuppressed.Add(float64(n))
	}
}

func IncInstanceFinished(status string) {
	if m := Global(); m != nil {
		m.InstancesSentTotal.WithLabelValues(status).Inc()
	}
}

func SetInstancesOverdue(n int) {
	if m := Global(); m != nil {
		m.InstancesOverdue.Set(float64(n))
	}
}

func SetRetryQueueDepth(n int64) {
	if m := Global(); m != nil {
		m.RetryQueueDepth.Set(float64(n))
	}
}

func IncRateLimited() {
	if m := Global(); m != nil {
		m.RateLimitedTotal.Inc()
	}
}

func IncCircuitOpen(provider string) {
	if m := Global(); m != nil {
		m.CircuitOpenTotal.WithLabelValues(provider).Inc()
	}
}

func ObserveESPRequest(provider string, seconds float64) {
	if m := Global(); m != nil {
		m.ESPRequestDurationSecs.WithLabelValues(provider).Observe(seconds)
	}
}
