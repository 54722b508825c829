package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config defines telemetry configuration.
type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// DefaultConfig returns default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "renderpool",
	}
}

// Metrics exports controller and pool metrics through a dedicated Prometheus
// registry. All methods are nil-receiver safe so callers can wire telemetry
// optionally.
type Metrics struct {
	registry *prometheus.Registry

	poolCurrent      *prometheus.GaugeVec
	poolDesired      *prometheus.GaugeVec
	performanceScore *prometheus.GaugeVec
	errorRate        *prometheus.GaugeVec
	learningRate     *prometheus.GaugeVec

	launchesTotal    *prometheus.CounterVec
	recyclesTotal    *prometheus.CounterVec
	operationSeconds *prometheus.HistogramVec
}

// New creates the metrics set. Returns nil when disabled; all Metrics methods
// tolerate a nil receiver.
func New(config Config) *Metrics {
	if !config.Enabled {
		return nil
	}
	if config.Namespace == "" {
		config.Namespace = "renderpool"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		poolCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "pool_workers_live",
			Help:      "Live workers per service.",
		}, []string{"service"}),
		poolDesired: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "pool_workers_desired",
			Help:      "Controller-recommended concurrency per service.",
		}, []string{"service"}),
		performanceScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "performance_score",
			Help:      "Blended performance score over the sliding window (0-1).",
		}, []string{"service"}),
		errorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "error_rate",
			Help:      "Error rate over the sliding window (0-1).",
		}, []string{"service"}),
		learningRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "learning_rate",
			Help:      "Current adaptive learning rate per service.",
		}, []string{"service"}),
		launchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "worker_launches_total",
			Help:      "Worker launches by result.",
		}, []string{"service", "result"}),
		recyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "worker_recycles_total",
			Help:      "Worker recycles by reason.",
		}, []string{"service", "reason"}),
		operationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Completed operation durations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"service", "outcome"}),
	}

	registry.MustRegister(
		m.poolCurrent,
		m.poolDesired,
		m.performanceScore,
		m.errorRate,
		m.learningRate,
		m.launchesTotal,
		m.recyclesTotal,
		m.operationSeconds,
	)

	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// SetPoolGauges updates the per-service controller gauges.
func (m *Metrics) SetPoolGauges(service string, live, desired int, score, errorRate, learningRate float64) {
	if m == nil {
		return
	}
	m.poolCurrent.WithLabelValues(service).Set(float64(live))
	m.poolDesired.WithLabelValues(service).Set(float64(desired))
	m.performanceScore.WithLabelValues(service).Set(score)
	m.errorRate.WithLabelValues(service).Set(errorRate)
	m.learningRate.WithLabelValues(service).Set(learningRate)
}

// ObserveOperation records one completed operation.
func (m *Metrics) ObserveOperation(service string, d time.Duration, errored bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if errored {
		outcome = "error"
	}
	m.operationSeconds.WithLabelValues(service, outcome).Observe(d.Seconds())
}

// IncLaunch counts one worker launch attempt.
func (m *Metrics) IncLaunch(service string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.launchesTotal.WithLabelValues(service, result).Inc()
}

// IncRecycle counts one worker recycle.
func (m *Metrics) IncRecycle(service, reason string) {
	if m == nil {
		return
	}
	m.recyclesTotal.WithLabelValues(service, reason).Inc()
}
