package service

import (
	"net/http"
	"time"

	"github.com/fitplan/subsync/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "subsync"

// Metrics holds the service's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	WebhookEvents    *prometheus.CounterVec
	WebhookDuration  *prometheus.HistogramVec
	RecoveryAttempts *prometheus.CounterVec
	CacheResolutions *prometheus.CounterVec
	HealthAction     prometheus.Gauge
	FailedEvents     prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "webhook_events_total",
			Help:      "Webhook events processed, by type and outcome.",
		}, []string{"type", "outcome"}),
		WebhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "webhook_duration_seconds",
			Help:      "Webhook processing time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recovery_attempts_total",
			Help:      "Recovery operations, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		CacheResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_resolutions_total",
			Help:      "Entitlement reads resolved past the cache, by source.",
		}, []string{"source"}),
		HealthAction: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "health_recommended_action",
			Help:      "Severity of the last recommended action (0 none, 1 monitor, 2 fallback, 3 manual_intervention).",
		}),
		FailedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "health_failed_events",
			Help:      "Failed webhook deliveries in the last health check window.",
		}),
	}
	reg.MustRegister(m.WebhookEvents, m.WebhookDuration, m.RecoveryAttempts, m.CacheResolutions, m.HealthAction, m.FailedEvents)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeWebhook(eventType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

func (m *Metrics) observeRecovery(op, outcome string) {
	if m == nil {
		return
	}
	m.RecoveryAttempts.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) observeResolution(src domain.Source) {
	if m == nil {
		return
	}
	m.CacheResolutions.WithLabelValues(string(src)).Inc()
}

func (m *Metrics) observeHealth(s domain.HealthStatus) {
	if m == nil {
		return
	}
	m.HealthAction.Set(float64(s.RecommendedAction.Severity()))
	m.FailedEvents.Set(float64(s.FailedEventCount))
}
