// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/service/ingestion"
)

// Metrics implements ingestion.Metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	TasksTotal        *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	Transitions       *prometheus.CounterVec
	Suppressions      *prometheus.CounterVec
	MessagesCompleted prometheus.Counter
	ParseRejections   *prometheus.CounterVec
	BreakerOpen       prometheus.Gauge
}

var _ ingestion.Metrics = (*Metrics)(nil)

// New registers every collector on reg. A nil reg uses a fresh registry,
// which keeps tests independent of the global default.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailflow_tasks_total",
			Help: "Ingestion tasks by kind and outcome",
		}, []string{"task", "outcome"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailflow_task_duration_seconds",
			Help:    "Time spent handling one ingestion task",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailflow_status_transitions_total",
			Help: "Mail status changes applied, by new status",
		}, []string{"status"}),
		Suppressions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailflow_suppressions_total",
			Help: "Suppression entries created or upgraded, by origin",
		}, []string{"origin"}),
		MessagesCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "mailflow_messages_completed_total",
			Help: "Campaign messages that reached sent",
		}),
		ParseRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailflow_parse_rejections_total",
			Help: "Feedback artifacts that could not be parsed, by source",
		}, []string{"source"}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailflow_worker_breaker_open",
			Help: "1 while the worker circuit breaker is open",
		}),
	}
}

func (m *Metrics) TaskFinished(kind string, outcome ingestion.Outcome, elapsed time.Duration) {
	m.TasksTotal.WithLabelValues(kind, string(outcome)).Inc()
	m.TaskDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) StatusApplied(status domain.Status) {
	m.Transitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) SuppressionRecorded(origin domain.SuppressionOrigin) {
	m.Suppressions.WithLabelValues(string(origin)).Inc()
}

func (m *Metrics) MessageCompleted() {
	m.MessagesCompleted.Inc()
}

func (m *Metrics) ParseRejected(source string) {
	m.ParseRejections.WithLabelValues(source).Inc()
}

// SetBreakerOpen records the worker circuit breaker state.
func (m *Metrics) SetBreakerOpen(open bool) {
	if open {
		m.BreakerOpen.Set(1)
		return
	}
	m.BreakerOpen.Set(0)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
