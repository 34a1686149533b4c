// Package metrics exposes generation queue measurements to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genqueue/internal/domain"
)

const namespace = "genqueue"

// StatusCounter is the slice of domain.JobStore the queue depth collector reads.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

// Metrics holds every collector of the process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	jobsQueued        prometheus.Counter
	jobsFinished      *prometheus.CounterVec
	jobsRunning       prometheus.Gauge
	jobDuration       *prometheus.HistogramVec
	rateLimitDegraded prometheus.Counter
	rateLimitRejected prometheus.Counter
	subscribers       prometheus.Gauge
}

// New registers the collectors on reg. A nil reg gets a fresh registry with
// the Go runtime and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		jobsQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of generation jobs accepted into the queue",
		}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of generation jobs that reached a terminal status",
		}, []string{"status"}),
		jobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently executed by this process",
		}),
		// 1s to ~17min
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from enqueue to terminal status",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 11),
		}, []string{"status"}),
		rateLimitDegraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_degraded_total",
			Help:      "Times the rate limiter switched to its in-memory fallback",
		}),
		rateLimitRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejected_total",
			Help:      "Requests rejected by the rate limiter",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_subscribers",
			Help:      "Open progress subscriptions",
		}),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchQueue reports the stored job counts per status on every scrape.
func (m *Metrics) WatchQueue(store StatusCounter, timeout time.Duration) {
	if m == nil {
		return
	}
	m.registry.MustRegister(newQueueCollector(store, timeout))
}

func (m *Metrics) JobQueued() {
	if m == nil {
		return
	}
	m.jobsQueued.Inc()
}

func (m *Metrics) JobCancelled() {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(string(domain.JobStatusCancelled)).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

func (m *Metrics) JobFinished(status domain.JobStatus, took time.Duration) {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
	m.jobsFinished.WithLabelValues(string(status)).Inc()
	m.jobDuration.WithLabelValues(string(status)).Observe(took.Seconds())
}

// RateLimitDegraded matches ratelimit.ResilientOptions.OnDegrade.
func (m *Metrics) RateLimitDegraded(error) {
	if m == nil {
		return
	}
	m.rateLimitDegraded.Inc()
}

func (m *Metrics) RateLimitRejected() {
	if m == nil {
		return
	}
	m.rateLimitRejected.Inc()
}

// SubscribersChanged matches progress.HubOptions.OnCountChange.
func (m *Metrics) SubscribersChanged(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}
