package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"genqueue/internal/domain"
)

var queueStatuses = []domain.JobStatus{
	domain.JobStatusQueued,
	domain.JobStatusProcessing,
	domain.JobStatusCompleted,
	domain.JobStatusFailed,
	domain.JobStatusCancelled,
}

// queueCollector reads job counts from the store at scrape time so every
// replica reports the shared queue rather than its own view.
type queueCollector struct {
	store   StatusCounter
	timeout time.Duration
	desc    *prometheus.Desc
	errDesc *prometheus.Desc
}

func newQueueCollector(store StatusCounter, timeout time.Duration) *queueCollector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &queueCollector{
		store:   store,
		timeout: timeout,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Stored generation jobs by status",
			[]string{"status"}, nil,
		),
		errDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_scrape_error"),
			"1 when the job counts could not be read",
			nil, nil,
		),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	ch <- c.errDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.errDesc, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.errDesc, prometheus.GaugeValue, 0)
	for _, s := range queueStatuses {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[s]), string(s))
	}
}
