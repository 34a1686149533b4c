package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"genqueue/internal/domain"
)

type countsStub struct {
	counts map[domain.JobStatus]int
	err    error
}

func (s countsStub) CountByStatus(context.Context) (map[domain.JobStatus]int, error) {
	return s.counts, s.err
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestLifecycleCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.JobQueued()
	m.JobQueued()
	m.JobStarted()
	m.JobFinished(domain.JobStatusCompleted, 3*time.Second)
	m.JobCancelled()
	m.RateLimitDegraded(errors.New("redis down"))
	m.RateLimitRejected()
	m.SubscribersChanged(4)

	out := scrape(t, m)
	for _, want := range []string{
		"genqueue_jobs_submitted_total 2",
		`genqueue_jobs_finished_total{status="completed"} 1`,
		`genqueue_jobs_finished_total{status="cancelled"} 1`,
		"genqueue_jobs_running 0",
		`genqueue_job_duration_seconds_count{status="completed"} 1`,
		"genqueue_ratelimit_degraded_total 1",
		"genqueue_ratelimit_rejected_total 1",
		"genqueue_progress_subscribers 4",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestQueueCollectorReadsStore(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.WatchQueue(countsStub{counts: map[domain.JobStatus]int{
		domain.JobStatusQueued:     3,
		domain.JobStatusProcessing: 1,
	}}, time.Second)

	out := scrape(t, m)
	for _, want := range []string{
		`genqueue_jobs{status="queued"} 3`,
		`genqueue_jobs{status="processing"} 1`,
		`genqueue_jobs{status="failed"} 0`,
		"genqueue_jobs_scrape_error 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestQueueCollectorReportsStoreError(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.WatchQueue(countsStub{err: errors.New("db down")}, time.Second)

	if out := scrape(t, m); !strings.Contains(out, "genqueue_jobs_scrape_error 1") {
		t.Fatalf("expected scrape error gauge, got:\n%s", out)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.JobQueued()
	m.JobStarted()
	m.JobFinished(domain.JobStatusFailed, time.Second)
	m.RateLimitDegraded(nil)
	m.SubscribersChanged(1)
	m.WatchQueue(countsStub{}, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
