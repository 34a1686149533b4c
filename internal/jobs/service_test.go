package jobs

import (
	"context"
	"errors"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genqueue/internal/adapter/repo"
	"genqueue/internal/domain"
	"genqueue/internal/infra"
	"genqueue/internal/progress"
	"genqueue/internal/storage"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []progress.Envelope
}

func (r *recordingBroadcaster) BroadcastToJob(_ context.Context, _ string, env progress.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
}

type countingObserver struct {
	queued, cancelled int
}

func (c *countingObserver) JobQueued()    { c.queued++ }
func (c *countingObserver) JobCancelled() { c.cancelled++ }

type harness struct {
	svc      *Service
	store    domain.JobStore
	files    *storage.FileStore
	notify   *recordingBroadcaster
	observer *countingObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := infra.OpenSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := repo.NewSQLiteJobRepository(db)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	h := &harness{store: store, files: files, notify: &recordingBroadcaster{}, observer: &countingObserver{}}
	h.svc = NewService(store, files, Options{Broadcaster: h.notify, Observer: h.observer, Logger: zerolog.Nop()})
	return h
}

func intPtr(v int) *int { return &v }

func TestEnqueueAppliesDefaults(t *testing.T) {
	h := newHarness(t)
	job, err := h.svc.Enqueue(context.Background(), Request{Prompt: "a castle in the clouds"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Status != domain.JobStatusQueued || job.Model != DefaultModel {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Steps != DefaultSteps || job.Guidance != DefaultGuidance || job.Width != DefaultSize || job.Height != DefaultSize {
		t.Fatalf("defaults not applied: %+v", job)
	}
	if job.Seed != nil {
		t.Fatalf("seed should be random, got %d", *job.Seed)
	}
	if job.Name != "a castle in the clouds" {
		t.Fatalf("name = %q", job.Name)
	}

	stored, err := h.svc.Get(context.Background(), job.ID)
	if err != nil || stored.Status != domain.JobStatusQueued {
		t.Fatalf("Get = %+v, %v", stored, err)
	}
	if h.observer.queued != 1 {
		t.Fatalf("queued observations = %d", h.observer.queued)
	}
}

func TestEnqueueKeepsExplicitSeedAndTruncatesName(t *testing.T) {
	h := newHarness(t)
	prompt := strings.Repeat("é", 60)
	job, err := h.svc.Enqueue(context.Background(), Request{Prompt: prompt, Seed: intPtr(1234)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Seed == nil || *job.Seed != 1234 {
		t.Fatalf("seed = %v", job.Seed)
	}
	if job.Name != strings.Repeat("é", 50)+"..." {
		t.Fatalf("name = %q", job.Name)
	}

	job, err = h.svc.Enqueue(context.Background(), Request{Prompt: "x", Seed: intPtr(-1)})
	if err != nil || job.Seed != nil {
		t.Fatalf("seed -1 should mean random: %v, %v", job.Seed, err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	guidance := func(v float64) *float64 { return &v }
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"empty prompt", Request{}, "prompt"},
		{"blank prompt", Request{Prompt: "  \n"}, "prompt"},
		{"long prompt", Request{Prompt: strings.Repeat("a", 2001)}, "prompt"},
		{"width not multiple of 64", Request{Prompt: "p", Width: intPtr(100)}, "width"},
		{"width too large", Request{Prompt: "p", Width: intPtr(4096)}, "width"},
		{"height too small", Request{Prompt: "p", Height: intPtr(0)}, "height"},
		{"zero steps", Request{Prompt: "p", Steps: intPtr(0)}, "steps"},
		{"too many steps", Request{Prompt: "p", Steps: intPtr(101)}, "steps"},
		{"negative guidance", Request{Prompt: "p", Guidance: guidance(-1)}, "guidance"},
		{"guidance too high", Request{Prompt: "p", Guidance: guidance(30.5)}, "guidance"},
		{"negative seed", Request{Prompt: "p", Seed: intPtr(-2)}, "seed"},
		{"seed above int32", Request{Prompt: "p", Seed: intPtr(math.MaxInt32 + 1)}, "seed"},
	}
	h := newHarness(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Enqueue(context.Background(), tc.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %s, want %s", verr.Field, tc.field)
			}
			if !errors.Is(err, domain.ErrInvalidJob) {
				t.Fatal("validation errors should match domain.ErrInvalidJob")
			}
		})
	}

	if _, err := h.svc.Enqueue(context.Background(), Request{Prompt: strings.Repeat("a", 2000), Guidance: guidance(0)}); err != nil {
		t.Fatalf("boundary values should be accepted: %v", err)
	}
	for _, seed := range []int{-1, 0, math.MaxInt32} {
		if _, err := h.svc.Enqueue(context.Background(), Request{Prompt: "p", Seed: intPtr(seed)}); err != nil {
			t.Fatalf("seed %d should be accepted: %v", seed, err)
		}
	}
}

func TestGetUnknownOrMalformedID(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"not-a-uuid", "7d9f7a3e-5f7b-4d6a-9a43-1f2c3b4d5e6f"} {
		if _, err := h.svc.Get(context.Background(), id); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get(%s) = %v", id, err)
		}
	}
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t)
	job, _ := h.svc.Enqueue(context.Background(), Request{Prompt: "cancel me"})

	if err := h.svc.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	stored, _ := h.svc.Get(context.Background(), job.ID)
	if stored.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %s", stored.Status)
	}
	if len(h.notify.sent) != 1 || h.notify.sent[0].Type != progress.EventCancelled {
		t.Fatalf("broadcasts = %+v", h.notify.sent)
	}
	if h.observer.cancelled != 1 {
		t.Fatalf("cancel observations = %d", h.observer.cancelled)
	}

	if err := h.svc.Cancel(context.Background(), job.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("second cancel = %v", err)
	}
}

func TestCancelProcessingJobConflicts(t *testing.T) {
	h := newHarness(t)
	job, _ := h.svc.Enqueue(context.Background(), Request{Prompt: "already running"})
	if _, err := h.store.ClaimNext(context.Background(), time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	err := h.svc.Cancel(context.Background(), job.ID)
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("Cancel = %v", err)
	}
	if !strings.Contains(err.Error(), "processing") {
		t.Fatalf("error should name the current status: %v", err)
	}
	if len(h.notify.sent) != 0 {
		t.Fatal("no broadcast expected for a refused cancel")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.Cancel(context.Background(), "7d9f7a3e-5f7b-4d6a-9a43-1f2c3b4d5e6f"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Cancel = %v", err)
	}
}

func TestListPagesNewestFirst(t *testing.T) {
	h := newHarness(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		h.svc.now = func() time.Time { return at }
		job, err := h.svc.Enqueue(context.Background(), Request{Prompt: "job"})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, job.ID)
	}
	if err := h.svc.Cancel(context.Background(), ids[0]); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	page, err := h.svc.List(context.Background(), 2, 2, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].ID != ids[2] || page.Items[1].ID != ids[1] {
		t.Fatalf("page 2 = %+v", page.Items)
	}
	if page.TotalItems != 5 || page.TotalPages() != 3 {
		t.Fatalf("totals = %d/%d", page.TotalItems, page.TotalPages())
	}

	queued := domain.JobStatusQueued
	page, err = h.svc.List(context.Background(), 0, 500, &queued)
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if page.Page != 1 || page.PageSize != MaxPageSize || page.TotalItems != 4 || len(page.Items) != 4 {
		t.Fatalf("filtered page = %+v", page)
	}
}

func TestOpenImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, _ := h.svc.Enqueue(ctx, Request{Prompt: "render"})

	if _, err := h.svc.OpenImage(ctx, job.ID); !errors.Is(err, ErrImageUnavailable) {
		t.Fatalf("queued job image = %v", err)
	}

	if _, err := h.store.ClaimNext(ctx, time.Now()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	path, err := h.files.Write(ctx, domain.OutputKey(job.ID), []byte("png-bytes"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	now := time.Now()
	if ok, err := h.store.UpdateStatusIfCurrent(ctx, job.ID, domain.JobStatusProcessing, domain.JobStatusCompleted, domain.JobUpdate{OutputPath: &path, CompletedAt: &now}); err != nil || !ok {
		t.Fatalf("complete = %v, %v", ok, err)
	}

	rc, err := h.svc.OpenImage(ctx, job.ID)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "png-bytes" {
		t.Fatalf("image = %q", data)
	}
}
