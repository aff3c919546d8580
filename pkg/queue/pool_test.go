package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/store"
)

// fakeRunner scripts render outcomes per call without touching ffmpeg
type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]int
	run   func(ctx context.Context, job *models.RenderJob, call int) (string, error)
}

func newFakeRunner(run func(ctx context.Context, job *models.RenderJob, call int) (string, error)) *fakeRunner {
	return &fakeRunner{calls: make(map[string]int), run: run}
}

func (f *fakeRunner) Run(ctx context.Context, job *models.RenderJob) (string, error) {
	f.mu.Lock()
	f.calls[job.ID]++
	call := f.calls[job.ID]
	f.mu.Unlock()
	return f.run(ctx, job, call)
}

func (f *fakeRunner) callCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[jobID]
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		DrainTimeout: 2 * time.Second,
		Retry: models.RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Millisecond,
			MaxBackoff:        20 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}
}

func waitForStatus(t *testing.T, st store.Store, jobID string, want models.JobStatus) *models.RenderJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, err := st.GetJob(jobID)
	if err != nil {
		t.Fatalf("job %s never reached %s: %v", jobID, want, err)
	}
	t.Fatalf("job %s never reached %s (stuck at %s)", jobID, want, job.Status)
	return nil
}

func enqueueTestJob(t *testing.T, q *Queue) *models.RenderJob {
	t.Helper()
	project, settings := testProject(models.QualityStandard)
	job, _, err := q.Enqueue("proj-1", "user-1", project, settings)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return job
}

func TestPoolCompletesJob(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())
	job := enqueueTestJob(t, q)

	runner := newFakeRunner(func(ctx context.Context, job *models.RenderJob, call int) (string, error) {
		return "https://cdn.example.com/renders/proj-1/out.mp4", nil
	})
	pool := NewWorkerPool(st, runner, testPoolConfig(), testLogger())
	pool.Start()
	defer pool.Stop()

	done := waitForStatus(t, st, job.ID, models.JobStatusCompleted)
	if done.OutputURL != "https://cdn.example.com/renders/proj-1/out.mp4" {
		t.Errorf("output URL not persisted: %q", done.OutputURL)
	}
	if done.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", done.Attempts)
	}
	if done.FinishedAt == nil {
		t.Error("expected FinishedAt on completed job")
	}
}

func TestPoolRetriesTransientFailure(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())
	job := enqueueTestJob(t, q)

	runner := newFakeRunner(func(ctx context.Context, job *models.RenderJob, call int) (string, error) {
		if call < 3 {
			return "", &models.ExecutionError{SceneID: "intro", Err: errors.New("encoder crashed")}
		}
		return "https://cdn.example.com/out.mp4", nil
	})
	pool := NewWorkerPool(st, runner, testPoolConfig(), testLogger())
	pool.Start()
	defer pool.Stop()

	done := waitForStatus(t, st, job.ID, models.JobStatusCompleted)
	if done.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", done.Attempts)
	}
	if got := runner.callCount(job.ID); got != 3 {
		t.Errorf("expected 3 render calls, got %d", got)
	}
}

func TestPoolFailsAfterMaxAttempts(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())
	job := enqueueTestJob(t, q)

	runner := newFakeRunner(func(ctx context.Context, job *models.RenderJob, call int) (string, error) {
		return "", &models.ExecutionError{SceneID: "intro", Stderr: "No such file or directory"}
	})
	pool := NewWorkerPool(st, runner, testPoolConfig(), testLogger())
	pool.Start()
	defer pool.Stop()

	done := waitForStatus(t, st, job.ID, models.JobStatusFailed)
	if done.Attempts != 3 {
		t.Errorf("expected attempts exhausted at 3, got %d", done.Attempts)
	}
	if done.FailedReason == "" {
		t.Error("expected a failure reason")
	}
	if got := runner.callCount(job.ID); got != 3 {
		t.Errorf("expected 3 render calls, got %d", got)
	}
}

func TestPoolValidationErrorFailsImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())
	job := enqueueTestJob(t, q)

	verr := models.NewValidationError("layer.media", "source file missing")
	runner := newFakeRunner(func(ctx context.Context, job *models.RenderJob, call int) (string, error) {
		return "", verr
	})
	pool := NewWorkerPool(st, runner, testPoolConfig(), testLogger())
	pool.Start()
	defer pool.Stop()

	done := waitForStatus(t, st, job.ID, models.JobStatusFailed)
	if done.Attempts != 1 {
		t.Errorf("validation errors must not be retried, got %d attempts", done.Attempts)
	}
	if done.FailedReason != verr.Error() {
		t.Errorf("expected verbatim reason %q, got %q", verr.Error(), done.FailedReason)
	}
}

func TestPoolPublishErrorFailsWithoutRerender(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())
	job := enqueueTestJob(t, q)

	runner := newFakeRunner(func(ctx context.Context, job *models.RenderJob, call int) (string, error) {
		return "", &models.PublishError{Err: errors.New("bucket unreachable")}
	})
	pool := NewWorkerPool(st, runner, testPoolConfig(), testLogger())
	pool.Start()
	defer pool.Stop()

	done := waitForStatus(t, st, job.ID, models.JobStatusFailed)
	if got := runner.callCount(job.ID); got != 1 {
		t.Errorf("publish failures must not re-render, got %d calls", got)
	}
	if done.FailedReason == "" {
		t.Error("expected a failure reason")
	}
}

func TestPoolCancelKillsRunningJob(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	started := make(chan string, 1)
	runner := newFakeRunner(func(ctx context.Context, job *models.RenderJob, call int) (string, error) {
		started <- job.ID
		<-ctx.Done()
		return "", ctx.Err()
	})
	pool := NewWorkerPool(st, runner, testPoolConfig(), testLogger())
	q.AttachCanceller(pool)
	pool.Start()
	defer pool.Stop()

	job := enqueueTestJob(t, q)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("render never started")
	}

	if err := q.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	done := waitForStatus(t, st, job.ID, models.JobStatusCancelled)
	if done.FinishedAt == nil {
		t.Error("expected FinishedAt on cancelled job")
	}
}

func TestPoolStopDrainsInFlight(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	started := make(chan string, 1)
	runner := newFakeRunner(func(ctx context.Context, job *models.RenderJob, call int) (string, error) {
		started <- job.ID
		select {
		case <-time.After(50 * time.Millisecond):
			return "https://cdn.example.com/out.mp4", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	pool := NewWorkerPool(st, runner, testPoolConfig(), testLogger())
	pool.Start()

	job := enqueueTestJob(t, q)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("render never started")
	}

	pool.Stop()

	stored, err := st.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if stored.Status != models.JobStatusCompleted {
		t.Errorf("expected the in-flight job drained to completion, got %s", stored.Status)
	}
}

func TestPoolShutdownLeavesJobForRecovery(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	started := make(chan string, 1)
	runner := newFakeRunner(func(ctx context.Context, job *models.RenderJob, call int) (string, error) {
		started <- job.ID
		<-ctx.Done()
		return "", ctx.Err()
	})
	config := testPoolConfig()
	config.DrainTimeout = 50 * time.Millisecond
	pool := NewWorkerPool(st, runner, config, testLogger())
	pool.Start()

	job := enqueueTestJob(t, q)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("render never started")
	}

	// The drain timeout forces the kill path: the job must stay in
	// processing so the next boot's recovery requeues it.
	pool.Stop()

	stored, err := st.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if stored.Status != models.JobStatusProcessing {
		t.Fatalf("expected processing after forced shutdown, got %s", stored.Status)
	}

	rm := NewRecoveryManager(st, nil, DefaultRecoveryConfig(), testLogger())
	n, err := rm.RecoverOnStartup()
	if err != nil {
		t.Fatalf("RecoverOnStartup failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}

	requeued, _ := st.GetJob(job.ID)
	if requeued.Status != models.JobStatusQueued {
		t.Errorf("expected queued after recovery, got %s", requeued.Status)
	}
}

func TestPoolClaimsByPriority(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	draftProject, draftSettings := testProject(models.QualityDraft)
	draft, _, err := q.Enqueue("proj-1", "user-1", draftProject, draftSettings)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	ultraProject, ultraSettings := testProject(models.QualityUltra)
	ultra, _, err := q.Enqueue("proj-1", "user-1", ultraProject, ultraSettings)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var mu sync.Mutex
	var order []string
	runner := newFakeRunner(func(ctx context.Context, job *models.RenderJob, call int) (string, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return "https://cdn.example.com/out.mp4", nil
	})

	// A single worker serializes the claims so the order is observable.
	config := testPoolConfig()
	config.Workers = 1
	pool := NewWorkerPool(st, runner, config, testLogger())
	pool.Start()
	defer pool.Stop()

	waitForStatus(t, st, draft.ID, models.JobStatusCompleted)
	waitForStatus(t, st, ultra.ID, models.JobStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != ultra.ID {
		t.Errorf("expected ultra job claimed first, got order %v", order)
	}
}
