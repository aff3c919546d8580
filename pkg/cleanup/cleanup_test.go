package cleanup

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/psantana5/renderflow/pkg/logging"
	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/store"
)

func testLogger() *logging.Logger {
	l := logging.NewLogger(logging.FATAL, false)
	l.SetOutput(io.Discard)
	return l
}

func seedJob(t *testing.T, st *store.MemoryStore, id string, status models.JobStatus, age time.Duration) {
	t.Helper()
	created := time.Now().Add(-age)
	job := &models.RenderJob{
		ID:        id,
		UserID:    "u1",
		Status:    status,
		Priority:  2,
		CreatedAt: created,
	}
	if status != models.JobStatusQueued && status != models.JobStatusProcessing {
		finished := created.Add(time.Minute)
		job.FinishedAt = &finished
	}
	if err := st.CreateJob(job); err != nil {
		t.Fatalf("CreateJob(%s): %v", id, err)
	}
}

func TestCleanupRetiresOldTerminalJobs(t *testing.T) {
	st := store.NewMemoryStore()
	old := 10 * 24 * time.Hour
	fresh := time.Hour

	seedJob(t, st, "old-completed", models.JobStatusCompleted, old)
	seedJob(t, st, "old-failed", models.JobStatusFailed, old)
	seedJob(t, st, "old-cancelled", models.JobStatusCancelled, old)
	seedJob(t, st, "old-queued", models.JobStatusQueued, old)
	seedJob(t, st, "fresh-completed", models.JobStatusCompleted, fresh)

	cfg := DefaultConfig()
	cfg.JobRetentionDays = 7
	m := NewManager(cfg, st, testLogger())
	m.CleanupNow()

	for _, id := range []string{"old-completed", "old-failed", "old-cancelled"} {
		if _, err := st.GetJob(id); err == nil {
			t.Errorf("job %s should have been retired", id)
		}
	}
	for _, id := range []string{"old-queued", "fresh-completed"} {
		if _, err := st.GetJob(id); err != nil {
			t.Errorf("job %s should have survived: %v", id, err)
		}
	}

	if stats := m.GetStats(); stats.TotalJobsDeleted != 3 {
		t.Errorf("expected 3 deletions recorded, got %d", stats.TotalJobsDeleted)
	}
}

func TestCleanupUsesFinishTimeForAge(t *testing.T) {
	st := store.NewMemoryStore()

	// Created long ago but finished recently: still inside retention.
	created := time.Now().Add(-30 * 24 * time.Hour)
	finished := time.Now().Add(-time.Hour)
	job := &models.RenderJob{
		ID:         "long-runner",
		UserID:     "u1",
		Status:     models.JobStatusCompleted,
		Priority:   2,
		CreatedAt:  created,
		FinishedAt: &finished,
	}
	if err := st.CreateJob(job); err != nil {
		t.Fatal(err)
	}

	m := NewManager(DefaultConfig(), st, testLogger())
	m.CleanupNow()

	if _, err := st.GetJob("long-runner"); err != nil {
		t.Errorf("recently finished job should not be retired: %v", err)
	}
}

func TestSweepWorkDirs(t *testing.T) {
	root := t.TempDir()
	oldTime := time.Now().Add(-48 * time.Hour)

	stale := filepath.Join(root, "render-job1-a1-xyz")
	freshDir := filepath.Join(root, "render-job2-a1-abc")
	unrelated := filepath.Join(root, "uploads")
	for _, dir := range []string{stale, freshDir, unrelated} {
		if err := os.Mkdir(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	for _, dir := range []string{stale, unrelated} {
		if err := os.Chtimes(dir, oldTime, oldTime); err != nil {
			t.Fatal(err)
		}
	}

	cfg := DefaultConfig()
	cfg.WorkRoot = root
	cfg.WorkDirMaxAge = 24 * time.Hour
	m := NewManager(cfg, store.NewMemoryStore(), testLogger())
	m.CleanupNow()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale workspace should have been removed")
	}
	if _, err := os.Stat(freshDir); err != nil {
		t.Error("fresh workspace should have survived")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("directories without the workspace prefix must not be touched")
	}

	if stats := m.GetStats(); stats.TotalWorkDirsSwept != 1 {
		t.Errorf("expected 1 swept workspace, got %d", stats.TotalWorkDirsSwept)
	}
}

func TestSweepDisabledWithoutWorkRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkRoot = ""
	m := NewManager(cfg, store.NewMemoryStore(), testLogger())

	if swept := m.sweepWorkDirs(); swept != 0 {
		t.Errorf("expected no sweep without a work root, got %d", swept)
	}
}

func TestVacuumNow(t *testing.T) {
	m := NewManager(DefaultConfig(), store.NewMemoryStore(), testLogger())
	m.VacuumNow()

	stats := m.GetStats()
	if stats.TotalVacuumRuns != 1 {
		t.Errorf("expected 1 vacuum run, got %d", stats.TotalVacuumRuns)
	}
	if stats.LastVacuumTime.IsZero() {
		t.Error("expected vacuum timestamp to be recorded")
	}
}

func TestStartDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m := NewManager(cfg, store.NewMemoryStore(), testLogger())

	m.Start()
	m.Stop() // must not hang: no loops were started
}
