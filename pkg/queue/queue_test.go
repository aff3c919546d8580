package queue

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/renderflow/pkg/logging"
	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/store"
)

func testLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	l.SetOutput(io.Discard)
	return l
}

func testProject(quality models.QualityTier) (*models.Project, *models.RenderSettings) {
	project := &models.Project{
		Width:     1280,
		Height:    720,
		FrameRate: 30,
		Scenes: []models.Scene{
			{
				ID:       "intro",
				Duration: 5,
				Layers: []models.Layer{
					{
						ID:        "title",
						Kind:      models.LayerText,
						StartTime: 0,
						Duration:  5,
						X:         100,
						Y:         100,
						Text:      &models.TextPayload{Content: "Hello World"},
					},
				},
			},
		},
	}
	settings := &models.RenderSettings{
		Width:     1280,
		Height:    720,
		FrameRate: 30,
		Quality:   quality,
		Format:    models.FormatMP4,
	}
	return project, settings
}

type fakeCanceller struct {
	mu    sync.Mutex
	owns  bool
	calls []string
}

func (f *fakeCanceller) CancelJob(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	return f.owns
}

func (f *fakeCanceller) called(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.calls {
		if id == jobID {
			return true
		}
	}
	return false
}

func TestEnqueuePersistsQueuedJob(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	project, settings := testProject(models.QualityHigh)
	job, estimate, err := q.Enqueue("proj-1", "user-1", project, settings)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected a generated job ID")
	}
	if estimate <= 0 {
		t.Errorf("expected a positive estimate, got %v", estimate)
	}

	stored, err := st.GetJob(job.ID)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if stored.Status != models.JobStatusQueued {
		t.Errorf("expected status queued, got %s", stored.Status)
	}
	if stored.Priority != 3 {
		t.Errorf("expected high quality priority 3, got %d", stored.Priority)
	}
	if stored.UserID != "user-1" || stored.ProjectID != "proj-1" {
		t.Errorf("ownership fields wrong: user=%s project=%s", stored.UserID, stored.ProjectID)
	}
	if stored.Settings.SampleRate != 44100 {
		t.Errorf("expected normalized sample rate 44100, got %d", stored.Settings.SampleRate)
	}
}

func TestEnqueuePriorityFollowsQuality(t *testing.T) {
	tests := []struct {
		quality models.QualityTier
		want    int
	}{
		{models.QualityDraft, 1},
		{models.QualityStandard, 2},
		{models.QualityHigh, 3},
		{models.QualityUltra, 4},
	}

	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	for _, tt := range tests {
		t.Run(string(tt.quality), func(t *testing.T) {
			project, settings := testProject(tt.quality)
			job, _, err := q.Enqueue("proj-1", "user-1", project, settings)
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if job.Priority != tt.want {
				t.Errorf("expected priority %d, got %d", tt.want, job.Priority)
			}
		})
	}
}

func TestEnqueueRejectsInvalidProject(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *models.Project, s *models.RenderSettings)
	}{
		{"no scenes", func(p *models.Project, s *models.RenderSettings) {
			p.Scenes = nil
		}},
		{"zero output width", func(p *models.Project, s *models.RenderSettings) {
			s.Width = 0
		}},
		{"text layer without content", func(p *models.Project, s *models.RenderSettings) {
			p.Scenes[0].Layers[0].Text = &models.TextPayload{}
		}},
		{"negative layer start", func(p *models.Project, s *models.RenderSettings) {
			p.Scenes[0].Layers[0].StartTime = -1
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			q := NewQueue(st, testLogger())

			project, settings := testProject(models.QualityStandard)
			tt.mutate(project, settings)

			_, _, err := q.Enqueue("proj-1", "user-1", project, settings)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected *models.ValidationError, got %T: %v", err, err)
			}
			if len(st.GetAllJobs()) != 0 {
				t.Error("rejected enqueue must not leave a job behind")
			}
		})
	}
}

func TestEnqueueSnapshotsProject(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	project, settings := testProject(models.QualityStandard)
	job, _, err := q.Enqueue("proj-1", "user-1", project, settings)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Edits after enqueue must never reach the stored job.
	project.Scenes[0].Duration = 99
	project.Scenes[0].Layers[0].Text.Content = "tampered"

	stored, err := st.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if stored.Project.Scenes[0].Duration != 5 {
		t.Errorf("scene duration leaked through snapshot: got %v", stored.Project.Scenes[0].Duration)
	}
	if got := stored.Project.Scenes[0].Layers[0].Text.Content; got != "Hello World" {
		t.Errorf("text payload leaked through snapshot: got %q", got)
	}
}

func TestEnqueueEstimate(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	// Empty queue: 5s of ultra content at factor 3.
	project, settings := testProject(models.QualityUltra)
	_, estimate, err := q.Enqueue("proj-1", "user-1", project, settings)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if estimate != 15*time.Second {
		t.Errorf("expected 15s estimate on empty queue, got %v", estimate)
	}

	// One job now waiting: same content plus a 30s queue charge.
	project2, settings2 := testProject(models.QualityUltra)
	_, estimate2, err := q.Enqueue("proj-1", "user-1", project2, settings2)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if estimate2 != 45*time.Second {
		t.Errorf("expected 45s estimate with one waiting job, got %v", estimate2)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	project, settings := testProject(models.QualityStandard)
	job, _, err := q.Enqueue("proj-1", "user-1", project, settings)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := q.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	stored, err := st.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if stored.Status != models.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", stored.Status)
	}
	if stored.FinishedAt == nil {
		t.Error("expected FinishedAt on cancelled job")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	q := NewQueue(store.NewMemoryStore(), testLogger())

	err := q.Cancel("no-such-job")
	if !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestCancelTerminalJob(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	project, settings := testProject(models.QualityStandard)
	job, _, err := q.Enqueue("proj-1", "user-1", project, settings)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := st.ClaimNextJob("worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := st.TransitionJobState(job.ID, models.JobStatusCompleted, "done"); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	err = q.Cancel(job.ID)
	if !errors.Is(err, models.ErrJobTerminal) {
		t.Errorf("expected ErrJobTerminal, got %v", err)
	}

	stored, _ := st.GetJob(job.ID)
	if stored.Status != models.JobStatusCompleted {
		t.Errorf("terminal state must not change, got %s", stored.Status)
	}
}

func TestCancelProcessingSignalsWorker(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	project, settings := testProject(models.QualityStandard)
	job, _, err := q.Enqueue("proj-1", "user-1", project, settings)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := st.ClaimNextJob("worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	canceller := &fakeCanceller{owns: true}
	q.AttachCanceller(canceller)

	if err := q.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !canceller.called(job.ID) {
		t.Error("expected the pool to be signalled")
	}

	// The owning worker persists the cancelled state after cleanup; the
	// queue must not race it with a direct transition.
	stored, _ := st.GetJob(job.ID)
	if stored.Status != models.JobStatusProcessing {
		t.Errorf("expected processing until the worker cleans up, got %s", stored.Status)
	}
}

func TestCancelOrphanedProcessingJob(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	project, settings := testProject(models.QualityStandard)
	job, _, err := q.Enqueue("proj-1", "user-1", project, settings)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := st.ClaimNextJob("worker-dead"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// No live worker owns the job: cancel must land directly.
	canceller := &fakeCanceller{owns: false}
	q.AttachCanceller(canceller)

	if err := q.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	stored, _ := st.GetJob(job.ID)
	if stored.Status != models.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", stored.Status)
	}
}

func TestListJobsNewestFirst(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	var ids []string
	for i := 0; i < 3; i++ {
		project, settings := testProject(models.QualityStandard)
		job, _, err := q.Enqueue("proj-1", "user-1", project, settings)
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond)
	}

	// A second user's job must not appear in the listing.
	project, settings := testProject(models.QualityStandard)
	if _, _, err := q.Enqueue("proj-2", "user-2", project, settings); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	summaries, err := q.ListJobs("user-1")
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(summaries))
	}
	if summaries[0].ID != ids[2] || summaries[2].ID != ids[0] {
		t.Error("expected newest-first ordering")
	}
}

func TestQueueStats(t *testing.T) {
	st := store.NewMemoryStore()
	q := NewQueue(st, testLogger())

	for i := 0; i < 2; i++ {
		project, settings := testProject(models.QualityStandard)
		if _, _, err := q.Enqueue("proj-1", "user-1", project, settings); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if _, err := st.ClaimNextJob("worker-1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Waiting != 1 || stats.Active != 1 {
		t.Errorf("expected waiting=1 active=1, got %+v", stats)
	}
}
