// Package queue provides the durable render job queue and the worker pool
// that drains it. The store record is authoritative at all times: enqueue,
// claim, progress and every state transition are persisted synchronously.
package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/renderflow/pkg/logging"
	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/planner"
	"github.com/psantana5/renderflow/pkg/store"
)

// Canceller kills the in-flight work for a job. Implemented by WorkerPool.
// CancelJob reports whether a live worker owned the job; when it does, that
// worker persists the cancelled state after subprocess cleanup.
type Canceller interface {
	CancelJob(jobID string) bool
}

// Queue is the store-backed job queue. It validates and snapshots projects at
// enqueue time and routes cancellation to the worker pool for running jobs.
type Queue struct {
	store     store.Store
	logger    *logging.Logger
	canceller Canceller
}

// NewQueue creates a queue over the given store
func NewQueue(st store.Store, logger *logging.Logger) *Queue {
	return &Queue{store: st, logger: logger}
}

// AttachCanceller wires the worker pool in after construction. Must be called
// before the HTTP surface starts accepting cancel requests.
func (q *Queue) AttachCanceller(c Canceller) {
	q.canceller = c
}

// Enqueue validates the project, snapshots it into a new queued job and
// persists it. The returned estimate is a scheduling heuristic, not a
// contract. Validation failures return *models.ValidationError and leave no
// job behind.
func (q *Queue) Enqueue(projectID, userID string, project *models.Project, settings *models.RenderSettings) (*models.RenderJob, time.Duration, error) {
	settings.Normalize()
	project.Normalize()

	if err := planner.ValidateProject(project, settings); err != nil {
		return nil, 0, err
	}

	// Queue depth feeds the estimate only; a stats failure is not an
	// enqueue failure.
	depth := 0
	if stats, err := q.store.Stats(); err == nil {
		depth = stats.Waiting
	} else {
		q.logger.Warn("[Queue] Stats unavailable for estimate", map[string]interface{}{
			"error": err.Error(),
		})
	}
	estimate := estimateRenderTime(project, settings, depth)

	job := &models.RenderJob{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		UserID:    userID,
		Project:   snapshotProject(project),
		Settings:  *settings,
		Status:    models.JobStatusQueued,
		Priority:  settings.Quality.Priority(),
		CreatedAt: time.Now().UTC(),
	}

	if err := q.store.CreateJob(job); err != nil {
		return nil, 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Info("[Queue] Job enqueued", map[string]interface{}{
		"job":      job.ID,
		"project":  projectID,
		"priority": job.Priority,
		"scenes":   len(project.Scenes),
		"estimate": estimate.String(),
	})
	return job, estimate, nil
}

// Cancel requests cancellation of a job. Queued jobs are cancelled directly.
// For processing jobs the owning worker is signalled; it kills the subprocess
// and persists the cancelled state after cleanup. Terminal jobs return
// models.ErrJobTerminal, unknown ids store.ErrJobNotFound.
func (q *Queue) Cancel(id string) error {
	job, err := q.store.GetJob(id)
	if err != nil {
		return err
	}
	if models.IsTerminalState(job.Status) {
		return models.ErrJobTerminal
	}

	if job.Status == models.JobStatusProcessing && q.canceller != nil {
		if q.canceller.CancelJob(id) {
			q.logger.Info("[Queue] Cancellation signalled to worker", map[string]interface{}{
				"job":    id,
				"worker": job.WorkerID,
			})
			return nil
		}
		// No live worker owns it (orphan awaiting recovery); fall through
		// and cancel the record directly.
	}

	changed, err := q.store.TransitionJobState(id, models.JobStatusCancelled, "cancelled by user")
	if err != nil {
		// The job may have reached a terminal state since the read above.
		if fresh, gerr := q.store.GetJob(id); gerr == nil && models.IsTerminalState(fresh.Status) {
			if fresh.Status == models.JobStatusCancelled {
				return nil
			}
			return models.ErrJobTerminal
		}
		return err
	}
	if changed {
		q.logger.Info("[Queue] Job cancelled", map[string]interface{}{"job": id})
	}
	return nil
}

// Job returns the full job record
func (q *Queue) Job(id string) (*models.RenderJob, error) {
	return q.store.GetJob(id)
}

// ListJobs returns summaries of the user's jobs, newest first
func (q *Queue) ListJobs(userID string) ([]models.JobSummary, error) {
	jobs, err := q.store.GetJobsByUser(userID)
	if err != nil {
		return nil, err
	}
	summaries := make([]models.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, job.Summary())
	}
	return summaries, nil
}

// Stats returns aggregate queue counts by state
func (q *Queue) Stats() (*models.QueueStats, error) {
	return q.store.Stats()
}

// estimateRenderTime approximates wall time as encode cost for the content
// plus a flat charge per job already waiting.
func estimateRenderTime(project *models.Project, settings *models.RenderSettings, queueDepth int) time.Duration {
	seconds := project.TotalDuration()*renderFactor(settings.Quality) + float64(queueDepth)*30
	return time.Duration(seconds * float64(time.Second))
}

// renderFactor approximates encode seconds per content second for each tier
func renderFactor(q models.QualityTier) float64 {
	switch q {
	case models.QualityDraft:
		return 0.5
	case models.QualityHigh:
		return 2.0
	case models.QualityUltra:
		return 3.0
	default:
		return 1.0
	}
}

// snapshotProject deep-copies the project so edits made by the caller after
// enqueue can never reach an in-flight job.
func snapshotProject(p *models.Project) models.Project {
	out := *p
	out.Scenes = make([]models.Scene, len(p.Scenes))
	for i := range p.Scenes {
		out.Scenes[i] = snapshotScene(&p.Scenes[i])
	}
	return out
}

func snapshotScene(s *models.Scene) models.Scene {
	out := *s
	if s.TransitionIn != nil {
		t := *s.TransitionIn
		out.TransitionIn = &t
	}
	if s.TransitionOut != nil {
		t := *s.TransitionOut
		out.TransitionOut = &t
	}
	out.Layers = make([]models.Layer, len(s.Layers))
	for i := range s.Layers {
		out.Layers[i] = snapshotLayer(&s.Layers[i])
	}
	return out
}

func snapshotLayer(l *models.Layer) models.Layer {
	out := *l
	if l.Media != nil {
		m := *l.Media
		out.Media = &m
	}
	if l.Text != nil {
		t := *l.Text
		out.Text = &t
	}
	if l.Audio != nil {
		a := *l.Audio
		out.Audio = &a
	}
	return out
}
