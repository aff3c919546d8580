package store

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/renderflow/pkg/models"
)

var (
	ErrJobNotFound = errors.New("job not found")
)

// MemoryStore is an in-memory implementation of the data store.
// Used for tests and throwaway deployments; nothing survives a restart.
type MemoryStore struct {
	jobs  map[string]*models.RenderJob
	mu    sync.RWMutex
	aging models.AgingPolicy
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*models.RenderJob),
		aging: models.DefaultAgingPolicy(),
	}
}

// cloneJob returns a copy safe to hand to callers while the store keeps
// mutating its own record. Project and Settings snapshots are immutable
// after enqueue, so sharing them is fine; the transition log is not.
func cloneJob(job *models.RenderJob) *models.RenderJob {
	c := *job
	if len(job.Transitions) > 0 {
		c.Transitions = make([]models.StateTransition, len(job.Transitions))
		copy(c.Transitions, job.Transitions)
	}
	return &c
}

// CreateJob adds a new job to the store
func (s *MemoryStore) CreateJob(job *models.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.RenderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// GetAllJobs returns all jobs, newest first
func (s *MemoryStore) GetAllJobs() []*models.RenderJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.RenderJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	sortJobsNewestFirst(jobs)
	return jobs
}

// GetJobsByUser returns all jobs submitted by a user, newest first
func (s *MemoryStore) GetJobsByUser(userID string) ([]*models.RenderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.RenderJob
	for _, job := range s.jobs {
		if job.UserID == userID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sortJobsNewestFirst(jobs)
	return jobs, nil
}

// GetJobsInState returns all jobs in a specific state, oldest first
func (s *MemoryStore) GetJobsInState(state models.JobStatus) ([]*models.RenderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.RenderJob
	for _, job := range s.jobs {
		if job.Status == state {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sortJobsOldestFirst(jobs)
	return jobs, nil
}

// DeleteJob removes a job from the store
func (s *MemoryStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// ClaimNextJob atomically claims the next queued job for a worker.
// Returns ErrJobNotFound when nothing is queued.
func (s *MemoryStore) ClaimNextJob(workerID string) (*models.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	candidates := make([]*models.RenderJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Status == models.JobStatusQueued {
			candidates = append(candidates, job)
		}
	}

	job := pickClaim(candidates, s.aging, now)
	if job == nil {
		return nil, ErrJobNotFound
	}

	job.Status = models.JobStatusProcessing
	job.WorkerID = workerID
	job.StartedAt = &now
	job.Transitions = append(job.Transitions, models.StateTransition{
		From:      models.JobStatusQueued,
		To:        models.JobStatusProcessing,
		Timestamp: now,
		Reason:    "claimed by worker " + workerID,
	})

	log.Printf("[FSM] Job %s: %s -> %s (claimed by %s)", job.ID, models.JobStatusQueued, models.JobStatusProcessing, workerID)
	return cloneJob(job), nil
}

// TransitionJobState performs a validated state transition with idempotency.
// Returns (transitioned bool, error); transitioned=false if already in the
// target state.
func (s *MemoryStore) TransitionJobState(jobID string, toState models.JobStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}

	fromState := job.Status

	// Idempotency: if already in target state, no-op
	if fromState == toState {
		log.Printf("[FSM] Job %s already in state %s (idempotent no-op)", jobID, toState)
		return false, nil
	}

	if err := models.ValidateTransition(fromState, toState); err != nil {
		return false, err
	}

	now := time.Now()
	job.Status = toState
	job.Transitions = append(job.Transitions, models.StateTransition{
		From:      fromState,
		To:        toState,
		Timestamp: now,
		Reason:    reason,
	})

	applyTransitionSideEffects(job, toState, now)

	log.Printf("[FSM] Job %s: %s -> %s (reason: %s)", jobID, fromState, toState, reason)
	return true, nil
}

// applyTransitionSideEffects keeps the bookkeeping fields consistent with the
// new state: terminal states stamp finished_at, a requeue clears the worker
// assignment so the next claim starts from scratch.
func applyTransitionSideEffects(job *models.RenderJob, toState models.JobStatus, now time.Time) {
	switch {
	case models.IsTerminalState(toState):
		t := now
		job.FinishedAt = &t
	case toState == models.JobStatusQueued:
		job.WorkerID = ""
		job.StartedAt = nil
		job.Progress = 0
	case toState == models.JobStatusProcessing:
		if job.StartedAt == nil {
			t := now
			job.StartedAt = &t
		}
	}
}

// UpdateJobProgress updates the progress of a processing job. Progress is
// monotonic: writes below the current value are ignored.
func (s *MemoryStore) UpdateJobProgress(id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusProcessing {
		return nil
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	return nil
}

// UpdateJobAttempts records how many render attempts the job has consumed
func (s *MemoryStore) UpdateJobAttempts(id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Attempts = attempts
	return nil
}

// SetJobOutput records the published artifact URL
func (s *MemoryStore) SetJobOutput(id string, outputURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.OutputURL = outputURL
	return nil
}

// SetJobFailureReason records a human-readable failure reason
func (s *MemoryStore) SetJobFailureReason(id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.FailedReason = reason
	return nil
}

// Stats returns aggregate job counts by state
func (s *MemoryStore) Stats() (*models.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.QueueStats{}
	for _, job := range s.jobs {
		switch job.Status {
		case models.JobStatusQueued:
			stats.Waiting++
		case models.JobStatusProcessing:
			stats.Active++
		case models.JobStatusCompleted:
			stats.Completed++
		case models.JobStatusFailed:
			stats.Failed++
		case models.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// GetJobMetrics returns aggregated job statistics for the metrics endpoint
func (s *MemoryStore) GetJobMetrics() (*models.JobMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &models.JobMetrics{
		JobsByState:     make(map[string]int64),
		QueueByPriority: make(map[int]int64),
	}

	var durationSum float64
	var durationCount int64

	for _, job := range s.jobs {
		m.JobsByState[string(job.Status)]++
		switch job.Status {
		case models.JobStatusQueued:
			m.QueueLength++
			m.QueueByPriority[job.Priority]++
		case models.JobStatusProcessing:
			m.ActiveJobs++
		case models.JobStatusCompleted:
			if job.StartedAt != nil && job.FinishedAt != nil {
				durationSum += job.FinishedAt.Sub(*job.StartedAt).Seconds()
				durationCount++
			}
		}
	}

	if durationCount > 0 {
		m.AvgDuration = durationSum / float64(durationCount)
	}
	return m, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck is a no-op for the memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

// Vacuum is a no-op for the memory store
func (s *MemoryStore) Vacuum() error {
	return nil
}

func sortJobsNewestFirst(jobs []*models.RenderJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

func sortJobsOldestFirst(jobs []*models.RenderJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
