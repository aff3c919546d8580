package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/psantana5/renderflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis. Job records live as JSON under
// job:<id>; membership sets per state, per user and overall keep lookups
// cheap without scanning the keyspace. Claims and transitions use WATCH
// with a transactional pipeline for optimistic concurrency.
type RedisStore struct {
	client *redis.Client
	aging  models.AgingPolicy
}

var _ Store = (*RedisStore)(nil)

// errClaimConflict signals that another claimer won the race for a job
var errClaimConflict = errors.New("job claimed concurrently")

const (
	redisKeyAllJobs = "jobs:all"
)

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func stateKey(state models.JobStatus) string {
	return fmt.Sprintf("jobs:state:%s", state)
}

func userKey(userID string) string {
	return fmt.Sprintf("jobs:user:%s", userID)
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(config Config) (*RedisStore, error) {
	addr := config.Addr
	if addr == "" {
		addr = config.DSN
	}
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisStore{client: client, aging: models.DefaultAgingPolicy()}, nil
}

func (s *RedisStore) saveJob(ctx context.Context, pipe redis.Pipeliner, job *models.RenderJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe.Set(ctx, jobKey(job.ID), data, 0)
	return nil
}

func (s *RedisStore) getJob(ctx context.Context, id string) (*models.RenderJob, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job models.RenderJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// getJobs bulk-loads job records, skipping ids that vanished mid-read
func (s *RedisStore) getJobs(ctx context.Context, ids []string) ([]*models.RenderJob, error) {
	if len(ids) == 0 {
		return []*models.RenderJob{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.RenderJob, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job models.RenderJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			log.Printf("Warning: failed to decode job record: %v", err)
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// CreateJob adds a new job record and its set memberships
func (s *RedisStore) CreateJob(job *models.RenderJob) error {
	ctx := context.Background()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.saveJob(ctx, pipe, job); err != nil {
			return err
		}
		pipe.SAdd(ctx, redisKeyAllJobs, job.ID)
		pipe.SAdd(ctx, stateKey(job.Status), job.ID)
		pipe.SAdd(ctx, userKey(job.UserID), job.ID)
		return nil
	})
	return err
}

// GetJob retrieves a job by ID
func (s *RedisStore) GetJob(id string) (*models.RenderJob, error) {
	return s.getJob(context.Background(), id)
}

// GetAllJobs returns all jobs, newest first
func (s *RedisStore) GetAllJobs() []*models.RenderJob {
	ctx := context.Background()

	ids, err := s.client.SMembers(ctx, redisKeyAllJobs).Result()
	if err != nil {
		return []*models.RenderJob{}
	}
	jobs, err := s.getJobs(ctx, ids)
	if err != nil {
		return []*models.RenderJob{}
	}
	sortJobsNewestFirst(jobs)
	return jobs
}

// GetJobsByUser returns all jobs submitted by a user, newest first
func (s *RedisStore) GetJobsByUser(userID string) ([]*models.RenderJob, error) {
	ctx := context.Background()

	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	jobs, err := s.getJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortJobsNewestFirst(jobs)
	return jobs, nil
}

// GetJobsInState returns all jobs in a specific state, oldest first
func (s *RedisStore) GetJobsInState(state models.JobStatus) ([]*models.RenderJob, error) {
	ctx := context.Background()

	ids, err := s.client.SMembers(ctx, stateKey(state)).Result()
	if err != nil {
		return nil, err
	}
	jobs, err := s.getJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortJobsOldestFirst(jobs)
	return jobs, nil
}

// DeleteJob removes a job record and its set memberships
func (s *RedisStore) DeleteJob(id string) error {
	ctx := context.Background()

	job, err := s.getJob(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(id))
		pipe.SRem(ctx, redisKeyAllJobs, id)
		pipe.SRem(ctx, stateKey(job.Status), id)
		pipe.SRem(ctx, userKey(job.UserID), id)
		return nil
	})
	return err
}

// ClaimNextJob atomically claims the next queued job for a worker. The
// candidate is picked from the queued set, then claimed under WATCH; if
// another claimer wins the race the pick is retried. Returns
// ErrJobNotFound when nothing is queued.
func (s *RedisStore) ClaimNextJob(workerID string) (*models.RenderJob, error) {
	ctx := context.Background()

	for attempt := 0; attempt < 3; attempt++ {
		ids, err := s.client.SMembers(ctx, stateKey(models.JobStatusQueued)).Result()
		if err != nil {
			return nil, err
		}
		candidates, err := s.getJobs(ctx, ids)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		job := pickClaim(candidates, s.aging, now)
		if job == nil {
			return nil, ErrJobNotFound
		}

		claimed, err := s.claimJob(ctx, job.ID, workerID, now)
		if err == errClaimConflict || err == redis.TxFailedErr {
			continue // another worker won this job, pick again
		}
		if err != nil {
			return nil, err
		}

		log.Printf("[FSM] Job %s: %s -> %s (claimed by %s)", claimed.ID, models.JobStatusQueued, models.JobStatusProcessing, workerID)
		return claimed, nil
	}

	return nil, ErrJobNotFound
}

// claimJob moves one queued job to processing under WATCH
func (s *RedisStore) claimJob(ctx context.Context, id, workerID string, now time.Time) (*models.RenderJob, error) {
	var claimed *models.RenderJob

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, jobKey(id)).Bytes()
		if err == redis.Nil {
			return errClaimConflict
		}
		if err != nil {
			return err
		}

		var job models.RenderJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("unmarshal job %s: %w", id, err)
		}
		if job.Status != models.JobStatusQueued {
			return errClaimConflict
		}

		job.Status = models.JobStatusProcessing
		job.WorkerID = workerID
		t := now
		job.StartedAt = &t
		job.Transitions = append(job.Transitions, models.StateTransition{
			From:      models.JobStatusQueued,
			To:        models.JobStatusProcessing,
			Timestamp: now,
			Reason:    "claimed by worker " + workerID,
		})

		updated, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), updated, 0)
			pipe.SMove(ctx, stateKey(models.JobStatusQueued), stateKey(models.JobStatusProcessing), id)
			return nil
		})
		if err != nil {
			return err
		}

		claimed = &job
		return nil
	}, jobKey(id))

	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// TransitionJobState performs a validated state transition with idempotency.
// Returns (transitioned bool, error); transitioned=false if already in the
// target state.
func (s *RedisStore) TransitionJobState(jobID string, toState models.JobStatus, reason string) (bool, error) {
	ctx := context.Background()
	transitioned := false

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, jobKey(jobID)).Bytes()
		if err == redis.Nil {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}

		var job models.RenderJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("unmarshal job %s: %w", jobID, err)
		}

		fromState := job.Status

		// Idempotency: if already in target state, no-op
		if fromState == toState {
			log.Printf("[FSM] Job %s already in state %s (idempotent no-op)", jobID, toState)
			return nil
		}

		if err := models.ValidateTransition(fromState, toState); err != nil {
			return err
		}

		now := time.Now()
		job.Status = toState
		job.Transitions = append(job.Transitions, models.StateTransition{
			From:      fromState,
			To:        toState,
			Timestamp: now,
			Reason:    reason,
		})
		applyTransitionSideEffects(&job, toState, now)

		updated, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(jobID), updated, 0)
			pipe.SMove(ctx, stateKey(fromState), stateKey(toState), jobID)
			return nil
		})
		if err != nil {
			return err
		}

		transitioned = true
		log.Printf("[FSM] Job %s: %s -> %s (reason: %s)", jobID, fromState, toState, reason)
		return nil
	}, jobKey(jobID))

	if err != nil {
		return false, err
	}
	return transitioned, nil
}

// updateJob applies fn to the stored record under WATCH. fn returning
// false skips the write.
func (s *RedisStore) updateJob(id string, fn func(*models.RenderJob) bool) error {
	ctx := context.Background()

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, jobKey(id)).Bytes()
		if err == redis.Nil {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}

		var job models.RenderJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("unmarshal job %s: %w", id, err)
		}

		if !fn(&job) {
			return nil
		}

		updated, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), updated, 0)
			return nil
		})
		return err
	}, jobKey(id))
}

// UpdateJobProgress updates the progress of a processing job. Progress is
// monotonic: writes below the current value are ignored.
func (s *RedisStore) UpdateJobProgress(id string, progress int) error {
	return s.updateJob(id, func(job *models.RenderJob) bool {
		if job.Status != models.JobStatusProcessing || progress <= job.Progress {
			return false
		}
		job.Progress = progress
		return true
	})
}

// UpdateJobAttempts records how many render attempts the job has consumed
func (s *RedisStore) UpdateJobAttempts(id string, attempts int) error {
	return s.updateJob(id, func(job *models.RenderJob) bool {
		job.Attempts = attempts
		return true
	})
}

// SetJobOutput records the published artifact URL
func (s *RedisStore) SetJobOutput(id string, outputURL string) error {
	return s.updateJob(id, func(job *models.RenderJob) bool {
		job.OutputURL = outputURL
		return true
	})
}

// SetJobFailureReason records a human-readable failure reason
func (s *RedisStore) SetJobFailureReason(id string, reason string) error {
	return s.updateJob(id, func(job *models.RenderJob) bool {
		job.FailedReason = reason
		return true
	})
}

// Stats returns aggregate job counts by state
func (s *RedisStore) Stats() (*models.QueueStats, error) {
	ctx := context.Background()

	counts := make(map[models.JobStatus]int64, 5)
	states := []models.JobStatus{
		models.JobStatusQueued, models.JobStatusProcessing,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled,
	}
	for _, state := range states {
		n, err := s.client.SCard(ctx, stateKey(state)).Result()
		if err != nil {
			return nil, err
		}
		counts[state] = n
	}

	return &models.QueueStats{
		Waiting:   int(counts[models.JobStatusQueued]),
		Active:    int(counts[models.JobStatusProcessing]),
		Completed: int(counts[models.JobStatusCompleted]),
		Failed:    int(counts[models.JobStatusFailed]),
		Cancelled: int(counts[models.JobStatusCancelled]),
	}, nil
}

// GetJobMetrics returns aggregated job statistics for the metrics endpoint
func (s *RedisStore) GetJobMetrics() (*models.JobMetrics, error) {
	ctx := context.Background()

	m := &models.JobMetrics{
		JobsByState:     make(map[string]int64),
		QueueByPriority: make(map[int]int64),
	}

	states := []models.JobStatus{
		models.JobStatusQueued, models.JobStatusProcessing,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled,
	}
	for _, state := range states {
		n, err := s.client.SCard(ctx, stateKey(state)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			m.JobsByState[string(state)] = n
		}
	}
	m.QueueLength = m.JobsByState[string(models.JobStatusQueued)]
	m.ActiveJobs = m.JobsByState[string(models.JobStatusProcessing)]

	queuedIDs, err := s.client.SMembers(ctx, stateKey(models.JobStatusQueued)).Result()
	if err != nil {
		return nil, err
	}
	queued, err := s.getJobs(ctx, queuedIDs)
	if err != nil {
		return nil, err
	}
	for _, job := range queued {
		m.QueueByPriority[job.Priority]++
	}

	completedIDs, err := s.client.SMembers(ctx, stateKey(models.JobStatusCompleted)).Result()
	if err != nil {
		return nil, err
	}
	completed, err := s.getJobs(ctx, completedIDs)
	if err != nil {
		return nil, err
	}
	var durationSum float64
	var durationCount int64
	for _, job := range completed {
		if job.StartedAt != nil && job.FinishedAt != nil {
			durationSum += job.FinishedAt.Sub(*job.StartedAt).Seconds()
			durationCount++
		}
	}
	if durationCount > 0 {
		m.AvgDuration = durationSum / float64(durationCount)
	}

	return m, nil
}

// Close closes the redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// HealthCheck verifies redis connectivity
func (s *RedisStore) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Vacuum is a no-op for redis; records are removed explicitly
func (s *RedisStore) Vacuum() error {
	return nil
}
