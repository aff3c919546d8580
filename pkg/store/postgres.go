package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/psantana5/renderflow/pkg/models"
)

// PostgreSQLStore implements Store using PostgreSQL. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent claimers never hand
// the same job to two workers, even across daemon instances.
type PostgreSQLStore struct {
	db    *sql.DB
	mu    sync.Mutex
	aging models.AgingPolicy
}

var _ Store = (*PostgreSQLStore)(nil)

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25) // Default
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5) // Default
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute) // Default
	}

	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute) // Default
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{db: db, aging: models.DefaultAgingPolicy()}

	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		project JSONB NOT NULL,
		settings JSONB NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 2,
		progress INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		worker_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		output_url TEXT NOT NULL DEFAULT '',
		failed_reason TEXT NOT NULL DEFAULT '',
		state_transitions JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob adds a new job to the store
func (s *PostgreSQLStore) CreateJob(job *models.RenderJob) error {
	projectJSON, err := json.Marshal(job.Project)
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}

	settingsJSON, err := json.Marshal(job.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	transitionsJSON, err := json.Marshal(job.Transitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs
		(id, project_id, user_id, project, settings, status, priority, progress, attempts,
		 worker_id, created_at, started_at, finished_at, output_url, failed_reason, state_transitions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, job.ID, job.ProjectID, job.UserID, string(projectJSON), string(settingsJSON),
		string(job.Status), job.Priority, job.Progress, job.Attempts, job.WorkerID,
		job.CreatedAt, job.StartedAt, job.FinishedAt, job.OutputURL, job.FailedReason,
		string(transitionsJSON))

	return err
}

// GetJob retrieves a job by ID
func (s *PostgreSQLStore) GetJob(id string) (*models.RenderJob, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, user_id, project, settings, status, priority, progress, attempts,
		       worker_id, created_at, started_at, finished_at, output_url, failed_reason, state_transitions
		FROM jobs WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetAllJobs returns all jobs, newest first
func (s *PostgreSQLStore) GetAllJobs() []*models.RenderJob {
	rows, err := s.db.Query(`
		SELECT id, project_id, user_id, project, settings, status, priority, progress, attempts,
		       worker_id, created_at, started_at, finished_at, output_url, failed_reason, state_transitions
		FROM jobs ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return []*models.RenderJob{}
	}
	defer rows.Close()

	return scanJobRows(rows)
}

// GetJobsByUser returns all jobs submitted by a user, newest first
func (s *PostgreSQLStore) GetJobsByUser(userID string) ([]*models.RenderJob, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, user_id, project, settings, status, priority, progress, attempts,
		       worker_id, created_at, started_at, finished_at, output_url, failed_reason, state_transitions
		FROM jobs WHERE user_id = $1 ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	return scanJobRows(rows), nil
}

// GetJobsInState returns all jobs in a specific state, oldest first
func (s *PostgreSQLStore) GetJobsInState(state models.JobStatus) ([]*models.RenderJob, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, user_id, project, settings, status, priority, progress, attempts,
		       worker_id, created_at, started_at, finished_at, output_url, failed_reason, state_transitions
		FROM jobs WHERE status = $1 ORDER BY created_at ASC, id ASC
	`, string(state))
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	return scanJobRows(rows), nil
}

// DeleteJob removes a job row
func (s *PostgreSQLStore) DeleteJob(id string) error {
	result, err := s.db.Exec(`DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ClaimNextJob atomically claims the next queued job for a worker.
// Queued rows are locked with FOR UPDATE SKIP LOCKED, ranked in Go
// (aging boost needs one clock), then the chosen row is updated inside
// the same transaction. Returns ErrJobNotFound when nothing is queued.
func (s *PostgreSQLStore) ClaimNextJob(workerID string) (*models.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, project_id, user_id, project, settings, status, priority, progress, attempts,
		       worker_id, created_at, started_at, finished_at, output_url, failed_reason, state_transitions
		FROM jobs WHERE status = $1
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
	`, string(models.JobStatusQueued))
	if err != nil {
		return nil, fmt.Errorf("query queued jobs: %w", err)
	}
	candidates := scanJobRows(rows)
	rows.Close()

	now := time.Now()
	job := pickClaim(candidates, s.aging, now)
	if job == nil {
		return nil, ErrJobNotFound
	}

	job.Transitions = append(job.Transitions, models.StateTransition{
		From:      models.JobStatusQueued,
		To:        models.JobStatusProcessing,
		Timestamp: now,
		Reason:    "claimed by worker " + workerID,
	})
	transitionsJSON, err := json.Marshal(job.Transitions)
	if err != nil {
		return nil, fmt.Errorf("marshal transitions: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE jobs
		SET status = $1, worker_id = $2, started_at = $3, state_transitions = $4
		WHERE id = $5
	`, string(models.JobStatusProcessing), workerID, now, string(transitionsJSON), job.ID)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	job.Status = models.JobStatusProcessing
	job.WorkerID = workerID
	job.StartedAt = &now

	log.Printf("[FSM] Job %s: %s -> %s (claimed by %s)", job.ID, models.JobStatusQueued, models.JobStatusProcessing, workerID)
	return job, nil
}

// TransitionJobState performs a validated state transition with idempotency.
// Returns (transitioned bool, error); transitioned=false if already in the
// target state.
func (s *PostgreSQLStore) TransitionJobState(jobID string, toState models.JobStatus, reason string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentStatus string
	var transitionsJSON sql.NullString
	err = tx.QueryRow(`
		SELECT status, state_transitions FROM jobs WHERE id = $1 FOR UPDATE
	`, jobID).Scan(&currentStatus, &transitionsJSON)

	if err == sql.ErrNoRows {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get job state: %w", err)
	}

	fromState := models.JobStatus(currentStatus)

	// Idempotency: if already in target state, no-op
	if fromState == toState {
		log.Printf("[FSM] Job %s already in state %s (idempotent no-op)", jobID, toState)
		return false, nil
	}

	if err := models.ValidateTransition(fromState, toState); err != nil {
		return false, fmt.Errorf("invalid transition: %w", err)
	}

	var transitions []models.StateTransition
	if transitionsJSON.Valid && transitionsJSON.String != "" && transitionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &transitions); err != nil {
			log.Printf("[FSM] Warning: failed to parse transitions: %v", err)
			transitions = []models.StateTransition{}
		}
	}

	now := time.Now()
	transitions = append(transitions, models.StateTransition{
		From:      fromState,
		To:        toState,
		Timestamp: now,
		Reason:    reason,
	})

	newTransitionsJSON, err := json.Marshal(transitions)
	if err != nil {
		return false, fmt.Errorf("marshal transitions: %w", err)
	}

	switch {
	case models.IsTerminalState(toState):
		_, err = tx.Exec(`
			UPDATE jobs
			SET status = $1, finished_at = $2, state_transitions = $3
			WHERE id = $4
		`, string(toState), now, string(newTransitionsJSON), jobID)
	case toState == models.JobStatusQueued:
		_, err = tx.Exec(`
			UPDATE jobs
			SET status = $1, worker_id = '', started_at = NULL, progress = 0, state_transitions = $2
			WHERE id = $3
		`, string(toState), string(newTransitionsJSON), jobID)
	default:
		_, err = tx.Exec(`
			UPDATE jobs
			SET status = $1, started_at = COALESCE(started_at, $2), state_transitions = $3
			WHERE id = $4
		`, string(toState), now, string(newTransitionsJSON), jobID)
	}

	if err != nil {
		return false, fmt.Errorf("update job state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	log.Printf("[FSM] Job %s: %s -> %s (reason: %s)", jobID, fromState, toState, reason)
	return true, nil
}

// UpdateJobProgress updates the progress of a processing job. Progress is
// monotonic: writes below the current value are ignored.
func (s *PostgreSQLStore) UpdateJobProgress(id string, progress int) error {
	result, err := s.db.Exec(`
		UPDATE jobs SET progress = $1
		WHERE id = $2 AND status = $3 AND progress < $1
	`, progress, id, string(models.JobStatusProcessing))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing job from a stale write
		var exists bool
		if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrJobNotFound
		}
	}
	return nil
}

// UpdateJobAttempts records how many render attempts the job has consumed
func (s *PostgreSQLStore) UpdateJobAttempts(id string, attempts int) error {
	return s.execOnJob(`UPDATE jobs SET attempts = $1 WHERE id = $2`, attempts, id)
}

// SetJobOutput records the published artifact URL
func (s *PostgreSQLStore) SetJobOutput(id string, outputURL string) error {
	return s.execOnJob(`UPDATE jobs SET output_url = $1 WHERE id = $2`, outputURL, id)
}

// SetJobFailureReason records a human-readable failure reason
func (s *PostgreSQLStore) SetJobFailureReason(id string, reason string) error {
	return s.execOnJob(`UPDATE jobs SET failed_reason = $1 WHERE id = $2`, reason, id)
}

// execOnJob runs an update that must match exactly one job row
func (s *PostgreSQLStore) execOnJob(query string, args ...interface{}) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Stats returns aggregate job counts by state
func (s *PostgreSQLStore) Stats() (*models.QueueStats, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		switch models.JobStatus(status) {
		case models.JobStatusQueued:
			stats.Waiting = count
		case models.JobStatusProcessing:
			stats.Active = count
		case models.JobStatusCompleted:
			stats.Completed = count
		case models.JobStatusFailed:
			stats.Failed = count
		case models.JobStatusCancelled:
			stats.Cancelled = count
		}
	}
	return stats, nil
}

// GetJobMetrics returns aggregated job statistics for the metrics endpoint
func (s *PostgreSQLStore) GetJobMetrics() (*models.JobMetrics, error) {
	m := &models.JobMetrics{
		JobsByState:     make(map[string]int64),
		QueueByPriority: make(map[int]int64),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query job states: %w", err)
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		m.JobsByState[status] = count
		switch models.JobStatus(status) {
		case models.JobStatusQueued:
			m.QueueLength = count
		case models.JobStatusProcessing:
			m.ActiveJobs = count
		}
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT priority, COUNT(*) FROM jobs WHERE status = $1 GROUP BY priority`,
		string(models.JobStatusQueued))
	if err != nil {
		return nil, fmt.Errorf("query queue priorities: %w", err)
	}
	for rows.Next() {
		var priority int
		var count int64
		if err := rows.Scan(&priority, &count); err != nil {
			continue
		}
		m.QueueByPriority[priority] = count
	}
	rows.Close()

	err = s.db.QueryRow(`
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (finished_at - started_at))), 0)
		FROM jobs
		WHERE status = $1 AND started_at IS NOT NULL AND finished_at IS NOT NULL
	`, string(models.JobStatusCompleted)).Scan(&m.AvgDuration)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}

	return m, nil
}

// Close closes the database connection
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *PostgreSQLStore) HealthCheck() error {
	return s.db.Ping()
}

// Vacuum reclaims space from deleted job rows
func (s *PostgreSQLStore) Vacuum() error {
	_, err := s.db.Exec(`VACUUM jobs`)
	return err
}
