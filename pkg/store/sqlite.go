package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/psantana5/renderflow/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store.
// The default backend: durable, zero-ops, good enough for a single
// render daemon with a handful of workers.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex
	aging models.AgingPolicy
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _cache_size=-8000: 8MB memory cache for better performance
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1) // Serialize writes to avoid SQLITE_BUSY
	db.SetMaxIdleConns(1) // Keep one connection ready
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db, aging: models.DefaultAgingPolicy()}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		project TEXT NOT NULL,
		settings TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 2,
		progress INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		worker_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		output_url TEXT NOT NULL DEFAULT '',
		failed_reason TEXT NOT NULL DEFAULT '',
		state_transitions TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob adds a new job to the store
func (s *SQLiteStore) CreateJob(job *models.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.ProjectID, job.UserID, string(projectJSON), string(settingsJSON),
		string(job.Status), job.Priority, job.Progress, job.Attempts, job.WorkerID,
		job.CreatedAt, job.StartedAt, job.FinishedAt, job.OutputURL, job.FailedReason,
		string(transitionsJSON))

	return err
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.RenderJob, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, user_id, project, settings, status, priority, progress, attempts,
		       worker_id, created_at, started_at, finished_at, output_url, failed_reason, state_transitions
		FROM jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetAllJobs returns all jobs, newest first
func (s *SQLiteStore) GetAllJobs() []*models.RenderJob {
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
func (s *SQLiteStore) GetJobsByUser(userID string) ([]*models.RenderJob, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, user_id, project, settings, status, priority, progress, attempts,
		       worker_id, created_at, started_at, finished_at, output_url, failed_reason, state_transitions
		FROM jobs WHERE user_id = ? ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	return scanJobRows(rows), nil
}

// GetJobsInState returns all jobs in a specific state, oldest first
func (s *SQLiteStore) GetJobsInState(state models.JobStatus) ([]*models.RenderJob, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, user_id, project, settings, status, priority, progress, attempts,
		       worker_id, created_at, started_at, finished_at, output_url, failed_reason, state_transitions
		FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC
	`, string(state))
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	return scanJobRows(rows), nil
}

// DeleteJob removes a job row
func (s *SQLiteStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
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
// Candidates are loaded inside the transaction and ranked in Go so the
// aging boost uses one clock for every backend. Returns ErrJobNotFound
// when nothing is queued.
func (s *SQLiteStore) ClaimNextJob(workerID string) (*models.RenderJob, error) {
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
		FROM jobs WHERE status = ? ORDER BY priority DESC, created_at ASC
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
		SET status = ?, worker_id = ?, started_at = ?, state_transitions = ?
		WHERE id = ?
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
func (s *SQLiteStore) TransitionJobState(jobID string, toState models.JobStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentStatus string
	var transitionsJSON sql.NullString
	err = tx.QueryRow(`
		SELECT status, state_transitions
		FROM jobs
		WHERE id = ?
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
			SET status = ?, finished_at = ?, state_transitions = ?
			WHERE id = ?
		`, string(toState), now, string(newTransitionsJSON), jobID)
	case toState == models.JobStatusQueued:
		// Requeue: drop the worker assignment so the next claim starts clean
		_, err = tx.Exec(`
			UPDATE jobs
			SET status = ?, worker_id = '', started_at = NULL, progress = 0, state_transitions = ?
			WHERE id = ?
		`, string(toState), string(newTransitionsJSON), jobID)
	default:
		_, err = tx.Exec(`
			UPDATE jobs
			SET status = ?, started_at = COALESCE(started_at, ?), state_transitions = ?
			WHERE id = ?
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
func (s *SQLiteStore) UpdateJobProgress(id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int
	var status string
	err = tx.QueryRow(`SELECT progress, status FROM jobs WHERE id = ?`, id).Scan(&current, &status)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}

	if status != string(models.JobStatusProcessing) || progress <= current {
		return nil
	}

	if _, err := tx.Exec(`UPDATE jobs SET progress = ? WHERE id = ?`, progress, id); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateJobAttempts records how many render attempts the job has consumed
func (s *SQLiteStore) UpdateJobAttempts(id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execOnJob(`UPDATE jobs SET attempts = ? WHERE id = ?`, attempts, id)
}

// SetJobOutput records the published artifact URL
func (s *SQLiteStore) SetJobOutput(id string, outputURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execOnJob(`UPDATE jobs SET output_url = ? WHERE id = ?`, outputURL, id)
}

// SetJobFailureReason records a human-readable failure reason
func (s *SQLiteStore) SetJobFailureReason(id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.execOnJob(`UPDATE jobs SET failed_reason = ? WHERE id = ?`, reason, id)
}

// execOnJob runs an update that must match exactly one job row
func (s *SQLiteStore) execOnJob(query string, args ...interface{}) error {
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
func (s *SQLiteStore) Stats() (*models.QueueStats, error) {
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
func (s *SQLiteStore) GetJobMetrics() (*models.JobMetrics, error) {
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

	rows, err = s.db.Query(`SELECT priority, COUNT(*) FROM jobs WHERE status = ? GROUP BY priority`,
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

	// Durations are averaged in Go; SQLite date arithmetic chokes on the
	// driver's timestamp format.
	rows, err = s.db.Query(`
		SELECT started_at, finished_at FROM jobs
		WHERE status = ? AND started_at IS NOT NULL AND finished_at IS NOT NULL
	`, string(models.JobStatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	var durationSum float64
	var durationCount int64
	for rows.Next() {
		var startedAt, finishedAt time.Time
		if err := rows.Scan(&startedAt, &finishedAt); err != nil {
			continue
		}
		durationSum += finishedAt.Sub(startedAt).Seconds()
		durationCount++
	}
	if durationCount > 0 {
		m.AvgDuration = durationSum / float64(durationCount)
	}

	return m, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Vacuum reclaims space from deleted job rows
func (s *SQLiteStore) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`VACUUM`)
	return err
}

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan helper
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans one job row in the canonical column order
func scanJob(row rowScanner) (*models.RenderJob, error) {
	var job models.RenderJob
	var status, projectJSON, settingsJSON string
	var transitionsJSON sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&job.ID, &job.ProjectID, &job.UserID, &projectJSON, &settingsJSON,
		&status, &job.Priority, &job.Progress, &job.Attempts, &job.WorkerID,
		&job.CreatedAt, &startedAt, &finishedAt, &job.OutputURL, &job.FailedReason,
		&transitionsJSON)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)

	if err := json.Unmarshal([]byte(projectJSON), &job.Project); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project: %w", err)
	}
	if err := json.Unmarshal([]byte(settingsJSON), &job.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if transitionsJSON.Valid && transitionsJSON.String != "" && transitionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &job.Transitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions: %w", err)
		}
	}

	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}

	return &job, nil
}

// scanJobRows scans a result set, skipping rows that fail to decode
func scanJobRows(rows *sql.Rows) []*models.RenderJob {
	jobs := []*models.RenderJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			log.Printf("Warning: failed to scan job row: %v", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}
