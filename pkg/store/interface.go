package store

import (
	"time"

	"github.com/psantana5/renderflow/pkg/models"
)

// Store defines the interface for render job persistence.
// Every backend persists the full job record and applies the same
// claim ordering (effective priority desc, created_at asc, id asc).
type Store interface {
	// Job lifecycle
	CreateJob(job *models.RenderJob) error
	GetJob(id string) (*models.RenderJob, error)
	GetAllJobs() []*models.RenderJob
	GetJobsByUser(userID string) ([]*models.RenderJob, error)
	GetJobsInState(state models.JobStatus) ([]*models.RenderJob, error)
	DeleteJob(id string) error

	// Claim and state management
	ClaimNextJob(workerID string) (*models.RenderJob, error)
	TransitionJobState(jobID string, toState models.JobStatus, reason string) (bool, error)
	UpdateJobProgress(id string, progress int) error
	UpdateJobAttempts(id string, attempts int) error
	SetJobOutput(id string, outputURL string) error
	SetJobFailureReason(id string, reason string) error

	// Aggregates
	Stats() (*models.QueueStats, error)
	GetJobMetrics() (*models.JobMetrics, error)

	// Lifecycle
	Close() error
	HealthCheck() error
	Vacuum() error
}

// Config holds storage configuration
type Config struct {
	Type string // "sqlite", "postgres", "redis" or "memory"
	DSN  string // Connection string (postgres) or database path (sqlite)

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string

	// Redis specific
	Addr     string
	Password string
	DB       int
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "redis":
		return NewRedisStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		// Default to SQLite for single-node deployments
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "renderflow.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

var (
	ErrUnsupportedDatabase = NewError("unsupported database type")
)

// NewError creates a new error with message
func NewError(message string) error {
	return &storeError{message: message}
}

type storeError struct {
	message string
}

func (e *storeError) Error() string {
	return e.message
}

// pickClaim selects which queued job a worker should take next: highest
// effective priority (base + aging boost) first, oldest first within equal
// priority, job ID as the final tie-break. Shared by all backends so claim
// ordering is identical regardless of storage.
func pickClaim(candidates []*models.RenderJob, aging models.AgingPolicy, now time.Time) *models.RenderJob {
	var best *models.RenderJob
	bestPriority := 0

	for _, job := range candidates {
		if job.Status != models.JobStatusQueued {
			continue
		}
		p := aging.EffectivePriority(job, now)
		if best == nil || p > bestPriority {
			best = job
			bestPriority = p
			continue
		}
		if p == bestPriority {
			if job.CreatedAt.Before(best.CreatedAt) ||
				(job.CreatedAt.Equal(best.CreatedAt) && job.ID < best.ID) {
				best = job
			}
		}
	}

	return best
}
