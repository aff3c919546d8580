package queue

import (
	"fmt"
	"time"

	"github.com/psantana5/renderflow/pkg/logging"
	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/store"
)

// Liveness reports whether a job is actively executing in this process.
// Implemented by WorkerPool.
type Liveness interface {
	Running(jobID string) bool
}

// RecoveryConfig holds recovery manager configuration
type RecoveryConfig struct {
	SweepInterval time.Duration // How often to sweep for orphaned jobs
	OrphanGrace   time.Duration // Minimum processing age before a job counts as orphaned
}

// DefaultRecoveryConfig returns sensible defaults
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		SweepInterval: 1 * time.Minute,
		OrphanGrace:   30 * time.Second,
	}
}

// RecoveryManager requeues processing jobs that no live worker owns. On a
// single-node deployment every processing row found at boot is orphaned; the
// periodic sweep catches jobs whose worker vanished without a transition.
// Requeued jobs keep their attempt count, so at-least-once stays bounded.
type RecoveryManager struct {
	store  store.Store
	pool   Liveness
	config RecoveryConfig
	logger *logging.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewRecoveryManager creates a recovery manager over the given store and pool
func NewRecoveryManager(st store.Store, pool Liveness, config RecoveryConfig, logger *logging.Logger) *RecoveryManager {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 1 * time.Minute
	}
	if config.OrphanGrace <= 0 {
		config.OrphanGrace = 30 * time.Second
	}
	return &RecoveryManager{
		store:     st,
		pool:      pool,
		config:    config,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// RecoverOnStartup requeues every processing job. Call before the pool
// starts claiming: at that point no worker is live, so any processing row is
// a leftover from a previous run.
func (rm *RecoveryManager) RecoverOnStartup() (int, error) {
	orphans, err := rm.store.GetJobsInState(models.JobStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list processing jobs: %w", err)
	}

	recovered := 0
	for _, job := range orphans {
		if rm.requeue(job, fmt.Sprintf("orphaned by restart (was on worker %s)", job.WorkerID)) {
			recovered++
		}
	}

	if recovered > 0 {
		rm.logger.Info("[Recovery] Requeued orphaned jobs after restart", map[string]interface{}{
			"count": recovered,
		})
	}
	return recovered, nil
}

// Start launches the periodic orphan sweep
func (rm *RecoveryManager) Start() {
	rm.logger.Info("[Recovery] Starting orphan sweep", map[string]interface{}{
		"interval": rm.config.SweepInterval.String(),
		"grace":    rm.config.OrphanGrace.String(),
	})

	go func() {
		defer close(rm.stoppedCh)

		ticker := time.NewTicker(rm.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rm.sweep()
			case <-rm.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit
func (rm *RecoveryManager) Stop() {
	close(rm.stopCh)
	<-rm.stoppedCh
	rm.logger.Info("[Recovery] Orphan sweep stopped")
}

// sweep requeues processing jobs that no live worker owns. A grace period on
// StartedAt keeps a sweep from racing a claim that has not registered yet.
func (rm *RecoveryManager) sweep() {
	jobs, err := rm.store.GetJobsInState(models.JobStatusProcessing)
	if err != nil {
		rm.logger.Error("[Recovery] Sweep failed to list processing jobs", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	requeued := 0
	now := time.Now()
	for _, job := range jobs {
		if rm.pool != nil && rm.pool.Running(job.ID) {
			continue
		}
		if job.StartedAt != nil && now.Sub(*job.StartedAt) < rm.config.OrphanGrace {
			continue
		}

		rm.logger.Warn("[Recovery] Orphaned job detected", map[string]interface{}{
			"job":    job.ID,
			"worker": job.WorkerID,
		})
		if rm.requeue(job, fmt.Sprintf("worker %s no longer live", job.WorkerID)) {
			requeued++
		}
	}

	if requeued > 0 {
		rm.logger.Info("[Recovery] Sweep requeued orphaned jobs", map[string]interface{}{
			"count": requeued,
		})
	}
}

// requeue moves one processing job back to queued, clearing its worker
// assignment. Returns false when the transition is rejected (for example the
// job reached a terminal state between listing and requeueing).
func (rm *RecoveryManager) requeue(job *models.RenderJob, reason string) bool {
	changed, err := rm.store.TransitionJobState(job.ID, models.JobStatusQueued, reason)
	if err != nil {
		rm.logger.Warn("[Recovery] Requeue rejected", map[string]interface{}{
			"job":   job.ID,
			"error": err.Error(),
		})
		return false
	}
	return changed
}
