// Package cleanup retires settled jobs and stale render workspaces. Jobs in
// a terminal state older than the retention window are deleted in batches;
// abandoned work directories (left behind by crashed attempts) are swept by
// age; the store is vacuumed on a slower cadence.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/renderflow/pkg/logging"
	"github.com/psantana5/renderflow/pkg/models"
)

// startupDelay postpones the first cleanup so it never competes with the
// recovery sweep at boot.
const startupDelay = 5 * time.Minute

// workDirPrefix matches the per-attempt directories the executor creates
const workDirPrefix = "render-"

// Config defines retention policies and cleanup intervals
type Config struct {
	Enabled          bool
	JobRetentionDays int
	CleanupInterval  time.Duration
	VacuumInterval   time.Duration
	DeleteBatchSize  int
	WorkRoot         string // "" disables the workspace sweep
	WorkDirMaxAge    time.Duration
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		JobRetentionDays: 7,
		CleanupInterval:  24 * time.Hour,
		VacuumInterval:   7 * 24 * time.Hour,
		DeleteBatchSize:  100,
		WorkDirMaxAge:    24 * time.Hour,
	}
}

// Store is the slice of the job store cleanup needs
type Store interface {
	GetJobsInState(state models.JobStatus) ([]*models.RenderJob, error)
	DeleteJob(id string) error
	Vacuum() error
}

// terminalStates lists the job states eligible for retirement. Queued and
// processing jobs are never touched here.
var terminalStates = []models.JobStatus{
	models.JobStatusCompleted,
	models.JobStatusFailed,
	models.JobStatusCancelled,
}

// Manager handles automatic cleanup of old jobs and maintenance
type Manager struct {
	config Config
	store  Store
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// Stats tracks cleanup operations
type Stats struct {
	LastCleanupTime     time.Time
	LastVacuumTime      time.Time
	TotalJobsDeleted    int64
	TotalWorkDirsSwept  int64
	TotalVacuumRuns     int64
	LastCleanupDuration time.Duration
	LastVacuumDuration  time.Duration
}

// NewManager creates a cleanup manager over the given store
func NewManager(config Config, store Store, logger *logging.Logger) *Manager {
	if config.DeleteBatchSize <= 0 {
		config.DeleteBatchSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		store:  store,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the periodic cleanup and vacuum loops
func (m *Manager) Start() {
	if !m.config.Enabled {
		m.logger.Info("[Cleanup] Cleanup manager disabled", nil)
		return
	}

	m.logger.Info("[Cleanup] Starting cleanup manager", map[string]interface{}{
		"retentionDays": m.config.JobRetentionDays,
		"interval":      m.config.CleanupInterval.String(),
	})

	m.wg.Add(2)
	go m.cleanupLoop()
	go m.vacuumLoop()
}

// Stop stops the loops and waits for any in-flight pass to finish
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("[Cleanup] Cleanup manager stopped", nil)
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	select {
	case <-m.ctx.Done():
		return
	case <-time.After(startupDelay):
	}
	m.runCleanup()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runCleanup()
		}
	}
}

func (m *Manager) vacuumLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.vacuum()
		}
	}
}

// runCleanup retires settled jobs past retention and sweeps stale work dirs
func (m *Manager) runCleanup() {
	startTime := time.Now()

	cutoff := time.Now().Add(-time.Duration(m.config.JobRetentionDays) * 24 * time.Hour)
	deleted := 0

	for _, state := range terminalStates {
		if err := m.retireJobsInState(state, cutoff, &deleted); err != nil {
			m.logger.Error("[Cleanup] Error retiring jobs", map[string]interface{}{
				"state": string(state),
				"error": err.Error(),
			})
		}
	}

	swept := m.sweepWorkDirs()

	duration := time.Since(startTime)

	m.mu.Lock()
	m.stats.LastCleanupTime = time.Now()
	m.stats.LastCleanupDuration = duration
	m.stats.TotalJobsDeleted += int64(deleted)
	m.stats.TotalWorkDirsSwept += int64(swept)
	m.mu.Unlock()

	m.logger.Info("[Cleanup] Cleanup pass complete", map[string]interface{}{
		"jobsDeleted":  deleted,
		"workDirSwept": swept,
		"duration":     duration.String(),
	})
}

// retireJobsInState deletes jobs of one terminal state older than the cutoff.
// The finish timestamp decides age; jobs that never recorded one fall back
// to their creation time.
func (m *Manager) retireJobsInState(state models.JobStatus, cutoff time.Time, deleted *int) error {
	jobs, err := m.store.GetJobsInState(state)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		settledAt := job.CreatedAt
		if job.FinishedAt != nil {
			settledAt = *job.FinishedAt
		}
		if !settledAt.Before(cutoff) {
			continue
		}

		if err := m.store.DeleteJob(job.ID); err != nil {
			m.logger.Warn("[Cleanup] Failed to delete job", map[string]interface{}{
				"job":   job.ID,
				"error": err.Error(),
			})
			continue
		}
		*deleted++

		// Pace deletions so a large backlog does not monopolize the store
		if *deleted%m.config.DeleteBatchSize == 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}

	return nil
}

// sweepWorkDirs removes render workspaces older than WorkDirMaxAge. A live
// attempt touches its workspace constantly, so age alone is a safe signal.
func (m *Manager) sweepWorkDirs() int {
	if m.config.WorkRoot == "" || m.config.WorkDirMaxAge <= 0 {
		return 0
	}

	entries, err := os.ReadDir(m.config.WorkRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("[Cleanup] Failed to read work root", map[string]interface{}{
				"dir":   m.config.WorkRoot,
				"error": err.Error(),
			})
		}
		return 0
	}

	cutoff := time.Now().Add(-m.config.WorkDirMaxAge)
	swept := 0

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), workDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		dir := filepath.Join(m.config.WorkRoot, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("[Cleanup] Failed to remove stale workspace", map[string]interface{}{
				"dir":   dir,
				"error": err.Error(),
			})
			continue
		}
		swept++
	}

	return swept
}

// vacuum performs store maintenance
func (m *Manager) vacuum() {
	startTime := time.Now()

	if err := m.store.Vacuum(); err != nil {
		m.logger.Error("[Cleanup] Store vacuum failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	duration := time.Since(startTime)

	m.mu.Lock()
	m.stats.LastVacuumTime = time.Now()
	m.stats.LastVacuumDuration = duration
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()

	m.logger.Info("[Cleanup] Store vacuum complete", map[string]interface{}{
		"duration": duration.String(),
	})
}

// CleanupNow triggers an immediate cleanup pass
func (m *Manager) CleanupNow() {
	m.runCleanup()
}

// VacuumNow triggers an immediate vacuum run
func (m *Manager) VacuumNow() {
	m.vacuum()
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
