package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/psantana5/renderflow/pkg/logging"
	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/store"
)

// Runner renders one claimed job attempt and returns the published artifact
// URL. Implemented by render.Pipeline; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, job *models.RenderJob) (string, error)
}

// PoolConfig holds worker pool configuration
type PoolConfig struct {
	Workers      int                // Concurrent jobs (one per worker)
	PollInterval time.Duration      // Claim poll cadence when the queue is empty
	DrainTimeout time.Duration      // How long Stop waits for in-flight jobs
	Retry        models.RetryPolicy // Applied to transient render failures
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      2,
		PollInterval: 1 * time.Second,
		DrainTimeout: 30 * time.Second,
		Retry:        models.DefaultRetryPolicy(),
	}
}

// WorkerPool runs a fixed set of workers that claim queued jobs and drive
// them to a terminal state. Each running job gets its own cancellable
// context, registered so Cancel can kill the subprocess mid-render.
type WorkerPool struct {
	store  store.Store
	runner Runner
	config PoolConfig
	logger *logging.Logger
	name   string

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	active map[string]context.CancelFunc

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewWorkerPool creates a pool. Start must be called before jobs are claimed.
func NewWorkerPool(st store.Store, runner Runner, config PoolConfig, logger *logging.Logger) *WorkerPool {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 30 * time.Second
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = models.DefaultRetryPolicy()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "renderd"
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		store:      st,
		runner:     runner,
		config:     config,
		logger:     logger,
		name:       fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]context.CancelFunc),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the workers
func (p *WorkerPool) Start() {
	if p.started {
		return
	}
	p.started = true

	p.logger.Info("[Pool] Starting worker pool", map[string]interface{}{
		"workers": p.config.Workers,
		"poll":    p.config.PollInterval.String(),
	})
	for i := 1; i <= p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(fmt.Sprintf("%s-w%d", p.name, i))
	}
}

// Stop stops claiming new jobs and waits up to DrainTimeout for in-flight
// jobs to finish. Jobs still running after the timeout get their subprocess
// killed and are left in processing for recovery to requeue on next boot.
func (p *WorkerPool) Stop() {
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("[Pool] All workers drained")
	case <-time.After(p.config.DrainTimeout):
		p.logger.Warn("[Pool] Drain timeout, killing in-flight renders", map[string]interface{}{
			"running": p.RunningCount(),
		})
		p.baseCancel()
		<-done
	}
	p.baseCancel()
}

// CancelJob cancels the context of a running job. Returns false when no
// worker in this pool owns the job.
func (p *WorkerPool) CancelJob(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.active[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a worker in this pool currently owns the job
func (p *WorkerPool) Running(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[jobID]
	return ok
}

// RunningCount returns the number of jobs currently executing
func (p *WorkerPool) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// worker claims and executes jobs until the pool stops
func (p *WorkerPool) worker(workerID string) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.store.ClaimNextJob(workerID)
		if err != nil {
			if !errors.Is(err, store.ErrJobNotFound) {
				p.logger.Error("[Pool] Claim failed", map[string]interface{}{
					"worker": workerID,
					"error":  err.Error(),
				})
			}
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.config.PollInterval):
			}
			continue
		}

		p.execute(workerID, job)
	}
}

// execute drives one claimed job to a terminal state, retrying transient
// failures in place with capped exponential backoff.
func (p *WorkerPool) execute(workerID string, job *models.RenderJob) {
	ctx, cancel := context.WithCancel(p.baseCtx)
	p.register(job.ID, cancel)
	defer p.unregister(job.ID)
	defer cancel()

	p.logger.Info("[Pool] Worker claimed job", map[string]interface{}{
		"worker":   workerID,
		"job":      job.ID,
		"priority": job.Priority,
		"attempts": job.Attempts,
	})

	start := time.Now()
	attempt := job.Attempts

	for {
		attempt++
		job.Attempts = attempt
		if err := p.store.UpdateJobAttempts(job.ID, attempt); err != nil {
			p.logger.Error("[Pool] Failed to persist attempt count", map[string]interface{}{
				"job":   job.ID,
				"error": err.Error(),
			})
		}

		outputURL, err := p.runner.Run(ctx, job)
		if err == nil {
			if serr := p.store.SetJobOutput(job.ID, outputURL); serr != nil {
				p.logger.Error("[Pool] Failed to persist output URL", map[string]interface{}{
					"job":   job.ID,
					"error": serr.Error(),
				})
			}
			p.transition(job.ID, models.JobStatusCompleted, "artifact published")
			p.logger.Info("[Pool] Job completed", map[string]interface{}{
				"job":      job.ID,
				"attempts": attempt,
				"duration": time.Since(start).String(),
				"output":   outputURL,
			})
			return
		}

		if ctx.Err() != nil {
			if p.baseCtx.Err() != nil {
				// Pool shutdown killed the render. Leave the job in
				// processing; recovery requeues it on next boot.
				p.logger.Warn("[Pool] Render interrupted by shutdown", map[string]interface{}{
					"job": job.ID,
				})
				return
			}
			p.transition(job.ID, models.JobStatusCancelled, "cancelled by user")
			p.logger.Info("[Pool] Job cancelled", map[string]interface{}{
				"job":      job.ID,
				"attempts": attempt,
			})
			return
		}

		if p.config.Retry.ShouldRetry(attempt, err) {
			backoff := p.config.Retry.BackoffFor(attempt)
			p.logger.Warn("[Pool] Attempt failed, retrying", map[string]interface{}{
				"job":     job.ID,
				"attempt": fmt.Sprintf("%d/%d", attempt, p.config.Retry.MaxAttempts),
				"backoff": backoff.String(),
				"error":   err.Error(),
			})
			select {
			case <-ctx.Done():
				// Cancelled while backing off; next loop iteration would
				// spend another attempt, so settle it here.
				if p.baseCtx.Err() != nil {
					return
				}
				p.transition(job.ID, models.JobStatusCancelled, "cancelled by user")
				return
			case <-time.After(backoff):
			}
			continue
		}

		reason := models.FailureReason(err)
		if serr := p.store.SetJobFailureReason(job.ID, reason); serr != nil {
			p.logger.Error("[Pool] Failed to persist failure reason", map[string]interface{}{
				"job":   job.ID,
				"error": serr.Error(),
			})
		}
		p.transition(job.ID, models.JobStatusFailed, reason)
		p.logger.Error("[Pool] Job failed", map[string]interface{}{
			"job":      job.ID,
			"attempts": attempt,
			"reason":   reason,
		})
		return
	}
}

// transition persists a state change, tolerating a cancel that already won
// the race (the idempotent no-op and the FSM both make that safe).
func (p *WorkerPool) transition(jobID string, to models.JobStatus, reason string) {
	if _, err := p.store.TransitionJobState(jobID, to, reason); err != nil {
		p.logger.Warn("[Pool] State transition rejected", map[string]interface{}{
			"job":   jobID,
			"to":    string(to),
			"error": err.Error(),
		})
	}
}

func (p *WorkerPool) register(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.active[jobID] = cancel
	p.mu.Unlock()
}

func (p *WorkerPool) unregister(jobID string) {
	p.mu.Lock()
	delete(p.active, jobID)
	p.mu.Unlock()
}
