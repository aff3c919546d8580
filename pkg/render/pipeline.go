// Package render drives one claimed job through the full pipeline: plan the
// scenes, render them concurrently, concatenate in scene order, publish the
// artifact. The worker pool owns retries and state transitions; the pipeline
// reports progress and returns typed errors for the pool to classify.
package render

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/renderflow/pkg/executor"
	"github.com/psantana5/renderflow/pkg/logging"
	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/planner"
	"github.com/psantana5/renderflow/pkg/publisher"
	"github.com/psantana5/renderflow/pkg/store"
	"github.com/psantana5/renderflow/pkg/tracing"
)

// Config holds render pipeline configuration
type Config struct {
	SceneWorkers int    // Concurrent scene renders within one job
	WorkRoot     string // Parent directory for per-attempt workspaces
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SceneWorkers: 2,
		WorkRoot:     os.TempDir(),
	}
}

// Pipeline renders one job attempt end to end. Implements queue.Runner.
type Pipeline struct {
	executor  executor.Executor
	publisher publisher.Publisher
	store     store.Store
	config    Config
	logger    *logging.Logger
}

// NewPipeline creates a pipeline over the given executor, publisher and store
func NewPipeline(exec executor.Executor, pub publisher.Publisher, st store.Store, config Config, logger *logging.Logger) *Pipeline {
	if config.SceneWorkers <= 0 {
		config.SceneWorkers = 2
	}
	return &Pipeline{
		executor:  exec,
		publisher: pub,
		store:     st,
		config:    config,
		logger:    logger,
	}
}

// Run executes one render attempt and returns the published artifact URL.
// The workspace is removed on every path; progress milestones are written to
// the store as the attempt advances.
func (p *Pipeline) Run(ctx context.Context, job *models.RenderJob) (outputURL string, err error) {
	ctx, span := otel.Tracer("renderflow/render").Start(ctx, "render.attempt",
		trace.WithAttributes(
			attribute.String("render.job_id", job.ID),
			attribute.Int("render.attempt", job.Attempts),
			attribute.Int("render.scenes", len(job.Project.Scenes)),
		))
	defer func() {
		if err != nil {
			tracing.SetError(ctx, err)
		}
		span.End()
	}()

	start := time.Now()
	p.logger.Info("[Render] Starting attempt", map[string]interface{}{
		"job":     job.ID,
		"attempt": job.Attempts,
		"scenes":  len(job.Project.Scenes),
	})

	plans, err := planner.BuildProjectPlans(&job.Project, &job.Settings)
	if err != nil {
		return "", err
	}
	if len(plans) == 0 {
		return "", models.NewValidationError("project.scenes", "project has no scenes to render")
	}
	p.reportProgress(job.ID, 5)

	ws, err := executor.NewWorkspace(p.config.WorkRoot, job.ID, job.Attempts)
	if err != nil {
		return "", err
	}
	defer func() {
		if rerr := ws.Remove(); rerr != nil {
			p.logger.Warn("[Render] Failed to remove workspace", map[string]interface{}{
				"job":   job.ID,
				"dir":   ws.Dir,
				"error": rerr.Error(),
			})
		}
	}()

	sceneFiles, err := p.renderScenes(ctx, job, plans, ws.Dir)
	if err != nil {
		return "", err
	}

	finalPath, err := p.executor.Concatenate(ctx, sceneFiles, &job.Settings, ws.Dir)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	p.reportProgress(job.ID, 85)

	url, err := p.publisher.Publish(ctx, finalPath, job)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	p.reportProgress(job.ID, 100)

	p.logger.Info("[Render] Attempt finished", map[string]interface{}{
		"job":      job.ID,
		"duration": time.Since(start).String(),
	})
	return url, nil
}

// renderScenes renders all scene plans under a bounded sub-pool. The first
// failure cancels the remaining scenes; outputs come back in scene order for
// the concatenation barrier.
func (p *Pipeline) renderScenes(ctx context.Context, job *models.RenderJob, plans []*planner.ScenePlan, workDir string) ([]string, error) {
	sceneCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := p.config.SceneWorkers
	if workers > len(plans) {
		workers = len(plans)
	}

	outputs := make([]string, len(plans))
	errCh := make(chan error, len(plans))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var rendered int32

	for i := range plans {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-sceneCtx.Done():
				errCh <- sceneCtx.Err()
				return
			}
			defer func() { <-sem }()

			if err := sceneCtx.Err(); err != nil {
				errCh <- err
				return
			}

			out, err := p.executor.RenderScene(sceneCtx, plans[i], &job.Settings, workDir)
			if err != nil {
				errCh <- err
				cancel()
				return
			}
			outputs[i] = out
			tracing.AddEvent(sceneCtx, "scene rendered", attribute.String("scene", plans[i].SceneID))

			done := atomic.AddInt32(&rendered, 1)
			p.reportProgress(job.ID, 5+int(done)*65/len(plans))
		}(i)
	}

	wg.Wait()
	close(errCh)

	// Prefer the scene's own failure over the context noise the
	// cancellation cascade produces in its siblings.
	var firstErr error
	for err := range errCh {
		if err == nil {
			continue
		}
		if firstErr == nil || (isContextErr(firstErr) && !isContextErr(err)) {
			firstErr = err
		}
	}
	if firstErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, firstErr
	}
	return outputs, nil
}

func (p *Pipeline) reportProgress(jobID string, pct int) {
	if pct > 100 {
		pct = 100
	}
	if err := p.store.UpdateJobProgress(jobID, pct); err != nil {
		p.logger.Debug("[Render] Progress write failed", map[string]interface{}{
			"job":   jobID,
			"error": err.Error(),
		})
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
