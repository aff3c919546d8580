// Package executor wraps invocation of the external media tool: one ffmpeg
// run per scene plan, plus a final concatenation run across scene outputs.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/renderflow/pkg/logging"
	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/planner"
)

// Executor runs media tool invocations. The render pipeline depends on this
// interface so queue and recovery behavior can be tested without ffmpeg.
type Executor interface {
	RenderScene(ctx context.Context, plan *planner.ScenePlan, settings *models.RenderSettings, workDir string) (string, error)
	Concatenate(ctx context.Context, sceneFiles []string, settings *models.RenderSettings, workDir string) (string, error)
}

const (
	// Outputs smaller than this are treated as tool failures
	minOutputSize = 1024

	// Stream-copy concatenation is IO bound; a flat ceiling is enough
	concatTimeout = 10 * time.Minute
)

// FFmpeg is the production Executor backed by an ffmpeg binary
type FFmpeg struct {
	path     string
	timeouts models.TimeoutPolicy
	logger   *logging.Logger
}

// NewFFmpeg creates an executor invoking the given ffmpeg binary
func NewFFmpeg(path string, timeouts models.TimeoutPolicy, logger *logging.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path, timeouts: timeouts, logger: logger}
}

// RenderScene executes one scene's plan as a single ffmpeg invocation and
// returns the scene output path. The invocation is bounded by the timeout
// policy for the scene duration; a deadline hit or non-zero exit yields an
// ExecutionError. Caller cancellation is passed through unchanged.
func (e *FFmpeg) RenderScene(ctx context.Context, plan *planner.ScenePlan, settings *models.RenderSettings, workDir string) (string, error) {
	outputPath := filepath.Join(workDir, fmt.Sprintf("scene_%s.%s", plan.SceneID, settings.Format))
	args := BuildSceneArgs(plan, settings, outputPath)
	timeout := e.timeouts.For(plan.Duration)

	e.logger.Debug("[Executor] Rendering scene", map[string]interface{}{
		"scene":   plan.SceneID,
		"ops":     len(plan.Ops),
		"timeout": timeout.String(),
	})

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stderr, err := e.run(runCtx, args)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return "", ctx.Err()
		}
		return "", &models.ExecutionError{
			SceneID: plan.SceneID,
			Timeout: errors.Is(runCtx.Err(), context.DeadlineExceeded),
			Stderr:  stderrTail(stderr),
			Err:     err,
		}
	}

	if err := validateOutput(outputPath); err != nil {
		return "", &models.ExecutionError{SceneID: plan.SceneID, Err: err}
	}
	return outputPath, nil
}

// Concatenate assembles the ordered scene outputs into the final artifact.
// Every input must exist and be readable before the tool is invoked.
func (e *FFmpeg) Concatenate(ctx context.Context, sceneFiles []string, settings *models.RenderSettings, workDir string) (string, error) {
	if len(sceneFiles) == 0 {
		return "", &models.ConcatenationError{Err: errors.New("no scene outputs to concatenate")}
	}
	for _, f := range sceneFiles {
		if err := validateOutput(f); err != nil {
			return "", &models.ConcatenationError{Err: fmt.Errorf("scene output %s: %w", filepath.Base(f), err)}
		}
	}

	listPath := filepath.Join(workDir, "concat.txt")
	if err := writeConcatList(listPath, sceneFiles); err != nil {
		return "", &models.ConcatenationError{Err: err}
	}

	outputPath := filepath.Join(workDir, fmt.Sprintf("final.%s", settings.Format))

	e.logger.Debug("[Executor] Concatenating scene outputs", map[string]interface{}{
		"scenes": len(sceneFiles),
	})

	runCtx, cancel := context.WithTimeout(ctx, concatTimeout)
	defer cancel()

	stderr, err := e.run(runCtx, BuildConcatArgs(listPath, outputPath))
	if err != nil {
		if ctx.Err() == context.Canceled {
			return "", ctx.Err()
		}
		return "", &models.ConcatenationError{Stderr: stderrTail(stderr), Err: err}
	}

	if err := validateOutput(outputPath); err != nil {
		return "", &models.ConcatenationError{Err: err}
	}
	return outputPath, nil
}

func (e *FFmpeg) run(ctx context.Context, args []string) (*bytes.Buffer, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.path, args...)
	cmd.Stderr = &stderr
	return &stderr, cmd.Run()
}

// writeConcatList writes the concat demuxer list file. Paths come from our
// own temp dirs but quotes are escaped anyway.
func writeConcatList(listPath string, files []string) error {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(f, "'", `'\''`))
	}
	return os.WriteFile(listPath, []byte(b.String()), 0644)
}

// validateOutput checks that the tool produced a plausible media file
func validateOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output missing: %w", err)
	}
	if info.Size() < minOutputSize {
		return fmt.Errorf("output too small: %d bytes", info.Size())
	}
	return nil
}

// stderrTail trims tool output to the last few lines for failure reasons
func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	tail := strings.Join(lines, " | ")
	if len(tail) > 500 {
		tail = tail[len(tail)-500:]
	}
	return tail
}

// Workspace is a scoped temporary directory for one job attempt
type Workspace struct {
	Dir string
}

// NewWorkspace creates a private working directory under root for one job
// attempt. Callers must Remove it on every path, success or failure.
func NewWorkspace(root, jobID string, attempt int) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work root %s: %w", root, err)
	}
	dir, err := os.MkdirTemp(root, fmt.Sprintf("render-%s-a%d-", jobID, attempt))
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// Remove deletes the workspace and everything in it
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}
