package publisher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/psantana5/renderflow/pkg/logging"
	"github.com/psantana5/renderflow/pkg/models"
)

// LocalPublisher copies artifacts into a directory tree mirroring the object
// key layout. Used for development and tests; BaseURL lets a fronting file
// server hand out real links.
type LocalPublisher struct {
	baseDir string
	baseURL string
	logger  *logging.Logger
}

var _ Publisher = (*LocalPublisher)(nil)

// NewLocalPublisher creates a publisher writing under baseDir. An empty
// baseURL yields file:// URLs.
func NewLocalPublisher(baseDir, baseURL string, logger *logging.Logger) (*LocalPublisher, error) {
	if baseDir == "" {
		baseDir = "./renders"
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create publish directory %s: %w", baseDir, err)
	}
	return &LocalPublisher{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}, nil
}

// Publish copies the artifact into the publish tree and returns its URL
func (p *LocalPublisher) Publish(ctx context.Context, localPath string, job *models.RenderJob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := ObjectKey(job, time.Now())
	destPath := filepath.Join(p.baseDir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", &models.PublishError{Err: err}
	}
	if err := copyFile(localPath, destPath); err != nil {
		return "", &models.PublishError{Err: err}
	}

	url := p.artifactURL(key, destPath)
	p.logger.Info("[Publisher] Artifact published locally", map[string]interface{}{
		"job": job.ID,
		"key": key,
	})
	return url, nil
}

func (p *LocalPublisher) artifactURL(key, destPath string) string {
	if p.baseURL != "" {
		return p.baseURL + "/" + key
	}
	abs, err := filepath.Abs(destPath)
	if err != nil {
		abs = destPath
	}
	return "file://" + abs
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	return out.Close()
}
