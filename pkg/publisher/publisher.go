// Package publisher uploads finished render artifacts to durable storage and
// returns the URL persisted on the job. Rendering is done by the time a
// publisher runs; a publish failure fails the job without re-rendering.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/psantana5/renderflow/pkg/models"
)

// Publisher stores one finished artifact and returns its public URL
type Publisher interface {
	Publish(ctx context.Context, localPath string, job *models.RenderJob) (string, error)
}

// ObjectKey builds the storage key for a job's artifact. The job id plus the
// publish timestamp make re-renders collision free.
func ObjectKey(job *models.RenderJob, now time.Time) string {
	return fmt.Sprintf("renders/%s/%s-%d.%s", job.ProjectID, job.ID, now.Unix(), job.Settings.Format)
}

// ContentType maps the output container to its MIME type
func ContentType(format models.OutputFormat) string {
	switch format {
	case models.FormatMP4:
		return "video/mp4"
	case models.FormatMOV:
		return "video/quicktime"
	case models.FormatWebM:
		return "video/webm"
	case models.FormatAVI:
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}
