package models

import (
	"time"
)

// JobStatus represents the lifecycle status of a render job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// RenderJob represents one user-requested render tracked from enqueue to a
// terminal state. Project and Settings are snapshots taken at enqueue time;
// later edits to the live project never affect an in-flight job.
type RenderJob struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"projectId"`
	UserID       string            `json:"userId"`
	Project      Project           `json:"project"`
	Settings     RenderSettings    `json:"settings"`
	Status       JobStatus         `json:"status"`
	Priority     int               `json:"priority"`
	Progress     int               `json:"progress"` // 0-100, monotonic
	Attempts     int               `json:"attempts"`
	WorkerID     string            `json:"workerId,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	FinishedAt   *time.Time        `json:"finishedAt,omitempty"`
	OutputURL    string            `json:"outputUrl,omitempty"`
	FailedReason string            `json:"failedReason,omitempty"`
	Transitions  []StateTransition `json:"transitions,omitempty"`
}

// StateTransition tracks a job state change with its timestamp
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// JobSummary is the reduced job view returned by list endpoints
type JobSummary struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	Priority     int        `json:"priority"`
	CreatedAt    time.Time  `json:"createdAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	OutputURL    string     `json:"outputUrl,omitempty"`
	FailedReason string     `json:"failedReason,omitempty"`
}

// Summary returns the list-endpoint view of the job
func (j *RenderJob) Summary() JobSummary {
	return JobSummary{
		ID:           j.ID,
		ProjectID:    j.ProjectID,
		Status:       j.Status,
		Progress:     j.Progress,
		Priority:     j.Priority,
		CreatedAt:    j.CreatedAt,
		FinishedAt:   j.FinishedAt,
		OutputURL:    j.OutputURL,
		FailedReason: j.FailedReason,
	}
}

// QueueStats holds aggregate job counts by state
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// JobMetrics holds aggregate queue measurements for the metrics exporter
type JobMetrics struct {
	JobsByState     map[string]int64
	QueueLength     int64
	ActiveJobs      int64
	QueueByPriority map[int]int64
	AvgDuration     float64 // seconds, over completed jobs
}
