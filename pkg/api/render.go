package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/store"
)

// EnqueueRenderRequest is the body of POST /render/queue. OutputFormat and
// Quality override the matching settings fields when present.
type EnqueueRenderRequest struct {
	ProjectID    string                `json:"projectId" validate:"required"`
	UserID       string                `json:"userId" validate:"required"`
	Scenes       []models.Scene        `json:"scenes" validate:"required,min=1"`
	Settings     models.RenderSettings `json:"settings"`
	OutputFormat string                `json:"outputFormat,omitempty" validate:"omitempty,oneof=mp4 mov webm avi"`
	Quality      string                `json:"quality,omitempty" validate:"omitempty,oneof=draft standard high ultra"`
}

// EnqueueRenderResponse confirms a queued job
type EnqueueRenderResponse struct {
	JobID         string `json:"jobId"`
	EstimatedTime int    `json:"estimatedTime"` // seconds
}

// RenderStatusResponse is the polling view of one job
type RenderStatusResponse struct {
	ID           string           `json:"id"`
	Status       models.JobStatus `json:"status"`
	Progress     int              `json:"progress"`
	Attempts     int              `json:"attempts"`
	WorkerID     string           `json:"workerId,omitempty"`
	OutputURL    string           `json:"outputUrl,omitempty"`
	FailedReason string           `json:"failedReason,omitempty"`
}

// HandleEnqueueRender validates and enqueues a render job
func (h *RenderHandler) HandleEnqueueRender(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "validation failed",
			"fields": formatValidationErrors(err),
		})
		return
	}

	if h.limiter != nil && !h.limiter.Allow(req.UserID) {
		h.logger.Warn("[API] Enqueue rate limit exceeded", map[string]interface{}{
			"user": req.UserID,
		})
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	settings := req.Settings
	if req.OutputFormat != "" {
		settings.Format = models.OutputFormat(req.OutputFormat)
	}
	if req.Quality != "" {
		settings.Quality = models.QualityTier(req.Quality)
	}
	settings.Normalize()

	project := &models.Project{
		Width:     settings.Width,
		Height:    settings.Height,
		FrameRate: settings.FrameRate,
		Scenes:    req.Scenes,
		Quality:   settings.Quality,
		Format:    settings.Format,
	}

	job, estimate, err := h.queue.Enqueue(req.ProjectID, req.UserID, project, &settings)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": verr.Error(),
			})
			return
		}
		h.logger.Error("[API] Failed to enqueue render", map[string]interface{}{
			"project": req.ProjectID,
			"error":   err.Error(),
		})
		http.Error(w, "Failed to enqueue render", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusCreated, EnqueueRenderResponse{
		JobID:         job.ID,
		EstimatedTime: int(estimate.Round(time.Second).Seconds()),
	})
}

// HandleRenderStatus reports the current state of one job
func (h *RenderHandler) HandleRenderStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	job, err := h.queue.Job(jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			http.Error(w, fmt.Sprintf("Job not found: %s", jobID), http.StatusNotFound)
			return
		}
		h.logger.Error("[API] Failed to load job", map[string]interface{}{
			"job":   jobID,
			"error": err.Error(),
		})
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, RenderStatusResponse{
		ID:           job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		Attempts:     job.Attempts,
		WorkerID:     job.WorkerID,
		OutputURL:    job.OutputURL,
		FailedReason: job.FailedReason,
	})
}

// HandleCancelRender requests cancellation of a queued or processing job
func (h *RenderHandler) HandleCancelRender(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	err := h.queue.Cancel(jobID)
	switch {
	case err == nil:
		h.logger.Info("[API] Cancellation requested", map[string]interface{}{
			"job": jobID,
		})
		respondJSON(w, http.StatusOK, map[string]string{
			"id":     jobID,
			"status": string(models.JobStatusCancelled),
		})
	case errors.Is(err, store.ErrJobNotFound):
		http.Error(w, fmt.Sprintf("Job not found: %s", jobID), http.StatusNotFound)
	case errors.Is(err, models.ErrJobTerminal):
		respondJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
	default:
		h.logger.Error("[API] Failed to cancel job", map[string]interface{}{
			"job":   jobID,
			"error": err.Error(),
		})
		http.Error(w, "Failed to cancel job", http.StatusInternalServerError)
	}
}

// HandleListRenders returns the user's job summaries, newest first
func (h *RenderHandler) HandleListRenders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId query parameter is required", http.StatusBadRequest)
		return
	}

	summaries, err := h.queue.ListJobs(userID)
	if err != nil {
		h.logger.Error("[API] Failed to list jobs", map[string]interface{}{
			"user":  userID,
			"error": err.Error(),
		})
		http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, summaries)
}

// formatValidationErrors flattens validator errors into a field -> rule map
func formatValidationErrors(err error) map[string]string {
	fields := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			fields[e.Field()] = e.Tag()
		}
	}
	return fields
}
