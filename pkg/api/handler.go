// Package api implements the HTTP control surface of the render service:
// enqueue, status, cancel, job listing, queue stats and the preset catalog.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/psantana5/renderflow/pkg/logging"
	"github.com/psantana5/renderflow/pkg/models"
	"github.com/psantana5/renderflow/pkg/queue"
	"github.com/psantana5/renderflow/pkg/ratelimit"
	"github.com/psantana5/renderflow/pkg/store"
)

// RenderHandler serves the render control API over the job queue
type RenderHandler struct {
	queue    *queue.Queue
	store    store.Store
	logger   *logging.Logger
	validate *validator.Validate
	limiter  *ratelimit.Limiter
	started  time.Time
}

// NewRenderHandler creates an API handler without enqueue rate limiting
func NewRenderHandler(q *queue.Queue, st store.Store, logger *logging.Logger) *RenderHandler {
	return &RenderHandler{
		queue:    q,
		store:    st,
		logger:   logger,
		validate: validator.New(),
		started:  time.Now(),
	}
}

// NewRenderHandlerWithLimiter creates an API handler that rate limits
// enqueue requests per user
func NewRenderHandlerWithLimiter(q *queue.Queue, st store.Store, logger *logging.Logger, limiter *ratelimit.Limiter) *RenderHandler {
	h := NewRenderHandler(q, st, logger)
	h.limiter = limiter
	return h
}

// RegisterRoutes registers all API routes
func (h *RenderHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/render/queue", h.HandleEnqueueRender).Methods("POST")
	r.HandleFunc("/render/status/{jobId}", h.HandleRenderStatus).Methods("GET")
	r.HandleFunc("/render/cancel/{jobId}", h.HandleCancelRender).Methods("DELETE")
	r.HandleFunc("/render/jobs", h.HandleListRenders).Methods("GET")
	r.HandleFunc("/render/queue/stats", h.HandleQueueStats).Methods("GET")
	r.HandleFunc("/render/presets", h.HandleListPresets).Methods("GET")
	r.HandleFunc("/health", h.HandleHealth).Methods("GET")
}

// HandleQueueStats returns aggregate job counts by state
func (h *RenderHandler) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats()
	if err != nil {
		h.logger.Error("[API] Failed to read queue stats", map[string]interface{}{
			"error": err.Error(),
		})
		http.Error(w, "Failed to read queue stats", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// HandleListPresets returns the static quality, format and aspect catalog
func (h *RenderHandler) HandleListPresets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, presetCatalog())
}

// HandleHealth reports service liveness and store reachability
func (h *RenderHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.store.HealthCheck(); err != nil {
		h.logger.Error("[API] Store health check failed", map[string]interface{}{
			"error": err.Error(),
		})
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, map[string]interface{}{
		"status": status,
		"uptime": time.Since(h.started).Round(time.Second).String(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// respondJSON writes v as the JSON response body
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// QualityPreset describes one quality tier to clients
type QualityPreset struct {
	Name         string `json:"name"`
	VideoBitrate string `json:"videoBitrate"`
	AudioBitrate string `json:"audioBitrate"`
	Priority     int    `json:"priority"`
}

// FormatPreset describes one output container to clients
type FormatPreset struct {
	Name       string `json:"name"`
	VideoCodec string `json:"videoCodec"`
	AudioCodec string `json:"audioCodec"`
}

// AspectPreset describes a common output geometry
type AspectPreset struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Label  string `json:"label"`
}

// PresetCatalog is the GET /render/presets response
type PresetCatalog struct {
	Qualities    []QualityPreset `json:"qualities"`
	Formats      []FormatPreset  `json:"formats"`
	AspectRatios []AspectPreset  `json:"aspectRatios"`
}

func presetCatalog() PresetCatalog {
	tiers := []models.QualityTier{
		models.QualityDraft,
		models.QualityStandard,
		models.QualityHigh,
		models.QualityUltra,
	}
	formats := []models.OutputFormat{
		models.FormatMP4,
		models.FormatMOV,
		models.FormatWebM,
		models.FormatAVI,
	}

	var catalog PresetCatalog
	for _, tier := range tiers {
		catalog.Qualities = append(catalog.Qualities, QualityPreset{
			Name:         string(tier),
			VideoBitrate: tier.VideoBitrate(),
			AudioBitrate: tier.AudioBitrate(),
			Priority:     tier.Priority(),
		})
	}
	for _, format := range formats {
		catalog.Formats = append(catalog.Formats, FormatPreset{
			Name:       string(format),
			VideoCodec: format.VideoCodec(),
			AudioCodec: format.AudioCodec(),
		})
	}
	catalog.AspectRatios = []AspectPreset{
		{Name: "16:9", Width: 1920, Height: 1080, Label: "landscape"},
		{Name: "9:16", Width: 1080, Height: 1920, Label: "vertical"},
		{Name: "1:1", Width: 1080, Height: 1080, Label: "square"},
		{Name: "4:5", Width: 1080, Height: 1350, Label: "portrait"},
	}
	return catalog
}
