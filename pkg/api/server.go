// Package api is the HTTP boundary: job submission and polling.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/renderq/renderq/pkg/compiler"
	"github.com/renderq/renderq/pkg/logging"
	"github.com/renderq/renderq/pkg/models"
	"github.com/renderq/renderq/pkg/store"
)

// Handler serves the job API.
type Handler struct {
	store   store.Store
	log     *logging.Logger
	metrics http.Handler
}

// NewHandler creates the API handler. metricsHandler may be nil, in
// which case /metrics is not registered.
func NewHandler(s store.Store, log *logging.Logger, metricsHandler http.Handler) *Handler {
	return &Handler{store: s, log: log, metrics: metricsHandler}
}

// RegisterRoutes attaches all endpoints to the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/jobs", h.CreateJob).Methods("POST")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}
}

// CreateJob accepts a submission, validates it structurally, and
// queues it. Validation here is the cheap kind only; asset existence
// is the worker's problem.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	input := models.JobInput{
		Source:       req.Source,
		TrimStartSec: req.TrimStartSec,
		TrimEndSec:   req.TrimEndSec,
		Plan:         req.Plan,
	}
	if err := validateInput(input); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := &models.Job{
		ID:        uuid.NewString(),
		Input:     input,
		CreatedAt: time.Now(),
	}
	if err := h.store.Insert(job); err != nil {
		h.log.Error("Failed to insert job", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to create job", http.StatusInternalServerError)
		return
	}

	h.log.Info("Job queued", map[string]interface{}{"job_id": job.ID})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(job)
}

// ListJobs returns all jobs, newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.List()
	if err != nil {
		h.log.Error("Failed to list jobs", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob returns one job by ID. Clients poll this until the state is
// terminal.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.store.Get(id)
	if err == store.ErrNotFound {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("Failed to get job", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to get job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// Health reports liveness plus queue counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByState()
	if err != nil {
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"jobs":   counts,
	})
}

func validateInput(input models.JobInput) error {
	if input.Plan != nil {
		return compiler.Validate(input.Plan)
	}
	if input.Source == "" {
		return fmt.Errorf("either plan or source is required")
	}
	if input.TrimStartSec < 0 {
		return fmt.Errorf("trim_start_sec must not be negative")
	}
	if input.TrimEndSec <= input.TrimStartSec {
		return fmt.Errorf("trim_end_sec must be greater than trim_start_sec")
	}
	return nil
}
