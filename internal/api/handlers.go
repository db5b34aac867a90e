package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/bobarin/newsreel/internal/jobs"
	"github.com/bobarin/newsreel/internal/models"
	"github.com/bobarin/newsreel/internal/queue"
	"github.com/bobarin/newsreel/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBytes = 4 << 20

// History reads durable job records. *db.DB implements it.
type History interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.JobRecord, error)
}

type Handler struct {
	registry *jobs.Registry
	queue    queue.JobQueue
	store    *storage.Local
	history  History // nil when job history is disabled
}

func NewHandler(registry *jobs.Registry, q queue.JobQueue, store *storage.Local, history History) *Handler {
	return &Handler{
		registry: registry,
		queue:    q,
		store:    store,
		history:  history,
	}
}

// StartJob handles POST /v1/jobs
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	var req models.StartJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	spec := jobs.Spec{Keyword: req.Keyword}
	var story json.RawMessage
	if raw := bytes.TrimSpace(req.Story); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		doc, err := models.ParseStoryboard(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		spec.Story = doc
		story = raw
	}

	job, err := h.registry.Create(spec)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := queue.EnqueueRunJob(r.Context(), h.queue, job.ID(), spec.Keyword, story); err != nil {
		log.Printf("[API] Failed to enqueue job %s: %v", job.ID(), err)
		if errors.Is(err, queue.ErrFull) {
			respondError(w, http.StatusServiceUnavailable, "Too many jobs in progress")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.StartJobResponse{
		JobID:  job.ID(),
		Status: "started",
	})
}

// GetJobStatus handles GET /v1/jobs/{id}/status. A completed status is
// returned once; the job then reads as idle.
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.registry.Status(chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job status")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// GetJobHistory handles GET /v1/jobs/{id}/history
func (h *Handler) GetJobHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondError(w, http.StatusNotFound, "Job history is not enabled")
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}
	record, err := h.history.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// GetJobAsset handles GET /v1/jobs/{id}/assets/{filename}
func (h *Handler) GetJobAsset(w http.ResponseWriter, r *http.Request) {
	path, err := h.store.JobFile(chi.URLParam(r, "id"), chi.URLParam(r, "filename"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid asset name")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		respondError(w, http.StatusNotFound, "Asset not found")
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		respondError(w, http.StatusNotFound, "Asset not found")
		return
	}
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
