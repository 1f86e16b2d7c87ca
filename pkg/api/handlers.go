package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/docpipe/docpipe/pkg/models"
	"github.com/docpipe/docpipe/pkg/resources"
	"github.com/docpipe/docpipe/pkg/store"
	"github.com/docpipe/docpipe/pkg/taskqueue"
)

// retryAfterSeconds is returned with 503 responses so clients back off
const retryAfterSeconds = "30"

// Handler serves the document pipeline HTTP API
type Handler struct {
	store   store.Store
	queue   *taskqueue.Queue
	dlq     *taskqueue.DeadLetters
	monitor *resources.Monitor
}

// NewHandler creates an API handler
func NewHandler(st store.Store, queue *taskqueue.Queue, dlq *taskqueue.DeadLetters,
	monitor *resources.Monitor) *Handler {
	return &Handler{
		store:   st,
		queue:   queue,
		dlq:     dlq,
		monitor: monitor,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// OCR job routes (register specific routes before parameterized routes)
	r.HandleFunc("/ocr/jobs", h.CreateJob).Methods("POST")
	r.HandleFunc("/ocr/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/ocr/jobs/queue", h.GetQueue).Methods("GET")
	r.HandleFunc("/ocr/jobs/history", h.GetHistory).Methods("GET")
	r.HandleFunc("/ocr/dlq", h.ListDeadLetters).Methods("GET")
	r.HandleFunc("/ocr/dlq/{id}/requeue", h.RequeueDeadLetter).Methods("POST")
	r.HandleFunc("/ocr/webhook/external", h.ExternalWebhook).Methods("POST")
	r.HandleFunc("/ocr/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/ocr/jobs/{id}/result", h.GetJobResult).Methods("GET")
	r.HandleFunc("/ocr/jobs/{id}/retry", h.RetryJob).Methods("POST")
	r.HandleFunc("/ocr/jobs/{id}/cancel", h.CancelJob).Methods("POST")

	// LLM task routes
	r.HandleFunc("/llm/tasks", h.SubmitTask).Methods("POST")
	r.HandleFunc("/llm/tasks/{id}", h.GetTask).Methods("GET")
	r.HandleFunc("/llm/tasks/{id}/result", h.GetTaskResult).Methods("GET")
	r.HandleFunc("/llm/queue/stats", h.GetQueueStats).Methods("GET")

	// System routes
	r.HandleFunc("/system/resources", h.GetResources).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// CreateJob enqueues a new OCR job. Submission is gated by the same
// memory admission check the workers use.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DocumentID == "" {
		http.Error(w, "document_id is required", http.StatusBadRequest)
		return
	}

	if err := h.monitor.CanStartJob(); err != nil {
		log.Printf("Rejecting job submission: %v", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		http.Error(w, "Server under memory pressure, retry later", http.StatusServiceUnavailable)
		return
	}

	provider := req.Provider
	if provider == "" {
		provider = "external-ocr"
	}

	job := &models.Job{
		ID:            uuid.NewString(),
		DocumentID:    req.DocumentID,
		Provider:      provider,
		Status:        models.JobStatusPending,
		RequestedAt:   time.Now(),
		InterfaceID:   req.InterfaceID,
		TransactionID: req.TransactionID,
		RequestID:     req.RequestID,
	}

	if err := h.store.CreateJob(job); err != nil {
		log.Printf("Failed to create job: %v", err)
		http.Error(w, "Failed to create job", http.StatusInternalServerError)
		return
	}

	log.Printf("Created OCR job %s for document %s", job.ID, job.DocumentID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(job)
}

// ListJobs returns all jobs, optionally filtered by document id
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if documentID := r.URL.Query().Get("document_id"); documentID != "" {
		jobs, err := h.store.GetJobsByDocument(documentID)
		if err != nil {
			http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
			return
		}
		writeJSON(w, jobs)
		return
	}

	writeJSON(w, h.store.GetAllJobs())
}

// GetQueue returns jobs waiting for or holding a claim
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.GetJobsInStates(models.JobStatusPending, models.JobStatusTriggered)
	if err != nil {
		http.Error(w, "Failed to read queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, jobs)
}

// GetHistory returns jobs in terminal states
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.GetJobsInStates(
		models.JobStatusCompleted, models.JobStatusError, models.JobStatusCancelled)
	if err != nil {
		http.Error(w, "Failed to read history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, jobs)
}

// GetJob returns a single job
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(mux.Vars(r)["id"])
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, job)
}

// GetJobResult returns the stored OCR result for a completed job
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(mux.Vars(r)["id"])
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get job", http.StatusInternalServerError)
		return
	}

	if job.Status != models.JobStatusCompleted {
		http.Error(w, "Job has no result yet", http.StatusConflict)
		return
	}
	writeJSON(w, job.Result)
}

// RetryJob resets a failed job to pending
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.store.RetryJob(id)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "Failed to retry job", http.StatusInternalServerError)
		return
	}

	log.Printf("Job %s re-queued by operator (attempt %d)", id, job.RetryCount)
	writeJSON(w, job)
}

// CancelJob cancels a non-terminal job
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "cancelled by user"
	}

	job, err := h.store.GetJob(id)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to cancel job", http.StatusInternalServerError)
		return
	}
	// Pre-check for a clear message; the store transition stays authoritative.
	if !models.CanCancel(job.Status) {
		http.Error(w, fmt.Sprintf("job %s in status %s cannot be cancelled", id, job.Status), http.StatusConflict)
		return
	}

	err = h.store.CancelJob(id, body.Reason)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "Failed to cancel job", http.StatusInternalServerError)
		return
	}

	log.Printf("Job %s cancelled: %s", id, body.Reason)
	job, _ = h.store.GetJob(id)
	writeJSON(w, job)
}

// webhookPayload is the completion callback sent by the OCR provider
type webhookPayload struct {
	RequestID     int64                  `json:"request_id"`
	TransactionID string                 `json:"transaction_id"`
	Status        string                 `json:"status"`
	Result        map[string]interface{} `json:"result"`
	Error         string                 `json:"error"`
}

// ExternalWebhook receives completion callbacks from the OCR provider.
// The job is resolved by request id first, transaction id second; a
// lookup that does not match exactly one job mutates nothing.
func (h *Handler) ExternalWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := h.store.FindByCorrelation(payload.RequestID, payload.TransactionID)
	if errors.Is(err, store.ErrAmbiguousCorrelation) {
		log.Printf("Webhook not correlated: %v", err)
		http.Error(w, "No unique matching job", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to resolve job", http.StatusInternalServerError)
		return
	}

	// The provider may call back before a local worker observed the start
	if job.Status == models.JobStatusTriggered {
		if err := h.store.MarkRunning(job.ID); err != nil {
			log.Printf("Webhook for job %s: %v", job.ID, err)
		}
	}

	switch payload.Status {
	case "completed", "success":
		err = h.store.CompleteJob(job.ID, payload.Result)
	default:
		message := payload.Error
		if message == "" {
			message = "provider reported status " + payload.Status
		}
		err = h.store.FailJob(job.ID, message)
	}

	if errors.Is(err, store.ErrInvalidTransition) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "Failed to record outcome", http.StatusInternalServerError)
		return
	}

	log.Printf("Webhook resolved job %s with status %s", job.ID, payload.Status)
	w.WriteHeader(http.StatusNoContent)
}

// ListDeadLetters returns all dead-lettered jobs
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dlq.List(r.Context())
	if err != nil {
		http.Error(w, "Failed to list dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

// RequeueDeadLetter removes a job from the dead letter list and resets
// it to pending via the explicit retry operation
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	entry, err := h.dlq.Take(r.Context(), id)
	if errors.Is(err, taskqueue.ErrEntryNotFound) {
		http.Error(w, "Dead letter entry not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to read dead letters", http.StatusInternalServerError)
		return
	}

	job, err := h.store.RetryJob(entry.JobID)
	if err != nil {
		// Put the entry back so it is not lost
		h.dlq.Push(r.Context(), entry)
		if errors.Is(err, store.ErrInvalidTransition) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "Failed to requeue job", http.StatusInternalServerError)
		return
	}

	log.Printf("Dead letter %s re-queued by operator", entry.JobID)
	writeJSON(w, job)
}

// taskRequest is the submission body for an LLM task
type taskRequest struct {
	DocumentID string          `json:"document_id"`
	Type       models.TaskType `json:"type"`
	Text       string          `json:"text"`
	Schema     string          `json:"schema,omitempty"`
	Priority   int             `json:"priority"`
}

// SubmitTask enqueues a new LLM task
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DocumentID == "" || req.Text == "" {
		http.Error(w, "document_id and text are required", http.StatusBadRequest)
		return
	}
	switch req.Type {
	case models.TaskTypeSummary, models.TaskTypeExtraction, models.TaskTypeInsight:
	default:
		http.Error(w, "Unknown task type", http.StatusBadRequest)
		return
	}

	task := &models.Task{
		ID:         uuid.NewString(),
		DocumentID: req.DocumentID,
		Type:       req.Type,
		Text:       req.Text,
		Schema:     req.Schema,
		Priority:   req.Priority,
	}

	if err := h.queue.Submit(r.Context(), task); err != nil {
		log.Printf("Failed to submit task: %v", err)
		http.Error(w, "Failed to submit task", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(task)
}

// GetTask returns a single LLM task
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.queue.GetTask(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, taskqueue.ErrTaskNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, task)
}

// GetTaskResult returns a task's result once it has been reported
func (h *Handler) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.queue.GetResult(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, taskqueue.ErrTaskNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, taskqueue.ErrResultNotReady) {
		http.Error(w, "Result not ready", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get result", http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

// GetQueueStats returns pending and processing task counts
func (h *Handler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.GetStats(r.Context())
	if err != nil {
		http.Error(w, "Failed to read queue stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

// resourcesResponse reports current usage, limits, and active jobs
type resourcesResponse struct {
	Usage      resources.Sample `json:"usage"`
	ActiveJobs int              `json:"active_jobs"`
	Limits     struct {
		MaxMemoryMB      float64 `json:"max_memory_mb"`
		MaxMemoryPercent float64 `json:"max_memory_percent"`
		JobTimeoutSec    float64 `json:"job_timeout_seconds"`
	} `json:"limits"`
}

// GetResources returns a point-in-time resource snapshot
func (h *Handler) GetResources(w http.ResponseWriter, r *http.Request) {
	sample, active, err := h.monitor.Snapshot()
	if err != nil {
		http.Error(w, "Failed to sample resources", http.StatusInternalServerError)
		return
	}

	resp := resourcesResponse{Usage: sample, ActiveJobs: active}
	limits := h.monitor.Limits()
	resp.Limits.MaxMemoryMB = limits.MaxMemoryMB
	resp.Limits.MaxMemoryPercent = limits.MaxMemoryPercent
	resp.Limits.JobTimeoutSec = limits.JobTimeout.Seconds()

	writeJSON(w, resp)
}

// Health reports liveness of the store and queue
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "healthy"}
	code := http.StatusOK

	if err := h.store.HealthCheck(); err != nil {
		status["status"] = "unhealthy"
		status["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if h.queue != nil {
		if err := h.queue.HealthCheck(r.Context()); err != nil {
			status["status"] = "unhealthy"
			status["queue"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
