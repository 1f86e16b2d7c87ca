package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	goredis "github.com/redis/go-redis/v9"

	"github.com/docpipe/docpipe/pkg/models"
	"github.com/docpipe/docpipe/pkg/resources"
	"github.com/docpipe/docpipe/pkg/store"
	"github.com/docpipe/docpipe/pkg/taskqueue"
)

type apiFixture struct {
	router  *mux.Router
	store   *store.MemoryStore
	queue   *taskqueue.Queue
	dlq     *taskqueue.DeadLetters
	sample  *resources.Sample
	handler *Handler
}

func newAPIFixture(t *testing.T, limits resources.Limits) *apiFixture {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sample := &resources.Sample{}
	monitor := resources.NewMonitorWithSampler(limits, func() (resources.Sample, error) {
		s := *sample
		s.SampledAt = time.Now()
		return s, nil
	})

	st := store.NewMemoryStore()
	queue := taskqueue.New(client)
	dlq := taskqueue.NewDeadLetters(client)
	handler := NewHandler(st, queue, dlq, monitor)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	return &apiFixture{
		router:  router,
		store:   st,
		queue:   queue,
		dlq:     dlq,
		sample:  sample,
		handler: handler,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})

	rec := f.do(t, "POST", "/ocr/jobs", map[string]interface{}{
		"document_id":    "doc-1",
		"transaction_id": "txn-1",
		"request_id":     77,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("expected pending, got %s", job.Status)
	}
	if job.Provider != "external-ocr" {
		t.Errorf("expected default provider, got %s", job.Provider)
	}
	if job.RequestID != 77 {
		t.Errorf("request id not carried, got %d", job.RequestID)
	}

	stored, err := f.store.GetJob(job.ID)
	if err != nil || stored.DocumentID != "doc-1" {
		t.Errorf("job not persisted: %v %+v", err, stored)
	}
}

func TestCreateJobValidation(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})

	rec := f.do(t, "POST", "/ocr/jobs", map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without document_id, got %d", rec.Code)
	}
}

func TestCreateJobUnderMemoryPressure(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{MaxMemoryMB: 100})
	f.sample.RSSMB = 200

	rec := f.do(t, "POST", "/ocr/jobs", map[string]interface{}{"document_id": "doc-1"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 503")
	}
	if len(f.store.GetAllJobs()) != 0 {
		t.Error("no job must be created when admission is rejected")
	}
}

func seedAPIJob(t *testing.T, f *apiFixture, status models.JobStatus) *models.Job {
	t.Helper()

	job := &models.Job{
		ID:          uuid.NewString(),
		DocumentID:  "doc-1",
		Provider:    "external-ocr",
		Status:      models.JobStatusPending,
		RequestedAt: time.Now(),
	}
	if err := f.store.CreateJob(job); err != nil {
		t.Fatal(err)
	}

	switch status {
	case models.JobStatusPending:
	case models.JobStatusRunning:
		f.store.ClaimNextPending()
		f.store.MarkRunning(job.ID)
	case models.JobStatusCompleted:
		f.store.ClaimNextPending()
		f.store.MarkRunning(job.ID)
		f.store.CompleteJob(job.ID, map[string]interface{}{"text": "done"})
	case models.JobStatusError:
		f.store.ClaimNextPending()
		f.store.MarkRunning(job.ID)
		f.store.FailJob(job.ID, "boom")
	default:
		t.Fatalf("unsupported seed status %s", status)
	}

	job.Status = status
	return job
}

func TestRetryEndpoint(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})
	job := seedAPIJob(t, f, models.JobStatusError)

	rec := f.do(t, "POST", "/ocr/jobs/"+job.ID+"/retry", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var got models.Job
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != models.JobStatusPending || got.RetryCount != 1 {
		t.Errorf("unexpected job after retry: %+v", got)
	}

	// Second retry hits a pending job and is rejected
	rec = f.do(t, "POST", "/ocr/jobs/"+job.ID+"/retry", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 retrying pending job, got %d", rec.Code)
	}

	rec = f.do(t, "POST", "/ocr/jobs/missing/retry", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})
	job := seedAPIJob(t, f, models.JobStatusRunning)

	rec := f.do(t, "POST", "/ocr/jobs/"+job.ID+"/cancel", map[string]string{"reason": "wrong document"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	stored, _ := f.store.GetJob(job.ID)
	if stored.Status != models.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", stored.Status)
	}
	if stored.ErrorMessage != "wrong document" {
		t.Errorf("reason not recorded: %q", stored.ErrorMessage)
	}

	// Terminal job cannot be cancelled again
	rec = f.do(t, "POST", "/ocr/jobs/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cannot be cancelled") {
		t.Errorf("conflict body should name the rejection: %s", rec.Body.String())
	}
}

func TestQueueAndHistoryEndpoints(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})
	seedAPIJob(t, f, models.JobStatusPending)
	seedAPIJob(t, f, models.JobStatusCompleted)
	seedAPIJob(t, f, models.JobStatusError)

	rec := f.do(t, "GET", "/ocr/jobs/queue", nil)
	var queued []*models.Job
	json.Unmarshal(rec.Body.Bytes(), &queued)
	if len(queued) != 1 {
		t.Errorf("expected 1 queued job, got %d", len(queued))
	}

	rec = f.do(t, "GET", "/ocr/jobs/history", nil)
	var history []*models.Job
	json.Unmarshal(rec.Body.Bytes(), &history)
	if len(history) != 2 {
		t.Errorf("expected 2 historical jobs, got %d", len(history))
	}
}

func TestJobResultEndpoint(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})
	done := seedAPIJob(t, f, models.JobStatusCompleted)
	running := seedAPIJob(t, f, models.JobStatusRunning)

	rec := f.do(t, "GET", "/ocr/jobs/"+done.ID+"/result", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &result)
	if result["text"] != "done" {
		t.Errorf("unexpected result: %+v", result)
	}

	rec = f.do(t, "GET", "/ocr/jobs/"+running.ID+"/result", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for unfinished job, got %d", rec.Code)
	}
}

func TestExternalWebhook(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})

	job := &models.Job{
		ID:            uuid.NewString(),
		DocumentID:    "doc-1",
		Provider:      "external-ocr",
		Status:        models.JobStatusPending,
		RequestedAt:   time.Now(),
		TransactionID: "txn-1",
		RequestID:     500,
	}
	if err := f.store.CreateJob(job); err != nil {
		t.Fatal(err)
	}
	f.store.ClaimNextPending()

	rec := f.do(t, "POST", "/ocr/webhook/external", map[string]interface{}{
		"request_id": 500,
		"status":     "completed",
		"result":     map[string]interface{}{"pages": 2},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	stored, _ := f.store.GetJob(job.ID)
	if stored.Status != models.JobStatusCompleted {
		t.Errorf("expected completed, got %s", stored.Status)
	}
}

func TestExternalWebhookFailure(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})

	f2job := &models.Job{
		ID:            uuid.NewString(),
		DocumentID:    "doc-2",
		Provider:      "external-ocr",
		Status:        models.JobStatusPending,
		RequestedAt:   time.Now(),
		TransactionID: "txn-fail",
	}
	if err := f.store.CreateJob(f2job); err != nil {
		t.Fatal(err)
	}
	f.store.ClaimNextPending()
	f.store.MarkRunning(f2job.ID)

	rec := f.do(t, "POST", "/ocr/webhook/external", map[string]interface{}{
		"transaction_id": "txn-fail",
		"status":         "failed",
		"error":          "low confidence",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	got, _ := f.store.GetJob(f2job.ID)
	if got.Status != models.JobStatusError || got.ErrorMessage != "low confidence" {
		t.Errorf("unexpected job after failure webhook: %+v", got)
	}
}

func TestExternalWebhookAmbiguous(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})

	for i := 0; i < 2; i++ {
		job := &models.Job{
			ID:            uuid.NewString(),
			DocumentID:    fmt.Sprintf("doc-%d", i),
			Provider:      "external-ocr",
			Status:        models.JobStatusPending,
			RequestedAt:   time.Now(),
			TransactionID: "txn-dupe",
		}
		if err := f.store.CreateJob(job); err != nil {
			t.Fatal(err)
		}
	}

	rec := f.do(t, "POST", "/ocr/webhook/external", map[string]interface{}{
		"transaction_id": "txn-dupe",
		"status":         "completed",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for ambiguous correlation, got %d", rec.Code)
	}

	// Nothing was mutated
	for _, job := range f.store.GetAllJobs() {
		if job.Status != models.JobStatusPending {
			t.Errorf("job %s mutated on ambiguous webhook: %s", job.ID, job.Status)
		}
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})
	ctx := context.Background()
	job := seedAPIJob(t, f, models.JobStatusError)

	entry := &taskqueue.DeadLetter{
		JobID:        job.ID,
		DocumentID:   job.DocumentID,
		Provider:     job.Provider,
		ErrorMessage: "boom",
		RetryCount:   3,
	}
	if err := f.dlq.Push(ctx, entry); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, "GET", "/ocr/dlq", nil)
	var entries []*taskqueue.DeadLetter
	json.Unmarshal(rec.Body.Bytes(), &entries)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	rec = f.do(t, "POST", "/ocr/dlq/"+job.ID+"/requeue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	stored, _ := f.store.GetJob(job.ID)
	if stored.Status != models.JobStatusPending {
		t.Errorf("expected pending after requeue, got %s", stored.Status)
	}

	size, _ := f.dlq.Size(ctx)
	if size != 0 {
		t.Errorf("entry should be removed from the list, size=%d", size)
	}

	rec = f.do(t, "POST", "/ocr/dlq/"+job.ID+"/requeue", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing entry, got %d", rec.Code)
	}
}

func TestTaskEndpoints(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})
	ctx := context.Background()

	rec := f.do(t, "POST", "/llm/tasks", map[string]interface{}{
		"document_id": "doc-1",
		"type":        "summary",
		"text":        "summarize this",
		"priority":    5,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var task models.Task
	json.Unmarshal(rec.Body.Bytes(), &task)
	if task.Priority != 5 || task.Type != models.TaskTypeSummary {
		t.Errorf("unexpected task: %+v", task)
	}

	rec = f.do(t, "GET", "/llm/tasks/"+task.ID+"/result", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 before result, got %d", rec.Code)
	}

	if _, err := f.queue.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.ReportResult(ctx, &models.TaskResult{TaskID: task.ID, Result: "short"}); err != nil {
		t.Fatal(err)
	}

	rec = f.do(t, "GET", "/llm/tasks/"+task.ID+"/result", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result models.TaskResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if result.Result != "short" {
		t.Errorf("unexpected result: %+v", result)
	}

	rec = f.do(t, "GET", "/llm/queue/stats", nil)
	var stats taskqueue.Stats
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.Pending != 0 || stats.Processing != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestTaskValidation(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})

	rec := f.do(t, "POST", "/llm/tasks", map[string]interface{}{
		"document_id": "doc-1",
		"type":        "translate",
		"text":        "hello",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown task type, got %d", rec.Code)
	}
}

func TestResourcesEndpoint(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{MaxMemoryMB: 512, JobTimeout: time.Minute})
	f.sample.RSSMB = 42

	rec := f.do(t, "GET", "/system/resources", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp resourcesResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Usage.RSSMB != 42 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Limits.MaxMemoryMB != 512 || resp.Limits.JobTimeoutSec != 60 {
		t.Errorf("unexpected limits: %+v", resp.Limits)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t, resources.Limits{})

	rec := f.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var status map[string]string
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status["status"] != "healthy" {
		t.Errorf("unexpected health: %+v", status)
	}
}
