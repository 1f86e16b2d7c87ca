package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/docpipe/docpipe/pkg/models"
)

func setupQueue(t *testing.T) (*Queue, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client), client
}

func newTask(priority int) *models.Task {
	return &models.Task{
		ID:         uuid.NewString(),
		DocumentID: "doc-1",
		Type:       models.TaskTypeSummary,
		Text:       "summarize this",
		Priority:   priority,
	}
}

func TestQueueDrainOrder(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	low1 := newTask(1)
	high := newTask(5)
	low2 := newTask(1)
	mid := newTask(3)

	for _, task := range []*models.Task{low1, high, low2, mid} {
		if err := q.Submit(ctx, task); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	// Priority descending, FIFO within the same band
	want := []string{high.ID, mid.ID, low1.ID, low2.ID}
	for i, expected := range want {
		task, err := q.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext %d failed: %v", i, err)
		}
		if task.ID != expected {
			t.Errorf("claim %d: expected %s, got %s", i, expected, task.ID)
		}
		if task.Status != models.TaskStatusProcessing {
			t.Errorf("claim %d: expected processing status, got %s", i, task.Status)
		}
	}

	if _, err := q.ClaimNext(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("expected ErrQueueEmpty on drained queue, got %v", err)
	}
}

func TestReportResultFirstWriteWins(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	task := newTask(2)
	if err := q.Submit(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := q.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}

	first := &models.TaskResult{TaskID: task.ID, Result: "the summary"}
	recorded, err := q.ReportResult(ctx, first)
	if err != nil {
		t.Fatalf("ReportResult failed: %v", err)
	}
	if !recorded {
		t.Error("first report should be recorded")
	}

	dupe := &models.TaskResult{TaskID: task.ID, Result: "a different summary"}
	recorded, err = q.ReportResult(ctx, dupe)
	if err != nil {
		t.Fatalf("duplicate ReportResult failed: %v", err)
	}
	if recorded {
		t.Error("duplicate report must not be recorded")
	}

	got, err := q.GetResult(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if got.Result != "the summary" {
		t.Errorf("duplicate report overwrote result: %q", got.Result)
	}

	stored, err := q.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.TaskStatusCompleted {
		t.Errorf("expected completed status, got %s", stored.Status)
	}
}

func TestReportResultFailure(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	task := newTask(2)
	if err := q.Submit(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := q.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}

	result := &models.TaskResult{TaskID: task.ID, Error: "model refused"}
	if _, err := q.ReportResult(ctx, result); err != nil {
		t.Fatal(err)
	}

	stored, err := q.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.TaskStatusFailed {
		t.Errorf("expected failed status, got %s", stored.Status)
	}

	// Failed tasks stay failed: the queue never re-enqueues them
	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 0 {
		t.Errorf("failed task must not return to the queue, pending=%d", stats.Pending)
	}
}

func TestGetResultErrors(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	if _, err := q.GetResult(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound for unknown task, got %v", err)
	}

	task := newTask(1)
	if err := q.Submit(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := q.GetResult(ctx, task.ID); !errors.Is(err, ErrResultNotReady) {
		t.Errorf("expected ErrResultNotReady, got %v", err)
	}
}

func TestGetStats(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Submit(ctx, newTask(1)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := q.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 2 || stats.Processing != 1 {
		t.Errorf("expected 2 pending / 1 processing, got %+v", stats)
	}
}

func TestRequeueStuck(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	task := newTask(4)
	if err := q.Submit(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := q.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}

	// Inside the threshold, nothing is stuck yet
	n, err := q.RequeueStuck(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected 0 requeued within threshold, got %d", n)
	}

	time.Sleep(5 * time.Millisecond)
	n, err = q.RequeueStuck(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 requeued, got %d", n)
	}

	reclaimed, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext after requeue failed: %v", err)
	}
	if reclaimed.ID != task.ID {
		t.Errorf("expected requeued task %s, got %s", task.ID, reclaimed.ID)
	}
}

func TestRequeueStuckSkipsReported(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	task := newTask(4)
	if err := q.Submit(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := q.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := q.ReportResult(ctx, &models.TaskResult{TaskID: task.ID, Result: "done"}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	n, err := q.RequeueStuck(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("completed task must not be requeued, got %d", n)
	}
}

func TestDeadLetters(t *testing.T) {
	_, client := setupQueue(t)
	dlq := NewDeadLetters(client)
	ctx := context.Background()

	entry := &DeadLetter{
		JobID:        uuid.NewString(),
		DocumentID:   "doc-dead",
		Provider:     "external-ocr",
		ErrorMessage: "provider unreachable",
		RetryCount:   3,
	}
	if err := dlq.Push(ctx, entry); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	size, err := dlq.Size(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if size != 1 {
		t.Errorf("expected size 1, got %d", size)
	}

	entries, err := dlq.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].JobID != entry.JobID {
		t.Errorf("unexpected entries: %+v", entries)
	}

	taken, err := dlq.Take(ctx, entry.JobID)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if taken.ErrorMessage != "provider unreachable" {
		t.Errorf("unexpected entry: %+v", taken)
	}

	if _, err := dlq.Take(ctx, entry.JobID); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound after take, got %v", err)
	}
}
