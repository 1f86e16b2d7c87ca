package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/docpipe/docpipe/pkg/models"
)

const (
	queueKey      = "llm:queue"
	processingKey = "llm:processing"
	sequenceKey   = "llm:seq"
)

func taskKey(id string) string   { return "llm:task:" + id }
func resultKey(id string) string { return "llm:result:" + id }

// Config holds Redis connection settings for the task queue
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Queue is a Redis-backed priority queue for LLM tasks. Ordering is by
// priority descending, FIFO within the same priority band.
type Queue struct {
	client *goredis.Client
}

// New wraps an existing Redis client
func New(client *goredis.Client) *Queue {
	return &Queue{client: client}
}

// Dial connects to Redis and verifies the connection
func Dial(ctx context.Context, cfg Config) (*Queue, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("taskqueue: connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// taskScore computes a sorted-set score from priority and submission
// sequence. Lower score pops first, so priority is negated; the fractional
// sequence component keeps FIFO order within a priority band.
func taskScore(priority int, sequence int64) float64 {
	return float64(-priority) + float64(sequence)/1e15
}

// Submit assigns a submission sequence to the task and enqueues it
func (q *Queue) Submit(ctx context.Context, task *models.Task) error {
	seq, err := q.client.Incr(ctx, sequenceKey).Result()
	if err != nil {
		return fmt.Errorf("taskqueue: allocate sequence: %w", err)
	}

	task.Sequence = seq
	task.Status = models.TaskStatusPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("taskqueue: marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), payload, 0)
	pipe.ZAdd(ctx, queueKey, goredis.Z{
		Score:  taskScore(task.Priority, seq),
		Member: task.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("taskqueue: submit task: %w", err)
	}
	return nil
}

// ClaimNext pops the highest-priority pending task and marks it processing
func (q *Queue) ClaimNext(ctx context.Context) (*models.Task, error) {
	members, err := q.client.ZPopMin(ctx, queueKey, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("taskqueue: zpopmin: %w", err)
	}
	if len(members) == 0 {
		return nil, ErrQueueEmpty
	}

	id, ok := members[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("taskqueue: unexpected member type %T", members[0].Member)
	}

	task, err := q.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	task.Status = models.TaskStatusProcessing
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, taskKey(id), payload, 0)
	pipe.HSet(ctx, processingKey, id, time.Now().UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("taskqueue: claim task: %w", err)
	}

	return task, nil
}

// GetTask retrieves a task by id
func (q *Queue) GetTask(ctx context.Context, id string) (*models.Task, error) {
	payload, err := q.client.Get(ctx, taskKey(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue: get task: %w", err)
	}

	var task models.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, fmt.Errorf("taskqueue: unmarshal task: %w", err)
	}
	return &task, nil
}

// ReportResult records a task result. The first write wins: a duplicate
// report leaves the stored result untouched and returns false.
func (q *Queue) ReportResult(ctx context.Context, result *models.TaskResult) (bool, error) {
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("taskqueue: marshal result: %w", err)
	}

	recorded, err := q.client.SetNX(ctx, resultKey(result.TaskID), payload, 0).Result()
	if err != nil {
		return false, fmt.Errorf("taskqueue: store result: %w", err)
	}
	if !recorded {
		return false, nil
	}

	status := models.TaskStatusCompleted
	if result.Error != "" {
		status = models.TaskStatusFailed
	}

	task, err := q.GetTask(ctx, result.TaskID)
	if err == nil {
		task.Status = status
		if taskPayload, mErr := json.Marshal(task); mErr == nil {
			q.client.Set(ctx, taskKey(task.ID), taskPayload, 0)
		}
	}
	q.client.HDel(ctx, processingKey, result.TaskID)

	return true, nil
}

// GetResult retrieves the result of a task, if one has been reported
func (q *Queue) GetResult(ctx context.Context, taskID string) (*models.TaskResult, error) {
	payload, err := q.client.Get(ctx, resultKey(taskID)).Result()
	if errors.Is(err, goredis.Nil) {
		if _, tErr := q.GetTask(ctx, taskID); tErr != nil {
			return nil, tErr
		}
		return nil, ErrResultNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue: get result: %w", err)
	}

	var result models.TaskResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("taskqueue: unmarshal result: %w", err)
	}
	return &result, nil
}

// Stats describes queue depth
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
}

// GetStats returns pending and processing task counts
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	pipe := q.client.TxPipeline()
	pending := pipe.ZCard(ctx, queueKey)
	processing := pipe.HLen(ctx, processingKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("taskqueue: stats: %w", err)
	}

	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
	}, nil
}

// RequeueStuck returns tasks that have been processing longer than the
// threshold back to the pending queue at their original position.
func (q *Queue) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	claims, err := q.client.HGetAll(ctx, processingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("taskqueue: read processing set: %w", err)
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	requeued := 0

	for id, claimedAt := range claims {
		ts, err := time.Parse(time.RFC3339Nano, claimedAt)
		if err != nil || !ts.Before(cutoff) {
			continue
		}

		task, err := q.GetTask(ctx, id)
		if err != nil {
			q.client.HDel(ctx, processingKey, id)
			continue
		}

		// A task with a result already reported is not stuck
		if exists, _ := q.client.Exists(ctx, resultKey(id)).Result(); exists > 0 {
			q.client.HDel(ctx, processingKey, id)
			continue
		}

		task.Status = models.TaskStatusPending
		payload, mErr := json.Marshal(task)
		if mErr != nil {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.Set(ctx, taskKey(id), payload, 0)
		pipe.ZAdd(ctx, queueKey, goredis.Z{
			Score:  taskScore(task.Priority, task.Sequence),
			Member: id,
		})
		pipe.HDel(ctx, processingKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, fmt.Errorf("taskqueue: requeue task %s: %w", id, err)
		}
		requeued++
	}

	return requeued, nil
}

// Client exposes the underlying Redis client so other components,
// the dead letter list in particular, can share the connection.
func (q *Queue) Client() *goredis.Client {
	return q.client
}

// HealthCheck verifies that Redis is reachable
func (q *Queue) HealthCheck(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client
func (q *Queue) Close() error {
	return q.client.Close()
}
