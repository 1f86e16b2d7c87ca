package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const deadLetterKey = "ocr:dlq"

// DeadLetter records an OCR job that exhausted its retry budget
type DeadLetter struct {
	JobID        string    `json:"job_id"`
	DocumentID   string    `json:"document_id"`
	Provider     string    `json:"provider"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
	FailedAt     time.Time `json:"failed_at"`
}

// DeadLetters is a Redis-backed dead letter list for OCR jobs
type DeadLetters struct {
	client *goredis.Client
}

// NewDeadLetters wraps an existing Redis client
func NewDeadLetters(client *goredis.Client) *DeadLetters {
	return &DeadLetters{client: client}
}

// Push appends an entry to the dead letter list
func (d *DeadLetters) Push(ctx context.Context, entry *DeadLetter) error {
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("taskqueue: marshal dead letter: %w", err)
	}

	if err := d.client.RPush(ctx, deadLetterKey, payload).Err(); err != nil {
		return fmt.Errorf("taskqueue: push dead letter: %w", err)
	}
	return nil
}

// List returns all dead letter entries, oldest first
func (d *DeadLetters) List(ctx context.Context) ([]*DeadLetter, error) {
	raw, err := d.client.LRange(ctx, deadLetterKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("taskqueue: list dead letters: %w", err)
	}

	entries := make([]*DeadLetter, 0, len(raw))
	for _, item := range raw {
		var entry DeadLetter
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Take removes and returns the entry for the given job id
func (d *DeadLetters) Take(ctx context.Context, jobID string) (*DeadLetter, error) {
	raw, err := d.client.LRange(ctx, deadLetterKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("taskqueue: scan dead letters: %w", err)
	}

	for _, item := range raw {
		var entry DeadLetter
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if entry.JobID != jobID {
			continue
		}
		if err := d.client.LRem(ctx, deadLetterKey, 1, item).Err(); err != nil {
			return nil, fmt.Errorf("taskqueue: remove dead letter: %w", err)
		}
		return &entry, nil
	}

	return nil, ErrEntryNotFound
}

// Size returns the number of dead letter entries
func (d *DeadLetters) Size(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, deadLetterKey).Result()
}
