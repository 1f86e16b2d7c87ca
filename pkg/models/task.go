package models

import (
	"time"
)

// TaskStatus represents the status of an LLM task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// TaskType enumerates the kinds of secondary processing work
type TaskType string

const (
	TaskTypeSummary    TaskType = "summary"
	TaskTypeExtraction TaskType = "extraction"
	TaskTypeInsight    TaskType = "insight"
)

// Task represents one unit of LLM processing work with explicit priority.
// Higher priority value means earlier processing; ties are broken by
// submission order (FIFO within a priority band).
type Task struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"document_id"`
	Type       TaskType   `json:"type"`
	Text       string     `json:"text"`
	Schema     string     `json:"schema"`
	Priority   int        `json:"priority"`
	Status     TaskStatus `json:"status"`
	Sequence   int64      `json:"sequence"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TaskResult is the terminal record written exactly once per task
type TaskResult struct {
	TaskID      string    `json:"task_id"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
