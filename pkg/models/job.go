package models

import (
	"time"
)

// JobStatus represents the status of an OCR job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusTriggered JobStatus = "triggered"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// DefaultStep is the initial processing step for a freshly submitted job.
const DefaultStep = "orchestrate"

// Job represents one attempt to extract structured data from a document
// via a named OCR provider.
type Job struct {
	ID            string                 `json:"id"`
	DocumentID    string                 `json:"document_id"`
	Provider      string                 `json:"provider"`
	Status        JobStatus              `json:"status"`
	Step          string                 `json:"step"`
	RequestedAt   time.Time              `json:"requested_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	InterfaceID   string                 `json:"interface_id,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	RequestID     int64                  `json:"request_id,omitempty"` // 0 = unset
	Result        map[string]interface{} `json:"result,omitempty"`
}

// JobRequest represents a request to create a new OCR job
type JobRequest struct {
	DocumentID    string `json:"document_id"`
	Provider      string `json:"provider,omitempty"`
	InterfaceID   string `json:"interface_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	RequestID     int64  `json:"request_id,omitempty"`
}
