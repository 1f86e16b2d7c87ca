package store

import (
	"time"

	"github.com/docpipe/docpipe/pkg/models"
)

// Store defines the interface for OCR job persistence.
// Every status transition must be atomic across concurrent callers:
// claimants may be separate processes sharing the same database.
type Store interface {
	// CRUD
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	GetAllJobs() []*models.Job
	GetJobsByDocument(documentID string) ([]*models.Job, error)
	GetJobsInStates(states ...models.JobStatus) ([]*models.Job, error)

	// Lifecycle transitions
	ClaimNextPending() (*models.Job, error)
	MarkRunning(id string) error
	CompleteJob(id string, result map[string]interface{}) error
	FailJob(id, message string) error
	CancelJob(id, reason string) error
	RetryJob(id string) (*models.Job, error)

	// Webhook resolution
	FindByCorrelation(requestID int64, transactionID string) (*models.Job, error)

	// Reclaim sweep for jobs stuck in triggered after a claimant crash
	ReclaimStaleTriggered(olderThan time.Duration) (int, error)

	// Metrics
	GetJobCounts() (map[models.JobStatus]int, error)

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config holds database configuration
type Config struct {
	Path       string // SQLite file path, ":memory:" for tests
	ClaimBatch int    // pending candidates considered per claim attempt
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	path := config.Path
	if path == "" {
		path = "docpipe.db"
	}
	st, err := NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	if config.ClaimBatch > 0 {
		st.claimBatch = config.ClaimBatch
	}
	return st, nil
}
