package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/docpipe/docpipe/pkg/models"
)

// MemoryStore is an in-memory implementation of the job store,
// useful for tests and single-process development runs.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	triggered map[string]time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*models.Job),
		triggered: make(map[string]time.Time),
	}
}

// CreateJob adds a new job to the store
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Step == "" {
		job.Step = models.DefaultStep
	}

	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}

	copied := *job
	return &copied, nil
}

// GetAllJobs returns all jobs, newest first
func (s *MemoryStore) GetAllJobs() []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		jobs = append(jobs, &copied)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].RequestedAt.After(jobs[j].RequestedAt)
	})
	return jobs
}

// GetJobsByDocument returns all jobs for a document, newest first
func (s *MemoryStore) GetJobsByDocument(documentID string) ([]*models.Job, error) {
	all := s.GetAllJobs()
	matched := []*models.Job{}
	for _, job := range all {
		if job.DocumentID == documentID {
			matched = append(matched, job)
		}
	}
	return matched, nil
}

// GetJobsInStates returns jobs in any of the given states, oldest first
func (s *MemoryStore) GetJobsInStates(states ...models.JobStatus) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[models.JobStatus]bool, len(states))
	for _, state := range states {
		wanted[state] = true
	}

	jobs := []*models.Job{}
	for _, job := range s.jobs {
		if wanted[job.Status] {
			copied := *job
			jobs = append(jobs, &copied)
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].RequestedAt.Before(jobs[j].RequestedAt)
	})
	return jobs, nil
}

// ClaimNextPending transitions the oldest pending job to triggered
func (s *MemoryStore) ClaimNextPending() (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *models.Job
	for _, job := range s.jobs {
		if job.Status != models.JobStatusPending {
			continue
		}
		if oldest == nil || job.RequestedAt.Before(oldest.RequestedAt) {
			oldest = job
		}
	}

	if oldest == nil {
		return nil, ErrNoPendingJobs
	}

	oldest.Status = models.JobStatusTriggered
	s.triggered[oldest.ID] = time.Now()

	copied := *oldest
	return &copied, nil
}

// MarkRunning transitions a claimed job from triggered to running
func (s *MemoryStore) MarkRunning(id string) error {
	return s.transition(id, models.JobStatusRunning, func(job *models.Job) {
		delete(s.triggered, id)
	})
}

// CompleteJob transitions running -> completed and stores the result
func (s *MemoryStore) CompleteJob(id string, result map[string]interface{}) error {
	return s.transition(id, models.JobStatusCompleted, func(job *models.Job) {
		now := time.Now()
		job.CompletedAt = &now
		job.Result = result
		job.ErrorMessage = ""
	})
}

// FailJob transitions running -> error with a message
func (s *MemoryStore) FailJob(id, message string) error {
	return s.transition(id, models.JobStatusError, func(job *models.Job) {
		now := time.Now()
		job.CompletedAt = &now
		job.ErrorMessage = message
	})
}

// CancelJob transitions pending/triggered/running -> cancelled
func (s *MemoryStore) CancelJob(id, reason string) error {
	return s.transition(id, models.JobStatusCancelled, func(job *models.Job) {
		now := time.Now()
		job.CompletedAt = &now
		job.ErrorMessage = reason
		delete(s.triggered, id)
	})
}

// RetryJob resets a failed job to pending. This is the one edge the
// transition table deliberately omits, so it is guarded separately.
func (s *MemoryStore) RetryJob(id string) (*models.Job, error) {
	s.mu.Lock()
	job, exists := s.jobs[id]
	if !exists {
		s.mu.Unlock()
		return nil, ErrJobNotFound
	}
	if !models.CanRetry(job.Status) {
		status := job.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: job %s in status %s", ErrInvalidTransition, id, status)
	}
	job.Status = models.JobStatusPending
	job.RetryCount++
	job.ErrorMessage = ""
	job.CompletedAt = nil
	s.mu.Unlock()

	return s.GetJob(id)
}

// transition validates the move against the state machine, applies the
// mutation, and sets the target status.
func (s *MemoryStore) transition(id string, target models.JobStatus, mutate func(*models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if err := models.ValidateTransition(job.Status, target); err != nil {
		return fmt.Errorf("%w: job %s in status %s", ErrInvalidTransition, id, job.Status)
	}
	mutate(job)
	job.Status = target
	return nil
}

// FindByCorrelation resolves exactly one job by request id, else transaction id
func (s *MemoryStore) FindByCorrelation(requestID int64, transactionID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := []*models.Job{}
	for _, job := range s.jobs {
		switch {
		case requestID != 0:
			if job.RequestID == requestID {
				matches = append(matches, job)
			}
		case transactionID != "":
			if job.TransactionID == transactionID {
				matches = append(matches, job)
			}
		}
	}

	if requestID == 0 && transactionID == "" {
		return nil, fmt.Errorf("%w: no correlation key supplied", ErrAmbiguousCorrelation)
	}
	if len(matches) != 1 {
		return nil, fmt.Errorf("%w: %d matches", ErrAmbiguousCorrelation, len(matches))
	}

	copied := *matches[0]
	return &copied, nil
}

// ReclaimStaleTriggered returns stale triggered jobs to pending
func (s *MemoryStore) ReclaimStaleTriggered(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	reclaimed := 0
	for id, claimedAt := range s.triggered {
		if !claimedAt.Before(cutoff) {
			continue
		}
		job, exists := s.jobs[id]
		if !exists || job.Status != models.JobStatusTriggered {
			delete(s.triggered, id)
			continue
		}
		job.Status = models.JobStatusPending
		delete(s.triggered, id)
		reclaimed++
	}

	return reclaimed, nil
}

// GetJobCounts returns the number of jobs per status
func (s *MemoryStore) GetJobCounts() (map[models.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
