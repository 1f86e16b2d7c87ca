package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states.
// Retry (error -> pending) is deliberately absent: it is only reachable
// through the explicit retry operation, which also mutates retry_count.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusTriggered: true, // worker claimed the job
		JobStatusCancelled: true, // user cancelled before claim
	},
	JobStatusTriggered: {
		JobStatusRunning:   true, // worker started execution
		JobStatusCancelled: true, // user cancelled after claim
		JobStatusPending:   true, // reclaim sweep: claimant never started
	},
	JobStatusRunning: {
		JobStatusCompleted: true, // execution succeeded
		JobStatusError:     true, // execution failed or timed out
		JobStatusCancelled: true, // user cancelled mid-execution
	},
	// Terminal states
	JobStatusCompleted: {},
	JobStatusError:     {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusError || state == JobStatusCancelled
}

// IsActiveState returns true if the job is claimed or executing
func IsActiveState(state JobStatus) bool {
	return state == JobStatusTriggered || state == JobStatusRunning
}

// CanRetry returns true if the explicit retry operation is permitted
func CanRetry(state JobStatus) bool {
	return state == JobStatusError
}

// CanCancel returns true if the cancel operation is permitted
func CanCancel(state JobStatus) bool {
	return state == JobStatusPending || IsActiveState(state)
}

// RetryPolicy defines automatic retry behavior for failed external calls
type RetryPolicy struct {
	MaxRetries        int           // Maximum number of automatic retries
	InitialBackoff    time.Duration // Initial backoff duration
	MaxBackoff        time.Duration // Maximum backoff duration
	BackoffMultiplier float64       // Multiplier for exponential backoff
}

// DefaultRetryPolicy returns default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:        3,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a given retry count
func (rp *RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return rp.InitialBackoff
	}

	backoff := float64(rp.InitialBackoff)
	for i := 0; i < retryCount; i++ {
		backoff *= rp.BackoffMultiplier
	}

	duration := time.Duration(backoff)
	if duration > rp.MaxBackoff {
		return rp.MaxBackoff
	}
	return duration
}

// ShouldRetry determines if a failed job should be retried automatically
func (rp *RetryPolicy) ShouldRetry(job *Job) bool {
	if job.RetryCount >= rp.MaxRetries {
		return false
	}
	return CanRetry(job.Status)
}
