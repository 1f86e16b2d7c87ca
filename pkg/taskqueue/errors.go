package taskqueue

import "errors"

var (
	// ErrQueueEmpty is returned when a claim finds no pending tasks
	ErrQueueEmpty = errors.New("taskqueue: no pending tasks")

	// ErrTaskNotFound is returned when a task id does not exist
	ErrTaskNotFound = errors.New("taskqueue: task not found")

	// ErrResultNotReady is returned when a task has no result yet
	ErrResultNotReady = errors.New("taskqueue: result not ready")

	// ErrEntryNotFound is returned when a dead letter id does not exist
	ErrEntryNotFound = errors.New("taskqueue: dead letter entry not found")
)
