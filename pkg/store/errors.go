package store

import "errors"

var (
	// ErrJobNotFound is returned when a job lookup matches no row.
	ErrJobNotFound = errors.New("store: job not found")

	// ErrNoPendingJobs is returned by ClaimNextPending when nothing is
	// eligible. It is an expected idle-poll outcome, not a fault.
	ErrNoPendingJobs = errors.New("store: no pending jobs")

	// ErrInvalidTransition is returned when an operation requested a state
	// change not permitted from the job's current status. No state is
	// mutated when this is returned.
	ErrInvalidTransition = errors.New("store: invalid state transition")

	// ErrAmbiguousCorrelation is returned when webhook correlation keys
	// resolve to zero or more than one job, or when no key is supplied.
	ErrAmbiguousCorrelation = errors.New("store: correlation matched zero or multiple jobs")
)
