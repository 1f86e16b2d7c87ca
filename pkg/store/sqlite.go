package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/docpipe/docpipe/pkg/models"
)

// defaultClaimBatch is how many pending candidates one claim attempt
// considers before giving up.
const defaultClaimBatch = 25

// SQLiteStore is a SQLite-based implementation of the job store
type SQLiteStore struct {
	db         *sql.DB
	mu         sync.Mutex
	claimBatch int
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string for concurrent access:
	// - _journal_mode=WAL: Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: balance between safety and performance
	// - _txlock=immediate: acquire write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY under concurrent claims
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db, claimBatch: defaultClaimBatch}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ocr_jobs (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		step TEXT NOT NULL DEFAULT 'orchestrate',
		requested_at DATETIME NOT NULL,
		triggered_at DATETIME,
		completed_at DATETIME,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		interface_id TEXT,
		transaction_id TEXT,
		request_id INTEGER,
		result TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_ocr_jobs_status ON ocr_jobs(status, requested_at);
	CREATE INDEX IF NOT EXISTS idx_ocr_jobs_document ON ocr_jobs(document_id);
	CREATE INDEX IF NOT EXISTS idx_ocr_jobs_transaction ON ocr_jobs(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_ocr_jobs_request ON ocr_jobs(request_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob adds a new job to the store
func (s *SQLiteStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := json.Marshal(job.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if job.Step == "" {
		job.Step = models.DefaultStep
	}

	_, err = s.db.Exec(`
		INSERT INTO ocr_jobs
		(id, document_id, provider, status, step, requested_at, completed_at,
		 error_message, retry_count, interface_id, transaction_id, request_id, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.DocumentID, job.Provider, job.Status, job.Step, job.RequestedAt,
		job.CompletedAt, nullString(job.ErrorMessage), job.RetryCount,
		nullString(job.InterfaceID), nullString(job.TransactionID),
		nullInt(job.RequestID), string(result))

	return err
}

const jobColumns = `id, document_id, provider, status, step, requested_at, completed_at,
	       error_message, retry_count, interface_id, transaction_id, request_id, result`

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM ocr_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetAllJobs returns all jobs, newest first
func (s *SQLiteStore) GetAllJobs() []*models.Job {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM ocr_jobs ORDER BY requested_at DESC`)
	if err != nil {
		return []*models.Job{}
	}
	defer rows.Close()

	return scanJobs(rows)
}

// GetJobsByDocument returns all jobs for a document, newest first
func (s *SQLiteStore) GetJobsByDocument(documentID string) ([]*models.Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM ocr_jobs
		WHERE document_id = ? ORDER BY requested_at DESC
	`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows), nil
}

// GetJobsInStates returns jobs in any of the given states, oldest first
func (s *SQLiteStore) GetJobsInStates(states ...models.JobStatus) ([]*models.Job, error) {
	if len(states) == 0 {
		return []*models.Job{}, nil
	}

	placeholders := ""
	args := make([]interface{}, 0, len(states))
	for i, state := range states {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(state))
	}

	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM ocr_jobs
		WHERE status IN (`+placeholders+`)
		ORDER BY requested_at ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows), nil
}

// ClaimNextPending atomically selects the oldest pending job and transitions
// it to triggered. The conditional UPDATE keyed on the prior status guarantees
// single-winner semantics even when claimants are separate processes.
func (s *SQLiteStore) ClaimNextPending() (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id FROM ocr_jobs
		WHERE status = ?
		ORDER BY requested_at ASC
		LIMIT ?
	`, models.JobStatusPending, s.claimBatch)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		candidates = append(candidates, id)
	}
	rows.Close()

	now := time.Now()
	for _, id := range candidates {
		result, err := s.db.Exec(`
			UPDATE ocr_jobs
			SET status = ?, triggered_at = ?
			WHERE id = ? AND status = ?
		`, models.JobStatusTriggered, now, id, models.JobStatusPending)
		if err != nil {
			return nil, fmt.Errorf("claim update: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 1 {
			return s.GetJob(id)
		}
		// Lost the race for this candidate, try the next one
	}

	return nil, ErrNoPendingJobs
}

// MarkRunning transitions a claimed job from triggered to running
func (s *SQLiteStore) MarkRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conditionalTransition(id, models.JobStatusRunning, `
		UPDATE ocr_jobs SET status = ?
		WHERE id = ? AND status = ?
	`, models.JobStatusRunning, id, models.JobStatusTriggered)
}

// CompleteJob transitions running -> completed and stores the result.
// A second completion attempt after a terminal state is rejected, not
// overwritten: the UPDATE is keyed on status = running.
func (s *SQLiteStore) CompleteJob(id string, result map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return s.conditionalTransition(id, models.JobStatusCompleted, `
		UPDATE ocr_jobs
		SET status = ?, completed_at = ?, result = ?, error_message = NULL
		WHERE id = ? AND status = ?
	`, models.JobStatusCompleted, time.Now(), string(resultJSON), id, models.JobStatusRunning)
}

// FailJob transitions running -> error with a message
func (s *SQLiteStore) FailJob(id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conditionalTransition(id, models.JobStatusError, `
		UPDATE ocr_jobs
		SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ? AND status = ?
	`, models.JobStatusError, time.Now(), message, id, models.JobStatusRunning)
}

// CancelJob transitions pending/triggered/running -> cancelled
func (s *SQLiteStore) CancelJob(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conditionalTransition(id, models.JobStatusCancelled, `
		UPDATE ocr_jobs
		SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ? AND status IN (?, ?, ?)
	`, models.JobStatusCancelled, time.Now(), reason, id,
		models.JobStatusPending, models.JobStatusTriggered, models.JobStatusRunning)
}

// RetryJob resets a failed job to pending, increments retry count, and
// clears error message and completion time. Rejected unless status is error.
func (s *SQLiteStore) RetryJob(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.conditionalTransition(id, models.JobStatusPending, `
		UPDATE ocr_jobs
		SET status = ?, retry_count = retry_count + 1,
		    error_message = NULL, completed_at = NULL, triggered_at = NULL
		WHERE id = ? AND status = ?
	`, models.JobStatusPending, id, models.JobStatusError)
	if err != nil {
		return nil, err
	}

	return s.GetJob(id)
}

// conditionalTransition runs a status-guarded UPDATE and maps a zero row
// count to either not-found or invalid-transition. The guarded UPDATE is
// the atomic authority; the state machine check only classifies failures.
func (s *SQLiteStore) conditionalTransition(id string, target models.JobStatus, query string, args ...interface{}) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRow(`SELECT status FROM ocr_jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if vErr := models.ValidateTransition(models.JobStatus(status), target); vErr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransition, vErr)
	}
	return fmt.Errorf("%w: job %s in status %s", ErrInvalidTransition, id, status)
}

// FindByCorrelation resolves exactly one job by request id if present,
// else by transaction id. Zero or multiple matches are rejected.
func (s *SQLiteStore) FindByCorrelation(requestID int64, transactionID string) (*models.Job, error) {
	var query string
	var arg interface{}

	switch {
	case requestID != 0:
		query = `SELECT ` + jobColumns + ` FROM ocr_jobs WHERE request_id = ?`
		arg = requestID
	case transactionID != "":
		query = `SELECT ` + jobColumns + ` FROM ocr_jobs WHERE transaction_id = ?`
		arg = transactionID
	default:
		return nil, fmt.Errorf("%w: no correlation key supplied", ErrAmbiguousCorrelation)
	}

	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := scanJobs(rows)
	if len(matches) != 1 {
		return nil, fmt.Errorf("%w: %d matches", ErrAmbiguousCorrelation, len(matches))
	}

	return matches[0], nil
}

// ReclaimStaleTriggered returns jobs stuck in triggered longer than the grace
// period back to pending. This is failed-claim recovery after a worker crash,
// not a retry: retry_count is untouched.
func (s *SQLiteStore) ReclaimStaleTriggered(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.Exec(`
		UPDATE ocr_jobs
		SET status = ?, triggered_at = NULL
		WHERE status = ? AND triggered_at IS NOT NULL AND triggered_at < ?
	`, models.JobStatusPending, models.JobStatusTriggered, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim sweep: %w", err)
	}

	affected, err := result.RowsAffected()
	return int(affected), err
}

// GetJobCounts returns the number of jobs per status
func (s *SQLiteStore) GetJobCounts() (map[models.JobStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM ocr_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		counts[models.JobStatus(status)] = count
	}

	return counts, nil
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var completedAt sql.NullTime
	var errorMessage, interfaceID, transactionID, resultJSON sql.NullString
	var requestID sql.NullInt64

	err := row.Scan(&job.ID, &job.DocumentID, &job.Provider, &job.Status, &job.Step,
		&job.RequestedAt, &completedAt, &errorMessage, &job.RetryCount,
		&interfaceID, &transactionID, &requestID, &resultJSON)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	job.ErrorMessage = errorMessage.String
	job.InterfaceID = interfaceID.String
	job.TransactionID = transactionID.String
	job.RequestID = requestID.Int64

	if resultJSON.Valid && resultJSON.String != "" && resultJSON.String != "null" {
		if err := json.Unmarshal([]byte(resultJSON.String), &job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	return &job, nil
}

type rowsScanner interface {
	Next() bool
	Scan(...interface{}) error
}

func scanJobs(rows rowsScanner) []*models.Job {
	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i int64) sql.NullInt64 {
	return sql.NullInt64{Int64: i, Valid: i != 0}
}
