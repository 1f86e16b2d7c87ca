package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/docpipe/docpipe/pkg/models"
	"github.com/docpipe/docpipe/pkg/resources"
	"github.com/docpipe/docpipe/pkg/store"
	"github.com/docpipe/docpipe/pkg/taskqueue"
)

// OCRProcessor executes the external OCR call for a claimed job. It must
// honor ctx cancellation; the pool cancels it on timeout or job cancel.
type OCRProcessor func(ctx context.Context, job *models.Job) (map[string]interface{}, error)

// TaskProcessor executes one LLM task and returns its output
type TaskProcessor func(ctx context.Context, task *models.Task) (string, error)

// Recorder receives pipeline outcome events. Implementations must be
// safe for concurrent use.
type Recorder interface {
	JobCompleted()
	JobFailed()
	JobRetried()
	JobDeadLettered()
	JobTimedOut()
	TaskCompleted()
	TaskFailed()
	AdmissionRejected()
}

type noopRecorder struct{}

func (noopRecorder) JobCompleted()      {}
func (noopRecorder) JobFailed()         {}
func (noopRecorder) JobRetried()        {}
func (noopRecorder) JobDeadLettered()   {}
func (noopRecorder) JobTimedOut()       {}
func (noopRecorder) TaskCompleted()     {}
func (noopRecorder) TaskFailed()        {}
func (noopRecorder) AdmissionRejected() {}

// PoolConfig holds worker pool configuration
type PoolConfig struct {
	OCRWorkers         int
	TaskWorkers        int
	PollInterval       time.Duration // how often idle workers look for work
	MaintenanceInterval time.Duration // how often reclaim/requeue sweeps run
	ReclaimGrace       time.Duration // triggered jobs older than this return to pending
	StuckTaskThreshold time.Duration // processing tasks older than this are requeued
	CancelPollInterval time.Duration // how often running jobs check for cancel/timeout
	RetryPolicy        *models.RetryPolicy
}

// DefaultPoolConfig returns sensible defaults
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		OCRWorkers:          2,
		TaskWorkers:         2,
		PollInterval:        2 * time.Second,
		MaintenanceInterval: 30 * time.Second,
		ReclaimGrace:        5 * time.Minute,
		StuckTaskThreshold:  10 * time.Minute,
		CancelPollInterval:  time.Second,
		RetryPolicy:         models.DefaultRetryPolicy(),
	}
}

// PoolMetrics tracks worker pool activity
type PoolMetrics struct {
	mu                 sync.Mutex
	JobsCompleted      int
	JobsFailed         int
	JobsRetried        int
	JobsDeadLettered   int
	JobsTimedOut       int
	TasksCompleted     int
	TasksFailed        int
	AdmissionRejected  int
	JobsReclaimed      int
	TasksRequeued      int
	LastMaintenanceRun time.Time
}

// Snapshot returns a copy of the current counters
func (m *PoolMetrics) Snapshot() PoolMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PoolMetrics{
		JobsCompleted:      m.JobsCompleted,
		JobsFailed:         m.JobsFailed,
		JobsRetried:        m.JobsRetried,
		JobsDeadLettered:   m.JobsDeadLettered,
		JobsTimedOut:       m.JobsTimedOut,
		TasksCompleted:     m.TasksCompleted,
		TasksFailed:        m.TasksFailed,
		AdmissionRejected:  m.AdmissionRejected,
		JobsReclaimed:      m.JobsReclaimed,
		TasksRequeued:      m.TasksRequeued,
		LastMaintenanceRun: m.LastMaintenanceRun,
	}
}

// WorkerPool drives the OCR job pipeline and the LLM task pipeline.
// Both run poll loops: each idle worker periodically tries to claim work,
// gated by an admission check against current memory usage.
type WorkerPool struct {
	store    store.Store
	queue    *taskqueue.Queue
	dlq      *taskqueue.DeadLetters
	monitor  *resources.Monitor
	ocrProc  OCRProcessor
	taskProc TaskProcessor
	recorder Recorder
	config   *PoolConfig
	metrics  *PoolMetrics

	stopCh  chan struct{}
	wg      sync.WaitGroup
	retryWG sync.WaitGroup
}

// NewWorkerPool creates a worker pool
func NewWorkerPool(st store.Store, queue *taskqueue.Queue, dlq *taskqueue.DeadLetters,
	monitor *resources.Monitor, ocrProc OCRProcessor, taskProc TaskProcessor,
	config *PoolConfig) *WorkerPool {

	if config == nil {
		config = DefaultPoolConfig()
	}

	return &WorkerPool{
		store:    st,
		queue:    queue,
		dlq:      dlq,
		monitor:  monitor,
		ocrProc:  ocrProc,
		taskProc: taskProc,
		recorder: noopRecorder{},
		config:   config,
		metrics:  &PoolMetrics{},
		stopCh:   make(chan struct{}),
	}
}

// SetRecorder installs an outcome recorder. Must be called before Start.
func (p *WorkerPool) SetRecorder(r Recorder) {
	if r != nil {
		p.recorder = r
	}
}

// Start launches all worker and maintenance loops
func (p *WorkerPool) Start() {
	log.Printf("[Pool] Starting worker pool (ocr: %d, llm: %d, poll: %v)",
		p.config.OCRWorkers, p.config.TaskWorkers, p.config.PollInterval)

	for i := 0; i < p.config.OCRWorkers; i++ {
		p.wg.Add(1)
		go p.ocrWorkerLoop(i)
	}
	for i := 0; i < p.config.TaskWorkers; i++ {
		p.wg.Add(1)
		go p.taskWorkerLoop(i)
	}

	p.wg.Add(1)
	go p.maintenanceLoop()
}

// Stop gracefully stops all loops and waits for in-flight work
func (p *WorkerPool) Stop() {
	log.Println("[Pool] Stopping worker pool...")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.retryWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[Pool] All loops stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Println("[Pool] Stop timeout - forcing shutdown")
	}
}

// Metrics returns the pool's activity counters
func (p *WorkerPool) Metrics() PoolMetrics {
	return p.metrics.Snapshot()
}

func (p *WorkerPool) ocrWorkerLoop(id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	log.Printf("[Pool] OCR worker %d started", id)

	for {
		select {
		case <-ticker.C:
			// Drain available work before going back to sleep
			for p.runOCRCycle() {
				select {
				case <-p.stopCh:
					return
				default:
				}
			}
		case <-p.stopCh:
			log.Printf("[Pool] OCR worker %d stopped", id)
			return
		}
	}
}

func (p *WorkerPool) taskWorkerLoop(id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	log.Printf("[Pool] LLM worker %d started", id)

	for {
		select {
		case <-ticker.C:
			for p.runTaskCycle() {
				select {
				case <-p.stopCh:
					return
				default:
				}
			}
		case <-p.stopCh:
			log.Printf("[Pool] LLM worker %d stopped", id)
			return
		}
	}
}

func (p *WorkerPool) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.runMaintenanceCycle()
		case <-p.stopCh:
			return
		}
	}
}

// runOCRCycle claims and processes at most one OCR job. It reports
// whether a job was claimed so callers can drain a backlog.
func (p *WorkerPool) runOCRCycle() bool {
	if err := p.monitor.CanStartJob(); err != nil {
		p.count(func(m *PoolMetrics) { m.AdmissionRejected++ })
		p.recorder.AdmissionRejected()
		log.Printf("[Pool] Deferring claim: %v", err)
		return false
	}

	job, err := p.store.ClaimNextPending()
	if err != nil {
		if !errors.Is(err, store.ErrNoPendingJobs) {
			log.Printf("[Pool] Claim error: %v", err)
		}
		return false
	}

	p.processClaimedJob(job)
	return true
}

// processClaimedJob runs one claimed job to a terminal state. Runtime
// tracking ends exactly once on every exit path, panics included.
func (p *WorkerPool) processClaimedJob(job *models.Job) {
	p.monitor.StartJob(job.ID)
	defer p.monitor.EndJob(job.ID)

	if err := p.store.MarkRunning(job.ID); err != nil {
		// Usually a cancel racing the claim; the job is no longer ours
		log.Printf("[Pool] Job %s not started: %v", job.ID, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcherDone := make(chan struct{})
	var timedOut bool
	go func() {
		defer close(watcherDone)
		timedOut = p.watchJob(ctx, cancel, job.ID)
	}()

	result, err := p.invokeOCR(ctx, job)
	cancel()
	<-watcherDone

	switch {
	case err == nil:
		if cErr := p.store.CompleteJob(job.ID, result); cErr != nil {
			// Terminal state already set elsewhere (cancel won the race)
			log.Printf("[Pool] Job %s completion rejected: %v", job.ID, cErr)
			return
		}
		p.count(func(m *PoolMetrics) { m.JobsCompleted++ })
		p.recorder.JobCompleted()
		log.Printf("[Pool] Job %s completed", job.ID)

	case timedOut:
		p.count(func(m *PoolMetrics) { m.JobsTimedOut++ })
		p.recorder.JobTimedOut()
		p.failJob(job, fmt.Sprintf("job exceeded timeout %v", p.monitor.Limits().JobTimeout))

	default:
		p.failJob(job, err.Error())
	}
}

// invokeOCR runs the processor with panic recovery so a bad provider
// response cannot take down the worker loop.
func (p *WorkerPool) invokeOCR(ctx context.Context, job *models.Job) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ocr processor panic: %v", r)
		}
	}()
	return p.ocrProc(ctx, job)
}

// watchJob cancels the job context on timeout or external cancellation.
// Returns true if the cancellation was timeout-driven.
func (p *WorkerPool) watchJob(ctx context.Context, cancel context.CancelFunc, jobID string) bool {
	ticker := time.NewTicker(p.config.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if p.monitor.CheckJobTimeout(jobID) {
				log.Printf("[Pool] Job %s exceeded timeout, cancelling", jobID)
				cancel()
				return true
			}
			// The job can leave the active states under us: an operator
			// cancel, or a provider webhook settling it first.
			current, err := p.store.GetJob(jobID)
			if err == nil && !models.IsActiveState(current.Status) {
				log.Printf("[Pool] Job %s left active state (%s), stopping work", jobID, current.Status)
				cancel()
				return false
			}
		}
	}
}

// failJob records the failure and decides between a delayed retry and
// the dead letter list.
func (p *WorkerPool) failJob(job *models.Job, message string) {
	if err := p.store.FailJob(job.ID, message); err != nil {
		// Job reached a terminal state some other way, nothing to do
		log.Printf("[Pool] Job %s failure not recorded: %v", job.ID, err)
		return
	}
	p.count(func(m *PoolMetrics) { m.JobsFailed++ })
	p.recorder.JobFailed()
	log.Printf("[Pool] Job %s failed: %s", job.ID, message)

	job.Status = models.JobStatusError
	if p.config.RetryPolicy.ShouldRetry(job) {
		p.scheduleRetry(job)
		return
	}

	p.deadLetter(job, message)
}

// scheduleRetry re-queues the job after an exponential backoff delay.
// The delay runs off-loop so workers keep claiming other jobs.
func (p *WorkerPool) scheduleRetry(job *models.Job) {
	backoff := p.config.RetryPolicy.CalculateBackoff(job.RetryCount)
	log.Printf("[Pool] Scheduling retry for job %s (attempt %d/%d, backoff %v)",
		job.ID, job.RetryCount+1, p.config.RetryPolicy.MaxRetries, backoff)

	p.retryWG.Add(1)
	go func() {
		defer p.retryWG.Done()

		select {
		case <-time.After(backoff):
		case <-p.stopCh:
			// Leave the job in error state; an operator retry or the next
			// process start can pick it up
			return
		}

		if _, err := p.store.RetryJob(job.ID); err != nil {
			log.Printf("[Pool] Retry of job %s rejected: %v", job.ID, err)
			return
		}
		p.count(func(m *PoolMetrics) { m.JobsRetried++ })
		p.recorder.JobRetried()
	}()
}

func (p *WorkerPool) deadLetter(job *models.Job, message string) {
	if p.dlq == nil {
		return
	}

	entry := &taskqueue.DeadLetter{
		JobID:        job.ID,
		DocumentID:   job.DocumentID,
		Provider:     job.Provider,
		ErrorMessage: message,
		RetryCount:   job.RetryCount,
	}
	if err := p.dlq.Push(context.Background(), entry); err != nil {
		log.Printf("[Pool] Failed to dead-letter job %s: %v", job.ID, err)
		return
	}
	p.count(func(m *PoolMetrics) { m.JobsDeadLettered++ })
	p.recorder.JobDeadLettered()
	log.Printf("[Pool] Job %s dead-lettered after %d retries", job.ID, job.RetryCount)
}

// runTaskCycle claims and processes at most one LLM task
func (p *WorkerPool) runTaskCycle() bool {
	if err := p.monitor.CanStartJob(); err != nil {
		p.count(func(m *PoolMetrics) { m.AdmissionRejected++ })
		p.recorder.AdmissionRejected()
		return false
	}

	ctx := context.Background()
	task, err := p.queue.ClaimNext(ctx)
	if err != nil {
		if !errors.Is(err, taskqueue.ErrQueueEmpty) {
			log.Printf("[Pool] Task claim error: %v", err)
		}
		return false
	}

	p.processTask(ctx, task)
	return true
}

// processTask runs one claimed task to a terminal report. Like the OCR
// path, runtime tracking ends exactly once on every exit path.
func (p *WorkerPool) processTask(ctx context.Context, task *models.Task) {
	p.monitor.StartJob(task.ID)
	defer p.monitor.EndJob(task.ID)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcherDone := make(chan struct{})
	var timedOut bool
	go func() {
		defer close(watcherDone)
		timedOut = p.watchTask(taskCtx, cancel, task.ID)
	}()

	output, err := p.invokeTask(taskCtx, task)
	cancel()
	<-watcherDone

	result := &models.TaskResult{TaskID: task.ID}
	switch {
	case err == nil:
		result.Result = output
		p.count(func(m *PoolMetrics) { m.TasksCompleted++ })
		p.recorder.TaskCompleted()

	case timedOut:
		result.Error = fmt.Sprintf("task exceeded timeout %v", p.monitor.Limits().JobTimeout)
		p.count(func(m *PoolMetrics) { m.TasksFailed++ })
		p.recorder.TaskFailed()
		log.Printf("[Pool] Task %s timed out", task.ID)

	default:
		// Failed tasks are reported and left failed, never auto-retried
		result.Error = err.Error()
		p.count(func(m *PoolMetrics) { m.TasksFailed++ })
		p.recorder.TaskFailed()
		log.Printf("[Pool] Task %s failed: %v", task.ID, err)
	}

	if _, err := p.queue.ReportResult(ctx, result); err != nil {
		log.Printf("[Pool] Failed to report result for task %s: %v", task.ID, err)
	}
}

// watchTask cancels the task context once the timeout is exceeded.
// Tasks have no external cancel operation, so timeout is the only trigger.
func (p *WorkerPool) watchTask(ctx context.Context, cancel context.CancelFunc, taskID string) bool {
	ticker := time.NewTicker(p.config.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if p.monitor.CheckJobTimeout(taskID) {
				log.Printf("[Pool] Task %s exceeded timeout, cancelling", taskID)
				cancel()
				return true
			}
		}
	}
}

func (p *WorkerPool) invokeTask(ctx context.Context, task *models.Task) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task processor panic: %v", r)
		}
	}()
	return p.taskProc(ctx, task)
}

// runMaintenanceCycle reclaims stale triggered jobs and requeues stuck tasks
func (p *WorkerPool) runMaintenanceCycle() {
	p.count(func(m *PoolMetrics) { m.LastMaintenanceRun = time.Now() })

	if n, err := p.store.ReclaimStaleTriggered(p.config.ReclaimGrace); err != nil {
		log.Printf("[Pool] Reclaim sweep failed: %v", err)
	} else if n > 0 {
		p.count(func(m *PoolMetrics) { m.JobsReclaimed += n })
		log.Printf("[Pool] Reclaimed %d stale triggered jobs", n)
	}

	// Per-unit watchers do the cancelling; this is operator visibility
	if expired := p.monitor.TimedOutJobs(); len(expired) > 0 {
		log.Printf("[Pool] %d active units past timeout: %v", len(expired), expired)
	}

	if p.queue == nil {
		return
	}
	if n, err := p.queue.RequeueStuck(context.Background(), p.config.StuckTaskThreshold); err != nil {
		log.Printf("[Pool] Stuck task sweep failed: %v", err)
	} else if n > 0 {
		p.count(func(m *PoolMetrics) { m.TasksRequeued += n })
		log.Printf("[Pool] Requeued %d stuck tasks", n)
	}
}

func (p *WorkerPool) count(update func(*PoolMetrics)) {
	p.metrics.mu.Lock()
	update(p.metrics)
	p.metrics.mu.Unlock()
}
