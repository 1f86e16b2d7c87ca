package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docpipe/docpipe/pkg/models"
	"github.com/docpipe/docpipe/pkg/resources"
	"github.com/docpipe/docpipe/pkg/store"
	"github.com/docpipe/docpipe/pkg/taskqueue"
)

// Exporter exposes pipeline metrics in Prometheus format. Gauges read
// live state from the store, queue, and monitor at scrape time; the
// counters implement scheduler.Recorder and are bumped by the pool.
type Exporter struct {
	registry *prometheus.Registry

	jobsCompleted     prometheus.Counter
	jobsFailed        prometheus.Counter
	jobsRetried       prometheus.Counter
	jobsDeadLettered  prometheus.Counter
	jobsTimedOut      prometheus.Counter
	tasksCompleted    prometheus.Counter
	tasksFailed       prometheus.Counter
	admissionRejected prometheus.Counter
}

// NewExporter creates an exporter wired to the pipeline's live state
func NewExporter(st store.Store, queue *taskqueue.Queue, monitor *resources.Monitor) *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_ocr_jobs_completed_total",
			Help: "OCR jobs that reached the completed state",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_ocr_jobs_failed_total",
			Help: "OCR jobs that reached the error state",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_ocr_jobs_retried_total",
			Help: "Automatic retries applied to failed OCR jobs",
		}),
		jobsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_ocr_jobs_dead_lettered_total",
			Help: "OCR jobs moved to the dead letter list",
		}),
		jobsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_ocr_jobs_timed_out_total",
			Help: "OCR jobs cancelled for exceeding the job timeout",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_llm_tasks_completed_total",
			Help: "LLM tasks completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_llm_tasks_failed_total",
			Help: "LLM tasks that failed",
		}),
		admissionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docpipe_admission_rejected_total",
			Help: "Work deferred or rejected due to memory pressure",
		}),
	}

	registry.MustRegister(
		e.jobsCompleted, e.jobsFailed, e.jobsRetried, e.jobsDeadLettered,
		e.jobsTimedOut, e.tasksCompleted, e.tasksFailed, e.admissionRejected,
	)

	for _, status := range []models.JobStatus{
		models.JobStatusPending, models.JobStatusTriggered, models.JobStatusRunning,
		models.JobStatusCompleted, models.JobStatusError, models.JobStatusCancelled,
	} {
		status := status
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "docpipe_ocr_jobs",
			Help:        "OCR jobs by state",
			ConstLabels: prometheus.Labels{"state": string(status)},
		}, func() float64 {
			counts, err := st.GetJobCounts()
			if err != nil {
				return 0
			}
			return float64(counts[status])
		}))
	}

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "docpipe_active_jobs",
		Help: "Jobs currently tracked by the resource monitor",
	}, func() float64 {
		return float64(monitor.ActiveJobs())
	}))

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "docpipe_process_rss_mb",
		Help: "Resident set size of the pipeline process in MB",
	}, func() float64 {
		sample, _, err := monitor.Snapshot()
		if err != nil {
			return 0
		}
		return sample.RSSMB
	}))

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "docpipe_process_cpu_percent",
		Help: "CPU usage of the pipeline process",
	}, func() float64 {
		sample, _, err := monitor.Snapshot()
		if err != nil {
			return 0
		}
		return sample.CPUPercent
	}))

	if queue != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "docpipe_llm_queue_pending",
			Help: "LLM tasks waiting in the queue",
		}, func() float64 {
			return queueStat(queue, func(s taskqueue.Stats) int64 { return s.Pending })
		}))
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "docpipe_llm_queue_processing",
			Help: "LLM tasks currently being processed",
		}, func() float64 {
			return queueStat(queue, func(s taskqueue.Stats) int64 { return s.Processing })
		}))
	}

	return e
}

func queueStat(queue *taskqueue.Queue, pick func(taskqueue.Stats) int64) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats, err := queue.GetStats(ctx)
	if err != nil {
		return 0
	}
	return float64(pick(stats))
}

// Handler returns the scrape endpoint handler
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// scheduler.Recorder implementation

func (e *Exporter) JobCompleted()      { e.jobsCompleted.Inc() }
func (e *Exporter) JobFailed()         { e.jobsFailed.Inc() }
func (e *Exporter) JobRetried()        { e.jobsRetried.Inc() }
func (e *Exporter) JobDeadLettered()   { e.jobsDeadLettered.Inc() }
func (e *Exporter) JobTimedOut()       { e.jobsTimedOut.Inc() }
func (e *Exporter) TaskCompleted()     { e.tasksCompleted.Inc() }
func (e *Exporter) TaskFailed()        { e.tasksFailed.Inc() }
func (e *Exporter) AdmissionRejected() { e.admissionRejected.Inc() }
