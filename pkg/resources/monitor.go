package resources

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrAdmissionRejected is returned when memory pressure blocks a new job
var ErrAdmissionRejected = errors.New("resources: admission rejected")

// Sample is a point-in-time reading of process resource usage.
// Readings are raw: no smoothing or averaging is applied.
type Sample struct {
	RSSMB         float64   `json:"rss_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	CPUPercent    float64   `json:"cpu_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Sampler reads current resource usage for this process
type Sampler func() (Sample, error)

// Limits configures admission thresholds and the advisory job timeout.
// A zero threshold disables that check.
type Limits struct {
	MaxMemoryMB      float64
	MaxMemoryPercent float64
	JobTimeout       time.Duration
}

// Monitor tracks process resource usage and active job runtimes.
// Each instance owns its own state so independent pipelines can carry
// independent limits.
type Monitor struct {
	mu      sync.Mutex
	sampler Sampler
	limits  Limits
	active  map[string]time.Time
}

// NewMonitor creates a monitor that samples the current process
func NewMonitor(limits Limits) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("resources: attach to process: %w", err)
	}
	return NewMonitorWithSampler(limits, processSampler(proc)), nil
}

// NewMonitorWithSampler creates a monitor with a custom usage sampler
func NewMonitorWithSampler(limits Limits, sampler Sampler) *Monitor {
	return &Monitor{
		sampler: sampler,
		limits:  limits,
		active:  make(map[string]time.Time),
	}
}

func processSampler(proc *process.Process) Sampler {
	return func() (Sample, error) {
		sample := Sample{SampledAt: time.Now()}

		memInfo, err := proc.MemoryInfo()
		if err != nil {
			return sample, fmt.Errorf("resources: read memory info: %w", err)
		}
		sample.RSSMB = float64(memInfo.RSS) / (1024 * 1024)

		if memPercent, err := proc.MemoryPercent(); err == nil {
			sample.MemoryPercent = float64(memPercent)
		}
		if cpuPercent, err := proc.CPUPercent(); err == nil {
			sample.CPUPercent = cpuPercent
		}

		return sample, nil
	}
}

// Snapshot returns current usage plus the number of tracked jobs
func (m *Monitor) Snapshot() (Sample, int, error) {
	sample, err := m.sampler()
	if err != nil {
		return Sample{}, 0, err
	}
	return sample, m.ActiveJobs(), nil
}

// CanStartJob decides whether a new job may start. Only memory is
// checked: a reading strictly above a threshold rejects, a reading
// exactly at the threshold is permitted. A failed sample rejects.
func (m *Monitor) CanStartJob() error {
	sample, err := m.sampler()
	if err != nil {
		return fmt.Errorf("%w: usage sample failed: %v", ErrAdmissionRejected, err)
	}

	if m.limits.MaxMemoryMB > 0 && sample.RSSMB > m.limits.MaxMemoryMB {
		return fmt.Errorf("%w: rss %.1fMB exceeds limit %.1fMB",
			ErrAdmissionRejected, sample.RSSMB, m.limits.MaxMemoryMB)
	}
	if m.limits.MaxMemoryPercent > 0 && sample.MemoryPercent > m.limits.MaxMemoryPercent {
		return fmt.Errorf("%w: memory %.1f%% exceeds limit %.1f%%",
			ErrAdmissionRejected, sample.MemoryPercent, m.limits.MaxMemoryPercent)
	}

	return nil
}

// StartJob begins runtime tracking for a job. A duplicate call for an
// id already tracked is a no-op so the original start time is kept.
func (m *Monitor) StartJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return
	}
	m.active[id] = time.Now()
}

// EndJob stops runtime tracking for a job. Unknown ids are ignored so
// callers can call it unconditionally on every exit path.
func (m *Monitor) EndJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// ActiveJobs returns the number of jobs currently tracked
func (m *Monitor) ActiveJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// JobRuntime returns how long a job has been running, false if untracked
func (m *Monitor) JobRuntime(id string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	started, ok := m.active[id]
	if !ok {
		return 0, false
	}
	return time.Since(started), true
}

// CheckJobTimeout reports whether a job has exceeded the configured
// timeout. This is advisory: the monitor never kills anything itself.
func (m *Monitor) CheckJobTimeout(id string) bool {
	if m.limits.JobTimeout <= 0 {
		return false
	}

	runtime, ok := m.JobRuntime(id)
	return ok && runtime >= m.limits.JobTimeout
}

// TimedOutJobs returns the ids of all tracked jobs past the timeout
func (m *Monitor) TimedOutJobs() []string {
	if m.limits.JobTimeout <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for id, started := range m.active {
		if time.Since(started) >= m.limits.JobTimeout {
			expired = append(expired, id)
		}
	}
	return expired
}

// Limits returns the configured thresholds
func (m *Monitor) Limits() Limits {
	return m.limits
}
