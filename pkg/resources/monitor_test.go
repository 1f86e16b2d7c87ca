package resources

import (
	"errors"
	"testing"
	"time"
)

func fixedSampler(sample Sample) Sampler {
	return func() (Sample, error) {
		sample.SampledAt = time.Now()
		return sample, nil
	}
}

func TestCanStartJob(t *testing.T) {
	tests := []struct {
		name    string
		limits  Limits
		sample  Sample
		wantErr bool
	}{
		{
			name:   "below both limits",
			limits: Limits{MaxMemoryMB: 512, MaxMemoryPercent: 80},
			sample: Sample{RSSMB: 100, MemoryPercent: 10},
		},
		{
			name:   "exactly at MB limit is permitted",
			limits: Limits{MaxMemoryMB: 512, MaxMemoryPercent: 80},
			sample: Sample{RSSMB: 512, MemoryPercent: 10},
		},
		{
			name:    "above MB limit",
			limits:  Limits{MaxMemoryMB: 512, MaxMemoryPercent: 80},
			sample:  Sample{RSSMB: 512.1, MemoryPercent: 10},
			wantErr: true,
		},
		{
			name:   "exactly at percent limit is permitted",
			limits: Limits{MaxMemoryMB: 512, MaxMemoryPercent: 80},
			sample: Sample{RSSMB: 100, MemoryPercent: 80},
		},
		{
			name:    "above percent limit",
			limits:  Limits{MaxMemoryMB: 512, MaxMemoryPercent: 80},
			sample:  Sample{RSSMB: 100, MemoryPercent: 80.5},
			wantErr: true,
		},
		{
			name:   "zero thresholds disable checks",
			limits: Limits{},
			sample: Sample{RSSMB: 99999, MemoryPercent: 99},
		},
		{
			name:   "high cpu does not block admission",
			limits: Limits{MaxMemoryMB: 512, MaxMemoryPercent: 80},
			sample: Sample{RSSMB: 100, MemoryPercent: 10, CPUPercent: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitorWithSampler(tt.limits, fixedSampler(tt.sample))
			err := m.CanStartJob()
			if tt.wantErr {
				if !errors.Is(err, ErrAdmissionRejected) {
					t.Errorf("expected ErrAdmissionRejected, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("expected admission, got %v", err)
			}
		})
	}
}

func TestCanStartJobSamplerFailure(t *testing.T) {
	m := NewMonitorWithSampler(Limits{MaxMemoryMB: 512}, func() (Sample, error) {
		return Sample{}, errors.New("procfs unavailable")
	})

	if err := m.CanStartJob(); !errors.Is(err, ErrAdmissionRejected) {
		t.Errorf("failed sample should reject admission, got %v", err)
	}
}

func TestJobTracking(t *testing.T) {
	m := NewMonitorWithSampler(Limits{}, fixedSampler(Sample{}))

	m.StartJob("job-1")
	m.StartJob("job-2")
	if got := m.ActiveJobs(); got != 2 {
		t.Errorf("expected 2 active jobs, got %d", got)
	}

	if _, ok := m.JobRuntime("job-1"); !ok {
		t.Error("expected runtime for tracked job")
	}

	m.EndJob("job-1")
	m.EndJob("job-1") // double end is harmless
	m.EndJob("never-started")
	if got := m.ActiveJobs(); got != 1 {
		t.Errorf("expected 1 active job, got %d", got)
	}
}

func TestStartJobDuplicateKeepsStartTime(t *testing.T) {
	m := NewMonitorWithSampler(Limits{JobTimeout: 20 * time.Millisecond}, fixedSampler(Sample{}))

	m.StartJob("job-1")
	time.Sleep(30 * time.Millisecond)
	if !m.CheckJobTimeout("job-1") {
		t.Fatal("job should be timed out after the limit")
	}

	m.StartJob("job-1")
	if !m.CheckJobTimeout("job-1") {
		t.Error("duplicate StartJob must not reset the start time")
	}
	if got := m.ActiveJobs(); got != 1 {
		t.Errorf("expected 1 active job, got %d", got)
	}
}

func TestCheckJobTimeoutAtExactLimit(t *testing.T) {
	m := NewMonitorWithSampler(Limits{JobTimeout: time.Hour}, fixedSampler(Sample{}))

	m.StartJob("job-1")
	m.active["job-1"] = time.Now().Add(-time.Hour)
	if !m.CheckJobTimeout("job-1") {
		t.Error("elapsed time at the limit must report timeout")
	}
	if expired := m.TimedOutJobs(); len(expired) != 1 {
		t.Errorf("expected [job-1] timed out, got %v", expired)
	}
}

func TestCheckJobTimeout(t *testing.T) {
	m := NewMonitorWithSampler(Limits{JobTimeout: 20 * time.Millisecond}, fixedSampler(Sample{}))

	m.StartJob("job-1")
	if m.CheckJobTimeout("job-1") {
		t.Error("job should not be timed out immediately")
	}
	if m.CheckJobTimeout("untracked") {
		t.Error("untracked job should never report timeout")
	}

	time.Sleep(30 * time.Millisecond)
	if !m.CheckJobTimeout("job-1") {
		t.Error("job should be timed out after the limit")
	}

	expired := m.TimedOutJobs()
	if len(expired) != 1 || expired[0] != "job-1" {
		t.Errorf("expected [job-1] timed out, got %v", expired)
	}
}

func TestTimeoutDisabled(t *testing.T) {
	m := NewMonitorWithSampler(Limits{}, fixedSampler(Sample{}))

	m.StartJob("job-1")
	time.Sleep(5 * time.Millisecond)
	if m.CheckJobTimeout("job-1") {
		t.Error("zero timeout must disable the check")
	}
	if expired := m.TimedOutJobs(); expired != nil {
		t.Errorf("expected no expirations, got %v", expired)
	}
}

func TestSnapshot(t *testing.T) {
	m := NewMonitorWithSampler(Limits{}, fixedSampler(Sample{RSSMB: 42, CPUPercent: 7}))
	m.StartJob("job-1")

	sample, active, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if sample.RSSMB != 42 || sample.CPUPercent != 7 {
		t.Errorf("unexpected sample: %+v", sample)
	}
	if active != 1 {
		t.Errorf("expected 1 active job, got %d", active)
	}
}
