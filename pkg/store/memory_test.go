package store

import (
	"errors"
	"testing"
	"time"

	"github.com/docpipe/docpipe/pkg/models"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	s := NewMemoryStore()

	job := newTestJob("doc-mem")
	if err := s.CreateJob(job); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimNextPending()
	if err != nil {
		t.Fatalf("ClaimNextPending failed: %v", err)
	}
	if claimed.ID != job.ID || claimed.Status != models.JobStatusTriggered {
		t.Errorf("unexpected claim: %+v", claimed)
	}

	if err := s.MarkRunning(job.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteJob(job.ID, map[string]interface{}{"ok": true}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetJob(job.ID)
	if got.Status != models.JobStatusCompleted || got.CompletedAt == nil {
		t.Errorf("unexpected terminal state: %+v", got)
	}

	err = s.CompleteJob(job.ID, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on double completion, got %v", err)
	}
}

func TestMemoryStoreReclaim(t *testing.T) {
	s := NewMemoryStore()

	job := newTestJob("doc-mem")
	if err := s.CreateJob(job); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextPending(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	n, err := s.ReclaimStaleTriggered(0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 reclaimed, got %d", n)
	}

	got, _ := s.GetJob(job.ID)
	if got.Status != models.JobStatusPending {
		t.Errorf("expected pending after reclaim, got %s", got.Status)
	}
}

func TestMemoryStoreCopiesOnRead(t *testing.T) {
	s := NewMemoryStore()

	job := newTestJob("doc-mem")
	if err := s.CreateJob(job); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetJob(job.ID)
	got.Status = models.JobStatusCancelled

	again, _ := s.GetJob(job.ID)
	if again.Status != models.JobStatusPending {
		t.Error("caller mutation leaked into the store")
	}
}
