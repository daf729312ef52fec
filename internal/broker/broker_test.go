package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/sentinelcode/sentinel/internal/api"
)

// brokerFactory builds a fresh Broker for one test, registering its cleanup
// with t.Cleanup.
type brokerFactory func(t *testing.T) Broker

func allBrokers() map[string]brokerFactory {
	return map[string]brokerFactory{
		"memory": func(t *testing.T) Broker {
			return NewMemoryBroker()
		},
		"redis": func(t *testing.T) Broker {
			srv, err := miniredis.Run()
			if err != nil {
				t.Fatalf("starting miniredis: %v", err)
			}
			t.Cleanup(srv.Close)

			b, err := NewRedisBroker(srv.Addr(), "", 0, nil)
			if err != nil {
				t.Fatalf("NewRedisBroker: %v", err)
			}
			t.Cleanup(func() { b.Close() })
			return b
		},
	}
}

func TestBroker_AddClaimComplete(t *testing.T) {
	for name, factory := range allBrokers() {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			job := api.Job{ID: "job-1", Language: "python", Code: "print(1)", CreatedAt: time.Now()}
			if err := b.Add(ctx, "python", job); err != nil {
				t.Fatalf("Add() error = %v", err)
			}

			counts, err := b.Counts(ctx, "python")
			if err != nil {
				t.Fatalf("Counts() error = %v", err)
			}
			if counts.Waiting != 1 {
				t.Fatalf("expected waiting=1, got %d", counts.Waiting)
			}

			claimed, err := b.Claim(ctx, "python", time.Second)
			if err != nil {
				t.Fatalf("Claim() error = %v", err)
			}
			if claimed == nil || claimed.ID != "job-1" {
				t.Fatalf("expected to claim job-1, got %+v", claimed)
			}

			state, err := b.GetState(ctx, "job-1")
			if err != nil || state != api.JobActive {
				t.Fatalf("expected active state, got %q err=%v", state, err)
			}

			if err := b.UpdateProgress(ctx, "job-1", 50); err != nil {
				t.Fatalf("UpdateProgress() error = %v", err)
			}
			record, err := b.GetByID(ctx, "job-1")
			if err != nil {
				t.Fatalf("GetByID() error = %v", err)
			}
			if record.Progress != 50 {
				t.Fatalf("expected progress=50, got %d", record.Progress)
			}

			result := api.ExecutionResult{Status: api.StatusSuccess, Output: "1\n", ExecutionTime: 12}
			if err := b.Complete(ctx, "python", "job-1", result); err != nil {
				t.Fatalf("Complete() error = %v", err)
			}

			record, err = b.GetByID(ctx, "job-1")
			if err != nil {
				t.Fatalf("GetByID() error = %v", err)
			}
			if record.Status != api.JobCompleted || record.Output != "1\n" {
				t.Fatalf("unexpected final record: %+v", record)
			}

			counts, err = b.Counts(ctx, "python")
			if err != nil {
				t.Fatalf("Counts() error = %v", err)
			}
			if counts.Waiting != 0 || counts.Active != 0 || counts.Completed != 1 {
				t.Fatalf("unexpected counts after completion: %+v", counts)
			}
		})
	}
}

func TestBroker_ClaimTimesOutWhenEmpty(t *testing.T) {
	for name, factory := range allBrokers() {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			claimed, err := b.Claim(context.Background(), "empty-queue", 50*time.Millisecond)
			if err != nil {
				t.Fatalf("Claim() error = %v", err)
			}
			if claimed != nil {
				t.Fatalf("expected nil claim on empty queue, got %+v", claimed)
			}
		})
	}
}

func TestBroker_FailRetriesThenGivesUp(t *testing.T) {
	// Retries are delayed by an exponential backoff; shrink it (and the
	// Redis sweep interval that promotes due retries) so this test doesn't
	// spend real seconds waiting on what is, in production, a 2s+ delay.
	origBackoff, origSweep := RetryBackoffBase, RetrySweepInterval
	RetryBackoffBase = 5 * time.Millisecond
	RetrySweepInterval = 5 * time.Millisecond
	t.Cleanup(func() {
		RetryBackoffBase = origBackoff
		RetrySweepInterval = origSweep
	})

	for name, factory := range allBrokers() {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			ctx := context.Background()

			job := api.Job{ID: "job-retry", Language: "python", Code: "raise", CreatedAt: time.Now()}
			if err := b.Add(ctx, "python", job); err != nil {
				t.Fatalf("Add() error = %v", err)
			}

			for attempt := 0; attempt < api.MaxAttempts-1; attempt++ {
				// The backoff delay means the retried job isn't
				// immediately available; Claim blocks until it is.
				claimed, err := b.Claim(ctx, "python", 2*time.Second)
				if err != nil || claimed == nil {
					t.Fatalf("attempt %d: Claim() failed: claimed=%+v err=%v", attempt, claimed, err)
				}
				if err := b.Fail(ctx, "python", "job-retry", "boom"); err != nil {
					t.Fatalf("attempt %d: Fail() error = %v", attempt, err)
				}
				state, err := b.GetState(ctx, "job-retry")
				if err != nil || state != api.JobQueued {
					t.Fatalf("attempt %d: expected requeue, state=%q err=%v", attempt, state, err)
				}
			}

			// Final attempt exhausts the retry budget.
			claimed, err := b.Claim(ctx, "python", 2*time.Second)
			if err != nil || claimed == nil {
				t.Fatalf("final attempt: Claim() failed: claimed=%+v err=%v", claimed, err)
			}
			if err := b.Fail(ctx, "python", "job-retry", "boom again"); err != nil {
				t.Fatalf("final Fail() error = %v", err)
			}
			state, err := b.GetState(ctx, "job-retry")
			if err != nil || state != api.JobFailed {
				t.Fatalf("expected terminal failed state, got %q err=%v", state, err)
			}
		})
	}
}

func TestBroker_GetByIDUnknownJobReturnsNotFound(t *testing.T) {
	for name, factory := range allBrokers() {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			_, err := b.GetByID(context.Background(), "does-not-exist")
			if err != ErrNotFound {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}
