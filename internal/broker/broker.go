// Package broker abstracts the durable job queue and job-record store. The
// service never talks to Redis directly outside this package; every other
// component depends on the Broker interface, so a future swap to a
// different backing store touches only this package.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sentinelcode/sentinel/internal/api"
)

// ErrNotFound is returned by GetByID/GetState when no record exists for the
// given job ID.
var ErrNotFound = errors.New("job not found")

// RetryBackoffBase is the delay before a job's first retry becomes
// eligible to run again; each further retry doubles it. Exported, and a
// var rather than a const, so callers (and tests) can tune it instead of
// sleeping seconds per retried job.
var RetryBackoffBase = 2 * time.Second

// RetrySweepInterval is how often RedisBroker checks for delayed retries
// that have become due. Exported for the same reason as RetryBackoffBase.
var RetrySweepInterval = 250 * time.Millisecond

// removeOnComplete and removeOnFail bound how many terminal job records
// each queue retains. Once a queue's completed or failed history exceeds
// the limit, the oldest records are evicted.
const (
	removeOnComplete = 50
	removeOnFail     = 20
)

// backoffForAttempt returns the exponential backoff delay before the given
// attempt (1-indexed: the first retry is attempt 1) is re-enqueued.
func backoffForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return RetryBackoffBase * time.Duration(uint64(1)<<uint(attempt-1))
}

// Counts is a point-in-time snapshot of one queue's job counters.
type Counts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
}

// Broker is the thin abstraction over the message broker described in the
// system overview: named queues with add/claim/updateProgress/complete/fail,
// plus id- and state-lookup and per-queue counters.
type Broker interface {
	// Add enqueues job onto queue and records it in state "queued".
	Add(ctx context.Context, queue string, job api.Job) error

	// Claim blocks up to timeout for a job to become available on queue,
	// marks it "active", and returns it. A nil job with a nil error means
	// the timeout elapsed with nothing to claim.
	Claim(ctx context.Context, queue string, timeout time.Duration) (*api.Job, error)

	// UpdateProgress records a claimed job's percent-complete.
	UpdateProgress(ctx context.Context, jobID string, progress int) error

	// Complete records a job's terminal success and its result.
	Complete(ctx context.Context, queue, jobID string, result api.ExecutionResult) error

	// Fail records a job's terminal failure, or — if the job has not yet
	// exhausted its retry budget — re-enqueues it and returns to "queued".
	Fail(ctx context.Context, queue, jobID, reason string) error

	// GetByID returns the full current record for jobID.
	GetByID(ctx context.Context, jobID string) (*api.JobStatusResponse, error)

	// GetState returns just the status string for jobID.
	GetState(ctx context.Context, jobID string) (string, error)

	// Counts returns the current waiting/active/completed/failed counters
	// for queue.
	Counts(ctx context.Context, queue string) (Counts, error)

	// Ping verifies the broker backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any held connections.
	Close() error
}
