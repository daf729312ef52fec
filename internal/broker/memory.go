package broker

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentinelcode/sentinel/internal/api"
)

// MemoryBroker is an in-process Broker implementation. It satisfies the
// same interface as RedisBroker and is used by the tests; the cmd/
// bootstraps always build a RedisBroker. It shares no state across
// processes, so it cannot be used with more than one Worker process.
type MemoryBroker struct {
	mu      sync.Mutex
	queues  map[string]*list.List
	jobs    map[string]api.Job
	records map[string]api.JobStatusResponse
	active  map[string]int64
	done    map[string]int64
	failed  map[string]int64

	// completedHistory/failedHistory hold terminal job IDs in arrival
	// order, oldest first, so trimHistoryLocked can evict from the front
	// once a queue exceeds removeOnComplete/removeOnFail.
	completedHistory map[string][]string
	failedHistory    map[string][]string

	notify map[string]chan struct{}
}

// NewMemoryBroker builds an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:           make(map[string]*list.List),
		jobs:             make(map[string]api.Job),
		records:          make(map[string]api.JobStatusResponse),
		active:           make(map[string]int64),
		done:             make(map[string]int64),
		failed:           make(map[string]int64),
		completedHistory: make(map[string][]string),
		failedHistory:    make(map[string][]string),
		notify:           make(map[string]chan struct{}),
	}
}

func (b *MemoryBroker) queueFor(queue string) *list.List {
	q, ok := b.queues[queue]
	if !ok {
		q = list.New()
		b.queues[queue] = q
	}
	return q
}

func (b *MemoryBroker) signal(queue string) {
	ch, ok := b.notify[queue]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) waitChan(queue string) chan struct{} {
	ch, ok := b.notify[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		b.notify[queue] = ch
	}
	return ch
}

// trimHistoryLocked appends jobID to history[queue] and evicts the oldest
// entries (deleting their job/record state) once the queue's history
// exceeds limit. Callers must hold b.mu.
func (b *MemoryBroker) trimHistoryLocked(history map[string][]string, queue, jobID string, limit int) {
	ids := append(history[queue], jobID)
	if len(ids) > limit {
		evict := ids[:len(ids)-limit]
		ids = ids[len(ids)-limit:]
		for _, id := range evict {
			delete(b.jobs, id)
			delete(b.records, id)
		}
	}
	history[queue] = ids
}

func (b *MemoryBroker) Add(ctx context.Context, queue string, job api.Job) error {
	b.mu.Lock()
	b.jobs[job.ID] = job
	b.records[job.ID] = api.JobStatusResponse{ID: job.ID, Status: api.JobQueued, Timestamp: job.CreatedAt}
	b.queueFor(queue).PushBack(job.ID)
	b.signal(queue)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Claim(ctx context.Context, queue string, timeout time.Duration) (*api.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		q := b.queueFor(queue)
		if el := q.Front(); el != nil {
			q.Remove(el)
			jobID := el.Value.(string)
			job := b.jobs[jobID]
			record := b.records[jobID]
			record.Status = api.JobActive
			record.Timestamp = time.Now()
			b.records[jobID] = record
			b.active[queue]++
			b.mu.Unlock()
			return &job, nil
		}
		ch := b.waitChan(queue)
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (b *MemoryBroker) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.records[jobID]
	if !ok {
		return ErrNotFound
	}
	record.Progress = progress
	record.Timestamp = time.Now()
	b.records[jobID] = record
	return nil
}

func (b *MemoryBroker) Complete(ctx context.Context, queue, jobID string, result api.ExecutionResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.records[jobID]
	if !ok {
		return ErrNotFound
	}
	record.Status = api.JobCompleted
	record.Timestamp = time.Now()
	record.Progress = 100
	record.Output = result.Output
	record.Error = result.Error
	record.ExecutionTime = result.ExecutionTime
	record.TestCases = result.TestCases
	b.records[jobID] = record
	b.active[queue]--
	b.done[queue]++
	b.trimHistoryLocked(b.completedHistory, queue, jobID, removeOnComplete)
	return nil
}

func (b *MemoryBroker) Fail(ctx context.Context, queue, jobID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[jobID]
	if !ok {
		return ErrNotFound
	}

	if job.Attempts < api.MaxAttempts-1 {
		job.Attempts++
		b.jobs[jobID] = job

		delay := backoffForAttempt(job.Attempts)
		record := b.records[jobID]
		record.Status = api.JobQueued
		record.Message = fmt.Sprintf("retrying in %s after failure: %s", delay, reason)
		b.records[jobID] = record

		b.active[queue]--

		// Re-enqueue only once the exponential backoff delay elapses,
		// rather than immediately, so a failing job doesn't busy-loop
		// through the worker pool.
		time.AfterFunc(delay, func() {
			b.mu.Lock()
			b.queueFor(queue).PushBack(jobID)
			b.signal(queue)
			b.mu.Unlock()
		})
		return nil
	}

	record := b.records[jobID]
	record.Status = api.JobFailed
	record.Timestamp = time.Now()
	record.Error = reason
	b.records[jobID] = record
	b.active[queue]--
	b.failed[queue]++
	b.trimHistoryLocked(b.failedHistory, queue, jobID, removeOnFail)
	return nil
}

func (b *MemoryBroker) GetByID(ctx context.Context, jobID string) (*api.JobStatusResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	record, ok := b.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return &record, nil
}

func (b *MemoryBroker) GetState(ctx context.Context, jobID string) (string, error) {
	record, err := b.GetByID(ctx, jobID)
	if err != nil {
		return "", err
	}
	return record.Status, nil
}

func (b *MemoryBroker) Counts(ctx context.Context, queue string) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		Waiting:   int64(b.queueFor(queue).Len()),
		Active:    b.active[queue],
		Completed: b.done[queue],
		Failed:    b.failed[queue],
	}, nil
}

func (b *MemoryBroker) Ping(ctx context.Context) error {
	return nil
}

func (b *MemoryBroker) Close() error {
	return nil
}
