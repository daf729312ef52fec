// Package worker runs one (language, instance) execution loop: claim jobs
// from a queue, run them through the Executor, and report results back to
// the broker.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinelcode/sentinel/internal/api"
	"github.com/sentinelcode/sentinel/internal/broker"
	"github.com/sentinelcode/sentinel/internal/executor"
	"github.com/sentinelcode/sentinel/internal/metrics"
	"github.com/sentinelcode/sentinel/internal/registry"
)

// claimPollTimeout bounds how long a single Claim call blocks before
// re-checking ctx for cancellation. It is not a job-processing timeout.
const claimPollTimeout = 2 * time.Second

// Worker claims and executes jobs for one queue, with up to Concurrency
// jobs in flight at once.
type Worker struct {
	Broker      broker.Broker
	Registry    *registry.Registry
	Executor    *executor.Executor
	Queue       string
	Language    string
	Concurrency int
	Log         *logrus.Entry
	Metrics     *metrics.Metrics // optional; nil disables instrumentation
}

// Run blocks, claiming and processing jobs until ctx is canceled. It then
// waits for in-flight jobs to finish before returning.
func (w *Worker) Run(ctx context.Context) {
	log := w.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	log.WithField("queue", w.Queue).WithField("concurrency", concurrency).Info("worker starting")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down, waiting for in-flight jobs")
			wg.Wait()
			log.Info("worker stopped")
			return
		case sem <- struct{}{}:
		}

		job, err := w.Broker.Claim(ctx, w.Queue, claimPollTimeout)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				continue
			}
			log.WithError(err).Error("claim failed")
			continue
		}
		if job == nil {
			<-sem
			continue
		}

		wg.Add(1)
		go func(job api.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, job, log)
		}(*job)
	}
}

func (w *Worker) process(ctx context.Context, job api.Job, log *logrus.Entry) {
	jobLog := log.WithField("jobId", job.ID).WithField("language", job.Language)
	jobLog.Info("processing job")

	if err := w.Broker.UpdateProgress(ctx, job.ID, 10); err != nil {
		jobLog.WithError(err).Warn("failed to report initial progress")
	}

	desc, ok := w.Registry.Get(job.Language)
	if !ok {
		w.failJob(ctx, job, "unsupported language: "+job.Language, jobLog)
		return
	}

	runStart := time.Now()
	result := w.Executor.Run(ctx, executor.Request{
		Descriptor: desc,
		Code:       job.Code,
		Stdin:      job.Input,
		TestCases:  job.TestCases,
	})
	w.recordMetrics(job.Language, result, time.Since(runStart))

	if result.Status == api.StatusError && len(result.TestCases) == 0 {
		// A top-level execution error (compile failure, spawn failure,
		// timeout, output cap) is still a completed job from the broker's
		// point of view: the client receives the error as the result, not
		// as a retried job. Retries exist for broker/worker-level faults,
		// not for the user's own code misbehaving.
		if err := w.Broker.Complete(ctx, w.Queue, job.ID, result); err != nil {
			jobLog.WithError(err).Error("failed to record completed (errored) result")
		}
		return
	}

	if err := w.Broker.Complete(ctx, w.Queue, job.ID, result); err != nil {
		jobLog.WithError(err).Error("failed to record completed result")
	}
}

func (w *Worker) failJob(ctx context.Context, job api.Job, reason string, log *logrus.Entry) {
	log.WithField("reason", reason).Warn("failing job")
	if err := w.Broker.Fail(ctx, w.Queue, job.ID, reason); err != nil {
		log.WithError(err).Error("failed to record job failure")
	}
	if w.Metrics != nil {
		w.Metrics.JobsFailed.WithLabelValues(job.Language).Inc()
	}
}

func (w *Worker) recordMetrics(language string, result api.ExecutionResult, elapsed time.Duration) {
	if w.Metrics == nil {
		return
	}
	w.Metrics.ExecutionTime.WithLabelValues(language, result.Status).Observe(elapsed.Seconds())
	if result.Status == api.StatusSuccess {
		w.Metrics.JobsCompleted.WithLabelValues(language).Inc()
	} else {
		w.Metrics.JobsFailed.WithLabelValues(language).Inc()
	}
}
