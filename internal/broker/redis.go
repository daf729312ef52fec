package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/sentinelcode/sentinel/internal/api"
)

// delayedSetKey is a single Redis sorted set, shared across all queues,
// holding jobs awaiting retry. Members are "queue:jobID" strings scored by
// the unix-millisecond timestamp at which they become eligible to run
// again; sweepDelayed promotes due members back onto their queue's list.
const delayedSetKey = "broker:delayed"

// RedisBroker implements Broker on top of a Redis list (queue) plus a
// per-job string record. Queues are plain Redis lists so that FIFO order
// falls out of RPUSH/BLPOP for free; job records are JSON blobs so the
// broker never needs a parallel schema migration when api.JobStatusResponse
// grows a field.
type RedisBroker struct {
	client *redis.Client
	log    *logrus.Entry

	stopSweep context.CancelFunc
}

// NewRedisBroker connects to addr (host:port) and verifies the connection
// with a short-timeout PING before returning. It also starts a background
// sweep that promotes delayed retries onto their queue once their backoff
// elapses.
func NewRedisBroker(addr, password string, db int, log *logrus.Entry) (*RedisBroker, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("broker: connecting to redis at %s: %w", addr, err)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	b := &RedisBroker{client: client, log: log, stopSweep: stopSweep}
	go b.sweepDelayed(sweepCtx)
	return b, nil
}

func queueKey(queue string) string             { return "queue:" + queue }
func jobKey(jobID string) string               { return "job:" + jobID }
func counterKey(queue, name string) string     { return "queue:" + queue + ":" + name }
func historyKey(queue, name string) string     { return "queue:" + queue + ":history:" + name }
func delayedMember(queue, jobID string) string { return queue + ":" + jobID }

func (b *RedisBroker) Add(ctx context.Context, queue string, job api.Job) error {
	record := api.JobStatusResponse{
		ID:        job.ID,
		Status:    api.JobQueued,
		Timestamp: job.CreatedAt,
	}
	if err := b.putRecord(ctx, job.ID, record); err != nil {
		return err
	}
	if err := b.putJob(ctx, job); err != nil {
		return err
	}
	return b.client.RPush(ctx, queueKey(queue), job.ID).Err()
}

func (b *RedisBroker) Claim(ctx context.Context, queue string, timeout time.Duration) (*api.Job, error) {
	result, err := b.client.BLPop(ctx, timeout, queueKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: claim on %q: %w", queue, err)
	}

	// BLPop returns [key, value]; value is the job ID.
	jobID := result[1]
	job, err := b.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	record, err := b.getRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	record.Status = api.JobActive
	record.Timestamp = time.Now()
	if err := b.putRecord(ctx, jobID, record); err != nil {
		return nil, err
	}
	if err := b.client.Incr(ctx, counterKey(queue, "active")).Err(); err != nil {
		b.log.WithError(err).Warn("broker: failed to increment active counter")
	}

	return job, nil
}

func (b *RedisBroker) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	record, err := b.getRecord(ctx, jobID)
	if err != nil {
		return err
	}
	record.Progress = progress
	record.Timestamp = time.Now()
	return b.putRecord(ctx, jobID, record)
}

func (b *RedisBroker) Complete(ctx context.Context, queue, jobID string, result api.ExecutionResult) error {
	record, err := b.getRecord(ctx, jobID)
	if err != nil {
		return err
	}
	record.Status = api.JobCompleted
	record.Timestamp = time.Now()
	record.Progress = 100
	record.Output = result.Output
	record.Error = result.Error
	record.ExecutionTime = result.ExecutionTime
	record.TestCases = result.TestCases
	if err := b.putRecord(ctx, jobID, record); err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Decr(ctx, counterKey(queue, "active"))
	pipe.Incr(ctx, counterKey(queue, "completed"))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return err
	}
	return b.recordHistory(ctx, historyKey(queue, "completed"), jobID, removeOnComplete)
}

func (b *RedisBroker) Fail(ctx context.Context, queue, jobID, reason string) error {
	job, err := b.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Attempts < api.MaxAttempts-1 {
		job.Attempts++
		if err := b.putJob(ctx, *job); err != nil {
			return err
		}

		delay := backoffForAttempt(job.Attempts)
		record, err := b.getRecord(ctx, jobID)
		if err != nil {
			return err
		}
		record.Status = api.JobQueued
		record.Message = fmt.Sprintf("retrying in %s after failure: %s", delay, reason)
		if err := b.putRecord(ctx, jobID, record); err != nil {
			return err
		}

		readyAt := float64(time.Now().Add(delay).UnixMilli())
		pipe := b.client.TxPipeline()
		pipe.Decr(ctx, counterKey(queue, "active"))
		pipe.ZAdd(ctx, delayedSetKey, &redis.Z{Score: readyAt, Member: delayedMember(queue, jobID)})
		_, err = pipe.Exec(ctx)
		return err
	}

	record, err := b.getRecord(ctx, jobID)
	if err != nil {
		return err
	}
	record.Status = api.JobFailed
	record.Timestamp = time.Now()
	record.Error = reason
	if err := b.putRecord(ctx, jobID, record); err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Decr(ctx, counterKey(queue, "active"))
	pipe.Incr(ctx, counterKey(queue, "failed"))
	_, err = pipe.Exec(ctx)
	if err != nil {
		return err
	}
	return b.recordHistory(ctx, historyKey(queue, "failed"), jobID, removeOnFail)
}

// recordHistory appends jobID to a queue's terminal-state history list and
// evicts (deleting job/record state for) the oldest entries once the list
// exceeds limit.
func (b *RedisBroker) recordHistory(ctx context.Context, listKey, jobID string, limit int) error {
	if err := b.client.LPush(ctx, listKey, jobID).Err(); err != nil {
		return err
	}
	for {
		n, err := b.client.LLen(ctx, listKey).Result()
		if err != nil || n <= int64(limit) {
			return err
		}
		oldID, err := b.client.RPop(ctx, listKey).Result()
		if err != nil {
			return err
		}
		b.client.Del(ctx, jobKey(oldID), jobKey(oldID)+":payload")
	}
}

// sweepDelayed periodically promotes delayed retries that have become due
// from delayedSetKey back onto their queue's list.
func (b *RedisBroker) sweepDelayed(ctx context.Context) {
	ticker := time.NewTicker(RetrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.promoteDueRetries(ctx)
		}
	}
}

func (b *RedisBroker) promoteDueRetries(ctx context.Context) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := b.client.ZRangeByScore(ctx, delayedSetKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		b.log.WithError(err).Warn("broker: failed to scan delayed retries")
		return
	}
	for _, member := range members {
		queue, jobID, ok := strings.Cut(member, ":")
		if !ok {
			continue
		}
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, delayedSetKey, member)
		pipe.RPush(ctx, queueKey(queue), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			b.log.WithError(err).Warn("broker: failed to promote delayed retry")
		}
	}
}

func (b *RedisBroker) GetByID(ctx context.Context, jobID string) (*api.JobStatusResponse, error) {
	record, err := b.getRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (b *RedisBroker) GetState(ctx context.Context, jobID string) (string, error) {
	record, err := b.getRecord(ctx, jobID)
	if err != nil {
		return "", err
	}
	return record.Status, nil
}

func (b *RedisBroker) Counts(ctx context.Context, queue string) (Counts, error) {
	waiting, err := b.client.LLen(ctx, queueKey(queue)).Result()
	if err != nil {
		return Counts{}, err
	}
	active := b.intCounter(ctx, queue, "active")
	completed := b.intCounter(ctx, queue, "completed")
	failed := b.intCounter(ctx, queue, "failed")
	return Counts{Waiting: waiting, Active: active, Completed: completed, Failed: failed}, nil
}

func (b *RedisBroker) intCounter(ctx context.Context, queue, name string) int64 {
	v, err := b.client.Get(ctx, counterKey(queue, name)).Int64()
	if err != nil {
		return 0
	}
	return v
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	b.stopSweep()
	return b.client.Close()
}

func (b *RedisBroker) putJob(ctx context.Context, job api.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, jobKey(job.ID)+":payload", data, 0).Err()
}

func (b *RedisBroker) getJob(ctx context.Context, jobID string) (*api.Job, error) {
	data, err := b.client.Get(ctx, jobKey(jobID)+":payload").Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job api.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (b *RedisBroker) putRecord(ctx context.Context, jobID string, record api.JobStatusResponse) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, jobKey(jobID), data, 0).Err()
}

func (b *RedisBroker) getRecord(ctx context.Context, jobID string) (api.JobStatusResponse, error) {
	data, err := b.client.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return api.JobStatusResponse{}, ErrNotFound
	}
	if err != nil {
		return api.JobStatusResponse{}, err
	}
	var record api.JobStatusResponse
	if err := json.Unmarshal(data, &record); err != nil {
		return api.JobStatusResponse{}, err
	}
	return record, nil
}
