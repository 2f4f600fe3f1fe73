package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/loomlabs/loom/core"
)

// RedisQueueConfig configures the Redis-backed queue.
type RedisQueueConfig struct {
	// Namespace prefixes every Redis key. Default "loom".
	Namespace string

	// MaxAttempts is the default delivery budget when a publish does not
	// override it. Default 3.
	MaxAttempts int

	// Backoff schedule for retry re-enqueue delays.
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// PromoteInterval is how often due delayed jobs move back to the ready
	// list. Default 500ms.
	PromoteInterval time.Duration

	// BlockTimeout bounds each blocking pop so consumers notice shutdown.
	// Default 1s.
	BlockTimeout time.Duration

	// Metadata records every transition. Required.
	Metadata core.QueueMetadata

	Logger core.Logger
}

func (c *RedisQueueConfig) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "loom"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = 500 * time.Millisecond
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = &core.NoOpLogger{}
	}
}

// RedisQueue implements core.Queue over Redis lists: LPUSH to enqueue, BRPOP
// to dequeue, a sorted set for delayed jobs, and a list preserving dead jobs
// for inspection.
type RedisQueue struct {
	client *redis.Client
	config RedisQueueConfig
	logger core.Logger
	clock  func() time.Time
}

// NewRedisQueue creates a queue on an already-connected client.
func NewRedisQueue(client *redis.Client, config *RedisQueueConfig) (*RedisQueue, error) {
	if config == nil {
		return nil, fmt.Errorf("queue config is required")
	}
	if config.Metadata == nil {
		return nil, fmt.Errorf("queue metadata store is required")
	}
	config.applyDefaults()

	logger := config.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("loom/queue")
	}
	return &RedisQueue{
		client: client,
		config: *config,
		logger: logger,
		clock:  time.Now,
	}, nil
}

func (q *RedisQueue) readyKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s:ready", q.config.Namespace, queueName)
}

func (q *RedisQueue) delayedKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s:delayed", q.config.Namespace, queueName)
}

func (q *RedisQueue) deadKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s:dead", q.config.Namespace, queueName)
}

// backoffFor returns the re-enqueue delay before the given attempt number.
func (q *RedisQueue) backoffFor(attempt int) time.Duration {
	delay := float64(q.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		delay *= q.config.BackoffMultiplier
		if delay >= float64(q.config.MaxBackoff) {
			return q.config.MaxBackoff
		}
	}
	d := time.Duration(delay)
	if d > q.config.MaxBackoff {
		return q.config.MaxBackoff
	}
	return d
}

// Publish enqueues payload and returns the new job's ID.
func (q *RedisQueue) Publish(ctx context.Context, queueName string, payload json.RawMessage, opts *core.PublishOptions) (string, error) {
	if queueName == "" {
		return "", fmt.Errorf("queue name is required")
	}

	maxAttempts := q.config.MaxAttempts
	var delay time.Duration
	if opts != nil {
		if opts.MaxAttempts > 0 {
			maxAttempts = opts.MaxAttempts
		}
		delay = opts.Delay
	}

	now := q.clock().UTC()
	job := &core.QueueJob{
		JobID:         uuid.NewString(),
		QueueName:     queueName,
		Payload:       append(json.RawMessage(nil), payload...),
		AttemptNumber: 1,
		MaxAttempts:   maxAttempts,
		Status:        core.JobQueued,
		EnqueuedAt:    now,
	}
	if delay > 0 {
		job.Status = core.JobDelayed
		job.NotBefore = now.Add(delay)
	}

	if err := q.config.Metadata.RecordJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.push(ctx, job); err != nil {
		return "", err
	}

	q.logger.Info("Job published", map[string]interface{}{
		"operation": "queue_publish",
		"queue":     queueName,
		"job_id":    job.JobID,
		"delay_ms":  delay.Milliseconds(),
	})
	return job.JobID, nil
}

// push places a job on the ready list or the delayed set.
func (q *RedisQueue) push(ctx context.Context, job *core.QueueJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return &core.PlatformError{Op: "queue.Publish", Kind: "queue", ID: job.JobID, Err: err}
	}
	if job.Status == core.JobDelayed {
		err = q.client.ZAdd(ctx, q.delayedKey(job.QueueName), &redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: data,
		}).Err()
	} else {
		err = q.client.LPush(ctx, q.readyKey(job.QueueName), data).Err()
	}
	if err != nil {
		return &core.PlatformError{Op: "queue.Publish", Kind: "queue", ID: job.JobID, Err: err}
	}
	return nil
}

// Ack records successful completion of a delivered job.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.config.Metadata.RecordAttempt(ctx, jobID, core.JobAttempt{
		Status:    core.JobCompleted,
		Timestamp: q.clock().UTC(),
	})
}

// Fail records a failed attempt. With retry and remaining budget the job is
// re-enqueued with backoff under a fresh ID; otherwise it moves to the dead
// letter list and "" is returned.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, failure error, retry bool) (string, error) {
	job, err := q.config.Metadata.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}

	errMsg := ""
	if failure != nil {
		errMsg = failure.Error()
	}
	attempt := core.JobAttempt{
		Status:    core.JobFailed,
		Timestamp: q.clock().UTC(),
		Error:     errMsg,
		ErrorKind: core.ErrorKind(failure),
	}
	if err := q.config.Metadata.RecordAttempt(ctx, jobID, attempt); err != nil {
		return "", err
	}

	if retry && job.AttemptNumber < job.MaxAttempts {
		delay := q.backoffFor(job.AttemptNumber)
		now := q.clock().UTC()
		next := &core.QueueJob{
			JobID:         uuid.NewString(),
			QueueName:     job.QueueName,
			Payload:       job.Payload,
			AttemptNumber: job.AttemptNumber + 1,
			MaxAttempts:   job.MaxAttempts,
			Status:        core.JobDelayed,
			EnqueuedAt:    job.EnqueuedAt,
			NotBefore:     now.Add(delay),
		}
		if err := q.config.Metadata.RecordJob(ctx, next); err != nil {
			return "", err
		}
		if err := q.push(ctx, next); err != nil {
			return "", err
		}
		q.logger.Warn("Job failed, retry scheduled", map[string]interface{}{
			"operation":  "queue_retry",
			"queue":      job.QueueName,
			"job_id":     jobID,
			"new_job_id": next.JobID,
			"attempt":    next.AttemptNumber,
			"backoff_ms": delay.Milliseconds(),
			"error":      errMsg,
		})
		return next.JobID, nil
	}

	// Budget exhausted or retry refused: preserve for inspection.
	job.Status = core.JobDead
	if err := q.config.Metadata.RecordJob(ctx, job); err != nil {
		return "", err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", &core.PlatformError{Op: "queue.Fail", Kind: "queue", ID: jobID, Err: err}
	}
	if err := q.client.LPush(ctx, q.deadKey(job.QueueName), data).Err(); err != nil {
		return "", &core.PlatformError{Op: "queue.Fail", Kind: "queue", ID: jobID, Err: err}
	}
	q.logger.Error("Job moved to dead letter", map[string]interface{}{
		"operation": "queue_dead",
		"queue":     job.QueueName,
		"job_id":    jobID,
		"attempts":  job.AttemptNumber,
		"error":     errMsg,
	})
	return "", nil
}

// redisSubscription is an active consumer on one queue.
type redisSubscription struct {
	queueName string
	cancel    context.CancelFunc
	done      chan struct{}
}

func (s *redisSubscription) Queue() string { return s.queueName }

func (s *redisSubscription) Unsubscribe(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume starts delivering jobs from queueName to handler, one at a time
// per subscription. Handler errors NACK the job into the retry path.
func (q *RedisQueue) Consume(ctx context.Context, queueName string, handler core.JobHandler) (core.Subscription, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		queueName: queueName,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.consumeLoop(runCtx, queueName, handler)
	}()
	go func() {
		defer wg.Done()
		q.promoteLoop(runCtx, queueName)
	}()
	go func() {
		wg.Wait()
		close(sub.done)
	}()

	return sub, nil
}

// consumeLoop pops and handles jobs until the context ends. Redis failures
// back off exponentially instead of spinning.
func (q *RedisQueue) consumeLoop(ctx context.Context, queueName string, handler core.JobHandler) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		result, err := q.client.BRPop(ctx, q.config.BlockTimeout, q.readyKey(queueName)).Result()
		if err == redis.Nil {
			bo.Reset()
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			q.logger.Warn("Queue pop failed, backing off", map[string]interface{}{
				"operation":  "queue_consume",
				"queue":      queueName,
				"error":      err.Error(),
				"backoff_ms": wait.Milliseconds(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		if len(result) < 2 {
			continue
		}
		var job core.QueueJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			q.logger.Error("Failed to decode job, dropping", map[string]interface{}{
				"operation": "queue_consume",
				"queue":     queueName,
				"error":     err.Error(),
			})
			continue
		}

		q.deliver(ctx, &job, handler)
	}
}

// deliver runs the handler for one job and settles it.
func (q *RedisQueue) deliver(ctx context.Context, job *core.QueueJob, handler core.JobHandler) {
	started := q.clock()
	if err := q.config.Metadata.RecordAttempt(ctx, job.JobID, core.JobAttempt{
		Status:    core.JobActive,
		Timestamp: started.UTC(),
	}); err != nil {
		q.logger.Warn("Failed to record active attempt", map[string]interface{}{
			"operation": "queue_deliver",
			"job_id":    job.JobID,
			"error":     err.Error(),
		})
	}
	job.Status = core.JobActive

	err := func() (handlerErr error) {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, job)
	}()

	duration := q.clock().Sub(started)
	if err == nil {
		if ackErr := q.ackWithDuration(ctx, job.JobID, duration); ackErr != nil {
			q.logger.Error("Failed to ack job", map[string]interface{}{
				"operation": "queue_ack",
				"job_id":    job.JobID,
				"error":     ackErr.Error(),
			})
		}
		return
	}

	if _, failErr := q.Fail(ctx, job.JobID, err, true); failErr != nil {
		q.logger.Error("Failed to settle failed job", map[string]interface{}{
			"operation": "queue_fail",
			"job_id":    job.JobID,
			"error":     failErr.Error(),
		})
	}
}

func (q *RedisQueue) ackWithDuration(ctx context.Context, jobID string, duration time.Duration) error {
	return q.config.Metadata.RecordAttempt(ctx, jobID, core.JobAttempt{
		Status:     core.JobCompleted,
		Timestamp:  q.clock().UTC(),
		DurationMs: duration.Milliseconds(),
	})
}

// promoteLoop moves due delayed jobs onto the ready list.
func (q *RedisQueue) promoteLoop(ctx context.Context, queueName string) {
	ticker := time.NewTicker(q.config.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.promoteDue(ctx, queueName); err != nil && ctx.Err() == nil {
				q.logger.Warn("Delayed job promotion failed", map[string]interface{}{
					"operation": "queue_promote",
					"queue":     queueName,
					"error":     err.Error(),
				})
			}
		}
	}
}

// promoteDue pops every delayed job whose time has come and enqueues it.
func (q *RedisQueue) promoteDue(ctx context.Context, queueName string) error {
	now := q.clock().UTC().UnixMilli()
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey(queueName), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another promoter claimed it.
			continue
		}
		var job core.QueueJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.logger.Error("Failed to decode delayed job, dropping", map[string]interface{}{
				"operation": "queue_promote",
				"queue":     queueName,
				"error":     err.Error(),
			})
			continue
		}
		job.Status = core.JobQueued
		job.NotBefore = time.Time{}
		if err := q.config.Metadata.RecordJob(ctx, &job); err != nil {
			return err
		}
		data, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := q.client.LPush(ctx, q.readyKey(queueName), data).Err(); err != nil {
			return err
		}
	}
	return nil
}

// DeadJobs returns up to limit jobs from the dead letter list, newest first.
func (q *RedisQueue) DeadJobs(ctx context.Context, queueName string, limit int64) ([]*core.QueueJob, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := q.client.LRange(ctx, q.deadKey(queueName), 0, limit-1).Result()
	if err != nil {
		return nil, &core.PlatformError{Op: "queue.DeadJobs", Kind: "queue", ID: queueName, Err: err}
	}
	jobs := make([]*core.QueueJob, 0, len(members))
	for _, member := range members {
		var job core.QueueJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Length returns the current ready-list depth, for monitoring.
func (q *RedisQueue) Length(ctx context.Context, queueName string) (int64, error) {
	n, err := q.client.LLen(ctx, q.readyKey(queueName)).Result()
	if err != nil {
		return 0, &core.PlatformError{Op: "queue.Length", Kind: "queue", ID: queueName, Err: err}
	}
	return n, nil
}
