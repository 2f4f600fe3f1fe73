package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/core"
)

// MemoryQueue is an in-process core.Queue for tests and single-node
// deployments. Delivery is FIFO per queue with the same retry, backoff, and
// dead-letter semantics as the Redis queue.
type MemoryQueue struct {
	config RedisQueueConfig
	logger core.Logger
	clock  func() time.Time

	mu     sync.Mutex
	ready  map[string][]*core.QueueJob
	dead   map[string][]*core.QueueJob
	closed bool
}

// NewMemoryQueue creates an in-memory queue reusing the Redis queue's
// configuration shape.
func NewMemoryQueue(config *RedisQueueConfig) (*MemoryQueue, error) {
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
	return &MemoryQueue{
		config: *config,
		logger: logger,
		clock:  time.Now,
		ready:  make(map[string][]*core.QueueJob),
		dead:   make(map[string][]*core.QueueJob),
	}, nil
}

// SetClock overrides the time source. Tests only.
func (q *MemoryQueue) SetClock(clock func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = clock
}

func (q *MemoryQueue) backoffFor(attempt int) time.Duration {
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
func (q *MemoryQueue) Publish(ctx context.Context, queueName string, payload json.RawMessage, opts *core.PublishOptions) (string, error) {
	if queueName == "" {
		return "", fmt.Errorf("queue name is required")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", core.ErrQueueClosed
	}
	q.mu.Unlock()

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

	q.mu.Lock()
	q.ready[queueName] = append(q.ready[queueName], job)
	q.mu.Unlock()
	return job.JobID, nil
}

// takeDue pops the first job whose NotBefore has passed, preserving FIFO
// among due jobs.
func (q *MemoryQueue) takeDue(queueName string) *core.QueueJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock()
	list := q.ready[queueName]
	for i, job := range list {
		if !job.NotBefore.IsZero() && job.NotBefore.After(now) {
			continue
		}
		q.ready[queueName] = append(list[:i:i], list[i+1:]...)
		return job
	}
	return nil
}

// Ack records successful completion.
func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	return q.config.Metadata.RecordAttempt(ctx, jobID, core.JobAttempt{
		Status:    core.JobCompleted,
		Timestamp: q.clock().UTC(),
	})
}

// Fail mirrors the Redis queue's retry and dead-letter behavior.
func (q *MemoryQueue) Fail(ctx context.Context, jobID string, failure error, retry bool) (string, error) {
	job, err := q.config.Metadata.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}

	errMsg := ""
	if failure != nil {
		errMsg = failure.Error()
	}
	if err := q.config.Metadata.RecordAttempt(ctx, jobID, core.JobAttempt{
		Status:    core.JobFailed,
		Timestamp: q.clock().UTC(),
		Error:     errMsg,
		ErrorKind: core.ErrorKind(failure),
	}); err != nil {
		return "", err
	}

	if retry && job.AttemptNumber < job.MaxAttempts {
		now := q.clock().UTC()
		next := &core.QueueJob{
			JobID:         uuid.NewString(),
			QueueName:     job.QueueName,
			Payload:       job.Payload,
			AttemptNumber: job.AttemptNumber + 1,
			MaxAttempts:   job.MaxAttempts,
			Status:        core.JobDelayed,
			EnqueuedAt:    job.EnqueuedAt,
			NotBefore:     now.Add(q.backoffFor(job.AttemptNumber)),
		}
		if err := q.config.Metadata.RecordJob(ctx, next); err != nil {
			return "", err
		}
		q.mu.Lock()
		q.ready[job.QueueName] = append(q.ready[job.QueueName], next)
		q.mu.Unlock()
		return next.JobID, nil
	}

	job.Status = core.JobDead
	if err := q.config.Metadata.RecordJob(ctx, job); err != nil {
		return "", err
	}
	q.mu.Lock()
	q.dead[job.QueueName] = append(q.dead[job.QueueName], job)
	q.mu.Unlock()
	return "", nil
}

type memorySubscription struct {
	queueName string
	cancel    context.CancelFunc
	done      chan struct{}
}

func (s *memorySubscription) Queue() string { return s.queueName }

func (s *memorySubscription) Unsubscribe(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume starts delivering jobs from queueName to handler.
func (q *MemoryQueue) Consume(ctx context.Context, queueName string, handler core.JobHandler) (core.Subscription, error) {
	if queueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		queueName: queueName,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		for {
			if runCtx.Err() != nil {
				return
			}
			job := q.takeDue(queueName)
			if job == nil {
				select {
				case <-runCtx.Done():
					return
				case <-time.After(5 * time.Millisecond):
				}
				continue
			}
			q.deliver(runCtx, job, handler)
		}
	}()

	return sub, nil
}

func (q *MemoryQueue) deliver(ctx context.Context, job *core.QueueJob, handler core.JobHandler) {
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

	if err == nil {
		if ackErr := q.config.Metadata.RecordAttempt(ctx, job.JobID, core.JobAttempt{
			Status:     core.JobCompleted,
			Timestamp:  q.clock().UTC(),
			DurationMs: q.clock().Sub(started).Milliseconds(),
		}); ackErr != nil {
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

// DeadJobs returns the preserved dead jobs for a queue.
func (q *MemoryQueue) DeadJobs(queueName string) []*core.QueueJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*core.QueueJob, len(q.dead[queueName]))
	copy(out, q.dead[queueName])
	return out
}

// Close stops accepting publishes.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
