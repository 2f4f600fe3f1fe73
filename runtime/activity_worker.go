package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomlabs/loom/actor"
	"github.com/loomlabs/loom/core"
	"github.com/loomlabs/loom/resilience"
)

// ActivityWorkerConfig wires the activity execution pool.
type ActivityWorkerConfig struct {
	Queue       core.Queue
	Executor    core.ActivityExecutor
	Residents   *Residents
	Idempotency IdempotencyStore
	Logger      core.Logger

	// QueueName defaults to the runtime activity queue.
	QueueName string

	// WorkerCount defaults to 5.
	WorkerCount int

	// ExecuteTimeout bounds one activity execution. Defaults to 5 minutes.
	ExecuteTimeout time.Duration

	Clock func() time.Time
}

// ActivityWorker consumes activity requests, runs them through the executor,
// and resolves the suspended caller by correlation id. Completed results are
// kept in the idempotency store so redriven requests never execute twice.
type ActivityWorker struct {
	cfg     ActivityWorkerConfig
	logger  core.Logger
	clock   func() time.Time
	running atomic.Bool

	subMu sync.Mutex
	subs  []core.Subscription
}

// NewActivityWorker validates the wiring and applies defaults.
func NewActivityWorker(cfg ActivityWorkerConfig) (*ActivityWorker, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("activity executor is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Residents == nil {
		return nil, fmt.Errorf("resident cache is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Idempotency == nil {
		return nil, fmt.Errorf("idempotency store is required: %w", core.ErrConfigInvalid)
	}
	if cfg.QueueName == "" {
		cfg.QueueName = actor.ActivityQueue
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 5
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("loom/activities")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ActivityWorker{cfg: cfg, logger: logger, clock: clock}, nil
}

// Start subscribes the worker pool to the activity queue.
func (w *ActivityWorker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	w.subMu.Lock()
	defer w.subMu.Unlock()
	for i := 0; i < w.cfg.WorkerCount; i++ {
		sub, err := w.cfg.Queue.Consume(ctx, w.cfg.QueueName, w.handleJob)
		if err != nil {
			w.running.Store(false)
			for _, s := range w.subs {
				_ = s.Unsubscribe(ctx)
			}
			w.subs = nil
			return fmt.Errorf("consume %s: %w", w.cfg.QueueName, err)
		}
		w.subs = append(w.subs, sub)
	}
	w.logger.Info("Activity workers started", map[string]interface{}{
		"operation":    "activity_workers_started",
		"queue":        w.cfg.QueueName,
		"worker_count": w.cfg.WorkerCount,
	})
	return nil
}

// Stop unsubscribes and waits for in-flight activities.
func (w *ActivityWorker) Stop(ctx context.Context) error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	w.subMu.Lock()
	defer w.subMu.Unlock()
	var firstErr error
	for _, sub := range w.subs {
		if err := sub.Unsubscribe(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.subs = nil
	return firstErr
}

func activityIdemKey(correlationID string) string {
	return "activity:" + correlationID
}

func (w *ActivityWorker) handleJob(ctx context.Context, job *core.QueueJob) error {
	var req actor.ActivityRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return &core.PlatformError{Op: "activity.handleJob", Kind: "queue", ID: job.JobID, Err: err}
	}

	// A redriven request whose first delivery already completed replays the
	// stored result instead of executing again.
	if rec, err := w.cfg.Idempotency.Get(ctx, req.ReplyTo, activityIdemKey(req.CorrelationID)); err == nil && rec != nil {
		w.resolve(req, actor.Outcome{Payload: rec.Result})
		return nil
	}

	var output json.RawMessage
	execErr := resilience.WithTimeout(ctx, w.cfg.ExecuteTimeout, func(ctx context.Context) error {
		out, err := w.cfg.Executor.Execute(ctx, req.Name, req.Version, req.Input)
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	if execErr != nil {
		w.logger.Warn("Activity execution failed", map[string]interface{}{
			"operation":      "activity_failed",
			"activity":       req.Name,
			"correlation_id": req.CorrelationID,
			"attempt":        job.AttemptNumber,
			"error":          execErr.Error(),
		})
		if job.AttemptNumber >= job.MaxAttempts {
			// Budget exhausted: surface the error to the waiting caller.
			// The error still goes back to the queue so the job settles in
			// the dead-letter list and the failure shows up in queue stats.
			w.resolve(req, actor.Outcome{Err: execErr})
		}
		return execErr
	}

	if _, err := w.cfg.Idempotency.Put(ctx, req.ReplyTo, activityIdemKey(req.CorrelationID), &IdempotencyRecord{
		MessageID:   req.CorrelationID,
		Result:      output,
		CompletedAt: w.clock().UTC(),
	}); err != nil {
		w.logger.Warn("Activity result record failed", map[string]interface{}{
			"operation":      "activity_record_failed",
			"correlation_id": req.CorrelationID,
			"error":          err.Error(),
		})
	}
	w.resolve(req, actor.Outcome{Payload: output})
	return nil
}

func (w *ActivityWorker) resolve(req actor.ActivityRequest, outcome actor.Outcome) {
	res, ok := w.cfg.Residents.Peek(req.ReplyTo)
	if !ok || !res.Suspensions.Resolve(req.CorrelationID, outcome) {
		w.logger.Debug("Activity result had no waiter", map[string]interface{}{
			"operation":      "activity_unclaimed",
			"actor_ref":      req.ReplyTo.String(),
			"correlation_id": req.CorrelationID,
		})
	}
}
