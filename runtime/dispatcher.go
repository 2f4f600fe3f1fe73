package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomlabs/loom/actor"
	"github.com/loomlabs/loom/config"
	"github.com/loomlabs/loom/core"
	"github.com/loomlabs/loom/journal"
	"github.com/loomlabs/loom/memory"
	"github.com/loomlabs/loom/resilience"
	"github.com/loomlabs/loom/telemetry"
)

// DispatcherConfig wires the dispatcher. Registry, Queue, Store, Lease, and
// Idempotency are required; the rest are optional capabilities.
type DispatcherConfig struct {
	Config      *core.Config
	Registry    *actor.Registry
	Queue       core.Queue
	Store       core.StateStore
	Lease       core.Lease
	Idempotency IdempotencyStore
	Resolver    *config.Resolver
	Memory      *memory.Index
	Events      core.EventSink
	Logger      core.Logger
	Clock       func() time.Time

	// Authorizer gates dispatch per message. Nil means allow-all.
	Authorizer core.Authorizer

	// Metrics feeds the per-type circuit breakers. Nil means no-op.
	Metrics resilience.MetricsCollector

	// Instruments receives dispatch counters and the resident gauge when
	// telemetry is enabled.
	Instruments *telemetry.MetricInstruments

	// ConfigContext carries the deployment-level dimensions (environment,
	// region) handed to every actor context.
	ConfigContext core.ConfigContext
}

// Dispatcher runs the message protocol: lease, hydrate, idempotency check,
// execute, persist, ack. One subscription pool per registered actor type.
type Dispatcher struct {
	cfg       DispatcherConfig
	runtime   core.RuntimeConfig
	residents *Residents
	logger    core.Logger
	clock     func() time.Time

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker

	running   atomic.Bool
	subMu     sync.Mutex
	subs      []core.Subscription
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewDispatcher validates the wiring and builds the resident cache.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Lease == nil {
		return nil, fmt.Errorf("lease is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Idempotency == nil {
		return nil, fmt.Errorf("idempotency store is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Config == nil {
		cfg.Config = core.DefaultConfig()
	}
	if cfg.Events == nil {
		cfg.Events = &core.NoOpEventSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	dispatchLogger := logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		dispatchLogger = cal.WithComponent("loom/dispatcher")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	residents, err := NewResidents(cfg.Config.Runtime.MaxResidentActors, cfg.Config.Runtime.IdleTimeout, logger)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:       cfg,
		runtime:   cfg.Config.Runtime,
		residents: residents,
		logger:    dispatchLogger,
		clock:     clock,
		breakers:  make(map[string]*resilience.CircuitBreaker),
	}, nil
}

// Residents exposes the resident cache for the activity worker and events.
func (d *Dispatcher) Residents() *Residents {
	return d.residents
}

// Start subscribes WorkerCount consumers to every registered type queue and
// begins the idle-eviction sweep.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	types := d.cfg.Registry.Types()
	if len(types) == 0 {
		d.running.Store(false)
		return fmt.Errorf("no actor types registered: %w", core.ErrConfigInvalid)
	}

	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, actorType := range types {
		queueName := actor.QueueForType(actorType)
		for i := 0; i < d.runtime.WorkerCount; i++ {
			sub, err := d.cfg.Queue.Consume(ctx, queueName, d.handleJob)
			if err != nil {
				d.running.Store(false)
				d.unsubscribeLocked(ctx)
				return fmt.Errorf("consume %s: %w", queueName, err)
			}
			d.subs = append(d.subs, sub)
		}
	}

	d.sweepStop = make(chan struct{})
	d.sweepDone = make(chan struct{})
	go d.sweepLoop()

	if d.cfg.Instruments != nil {
		_ = d.cfg.Instruments.RegisterGaugeFunc(telemetry.MetricActorsResident, func() float64 {
			return float64(d.residents.Len())
		})
	}

	d.logger.Info("Dispatcher started", map[string]interface{}{
		"operation":    "dispatcher_started",
		"actor_types":  types,
		"worker_count": d.runtime.WorkerCount,
	})
	return nil
}

// Stop unsubscribes every consumer and waits for in-flight handlers, bounded
// by the configured shutdown timeout.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.running.CompareAndSwap(true, false) {
		return nil
	}
	close(d.sweepStop)
	<-d.sweepDone

	stopCtx := ctx
	if d.runtime.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, d.runtime.ShutdownTimeout)
		defer cancel()
	}

	d.subMu.Lock()
	defer d.subMu.Unlock()
	err := d.unsubscribeLocked(stopCtx)
	d.logger.Info("Dispatcher stopped", map[string]interface{}{
		"operation": "dispatcher_stopped",
	})
	return err
}

func (d *Dispatcher) unsubscribeLocked(ctx context.Context) error {
	var firstErr error
	for _, sub := range d.subs {
		if err := sub.Unsubscribe(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.subs = nil
	return firstErr
}

func (d *Dispatcher) sweepLoop() {
	defer close(d.sweepDone)
	interval := d.runtime.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.sweepStop:
			return
		case <-ticker.C:
			if n := d.residents.SweepIdle(); n > 0 {
				if d.cfg.Instruments != nil {
					_ = d.cfg.Instruments.RecordCounter(context.Background(), telemetry.MetricActorEvictions, int64(n))
				}
				d.logger.Debug("Idle actors evicted", map[string]interface{}{
					"operation": "idle_sweep",
					"evicted":   n,
				})
			}
		}
	}
}

// RouteEvent delivers an external event to a resident actor suspended in
// WaitForEvent. It reports whether a waiter consumed the event.
func (d *Dispatcher) RouteEvent(ref core.ActorRef, eventName string, payload json.RawMessage) bool {
	res, ok := d.residents.Peek(ref)
	if !ok {
		return false
	}
	key := "event:" + ref.String() + ":" + eventName
	return res.Suspensions.Resolve(key, actor.Outcome{Payload: payload})
}

func (d *Dispatcher) breaker(actorType string) *resilience.CircuitBreaker {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()
	if cb, ok := d.breakers[actorType]; ok {
		return cb
	}
	cb, err := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		Name:    "actor:" + actorType,
		Logger:  d.logger,
		Metrics: d.cfg.Metrics,
	})
	if err != nil {
		cb, _ = resilience.NewCircuitBreaker(nil)
	}
	d.breakers[actorType] = cb
	return cb
}

// handleJob is the queue-facing entry point. Returning an error NACKs the
// job and the queue's retry policy takes over.
func (d *Dispatcher) handleJob(ctx context.Context, job *core.QueueJob) error {
	var msg core.Message
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return &core.PlatformError{Op: "dispatcher.handleJob", Kind: "queue", ID: job.JobID, Err: err}
	}
	if err := msg.ActorRef.Validate(); err != nil {
		return err
	}
	err := d.dispatch(ctx, &msg, job)
	if err != nil && job.AttemptNumber >= job.MaxAttempts {
		d.publishFailure(ctx, &msg, job, err)
	}
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *core.Message, job *core.QueueJob) error {
	ref := msg.ActorRef
	reg, err := d.cfg.Registry.Lookup(ref.ActorType)
	if err != nil {
		return err
	}

	if d.cfg.Authorizer != nil {
		decision, err := d.cfg.Authorizer.Authorize(ctx, ref.TenantID, ref.String(), "execute")
		if err != nil {
			return err
		}
		if !decision.Allow {
			return fmt.Errorf("tenant %s execute on %s: %s: %w",
				ref.TenantID, ref.String(), decision.Reason, core.ErrUnauthorized)
		}
	}

	// Per-actor mutual exclusion. A held lease means another worker owns the
	// actor right now; NACK and let the backoff retry find it free.
	resource := "actors:" + ref.String()
	leaseID, err := d.cfg.Lease.Acquire(ctx, resource, d.runtime.LeaseTTL)
	if err != nil {
		if errors.Is(err, core.ErrLeaseHeld) {
			d.count(ctx, telemetry.MetricLeaseConflicts, ref.ActorType)
			d.logger.Debug("Actor busy, message deferred", map[string]interface{}{
				"operation": "dispatch_deferred",
				"actor_ref": ref.String(),
			})
		}
		return err
	}
	renewer := StartRenewer(d.cfg.Lease, resource, leaseID, d.runtime.LeaseTTL, d.logger)
	defer func() {
		renewer.Stop()
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.cfg.Lease.Release(releaseCtx, resource, leaseID); err != nil {
			d.logger.Warn("Lease release failed", map[string]interface{}{
				"operation": "lease_release_failed",
				"actor_ref": ref.String(),
				"error":     err.Error(),
			})
		}
	}()

	res, _ := d.residents.GetOrCreate(ref)
	act := res.Actor
	act.Touch(d.clock())

	if act.StateManager() == nil {
		if err := d.hydrate(ctx, res, reg); err != nil {
			return err
		}
	}

	// Redelivery of a completed logical request acks without re-executing.
	if msg.IdempotencyKey != "" {
		rec, err := d.cfg.Idempotency.Get(ctx, ref, msg.IdempotencyKey)
		if err != nil {
			return err
		}
		if rec != nil {
			d.count(ctx, telemetry.MetricIdempotencyHits, ref.ActorType)
			d.logger.Info("Duplicate request absorbed", map[string]interface{}{
				"operation":       "dispatch_idempotent_replay",
				"actor_ref":       ref.String(),
				"idempotency_key": msg.IdempotencyKey,
				"message_id":      rec.MessageID,
			})
			return nil
		}
	}

	if err := act.TransitionTo(actor.StatusExecuting); err != nil {
		return err
	}

	sm := act.StateManager()
	checkpoint := sm.Checkpoint()
	sm.RecordInvocation(msg)

	started := d.clock()
	result, execErr := d.execute(ctx, res, reg, msg)
	d.observeDispatch(ctx, ref.ActorType, d.clock().Sub(started), execErr)

	if err := act.TransitionTo(actor.StatusPersisting); err != nil {
		return err
	}

	if execErr != nil {
		if err := sm.CompensateSince(checkpoint); err != nil && !errors.Is(err, core.ErrNotInitialized) {
			d.logger.Error("Compensation failed", map[string]interface{}{
				"operation": "dispatch_compensation_failed",
				"actor_ref": ref.String(),
				"error":     err.Error(),
			})
		}
		invocation := &core.InvocationRecord{
			MessageID:   msg.MessageID,
			Status:      core.InvocationFailed,
			Error:       execErr.Error(),
			CompletedAt: d.clock().UTC(),
		}
		if err := d.persist(ctx, ref, sm, invocation); err != nil {
			d.logger.Error("Failed-invocation persist failed", map[string]interface{}{
				"operation": "dispatch_persist_failed",
				"actor_ref": ref.String(),
				"error":     err.Error(),
			})
		}
		if err := act.TransitionTo(actor.StatusIdle); err != nil {
			return err
		}
		return execErr
	}

	invocation := &core.InvocationRecord{
		MessageID:   msg.MessageID,
		Status:      core.InvocationSucceeded,
		Result:      result,
		CompletedAt: d.clock().UTC(),
	}
	if err := d.persist(ctx, ref, sm, invocation); err != nil {
		return err
	}
	if d.cfg.Instruments != nil {
		_ = d.cfg.Instruments.RecordHistogram(ctx, telemetry.MetricJournalEntries, float64(len(sm.Entries())),
			metric.WithAttributes(attribute.String("actor_type", ref.ActorType)))
	}
	if msg.IdempotencyKey != "" {
		won, err := d.cfg.Idempotency.Put(ctx, ref, msg.IdempotencyKey, &IdempotencyRecord{
			MessageID:   msg.MessageID,
			Result:      result,
			CompletedAt: invocation.CompletedAt,
		})
		if err != nil {
			d.logger.Warn("Idempotency record write failed", map[string]interface{}{
				"operation":       "dispatch_idempotency_write_failed",
				"actor_ref":       ref.String(),
				"idempotency_key": msg.IdempotencyKey,
				"error":           err.Error(),
			})
		} else if !won {
			d.logger.Debug("Idempotency record already present", map[string]interface{}{
				"operation":       "dispatch_idempotency_lost_race",
				"actor_ref":       ref.String(),
				"idempotency_key": msg.IdempotencyKey,
			})
		}
	}
	if err := act.TransitionTo(actor.StatusIdle); err != nil {
		return err
	}
	act.Touch(d.clock())
	return nil
}

// hydrate loads the persisted record and replays the journal into a fresh
// state manager. Scheduled activities with no completion marker are
// re-published so their in-flight work is not lost with the old worker.
func (d *Dispatcher) hydrate(ctx context.Context, res *Resident, reg *actor.Registration) error {
	act := res.Actor
	if err := act.TransitionTo(actor.StatusHydrating); err != nil {
		return err
	}
	d.count(ctx, telemetry.MetricActorHydrations, act.Ref.ActorType)
	record, err := d.cfg.Store.Load(ctx, act.Ref)
	if err != nil {
		return err
	}
	sm, err := journal.Hydrate(record, reg.Options.DefaultState, nil, d.cfg.Logger)
	if err != nil {
		return err
	}
	act.AttachState(sm)
	if err := act.TransitionTo(actor.StatusIdle); err != nil {
		return err
	}
	d.redrivePendingActivities(ctx, res, sm)
	return nil
}

// redrivePendingActivities republishes every activity that was scheduled but
// never completed before the actor lost residency. Delivery is at least
// once; activity handlers dedupe on the correlation id.
func (d *Dispatcher) redrivePendingActivities(ctx context.Context, res *Resident, sm *journal.StateManager) {
	completed := make(map[string]bool)
	var pending []core.JournalEntry
	for _, entry := range sm.Entries() {
		if entry.Kind != core.EntryMarker {
			continue
		}
		switch entry.Marker {
		case core.MarkerActivityCompleted:
			completed[entry.CorrelationID] = true
		case core.MarkerActivityScheduled:
			pending = append(pending, entry)
		}
	}
	for _, entry := range pending {
		if completed[entry.CorrelationID] {
			continue
		}
		if _, err := d.cfg.Queue.Publish(ctx, d.runtime.ActivityQueue, entry.MarkerPayload, nil); err != nil {
			d.logger.Warn("Activity redrive failed", map[string]interface{}{
				"operation":      "activity_redrive_failed",
				"actor_ref":      res.Actor.Ref.String(),
				"correlation_id": entry.CorrelationID,
				"error":          err.Error(),
			})
			continue
		}
		d.logger.Info("Pending activity redriven", map[string]interface{}{
			"operation":      "activity_redriven",
			"actor_ref":      res.Actor.Ref.String(),
			"correlation_id": entry.CorrelationID,
		})
	}
}

func (d *Dispatcher) execute(ctx context.Context, res *Resident, reg *actor.Registration, msg *core.Message) (json.RawMessage, error) {
	ac, err := actor.NewContext(actor.ContextConfig{
		Ref:           res.Actor.Ref,
		Message:       msg,
		StateManager:  res.Actor.StateManager(),
		Queue:         d.cfg.Queue,
		Suspensions:   res.Suspensions,
		Resolver:      d.cfg.Resolver,
		Memory:        d.cfg.Memory,
		Logger:        d.cfg.Logger,
		Clock:         d.clock,
		ConfigContext: d.cfg.ConfigContext,
	})
	if err != nil {
		return nil, err
	}

	timeout := reg.Options.ExecutionTimeout
	if timeout <= 0 {
		timeout = d.runtime.ExecuteTimeout
	}

	var result json.RawMessage
	execErr := d.breaker(res.Actor.Ref.ActorType).Execute(ctx, func() error {
		return resilience.WithTimeout(ctx, timeout, func(ctx context.Context) error {
			out, err := reg.Handler(ctx, ac, msg.Payload)
			if err != nil {
				return err
			}
			result = out
			return nil
		})
	})
	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

func (d *Dispatcher) persist(ctx context.Context, ref core.ActorRef, sm *journal.StateManager, invocation *core.InvocationRecord) error {
	record, err := sm.ToRecord(ref.ActorID, invocation)
	if err != nil {
		return err
	}
	return d.cfg.Store.Save(ctx, ref, record)
}

// count records a single counter increment tagged with the actor type when
// instruments are wired.
func (d *Dispatcher) count(ctx context.Context, name, actorType string) {
	if d.cfg.Instruments == nil {
		return
	}
	_ = d.cfg.Instruments.RecordCounter(ctx, name, 1,
		metric.WithAttributes(attribute.String("actor_type", actorType)))
}

func (d *Dispatcher) observeDispatch(ctx context.Context, actorType string, elapsed time.Duration, execErr error) {
	if d.cfg.Instruments == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("actor_type", actorType))
	_ = d.cfg.Instruments.RecordDuration(ctx, telemetry.MetricDispatchDuration, float64(elapsed.Milliseconds()), attrs)
	if execErr != nil {
		_ = d.cfg.Instruments.RecordCounter(ctx, telemetry.MetricDispatchFailure, 1,
			metric.WithAttributes(
				attribute.String("actor_type", actorType),
				attribute.String("error.kind", core.ErrorKind(execErr)),
			))
		return
	}
	_ = d.cfg.Instruments.RecordCounter(ctx, telemetry.MetricDispatchSuccess, 1, attrs)
}

func (d *Dispatcher) publishFailure(ctx context.Context, msg *core.Message, job *core.QueueJob, cause error) {
	event := core.FailureEvent{
		Kind:          "dispatch_exhausted",
		Message:       core.RedactError(cause),
		Attempt:       job.AttemptNumber,
		ActorRef:      msg.ActorRef,
		CorrelationID: msg.CorrelationID,
		Timestamp:     d.clock().UTC(),
	}
	if err := d.cfg.Events.PublishFailure(ctx, event); err != nil {
		d.logger.Warn("Failure event publish failed", map[string]interface{}{
			"operation": "failure_event_publish_failed",
			"actor_ref": msg.ActorRef.String(),
			"error":     err.Error(),
		})
	}
}
