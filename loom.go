// Package loom is a multi-tenant actor execution platform: journaled actor
// state with replay, durable queues with idempotent redelivery, hierarchical
// configuration, and semantic memory. The Platform type wires the packages
// together; each package is also usable on its own.
package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/loomlabs/loom/actor"
	"github.com/loomlabs/loom/config"
	"github.com/loomlabs/loom/core"
	"github.com/loomlabs/loom/memory"
	"github.com/loomlabs/loom/queue"
	"github.com/loomlabs/loom/resilience"
	"github.com/loomlabs/loom/runtime"
	"github.com/loomlabs/loom/telemetry"
	"github.com/loomlabs/loom/trigger"
)

// Option customizes a Platform during construction.
type Option func(*Platform) error

// WithConfig applies bootstrap config options (connection parameters and
// runtime knobs; see core.NewConfig for the resolution order).
func WithConfig(opts ...core.Option) Option {
	return func(p *Platform) error {
		cfg, err := core.NewConfig(opts...)
		if err != nil {
			return err
		}
		p.cfg = cfg
		return nil
	}
}

// WithLogger replaces the default JSON logger.
func WithLogger(logger core.Logger) Option {
	return func(p *Platform) error {
		p.logger = logger
		return nil
	}
}

// WithEmbedder supplies the embedding backend for the memory index.
func WithEmbedder(embedder core.Embedder) Option {
	return func(p *Platform) error {
		p.embedder = embedder
		return nil
	}
}

// WithActivityExecutor supplies the executor the activity workers run
// requests through. Without one, CallActivity requests sit on the activity
// queue for an external worker fleet.
func WithActivityExecutor(executor core.ActivityExecutor) Option {
	return func(p *Platform) error {
		p.executor = executor
		return nil
	}
}

// WithAuthorizer installs the authorization plugin consulted before every
// dispatch. Without one, every message is allowed.
func WithAuthorizer(authorizer core.Authorizer) Option {
	return func(p *Platform) error {
		p.authorizer = authorizer
		return nil
	}
}

// WithEventSink receives failure and trace events.
func WithEventSink(sink core.EventSink) Option {
	return func(p *Platform) error {
		p.events = sink
		return nil
	}
}

// Platform owns the wired runtime: queue, state store, lease, idempotency,
// config resolver, memory index, dispatcher, activity workers, and triggers.
type Platform struct {
	cfg        *core.Config
	logger     core.Logger
	embedder   core.Embedder
	executor   core.ActivityExecutor
	events     core.EventSink
	authorizer core.Authorizer

	client    *redis.Client
	queue     core.Queue
	meta      core.QueueMetadata
	store     core.StateStore
	lease     core.Lease
	idem      runtime.IdempotencyStore
	registry  *actor.Registry
	resolver  *config.Resolver
	memIndex  *memory.Index
	telemetry *telemetry.OTelProvider

	breakerMetrics *resilience.OTelMetricsCollector

	dispatcher *runtime.Dispatcher
	activities *runtime.ActivityWorker
	triggers   *trigger.Engine

	started atomic.Bool
}

// NewPlatform builds a platform. With a Redis URL configured every store is
// Redis-backed; without one the in-memory implementations serve, which keeps
// tests and local development dependency-free.
func NewPlatform(opts ...Option) (*Platform, error) {
	p := &Platform{registry: actor.NewRegistry()}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.cfg == nil {
		cfg, err := core.NewConfig()
		if err != nil {
			return nil, err
		}
		p.cfg = cfg
	}
	if p.logger == nil {
		p.logger = core.NewJSONLogger(core.ParseLogLevel(p.cfg.Logging.Level))
	}
	if p.events == nil {
		p.events = &core.NoOpEventSink{}
	}

	// The provider comes up first so the stores, resolver, and index can
	// record through its instruments.
	if p.cfg.Telemetry.Enabled {
		provider, err := telemetry.NewOTelProvider(p.cfg.Telemetry.ServiceName, p.cfg.Telemetry.OTELEndpoint)
		if err != nil {
			return nil, err
		}
		p.telemetry = provider
	}

	if err := p.buildStores(); err != nil {
		return nil, err
	}
	if err := p.buildResolver(); err != nil {
		return nil, err
	}
	if err := p.buildMemory(); err != nil {
		return nil, err
	}

	triggers, err := trigger.NewEngine(trigger.EngineConfig{Queue: p.queue, Logger: p.logger})
	if err != nil {
		return nil, err
	}
	p.triggers = triggers
	return p, nil
}

func (p *Platform) buildStores() error {
	queueConfig := &queue.RedisQueueConfig{
		Namespace:         p.cfg.Redis.Namespace,
		MaxAttempts:       p.cfg.Queue.MaxAttempts,
		InitialBackoff:    p.cfg.Queue.InitialBackoff,
		MaxBackoff:        p.cfg.Queue.MaxBackoff,
		BackoffMultiplier: p.cfg.Queue.BackoffMultiplier,
		PromoteInterval:   p.cfg.Queue.PromoteInterval,
		Logger:            p.logger,
	}

	if p.cfg.Redis.URL == "" {
		meta := p.instrumentMeta(queue.NewMemoryMetadata())
		queueConfig.Metadata = meta
		q, err := queue.NewMemoryQueue(queueConfig)
		if err != nil {
			return err
		}
		p.queue, p.meta = q, meta
		p.store = core.NewMemoryStateStore()
		p.lease = runtime.NewMemoryLease()
		p.idem = runtime.NewMemoryIdempotencyStore(0)
		return nil
	}

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  p.cfg.Redis.URL,
		Namespace: p.cfg.Redis.Namespace,
		Logger:    p.logger,
	})
	if err != nil {
		return err
	}
	p.client = client

	meta := p.instrumentMeta(queue.NewRedisMetadata(client, p.cfg.Redis.Namespace, p.logger))
	queueConfig.Metadata = meta
	q, err := queue.NewRedisQueue(client, queueConfig)
	if err != nil {
		return err
	}
	p.queue, p.meta = q, meta
	p.store = core.NewRedisStateStore(client, p.cfg.Redis.Namespace, p.logger)

	lease, err := runtime.NewRedisLease(client, p.cfg.Redis.Namespace, p.logger)
	if err != nil {
		return err
	}
	p.lease = lease

	idem, err := runtime.NewRedisIdempotencyStore(client, p.cfg.Redis.Namespace, 0)
	if err != nil {
		return err
	}
	p.idem = idem
	return nil
}

// instruments returns the shared metric instruments, nil when telemetry is
// disabled.
func (p *Platform) instruments() *telemetry.MetricInstruments {
	if p.telemetry == nil {
		return nil
	}
	return p.telemetry.Instruments()
}

// instrumentMeta wraps a metadata recorder with queue counters when
// telemetry is enabled.
func (p *Platform) instrumentMeta(meta core.QueueMetadata) core.QueueMetadata {
	if p.telemetry == nil {
		return meta
	}
	return telemetry.NewInstrumentedQueueMetadata(meta, p.telemetry.Instruments())
}

func (p *Platform) buildResolver() error {
	var persist config.Store
	if p.client != nil {
		persist = config.NewRedisStore(p.client, p.cfg.Redis.Namespace, p.logger)
	} else {
		persist = config.NewMemoryStore()
	}
	resolver, err := config.NewResolver(config.ResolverOptions{
		Persist:     persist,
		Cache:       config.NewMemoryStore(),
		CacheTTL:    p.cfg.Resolver.CacheTTL,
		Instruments: p.instruments(),
		Logger:      p.logger,
	})
	if err != nil {
		return err
	}
	p.resolver = resolver
	return nil
}

func (p *Platform) buildMemory() error {
	if !p.cfg.Memory.Enabled {
		return nil
	}
	embedder := p.embedder
	if embedder == nil {
		return fmt.Errorf("memory is enabled but no embedder is configured: %w", core.ErrConfigInvalid)
	}
	var container memory.Container
	if p.client != nil {
		container = memory.NewRedisContainer(p.client, p.cfg.Redis.Namespace, p.logger)
	} else {
		container = memory.NewMemoryContainer()
	}
	index, err := memory.NewIndex(&memory.IndexConfig{
		Embedder:       embedder,
		Container:      container,
		DedupEnabled:   p.cfg.Memory.DedupEnabled,
		DedupThreshold: p.cfg.Memory.DedupThreshold,
		CacheThreshold: p.cfg.Memory.CacheThreshold,
		CacheTTL:       p.cfg.Memory.DefaultTTL,
		SweepInterval:  time.Minute,
		Instruments:    p.instruments(),
		Logger:         p.logger,
	})
	if err != nil {
		return err
	}
	p.memIndex = index
	return nil
}

// RegisterActor binds an actor type to its handler. Registration happens
// before Start.
func (p *Platform) RegisterActor(reg *actor.Registration) error {
	if p.started.Load() {
		return core.ErrAlreadyStarted
	}
	return p.registry.Register(reg)
}

// RegisterTrigger adds a trigger to the engine.
func (p *Platform) RegisterTrigger(reg *trigger.Registration) error {
	return p.triggers.Register(reg)
}

// AddSource attaches an event source to the trigger engine.
func (p *Platform) AddSource(src trigger.Source) {
	p.triggers.AddSource(src)
}

// Start brings up the dispatcher, the activity workers (when an executor is
// configured), the memory sweeper, and the trigger sources.
func (p *Platform) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}

	var breakerMetrics resilience.MetricsCollector
	if p.telemetry != nil {
		collector := resilience.NewOTelMetricsCollector(ctx)
		p.breakerMetrics = collector
		breakerMetrics = collector
	}

	dispatcher, err := runtime.NewDispatcher(runtime.DispatcherConfig{
		Config:      p.cfg,
		Registry:    p.registry,
		Queue:       p.queue,
		Store:       p.store,
		Lease:       p.lease,
		Idempotency: p.idem,
		Resolver:    p.resolver,
		Memory:      p.memIndex,
		Events:      p.events,
		Logger:      p.logger,
		Authorizer:  p.authorizer,
		Metrics:     breakerMetrics,
		Instruments: p.instruments(),
	})
	if err != nil {
		p.started.Store(false)
		return err
	}
	if err := dispatcher.Start(ctx); err != nil {
		p.started.Store(false)
		return err
	}
	p.dispatcher = dispatcher

	if p.executor != nil {
		activities, err := runtime.NewActivityWorker(runtime.ActivityWorkerConfig{
			Queue:          p.queue,
			Executor:       p.executor,
			Residents:      dispatcher.Residents(),
			Idempotency:    p.idem,
			Logger:         p.logger,
			QueueName:      p.cfg.Runtime.ActivityQueue,
			WorkerCount:    p.cfg.Runtime.WorkerCount,
			ExecuteTimeout: p.cfg.Runtime.ExecuteTimeout,
		})
		if err != nil {
			p.shutdown(ctx)
			return err
		}
		if err := activities.Start(ctx); err != nil {
			p.shutdown(ctx)
			return err
		}
		p.activities = activities
	}

	if p.memIndex != nil {
		p.memIndex.Start(ctx)
	}

	if err := p.triggers.Start(ctx); err != nil {
		p.shutdown(ctx)
		return err
	}

	p.logger.Info("Platform started", map[string]interface{}{
		"operation":   "platform_started",
		"actor_types": p.registry.Types(),
		"redis":       p.client != nil,
	})
	return nil
}

// Stop shuts everything down in reverse order of Start.
func (p *Platform) Stop(ctx context.Context) error {
	if !p.started.CompareAndSwap(true, false) {
		return nil
	}
	return p.shutdown(ctx)
}

func (p *Platform) shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if p.triggers != nil {
		keep(p.triggers.Stop(ctx))
	}
	if p.activities != nil {
		keep(p.activities.Stop(ctx))
		p.activities = nil
	}
	if p.dispatcher != nil {
		keep(p.dispatcher.Stop(ctx))
		p.dispatcher = nil
	}
	if p.memIndex != nil {
		p.memIndex.Stop()
	}
	if mq, ok := p.queue.(*queue.MemoryQueue); ok {
		mq.Close()
	}
	if p.breakerMetrics != nil {
		keep(p.breakerMetrics.Shutdown())
		p.breakerMetrics = nil
	}
	if p.telemetry != nil {
		keep(p.telemetry.Shutdown(ctx))
	}
	if p.client != nil {
		keep(p.client.Close())
	}
	p.started.Store(false)
	return firstErr
}

// Send publishes a message to its actor's queue. A missing MessageID or
// timestamp is filled in.
func (p *Platform) Send(ctx context.Context, msg *core.Message) (string, error) {
	if err := msg.ActorRef.Validate(); err != nil {
		return "", err
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Metadata.Timestamp.IsZero() {
		msg.Metadata.Timestamp = time.Now().UTC()
	}
	if msg.Metadata.ActorType == "" {
		msg.Metadata.ActorType = msg.ActorRef.ActorType
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", &core.PlatformError{Op: "loom.Send", Kind: "queue", ID: msg.MessageID, Err: err}
	}
	return p.queue.Publish(ctx, actor.QueueForType(msg.ActorRef.ActorType), payload, nil)
}

// RouteEvent hands an external event to an actor suspended in WaitForEvent.
func (p *Platform) RouteEvent(ref core.ActorRef, eventName string, payload json.RawMessage) bool {
	if p.dispatcher == nil {
		return false
	}
	return p.dispatcher.RouteEvent(ref, eventName, payload)
}

// Resolver exposes the hierarchical config resolver for admin surfaces.
func (p *Platform) Resolver() *config.Resolver { return p.resolver }

// Memory exposes the semantic memory index, nil when disabled.
func (p *Platform) Memory() *memory.Index { return p.memIndex }

// Queue exposes the durable queue port.
func (p *Platform) Queue() core.Queue { return p.queue }

// QueueStats derives delivery stats for one queue from the metadata store.
func (p *Platform) QueueStats(ctx context.Context, queueName string) (*core.QueueStats, error) {
	return p.meta.Stats(ctx, queueName)
}

// Config returns the bootstrap configuration.
func (p *Platform) Config() *core.Config { return p.cfg }
