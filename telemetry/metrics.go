// Package telemetry wires OpenTelemetry tracing and metrics behind the small
// core.Telemetry surface. Everything degrades to no-ops when telemetry is
// disabled in bootstrap config.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments caches otel instruments so hot paths record without
// re-creating them.
type MetricInstruments struct {
	meter          metric.Meter
	counters       map[string]metric.Int64Counter
	upDownCounters map[string]metric.Int64UpDownCounter
	histograms     map[string]metric.Float64Histogram
	gauges         map[string]gaugeRegistration
	mu             sync.RWMutex
}

type gaugeRegistration struct {
	registration metric.Registration
	gauge        metric.Float64ObservableGauge
}

// NewMetricInstruments creates an instrument cache on the named meter.
func NewMetricInstruments(meterName string) *MetricInstruments {
	return &MetricInstruments{
		meter:          otel.Meter(meterName),
		counters:       make(map[string]metric.Int64Counter),
		upDownCounters: make(map[string]metric.Int64UpDownCounter),
		histograms:     make(map[string]metric.Float64Histogram),
		gauges:         make(map[string]gaugeRegistration),
	}
}

// RecordCounter increments a counter metric
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.counters[name]; !exists {
			var err error
			counter, err = m.meter.Int64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", name, err)
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordUpDownCounter records a value that can go up or down, such as the
// number of resident actors or waiting jobs
func (m *MetricInstruments) RecordUpDownCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.upDownCounters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.upDownCounters[name]; !exists {
			var err error
			counter, err = m.meter.Int64UpDownCounter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create up-down counter %s: %w", name, err)
			}
			m.upDownCounters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records a value distribution, typically a latency
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if histogram, exists = m.histograms[name]; !exists {
			var err error
			histogram, err = m.meter.Float64Histogram(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", name, err)
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// RegisterGauge registers an observable gauge with a callback
func (m *MetricInstruments) RegisterGauge(name string, callback metric.Callback, opts ...metric.Float64ObservableGaugeOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.gauges[name]; exists {
		return fmt.Errorf("gauge %s already registered", name)
	}

	gauge, err := m.meter.Float64ObservableGauge(name, opts...)
	if err != nil {
		return fmt.Errorf("failed to create gauge %s: %w", name, err)
	}
	registration, err := m.meter.RegisterCallback(callback, gauge)
	if err != nil {
		return fmt.Errorf("failed to register callback for gauge %s: %w", name, err)
	}

	m.gauges[name] = gaugeRegistration{registration: registration, gauge: gauge}
	return nil
}

// RegisterGaugeFunc registers an observable gauge whose value comes from
// observe at collection time.
func (m *MetricInstruments) RegisterGaugeFunc(name string, observe func() float64, opts ...metric.Float64ObservableGaugeOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.gauges[name]; exists {
		return fmt.Errorf("gauge %s already registered", name)
	}

	gauge, err := m.meter.Float64ObservableGauge(name, opts...)
	if err != nil {
		return fmt.Errorf("failed to create gauge %s: %w", name, err)
	}
	registration, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(gauge, observe())
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("failed to register callback for gauge %s: %w", name, err)
	}

	m.gauges[name] = gaugeRegistration{registration: registration, gauge: gauge}
	return nil
}

// Shutdown unregisters all gauge callbacks
func (m *MetricInstruments) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, g := range m.gauges {
		if err := g.registration.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unregister gauge %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}

// RecordDuration records a duration in milliseconds as a histogram
func (m *MetricInstruments) RecordDuration(ctx context.Context, name string, milliseconds float64, opts ...metric.RecordOption) error {
	return m.RecordHistogram(ctx, name, milliseconds, opts...)
}

// RecordError increments an error counter tagged with the error kind
func (m *MetricInstruments) RecordError(ctx context.Context, name string, errorKind string) error {
	return m.RecordCounter(ctx, name, 1,
		metric.WithAttributes(attribute.String("error.kind", errorKind)))
}

// Platform metric names
const (
	// Dispatch metrics
	MetricDispatchDuration = "loom.dispatch.duration"
	MetricDispatchSuccess  = "loom.dispatch.success"
	MetricDispatchFailure  = "loom.dispatch.failure"
	MetricIdempotencyHits  = "loom.dispatch.idempotency_hits"
	MetricLeaseConflicts   = "loom.dispatch.lease_conflicts"

	// Queue metrics
	MetricQueuePublished = "loom.queue.published"
	MetricQueueCompleted = "loom.queue.completed"
	MetricQueueRetries   = "loom.queue.retries"
	MetricQueueDead      = "loom.queue.dead"
	MetricQueueWaiting   = "loom.queue.waiting"

	// Actor metrics
	MetricActorsResident  = "loom.actor.resident"
	MetricActorEvictions  = "loom.actor.evictions"
	MetricActorHydrations = "loom.actor.hydrations"
	MetricJournalEntries  = "loom.actor.journal_entries"

	// Memory metrics
	MetricMemoryAdds      = "loom.memory.adds"
	MetricMemoryMerges    = "loom.memory.merges"
	MetricMemorySearches  = "loom.memory.searches"
	MetricMemoryCacheHits = "loom.memory.cache_hits"
	MetricMemoryCacheMiss = "loom.memory.cache_misses"
	MetricMemoryEvictions = "loom.memory.evictions"

	// Config metrics
	MetricConfigLookups   = "loom.config.lookups"
	MetricConfigCacheHits = "loom.config.cache_hits"
	MetricConfigMisses    = "loom.config.misses"

	// Circuit breaker metrics
	MetricCircuitBreakerSuccess  = "loom.circuit_breaker.success"
	MetricCircuitBreakerFailure  = "loom.circuit_breaker.failure"
	MetricCircuitBreakerRejected = "loom.circuit_breaker.rejected"
)
