package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomlabs/loom/core"
)

// InstrumentedQueueMetadata decorates a QueueMetadata recorder with OTel
// counters so queue throughput shows up next to the dispatch metrics. Every
// call delegates first; a metadata failure is never masked by metrics.
type InstrumentedQueueMetadata struct {
	next        core.QueueMetadata
	instruments *MetricInstruments
}

// NewInstrumentedQueueMetadata wraps next with counter emission.
func NewInstrumentedQueueMetadata(next core.QueueMetadata, instruments *MetricInstruments) *InstrumentedQueueMetadata {
	return &InstrumentedQueueMetadata{next: next, instruments: instruments}
}

func (m *InstrumentedQueueMetadata) RecordJob(ctx context.Context, job *core.QueueJob) error {
	if err := m.next.RecordJob(ctx, job); err != nil {
		return err
	}
	attrs := metric.WithAttributes(attribute.String("queue", job.QueueName))
	switch {
	case job.Status == core.JobDead:
		_ = m.instruments.RecordCounter(ctx, MetricQueueDead, 1, attrs)
		_ = m.instruments.RecordUpDownCounter(ctx, MetricQueueWaiting, -1, attrs)
	case job.AttemptNumber <= 1:
		_ = m.instruments.RecordCounter(ctx, MetricQueuePublished, 1, attrs)
		_ = m.instruments.RecordUpDownCounter(ctx, MetricQueueWaiting, 1, attrs)
	default:
		_ = m.instruments.RecordCounter(ctx, MetricQueueRetries, 1, attrs)
	}
	return nil
}

func (m *InstrumentedQueueMetadata) RecordAttempt(ctx context.Context, jobID string, attempt core.JobAttempt) error {
	if err := m.next.RecordAttempt(ctx, jobID, attempt); err != nil {
		return err
	}
	if attempt.Status == core.JobCompleted {
		_ = m.instruments.RecordCounter(ctx, MetricQueueCompleted, 1)
		_ = m.instruments.RecordUpDownCounter(ctx, MetricQueueWaiting, -1)
	}
	return nil
}

func (m *InstrumentedQueueMetadata) GetJob(ctx context.Context, jobID string) (*core.QueueJob, error) {
	return m.next.GetJob(ctx, jobID)
}

func (m *InstrumentedQueueMetadata) Stats(ctx context.Context, queue string) (*core.QueueStats, error) {
	return m.next.Stats(ctx, queue)
}
