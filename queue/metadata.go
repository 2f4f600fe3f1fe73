// Package queue implements the durable queue port over Redis lists plus an
// in-memory variant, with every job transition recorded in a metadata store.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/loomlabs/loom/core"
)

// MemoryMetadata is an in-process core.QueueMetadata for tests and
// single-node deployments. Stats are derived by scanning recorded jobs.
type MemoryMetadata struct {
	mu   sync.RWMutex
	jobs map[string]*core.QueueJob
}

// NewMemoryMetadata creates an empty metadata store.
func NewMemoryMetadata() *MemoryMetadata {
	return &MemoryMetadata{jobs: make(map[string]*core.QueueJob)}
}

func (m *MemoryMetadata) RecordJob(_ context.Context, job *core.QueueJob) error {
	if job == nil || job.JobID == "" {
		return fmt.Errorf("job with an ID is required: %w", core.ErrJobNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (m *MemoryMetadata) RecordAttempt(_ context.Context, jobID string, attempt core.JobAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return &core.PlatformError{Op: "metadata.RecordAttempt", Kind: "queue", ID: jobID, Err: core.ErrJobNotFound}
	}
	job.Attempts = append(job.Attempts, attempt)
	job.Status = attempt.Status
	return nil
}

func (m *MemoryMetadata) GetJob(_ context.Context, jobID string) (*core.QueueJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, &core.PlatformError{Op: "metadata.GetJob", Kind: "queue", ID: jobID, Err: core.ErrJobNotFound}
	}
	return cloneJob(job), nil
}

func (m *MemoryMetadata) Stats(_ context.Context, queueName string) (*core.QueueStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &core.QueueStats{}
	for _, job := range m.jobs {
		if job.QueueName != queueName {
			continue
		}
		stats.TotalJobs++
		switch job.Status {
		case core.JobQueued, core.JobDelayed:
			stats.WaitingJobs++
		case core.JobActive:
			stats.ActiveJobs++
		case core.JobCompleted:
			stats.CompletedJobs++
		case core.JobFailed, core.JobDead:
			stats.FailedJobs++
		}
	}
	return stats, nil
}

func cloneJob(job *core.QueueJob) *core.QueueJob {
	cp := *job
	cp.Payload = append(json.RawMessage(nil), job.Payload...)
	cp.Attempts = append([]core.JobAttempt(nil), job.Attempts...)
	return &cp
}

// RedisMetadata persists jobs under namespaced keys and keeps per-queue
// status counters so Stats never scans.
type RedisMetadata struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// NewRedisMetadata creates a Redis-backed metadata store.
func NewRedisMetadata(client *redis.Client, namespace string, logger core.Logger) *RedisMetadata {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("loom/queue")
	}
	return &RedisMetadata{client: client, namespace: namespace, logger: logger}
}

func (m *RedisMetadata) jobKey(jobID string) string {
	return fmt.Sprintf("%s:jobs:%s", m.namespace, jobID)
}

func (m *RedisMetadata) statsKey(queueName string) string {
	return fmt.Sprintf("%s:queue:%s:stats", m.namespace, queueName)
}

// statsField maps a job status to the counter it contributes to; "" means
// the status is terminal bookkeeping only.
func statsField(status core.JobStatus) string {
	switch status {
	case core.JobQueued, core.JobDelayed:
		return "waiting"
	case core.JobActive:
		return "active"
	case core.JobCompleted:
		return "completed"
	case core.JobFailed, core.JobDead:
		return "failed"
	default:
		return ""
	}
}

// RecordJob upserts a job and moves the status counters for its queue.
func (m *RedisMetadata) RecordJob(ctx context.Context, job *core.QueueJob) error {
	if job == nil || job.JobID == "" {
		return fmt.Errorf("job with an ID is required: %w", core.ErrJobNotFound)
	}

	prev, err := m.getJob(ctx, job.JobID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return &core.PlatformError{Op: "metadata.RecordJob", Kind: "queue", ID: job.JobID, Err: err}
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.jobKey(job.JobID), data, 0)
	if prev == nil {
		pipe.HIncrBy(ctx, m.statsKey(job.QueueName), "total", 1)
		if f := statsField(job.Status); f != "" {
			pipe.HIncrBy(ctx, m.statsKey(job.QueueName), f, 1)
		}
	} else if prev.Status != job.Status {
		if f := statsField(prev.Status); f != "" {
			pipe.HIncrBy(ctx, m.statsKey(job.QueueName), f, -1)
		}
		if f := statsField(job.Status); f != "" {
			pipe.HIncrBy(ctx, m.statsKey(job.QueueName), f, 1)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Error("Failed to record job", map[string]interface{}{
			"operation": "record_job",
			"job_id":    job.JobID,
			"error":     err.Error(),
		})
		return &core.PlatformError{Op: "metadata.RecordJob", Kind: "queue", ID: job.JobID, Err: err}
	}
	return nil
}

// RecordAttempt appends an attempt and updates the job's status.
func (m *RedisMetadata) RecordAttempt(ctx context.Context, jobID string, attempt core.JobAttempt) error {
	job, err := m.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return &core.PlatformError{Op: "metadata.RecordAttempt", Kind: "queue", ID: jobID, Err: core.ErrJobNotFound}
	}
	job.Attempts = append(job.Attempts, attempt)
	job.Status = attempt.Status
	return m.RecordJob(ctx, job)
}

func (m *RedisMetadata) GetJob(ctx context.Context, jobID string) (*core.QueueJob, error) {
	job, err := m.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &core.PlatformError{Op: "metadata.GetJob", Kind: "queue", ID: jobID, Err: core.ErrJobNotFound}
	}
	return job, nil
}

func (m *RedisMetadata) getJob(ctx context.Context, jobID string) (*core.QueueJob, error) {
	data, err := m.client.Get(ctx, m.jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &core.PlatformError{Op: "metadata.GetJob", Kind: "queue", ID: jobID, Err: err}
	}
	var job core.QueueJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, &core.PlatformError{Op: "metadata.GetJob", Kind: "queue", ID: jobID, Err: err}
	}
	return &job, nil
}

func (m *RedisMetadata) Stats(ctx context.Context, queueName string) (*core.QueueStats, error) {
	fields, err := m.client.HGetAll(ctx, m.statsKey(queueName)).Result()
	if err != nil {
		return nil, &core.PlatformError{Op: "metadata.Stats", Kind: "queue", ID: queueName, Err: err}
	}
	stats := &core.QueueStats{}
	for field, raw := range fields {
		var n int64
		if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
			continue
		}
		switch field {
		case "total":
			stats.TotalJobs = n
		case "waiting":
			stats.WaitingJobs = n
		case "active":
			stats.ActiveJobs = n
		case "completed":
			stats.CompletedJobs = n
		case "failed":
			stats.FailedJobs = n
		}
	}
	return stats, nil
}
