package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomlabs/loom/core"
)

type publishedJob struct {
	queue   string
	payload json.RawMessage
}

type captureQueue struct {
	mu        sync.Mutex
	published []publishedJob
}

func (q *captureQueue) Publish(ctx context.Context, queue string, payload json.RawMessage, opts *core.PublishOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, publishedJob{queue: queue, payload: payload})
	return fmt.Sprintf("job-%d", len(q.published)), nil
}

func (q *captureQueue) Consume(ctx context.Context, queue string, handler core.JobHandler) (core.Subscription, error) {
	return nil, fmt.Errorf("not implemented")
}

func (q *captureQueue) Ack(ctx context.Context, jobID string) error { return nil }

func (q *captureQueue) Fail(ctx context.Context, jobID string, failure error, retry bool) (string, error) {
	return "", nil
}

func (q *captureQueue) jobs() []publishedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]publishedJob(nil), q.published...)
}

func newTestEngine(t *testing.T) (*Engine, *captureQueue) {
	t.Helper()
	q := &captureQueue{}
	engine, err := NewEngine(EngineConfig{Queue: q})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, q
}

func orderTrigger(name string) *Registration {
	return &Registration{
		Name:   name,
		Filter: func(event core.Event) bool { return event.Type == "order.placed" },
		Transform: func(event core.Event) (*core.Message, error) {
			return &core.Message{
				ActorRef:    core.ActorRef{TenantID: "acme", ActorType: "order", ActorID: "o-1"},
				MessageType: event.Type,
				Payload:     event.Data,
			}, nil
		},
	}
}

func waitForJobs(t *testing.T, q *captureQueue, n int) []publishedJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if jobs := q.jobs(); len(jobs) >= n {
			return jobs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d published jobs, got %d", n, len(q.jobs()))
	return nil
}

func TestDispatchFiltersAndPublishes(t *testing.T) {
	engine, q := newTestEngine(t)
	if err := engine.Register(orderTrigger("orders")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	engine.Dispatch(context.Background(), core.Event{
		ID:   "ev-1",
		Type: "order.placed",
		Data: json.RawMessage(`{"amount":10}`),
	})
	engine.Dispatch(context.Background(), core.Event{ID: "ev-2", Type: "user.created"})

	jobs := q.jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 published job, got %d", len(jobs))
	}
	if jobs[0].queue != "loom:actors:order" {
		t.Errorf("queue = %q, want loom:actors:order", jobs[0].queue)
	}

	var msg core.Message
	if err := json.Unmarshal(jobs[0].payload, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.MessageID == "" {
		t.Error("expected a generated message id")
	}
	if msg.Metadata.Timestamp.IsZero() {
		t.Error("expected a stamped timestamp")
	}
	if msg.Metadata.ActorType != "order" {
		t.Errorf("metadata actor type = %q, want order", msg.Metadata.ActorType)
	}
}

func TestDispatchTransformErrorSkipsOnlyFailingTrigger(t *testing.T) {
	engine, q := newTestEngine(t)
	if err := engine.Register(&Registration{
		Name: "broken",
		Transform: func(event core.Event) (*core.Message, error) {
			return nil, fmt.Errorf("bad payload")
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := engine.Register(orderTrigger("orders")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	engine.Dispatch(context.Background(), core.Event{ID: "ev-1", Type: "order.placed"})

	if len(q.jobs()) != 1 {
		t.Fatalf("expected the healthy trigger to publish, got %d jobs", len(q.jobs()))
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	engine, _ := newTestEngine(t)
	if err := engine.Register(orderTrigger("orders")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := engine.Register(orderTrigger("orders")); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestStartFailsListingAllMissingKeys(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.AddSource(NewTimerSource("billing-tick", "", 0))
	engine.AddSource(NewStreamSource("bus", nil))

	err := engine.Start(context.Background())
	if err == nil {
		t.Fatal("expected startup to fail")
	}
	for _, want := range []string{"billing-tick: event_type", "billing-tick: interval", "bus: events channel"} {
		if got := err.Error(); !strings.Contains(got, want) {
			t.Errorf("error %q missing %q", got, want)
		}
	}
}

func TestTimerSourceTicks(t *testing.T) {
	engine, q := newTestEngine(t)
	if err := engine.Register(&Registration{
		Name:   "ticks",
		Filter: func(event core.Event) bool { return event.Type == "billing.tick" },
		Transform: func(event core.Event) (*core.Message, error) {
			return &core.Message{
				ActorRef:    core.ActorRef{TenantID: "acme", ActorType: "billing", ActorID: "cycle"},
				MessageType: event.Type,
			}, nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	engine.AddSource(NewTimerSource("billing-tick", "billing.tick", 5*time.Millisecond))

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer engine.Stop(context.Background())

	jobs := waitForJobs(t, q, 2)
	if jobs[0].queue != "loom:actors:billing" {
		t.Errorf("queue = %q, want loom:actors:billing", jobs[0].queue)
	}
}

func TestStreamSourceForwardsEvents(t *testing.T) {
	engine, q := newTestEngine(t)
	if err := engine.Register(orderTrigger("orders")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	events := make(chan core.Event, 1)
	engine.AddSource(NewStreamSource("bus", events))

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer engine.Stop(context.Background())

	events <- core.Event{ID: "ev-1", Type: "order.placed", Data: json.RawMessage(`{}`)}
	waitForJobs(t, q, 1)
}

func TestWebhookSourceDeliver(t *testing.T) {
	engine, q := newTestEngine(t)
	if err := engine.Register(orderTrigger("orders")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	hook := NewWebhookSource("shop-webhook")
	engine.AddSource(hook)

	// Deliver before start reports not running.
	if hook.Deliver(context.Background(), "order.placed", nil, nil) {
		t.Fatal("expected delivery before start to be refused")
	}

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer engine.Stop(context.Background())

	if !hook.Deliver(context.Background(), "order.placed", json.RawMessage(`{"amount":5}`), map[string]interface{}{"sig": "ok"}) {
		t.Fatal("expected delivery to be accepted")
	}
	jobs := waitForJobs(t, q, 1)

	var msg core.Message
	if err := json.Unmarshal(jobs[0].payload, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if string(msg.Payload) != `{"amount":5}` {
		t.Errorf("payload = %s", msg.Payload)
	}
}
