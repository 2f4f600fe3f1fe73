package trigger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/core"
)

// WebhookSource turns already-parsed webhook payloads into events. HTTP
// handling stays outside the platform; callers invoke Deliver from whatever
// server they run.
type WebhookSource struct {
	name string

	mu   sync.Mutex
	emit EmitFunc
}

// NewWebhookSource creates a webhook source named name.
func NewWebhookSource(name string) *WebhookSource {
	return &WebhookSource{name: name}
}

func (s *WebhookSource) Name() string { return s.name }

func (s *WebhookSource) Missing() []string {
	if s.name == "" {
		return []string{"name"}
	}
	return nil
}

func (s *WebhookSource) Start(ctx context.Context, emit EmitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit = emit
	return nil
}

func (s *WebhookSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit = nil
	return nil
}

// Deliver emits one webhook payload as an event. Returns false when the
// source is not started.
func (s *WebhookSource) Deliver(ctx context.Context, eventType string, payload json.RawMessage, metadata map[string]interface{}) bool {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit == nil {
		return false
	}
	emit(ctx, core.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    s.name,
		Timestamp: time.Now().UTC(),
		Data:      payload,
		Metadata:  metadata,
	})
	return true
}

// TimerSource emits a tick event at a fixed interval.
type TimerSource struct {
	name      string
	eventType string
	interval  time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewTimerSource creates a timer emitting eventType every interval.
func NewTimerSource(name, eventType string, interval time.Duration) *TimerSource {
	return &TimerSource{name: name, eventType: eventType, interval: interval}
}

func (s *TimerSource) Name() string { return s.name }

func (s *TimerSource) Missing() []string {
	var missing []string
	if s.name == "" {
		missing = append(missing, "name")
	}
	if s.eventType == "" {
		missing = append(missing, "event_type")
	}
	if s.interval <= 0 {
		missing = append(missing, "interval")
	}
	return missing
}

func (s *TimerSource) Start(ctx context.Context, emit EmitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return core.ErrAlreadyStarted
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done, emit)
	return nil
}

func (s *TimerSource) run(stop, done chan struct{}, emit EmitFunc) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case tick := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			emit(ctx, core.Event{
				ID:        uuid.NewString(),
				Type:      s.eventType,
				Source:    s.name,
				Timestamp: tick.UTC(),
			})
			cancel()
		}
	}
}

func (s *TimerSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
	return nil
}

// StreamSource forwards events from a caller-owned channel, for feeds that
// already speak the normalized event form (message bus consumers, test
// harnesses).
type StreamSource struct {
	name   string
	events <-chan core.Event

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewStreamSource creates a stream source over events.
func NewStreamSource(name string, events <-chan core.Event) *StreamSource {
	return &StreamSource{name: name, events: events}
}

func (s *StreamSource) Name() string { return s.name }

func (s *StreamSource) Missing() []string {
	var missing []string
	if s.name == "" {
		missing = append(missing, "name")
	}
	if s.events == nil {
		missing = append(missing, "events channel")
	}
	return missing
}

func (s *StreamSource) Start(ctx context.Context, emit EmitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return core.ErrAlreadyStarted
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done, emit)
	return nil
}

func (s *StreamSource) run(stop, done chan struct{}, emit EmitFunc) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case event, ok := <-s.events:
			if !ok {
				return
			}
			emit(context.Background(), event)
		}
	}
}

func (s *StreamSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
	return nil
}
