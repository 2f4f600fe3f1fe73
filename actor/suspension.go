package actor

import (
	"encoding/json"
	"sync"
)

// Outcome is what a suspended handler resumes with.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

// Suspensions routes asynchronous completions back into suspended handlers.
// A handler registers a wait keyed by correlation id before publishing the
// request; the runtime resolves the key when the matching ack or event
// arrives. Channels are buffered so Resolve never blocks.
type Suspensions struct {
	mu    sync.Mutex
	waits map[string]chan Outcome
}

func NewSuspensions() *Suspensions {
	return &Suspensions{waits: make(map[string]chan Outcome)}
}

// Register creates a wait for key. A second registration under the same key
// replaces the first; the orphaned channel is never resolved.
func (s *Suspensions) Register(key string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	s.mu.Lock()
	s.waits[key] = ch
	s.mu.Unlock()
	return ch
}

// Resolve delivers an outcome to the waiter for key. It reports whether a
// waiter existed; unmatched resolutions are the caller's to log.
func (s *Suspensions) Resolve(key string, outcome Outcome) bool {
	s.mu.Lock()
	ch, ok := s.waits[key]
	if ok {
		delete(s.waits, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- outcome
	return true
}

// Cancel drops the wait for key without resolving it.
func (s *Suspensions) Cancel(key string) {
	s.mu.Lock()
	delete(s.waits, key)
	s.mu.Unlock()
}

// Pending returns the number of outstanding waits.
func (s *Suspensions) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waits)
}
