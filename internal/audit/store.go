package audit

import (
	"context"
	"sync"
)

// Store is an append-only sink for audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// InMemoryStore keeps the most recent events in a bounded ring. It backs
// tests and single-node deployments without Kafka.
type InMemoryStore struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

func NewInMemoryStore(limit int) *InMemoryStore {
	if limit <= 0 {
		limit = 1024
	}
	return &InMemoryStore{limit: limit}
}

func (s *InMemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if len(s.events) > s.limit {
		s.events = s.events[len(s.events)-s.limit:]
	}
	return nil
}

// Events returns a snapshot of the buffered events.
func (s *InMemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
