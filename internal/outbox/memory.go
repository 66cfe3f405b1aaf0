package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps events in process memory.
type InMemoryStore struct {
	mu     sync.Mutex
	nextID int64
	events map[int64]*Event
	now    func() time.Time
}

// NewInMemoryStore constructs an empty in-memory outbox.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events: make(map[int64]*Event),
		now:    time.Now,
	}
}

func (s *InMemoryStore) Append(ctx context.Context, event Event) (int64, error) {
	if err := event.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	event.ID = s.nextID
	event.CreatedAt = s.now().UTC()
	event.ProcessedAt = nil
	event.RetryCount = 0
	event.LastError = ""
	event.Payload = append([]byte(nil), event.Payload...)
	s.events[event.ID] = &event
	return event.ID, nil
}

func (s *InMemoryStore) FetchUnprocessed(ctx context.Context, maxRetries, limit int) ([]Event, error) {
	return s.list(limit, func(e *Event) bool {
		return e.ProcessedAt == nil && e.RetryCount < maxRetries
	}), nil
}

func (s *InMemoryStore) DeadLetters(ctx context.Context, maxRetries, limit int) ([]Event, error) {
	return s.list(limit, func(e *Event) bool {
		return e.ProcessedAt == nil && e.RetryCount >= maxRetries
	}), nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	if e.ProcessedAt == nil {
		now := s.now().UTC()
		e.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) IncrementRetry(ctx context.Context, id int64, lastError string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return 0, ErrEventNotFound
	}
	e.RetryCount++
	e.LastError = lastError
	return e.RetryCount, nil
}

// Get returns a copy of the event with the given id.
func (s *InMemoryStore) Get(id int64) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return Event{}, false
	}
	return *e, true
}

func (s *InMemoryStore) list(limit int, keep func(*Event) bool) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0)
	for _, e := range s.events {
		if keep(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
