package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists sagas and their event log.
type Store interface {
	// Create inserts s unless a saga with the same correlation id exists. It
	// returns the stored saga and whether this call created it.
	Create(ctx context.Context, s Saga) (Saga, bool, error)
	Get(ctx context.Context, id string) (Saga, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (Saga, error)
	Update(ctx context.Context, s Saga) error
	AppendEvent(ctx context.Context, e Event) (Event, error)
	// Events returns the saga's log in append order.
	Events(ctx context.Context, sagaID string) ([]Event, error)
}

// InMemoryStore is a process-local Store.
type InMemoryStore struct {
	mu            sync.Mutex
	sagas         map[string]Saga
	byCorrelation map[string]string
	events        map[string][]Event
	nextEventID   int64
	now           func() time.Time
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sagas:         make(map[string]Saga),
		byCorrelation: make(map[string]string),
		events:        make(map[string][]Event),
		now:           time.Now,
	}
}

func (m *InMemoryStore) Create(ctx context.Context, s Saga) (Saga, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byCorrelation[s.CorrelationID]; ok {
		return cloneSaga(m.sagas[id]), false, nil
	}
	now := m.now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	s = cloneSaga(s)
	m.sagas[s.ID] = s
	m.byCorrelation[s.CorrelationID] = s.ID
	return cloneSaga(s), true, nil
}

func (m *InMemoryStore) Get(ctx context.Context, id string) (Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sagas[id]
	if !ok {
		return Saga{}, ErrSagaNotFound
	}
	return cloneSaga(s), nil
}

func (m *InMemoryStore) FindByCorrelationID(ctx context.Context, correlationID string) (Saga, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCorrelation[correlationID]
	if !ok {
		return Saga{}, ErrSagaNotFound
	}
	return cloneSaga(m.sagas[id]), nil
}

func (m *InMemoryStore) Update(ctx context.Context, s Saga) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sagas[s.ID]; !ok {
		return ErrSagaNotFound
	}
	s.UpdatedAt = m.now().UTC()
	m.sagas[s.ID] = cloneSaga(s)
	return nil
}

func (m *InMemoryStore) AppendEvent(ctx context.Context, e Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sagas[e.SagaID]; !ok {
		return Event{}, ErrSagaNotFound
	}
	m.nextEventID++
	e.ID = m.nextEventID
	e.CreatedAt = m.now().UTC()
	e.Payload = append([]byte(nil), e.Payload...)
	m.events[e.SagaID] = append(m.events[e.SagaID], e)
	return e, nil
}

func (m *InMemoryStore) Events(ctx context.Context, sagaID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Event(nil), m.events[sagaID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Count returns the number of stored sagas.
func (m *InMemoryStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sagas)
}

func cloneSaga(s Saga) Saga {
	s.Payload.Items = append(s.Payload.Items[:0:0], s.Payload.Items...)
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		s.CompletedAt = &at
	}
	return s
}
