package orders

import (
	"context"
	"sync"
	"time"

	"stockflow/internal/outbox"
)

// Store persists orders. Create must write the order and its outbox intent
// in one atomic unit.
type Store interface {
	Create(ctx context.Context, order Order, intent outbox.Event) error
	Get(ctx context.Context, id string) (Order, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	SetPaymentReference(ctx context.Context, id, reference string) error
	AddNote(ctx context.Context, id, note string) error
}

// InMemoryStore keeps orders in memory and stages intents in an in-memory outbox.
type InMemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
	outbox outbox.Store
	now    func() time.Time
}

// NewInMemoryStore constructs an InMemoryStore that appends intents to events.
func NewInMemoryStore(events outbox.Store) *InMemoryStore {
	return &InMemoryStore{
		orders: make(map[string]Order),
		outbox: events,
		now:    time.Now,
	}
}

func (s *InMemoryStore) Create(ctx context.Context, order Order, intent outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return ErrDuplicateOrder
	}
	if _, err := s.outbox.Append(ctx, intent); err != nil {
		return err
	}
	order.Items = append([]LineItem(nil), order.Items...)
	s.orders[order.ID] = order
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	order.Items = append([]LineItem(nil), order.Items...)
	order.Notes = append([]string(nil), order.Notes...)
	return order, nil
}

func (s *InMemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	return s.mutate(id, func(o *Order) error {
		apply, err := Transition(o.Status, status)
		if err != nil || !apply {
			return err
		}
		o.Status = status
		return nil
	})
}

func (s *InMemoryStore) SetPaymentReference(ctx context.Context, id, reference string) error {
	return s.mutate(id, func(o *Order) error {
		o.PaymentReference = reference
		return nil
	})
}

func (s *InMemoryStore) AddNote(ctx context.Context, id, note string) error {
	return s.mutate(id, func(o *Order) error {
		o.Notes = append(o.Notes, note)
		return nil
	})
}

func (s *InMemoryStore) mutate(id string, fn func(*Order) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	if err := fn(&order); err != nil {
		return err
	}
	order.UpdatedAt = s.now().UTC()
	s.orders[id] = order
	return nil
}
