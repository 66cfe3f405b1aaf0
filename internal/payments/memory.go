package payments

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryLedger tracks charges and voids in memory.
type InMemoryLedger struct {
	mu       sync.Mutex
	payments map[string]Payment
	now      func() time.Time
}

// NewInMemoryLedger constructs an empty ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		payments: make(map[string]Payment),
		now:      time.Now,
	}
}

func (l *InMemoryLedger) Record(ctx context.Context, p Payment) (Payment, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.payments[p.OrderID]; ok {
		return existing, false, nil
	}
	if p.ChargedAt.IsZero() {
		p.ChargedAt = l.now().UTC()
	}
	l.payments[p.OrderID] = p
	return p, true, nil
}

func (l *InMemoryLedger) Get(ctx context.Context, orderID string) (Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[orderID]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (l *InMemoryLedger) MarkVoided(ctx context.Context, orderID, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[orderID]
	if !ok || p.Reference != reference {
		return fmt.Errorf("%w: order %s reference %s", ErrPaymentNotFound, orderID, reference)
	}
	if p.VoidedAt == nil {
		now := l.now().UTC()
		p.VoidedAt = &now
		l.payments[orderID] = p
	}
	return nil
}

// WasCharged reports whether an order was charged (for testing/inspection).
func (l *InMemoryLedger) WasCharged(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.payments[orderID]
	return ok
}

// WasVoided reports whether an order's charge was voided (for testing/inspection).
func (l *InMemoryLedger) WasVoided(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[orderID]
	return ok && p.VoidedAt != nil
}
