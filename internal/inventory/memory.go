package inventory

import (
	"context"
	"sync"
	"time"
)

type levelKey struct {
	product   string
	warehouse string
}

// InMemoryLedger is a process-local Ledger.
type InMemoryLedger struct {
	mu        sync.Mutex
	levels    map[levelKey]Level
	movements map[Key]Movement
	now       func() time.Time
}

// NewInMemoryLedger constructs an empty ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		levels:    make(map[levelKey]Level),
		movements: make(map[Key]Movement),
		now:       time.Now,
	}
}

func (l *InMemoryLedger) Level(ctx context.Context, productID, warehouseID string) (Level, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level(productID, warehouseID), nil
}

func (l *InMemoryLedger) Apply(ctx context.Context, m Movement) (bool, error) {
	n, err := l.ApplyAll(ctx, []Movement{m})
	return n == 1, err
}

func (l *InMemoryLedger) ApplyAll(ctx context.Context, ms []Movement) (int, error) {
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			return 0, err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	staged := make(map[levelKey]Level)
	seen := make(map[Key]bool)
	var pending []Movement
	for _, m := range ms {
		if _, ok := l.movements[m.Key()]; ok || seen[m.Key()] {
			continue
		}
		lk := levelKey{m.ProductID, m.WarehouseID}
		cur, ok := staged[lk]
		if !ok {
			cur = l.level(m.ProductID, m.WarehouseID)
		}
		next, err := Next(cur, m)
		if err != nil {
			return 0, err
		}
		staged[lk] = next
		seen[m.Key()] = true
		pending = append(pending, m)
	}

	now := l.now().UTC()
	for _, m := range pending {
		m.CreatedAt = now
		l.movements[m.Key()] = m
	}
	for lk, lvl := range staged {
		l.levels[lk] = lvl
	}
	return len(pending), nil
}

func (l *InMemoryLedger) Recorded(ctx context.Context, key Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.movements[key]
	return ok, nil
}

// Movements returns the number of recorded movements.
func (l *InMemoryLedger) Movements() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.movements)
}

// Movement returns the recorded movement for key, if any.
func (l *InMemoryLedger) Movement(key Key) (Movement, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.movements[key]
	return m, ok
}

func (l *InMemoryLedger) level(productID, warehouseID string) Level {
	lvl, ok := l.levels[levelKey{productID, warehouseID}]
	if !ok {
		return Level{ProductID: productID, WarehouseID: warehouseID}
	}
	return lvl
}
