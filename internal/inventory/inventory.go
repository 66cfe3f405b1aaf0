package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MovementType classifies a stock ledger entry.
type MovementType string

const (
	MovementReserve     MovementType = "reserve"
	MovementRelease     MovementType = "release"
	MovementFulfill     MovementType = "fulfill"
	MovementReceive     MovementType = "receive"
	MovementTransferIn  MovementType = "transfer_in"
	MovementTransferOut MovementType = "transfer_out"
	MovementAdjust      MovementType = "adjust"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementReserve, MovementRelease, MovementFulfill, MovementReceive,
		MovementTransferIn, MovementTransferOut, MovementAdjust:
		return true
	}
	return false
}

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidMovement   = errors.New("invalid stock movement")
)

// Movement is an immutable ledger entry. The tuple (CorrelationID, Type,
// ProductID, WarehouseID) is unique; applying it twice is a no-op.
type Movement struct {
	CorrelationID string       `json:"correlation_id"`
	Type          MovementType `json:"movement_type"`
	ProductID     string       `json:"product_id"`
	WarehouseID   string       `json:"warehouse_id"`
	// Quantity is positive for every type except adjust, where the sign
	// gives the direction.
	Quantity      int64     `json:"quantity"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	ReferenceType string    `json:"reference_type,omitempty"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Key is the idempotency key of the movement.
type Key struct {
	CorrelationID string
	Type          MovementType
	ProductID     string
	WarehouseID   string
}

func (m Movement) Key() Key {
	return Key{CorrelationID: m.CorrelationID, Type: m.Type, ProductID: m.ProductID, WarehouseID: m.WarehouseID}
}

// Validate checks the movement shape.
func (m Movement) Validate() error {
	switch {
	case !m.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMovement, m.Type)
	case m.CorrelationID == "":
		return fmt.Errorf("%w: correlation id is required", ErrInvalidMovement)
	case m.ProductID == "" || m.WarehouseID == "":
		return fmt.Errorf("%w: product and warehouse are required", ErrInvalidMovement)
	case m.Type == MovementAdjust && m.Quantity == 0:
		return fmt.Errorf("%w: adjust quantity must be non-zero", ErrInvalidMovement)
	case m.Type != MovementAdjust && m.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be > 0", ErrInvalidMovement)
	}
	return nil
}

// Level is the stock position of one product in one warehouse.
type Level struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	Available   int64  `json:"quantity_available"`
	Reserved    int64  `json:"quantity_reserved"`
}

// Free is the quantity that can still be reserved.
func (l Level) Free() int64 { return l.Available - l.Reserved }

// Valid reports whether 0 <= reserved <= available.
func (l Level) Valid() bool { return l.Reserved >= 0 && l.Reserved <= l.Available }

// Next returns the level after applying m, or ErrInsufficientStock when the
// result would break 0 <= reserved <= available. Release and fulfill floor
// reserved at zero.
func Next(l Level, m Movement) (Level, error) {
	q := m.Quantity
	switch m.Type {
	case MovementReserve:
		l.Reserved += q
	case MovementRelease:
		l.Reserved = floorSub(l.Reserved, q)
	case MovementFulfill:
		if l.Available < q {
			return l, fmt.Errorf("%w: %s has %d available, fulfil needs %d", ErrInsufficientStock, m.ProductID, l.Available, q)
		}
		l.Available -= q
		l.Reserved = floorSub(l.Reserved, q)
	case MovementReceive, MovementTransferIn:
		l.Available += q
	case MovementTransferOut:
		l.Available -= q
	case MovementAdjust:
		l.Available += q
	default:
		return l, fmt.Errorf("%w: unknown type %q", ErrInvalidMovement, m.Type)
	}
	if !l.Valid() {
		return l, fmt.Errorf("%w: %s in %s", ErrInsufficientStock, m.ProductID, m.WarehouseID)
	}
	return l, nil
}

func floorSub(v, q int64) int64 {
	if v < q {
		return 0
	}
	return v - q
}

// Ledger applies stock movements and reports levels.
type Ledger interface {
	// Level returns the current position; an unknown pair reads as zero.
	Level(ctx context.Context, productID, warehouseID string) (Level, error)
	// Apply records m and mutates the level atomically. applied is false when
	// the movement key already exists, in which case nothing changes.
	Apply(ctx context.Context, m Movement) (applied bool, err error)
	// ApplyAll records ms as one unit: either every new movement lands or
	// none does. Keys that already exist are skipped and not counted.
	ApplyAll(ctx context.Context, ms []Movement) (applied int, err error)
	// Recorded reports whether a movement with key exists.
	Recorded(ctx context.Context, key Key) (bool, error)
}
