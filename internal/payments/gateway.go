package payments

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stockflow/internal/reliability"
)

// SimulatedGateway approves or declines charges without a real processor.
// Charges are recorded in a Ledger, which makes Charge idempotent per order.
type SimulatedGateway struct {
	ledger      Ledger
	logger      *zap.Logger
	declineRate float64

	mu      sync.Mutex
	rand    func() float64
	respond func(ChargeRequest) string
	newRef  func() string
}

// GatewayOption customises a SimulatedGateway.
type GatewayOption func(*SimulatedGateway)

// WithResponder replaces the probabilistic outcome with a fixed response code
// per request.
func WithResponder(fn func(ChargeRequest) string) GatewayOption {
	return func(g *SimulatedGateway) { g.respond = fn }
}

// WithRand sets the random source used for declines.
func WithRand(fn func() float64) GatewayOption {
	return func(g *SimulatedGateway) { g.rand = fn }
}

// NewSimulatedGateway returns a gateway that declines roughly declineRate of
// new charges.
func NewSimulatedGateway(ledger Ledger, declineRate float64, logger *zap.Logger, opts ...GatewayOption) *SimulatedGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &SimulatedGateway{
		ledger:      ledger,
		logger:      logger,
		declineRate: declineRate,
		rand:        rand.Float64,
		newRef:      func() string { return "pay_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *SimulatedGateway) Charge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	if req.OrderID == "" {
		return Receipt{}, fmt.Errorf("%w: order id required", ErrInvalidCharge)
	}
	if !req.Amount.IsPositive() {
		return Receipt{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidCharge)
	}

	existing, err := g.ledger.Get(ctx, req.OrderID)
	switch {
	case err == nil:
		return receiptOf(existing), nil
	case !errors.Is(err, ErrPaymentNotFound):
		return Receipt{}, err
	}

	code := g.outcome(req)
	if err := Classify(code); err != nil {
		g.logger.Info("charge rejected",
			zap.String("order_id", req.OrderID),
			zap.String("code", code),
		)
		return Receipt{}, err
	}

	stored, created, err := g.ledger.Record(ctx, Payment{
		OrderID:   req.OrderID,
		Reference: g.newRef(),
		Amount:    req.Amount,
	})
	if err != nil {
		return Receipt{}, err
	}
	if created {
		g.logger.Info("charge approved",
			zap.String("order_id", req.OrderID),
			zap.String("reference", stored.Reference),
			zap.String("amount", stored.Amount.StringFixed(2)),
		)
	}
	return receiptOf(stored), nil
}

func (g *SimulatedGateway) Void(ctx context.Context, orderID, reference string) error {
	if err := g.ledger.MarkVoided(ctx, orderID, reference); err != nil {
		return err
	}
	g.logger.Info("charge voided", zap.String("order_id", orderID), zap.String("reference", reference))
	return nil
}

func (g *SimulatedGateway) outcome(req ChargeRequest) string {
	if g.respond != nil {
		return g.respond(req)
	}
	g.mu.Lock()
	roll := g.rand()
	g.mu.Unlock()
	if roll < g.declineRate {
		return CodeDeclined
	}
	return CodeApproved
}

func receiptOf(p Payment) Receipt {
	return Receipt{Reference: p.Reference, Amount: p.Amount, ChargedAt: p.ChargedAt}
}

// ReliableGateway wraps a Gateway with a rate limiter and circuit breaker.
type ReliableGateway struct {
	base  Gateway
	guard *reliability.Guard
}

// NewReliableGateway constructs a reliability-wrapped gateway.
func NewReliableGateway(base Gateway, guard *reliability.Guard) *ReliableGateway {
	return &ReliableGateway{base: base, guard: guard}
}

func (g *ReliableGateway) Charge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	var receipt Receipt
	err := g.guard.Do(ctx, func() error {
		var err error
		receipt, err = g.base.Charge(ctx, req)
		return err
	})
	return receipt, err
}

func (g *ReliableGateway) Void(ctx context.Context, orderID, reference string) error {
	return g.guard.Do(ctx, func() error {
		return g.base.Void(ctx, orderID, reference)
	})
}
