package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stockflow/internal/reliability"
)

var (
	// ErrDeclined is a business failure: the charge will not succeed on retry.
	ErrDeclined        = errors.New("payment declined")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrInvalidCharge   = errors.New("invalid charge request")
)

// Gateway response codes.
const (
	CodeApproved          = "approved"
	CodeDeclined          = "declined"
	CodeInsufficientFunds = "insufficient_funds"
	CodeCardExpired       = "card_expired"
	CodeFraudSuspected    = "fraud_suspected"
	CodeInvalidAccount    = "invalid_account"
	CodeTimeout           = "timeout"
	CodeUnavailable       = "unavailable"
	CodeRateLimited       = "rate_limited"
	CodeProcessingError   = "processing_error"
)

// DeclineError carries the gateway code of a declined charge.
type DeclineError struct {
	Code string
}

func (e *DeclineError) Error() string { return "payment declined: " + e.Code }

func (e *DeclineError) Unwrap() error { return ErrDeclined }

// Classify maps a gateway response code to an outcome. approved yields nil;
// timeout, unavailable, rate_limited and processing_error are transient;
// every other code, including unknown ones, is a decline.
func Classify(code string) error {
	switch code {
	case CodeApproved:
		return nil
	case CodeTimeout, CodeUnavailable, CodeRateLimited, CodeProcessingError:
		return fmt.Errorf("gateway %s: %w", code, reliability.ErrTransient)
	default:
		return &DeclineError{Code: code}
	}
}

// ChargeRequest asks the gateway to charge an order total.
type ChargeRequest struct {
	OrderID string
	Amount  decimal.Decimal
}

// Receipt is returned by a successful charge.
type Receipt struct {
	Reference string
	Amount    decimal.Decimal
	ChargedAt time.Time
}

// Gateway is the payment processor. Charge is idempotent per order id and
// Void is idempotent per reference.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Receipt, error)
	Void(ctx context.Context, orderID, reference string) error
}

// Payment is the gateway's record of a charge.
type Payment struct {
	OrderID   string          `json:"order_id"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	ChargedAt time.Time       `json:"charged_at"`
	VoidedAt  *time.Time      `json:"voided_at,omitempty"`
}

// Ledger stores charges, one per order.
type Ledger interface {
	// Record stores p unless the order already has a charge, in which case
	// the existing payment is returned with created=false.
	Record(ctx context.Context, p Payment) (stored Payment, created bool, err error)
	Get(ctx context.Context, orderID string) (Payment, error)
	// MarkVoided sets voided_at once; voiding twice is not an error.
	MarkVoided(ctx context.Context, orderID, reference string) error
}
