package saga

import "context"

// StepExecutor performs the forward steps and compensations of the order
// fulfillment saga. Every method must be idempotent per saga correlation id.
type StepExecutor interface {
	ReserveStock(ctx context.Context, s Saga) (StepResult, error)
	ProcessPayment(ctx context.Context, s Saga) (StepResult, error)
	FulfillOrder(ctx context.Context, s Saga) (StepResult, error)

	ReleaseStock(ctx context.Context, s Saga) error
	VoidPayment(ctx context.Context, s Saga) error
}

type forwardFunc func(StepExecutor, context.Context, Saga) (StepResult, error)

type reverseFunc func(StepExecutor, context.Context, Saga) error

// compensation pairs a reverse action with its executor method.
type compensation struct {
	kind CompensationKind
	run  reverseFunc
}

// irreversible marks a step that has no compensation.
var irreversible = compensation{}

type step struct {
	kind       StepKind
	run        forwardFunc
	compensate compensation
}

// steps is the fixed execution order.
var steps = [...]step{
	{kind: StepReserveStock, run: StepExecutor.ReserveStock, compensate: compensation{CompensationReleaseStock, StepExecutor.ReleaseStock}},
	{kind: StepProcessPayment, run: StepExecutor.ProcessPayment, compensate: compensation{CompensationVoidPayment, StepExecutor.VoidPayment}},
	{kind: StepFulfillOrder, run: StepExecutor.FulfillOrder, compensate: irreversible},
}

// Steps returns the forward step order.
func Steps() []StepKind {
	out := make([]StepKind, len(steps))
	for i, st := range steps {
		out[i] = st.kind
	}
	return out
}

// CompensationFor returns the compensation of a step, if it has one.
func CompensationFor(kind StepKind) (CompensationKind, bool) {
	st, ok := lookupStep(kind)
	if !ok || st.compensate.run == nil {
		return "", false
	}
	return st.compensate.kind, true
}

func lookupStep(kind StepKind) (step, bool) {
	for _, st := range steps {
		if st.kind == kind {
			return st, true
		}
	}
	return step{}, false
}

// nextStep returns the step after current, or the first step when current is
// empty. ok is false when current was the last step.
func nextStep(current StepKind) (step, bool, error) {
	if current == "" {
		return steps[0], true, nil
	}
	for i, st := range steps {
		if st.kind != current {
			continue
		}
		if i+1 == len(steps) {
			return step{}, false, nil
		}
		return steps[i+1], true, nil
	}
	return step{}, false, ErrUnknownStep
}
