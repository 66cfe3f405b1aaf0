package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"stockflow/internal/observability"
	"stockflow/internal/orders"
)

// DefaultMaxRetries is stored on new sagas when none is configured.
const DefaultMaxRetries = 3

// OrderStatusWriter moves the originating order through its lifecycle.
type OrderStatusWriter interface {
	UpdateStatus(ctx context.Context, id string, status orders.Status) error
}

// Notifier receives a notification for every saga event. Failures are logged
// and never affect the saga.
type Notifier interface {
	Publish(ctx context.Context, n Notification) error
}

// StepDispatcher hands a step to an out-of-process worker. When configured,
// ExecuteNext stops after step_started and waits for StepCompleted or
// StepFailed to be reported.
type StepDispatcher interface {
	Dispatch(ctx context.Context, s Saga, step StepKind) error
}

// Orchestrator drives sagas through their state machine.
type Orchestrator struct {
	store      Store
	exec       StepExecutor
	orders     OrderStatusWriter
	notifier   Notifier
	dispatcher StepDispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	maxRetries int
	now        func() time.Time
	newID      func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

func WithDispatcher(d StepDispatcher) Option { return func(o *Orchestrator) { o.dispatcher = d } }

func WithMetrics(m *observability.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

func WithMaxRetries(n int) Option { return func(o *Orchestrator) { o.maxRetries = n } }

// NewOrchestrator wires an orchestrator over its storage and executor ports.
func NewOrchestrator(store Store, exec StepExecutor, orderStatus OrderStatusWriter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		exec:       exec,
		orders:     orderStatus,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer("stockflow/internal/saga"),
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		newID:      func() string { return "saga_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRequest describes a saga to create.
type StartRequest struct {
	SagaType      string
	CorrelationID string
	Payload       Payload
}

// Start looks up the saga for req.CorrelationID and creates it when absent.
// created reports whether this call created it.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (Saga, bool, error) {
	if req.CorrelationID == "" {
		return Saga{}, false, fmt.Errorf("%w: correlation id is required", ErrInvalidCommand)
	}
	if existing, err := o.store.FindByCorrelationID(ctx, req.CorrelationID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrSagaNotFound) {
		return Saga{}, false, err
	}

	s, created, err := o.store.Create(ctx, Saga{
		ID:            o.newID(),
		Type:          req.SagaType,
		CorrelationID: req.CorrelationID,
		Status:        StatusStarted,
		Payload:       req.Payload,
		MaxRetries:    o.maxRetries,
	})
	if err != nil {
		return Saga{}, false, fmt.Errorf("create saga: %w", err)
	}
	if created {
		o.metrics.SagaStarted(s.Type)
		o.logger.Info("saga created",
			zap.String("saga_id", s.ID),
			zap.String("order_id", s.CorrelationID),
			zap.String("saga_type", s.Type),
		)
	}
	return s, created, nil
}

// ExecuteNext advances the saga until it is terminal or, with a dispatcher,
// until a step has been handed off. Each iteration re-reads the saga, so a
// restarted process resumes from the persisted cursor: a saga left in
// step_pending or step_executing re-runs its current step and bumps
// RetryCount.
func (o *Orchestrator) ExecuteNext(ctx context.Context, sagaID string) (Saga, error) {
	ctx, span := o.tracer.Start(ctx, "saga.ExecuteNext", trace.WithAttributes(attribute.String("saga.id", sagaID)))
	defer span.End()

	for {
		if err := ctx.Err(); err != nil {
			return Saga{}, err
		}
		s, err := o.store.Get(ctx, sagaID)
		if err != nil {
			return Saga{}, err
		}
		if s.Status.Terminal() {
			return s, nil
		}

		switch s.Status {
		case StatusStepFailed, StatusCompensating, StatusCompensationCompleted:
			return o.compensate(ctx, s, s.ErrorMessage)
		}

		var st step
		resuming := (s.Status == StatusStepPending || s.Status == StatusStepExecuting) && s.CurrentStep != ""
		if resuming {
			if s.Status == StatusStepExecuting && o.dispatcher != nil {
				return s, nil
			}
			var ok bool
			if st, ok = lookupStep(s.CurrentStep); !ok {
				return s, fmt.Errorf("%w: %s", ErrUnknownStep, s.CurrentStep)
			}
			s.RetryCount++
			if s.MaxRetries > 0 && s.RetryCount > s.MaxRetries {
				return o.fail(ctx, s, st.kind, fmt.Sprintf("interrupted more than %d times", s.MaxRetries))
			}
			o.logger.Info("resuming saga step",
				zap.String("saga_id", s.ID),
				zap.String("step", string(st.kind)),
				zap.Int("resume", s.RetryCount),
			)
		} else {
			next, ok, err := nextStep(s.CurrentStep)
			if err != nil {
				return s, fmt.Errorf("%w: %s", err, s.CurrentStep)
			}
			if !ok {
				return o.complete(ctx, s)
			}
			st = next
		}

		if s, err = o.beginStep(ctx, s, st.kind); err != nil {
			return s, err
		}

		if o.dispatcher != nil {
			if err := o.dispatcher.Dispatch(ctx, s, st.kind); err != nil {
				return s, fmt.Errorf("dispatch %s: %w", st.kind, err)
			}
			return s, nil
		}

		result, stepErr := o.runStep(ctx, st, s)
		if stepErr != nil {
			if ctx.Err() != nil {
				return s, ctx.Err()
			}
			return o.fail(ctx, s, st.kind, stepErr.Error())
		}
		if _, err := o.recordCompletion(ctx, s, st.kind, result); err != nil {
			return s, err
		}
	}
}

// StepCompleted records an out-of-process step success and continues. A
// report for a step other than the executing cursor is ignored.
func (o *Orchestrator) StepCompleted(ctx context.Context, sagaID string, kind StepKind, result StepResult) (Saga, error) {
	s, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return Saga{}, err
	}
	if !o.isExecuting(s, kind) {
		return s, nil
	}
	if _, err := o.recordCompletion(ctx, s, kind, result); err != nil {
		return s, err
	}
	return o.ExecuteNext(ctx, sagaID)
}

// RunStep executes a dispatched step and reports the outcome through
// StepCompleted or StepFailed. A step that is not the executing cursor is
// ignored.
func (o *Orchestrator) RunStep(ctx context.Context, sagaID string, kind StepKind) (Saga, error) {
	s, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return Saga{}, err
	}
	if !o.isExecuting(s, kind) {
		return s, nil
	}
	st, ok := lookupStep(kind)
	if !ok {
		return s, fmt.Errorf("%w: %s", ErrUnknownStep, kind)
	}
	result, stepErr := o.runStep(ctx, st, s)
	if stepErr != nil {
		if ctx.Err() != nil {
			return s, ctx.Err()
		}
		return o.StepFailed(ctx, sagaID, kind, stepErr.Error())
	}
	return o.StepCompleted(ctx, sagaID, kind, result)
}

// StepFailed records an out-of-process step failure and compensates. A report
// for a step other than the executing cursor is ignored.
func (o *Orchestrator) StepFailed(ctx context.Context, sagaID string, kind StepKind, errMsg string) (Saga, error) {
	s, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return Saga{}, err
	}
	if !o.isExecuting(s, kind) {
		return s, nil
	}
	return o.fail(ctx, s, kind, errMsg)
}

// Compensate undoes every completed step of a non-terminal saga and marks it
// failed. It is a no-op on terminal sagas.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID, reason string) (Saga, error) {
	s, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return Saga{}, err
	}
	if s.Status.Terminal() {
		return s, nil
	}
	return o.compensate(ctx, s, reason)
}

// CancelOrder routes an order cancellation into compensation. Without a saga
// the order is cancelled directly; a saga executing a step yields ErrSagaBusy.
func (o *Orchestrator) CancelOrder(ctx context.Context, correlationID, reason string) (Saga, error) {
	if reason == "" {
		reason = "order cancelled"
	}
	s, err := o.store.FindByCorrelationID(ctx, correlationID)
	if errors.Is(err, ErrSagaNotFound) {
		if err := o.orders.UpdateStatus(ctx, correlationID, orders.StatusCancelled); err != nil {
			return Saga{}, fmt.Errorf("cancel order %s: %w", correlationID, err)
		}
		o.logger.Info("order cancelled before saga start", zap.String("order_id", correlationID))
		return Saga{}, nil
	}
	if err != nil {
		return Saga{}, err
	}
	if s.Status.Terminal() {
		return s, nil
	}
	if s.Status == StatusStepExecuting {
		return s, fmt.Errorf("%w: %s", ErrSagaBusy, s.CurrentStep)
	}
	return o.compensate(ctx, s, reason)
}

// Describe returns the saga read model for an order.
func (o *Orchestrator) Describe(ctx context.Context, correlationID string) (View, error) {
	s, err := o.store.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		return View{}, err
	}
	events, err := o.store.Events(ctx, s.ID)
	if err != nil {
		return View{}, err
	}
	return View{
		SagaID:       s.ID,
		Status:       s.Status,
		CurrentStep:  s.CurrentStep,
		ErrorMessage: s.ErrorMessage,
		Events:       events,
	}, nil
}

// Command is a control-surface request.
type Command struct {
	SagaID string
	Action Action
	Step   StepKind
	Result StepResult
	Error  string
	Reason string
}

// Handle dispatches a control command.
func (o *Orchestrator) Handle(ctx context.Context, cmd Command) (Saga, error) {
	if cmd.SagaID == "" {
		return Saga{}, fmt.Errorf("%w: saga id is required", ErrInvalidCommand)
	}
	switch cmd.Action {
	case ActionExecuteNext:
		return o.ExecuteNext(ctx, cmd.SagaID)
	case ActionStepCompleted:
		if cmd.Step == "" {
			return Saga{}, fmt.Errorf("%w: step is required", ErrInvalidCommand)
		}
		return o.StepCompleted(ctx, cmd.SagaID, cmd.Step, cmd.Result)
	case ActionStepFailed:
		if cmd.Step == "" {
			return Saga{}, fmt.Errorf("%w: step is required", ErrInvalidCommand)
		}
		msg := cmd.Error
		if msg == "" {
			msg = "step reported failure"
		}
		return o.StepFailed(ctx, cmd.SagaID, cmd.Step, msg)
	case ActionRunStep:
		if cmd.Step == "" {
			return Saga{}, fmt.Errorf("%w: step is required", ErrInvalidCommand)
		}
		return o.RunStep(ctx, cmd.SagaID, cmd.Step)
	case ActionCompensate:
		reason := cmd.Reason
		if reason == "" {
			reason = cmd.Error
		}
		if reason == "" {
			reason = "compensation requested"
		}
		return o.Compensate(ctx, cmd.SagaID, reason)
	}
	return Saga{}, fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, cmd.Action)
}

func (o *Orchestrator) isExecuting(s Saga, kind StepKind) bool {
	if s.Status == StatusStepExecuting && s.CurrentStep == kind {
		return true
	}
	o.logger.Info("ignoring stale step report",
		zap.String("saga_id", s.ID),
		zap.String("step", string(kind)),
		zap.String("status", string(s.Status)),
		zap.String("current_step", string(s.CurrentStep)),
	)
	return false
}

func (o *Orchestrator) beginStep(ctx context.Context, s Saga, kind StepKind) (Saga, error) {
	s.CurrentStep = kind
	s.Status = StatusStepPending
	if err := o.store.Update(ctx, s); err != nil {
		return s, err
	}
	s.Status = StatusStepExecuting
	if err := o.store.Update(ctx, s); err != nil {
		return s, err
	}
	if err := o.record(ctx, s, string(kind), EventStepStarted, nil); err != nil {
		return s, err
	}
	return s, nil
}

func (o *Orchestrator) runStep(ctx context.Context, st step, s Saga) (StepResult, error) {
	ctx, span := o.tracer.Start(ctx, "saga.step."+string(st.kind), trace.WithAttributes(
		attribute.String("saga.id", s.ID),
		attribute.String("order.id", s.CorrelationID),
	))
	defer span.End()

	started := o.now()
	result, err := st.run(o.exec, ctx, s)
	o.metrics.ObserveStep(string(st.kind), o.now().Sub(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn("saga step failed",
			zap.String("saga_id", s.ID),
			zap.String("order_id", s.CorrelationID),
			zap.String("step", string(st.kind)),
			zap.Error(err),
		)
		return StepResult{}, err
	}
	o.logger.Info("saga step completed",
		zap.String("saga_id", s.ID),
		zap.String("order_id", s.CorrelationID),
		zap.String("step", string(st.kind)),
	)
	return result, nil
}

func (o *Orchestrator) recordCompletion(ctx context.Context, s Saga, kind StepKind, result StepResult) (Saga, error) {
	if err := o.record(ctx, s, string(kind), EventStepCompleted, result); err != nil {
		return s, err
	}
	s.Payload.Merge(result)
	s.Status = StatusStepCompleted
	if err := o.store.Update(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

func (o *Orchestrator) fail(ctx context.Context, s Saga, kind StepKind, errMsg string) (Saga, error) {
	if err := o.record(ctx, s, string(kind), EventStepFailed, map[string]string{"error": errMsg}); err != nil {
		return s, err
	}
	s.Status = StatusStepFailed
	s.ErrorMessage = fmt.Sprintf("%s failed: %s", kind, errMsg)
	if err := o.store.Update(ctx, s); err != nil {
		return s, err
	}
	return o.compensate(ctx, s, s.ErrorMessage)
}

func (o *Orchestrator) complete(ctx context.Context, s Saga) (Saga, error) {
	if err := o.orders.UpdateStatus(ctx, s.CorrelationID, orders.StatusFulfilled); err != nil {
		return s, fmt.Errorf("mark order fulfilled: %w", err)
	}
	now := o.now().UTC()
	s.Status = StatusCompleted
	s.CompletedAt = &now
	if err := o.store.Update(ctx, s); err != nil {
		return s, err
	}
	o.metrics.SagaFinished(string(StatusCompleted))
	o.notify(ctx, s, "", "", "")
	o.logger.Info("saga completed", zap.String("saga_id", s.ID), zap.String("order_id", s.CorrelationID))
	return s, nil
}

// compensate runs the reverse actions of every step with a step_completed
// event, newest first. Compensations already completed are skipped, so a
// re-driven compensation does not repeat work.
func (o *Orchestrator) compensate(ctx context.Context, s Saga, reason string) (Saga, error) {
	ctx, span := o.tracer.Start(ctx, "saga.Compensate", trace.WithAttributes(attribute.String("saga.id", s.ID)))
	defer span.End()

	if s.Status != StatusCompensating && s.Status != StatusCompensationCompleted {
		s.Status = StatusCompensating
		if err := o.store.Update(ctx, s); err != nil {
			return s, err
		}
	}

	events, err := o.store.Events(ctx, s.ID)
	if err != nil {
		return s, err
	}
	completed := make(map[string]bool)
	compensated := make(map[string]bool)
	for _, e := range events {
		switch e.EventType {
		case EventStepCompleted:
			completed[e.StepType] = true
		case EventCompensationCompleted:
			compensated[e.StepType] = true
		}
	}

	var failures []string
	for i := len(steps) - 1; i >= 0; i-- {
		st := steps[i]
		comp := st.compensate
		if !completed[string(st.kind)] || comp.run == nil || compensated[string(comp.kind)] {
			continue
		}
		if err := o.record(ctx, s, string(comp.kind), EventCompensationStarted, nil); err != nil {
			return s, err
		}
		runErr := comp.run(o.exec, ctx, s)
		o.metrics.ObserveCompensation(string(comp.kind), runErr)
		if runErr != nil {
			o.logger.Error("compensation failed",
				zap.String("saga_id", s.ID),
				zap.String("order_id", s.CorrelationID),
				zap.String("step", string(comp.kind)),
				zap.Error(runErr),
			)
			failures = append(failures, fmt.Sprintf("%s (%v)", comp.kind, runErr))
			if err := o.record(ctx, s, string(comp.kind), EventCompensationFailed, map[string]string{"error": runErr.Error()}); err != nil {
				return s, err
			}
			continue
		}
		if err := o.record(ctx, s, string(comp.kind), EventCompensationCompleted, nil); err != nil {
			return s, err
		}
	}

	s.Status = StatusCompensationCompleted
	if err := o.store.Update(ctx, s); err != nil {
		return s, err
	}
	if err := o.orders.UpdateStatus(ctx, s.CorrelationID, orders.StatusCancelled); err != nil {
		if !errors.Is(err, orders.ErrOrderNotFound) {
			return s, fmt.Errorf("mark order cancelled: %w", err)
		}
		o.logger.Warn("order missing during compensation", zap.String("saga_id", s.ID), zap.String("order_id", s.CorrelationID))
	}

	msg := reason
	if msg == "" {
		msg = "saga compensated"
	}
	if len(failures) > 0 {
		msg += "; compensation failed: " + strings.Join(failures, ", ")
	}
	now := o.now().UTC()
	s.Status = StatusFailed
	s.ErrorMessage = msg
	s.CompletedAt = &now
	if err := o.store.Update(ctx, s); err != nil {
		return s, err
	}
	o.metrics.SagaFinished(string(StatusFailed))
	o.notify(ctx, s, "", "", msg)
	o.logger.Info("saga failed",
		zap.String("saga_id", s.ID),
		zap.String("order_id", s.CorrelationID),
		zap.String("reason", msg),
	)
	return s, nil
}

func (o *Orchestrator) record(ctx context.Context, s Saga, stepType string, eventType EventType, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	if _, err := o.store.AppendEvent(ctx, Event{
		SagaID:    s.ID,
		StepType:  stepType,
		EventType: eventType,
		Payload:   raw,
	}); err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	var errMsg string
	if m, ok := payload.(map[string]string); ok {
		errMsg = m["error"]
	}
	o.notify(ctx, s, eventType, stepType, errMsg)
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, s Saga, eventType EventType, stepType, errMsg string) {
	if o.notifier == nil {
		return
	}
	err := o.notifier.Publish(ctx, Notification{
		SagaID:        s.ID,
		SagaType:      s.Type,
		CorrelationID: s.CorrelationID,
		Status:        s.Status,
		CurrentStep:   s.CurrentStep,
		EventType:     eventType,
		StepType:      stepType,
		Error:         errMsg,
		At:            o.now().UTC(),
	})
	o.metrics.ObserveNotification(err)
	if err != nil {
		o.logger.Warn("saga notification failed", zap.String("saga_id", s.ID), zap.Error(err))
	}
}
