// Package worker relays outbox events to the saga orchestrator.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stockflow/internal/observability"
	"stockflow/internal/orders"
	"stockflow/internal/outbox"
	"stockflow/internal/saga"
	"stockflow/internal/sharding"
)

// SagaDriver is the orchestrator surface the poller forwards events to.
type SagaDriver interface {
	Start(ctx context.Context, req saga.StartRequest) (saga.Saga, bool, error)
	ExecuteNext(ctx context.Context, sagaID string) (saga.Saga, error)
	Handle(ctx context.Context, cmd saga.Command) (saga.Saga, error)
	CancelOrder(ctx context.Context, correlationID, reason string) (saga.Saga, error)
}

// SagaLookup resolves a saga from its correlation id.
type SagaLookup interface {
	FindByCorrelationID(ctx context.Context, correlationID string) (saga.Saga, error)
}

// Config tunes one drain run.
type Config struct {
	BatchSize   int
	MaxRetries  int
	Concurrency int
	LockKey     string
	LockTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LockKey == "" {
		c.LockKey = "stockflow:outbox:drain"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	return c
}

// Report summarizes one drain run.
type Report struct {
	Claimed      int  `json:"claimed"`
	Processed    int  `json:"processed"`
	Retried      int  `json:"retried"`
	DeadLettered int  `json:"dead_lettered"`
	Skipped      bool `json:"skipped"`
}

// Poller drains the outbox in batches.
type Poller struct {
	events  outbox.Store
	driver  SagaDriver
	sagas   SagaLookup
	locker  Locker
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithLocker makes runs take a distributed lock; a run that cannot take it is skipped.
func WithLocker(l Locker) Option { return func(p *Poller) { p.locker = l } }

func WithMetrics(m *observability.Metrics) Option { return func(p *Poller) { p.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(p *Poller) { p.logger = l } }

// NewPoller constructs a Poller.
func NewPoller(events outbox.Store, driver SagaDriver, sagas SagaLookup, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		events: events,
		driver: driver,
		sagas:  sagas,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DeadLetters lists events that exhausted the retry ceiling.
func (p *Poller) DeadLetters(ctx context.Context, limit int) ([]outbox.Event, error) {
	if limit <= 0 {
		limit = p.cfg.BatchSize
	}
	return p.events.DeadLetters(ctx, p.cfg.MaxRetries, limit)
}

// RunOnce claims one batch and handles it. Events are split into lanes by
// aggregate id; lanes run concurrently, events inside a lane run in id order.
func (p *Poller) RunOnce(ctx context.Context) (Report, error) {
	if p.locker != nil {
		release, ok, err := p.locker.Acquire(ctx, p.cfg.LockKey, p.cfg.LockTTL)
		if err != nil {
			return Report{}, fmt.Errorf("acquire drain lock: %w", err)
		}
		if !ok {
			p.metrics.OutboxRunSkipped()
			p.logger.Debug("outbox drain skipped, lock held elsewhere")
			return Report{Skipped: true}, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				p.logger.Warn("release drain lock", zap.Error(err))
			}
		}()
	}

	batch, err := p.events.FetchUnprocessed(ctx, p.cfg.MaxRetries, p.cfg.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("fetch outbox: %w", err)
	}
	p.metrics.ObserveOutboxBatch(len(batch))
	if len(batch) == 0 {
		return Report{}, nil
	}

	lanes := make([][]outbox.Event, p.cfg.Concurrency)
	for _, e := range batch {
		i := sharding.Lane(e.AggregateID, p.cfg.Concurrency)
		lanes[i] = append(lanes[i], e)
	}

	var processed, retried, dead atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, lane := range lanes {
		if len(lane) == 0 {
			continue
		}
		logger := p.logger.With(zap.String("lane", sharding.LaneID(i)))
		g.Go(func() error {
			for _, e := range lane {
				if err := gctx.Err(); err != nil {
					return err
				}
				switch p.process(gctx, logger, e) {
				case resultProcessed:
					processed.Add(1)
				case resultRetried:
					retried.Add(1)
				case resultDeadLettered:
					dead.Add(1)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	report := Report{
		Claimed:      len(batch),
		Processed:    int(processed.Load()),
		Retried:      int(retried.Load()),
		DeadLettered: int(dead.Load()),
	}
	p.logger.Info("outbox drained",
		zap.Int("claimed", report.Claimed),
		zap.Int("processed", report.Processed),
		zap.Int("retried", report.Retried),
		zap.Int("dead_lettered", report.DeadLettered),
	)
	return report, err
}

type result string

const (
	resultProcessed    result = "processed"
	resultRetried      result = "retried"
	resultDeadLettered result = "dead_lettered"
	resultUnrecorded   result = "unrecorded"
)

func (p *Poller) process(ctx context.Context, logger *zap.Logger, e outbox.Event) result {
	logger = logger.With(
		zap.Int64("event_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.String("order_id", e.AggregateID),
	)

	handleErr := p.handle(ctx, e)
	if handleErr == nil {
		if err := p.events.MarkProcessed(ctx, e.ID); err != nil {
			logger.Error("mark outbox event processed", zap.Error(err))
			p.metrics.ObserveOutboxEvent(string(e.EventType), string(resultUnrecorded))
			return resultUnrecorded
		}
		p.metrics.ObserveOutboxEvent(string(e.EventType), string(resultProcessed))
		return resultProcessed
	}

	count, err := p.events.IncrementRetry(ctx, e.ID, handleErr.Error())
	if err != nil {
		logger.Error("record outbox retry", zap.NamedError("handle_error", handleErr), zap.Error(err))
		p.metrics.ObserveOutboxEvent(string(e.EventType), string(resultUnrecorded))
		return resultUnrecorded
	}
	if count >= p.cfg.MaxRetries {
		logger.Error("outbox event dead-lettered",
			zap.Int("retry_count", count),
			zap.Error(handleErr),
		)
		p.metrics.ObserveOutboxEvent(string(e.EventType), string(resultDeadLettered))
		return resultDeadLettered
	}
	logger.Warn("outbox event failed, will retry",
		zap.Int("retry_count", count),
		zap.Error(handleErr),
	)
	p.metrics.ObserveOutboxEvent(string(e.EventType), string(resultRetried))
	return resultRetried
}

func (p *Poller) handle(ctx context.Context, e outbox.Event) error {
	switch e.EventType {
	case outbox.EventSagaStart:
		return p.handleStart(ctx, e)
	case outbox.EventSagaStep:
		return p.handleStep(ctx, e)
	}
	return fmt.Errorf("%w: unknown event type %q", outbox.ErrInvalidEvent, e.EventType)
}

// handleStart creates the saga and drives it. A repeated start for a saga that
// has not finished resumes it from its persisted cursor.
func (p *Poller) handleStart(ctx context.Context, e outbox.Event) error {
	var body orders.SagaStartPayload
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return fmt.Errorf("%w: decode saga_start: %v", outbox.ErrInvalidEvent, err)
	}
	if body.OrderID == "" {
		body.OrderID = e.AggregateID
	}
	if body.SagaType == "" {
		body.SagaType = orders.FulfillmentSagaType
	}

	s, created, err := p.driver.Start(ctx, saga.StartRequest{
		SagaType:      body.SagaType,
		CorrelationID: body.OrderID,
		Payload: saga.Payload{
			OrderID:     body.OrderID,
			WarehouseID: body.WarehouseID,
			Items:       body.Items,
		},
	})
	if err != nil {
		return err
	}
	if !created && s.Status.Terminal() {
		p.logger.Debug("saga already finished, start ignored",
			zap.String("saga_id", s.ID),
			zap.String("status", string(s.Status)),
		)
		return nil
	}
	if !created && s.Status != saga.StatusStarted {
		p.logger.Info("resuming interrupted saga",
			zap.String("saga_id", s.ID),
			zap.String("status", string(s.Status)),
			zap.String("step", string(s.CurrentStep)),
		)
	}
	_, err = p.driver.ExecuteNext(ctx, s.ID)
	return err
}

func (p *Poller) handleStep(ctx context.Context, e outbox.Event) error {
	var body outbox.StepPayload
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return fmt.Errorf("%w: decode saga_step: %v", outbox.ErrInvalidEvent, err)
	}
	if !body.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", outbox.ErrInvalidEvent, body.Action)
	}

	sagaID := body.SagaID
	if sagaID == "" {
		if body.Action == outbox.ActionCompensate {
			_, err := p.driver.CancelOrder(ctx, e.AggregateID, body.Reason)
			return err
		}
		s, err := p.sagas.FindByCorrelationID(ctx, e.AggregateID)
		if err != nil {
			return fmt.Errorf("resolve saga for %s: %w", e.AggregateID, err)
		}
		sagaID = s.ID
	}

	cmd := saga.Command{
		SagaID: sagaID,
		Action: body.Action,
		Step:   saga.StepKind(body.Step),
		Error:  body.Error,
		Reason: body.Reason,
	}
	if len(body.StepResult) > 0 {
		if err := json.Unmarshal(body.StepResult, &cmd.Result); err != nil {
			return fmt.Errorf("%w: decode step_result: %v", outbox.ErrInvalidEvent, err)
		}
	}
	_, err := p.driver.Handle(ctx, cmd)
	return err
}
