package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"stockflow/internal/saga"
)

// SagaStore persists sagas and their event log in Postgres.
type SagaStore struct {
	db *sql.DB
}

var _ saga.Store = (*SagaStore)(nil)

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	return initSchema(ctx, s.db,
		`CREATE TABLE IF NOT EXISTS sagas (
			id TEXT PRIMARY KEY,
			saga_type TEXT NOT NULL,
			correlation_id TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT,
			payload JSONB NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS saga_events (
			id BIGSERIAL PRIMARY KEY,
			saga_id TEXT NOT NULL REFERENCES sagas(id),
			step_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS saga_events_saga_id_idx ON saga_events (saga_id, id)`,
	)
}

const sagaColumns = `id, saga_type, correlation_id, status, current_step, payload,
	retry_count, max_retries, error_message, created_at, updated_at, completed_at`

// Create inserts a saga or returns the existing one for its correlation id.
func (s *SagaStore) Create(ctx context.Context, sg saga.Saga) (saga.Saga, bool, error) {
	payload, err := json.Marshal(sg.Payload)
	if err != nil {
		return saga.Saga{}, false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sagas (id, saga_type, correlation_id, status, current_step, payload, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (correlation_id) DO NOTHING`,
		sg.ID, sg.Type, sg.CorrelationID, string(sg.Status), nullString(string(sg.CurrentStep)), string(payload), sg.MaxRetries,
	)
	if err != nil {
		return saga.Saga{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return saga.Saga{}, false, err
	}

	stored, err := s.FindByCorrelationID(ctx, sg.CorrelationID)
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			return saga.Saga{}, false, fmt.Errorf("saga not found after insert")
		}
		return saga.Saga{}, false, err
	}
	return stored, affected == 1, nil
}

func (s *SagaStore) Get(ctx context.Context, id string) (saga.Saga, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE id = $1`, id))
}

func (s *SagaStore) FindByCorrelationID(ctx context.Context, correlationID string) (saga.Saga, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE correlation_id = $1`, correlationID))
}

// Update writes the mutable fields of the saga.
func (s *SagaStore) Update(ctx context.Context, sg saga.Saga) error {
	payload, err := json.Marshal(sg.Payload)
	if err != nil {
		return err
	}
	var completedAt sql.NullTime
	if sg.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *sg.CompletedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sagas
		SET status = $2, current_step = $3, payload = $4, retry_count = $5,
			error_message = $6, completed_at = $7, updated_at = NOW()
		WHERE id = $1`,
		sg.ID, string(sg.Status), nullString(string(sg.CurrentStep)), string(payload), sg.RetryCount,
		nullString(sg.ErrorMessage), completedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrSagaNotFound
	}
	return nil
}

// AppendEvent inserts an event row.
func (s *SagaStore) AppendEvent(ctx context.Context, e saga.Event) (saga.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO saga_events (saga_id, step_type, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		e.SagaID, e.StepType, string(e.EventType), jsonArg(e.Payload),
	)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		if isPgCode(err, pgForeignKeyViolation) {
			return saga.Event{}, saga.ErrSagaNotFound
		}
		return saga.Event{}, err
	}
	return e, nil
}

// Events lists a saga's events in append order.
func (s *SagaStore) Events(ctx context.Context, sagaID string) ([]saga.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, saga_id, step_type, event_type, payload, created_at
		FROM saga_events
		WHERE saga_id = $1
		ORDER BY id`,
		sagaID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []saga.Event
	for rows.Next() {
		var (
			e         saga.Event
			eventType string
			payload   []byte
		)
		if err := rows.Scan(&e.ID, &e.SagaID, &e.StepType, &eventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = saga.EventType(eventType)
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SagaStore) scanOne(row *sql.Row) (saga.Saga, error) {
	var (
		sg           saga.Saga
		status       string
		currentStep  sql.NullString
		payload      []byte
		errorMessage sql.NullString
		completedAt  sql.NullTime
	)
	err := row.Scan(&sg.ID, &sg.Type, &sg.CorrelationID, &status, &currentStep, &payload,
		&sg.RetryCount, &sg.MaxRetries, &errorMessage, &sg.CreatedAt, &sg.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Saga{}, saga.ErrSagaNotFound
		}
		return saga.Saga{}, err
	}
	if err := json.Unmarshal(payload, &sg.Payload); err != nil {
		return saga.Saga{}, fmt.Errorf("decode saga %s payload: %w", sg.ID, err)
	}
	sg.Status = saga.Status(status)
	sg.CurrentStep = saga.StepKind(currentStep.String)
	sg.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		at := completedAt.Time
		sg.CompletedAt = &at
	}
	return sg, nil
}
