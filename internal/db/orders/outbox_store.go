package ordersdb

import (
	"context"
	"database/sql"
	"errors"

	"stockflow/internal/outbox"
)

// OutboxStore stages outbox events in Postgres.
type OutboxStore struct {
	db *sql.DB
}

var _ outbox.Store = (*OutboxStore)(nil)

// NewOutboxStore constructs an OutboxStore backed by Postgres.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// NewOutboxStoreWithSchema initializes the schema then returns the store.
func NewOutboxStoreWithSchema(ctx context.Context, db *sql.DB) (*OutboxStore, error) {
	store := NewOutboxStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the outbox table if it does not exist.
func (s *OutboxStore) InitSchema(ctx context.Context) error {
	return initSchema(ctx, s.db,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			retry_count INT NOT NULL DEFAULT 0,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_events_pending_idx ON outbox_events (id) WHERE processed_at IS NULL`,
	)
}

// Append stages an event outside any caller transaction.
func (s *OutboxStore) Append(ctx context.Context, e outbox.Event) (int64, error) {
	return appendEvent(ctx, s.db, e)
}

// AppendTx stages an event inside tx so it commits with the caller's write.
func (s *OutboxStore) AppendTx(ctx context.Context, tx *sql.Tx, e outbox.Event) (int64, error) {
	return appendEvent(ctx, tx, e)
}

func appendEvent(ctx context.Context, q queryer, e outbox.Event) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO outbox_events (event_type, aggregate_type, aggregate_id, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		string(e.EventType), e.AggregateType, e.AggregateID, string(e.Payload),
	).Scan(&id)
	return id, err
}

const outboxColumns = `id, event_type, aggregate_type, aggregate_id, payload, created_at,
	processed_at, retry_count, last_error`

func (s *OutboxStore) FetchUnprocessed(ctx context.Context, maxRetries, limit int) ([]outbox.Event, error) {
	return s.list(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id
		LIMIT $2`, maxRetries, limit)
}

func (s *OutboxStore) DeadLetters(ctx context.Context, maxRetries, limit int) ([]outbox.Event, error) {
	return s.list(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY id
		LIMIT $2`, maxRetries, limit)
}

// MarkProcessed stamps processed_at; marking twice keeps the first stamp.
func (s *OutboxStore) MarkProcessed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET processed_at = COALESCE(processed_at, NOW())
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return outbox.ErrEventNotFound
	}
	return nil
}

func (s *OutboxStore) IncrementRetry(ctx context.Context, id int64, lastError string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE outbox_events
		SET retry_count = retry_count + 1, last_error = $2
		WHERE id = $1
		RETURNING retry_count`, id, lastError,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, outbox.ErrEventNotFound
	}
	return count, err
}

func (s *OutboxStore) list(ctx context.Context, query string, args ...any) ([]outbox.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		var (
			e           outbox.Event
			eventType   string
			payload     []byte
			processedAt sql.NullTime
			lastError   sql.NullString
		)
		if err := rows.Scan(&e.ID, &eventType, &e.AggregateType, &e.AggregateID, &payload,
			&e.CreatedAt, &processedAt, &e.RetryCount, &lastError); err != nil {
			return nil, err
		}
		e.EventType = outbox.EventType(eventType)
		e.Payload = payload
		e.LastError = lastError.String
		if processedAt.Valid {
			at := processedAt.Time
			e.ProcessedAt = &at
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
