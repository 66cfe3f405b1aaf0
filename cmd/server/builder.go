package main

import (
	"context"
	"database/sql"
	"errors"

	"stockflow/cmd/server/config"
	ordersdb "stockflow/internal/db/orders"
	"stockflow/internal/inventory"
	"stockflow/internal/orders"
	"stockflow/internal/outbox"
	"stockflow/internal/payments"
	"stockflow/internal/saga"

	"go.uber.org/zap"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

type stores struct {
	events   outbox.Store
	orders   orders.Store
	sagas    saga.Store
	ledger   inventory.Ledger
	payments payments.Ledger
	close    func() error
}

// buildStores returns Postgres stores when DATABASE_URL is set and in-memory
// stores otherwise.
func buildStores(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (stores, error) {
	if cfg.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		events := outbox.NewInMemoryStore()
		return stores{
			events:   events,
			orders:   orders.NewInMemoryStore(events),
			sagas:    saga.NewInMemoryStore(),
			ledger:   inventory.NewInMemoryLedger(),
			payments: payments.NewInMemoryLedger(),
			close:    func() error { return nil },
		}, nil
	}

	db, err := openDB("pgx", cfg.URL)
	if err != nil {
		return stores{}, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	setupCtx := ctx
	if cfg.SetupTimeout > 0 {
		var cancel context.CancelFunc
		setupCtx, cancel = context.WithTimeout(ctx, cfg.SetupTimeout)
		defer cancel()
	}
	s, err := postgresStores(setupCtx, db)
	if err != nil {
		return stores{}, errors.Join(err, db.Close())
	}
	logger.Info("postgres stores enabled")
	return s, nil
}

func postgresStores(ctx context.Context, db *sql.DB) (stores, error) {
	events, err := ordersdb.NewOutboxStoreWithSchema(ctx, db)
	if err != nil {
		return stores{}, err
	}
	orderStore, err := ordersdb.NewOrderStoreWithSchema(ctx, db, events)
	if err != nil {
		return stores{}, err
	}
	sagaStore, err := ordersdb.NewSagaStoreWithSchema(ctx, db)
	if err != nil {
		return stores{}, err
	}
	ledger, err := ordersdb.NewInventoryStoreWithSchema(ctx, db)
	if err != nil {
		return stores{}, err
	}
	paymentStore, err := ordersdb.NewPaymentStoreWithSchema(ctx, db)
	if err != nil {
		return stores{}, err
	}
	return stores{
		events:   events,
		orders:   orderStore,
		sagas:    sagaStore,
		ledger:   ledger,
		payments: paymentStore,
		close:    db.Close,
	}, nil
}
