// Package repository is the fabric's Repository capability: a
// Postgres-backed relational store offering explicit transactions so
// callers can commit a business-state change and its outbox row
// together.
package repository

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Repository wraps a *sql.DB and exposes transaction scoping. It is
// shared by internal/order, internal/inventory, internal/payment and
// internal/outbox — each owns its own tables but the transactional
// discipline is common.
type Repository struct {
	DB *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(connectionString string) (*Repository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Repository{DB: db}, nil
}

func (r *Repository) Close() error {
	return r.DB.Close()
}

// TxFunc runs inside a single transaction; returning an error rolls it
// back, returning nil commits it.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// WithTx runs fn inside a transaction. No I/O other than the
// datastore itself may happen inside fn — callers must not call
// Broker or KeyValue from within it.
func (r *Repository) WithTx(ctx context.Context, fn TxFunc) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}
