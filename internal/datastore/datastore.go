// Package datastore defines the capability the pipeline uses to read and
// write source and target stores.
//
// Drivers are pluggable. The core only issues queryir statements whose
// values are bound by parameter name.
package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/syncline/internal/queryir"
	"github.com/roach88/syncline/internal/value"
)

// ErrNoSuchTable is returned when a statement or schema lookup names a
// table the store does not have.
var ErrNoSuchTable = errors.New("no such table")

// Params binds parameter names to values.
type Params map[string]value.Value

// Rows is a query result. Each row is an ordered column -> value document.
type Rows []*value.Map

// Querier runs statements.
type Querier interface {
	// Query runs a statement that returns rows.
	Query(ctx context.Context, stmt queryir.Statement, params Params) (Rows, error)

	// Execute runs a mutation and returns the number of affected rows.
	Execute(ctx context.Context, stmt queryir.Statement, params Params) (int64, error)
}

// DataStore is a source or target store.
type DataStore interface {
	Querier

	// Begin opens a transaction.
	Begin(ctx context.Context) (Tx, error)

	// Schema describes a table's columns.
	Schema(ctx context.Context, table string) (Schema, error)

	// Close releases the store.
	Close() error
}

// Tx is an open transaction.
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back when fn or the commit fails.
func WithTx(ctx context.Context, ds DataStore, fn func(Tx) error) error {
	tx, err := ds.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
