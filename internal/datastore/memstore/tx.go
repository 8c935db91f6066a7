package memstore

import (
	"context"
	"errors"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/queryir"
	"github.com/roach88/syncline/internal/value"
)

// ErrTxDone is returned by operations on a finished transaction.
var ErrTxDone = errors.New("memstore: transaction already committed or rolled back")

// tx applies statements immediately and keeps an undo log for Rollback.
type tx struct {
	store   *Store
	undo    []undoEntry
	journal []Mutation
	done    bool
}

type undoEntry struct {
	table string
	key   string
	prev  *value.Map
}

func (t *tx) Query(ctx context.Context, stmt queryir.Statement, params datastore.Params) (datastore.Rows, error) {
	if t.isDone() {
		return nil, ErrTxDone
	}
	return t.store.Query(ctx, stmt, params)
}

func (t *tx) Execute(ctx context.Context, stmt queryir.Statement, params datastore.Params) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return 0, ErrTxDone
	}
	if err := s.check(stmt); err != nil {
		return 0, err
	}
	return s.apply(stmt, params, &t.undo, &t.journal)
}

func (t *tx) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.undo = nil
	t.store.journal = append(t.store.journal, t.journal...)
	t.journal = nil
	return nil
}

// Rollback restores every touched row. Nothing reaches the journal.
func (t *tx) Rollback() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		u := t.undo[i]
		tbl := s.tables[u.table]
		if u.prev == nil {
			tbl.del(u.key)
		} else {
			tbl.put(u.key, u.prev)
		}
	}
	t.undo = nil
	t.journal = nil
	return nil
}

func (t *tx) isDone() bool {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.done
}
