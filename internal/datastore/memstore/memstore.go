// Package memstore is an in-memory DataStore that evaluates statement IR
// directly. It backs tests, scenario runs and dry runs.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/queryir"
	"github.com/roach88/syncline/internal/value"
)

// FaultFunc is consulted before every statement. A non-nil error fails the
// statement without touching data.
type FaultFunc func(stmt queryir.Statement) error

// Mutation records one applied row change, in application order.
type Mutation struct {
	Op    string // "insert", "upsert", "update" or "delete"
	Table string
	Key   string
	Row   *value.Map // row image after the change; nil for deletes
}

// Store is an in-memory DataStore. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	tables  map[string]*table
	fault   FaultFunc
	journal []Mutation
	logger  *slog.Logger
}

type table struct {
	schema datastore.Schema
	key    string
	order  []string
	rows   map[string]*value.Map
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithFault installs a fault hook.
func WithFault(f FaultFunc) Option {
	return func(s *Store) { s.fault = f }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{tables: map[string]*table{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ datastore.DataStore = (*Store)(nil)

// CreateTable declares a table. The schema's primary key column keys rows.
func (s *Store) CreateTable(schema datastore.Schema) error {
	key := schema.PrimaryKey()
	if key == "" {
		return fmt.Errorf("table %s: no primary key column", schema.Table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[schema.Table]; ok {
		return fmt.Errorf("table %s already exists", schema.Table)
	}
	s.tables[schema.Table] = &table{schema: schema, key: key, rows: map[string]*value.Map{}}
	return nil
}

// Seed inserts rows directly, creating the table when missing with a schema
// inferred from the first row. Seeded rows are not journaled.
func (s *Store) Seed(name, key string, rows ...*value.Map) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		var first *value.Map
		if len(rows) > 0 {
			first = rows[0]
		}
		t = &table{schema: inferSchema(name, key, first), key: key, rows: map[string]*value.Map{}}
		s.tables[name] = t
	}
	for _, r := range rows {
		k, ok := r.Get(t.key)
		if !ok || value.IsNull(k) {
			return fmt.Errorf("seed %s: row without key %q", name, t.key)
		}
		t.put(value.AsString(k), r.Clone())
	}
	return nil
}

// SetFault replaces the fault hook.
func (s *Store) SetFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// Snapshot returns clones of a table's rows in insertion order.
func (s *Store) Snapshot(name string) datastore.Rows {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return nil
	}
	out := make(datastore.Rows, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.rows[k].Clone())
	}
	return out
}

// Row returns a clone of the row stored under key.
func (s *Store) Row(name, key string) (*value.Map, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, false
	}
	r, ok := t.rows[key]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Journal returns every mutation applied through statements, in order.
func (s *Store) Journal() []Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mutation, len(s.journal))
	copy(out, s.journal)
	return out
}

// Tables lists table names in sorted order.
func (s *Store) Tables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Query implements datastore.Querier.
func (s *Store) Query(ctx context.Context, stmt queryir.Statement, params datastore.Params) (datastore.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(stmt); err != nil {
		return nil, err
	}
	sel, ok := stmt.(queryir.Select)
	if !ok {
		return nil, failure.Newf(failure.KindConfig, "memstore.query", "statement %T returns no rows", stmt)
	}
	return s.selectRows(sel, params)
}

// Execute implements datastore.Querier.
func (s *Store) Execute(ctx context.Context, stmt queryir.Statement, params datastore.Params) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(stmt); err != nil {
		return 0, err
	}
	return s.apply(stmt, params, nil, &s.journal)
}

// Begin implements datastore.DataStore.
func (s *Store) Begin(ctx context.Context) (datastore.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{store: s}, nil
}

// Schema implements datastore.DataStore.
func (s *Store) Schema(ctx context.Context, name string) (datastore.Schema, error) {
	if err := ctx.Err(); err != nil {
		return datastore.Schema{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return datastore.Schema{}, fmt.Errorf("schema %s: %w", name, datastore.ErrNoSuchTable)
	}
	return t.schema, nil
}

// Close implements datastore.DataStore.
func (s *Store) Close() error { return nil }

// check runs validation and the fault hook. Caller holds mu.
func (s *Store) check(stmt queryir.Statement) error {
	if _, ok := stmt.(queryir.Raw); ok {
		return failure.New(failure.KindConfig, "memstore", "raw SQL is not supported")
	}
	if err := queryir.Validate(stmt); err != nil {
		return failure.Wrap(failure.KindConfig, "memstore", err)
	}
	if s.fault != nil {
		if err := s.fault(stmt); err != nil {
			s.logger.Debug("memstore fault injected", "table", queryir.TableOf(stmt), "error", err)
			return err
		}
	}
	if _, ok := s.tables[queryir.TableOf(stmt)]; !ok {
		return fmt.Errorf("%s: %w", queryir.TableOf(stmt), datastore.ErrNoSuchTable)
	}
	return nil
}

func (s *Store) selectRows(sel queryir.Select, params datastore.Params) (datastore.Rows, error) {
	t := s.tables[sel.Table]
	var out datastore.Rows
	for _, k := range t.order {
		row := t.rows[k]
		ok, err := eval(sel.Filter, row, params)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, project(row, sel.Columns))
		}
	}
	if len(sel.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range sel.OrderBy {
				a, _ := value.GetPath(out[i], o.Column)
				b, _ := value.GetPath(out[j], o.Column)
				c := orderCompare(a, b)
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if sel.Limit > 0 && len(out) > sel.Limit {
		out = out[:sel.Limit]
	}
	return out, nil
}

// orderCompare sorts nulls first, then comparable values, then by text.
func orderCompare(a, b value.Value) int {
	an, bn := value.IsNull(a), value.IsNull(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	}
	if c, ok := value.Compare(a, b); ok {
		return c
	}
	sa, sb := value.AsString(a), value.AsString(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func project(row *value.Map, cols []string) *value.Map {
	if len(cols) == 0 {
		return row.Clone()
	}
	out := value.NewMap()
	for _, c := range cols {
		v, ok := value.GetPath(row, c)
		if !ok {
			v = value.Null{}
		}
		out.Set(c, value.Clone(v))
	}
	return out
}

// apply runs a mutation. Undo entries are appended to undo when non-nil and
// applied changes to journal. Caller holds mu.
func (s *Store) apply(stmt queryir.Statement, params datastore.Params, undo *[]undoEntry, journal *[]Mutation) (int64, error) {
	switch st := stmt.(type) {
	case queryir.Insert:
		return s.insert(st, params, undo, journal)
	case queryir.Update:
		return s.update(st, params, undo, journal)
	case queryir.Delete:
		return s.remove(st, params, undo, journal)
	default:
		return 0, failure.Newf(failure.KindConfig, "memstore.execute", "statement %T is not a mutation", stmt)
	}
}

func (s *Store) insert(st queryir.Insert, params datastore.Params, undo *[]undoEntry, journal *[]Mutation) (int64, error) {
	t := s.tables[st.Table]
	rows := make([]*value.Map, st.Rows)
	keys := make([]string, st.Rows)
	seen := map[string]bool{}
	for i := 0; i < st.Rows; i++ {
		row := value.NewMap()
		for _, c := range st.Columns {
			v, ok := params[queryir.InsertParam(i, c)]
			if !ok {
				return 0, failure.Newf(failure.KindConfig, "memstore.insert", "missing parameter %s", queryir.InsertParam(i, c))
			}
			row.Set(c, value.Clone(v))
		}
		k, ok := row.Get(t.key)
		if !ok || value.IsNull(k) {
			return 0, failure.Newf(failure.KindConstraint, "memstore.insert", "NOT NULL constraint failed: %s.%s", st.Table, t.key)
		}
		key := value.AsString(k)
		_, exists := t.rows[key]
		if (exists || seen[key]) && st.OnConflict == "" {
			return 0, failure.Newf(failure.KindConstraint, "memstore.insert", "UNIQUE constraint failed: %s.%s", st.Table, t.key)
		}
		seen[key] = true
		rows[i], keys[i] = row, key
	}
	for i, row := range rows {
		prev := t.rows[keys[i]]
		op := "insert"
		if prev != nil {
			op = "upsert"
			merged := prev.Clone()
			row.Range(func(k string, v value.Value) bool {
				merged.Set(k, v)
				return true
			})
			row = merged
		}
		s.record(undo, st.Table, keys[i], prev)
		t.put(keys[i], row)
		*journal = append(*journal, Mutation{Op: op, Table: st.Table, Key: keys[i], Row: row.Clone()})
	}
	return int64(len(rows)), nil
}

func (s *Store) update(st queryir.Update, params datastore.Params, undo *[]undoEntry, journal *[]Mutation) (int64, error) {
	t := s.tables[st.Table]
	var n int64
	for _, k := range append([]string(nil), t.order...) {
		row := t.rows[k]
		ok, err := eval(st.Filter, row, params)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		next := row.Clone()
		for _, c := range st.Columns {
			v, ok := params[queryir.SetParam(c)]
			if !ok {
				return n, failure.Newf(failure.KindConfig, "memstore.update", "missing parameter %s", queryir.SetParam(c))
			}
			next.Set(c, value.Clone(v))
		}
		newKey := k
		if kv, ok := next.Get(t.key); ok && !value.IsNull(kv) {
			newKey = value.AsString(kv)
		}
		if newKey != k {
			return n, failure.Newf(failure.KindConstraint, "memstore.update", "primary key %s.%s cannot change", st.Table, t.key)
		}
		s.record(undo, st.Table, k, row)
		t.rows[k] = next
		*journal = append(*journal, Mutation{Op: "update", Table: st.Table, Key: k, Row: next.Clone()})
		n++
	}
	return n, nil
}

func (s *Store) remove(st queryir.Delete, params datastore.Params, undo *[]undoEntry, journal *[]Mutation) (int64, error) {
	t := s.tables[st.Table]
	var n int64
	for _, k := range append([]string(nil), t.order...) {
		row := t.rows[k]
		ok, err := eval(st.Filter, row, params)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		s.record(undo, st.Table, k, row)
		t.del(k)
		*journal = append(*journal, Mutation{Op: "delete", Table: st.Table, Key: k})
		n++
	}
	return n, nil
}

func (s *Store) record(undo *[]undoEntry, tableName, key string, prev *value.Map) {
	if undo == nil {
		return
	}
	*undo = append(*undo, undoEntry{table: tableName, key: key, prev: prev})
}

func (t *table) put(key string, row *value.Map) {
	if _, ok := t.rows[key]; !ok {
		t.order = append(t.order, key)
	}
	t.rows[key] = row
}

func (t *table) del(key string) {
	if _, ok := t.rows[key]; !ok {
		return
	}
	delete(t.rows, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func inferSchema(name, key string, row *value.Map) datastore.Schema {
	s := datastore.Schema{Table: name}
	if row == nil {
		s.Columns = []datastore.Column{{Name: key, Type: datastore.T(datastore.Text), PrimaryKey: true}}
		return s
	}
	row.Range(func(k string, v value.Value) bool {
		s.Columns = append(s.Columns, datastore.Column{
			Name:       k,
			Type:       tagOf(v),
			Nullable:   k != key,
			PrimaryKey: k == key,
		})
		return true
	})
	if _, ok := s.Lookup(key); !ok {
		s.Columns = append([]datastore.Column{{Name: key, Type: datastore.T(datastore.Text), PrimaryKey: true}}, s.Columns...)
	}
	return s
}

func tagOf(v value.Value) datastore.TypeTag {
	switch v.(type) {
	case value.Int:
		return datastore.T(datastore.Integer)
	case value.Float:
		return datastore.T(datastore.Decimal)
	case value.Bool:
		return datastore.T(datastore.Boolean)
	case value.Time:
		return datastore.T(datastore.Timestamp)
	case *value.Map, value.List:
		return datastore.T(datastore.JSONObject)
	default:
		return datastore.T(datastore.Text)
	}
}
