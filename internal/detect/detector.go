package detect

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/queryir"
	"github.com/roach88/syncline/internal/value"
)

const (
	defaultPageSize = 1000

	// imageChunk bounds the IN list used to fetch current row images.
	imageChunk = 500
)

// Request selects what a detection pass reads.
type Request struct {
	Mode Mode

	// Tables restricts the pass. Empty means every configured table, in
	// configuration order. Selective mode requires at least one table.
	Tables []string

	// Watermarks holds the incremental frontier per table. A missing or
	// empty token reads the table from the beginning.
	Watermarks map[string]string

	// Predicates holds selective-mode filter expressions per table.
	Predicates map[string]string
}

// Detector reads changes from a source store.
type Detector struct {
	store    datastore.DataStore
	tables   []Table
	byName   map[string]Table
	pageSize int
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithPageSize sets how many rows full and selective passes read per query.
func WithPageSize(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.pageSize = n
		}
	}
}

// WithNow sets the time source used when a log row carries no change time.
func WithNow(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a detector. Tracking misconfiguration is a config error.
func New(store datastore.DataStore, tables []Table, opts ...Option) (*Detector, error) {
	d := &Detector{
		store:    store,
		byName:   map[string]Table{},
		pageSize: defaultPageSize,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	var problems []string
	for _, t := range tables {
		problems = append(problems, t.validate()...)
		if _, dup := d.byName[t.Name]; dup {
			problems = append(problems, fmt.Sprintf("table %s declared twice", t.Name))
		}
		t = t.withDefaults()
		d.tables = append(d.tables, t)
		d.byName[t.Name] = t
	}
	if len(problems) > 0 {
		return nil, failure.New(failure.KindConfig, "detect", strings.Join(problems, "; "))
	}
	return d, nil
}

// Tables returns the configured tables.
func (d *Detector) Tables() []Table {
	out := make([]Table, len(d.tables))
	copy(out, d.tables)
	return out
}

// Plan resolves the tables a request reads, in order.
func (d *Detector) Plan(req Request) ([]Table, error) {
	switch req.Mode {
	case ModeFull, ModeIncremental:
	case ModeSelective:
		if len(req.Tables) == 0 {
			return nil, failure.New(failure.KindConfig, "detect", "selective mode needs at least one table")
		}
	default:
		return nil, failure.Newf(failure.KindConfig, "detect", "unknown mode %q", req.Mode)
	}
	for name := range req.Predicates {
		if _, ok := d.byName[name]; !ok {
			return nil, failure.Newf(failure.KindConfig, "detect", "predicate for unconfigured table %s", name)
		}
	}
	if len(req.Tables) == 0 {
		all := d.Tables()
		if req.Mode != ModeIncremental {
			return all, nil
		}
		var tracked []Table
		for _, t := range all {
			if t.Tracking.Method != "" {
				tracked = append(tracked, t)
			}
		}
		return tracked, nil
	}
	out := make([]Table, 0, len(req.Tables))
	for _, name := range req.Tables {
		t, ok := d.byName[name]
		if !ok {
			return nil, failure.Newf(failure.KindConfig, "detect", "table %s is not configured", name)
		}
		if req.Mode == ModeIncremental && t.Tracking.Method == "" {
			return nil, failure.Newf(failure.KindConfig, "detect", "table %s has no tracking method", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Detect streams changes table by table. Within a table changes ascend on
// the tracking key. The sequence stops at the first error.
func (d *Detector) Detect(ctx context.Context, req Request) iter.Seq2[Change, error] {
	return func(yield func(Change, error) bool) {
		tables, err := d.Plan(req)
		if err != nil {
			yield(Change{}, err)
			return
		}
		for _, t := range tables {
			if err := ctx.Err(); err != nil {
				yield(Change{}, err)
				return
			}
			var seq iter.Seq2[Change, error]
			switch req.Mode {
			case ModeFull:
				seq = d.snapshot(ctx, t, nil, nil)
			case ModeSelective:
				pred, params, err := d.selectivePredicate(t, req.Predicates[t.Name])
				if err != nil {
					yield(Change{}, err)
					return
				}
				seq = d.snapshot(ctx, t, pred, params)
			case ModeIncremental:
				seq = d.incremental(ctx, t, req.Watermarks[t.Name])
			}
			n := 0
			for c, err := range seq {
				if !yield(c, err) || err != nil {
					return
				}
				n++
			}
			d.logger.Debug("table detected", "table", t.Name, "mode", req.Mode, "changes", n)
		}
	}
}

func (d *Detector) selectivePredicate(t Table, expr string) (queryir.Predicate, datastore.Params, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil, nil
	}
	pred, params, err := queryir.ParsePredicate(expr, "where")
	if err != nil {
		return nil, nil, failure.Wrap(failure.KindConfig, "detect", fmt.Errorf("predicate for %s: %w", t.Name, err))
	}
	return pred, datastore.Params(params), nil
}

// liveFilter excludes soft-deleted rows.
func liveFilter(t Table) (queryir.Predicate, datastore.Params) {
	col := t.Tracking.DeletedColumn
	if col == "" {
		return nil, nil
	}
	return queryir.Or{Predicates: []queryir.Predicate{
		queryir.IsNull{Column: col},
		queryir.Eq(col, "live_false"),
	}}, datastore.Params{"live_false": value.Bool(false)}
}

// snapshot pages through live rows in key order, emitting inserts.
func (d *Detector) snapshot(ctx context.Context, t Table, filter queryir.Predicate, params datastore.Params) iter.Seq2[Change, error] {
	return func(yield func(Change, error) bool) {
		live, liveParams := liveFilter(t)
		base := datastore.Params{}
		for k, v := range params {
			base[k] = v
		}
		for k, v := range liveParams {
			base[k] = v
		}

		var after value.Value
		for {
			if err := ctx.Err(); err != nil {
				yield(Change{}, err)
				return
			}
			page := datastore.Params{}
			for k, v := range base {
				page[k] = v
			}
			var cursor queryir.Predicate
			if after != nil {
				cursor = queryir.Compare{Column: t.Key, Op: queryir.OpGt, Param: "page_after"}
				page["page_after"] = after
			}
			rows, err := d.store.Query(ctx, queryir.Select{
				Table:   t.Name,
				Filter:  queryir.AllOf(filter, live, cursor),
				OrderBy: []queryir.Order{queryir.Asc(t.Key)},
				Limit:   d.pageSize,
			}, page)
			if err != nil {
				yield(Change{}, fmt.Errorf("read %s: %w", t.Name, err))
				return
			}
			for _, row := range rows {
				key, _ := row.Get(t.Key)
				c := Change{
					RecordID:    value.AsString(key),
					SourceTable: t.Name,
					Kind:        Insert,
					OldPayload:  value.NewMap(),
					NewPayload:  row,
					Timestamp:   d.rowTime(t, row),
					Sequence:    key,
				}
				if !yield(c, nil) {
					return
				}
				after = key
			}
			if len(rows) < d.pageSize {
				return
			}
		}
	}
}

func (d *Detector) rowTime(t Table, row *value.Map) time.Time {
	if t.Tracking.Column != "" {
		if v, ok := row.Get(t.Tracking.Column); ok {
			if ts, ok := value.AsTime(v); ok {
				return ts
			}
		}
	}
	return d.now()
}

func (d *Detector) incremental(ctx context.Context, t Table, watermark string) iter.Seq2[Change, error] {
	switch t.Tracking.Method {
	case TimestampColumn:
		return d.timestampChanges(ctx, t, watermark)
	default:
		return d.logChanges(ctx, t, watermark)
	}
}

// tokenValue turns a watermark token into a comparable parameter.
func tokenValue(token string) value.Value {
	if ts, ok := value.ParseTime(token); ok {
		return value.Time(ts)
	}
	if f, ok := value.AsFloat(value.String(token)); ok {
		if f == float64(int64(f)) {
			return value.Int(int64(f))
		}
		return value.Float(f)
	}
	return value.String(token)
}

func (d *Detector) timestampChanges(ctx context.Context, t Table, watermark string) iter.Seq2[Change, error] {
	return func(yield func(Change, error) bool) {
		tr := t.Tracking
		params := datastore.Params{}
		var filter queryir.Predicate
		var since value.Value
		if watermark != "" {
			since = tokenValue(watermark)
			filter = queryir.Compare{Column: tr.Column, Op: queryir.OpGt, Param: "watermark"}
			params["watermark"] = since
		}
		rows, err := d.store.Query(ctx, queryir.Select{
			Table:   t.Name,
			Filter:  filter,
			OrderBy: []queryir.Order{queryir.Asc(tr.Column), queryir.Asc(t.Key)},
		}, params)
		if err != nil {
			yield(Change{}, fmt.Errorf("read %s: %w", t.Name, err))
			return
		}
		for _, row := range rows {
			key, _ := row.Get(t.Key)
			stamp, _ := row.Get(tr.Column)
			c := Change{
				RecordID:    value.AsString(key),
				SourceTable: t.Name,
				Kind:        timestampKind(tr, row, since),
				OldPayload:  value.NewMap(),
				NewPayload:  row,
				Timestamp:   d.rowTime(t, row),
				Sequence:    stamp,
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func timestampKind(tr Tracking, row *value.Map, since value.Value) Kind {
	if tr.DeletedColumn != "" {
		if v, ok := row.Get(tr.DeletedColumn); ok && isDeleted(v) {
			return Delete
		}
	}
	if since == nil {
		return Insert
	}
	if tr.CreatedColumn != "" {
		if v, ok := row.Get(tr.CreatedColumn); ok {
			if c, ok := value.Compare(v, since); ok && c > 0 {
				return Insert
			}
		}
	}
	return Update
}

func isDeleted(v value.Value) bool {
	switch val := v.(type) {
	case value.Null, nil:
		return false
	case value.Bool:
		return bool(val)
	case value.Int:
		return val != 0
	default:
		return true
	}
}

// logChanges reads log rows after the watermark and joins each to the
// current row image.
func (d *Detector) logChanges(ctx context.Context, t Table, watermark string) iter.Seq2[Change, error] {
	return func(yield func(Change, error) bool) {
		tr := t.Tracking
		params := datastore.Params{}
		var filter queryir.Predicate
		if watermark != "" {
			filter = queryir.Compare{Column: tr.SequenceColumn, Op: queryir.OpGt, Param: "watermark"}
			params["watermark"] = tokenValue(watermark)
		}
		logRows, err := d.store.Query(ctx, queryir.Select{
			Table:   tr.LogTable,
			Filter:  filter,
			OrderBy: []queryir.Order{queryir.Asc(tr.SequenceColumn)},
		}, params)
		if err != nil {
			yield(Change{}, fmt.Errorf("read log %s: %w", tr.LogTable, err))
			return
		}

		keys := make([]value.Value, 0, len(logRows))
		seen := map[string]bool{}
		for _, lr := range logRows {
			k, ok := lr.Get(tr.KeyColumn)
			if !ok || value.IsNull(k) {
				yield(Change{}, failure.Newf(failure.KindConfig, "detect", "log %s: row without key column %s", tr.LogTable, tr.KeyColumn))
				return
			}
			if !seen[value.AsString(k)] {
				seen[value.AsString(k)] = true
				keys = append(keys, k)
			}
		}
		images, err := d.currentImages(ctx, t, keys)
		if err != nil {
			yield(Change{}, err)
			return
		}

		for _, lr := range logRows {
			opv, _ := lr.Get(tr.OperationColumn)
			kind, err := ParseOperation(value.AsString(opv))
			if err != nil {
				yield(Change{}, failure.Wrap(failure.KindConfig, "detect", fmt.Errorf("log %s: %w", tr.LogTable, err)))
				return
			}
			k, _ := lr.Get(tr.KeyColumn)
			id := value.AsString(k)
			seq, _ := lr.Get(tr.SequenceColumn)

			c := Change{
				RecordID:    id,
				SourceTable: t.Name,
				Kind:        kind,
				OldPayload:  oldImage(lr, tr.OldImageColumn),
				NewPayload:  value.NewMap(),
				Timestamp:   d.logTime(lr, tr.TimeColumn),
				Sequence:    seq,
			}
			if kind != Delete {
				img, ok := images[id]
				if !ok {
					d.logger.Debug("change skipped, row no longer present", "table", t.Name, "record_id", id, "sequence", value.AsString(seq))
					continue
				}
				c.NewPayload = img
				if kind == Update && c.OldPayload.Len() > 0 && value.Equal(c.OldPayload, img) {
					c.Kind = NoChange
				}
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (d *Detector) currentImages(ctx context.Context, t Table, keys []value.Value) (map[string]*value.Map, error) {
	out := make(map[string]*value.Map, len(keys))
	for start := 0; start < len(keys); start += imageChunk {
		end := min(start+imageChunk, len(keys))
		chunk := keys[start:end]
		names := queryir.ListParams("key", len(chunk))
		params := datastore.Params{}
		for i, k := range chunk {
			params[names[i]] = k
		}
		rows, err := d.store.Query(ctx, queryir.Select{
			Table:  t.Name,
			Filter: queryir.In{Column: t.Key, Params: names},
		}, params)
		if err != nil {
			return nil, fmt.Errorf("read %s images: %w", t.Name, err)
		}
		for _, row := range rows {
			k, _ := row.Get(t.Key)
			out[value.AsString(k)] = row
		}
	}
	return out, nil
}

func oldImage(logRow *value.Map, column string) *value.Map {
	if column == "" {
		return value.NewMap()
	}
	v, ok := logRow.Get(column)
	if !ok {
		return value.NewMap()
	}
	switch img := v.(type) {
	case *value.Map:
		return img
	case value.String:
		parsed, err := value.ParseJSON([]byte(img))
		if m, ok := parsed.(*value.Map); err == nil && ok {
			return m
		}
	}
	return value.NewMap()
}

func (d *Detector) logTime(logRow *value.Map, column string) time.Time {
	if column != "" {
		if v, ok := logRow.Get(column); ok {
			if ts, ok := value.AsTime(v); ok {
				return ts
			}
		}
	}
	return d.now()
}
