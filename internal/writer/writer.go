// Package writer applies validated records to the target store in batches.
//
// Records are planned into waves of (operation, table) groups. Waves run in
// order; the groups of one wave run in parallel; batches inside a group run
// one after another. Each batch goes through the retry decorator, so rows
// that commit on any attempt are kept.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/queryir"
	"github.com/roach88/syncline/internal/retry"
	"github.com/roach88/syncline/internal/transform"
	"github.com/roach88/syncline/internal/value"
)

// DefaultBatchSize is used when no Sizer is configured.
const DefaultBatchSize = 200

// Batch describes one batch handed to the retry decorator.
type Batch struct {
	Op          detect.Kind
	Table       string
	Size        int
	Diagnostics retry.Diagnostics
}

// Sizer picks the size of a group's next batch. prev is nil for a
// group's first batch. Implementations must be safe for concurrent use.
type Sizer interface {
	NextSize(prev *Batch) int
}

// FixedSize is a Sizer that always returns itself.
type FixedSize int

// NextSize implements Sizer.
func (s FixedSize) NextSize(*Batch) int { return int(s) }

// RecordError pairs a record with the error that failed it.
type RecordError struct {
	Record transform.Record
	Err    error
}

// Report is the outcome of Write.
type Report struct {
	Succeeded []transform.Record
	Failed    []RecordError

	// Skipped holds records never attempted because the context was
	// cancelled.
	Skipped []transform.Record
	Batches []Batch
	Counts  failure.Counts
}

// Retries sums retries over all batches.
func (r Report) Retries() int {
	n := 0
	for _, b := range r.Batches {
		n += b.Diagnostics.Retries
	}
	return n
}

// Delays lists every retry wait in batch order.
func (r Report) Delays() []time.Duration {
	var out []time.Duration
	for _, b := range r.Batches {
		out = append(out, b.Diagnostics.Delays...)
	}
	return out
}

func (r *Report) merge(o Report) {
	r.Succeeded = append(r.Succeeded, o.Succeeded...)
	r.Failed = append(r.Failed, o.Failed...)
	r.Skipped = append(r.Skipped, o.Skipped...)
	r.Batches = append(r.Batches, o.Batches...)
	for k, n := range o.Counts {
		r.Counts[k] += n
	}
}

// Writer writes records to one target store.
type Writer struct {
	store       datastore.DataStore
	retrier     *retry.Retrier
	sizer       Sizer
	parallelism int
	logger      *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithSizer sets the batch sizer.
func WithSizer(s Sizer) Option {
	return func(w *Writer) {
		w.sizer = s
	}
}

// WithParallelism bounds how many groups of a wave run at once.
func WithParallelism(n int) Option {
	return func(w *Writer) {
		w.parallelism = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = l
	}
}

// New creates a Writer. A nil retrier uses retry.DefaultPolicy.
func New(store datastore.DataStore, retrier *retry.Retrier, opts ...Option) *Writer {
	w := &Writer{
		store:       store,
		retrier:     retrier,
		sizer:       FixedSize(DefaultBatchSize),
		parallelism: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.retrier == nil {
		w.retrier = retry.New(retry.DefaultPolicy(), retry.WithLogger(w.logger))
	}
	if w.parallelism < 1 {
		w.parallelism = 1
	}
	return w
}

// Write applies recs, given in detection order. no_change records are
// ignored. Per-record failures are reported, never returned.
func (w *Writer) Write(ctx context.Context, recs []transform.Record) Report {
	report := Report{Counts: failure.Counts{}}
	for _, wave := range Plan(recs) {
		if ctx.Err() != nil {
			for _, g := range wave {
				report.Skipped = append(report.Skipped, g.Records...)
			}
			continue
		}

		results := make([]Report, len(wave))
		var g errgroup.Group
		g.SetLimit(w.parallelism)
		for i, group := range wave {
			g.Go(func() error {
				results[i] = w.writeGroup(ctx, group)
				return nil
			})
		}
		_ = g.Wait()
		for _, r := range results {
			report.merge(r)
		}
	}
	return report
}

func (w *Writer) writeGroup(ctx context.Context, g Group) Report {
	report := Report{Counts: failure.Counts{}}
	var prev *Batch
	for lo := 0; lo < len(g.Records); {
		if ctx.Err() != nil {
			report.Skipped = append(report.Skipped, g.Records[lo:]...)
			break
		}
		size := max(1, w.sizer.NextSize(prev))
		hi := min(lo+size, len(g.Records))
		batch := g.Records[lo:hi]
		lo = hi

		out := retry.Do(ctx, w.retrier, batch, func(ctx context.Context, items []transform.Record) error {
			return w.apply(ctx, g.Op, g.Table, items)
		})
		b := Batch{Op: g.Op, Table: g.Table, Size: len(batch), Diagnostics: out.Diagnostics}
		report.Batches = append(report.Batches, b)
		prev = &b

		report.Succeeded = append(report.Succeeded, out.Succeeded...)
		for _, f := range out.Failed {
			report.Failed = append(report.Failed, RecordError{Record: f.Item, Err: f.Err})
			report.Counts.Add(f.Err)
		}
		w.logger.Debug("batch written",
			"op", string(g.Op),
			"table", g.Table,
			"batch_size", len(batch),
			"state", string(out.Diagnostics.State),
			"retries", out.Diagnostics.Retries,
		)
		if len(out.Failed) > 0 {
			w.logger.Warn("batch failed",
				"op", string(g.Op),
				"table", g.Table,
				"failed", len(out.Failed),
				"error", out.Err(),
			)
		}
	}
	return report
}

func (w *Writer) apply(ctx context.Context, op detect.Kind, table string, recs []transform.Record) error {
	switch op {
	case detect.Insert:
		return w.insert(ctx, w.store, table, recs)
	case detect.Update:
		return datastore.WithTx(ctx, w.store, func(tx datastore.Tx) error {
			for _, r := range recs {
				if err := w.update(ctx, tx, table, r); err != nil {
					return err
				}
			}
			return nil
		})
	case detect.Delete:
		return w.delete(ctx, table, recs)
	default:
		return failure.Newf(failure.KindConfig, "writer.apply", "unsupported operation %q", op)
	}
}

// insert writes every record in one multi-row upsert keyed by the target
// key, so replays of a batch are idempotent.
func (w *Writer) insert(ctx context.Context, q datastore.Querier, table string, recs []transform.Record) error {
	key := recs[0].TargetKey
	cols := unionColumns(key, recs)
	params := datastore.Params{}
	for i, r := range recs {
		for _, c := range cols {
			params[queryir.InsertParam(i, c)] = field(r, c)
		}
	}
	stmt := queryir.Insert{Table: table, Columns: cols, Rows: len(recs), OnConflict: key}
	if _, err := q.Execute(ctx, stmt, params); err != nil {
		return fmt.Errorf("insert %d rows into %s: %w", len(recs), table, err)
	}
	return nil
}

// update sets every payload column on the row keyed by TargetID. A row that
// does not exist yet is inserted in the same transaction.
func (w *Writer) update(ctx context.Context, q datastore.Querier, table string, r transform.Record) error {
	key := r.TargetKey
	var cols []string
	for _, c := range r.Payload.Keys() {
		if c != key {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return nil
	}
	params := datastore.Params{"target_id": value.String(r.Key())}
	for _, c := range cols {
		params[queryir.SetParam(c)] = field(r, c)
	}
	stmt := queryir.Update{Table: table, Columns: cols, Filter: queryir.Eq(key, "target_id")}
	n, err := q.Execute(ctx, stmt, params)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", table, r.Key(), err)
	}
	if n == 0 {
		return w.insert(ctx, q, table, []transform.Record{r})
	}
	return nil
}

func (w *Writer) delete(ctx context.Context, table string, recs []transform.Record) error {
	key := recs[0].TargetKey
	names := queryir.ListParams("target_id", len(recs))
	params := datastore.Params{}
	for i, r := range recs {
		params[names[i]] = value.String(r.Key())
	}
	stmt := queryir.Delete{Table: table, Filter: queryir.In{Column: key, Params: names}}
	if _, err := w.store.Execute(ctx, stmt, params); err != nil {
		return fmt.Errorf("delete %d rows from %s: %w", len(recs), table, err)
	}
	return nil
}

// unionColumns lists the key column first, then every payload column in
// first-seen order.
func unionColumns(key string, recs []transform.Record) []string {
	cols := []string{key}
	seen := map[string]bool{key: true}
	for _, r := range recs {
		if r.Payload == nil {
			continue
		}
		for _, c := range r.Payload.Keys() {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}

// field returns a record's value for column c. The key column falls back to
// the record key so updates that become inserts carry it.
func field(r transform.Record, c string) value.Value {
	if r.Payload != nil {
		if v, ok := r.Payload.Get(c); ok {
			return v
		}
	}
	if c == r.TargetKey {
		return value.String(r.Key())
	}
	return value.Null{}
}

// FailedErrors joins the distinct failure messages of a report, for logs.
func (r Report) FailedErrors() error {
	seen := map[string]bool{}
	var errs []error
	for _, f := range r.Failed {
		if f.Err == nil || seen[f.Err.Error()] {
			continue
		}
		seen[f.Err.Error()] = true
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}
