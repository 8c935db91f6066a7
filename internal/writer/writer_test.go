package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/datastore/memstore"
	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/queryir"
	"github.com/roach88/syncline/internal/retry"
	"github.com/roach88/syncline/internal/transform"
	"github.com/roach88/syncline/internal/value"
)

func newStore(t *testing.T) *memstore.Store {
	t.Helper()
	s := memstore.New()
	for _, name := range []string{"properties", "owners"} {
		require.NoError(t, s.CreateTable(datastore.Schema{
			Table: name,
			Columns: []datastore.Column{
				{Name: "id", Type: datastore.T(datastore.Text), PrimaryKey: true},
				{Name: "total", Type: datastore.T(datastore.Integer), Nullable: true},
			},
		}))
	}
	return s
}

func rec(op detect.Kind, table, id string, total int64) transform.Record {
	r := transform.Record{
		SourceID:    id,
		TargetTable: table,
		TargetKey:   "id",
		Operation:   op,
		Payload:     value.MapOf(value.P("id", value.String(id)), value.P("total", value.Int(total))),
	}
	if op != detect.Insert {
		r.TargetID = id
	}
	return r
}

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func fastRetrier(s *recordingSleep) *retry.Retrier {
	return retry.New(
		retry.Policy{MaxRetries: 3, Delay: 10 * time.Millisecond, Backoff: 2, MaxDelay: 100 * time.Millisecond},
		retry.WithSleep(s.sleep),
		retry.WithJitter(func() float64 { return 0 }),
	)
}

func ids(recs []transform.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key()
	}
	return out
}

func TestPlanSplitsWavesOnRepeatedRows(t *testing.T) {
	recs := []transform.Record{
		rec(detect.Insert, "properties", "A", 1),
		rec(detect.Insert, "properties", "B", 1),
		rec(detect.Update, "owners", "A", 1),
		rec(detect.Update, "properties", "A", 2),
		rec(detect.NoChange, "properties", "C", 0),
		rec(detect.Delete, "properties", "B", 0),
	}
	waves := Plan(recs)
	require.Len(t, waves, 2)

	require.Len(t, waves[0], 2)
	assert.Equal(t, detect.Insert, waves[0][0].Op)
	assert.Equal(t, []string{"A", "B"}, ids(waves[0][0].Records))
	assert.Equal(t, "owners", waves[0][1].Table)

	require.Len(t, waves[1], 2)
	assert.Equal(t, detect.Update, waves[1][0].Op)
	assert.Equal(t, []string{"A"}, ids(waves[1][0].Records))
	assert.Equal(t, detect.Delete, waves[1][1].Op)
}

func TestWriteAppliesEveryOperation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Seed("properties", "id",
		value.MapOf(value.P("id", value.String("OLD")), value.P("total", value.Int(5))),
		value.MapOf(value.P("id", value.String("GONE")), value.P("total", value.Int(9))),
	))
	w := New(s, fastRetrier(&recordingSleep{}), WithSizer(FixedSize(2)))

	report := w.Write(ctx, []transform.Record{
		rec(detect.Insert, "properties", "P1", 100),
		rec(detect.Insert, "properties", "P2", 200),
		rec(detect.Insert, "properties", "P3", 300),
		rec(detect.Update, "properties", "OLD", 6),
		rec(detect.Update, "properties", "NEW", 7),
		rec(detect.Delete, "properties", "GONE", 0),
	})

	assert.Empty(t, report.Failed)
	assert.Len(t, report.Succeeded, 6)
	assert.Len(t, report.Batches, 4, "two insert batches of size 2, one update and one delete")

	for id, want := range map[string]int64{"P1": 100, "P3": 300, "OLD": 6, "NEW": 7} {
		row, ok := s.Row("properties", id)
		require.True(t, ok, id)
		got, _ := row.Get("total")
		assert.Equal(t, value.Int(want), got, id)
	}
	_, ok := s.Row("properties", "GONE")
	assert.False(t, ok)
}

func TestWriteIsIdempotentForInserts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	w := New(s, fastRetrier(&recordingSleep{}))
	recs := []transform.Record{rec(detect.Insert, "properties", "P1", 1)}

	assert.Empty(t, w.Write(ctx, recs).Failed)
	recs[0].Payload.Set("total", value.Int(2))
	assert.Empty(t, w.Write(ctx, recs).Failed)

	row, _ := s.Row("properties", "P1")
	got, _ := row.Get("total")
	assert.Equal(t, value.Int(2), got)
	assert.Len(t, s.Snapshot("properties"), 1)
}

func TestWritePreservesPerRowOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	w := New(s, fastRetrier(&recordingSleep{}), WithParallelism(8))

	var recs []transform.Record
	for i := int64(1); i <= 5; i++ {
		recs = append(recs,
			rec(detect.Update, "properties", "A", i),
			rec(detect.Update, "properties", "B", i*10),
			rec(detect.Insert, "owners", "A", i),
		)
	}
	report := w.Write(ctx, recs)
	require.Empty(t, report.Failed)

	applied := map[string][]int64{}
	for _, m := range s.Journal() {
		v, _ := m.Row.Get("total")
		applied[m.Table+"/"+m.Key] = append(applied[m.Table+"/"+m.Key], int64(v.(value.Int)))
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, applied["properties/A"])
	assert.Equal(t, []int64{10, 20, 30, 40, 50}, applied["properties/B"])
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, applied["owners/A"])
}

func TestWriteRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.SetFault(memstore.FailFirst(2, memstore.Inserts,
		failure.New(failure.KindConnection, "memstore", "connection reset")))
	sleep := &recordingSleep{}
	w := New(s, fastRetrier(sleep))

	report := w.Write(ctx, []transform.Record{
		rec(detect.Insert, "properties", "P1", 1),
		rec(detect.Insert, "properties", "P2", 2),
	})

	assert.Empty(t, report.Failed)
	assert.Len(t, report.Succeeded, 2)
	assert.Equal(t, 2, report.Retries())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, report.Delays())
	assert.Equal(t, sleep.delays, report.Delays())
}

func TestWriteIsolatesConstraintOffender(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	s.SetFault(func(stmt queryir.Statement) error {
		ins, ok := stmt.(queryir.Insert)
		if ok && ins.Rows > 1 {
			return errors.New("CHECK constraint failed: total")
		}
		return nil
	})
	w := New(s, fastRetrier(&recordingSleep{}))

	bad := rec(detect.Insert, "properties", "BAD", 0)
	bad.Payload.Set("id", value.Null{})
	report := w.Write(ctx, []transform.Record{
		rec(detect.Insert, "properties", "P1", 1),
		bad,
		rec(detect.Insert, "properties", "P2", 2),
	})

	assert.Equal(t, []string{"P1", "P2"}, ids(report.Succeeded))
	require.Len(t, report.Failed, 1)
	assert.True(t, failure.Is(report.Failed[0].Err, failure.KindConstraint))
	assert.Equal(t, 1, report.Counts[failure.KindConstraint])
	assert.Equal(t, retry.Partial, report.Batches[0].Diagnostics.State)
}

func TestUpdateBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Seed("properties", "id",
		value.MapOf(value.P("id", value.String("A")), value.P("total", value.Int(1))),
	))
	s.SetFault(func(stmt queryir.Statement) error {
		if _, ok := stmt.(queryir.Update); ok {
			return failure.New(failure.KindConversion, "memstore", "bad value")
		}
		return nil
	})
	w := New(s, fastRetrier(&recordingSleep{}))

	report := w.Write(ctx, []transform.Record{
		rec(detect.Update, "properties", "A", 2),
		rec(detect.Update, "properties", "B", 3),
	})
	assert.Len(t, report.Failed, 2)
	assert.Equal(t, 2, report.Counts[failure.KindConversion])
	row, _ := s.Row("properties", "A")
	got, _ := row.Get("total")
	assert.Equal(t, value.Int(1), got)
	_, ok := s.Row("properties", "B")
	assert.False(t, ok)
}

func TestCancelledWriteSkipsBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newStore(t)
	w := New(s, fastRetrier(&recordingSleep{}))

	report := w.Write(ctx, []transform.Record{
		rec(detect.Insert, "properties", "P1", 1),
		rec(detect.Delete, "owners", "X", 0),
	})
	assert.Len(t, report.Skipped, 2)
	assert.Empty(t, report.Succeeded)
	assert.Empty(t, report.Failed)
	assert.Empty(t, s.Journal())
}

type recordingSizer struct {
	mu   sync.Mutex
	seen []int
}

func (r *recordingSizer) NextSize(prev *Batch) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev == nil {
		r.seen = append(r.seen, 0)
		return 1
	}
	r.seen = append(r.seen, prev.Size)
	return prev.Size + 1
}

func TestSizerSeesPreviousBatch(t *testing.T) {
	s := newStore(t)
	sizer := &recordingSizer{}
	w := New(s, fastRetrier(&recordingSleep{}), WithSizer(sizer))

	var recs []transform.Record
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		recs = append(recs, rec(detect.Insert, "properties", id, 1))
	}
	report := w.Write(context.Background(), recs)
	require.Empty(t, report.Failed)
	assert.Equal(t, []int{0, 1, 2}, sizer.seen)
	sizes := []int{}
	for _, b := range report.Batches {
		sizes = append(sizes, b.Size)
	}
	assert.Equal(t, []int{1, 2, 3}, sizes)
}
