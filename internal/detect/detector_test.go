package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncline/internal/datastore/memstore"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/value"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func property(id int64, land int64, updated time.Time) *value.Map {
	return value.MapOf(
		value.P("property_id", value.Int(id)),
		value.P("land_value", value.Int(land)),
		value.P("updated_at", value.Time(updated)),
		value.P("created_at", value.Time(t0)),
		value.P("deleted", value.Bool(false)),
	)
}

func collect(t *testing.T, d *Detector, req Request) []Change {
	t.Helper()
	var out []Change
	for c, err := range d.Detect(context.Background(), req) {
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func ids(changes []Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.RecordID + ":" + string(c.Kind)
	}
	return out
}

func timestampDetector(t *testing.T, opts ...Option) (*Detector, *memstore.Store) {
	t.Helper()
	src := memstore.New()
	require.NoError(t, src.Seed("properties", "property_id",
		property(200, 210000, t1),
		property(101, 120000, t0),
		property(156, 180000, t2),
	))
	d, err := New(src, []Table{{
		Name: "properties",
		Key:  "property_id",
		Tracking: Tracking{
			Method:        TimestampColumn,
			Column:        "updated_at",
			CreatedColumn: "created_at",
			DeletedColumn: "deleted",
		},
	}}, opts...)
	require.NoError(t, err)
	return d, src
}

func TestFullModeEmitsInsertsInKeyOrder(t *testing.T) {
	d, _ := timestampDetector(t, WithPageSize(2))
	changes := collect(t, d, Request{Mode: ModeFull})
	assert.Equal(t, []string{"101:insert", "156:insert", "200:insert"}, ids(changes))
	assert.Equal(t, "properties", changes[0].SourceTable)
	assert.Equal(t, 0, changes[0].OldPayload.Len())
}

func TestFullModeSkipsSoftDeleted(t *testing.T) {
	d, src := timestampDetector(t)
	gone := property(300, 1, t2)
	gone.Set("deleted", value.Bool(true))
	require.NoError(t, src.Seed("properties", "property_id", gone))

	changes := collect(t, d, Request{Mode: ModeFull})
	assert.Equal(t, []string{"101:insert", "156:insert", "200:insert"}, ids(changes))
}

func TestIncrementalTimestamp(t *testing.T) {
	d, src := timestampDetector(t)
	fresh := property(400, 5, t2)
	fresh.Set("created_at", value.Time(t2))
	gone := property(300, 1, t2)
	gone.Set("deleted", value.Bool(true))
	require.NoError(t, src.Seed("properties", "property_id", fresh, gone))

	changes := collect(t, d, Request{
		Mode:       ModeIncremental,
		Watermarks: map[string]string{"properties": t0.Format(time.RFC3339Nano)},
	})
	assert.Equal(t, []string{"200:update", "156:update", "300:delete", "400:insert"}, ids(changes))
	assert.True(t, changes[0].Timestamp.Equal(t1))
	assert.Equal(t, value.Time(t1), changes[0].Sequence)
}

func TestIncrementalWithoutWatermarkReadsEverything(t *testing.T) {
	d, _ := timestampDetector(t)
	changes := collect(t, d, Request{Mode: ModeIncremental})
	assert.Equal(t, []string{"101:insert", "200:insert", "156:insert"}, ids(changes))
}

func TestSelectivePredicate(t *testing.T) {
	d, _ := timestampDetector(t)
	changes := collect(t, d, Request{
		Mode:       ModeSelective,
		Tables:     []string{"properties"},
		Predicates: map[string]string{"properties": "land_value > 150000"},
	})
	assert.Equal(t, []string{"156:insert", "200:insert"}, ids(changes))
}

func logDetector(t *testing.T, method Method) (*Detector, *memstore.Store) {
	t.Helper()
	src := memstore.New()
	require.NoError(t, src.Seed("owners", "owner_id",
		value.MapOf(value.P("owner_id", value.String("o1")), value.P("name", value.String("Ann"))),
		value.MapOf(value.P("owner_id", value.String("o2")), value.P("name", value.String("Bo"))),
	))
	seqCol, opCol := "seq", "operation"
	ins, upd, del := "INSERT", "UPDATE", "DELETE"
	if method == ChangeTracking {
		seqCol, opCol = "sys_change_version", "sys_change_operation"
		ins, upd, del = "I", "U", "D"
	}
	require.NoError(t, src.Seed("owners_log", seqCol,
		value.MapOf(value.P(seqCol, value.Int(1)), value.P(opCol, value.String(ins)), value.P("owner_id", value.String("o1")),
			value.P("old_image", value.Null{})),
		value.MapOf(value.P(seqCol, value.Int(2)), value.P(opCol, value.String(upd)), value.P("owner_id", value.String("o2")),
			value.P("old_image", value.String(`{"owner_id":"o2","name":"Bo"}`))),
		value.MapOf(value.P(seqCol, value.Int(3)), value.P(opCol, value.String(upd)), value.P("owner_id", value.String("o1")),
			value.P("old_image", value.String(`{"owner_id":"o1","name":"Al"}`))),
		value.MapOf(value.P(seqCol, value.Int(4)), value.P(opCol, value.String(del)), value.P("owner_id", value.String("o9")),
			value.P("old_image", value.Null{})),
	))
	tr := Tracking{Method: method, LogTable: "owners_log"}
	if method == TransactionLog {
		tr.OldImageColumn = "old_image"
	}
	d, err := New(src, []Table{{Name: "owners", Key: "owner_id", Tracking: tr}}, WithNow(func() time.Time { return t2 }))
	require.NoError(t, err)
	return d, src
}

func TestTransactionLogJoinsCurrentImage(t *testing.T) {
	d, _ := logDetector(t, TransactionLog)
	changes := collect(t, d, Request{Mode: ModeIncremental})
	assert.Equal(t, []string{"o1:insert", "o2:no_change", "o1:update", "o9:delete"}, ids(changes))

	name, _ := changes[2].NewPayload.Get("name")
	assert.Equal(t, value.String("Ann"), name)
	oldName, _ := changes[2].OldPayload.Get("name")
	assert.Equal(t, value.String("Al"), oldName)
	assert.Equal(t, value.Int(3), changes[2].Sequence)
	assert.True(t, changes[2].Timestamp.Equal(t2))
	assert.Equal(t, 0, changes[3].NewPayload.Len())
}

func TestChangeTrackingAfterWatermark(t *testing.T) {
	d, _ := logDetector(t, ChangeTracking)
	changes := collect(t, d, Request{Mode: ModeIncremental, Watermarks: map[string]string{"owners": "2"}})
	assert.Equal(t, []string{"o1:update", "o9:delete"}, ids(changes))
}

func TestNewRejectsMisconfiguration(t *testing.T) {
	_, err := New(memstore.New(), []Table{
		{Name: "a", Key: "id", Tracking: Tracking{Method: TimestampColumn}},
		{Name: "b", Tracking: Tracking{Method: "cdc"}},
		{Name: "c", Key: "id", Tracking: Tracking{Method: TransactionLog}},
	})
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))
	for _, want := range []string{"needs a column", "key column is required", `unknown tracking method "cdc"`, "needs a log table"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestPlanErrors(t *testing.T) {
	d, _ := timestampDetector(t)
	for _, req := range []Request{
		{Mode: "sideways"},
		{Mode: ModeSelective},
		{Mode: ModeFull, Tables: []string{"missing"}},
		{Mode: ModeSelective, Tables: []string{"properties"}, Predicates: map[string]string{"nope": "a = 1"}},
	} {
		_, err := d.Plan(req)
		require.Error(t, err)
		assert.True(t, failure.IsFatal(err))
	}
}

func TestBadPredicateIsConfigError(t *testing.T) {
	d, _ := timestampDetector(t)
	var got error
	for _, err := range d.Detect(context.Background(), Request{
		Mode:       ModeSelective,
		Tables:     []string{"properties"},
		Predicates: map[string]string{"properties": "land_value >"},
	}) {
		got = err
	}
	require.Error(t, got)
	assert.True(t, failure.IsFatal(got))
}

func TestStoreErrorsSurface(t *testing.T) {
	d, src := timestampDetector(t)
	src.SetFault(memstore.FailFirst(1, nil, errors.New("connection refused")))
	var got error
	for _, err := range d.Detect(context.Background(), Request{Mode: ModeFull}) {
		got = err
	}
	require.Error(t, got)
	assert.True(t, failure.Is(got, failure.KindConnection))
}

func TestParseOperation(t *testing.T) {
	for code, want := range map[string]Kind{"i": Insert, "Update": Update, " D ": Delete, "CREATE": Insert} {
		got, err := ParseOperation(code)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseOperation("merge")
	assert.Error(t, err)
}
