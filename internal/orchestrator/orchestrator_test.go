package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncline/internal/adaptive"
	"github.com/roach88/syncline/internal/conflict"
	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/datastore/memstore"
	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/executor"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/jobstore"
	"github.com/roach88/syncline/internal/monitor"
	"github.com/roach88/syncline/internal/queryir"
	"github.com/roach88/syncline/internal/retry"
	"github.com/roach88/syncline/internal/testutil"
	"github.com/roach88/syncline/internal/transform"
	"github.com/roach88/syncline/internal/validate"
	"github.com/roach88/syncline/internal/value"
	"github.com/roach88/syncline/internal/writer"
)

var (
	t0      = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1      = time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	runTime = time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
)

func sourceRow(id int64, owner string, total, land int64, at time.Time) *value.Map {
	return value.MapOf(
		value.P("property_id", value.Int(id)),
		value.P("parcel_number", value.String(fmt.Sprintf("P-%04d", id))),
		value.P("owner_name", value.String(owner)),
		value.P("total_value", value.Int(total)),
		value.P("land_value", value.Int(land)),
		value.P("updated_at", value.Time(at)),
	)
}

// targetRow is what the property mapping produces for sourceRow.
func targetRow(id int64, owner string, total, land int64) *value.Map {
	return value.MapOf(
		value.P("id", value.String(fmt.Sprintf("PROP-%d", id))),
		value.P("parcel_id", value.String(fmt.Sprintf("P-%04d", id))),
		value.P("ownership", value.MapOf(value.P("primary_owner", value.String(owner)))),
		value.P("valuation", value.MapOf(
			value.P("total", value.Int(total)),
			value.P("land", value.Int(land)),
		)),
	)
}

func propertyMapping(t *testing.T) *transform.Mapping {
	t.Helper()
	m, err := transform.Compile(transform.MappingSpec{
		SourceTable:    "properties",
		TargetTable:    "property_records",
		TargetIDFormat: "PROP-{source_id}",
		Fields: value.MapOf(
			value.P("parcel_id", value.String("parcel_number")),
			value.P("ownership", value.MapOf(
				value.P("primary_owner", value.String("owner_name")),
			)),
			value.P("valuation", value.MapOf(
				value.P("total", value.String("total_value")),
				value.P("land", value.String("land_value")),
			)),
		),
	})
	require.NoError(t, err)
	return m
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

type setup struct {
	policy     conflict.Policy
	rules      map[string][]validate.Rule
	sample     monitor.Sample
	sampler    monitor.Sampler
	controller *adaptive.Config
	opts       []Option
}

type fixture struct {
	source *memstore.Store
	target *memstore.Store
	jobs   *jobstore.Store
	clock  *testutil.FakeClock
	sleep  *recordingSleep
	feed   *Feed
	orch   *Orchestrator
}

func newFixture(t *testing.T, s setup) *fixture {
	t.Helper()
	f := &fixture{
		source: memstore.New(),
		target: memstore.New(),
		clock:  testutil.NewFakeClock(runTime, time.Millisecond),
		sleep:  &recordingSleep{},
		feed:   NewFeed(),
	}
	require.NoError(t, f.target.CreateTable(datastore.Schema{
		Table: "property_records",
		Columns: []datastore.Column{
			{Name: "id", Type: datastore.T(datastore.Text), PrimaryKey: true},
			{Name: "parcel_id", Type: datastore.T(datastore.Text), Nullable: true},
			{Name: "ownership", Type: datastore.T(datastore.JSONObject), Nullable: true},
			{Name: "valuation", Type: datastore.T(datastore.JSONObject), Nullable: true},
		},
	}))

	jobs, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs.db"), jobstore.WithNow(f.clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })
	f.jobs = jobs

	det, err := detect.New(f.source, []detect.Table{{
		Name: "properties",
		Key:  "property_id",
		Tracking: detect.Tracking{
			Method: detect.TimestampColumn,
			Column: "updated_at",
		},
	}}, detect.WithNow(f.clock.Now))
	require.NoError(t, err)

	tr, err := transform.New([]*transform.Mapping{propertyMapping(t)})
	require.NoError(t, err)

	cfg := adaptive.DefaultConfig()
	if s.controller != nil {
		cfg = *s.controller
	}
	ctrl, err := adaptive.New(cfg)
	require.NoError(t, err)

	mon := monitor.New(monitor.Static(s.sample), monitor.WithCores(4), monitor.WithNow(f.clock.Now))
	if s.sampler != nil {
		mon = monitor.New(s.sampler, monitor.WithCores(4), monitor.WithNow(f.clock.Now), monitor.WithInterval(time.Millisecond))
	}

	opts := append([]Option{
		WithClock(f.clock),
		WithIDs(testutil.NewSequentialIDs("id")),
		WithFeed(f.feed),
	}, s.opts...)
	orch, err := New(Deps{
		Source:      f.source,
		Target:      f.target,
		Jobs:        jobs,
		Detector:    det,
		Transformer: tr,
		Validator:   validate.New(s.rules),
		Conflicts:   conflict.New(s.policy, conflict.WithNow(f.clock.Now)),
		Retrier: retry.New(
			retry.Policy{MaxRetries: 3, Delay: 10 * time.Millisecond, Backoff: 2, MaxDelay: 100 * time.Millisecond},
			retry.WithSleep(f.sleep.sleep),
			retry.WithJitter(func() float64 { return 0 }),
		),
		Monitor:    mon,
		Controller: ctrl,
		Executor:   executor.NewIO(4),
	}, opts...)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) seed(t *testing.T, rows ...*value.Map) {
	t.Helper()
	require.NoError(t, f.source.Seed("properties", "property_id", rows...))
}

func targetValue(t *testing.T, s *memstore.Store, id, path string) value.Value {
	t.Helper()
	row, ok := s.Row("property_records", id)
	require.True(t, ok, "row %s", id)
	v, ok := value.GetPath(row, path)
	require.True(t, ok, "%s.%s", id, path)
	return v
}

func TestFullSyncReplicatesEveryRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{})
	f.seed(t,
		sourceRow(101, "Jane Doe", 350000, 100000, t1),
		sourceRow(156, "John Roe", 210000, 80000, t1),
		sourceRow(200, "Ann Poe", 480000, 175000, t1),
	)

	res, err := f.orch.FullSync(ctx)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, map[string]int{"properties": 3}, res.TablesProcessed)
	assert.False(t, res.End.Before(res.Start))

	assert.Len(t, f.target.Snapshot("property_records"), 3)
	assert.Equal(t, value.String("Jane Doe"), targetValue(t, f.target, "PROP-101", "ownership.primary_owner"))
	assert.Equal(t, value.Int(350000), targetValue(t, f.target, "PROP-101", "valuation.total"))
	assert.Equal(t, value.Int(210000), targetValue(t, f.target, "PROP-156", "valuation.total"))
	assert.Equal(t, value.String("Ann Poe"), targetValue(t, f.target, "PROP-200", "ownership.primary_owner"))

	run, err := f.jobs.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.RunCompleted, run.State)
	assert.Equal(t, 3, run.Succeeded)

	token, ok, err := f.jobs.Watermark(ctx, "properties")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.End.Format(time.RFC3339Nano), token)
}

func TestFullSyncIsAnUpsert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{})
	f.seed(t, sourceRow(101, "Jane Doe", 350000, 100000, t1))

	_, err := f.orch.FullSync(ctx)
	require.NoError(t, err)
	res, err := f.orch.FullSync(ctx)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Succeeded)
	assert.Len(t, f.target.Snapshot("property_records"), 1)
}

func TestIncrementalUpdateMergesConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{policy: conflict.Policy{
		Tables: map[string]conflict.TablePolicy{
			"property_records": {Fields: map[string]conflict.Strategy{"valuation.total": conflict.Merge}},
		},
	}})
	f.seed(t, sourceRow(101, "Jane Doe", 350000, 100000, t1))
	require.NoError(t, f.target.Seed("property_records", "id", targetRow(101, "Jane Doe", 360000, 100000)))

	res, err := f.orch.IncrementalSync(ctx, t0.Format(time.RFC3339))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, ConflictStats{Detected: 1, Resolved: 1}, res.Conflicts)
	assert.Equal(t, value.Int(355000), targetValue(t, f.target, "PROP-101", "valuation.total"))

	journal := f.target.Journal()
	require.Len(t, journal, 1)
	assert.Equal(t, "update", journal[0].Op)
}

func TestIncrementalUsesStoredWatermark(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{})
	f.seed(t,
		sourceRow(101, "Jane Doe", 350000, 100000, t1),
		sourceRow(156, "John Roe", 210000, 80000, t1),
	)
	_, err := f.orch.FullSync(ctx)
	require.NoError(t, err)

	later := runTime.Add(30 * 24 * time.Hour)
	f.seed(t, sourceRow(156, "John Roe", 220000, 80000, later))

	res, err := f.orch.IncrementalSync(ctx, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Conflicts.Resolved, "source_wins by default")
	assert.Equal(t, value.Int(220000), targetValue(t, f.target, "PROP-156", "valuation.total"))
	assert.Equal(t, value.Int(350000), targetValue(t, f.target, "PROP-101", "valuation.total"))
}

func TestSelectiveSyncAppliesPredicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{})
	f.seed(t,
		sourceRow(1, "A", 200000, 100000, t1),
		sourceRow(2, "B", 300000, 160000, t1),
		sourceRow(3, "C", 250000, 150000, t1),
		sourceRow(4, "D", 400000, 200000, t1),
		sourceRow(5, "E", 120000, 90000, t1),
	)

	res, err := f.orch.SelectiveSync(ctx, []string{"properties"}, map[string]string{"properties": "land_value > 150000"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, map[string]int{"properties": 2}, res.TablesProcessed)
	assert.Len(t, f.target.Snapshot("property_records"), 2)
	_, ok := f.target.Row("property_records", "PROP-2")
	assert.True(t, ok)
	_, ok = f.target.Row("property_records", "PROP-4")
	assert.True(t, ok)

	marks, err := f.jobs.Watermarks(ctx)
	require.NoError(t, err)
	assert.Empty(t, marks, "selective runs leave watermarks alone")
}

func TestRequiredFieldFailsRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{rules: map[string][]validate.Rule{
		"property_records": {{Field: "parcel_id", Check: validate.Required{}}},
	}})
	row := sourceRow(101, "Jane Doe", 350000, 100000, t1)
	row.Set("parcel_number", value.Null{})
	f.seed(t, row)

	res, err := f.orch.FullSync(ctx)
	require.NoError(t, err, "validation failures are not fatal")

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Required field 'parcel_id' is missing", res.Errors[0].Message)
	assert.Equal(t, failure.KindValidation, res.Errors[0].Kind)
	assert.Equal(t, 1, res.ErrorDetails[failure.KindValidation])
	assert.Empty(t, f.target.Journal())

	run, err := f.jobs.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.RunFailed, run.State)
	assert.Equal(t, map[string]int{"validation": 1}, run.ErrorDetails)

	_, ok, err := f.jobs.Watermark(ctx, "properties")
	require.NoError(t, err)
	assert.False(t, ok, "failed runs keep the watermark")
}

func TestTransientConnectionErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{})
	f.seed(t,
		sourceRow(101, "Jane Doe", 350000, 100000, t1),
		sourceRow(156, "John Roe", 210000, 80000, t1),
		sourceRow(200, "Ann Poe", 480000, 175000, t1),
	)
	f.target.SetFault(memstore.FailFirst(2, memstore.Inserts,
		failure.New(failure.KindConnection, "memstore", "connection reset")))

	res, err := f.orch.FullSync(ctx)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 2, res.Performance.Retries)
	require.Len(t, res.Performance.RetryDelays, 2)
	for i, d := range res.Performance.RetryDelays {
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
		if i > 0 {
			assert.GreaterOrEqual(t, float64(d)/float64(res.Performance.RetryDelays[i-1]), 2.0)
		}
	}
	assert.Equal(t, f.sleep.delays, res.Performance.RetryDelays)
}

func TestWriteBatchesShrinkUnderMemoryPressure(t *testing.T) {
	cfg := adaptive.DefaultConfig()
	cfg.Baseline = 200
	ctrl, err := adaptive.New(cfg)
	require.NoError(t, err)

	pressure := monitor.Sample{MemoryPercent: 90}
	s := &adaptiveSizer{
		ctrl:     ctrl,
		workload: monitor.RepositoryWrite,
		initial:  200,
		sample:   func() monitor.Sample { return pressure },
	}
	assert.Equal(t, 200, s.NextSize(nil))

	next := s.NextSize(&writer.Batch{
		Size:        200,
		Diagnostics: retry.Diagnostics{Duration: ctrl.Target(monitor.RepositoryWrite)},
	})
	assert.GreaterOrEqual(t, next, cfg.MinBatch)
	assert.LessOrEqual(t, next, 140)
}

func TestMonitorSamplesDuringRun(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	resampled := make(chan struct{})
	sampler := monitor.SamplerFunc(func(context.Context) (monitor.Sample, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return monitor.Sample{MemoryPercent: 20}, nil
		}
		if calls == 2 {
			close(resampled)
		}
		return monitor.Sample{MemoryPercent: 95}, nil
	})
	f := newFixture(t, setup{sampler: sampler})
	f.seed(t, sourceRow(101, "Jane Doe", 350000, 100000, t1))
	// The first write waits for a sample taken after the run began.
	f.target.SetFault(func(queryir.Statement) error {
		select {
		case <-resampled:
			return nil
		case <-time.After(5 * time.Second):
			return fmt.Errorf("no sample taken during the run")
		}
	})

	res, err := f.orch.FullSync(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 20.0, res.Performance.Sample.MemoryPercent)

	latest, ok := f.orch.Monitor().Latest()
	require.True(t, ok)
	assert.Equal(t, 95.0, latest.MemoryPercent)
	assert.Equal(t, 95.0, f.orch.latestSample(res.Performance.Sample)().MemoryPercent,
		"write batches are sized from the newest sample")

	mu.Lock()
	n := calls
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, n, calls, "sampling stops with the run")
}

func TestManualConflictIsHeldAndResolvable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{policy: conflict.Policy{Default: conflict.Manual}})
	f.seed(t, sourceRow(101, "Jane Doe", 350000, 100000, t1))
	require.NoError(t, f.target.Seed("property_records", "id", targetRow(101, "Jane Doe", 360000, 100000)))

	res, err := f.orch.IncrementalSync(ctx, t0.Format(time.RFC3339))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, ConflictStats{Detected: 1, Held: 1}, res.Conflicts)
	assert.Equal(t, 1, res.ErrorDetails[failure.KindConflictUnresolved])
	assert.Empty(t, f.target.Journal(), "held records are not written")

	held, err := f.orch.ListConflicts(ctx, jobstore.ConflictFilter{Status: jobstore.ConflictPending})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, res.RunID, held[0].RunID)
	assert.Equal(t, "101", held[0].RecordID)
	assert.Equal(t, "PROP-101", held[0].TargetID)
	assert.Equal(t, []string{"valuation.total"}, held[0].Unresolved)

	ok, err := f.orch.ResolveConflict(ctx, held[0].ID, ResolveCustom,
		value.MapOf(value.P("valuation.total", value.Int(352000))))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, value.Int(352000), targetValue(t, f.target, "PROP-101", "valuation.total"))

	stored, err := f.jobs.GetConflict(ctx, held[0].ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.ConflictResolved, stored.Status)
	assert.Equal(t, "api", stored.Resolver)
	assert.Equal(t, "custom", stored.Strategy)

	ok, err = f.orch.ResolveConflict(ctx, held[0].ID, ResolveSource, nil)
	require.NoError(t, err)
	assert.False(t, ok, "already resolved")

	_, err = f.orch.ResolveConflict(ctx, "missing", ResolveSource, nil)
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestResolutionKeepsAutomaticFieldsOfHeldConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{policy: conflict.Policy{Tables: map[string]conflict.TablePolicy{
		"property_records": {
			Default: conflict.Merge,
			Fields:  map[string]conflict.Strategy{"ownership.primary_owner": conflict.Manual},
		},
	}}})
	f.seed(t,
		sourceRow(101, "Jane Doe", 350000, 100000, t1),
		sourceRow(156, "John Roe", 210000, 80000, t1),
	)
	require.NoError(t, f.target.Seed("property_records", "id",
		targetRow(101, "J. Doe", 360000, 100000),
		targetRow(156, "J. Roe", 250000, 80000),
	))

	res, err := f.orch.IncrementalSync(ctx, t0.Format(time.RFC3339))
	require.NoError(t, err)
	require.Equal(t, 2, res.Conflicts.Held)

	held, err := f.orch.ListConflicts(ctx, jobstore.ConflictFilter{Status: jobstore.ConflictPending})
	require.NoError(t, err)
	require.Len(t, held, 2)
	byTarget := map[string]jobstore.Conflict{}
	for _, c := range held {
		byTarget[c.TargetID] = c
	}
	c101 := byTarget["PROP-101"]
	assert.Equal(t, []string{"ownership.primary_owner"}, c101.Unresolved)
	require.NotNil(t, c101.Partial)
	total, _ := value.GetPath(c101.Partial, "valuation.total")
	assert.Equal(t, value.Int(355000), total)
	owner, _ := value.GetPath(c101.Partial, "ownership.primary_owner")
	assert.Equal(t, value.String("Jane Doe"), owner, "manual fields keep the source value")

	ok, err := f.orch.ResolveConflict(ctx, c101.ID, ResolveCustom,
		value.MapOf(value.P("ownership.primary_owner", value.String("Jane Q. Doe"))))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value.Int(355000), targetValue(t, f.target, "PROP-101", "valuation.total"))
	assert.Equal(t, value.String("Jane Q. Doe"), targetValue(t, f.target, "PROP-101", "ownership.primary_owner"))

	ok, err = f.orch.ResolveConflict(ctx, byTarget["PROP-156"].ID, ResolveSource, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value.Int(230000), targetValue(t, f.target, "PROP-156", "valuation.total"))
	assert.Equal(t, value.String("John Roe"), targetValue(t, f.target, "PROP-156", "ownership.primary_owner"))
}

func TestBulkResolveConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{policy: conflict.Policy{Default: conflict.Manual}})
	f.seed(t,
		sourceRow(101, "Jane Doe", 350000, 100000, t1),
		sourceRow(156, "John Roe", 210000, 80000, t1),
	)
	require.NoError(t, f.target.Seed("property_records", "id",
		targetRow(101, "Jane Doe", 360000, 100000),
		targetRow(156, "John Roe", 250000, 80000),
	))
	res, err := f.orch.IncrementalSync(ctx, t0.Format(time.RFC3339))
	require.NoError(t, err)
	require.Equal(t, 2, res.Conflicts.Held)

	_, err = f.orch.BulkResolveConflicts(ctx, ResolveCustom)
	assert.True(t, failure.Is(err, failure.KindConfig))

	n, err := f.orch.BulkResolveConflicts(ctx, ResolveSource)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, value.Int(350000), targetValue(t, f.target, "PROP-101", "valuation.total"))
	assert.Equal(t, value.Int(210000), targetValue(t, f.target, "PROP-156", "valuation.total"))

	pending, err := f.jobs.ListConflicts(ctx, jobstore.ConflictFilter{Status: jobstore.ConflictPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSchemaCheckAbortsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{opts: []Option{WithSchemaValidation(true), WithAutoMigration(true)}})
	f.seed(t, sourceRow(101, "Jane Doe", 350000, 100000, t1))
	narrow := memstore.New()
	require.NoError(t, narrow.CreateTable(datastore.Schema{
		Table: "property_records",
		Columns: []datastore.Column{
			{Name: "id", Type: datastore.T(datastore.Text), PrimaryKey: true},
			{Name: "parcel_id", Type: datastore.T(datastore.Text)},
			{Name: "ownership", Type: datastore.T(datastore.JSONObject)},
		},
	}))
	f.orch.target = narrow

	report, err := f.orch.Check(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"target table property_records has no column valuation"}, report.Problems)
	assert.NotEmpty(t, report.Warnings)

	res, err := f.orch.FullSync(ctx)
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "has no column valuation")
	assert.Empty(t, narrow.Journal())

	run, err := f.jobs.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.RunFailed, run.State)
	assert.Contains(t, run.Message, "has no column valuation")
}

func TestUnknownSelectiveTableIsFatal(t *testing.T) {
	f := newFixture(t, setup{})
	res, err := f.orch.SelectiveSync(context.Background(), []string{"owners"}, nil)
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Processed)
}

func TestCancelledRunSkipsRemainingBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	one := adaptive.Config{MinBatch: 1, MaxBatch: 1, Baseline: 1, TargetDuration: time.Second}
	f := newFixture(t, setup{controller: &one})
	f.seed(t,
		sourceRow(101, "Jane Doe", 350000, 100000, t1),
		sourceRow(156, "John Roe", 210000, 80000, t1),
		sourceRow(200, "Ann Poe", 480000, 175000, t1),
	)
	f.target.SetFault(func(stmt queryir.Statement) error {
		cancel()
		return nil
	})

	res, err := f.orch.FullSync(ctx)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindCancelled))
	assert.True(t, res.Cancelled)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, res.Skipped)

	run, err := f.jobs.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.RunCancelled, run.State)
}

func TestRunPublishesEvents(t *testing.T) {
	f := newFixture(t, setup{})
	f.seed(t, sourceRow(101, "Jane Doe", 350000, 100000, t1))

	res, err := f.orch.FullSync(context.Background())
	require.NoError(t, err)

	events := f.feed.Drain()
	require.NotEmpty(t, events)
	assert.Equal(t, RunStarted, events[0].Type)
	assert.Equal(t, RunCompleted, events[len(events)-1].Type)

	var stages []string
	for _, e := range events {
		assert.Equal(t, res.RunID, e.RunID)
		if e.Type == StageStarted {
			stages = append(stages, e.Stage)
		}
	}
	assert.Equal(t, []string{StageDetect, StageTransform, StageValidate, StageConflicts, StageWrite}, stages)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
	assert.True(t, failure.IsFatal(err))
	assert.Contains(t, err.Error(), "source store is required")
}
