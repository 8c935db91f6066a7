package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/syncline/internal/config"
	"github.com/roach88/syncline/internal/convert"
	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/datastore/memstore"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/jobstore"
	"github.com/roach88/syncline/internal/monitor"
	"github.com/roach88/syncline/internal/orchestrator"
	"github.com/roach88/syncline/internal/queryir"
	"github.com/roach88/syncline/internal/retry"
	"github.com/roach88/syncline/internal/testutil"
	"github.com/roach88/syncline/internal/validate"
	"github.com/roach88/syncline/internal/value"
)

// Epoch is the fake clock's start.
var Epoch = time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)

// scenarioCores is the core count used for pool recommendations.
const scenarioCores = 4

// Harness executes one scenario against fresh in-memory stores.
type Harness struct {
	orch   *orchestrator.Orchestrator
	source *memstore.Store
	target *memstore.Store
	jobs   *jobstore.Store
	logger *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against fresh in-memory stores and job store.
// A fake clock, sequential run IDs, a static resource sample and zero
// retry jitter make results reproducible.
//
// Execution flow:
// 1. Load the embedded configuration
// 2. Seed source and target tables and install faults
// 3. Build the orchestrator
// 4. Execute flow steps with expect validation
// 5. Evaluate assertions and snapshot the target tables
//
// Failed expectations and assertions are recorded in the result; an error
// is returned only when the scenario cannot be set up.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	doc, err := yaml.Marshal(&scenario.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	cfg, err := config.LoadBytes(scenario.Name+".yaml", doc, validate.Builtins())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	h := &Harness{
		source: memstore.New(memstore.WithLogger(logger)),
		target: memstore.New(memstore.WithLogger(logger)),
		logger: logger,
	}
	reg := convert.NewRegistry()
	if err := seed(h.source, scenario.Source, reg); err != nil {
		return nil, fmt.Errorf("failed to seed source: %w", err)
	}
	if err := seed(h.target, scenario.Target, reg); err != nil {
		return nil, fmt.Errorf("failed to seed target: %w", err)
	}
	installFaults(h.source, h.target, scenario.Faults)

	step := time.Duration(scenario.ClockStep)
	if step <= 0 {
		step = time.Millisecond
	}
	clock := testutil.NewFakeClock(Epoch, step)

	h.jobs, err = jobstore.Open(":memory:", jobstore.WithNow(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory job store: %w", err)
	}
	defer h.jobs.Close()

	h.orch, err = orchestrator.Build(cfg, orchestrator.Env{
		Source: h.source,
		Target: h.target,
		Jobs:   h.jobs,
		Sampler: monitor.Static(monitor.Sample{
			CPUPercent:    scenario.Sample.CPUPercent,
			MemoryPercent: scenario.Sample.MemoryPercent,
			DiskIOPercent: scenario.Sample.DiskIOPercent,
		}),
		Cores: scenarioCores,
		RetryOptions: []retry.Option{
			retry.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
			retry.WithJitter(func() float64 { return 0 }),
		},
	},
		orchestrator.WithClock(clock),
		orchestrator.WithIDs(testutil.NewSequentialIDs("run")),
		orchestrator.WithLogger(logger),
		orchestrator.WithResolver("harness"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	result := NewResult()
	for i, fs := range scenario.Flow {
		event := h.execute(ctx, i, fs, result)
		result.Trace = append(result.Trace, event)
		if fs.Expect != nil {
			checkExpect(result, i, fs.Expect, event, result.Runs)
		}
	}

	actx := &AssertionContext{
		Ctx:    ctx,
		Target: h.target,
		Jobs:   h.jobs,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	result.Target, err = snapshotTables(ctx, h.target)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot target: %w", err)
	}
	return result, nil
}

// execute runs one flow step. Run results are appended to result.Runs.
func (h *Harness) execute(ctx context.Context, index int, fs FlowStep, result *Result) TraceEvent {
	event := TraceEvent{Step: index + 1, Action: fs.Run}

	var (
		run orchestrator.Result
		err error
	)
	switch fs.Run {
	case StepFull:
		run, err = h.orch.FullSync(ctx)
	case StepIncremental:
		run, err = h.orch.IncrementalSync(ctx, fs.Since)
	case StepSelective:
		run, err = h.orch.SelectiveSync(ctx, selection(fs), fs.Where)
	case StepResolve:
		event.Resolved, err = h.resolve(ctx, fs)
		if err != nil {
			event.Error = err.Error()
		}
		return event
	case StepBulkResolve:
		event.Resolved, err = h.bulkResolve(ctx, fs)
		if err != nil {
			event.Error = err.Error()
		}
		return event
	}

	h.logger.Debug("run finished", "step", event.Step, "run_id", run.RunID, "success", run.Success)
	result.Runs = append(result.Runs, run)
	event.RunID = run.RunID
	event.Success = run.Success
	event.Processed = run.Processed
	event.Succeeded = run.Succeeded
	event.Failed = run.Failed
	event.Skipped = run.Skipped
	event.Conflicts = run.Conflicts
	event.Error = run.Error
	if event.Error == "" && err != nil {
		event.Error = err.Error()
	}
	return event
}

// selection lists the step's tables followed by any table named only in
// its where clauses.
func selection(fs FlowStep) []string {
	tables := append([]string(nil), fs.Tables...)
	for _, name := range sortedKeys(fs.Where) {
		if !slices.Contains(tables, name) {
			tables = append(tables, name)
		}
	}
	return tables
}

// resolve resolves the pending conflict held for fs.TargetID.
func (h *Harness) resolve(ctx context.Context, fs FlowStep) (int, error) {
	strategy, err := orchestrator.ParseResolveStrategy(fs.Strategy)
	if err != nil {
		return 0, err
	}
	pending, err := h.orch.ListConflicts(ctx, jobstore.ConflictFilter{Status: jobstore.ConflictPending})
	if err != nil {
		return 0, err
	}

	var custom *value.Map
	if len(fs.Values) > 0 {
		custom = value.NewMap()
		for _, path := range sortedKeys(fs.Values) {
			v, err := value.Of(fs.Values[path])
			if err != nil {
				return 0, fmt.Errorf("values.%s: %w", path, err)
			}
			custom.Set(path, v)
		}
	}

	for _, c := range pending {
		if c.TargetID != fs.TargetID {
			continue
		}
		ok, err := h.orch.ResolveConflict(ctx, c.ID, strategy, custom)
		if err != nil || !ok {
			return 0, err
		}
		return 1, nil
	}
	return 0, fmt.Errorf("no pending conflict for %s", fs.TargetID)
}

func (h *Harness) bulkResolve(ctx context.Context, fs FlowStep) (int, error) {
	strategy, err := orchestrator.ParseResolveStrategy(fs.Strategy)
	if err != nil {
		return 0, err
	}
	return h.orch.BulkResolveConflicts(ctx, strategy)
}

// checkExpect compares a step outcome against its expect clause.
func checkExpect(result *Result, index int, e *ExpectClause, event TraceEvent, runs []orchestrator.Result) {
	where := fmt.Sprintf("flow[%d] %s", index, event.Action)
	mismatch := func(field string, expected, actual any) {
		result.AddError(fmt.Sprintf("%s: expected %s %v, got %v", where, field, expected, actual))
	}
	checkInt := func(field string, expected *int, actual int) {
		if expected != nil && *expected != actual {
			mismatch(field, *expected, actual)
		}
	}

	if !event.IsRun() {
		checkInt("resolved", e.Resolved, event.Resolved)
		if e.Error != "" && !strings.Contains(event.Error, e.Error) {
			mismatch("error containing", e.Error, event.Error)
		}
		if e.Error == "" && event.Error != "" {
			result.AddError(fmt.Sprintf("%s: unexpected error: %s", where, event.Error))
		}
		return
	}
	run := runs[len(runs)-1]

	if e.Success != nil && *e.Success != run.Success {
		mismatch("success", *e.Success, run.Success)
	}
	checkInt("processed", e.Processed, run.Processed)
	checkInt("succeeded", e.Succeeded, run.Succeeded)
	checkInt("failed", e.Failed, run.Failed)
	checkInt("skipped", e.Skipped, run.Skipped)
	checkInt("retries", e.Retries, run.Performance.Retries)
	if e.Conflicts != nil && *e.Conflicts != run.Conflicts {
		mismatch("conflicts", *e.Conflicts, run.Conflicts)
	}
	for _, kind := range sortedKeys(e.Errors) {
		if got := run.ErrorDetails[failure.Kind(kind)]; got != e.Errors[kind] {
			mismatch(kind+" errors", e.Errors[kind], got)
		}
	}
	for _, msg := range e.Messages {
		if !hasMessage(run.Errors, msg) {
			result.AddError(fmt.Sprintf("%s: no record error mentions %q", where, msg))
		}
	}
	for _, table := range sortedKeys(e.TablesProcessed) {
		if got := run.TablesProcessed[table]; got != e.TablesProcessed[table] {
			mismatch("processed for "+table, e.TablesProcessed[table], got)
		}
	}
	if e.Error != "" && !strings.Contains(run.Error, e.Error) {
		mismatch("error containing", e.Error, run.Error)
	}
}

func hasMessage(errs []orchestrator.RecordError, msg string) bool {
	for _, e := range errs {
		if strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

// seed creates and fills the tables of one store.
func seed(st *memstore.Store, seeds []TableSeed, reg *convert.Registry) error {
	for _, ts := range seeds {
		schema, err := seedSchema(ts)
		if err != nil {
			return err
		}
		key := ts.Key
		if key == "" {
			key = schema.PrimaryKey()
		}
		if len(schema.Columns) > 0 {
			if err := st.CreateTable(schema); err != nil {
				return err
			}
		}

		rows, err := seedRows(ts, key, schema, reg)
		if err != nil {
			return fmt.Errorf("table %s: %w", ts.Table, err)
		}
		if len(rows) > 0 {
			if err := st.Seed(ts.Table, key, rows...); err != nil {
				return err
			}
		}
	}
	return nil
}

func seedSchema(ts TableSeed) (datastore.Schema, error) {
	schema := datastore.Schema{Table: ts.Table}
	for _, c := range ts.Columns {
		tag, err := datastore.ParseTypeTag(c.Type)
		if err != nil {
			return datastore.Schema{}, fmt.Errorf("table %s column %s: %w", ts.Table, c.Name, err)
		}
		schema.Columns = append(schema.Columns, datastore.Column{
			Name:       c.Name,
			Type:       tag,
			PrimaryKey: c.PrimaryKey || (c.Name == ts.Key && !hasPrimaryKey(ts.Columns)),
			Nullable:   c.Nullable,
		})
	}
	return schema, nil
}

func hasPrimaryKey(cols []ColumnSpec) bool {
	for _, c := range cols {
		if c.PrimaryKey {
			return true
		}
	}
	return false
}

// seedRows builds the literal and generated rows. String cells of typed
// non-text columns are converted to the column type.
func seedRows(ts TableSeed, key string, schema datastore.Schema, reg *convert.Registry) ([]*value.Map, error) {
	raw := make([]map[string]any, 0, len(ts.Rows))
	raw = append(raw, ts.Rows...)
	if g := ts.Generate; g != nil {
		for n := 1; n <= g.Count; n++ {
			row := expand(g.Row, n).(map[string]any)
			row[key] = n
			raw = append(raw, row)
		}
	}

	types := make(map[string]datastore.TypeTag, len(schema.Columns))
	for _, c := range schema.Columns {
		types[c.Name] = c.Type
	}
	text := datastore.T(datastore.Text)

	out := make([]*value.Map, 0, len(raw))
	for i, r := range raw {
		v, err := value.Of(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		row := v.(*value.Map)
		for _, col := range row.Keys() {
			tag, typed := types[col]
			cell, _ := row.Get(col)
			s, isString := cell.(value.String)
			if !typed || !isString || tag.IsText() {
				continue
			}
			converted, err := reg.Convert(s, text, tag)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", i, col, err)
			}
			row.Set(col, converted)
		}
		out = append(out, row)
	}
	return out, nil
}

// expand copies x, replacing "{n}" in strings.
func expand(x any, n int) any {
	switch v := x.(type) {
	case string:
		return strings.ReplaceAll(v, "{n}", fmt.Sprint(n))
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = expand(e, n)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = expand(e, n)
		}
		return out
	case nil:
		return map[string]any{}
	default:
		return v
	}
}

func installFaults(source, target *memstore.Store, faults []Fault) {
	byStore := map[string][]memstore.FaultFunc{}
	for _, f := range faults {
		match := memstore.Inserts
		if f.On == "mutations" {
			match = memstore.Mutations
		}
		msg := f.Message
		if msg == "" {
			msg = "injected " + f.Kind + " fault"
		}
		err := failure.New(failure.Kind(f.Kind), "harness.fault", msg)
		byStore[f.Store] = append(byStore[f.Store], memstore.FailFirst(f.FailFirst, match, err))
	}
	if fs := byStore["source"]; len(fs) > 0 {
		source.SetFault(chain(fs))
	}
	if fs := byStore["target"]; len(fs) > 0 {
		target.SetFault(chain(fs))
	}
}

func chain(faults []memstore.FaultFunc) memstore.FaultFunc {
	return func(stmt queryir.Statement) error {
		for _, f := range faults {
			if err := f(stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

// snapshotTables returns every table's rows ordered by primary key.
func snapshotTables(ctx context.Context, st *memstore.Store) (map[string]datastore.Rows, error) {
	out := map[string]datastore.Rows{}
	for _, name := range st.Tables() {
		schema, err := st.Schema(ctx, name)
		if err != nil {
			return nil, err
		}
		key := schema.PrimaryKey()
		rows := st.Snapshot(name)
		sort.SliceStable(rows, func(i, j int) bool {
			a, _ := rows[i].Get(key)
			b, _ := rows[j].Get(key)
			if c, ok := value.Compare(a, b); ok {
				return c < 0
			}
			return value.AsString(a) < value.AsString(b)
		})
		out[name] = rows
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
