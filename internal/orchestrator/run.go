package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/syncline/internal/conflict"
	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/executor"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/jobstore"
	"github.com/roach88/syncline/internal/monitor"
	"github.com/roach88/syncline/internal/transform"
	"github.com/roach88/syncline/internal/validate"
	"github.com/roach88/syncline/internal/value"
	"github.com/roach88/syncline/internal/writer"
)

// Stage names used in events and Performance.Stages.
const (
	StageDetect    = "detect"
	StageTransform = "transform"
	StageValidate  = "validate"
	StageConflicts = "conflicts"
	StageWrite     = "write"
)

// FullSync replicates every live source row as an upsert.
func (o *Orchestrator) FullSync(ctx context.Context) (Result, error) {
	return o.run(ctx, detect.Request{Mode: detect.ModeFull}, "")
}

// IncrementalSync replicates changes past the stored per-table watermarks.
// A non-empty watermark overrides the stored token for every table.
func (o *Orchestrator) IncrementalSync(ctx context.Context, watermark string) (Result, error) {
	return o.run(ctx, detect.Request{Mode: detect.ModeIncremental}, watermark)
}

// SelectiveSync replicates the named tables, filtered by optional
// per-table predicate expressions such as "land_value > 150000".
// Watermarks are left untouched.
func (o *Orchestrator) SelectiveSync(ctx context.Context, tables []string, predicates map[string]string) (Result, error) {
	return o.run(ctx, detect.Request{
		Mode:       detect.ModeSelective,
		Tables:     tables,
		Predicates: predicates,
	}, "")
}

// runState carries one run through the pipeline.
type runState struct {
	res     *Result
	req     detect.Request
	tables  []detect.Table
	sample  monitor.Sample
	maxSeq  map[string]value.Value
	schemas map[string]datastore.Schema
}

// run executes the pipeline. The returned error is the fatal error, if
// any; per-record failures are only reported in the Result.
func (o *Orchestrator) run(ctx context.Context, req detect.Request, watermark string) (Result, error) {
	start := o.clock.Now()
	st := &runState{
		res:     newResult(o.ids.Generate(), req.Mode, start),
		req:     req,
		maxSeq:  map[string]value.Value{},
		schemas: map[string]datastore.Schema{},
	}
	logger := o.logger.With("run_id", st.res.RunID, "mode", string(req.Mode))

	err := o.jobs.CreateRun(ctx, jobstore.Run{
		ID:      st.res.RunID,
		Mode:    string(req.Mode),
		State:   jobstore.RunRunning,
		Started: start,
	})
	if err != nil {
		st.res.End = o.clock.Now()
		st.res.Error = err.Error()
		return *st.res, fmt.Errorf("create run: %w", err)
	}
	o.publish(Event{Type: RunStarted, RunID: st.res.RunID, Message: string(req.Mode)})
	logger.Info("run started")

	err = o.pipeline(ctx, st, watermark)
	return o.finish(ctx, st, err, logger)
}

func (o *Orchestrator) pipeline(ctx context.Context, st *runState, watermark string) error {
	res := st.res

	sample, err := o.monitor.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("resource sample failed", "run_id", res.RunID, "error", err)
		sample, _ = o.monitor.Latest()
	}
	st.sample = sample
	res.Performance.Sample = sample

	// Keep sampling for the rest of the run; the write sizer reads Latest.
	sampling, stopSampling := context.WithCancel(ctx)
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		_ = o.monitor.Watch(sampling)
	}()
	defer func() {
		stopSampling()
		sampler.Wait()
	}()

	res.Performance.Recommendation = o.monitor.Recommend(monitor.DataTransform)
	o.publish(Event{Type: ResourcesSampled, RunID: res.RunID, Metrics: map[string]any{
		"cpu_percent":    sample.CPUPercent,
		"memory_percent": sample.MemoryPercent,
		"disk_percent":   sample.DiskIOPercent,
	}})

	tables, err := o.detector.Plan(st.req)
	if err != nil {
		return err
	}
	st.tables = tables
	if st.req.Mode == detect.ModeIncremental {
		marks, err := o.jobs.Watermarks(ctx)
		if err != nil {
			return fmt.Errorf("load watermarks: %w", err)
		}
		if watermark != "" {
			for _, t := range tables {
				marks[t.Name] = watermark
			}
		}
		st.req.Watermarks = marks
	}

	if o.schemaValidation {
		names := make([]string, len(tables))
		for i, t := range tables {
			names[i] = t.Name
		}
		report, err := o.Check(ctx, names)
		if err != nil {
			return err
		}
		res.Warnings = append(res.Warnings, report.Warnings...)
		if err := report.Err(); err != nil {
			return err
		}
	}

	changes, err := o.detect(ctx, st)
	if err != nil {
		return err
	}

	recs, err := o.transform(ctx, st, changes)
	if err != nil {
		return err
	}

	valid, err := o.validate(ctx, st, recs)
	if err != nil {
		return err
	}

	writable, err := o.resolveConflicts(ctx, st, valid)
	if err != nil {
		return err
	}

	return o.write(ctx, st, writable)
}

func (o *Orchestrator) stage(st *runState, name string, fn func() error) error {
	start := o.clock.Now()
	o.publish(Event{Type: StageStarted, RunID: st.res.RunID, Stage: name, Time: start})
	err := fn()
	end := o.clock.Now()
	st.res.Performance.Stages[name] += end.Sub(start)
	o.publish(Event{Type: StageCompleted, RunID: st.res.RunID, Stage: name, Time: end})
	return err
}

// detect collects the run's changes in detection order. no_change entries
// are skipped.
func (o *Orchestrator) detect(ctx context.Context, st *runState) ([]detect.Change, error) {
	var out []detect.Change
	err := o.stage(st, StageDetect, func() error {
		for c, err := range o.detector.Detect(ctx, st.req) {
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("detect changes: %w", err)
			}
			if c.Sequence != nil && !value.IsNull(c.Sequence) {
				prev, ok := st.maxSeq[c.SourceTable]
				if cmp, ordered := value.Compare(c.Sequence, prev); !ok || (ordered && cmp > 0) {
					st.maxSeq[c.SourceTable] = c.Sequence
				}
			}
			if c.Kind == detect.NoChange {
				continue
			}
			out = append(out, c)
		}
		return nil
	})
	st.res.Performance.Detected = len(out)
	return out, err
}

type transformed struct {
	rec transform.Record
	ok  bool
}

// transform maps changes in batches sized by the controller. Unmapped
// changes are dropped without being counted as processed.
func (o *Orchestrator) transform(ctx context.Context, st *runState, changes []detect.Change) ([]transform.Record, error) {
	var out []transform.Record
	err := o.stage(st, StageTransform, func() error {
		size := o.controller.Adjust(monitor.DataTransform, 0, 0, st.sample)
		for lo := 0; lo < len(changes); {
			if err := ctx.Err(); err != nil {
				st.res.Skipped += len(changes) - lo
				return err
			}
			hi := min(lo+size, len(changes))
			batch := changes[lo:hi]
			started := o.clock.Now()
			results := executor.Map(ctx, o.executor, batch, func(ctx context.Context, c detect.Change) (transformed, error) {
				rec, ok := o.transformer.Transform(ctx, c)
				return transformed{rec: rec, ok: ok}, nil
			})
			elapsed := o.clock.Now().Sub(started)
			st.res.Performance.TransformBatches = append(st.res.Performance.TransformBatches, len(batch))

			for i, c := range batch {
				if !results.OK(i) {
					if failure.Is(results.Errs[i], failure.KindCancelled) {
						st.res.Skipped++
						continue
					}
					st.res.fail(c.SourceTable, c.RecordID, failure.Wrap(failure.KindTransform, "transform", results.Errs[i]))
					continue
				}
				t := results.Values[i]
				if !t.ok {
					st.res.Performance.Dropped++
					continue
				}
				t.rec.Metadata.Seq = lo + i
				for _, w := range t.rec.Metadata.Warnings {
					st.res.warn(c.SourceTable, c.RecordID, w)
				}
				if err := o.coerce(ctx, st, &t.rec); err != nil {
					st.res.fail(c.SourceTable, c.RecordID, err)
					continue
				}
				out = append(out, t.rec)
			}
			lo = hi
			size = o.controller.Adjust(monitor.DataTransform, elapsed, len(batch), st.sample)
		}
		return ctx.Err()
	})
	return out, err
}

// coerce converts declared columns into the target schema's types.
func (o *Orchestrator) coerce(ctx context.Context, st *runState, rec *transform.Record) error {
	if rec.Operation == detect.Delete {
		return nil
	}
	m, ok := o.transformer.Mapping(rec.Metadata.SourceTable)
	if !ok || len(m.ColumnTypes) == 0 {
		return nil
	}
	schema, ok := st.schemas[rec.TargetTable]
	if !ok {
		s, err := o.target.Schema(ctx, rec.TargetTable)
		if err != nil {
			return fmt.Errorf("target schema %s: %w", rec.TargetTable, err)
		}
		schema = s
		st.schemas[rec.TargetTable] = s
	}
	return transform.Coerce(rec, m, schema, o.converter)
}

// validate labels records in parallel. Invalid records fail; warnings are
// carried into the result.
func (o *Orchestrator) validate(ctx context.Context, st *runState, recs []transform.Record) ([]transform.Record, error) {
	var out []transform.Record
	err := o.stage(st, StageValidate, func() error {
		size := o.controller.Adjust(monitor.DataValidation, 0, 0, st.sample)
		workers := max(1, o.executor.Size())
		for lo := 0; lo < len(recs); {
			if err := ctx.Err(); err != nil {
				st.res.Skipped += len(recs) - lo
				return err
			}
			hi := min(lo+size, len(recs))
			batch := recs[lo:hi]
			started := o.clock.Now()
			results, err := o.validator.ValidateParallel(ctx, o.executor, batch, max(1, (len(batch)+workers-1)/workers))
			elapsed := o.clock.Now().Sub(started)
			if err != nil {
				st.res.Skipped += len(recs) - lo - len(results)
				for _, r := range results {
					out = o.label(st, r, out)
				}
				return err
			}
			st.res.Performance.ValidationBatches = append(st.res.Performance.ValidationBatches, len(batch))
			for _, r := range results {
				out = o.label(st, r, out)
			}
			lo = hi
			size = o.controller.Adjust(monitor.DataValidation, elapsed, len(batch), st.sample)
		}
		return nil
	})
	return out, err
}

func (o *Orchestrator) label(st *runState, r validate.Result, out []transform.Record) []transform.Record {
	rec := r.Record
	for _, w := range r.Warnings {
		st.res.warn(rec.Metadata.SourceTable, rec.SourceID, w)
	}
	if !r.IsValid {
		st.res.fail(rec.Metadata.SourceTable, rec.SourceID,
			failure.New(failure.KindValidation, "", strings.Join(r.Errors, "; ")))
		return out
	}
	return append(out, rec)
}

type detected struct {
	c *conflict.Conflict
}

// resolveConflicts compares updates with the target rows. Resolved
// payloads replace the record's; conflicts with manual fields are
// persisted and the record is held back.
func (o *Orchestrator) resolveConflicts(ctx context.Context, st *runState, recs []transform.Record) ([]transform.Record, error) {
	var out []transform.Record
	err := o.stage(st, StageConflicts, func() error {
		results := executor.Map(ctx, o.executor, recs, func(ctx context.Context, rec transform.Record) (detected, error) {
			c, err := o.conflicts.Detect(ctx, o.target, rec)
			return detected{c: c}, err
		})
		for i, rec := range recs {
			table := rec.Metadata.SourceTable
			if !results.OK(i) {
				if ctx.Err() != nil {
					st.res.Skipped++
					continue
				}
				st.res.fail(table, rec.SourceID, results.Errs[i])
				continue
			}
			c := results.Values[i].c
			if c == nil {
				out = append(out, rec)
				continue
			}
			st.res.Conflicts.Detected++
			o.publish(Event{Type: ConflictDetected, RunID: st.res.RunID, Message: rec.TargetID, Metrics: map[string]any{
				"table":    c.Table,
				"fields":   c.FieldNames(),
				"severity": string(c.MaxSeverity()),
			}})
			resolution := o.conflicts.Resolve(c)
			if resolution.Resolved() {
				st.res.Conflicts.Resolved++
				rec.Payload = resolution.Payload
				out = append(out, rec)
				continue
			}
			if err := o.hold(ctx, st, rec, resolution); err != nil {
				st.res.fail(table, rec.SourceID, err)
				continue
			}
			st.res.Conflicts.Held++
			st.res.fail(table, rec.SourceID, failure.Newf(failure.KindConflictUnresolved, "",
				"conflict on %s awaits manual resolution of %s", rec.TargetID, strings.Join(resolution.Unresolved, ", ")))
		}
		return ctx.Err()
	})
	return out, err
}

func (o *Orchestrator) hold(ctx context.Context, st *runState, rec transform.Record, r conflict.Resolution) error {
	c := r.Conflict
	partial := r.Payload.Clone()
	for _, field := range r.Unresolved {
		if v, ok := value.GetPath(c.Source, field); ok {
			value.SetPath(partial, field, value.Clone(v))
		}
	}
	id := o.ids.Generate()
	err := o.jobs.SaveConflict(ctx, jobstore.Conflict{
		ID:         id,
		RunID:      st.res.RunID,
		Table:      c.Table,
		RecordID:   rec.SourceID,
		TargetID:   rec.TargetID,
		Source:     c.Source,
		Target:     c.Target,
		Partial:    partial,
		Unresolved: r.Unresolved,
		Status:     jobstore.ConflictPending,
		Strategy:   string(c.Strategy),
		Created:    c.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	o.publish(Event{Type: ConflictHeld, RunID: st.res.RunID, Message: id, Metrics: map[string]any{
		"table":      c.Table,
		"unresolved": r.Unresolved,
	}})
	return nil
}

// write applies the records through the batch writer.
func (o *Orchestrator) write(ctx context.Context, st *runState, recs []transform.Record) error {
	return o.stage(st, StageWrite, func() error {
		sizer := &adaptiveSizer{
			ctrl:     o.controller,
			workload: monitor.RepositoryWrite,
			initial:  o.controller.Adjust(monitor.RepositoryWrite, 0, 0, st.sample),
			sample:   o.latestSample(st.sample),
		}
		w := writer.New(o.target, o.retrier,
			writer.WithSizer(sizer),
			writer.WithParallelism(o.writeParallelism),
			writer.WithLogger(o.logger),
		)
		report := w.Write(ctx, recs)

		for _, b := range report.Batches {
			st.res.Performance.WriteBatches = append(st.res.Performance.WriteBatches, b.Size)
			o.publish(Event{Type: BatchCompleted, RunID: st.res.RunID, Stage: StageWrite, Metrics: map[string]any{
				"op":         string(b.Op),
				"table":      b.Table,
				"batch_size": b.Size,
				"state":      string(b.Diagnostics.State),
				"retries":    b.Diagnostics.Retries,
			}})
		}
		st.res.Performance.Retries = report.Retries()
		st.res.Performance.RetryDelays = report.Delays()

		for _, r := range report.Succeeded {
			st.res.succeed(r.Metadata.SourceTable)
		}
		for _, f := range report.Failed {
			st.res.fail(f.Record.Metadata.SourceTable, f.Record.SourceID, f.Err)
		}
		st.res.Skipped += len(report.Skipped)
		if len(report.Skipped) > 0 {
			return ctx.Err()
		}
		return nil
	})
}

// latestSample reads the monitor's newest sample, falling back to the
// run's initial one.
func (o *Orchestrator) latestSample(initial monitor.Sample) func() monitor.Sample {
	return func() monitor.Sample {
		if s, ok := o.monitor.Latest(); ok {
			return s
		}
		return initial
	}
}

// finish settles the run state, advances watermarks on success and
// persists the run.
func (o *Orchestrator) finish(ctx context.Context, st *runState, err error, logger *slog.Logger) (Result, error) {
	res := st.res
	state := jobstore.RunCompleted
	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		state = jobstore.RunCancelled
		res.Cancelled = true
		res.Error = err.Error()
		err = failure.Wrap(failure.KindCancelled, "orchestrator.run", err)
	case err != nil:
		state = jobstore.RunFailed
		res.Error = err.Error()
	case res.Failed > 0:
		state = jobstore.RunFailed
	}
	res.Success = err == nil && res.Failed == 0

	res.End = o.clock.Now()
	if res.End.Before(res.Start) {
		res.End = res.Start
	}
	res.Duration = res.End.Sub(res.Start)
	if secs := res.Duration.Seconds(); secs > 0 {
		res.Performance.RecordsPerSecond = float64(res.Processed) / secs
	}

	// Bookkeeping outlives a cancelled run.
	persist := context.WithoutCancel(ctx)
	if res.Success && st.req.Mode != detect.ModeSelective {
		tokens := o.watermarks(st)
		if len(tokens) > 0 {
			if werr := o.jobs.SetWatermarks(persist, tokens, res.End); werr != nil {
				logger.Error("watermark update failed", "error", werr)
				res.Success = false
				res.Error = werr.Error()
				state = jobstore.RunFailed
				err = fmt.Errorf("set watermarks: %w", werr)
			} else {
				o.publish(Event{Type: WatermarkAdvanced, RunID: res.RunID, Metrics: map[string]any{"tables": len(tokens)}})
			}
		}
	}

	message := res.Error
	if uerr := o.jobs.UpdateRun(persist, jobstore.Run{
		ID:           res.RunID,
		Mode:         string(res.Mode),
		State:        state,
		Processed:    res.Processed,
		Succeeded:    res.Succeeded,
		Failed:       res.Failed,
		ErrorDetails: res.details(),
		Message:      message,
		Started:      res.Start,
		Ended:        res.End,
	}); uerr != nil {
		logger.Error("run update failed", "error", uerr)
		if err == nil {
			err = fmt.Errorf("update run: %w", uerr)
		}
	}

	attrs := []any{
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"duration", res.Duration,
	}
	switch state {
	case jobstore.RunCompleted:
		o.publish(Event{Type: RunCompleted, RunID: res.RunID, Time: res.End, Metrics: summary(res)})
		logger.Info("run completed", attrs...)
	case jobstore.RunCancelled:
		o.publish(Event{Type: RunCancelled, RunID: res.RunID, Time: res.End, Message: res.Error, Metrics: summary(res)})
		logger.Warn("run cancelled", attrs...)
	default:
		o.publish(Event{Type: RunFailed, RunID: res.RunID, Time: res.End, Message: res.Error, Metrics: summary(res)})
		logger.Warn("run failed", append(attrs, "error", res.Error)...)
	}
	return *res, err
}

// watermarks computes the new frontier per planned table: the highest log
// sequence seen for log-tracked tables, the run end otherwise.
func (o *Orchestrator) watermarks(st *runState) map[string]string {
	tokens := map[string]string{}
	end := st.res.End.UTC().Format(time.RFC3339Nano)
	for _, t := range st.tables {
		switch t.Tracking.Method {
		case detect.TransactionLog, detect.ChangeTracking:
			if st.req.Mode != detect.ModeIncremental {
				continue
			}
			if seq, ok := st.maxSeq[t.Name]; ok {
				tokens[t.Name] = value.AsString(seq)
			}
		default:
			tokens[t.Name] = end
		}
	}
	return tokens
}

func summary(res *Result) map[string]any {
	return map[string]any{
		"processed": res.Processed,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
	}
}
