package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/jobstore"
	"github.com/roach88/syncline/internal/transform"
	"github.com/roach88/syncline/internal/value"
	"github.com/roach88/syncline/internal/writer"
)

// ResolveStrategy picks the payload written for a held conflict.
type ResolveStrategy string

const (
	ResolveSource ResolveStrategy = "source"
	ResolveTarget ResolveStrategy = "target"
	ResolveCustom ResolveStrategy = "custom"
)

// ParseResolveStrategy validates a strategy name.
func ParseResolveStrategy(s string) (ResolveStrategy, error) {
	switch st := ResolveStrategy(s); st {
	case ResolveSource, ResolveTarget, ResolveCustom:
		return st, nil
	}
	return "", failure.Newf(failure.KindConfig, "orchestrator.resolve", "unknown resolution strategy %q", s)
}

// ListConflicts returns persisted conflicts matching f.
func (o *Orchestrator) ListConflicts(ctx context.Context, f jobstore.ConflictFilter) ([]jobstore.Conflict, error) {
	return o.jobs.ListConflicts(ctx, f)
}

// ResolveConflict writes a held conflict's resolution to the target and
// marks it resolved. The source and custom strategies start from the
// payload with every non-manual field already resolved; custom values are
// dotted paths applied over it. It returns false with jobstore.ErrNotFound for an
// unknown ID, and false without error when the conflict is no longer
// pending.
func (o *Orchestrator) ResolveConflict(ctx context.Context, id string, strategy ResolveStrategy, custom *value.Map) (bool, error) {
	stored, err := o.jobs.GetConflict(ctx, id)
	if err != nil {
		return false, err
	}
	if stored.Status != jobstore.ConflictPending {
		return false, nil
	}

	var payload *value.Map
	switch strategy {
	case ResolveSource:
		payload = heldPayload(stored)
	case ResolveTarget:
		payload = clonePayload(stored.Target)
	case ResolveCustom:
		if custom == nil || custom.Len() == 0 {
			return false, failure.New(failure.KindConfig, "orchestrator.resolve", "custom resolution needs values")
		}
		payload = heldPayload(stored)
		custom.Range(func(path string, v value.Value) bool {
			value.SetPath(payload, path, value.Clone(v))
			return true
		})
	default:
		return false, failure.Newf(failure.KindConfig, "orchestrator.resolve", "unknown resolution strategy %q", strategy)
	}

	rec := transform.Record{
		SourceID:    stored.RecordID,
		TargetID:    stored.TargetID,
		TargetTable: stored.Table,
		TargetKey:   o.targetKey(stored.Table),
		Operation:   detect.Update,
		Payload:     payload,
	}
	report := writer.New(o.target, o.retrier, writer.WithLogger(o.logger)).Write(ctx, []transform.Record{rec})
	if len(report.Failed) > 0 {
		return false, fmt.Errorf("write resolution %s: %w", id, report.FailedErrors())
	}
	if len(report.Skipped) > 0 {
		return false, ctx.Err()
	}

	if err := o.jobs.MarkResolved(ctx, id, payload, string(strategy), o.resolver); err != nil {
		if errors.Is(err, jobstore.ErrNotPending) {
			return false, nil
		}
		return false, err
	}
	o.publish(Event{Type: ConflictResolved, Message: id, Metrics: map[string]any{
		"table":    stored.Table,
		"strategy": string(strategy),
	}})
	o.logger.Info("conflict resolved", "conflict_id", id, "table", stored.Table, "strategy", string(strategy))
	return true, nil
}

// BulkResolveConflicts resolves every pending conflict with strategy and
// returns how many were resolved. Individual failures are logged.
func (o *Orchestrator) BulkResolveConflicts(ctx context.Context, strategy ResolveStrategy) (int, error) {
	if strategy == ResolveCustom {
		return 0, failure.New(failure.KindConfig, "orchestrator.bulk_resolve", "custom resolution applies to one conflict at a time")
	}
	if _, err := ParseResolveStrategy(string(strategy)); err != nil {
		return 0, err
	}
	pending, err := o.jobs.ListConflicts(ctx, jobstore.ConflictFilter{Status: jobstore.ConflictPending})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := o.ResolveConflict(ctx, c.ID, strategy, nil)
		if err != nil {
			o.logger.Warn("conflict resolution failed", "conflict_id", c.ID, "table", c.Table, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// targetKey finds the key column of a target table from the mappings.
func (o *Orchestrator) targetKey(table string) string {
	for _, m := range o.transformer.Mappings() {
		if m.TargetTable == table {
			return m.TargetKey
		}
	}
	return transform.DefaultTargetKey
}

// heldPayload is the partial resolution saved with a conflict, or the
// source payload when none was saved.
func heldPayload(c jobstore.Conflict) *value.Map {
	if c.Partial != nil {
		return c.Partial.Clone()
	}
	return clonePayload(c.Source)
}

func clonePayload(m *value.Map) *value.Map {
	if m == nil {
		return value.NewMap()
	}
	return m.Clone()
}
