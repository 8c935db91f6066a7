// Package transform maps detected changes onto target records through
// compiled table mappings: a field tree, per-field rules and whole-record
// global transforms.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/value"
)

// DefaultVersion tags records when no mapping version is configured.
const DefaultVersion = "1"

// Transformer applies table mappings to changes. Safe for concurrent use.
type Transformer struct {
	mappings map[string]*Mapping
	enricher Enricher
	version  string
	logger   *slog.Logger

	transformed  atomic.Int64
	dropped      atomic.Int64
	ruleFailures atomic.Int64
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithEnricher sets the service used by ai_enrich rules.
func WithEnricher(e Enricher) Option {
	return func(t *Transformer) {
		t.enricher = e
	}
}

// WithVersion sets the transformation version recorded in metadata.
func WithVersion(v string) Option {
	return func(t *Transformer) {
		t.version = v
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transformer) {
		t.logger = l
	}
}

// New creates a Transformer. Two mappings for one source table are a
// config error.
func New(mappings []*Mapping, opts ...Option) (*Transformer, error) {
	t := &Transformer{
		mappings: make(map[string]*Mapping, len(mappings)),
		version:  DefaultVersion,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, m := range mappings {
		if _, dup := t.mappings[m.SourceTable]; dup {
			return nil, failure.Newf(failure.KindConfig, "transform.new",
				"duplicate mapping for source table %s", m.SourceTable)
		}
		t.mappings[m.SourceTable] = m
	}
	return t, nil
}

// Mapping returns the mapping for a source table.
func (t *Transformer) Mapping(sourceTable string) (*Mapping, bool) {
	m, ok := t.mappings[sourceTable]
	return m, ok
}

// Mappings returns every mapping ordered by source table.
func (t *Transformer) Mappings() []*Mapping {
	out := make([]*Mapping, 0, len(t.mappings))
	for _, m := range t.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceTable < out[j].SourceTable })
	return out
}

// Transform maps one change. It returns false when the source table has
// no mapping; the change is dropped. Rule failures never fail the record:
// the field keeps its previous value and a warning is attached.
func (t *Transformer) Transform(ctx context.Context, c detect.Change) (Record, bool) {
	m, ok := t.mappings[c.SourceTable]
	if !ok {
		t.dropped.Add(1)
		t.logger.Debug("no mapping, dropping change",
			"table", c.SourceTable, "record_id", c.RecordID)
		return Record{}, false
	}

	source := c.NewPayload
	if source == nil || (c.Kind == detect.Delete && source.Len() == 0) {
		source = c.OldPayload
	}
	if source == nil {
		source = value.NewMap()
	}

	rec := Record{
		SourceID:    c.RecordID,
		TargetTable: m.TargetTable,
		TargetKey:   m.TargetKey,
		Operation:   c.Kind,
		Payload:     value.NewMap(),
		Metadata: Metadata{
			SourceTable:     c.SourceTable,
			SourceTimestamp: c.Timestamp,
			Version:         t.version,
		},
	}
	sc := &scope{sourceID: c.RecordID, source: source}
	targetID := render(m.IDFormat, sc.text)

	if c.Kind == detect.Delete {
		rec.TargetID = targetID
		t.transformed.Add(1)
		return rec, true
	}

	if m.Fields == nil {
		rec.Payload = source.Clone()
	} else {
		rec.Payload = buildFields(m.Fields, source)
	}
	sc.target = rec.Payload

	for _, fr := range m.Rules {
		in, present := value.GetPath(rec.Payload, fr.Field)
		if !present {
			in = value.Null{}
		}
		out, err := t.applyRule(ctx, fr.Rule, in, sc)
		if err != nil {
			t.ruleFailures.Add(1)
			warning := fmt.Sprintf("transform %s (%s) failed: %v", fr.Field, fr.Rule.Kind(), err)
			rec.Metadata.Warnings = append(rec.Metadata.Warnings, warning)
			t.logger.Warn("transform rule failed",
				"table", c.SourceTable, "record_id", c.RecordID,
				"field", fr.Field, "rule", fr.Rule.Kind(), "error", err)
			continue
		}
		value.SetPath(rec.Payload, fr.Field, out)
		rec.Metadata.RulesApplied = append(rec.Metadata.RulesApplied, fr.Field+":"+fr.Rule.Kind())
	}

	for _, g := range m.Globals {
		applyGlobal(g, sc)
		rec.Metadata.RulesApplied = append(rec.Metadata.RulesApplied, g.Kind())
	}

	if !rec.Payload.Has(m.TargetKey) {
		rec.Payload.Set(m.TargetKey, value.String(targetID))
	}
	if c.Kind != detect.Insert {
		rec.TargetID = targetID
	}
	t.transformed.Add(1)
	return rec, true
}

// TransformAll maps changes in order, skipping unmapped ones.
func (t *Transformer) TransformAll(ctx context.Context, changes []detect.Change) []Record {
	out := make([]Record, 0, len(changes))
	for _, c := range changes {
		if rec, ok := t.Transform(ctx, c); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Stats counts transformer activity.
type Stats struct {
	Transformed  int64 `json:"transformed"`
	Dropped      int64 `json:"dropped"`
	RuleFailures int64 `json:"rule_failures"`
}

// Stats returns a snapshot of the counters.
func (t *Transformer) Stats() Stats {
	return Stats{
		Transformed:  t.transformed.Load(),
		Dropped:      t.dropped.Load(),
		RuleFailures: t.ruleFailures.Load(),
	}
}
