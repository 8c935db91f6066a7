// Package conflict detects divergence between an incoming update and the
// current target row, grades it, and resolves it field by field.
package conflict

import (
	"fmt"
	"time"

	"github.com/roach88/syncline/internal/value"
)

// Strategy decides which value a conflicting field keeps.
type Strategy string

const (
	SourceWins      Strategy = "source_wins"
	TargetWins      Strategy = "target_wins"
	LastUpdatedWins Strategy = "last_updated_wins"
	Merge           Strategy = "merge"
	Manual          Strategy = "manual"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case SourceWins, TargetWins, LastUpdatedWins, Merge, Manual:
		return st, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Severity grades a field divergence.
type Severity string

const (
	Low    Severity = "low"
	Medium Severity = "medium"
	High   Severity = "high"
)

// ManualSentinel marks a field awaiting manual resolution.
const ManualSentinel = value.String("__manual_resolution_required__")

// FieldConflict is one diverging field.
type FieldConflict struct {
	Field       string      `json:"field"`
	SourceValue value.Value `json:"source_value"`
	TargetValue value.Value `json:"target_value"`
	Strategy    Strategy    `json:"field_strategy"`
	Severity    Severity    `json:"severity"`
}

// Conflict is a detected divergence on an update.
type Conflict struct {
	Table    string
	SourceID string
	TargetID string
	Fields   []FieldConflict

	// Strategy is the table default.
	Strategy  Strategy
	CreatedAt time.Time

	// Source is the incoming payload, Target the current row.
	Source *value.Map
	Target *value.Map

	// SourceTime orders the two sides for last_updated_wins. Zero when
	// unknown.
	SourceTime time.Time
}

// MaxSeverity returns the highest field severity.
func (c *Conflict) MaxSeverity() Severity {
	out := Low
	for _, f := range c.Fields {
		switch {
		case f.Severity == High:
			return High
		case f.Severity == Medium:
			out = Medium
		}
	}
	return out
}

// FieldNames lists the conflicting fields.
func (c *Conflict) FieldNames() []string {
	out := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		out[i] = f.Field
	}
	return out
}

// Resolution is the outcome of resolving a Conflict.
type Resolution struct {
	Conflict *Conflict

	// Payload is the source payload with every conflicting field resolved.
	// Manual fields hold ManualSentinel.
	Payload    *value.Map
	Unresolved []string

	// Applied maps each resolved field to the strategy that produced it.
	Applied map[string]Strategy
}

// Resolved reports whether no field awaits manual resolution.
func (r Resolution) Resolved() bool {
	return len(r.Unresolved) == 0
}

// TablePolicy configures one target table.
type TablePolicy struct {
	Default Strategy
	Fields  map[string]Strategy
}

// Policy maps target tables to strategies.
type Policy struct {
	Default Strategy
	Tables  map[string]TablePolicy
}

// TableDefault returns the default strategy for table.
func (p Policy) TableDefault(table string) Strategy {
	if tp, ok := p.Tables[table]; ok && tp.Default != "" {
		return tp.Default
	}
	if p.Default != "" {
		return p.Default
	}
	return SourceWins
}

// For returns the strategy for one field: a field override (by full path,
// then by last segment), else the table default.
func (p Policy) For(table, field string) Strategy {
	if tp, ok := p.Tables[table]; ok {
		if s, ok := tp.Fields[field]; ok {
			return s
		}
		if s, ok := tp.Fields[lastSegment(field)]; ok {
			return s
		}
	}
	return p.TableDefault(table)
}
