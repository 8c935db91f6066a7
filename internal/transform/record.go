package transform

import (
	"time"

	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/value"
)

// Record is one pending write produced from a detected change.
type Record struct {
	// SourceID is the detected record key, carried unchanged to the write.
	SourceID string

	// TargetID addresses the target row for updates and deletes. Empty for
	// inserts, which carry their key in Payload under TargetKey.
	TargetID    string
	TargetTable string
	TargetKey   string
	Operation   detect.Kind
	Payload     *value.Map
	Metadata    Metadata
}

// Metadata describes how a record was produced.
type Metadata struct {
	SourceTable     string
	SourceTimestamp time.Time
	Version         string

	// Seq is the record's position in detection order within a run.
	Seq int

	// RulesApplied lists "path:kind" for every rule that fired.
	RulesApplied []string
	Warnings     []string
}

// Key returns the target row key: TargetID when set, otherwise the
// payload's key column.
func (r Record) Key() string {
	if r.TargetID != "" {
		return r.TargetID
	}
	if r.Payload == nil {
		return ""
	}
	v, ok := r.Payload.Get(r.TargetKey)
	if !ok {
		return ""
	}
	return value.AsString(v)
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	c := r
	if r.Payload != nil {
		c.Payload = r.Payload.Clone()
	}
	c.Metadata.RulesApplied = append([]string(nil), r.Metadata.RulesApplied...)
	c.Metadata.Warnings = append([]string(nil), r.Metadata.Warnings...)
	return c
}
