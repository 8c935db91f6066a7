// Package detect produces the ordered stream of changes a run replicates.
//
// Three modes are supported: full (every live row as an insert), incremental
// (changes since a per-table watermark, read from a timestamp column, a
// transaction log or a change-tracking table) and selective (chosen tables
// filtered by an optional predicate, emitted as inserts).
package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/syncline/internal/value"
)

// Kind classifies a detected change.
type Kind string

const (
	Insert   Kind = "insert"
	Update   Kind = "update"
	Delete   Kind = "delete"
	NoChange Kind = "no_change"
)

// Change is one detected change. Immutable once emitted: consumers must
// clone payloads before modifying them.
type Change struct {
	RecordID    string
	SourceTable string
	Kind        Kind
	OldPayload  *value.Map // empty unless the source records prior images
	NewPayload  *value.Map
	Timestamp   time.Time

	// Sequence is the tracking key value that produced the change (log
	// sequence, change version or timestamp column value).
	Sequence value.Value
}

// Mode selects how changes are detected.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeSelective   Mode = "selective"
)

// Method is a table's incremental tracking method.
type Method string

const (
	TimestampColumn Method = "timestamp_column"
	TransactionLog  Method = "transaction_log"
	ChangeTracking  Method = "change_tracking"
)

// Tracking describes how incremental changes are found for one table.
type Tracking struct {
	Method Method

	// Column is the last-modified column (timestamp_column).
	Column string

	// CreatedColumn, when set, marks rows created after the watermark as
	// inserts rather than updates (timestamp_column).
	CreatedColumn string

	// DeletedColumn, when set, marks soft-deleted rows. Non-null values
	// other than false count as deleted. Full and selective modes skip them.
	DeletedColumn string

	// LogTable holds log or change-tracking rows.
	LogTable string

	// SequenceColumn orders log rows. Defaults: "seq" for transaction_log,
	// "sys_change_version" for change_tracking.
	SequenceColumn string

	// OperationColumn holds the operation code. Defaults: "operation" for
	// transaction_log, "sys_change_operation" for change_tracking.
	OperationColumn string

	// KeyColumn holds the changed row's key in the log. Defaults to the
	// table key.
	KeyColumn string

	// OldImageColumn optionally holds a JSON image of the row before the
	// change (transaction_log).
	OldImageColumn string

	// TimeColumn optionally holds the change time in the log.
	TimeColumn string
}

// Table is one replicated source table.
type Table struct {
	Name     string
	Key      string
	Tracking Tracking
}

// withDefaults fills method-specific defaults.
func (t Table) withDefaults() Table {
	tr := &t.Tracking
	switch tr.Method {
	case TransactionLog:
		if tr.SequenceColumn == "" {
			tr.SequenceColumn = "seq"
		}
		if tr.OperationColumn == "" {
			tr.OperationColumn = "operation"
		}
	case ChangeTracking:
		if tr.SequenceColumn == "" {
			tr.SequenceColumn = "sys_change_version"
		}
		if tr.OperationColumn == "" {
			tr.OperationColumn = "sys_change_operation"
		}
	}
	if tr.KeyColumn == "" {
		tr.KeyColumn = t.Key
	}
	return t
}

// validate reports tracking misconfiguration.
func (t Table) validate() []string {
	var problems []string
	if t.Name == "" {
		problems = append(problems, "table without name")
	}
	if t.Key == "" {
		problems = append(problems, fmt.Sprintf("table %s: key column is required", t.Name))
	}
	switch t.Tracking.Method {
	case "":
	case TimestampColumn:
		if t.Tracking.Column == "" {
			problems = append(problems, fmt.Sprintf("table %s: timestamp_column tracking needs a column", t.Name))
		}
	case TransactionLog, ChangeTracking:
		if t.Tracking.LogTable == "" {
			problems = append(problems, fmt.Sprintf("table %s: %s tracking needs a log table", t.Name, t.Tracking.Method))
		}
	default:
		problems = append(problems, fmt.Sprintf("table %s: unknown tracking method %q", t.Name, t.Tracking.Method))
	}
	return problems
}

// ParseOperation maps a log operation code onto a change kind. Accepts the
// change-tracking letters I, U, D and the words INSERT, UPDATE, DELETE in
// any case.
func ParseOperation(code string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "I", "INSERT", "C", "CREATE":
		return Insert, nil
	case "U", "UPDATE":
		return Update, nil
	case "D", "DELETE":
		return Delete, nil
	}
	return "", fmt.Errorf("unknown operation %q", code)
}
