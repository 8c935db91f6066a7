// Package failure classifies pipeline errors into the kinds the retry policy,
// the orchestrator and run reports act on.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes an error.
type Kind string

const (
	// KindConfig covers missing mappings, unknown workloads and bad rules.
	// Fatal at run entry and never retried.
	KindConfig Kind = "config"

	// KindConnection is a transient store failure (connection, timeout, network).
	KindConnection Kind = "connection"

	// KindResource is memory or capacity exhaustion.
	KindResource Kind = "resource"

	// KindConstraint is an integrity or validation failure raised by a store.
	KindConstraint Kind = "constraint"

	// KindRateLimit is throttling by a store or external service.
	KindRateLimit Kind = "rate_limit"

	// KindConversion is a value the type converter rejected.
	KindConversion Kind = "conversion"

	// KindTransform is a transform rule failure.
	KindTransform Kind = "transform"

	// KindValidation labels a record that failed validation. Not raised as an error.
	KindValidation Kind = "validation"

	// KindConflictUnresolved labels a record held aside for manual resolution.
	KindConflictUnresolved Kind = "conflict_unresolved"

	// KindCancelled marks work skipped because the run was cancelled.
	KindCancelled Kind = "cancelled"

	// KindUnknown is anything unclassified.
	KindUnknown Kind = "unknown"
)

// Error is a classified error.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Op names the operation that failed (e.g. "writer.insert").
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
		if e.Err != nil {
			b.WriteString(": ")
		}
	case e.Err == nil:
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. Returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err.
//
// A wrapped *Error wins. Otherwise context errors and message keywords are
// used, in this order: rate limit, resource, constraint, connection.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}
	return classifyMessage(err.Error())
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err aborts a run rather than failing one record.
func IsFatal(err error) bool {
	return Is(err, KindConfig)
}

var keywordKinds = []struct {
	kind     Kind
	keywords []string
}{
	{KindRateLimit, []string{"rate limit", "rate-limit", "ratelimit", "throttl", "quota", "too many requests"}},
	{KindResource, []string{"out of memory", "memory", "capacity", "overflow", "disk full", "no space"}},
	{KindConstraint, []string{"constraint", "integrity", "validation", "schema", "unique", "foreign key", "not null", "duplicate"}},
	{KindConnection, []string{"connection", "timeout", "timed out", "network", "broken pipe", "reset by peer", "unavailable", "database is locked", "busy"}},
}

func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, kk := range keywordKinds {
		for _, kw := range kk.keywords {
			if strings.Contains(lower, kw) {
				return kk.kind
			}
		}
	}
	return KindUnknown
}

// Counts tallies errors by kind. Not safe for concurrent use.
type Counts map[Kind]int

// Add records one error of err's kind.
func (c Counts) Add(err error) Kind {
	k := KindOf(err)
	c[k]++
	return k
}

// Total returns the number of recorded errors.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}
