package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/syncline/internal/datastore/memstore"
	"github.com/roach88/syncline/internal/jobstore"
	"github.com/roach88/syncline/internal/value"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.IsRun() {
				fmt.Fprintf(&buf, "  [%d] %s %s success=%t processed=%d failed=%d\n",
					event.Step, event.Action, event.RunID, event.Success, event.Processed, event.Failed)
			} else {
				fmt.Fprintf(&buf, "  [%d] %s resolved=%d\n", event.Step, event.Action, event.Resolved)
			}
		}
	}
	return buf.String()
}

// AssertionContext gives assertions access to the final stores.
type AssertionContext struct {
	Ctx    context.Context
	Target *memstore.Store
	Jobs   *jobstore.Store
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertFinalState, AssertRowCount, AssertJournalCount:
			if actx == nil || actx.Target == nil {
				err = fmt.Errorf("assertion[%d]: %s requires the target store", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertFinalState:
				err = assertFinalState(actx.Target, assertion, result.Trace)
			case AssertRowCount:
				err = assertRowCount(actx.Target, assertion, result.Trace)
			default:
				err = assertJournalCount(actx.Target, assertion, result.Trace)
			}
		case AssertWatermark, AssertPendingConflicts:
			if actx == nil || actx.Jobs == nil {
				err = fmt.Errorf("assertion[%d]: %s requires the job store", i, assertion.Type)
				break
			}
			if assertion.Type == AssertWatermark {
				err = assertWatermark(actx.Ctx, actx.Jobs, assertion, result.Trace)
			} else {
				err = assertPendingConflicts(actx.Ctx, actx.Jobs, assertion, result.Trace)
			}
		case AssertBatchSizes:
			err = assertBatchSizes(result, assertion)
		case AssertRetryDelays:
			err = assertRetryDelays(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// assertFinalState checks that a target row holds the expected values at
// their dotted paths. Paths not listed are ignored.
func assertFinalState(target *memstore.Store, a Assertion, trace []TraceEvent) error {
	row, ok := target.Row(a.Table, a.Key)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row %s in %s", a.Key, a.Table),
			Actual:   "row not found",
			Trace:    trace,
		}
	}

	var mismatches []string
	for _, path := range sortedKeys(a.Expect) {
		expected, err := value.Of(a.Expect[path])
		if err != nil {
			return fmt.Errorf("final_state %s.%s: %w", a.Key, path, err)
		}
		actual, found := value.GetPath(row, path)
		if !found {
			actual = value.Null{}
		}
		if !stateValuesEqual(expected, actual) {
			mismatches = append(mismatches, fmt.Sprintf("%s=%s (want %s)", path, render(actual), render(expected)))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row %s in %s matching %v", a.Key, a.Table, a.Expect),
			Actual:   strings.Join(mismatches, ", "),
			Trace:    trace,
		}
	}
	return nil
}

// stateValuesEqual compares an expected literal against a stored value.
// Timestamps may be written as RFC 3339 text.
func stateValuesEqual(expected, actual value.Value) bool {
	if value.Equal(expected, actual) {
		return true
	}
	s, isString := expected.(value.String)
	if t, isTime := actual.(value.Time); isString && isTime {
		parsed, ok := value.ParseTime(string(s))
		return ok && parsed.Equal(t.T())
	}
	return false
}

func render(v value.Value) string {
	b, err := value.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func assertRowCount(target *memstore.Store, a Assertion, trace []TraceEvent) error {
	if n := len(target.Snapshot(a.Table)); n != a.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d rows in %s", a.Count, a.Table),
			Actual:   fmt.Sprintf("%d rows", n),
			Trace:    trace,
		}
	}
	return nil
}

func assertJournalCount(target *memstore.Store, a Assertion, trace []TraceEvent) error {
	n := 0
	for _, m := range target.Journal() {
		if m.Table == a.Table && (a.Op == "" || m.Op == a.Op) {
			n++
		}
	}
	if n != a.Count {
		what := "mutations"
		if a.Op != "" {
			what = a.Op + " mutations"
		}
		return &AssertionError{
			Type:     AssertJournalCount,
			Expected: fmt.Sprintf("%d %s of %s", a.Count, what, a.Table),
			Actual:   fmt.Sprintf("%d %s", n, what),
			Trace:    trace,
		}
	}
	return nil
}

func assertWatermark(ctx context.Context, jobs *jobstore.Store, a Assertion, trace []TraceEvent) error {
	token, ok, err := jobs.Watermark(ctx, a.Table)
	if err != nil {
		return fmt.Errorf("watermark %s: %w", a.Table, err)
	}
	if ok != *a.Present {
		actual := "no watermark"
		if ok {
			actual = fmt.Sprintf("watermark %q", token)
		}
		return &AssertionError{
			Type:     AssertWatermark,
			Expected: fmt.Sprintf("watermark present for %s: %t", a.Table, *a.Present),
			Actual:   actual,
			Trace:    trace,
		}
	}
	return nil
}

func assertPendingConflicts(ctx context.Context, jobs *jobstore.Store, a Assertion, trace []TraceEvent) error {
	pending, err := jobs.ListConflicts(ctx, jobstore.ConflictFilter{Status: jobstore.ConflictPending, Table: a.Table})
	if err != nil {
		return fmt.Errorf("pending conflicts: %w", err)
	}
	if len(pending) != a.Count {
		return &AssertionError{
			Type:     AssertPendingConflicts,
			Expected: fmt.Sprintf("%d pending conflicts", a.Count),
			Actual:   fmt.Sprintf("%d pending conflicts", len(pending)),
			Trace:    trace,
		}
	}
	return nil
}

// assertBatchSizes bounds one batch size of a stage, counting batches
// across all runs in order.
func assertBatchSizes(result *Result, a Assertion) error {
	var sizes []int
	for _, run := range result.Runs {
		if a.Stage == "write" {
			sizes = append(sizes, run.Performance.WriteBatches...)
		} else {
			sizes = append(sizes, run.Performance.TransformBatches...)
		}
	}
	if a.Index >= len(sizes) {
		return &AssertionError{
			Type:     AssertBatchSizes,
			Expected: fmt.Sprintf("%s batch %d within [%d, %d]", a.Stage, a.Index, a.Min, a.Max),
			Actual:   fmt.Sprintf("only %d %s batches: %v", len(sizes), a.Stage, sizes),
			Trace:    result.Trace,
		}
	}
	if got := sizes[a.Index]; got < a.Min || got > a.Max {
		return &AssertionError{
			Type:     AssertBatchSizes,
			Expected: fmt.Sprintf("%s batch %d within [%d, %d]", a.Stage, a.Index, a.Min, a.Max),
			Actual:   fmt.Sprintf("%d (all: %v)", got, sizes),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertRetryDelays checks every retry wait across all runs. Waits must lie
// within [MinDelay, MaxDelay], and each must be at least Ratio times the
// one before it unless capped at MaxDelay.
func assertRetryDelays(result *Result, a Assertion) error {
	var delays []time.Duration
	for _, run := range result.Runs {
		delays = append(delays, run.Performance.RetryDelays...)
	}
	fail := func(expected string) error {
		return &AssertionError{
			Type:     AssertRetryDelays,
			Expected: expected,
			Actual:   fmt.Sprintf("%v", delays),
			Trace:    result.Trace,
		}
	}
	if len(delays) == 0 {
		return fail("at least one retry delay")
	}

	lo, hi := time.Duration(a.MinDelay), time.Duration(a.MaxDelay)
	for i, d := range delays {
		if d < lo || (hi > 0 && d > hi) {
			return fail(fmt.Sprintf("delays within [%v, %v]", lo, hi))
		}
		if i == 0 || a.Ratio <= 0 || (hi > 0 && d == hi) {
			continue
		}
		if float64(d) < float64(delays[i-1])*a.Ratio {
			return fail(fmt.Sprintf("each delay at least %.2gx the previous", a.Ratio))
		}
	}
	return nil
}
