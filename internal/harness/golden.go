package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/syncline/internal/value"
)

// Snapshot captures a scenario's step outcomes and final target tables.
// It serializes to canonical JSON for deterministic comparison.
type Snapshot struct {
	ScenarioName string
	Steps        []TraceEvent
	Target       map[string][]*value.Map
}

// NewSnapshot builds the snapshot of a finished scenario.
func NewSnapshot(name string, result *Result) Snapshot {
	s := Snapshot{ScenarioName: name, Steps: result.Trace, Target: map[string][]*value.Map{}}
	for table, rows := range result.Target {
		s.Target[table] = rows
	}
	return s
}

// toCanonicalMap converts a Snapshot into plain values for canonical
// serialization. Durations and timings are left out; they depend on the
// clock step.
func (s Snapshot) toCanonicalMap() map[string]any {
	steps := make([]any, len(s.Steps))
	for i, event := range s.Steps {
		step := map[string]any{
			"step":   event.Step,
			"action": event.Action,
		}
		if event.IsRun() {
			step["run_id"] = event.RunID
			step["success"] = event.Success
			step["processed"] = event.Processed
			step["succeeded"] = event.Succeeded
			step["failed"] = event.Failed
			step["skipped"] = event.Skipped
			step["conflicts"] = map[string]any{
				"detected": event.Conflicts.Detected,
				"resolved": event.Conflicts.Resolved,
				"held":     event.Conflicts.Held,
			}
		} else {
			step["resolved"] = event.Resolved
		}
		if event.Error != "" {
			step["error"] = event.Error
		}
		steps[i] = step
	}

	target := make(map[string]any, len(s.Target))
	for table, rows := range s.Target {
		list := make([]any, len(rows))
		for i, r := range rows {
			list[i] = r
		}
		target[table] = list
	}

	return map[string]any{
		"scenario": s.ScenarioName,
		"steps":    steps,
		"target":   target,
	}
}

// MarshalCanonical renders the snapshot as canonical JSON with a trailing
// newline.
func (s Snapshot) MarshalCanonical() ([]byte, error) {
	v, err := value.Of(s.toCanonicalMap())
	if err != nil {
		return nil, err
	}
	out, err := value.MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file. The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass and Errors. Test failure
// (via goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's snapshot against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewSnapshot(scenarioName, result).MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
