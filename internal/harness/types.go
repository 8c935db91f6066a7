package harness

import (
	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/orchestrator"
)

// TraceEvent records the outcome of one flow step.
type TraceEvent struct {
	Step   int    `json:"step"`
	Action string `json:"action"`

	// Run steps.
	RunID     string                     `json:"run_id,omitempty"`
	Success   bool                       `json:"success"`
	Processed int                        `json:"processed"`
	Succeeded int                        `json:"succeeded"`
	Failed    int                        `json:"failed"`
	Skipped   int                        `json:"skipped"`
	Conflicts orchestrator.ConflictStats `json:"conflicts"`
	Error     string                     `json:"error,omitempty"`

	// Resolve steps.
	Resolved int `json:"resolved,omitempty"`
}

// IsRun reports whether the event came from a replication run.
func (e TraceEvent) IsRun() bool {
	switch e.Action {
	case StepFull, StepIncremental, StepSelective:
		return true
	}
	return false
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per flow step.
	Trace []TraceEvent `json:"trace"`

	// Runs holds the full result of every run step, in order.
	Runs []orchestrator.Result `json:"-"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Target holds the final target tables, rows ordered by key.
	Target map[string]datastore.Rows `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Target: map[string]datastore.Rows{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// LastRun returns the result of the latest run step.
func (r *Result) LastRun() (orchestrator.Result, bool) {
	if len(r.Runs) == 0 {
		return orchestrator.Result{}, false
	}
	return r.Runs[len(r.Runs)-1], true
}
