package orchestrator

import (
	"fmt"
	"time"

	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/monitor"
)

// RecordError attributes a non-fatal failure to one record.
type RecordError struct {
	RecordID string       `json:"record_id"`
	Table    string       `json:"table"`
	Kind     failure.Kind `json:"kind"`
	Message  string       `json:"message"`
}

// ConflictStats counts conflict handling in a run.
type ConflictStats struct {
	Detected int `json:"detected"`
	Resolved int `json:"resolved"`
	Held     int `json:"held"`
}

// Performance carries the run's nested metrics.
type Performance struct {
	Detected int `json:"detected"`
	Dropped  int `json:"dropped"`

	// Stages holds wall time per pipeline stage.
	Stages map[string]time.Duration `json:"stages"`

	TransformBatches  []int           `json:"transform_batches,omitempty"`
	ValidationBatches []int           `json:"validation_batches,omitempty"`
	WriteBatches      []int           `json:"write_batches,omitempty"`
	Retries           int             `json:"retries"`
	RetryDelays       []time.Duration `json:"retry_delays,omitempty"`

	Sample         monitor.Sample         `json:"sample"`
	Recommendation monitor.Recommendation `json:"recommendation"`

	// RecordsPerSecond is processed records over run duration.
	RecordsPerSecond float64 `json:"records_per_second"`
}

// Result is one run's outcome. Processed always equals Succeeded plus
// Failed; records skipped by cancellation are counted apart.
type Result struct {
	RunID     string      `json:"run_id"`
	Mode      detect.Mode `json:"mode"`
	Success   bool        `json:"success"`
	Cancelled bool        `json:"cancelled,omitempty"`

	// Error is the fatal error that aborted the run.
	Error string `json:"error,omitempty"`

	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped,omitempty"`

	Errors   []RecordError `json:"errors,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`

	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`

	Performance Performance `json:"performance"`

	// TablesProcessed counts processed records per source table.
	TablesProcessed map[string]int `json:"tables_processed"`
	Conflicts       ConflictStats  `json:"conflicts"`

	// ErrorDetails counts non-fatal errors by kind.
	ErrorDetails failure.Counts `json:"error_details"`
}

func newResult(id string, mode detect.Mode, start time.Time) *Result {
	return &Result{
		RunID:           id,
		Mode:            mode,
		Start:           start,
		TablesProcessed: map[string]int{},
		ErrorDetails:    failure.Counts{},
		Performance:     Performance{Stages: map[string]time.Duration{}},
	}
}

func (r *Result) succeed(table string) {
	r.Succeeded++
	r.Processed++
	r.TablesProcessed[table]++
}

func (r *Result) fail(table, recordID string, err error) {
	kind := r.ErrorDetails.Add(err)
	r.Failed++
	r.Processed++
	r.TablesProcessed[table]++
	r.Errors = append(r.Errors, RecordError{
		RecordID: recordID,
		Table:    table,
		Kind:     kind,
		Message:  err.Error(),
	})
}

func (r *Result) warn(table, recordID, msg string) {
	r.Warnings = append(r.Warnings, fmt.Sprintf("%s/%s: %s", table, recordID, msg))
}

// details converts ErrorDetails for persistence.
func (r *Result) details() map[string]int {
	out := make(map[string]int, len(r.ErrorDetails))
	for k, n := range r.ErrorDetails {
		out[string(k)] = n
	}
	return out
}
