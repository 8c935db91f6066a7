package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/orchestrator"
)

// Scenario defines an end-to-end replication scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is a syncline configuration document. Store and job store
	// blocks are ignored; the harness supplies in-memory stores.
	Config yaml.Node `yaml:"config"`

	// Sample is the static resource sample seen by the monitor.
	Sample SampleSpec `yaml:"sample,omitempty"`

	// ClockStep is how far the fake clock advances on every read.
	// Defaults to one millisecond.
	ClockStep Duration `yaml:"clock_step,omitempty"`

	Source []TableSeed `yaml:"source"`
	Target []TableSeed `yaml:"target,omitempty"`
	Faults []Fault     `yaml:"faults,omitempty"`

	// Flow contains the runs and resolutions, executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final stores.
	Assertions []Assertion `yaml:"assertions"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	parsed, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// SampleSpec is a resource sample in percent.
type SampleSpec struct {
	CPUPercent    float64 `yaml:"cpu_percent"`
	MemoryPercent float64 `yaml:"memory_percent"`
	DiskIOPercent float64 `yaml:"disk_io_percent"`
}

// TableSeed creates and fills one in-memory table.
type TableSeed struct {
	Table string `yaml:"table"`

	// Key is the key column. Defaults to the primary key column.
	Key string `yaml:"key,omitempty"`

	// Columns declares the schema. Without columns the schema is inferred
	// from the first row.
	Columns []ColumnSpec `yaml:"columns,omitempty"`

	Rows []map[string]any `yaml:"rows,omitempty"`

	// Generate appends generated rows after Rows.
	Generate *Generator `yaml:"generate,omitempty"`
}

// ColumnSpec declares one column.
type ColumnSpec struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	PrimaryKey bool   `yaml:"primary_key,omitempty"`
	Nullable   bool   `yaml:"nullable,omitempty"`
}

// Generator produces Count rows from Row. The key column is set to the
// row number, from 1, and "{n}" in string cells is replaced by it.
type Generator struct {
	Count int            `yaml:"count"`
	Row   map[string]any `yaml:"row"`
}

// Fault makes a store fail its first matching statements.
type Fault struct {
	// Store is "source" or "target".
	Store     string `yaml:"store"`
	FailFirst int    `yaml:"fail_first"`

	// On selects statements: "inserts" or "mutations".
	On string `yaml:"on"`

	// Kind is the failure kind of the injected error, e.g. "connection".
	Kind    string `yaml:"kind"`
	Message string `yaml:"message,omitempty"`
}

// Flow step actions.
const (
	StepFull        = "full"
	StepIncremental = "incremental"
	StepSelective   = "selective"
	StepResolve     = "resolve"
	StepBulkResolve = "bulk_resolve"
)

// FlowStep is one run or conflict resolution.
type FlowStep struct {
	Run string `yaml:"run"`

	// Since overrides stored watermarks (incremental).
	Since string `yaml:"since,omitempty"`

	// Tables and Where select tables and predicates (selective).
	Tables []string          `yaml:"tables,omitempty"`
	Where  map[string]string `yaml:"where,omitempty"`

	// TargetID picks the pending conflict to resolve (resolve).
	TargetID string `yaml:"target_id,omitempty"`

	// Strategy is source, target or custom (resolve, bulk_resolve).
	Strategy string `yaml:"strategy,omitempty"`

	// Values are the custom resolution overrides (resolve).
	Values map[string]any `yaml:"values,omitempty"`

	// Expect specifies the expected outcome. If nil, nothing is checked.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies expected step outcome. Unset fields are not
// checked.
type ExpectClause struct {
	Success   *bool `yaml:"success,omitempty"`
	Processed *int  `yaml:"processed,omitempty"`
	Succeeded *int  `yaml:"succeeded,omitempty"`
	Failed    *int  `yaml:"failed,omitempty"`
	Skipped   *int  `yaml:"skipped,omitempty"`
	Retries   *int  `yaml:"retries,omitempty"`

	Conflicts *orchestrator.ConflictStats `yaml:"conflicts,omitempty"`

	// Errors counts record errors by failure kind.
	Errors map[string]int `yaml:"errors,omitempty"`

	// Messages must each appear among the record error messages.
	Messages []string `yaml:"messages,omitempty"`

	TablesProcessed map[string]int `yaml:"tables_processed,omitempty"`

	// Error is a substring of the fatal run error.
	Error string `yaml:"error,omitempty"`

	// Resolved is the number of conflicts a resolve step resolved.
	Resolved *int `yaml:"resolved,omitempty"`
}

// Assertion validates the final stores.
type Assertion struct {
	Type string `yaml:"type"`

	// Table is the target table (final_state, row_count, journal_count) or
	// source table (watermark).
	Table string `yaml:"table,omitempty"`

	// Key addresses the row (final_state).
	Key string `yaml:"key,omitempty"`

	// Expect maps dotted paths to expected values (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number (row_count, journal_count,
	// pending_conflicts).
	Count int `yaml:"count,omitempty"`

	// Op filters journal entries: insert, upsert, update or delete.
	Op string `yaml:"op,omitempty"`

	// Present tells whether a watermark must exist (watermark).
	Present *bool `yaml:"present,omitempty"`

	// Stage, Index, Min and Max bound one batch size (batch_sizes).
	Stage string `yaml:"stage,omitempty"`
	Index int    `yaml:"index,omitempty"`
	Min   int    `yaml:"min,omitempty"`
	Max   int    `yaml:"max,omitempty"`

	// MinDelay, MaxDelay and Ratio bound retry delays (retry_delays).
	MinDelay Duration `yaml:"min_delay,omitempty"`
	MaxDelay Duration `yaml:"max_delay,omitempty"`
	Ratio    float64  `yaml:"ratio,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState       = "final_state"
	AssertRowCount         = "row_count"
	AssertJournalCount     = "journal_count"
	AssertWatermark        = "watermark"
	AssertPendingConflicts = "pending_conflicts"
	AssertBatchSizes       = "batch_sizes"
	AssertRetryDelays      = "retry_delays"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Config.Kind != yaml.MappingNode {
		return fmt.Errorf("config must be a mapping")
	}
	if len(s.Source) == 0 {
		return fmt.Errorf("source list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, seed := range s.Source {
		if err := validateSeed(fmt.Sprintf("source[%d]", i), seed); err != nil {
			return err
		}
	}
	for i, seed := range s.Target {
		if err := validateSeed(fmt.Sprintf("target[%d]", i), seed); err != nil {
			return err
		}
	}

	for i, f := range s.Faults {
		if f.Store != "source" && f.Store != "target" {
			return fmt.Errorf("faults[%d]: store must be source or target", i)
		}
		if f.FailFirst <= 0 {
			return fmt.Errorf("faults[%d]: fail_first must be positive", i)
		}
		if f.On != "inserts" && f.On != "mutations" {
			return fmt.Errorf("faults[%d]: on must be inserts or mutations", i)
		}
		if f.Kind == "" {
			return fmt.Errorf("faults[%d]: kind is required", i)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateSeed(where string, seed TableSeed) error {
	if seed.Table == "" {
		return fmt.Errorf("%s: table is required", where)
	}
	key := seed.Key
	for _, c := range seed.Columns {
		if c.Name == "" {
			return fmt.Errorf("%s: column name is required", where)
		}
		if _, err := datastore.ParseTypeTag(c.Type); err != nil {
			return fmt.Errorf("%s: column %s: %w", where, c.Name, err)
		}
		if c.PrimaryKey && key == "" {
			key = c.Name
		}
	}
	if key == "" {
		return fmt.Errorf("%s: key or a primary_key column is required", where)
	}
	if len(seed.Columns) == 0 && len(seed.Rows) == 0 && seed.Generate == nil {
		return fmt.Errorf("%s: columns or rows are required", where)
	}
	if seed.Generate != nil && seed.Generate.Count <= 0 {
		return fmt.Errorf("%s: generate.count must be positive", where)
	}
	return nil
}

func validateStep(index int, step FlowStep) error {
	switch step.Run {
	case StepFull, StepIncremental:
	case StepSelective:
		if len(step.Tables) == 0 && len(step.Where) == 0 {
			return fmt.Errorf("flow[%d]: selective needs tables or where", index)
		}
	case StepResolve:
		if step.TargetID == "" {
			return fmt.Errorf("flow[%d]: target_id is required for resolve", index)
		}
		if step.Strategy == "" {
			return fmt.Errorf("flow[%d]: strategy is required for resolve", index)
		}
	case StepBulkResolve:
		if step.Strategy == "" {
			return fmt.Errorf("flow[%d]: strategy is required for bulk_resolve", index)
		}
	case "":
		return fmt.Errorf("flow[%d]: run is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown run %q", index, step.Run)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if a.Table == "" || a.Key == "" {
			return fmt.Errorf("assertions[%d]: table and key are required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertRowCount, AssertJournalCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for %s", index, a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertWatermark:
		if a.Table == "" || a.Present == nil {
			return fmt.Errorf("assertions[%d]: table and present are required for watermark", index)
		}
	case AssertPendingConflicts:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for pending_conflicts", index)
		}
	case AssertBatchSizes:
		if a.Stage != "transform" && a.Stage != "write" {
			return fmt.Errorf("assertions[%d]: stage must be transform or write for batch_sizes", index)
		}
		if a.Index < 0 || a.Max < a.Min {
			return fmt.Errorf("assertions[%d]: need 0 <= index and min <= max for batch_sizes", index)
		}
	case AssertRetryDelays:
		if a.MaxDelay < a.MinDelay {
			return fmt.Errorf("assertions[%d]: min_delay must not exceed max_delay", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
