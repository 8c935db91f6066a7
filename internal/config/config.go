// Package config loads replication configuration.
//
// A configuration is one document, written in YAML or CUE and chosen by
// file extension. Both front-ends produce the same ordered tree, which is
// decoded into Config and checked by Validate. Field trees keep their
// declaration order so mapped payloads come out in the order written.
package config

import (
	"time"

	"github.com/roach88/syncline/internal/adaptive"
	"github.com/roach88/syncline/internal/conflict"
	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/executor"
	"github.com/roach88/syncline/internal/monitor"
	"github.com/roach88/syncline/internal/retry"
	"github.com/roach88/syncline/internal/transform"
	"github.com/roach88/syncline/internal/validate"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DefaultJobStorePath is used when job_store.path is empty.
const DefaultJobStorePath = "syncline.db"

// Config is a decoded configuration document.
type Config struct {
	Options  Options
	Source   Store
	Target   Store
	JobStore JobStore

	Tables   []detect.Table
	Mappings []transform.MappingSpec

	// Validation maps target tables to rule specs.
	Validation map[string][]validate.RuleSpec

	// Conflicts holds per-table overrides of Options.ConflictStrategy.
	Conflicts map[string]conflict.TablePolicy

	Enrichment Enrichment
}

// Options are the run options.
type Options struct {
	BatchSize    int
	MinBatchSize int
	MaxBatchSize int

	MaxRetries    int
	RetryDelay    time.Duration
	RetryBackoff  float64
	MaxRetryDelay time.Duration

	DynamicSizing          bool
	AdaptiveLearning       bool
	WorkloadSpecificSizing bool
	ResourceAwareSizing    bool
	TargetBatchDuration    time.Duration

	// ThreadPoolSize and ProcessPoolSize of 0 derive the size from the
	// resource monitor.
	ThreadPoolSize  int
	ProcessPoolSize int
	IOBound         bool

	ResourcePollInterval time.Duration
	ConflictStrategy     conflict.Strategy
	SchemaValidation     bool
	AutoMigration        bool

	// WriteParallelism bounds concurrent writer groups.
	WriteParallelism int
}

// Store is a connection block.
type Store struct {
	Driver string
	DSN    string

	// Schema is the PostgreSQL schema introspected for column types.
	Schema string
}

// JobStore locates the SQLite database holding runs, conflicts and
// watermarks.
type JobStore struct {
	Path string
}

// Enrichment configures the HTTP enricher used by ai_enrich rules. An empty
// endpoint leaves ai_enrich as identity.
type Enrichment struct {
	Endpoint  string
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

// DefaultOptions returns the option defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:              100,
		MinBatchSize:           10,
		MaxBatchSize:           5000,
		MaxRetries:             3,
		RetryDelay:             time.Second,
		RetryBackoff:           2.0,
		MaxRetryDelay:          30 * time.Second,
		DynamicSizing:          true,
		AdaptiveLearning:       true,
		WorkloadSpecificSizing: true,
		ResourceAwareSizing:    true,
		TargetBatchDuration:    2 * time.Second,
		IOBound:                true,
		ResourcePollInterval:   monitor.DefaultInterval,
		ConflictStrategy:       conflict.SourceWins,
		WriteParallelism:       4,
	}
}

// Default returns a configuration with default options, in-memory stores
// and nothing to replicate.
func Default() *Config {
	return &Config{
		Options:    DefaultOptions(),
		Source:     Store{Driver: DriverMemory},
		Target:     Store{Driver: DriverMemory},
		JobStore:   JobStore{Path: DefaultJobStorePath},
		Validation: map[string][]validate.RuleSpec{},
		Conflicts:  map[string]conflict.TablePolicy{},
		Enrichment: Enrichment{RateLimit: 5, Burst: 1, Timeout: 10 * time.Second},
	}
}

// RetryPolicy returns the batch retry envelope.
func (c *Config) RetryPolicy() retry.Policy {
	o := c.Options
	return retry.Policy{
		MaxRetries: o.MaxRetries,
		Delay:      o.RetryDelay,
		Backoff:    o.RetryBackoff,
		MaxDelay:   o.MaxRetryDelay,
	}
}

// Adaptive returns the batch-size controller configuration.
func (c *Config) Adaptive() adaptive.Config {
	o := c.Options
	return adaptive.Config{
		MinBatch:         o.MinBatchSize,
		MaxBatch:         o.MaxBatchSize,
		Baseline:         o.BatchSize,
		TargetDuration:   o.TargetBatchDuration,
		Dynamic:          o.DynamicSizing,
		Learning:         o.AdaptiveLearning,
		WorkloadSpecific: o.WorkloadSpecificSizing,
		ResourceAware:    o.ResourceAwareSizing,
	}
}

// ConflictPolicy returns the conflict strategies per target table.
func (c *Config) ConflictPolicy() conflict.Policy {
	tables := make(map[string]conflict.TablePolicy, len(c.Conflicts))
	for name, tp := range c.Conflicts {
		tables[name] = tp
	}
	return conflict.Policy{Default: c.Options.ConflictStrategy, Tables: tables}
}

// ExecutorFlavor selects the pool model from io_bound.
func (c *Config) ExecutorFlavor() executor.Flavor {
	if c.Options.IOBound {
		return executor.IOBound
	}
	return executor.CPUBound
}

// PoolSize returns the configured size for the selected flavor, falling back to the
// monitor's recommendation when unset.
func (c *Config) PoolSize(rec monitor.Recommendation) int {
	if c.Options.IOBound {
		if c.Options.ThreadPoolSize > 0 {
			return c.Options.ThreadPoolSize
		}
		return rec.ThreadCount
	}
	if c.Options.ProcessPoolSize > 0 {
		return c.Options.ProcessPoolSize
	}
	return rec.ProcessCount
}

// CompileMappings compiles every mapping spec.
func (c *Config) CompileMappings() ([]*transform.Mapping, error) {
	out := make([]*transform.Mapping, 0, len(c.Mappings))
	for _, spec := range c.Mappings {
		m, err := transform.Compile(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// CompileRules compiles the validation rules per target table. funcs
// resolves custom rule names and may be nil.
func (c *Config) CompileRules(funcs validate.Funcs) (map[string][]validate.Rule, error) {
	out := make(map[string][]validate.Rule, len(c.Validation))
	for table, specs := range c.Validation {
		rules, err := validate.CompileRules(specs, funcs)
		if err != nil {
			return nil, err
		}
		out[table] = rules
	}
	return out, nil
}
