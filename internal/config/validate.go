package config

import (
	"fmt"
	"net/url"

	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/transform"
	"github.com/roach88/syncline/internal/validate"
)

// Validate checks the whole configuration and reports every problem as
// Errors. funcs resolves custom validation rules and may be nil.
func (c *Config) Validate(funcs validate.Funcs) error {
	v := &validator{}
	v.options(c.Options)
	v.store("source", c.Source)
	v.store("target", c.Target)
	if c.JobStore.Path == "" {
		v.fail("job_store.path", "is required")
	}

	tables := map[string]bool{}
	for i, t := range c.Tables {
		path := itemPath("tables", i)
		if t.Name == "" {
			v.fail(path+".name", "is required")
		} else if tables[t.Name] {
			v.fail(path+".name", "table %s is configured twice", t.Name)
		}
		tables[t.Name] = true
		if t.Key == "" {
			v.fail(path+".key", "is required")
		}
		v.tracking(path+".tracking", t.Tracking)
	}

	mapped := map[string]bool{}
	for i, spec := range c.Mappings {
		path := itemPath("mappings", i)
		if _, err := transform.Compile(spec); err != nil {
			v.fail(path, "%v", err)
		}
		if spec.SourceTable == "" {
			continue
		}
		if mapped[spec.SourceTable] {
			v.fail(path+".source_table", "table %s is mapped twice", spec.SourceTable)
		}
		mapped[spec.SourceTable] = true
		if !tables[spec.SourceTable] {
			v.fail(path+".source_table", "table %s is not configured under tables", spec.SourceTable)
		}
	}

	for table, specs := range c.Validation {
		if _, err := validate.CompileRules(specs, funcs); err != nil {
			v.fail("validation."+table, "%v", err)
		}
	}

	e := c.Enrichment
	if e.Endpoint != "" {
		u, err := url.Parse(e.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.fail("enrichment.endpoint", "must be an http or https URL")
		}
	}
	if e.RateLimit < 0 {
		v.fail("enrichment.rate_limit", "must not be negative")
	}
	if e.Burst < 0 {
		v.fail("enrichment.burst", "must not be negative")
	}
	if e.Timeout < 0 {
		v.fail("enrichment.timeout", "must not be negative")
	}

	if len(v.errs) > 0 {
		return v.errs
	}
	return nil
}

type validator struct {
	errs Errors
}

func (v *validator) fail(path, format string, args ...any) {
	v.errs = append(v.errs, Problem{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) options(o Options) {
	switch {
	case o.MinBatchSize < 1:
		v.fail("options.min_batch_size", "must be positive")
	case o.MaxBatchSize < o.MinBatchSize:
		v.fail("options.max_batch_size", "must not be below min_batch_size %d", o.MinBatchSize)
	case o.BatchSize < o.MinBatchSize || o.BatchSize > o.MaxBatchSize:
		v.fail("options.batch_size", "must be within [%d, %d]", o.MinBatchSize, o.MaxBatchSize)
	}
	if o.MaxRetries < 0 {
		v.fail("options.max_retries", "must not be negative")
	}
	if o.RetryDelay < 0 {
		v.fail("options.retry_delay", "must not be negative")
	}
	if o.RetryBackoff < 1 {
		v.fail("options.retry_backoff", "must be at least 1")
	}
	if o.MaxRetryDelay < o.RetryDelay {
		v.fail("options.max_retry_delay", "must not be below retry_delay")
	}
	if o.TargetBatchDuration <= 0 {
		v.fail("options.target_batch_duration", "must be positive")
	}
	if o.ThreadPoolSize < 0 {
		v.fail("options.thread_pool_size", "must not be negative")
	}
	if o.ProcessPoolSize < 0 {
		v.fail("options.process_pool_size", "must not be negative")
	}
	if o.ResourcePollInterval <= 0 {
		v.fail("options.resource_poll_interval", "must be positive")
	}
	if o.WriteParallelism < 1 {
		v.fail("options.write_parallelism", "must be positive")
	}
}

func (v *validator) store(path string, s Store) {
	switch s.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if s.DSN == "" {
			v.fail(path+".dsn", "is required for driver %s", s.Driver)
		}
	case "":
		v.fail(path+".driver", "is required")
	default:
		v.fail(path+".driver", "unknown driver %q", s.Driver)
	}
}

func (v *validator) tracking(path string, t detect.Tracking) {
	switch t.Method {
	case "":
	case detect.TimestampColumn:
		if t.Column == "" {
			v.fail(path+".column", "is required for %s", t.Method)
		}
	case detect.TransactionLog, detect.ChangeTracking:
		if t.LogTable == "" {
			v.fail(path+".log_table", "is required for %s", t.Method)
		}
	default:
		v.fail(path+".method", "unknown tracking method %q", t.Method)
	}
}
