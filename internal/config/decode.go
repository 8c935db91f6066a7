package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/syncline/internal/conflict"
	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/transform"
	"github.com/roach88/syncline/internal/validate"
	"github.com/roach88/syncline/internal/value"
)

// Decode builds a Config from a parsed document, starting from Default.
// Every problem is reported; the returned error is Errors.
func Decode(doc *Document) (*Config, error) {
	d := &decoder{doc: doc}
	cfg := Default()
	root := doc.Root
	if root == nil {
		root = value.NewMap()
	}
	d.known(root, "", "options", "source", "target", "job_store", "tables", "mappings", "validation", "conflicts", "enrichment")

	if m := d.object(root, "options", ""); m != nil {
		d.options(m, "options", &cfg.Options)
	}
	if m := d.object(root, "source", ""); m != nil {
		d.store(m, "source", &cfg.Source)
	}
	if m := d.object(root, "target", ""); m != nil {
		d.store(m, "target", &cfg.Target)
	}
	if m := d.object(root, "job_store", ""); m != nil {
		d.known(m, "job_store", "path")
		d.str(m, "path", "job_store", &cfg.JobStore.Path)
	}
	for i, m := range d.objects(root, "tables", "") {
		cfg.Tables = append(cfg.Tables, d.table(m, itemPath("tables", i)))
	}
	for i, m := range d.objects(root, "mappings", "") {
		cfg.Mappings = append(cfg.Mappings, d.mapping(m, itemPath("mappings", i)))
	}
	if m := d.object(root, "validation", ""); m != nil {
		for _, table := range m.Keys() {
			path := childPath("validation", table)
			for i, r := range d.objects(m, table, "validation") {
				cfg.Validation[table] = append(cfg.Validation[table], d.rule(r, itemPath(path, i)))
			}
		}
	}
	if m := d.object(root, "conflicts", ""); m != nil {
		for _, table := range m.Keys() {
			if tm := d.object(m, table, "conflicts"); tm != nil {
				cfg.Conflicts[table] = d.conflicts(tm, childPath("conflicts", table))
			}
		}
	}
	if m := d.object(root, "enrichment", ""); m != nil {
		d.known(m, "enrichment", "endpoint", "rate_limit", "burst", "timeout")
		e := &cfg.Enrichment
		d.str(m, "endpoint", "enrichment", &e.Endpoint)
		d.float(m, "rate_limit", "enrichment", &e.RateLimit)
		d.integer(m, "burst", "enrichment", &e.Burst)
		d.duration(m, "timeout", "enrichment", &e.Timeout)
	}

	if len(d.errs) > 0 {
		return nil, d.errs
	}
	return cfg, nil
}

type decoder struct {
	doc  *Document
	errs Errors
}

func (d *decoder) fail(path, format string, args ...any) {
	d.errs = append(d.errs, Problem{Path: path, Pos: d.doc.Positions[path], Message: fmt.Sprintf(format, args...)})
}

// known reports keys of m outside allowed.
func (d *decoder) known(m *value.Map, path string, allowed ...string) {
	for _, k := range m.Keys() {
		if !slices.Contains(allowed, k) {
			d.fail(childPath(path, k), "unknown field")
		}
	}
}

// get returns m[key] unless it is absent or null.
func (d *decoder) get(m *value.Map, key string) (value.Value, bool) {
	v, ok := m.Get(key)
	if !ok || value.IsNull(v) {
		return nil, false
	}
	return v, true
}

func (d *decoder) object(m *value.Map, key, parent string) *value.Map {
	v, ok := d.get(m, key)
	if !ok {
		return nil
	}
	obj, ok := v.(*value.Map)
	if !ok {
		d.fail(childPath(parent, key), "must be a mapping, got %s", value.TypeName(v))
		return nil
	}
	return obj
}

func (d *decoder) objects(m *value.Map, key, parent string) []*value.Map {
	v, ok := d.get(m, key)
	if !ok {
		return nil
	}
	path := childPath(parent, key)
	list, ok := v.(value.List)
	if !ok {
		d.fail(path, "must be a list, got %s", value.TypeName(v))
		return nil
	}
	out := make([]*value.Map, 0, len(list))
	for i, item := range list {
		obj, ok := item.(*value.Map)
		if !ok {
			d.fail(itemPath(path, i), "must be a mapping, got %s", value.TypeName(item))
			continue
		}
		out = append(out, obj)
	}
	return out
}

func (d *decoder) str(m *value.Map, key, parent string, dst *string) {
	v, ok := d.get(m, key)
	if !ok {
		return
	}
	s, ok := v.(value.String)
	if !ok {
		d.fail(childPath(parent, key), "must be a string, got %s", value.TypeName(v))
		return
	}
	*dst = string(s)
}

func (d *decoder) boolean(m *value.Map, key, parent string, dst *bool) {
	v, ok := d.get(m, key)
	if !ok {
		return
	}
	b, ok := v.(value.Bool)
	if !ok {
		d.fail(childPath(parent, key), "must be a boolean, got %s", value.TypeName(v))
		return
	}
	*dst = bool(b)
}

func (d *decoder) integer(m *value.Map, key, parent string, dst *int) {
	v, ok := d.get(m, key)
	if !ok {
		return
	}
	switch n := v.(type) {
	case value.Int:
		*dst = int(n)
	case value.Float:
		if float64(n) != float64(int64(n)) {
			d.fail(childPath(parent, key), "must be a whole number, got %v", float64(n))
			return
		}
		*dst = int(n)
	default:
		d.fail(childPath(parent, key), "must be an integer, got %s", value.TypeName(v))
	}
}

func (d *decoder) float(m *value.Map, key, parent string, dst *float64) {
	v, ok := d.get(m, key)
	if !ok {
		return
	}
	if !value.IsNumeric(v) {
		d.fail(childPath(parent, key), "must be a number, got %s", value.TypeName(v))
		return
	}
	f, _ := value.AsFloat(v)
	*dst = f
}

// duration accepts Go duration strings or a number of seconds.
func (d *decoder) duration(m *value.Map, key, parent string, dst *time.Duration) {
	v, ok := d.get(m, key)
	if !ok {
		return
	}
	switch x := v.(type) {
	case value.String:
		dur, err := time.ParseDuration(strings.TrimSpace(string(x)))
		if err != nil {
			d.fail(childPath(parent, key), "invalid duration %q", string(x))
			return
		}
		*dst = dur
	case value.Int, value.Float:
		f, _ := value.AsFloat(x)
		*dst = time.Duration(f * float64(time.Second))
	default:
		d.fail(childPath(parent, key), "must be a duration, got %s", value.TypeName(v))
	}
}

func (d *decoder) options(m *value.Map, path string, o *Options) {
	d.known(m, path,
		"batch_size", "min_batch_size", "max_batch_size",
		"max_retries", "retry_delay", "retry_backoff", "max_retry_delay",
		"dynamic_sizing", "adaptive_learning", "workload_specific_sizing", "resource_aware_sizing",
		"target_batch_duration", "thread_pool_size", "process_pool_size", "io_bound",
		"resource_poll_interval", "conflict_strategy", "schema_validation", "auto_migration",
		"write_parallelism",
	)
	d.integer(m, "batch_size", path, &o.BatchSize)
	d.integer(m, "min_batch_size", path, &o.MinBatchSize)
	d.integer(m, "max_batch_size", path, &o.MaxBatchSize)
	d.integer(m, "max_retries", path, &o.MaxRetries)
	d.duration(m, "retry_delay", path, &o.RetryDelay)
	d.float(m, "retry_backoff", path, &o.RetryBackoff)
	d.duration(m, "max_retry_delay", path, &o.MaxRetryDelay)
	d.boolean(m, "dynamic_sizing", path, &o.DynamicSizing)
	d.boolean(m, "adaptive_learning", path, &o.AdaptiveLearning)
	d.boolean(m, "workload_specific_sizing", path, &o.WorkloadSpecificSizing)
	d.boolean(m, "resource_aware_sizing", path, &o.ResourceAwareSizing)
	d.duration(m, "target_batch_duration", path, &o.TargetBatchDuration)
	d.integer(m, "thread_pool_size", path, &o.ThreadPoolSize)
	d.integer(m, "process_pool_size", path, &o.ProcessPoolSize)
	d.boolean(m, "io_bound", path, &o.IOBound)
	d.duration(m, "resource_poll_interval", path, &o.ResourcePollInterval)
	d.boolean(m, "schema_validation", path, &o.SchemaValidation)
	d.boolean(m, "auto_migration", path, &o.AutoMigration)
	d.integer(m, "write_parallelism", path, &o.WriteParallelism)

	var strategy string
	d.str(m, "conflict_strategy", path, &strategy)
	if strategy != "" {
		s, err := conflict.ParseStrategy(strategy)
		if err != nil {
			d.fail(childPath(path, "conflict_strategy"), "%v", err)
		} else {
			o.ConflictStrategy = s
		}
	}
}

func (d *decoder) store(m *value.Map, path string, s *Store) {
	d.known(m, path, "driver", "dsn", "schema")
	d.str(m, "driver", path, &s.Driver)
	d.str(m, "dsn", path, &s.DSN)
	d.str(m, "schema", path, &s.Schema)
}

func (d *decoder) table(m *value.Map, path string) detect.Table {
	d.known(m, path, "name", "key", "tracking")
	var t detect.Table
	d.str(m, "name", path, &t.Name)
	d.str(m, "key", path, &t.Key)
	tm := d.object(m, "tracking", path)
	if tm == nil {
		return t
	}
	tp := childPath(path, "tracking")
	d.known(tm, tp, "method", "column", "created_column", "deleted_column", "log_table",
		"sequence_column", "operation_column", "key_column", "old_image_column", "time_column")
	tr := &t.Tracking
	var method string
	d.str(tm, "method", tp, &method)
	tr.Method = detect.Method(method)
	d.str(tm, "column", tp, &tr.Column)
	d.str(tm, "created_column", tp, &tr.CreatedColumn)
	d.str(tm, "deleted_column", tp, &tr.DeletedColumn)
	d.str(tm, "log_table", tp, &tr.LogTable)
	d.str(tm, "sequence_column", tp, &tr.SequenceColumn)
	d.str(tm, "operation_column", tp, &tr.OperationColumn)
	d.str(tm, "key_column", tp, &tr.KeyColumn)
	d.str(tm, "old_image_column", tp, &tr.OldImageColumn)
	d.str(tm, "time_column", tp, &tr.TimeColumn)
	return t
}

func (d *decoder) mapping(m *value.Map, path string) transform.MappingSpec {
	d.known(m, path, "source_table", "target_table", "target_id_format", "target_key",
		"fields", "transforms", "global_transforms", "column_types")
	var spec transform.MappingSpec
	d.str(m, "source_table", path, &spec.SourceTable)
	d.str(m, "target_table", path, &spec.TargetTable)
	d.str(m, "target_id_format", path, &spec.TargetIDFormat)
	d.str(m, "target_key", path, &spec.TargetKey)
	spec.Fields = d.object(m, "fields", path)

	// transforms maps a target path to one rule or a list of rules.
	if tm := d.object(m, "transforms", path); tm != nil {
		tp := childPath(path, "transforms")
		for _, field := range tm.Keys() {
			v, _ := tm.Get(field)
			switch rule := v.(type) {
			case *value.Map:
				spec.Transforms = append(spec.Transforms, transform.FieldRuleSpec{Field: field, Rule: rule})
			case value.List:
				for _, r := range d.objects(tm, field, tp) {
					spec.Transforms = append(spec.Transforms, transform.FieldRuleSpec{Field: field, Rule: r})
				}
			default:
				d.fail(childPath(tp, field), "must be a rule or a list of rules, got %s", value.TypeName(v))
			}
		}
	}
	spec.GlobalTransforms = d.objects(m, "global_transforms", path)

	if ct := d.object(m, "column_types", path); ct != nil {
		spec.ColumnTypes = map[string]string{}
		for _, col := range ct.Keys() {
			var tag string
			d.str(ct, col, childPath(path, "column_types"), &tag)
			spec.ColumnTypes[col] = tag
		}
	}
	return spec
}

// rule reads field, type, severity and message; every other key is a
// parameter of the rule.
func (d *decoder) rule(m *value.Map, path string) validate.RuleSpec {
	var spec validate.RuleSpec
	d.str(m, "field", path, &spec.Field)
	d.str(m, "type", path, &spec.Type)
	d.str(m, "severity", path, &spec.Severity)
	d.str(m, "message", path, &spec.Message)
	spec.Params = value.NewMap()
	m.Range(func(k string, v value.Value) bool {
		switch k {
		case "field", "type", "severity", "message":
		default:
			spec.Params.Set(k, v)
		}
		return true
	})
	return spec
}

func (d *decoder) conflicts(m *value.Map, path string) conflict.TablePolicy {
	d.known(m, path, "default", "fields")
	tp := conflict.TablePolicy{Fields: map[string]conflict.Strategy{}}
	parse := func(raw, at string) conflict.Strategy {
		s, err := conflict.ParseStrategy(raw)
		if err != nil {
			d.fail(at, "%v", err)
		}
		return s
	}
	var def string
	d.str(m, "default", path, &def)
	if def != "" {
		tp.Default = parse(def, childPath(path, "default"))
	}
	if fm := d.object(m, "fields", path); fm != nil {
		fp := childPath(path, "fields")
		for _, field := range fm.Keys() {
			var raw string
			d.str(fm, field, fp, &raw)
			if raw != "" {
				tp.Fields[field] = parse(raw, childPath(fp, field))
			}
		}
	}
	return tp
}
