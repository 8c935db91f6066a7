// Package validate labels transformed records as valid, valid with
// warnings, or invalid by running per-table rule sets. Validation never
// mutates the record.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/executor"
	"github.com/roach88/syncline/internal/transform"
	"github.com/roach88/syncline/internal/value"
)

// AllTables keys rules that apply to every target table.
const AllTables = "*"

// rateWindow bounds the completion times kept for the rolling rate.
const rateWindow = 1000

// Result is the verdict for one record.
type Result struct {
	Record   transform.Record
	IsValid  bool
	Errors   []string
	Warnings []string
	Info     []string
	Metrics  ResultMetrics
}

// ResultMetrics describes one validation.
type ResultMetrics struct {
	// Completion is the percentage of rule fields present and non-null.
	Completion float64       `json:"completion"`
	FieldCount int           `json:"field_count"`
	Duration   time.Duration `json:"duration"`
}

// Metrics is a snapshot of validator activity since the last Reset.
type Metrics struct {
	Validated   int64              `json:"validated"`
	Valid       int64              `json:"valid"`
	Invalid     int64              `json:"invalid"`
	BySeverity  map[Severity]int64 `json:"by_severity"`
	FieldErrors map[string]int64   `json:"field_errors"`
	PerSecond   float64            `json:"per_second"`
}

// Validator runs rule sets keyed by target table. Safe for concurrent use.
type Validator struct {
	rules  map[string][]Rule
	logger *slog.Logger
	now    func() time.Time

	validated atomic.Int64
	valid     atomic.Int64
	invalid   atomic.Int64
	errorsN   atomic.Int64
	warningsN atomic.Int64
	infoN     atomic.Int64

	mu          sync.Mutex
	fieldErrors map[string]int64
	recent      []time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = l
	}
}

// WithNow sets the clock used for durations and the rolling rate.
func WithNow(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// New creates a Validator. Rules under AllTables apply to every table.
func New(rules map[string][]Rule, opts ...Option) *Validator {
	v := &Validator{
		rules:       make(map[string][]Rule, len(rules)),
		logger:      slog.Default(),
		now:         time.Now,
		fieldErrors: map[string]int64{},
	}
	maps.Copy(v.rules, rules)
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RulesFor returns the rules applied to table.
func (v *Validator) RulesFor(table string) []Rule {
	out := append([]Rule(nil), v.rules[AllTables]...)
	return append(out, v.rules[table]...)
}

// Validate evaluates every rule for the record's table. Deletes carry no
// payload and are valid without evaluation.
func (v *Validator) Validate(rec transform.Record) Result {
	start := v.now()
	res := Result{Record: rec}

	payload := rec.Payload
	if payload == nil {
		payload = value.NewMap()
	}
	rules := v.RulesFor(rec.TargetTable)
	if rec.Operation == detect.Delete {
		rules = nil
	}

	var failedFields []string
	fields := map[string]bool{}
	present := 0
	for _, r := range rules {
		got, ok := value.GetPath(payload, r.Field)
		if !fields[r.Field] {
			fields[r.Field] = true
			if ok && !value.IsNull(got) {
				present++
			}
		}
		msg, failed := evaluate(r, got, ok, payload)
		if !failed {
			continue
		}
		switch r.Severity {
		case SeverityWarning:
			res.Warnings = append(res.Warnings, msg)
		case SeverityInfo:
			res.Info = append(res.Info, msg)
		default:
			res.Errors = append(res.Errors, msg)
			failedFields = append(failedFields, r.Field)
		}
	}
	res.IsValid = len(res.Errors) == 0

	res.Metrics.Completion = 100
	if len(fields) > 0 {
		res.Metrics.Completion = float64(present) * 100 / float64(len(fields))
	}
	res.Metrics.FieldCount = len(value.Leaves(payload))
	end := v.now()
	res.Metrics.Duration = end.Sub(start)

	v.record(res, failedFields, end)
	return res
}

// ValidateAll validates records in order on the calling goroutine.
func (v *Validator) ValidateAll(recs []transform.Record) []Result {
	out := make([]Result, len(recs))
	for i, r := range recs {
		out[i] = v.Validate(r)
	}
	return out
}

// ValidateParallel validates batches of batchSize records on ex. Results
// keep input order. When ctx ends early the records never reached are
// omitted and ctx's error is returned.
func (v *Validator) ValidateParallel(ctx context.Context, ex executor.Executor, recs []transform.Record, batchSize int) ([]Result, error) {
	res := executor.MapBatched(ctx, ex, recs, batchSize, func(_ context.Context, batch []transform.Record) ([]Result, error) {
		return v.ValidateAll(batch), nil
	})
	out := make([]Result, 0, len(recs))
	for i, r := range res.Values {
		if res.OK(i) {
			out = append(out, r)
		}
	}
	if len(out) < len(recs) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		return out, fmt.Errorf("validate: %d records not validated", len(recs)-len(out))
	}
	return out, nil
}

func (v *Validator) record(res Result, failedFields []string, at time.Time) {
	v.validated.Add(1)
	if res.IsValid {
		v.valid.Add(1)
	} else {
		v.invalid.Add(1)
	}
	v.errorsN.Add(int64(len(res.Errors)))
	v.warningsN.Add(int64(len(res.Warnings)))
	v.infoN.Add(int64(len(res.Info)))

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, f := range failedFields {
		v.fieldErrors[f]++
	}
	v.recent = append(v.recent, at)
	if len(v.recent) > rateWindow {
		v.recent = v.recent[len(v.recent)-rateWindow:]
	}
}

// Metrics returns a snapshot.
func (v *Validator) Metrics() Metrics {
	m := Metrics{
		Validated: v.validated.Load(),
		Valid:     v.valid.Load(),
		Invalid:   v.invalid.Load(),
		BySeverity: map[Severity]int64{
			SeverityError:   v.errorsN.Load(),
			SeverityWarning: v.warningsN.Load(),
			SeverityInfo:    v.infoN.Load(),
		},
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	m.FieldErrors = maps.Clone(v.fieldErrors)
	if n := len(v.recent); n >= 2 {
		if span := v.recent[n-1].Sub(v.recent[0]).Seconds(); span > 0 {
			m.PerSecond = float64(n-1) / span
		}
	}
	return m
}

// Reset clears all metrics.
func (v *Validator) Reset() {
	v.validated.Store(0)
	v.valid.Store(0)
	v.invalid.Store(0)
	v.errorsN.Store(0)
	v.warningsN.Store(0)
	v.infoN.Store(0)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fieldErrors = map[string]int64{}
	v.recent = nil
}

var datePrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// evaluate returns the issue message and true when r fails.
func evaluate(r Rule, got value.Value, present bool, record *value.Map) (string, bool) {
	missing := !present || value.IsNull(got)
	if _, required := r.Check.(Required); required {
		if missing {
			return message(r, got, "Required field '{field}' is missing"), true
		}
		if s, ok := got.(value.String); ok && strings.TrimSpace(string(s)) == "" {
			return message(r, got, "Required field '{field}' is missing"), true
		}
		return "", false
	}
	if missing {
		return "", false
	}

	switch c := r.Check.(type) {
	case Type:
		if !isKind(got, c.Of) {
			return message(r, got, fmt.Sprintf("Field '{field}' must be of type %s", c.Of)), true
		}
	case Length:
		n := lengthOf(got)
		if (c.Min != nil && n < *c.Min) || (c.Max != nil && n > *c.Max) {
			return message(r, got, "Field '{field}' length "+bounds(intBound(c.Min), intBound(c.Max))), true
		}
	case Range:
		f, ok := value.AsFloat(got)
		if !ok || (c.Min != nil && f < *c.Min) || (c.Max != nil && f > *c.Max) {
			return message(r, got, "Field '{field}' "+bounds(floatBound(c.Min), floatBound(c.Max))), true
		}
	case Pattern:
		if !c.Regex.MatchString(value.AsString(got)) {
			return message(r, got, fmt.Sprintf("Field '{field}' does not match pattern %s", c.Regex)), true
		}
	case CrossField:
		other, ok := value.GetPath(record, c.Other)
		if !ok || value.IsNull(other) {
			return "", false
		}
		if !crossHolds(c.Op, got, other) {
			return message(r, got, fmt.Sprintf("Field '{field}' must be %s field '%s'", opWords[c.Op], c.Other)), true
		}
	case Custom:
		if c.Fn == nil || !c.Fn(got, record) {
			desc := c.Description
			if desc == "" {
				desc = c.Name
			}
			return message(r, got, fmt.Sprintf("Field '{field}' failed check: %s", desc)), true
		}
	}
	return "", false
}

func message(r Rule, got value.Value, fallback string) string {
	tpl := r.Message
	if tpl == "" {
		tpl = fallback
	}
	return strings.NewReplacer(
		"{field}", r.Field,
		"{value}", value.AsString(got),
		"{rule}", r.Check.Kind(),
	).Replace(tpl)
}

func isKind(v value.Value, k TypeKind) bool {
	switch k {
	case TypeString:
		_, ok := v.(value.String)
		return ok
	case TypeInteger:
		switch n := v.(type) {
		case value.Int:
			return true
		case value.Float:
			return float64(n) == float64(int64(n))
		}
		return false
	case TypeNumber:
		return value.IsNumeric(v)
	case TypeBoolean:
		_, ok := v.(value.Bool)
		return ok
	case TypeObject:
		_, ok := v.(*value.Map)
		return ok
	case TypeArray:
		_, ok := v.(value.List)
		return ok
	case TypeDate:
		switch d := v.(type) {
		case value.Time:
			return true
		case value.String:
			return datePrefix.MatchString(string(d))
		}
		return false
	}
	return false
}

func lengthOf(v value.Value) int {
	switch c := v.(type) {
	case value.String:
		return utf8.RuneCountInString(string(c))
	case value.List:
		return len(c)
	case *value.Map:
		return c.Len()
	case value.Bytes:
		return len(c)
	}
	return utf8.RuneCountInString(value.AsString(v))
}

func intBound(p *int) string {
	if p == nil {
		return ""
	}
	return fmt.Sprint(*p)
}

func floatBound(p *float64) string {
	if p == nil {
		return ""
	}
	return value.AsString(value.Float(*p))
}

func bounds(lo, hi string) string {
	switch {
	case lo != "" && hi != "":
		return fmt.Sprintf("must be between %s and %s", lo, hi)
	case lo != "":
		return "must be at least " + lo
	default:
		return "must be at most " + hi
	}
}

var opWords = map[CompareOp]string{
	OpEq: "equal to",
	OpNe: "different from",
	OpGt: "greater than",
	OpGe: "greater than or equal to",
	OpLt: "less than",
	OpLe: "less than or equal to",
}

func crossHolds(op CompareOp, a, b value.Value) bool {
	cmp, ok := value.Compare(a, b)
	if !ok {
		eq := value.Equal(a, b)
		switch op {
		case OpEq:
			return eq
		case OpNe:
			return !eq
		}
		return false
	}
	switch op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	}
	return false
}
