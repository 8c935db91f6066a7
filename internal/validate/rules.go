package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/value"
)

// Severity grades an issue. Only errors make a record invalid.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// TypeKind is a value type a Type check accepts.
type TypeKind string

const (
	TypeString  TypeKind = "string"
	TypeInteger TypeKind = "integer"
	TypeNumber  TypeKind = "number"
	TypeBoolean TypeKind = "boolean"
	TypeObject  TypeKind = "object"
	TypeArray   TypeKind = "array"
	TypeDate    TypeKind = "date"
)

// CompareOp relates a field to another field in a CrossField check.
type CompareOp string

const (
	OpEq CompareOp = "eq"
	OpNe CompareOp = "ne"
	OpGt CompareOp = "gt"
	OpGe CompareOp = "ge"
	OpLt CompareOp = "lt"
	OpLe CompareOp = "le"
)

// Check is the closed set of rule kinds: Required, Type, Length, Range,
// Pattern, CrossField and Custom.
type Check interface {
	Kind() string
	isCheck()
}

// Required fails when the field is missing, null or blank.
type Required struct{}

// Type fails when the field is not of kind.
type Type struct {
	Of TypeKind
}

// Length bounds the length of strings, lists and maps. Nil bounds are open.
type Length struct {
	Min, Max *int
}

// Range bounds numeric values. Nil bounds are open.
type Range struct {
	Min, Max *float64
}

// Pattern requires the stringified value to match Regex.
type Pattern struct {
	Regex *regexp.Regexp
}

// CrossField compares the field with Other.
type CrossField struct {
	Other string
	Op    CompareOp
}

// CustomFunc reports whether v is acceptable in record.
type CustomFunc func(v value.Value, record *value.Map) bool

// Custom runs a registered function.
type Custom struct {
	Name        string
	Description string
	Fn          CustomFunc
}

func (Required) Kind() string   { return "required" }
func (Type) Kind() string       { return "type" }
func (Length) Kind() string     { return "length" }
func (Range) Kind() string      { return "range" }
func (Pattern) Kind() string    { return "pattern" }
func (CrossField) Kind() string { return "cross_field" }
func (Custom) Kind() string     { return "custom" }

func (Required) isCheck()   {}
func (Type) isCheck()       {}
func (Length) isCheck()     {}
func (Range) isCheck()      {}
func (Pattern) isCheck()    {}
func (CrossField) isCheck() {}
func (Custom) isCheck()     {}

// Rule applies a check to a dotted field path.
type Rule struct {
	Field    string
	Check    Check
	Severity Severity

	// Message overrides the default text. Placeholders: {field}, {value},
	// {rule}.
	Message string
}

// RuleSpec is the declarative form of a rule.
type RuleSpec struct {
	Field    string
	Type     string
	Severity string
	Message  string
	Params   *value.Map
}

// Funcs resolves custom rule names.
type Funcs map[string]Custom

// CompileRules builds rules from specs. All problems are reported together
// as one config error.
func CompileRules(specs []RuleSpec, funcs Funcs) ([]Rule, error) {
	var problems []string
	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		r, errs := compileRule(spec, funcs)
		for _, e := range errs {
			problems = append(problems, fmt.Sprintf("rule %d (%s %s): %s", i, spec.Type, spec.Field, e))
		}
		if len(errs) == 0 {
			rules = append(rules, r)
		}
	}
	if len(problems) > 0 {
		return nil, failure.New(failure.KindConfig, "validate.compile", strings.Join(problems, "; "))
	}
	return rules, nil
}

func compileRule(spec RuleSpec, funcs Funcs) (Rule, []string) {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	params := spec.Params
	if params == nil {
		params = value.NewMap()
	}
	num := func(key string) *float64 {
		v, ok := params.Get(key)
		if !ok || value.IsNull(v) {
			return nil
		}
		f, ok := value.AsFloat(v)
		if !ok || !value.IsNumeric(v) {
			fail("%s must be a number", key)
			return nil
		}
		return &f
	}
	text := func(key string) string {
		v, ok := params.Get(key)
		if !ok || value.IsNull(v) {
			return ""
		}
		s, ok := v.(value.String)
		if !ok {
			fail("%s must be a string", key)
		}
		return string(s)
	}

	r := Rule{Field: spec.Field, Severity: Severity(spec.Severity), Message: spec.Message}
	if r.Field == "" {
		fail("field is required")
	}
	switch r.Severity {
	case "":
		r.Severity = SeverityError
	case SeverityError, SeverityWarning, SeverityInfo:
	default:
		fail("unknown severity %q", spec.Severity)
	}

	switch spec.Type {
	case "required":
		r.Check = Required{}
	case "type":
		k := TypeKind(text("kind"))
		switch k {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject, TypeArray, TypeDate:
		default:
			fail("unknown type kind %q", k)
		}
		r.Check = Type{Of: k}
	case "length":
		l := Length{}
		if f := num("min"); f != nil {
			n := int(*f)
			l.Min = &n
		}
		if f := num("max"); f != nil {
			n := int(*f)
			l.Max = &n
		}
		if l.Min == nil && l.Max == nil {
			fail("length needs min or max")
		}
		r.Check = l
	case "range":
		rg := Range{Min: num("min"), Max: num("max")}
		if rg.Min == nil && rg.Max == nil {
			fail("range needs min or max")
		}
		if rg.Min != nil && rg.Max != nil && *rg.Min > *rg.Max {
			fail("range min exceeds max")
		}
		r.Check = rg
	case "pattern":
		expr := text("regex")
		if expr == "" {
			expr = text("pattern")
		}
		re, err := regexp.Compile(expr)
		if expr == "" {
			fail("pattern needs a regex")
		} else if err != nil {
			fail("bad regex: %v", err)
		}
		r.Check = Pattern{Regex: re}
	case "cross_field":
		cf := CrossField{Other: text("other"), Op: CompareOp(text("op"))}
		if cf.Op == "" {
			cf.Op = OpEq
		}
		switch cf.Op {
		case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe:
		default:
			fail("unknown operator %q", cf.Op)
		}
		if cf.Other == "" {
			fail("cross_field needs other")
		}
		r.Check = cf
	case "custom":
		name := text("name")
		c, ok := funcs[name]
		if !ok {
			fail("unknown custom function %q", name)
		}
		c.Name = name
		if d := text("description"); d != "" {
			c.Description = d
		}
		r.Check = c
	default:
		fail("unknown rule type %q", spec.Type)
	}
	return r, problems
}
