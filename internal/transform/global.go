package transform

import (
	"fmt"
	"strings"

	"github.com/roach88/syncline/internal/value"
)

// Global is a whole-record transform applied after per-field rules. The
// variant set is closed: RenameFields, RemoveFields, AddFields, TransformIf.
type Global interface {
	Kind() string
	isGlobal()
}

// Rename moves the value at From to To.
type Rename struct {
	From string
	To   string
}

// RenameFields moves fields in declaration order. Missing sources are
// ignored.
type RenameFields struct {
	Renames []Rename
}

// RemoveFields deletes paths from the record.
type RemoveFields struct {
	Fields []string
}

// FieldValue is one path assignment of AddFields.
type FieldValue struct {
	Path string

	// Value is rendered as a template when it is a string.
	Value value.Value
}

// AddFields sets paths to constants or rendered templates.
type AddFields struct {
	Fields []FieldValue
}

// TransformIf applies Then when When holds, Else otherwise.
type TransformIf struct {
	When Condition
	Then []Global
	Else []Global
}

func (RenameFields) Kind() string { return "rename_fields" }
func (RemoveFields) Kind() string { return "remove_fields" }
func (AddFields) Kind() string    { return "add_fields" }
func (TransformIf) Kind() string  { return "transform_if" }

func (RenameFields) isGlobal() {}
func (RemoveFields) isGlobal() {}
func (AddFields) isGlobal()    {}
func (TransformIf) isGlobal()  {}

// CondOp is a field comparison in a Condition.
type CondOp string

const (
	CondEq       CondOp = "eq"
	CondNe       CondOp = "ne"
	CondGt       CondOp = "gt"
	CondGe       CondOp = "ge"
	CondLt       CondOp = "lt"
	CondLe       CondOp = "le"
	CondIn       CondOp = "in"
	CondContains CondOp = "contains"
	CondExists   CondOp = "exists"
)

func (op CondOp) valid() bool {
	switch op {
	case CondEq, CondNe, CondGt, CondGe, CondLt, CondLe, CondIn, CondContains, CondExists:
		return true
	}
	return false
}

// Condition is a predicate over the assembled record: FieldCond, AllOf or AnyOf.
type Condition interface {
	isCondition()
}

// FieldCond compares one field against Value.
type FieldCond struct {
	Field string
	Op    CondOp
	Value value.Value
}

// AllOf holds when every condition holds.
type AllOf []Condition

// AnyOf holds when at least one condition holds.
type AnyOf []Condition

func (FieldCond) isCondition() {}
func (AllOf) isCondition()     {}
func (AnyOf) isCondition()     {}

func compileGlobals(specs []*value.Map, where string, problems *[]string) []Global {
	out := make([]Global, 0, len(specs))
	for i, spec := range specs {
		r := newSpecReader(spec, fmt.Sprintf("%s[%d]", where, i))
		if g := compileGlobal(r); g != nil {
			out = append(out, g)
		}
		*problems = append(*problems, r.problems...)
	}
	return out
}

func compileGlobal(r *specReader) Global {
	kind := r.str(true, "type")
	switch kind {
	case "":
		return nil
	case "rename_fields":
		g := RenameFields{}
		if m := r.mapping(true, "fields"); m != nil {
			m.Range(func(from string, to value.Value) bool {
				s, ok := to.(value.String)
				if !ok || s == "" {
					r.fail("rename of %q needs a target name", from)
					return true
				}
				g.Renames = append(g.Renames, Rename{From: from, To: string(s)})
				return true
			})
		}
		return g
	case "remove_fields":
		return RemoveFields{Fields: r.strings(true, "fields")}
	case "add_fields":
		g := AddFields{}
		if m := r.mapping(true, "fields"); m != nil {
			m.Range(func(path string, v value.Value) bool {
				g.Fields = append(g.Fields, FieldValue{Path: path, Value: v})
				return true
			})
		}
		return g
	case "transform_if":
		g := TransformIf{}
		if c := r.mapping(true, "condition"); c != nil {
			g.When = compileCondition(c, r.where+".condition", &r.problems)
		}
		g.Then = compileGlobals(r.maps(false, "then"), r.where+".then", &r.problems)
		g.Else = compileGlobals(r.maps(false, "else"), r.where+".else", &r.problems)
		if len(g.Then) == 0 && len(g.Else) == 0 {
			r.fail("transform_if needs then or else")
		}
		return g
	default:
		r.fail("unknown global transform %q", kind)
		return nil
	}
}

// CompileCondition parses a condition spec: {field, op, value},
// {and: [...]}, {or: [...]} or the shorthand {exists: field}.
func CompileCondition(spec *value.Map) (Condition, error) {
	var problems []string
	c := compileCondition(spec, "condition", &problems)
	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return c, nil
}

func compileCondition(spec *value.Map, where string, problems *[]string) Condition {
	r := newSpecReader(spec, where)
	defer func() { *problems = append(*problems, r.problems...) }()

	if r.has("and") || r.has("or") {
		key := "and"
		if r.has("or") {
			key = "or"
		}
		var conds []Condition
		for i, sub := range r.maps(true, key) {
			conds = append(conds, compileCondition(sub, fmt.Sprintf("%s.%s[%d]", where, key, i), &r.problems))
		}
		if len(conds) == 0 {
			r.fail("%s needs at least one condition", key)
		}
		if key == "and" {
			return AllOf(conds)
		}
		return AnyOf(conds)
	}
	if r.has("exists") {
		return FieldCond{Field: r.str(true, "exists"), Op: CondExists}
	}

	c := FieldCond{Field: r.str(true, "field"), Op: CondOp(r.str(false, "op"))}
	if c.Op == "" {
		c.Op = CondEq
	}
	if !c.Op.valid() {
		r.fail("unknown operator %q", c.Op)
	}
	v, ok := r.raw("value")
	switch {
	case c.Op == CondExists:
	case !ok:
		r.fail("operator %s needs a value", c.Op)
	case c.Op == CondIn:
		if _, isList := v.(value.List); !isList {
			r.fail("operator in needs a list value")
		}
	}
	c.Value = v
	return c
}

// evalCondition reports whether c holds in sc.
func evalCondition(c Condition, sc *scope) bool {
	switch c := c.(type) {
	case AllOf:
		for _, sub := range c {
			if !evalCondition(sub, sc) {
				return false
			}
		}
		return true
	case AnyOf:
		for _, sub := range c {
			if evalCondition(sub, sc) {
				return true
			}
		}
		return false
	case FieldCond:
		got, ok := sc.lookup(c.Field)
		if c.Op == CondExists {
			return ok && !value.IsNull(got)
		}
		if !ok {
			got = value.Null{}
		}
		return compareCond(c.Op, got, c.Value)
	}
	return false
}

func compareCond(op CondOp, got, want value.Value) bool {
	switch op {
	case CondEq:
		return same(got, want)
	case CondNe:
		return !same(got, want)
	case CondIn:
		l, _ := want.(value.List)
		for _, e := range l {
			if same(got, e) {
				return true
			}
		}
		return false
	case CondContains:
		switch g := got.(type) {
		case value.String:
			return strings.Contains(string(g), value.AsString(want))
		case value.List:
			for _, e := range g {
				if same(e, want) {
					return true
				}
			}
		case *value.Map:
			return g.Has(value.AsString(want))
		}
		return false
	}
	cmp, ok := value.Compare(got, want)
	if !ok {
		return false
	}
	switch op {
	case CondGt:
		return cmp > 0
	case CondGe:
		return cmp >= 0
	case CondLt:
		return cmp < 0
	case CondLe:
		return cmp <= 0
	}
	return false
}

func same(a, b value.Value) bool {
	if cmp, ok := value.Compare(a, b); ok {
		return cmp == 0
	}
	return value.Equal(a, b)
}

// applyGlobal mutates sc.target.
func applyGlobal(g Global, sc *scope) {
	switch g := g.(type) {
	case RenameFields:
		for _, rn := range g.Renames {
			v, ok := value.GetPath(sc.target, rn.From)
			if !ok {
				continue
			}
			if !strings.Contains(rn.From, ".") && !strings.Contains(rn.To, ".") {
				sc.target.Rename(rn.From, rn.To)
				continue
			}
			value.DeletePath(sc.target, rn.From)
			value.SetPath(sc.target, rn.To, v)
		}
	case RemoveFields:
		for _, f := range g.Fields {
			value.DeletePath(sc.target, f)
		}
	case AddFields:
		for _, fv := range g.Fields {
			v := value.Clone(fv.Value)
			if s, ok := v.(value.String); ok {
				v = value.String(render(string(s), sc.text))
			}
			value.SetPath(sc.target, fv.Path, v)
		}
	case TransformIf:
		branch := g.Else
		if evalCondition(g.When, sc) {
			branch = g.Then
		}
		for _, sub := range branch {
			applyGlobal(sub, sc)
		}
	}
}
