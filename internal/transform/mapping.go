package transform

import (
	"fmt"
	"strings"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/value"
)

// DefaultTargetKey is the target column that carries the record key.
const DefaultTargetKey = "id"

// DefaultIDFormat copies the source key unchanged.
const DefaultIDFormat = "{source_id}"

// MappingSpec is the declarative form of a table mapping as it appears in
// configuration.
type MappingSpec struct {
	SourceTable    string
	TargetTable    string
	TargetIDFormat string
	TargetKey      string

	// Fields maps target paths to sources. A string leaf is a source
	// column or a JSON path ($...); {const: v} and non-string scalars are
	// constants; any other mapping is a nested sub-tree. Nil copies the
	// source row.
	Fields *value.Map

	Transforms       []FieldRuleSpec
	GlobalTransforms []*value.Map

	// ColumnTypes declares the source type of top-level target columns so
	// they can be converted into the target schema's types.
	ColumnTypes map[string]string
}

// FieldRuleSpec attaches one rule spec to a target path.
type FieldRuleSpec struct {
	Field string
	Rule  *value.Map
}

// Source is where a target field's value comes from: Column, JSONPathSource,
// Constant or Nested.
type Source interface {
	isSource()
}

// Column reads a source column. Dotted names descend into JSON columns.
type Column struct {
	Name string
}

// JSONPathSource evaluates a path against the source row.
type JSONPathSource struct {
	Path *Path
}

// Constant is a fixed value.
type Constant struct {
	Value value.Value
}

// Nested is a sub-tree of fields.
type Nested struct {
	Fields []Field
}

func (Column) isSource()         {}
func (JSONPathSource) isSource() {}
func (Constant) isSource()       {}
func (Nested) isSource()         {}

// Field binds a target name to its source.
type Field struct {
	Target string
	Source Source
}

// FieldRule is a compiled per-field rule.
type FieldRule struct {
	Field string
	Rule  Rule
}

// Mapping is a compiled table mapping.
type Mapping struct {
	SourceTable string
	TargetTable string
	IDFormat    string
	TargetKey   string

	// Fields is nil when the source row is copied as is.
	Fields      []Field
	Rules       []FieldRule
	Globals     []Global
	ColumnTypes map[string]datastore.TypeTag
}

// Compile validates spec and builds the mapping. All problems are reported
// together as one config error.
func Compile(spec MappingSpec) (*Mapping, error) {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	m := &Mapping{
		SourceTable: spec.SourceTable,
		TargetTable: spec.TargetTable,
		IDFormat:    spec.TargetIDFormat,
		TargetKey:   spec.TargetKey,
	}
	if m.SourceTable == "" {
		fail("source table is required")
	}
	if m.TargetTable == "" {
		fail("target table is required")
	}
	if m.IDFormat == "" {
		m.IDFormat = DefaultIDFormat
	}
	if m.TargetKey == "" {
		m.TargetKey = DefaultTargetKey
	}
	if strings.Count(m.IDFormat, "{") != strings.Count(m.IDFormat, "}") {
		fail("target_id_format %q has unbalanced braces", m.IDFormat)
	}

	if spec.Fields != nil {
		m.Fields = compileFields(spec.Fields, "", &problems)
	}

	for i, fr := range spec.Transforms {
		if fr.Field == "" {
			fail("transforms[%d]: field is required", i)
			continue
		}
		r := newSpecReader(fr.Rule, fmt.Sprintf("transforms[%d] %s", i, fr.Field))
		rule := compileRule(r)
		problems = append(problems, r.problems...)
		if rule != nil {
			m.Rules = append(m.Rules, FieldRule{Field: fr.Field, Rule: rule})
		}
	}

	m.Globals = compileGlobals(spec.GlobalTransforms, "global_transforms", &problems)

	if len(spec.ColumnTypes) > 0 {
		m.ColumnTypes = make(map[string]datastore.TypeTag, len(spec.ColumnTypes))
		for col, tag := range spec.ColumnTypes {
			tt, err := datastore.ParseTypeTag(tag)
			if err != nil {
				fail("column_types.%s: %v", col, err)
				continue
			}
			m.ColumnTypes[col] = tt
		}
	}

	if len(problems) > 0 {
		return nil, failure.Newf(failure.KindConfig, "transform.compile",
			"mapping %s: %s", spec.SourceTable, strings.Join(problems, "; "))
	}
	return m, nil
}

func compileFields(tree *value.Map, prefix string, problems *[]string) []Field {
	fields := make([]Field, 0, tree.Len())
	tree.Range(func(target string, src value.Value) bool {
		path := target
		if prefix != "" {
			path = prefix + "." + target
		}
		if target == "" || strings.Contains(target, ".") {
			*problems = append(*problems, fmt.Sprintf("fields: bad target name %q", path))
			return true
		}
		f := Field{Target: target}
		switch s := src.(type) {
		case value.String:
			if IsJSONPath(string(s)) {
				p, err := CompilePath(string(s))
				if err != nil {
					*problems = append(*problems, fmt.Sprintf("fields.%s: %v", path, err))
					return true
				}
				f.Source = JSONPathSource{Path: p}
			} else if s == "" {
				*problems = append(*problems, fmt.Sprintf("fields.%s: empty source", path))
				return true
			} else {
				f.Source = Column{Name: string(s)}
			}
		case *value.Map:
			if c, ok := constantOf(s); ok {
				f.Source = Constant{Value: c}
			} else {
				f.Source = Nested{Fields: compileFields(s, path, problems)}
			}
		case value.Null, nil:
			*problems = append(*problems, fmt.Sprintf("fields.%s: empty source", path))
			return true
		default:
			f.Source = Constant{Value: src}
		}
		fields = append(fields, f)
		return true
	})
	return fields
}

func constantOf(m *value.Map) (value.Value, bool) {
	if m.Len() != 1 {
		return nil, false
	}
	for _, k := range []string{"const", "constant"} {
		if v, ok := m.Get(k); ok {
			return v, true
		}
	}
	return nil, false
}

// build walks the field tree against the source row.
func buildFields(fields []Field, source *value.Map) *value.Map {
	out := value.NewMap()
	for _, f := range fields {
		switch s := f.Source.(type) {
		case Column:
			if v, ok := value.GetPath(source, s.Name); ok {
				out.Set(f.Target, value.Clone(v))
			}
		case JSONPathSource:
			if v, ok := s.Path.Eval(source); ok {
				out.Set(f.Target, value.Clone(v))
			}
		case Constant:
			out.Set(f.Target, value.Clone(s.Value))
		case Nested:
			out.Set(f.Target, buildFields(s.Fields, source))
		}
	}
	return out
}

// SourceColumns lists the source columns the field tree reads directly.
func (m *Mapping) SourceColumns() []string {
	var cols []string
	var walk func([]Field)
	walk = func(fields []Field) {
		for _, f := range fields {
			switch s := f.Source.(type) {
			case Column:
				cols = append(cols, value.SplitPath(s.Name)[0])
			case Nested:
				walk(s.Fields)
			}
		}
	}
	walk(m.Fields)
	return cols
}

// TargetColumns lists the top-level target columns the mapping produces,
// in declaration order, including the target key. Conditional transforms
// contribute the columns of both branches.
func (m *Mapping) TargetColumns() []string {
	var cols []string
	has := func(c string) int {
		for i, x := range cols {
			if x == c {
				return i
			}
		}
		return -1
	}
	add := func(c string) {
		if has(c) < 0 {
			cols = append(cols, c)
		}
	}
	drop := func(c string) {
		if i := has(c); i >= 0 && c != m.TargetKey {
			cols = append(cols[:i], cols[i+1:]...)
		}
	}
	add(m.TargetKey)
	for _, f := range m.Fields {
		add(f.Target)
	}
	for _, r := range m.Rules {
		add(value.SplitPath(r.Field)[0])
	}
	var walk func(gs []Global, conditional bool)
	walk = func(gs []Global, conditional bool) {
		for _, g := range gs {
			switch g := g.(type) {
			case RenameFields:
				for _, rn := range g.Renames {
					to := value.SplitPath(rn.To)[0]
					if i := has(rn.From); i >= 0 && !conditional && !strings.Contains(rn.From, ".") && has(to) < 0 {
						cols[i] = to
						continue
					}
					add(to)
				}
			case RemoveFields:
				for _, f := range g.Fields {
					if !conditional && !strings.Contains(f, ".") {
						drop(f)
					}
				}
			case AddFields:
				for _, fv := range g.Fields {
					add(value.SplitPath(fv.Path)[0])
				}
			case TransformIf:
				walk(g.Then, true)
				walk(g.Else, true)
			}
		}
	}
	walk(m.Globals, false)
	return cols
}

// TargetID renders the id format for a source key.
func (m *Mapping) TargetID(sourceID string, source *value.Map) string {
	sc := &scope{sourceID: sourceID, source: source, target: value.NewMap()}
	return render(m.IDFormat, sc.text)
}
