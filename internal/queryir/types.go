package queryir

import (
	"fmt"
	"strings"
)

// Statement is a store operation.
//
// This is a sealed interface - only types in this package implement it.
type Statement interface {
	statementNode() // Marker method - seals interface to this package
}

// Predicate is a row filter.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Select reads rows.
//
//	SELECT <columns> FROM <table> WHERE <filter> ORDER BY <order> LIMIT <limit>
//
// Empty Columns selects every column. Limit 0 means no limit.
type Select struct {
	Table   string
	Columns []string
	Filter  Predicate
	OrderBy []Order
	Limit   int
}

func (Select) statementNode() {}

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Asc orders by column ascending.
func Asc(column string) Order { return Order{Column: column} }

// Desc orders by column descending.
func Desc(column string) Order { return Order{Column: column, Desc: true} }

// Insert writes Rows rows of Columns in one statement.
//
// When OnConflict names a key column the insert becomes an upsert: rows
// whose key already exists overwrite every non-key column.
type Insert struct {
	Table      string
	Columns    []string
	Rows       int
	OnConflict string
}

func (Insert) statementNode() {}

// Update sets Columns on every row matching Filter.
// New values are bound as SetParam(column).
type Update struct {
	Table   string
	Columns []string
	Filter  Predicate
}

func (Update) statementNode() {}

// Delete removes every row matching Filter. A nil Filter is rejected by
// Validate.
type Delete struct {
	Table  string
	Filter Predicate
}

func (Delete) statementNode() {}

// Raw carries driver-specific SQL with :name parameters. Drivers that do
// not speak SQL reject it.
type Raw struct {
	SQL string
}

func (Raw) statementNode() {}

// Op is a comparison operator.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Valid reports whether op is a known operator.
func (op Op) Valid() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// Compare is <column> <op> :<param>.
type Compare struct {
	Column string
	Op     Op
	Param  string
}

func (Compare) predicateNode() {}

// In is <column> IN (:p0, :p1, ...). An empty Params list matches nothing.
type In struct {
	Column string
	Params []string
}

func (In) predicateNode() {}

// IsNull is <column> IS NULL, or IS NOT NULL when Negate is set.
type IsNull struct {
	Column string
	Negate bool
}

func (IsNull) predicateNode() {}

// And is a conjunction. Empty is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is a disjunction. Empty is always false.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Eq is shorthand for Compare{column, OpEq, param}.
func Eq(column, param string) Compare {
	return Compare{Column: column, Op: OpEq, Param: param}
}

// AllOf combines non-nil predicates with And. Returns nil for none and the
// predicate itself for one.
func AllOf(preds ...Predicate) Predicate {
	var kept []Predicate
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	default:
		return And{Predicates: kept}
	}
}

// InsertParam names the parameter bound to row's value of column.
func InsertParam(row int, column string) string {
	return fmt.Sprintf("r%d_%s", row, paramSafe(column))
}

// SetParam names the parameter bound to an updated column's new value.
func SetParam(column string) string {
	return "set_" + paramSafe(column)
}

// ListParams returns n parameter names prefix_0 .. prefix_{n-1}.
func ListParams(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s_%d", prefix, i)
	}
	return out
}

func paramSafe(column string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, column)
}

// TableOf returns the table a statement targets, or "" for Raw.
func TableOf(s Statement) string {
	switch st := s.(type) {
	case Select:
		return st.Table
	case Insert:
		return st.Table
	case Update:
		return st.Table
	case Delete:
		return st.Table
	default:
		return ""
	}
}

// ParamsOf lists the parameter names a predicate references, in order.
func ParamsOf(p Predicate) []string {
	var out []string
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch pr := p.(type) {
		case Compare:
			out = append(out, pr.Param)
		case In:
			out = append(out, pr.Params...)
		case And:
			for _, c := range pr.Predicates {
				walk(c)
			}
		case Or:
			for _, c := range pr.Predicates {
				walk(c)
			}
		}
	}
	walk(p)
	return out
}
