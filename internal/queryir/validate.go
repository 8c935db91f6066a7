package queryir

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// identPattern matches plain or single-qualified identifiers.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// paramPattern matches parameter names usable after ':'.
var paramPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidationError lists every structural problem found in a statement.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid statement: " + strings.Join(e.Problems, "; ")
}

// IsValidationError reports whether err is a statement validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidIdent reports whether s can be used as a table or column name.
func ValidIdent(s string) bool {
	return identPattern.MatchString(s)
}

// Validate checks a statement for structural problems: bad identifiers,
// empty column lists, unknown operators and filterless deletes.
//
// Validate is a pure function with no side effects.
func Validate(s Statement) error {
	v := &validator{}
	v.statement(s)
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) ident(kind, name string) {
	if !ValidIdent(name) {
		v.addf("invalid %s name %q", kind, name)
	}
}

func (v *validator) statement(s Statement) {
	switch st := s.(type) {
	case nil:
		v.addf("nil statement")
	case Select:
		v.ident("table", st.Table)
		for _, c := range st.Columns {
			v.ident("column", c)
		}
		for _, o := range st.OrderBy {
			v.ident("order column", o.Column)
		}
		if st.Limit < 0 {
			v.addf("negative limit %d", st.Limit)
		}
		v.predicate(st.Filter)
	case Insert:
		v.ident("table", st.Table)
		if len(st.Columns) == 0 {
			v.addf("insert into %s has no columns", st.Table)
		}
		for _, c := range st.Columns {
			v.ident("column", c)
		}
		if st.Rows < 1 {
			v.addf("insert into %s has no rows", st.Table)
		}
		if st.OnConflict != "" {
			v.ident("conflict key", st.OnConflict)
		}
	case Update:
		v.ident("table", st.Table)
		if len(st.Columns) == 0 {
			v.addf("update of %s sets no columns", st.Table)
		}
		for _, c := range st.Columns {
			v.ident("column", c)
		}
		if st.Filter == nil {
			v.addf("update of %s has no filter", st.Table)
		}
		v.predicate(st.Filter)
	case Delete:
		v.ident("table", st.Table)
		if st.Filter == nil {
			v.addf("delete from %s has no filter", st.Table)
		}
		v.predicate(st.Filter)
	case Raw:
		if strings.TrimSpace(st.SQL) == "" {
			v.addf("empty raw statement")
		}
	default:
		v.addf("unsupported statement type %T", s)
	}
}

func (v *validator) predicate(p Predicate) {
	switch pr := p.(type) {
	case nil:
	case Compare:
		v.ident("column", pr.Column)
		if !pr.Op.Valid() {
			v.addf("unknown operator %q", pr.Op)
		}
		v.param(pr.Param)
	case In:
		v.ident("column", pr.Column)
		for _, name := range pr.Params {
			v.param(name)
		}
	case IsNull:
		v.ident("column", pr.Column)
	case And:
		for _, c := range pr.Predicates {
			v.predicate(c)
		}
	case Or:
		for _, c := range pr.Predicates {
			v.predicate(c)
		}
	default:
		v.addf("unsupported predicate type %T", p)
	}
}

func (v *validator) param(name string) {
	if !paramPattern.MatchString(name) {
		v.addf("invalid parameter name %q", name)
	}
}
