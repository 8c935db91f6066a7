// Package querysql compiles statement IR into SQL text.
//
// Compiled statements reference values only through :name parameters; no
// value is ever interpolated. Bind rewrites those parameters into the
// positional placeholders of a concrete dialect.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/syncline/internal/queryir"
)

// Compile converts a statement into SQL with :name parameters.
// The statement is validated first.
func Compile(s queryir.Statement) (string, error) {
	if err := queryir.Validate(s); err != nil {
		return "", err
	}
	switch st := s.(type) {
	case queryir.Select:
		return compileSelect(st), nil
	case queryir.Insert:
		return compileInsert(st), nil
	case queryir.Update:
		return compileUpdate(st), nil
	case queryir.Delete:
		return compileDelete(st), nil
	case queryir.Raw:
		return st.SQL, nil
	default:
		return "", fmt.Errorf("unsupported statement type: %T", s)
	}
}

func compileSelect(s queryir.Select) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(s.Columns) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(quoteList(s.Columns))
	}
	b.WriteString(" FROM ")
	b.WriteString(Quote(s.Table))
	if s.Filter != nil {
		b.WriteString(" WHERE ")
		b.WriteString(compilePredicate(s.Filter))
	}
	if len(s.OrderBy) > 0 {
		parts := make([]string, len(s.OrderBy))
		for i, o := range s.OrderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts[i] = Quote(o.Column) + " " + dir
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(parts, ", "))
	}
	if s.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", s.Limit)
	}
	return b.String()
}

func compileInsert(s queryir.Insert) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(Quote(s.Table))
	b.WriteString(" (")
	b.WriteString(quoteList(s.Columns))
	b.WriteString(") VALUES ")
	for row := 0; row < s.Rows; row++ {
		if row > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for i, c := range s.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(":" + queryir.InsertParam(row, c))
		}
		b.WriteString(")")
	}
	if s.OnConflict != "" {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(Quote(s.OnConflict))
		b.WriteString(")")
		var sets []string
		for _, c := range s.Columns {
			if c == s.OnConflict {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", Quote(c), Quote(c)))
		}
		if len(sets) == 0 {
			b.WriteString(" DO NOTHING")
		} else {
			b.WriteString(" DO UPDATE SET ")
			b.WriteString(strings.Join(sets, ", "))
		}
	}
	return b.String()
}

func compileUpdate(s queryir.Update) string {
	sets := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		sets[i] = fmt.Sprintf("%s = :%s", Quote(c), queryir.SetParam(c))
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		Quote(s.Table), strings.Join(sets, ", "), compilePredicate(s.Filter))
}

func compileDelete(s queryir.Delete) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", Quote(s.Table), compilePredicate(s.Filter))
}

// compilePredicate renders a predicate. Values are always :name parameters.
func compilePredicate(p queryir.Predicate) string {
	switch pr := p.(type) {
	case queryir.Compare:
		op := string(pr.Op)
		if pr.Op == queryir.OpNe {
			op = "<>"
		}
		return fmt.Sprintf("%s %s :%s", Quote(pr.Column), op, pr.Param)
	case queryir.In:
		if len(pr.Params) == 0 {
			return "1 = 0"
		}
		names := make([]string, len(pr.Params))
		for i, n := range pr.Params {
			names[i] = ":" + n
		}
		return fmt.Sprintf("%s IN (%s)", Quote(pr.Column), strings.Join(names, ", "))
	case queryir.IsNull:
		if pr.Negate {
			return Quote(pr.Column) + " IS NOT NULL"
		}
		return Quote(pr.Column) + " IS NULL"
	case queryir.And:
		return join(pr.Predicates, " AND ", "1 = 1")
	case queryir.Or:
		return join(pr.Predicates, " OR ", "1 = 0")
	default:
		return "1 = 1"
	}
}

func join(preds []queryir.Predicate, sep, empty string) string {
	if len(preds) == 0 {
		return empty
	}
	if len(preds) == 1 {
		return compilePredicate(preds[0])
	}
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = compilePredicate(p)
		switch p.(type) {
		case queryir.And, queryir.Or:
			parts[i] = "(" + parts[i] + ")"
		}
	}
	return strings.Join(parts, sep)
}

// Quote double-quotes an identifier. Qualified names are quoted per part.
func Quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func quoteList(idents []string) string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = Quote(id)
	}
	return strings.Join(out, ", ")
}
