package querysql

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects the positional placeholder style.
type Dialect string

const (
	// SQLite binds with '?'.
	SQLite Dialect = "sqlite"

	// Postgres binds with '$1', '$2', ...
	Postgres Dialect = "postgres"
)

// Bind rewrites :name parameters into the dialect's positional form and
// returns the parameter names in binding order. A name used twice is bound
// twice. Text inside quotes and '::' casts are left alone.
func Bind(sql string, d Dialect) (string, []string, error) {
	var (
		b     strings.Builder
		names []string
	)
	rs := []rune(sql)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '\'' || r == '"':
			j := i + 1
			for j < len(rs) && rs[j] != r {
				j++
			}
			if j >= len(rs) {
				return "", nil, fmt.Errorf("unterminated quote at offset %d", i)
			}
			b.WriteString(string(rs[i : j+1]))
			i = j
		case r == ':' && i+1 < len(rs) && rs[i+1] == ':':
			b.WriteString("::")
			i++
		case r == ':' && i+1 < len(rs) && isNameStart(rs[i+1]):
			j := i + 1
			for j < len(rs) && isNamePart(rs[j]) {
				j++
			}
			names = append(names, string(rs[i+1:j]))
			switch d {
			case Postgres:
				b.WriteString("$" + strconv.Itoa(len(names)))
			case SQLite, "":
				b.WriteString("?")
			default:
				return "", nil, fmt.Errorf("unknown dialect %q", d)
			}
			i = j - 1
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), names, nil
}

func isNameStart(r rune) bool {
	return r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
}

func isNamePart(r rune) bool {
	return isNameStart(r) || r >= '0' && r <= '9'
}
