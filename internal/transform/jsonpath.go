package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/syncline/internal/value"
)

// Path is a compiled JSON path such as $.owners[0].name or $['a b'][*].
type Path struct {
	expr  string
	steps []step
}

type step struct {
	key      string
	index    int
	isIndex  bool
	wildcard bool
}

// String returns the source expression.
func (p *Path) String() string { return p.expr }

// IsJSONPath reports whether s is written as a JSON path.
func IsJSONPath(s string) bool {
	return strings.HasPrefix(s, "$")
}

// CompilePath parses a JSON path expression. Supported steps: .name,
// ['name'], [n], [*] and .*.
func CompilePath(expr string) (*Path, error) {
	if !strings.HasPrefix(expr, "$") {
		return nil, fmt.Errorf("json path %q must start with $", expr)
	}
	p := &Path{expr: expr}
	s := expr[1:]
	for len(s) > 0 {
		switch s[0] {
		case '.':
			s = s[1:]
			end := strings.IndexAny(s, ".[")
			if end < 0 {
				end = len(s)
			}
			name := s[:end]
			if name == "" {
				return nil, fmt.Errorf("json path %q: empty name", expr)
			}
			if name == "*" {
				p.steps = append(p.steps, step{wildcard: true})
			} else {
				p.steps = append(p.steps, step{key: name})
			}
			s = s[end:]
		case '[':
			end := strings.IndexByte(s, ']')
			if end < 0 {
				return nil, fmt.Errorf("json path %q: missing ]", expr)
			}
			inner := strings.TrimSpace(s[1:end])
			switch {
			case inner == "*":
				p.steps = append(p.steps, step{wildcard: true})
			case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0]:
				p.steps = append(p.steps, step{key: inner[1 : len(inner)-1]})
			default:
				n, err := strconv.Atoi(inner)
				if err != nil {
					return nil, fmt.Errorf("json path %q: bad index %q", expr, inner)
				}
				p.steps = append(p.steps, step{index: n, isIndex: true})
			}
			s = s[end+1:]
		default:
			return nil, fmt.Errorf("json path %q: unexpected %q", expr, s[0])
		}
	}
	return p, nil
}

// MustCompilePath is CompilePath for static expressions. Panics on error.
func MustCompilePath(expr string) *Path {
	p, err := CompilePath(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Eval applies the path to a document. Strings holding JSON are parsed
// before each step. Paths with a wildcard return a List of matches.
// Negative indexes count from the end.
func (p *Path) Eval(doc value.Value) (value.Value, bool) {
	current := []value.Value{doc}
	multi := false
	for _, st := range p.steps {
		var next []value.Value
		for _, v := range current {
			v = decodeEmbedded(v)
			switch {
			case st.wildcard:
				multi = true
				switch c := v.(type) {
				case value.List:
					next = append(next, c...)
				case *value.Map:
					c.Range(func(_ string, e value.Value) bool {
						next = append(next, e)
						return true
					})
				}
			case st.isIndex:
				l, ok := v.(value.List)
				if !ok {
					continue
				}
				i := st.index
				if i < 0 {
					i += len(l)
				}
				if i >= 0 && i < len(l) {
					next = append(next, l[i])
				}
			default:
				m, ok := v.(*value.Map)
				if !ok {
					continue
				}
				if e, ok := m.Get(st.key); ok {
					next = append(next, e)
				}
			}
		}
		current = next
		if len(current) == 0 {
			if multi {
				return value.List{}, true
			}
			return nil, false
		}
	}
	if multi {
		return value.List(current), true
	}
	return current[0], true
}

func decodeEmbedded(v value.Value) value.Value {
	s, ok := v.(value.String)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(string(s))
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return v
	}
	parsed, err := value.ParseJSON([]byte(trimmed))
	if err != nil {
		return v
	}
	return parsed
}
