package transform

import (
	"strings"
)

// render replaces {name} placeholders using lookup. Unresolved
// placeholders are left in place.
func render(tpl string, lookup func(name string) (string, bool)) string {
	if !strings.Contains(tpl, "{") {
		return tpl
	}
	var b strings.Builder
	for {
		open := strings.IndexByte(tpl, '{')
		if open < 0 {
			b.WriteString(tpl)
			break
		}
		end := strings.IndexByte(tpl[open:], '}')
		if end < 0 {
			b.WriteString(tpl)
			break
		}
		end += open
		b.WriteString(tpl[:open])
		name := strings.TrimSpace(tpl[open+1 : end])
		if s, ok := lookup(name); ok {
			b.WriteString(s)
		} else {
			b.WriteString(tpl[open : end+1])
		}
		tpl = tpl[end+1:]
	}
	return b.String()
}

// placeholders lists the names referenced by a template.
func placeholders(tpl string) []string {
	var out []string
	for {
		open := strings.IndexByte(tpl, '{')
		if open < 0 {
			return out
		}
		end := strings.IndexByte(tpl[open:], '}')
		if end < 0 {
			return out
		}
		out = append(out, strings.TrimSpace(tpl[open+1:open+end]))
		tpl = tpl[open+end+1:]
	}
}
