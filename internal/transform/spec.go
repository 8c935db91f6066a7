package transform

import (
	"fmt"
	"strconv"

	"github.com/roach88/syncline/internal/value"
)

// specReader reads typed parameters out of a rule or transform spec,
// collecting problems instead of failing on the first one.
type specReader struct {
	m        *value.Map
	where    string
	problems []string
}

func newSpecReader(m *value.Map, where string) *specReader {
	if m == nil {
		m = value.NewMap()
	}
	return &specReader{m: m, where: where}
}

func (r *specReader) fail(format string, args ...any) {
	r.problems = append(r.problems, r.where+": "+fmt.Sprintf(format, args...))
}

func (r *specReader) has(key string) bool {
	v, ok := r.m.Get(key)
	return ok && !value.IsNull(v)
}

func (r *specReader) raw(keys ...string) (value.Value, bool) {
	for _, k := range keys {
		if v, ok := r.m.Get(k); ok && !value.IsNull(v) {
			return v, true
		}
	}
	return nil, false
}

func (r *specReader) str(required bool, keys ...string) string {
	v, ok := r.raw(keys...)
	if !ok {
		if required {
			r.fail("%s is required", keys[0])
		}
		return ""
	}
	s, ok := v.(value.String)
	if !ok {
		r.fail("%s must be a string, got %s", keys[0], value.TypeName(v))
		return ""
	}
	return string(s)
}

func (r *specReader) boolean(key string) bool {
	v, ok := r.raw(key)
	if !ok {
		return false
	}
	b, ok := v.(value.Bool)
	if !ok {
		r.fail("%s must be a boolean", key)
		return false
	}
	return bool(b)
}

func (r *specReader) number(key string) (float64, bool) {
	v, ok := r.raw(key)
	if !ok {
		return 0, false
	}
	if !value.IsNumeric(v) {
		r.fail("%s must be a number", key)
		return 0, false
	}
	f, _ := value.AsFloat(v)
	return f, true
}

func (r *specReader) strings(required bool, key string) []string {
	v, ok := r.raw(key)
	if !ok {
		if required {
			r.fail("%s is required", key)
		}
		return nil
	}
	l, ok := v.(value.List)
	if !ok {
		r.fail("%s must be a list", key)
		return nil
	}
	out := make([]string, 0, len(l))
	for i, e := range l {
		s, ok := e.(value.String)
		if !ok {
			r.fail("%s[%s] must be a string", key, strconv.Itoa(i))
			continue
		}
		out = append(out, string(s))
	}
	return out
}

func (r *specReader) mapping(required bool, key string) *value.Map {
	v, ok := r.raw(key)
	if !ok {
		if required {
			r.fail("%s is required", key)
		}
		return nil
	}
	m, ok := v.(*value.Map)
	if !ok {
		r.fail("%s must be a mapping", key)
		return nil
	}
	return m
}

func (r *specReader) maps(required bool, key string) []*value.Map {
	v, ok := r.raw(key)
	if !ok {
		if required {
			r.fail("%s is required", key)
		}
		return nil
	}
	l, ok := v.(value.List)
	if !ok {
		r.fail("%s must be a list", key)
		return nil
	}
	out := make([]*value.Map, 0, len(l))
	for i, e := range l {
		m, ok := e.(*value.Map)
		if !ok {
			r.fail("%s[%d] must be a mapping", key, i)
			continue
		}
		out = append(out, m)
	}
	return out
}
