package value

import (
	"bytes"
	"strconv"
	"strings"
	"time"
)

// SplitPath splits a dotted path ("valuation.total") into segments.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// GetPath resolves a dotted path through nested Maps. Numeric segments index
// into Lists. Returns false when any segment is missing.
func GetPath(m *Map, path string) (Value, bool) {
	if m == nil {
		return nil, false
	}
	var cur Value = m
	for _, seg := range SplitPath(path) {
		switch c := cur.(type) {
		case *Map:
			next, ok := c.Get(seg)
			if !ok {
				return nil, false
			}
			cur = next
		case List:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath stores v at a dotted path, creating intermediate Maps as needed.
// An intermediate non-Map value is replaced by a Map.
func SetPath(m *Map, path string, v Value) {
	segs := SplitPath(path)
	if len(segs) == 0 {
		return
	}
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur.Get(seg)
		child, isMap := next.(*Map)
		if !ok || !isMap {
			child = NewMap()
			cur.Set(seg, child)
		}
		cur = child
	}
	cur.Set(segs[len(segs)-1], v)
}

// DeletePath removes the value at a dotted path. Empty parents are kept.
func DeletePath(m *Map, path string) bool {
	segs := SplitPath(path)
	if len(segs) == 0 {
		return false
	}
	parent := m
	if len(segs) > 1 {
		pv, ok := GetPath(m, strings.Join(segs[:len(segs)-1], "."))
		if !ok {
			return false
		}
		pm, isMap := pv.(*Map)
		if !isMap {
			return false
		}
		parent = pm
	}
	return parent.Delete(segs[len(segs)-1])
}

// Leaves flattens nested Maps into dotted paths in declaration order.
// Lists are treated as leaves.
func Leaves(m *Map) []Pair {
	var out []Pair
	var walk func(prefix string, mm *Map)
	walk = func(prefix string, mm *Map) {
		mm.Range(func(k string, v Value) bool {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if child, ok := v.(*Map); ok && child.Len() > 0 {
				walk(p, child)
				return true
			}
			out = append(out, Pair{Key: p, Value: v})
			return true
		})
	}
	walk("", m)
	return out
}

// Equal reports deep equality. Int and Float compare numerically (two Ints
// exactly), Times
// compare as instants and Map key order is ignored.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	if IsNumeric(a) && IsNumeric(b) {
		return cmpNumber(a, b) == 0
	}
	switch av := a.(type) {
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Bytes:
		bv, ok := b.(Bytes)
		return ok && bytes.Equal(av, bv)
	case Time:
		bv, ok := b.(Time)
		return ok && time.Time(av).Equal(time.Time(bv))
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Map:
		bv, ok := b.(*Map)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		equal := true
		av.Range(func(k string, v Value) bool {
			other, ok := bv.Get(k)
			if !ok || !Equal(v, other) {
				equal = false
				return false
			}
			return true
		})
		return equal
	default:
		return false
	}
}
