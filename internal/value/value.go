package value

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Value is a sealed interface over the payload leaf and container types.
// Only Null, Bool, Int, Float, String, Bytes, Time, List and *Map implement it.
type Value interface {
	isValue() // Sealed - only these types implement it
}

// Null is the explicit absent-value marker.
type Null struct{}

func (Null) isValue() {}

// Bool is a boolean leaf.
type Bool bool

func (Bool) isValue() {}

// Int is a signed 64-bit integer leaf.
type Int int64

func (Int) isValue() {}

// Float is a 64-bit floating point leaf. Decimals are carried as Float after
// precision enforcement by the converter.
type Float float64

func (Float) isValue() {}

// String is a UTF-8 text leaf.
type String string

func (String) isValue() {}

// Bytes is an opaque binary leaf.
type Bytes []byte

func (Bytes) isValue() {}

// Time is an instant leaf.
type Time time.Time

func (Time) isValue() {}

// T returns the wrapped time.Time.
func (t Time) T() time.Time { return time.Time(t) }

// List is an ordered sequence of values.
type List []Value

func (List) isValue() {}

// Map is an ordered-key document. Keys iterate in insertion order.
// The zero value is not usable; construct with NewMap.
type Map struct {
	keys []string
	vals map[string]Value
}

func (*Map) isValue() {}

// NewMap creates an empty Map.
func NewMap() *Map {
	return &Map{vals: make(map[string]Value)}
}

// Pair is a key/value used for ordered Map construction.
type Pair struct {
	Key   string
	Value Value
}

// P is shorthand for Pair.
// Example: MapOf(P("id", Int(1)), P("name", String("x")))
func P(key string, v Value) Pair {
	return Pair{Key: key, Value: v}
}

// MapOf builds a Map from pairs in the given order.
func MapOf(pairs ...Pair) *Map {
	m := NewMap()
	for _, p := range pairs {
		m.Set(p.Key, p.Value)
	}
	return m
}

// Len returns the number of keys.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns a copy of the keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.vals[key]
	return v, ok
}

// Has reports whether key is present (even if its value is Null).
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Set stores v under key. Existing keys keep their position.
// A nil v is stored as Null.
func (m *Map) Set(key string, v Value) {
	if v == nil {
		v = Null{}
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
}

// Delete removes key, reporting whether it was present.
func (m *Map) Delete(key string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.vals[key]; !ok {
		return false
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true
}

// Rename moves the value under from to to, keeping from's position.
// Returns false if from is absent.
func (m *Map) Rename(from, to string) bool {
	v, ok := m.Get(from)
	if !ok {
		return false
	}
	if from == to {
		return true
	}
	if m.Has(to) {
		m.Delete(to)
	}
	for i, k := range m.keys {
		if k == from {
			m.keys[i] = to
			break
		}
	}
	delete(m.vals, from)
	m.vals[to] = v
	return true
}

// Range calls fn for each entry in key order until fn returns false.
func (m *Map) Range(fn func(key string, v Value) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.vals[k]) {
			return
		}
	}
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	if m == nil {
		return nil
	}
	out := &Map{
		keys: make([]string, len(m.keys)),
		vals: make(map[string]Value, len(m.vals)),
	}
	copy(out.keys, m.keys)
	for k, v := range m.vals {
		out.vals[k] = Clone(v)
	}
	return out
}

// SortedKeys returns keys in byte order. Used where deterministic output
// matters more than declaration order.
func (m *Map) SortedKeys() []string {
	keys := m.Keys()
	sort.Strings(keys)
	return keys
}

// Clone deep-copies containers; leaves are immutable and returned as-is.
func Clone(v Value) Value {
	switch val := v.(type) {
	case *Map:
		return val.Clone()
	case List:
		out := make(List, len(val))
		for i, e := range val {
			out[i] = Clone(e)
		}
		return out
	case Bytes:
		out := make(Bytes, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// Of converts a native Go value into a Value.
// Supported: nil, bool, all int/uint widths, float32/64, string, []byte,
// time.Time, []any, map[string]any (keys sorted), *Map and Value.
func Of(x any) (Value, error) {
	switch val := x.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return Int(val), nil
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return Float(float64(val)), nil
		}
		return Int(val), nil
	case float32:
		return Float(val), nil
	case float64:
		return Float(val), nil
	case string:
		return String(val), nil
	case []byte:
		return Bytes(val), nil
	case time.Time:
		return Time(val), nil
	case []any:
		out := make(List, len(val))
		for i, e := range val {
			ev, err := Of(e)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	case []string:
		out := make(List, len(val))
		for i, e := range val {
			out[i] = String(e)
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewMap()
		for _, k := range keys {
			ev, err := Of(val[k])
			if err != nil {
				return nil, fmt.Errorf("map key %q: %w", k, err)
			}
			m.Set(k, ev)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported native type %T", x)
	}
}

// MustOf is Of for literals in tests and static tables. Panics on error.
func MustOf(x any) Value {
	v, err := Of(x)
	if err != nil {
		panic(err)
	}
	return v
}

// ToAny converts a Value into plain Go values: nil, bool, int64, float64,
// string, []byte, time.Time, []any, map[string]any.
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case Bool:
		return bool(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case String:
		return string(val)
	case Bytes:
		return []byte(val)
	case Time:
		return time.Time(val)
	case List:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToAny(e)
		}
		return out
	case *Map:
		out := make(map[string]any, val.Len())
		val.Range(func(k string, e Value) bool {
			out[k] = ToAny(e)
			return true
		})
		return out
	default:
		return nil
	}
}

// AsFloat returns the numeric value of v. Numeric strings are parsed.
func AsFloat(v Value) (float64, bool) {
	switch val := v.(type) {
	case Int:
		return float64(val), true
	case Float:
		return float64(val), true
	case String:
		f, err := strconv.ParseFloat(string(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// IsNumeric reports whether v is an Int or Float.
func IsNumeric(v Value) bool {
	switch v.(type) {
	case Int, Float:
		return true
	}
	return false
}

// AsString renders leaves as text. Containers are rendered as ordered JSON.
func AsString(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return ""
	case Bool:
		return strconv.FormatBool(bool(val))
	case Int:
		return strconv.FormatInt(int64(val), 10)
	case Float:
		return strconv.FormatFloat(float64(val), 'f', -1, 64)
	case String:
		return string(val)
	case Bytes:
		return string(val)
	case Time:
		return time.Time(val).UTC().Format(time.RFC3339Nano)
	default:
		b, err := MarshalJSON(v)
		if err != nil {
			return fmt.Sprintf("%v", ToAny(v))
		}
		return string(b)
	}
}

// timeLayouts are tried in order by AsTime when parsing strings.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// AsTime returns v as an instant. Strings in common ISO layouts are parsed.
func AsTime(v Value) (time.Time, bool) {
	switch val := v.(type) {
	case Time:
		return time.Time(val), true
	case String:
		return ParseTime(string(val))
	default:
		return time.Time{}, false
	}
}

// ParseTime parses s with the ISO-like layouts accepted across the pipeline.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// TypeName returns a short lowercase name for the variant.
func TypeName(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case Bool:
		return "boolean"
	case Int:
		return "integer"
	case Float:
		return "number"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	case Time:
		return "time"
	case List:
		return "array"
	case *Map:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
