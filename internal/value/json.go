package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// MarshalJSON encodes v as JSON keeping Map key order.
// Times are RFC 3339 strings and Bytes are base64 strings.
func MarshalJSON(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler for Map.
func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return MarshalJSON(m)
}

// UnmarshalJSON implements json.Unmarshaler for Map, keeping key order.
func (m *Map) UnmarshalJSON(data []byte) error {
	v, err := ParseJSON(data)
	if err != nil {
		return err
	}
	parsed, ok := v.(*Map)
	if !ok {
		return fmt.Errorf("expected JSON object, got %s", TypeName(v))
	}
	*m = *parsed
	return nil
}

func writeJSON(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(val)))
	case Int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case Float:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("cannot encode %v as JSON", f)
		}
		buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	case String:
		writeJSONString(buf, string(val))
	case Bytes:
		writeJSONString(buf, base64.StdEncoding.EncodeToString(val))
	case Time:
		writeJSONString(buf, time.Time(val).UTC().Format(time.RFC3339Nano))
	case List:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, e); err != nil {
				return fmt.Errorf("list[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case *Map:
		buf.WriteByte('{')
		var err error
		i := 0
		val.Range(func(k string, e Value) bool {
			if i > 0 {
				buf.WriteByte(',')
			}
			i++
			writeJSONString(buf, k)
			buf.WriteByte(':')
			if werr := writeJSON(buf, e); werr != nil {
				err = fmt.Errorf("key %q: %w", k, werr)
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	// Encoder appends a newline.
	buf.Truncate(buf.Len() - 1)
}

// ParseJSON decodes JSON into a Value, preserving object key order.
// Integral numbers become Int, other numbers Float.
func ParseJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := parseJSONValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected trailing data after JSON value")
	}
	return v, nil
}

func parseJSONValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			m := NewMap()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key must be a string")
				}
				child, err := parseJSONValue(dec)
				if err != nil {
					return nil, fmt.Errorf("key %q: %w", key, err)
				}
				m.Set(key, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return m, nil
		case '[':
			list := List{}
			for dec.More() {
				child, err := parseJSONValue(dec)
				if err != nil {
					return nil, fmt.Errorf("list[%d]: %w", len(list), err)
				}
				list = append(list, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	case nil:
		return Null{}, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return parseNumber(string(t))
	default:
		return nil, fmt.Errorf("unexpected JSON token %T", tok)
	}
}

func parseNumber(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(n), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Float(f), nil
}
