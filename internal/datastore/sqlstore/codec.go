package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/value"
)

// toDriver converts a payload value into a database/sql argument. Nested
// documents and lists are stored as JSON text.
func toDriver(v value.Value) (any, error) {
	switch val := v.(type) {
	case nil, value.Null:
		return nil, nil
	case value.Bool:
		return bool(val), nil
	case value.Int:
		return int64(val), nil
	case value.Float:
		return float64(val), nil
	case value.String:
		return string(val), nil
	case value.Bytes:
		return []byte(val), nil
	case value.Time:
		return time.Time(val).UTC(), nil
	case value.List, *value.Map:
		b, err := value.MarshalJSON(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("unsupported value %T", v)
	}
}

// fromDriver converts a scanned column into a payload value, using the
// column's type tag when known.
func fromDriver(raw any, tag datastore.TypeTag, known bool) value.Value {
	if raw == nil {
		return value.Null{}
	}
	if b, ok := raw.([]byte); ok && (!known || tag.IsText() || tag.Base == datastore.JSONObject || tag.Base == datastore.Decimal) {
		raw = string(b)
	}
	if known {
		switch tag.Base {
		case datastore.JSONObject:
			if s, ok := raw.(string); ok {
				trimmed := strings.TrimSpace(s)
				if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
					if parsed, err := value.ParseJSON([]byte(trimmed)); err == nil {
						return parsed
					}
				}
			}
		case datastore.Boolean, datastore.Bit:
			switch n := raw.(type) {
			case int64:
				return value.Bool(n != 0)
			case bool:
				return value.Bool(n)
			}
		case datastore.Decimal:
			if s, ok := raw.(string); ok {
				if f, ok := value.AsFloat(value.String(s)); ok {
					return value.Float(f)
				}
			}
		case datastore.Date, datastore.Datetime, datastore.Timestamp:
			if s, ok := raw.(string); ok {
				if t, ok := value.ParseTime(s); ok {
					return value.Time(t)
				}
			}
		}
	}
	v, err := value.Of(raw)
	if err != nil {
		return value.String(fmt.Sprint(raw))
	}
	return v
}

func scanRows(rows *sql.Rows, types map[string]datastore.TypeTag) (datastore.Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out datastore.Rows
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := value.NewMap()
		for i, c := range cols {
			tag, known := types[c]
			row.Set(c, fromDriver(raw[i], tag, known))
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
