package convert

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/value"
)

// integerNamespace seeds deterministic UUIDs derived from integer keys.
var integerNamespace = uuid.MustParse("8c6d5f1e-3b0a-5d4e-9f27-6a1b2c3d4e5f")

var (
	textBases     = []datastore.Base{datastore.Varchar, datastore.Text, datastore.Char}
	numericBases  = []datastore.Base{datastore.Integer, datastore.Decimal}
	temporalBases = []datastore.Base{datastore.Date, datastore.Datetime, datastore.Timestamp}
	truthBases    = []datastore.Base{datastore.Bit, datastore.Boolean}
)

func registerBuiltins(r *Registry) {
	for _, b := range []datastore.Base{
		datastore.Integer, datastore.Decimal, datastore.Varchar, datastore.Text, datastore.Char,
		datastore.Date, datastore.Datetime, datastore.Timestamp, datastore.Bit, datastore.Boolean,
		datastore.UUID, datastore.JSONObject,
	} {
		r.Register(b, b, identity)
	}

	for _, from := range numericBases {
		for _, to := range numericBases {
			r.Register(from, to, toNumeric)
		}
		for _, to := range textBases {
			r.Register(from, to, toText)
		}
	}
	for _, from := range textBases {
		for _, to := range textBases {
			r.Register(from, to, toText)
		}
		for _, to := range numericBases {
			r.Register(from, to, toNumeric)
		}
		for _, to := range temporalBases {
			r.Register(from, to, toTemporal)
		}
		for _, to := range truthBases {
			r.Register(from, to, toTruth)
		}
		r.Register(from, datastore.UUID, textToUUID)
		r.Register(from, datastore.JSONObject, textToJSON)
	}
	for _, from := range temporalBases {
		for _, to := range temporalBases {
			r.Register(from, to, toTemporal)
		}
		for _, to := range textBases {
			r.Register(from, to, temporalToText)
		}
	}
	for _, from := range truthBases {
		for _, to := range truthBases {
			r.Register(from, to, toTruth)
		}
		r.Register(from, datastore.Integer, truthToInteger)
		for _, to := range textBases {
			r.Register(from, to, truthToText)
		}
	}
	r.Register(datastore.Integer, datastore.Boolean, toTruth)
	r.Register(datastore.Integer, datastore.Bit, toTruth)
	r.Register(datastore.Integer, datastore.UUID, integerToUUID)
	r.Register(datastore.UUID, datastore.Varchar, toText)
	r.Register(datastore.UUID, datastore.Text, toText)
	r.Register(datastore.JSONObject, datastore.Varchar, jsonToText)
	r.Register(datastore.JSONObject, datastore.Text, jsonToText)
}

// identity copies the value, still enforcing target parameters.
func identity(v value.Value, from, to datastore.TypeTag) (value.Value, error) {
	switch to.Base {
	case datastore.Decimal:
		return toNumeric(v, from, to)
	case datastore.Varchar, datastore.Char:
		return toText(v, from, to)
	case datastore.Date:
		return toTemporal(v, from, to)
	}
	return value.Clone(v), nil
}

func toNumeric(v value.Value, _, to datastore.TypeTag) (value.Value, error) {
	if n, ok := exactInteger(v); ok && (to.Base == datastore.Integer || to.Scale == 0) {
		if to.Base == datastore.Decimal && to.Precision > 0 && integerDigits(n) > to.Precision {
			return nil, fmt.Errorf("%d exceeds DECIMAL(%d,0)", n, to.Precision)
		}
		return value.Int(n), nil
	}
	f, ok := value.AsFloat(v)
	if !ok {
		if s, isStr := v.(value.String); isStr {
			f, ok = value.AsFloat(value.String(strings.TrimSpace(string(s))))
		}
	}
	if !ok {
		return nil, fmt.Errorf("%q is not numeric", value.AsString(v))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%v is not a finite number", f)
	}
	if to.Base == datastore.Integer {
		if iv, isInt := v.(value.Int); isInt {
			return iv, nil
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("%v has a fractional part", f)
		}
		if f > math.MaxInt64 || f < math.MinInt64 {
			return nil, fmt.Errorf("%v overflows INTEGER", f)
		}
		return value.Int(int64(f)), nil
	}
	d, err := enforceDecimal(f, to.Precision, to.Scale)
	if err != nil {
		return nil, err
	}
	return value.Float(d), nil
}

// exactInteger returns v as an int64 without passing through float64: an
// Int, or text holding a base-10 integer.
func exactInteger(v value.Value) (int64, bool) {
	switch x := v.(type) {
	case value.Int:
		return int64(x), true
	case value.String:
		n, err := strconv.ParseInt(strings.TrimSpace(string(x)), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func integerDigits(n int64) int {
	if n == 0 {
		return 0
	}
	s := strconv.FormatInt(n, 10)
	return len(strings.TrimPrefix(s, "-"))
}

// enforceDecimal rounds f to scale digits and rejects values whose integer
// part needs more than precision-scale digits. Precision 0 is unconstrained.
func enforceDecimal(f float64, precision, scale int) (float64, error) {
	if precision == 0 {
		return f, nil
	}
	pow := math.Pow10(scale)
	rounded := math.Round(f*pow) / pow
	intDigits := len(strconv.FormatFloat(math.Trunc(math.Abs(rounded)), 'f', 0, 64))
	if math.Trunc(math.Abs(rounded)) == 0 {
		intDigits = 0
	}
	if intDigits > precision-scale {
		return 0, fmt.Errorf("%v exceeds DECIMAL(%d,%d)", f, precision, scale)
	}
	return rounded, nil
}

func toText(v value.Value, from, to datastore.TypeTag) (value.Value, error) {
	var s string
	switch val := v.(type) {
	case value.String:
		s = string(val)
	case *value.Map, value.List:
		return jsonToText(v, from, to)
	default:
		s = value.AsString(v)
	}
	if from.Base == datastore.Char && to.Base != datastore.Char {
		s = strings.TrimRight(s, " ")
	}
	switch to.Base {
	case datastore.Char:
		if to.Length > 0 {
			s = fixWidth(s, to.Length)
		}
	case datastore.Varchar:
		if to.Length > 0 && utf8.RuneCountInString(s) > to.Length {
			return nil, fmt.Errorf("%d characters exceed VARCHAR(%d)", utf8.RuneCountInString(s), to.Length)
		}
	}
	return value.String(s), nil
}

// fixWidth pads with spaces or truncates to exactly n characters.
func fixWidth(s string, n int) string {
	count := utf8.RuneCountInString(s)
	if count == n {
		return s
	}
	if count < n {
		return s + strings.Repeat(" ", n-count)
	}
	return string([]rune(s)[:n])
}

// toTemporal handles date/time widening and truncation. DATE values are
// midnight UTC instants.
func toTemporal(v value.Value, _, to datastore.TypeTag) (value.Value, error) {
	var t time.Time
	switch val := v.(type) {
	case value.Time:
		t = val.T()
	case value.String:
		parsed, ok := value.ParseTime(strings.TrimSpace(string(val)))
		if !ok {
			return nil, fmt.Errorf("%q is not a date or time", string(val))
		}
		t = parsed
	default:
		return nil, fmt.Errorf("%s is not a date or time", value.TypeName(v))
	}
	if to.Base == datastore.Date {
		y, m, d := t.Date()
		t = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return value.Time(t), nil
}

func temporalToText(v value.Value, from, to datastore.TypeTag) (value.Value, error) {
	tv, err := toTemporal(v, from, from)
	if err != nil {
		return nil, err
	}
	t := time.Time(tv.(value.Time))
	var s string
	if from.Base == datastore.Date {
		s = t.Format("2006-01-02")
	} else {
		s = t.Format(time.RFC3339Nano)
	}
	return toText(value.String(s), datastore.T(datastore.Text), to)
}

// truthy reports the boolean reading of v. Any nonzero number and the
// strings true, t, yes, y and 1 are true.
func truthy(v value.Value) (bool, error) {
	switch val := v.(type) {
	case value.Bool:
		return bool(val), nil
	case value.Int:
		return val != 0, nil
	case value.Float:
		return val != 0, nil
	case value.String:
		switch strings.ToLower(strings.TrimSpace(string(val))) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		}
		if f, ok := value.AsFloat(val); ok {
			return f != 0, nil
		}
		return false, nil
	case value.Bytes:
		for _, b := range val {
			if b != 0 {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%s has no truth value", value.TypeName(v))
	}
}

func toTruth(v value.Value, _, _ datastore.TypeTag) (value.Value, error) {
	b, err := truthy(v)
	if err != nil {
		return nil, err
	}
	return value.Bool(b), nil
}

func truthToInteger(v value.Value, _, _ datastore.TypeTag) (value.Value, error) {
	b, err := truthy(v)
	if err != nil {
		return nil, err
	}
	if b {
		return value.Int(1), nil
	}
	return value.Int(0), nil
}

func truthToText(v value.Value, from, to datastore.TypeTag) (value.Value, error) {
	b, err := truthy(v)
	if err != nil {
		return nil, err
	}
	return toText(value.String(strconv.FormatBool(b)), datastore.T(datastore.Text), to)
}

// integerToUUID derives a name-based UUID so the same integer maps to the
// same UUID in every run. Not invertible.
func integerToUUID(v value.Value, from, _ datastore.TypeTag) (value.Value, error) {
	n, err := toNumeric(v, from, datastore.T(datastore.Integer))
	if err != nil {
		return nil, err
	}
	id := uuid.NewSHA1(integerNamespace, []byte(strconv.FormatInt(int64(n.(value.Int)), 10)))
	return value.String(id.String()), nil
}

func textToUUID(v value.Value, _, _ datastore.TypeTag) (value.Value, error) {
	id, err := uuid.Parse(strings.TrimSpace(value.AsString(v)))
	if err != nil {
		return nil, fmt.Errorf("%q is not a UUID: %w", value.AsString(v), err)
	}
	return value.String(id.String()), nil
}

// textToJSON parses text as a JSON object or array. Anything else is
// wrapped as {"value": <original>}.
func textToJSON(v value.Value, _, _ datastore.TypeTag) (value.Value, error) {
	switch v.(type) {
	case *value.Map, value.List:
		return value.Clone(v), nil
	}
	parsed, err := value.ParseJSON([]byte(value.AsString(v)))
	if err == nil {
		switch parsed.(type) {
		case *value.Map, value.List:
			return parsed, nil
		}
	}
	return value.MapOf(value.P("value", v)), nil
}

func jsonToText(v value.Value, _, to datastore.TypeTag) (value.Value, error) {
	if s, ok := v.(value.String); ok {
		return toText(s, datastore.T(datastore.Text), to)
	}
	b, err := value.MarshalJSON(v)
	if err != nil {
		return nil, err
	}
	return toText(value.String(b), datastore.T(datastore.Text), to)
}
