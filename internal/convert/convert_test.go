package convert

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/value"
)

func tag(s string) datastore.TypeTag { return datastore.MustParseTypeTag(s) }

func TestConvertRules(t *testing.T) {
	r := NewRegistry()
	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	moment := time.Date(2024, 3, 9, 17, 45, 12, 0, time.UTC)

	tests := []struct {
		name     string
		in       value.Value
		from, to string
		want     value.Value
	}{
		{"integer to decimal", value.Int(350000), "INTEGER", "DECIMAL(12,2)", value.Float(350000)},
		{"decimal rounds scale", value.Float(12.346), "DECIMAL", "DECIMAL(6,2)", value.Float(12.35)},
		{"decimal to integer", value.Float(42), "DECIMAL(10,2)", "INTEGER", value.Int(42)},
		{"varchar to integer", value.String(" 17 "), "VARCHAR(10)", "INTEGER", value.Int(17)},
		{"integer to text", value.Int(-5), "INTEGER", "TEXT", value.String("-5")},
		{"datetime to date", value.Time(moment), "DATETIME", "DATE", value.Time(day)},
		{"date to datetime", value.Time(day), "DATE", "DATETIME", value.Time(day)},
		{"string to timestamp", value.String("2024-03-09 17:45:12"), "VARCHAR", "TIMESTAMP", value.Time(moment)},
		{"date to text", value.Time(day), "DATE", "TEXT", value.String("2024-03-09")},
		{"bit one to boolean", value.Int(1), "BIT", "BOOLEAN", value.Bool(true)},
		{"bit zero to boolean", value.Int(0), "BIT", "BOOLEAN", value.Bool(false)},
		{"bit yes to integer", value.String("Yes"), "BIT", "INTEGER", value.Int(1)},
		{"bit t to string", value.String("t"), "BIT", "TEXT", value.String("true")},
		{"bit nonzero float", value.Float(0.5), "BIT", "BOOLEAN", value.Bool(true)},
		{"bit no", value.String("no"), "BIT", "BOOLEAN", value.Bool(false)},
		{"varchar to json", value.String(`{"a":1}`), "VARCHAR", "JSON_OBJECT", value.MapOf(value.P("a", value.Int(1)))},
		{"varchar to json fallback", value.String("not json"), "VARCHAR", "JSON_OBJECT", value.MapOf(value.P("value", value.String("not json")))},
		{"scalar json wrapped", value.String("12"), "TEXT", "JSON_OBJECT", value.MapOf(value.P("value", value.String("12")))},
		{"char pads", value.String("TX"), "VARCHAR", "CHAR(4)", value.String("TX  ")},
		{"char truncates", value.String("Travis"), "TEXT", "CHAR(3)", value.String("Tra")},
		{"char to varchar trims", value.String("TX  "), "CHAR(4)", "VARCHAR(10)", value.String("TX")},
		{"uuid text canonical", value.String("8C6D5F1E-3B0A-5D4E-9F27-6A1B2C3D4E5F"), "TEXT", "UUID", value.String("8c6d5f1e-3b0a-5d4e-9f27-6a1b2c3d4e5f")},
		{"null propagates", value.Null{}, "INTEGER", "DECIMAL(4,2)", value.Null{}},
		{"large integer stays exact", value.Int(9007199254740993), "INTEGER", "DECIMAL(20,0)", value.Int(9007199254740993)},
		{"large integer text", value.String("9007199254740993"), "TEXT", "INTEGER", value.Int(9007199254740993)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Convert(tt.in, tag(tt.from), tag(tt.to))
			require.NoError(t, err)
			assert.True(t, value.Equal(tt.want, got), "want %v got %v", value.AsString(tt.want), value.AsString(got))
			assert.Equal(t, value.TypeName(tt.want), value.TypeName(got))
		})
	}
}

func TestConvertRejects(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name     string
		in       value.Value
		from, to string
	}{
		{"decimal overflow", value.Float(123456.7), "DECIMAL", "DECIMAL(6,2)"},
		{"fraction to integer", value.Float(1.5), "DECIMAL", "INTEGER"},
		{"integer overflows whole decimal", value.Int(123456), "INTEGER", "DECIMAL(4,0)"},
		{"text not numeric", value.String("abc"), "TEXT", "INTEGER"},
		{"varchar too long", value.String("abcdef"), "TEXT", "VARCHAR(3)"},
		{"bad date", value.String("31/02/2024"), "VARCHAR", "DATE"},
		{"bad uuid", value.String("nope"), "TEXT", "UUID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Convert(tt.in, tag(tt.from), tag(tt.to))
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.KindConversion))
			assert.False(t, errors.Is(err, ErrUnsupportedConversion))
		})
	}
}

func TestUnsupportedPair(t *testing.T) {
	r := NewRegistry()
	_, err := r.Convert(value.String("x"), tag("UUID"), tag("INTEGER"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedConversion)
	assert.False(t, r.Supports(tag("UUID"), tag("INTEGER")))
	assert.True(t, r.Supports(tag("INTEGER"), tag("UUID")))
}

func TestIntegerToUUIDIsDeterministic(t *testing.T) {
	r := NewRegistry()
	a, err := r.Convert(value.Int(101), tag("INTEGER"), tag("UUID"))
	require.NoError(t, err)
	b, err := NewRegistry().Convert(value.String("101"), tag("INTEGER"), tag("UUID"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := r.Convert(value.Int(102), tag("INTEGER"), tag("UUID"))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestRegisterOverrides(t *testing.T) {
	r := NewRegistry()
	r.Register(datastore.UUID, datastore.Integer, func(value.Value, datastore.TypeTag, datastore.TypeTag) (value.Value, error) {
		return value.Int(7), nil
	})
	got, err := r.Convert(value.String("x"), tag("UUID"), tag("INTEGER"))
	require.NoError(t, err)
	assert.Equal(t, value.Int(7), got)
}

// Round trips through pairs with an inverse return the input, except the
// documented lossy datetime -> date truncation.
func TestRoundTrip(t *testing.T) {
	r := NewRegistry()
	moment := time.Date(2023, 11, 30, 8, 15, 0, 0, time.UTC)

	tests := []struct {
		name     string
		in       value.Value
		from, to string
		want     value.Value
	}{
		{"integer decimal", value.Int(987654), "INTEGER", "DECIMAL(10,2)", value.Int(987654)},
		{"large integer whole decimal", value.Int(9007199254740993), "INTEGER", "DECIMAL(20,0)", value.Int(9007199254740993)},
		{"decimal text", value.Float(1234.5), "DECIMAL(8,2)", "TEXT", value.Float(1234.5)},
		{"integer text", value.Int(42), "INTEGER", "VARCHAR(20)", value.Int(42)},
		{"boolean bit", value.Bool(true), "BOOLEAN", "BIT", value.Bool(true)},
		{"bit text", value.Bool(false), "BIT", "TEXT", value.Bool(false)},
		{"datetime timestamp", value.Time(moment), "DATETIME", "TIMESTAMP", value.Time(moment)},
		{"datetime text", value.Time(moment), "DATETIME", "TEXT", value.Time(moment)},
		{"date text", value.Time(time.Date(2023, 11, 30, 0, 0, 0, 0, time.UTC)), "DATE", "VARCHAR(10)", value.Time(time.Date(2023, 11, 30, 0, 0, 0, 0, time.UTC))},
		{"json text", value.MapOf(value.P("b", value.Int(1)), value.P("a", value.List{value.String("x")})), "JSON_OBJECT", "TEXT", value.MapOf(value.P("b", value.Int(1)), value.P("a", value.List{value.String("x")}))},
		{"char varchar", value.String("AB  "), "CHAR(4)", "VARCHAR(4)", value.String("AB  ")},
		{"uuid text", value.String("8c6d5f1e-3b0a-5d4e-9f27-6a1b2c3d4e5f"), "UUID", "TEXT", value.String("8c6d5f1e-3b0a-5d4e-9f27-6a1b2c3d4e5f")},
		{"datetime date lossy", value.Time(moment), "DATETIME", "DATE", value.Time(time.Date(2023, 11, 30, 0, 0, 0, 0, time.UTC))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			there, err := r.Convert(tt.in, tag(tt.from), tag(tt.to))
			require.NoError(t, err)
			back, err := r.Convert(there, tag(tt.to), tag(tt.from))
			require.NoError(t, err)
			assert.True(t, value.Equal(tt.want, back), "want %v got %v", value.AsString(tt.want), value.AsString(back))
		})
	}
}
