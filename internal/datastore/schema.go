package datastore

import (
	"fmt"
	"strconv"
	"strings"
)

// Base is a type tag family from the closed set stores report.
type Base string

const (
	Integer    Base = "INTEGER"
	Decimal    Base = "DECIMAL"
	Varchar    Base = "VARCHAR"
	Text       Base = "TEXT"
	Char       Base = "CHAR"
	Date       Base = "DATE"
	Datetime   Base = "DATETIME"
	Timestamp  Base = "TIMESTAMP"
	Bit        Base = "BIT"
	Boolean    Base = "BOOLEAN"
	UUID       Base = "UUID"
	JSONObject Base = "JSON_OBJECT"
)

var bases = map[string]Base{
	"INTEGER":     Integer,
	"DECIMAL":     Decimal,
	"VARCHAR":     Varchar,
	"TEXT":        Text,
	"CHAR":        Char,
	"DATE":        Date,
	"DATETIME":    Datetime,
	"TIMESTAMP":   Timestamp,
	"BIT":         Bit,
	"BOOLEAN":     Boolean,
	"UUID":        UUID,
	"JSON_OBJECT": JSONObject,
}

// TypeTag is a column type. Length applies to VARCHAR and CHAR; Precision
// and Scale to DECIMAL. Zero means unconstrained.
type TypeTag struct {
	Base      Base
	Length    int
	Precision int
	Scale     int
}

// T builds an unparameterised tag.
func T(b Base) TypeTag { return TypeTag{Base: b} }

// DecimalTag builds DECIMAL(p,s).
func DecimalTag(p, s int) TypeTag { return TypeTag{Base: Decimal, Precision: p, Scale: s} }

// VarcharTag builds VARCHAR(n).
func VarcharTag(n int) TypeTag { return TypeTag{Base: Varchar, Length: n} }

// CharTag builds CHAR(n).
func CharTag(n int) TypeTag { return TypeTag{Base: Char, Length: n} }

// String renders the tag in its canonical form, e.g. DECIMAL(12,2).
func (t TypeTag) String() string {
	switch {
	case t.Base == Decimal && t.Precision > 0:
		return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale)
	case (t.Base == Varchar || t.Base == Char) && t.Length > 0:
		return fmt.Sprintf("%s(%d)", t.Base, t.Length)
	default:
		return string(t.Base)
	}
}

// IsTemporal reports whether the tag holds dates or instants.
func (t TypeTag) IsTemporal() bool {
	return t.Base == Date || t.Base == Datetime || t.Base == Timestamp
}

// IsText reports whether the tag holds character data.
func (t TypeTag) IsText() bool {
	return t.Base == Varchar || t.Base == Text || t.Base == Char
}

// ParseTypeTag parses a tag from the closed set, e.g. "VARCHAR(40)",
// "decimal(12, 2)", "JSON_OBJECT". STRING is accepted as TEXT.
func ParseTypeTag(s string) (TypeTag, error) {
	name, args, err := splitTypeArgs(s)
	if err != nil {
		return TypeTag{}, err
	}
	if name == "STRING" {
		name = "TEXT"
	}
	b, ok := bases[name]
	if !ok {
		return TypeTag{}, fmt.Errorf("unknown type tag %q", s)
	}
	return withArgs(b, args, s)
}

// MustParseTypeTag is ParseTypeTag for static tables. Panics on error.
func MustParseTypeTag(s string) TypeTag {
	t, err := ParseTypeTag(s)
	if err != nil {
		panic(err)
	}
	return t
}

// sqlTypes maps native SQL type names reported by drivers onto tags.
var sqlTypes = map[string]Base{
	"INT": Integer, "INT2": Integer, "INT4": Integer, "INT8": Integer,
	"SMALLINT": Integer, "BIGINT": Integer, "TINYINT": Integer, "MEDIUMINT": Integer,
	"SERIAL": Integer, "BIGSERIAL": Integer,
	"NUMERIC": Decimal, "REAL": Decimal, "FLOAT": Decimal, "FLOAT4": Decimal, "FLOAT8": Decimal,
	"DOUBLE": Decimal, "DOUBLE PRECISION": Decimal, "MONEY": Decimal,
	"CHARACTER VARYING": Varchar, "NVARCHAR": Varchar, "VARCHAR2": Varchar,
	"CHARACTER": Char, "NCHAR": Char, "BPCHAR": Char,
	"CLOB": Text, "NTEXT": Text, "CITEXT": Text,
	"TIMESTAMP WITH TIME ZONE": Timestamp, "TIMESTAMP WITHOUT TIME ZONE": Timestamp,
	"TIMESTAMPTZ": Timestamp, "DATETIME2": Datetime, "SMALLDATETIME": Datetime,
	"BOOL": Boolean, "UNIQUEIDENTIFIER": UUID,
	"JSON": JSONObject, "JSONB": JSONObject,
	"BLOB": Text, "BYTEA": Text,
}

// FromSQLType maps a driver-reported column type onto a tag. Unknown or
// empty types map to TEXT with ok=false.
func FromSQLType(s string) (TypeTag, bool) {
	if t, err := ParseTypeTag(s); err == nil {
		return t, true
	}
	name, args, err := splitTypeArgs(s)
	if err != nil {
		return T(Text), false
	}
	b, ok := sqlTypes[name]
	if !ok {
		return T(Text), false
	}
	t, err := withArgs(b, args, s)
	if err != nil {
		return T(b), true
	}
	return t, true
}

func splitTypeArgs(s string) (string, []int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return strings.Join(strings.Fields(s), " "), nil, nil
	}
	if !strings.HasSuffix(s, ")") {
		return "", nil, fmt.Errorf("malformed type tag %q", s)
	}
	name := strings.Join(strings.Fields(s[:open]), " ")
	var args []int
	for _, part := range strings.Split(s[open+1:len(s)-1], ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return "", nil, fmt.Errorf("malformed type tag %q", s)
		}
		args = append(args, n)
	}
	return name, args, nil
}

func withArgs(b Base, args []int, raw string) (TypeTag, error) {
	t := TypeTag{Base: b}
	switch b {
	case Decimal:
		switch len(args) {
		case 0:
		case 1:
			t.Precision = args[0]
		case 2:
			t.Precision, t.Scale = args[0], args[1]
			if t.Scale > t.Precision {
				return TypeTag{}, fmt.Errorf("type tag %q: scale exceeds precision", raw)
			}
		default:
			return TypeTag{}, fmt.Errorf("type tag %q: too many arguments", raw)
		}
	case Varchar, Char:
		switch len(args) {
		case 0:
		case 1:
			t.Length = args[0]
		default:
			return TypeTag{}, fmt.Errorf("type tag %q: too many arguments", raw)
		}
	default:
		if len(args) > 0 {
			return TypeTag{}, fmt.Errorf("type tag %q takes no arguments", raw)
		}
	}
	return t, nil
}

// Column describes one table column.
type Column struct {
	Name       string
	Type       TypeTag
	Nullable   bool
	PrimaryKey bool
}

// Schema describes a table. Columns keep the store's declaration order.
type Schema struct {
	Table   string
	Columns []Column
}

// Lookup returns the named column.
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Types returns the column -> tag map.
func (s Schema) Types() map[string]TypeTag {
	out := make(map[string]TypeTag, len(s.Columns))
	for _, c := range s.Columns {
		out[c.Name] = c.Type
	}
	return out
}

// PrimaryKey returns the first primary key column name, or "".
func (s Schema) PrimaryKey() string {
	for _, c := range s.Columns {
		if c.PrimaryKey {
			return c.Name
		}
	}
	return ""
}
