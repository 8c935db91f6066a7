package transform

import (
	"fmt"
	"sort"

	"github.com/roach88/syncline/internal/convert"
	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/failure"
)

// Coerce converts the record's declared columns from their source types
// into the target schema's types. Columns absent from the payload or the
// schema are left alone. The first failure is returned as a conversion
// error and the payload is left partially converted.
func Coerce(rec *Record, m *Mapping, target datastore.Schema, reg *convert.Registry) error {
	if len(m.ColumnTypes) == 0 || rec.Payload == nil {
		return nil
	}
	cols := make([]string, 0, len(m.ColumnTypes))
	for c := range m.ColumnTypes {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	for _, col := range cols {
		v, ok := rec.Payload.Get(col)
		if !ok {
			continue
		}
		tc, ok := target.Lookup(col)
		if !ok {
			continue
		}
		out, err := reg.Convert(v, m.ColumnTypes[col], tc.Type)
		if err != nil {
			return failure.Wrap(failure.KindConversion, "transform.coerce",
				fmt.Errorf("column %s: %w", col, err))
		}
		rec.Payload.Set(col, out)
	}
	return nil
}
