package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/queryir"
	"github.com/roach88/syncline/internal/value"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	require.NoError(t, s.Seed("properties", "property_id",
		value.MapOf(value.P("property_id", value.Int(101)), value.P("land_value", value.Int(120000)), value.P("county", value.String("Travis"))),
		value.MapOf(value.P("property_id", value.Int(156)), value.P("land_value", value.Int(180000)), value.P("county", value.String("Hays"))),
		value.MapOf(value.P("property_id", value.Int(200)), value.P("land_value", value.Int(210000)), value.P("county", value.Null{})),
	))
	return s
}

func TestSelectFiltersAndOrders(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	rows, err := s.Query(ctx, queryir.Select{
		Table:   "properties",
		Filter:  queryir.Compare{Column: "land_value", Op: queryir.OpGt, Param: "min"},
		OrderBy: []queryir.Order{queryir.Desc("land_value")},
	}, datastore.Params{"min": value.Int(150000)})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	id, _ := rows[0].Get("property_id")
	assert.Equal(t, value.Int(200), id)
}

func TestSelectNullSemantics(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	rows, err := s.Query(ctx, queryir.Select{Table: "properties", Filter: queryir.Compare{Column: "county", Op: queryir.OpNe, Param: "c"}},
		datastore.Params{"c": value.String("Hays")})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "null county never compares")

	rows, err = s.Query(ctx, queryir.Select{Table: "properties", Filter: queryir.IsNull{Column: "county"}}, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSelectProjectionAndLimit(t *testing.T) {
	s := seeded(t)
	rows, err := s.Query(context.Background(), queryir.Select{Table: "properties", Columns: []string{"property_id"}, Limit: 2}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"property_id"}, rows[0].Keys())
}

func TestInsertIsAllOrNothing(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	stmt := queryir.Insert{Table: "properties", Columns: []string{"property_id", "land_value"}, Rows: 2}
	params := datastore.Params{
		queryir.InsertParam(0, "property_id"): value.Int(300),
		queryir.InsertParam(0, "land_value"):  value.Int(1),
		queryir.InsertParam(1, "property_id"): value.Int(101),
		queryir.InsertParam(1, "land_value"):  value.Int(2),
	}
	_, err := s.Execute(ctx, stmt, params)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindConstraint))
	_, ok := s.Row("properties", "300")
	assert.False(t, ok, "no row of a failed batch is applied")

	stmt.OnConflict = "property_id"
	n, err := s.Execute(ctx, stmt, params)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	row, ok := s.Row("properties", "101")
	require.True(t, ok)
	lv, _ := row.Get("land_value")
	assert.Equal(t, value.Int(2), lv)
	county, _ := row.Get("county")
	assert.Equal(t, value.String("Travis"), county, "upsert keeps unspecified columns")
}

func TestUpdateAndDelete(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	n, err := s.Execute(ctx, queryir.Update{Table: "properties", Columns: []string{"land_value"}, Filter: queryir.Eq("property_id", "pk")},
		datastore.Params{"pk": value.Int(156), queryir.SetParam("land_value"): value.Int(5)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Execute(ctx, queryir.Delete{Table: "properties", Filter: queryir.In{Column: "property_id", Params: []string{"a", "b"}}},
		datastore.Params{"a": value.Int(101), "b": value.Int(999)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ops := []string{}
	for _, m := range s.Journal() {
		ops = append(ops, m.Op+":"+m.Key)
	}
	assert.Equal(t, []string{"update:156", "delete:101"}, ops)
}

func TestTransactionRollback(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	err := datastore.WithTx(ctx, s, func(tx datastore.Tx) error {
		if _, err := tx.Execute(ctx, queryir.Update{Table: "properties", Columns: []string{"land_value"}, Filter: queryir.Eq("property_id", "pk")},
			datastore.Params{"pk": value.Int(101), queryir.SetParam("land_value"): value.Int(1)}); err != nil {
			return err
		}
		if _, err := tx.Execute(ctx, queryir.Delete{Table: "properties", Filter: queryir.Eq("property_id", "pk")},
			datastore.Params{"pk": value.Int(200)}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	row, ok := s.Row("properties", "101")
	require.True(t, ok)
	lv, _ := row.Get("land_value")
	assert.Equal(t, value.Int(120000), lv)
	_, ok = s.Row("properties", "200")
	assert.True(t, ok)
	assert.Empty(t, s.Journal())
}

func TestTransactionCommitJournals(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	require.NoError(t, datastore.WithTx(ctx, s, func(tx datastore.Tx) error {
		_, err := tx.Execute(ctx, queryir.Delete{Table: "properties", Filter: queryir.Eq("property_id", "pk")},
			datastore.Params{"pk": value.Int(200)})
		return err
	}))
	require.Len(t, s.Journal(), 1)
}

func TestFaultInjection(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	s.SetFault(FailFirst(2, Inserts, errors.New("connection reset")))

	stmt := queryir.Insert{Table: "properties", Columns: []string{"property_id"}, Rows: 1}
	params := datastore.Params{queryir.InsertParam(0, "property_id"): value.Int(500)}

	for i := 0; i < 2; i++ {
		_, err := s.Execute(ctx, stmt, params)
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.KindConnection))
	}
	_, err := s.Execute(ctx, stmt, params)
	require.NoError(t, err)

	_, err = s.Query(ctx, queryir.Select{Table: "properties"}, nil)
	require.NoError(t, err, "selects are not matched")
}

func TestErrors(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	_, err := s.Query(ctx, queryir.Select{Table: "missing"}, nil)
	assert.ErrorIs(t, err, datastore.ErrNoSuchTable)

	_, err = s.Schema(ctx, "missing")
	assert.ErrorIs(t, err, datastore.ErrNoSuchTable)

	_, err = s.Query(ctx, queryir.Raw{SQL: "SELECT 1"}, nil)
	assert.True(t, failure.IsFatal(err))

	_, err = s.Query(ctx, queryir.Select{Table: "properties", Filter: queryir.Eq("property_id", "nope")}, nil)
	assert.ErrorContains(t, err, "missing parameter nope")
}

func TestInferredSchema(t *testing.T) {
	s := seeded(t)
	schema, err := s.Schema(context.Background(), "properties")
	require.NoError(t, err)
	assert.Equal(t, "property_id", schema.PrimaryKey())
	c, ok := schema.Lookup("land_value")
	require.True(t, ok)
	assert.Equal(t, datastore.T(datastore.Integer), c.Type)
}
