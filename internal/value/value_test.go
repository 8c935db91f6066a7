package value

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapPreservesInsertionOrder(t *testing.T) {
	m := MapOf(P("zeta", Int(1)), P("alpha", Int(2)), P("mid", Int(3)))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, m.Keys())

	m.Set("alpha", Int(20))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, m.Keys(), "overwrite keeps position")

	require.True(t, m.Delete("alpha"))
	assert.Equal(t, []string{"zeta", "mid"}, m.Keys())
	assert.False(t, m.Delete("alpha"))
}

func TestMapRenameKeepsPosition(t *testing.T) {
	m := MapOf(P("a", Int(1)), P("b", Int(2)), P("c", Int(3)))
	require.True(t, m.Rename("b", "beta"))
	assert.Equal(t, []string{"a", "beta", "c"}, m.Keys())
	v, ok := m.Get("beta")
	require.True(t, ok)
	assert.Equal(t, Int(2), v)
	assert.False(t, m.Rename("missing", "x"))
}

func TestCloneIsDeep(t *testing.T) {
	inner := MapOf(P("x", Int(1)))
	m := MapOf(P("inner", inner), P("list", List{String("a")}))
	c := m.Clone()

	inner.Set("x", Int(99))
	got, ok := GetPath(c, "inner.x")
	require.True(t, ok)
	assert.Equal(t, Int(1), got)
}

func TestPathOperations(t *testing.T) {
	m := NewMap()
	SetPath(m, "valuation.total", Int(350000))
	SetPath(m, "valuation.land", Int(100000))
	SetPath(m, "ownership.primary_owner", String("Jane"))

	v, ok := GetPath(m, "valuation.total")
	require.True(t, ok)
	assert.Equal(t, Int(350000), v)

	_, ok = GetPath(m, "valuation.missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"valuation", "ownership"}, m.Keys())

	require.True(t, DeletePath(m, "valuation.land"))
	_, ok = GetPath(m, "valuation.land")
	assert.False(t, ok)
}

func TestGetPathIndexesLists(t *testing.T) {
	m := MapOf(P("items", List{MapOf(P("sku", String("A1")))}))
	v, ok := GetPath(m, "items.0.sku")
	require.True(t, ok)
	assert.Equal(t, String("A1"), v)

	_, ok = GetPath(m, "items.3.sku")
	assert.False(t, ok)
}

func TestLeavesFlattensInOrder(t *testing.T) {
	m := NewMap()
	SetPath(m, "a.b", Int(1))
	SetPath(m, "a.c", Int(2))
	m.Set("d", String("x"))

	leaves := Leaves(m)
	require.Len(t, leaves, 3)
	assert.Equal(t, "a.b", leaves[0].Key)
	assert.Equal(t, "a.c", leaves[1].Key)
	assert.Equal(t, "d", leaves[2].Key)
}

func TestEqual(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"int float numeric", Int(3), Float(3), true},
		{"different ints", Int(3), Int(4), false},
		{"ints beyond float precision", Int(9007199254740993), Int(9007199254740992), false},
		{"null vs nil", Null{}, nil, true},
		{"null vs zero", Null{}, Int(0), false},
		{"strings", String("a"), String("a"), true},
		{"string vs int", String("1"), Int(1), false},
		{"times same instant", Time(now), Time(now.In(time.FixedZone("x", 3600))), true},
		{"maps ignore order", MapOf(P("a", Int(1)), P("b", Int(2))), MapOf(P("b", Int(2)), P("a", Int(1))), true},
		{"lists ordered", List{Int(1), Int(2)}, List{Int(2), Int(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestOfAndToAny(t *testing.T) {
	v, err := Of(map[string]any{"b": 2, "a": []any{"x", true, nil}})
	require.NoError(t, err)

	m, ok := v.(*Map)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, m.Keys(), "native maps are sorted")

	back := ToAny(m).(map[string]any)
	assert.Equal(t, int64(2), back["b"])
	assert.Equal(t, []any{"x", true, nil}, back["a"])

	_, err = Of(struct{}{})
	assert.Error(t, err)
}

func TestAsTimeParsesCommonLayouts(t *testing.T) {
	for _, s := range []string{"2024-03-01", "2024-03-01 10:00:00", "2024-03-01T10:00:00Z"} {
		_, ok := AsTime(String(s))
		assert.True(t, ok, s)
	}
	_, ok := AsTime(String("yesterday"))
	assert.False(t, ok)
}
