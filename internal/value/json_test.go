package value

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONPreservesOrderAndTypes(t *testing.T) {
	v, err := ParseJSON([]byte(`{"z":1,"a":2.5,"m":{"y":null,"x":[true,"s"]}}`))
	require.NoError(t, err)

	m := v.(*Map)
	assert.Equal(t, []string{"z", "a", "m"}, m.Keys())

	z, _ := m.Get("z")
	assert.Equal(t, Int(1), z)
	a, _ := m.Get("a")
	assert.Equal(t, Float(2.5), a)

	inner, ok := GetPath(m, "m")
	require.True(t, ok)
	assert.Equal(t, []string{"y", "x"}, inner.(*Map).Keys())
}

func TestParseJSONRejectsTrailingData(t *testing.T) {
	_, err := ParseJSON([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)

	_, err = ParseJSON([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestMarshalJSONKeepsOrder(t *testing.T) {
	m := MapOf(
		P("id", String("PROP-101")),
		P("when", Time(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))),
		P("tags", List{String("<a>")}),
	)
	b, err := MarshalJSON(m)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"PROP-101","when":"2024-05-01T12:00:00Z","tags":["<a>"]}`, string(b))
}

func TestMapImplementsJSONInterfaces(t *testing.T) {
	type envelope struct {
		Payload *Map `json:"payload"`
	}
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(`{"payload":{"b":1,"a":2}}`), &env))
	assert.Equal(t, []string{"b", "a"}, env.Payload.Keys())

	out, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"payload":{"b":1,"a":2}}`, string(out))
}

func TestMarshalCanonicalSortsAndNormalizes(t *testing.T) {
	m := MapOf(P("b", Float(2)), P("a", String("é")))
	got, err := MarshalCanonical(m)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":\"é\",\"b\":2}", string(got))
}

func TestFingerprintStableAcrossKeyOrder(t *testing.T) {
	a := MapOf(P("x", Int(1)), P("y", Int(2)))
	b := MapOf(P("y", Int(2)), P("x", Int(1)))

	fa, err := Fingerprint("test/v1", a)
	require.NoError(t, err)
	fb, err := Fingerprint("test/v1", b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	fc, err := Fingerprint("other/v1", a)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc, "domain separates fingerprints")
}
