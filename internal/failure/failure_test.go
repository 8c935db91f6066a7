package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfPrefersTypedError(t *testing.T) {
	base := New(KindConversion, "convert", "value out of range")
	wrapped := fmt.Errorf("transform record 7: %w", base)

	assert.Equal(t, KindConversion, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindConversion))
	assert.Contains(t, wrapped.Error(), "convert: value out of range")
}

func TestKindOfClassifiesMessages(t *testing.T) {
	tests := []struct {
		msg  string
		want Kind
	}{
		{"dial tcp: connection refused", KindConnection},
		{"i/o timeout", KindConnection},
		{"UNIQUE constraint failed: properties.id", KindConstraint},
		{"integrity violation", KindConstraint},
		{"runtime: out of memory", KindResource},
		{"buffer overflow", KindResource},
		{"429 too many requests", KindRateLimit},
		{"request throttled", KindRateLimit},
		{"something odd", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(errors.New(tt.msg)))
		})
	}
}

func TestKindOfContextErrors(t *testing.T) {
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindConnection, KindOf(fmt.Errorf("query: %w", context.DeadlineExceeded)))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindConnection, "op", nil))
	err := Wrap(KindConnection, "store.query", errors.New("boom"))
	assert.EqualError(t, err, "store.query: boom")
	assert.EqualError(t, Wrap(KindConnection, "", errors.New("boom")), "boom")
	assert.EqualError(t, &Error{Kind: KindConstraint, Op: "writer.insert", Message: "batch rejected", Err: errors.New("UNIQUE")},
		"writer.insert: batch rejected: UNIQUE")
	assert.EqualError(t, New(KindResource, "monitor", ""), "monitor: resource")
	assert.True(t, IsFatal(New(KindConfig, "load", "missing mapping")))
	assert.False(t, IsFatal(err))
}

func TestCounts(t *testing.T) {
	c := Counts{}
	c.Add(New(KindValidation, "", "bad"))
	c.Add(New(KindValidation, "", "bad"))
	c.Add(errors.New("connection reset by peer"))
	assert.Equal(t, 2, c[KindValidation])
	assert.Equal(t, 1, c[KindConnection])
	assert.Equal(t, 3, c.Total())
}
