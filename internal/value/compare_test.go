package value

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		a, b   Value
		want   int
		wantOK bool
	}{
		{"ints", Int(1), Int(2), -1, true},
		{"int float", Int(3), Float(2.5), 1, true},
		{"ints beyond float precision", Int(9007199254740993), Int(9007199254740992), 1, true},
		{"numeric string", String("150001"), Int(150000), 1, true},
		{"times", Time(t0), Time(t0.Add(time.Second)), -1, true},
		{"time vs string", Time(t0), String("2024-01-01T00:00:00Z"), 0, true},
		{"strings", String("b"), String("a"), 1, true},
		{"bools", Bool(false), Bool(true), -1, true},
		{"null", Null{}, Int(1), 0, false},
		{"mixed", Bool(true), Int(1), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Compare(tt.a, tt.b)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
