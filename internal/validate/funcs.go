package validate

import (
	"net/mail"
	"time"

	"github.com/roach88/syncline/internal/value"
)

// Builtins returns the custom functions available to every configuration.
func Builtins() Funcs {
	return Funcs{
		"non_negative": {
			Description: "value must not be negative",
			Fn: func(v value.Value, _ *value.Map) bool {
				f, ok := value.AsFloat(v)
				return ok && f >= 0
			},
		},
		"not_future": {
			Description: "date must not be in the future",
			Fn: func(v value.Value, _ *value.Map) bool {
				t, ok := value.AsTime(v)
				return ok && !t.After(time.Now())
			},
		},
		"email": {
			Description: "value must be an email address",
			Fn: func(v value.Value, _ *value.Map) bool {
				s, ok := v.(value.String)
				if !ok {
					return false
				}
				_, err := mail.ParseAddress(string(s))
				return err == nil
			},
		},
	}
}
