package conflict

import (
	"math"
	"strings"
	"time"

	"github.com/roach88/syncline/internal/value"
)

// numericTolerance is the relative difference a financial field may drift
// before it conflicts.
const numericTolerance = 0.01

// timeTolerance is the absolute difference allowed between timestamps.
const timeTolerance = 60 * time.Second

var financialMarkers = []string{"value", "amount"}

var timeMarkers = []string{"date", "time", "_at", "updated", "created", "modified"}

var identityFields = map[string]bool{
	"property_id":   true,
	"parcel_number": true,
	"parcel_id":     true,
	"owner_name":    true,
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func hasMarker(field string, markers []string) bool {
	lower := strings.ToLower(field)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// isFinancial reports whether the field's own name marks it as a money
// amount; parent path segments do not count.
func isFinancial(field string, a, b value.Value) bool {
	return hasMarker(lastSegment(field), financialMarkers) && numeric(a) && numeric(b)
}

func numeric(v value.Value) bool {
	if value.IsNumeric(v) {
		return true
	}
	_, ok := v.(value.String)
	if !ok {
		return false
	}
	_, ok = value.AsFloat(v)
	return ok
}

func relDiff(a, b value.Value) float64 {
	x, _ := value.AsFloat(a)
	y, _ := value.AsFloat(b)
	den := math.Max(math.Abs(x), math.Abs(y))
	if den == 0 {
		return 0
	}
	return math.Abs(x-y) / den
}

func timePair(field string, a, b value.Value) (time.Time, time.Time, bool) {
	_, aTime := a.(value.Time)
	_, bTime := b.(value.Time)
	if !aTime && !bTime && !hasMarker(field, timeMarkers) {
		return time.Time{}, time.Time{}, false
	}
	x, ok1 := value.AsTime(a)
	y, ok2 := value.AsTime(b)
	return x, y, ok1 && ok2
}

// differs applies field-aware equality.
func differs(field string, source, target value.Value) bool {
	if isFinancial(field, source, target) {
		return relDiff(source, target) > numericTolerance
	}
	if x, y, ok := timePair(field, source, target); ok {
		d := x.Sub(y)
		if d < 0 {
			d = -d
		}
		return d > timeTolerance
	}
	return !value.Equal(source, target)
}

// severity grades a diverging field.
func severity(field string, source, target value.Value) Severity {
	if identityFields[field] || identityFields[lastSegment(field)] {
		return High
	}
	if isFinancial(field, source, target) {
		d := relDiff(source, target)
		switch {
		case d > 0.10:
			return High
		case d > 0.05:
			return Medium
		default:
			return Low
		}
	}
	return Medium
}
