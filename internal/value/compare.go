package value

import (
	"cmp"
	"strings"
	"time"
)

// Compare orders two values. It returns -1, 0 or 1 and true when the pair is
// comparable: numbers with numbers, times with times or time-like strings,
// strings with strings and bools with bools. Null is not comparable.
func Compare(a, b Value) (int, bool) {
	if IsNull(a) || IsNull(b) {
		return 0, false
	}
	if IsNumeric(a) && IsNumeric(b) {
		return cmpNumber(a, b), true
	}
	_, aTime := a.(Time)
	_, bTime := b.(Time)
	if aTime || bTime {
		at, ok1 := AsTime(a)
		bt, ok2 := AsTime(b)
		if !ok1 || !ok2 {
			return 0, false
		}
		return cmpTime(at, bt), true
	}
	switch av := a.(type) {
	case String:
		if bv, ok := b.(String); ok {
			return strings.Compare(string(av), string(bv)), true
		}
		if IsNumeric(b) {
			if af, ok := AsFloat(av); ok {
				bf, _ := AsFloat(b)
				return cmpFloat(af, bf), true
			}
		}
	case Bool:
		if bv, ok := b.(Bool); ok {
			switch {
			case av == bv:
				return 0, true
			case !bool(av):
				return -1, true
			default:
				return 1, true
			}
		}
	case Int, Float:
		if bv, ok := b.(String); ok {
			if bf, ok := AsFloat(bv); ok {
				af, _ := AsFloat(a)
				return cmpFloat(af, bf), true
			}
		}
	}
	return 0, false
}

// cmpNumber orders two numeric values. Two Ints compare as int64 so values
// beyond 2^53 stay distinct.
func cmpNumber(a, b Value) int {
	ai, aInt := a.(Int)
	bi, bInt := b.(Int)
	if aInt && bInt {
		return cmp.Compare(ai, bi)
	}
	af, _ := AsFloat(a)
	bf, _ := AsFloat(b)
	return cmpFloat(af, bf)
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}
