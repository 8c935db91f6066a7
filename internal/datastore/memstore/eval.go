package memstore

import (
	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/queryir"
	"github.com/roach88/syncline/internal/value"
)

// eval evaluates a predicate against a row with SQL null semantics: a
// comparison involving null is false.
func eval(p queryir.Predicate, row *value.Map, params datastore.Params) (bool, error) {
	switch pr := p.(type) {
	case nil:
		return true, nil
	case queryir.Compare:
		arg, ok := params[pr.Param]
		if !ok {
			return false, failure.Newf(failure.KindConfig, "memstore.eval", "missing parameter %s", pr.Param)
		}
		col, _ := value.GetPath(row, pr.Column)
		return compare(col, pr.Op, arg), nil
	case queryir.In:
		col, _ := value.GetPath(row, pr.Column)
		for _, name := range pr.Params {
			arg, ok := params[name]
			if !ok {
				return false, failure.Newf(failure.KindConfig, "memstore.eval", "missing parameter %s", name)
			}
			if compare(col, queryir.OpEq, arg) {
				return true, nil
			}
		}
		return false, nil
	case queryir.IsNull:
		col, ok := value.GetPath(row, pr.Column)
		isNull := !ok || value.IsNull(col)
		return isNull != pr.Negate, nil
	case queryir.And:
		for _, c := range pr.Predicates {
			ok, err := eval(c, row, params)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case queryir.Or:
		for _, c := range pr.Predicates {
			ok, err := eval(c, row, params)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, failure.Newf(failure.KindConfig, "memstore.eval", "unsupported predicate %T", p)
	}
}

func compare(col value.Value, op queryir.Op, arg value.Value) bool {
	if value.IsNull(col) || value.IsNull(arg) {
		return false
	}
	c, ok := value.Compare(col, arg)
	if !ok {
		switch op {
		case queryir.OpEq:
			return value.Equal(col, arg) || value.AsString(col) == value.AsString(arg)
		case queryir.OpNe:
			return !value.Equal(col, arg) && value.AsString(col) != value.AsString(arg)
		default:
			return false
		}
	}
	switch op {
	case queryir.OpEq:
		return c == 0
	case queryir.OpNe:
		return c != 0
	case queryir.OpLt:
		return c < 0
	case queryir.OpLe:
		return c <= 0
	case queryir.OpGt:
		return c > 0
	case queryir.OpGe:
		return c >= 0
	}
	return false
}
