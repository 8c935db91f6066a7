// Package convert is the registry of value conversions between source and
// target column types.
package convert

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/value"
)

// ErrUnsupportedConversion is returned for type pairs with no registered rule.
var ErrUnsupportedConversion = errors.New("unsupported conversion")

// Func converts one non-null value. from and to carry the full tags so rules
// can honour precision, scale and length.
type Func func(v value.Value, from, to datastore.TypeTag) (value.Value, error)

type pair struct {
	from, to datastore.Base
}

// Registry maps (source base, target base) pairs to conversion functions.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[pair]Func
}

// NewRegistry returns a registry holding the built-in rules.
func NewRegistry() *Registry {
	r := &Registry{funcs: map[pair]Func{}}
	registerBuiltins(r)
	return r
}

// Register adds or replaces the rule for a pair.
func (r *Registry) Register(from, to datastore.Base, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[pair{from, to}] = fn
}

// Supports reports whether a rule exists for the pair.
func (r *Registry) Supports(from, to datastore.TypeTag) bool {
	_, ok := r.lookup(from.Base, to.Base)
	return ok
}

func (r *Registry) lookup(from, to datastore.Base) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[pair{from, to}]
	return fn, ok
}

// Convert converts v from one column type to another. Null converts to
// Null. Rejected values return a conversion error; unknown pairs also wrap
// ErrUnsupportedConversion.
func (r *Registry) Convert(v value.Value, from, to datastore.TypeTag) (value.Value, error) {
	fn, ok := r.lookup(from.Base, to.Base)
	if !ok {
		return nil, failure.Wrap(failure.KindConversion, "convert",
			fmt.Errorf("%w: %s -> %s", ErrUnsupportedConversion, from, to))
	}
	if value.IsNull(v) {
		return value.Null{}, nil
	}
	out, err := fn(v, from, to)
	if err != nil {
		return nil, failure.Wrap(failure.KindConversion, "convert",
			fmt.Errorf("%s -> %s: %w", from, to, err))
	}
	return out, nil
}

// Pairs lists every registered pair as "FROM->TO".
func (r *Registry) Pairs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for p := range r.funcs {
		out = append(out, string(p.from)+"->"+string(p.to))
	}
	return out
}
