package executor

import (
	"context"
	"log/slog"

	"github.com/roach88/syncline/internal/failure"
)

// Results holds the outcome of Map or MapBatched in input order. A failed
// slot holds the zero value and a non-nil error.
type Results[R any] struct {
	Values []R
	Errs   []error

	// Counts tallies failed slots by error kind.
	Counts failure.Counts
}

// Failed returns the number of failed slots.
func (r Results[R]) Failed() int {
	return r.Counts.Total()
}

// OK reports whether slot i succeeded.
func (r Results[R]) OK(i int) bool {
	return r.Errs[i] == nil
}

// Map applies fn to every item on ex.
func Map[T, R any](ctx context.Context, ex Executor, items []T, fn func(context.Context, T) (R, error)) Results[R] {
	res := Results[R]{
		Values: make([]R, len(items)),
		Counts: failure.Counts{},
	}
	res.Errs = ex.Run(ctx, len(items), func(ctx context.Context, i int) error {
		v, err := fn(ctx, items[i])
		if err != nil {
			return err
		}
		res.Values[i] = v
		return nil
	})
	tally(&res, loggerOf(ex))
	return res
}

// MapBatched groups items into batches of size, applies fn to each batch
// on ex and flattens the results. fn must return one result per input; a
// batch error fails every slot of that batch.
func MapBatched[T, R any](ctx context.Context, ex Executor, items []T, size int, fn func(context.Context, []T) ([]R, error)) Results[R] {
	if size < 1 {
		size = 1
	}
	res := Results[R]{
		Values: make([]R, len(items)),
		Errs:   make([]error, len(items)),
		Counts: failure.Counts{},
	}
	batches := (len(items) + size - 1) / size
	errs := ex.Run(ctx, batches, func(ctx context.Context, b int) error {
		lo, hi := b*size, min((b+1)*size, len(items))
		out, err := fn(ctx, items[lo:hi])
		if err != nil {
			return err
		}
		if len(out) != hi-lo {
			return failure.Newf(failure.KindUnknown, "executor.map_batched",
				"batch %d returned %d results for %d items", b, len(out), hi-lo)
		}
		copy(res.Values[lo:hi], out)
		return nil
	})
	for b, err := range errs {
		if err == nil {
			continue
		}
		for i := b * size; i < min((b+1)*size, len(items)); i++ {
			res.Errs[i] = err
		}
	}
	tally(&res, loggerOf(ex))
	return res
}

func tally[R any](res *Results[R], logger *slog.Logger) {
	for i, err := range res.Errs {
		if err == nil {
			continue
		}
		kind := res.Counts.Add(err)
		logger.Warn("item failed", "index", i, "kind", string(kind), "error", err)
	}
}

func loggerOf(ex Executor) *slog.Logger {
	switch e := ex.(type) {
	case *IO:
		return e.logger
	case *CPU:
		return e.logger
	}
	return slog.Default()
}
