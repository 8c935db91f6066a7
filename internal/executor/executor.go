// Package executor maps work functions over slices on a bounded pool.
//
// Two flavours exist. The I/O flavour runs one goroutine per item under an
// errgroup limit sized by the thread recommendation. The CPU flavour starts
// a fixed set of workers, one per recommended process slot, that pull item
// indexes from a channel. Both preserve input order in their output and
// isolate per-item failures.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/syncline/internal/failure"
)

// Flavor selects the pool model.
type Flavor string

const (
	IOBound  Flavor = "io_bound"
	CPUBound Flavor = "cpu_bound"
)

// Executor runs fn for every index in [0, n) and waits. fn's errors are
// returned per index; a panic in fn is recovered into that index's error.
// Indexes not started before ctx is done get ctx's error.
type Executor interface {
	Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error
	Size() int
	Flavor() Flavor
}

// Option configures an executor.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for per-item failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns the executor for flavor with size workers. size <= 0 uses
// GOMAXPROCS.
func New(flavor Flavor, size int, opts ...Option) (Executor, error) {
	switch flavor {
	case IOBound, "":
		return NewIO(size, opts...), nil
	case CPUBound:
		return NewCPU(size, opts...), nil
	default:
		return nil, failure.Newf(failure.KindConfig, "executor.new", "unknown executor flavor %q", flavor)
	}
}

func defaultSize(size int) int {
	if size <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return size
}

// IO is the I/O-bound executor.
type IO struct {
	size   int
	logger *slog.Logger
}

// NewIO creates an I/O-bound executor allowing size concurrent items.
func NewIO(size int, opts ...Option) *IO {
	o := buildOptions(opts)
	return &IO{size: defaultSize(size), logger: o.logger}
}

func (e *IO) Size() int      { return e.size }
func (e *IO) Flavor() Flavor { return IOBound }

// Run implements Executor.
func (e *IO) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	var g errgroup.Group
	g.SetLimit(e.size)
	for i := range n {
		if err := ctx.Err(); err != nil {
			for j := i; j < n; j++ {
				errs[j] = err
			}
			break
		}
		g.Go(func() error {
			errs[i] = call(ctx, fn, i)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// CPU is the CPU-bound executor.
type CPU struct {
	size   int
	logger *slog.Logger
}

// NewCPU creates a CPU-bound executor with size workers.
func NewCPU(size int, opts ...Option) *CPU {
	o := buildOptions(opts)
	return &CPU{size: defaultSize(size), logger: o.logger}
}

func (e *CPU) Size() int      { return e.size }
func (e *CPU) Flavor() Flavor { return CPUBound }

// Run implements Executor.
func (e *CPU) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	started := make([]bool, n)
	work := make(chan int)

	var wg sync.WaitGroup
	for range min(e.size, max(n, 1)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				errs[i] = call(ctx, fn, i)
			}
		}()
	}

feed:
	for i := range n {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case work <- i:
			started[i] = true
		}
	}
	close(work)
	wg.Wait()

	for i, ok := range started {
		if !ok {
			errs[i] = ctx.Err()
		}
	}
	return errs
}

func call(ctx context.Context, fn func(ctx context.Context, i int) error, i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in item %d: %v", i, r)
		}
	}()
	return fn(ctx, i)
}
