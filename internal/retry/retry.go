// Package retry wraps all-or-nothing batch operations with the recovery
// policy used by the batch writer: classified errors pick a recovery
// action, delays back off with jitter up to a cap, and rows that succeed
// on any attempt are kept.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/roach88/syncline/internal/failure"
)

// Action is the tactic applied on the next attempt.
type Action string

const (
	SimpleRetry          Action = "simple_retry"
	IncreaseTimeout      Action = "increase_timeout"
	ReduceBatchSize      Action = "reduce_batch_size"
	ValidateIndividually Action = "validate_individually"
	ExponentialBackoff   Action = "exponential_backoff"
)

// State is a batch's position in its lifecycle.
type State string

const (
	Pending   State = "pending"
	InFlight  State = "in_flight"
	Succeeded State = "succeeded"
	Partial   State = "partial"
	Failed    State = "failed"
)

// Policy is the retry envelope.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
	Backoff    float64
	MaxDelay   time.Duration

	// Timeout bounds each attempt when positive. increase_timeout grows it
	// by half on every use.
	Timeout time.Duration
}

// DefaultPolicy is 3 retries starting at 1s, doubling, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Delay: time.Second, Backoff: 2, MaxDelay: 30 * time.Second}
}

// SelectAction maps a failure to the next recovery action. attempt counts
// failed attempts so far, starting at 1.
func SelectAction(err error, attempt int) Action {
	switch failure.KindOf(err) {
	case failure.KindConnection:
		if attempt <= 2 {
			return IncreaseTimeout
		}
		return ReduceBatchSize
	case failure.KindResource:
		return ReduceBatchSize
	case failure.KindConstraint:
		return ValidateIndividually
	case failure.KindRateLimit:
		return ExponentialBackoff
	default:
		return SimpleRetry
	}
}

// retryable reports whether another attempt can change the outcome.
func retryable(err error) bool {
	switch failure.KindOf(err) {
	case failure.KindConfig, failure.KindConversion, failure.KindCancelled:
		return false
	}
	return true
}

// Diagnostics describes how a batch was processed.
type Diagnostics struct {
	State State `json:"state"`

	// Attempts counts rounds; Calls counts invocations of the batch
	// function, which exceed Attempts once a batch is split.
	Attempts int             `json:"attempts"`
	Calls    int             `json:"calls"`
	Retries  int             `json:"retries"`
	Actions  []Action        `json:"actions,omitempty"`
	Delays   []time.Duration `json:"delays,omitempty"`
	Errors   []failure.Kind  `json:"errors,omitempty"`

	// PartialRatio is succeeded/total when the batch ended partial.
	PartialRatio float64       `json:"partial_ratio,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// TotalDelay sums the waits.
func (d Diagnostics) TotalDelay() time.Duration {
	var total time.Duration
	for _, x := range d.Delays {
		total += x
	}
	return total
}

// ItemError pairs a failed item with its last error.
type ItemError[T any] struct {
	Item T
	Err  error
}

// Outcome is the result of Do.
type Outcome[T any] struct {
	Succeeded   []T
	Failed      []ItemError[T]
	Diagnostics Diagnostics
}

// Err returns the last error, or nil when every item succeeded.
func (o Outcome[T]) Err() error {
	if len(o.Failed) == 0 {
		return nil
	}
	return o.Failed[len(o.Failed)-1].Err
}

// Retrier applies a Policy. Safe for concurrent use when the injected
// functions are.
type Retrier struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) {
		r.sleep = fn
	}
}

// WithJitter replaces the jitter source, which returns values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(r *Retrier) {
		r.jitter = fn
	}
}

// WithNow sets the clock used for durations.
func WithNow(now func() time.Time) Option {
	return func(r *Retrier) {
		r.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retrier) {
		r.logger = l
	}
}

// New creates a Retrier.
func New(p Policy, opts ...Option) *Retrier {
	if p.Backoff < 1 {
		p.Backoff = 1
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	r := &Retrier{
		policy: p,
		sleep:  Sleep,
		jitter: rand.Float64,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the envelope.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// delay returns the wait before retry k (0-based). It never shrinks
// relative to the previous wait times the backoff factor, and never
// exceeds MaxDelay.
func (r *Retrier) delay(k int, prev time.Duration) time.Duration {
	base := float64(r.policy.Delay) * math.Pow(r.policy.Backoff, float64(k)) * (1 + 0.2*r.jitter())
	if grown := float64(prev) * r.policy.Backoff; grown > base {
		base = grown
	}
	if r.policy.MaxDelay > 0 && base > float64(r.policy.MaxDelay) {
		return r.policy.MaxDelay
	}
	return time.Duration(base)
}

// Do runs fn over items, retrying failures per the policy. fn must be
// all-or-nothing for the slice it receives. At most MaxRetries+1 rounds
// run; a round may call fn several times when the batch is split.
func Do[T any](ctx context.Context, r *Retrier, items []T, fn func(ctx context.Context, items []T) error) Outcome[T] {
	start := r.now()
	out := Outcome[T]{Diagnostics: Diagnostics{State: Pending}}
	if len(items) == 0 {
		out.Diagnostics.State = Succeeded
		return out
	}

	pending := append([]T(nil), items...)
	errs := make([]error, len(pending))
	action := SimpleRetry
	chunk := len(pending)
	individually := false
	timeout := r.policy.Timeout
	var prevDelay time.Duration
	var final []ItemError[T]

	for round := 0; round <= r.policy.MaxRetries && len(pending) > 0; round++ {
		if round > 0 {
			d := r.delay(round-1, prevDelay)
			prevDelay = d
			out.Diagnostics.Delays = append(out.Diagnostics.Delays, d)
			out.Diagnostics.Retries++
			if err := r.sleep(ctx, d); err != nil {
				for i := range errs {
					errs[i] = err
				}
				break
			}
			switch action {
			case IncreaseTimeout:
				if timeout > 0 {
					timeout += timeout / 2
				}
			case ReduceBatchSize:
				chunk = max(1, min(chunk, len(pending))/2)
			case ValidateIndividually:
				individually = true
			}
		}
		if err := ctx.Err(); err != nil {
			for i := range errs {
				errs[i] = err
			}
			break
		}

		out.Diagnostics.State = InFlight
		out.Diagnostics.Attempts++
		size := len(pending)
		if individually {
			size = 1
		} else if chunk < size {
			size = chunk
		}

		var nextPending []T
		var nextErrs []error
		var lastErr error
		for lo := 0; lo < len(pending); lo += size {
			hi := min(lo+size, len(pending))
			out.Diagnostics.Calls++
			err := call(ctx, timeout, pending[lo:hi], fn)
			if err == nil {
				out.Succeeded = append(out.Succeeded, pending[lo:hi]...)
				continue
			}
			lastErr = err
			out.Diagnostics.Errors = append(out.Diagnostics.Errors, failure.KindOf(err))
			for _, it := range pending[lo:hi] {
				if !retryable(err) || (individually && failure.Is(err, failure.KindConstraint)) {
					final = append(final, ItemError[T]{Item: it, Err: err})
					continue
				}
				nextPending = append(nextPending, it)
				nextErrs = append(nextErrs, err)
			}
		}
		pending, errs = nextPending, nextErrs
		if lastErr == nil || len(pending) == 0 {
			break
		}
		action = SelectAction(lastErr, round+1)
		if round < r.policy.MaxRetries {
			out.Diagnostics.Actions = append(out.Diagnostics.Actions, action)
		}
		r.logger.Debug("batch attempt failed",
			"round", round, "pending", len(pending), "action", string(action), "error", lastErr)
	}

	for i, it := range pending {
		final = append(final, ItemError[T]{Item: it, Err: errs[i]})
	}
	out.Failed = final

	switch {
	case len(out.Failed) == 0:
		out.Diagnostics.State = Succeeded
	case len(out.Succeeded) > 0:
		out.Diagnostics.State = Partial
		out.Diagnostics.PartialRatio = float64(len(out.Succeeded)) / float64(len(items))
	default:
		out.Diagnostics.State = Failed
	}
	out.Diagnostics.Duration = r.now().Sub(start)
	return out
}

func call[T any](ctx context.Context, timeout time.Duration, items []T, fn func(context.Context, []T) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, items)
}
