package retry

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncline/internal/failure"
)

type sleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func policy() Policy {
	return Policy{MaxRetries: 3, Delay: 100 * time.Millisecond, Backoff: 2, MaxDelay: time.Second}
}

func newRetrier(p Policy, s *sleeper, jitter float64) *Retrier {
	return New(p, WithSleep(s.sleep), WithJitter(func() float64 { return jitter }))
}

func connErr() error {
	return failure.New(failure.KindConnection, "writer.insert", "connection refused")
}

func TestSelectAction(t *testing.T) {
	tests := []struct {
		err     error
		attempt int
		want    Action
	}{
		{connErr(), 1, IncreaseTimeout},
		{connErr(), 2, IncreaseTimeout},
		{connErr(), 3, ReduceBatchSize},
		{errors.New("out of memory"), 1, ReduceBatchSize},
		{errors.New("UNIQUE constraint failed"), 1, ValidateIndividually},
		{errors.New("quota exceeded"), 1, ExponentialBackoff},
		{errors.New("weird"), 1, SimpleRetry},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SelectAction(tt.err, tt.attempt), tt.err.Error())
	}
}

func TestTransientFailuresRecover(t *testing.T) {
	s := &sleeper{}
	r := newRetrier(policy(), s, 0.5)
	calls := 0
	out := Do(context.Background(), r, []int{1, 2, 3}, func(context.Context, []int) error {
		calls++
		if calls <= 2 {
			return connErr()
		}
		return nil
	})

	assert.Equal(t, []int{1, 2, 3}, out.Succeeded)
	assert.Empty(t, out.Failed)
	assert.NoError(t, out.Err())
	d := out.Diagnostics
	assert.Equal(t, Succeeded, d.State)
	assert.Equal(t, 2, d.Retries)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, []Action{IncreaseTimeout, IncreaseTimeout}, d.Actions)
	assert.Equal(t, []time.Duration{110 * time.Millisecond, 220 * time.Millisecond}, s.delays)
}

func TestDelaysAreBoundedAndMonotone(t *testing.T) {
	p := policy()
	p.MaxRetries = 6
	for _, jitter := range []float64{0, 0.99} {
		s := &sleeper{}
		n := 0
		jitters := []float64{jitter, 0, jitter, 0, jitter, 0}
		r := New(p, WithSleep(s.sleep), WithJitter(func() float64 {
			j := jitters[n%len(jitters)]
			n++
			return j
		}))
		out := Do(context.Background(), r, []int{1}, func(context.Context, []int) error {
			return errors.New("weird")
		})

		assert.Equal(t, Failed, out.Diagnostics.State)
		assert.Equal(t, p.MaxRetries+1, out.Diagnostics.Attempts)
		require.Len(t, s.delays, p.MaxRetries)
		for i, d := range s.delays {
			assert.GreaterOrEqual(t, d, p.Delay)
			assert.LessOrEqual(t, d, p.MaxDelay)
			if i > 0 && d < p.MaxDelay {
				assert.GreaterOrEqual(t, float64(d)/float64(s.delays[i-1]), p.Backoff)
			}
		}
		assert.Equal(t, p.MaxDelay, s.delays[len(s.delays)-1])
	}
}

func TestReduceBatchSizeKeepsPartialSuccess(t *testing.T) {
	s := &sleeper{}
	r := newRetrier(policy(), s, 0)
	var seen [][]int
	out := Do(context.Background(), r, []int{1, 2, 3, 4}, func(_ context.Context, items []int) error {
		seen = append(seen, slices.Clone(items))
		if slices.Contains(items, 4) {
			return errors.New("buffer capacity exceeded")
		}
		return nil
	})

	assert.Equal(t, []int{1, 2, 3}, out.Succeeded)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, 4, out.Failed[0].Item)
	assert.True(t, failure.Is(out.Failed[0].Err, failure.KindResource))
	assert.Equal(t, Partial, out.Diagnostics.State)
	assert.InDelta(t, 0.75, out.Diagnostics.PartialRatio, 1e-9)
	assert.Equal(t, []int{1, 2, 3, 4}, seen[0])
	assert.Equal(t, []int{1, 2}, seen[1])
	assert.Equal(t, []int{3, 4}, seen[2])
	assert.Equal(t, []int{3}, seen[3])
	assert.Equal(t, []int{4}, seen[4])
	assert.LessOrEqual(t, out.Diagnostics.Attempts, policy().MaxRetries+1)
}

func TestConstraintIsolatesOffender(t *testing.T) {
	s := &sleeper{}
	r := newRetrier(policy(), s, 0)
	out := Do(context.Background(), r, []string{"a", "dup", "c"}, func(_ context.Context, items []string) error {
		if slices.Contains(items, "dup") {
			return errors.New("UNIQUE constraint failed: t.id")
		}
		return nil
	})

	assert.Equal(t, []string{"a", "c"}, out.Succeeded)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, "dup", out.Failed[0].Item)
	assert.Equal(t, 2, out.Diagnostics.Attempts, "offender fails once individually and is not retried")
	assert.Equal(t, []Action{ValidateIndividually}, out.Diagnostics.Actions)
	assert.Equal(t, 4, out.Diagnostics.Calls)
}

func TestNonRetryableStopsImmediately(t *testing.T) {
	s := &sleeper{}
	r := newRetrier(policy(), s, 0)
	out := Do(context.Background(), r, []int{1, 2}, func(context.Context, []int) error {
		return failure.New(failure.KindConversion, "convert", "bad date")
	})
	assert.Equal(t, Failed, out.Diagnostics.State)
	assert.Equal(t, 1, out.Diagnostics.Attempts)
	assert.Empty(t, s.delays)
	assert.Len(t, out.Failed, 2)
}

func TestCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(policy(), WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	out := Do(ctx, r, []int{1}, func(context.Context, []int) error { return connErr() })
	assert.Equal(t, Failed, out.Diagnostics.State)
	assert.ErrorIs(t, out.Err(), context.Canceled)
	assert.Equal(t, 1, out.Diagnostics.Attempts)
}

func TestTimeoutGrowsOnIncreaseTimeout(t *testing.T) {
	p := policy()
	p.Timeout = 100 * time.Millisecond
	r := newRetrier(p, &sleeper{}, 0)
	var budgets []time.Duration
	calls := 0
	Do(context.Background(), r, []int{1}, func(ctx context.Context, _ []int) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		budgets = append(budgets, time.Until(deadline))
		calls++
		if calls < 3 {
			return connErr()
		}
		return nil
	})
	require.Len(t, budgets, 3)
	assert.Greater(t, budgets[1], budgets[0])
	assert.Greater(t, budgets[2], budgets[1])
	assert.Greater(t, budgets[2], 200*time.Millisecond)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestSplitBatchCountsAttemptsNotCalls(t *testing.T) {
	s := &sleeper{}
	r := newRetrier(policy(), s, 0)
	calls := 0
	out := Do(context.Background(), r, []int{1, 2, 3, 4}, func(_ context.Context, items []int) error {
		calls++
		switch {
		case calls == 1:
			return failure.New(failure.KindResource, "writer.insert", "buffer capacity exceeded")
		case calls <= 5:
			return connErr()
		}
		return nil
	})

	assert.Equal(t, Succeeded, out.Diagnostics.State)
	assert.Equal(t, []int{1, 2, 3, 4}, out.Succeeded)
	assert.Equal(t, 4, out.Diagnostics.Attempts)
	// The second attempt makes two failing calls; it is still attempt 2.
	assert.Equal(t, []Action{ReduceBatchSize, IncreaseTimeout, ReduceBatchSize}, out.Diagnostics.Actions)
}
