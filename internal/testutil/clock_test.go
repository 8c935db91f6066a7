package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var start = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestFakeClock_StepsOnEveryRead(t *testing.T) {
	clock := NewFakeClock(start, time.Second)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(time.Second), clock.Now())
	assert.Equal(t, start.Add(2*time.Second), clock.Peek())
}

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	clock := NewFakeClock(start, 0)

	clock.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), clock.Now())
	assert.Equal(t, start.Add(time.Hour), clock.Now(), "zero step keeps the clock still")

	clock.Set(start)
	assert.Equal(t, start, clock.Peek())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	clock := NewFakeClock(start, time.Millisecond)
	const numGoroutines = 50
	const callsPerGoroutine = 20

	var wg sync.WaitGroup
	seen := make(chan time.Time, numGoroutines*callsPerGoroutine)
	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range callsPerGoroutine {
				seen <- clock.Now()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[time.Time]bool{}
	for ts := range seen {
		unique[ts] = true
	}
	assert.Len(t, unique, numGoroutines*callsPerGoroutine)
	assert.Equal(t, start.Add(numGoroutines*callsPerGoroutine*time.Millisecond), clock.Peek())
}
