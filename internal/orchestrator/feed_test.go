package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_FIFO(t *testing.T) {
	f := NewFeed()
	for _, s := range []string{StageDetect, StageTransform, StageWrite} {
		require.True(t, f.Publish(Event{Type: StageStarted, Stage: s}))
	}
	assert.Equal(t, 3, f.Len())

	for _, want := range []string{StageDetect, StageTransform, StageWrite} {
		e, ok := f.TryNext()
		require.True(t, ok)
		assert.Equal(t, want, e.Stage)
	}
	_, ok := f.TryNext()
	assert.False(t, ok)
}

func TestFeed_NextWaitsForPublish(t *testing.T) {
	f := NewFeed()
	done := make(chan Event, 1)
	go func() {
		e, ok, err := f.Next(context.Background())
		if ok && err == nil {
			done <- e
		}
	}()

	time.Sleep(10 * time.Millisecond)
	f.Publish(Event{Type: RunStarted, RunID: "run-1"})

	select {
	case e := <-done:
		assert.Equal(t, "run-1", e.RunID)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Publish")
	}
}

func TestFeed_NextHonoursContext(t *testing.T) {
	f := NewFeed()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok, err := f.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFeed_CloseDrainsThenStops(t *testing.T) {
	f := NewFeed()
	f.Publish(Event{Type: RunStarted})
	f.Close()
	f.Close()

	assert.False(t, f.Publish(Event{Type: RunCompleted}), "publish after close")

	e, ok, err := f.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RunStarted, e.Type)

	_, ok, err = f.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFeed_ConcurrentPublish(t *testing.T) {
	f := NewFeed()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				f.Publish(Event{Type: BatchCompleted})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, f.Drain(), 800)
	assert.Equal(t, 0, f.Len())
}
