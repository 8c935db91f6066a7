package adaptive

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/monitor"
)

func newController(t *testing.T, mutate func(*Config)) *Controller {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestMemoryPressureShrinksBatch(t *testing.T) {
	c := newController(t, nil)
	next := c.Adjust(monitor.RepositoryWrite, c.Target(monitor.RepositoryWrite), 200, monitor.Sample{MemoryPercent: 90})
	assert.GreaterOrEqual(t, next, c.Config().MinBatch)
	assert.LessOrEqual(t, next, 140)
}

func TestBaseFactorIsClamped(t *testing.T) {
	c := newController(t, func(cfg *Config) { cfg.Learning = false })
	target := c.Target(monitor.DataTransform)

	assert.Equal(t, 200, c.Adjust(monitor.DataTransform, target/10, 100, monitor.Sample{}), "fast batches at most double")
	assert.Equal(t, 67, c.Adjust(monitor.DataTransform, target*10, 100, monitor.Sample{}), "slow batches shrink by at most a third")
	assert.Equal(t, 100, c.Adjust(monitor.DataTransform, 0, 100, monitor.Sample{}))
}

func TestResourceFactor(t *testing.T) {
	tests := []struct {
		s    monitor.Sample
		want float64
	}{
		{monitor.Sample{}, 1},
		{monitor.Sample{CPUPercent: 85}, 0.7},
		{monitor.Sample{CPUPercent: 65}, 0.85},
		{monitor.Sample{MemoryPercent: 87}, 0.75},
		{monitor.Sample{MemoryPercent: 90}, 0.7},
		{monitor.Sample{MemoryPercent: 89.9}, 0.75},
		{monitor.Sample{MemoryPercent: 75}, 0.9},
		{monitor.Sample{DiskIOPercent: 80}, 0.8},
		{monitor.Sample{CPUPercent: 85, MemoryPercent: 75, DiskIOPercent: 80}, 0.7 * 0.9 * 0.8},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, ResourceFactor(tt.s), 1e-9)
	}
}

func TestAdaptiveFactorBlendsTowardThroughput(t *testing.T) {
	c := newController(t, func(cfg *Config) { cfg.ResourceAware = false })
	target := c.Target(monitor.DataValidation)

	// 100 records in half the target: throughput says 200 fits the target.
	next := c.Adjust(monitor.DataValidation, target/2, 100, monitor.Sample{})
	// f_base = 2, f_ada = 0.8 + 0.2*2 = 1.2
	assert.Equal(t, 240, next)

	other := c.Adjust(monitor.APIRequest, c.Target(monitor.APIRequest), 50, monitor.Sample{})
	assert.Equal(t, 50, other, "other workloads do not share history")
	assert.Len(t, c.History(), 2)
}

func TestDisabledSizingReturnsBaseline(t *testing.T) {
	c := newController(t, func(cfg *Config) { cfg.Dynamic = false; cfg.Baseline = 250 })
	assert.Equal(t, 250, c.Adjust(monitor.DataTransform, time.Millisecond, 4000, monitor.Sample{CPUPercent: 99}))
	assert.Empty(t, c.History())
}

func TestWorkloadTargets(t *testing.T) {
	c := newController(t, func(cfg *Config) { cfg.TargetDuration = 5 * time.Second })
	assert.Equal(t, 3*time.Second, c.Target(monitor.RepositoryWrite))
	assert.Equal(t, 5*time.Second, c.Target(monitor.Default))

	flat := newController(t, func(cfg *Config) { cfg.TargetDuration = 5 * time.Second; cfg.WorkloadSpecific = false })
	assert.Equal(t, 5*time.Second, flat.Target(monitor.RepositoryWrite))
}

func TestAdjustStaysWithinBounds(t *testing.T) {
	c := newController(t, func(cfg *Config) { cfg.MinBatch = 20; cfg.MaxBatch = 800; cfg.Baseline = 100 })
	r := rand.New(rand.NewPCG(1, 2))
	size := 100
	for range 2000 {
		w := monitor.Workloads[r.IntN(len(monitor.Workloads))]
		d := time.Duration(r.Int64N(int64(20 * time.Second)))
		s := monitor.Sample{
			CPUPercent:    r.Float64() * 100,
			MemoryPercent: r.Float64() * 100,
			DiskIOPercent: r.Float64() * 100,
		}
		if r.IntN(10) == 0 {
			size = r.IntN(5000) - 100
		}
		size = c.Adjust(w, d, size, s)
		require.GreaterOrEqual(t, size, 20)
		require.LessOrEqual(t, size, 800)
	}
	assert.Len(t, c.History(), HistoryLimit)
}

func TestConfigValidation(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.MinBatch = 0 },
		func(c *Config) { c.MaxBatch = 5 },
		func(c *Config) { c.Baseline = 9000 },
		func(c *Config) { c.TargetDuration = 0 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		_, err := New(cfg)
		assert.True(t, failure.Is(err, failure.KindConfig))
	}
}
