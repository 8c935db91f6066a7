// Package adaptive picks the next batch size for a workload from the last
// batch's duration, the host's load and recent same-workload throughput.
package adaptive

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/roach88/syncline/internal/failure"
	"github.com/roach88/syncline/internal/monitor"
)

const (
	// HistoryLimit bounds the observation ring.
	HistoryLimit = 100

	// Window is how many recent same-workload observations feed the
	// adaptive factor.
	Window = 5

	// LearningRate blends the throughput-optimal size into the next size.
	LearningRate = 0.2
)

// targets are per-workload batch durations.
var targets = map[monitor.Workload]time.Duration{
	monitor.DataTransform:   2 * time.Second,
	monitor.DataValidation:  1500 * time.Millisecond,
	monitor.RepositoryWrite: 3 * time.Second,
	monitor.RepositoryRead:  2 * time.Second,
	monitor.APIRequest:      time.Second,
}

// Config controls the controller.
type Config struct {
	MinBatch int
	MaxBatch int

	// Baseline is returned unchanged when Dynamic is off, and used when a
	// caller has no current size yet.
	Baseline int

	// TargetDuration applies to the default workload, and to every workload
	// when WorkloadSpecific is off.
	TargetDuration time.Duration

	Dynamic          bool
	Learning         bool
	WorkloadSpecific bool
	ResourceAware    bool
}

// DefaultConfig enables every factor with bounds [10, 5000].
func DefaultConfig() Config {
	return Config{
		MinBatch:         10,
		MaxBatch:         5000,
		Baseline:         100,
		TargetDuration:   2 * time.Second,
		Dynamic:          true,
		Learning:         true,
		WorkloadSpecific: true,
		ResourceAware:    true,
	}
}

// Validate checks the bounds.
func (c Config) Validate() error {
	switch {
	case c.MinBatch < 1:
		return failure.Newf(failure.KindConfig, "adaptive", "min batch %d must be positive", c.MinBatch)
	case c.MaxBatch < c.MinBatch:
		return failure.Newf(failure.KindConfig, "adaptive", "max batch %d is below min batch %d", c.MaxBatch, c.MinBatch)
	case c.Baseline < c.MinBatch || c.Baseline > c.MaxBatch:
		return failure.Newf(failure.KindConfig, "adaptive", "batch size %d is outside [%d, %d]", c.Baseline, c.MinBatch, c.MaxBatch)
	case c.TargetDuration <= 0:
		return failure.New(failure.KindConfig, "adaptive", "target batch duration must be positive")
	}
	return nil
}

// Observation is one completed batch.
type Observation struct {
	Workload monitor.Workload
	Size     int
	Duration time.Duration
}

// Throughput is records per second, or 0 for an instant batch.
func (o Observation) Throughput() float64 {
	if o.Duration <= 0 {
		return 0
	}
	return float64(o.Size) / o.Duration.Seconds()
}

// Controller computes batch sizes. Safe for concurrent use.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	history []Observation
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// New creates a Controller.
func New(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Target returns the batch duration aimed for w.
func (c *Controller) Target(w monitor.Workload) time.Duration {
	if c.cfg.WorkloadSpecific {
		if d, ok := targets[w]; ok {
			return d
		}
	}
	return c.cfg.TargetDuration
}

// Adjust records the batch just finished (current records in last) and
// returns the next size, always within [MinBatch, MaxBatch]. A
// non-positive current starts from Baseline.
func (c *Controller) Adjust(w monitor.Workload, last time.Duration, current int, s monitor.Sample) int {
	if !c.cfg.Dynamic {
		return c.clamp(float64(c.cfg.Baseline))
	}
	if current <= 0 {
		return c.clamp(float64(c.cfg.Baseline))
	}
	target := c.Target(w)

	c.record(Observation{Workload: w, Size: current, Duration: last})

	fBase := 1.0
	if last > 0 {
		fBase = min(max(target.Seconds()/last.Seconds(), 1/1.5), 1/0.5)
	}
	fRes := 1.0
	if c.cfg.ResourceAware {
		fRes = ResourceFactor(s)
	}
	fAda := 1.0
	if c.cfg.Learning {
		fAda = c.adaptiveFactor(w, target, current)
	}

	next := c.clamp(float64(current) * fBase * fRes * fAda)
	c.logger.Debug("batch size adjusted",
		"workload", string(w),
		"batch_size", current,
		"next_batch_size", next,
		"f_base", fBase,
		"f_res", fRes,
		"f_ada", fAda,
	)
	return next
}

// ResourceFactor shrinks batches under load. Memory at or above 90% is
// treated as critical.
func ResourceFactor(s monitor.Sample) float64 {
	f := 1.0
	switch {
	case s.CPUPercent > 80:
		f *= 0.7
	case s.CPUPercent > 60:
		f *= 0.85
	}
	switch {
	case s.MemoryPercent >= 90:
		f *= 0.7
	case s.MemoryPercent > 85:
		f *= 0.75
	case s.MemoryPercent > 70:
		f *= 0.9
	}
	if s.DiskIOPercent > 70 {
		f *= 0.8
	}
	return f
}

func (c *Controller) adaptiveFactor(w monitor.Workload, target time.Duration, current int) float64 {
	c.mu.Lock()
	var sum float64
	n := 0
	for i := len(c.history) - 1; i >= 0 && n < Window; i-- {
		o := c.history[i]
		if o.Workload != w || o.Duration <= 0 {
			continue
		}
		sum += o.Throughput()
		n++
	}
	c.mu.Unlock()
	if n == 0 {
		return 1
	}
	optimal := sum / float64(n) * target.Seconds()
	return (1 - LearningRate) + LearningRate*(optimal/float64(current))
}

func (c *Controller) record(o Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, o)
	if len(c.history) > HistoryLimit {
		c.history = append([]Observation(nil), c.history[len(c.history)-HistoryLimit:]...)
	}
}

// History returns a copy of the observation ring, oldest first.
func (c *Controller) History() []Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Observation(nil), c.history...)
}

func (c *Controller) clamp(f float64) int {
	if math.IsNaN(f) {
		return c.cfg.MinBatch
	}
	n := int(math.Round(min(f, float64(c.cfg.MaxBatch))))
	return min(max(n, c.cfg.MinBatch), c.cfg.MaxBatch)
}
