// Package monitor samples host resources in the background and turns the
// latest sample into pool-size and batch-size recommendations.
//
// The monitor is advisory. It owns its sample buffer; readers get copies.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"
)

const (
	// HistoryLimit bounds the retained samples.
	HistoryLimit = 100

	// DefaultInterval is the sampling period.
	DefaultInterval = 5 * time.Second
)

// Sample is one resource reading.
type Sample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	DiskIOPercent float64   `json:"disk_io_percent"`
	Time          time.Time `json:"time"`
}

// Sampler takes one reading.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Sample, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// Static returns a Sampler that always reports s.
func Static(s Sample) Sampler {
	return SamplerFunc(func(context.Context) (Sample, error) { return s, nil })
}

// Recommendation sizes the pools and batches of one workload.
type Recommendation struct {
	Workload     Workload `json:"workload"`
	ThreadCount  int      `json:"thread_count"`
	ProcessCount int      `json:"process_count"`
	BatchSize    int      `json:"batch_size"`
}

// Monitor keeps the latest HistoryLimit samples.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	cores    int
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.RWMutex
	samples []Sample
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the sampling period.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithCores overrides the logical core count used by Recommend.
func WithCores(n int) Option {
	return func(m *Monitor) {
		m.cores = n
	}
}

// WithNow sets the clock used to stamp samples that carry no time.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// New creates a Monitor. A nil sampler reads the host through gopsutil.
func New(sampler Sampler, opts ...Option) *Monitor {
	m := &Monitor{
		sampler:  sampler,
		interval: DefaultInterval,
		cores:    runtime.NumCPU(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sampler == nil {
		m.sampler = NewSystemSampler(0)
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.cores < 1 {
		m.cores = 1
	}
	return m
}

// Poll takes one sample and appends it to the history.
func (m *Monitor) Poll(ctx context.Context) (Sample, error) {
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		return Sample{}, err
	}
	if s.Time.IsZero() {
		s.Time = m.now()
	}
	m.mu.Lock()
	m.samples = append(m.samples, s)
	if len(m.samples) > HistoryLimit {
		m.samples = append([]Sample(nil), m.samples[len(m.samples)-HistoryLimit:]...)
	}
	m.mu.Unlock()
	return s, nil
}

// Run samples now and then every interval until ctx is done. Sampling
// errors are logged and the loop continues.
func (m *Monitor) Run(ctx context.Context) error {
	if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("resource sample failed", "error", err)
	}
	return m.Watch(ctx)
}

// Watch is Run without the immediate sample, for callers that have just
// polled.
func (m *Monitor) Watch(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("resource sample failed", "error", err)
			}
		}
	}
}

// Latest returns the newest sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.samples) == 0 {
		return Sample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// Samples returns a copy of the history, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sample(nil), m.samples...)
}

// Cores returns the logical core count.
func (m *Monitor) Cores() int {
	return m.cores
}

// Recommend sizes w from the latest sample. With no samples the host is
// treated as idle.
func (m *Monitor) Recommend(w Workload) Recommendation {
	s, _ := m.Latest()
	return Recommend(w, s, m.cores)
}

// Recommend sizes w for a host with the given cores under load s.
func Recommend(w Workload, s Sample, cores int) Recommendation {
	threads := float64(min(32, cores*4))
	procs := float64(max(2, cores-1))

	tf, pf := 1.0, 1.0
	switch {
	case s.CPUPercent > 80:
		tf, pf = 0.6, 0.5
	case s.CPUPercent > 60:
		tf, pf = 0.8, 0.7
	case s.CPUPercent < 30:
		tf, pf = 1.2, 1.1
	}
	if s.MemoryPercent > 85 {
		tf *= 0.7
		pf *= 0.6
	}

	return Recommendation{
		Workload:     w,
		ThreadCount:  max(1, int(math.Round(threads*tf))),
		ProcessCount: max(1, int(math.Round(procs*pf))),
		BatchSize:    max(1, int(math.Round(float64(BaseBatch(w))*memoryFactor(w, s.MemoryPercent)))),
	}
}
