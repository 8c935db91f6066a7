package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemSampler reads host metrics through gopsutil. Disk I/O is the
// busiest device's share of wall time since the previous sample.
type SystemSampler struct {
	// CPUWindow is how long CPU usage is measured per sample. Zero compares
	// against the previous call.
	CPUWindow time.Duration

	mu       sync.Mutex
	lastIO   map[string]uint64
	lastTime time.Time
}

var _ Sampler = (*SystemSampler)(nil)

// NewSystemSampler creates a sampler measuring CPU over window.
func NewSystemSampler(window time.Duration) *SystemSampler {
	return &SystemSampler{CPUWindow: window}
}

// Sample implements Sampler.
func (s *SystemSampler) Sample(ctx context.Context) (Sample, error) {
	pcts, err := cpu.PercentWithContext(ctx, s.CPUWindow, false)
	if err != nil {
		return Sample{}, fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("virtual memory: %w", err)
	}
	out := Sample{MemoryPercent: vm.UsedPercent, MemoryUsed: vm.Used, Time: time.Now()}
	if len(pcts) > 0 {
		out.CPUPercent = pcts[0]
	}
	out.DiskIOPercent = s.diskBusy(ctx, out.Time)
	return out, nil
}

// diskBusy returns 0 on the first call and whenever counters are
// unavailable, which is common in containers.
func (s *SystemSampler) diskBusy(ctx context.Context, now time.Time) float64 {
	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	busiest := 0.0
	elapsed := now.Sub(s.lastTime).Milliseconds()
	if s.lastIO != nil && elapsed > 0 {
		for name, c := range counters {
			prev, ok := s.lastIO[name]
			if !ok || c.IoTime < prev {
				continue
			}
			busiest = max(busiest, float64(c.IoTime-prev)/float64(elapsed)*100)
		}
	}
	s.lastIO = make(map[string]uint64, len(counters))
	for name, c := range counters {
		s.lastIO[name] = c.IoTime
	}
	s.lastTime = now
	return min(busiest, 100)
}

// LogicalCores reports the host's logical CPU count.
func LogicalCores(ctx context.Context) (int, error) {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("cpu counts: %w", err)
	}
	return n, nil
}
