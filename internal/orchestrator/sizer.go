package orchestrator

import (
	"github.com/roach88/syncline/internal/adaptive"
	"github.com/roach88/syncline/internal/monitor"
	"github.com/roach88/syncline/internal/writer"
)

// adaptiveSizer lets the controller size writer batches. Each finished
// batch feeds the controller, which returns the next size.
type adaptiveSizer struct {
	ctrl     *adaptive.Controller
	workload monitor.Workload
	initial  int
	sample   func() monitor.Sample
}

var _ writer.Sizer = (*adaptiveSizer)(nil)

// NextSize implements writer.Sizer.
func (s *adaptiveSizer) NextSize(prev *writer.Batch) int {
	if prev == nil {
		return s.initial
	}
	return s.ctrl.Adjust(s.workload, prev.Diagnostics.Duration, prev.Size, s.sample())
}
