package monitor

import (
	"github.com/roach88/syncline/internal/failure"
)

// Workload is the cost profile of a pipeline stage.
type Workload string

const (
	DataTransform   Workload = "data_transform"
	DataValidation  Workload = "data_validation"
	RepositoryWrite Workload = "repository_write"
	RepositoryRead  Workload = "repository_read"
	APIRequest      Workload = "api_request"
	Default         Workload = "default"
)

// Workloads lists every workload class.
var Workloads = []Workload{DataTransform, DataValidation, RepositoryWrite, RepositoryRead, APIRequest, Default}

// ParseWorkload returns the named workload or a config error.
func ParseWorkload(s string) (Workload, error) {
	for _, w := range Workloads {
		if string(w) == s {
			return w, nil
		}
	}
	return "", failure.Newf(failure.KindConfig, "monitor.workload", "unknown workload %q", s)
}

// baseBatch is the starting batch size per workload.
var baseBatch = map[Workload]int{
	DataTransform:   500,
	DataValidation:  1000,
	RepositoryWrite: 200,
	RepositoryRead:  1000,
	APIRequest:      50,
	Default:         100,
}

// BaseBatch returns the baseline batch size for w.
func BaseBatch(w Workload) int {
	if n, ok := baseBatch[w]; ok {
		return n
	}
	return baseBatch[Default]
}

// memoryFactor scales a batch baseline under memory pressure. Transform and
// read batches shrink hardest; validation holds records it already has.
func memoryFactor(w Workload, memPercent float64) float64 {
	switch {
	case memPercent > 85:
		switch w {
		case DataValidation:
			return 0.8
		case DataTransform, RepositoryRead:
			return 0.5
		default:
			return 0.7
		}
	case memPercent > 70:
		switch w {
		case DataValidation:
			return 1
		case DataTransform, RepositoryRead:
			return 0.75
		default:
			return 0.85
		}
	}
	return 1
}
