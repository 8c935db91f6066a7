package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/syncline/internal/monitor"
)

// ResourcesResult is the output of the resources command.
type ResourcesResult struct {
	Cores           int                      `json:"cores"`
	Sample          monitor.Sample           `json:"sample"`
	Recommendations []monitor.Recommendation `json:"recommendations"`
}

// NewResourcesCommand creates the resources command.
func NewResourcesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "Sample host resources and show pool recommendations",
		Long: `Take one CPU, memory and disk sample and print the thread, process and
batch-size recommendation for every workload. No configuration is read.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := formatterFor(rootOpts, cmd)
			mopts := []monitor.Option{monitor.WithLogger(newLogger(rootOpts, cmd.ErrOrStderr()))}
			if rootOpts.Overrides.Cores > 0 {
				mopts = append(mopts, monitor.WithCores(rootOpts.Overrides.Cores))
			}
			mon := monitor.New(rootOpts.Overrides.Sampler, mopts...)

			sample, err := mon.Poll(commandContext(cmd))
			if err != nil {
				return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to sample resources", err)
			}
			res := ResourcesResult{Cores: mon.Cores(), Sample: sample}
			for _, w := range monitor.Workloads {
				res.Recommendations = append(res.Recommendations, mon.Recommend(w))
			}
			return formatter.Render(res, func(w io.Writer) { writeResources(w, res) })
		},
	}
}

func writeResources(w io.Writer, res ResourcesResult) {
	s := res.Sample
	fmt.Fprintf(w, "Cores: %d\n", res.Cores)
	fmt.Fprintf(w, "CPU: %.1f%%  Memory: %.1f%%  Disk I/O: %.1f%%\n", s.CPUPercent, s.MemoryPercent, s.DiskIOPercent)
	fmt.Fprintf(w, "%-18s %8s %10s %6s\n", "WORKLOAD", "THREADS", "PROCESSES", "BATCH")
	for _, r := range res.Recommendations {
		fmt.Fprintf(w, "%-18s %8d %10d %6d\n", r.Workload, r.ThreadCount, r.ProcessCount, r.BatchSize)
	}
}
