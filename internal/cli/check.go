package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/syncline/internal/orchestrator"
)

// CheckResult is the output of the check command.
type CheckResult struct {
	Config string `json:"config"`
	OK     bool   `json:"ok"`
	orchestrator.CheckReport
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var tables []string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and schema compatibility",
		Long: `Validate the configuration, then compare every mapping with the source and
target schemas: tables and columns must exist and declared column types must
be convertible. Nothing is written.

Examples:
  syncline check
  syncline check --table properties --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := formatterFor(rootOpts, cmd)
			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd, formatter)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.orch.Check(ctx, tables)
			if err != nil {
				return formatter.Fail(ExitFailure, ErrCodeStore, "schema check failed", err)
			}
			res := CheckResult{Config: rootOpts.ConfigPath, OK: report.OK(), CheckReport: report}
			if err := formatter.Render(res, func(w io.Writer) { writeCheck(w, res) }); err != nil {
				return WrapExitError(ExitCommandError, "failed to write output", err)
			}
			if !res.OK {
				e := NewExitError(ExitFailure, fmt.Sprintf("%d schema problem(s)", len(report.Problems)))
				e.Reported = true
				return e
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&tables, "table", "t", nil, "source table to check (repeatable, default all)")
	return cmd
}

func writeCheck(w io.Writer, res CheckResult) {
	if res.OK {
		fmt.Fprintf(w, "Configuration %s is compatible with both schemas\n", res.Config)
	} else {
		fmt.Fprintf(w, "Configuration %s has %d schema problem(s):\n", res.Config, len(res.Problems))
		for _, p := range res.Problems {
			fmt.Fprintf(w, "  %s\n", p)
		}
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}
}
