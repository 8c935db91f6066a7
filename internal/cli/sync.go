package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/syncline/internal/orchestrator"
)

// SelectiveOptions holds flags for the selective command.
type SelectiveOptions struct {
	*RootOptions
	Tables []string
	Where  []string
}

// NewFullCommand creates the full command.
func NewFullCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "full",
		Short: "Replicate every live source row",
		Long: `Replicate every live row of every configured table.

Rows are upserted on the target key, so a repeated full run converges on the
same target state. Watermarks advance when the run succeeds.

Example:
  syncline full --config ./sync.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd, func(ctx context.Context, o *orchestrator.Orchestrator) (orchestrator.Result, error) {
				return o.FullSync(ctx)
			})
		},
	}
}

// NewIncrementalCommand creates the incremental command.
func NewIncrementalCommand(rootOpts *RootOptions) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "incremental",
		Short: "Replicate changes since the last watermark",
		Long: `Replicate changes recorded since each table's stored watermark.

--since overrides the stored watermark of every tracked table with one token,
a timestamp for timestamp-tracked tables or a sequence for log-tracked ones.

Examples:
  syncline incremental
  syncline incremental --since 2024-03-01T00:00:00Z`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd, func(ctx context.Context, o *orchestrator.Orchestrator) (orchestrator.Result, error) {
				return o.IncrementalSync(ctx, since)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "watermark token overriding the stored ones")
	return cmd
}

// NewSelectiveCommand creates the selective command.
func NewSelectiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SelectiveOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "selective",
		Short: "Replicate chosen tables, optionally filtered",
		Long: `Replicate the chosen tables, filtered by optional predicates.

Each --where takes TABLE=EXPR. A table named only in --where is included.
Watermarks are not changed.

Examples:
  syncline selective --table properties
  syncline selective --where "properties=land_value > 150000 AND status IN ('A', 'P')"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tables, predicates, err := parseSelection(opts.Tables, opts.Where)
			if err != nil {
				return formatterFor(rootOpts, cmd).Fail(ExitCommandError, ErrCodeInvalidInput, "invalid selection", err)
			}
			return runSync(rootOpts, cmd, func(ctx context.Context, o *orchestrator.Orchestrator) (orchestrator.Result, error) {
				return o.SelectiveSync(ctx, tables, predicates)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&opts.Tables, "table", "t", nil, "table to replicate (repeatable)")
	cmd.Flags().StringArrayVarP(&opts.Where, "where", "w", nil, "TABLE=EXPR predicate (repeatable)")
	return cmd
}

// parseSelection merges --table and --where into the table list and
// predicates. Tables keep flag order.
func parseSelection(tables, where []string) ([]string, map[string]string, error) {
	out := slices.Clone(tables)
	predicates := map[string]string{}
	for _, w := range where {
		table, expr, ok := strings.Cut(w, "=")
		table, expr = strings.TrimSpace(table), strings.TrimSpace(expr)
		if !ok || table == "" || expr == "" {
			return nil, nil, fmt.Errorf("--where %q: want TABLE=EXPR", w)
		}
		if _, dup := predicates[table]; dup {
			return nil, nil, fmt.Errorf("--where: table %s has two predicates", table)
		}
		predicates[table] = expr
		if !slices.Contains(out, table) {
			out = append(out, table)
		}
	}
	if len(out) == 0 {
		return nil, nil, fmt.Errorf("at least one --table or --where is required")
	}
	return out, predicates, nil
}

func runSync(opts *RootOptions, cmd *cobra.Command, run func(context.Context, *orchestrator.Orchestrator) (orchestrator.Result, error)) error {
	formatter := formatterFor(opts, cmd)

	// Cancel the run on interrupt; the orchestrator records it as cancelled.
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer s.Close()

	res, runErr := run(ctx, s.orch)
	if res.RunID == "" && runErr != nil {
		return formatter.Fail(ExitFailure, ErrCodeRunFailed, "run failed", runErr)
	}
	if err := formatter.Render(res, func(w io.Writer) { writeResult(w, res) }); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}
	if !res.Success {
		e := WrapExitError(ExitFailure, "run did not succeed", runErr)
		e.Reported = true
		return e
	}
	return nil
}

func writeResult(w io.Writer, res orchestrator.Result) {
	state := "completed"
	switch {
	case res.Cancelled:
		state = "cancelled"
	case !res.Success:
		state = "failed"
	}
	fmt.Fprintf(w, "Run %s (%s): %s\n", res.RunID, res.Mode, state)
	fmt.Fprintf(w, "  processed %d, succeeded %d, failed %d, skipped %d\n",
		res.Processed, res.Succeeded, res.Failed, res.Skipped)
	fmt.Fprintf(w, "  conflicts: detected %d, resolved %d, held %d\n",
		res.Conflicts.Detected, res.Conflicts.Resolved, res.Conflicts.Held)
	fmt.Fprintf(w, "  duration %s\n", res.Duration)

	if len(res.TablesProcessed) > 0 {
		names := make([]string, 0, len(res.TablesProcessed))
		for name := range res.TablesProcessed {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "Tables:")
		for _, name := range names {
			fmt.Fprintf(w, "  %s: %d\n", name, res.TablesProcessed[name])
		}
	}
	if res.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", res.Error)
	}
	if len(res.Errors) > 0 {
		fmt.Fprintln(w, "Record errors:")
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  %s/%s [%s]: %s\n", e.Table, e.RecordID, e.Kind, e.Message)
		}
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintln(w, "Warnings:")
		for _, warning := range res.Warnings {
			fmt.Fprintf(w, "  %s\n", warning)
		}
	}
}
