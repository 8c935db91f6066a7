package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/syncline/internal/jobstore"
	"github.com/roach88/syncline/internal/orchestrator"
	"github.com/roach88/syncline/internal/value"
)

// ConflictView is a held conflict as printed by the CLI.
type ConflictView struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Table      string     `json:"table"`
	RecordID   string     `json:"record_id"`
	TargetID   string     `json:"target_id"`
	Status     string     `json:"status"`
	Unresolved []string   `json:"unresolved,omitempty"`
	Source     *value.Map `json:"source,omitempty"`
	Target     *value.Map `json:"target,omitempty"`
	Resolved   *value.Map `json:"resolved,omitempty"`
	Strategy   string     `json:"strategy,omitempty"`
	Resolver   string     `json:"resolver,omitempty"`
	Created    time.Time  `json:"created"`
}

// ResolveResult is the output of conflicts resolve.
type ResolveResult struct {
	ID       string `json:"id"`
	Resolved bool   `json:"resolved"`
	Strategy string `json:"strategy"`
}

// BulkResolveResult is the output of conflicts bulk-resolve.
type BulkResolveResult struct {
	Resolved int    `json:"resolved"`
	Strategy string `json:"strategy"`
}

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve held conflicts",
		Long: `Inspect and resolve conflicts held for manual resolution.

Conflicts are held when a field's strategy is manual. Resolving one writes
the chosen payload to the target and marks the conflict resolved.`,
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))
	cmd.AddCommand(newConflictsBulkResolveCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(rootOpts *RootOptions) *cobra.Command {
	var table, status, runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		Long: `List conflicts, pending ones by default.

Examples:
  syncline conflicts list
  syncline conflicts list --status all --table property_records --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := formatterFor(rootOpts, cmd)
			filter := jobstore.ConflictFilter{Table: table, RunID: runID}
			switch st := jobstore.ConflictStatus(status); st {
			case "all":
			case jobstore.ConflictPending, jobstore.ConflictResolved, jobstore.ConflictIgnored:
				filter.Status = st
			default:
				return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("invalid status %q", status), nil)
			}

			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd, formatter)
			if err != nil {
				return err
			}
			defer s.Close()

			conflicts, err := s.orch.ListConflicts(ctx, filter)
			if err != nil {
				return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to list conflicts", err)
			}
			views := make([]ConflictView, len(conflicts))
			for i, c := range conflicts {
				views[i] = conflictView(c)
			}
			return formatter.Render(views, func(w io.Writer) { writeConflicts(w, views) })
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "only conflicts of this target table")
	cmd.Flags().StringVar(&status, "status", string(jobstore.ConflictPending), "pending, resolved, ignored or all")
	cmd.Flags().StringVar(&runID, "run", "", "only conflicts held by this run")
	return cmd
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var strategy string
	var sets []string
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve one conflict",
		Long: `Resolve one pending conflict.

--strategy source writes the source payload, target keeps the target payload,
custom writes the source payload with --set FIELD=VALUE overrides. Values are
read as JSON when they parse, as strings otherwise.

Examples:
  syncline conflicts resolve 0192c0de-... --strategy target
  syncline conflicts resolve 0192c0de-... --strategy custom --set valuation.total=355000`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := formatterFor(rootOpts, cmd)
			st, err := orchestrator.ParseResolveStrategy(strategy)
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid strategy", err)
			}
			custom, err := parseSets(sets)
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid --set", err)
			}
			if st != orchestrator.ResolveCustom && custom != nil {
				return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "--set requires --strategy custom", nil)
			}

			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd, formatter)
			if err != nil {
				return err
			}
			defer s.Close()

			id := args[0]
			ok, err := s.orch.ResolveConflict(ctx, id, st, custom)
			switch {
			case errors.Is(err, jobstore.ErrNotFound):
				return formatter.Fail(ExitFailure, ErrCodeNotFound, fmt.Sprintf("conflict %s not found", id), nil)
			case err != nil:
				return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to resolve conflict", err)
			case !ok:
				return formatter.Fail(ExitFailure, ErrCodeGeneric, fmt.Sprintf("conflict %s is not pending", id), nil)
			}
			res := ResolveResult{ID: id, Resolved: true, Strategy: string(st)}
			return formatter.Render(res, func(w io.Writer) {
				fmt.Fprintf(w, "Conflict %s resolved with %s\n", id, st)
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "source, target or custom (required)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "FIELD=VALUE override for custom resolution (repeatable)")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}

func newConflictsBulkResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "bulk-resolve",
		Short: "Resolve every pending conflict",
		Long: `Resolve every pending conflict with one strategy, source or target.

Example:
  syncline conflicts bulk-resolve --strategy source`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := formatterFor(rootOpts, cmd)
			st, err := orchestrator.ParseResolveStrategy(strategy)
			if err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid strategy", err)
			}

			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd, formatter)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.orch.BulkResolveConflicts(ctx, st)
			if err != nil {
				return formatter.Fail(ExitFailure, ErrCodeGeneric, "failed to resolve conflicts", err)
			}
			res := BulkResolveResult{Resolved: n, Strategy: string(st)}
			return formatter.Render(res, func(w io.Writer) {
				fmt.Fprintf(w, "Resolved %d conflict(s) with %s\n", n, st)
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "source or target (required)")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}

// parseSets reads FIELD=VALUE pairs. It returns nil when sets is empty.
func parseSets(sets []string) (*value.Map, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	m := value.NewMap()
	for _, s := range sets {
		field, raw, ok := strings.Cut(s, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, fmt.Errorf("%q: want FIELD=VALUE", s)
		}
		v, err := value.ParseJSON([]byte(raw))
		if err != nil {
			v = value.String(raw)
		}
		m.Set(field, v)
	}
	return m, nil
}

func conflictView(c jobstore.Conflict) ConflictView {
	return ConflictView{
		ID:         c.ID,
		RunID:      c.RunID,
		Table:      c.Table,
		RecordID:   c.RecordID,
		TargetID:   c.TargetID,
		Status:     string(c.Status),
		Unresolved: c.Unresolved,
		Source:     c.Source,
		Target:     c.Target,
		Resolved:   c.Resolved,
		Strategy:   c.Strategy,
		Resolver:   c.Resolver,
		Created:    c.Created,
	}
}

func writeConflicts(w io.Writer, views []ConflictView) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No conflicts")
		return
	}
	for _, v := range views {
		fmt.Fprintf(w, "%s  %s/%s  %s", v.ID, v.Table, v.TargetID, v.Status)
		if len(v.Unresolved) > 0 {
			fmt.Fprintf(w, "  fields: %s", strings.Join(v.Unresolved, ", "))
		}
		fmt.Fprintln(w)
	}
}
