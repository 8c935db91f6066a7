package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/failure"
)

// CheckReport lists schema incompatibilities found before a run.
type CheckReport struct {
	Problems []string `json:"problems,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OK reports whether no problem was found.
func (r CheckReport) OK() bool {
	return len(r.Problems) == 0
}

// Err returns the problems as one config error, or nil.
func (r CheckReport) Err() error {
	if r.OK() {
		return nil
	}
	return failure.New(failure.KindConfig, "schema check", strings.Join(r.Problems, "; "))
}

// Check compares the mappings of the named source tables (all configured
// tables when empty) with the source and target schemas: tables and
// columns must exist and declared column conversions must be supported.
// Target schemas are never changed. The error is reserved for store
// failures.
func (o *Orchestrator) Check(ctx context.Context, tables []string) (CheckReport, error) {
	var report CheckReport
	if len(tables) == 0 {
		for _, t := range o.detector.Tables() {
			tables = append(tables, t.Name)
		}
	}
	problem := func(format string, args ...any) {
		report.Problems = append(report.Problems, fmt.Sprintf(format, args...))
	}

	for _, name := range tables {
		m, ok := o.transformer.Mapping(name)
		if !ok {
			report.Warnings = append(report.Warnings, fmt.Sprintf("table %s has no mapping; its changes are dropped", name))
			continue
		}

		src, err := o.source.Schema(ctx, name)
		switch {
		case errors.Is(err, datastore.ErrNoSuchTable):
			problem("source table %s does not exist", name)
		case err != nil:
			return report, fmt.Errorf("source schema %s: %w", name, err)
		default:
			for _, col := range m.SourceColumns() {
				if _, ok := src.Lookup(col); !ok {
					problem("mapping %s reads missing source column %s", name, col)
				}
			}
		}

		dst, err := o.target.Schema(ctx, m.TargetTable)
		switch {
		case errors.Is(err, datastore.ErrNoSuchTable):
			problem("target table %s does not exist", m.TargetTable)
			if o.autoMigration {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("auto_migration is set but target table %s is not created", m.TargetTable))
			}
			continue
		case err != nil:
			return report, fmt.Errorf("target schema %s: %w", m.TargetTable, err)
		}
		for _, col := range m.TargetColumns() {
			if _, ok := dst.Lookup(col); !ok {
				problem("target table %s has no column %s", m.TargetTable, col)
			}
		}

		cols := make([]string, 0, len(m.ColumnTypes))
		for c := range m.ColumnTypes {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		for _, col := range cols {
			tc, ok := dst.Lookup(col)
			if !ok {
				continue
			}
			from := m.ColumnTypes[col]
			if !o.converter.Supports(from, tc.Type) {
				problem("column %s.%s: no conversion from %s to %s", m.TargetTable, col, from, tc.Type)
			}
		}
	}
	if !report.OK() && o.autoMigration {
		report.Warnings = append(report.Warnings, "auto_migration is reserved; incompatibilities are reported only")
	}
	return report, nil
}
