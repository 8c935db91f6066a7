// Package cli implements the syncline command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// DefaultConfigPath is read when --config is not given.
const DefaultConfigPath = "syncline.yaml"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Overrides holds collaborators tests substitute. Zero fields use the
	// real implementations.
	Overrides Overrides
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the syncline CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncline",
		Short: "Change-driven replication between data stores",
		Long: `syncline replicates records from a source store into a target store.

Runs detect changes in the source, map them onto the target schema, validate
them, resolve conflicts with existing target rows and write the survivors in
adaptively sized batches. Runs, held conflicts and watermarks are kept in a
SQLite job store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", DefaultConfigPath, "configuration file (.yaml, .yml, .json or .cue)")

	// Add subcommands
	cmd.AddCommand(NewFullCommand(opts))
	cmd.AddCommand(NewIncrementalCommand(opts))
	cmd.AddCommand(NewSelectiveCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewResourcesCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

func formatterFor(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
