// Package cli implements the rigtrack operator command line: fleet
// status, sync queue inspection, conflict scanning, and catalog
// validation against a rigtrack database.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/rigtrack/internal/config"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Database string // path of the rigtrack database
	Config   string // optional config file path
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the rigtrack CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rigtrack",
		Short: "rigtrack - field equipment tracking",
		Long:  "Inspect and manage a rigtrack equipment database: fleet status, the sync queue, conflicts, and the equipment catalog.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Config != "" {
				cfg, err := config.Load(opts.Config)
				if err != nil {
					return WrapExitError(ExitCommandError, "load config", err)
				}
				// An explicit --db wins over the config file.
				if !cmd.Flags().Changed("db") {
					opts.Database = cfg.Database
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "rigtrack.db", "path of the rigtrack database")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path of a rigtrack config file")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewCatalogCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
