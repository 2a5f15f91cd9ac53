package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/rigtrack/internal/catalog"
)

// CatalogResult holds the outcome of a catalog validation.
type CatalogResult struct {
	Valid     bool     `json:"valid"`
	Types     int      `json:"types"`
	Locations int      `json:"locations"`
	Errors    []string `json:"errors,omitempty"`
}

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Work with the equipment catalog",
	}
	cmd.AddCommand(newCatalogValidateCommand(rootOpts))
	return cmd
}

func newCatalogValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var failFast bool

	cmd := &cobra.Command{
		Use:   "validate <catalog-dir>",
		Short: "Validate CUE catalog definitions",
		Long: `Validate the CUE equipment-type and storage-location definitions in a
directory: syntax, required fields, unique code prefixes, and exactly
one default location.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalogValidate(rootOpts, args[0], failFast, cmd)
		},
	}
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop at the first error")
	return cmd
}

func runCatalogValidate(opts *RootOptions, dir string, failFast bool, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	mode := catalog.LoadModeCollectAll
	if failFast {
		mode = catalog.LoadModeFailFast
	}
	formatter.VerboseLog("validating catalog in %s", dir)

	c, errs := catalog.Load(dir, mode)
	if len(errs) > 0 {
		// Access problems are command errors; definition problems are
		// validation failures.
		var loadErr *catalog.LoadError
		if errors.As(errs[0], &loadErr) && isAccessError(loadErr.Code) {
			_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
			return NewExitError(ExitCommandError, loadErr.Error())
		}

		messages := make([]string, len(errs))
		for i, err := range errs {
			messages[i] = err.Error()
		}
		result := CatalogResult{Valid: false, Errors: messages}
		if outErr := formatter.SuccessText(result, renderCatalogErrors(messages)); outErr != nil {
			return outErr
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d catalog errors", len(errs)))
	}

	result := CatalogResult{
		Valid:     true,
		Types:     len(c.Types()),
		Locations: len(c.Locations()),
	}
	text := fmt.Sprintf("✓ catalog valid (%d types, %d locations)\n", result.Types, result.Locations)
	return formatter.SuccessText(result, text)
}

func isAccessError(code string) bool {
	switch code {
	case catalog.ErrCodeNotFound, catalog.ErrCodeScanError, catalog.ErrCodeNoFiles:
		return true
	}
	return false
}

func renderCatalogErrors(messages []string) string {
	out := ""
	for _, m := range messages {
		out += "✗ " + m + "\n"
	}
	out += fmt.Sprintf("%d errors\n", len(messages))
	return out
}
