package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fieldops/rigtrack/internal/catalog"
	"github.com/fieldops/rigtrack/internal/store"
)

// openStore opens an existing rigtrack database. A missing file is a
// command error, not an invitation to create an empty database.
func openStore(formatter *OutputFormatter, path string) (*store.Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		msg := fmt.Sprintf("database not found: %s", path)
		_ = formatter.Error(catalog.ErrCodeNotFound, msg, nil)
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", catalog.ErrCodeNotFound, msg))
	}

	s, err := store.Open(path)
	if err != nil {
		msg := fmt.Sprintf("open database: %v", err)
		_ = formatter.Error(catalog.ErrCodeGeneric, msg, nil)
		return nil, WrapExitError(ExitCommandError, catalog.ErrCodeGeneric, err)
	}
	return s, nil
}

func newFormatter(opts *RootOptions, out, errOut io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   opts.Verbose,
	}
}
