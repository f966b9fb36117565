package cmd

import (
	"errors"
	"fmt"

	"go-air-download/internal/downloader"
	"go-air-download/internal/lock"
	"go-air-download/internal/metadata"
	"go-air-download/internal/updater"
	"go-air-download/internal/urn"
)

// Process exit codes, one per error class.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitUsage           = 2
	ExitParse           = 3
	ExitAuth            = 4
	ExitNotFound        = 5
	ExitNetwork         = 6
	ExitIO              = 7
	ExitInvalidMetadata = 8
)

// usageError marks invalid command line input.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func newUsageError(format string, args ...interface{}) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// ExitCodeFor maps an error returned by a command onto its exit code.
func ExitCodeFor(err error) int {
	var ue *usageError
	var pe *urn.ParseError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ue):
		return ExitUsage
	// Checked before parse errors: a sidecar holding a bad URN is a metadata problem.
	case errors.Is(err, updater.ErrInvalidMetadata), errors.Is(err, metadata.ErrCorrupt), errors.Is(err, metadata.ErrNotFound):
		return ExitInvalidMetadata
	case errors.As(err, &pe):
		return ExitParse
	case errors.Is(err, downloader.ErrAuth):
		return ExitAuth
	case errors.Is(err, downloader.ErrModelNotFound):
		return ExitNotFound
	case errors.Is(err, downloader.ErrNetwork):
		return ExitNetwork
	case errors.Is(err, downloader.ErrIO), errors.Is(err, metadata.ErrIO), errors.Is(err, lock.ErrLocked):
		return ExitIO
	default:
		return ExitFailure
	}
}

// hintFor returns advice printed after the error message, if any.
func hintFor(code int) string {
	switch code {
	case ExitUsage:
		return "Run 'air-downloader --help' for usage."
	case ExitAuth:
		return "Supply a valid API token with --token or the CIVITAI_TOKEN environment variable."
	case ExitNetwork:
		return "Nothing partial was kept; it is safe to run the same command again."
	case ExitInvalidMetadata:
		return "The metadata file cannot be used; download the model again with --urn."
	default:
		return ""
	}
}
