// Package exitcodes defines the process exit status for each way a run can end.
// Scripts and schedulers can tell a rolled-back sync apart from a crash and
// from a target that needs manual attention.
package exitcodes

import (
	"context"
	"errors"

	apperrors "mongo-env-sync/internal/errors"
)

const (
	// Success - sync completed, or a dry run / read-only command finished
	Success = 0

	// Failed - the sync did not complete; the target was either untouched or no backup existed
	Failed = 1

	// ConfigError - bad configuration, unknown environment or missing tools; nothing was changed
	ConfigError = 2

	// RolledBack - import failed and the target was restored from the pre-import backup
	RolledBack = 3

	// RestoreFailed - import and rollback both failed; the target needs manual intervention
	RestoreFailed = 4

	// Cancelled - interrupted by SIGINT/SIGTERM
	Cancelled = 130
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return Description(e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the exit code for an error returned by a command.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, apperrors.ErrCancelled) || errors.Is(err, context.Canceled) {
		return Cancelled
	}

	switch apperrors.GetErrorType(err) {
	case apperrors.ErrorTypeConfiguration, apperrors.ErrorTypeUnknownEnvironment, apperrors.ErrorTypeToolsNotFound:
		return ConfigError
	case apperrors.ErrorTypeRestoreFailure:
		return RestoreFailed
	case apperrors.ErrorTypeCancelled:
		return Cancelled
	default:
		return Failed
	}
}

// FromState maps a terminal workflow state to its exit code. err refines the
// failed state, since a failure before any side effect is a configuration problem.
func FromState(state string, err error) int {
	switch state {
	case "succeeded":
		return Success
	case "rolled_back":
		return RolledBack
	case "cancelled":
		return Cancelled
	default:
		if err == nil {
			return Failed
		}
		return FromError(err)
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case Failed:
		return "sync failed"
	case ConfigError:
		return "configuration error"
	case RolledBack:
		return "import failed, target restored from backup"
	case RestoreFailed:
		return "restore failed, manual intervention required"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown error"
	}
}
