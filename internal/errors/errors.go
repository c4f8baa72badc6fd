package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeConfiguration represents missing or malformed configuration
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeUnknownEnvironment represents a reference to an unregistered environment
	ErrorTypeUnknownEnvironment ErrorType = "unknown_environment"
	// ErrorTypeToolsNotFound represents missing or unusable dump/restore executables
	ErrorTypeToolsNotFound ErrorType = "tools_not_found"
	// ErrorTypeSubprocess represents a tool that exited nonzero
	ErrorTypeSubprocess ErrorType = "subprocess"
	// ErrorTypeRestoreFailure represents a failed rollback restore
	ErrorTypeRestoreFailure ErrorType = "restore_failure"
	// ErrorTypeCancelled represents user interruption
	ErrorTypeCancelled ErrorType = "cancelled"
	// ErrorTypeConnection represents database connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeIO represents filesystem errors
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// ErrCancelled is returned when an operation stops because its context was cancelled.
var ErrCancelled = errors.New("operation cancelled")

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether the error is recoverable
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the message shown to the operator
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: false,
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: true,
	}
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeConfiguration, message, cause)
}

// NewUnknownEnvironmentError reports a name that is not registered, listing the known ones
func NewUnknownEnvironmentError(name string, known []string) *AppError {
	list := "none"
	if len(known) > 0 {
		list = strings.Join(known, ", ")
	}
	return NewAppError(ErrorTypeUnknownEnvironment,
		fmt.Sprintf("unknown environment %q", name), nil).
		WithContext("environment", name).
		WithContext("known", known).
		WithUserMessage(fmt.Sprintf("Environment %q is not configured. Known environments: %s", name, list))
}

// NewToolsNotFoundError reports a missing or unusable tool
func NewToolsNotFoundError(tool, message string, cause error) *AppError {
	return NewAppError(ErrorTypeToolsNotFound, fmt.Sprintf("%s: %s", tool, message), cause).
		WithContext("tool", tool).
		WithUserMessage(fmt.Sprintf("%s: %s. Install the MongoDB Database Tools or set MONGODB_BIN_PATH to the directory that contains them.", tool, message))
}

// Stage identifies the workflow step a subprocess belonged to
type Stage string

const (
	StageExport  Stage = "export"
	StageBackup  Stage = "backup"
	StageImport  Stage = "import"
	StageClear   Stage = "clear"
	StageRestore Stage = "restore"
)

// SubprocessError describes a tool run that did not succeed
type SubprocessError struct {
	Stage    Stage
	Tool     string
	ExitCode int
	Tail     []string
	Cause    error
}

func (e *SubprocessError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Stage)
	if e.Tool != "" {
		msg = fmt.Sprintf("%s failed: %s exited with code %d", e.Stage, e.Tool, e.ExitCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *SubprocessError) Unwrap() error {
	return e.Cause
}

// Diagnostic renders the captured tail of the tool output
func (e *SubprocessError) Diagnostic() string {
	if len(e.Tail) == 0 {
		return ""
	}
	return strings.Join(e.Tail, "\n")
}

// NewRestoreFailure escalates a failed rollback. The target is in an unknown state.
func NewRestoreFailure(backupLocation string, cause error) *AppError {
	return NewAppError(ErrorTypeRestoreFailure, "restore from backup failed", cause).
		WithContext("backup", backupLocation).
		WithUserMessage(fmt.Sprintf(
			"MANUAL INTERVENTION REQUIRED: the import failed and restoring the backup also failed. "+
				"The target database may be in an inconsistent state. Restore it manually from %s "+
				"(for example with `mongo-env-sync backup restore %s`).", backupLocation, backupLocation))
}

// ErrorClassifier provides methods to classify and handle different types of errors
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var subErr *SubprocessError
	if errors.As(err, &subErr) {
		return NewAppError(ErrorTypeSubprocess, subErr.Error(), err).
			WithContext("stage", string(subErr.Stage)).
			WithContext("exit_code", subErr.ExitCode)
	}

	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}

	if mongoErr := ec.classifyMongoError(err); mongoErr != nil {
		return mongoErr
	}

	if netErr := ec.classifyNetworkError(err); netErr != nil {
		return netErr
	}

	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyMongoError classifies errors returned by the MongoDB driver
func (ec *ErrorClassifier) classifyMongoError(err error) *AppError {
	if mongo.IsTimeout(err) {
		return NewRecoverableError(ErrorTypeTimeout, "MongoDB operation timed out", err)
	}
	if mongo.IsNetworkError(err) {
		return NewRecoverableError(ErrorTypeConnection,
			"Cannot reach MongoDB server - server may be down or unreachable", err)
	}

	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 13, 18: // Unauthorized, AuthenticationFailed
			return NewAppError(ErrorTypePermission,
				"MongoDB access denied - check credentials in the connection URI", err).
				WithContext("mongo_error_code", cmdErr.Code)
		default:
			return NewAppError(ErrorTypeUnknown,
				fmt.Sprintf("MongoDB error: %s", cmdErr.Message), err).
				WithContext("mongo_error_code", cmdErr.Code)
		}
	}

	if errors.Is(err, mongo.ErrClientDisconnected) {
		return NewAppError(ErrorTypeConnection, "MongoDB client is disconnected", err)
	}

	return nil
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout,
			"Network operation timed out", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeConnection,
				"Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeConnection,
				"Network I/O error", err)
		}
	}

	return nil
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeCancelled,
			"Operation was cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(ErrorTypeTimeout,
			"Operation timed out", err)
	}

	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Err {
		case syscall.ENOENT:
			return NewAppError(ErrorTypeIO,
				fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
		case syscall.EACCES:
			return NewAppError(ErrorTypePermission,
				fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
		case syscall.ENOSPC:
			return NewAppError(ErrorTypeIO,
				"No space left on device", err)
		default:
			return NewAppError(ErrorTypeIO,
				fmt.Sprintf("Filesystem error on %s", pathErr.Path), err)
		}
	}

	return nil
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler provides retry functionality for operations
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
	}
}

// NewDefaultRetryHandler creates a retry handler with default configuration
func NewDefaultRetryHandler() *RetryHandler {
	return NewRetryHandler(DefaultRetryConfig())
}

// Retry executes a function with retry logic for recoverable errors
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeCancelled, "Operation cancelled", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		appErr := rh.classifier.ClassifyError(err)

		if !appErr.IsRecoverable() {
			return appErr
		}

		if attempt == rh.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeCancelled, "Operation cancelled during retry", ctx.Err())
		case <-time.After(rh.calculateDelay(attempt)):
		}
	}

	return rh.classifier.ClassifyError(lastErr).
		WithContext("attempts", rh.config.MaxAttempts)
}

// calculateDelay calculates the delay for a given attempt using exponential backoff
func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)
	if delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}

	return delay
}

// IsCancelled reports whether err stems from a cancelled operation
func IsCancelled(err error) bool {
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return true
	}
	return GetErrorType(err) == ErrorTypeCancelled
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	var subErr *SubprocessError
	if errors.As(err, &subErr) {
		return ErrorTypeSubprocess
	}
	return ErrorTypeUnknown
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.GetUserMessage()
	}

	var subErr *SubprocessError
	if errors.As(err, &subErr) {
		msg := fmt.Sprintf("The %s step failed", subErr.Stage)
		if subErr.Tool != "" {
			msg = fmt.Sprintf("%s (%s exit code %d)", msg, subErr.Tool, subErr.ExitCode)
		}
		if tail := subErr.Diagnostic(); tail != "" {
			msg += ". Last tool output:\n" + tail
		}
		return msg
	}

	return "An unexpected error occurred. Please check the logs for more details."
}
