package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

func TestAppError(t *testing.T) {
	cause := errors.New("underlying error")
	appErr := NewAppError(ErrorTypeConnection, "connection failed", cause)

	if appErr.Type != ErrorTypeConnection {
		t.Errorf("Expected type %v, got %v", ErrorTypeConnection, appErr.Type)
	}

	if appErr.Cause != cause {
		t.Errorf("Expected cause %v, got %v", cause, appErr.Cause)
	}

	if appErr.IsRecoverable() {
		t.Error("Expected non-recoverable error")
	}

	expectedError := "connection: connection failed (caused by: underlying error)"
	if appErr.Error() != expectedError {
		t.Errorf("Expected error string %v, got %v", expectedError, appErr.Error())
	}
}

func TestAppErrorWithContext(t *testing.T) {
	appErr := NewAppError(ErrorTypeIO, "write failed", nil)
	appErr.WithContext("path", "/tmp/x").WithContext("attempt", 2)

	if appErr.Context["path"] != "/tmp/x" {
		t.Errorf("Expected context path=/tmp/x, got %v", appErr.Context["path"])
	}
	if appErr.Context["attempt"] != 2 {
		t.Errorf("Expected context attempt=2, got %v", appErr.Context["attempt"])
	}
}

func TestNewUnknownEnvironmentError(t *testing.T) {
	err := NewUnknownEnvironmentError("STAGING", []string{"DEV", "PROD"})

	if err.Type != ErrorTypeUnknownEnvironment {
		t.Fatalf("Expected type %v, got %v", ErrorTypeUnknownEnvironment, err.Type)
	}
	msg := err.GetUserMessage()
	if !strings.Contains(msg, "STAGING") || !strings.Contains(msg, "DEV, PROD") {
		t.Errorf("User message should name the environment and known ones, got %q", msg)
	}

	empty := NewUnknownEnvironmentError("X", nil)
	if !strings.Contains(empty.GetUserMessage(), "none") {
		t.Errorf("Expected 'none' for empty registry, got %q", empty.GetUserMessage())
	}
}

func TestNewToolsNotFoundError(t *testing.T) {
	err := NewToolsNotFoundError("mongodump", "not found in PATH", nil)

	if err.Type != ErrorTypeToolsNotFound {
		t.Errorf("Expected type %v, got %v", ErrorTypeToolsNotFound, err.Type)
	}
	if err.Context["tool"] != "mongodump" {
		t.Errorf("Expected tool context, got %v", err.Context["tool"])
	}
	if !strings.Contains(err.GetUserMessage(), "MONGODB_BIN_PATH") {
		t.Errorf("User message should explain how to configure the tools, got %q", err.GetUserMessage())
	}
}

func TestSubprocessError(t *testing.T) {
	err := &SubprocessError{
		Stage:    StageImport,
		Tool:     "mongorestore",
		ExitCode: 1,
		Tail:     []string{"connecting", "error: auth failed"},
	}

	if err.Error() != "import failed: mongorestore exited with code 1" {
		t.Errorf("Unexpected error string %q", err.Error())
	}
	if GetErrorType(err) != ErrorTypeSubprocess {
		t.Errorf("Expected subprocess type, got %v", GetErrorType(err))
	}

	msg := FormatUserError(fmt.Errorf("wrapped: %w", err))
	if !strings.Contains(msg, "exit code 1") || !strings.Contains(msg, "error: auth failed") {
		t.Errorf("User message should carry exit code and tail, got %q", msg)
	}

	classified := NewErrorClassifier().ClassifyError(err)
	if classified.Context["stage"] != "import" {
		t.Errorf("Expected stage context, got %v", classified.Context["stage"])
	}
}

func TestNewRestoreFailure(t *testing.T) {
	cause := &SubprocessError{Stage: StageRestore, Tool: "mongorestore", ExitCode: 2}
	err := NewRestoreFailure("/backups/DST/orders/x", cause)

	if err.Type != ErrorTypeRestoreFailure {
		t.Errorf("Expected type %v, got %v", ErrorTypeRestoreFailure, err.Type)
	}
	if !strings.Contains(err.GetUserMessage(), "MANUAL INTERVENTION REQUIRED") {
		t.Errorf("Expected operator guidance, got %q", err.GetUserMessage())
	}
	var sub *SubprocessError
	if !errors.As(err, &sub) {
		t.Error("Restore failure should unwrap to the subprocess error")
	}
}

func TestErrorClassifier_ClassifyContextError(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name         string
		err          error
		expectedType ErrorType
		recoverable  bool
	}{
		{"deadline exceeded", context.DeadlineExceeded, ErrorTypeTimeout, true},
		{"context canceled", context.Canceled, ErrorTypeCancelled, false},
		{"sentinel cancelled", fmt.Errorf("run: %w", ErrCancelled), ErrorTypeCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := classifier.ClassifyError(tt.err)
			if appErr.Type != tt.expectedType {
				t.Errorf("Expected type %v, got %v", tt.expectedType, appErr.Type)
			}
			if appErr.IsRecoverable() != tt.recoverable {
				t.Errorf("Expected recoverable=%v, got %v", tt.recoverable, appErr.IsRecoverable())
			}
		})
	}
}

func TestErrorClassifier_ClassifyMongoError(t *testing.T) {
	classifier := NewErrorClassifier()

	authErr := mongo.CommandError{Code: 18, Message: "Authentication failed."}
	appErr := classifier.ClassifyError(authErr)
	if appErr.Type != ErrorTypePermission {
		t.Errorf("Expected permission type, got %v", appErr.Type)
	}

	other := classifier.ClassifyError(mongo.CommandError{Code: 26, Message: "ns not found"})
	if other.Context["mongo_error_code"] != int32(26) {
		t.Errorf("Expected mongo error code context, got %v", other.Context["mongo_error_code"])
	}
}

func TestErrorClassifier_ClassifyFileSystemError(t *testing.T) {
	classifier := NewErrorClassifier()

	tests := []struct {
		name         string
		errno        syscall.Errno
		expectedType ErrorType
	}{
		{"not found", syscall.ENOENT, ErrorTypeIO},
		{"permission denied", syscall.EACCES, ErrorTypePermission},
		{"no space", syscall.ENOSPC, ErrorTypeIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &os.PathError{Op: "open", Path: "/backups", Err: tt.errno}
			appErr := classifier.ClassifyError(err)
			if appErr.Type != tt.expectedType {
				t.Errorf("Expected type %v, got %v", tt.expectedType, appErr.Type)
			}
		})
	}
}

func TestErrorClassifier_ClassifyNetworkError(t *testing.T) {
	classifier := NewErrorClassifier()

	err := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	appErr := classifier.ClassifyError(err)

	if appErr.Type != ErrorTypeConnection {
		t.Errorf("Expected connection type, got %v", appErr.Type)
	}
	if !appErr.IsRecoverable() {
		t.Error("Dial errors should be recoverable")
	}
}

func TestRetryHandler_Retry(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	t.Run("succeeds after recoverable failures", func(t *testing.T) {
		handler := NewRetryHandler(fast)
		calls := 0
		err := handler.Retry(context.Background(), func() error {
			calls++
			if calls < 3 {
				return NewRecoverableError(ErrorTypeConnection, "flaky", nil)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Expected success, got %v", err)
		}
		if calls != 3 {
			t.Errorf("Expected 3 calls, got %d", calls)
		}
	})

	t.Run("stops on non-recoverable error", func(t *testing.T) {
		handler := NewRetryHandler(fast)
		calls := 0
		err := handler.Retry(context.Background(), func() error {
			calls++
			return NewConfigurationError("bad uri", nil)
		})
		if GetErrorType(err) != ErrorTypeConfiguration {
			t.Errorf("Expected configuration error, got %v", err)
		}
		if calls != 1 {
			t.Errorf("Expected 1 call, got %d", calls)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		handler := NewRetryHandler(fast)
		calls := 0
		err := handler.Retry(context.Background(), func() error {
			calls++
			return NewRecoverableError(ErrorTypeTimeout, "slow", nil)
		})
		var appErr *AppError
		if !errors.As(err, &appErr) || appErr.Context["attempts"] != 3 {
			t.Errorf("Expected attempts context, got %v", err)
		}
		if calls != 3 {
			t.Errorf("Expected 3 calls, got %d", calls)
		}
	})

	t.Run("respects cancelled context", func(t *testing.T) {
		handler := NewRetryHandler(fast)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := handler.Retry(ctx, func() error { return nil })
		if !IsCancelled(err) {
			t.Errorf("Expected cancelled error, got %v", err)
		}
	})
}

func TestRetryHandler_CalculateDelay(t *testing.T) {
	handler := NewRetryHandler(RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    300 * time.Millisecond,
		Multiplier:  2.0,
	})

	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	for i, want := range expected {
		if got := handler.calculateDelay(i + 1); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestFormatUserError(t *testing.T) {
	if FormatUserError(nil) != "" {
		t.Error("Expected empty string for nil")
	}
	if FormatUserError(errors.New("x")) == "" {
		t.Error("Expected generic message for plain error")
	}
}
