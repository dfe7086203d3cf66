// Package errs defines the closed error-kind taxonomy used across the
// runtime (spec.md §7): a small set of distinguishable causes plus a
// fatal helper for programming-error violations.
//
// Grounded on eventloop/errors.go's TypeError/RangeError/TimeoutError
// family: each kind is its own exported type carrying an optional cause,
// satisfying errors.Is/errors.As through Unwrap rather than sentinel
// string comparison.
package errs

import (
	"fmt"
	"os"

	"github.com/kestrel-mesh/wfdirect/logx"
)

// TimeoutError reports that an operation's deadline elapsed before it
// completed (service-adapter ExecutingTimedOut transitions, C7 condition
// variable predicate timeouts, C9 request/response round-trips).
type TimeoutError struct {
	Cause   error
	Message string
}

func (e *TimeoutError) Error() string {
	if e.Message == "" {
		return "operation timed out"
	}
	return e.Message
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// ClosedIOError reports that an operation was attempted against an async
// file, bounded queue, or request channel that had already been closed.
type ClosedIOError struct {
	Cause   error
	Message string
}

func (e *ClosedIOError) Error() string {
	if e.Message == "" {
		return "closed"
	}
	return e.Message
}

func (e *ClosedIOError) Unwrap() error { return e.Cause }

// IOError wraps an underlying OS-level I/O failure (short of EOF or
// closed-by-us) with context about which operation failed.
type IOError struct {
	Cause   error
	Message string
}

func (e *IOError) Error() string {
	if e.Message == "" {
		return "I/O error"
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *IOError) Unwrap() error { return e.Cause }

// FileNotFoundError reports a failed open/attach against a path or
// socket that doesn't exist.
type FileNotFoundError struct {
	Path  string
	Cause error
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

func (e *FileNotFoundError) Unwrap() error { return e.Cause }

// RequestFailedError reports that a synchronous request/response
// round-trip (C9) completed but the peer reported failure (a non-OK
// command reply).
type RequestFailedError struct {
	Command string
	Reply   string
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("request %q failed: %s", e.Command, e.Reply)
}

// WrapError wraps an error with a message and cause chain, matching
// eventloop/errors.go's WrapError convenience function.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}

// Fatal logs a programming-error violation at Error level and terminates
// the process with a diagnostic, per spec.md §7: invariant violations are
// not recoverable and have no safe continuation.
func Fatal(component string, err error, format string, args ...any) {
	logx.Errorf(component, err, format, args...)
	os.Exit(2)
}
