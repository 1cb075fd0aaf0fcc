package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents a resource not found error with contextual information.
// It is returned when a server name is not configured or has no record.
type NotFoundError struct {
	// ResourceType categorizes the type of resource that was not found
	// (e.g., "server", "tool", "process")
	ResourceType string

	// ResourceName is the specific identifier of the resource that was not found
	ResourceName string

	// Message provides a custom error message if the default format is insufficient
	Message string
}

// Error implements the error interface for NotFoundError.
func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// IsNotFound checks if an error is a NotFoundError using error unwrapping.
//
// Args:
//   - err: The error to check
//
// Returns:
//   - bool: true if the error is or wraps a NotFoundError, false otherwise
//
// Example:
//
//	status, err := controller.Status(ctx, "nonexistent")
//	if api.IsNotFound(err) {
//	    // suggest a configured name instead
//	}
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// NewNotFoundError creates a new NotFoundError with the specified resource type and name.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{
		ResourceType: resourceType,
		ResourceName: resourceName,
	}
}

// SetupFailedError is returned when a server's setup script exits non-zero.
// Nothing has been spawned and no port is held when it is returned.
type SetupFailedError struct {
	Server   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *SetupFailedError) Error() string {
	msg := fmt.Sprintf("setup for server %s failed", e.Server)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := lastLines(e.Stderr, 5); tail != "" {
		msg += "\n" + tail
	}
	return msg
}

func (e *SetupFailedError) Unwrap() error { return e.Err }

// MissingEnvironmentVariableError is returned when a ${VAR} reference in a
// launch spec cannot be resolved and carries no default.
type MissingEnvironmentVariableError struct {
	Server   string
	Variable string
	// Field names where the reference was found, e.g. "env.API_KEY" or "args[2]".
	Field string
}

func (e *MissingEnvironmentVariableError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("server %s: environment variable %s referenced by %s is not set", e.Server, e.Variable, e.Field)
	}
	return fmt.Sprintf("server %s: environment variable %s is not set", e.Server, e.Variable)
}

// PortConflictError is returned when a reserved port was taken by another
// process between allocation and spawn.
type PortConflictError struct {
	Server string
	Port   int
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("server %s: port %d is already in use", e.Server, e.Port)
}

// PortExhaustionError is returned when no free port exists in the probed range.
type PortExhaustionError struct {
	Server   string
	Base     int
	Attempts int
}

func (e *PortExhaustionError) Error() string {
	return fmt.Sprintf("server %s: no free port in range %d-%d", e.Server, e.Base, e.Base+e.Attempts-1)
}

// SpawnFailedError is returned when the OS refuses to start the process.
type SpawnFailedError struct {
	Server  string
	Command string
	// Stderr holds the output of a process that exited before it was confirmed.
	Stderr  string
	Err     error
}

func (e *SpawnFailedError) Error() string {
	msg := fmt.Sprintf("server %s: failed to spawn %s: %v", e.Server, e.Command, e.Err)
	if tail := lastLines(e.Stderr, 5); tail != "" {
		msg += "\n" + tail
	}
	return msg
}

func (e *SpawnFailedError) Unwrap() error { return e.Err }

// RequestTimeoutError is returned when a request gets no response within
// its deadline. The session stays usable.
type RequestTimeoutError struct {
	Server  string
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("server %s: %s request %d timed out after %s", e.Server, e.Method, e.ID, e.Timeout)
}

// TransportClosedError is returned for requests that were pending, or
// submitted, after the server's output stream ended.
type TransportClosedError struct {
	Server string
	Stderr string
	Err    error
}

func (e *TransportClosedError) Error() string {
	msg := fmt.Sprintf("server %s: transport closed", e.Server)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := lastLines(e.Stderr, 5); tail != "" {
		msg += "\n" + tail
	}
	return msg
}

func (e *TransportClosedError) Unwrap() error { return e.Err }

// ProtocolError describes a line from the server that is not a valid
// JSON-RPC message. It is logged and the line is skipped.
type ProtocolError struct {
	Server string
	Line   string
	Err    error
}

func (e *ProtocolError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:117] + "..."
	}
	return fmt.Sprintf("server %s: malformed message %q: %v", e.Server, line, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RPCError is a JSON-RPC error response returned by the server.
type RPCError struct {
	Server  string
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("server %s: %s failed (code %d): %s", e.Server, e.Method, e.Code, e.Message)
}

// InvalidTransitionError is returned when an operation would move a server
// into a state not reachable from its current one.
type InvalidTransitionError struct {
	Server string
	From   ServerState
	To     ServerState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("server %s: cannot move from %s to %s", e.Server, e.From, e.To)
}

// IsSetupFailed reports whether err is or wraps a SetupFailedError.
func IsSetupFailed(err error) bool {
	var target *SetupFailedError
	return errors.As(err, &target)
}

// IsPortError reports whether err is a port conflict or exhaustion.
func IsPortError(err error) bool {
	var conflict *PortConflictError
	var exhausted *PortExhaustionError
	return errors.As(err, &conflict) || errors.As(err, &exhausted)
}

// IsMissingEnv reports whether err is or wraps a MissingEnvironmentVariableError.
func IsMissingEnv(err error) bool {
	var target *MissingEnvironmentVariableError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is or wraps a RequestTimeoutError.
func IsTimeout(err error) bool {
	var target *RequestTimeoutError
	return errors.As(err, &target)
}

// IsTransportClosed reports whether err is or wraps a TransportClosedError.
func IsTransportClosed(err error) bool {
	var target *TransportClosedError
	return errors.As(err, &target)
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
