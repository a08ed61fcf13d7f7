// Package crawlerrors provides shared error kinds for the scheduler core.
package crawlerrors

import "errors"

// Sentinel errors for consistent error handling across the scheduler core.
// These can be checked with errors.Is() for type-safe handling.
var (
	// Browser pool errors
	ErrPoolClosed          = errors.New("browser pool is closed")
	ErrLaunchFailed        = errors.New("browser failed to launch")
	ErrBrowserUnhealthy    = errors.New("browser is unhealthy")
	ErrBrowserDisconnected = errors.New("browser disconnected")

	// AutoscaledPool errors
	ErrPauseTimeout = errors.New("pause timed out waiting for concurrency to drain")

	// Configuration errors
	ErrConfig = errors.New("invalid configuration")

	// Context
	ErrContextCanceled = errors.New("operation canceled")
)

// TaskError wraps a failure returned by a user-supplied runTask call.
// It is the error the scheduler reports, once, via Run().
type TaskError struct {
	Message string
	Err     error
}

func (e *TaskError) Error() string { return e.Message }
func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError wraps an error returned by runTask.
func NewTaskError(err error) *TaskError {
	return &TaskError{Message: "runTask failed: " + err.Error(), Err: err}
}

// PredicateError wraps a failure returned by isTaskReady or isFinished.
type PredicateError struct {
	Predicate string // "isTaskReady" | "isFinished"
	Message   string
	Err       error
}

func (e *PredicateError) Error() string { return e.Message }
func (e *PredicateError) Unwrap() error { return e.Err }

// NewPredicateError wraps an error returned by a work-source predicate.
func NewPredicateError(predicate string, err error) *PredicateError {
	return &PredicateError{
		Predicate: predicate,
		Message:   predicate + " failed: " + err.Error(),
		Err:       err,
	}
}

// LaunchError provides detail about a browser-launch failure.
type LaunchError struct {
	Operation string // "launch" | "newTab" | "handshake"
	Message   string
	Err       error
}

func (e *LaunchError) Error() string { return e.Message }
func (e *LaunchError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrLaunchFailed) match any LaunchError while
// Unwrap still exposes the underlying cause for further unwrapping.
func (e *LaunchError) Is(target error) bool { return target == ErrLaunchFailed }

// NewLaunchError wraps a launch/newTab/handshake failure.
func NewLaunchError(operation string, err error) *LaunchError {
	return &LaunchError{
		Operation: operation,
		Message:   "browser " + operation + " failed: " + err.Error(),
		Err:       err,
	}
}

// ConfigError reports a synchronous configuration-validation failure.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string { return e.Message }
func (e *ConfigError) Unwrap() error { return ErrConfig }

// NewConfigError builds a ConfigError for the named field.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: field + ": " + message}
}
