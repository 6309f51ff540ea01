package task

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by task operations.
var (
	// ErrTaskNotFound indicates a requested task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrRunningTaskConflict indicates no instance policy resolved a clash
	// with an active run of the same task.
	ErrRunningTaskConflict = errors.New("task is already running")

	// ErrProviderTimeout indicates a provider did not answer in time.
	ErrProviderTimeout = errors.New("task provider timed out")

	// ErrStorageCorruption indicates malformed persisted task data.
	ErrStorageCorruption = errors.New("persisted task data is malformed")

	// ErrInvalidIdentifier indicates a task identifier cannot be built.
	ErrInvalidIdentifier = errors.New("invalid task identifier")

	// ErrInvalidProviderTask indicates a provider returned an unusable task.
	ErrInvalidProviderTask = errors.New("provider returned an invalid task")
)

// ConfigParseError reports a scope whose configuration failed to parse.
// The scope degrades to provider tasks only.
type ConfigParseError struct {
	// Scope is the scope that failed.
	Scope Scope
	// Path is the configuration file, if known.
	Path string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ConfigParseError) Error() string {
	where := e.Scope.Key()
	if e.Path != "" {
		where = e.Path
	}
	return fmt.Sprintf("task configuration %s: %v", where, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigParseError) Unwrap() error {
	return e.Err
}

// ProviderError reports a provider that failed, panicked, timed out or
// returned an invalid task.
type ProviderError struct {
	// Type is the provider's task type.
	Type string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("task provider %q: %v", e.Type, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ConflictError reports a run request that clashed with active instances.
type ConflictError struct {
	// Task is the requested task.
	Task Task
	// Active are the active instances of the task.
	Active []*TaskRun
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	label := ""
	if e.Task != nil {
		label = e.Task.Core().Label
	}
	return fmt.Sprintf("%s %q (%d active)", ErrRunningTaskConflict, label, len(e.Active))
}

// Unwrap returns ErrRunningTaskConflict.
func (e *ConflictError) Unwrap() error {
	return ErrRunningTaskConflict
}

// UserError is a failure fit to show a user: a short message and a
// pointer to the diagnostic log. The underlying error is never shown.
type UserError struct {
	// Message is the short user-facing message.
	Message string
	// LogRef points at the detailed diagnostic log.
	LogRef string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *UserError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.LogRef != "" {
		b.WriteString(" (see ")
		b.WriteString(e.LogRef)
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *UserError) Unwrap() error {
	return e.Err
}
