package process

import "errors"

// Errors returned by the process backend.
var (
	// ErrNotExecutable indicates a task variant that carries no command.
	ErrNotExecutable = errors.New("task has no command to execute")

	// ErrEmptyCommand indicates a command that resolved to nothing.
	ErrEmptyCommand = errors.New("empty command")

	// ErrRunNotFound indicates an unknown or finished run.
	ErrRunNotFound = errors.New("run not found")

	// ErrNotRunning indicates no live process is recorded for a task.
	ErrNotRunning = errors.New("task is not running")

	// ErrClosed indicates the backend was closed.
	ErrClosed = errors.New("process backend closed")
)
