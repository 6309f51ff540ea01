package orchestrator

import (
	"errors"
	"fmt"
)

// Orchestrator errors.
var (
	// ErrClosed indicates the orchestrator was used after Close.
	ErrClosed = errors.New("orchestrator closed")

	// ErrNotInitialized indicates an operation that needs Init.
	ErrNotInitialized = errors.New("orchestrator not initialized")

	// ErrMissingComponent indicates a required option was not supplied.
	ErrMissingComponent = errors.New("required component missing")
)

// InitError represents an error during component initialization.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to initialize %s: %v", e.Component, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
