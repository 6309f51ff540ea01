package execution

import (
	"context"

	"github.com/dshills/taskd/internal/task"
)

// TerminateResult is the backend's answer to a termination request.
type TerminateResult struct {
	// Success reports whether the run was terminated.
	Success bool

	// ExitCode is the exit code of the terminated process, if known.
	ExitCode *int
}

// Backend executes tasks. Backends publish lifecycle events for the runs
// they accept; their errors are returned to callers unchanged.
type Backend interface {
	// Run starts a fresh run of t.
	Run(ctx context.Context, t task.Task, src task.RunSource) (*task.TaskRun, error)

	// Reconnect reattaches to a run of t still executing externally.
	Reconnect(ctx context.Context, t task.Task) (*task.TaskRun, error)

	// Terminate stops the run with runID.
	Terminate(ctx context.Context, runID string, reason task.TerminationReason) (TerminateResult, error)

	// ActiveRuns returns the runs the backend considers active.
	ActiveRuns() []*task.TaskRun
}

// Notifier surfaces non-blocking messages to the user.
type Notifier interface {
	// Warn shows a warning.
	Warn(msg string)

	// Notify shows an informational message.
	Notify(msg string)
}

// Saver persists dirty editor state before a run.
type Saver interface {
	// Dirty reports whether there is unsaved state.
	Dirty() bool

	// SaveAll saves all dirty state.
	SaveAll(ctx context.Context) error
}

// Resolver finds tasks for the dispatcher.
type Resolver interface {
	// Resolve finds the task named by id in scope; nil when unknown.
	Resolve(ctx context.Context, scope task.Scope, id task.Identity) (task.Task, error)

	// Promote resolves a customizing entry; nil when unknown.
	Promote(ctx context.Context, p *task.PendingTask) (*task.ContributedTask, error)
}

// SavePolicy controls saving dirty state before a run.
type SavePolicy string

const (
	// SaveAlways saves without asking.
	SaveAlways SavePolicy = "always"
	// SaveNever never saves.
	SaveNever SavePolicy = "never"
	// SavePrompt asks when there is dirty state.
	SavePrompt SavePolicy = "prompt"
)

// ParseSavePolicy parses a save policy name; unknown names are SaveAlways.
func ParseSavePolicy(s string) SavePolicy {
	switch SavePolicy(s) {
	case SaveNever, SavePrompt:
		return SavePolicy(s)
	default:
		return SaveAlways
	}
}
