package task

import "time"

// EventKind identifies a lifecycle event of a run.
type EventKind string

const (
	// EventStart is published when a run is accepted by the backend.
	EventStart EventKind = "start"
	// EventProcessStarted is published once the process is spawned.
	EventProcessStarted EventKind = "processStarted"
	// EventActive is published when a background task becomes busy.
	EventActive EventKind = "active"
	// EventInactive is published when a background task becomes idle.
	EventInactive EventKind = "inactive"
	// EventProcessEnded is published when the process exits.
	EventProcessEnded EventKind = "processEnded"
	// EventTerminated is published when a run is terminated.
	EventTerminated EventKind = "terminated"
	// EventEnd is published after the last event of a run.
	EventEnd EventKind = "end"
	// EventChanged signals a change in the set of runs.
	EventChanged EventKind = "changed"
)

// TerminationReason explains an EventTerminated.
type TerminationReason int

const (
	// TerminationUnknown is an unspecified termination.
	TerminationUnknown TerminationReason = iota
	// TerminationUser is a user-initiated termination.
	TerminationUser
	// TerminationShutdown is a host shutdown.
	TerminationShutdown
	// TerminationReload is a host shutdown for a reload.
	TerminationReload
	// TerminationPolicy is a termination forced by an instance policy.
	TerminationPolicy
)

// String returns the reason name.
func (r TerminationReason) String() string {
	switch r {
	case TerminationUser:
		return "user"
	case TerminationShutdown:
		return "shutdown"
	case TerminationReload:
		return "reload"
	case TerminationPolicy:
		return "policy"
	default:
		return "unknown"
	}
}

// Event is a lifecycle event of one run.
type Event struct {
	// Kind is the event kind.
	Kind EventKind

	// RunID identifies the run.
	RunID string

	// Task is the task of the run.
	Task Task

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Duration is the run duration reported by the backend, if known.
	Duration time.Duration

	// ExitCode is set on EventProcessEnded.
	ExitCode *int

	// ProcessID is the OS process id, if any.
	ProcessID int

	// Reason is set on EventTerminated.
	Reason TerminationReason

	// Source is the run source the backend was given, set on EventStart.
	Source RunSource
}

// NewEvent creates an event stamped with the current time.
func NewEvent(kind EventKind, runID string, t Task) Event {
	return Event{Kind: kind, RunID: runID, Task: t, Timestamp: time.Now()}
}
