package task

import (
	"strings"
	"time"
)

// RunSource records why a run was requested.
type RunSource int

const (
	// RunSourceSystem is a run started by the host itself.
	RunSourceSystem RunSource = iota
	// RunSourceUser is an interactive request.
	RunSourceUser
	// RunSourceFolderOpen is an automatic run on folder open.
	RunSourceFolderOpen
	// RunSourceConfigurationChange is a run triggered by a config change.
	RunSourceConfigurationChange
	// RunSourceReconnect reattaches to a task running externally.
	RunSourceReconnect
	// RunSourceChatAgent is a run requested by an automated agent.
	RunSourceChatAgent
)

var runSourceNames = map[RunSource]string{
	RunSourceSystem:              "system",
	RunSourceUser:                "user",
	RunSourceFolderOpen:          "folderOpen",
	RunSourceConfigurationChange: "configurationChange",
	RunSourceReconnect:           "reconnect",
	RunSourceChatAgent:           "chatAgent",
}

// String returns the run source name.
func (s RunSource) String() string {
	if name, ok := runSourceNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseRunSource parses a run source name. Unknown names map to
// RunSourceUser.
func ParseRunSource(s string) RunSource {
	for src, name := range runSourceNames {
		if strings.EqualFold(name, s) {
			return src
		}
	}
	return RunSourceUser
}

// TaskRun is an in-flight or completed execution.
type TaskRun struct {
	// RunID identifies the run.
	RunID string

	// Task is the task being executed.
	Task Task

	// Started is when the run was accepted.
	Started time.Time

	// Source is why the run was requested.
	Source RunSource

	// Handle is the opaque backend handle.
	Handle any
}

// Key returns the canonical identity key of the run's task.
func (r *TaskRun) Key() string {
	if r == nil || r.Task == nil {
		return ""
	}
	return r.Task.Key()
}
