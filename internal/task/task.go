package task

import (
	"maps"
	"slices"
)

// Kind tags a task variant.
type Kind int

const (
	// KindConfigured is a task fully specified by configuration.
	KindConfigured Kind = iota
	// KindPending is a configuration entry customizing a provider task.
	KindPending
	// KindContributed is a fully specified task supplied by a provider.
	KindContributed
	// KindSynthetic is a composite that fans out to several tasks.
	KindSynthetic
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConfigured:
		return "configured"
	case KindPending:
		return "pending"
	case KindContributed:
		return "contributed"
	case KindSynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// Group categorizes tasks.
type Group string

const (
	// GroupNone marks an ungrouped task.
	GroupNone Group = ""
	// GroupBuild contains build tasks.
	GroupBuild Group = "build"
	// GroupTest contains test tasks.
	GroupTest Group = "test"
)

// ParseGroup maps a configuration group kind to a Group.
func ParseGroup(s string) Group {
	switch s {
	case "build":
		return GroupBuild
	case "test":
		return GroupTest
	default:
		return GroupNone
	}
}

// SourceKind identifies where a task was declared.
type SourceKind string

const (
	// SourceWorkspace is a folder-level configuration file.
	SourceWorkspace SourceKind = "workspace"
	// SourceUser is the user-level configuration file.
	SourceUser SourceKind = "user"
	// SourceWorkspaceFile is the workspace-file configuration.
	SourceWorkspaceFile SourceKind = "workspaceFile"
	// SourceExtension is a task provider.
	SourceExtension SourceKind = "extension"
	// SourceComposite is a synthetic composite task.
	SourceComposite SourceKind = "composite"
)

// InstancePolicy decides what happens when a task is requested while
// another instance of it is active.
type InstancePolicy string

const (
	// PolicyTerminateNewest terminates the most recently started instance.
	PolicyTerminateNewest InstancePolicy = "terminateNewest"
	// PolicyTerminateOldest terminates the least recently started instance.
	PolicyTerminateOldest InstancePolicy = "terminateOldest"
	// PolicyPrompt lets the caller choose an instance to terminate.
	PolicyPrompt InstancePolicy = "prompt"
	// PolicyWarn drops the request and surfaces a warning.
	PolicyWarn InstancePolicy = "warn"
	// PolicySilent drops the request.
	PolicySilent InstancePolicy = "silent"
)

// Valid reports whether p is a known policy.
func (p InstancePolicy) Valid() bool {
	switch p {
	case PolicyTerminateNewest, PolicyTerminateOldest, PolicyPrompt, PolicyWarn, PolicySilent:
		return true
	}
	return false
}

// RunOn specifies when a task runs automatically.
type RunOn string

const (
	// RunOnDefault runs only on request.
	RunOnDefault RunOn = "default"
	// RunOnFolderOpen runs when the folder is opened.
	RunOnFolderOpen RunOn = "folderOpen"
)

// RunOptions contains task execution options.
type RunOptions struct {
	// ReevaluateOnRerun re-resolves the task when it is rerun.
	ReevaluateOnRerun bool `json:"reevaluateOnRerun"`

	// RunOn specifies when to run: "default" or "folderOpen".
	RunOn RunOn `json:"runOn"`

	// InstanceLimit is the max concurrent instances before the policy applies.
	InstanceLimit int `json:"instanceLimit"`

	// InstancePolicy is applied when the limit is reached.
	InstancePolicy InstancePolicy `json:"instancePolicy"`
}

// DefaultRunOptions returns the run options used when configuration is silent.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		ReevaluateOnRerun: true,
		RunOn:             RunOnDefault,
		InstanceLimit:     1,
		InstancePolicy:    PolicyPrompt,
	}
}

// Execution describes the command a task runs.
type Execution struct {
	// Command is the command to execute.
	Command string `json:"command"`

	// Args are the command arguments.
	Args []string `json:"args,omitempty"`

	// Cwd is the working directory for the task.
	Cwd string `json:"cwd,omitempty"`

	// Env are environment variables for the task.
	Env map[string]string `json:"env,omitempty"`

	// Shell runs the command through the shell.
	Shell bool `json:"shell,omitempty"`
}

func (e Execution) clone() Execution {
	e.Args = slices.Clone(e.Args)
	e.Env = maps.Clone(e.Env)
	return e
}

// Base holds the attributes shared by every task variant.
type Base struct {
	// ID is the internal identifier of the task.
	ID string

	// Label is the user-facing name.
	Label string

	// Ref is an optional user-assigned reference name.
	Ref string

	// Scope is the configuration scope the task belongs to.
	Scope Scope

	// Source identifies how the task was declared.
	Source SourceKind

	// Identifier is the structured definition used for identity.
	Identifier *Identifier

	// Group is the task category.
	Group Group

	// IsDefault marks the default task of its group.
	IsDefault bool

	// IsBackground marks long-running tasks such as watchers.
	IsBackground bool

	// RunOptions contains execution options.
	RunOptions RunOptions

	// ProblemMatchers are problem matcher references.
	ProblemMatchers []string

	// Detail is a human-readable description.
	Detail string
}

// Core returns the shared attributes.
func (b *Base) Core() *Base { return b }

// Key returns the canonical identity key.
func (b *Base) Key() string {
	if b.Identifier == nil {
		return ""
	}
	return b.Identifier.Key()
}

func (b Base) clone() Base {
	b.Identifier = b.Identifier.Clone()
	b.ProblemMatchers = slices.Clone(b.ProblemMatchers)
	return b
}

// Task is implemented by ConfiguredTask, PendingTask, ContributedTask and
// SyntheticTask only.
type Task interface {
	// Kind returns the variant tag.
	Kind() Kind

	// Core returns the attributes shared by all variants.
	Core() *Base

	// Key returns the canonical identity key.
	Key() string

	// Clone returns a deep copy.
	Clone() Task

	isTask()
}

// ConfiguredTask is fully specified by a configuration scope.
type ConfiguredTask struct {
	Base

	// Execution is the command to run.
	Execution Execution

	// DependsOn lists labels of tasks that run first.
	DependsOn []string
}

func (*ConfiguredTask) isTask() {}

// Kind returns KindConfigured.
func (*ConfiguredTask) Kind() Kind { return KindConfigured }

// Clone returns a deep copy.
func (t *ConfiguredTask) Clone() Task {
	c := *t
	c.Base = t.Base.clone()
	c.Execution = t.Execution.clone()
	c.DependsOn = slices.Clone(t.DependsOn)
	return &c
}

// PendingTask is a configuration entry that customizes a provider task.
// Only its identity and provider type are known until it is resolved.
type PendingTask struct {
	Base

	// Overlay holds the attributes the entry defines.
	Overlay Overlay
}

func (*PendingTask) isTask() {}

// Kind returns KindPending.
func (*PendingTask) Kind() Kind { return KindPending }

// Clone returns a deep copy.
func (t *PendingTask) Clone() Task {
	c := *t
	c.Base = t.Base.clone()
	c.Overlay = t.Overlay.clone()
	return &c
}

// ProviderType returns the task type of the provider owning this task.
func (t *PendingTask) ProviderType() string {
	if t.Identifier == nil {
		return ""
	}
	return t.Identifier.Type
}

// ContributedTask is a fully specified task supplied by a provider.
type ContributedTask struct {
	Base

	// Execution is the command to run.
	Execution Execution

	// Customized is set when a configuration overlay was merged in.
	Customized bool
}

func (*ContributedTask) isTask() {}

// Kind returns KindContributed.
func (*ContributedTask) Kind() Kind { return KindContributed }

// Clone returns a deep copy.
func (t *ContributedTask) Clone() Task {
	c := *t
	c.Base = t.Base.clone()
	c.Execution = t.Execution.clone()
	return &c
}

// SyntheticTask runs several tasks as one composite run.
type SyntheticTask struct {
	Base

	// DependsOn lists the labels of the member tasks.
	DependsOn []string

	// Members are the tasks started by the composite, linked from
	// DependsOn when the task set is aggregated.
	Members []Task
}

func (*SyntheticTask) isTask() {}

// Kind returns KindSynthetic.
func (*SyntheticTask) Kind() Kind { return KindSynthetic }

// Clone returns a deep copy.
func (t *SyntheticTask) Clone() Task {
	c := *t
	c.Base = t.Base.clone()
	c.DependsOn = slices.Clone(t.DependsOn)
	c.Members = make([]Task, len(t.Members))
	for i, m := range t.Members {
		c.Members[i] = m.Clone()
	}
	return &c
}

// ExecutionOf returns the command of an executable task.
func ExecutionOf(t Task) (Execution, bool) {
	switch v := t.(type) {
	case *ConfiguredTask:
		return v.Execution, true
	case *ContributedTask:
		return v.Execution, true
	case *PendingTask, *SyntheticTask:
		return Execution{}, false
	default:
		return Execution{}, false
	}
}

// QualifiedLabel returns the label with the folder name appended.
func QualifiedLabel(t Task) string {
	b := t.Core()
	if b.Scope.Kind == ScopeFolder && b.Scope.Name != "" {
		return b.Label + " (" + b.Scope.Name + ")"
	}
	return b.Label
}
