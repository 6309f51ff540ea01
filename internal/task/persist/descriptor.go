package persist

import (
	"slices"

	"github.com/dshills/taskd/internal/task"
)

// Descriptor is the minimal serialized form of a task, enough to rebuild a
// configured task directly or to resolve a contributed one again.
type Descriptor struct {
	// Label is the task label at the time it was recorded.
	Label string `json:"label"`

	// Kind is the variant the task had.
	Kind string `json:"kind"`

	// Identifier is the structured task definition.
	Identifier *task.Identifier `json:"identifier"`

	// Scope is the scope the task belongs to.
	Scope task.Scope `json:"scope"`

	// Source is the declaring source.
	Source task.SourceKind `json:"source,omitempty"`

	// IsBackground marks long-running tasks.
	IsBackground bool `json:"isBackground,omitempty"`

	// Group and IsDefault are kept for picker ordering.
	Group     task.Group `json:"group,omitempty"`
	IsDefault bool       `json:"isDefault,omitempty"`

	// RunOptions are the task's run options.
	RunOptions task.RunOptions `json:"runOptions"`

	// ProblemMatchers are kept as references.
	ProblemMatchers []string `json:"problemMatchers,omitempty"`

	// Execution is set for configured tasks only.
	Execution *task.Execution `json:"execution,omitempty"`
}

// Describe returns the descriptor of t.
func Describe(t task.Task) Descriptor {
	b := t.Core()
	d := Descriptor{
		Label:           b.Label,
		Kind:            t.Kind().String(),
		Identifier:      b.Identifier.Clone(),
		Scope:           b.Scope,
		Source:          b.Source,
		IsBackground:    b.IsBackground,
		Group:           b.Group,
		IsDefault:       b.IsDefault,
		RunOptions:      b.RunOptions,
		ProblemMatchers: slices.Clone(b.ProblemMatchers),
	}
	if c, ok := t.(*task.ConfiguredTask); ok {
		exec := c.Execution
		d.Execution = &exec
	}
	return d
}

// Key returns the record key: scope key and canonical identity key.
func (d Descriptor) Key() string {
	return RecordKey(d.Scope.Key(), d.Identifier.Key())
}

// Task rebuilds the task. A configured descriptor yields a runnable
// *task.ConfiguredTask; anything else yields a *task.PendingTask that must
// be resolved against its provider.
func (d Descriptor) Task() task.Task {
	base := task.Base{
		ID:              d.Identifier.Key(),
		Label:           d.Label,
		Scope:           d.Scope,
		Source:          d.Source,
		Identifier:      d.Identifier.Clone(),
		Group:           d.Group,
		IsDefault:       d.IsDefault,
		IsBackground:    d.IsBackground,
		RunOptions:      d.RunOptions,
		ProblemMatchers: slices.Clone(d.ProblemMatchers),
	}
	if d.Execution != nil && d.Kind == task.KindConfigured.String() {
		return &task.ConfiguredTask{Base: base, Execution: *d.Execution}
	}
	return &task.PendingTask{Base: base}
}

// RecordKey joins a scope key and an identity key.
func RecordKey(scopeKey, identityKey string) string {
	return scopeKey + "|" + identityKey
}

// KeyOf returns the record key of t.
func KeyOf(t task.Task) string {
	return RecordKey(t.Core().Scope.Key(), t.Key())
}
