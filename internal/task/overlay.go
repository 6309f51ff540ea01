package task

import (
	"maps"
	"slices"
)

// Overlay holds the attributes a customizing configuration entry defines.
// Nil fields are undefined and leave the provider's value in place.
type Overlay struct {
	Label          *string
	Detail         *string
	Group          *Group
	IsDefault      *bool
	IsBackground   *bool
	InstanceLimit  *int
	InstancePolicy *InstancePolicy
	RunOn          *RunOn
	Reevaluate     *bool

	// ProblemMatchers replaces the provider's matchers when non-nil.
	ProblemMatchers []string

	// Cwd overrides the working directory.
	Cwd *string

	// Env is merged over the provider's environment.
	Env map[string]string
}

func (o Overlay) clone() Overlay {
	c := o
	c.Label = clonePtr(o.Label)
	c.Detail = clonePtr(o.Detail)
	c.Group = clonePtr(o.Group)
	c.IsDefault = clonePtr(o.IsDefault)
	c.IsBackground = clonePtr(o.IsBackground)
	c.InstanceLimit = clonePtr(o.InstanceLimit)
	c.InstancePolicy = clonePtr(o.InstancePolicy)
	c.RunOn = clonePtr(o.RunOn)
	c.Reevaluate = clonePtr(o.Reevaluate)
	c.ProblemMatchers = slices.Clone(o.ProblemMatchers)
	c.Cwd = clonePtr(o.Cwd)
	c.Env = maps.Clone(o.Env)
	return c
}

// IsEmpty reports whether the overlay defines nothing.
func (o Overlay) IsEmpty() bool {
	return o.Label == nil && o.Detail == nil && o.Group == nil && o.IsDefault == nil &&
		o.IsBackground == nil && o.InstanceLimit == nil && o.InstancePolicy == nil &&
		o.RunOn == nil && o.Reevaluate == nil && o.ProblemMatchers == nil &&
		o.Cwd == nil && o.Env == nil
}

// Merge applies a customizing entry to a contributed task. The result is a
// new task: its identity, ID and scope are the contributed task's, every
// other attribute is the overlay's where defined.
func Merge(contributed *ContributedTask, custom *PendingTask) *ContributedTask {
	merged, _ := contributed.Clone().(*ContributedTask)
	if custom == nil {
		return merged
	}
	o := custom.Overlay

	if o.Label != nil {
		merged.Label = *o.Label
	}
	if o.Detail != nil {
		merged.Detail = *o.Detail
	}
	if o.Group != nil {
		merged.Group = *o.Group
	}
	if o.IsDefault != nil {
		merged.IsDefault = *o.IsDefault
	}
	if o.IsBackground != nil {
		merged.IsBackground = *o.IsBackground
	}
	if o.InstanceLimit != nil {
		merged.RunOptions.InstanceLimit = *o.InstanceLimit
	}
	if o.InstancePolicy != nil {
		merged.RunOptions.InstancePolicy = *o.InstancePolicy
	}
	if o.RunOn != nil {
		merged.RunOptions.RunOn = *o.RunOn
	}
	if o.Reevaluate != nil {
		merged.RunOptions.ReevaluateOnRerun = *o.Reevaluate
	}
	if o.ProblemMatchers != nil {
		merged.ProblemMatchers = slices.Clone(o.ProblemMatchers)
	}
	if o.Cwd != nil {
		merged.Execution.Cwd = *o.Cwd
	}
	if len(o.Env) > 0 {
		if merged.Execution.Env == nil {
			merged.Execution.Env = make(map[string]string, len(o.Env))
		}
		maps.Copy(merged.Execution.Env, o.Env)
	}
	if custom.Ref != "" {
		merged.Ref = custom.Ref
	}

	merged.Customized = true
	return merged
}

// Ptr returns a pointer to v. It keeps overlay literals short.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
