package taskconfig

import (
	"fmt"
	"maps"

	"github.com/dshills/taskd/internal/task"
)

// Types whose entries are complete tasks rather than customizations.
const (
	TypeShell   = "shell"
	TypeProcess = "process"
)

// CompositeType is the identifier type of dependsOn-only entries.
const CompositeType = "$composite"

// Parser turns raw configuration into tasks.
type Parser interface {
	Parse(scope task.Scope, raw *Raw) (*ParseResult, error)
}

// ParseResult is the decoded task set of one scope.
type ParseResult struct {
	// Configured are the fully specified tasks (*task.ConfiguredTask and
	// *task.SyntheticTask) in declaration order.
	Configured []task.Task

	// Overlays are the entries customizing provider tasks.
	Overlays []*task.PendingTask

	// Problems are entry-level validation problems. Entries with a
	// problem are skipped; the rest of the scope is kept.
	Problems []string
}

// Valid reports whether every entry validated.
func (r *ParseResult) Valid() bool {
	return len(r.Problems) == 0
}

// DefaultParser parses File-shaped configuration.
type DefaultParser struct {
	definitions *task.DefinitionRegistry
}

// NewParser creates a parser that builds provider identifiers through defs.
func NewParser(defs *task.DefinitionRegistry) *DefaultParser {
	if defs == nil {
		defs = task.NewDefinitionRegistry()
	}
	return &DefaultParser{definitions: defs}
}

// Parse implements Parser. A syntax error fails the whole scope.
func (p *DefaultParser) Parse(scope task.Scope, raw *Raw) (*ParseResult, error) {
	res := &ParseResult{}
	if raw == nil {
		return res, nil
	}
	f, err := Decode(raw.Data, raw.Format)
	if err != nil {
		return nil, err
	}

	source := sourceOf(scope)
	for i := range f.Tasks {
		e := &f.Tasks[i]
		switch e.Type {
		case "", TypeShell, TypeProcess:
			t, err := p.configured(scope, source, e)
			if err != nil {
				res.Problems = append(res.Problems, fmt.Sprintf("task %d: %v", i, err))
				continue
			}
			res.Configured = append(res.Configured, t)
		default:
			o, err := p.overlay(scope, source, e)
			if err != nil {
				res.Problems = append(res.Problems, fmt.Sprintf("task %d: %v", i, err))
				continue
			}
			res.Overlays = append(res.Overlays, o)
		}
	}
	return res, nil
}

func (p *DefaultParser) configured(scope task.Scope, source task.SourceKind, e *Entry) (task.Task, error) {
	if e.Label == "" {
		return nil, fmt.Errorf("missing label")
	}

	base := task.Base{
		ID:         configuredID(scope, e.Label),
		Label:      e.Label,
		Scope:      scope,
		Source:     source,
		RunOptions: runOptions(e.RunOptions),
	}
	if e.Detail != nil {
		base.Detail = *e.Detail
	}
	if e.Group != nil {
		base.Group = task.ParseGroup(e.Group.Kind)
		base.IsDefault = e.Group.IsDefault
	}
	if e.IsBackground != nil {
		base.IsBackground = *e.IsBackground
	}
	base.ProblemMatchers, _ = e.ProblemMatchers()

	if e.Command == "" {
		if len(e.DependsOn) == 0 {
			return nil, fmt.Errorf("%q has neither command nor dependsOn", e.Label)
		}
		base.Identifier = task.NewIdentifier(CompositeType, map[string]any{"label": e.Label})
		return &task.SyntheticTask{Base: base, DependsOn: []string(e.DependsOn)}, nil
	}

	typ := e.Type
	if typ == "" {
		typ = TypeShell
	}
	base.Identifier = task.NewIdentifier(typ, map[string]any{"label": e.Label})

	exec := task.Execution{
		Command: e.Command,
		Args:    e.Args,
		Shell:   typ == TypeShell,
	}
	if e.Options != nil {
		if e.Options.Cwd != nil {
			exec.Cwd = *e.Options.Cwd
		}
		exec.Env = maps.Clone(e.Options.Env)
	}
	return &task.ConfiguredTask{Base: base, Execution: exec, DependsOn: []string(e.DependsOn)}, nil
}

func (p *DefaultParser) overlay(scope task.Scope, source task.SourceKind, e *Entry) (*task.PendingTask, error) {
	id, err := p.definitions.CreateIdentifier(identityLiteral(e.Properties))
	if err != nil {
		return nil, err
	}

	pt := &task.PendingTask{Base: task.Base{
		ID:         scope.Key() + ":" + id.Key(),
		Label:      e.Label,
		Scope:      scope,
		Source:     source,
		Identifier: id,
		RunOptions: task.DefaultRunOptions(),
	}}
	if pt.Label == "" {
		pt.Label = id.Type
	}

	o := &pt.Overlay
	if e.Label != "" {
		o.Label = task.Ptr(e.Label)
	}
	o.Detail = e.Detail
	if e.Group != nil {
		o.Group = task.Ptr(task.ParseGroup(e.Group.Kind))
		o.IsDefault = task.Ptr(e.Group.IsDefault)
	}
	o.IsBackground = e.IsBackground
	if pm, ok := e.ProblemMatchers(); ok {
		o.ProblemMatchers = pm
	}
	if ro := e.RunOptions; ro != nil {
		o.InstanceLimit = ro.InstanceLimit
		if ro.InstancePolicy != nil {
			o.InstancePolicy = task.Ptr(parsePolicy(*ro.InstancePolicy))
		}
		if ro.RunOn != nil {
			o.RunOn = task.Ptr(parseRunOn(*ro.RunOn))
		}
		o.Reevaluate = ro.ReevaluateOnRerun
	}
	if e.Options != nil {
		o.Cwd = e.Options.Cwd
		o.Env = maps.Clone(e.Options.Env)
	}
	return pt, nil
}

func runOptions(ro *RunOptions) task.RunOptions {
	opts := task.DefaultRunOptions()
	if ro == nil {
		return opts
	}
	if ro.InstanceLimit != nil && *ro.InstanceLimit > 0 {
		opts.InstanceLimit = *ro.InstanceLimit
	}
	if ro.InstancePolicy != nil {
		opts.InstancePolicy = parsePolicy(*ro.InstancePolicy)
	}
	if ro.RunOn != nil {
		opts.RunOn = parseRunOn(*ro.RunOn)
	}
	if ro.ReevaluateOnRerun != nil {
		opts.ReevaluateOnRerun = *ro.ReevaluateOnRerun
	}
	return opts
}

func parsePolicy(s string) task.InstancePolicy {
	p := task.InstancePolicy(s)
	if !p.Valid() {
		return task.PolicyPrompt
	}
	return p
}

func parseRunOn(s string) task.RunOn {
	if s == string(task.RunOnFolderOpen) {
		return task.RunOnFolderOpen
	}
	return task.RunOnDefault
}

func sourceOf(scope task.Scope) task.SourceKind {
	switch scope.Kind {
	case task.ScopeUser:
		return task.SourceUser
	case task.ScopeWorkspaceFile:
		return task.SourceWorkspaceFile
	default:
		return task.SourceWorkspace
	}
}

func configuredID(scope task.Scope, label string) string {
	return scope.Key() + ":" + label
}
