package httpapi

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/execution"
)

type scopeView struct {
	Key  string `json:"key"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

func viewScope(s task.Scope) scopeView {
	v := scopeView{Key: s.Key(), Kind: s.Kind.String(), Name: s.Name}
	if s.Kind != task.ScopeUser {
		v.Path = s.Path()
	}
	return v
}

type taskView struct {
	ID              string          `json:"id"`
	Label           string          `json:"label"`
	Kind            string          `json:"kind"`
	Key             string          `json:"key"`
	Scope           scopeView       `json:"scope"`
	Source          task.SourceKind `json:"source"`
	Type            string          `json:"type,omitempty"`
	Identifier      map[string]any  `json:"identifier,omitempty"`
	Group           task.Group      `json:"group,omitempty"`
	IsDefault       bool            `json:"isDefault,omitempty"`
	IsBackground    bool            `json:"isBackground,omitempty"`
	Detail          string          `json:"detail,omitempty"`
	RunOptions      task.RunOptions `json:"runOptions"`
	ProblemMatchers []string        `json:"problemMatchers,omitempty"`
	Execution       *task.Execution `json:"execution,omitempty"`
	DependsOn       []string        `json:"dependsOn,omitempty"`
	Members         []taskView      `json:"members,omitempty"`
	Customized      bool            `json:"customized,omitempty"`
}

func viewTask(t task.Task) taskView {
	b := t.Core()
	v := taskView{
		ID:              b.ID,
		Label:           b.Label,
		Kind:            t.Kind().String(),
		Key:             t.Key(),
		Scope:           viewScope(b.Scope),
		Source:          b.Source,
		Group:           b.Group,
		IsDefault:       b.IsDefault,
		IsBackground:    b.IsBackground,
		Detail:          b.Detail,
		RunOptions:      b.RunOptions,
		ProblemMatchers: b.ProblemMatchers,
	}
	if b.Identifier != nil {
		v.Type = b.Identifier.Type
		v.Identifier = b.Identifier.Literal()
	}
	if exec, ok := task.ExecutionOf(t); ok {
		v.Execution = &exec
	}
	switch t := t.(type) {
	case *task.ConfiguredTask:
		v.DependsOn = t.DependsOn
	case *task.ContributedTask:
		v.Customized = t.Customized
	case *task.SyntheticTask:
		v.DependsOn = t.DependsOn
		for _, m := range t.Members {
			v.Members = append(v.Members, viewTask(m))
		}
	}
	return v
}

func viewTasks(tasks []task.Task) []taskView {
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, viewTask(t))
	}
	return out
}

type runView struct {
	RunID   string    `json:"runId"`
	Label   string    `json:"label"`
	Key     string    `json:"key"`
	Scope   string    `json:"scope"`
	Started time.Time `json:"started"`
	Source  string    `json:"source"`
	Busy    bool      `json:"busy"`
}

func viewRun(r *task.TaskRun, busy bool) runView {
	v := runView{RunID: r.RunID, Key: r.Key(), Started: r.Started, Source: r.Source.String(), Busy: busy}
	if r.Task != nil {
		v.Label = r.Task.Core().Label
		v.Scope = r.Task.Core().Scope.Key()
	}
	return v
}

type handleView struct {
	Runs    []runView `json:"runs"`
	Dropped bool      `json:"dropped,omitempty"`
	Warning string    `json:"warning,omitempty"`
}

func viewHandle(h *execution.Handle) handleView {
	v := handleView{Runs: []runView{}}
	if h == nil {
		return v
	}
	v.Dropped = h.Dropped
	v.Warning = h.Warning
	for _, r := range h.Runs {
		v.Runs = append(v.Runs, viewRun(r, true))
	}
	return v
}

type eventView struct {
	Topic     string    `json:"topic"`
	Kind      string    `json:"kind,omitempty"`
	RunID     string    `json:"runId,omitempty"`
	Task      *taskView `json:"task,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Duration  int64     `json:"durationMs,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	ProcessID int       `json:"processId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Source    string    `json:"source,omitempty"`
	Paths     []string  `json:"paths,omitempty"`
}

// taskRef names a task in a request: a scope key or folder path, and a
// label or a structured identifier.
type taskRef struct {
	Scope      string         `json:"scope"`
	Label      string         `json:"label"`
	Identifier map[string]any `json:"identifier"`
}

func (r taskRef) identity() (task.Identity, error) {
	if len(r.Identifier) > 0 {
		typ, _ := r.Identifier["type"].(string)
		if typ == "" {
			return task.Identity{}, fmt.Errorf("%w: identifier has no type", task.ErrInvalidIdentifier)
		}
		props := make(map[string]any, len(r.Identifier))
		for k, v := range r.Identifier {
			if k != "type" {
				props[k] = v
			}
		}
		return task.KeyedIdentity(task.NewIdentifier(typ, props)), nil
	}
	if r.Label == "" {
		return task.Identity{}, fmt.Errorf("%w: label or identifier required", task.ErrInvalidIdentifier)
	}
	return task.NameIdentity(r.Label), nil
}

// scope maps a scope key ("settings", "workspace", a folder URI) or a
// folder path to a scope of the workspace. An empty key is the first
// folder.
func (s *Server) scope(key string) (task.Scope, error) {
	ws := s.orch.Workspace()
	switch key {
	case "":
		return ws.Folders()[0], nil
	case task.UserScopeKey:
		return task.UserScope(), nil
	case task.WorkspaceFileScopeKey:
		if fs, ok := ws.FileScope(); ok {
			return fs, nil
		}
		return task.Scope{}, fmt.Errorf("%w: no workspace file", task.ErrTaskNotFound)
	}
	if sc, ok := ws.Folder(key); ok {
		return sc, nil
	}
	if abs, err := filepath.Abs(key); err == nil {
		if sc, ok := ws.Folder(task.PathToURI(abs)); ok {
			return sc, nil
		}
	}
	return task.Scope{}, fmt.Errorf("%w: unknown scope %q", task.ErrTaskNotFound, key)
}

type overlayRequest struct {
	Label             *string              `json:"label"`
	Detail            *string              `json:"detail"`
	Group             *string              `json:"group"`
	IsDefault         *bool                `json:"isDefault"`
	IsBackground      *bool                `json:"isBackground"`
	InstanceLimit     *int                 `json:"instanceLimit"`
	InstancePolicy    *task.InstancePolicy `json:"instancePolicy"`
	RunOn             *task.RunOn          `json:"runOn"`
	ReevaluateOnRerun *bool                `json:"reevaluateOnRerun"`
	ProblemMatchers   []string             `json:"problemMatchers"`
	Cwd               *string              `json:"cwd"`
	Env               map[string]string    `json:"env"`
}

func (o overlayRequest) overlay() (task.Overlay, error) {
	ov := task.Overlay{
		Label:           o.Label,
		Detail:          o.Detail,
		IsDefault:       o.IsDefault,
		IsBackground:    o.IsBackground,
		InstanceLimit:   o.InstanceLimit,
		InstancePolicy:  o.InstancePolicy,
		RunOn:           o.RunOn,
		Reevaluate:      o.ReevaluateOnRerun,
		ProblemMatchers: o.ProblemMatchers,
		Cwd:             o.Cwd,
		Env:             o.Env,
	}
	if o.Group != nil {
		g := task.ParseGroup(*o.Group)
		ov.Group = &g
	}
	if o.InstancePolicy != nil && !o.InstancePolicy.Valid() {
		return task.Overlay{}, fmt.Errorf("unknown instance policy %q", *o.InstancePolicy)
	}
	if o.InstanceLimit != nil && *o.InstanceLimit < 1 {
		return task.Overlay{}, fmt.Errorf("instance limit must be at least 1")
	}
	if o.RunOn != nil && *o.RunOn != task.RunOnDefault && *o.RunOn != task.RunOnFolderOpen {
		return task.Overlay{}, fmt.Errorf("unknown runOn %q", *o.RunOn)
	}
	return ov, nil
}

// requestPrompter answers instance policy prompts from fields of an HTTP
// request, since the API cannot ask interactively.
type requestPrompter struct {
	terminate string
	save      bool
}

func (p requestPrompter) ChooseTerminate(_ context.Context, _ task.Task, active []*task.TaskRun) (*task.TaskRun, error) {
	if len(active) == 0 {
		return nil, nil
	}
	switch p.terminate {
	case "oldest":
		return active[0], nil
	case "newest":
		return active[len(active)-1], nil
	}
	for _, r := range active {
		if r.RunID == p.terminate {
			return r, nil
		}
	}
	return nil, nil
}

func (p requestPrompter) ConfirmSave(context.Context, task.Task) (bool, error) {
	return p.save, nil
}

var _ execution.Prompter = requestPrompter{}
