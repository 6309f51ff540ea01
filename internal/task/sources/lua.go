package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/provider"
)

// ErrScriptClosed is returned by a Lua provider used after Close.
var ErrScriptClosed = errors.New("lua provider closed")

// Lua is a task provider implemented by a Lua script. The script declares
// a global "provider" table and a "provide" function:
//
//	provider = { type = "gulp", properties = { task = "string" }, required = { "task" } }
//
//	function provide(folder)
//	  return { { label = "gulp: build", definition = { task = "build" },
//	             command = "gulp", args = { "build" }, group = "build" } }
//	end
//
// folder is a table with path, name and index. An optional
// resolve(folder, definition) function resolves a single task; without
// it the folder is provided again and searched.
//
// Scripts run in a sandbox with only the base, table, string and math
// libraries and no way to load other code.
type Lua struct {
	path   string
	typ    string
	def    *task.Definition
	defs   *task.DefinitionRegistry
	logger *logging.Logger

	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

// NewLua loads the provider script at path.
func NewLua(ctx context.Context, path string, logger *logging.Logger) (*Lua, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSandbox(L)

	L.SetContext(ctx)
	err := L.DoFile(path)
	L.RemoveContext()
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	def, err := readDefinition(L)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if fn := L.GetGlobal("provide"); fn.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("%s: provide is not a function", path)
	}

	defs := task.NewDefinitionRegistry()
	if len(def.Properties) > 0 {
		defs.Register(def)
	}
	return &Lua{
		path:   path,
		typ:    def.Type,
		def:    def,
		defs:   defs,
		logger: loggerOrNull(logger).WithField("script", path),
		L:      L,
	}, nil
}

// openSandbox opens the safe standard libraries and removes the loaders.
func openSandbox(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
}

func readDefinition(L *lua.LState) (*task.Definition, error) {
	tbl, ok := L.GetGlobal("provider").(*lua.LTable)
	if !ok {
		return nil, errors.New("missing provider table")
	}
	typ, ok := tbl.RawGetString("type").(lua.LString)
	if !ok || typ == "" {
		return nil, errors.New("provider.type must be a non-empty string")
	}

	def := &task.Definition{Type: string(typ), Properties: make(map[string]task.Property)}
	if props, ok := tbl.RawGetString("properties").(*lua.LTable); ok {
		props.ForEach(func(k, v lua.LValue) {
			name, ok := k.(lua.LString)
			if !ok {
				return
			}
			pt, _ := v.(lua.LString)
			def.Properties[string(name)] = task.Property{Type: task.PropertyType(pt)}
		})
	}
	if req, ok := tbl.RawGetString("required").(*lua.LTable); ok {
		for i := 1; i <= req.MaxN(); i++ {
			if name, ok := req.RawGetInt(i).(lua.LString); ok {
				def.Required = append(def.Required, string(name))
			}
		}
	}
	return def, nil
}

// Type implements provider.Provider.
func (p *Lua) Type() string { return p.typ }

// Definition implements provider.Definer. A script that declares no
// properties has none; its definitions are taken as written.
func (p *Lua) Definition() *task.Definition {
	if len(p.def.Properties) == 0 {
		return nil
	}
	return p.def
}

// Path returns the script path.
func (p *Lua) Path() string { return p.path }

// ProvideTasks implements provider.Provider.
func (p *Lua) ProvideTasks(ctx context.Context, req provider.Request) ([]task.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []task.Task
	for _, folder := range req.Folders {
		tasks, err := p.provideLocked(ctx, folder)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			out = append(out, t)
		}
	}
	return out, nil
}

// ResolveTask implements provider.Provider.
func (p *Lua) ResolveTask(ctx context.Context, pending *task.PendingTask) (*task.ContributedTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fn := p.L.GetGlobal("resolve"); fn.Type() == lua.LTFunction {
		ret, err := p.callLocked(ctx, fn, folderTable(p.L, pending.Scope), toLua(p.L, pending.Identifier.Properties))
		if err != nil {
			return nil, err
		}
		if ret == lua.LNil {
			return nil, nil
		}
		return p.toTask(pending.Scope, ret)
	}

	tasks, err := p.provideLocked(ctx, pending.Scope)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Identifier.Equal(pending.Identifier) {
			return t, nil
		}
	}
	return nil, nil
}

// Close releases the interpreter.
func (p *Lua) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.L.Close()
	}
}

func (p *Lua) provideLocked(ctx context.Context, folder task.Scope) ([]*task.ContributedTask, error) {
	ret, err := p.callLocked(ctx, p.L.GetGlobal("provide"), folderTable(p.L, folder))
	if err != nil {
		return nil, err
	}
	if ret == lua.LNil {
		return nil, nil
	}
	list, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("provide returned a %s, want a table", ret.Type())
	}

	tasks := make([]*task.ContributedTask, 0, list.MaxN())
	for i := 1; i <= list.MaxN(); i++ {
		t, err := p.toTask(folder, list.RawGetInt(i))
		if err != nil {
			p.logger.Warn("skipping task %d: %v", i, err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// callLocked calls fn with args under ctx and returns its first result.
func (p *Lua) callLocked(ctx context.Context, fn lua.LValue, args ...lua.LValue) (lua.LValue, error) {
	if p.closed {
		return nil, ErrScriptClosed
	}
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()

	if err := p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	ret := p.L.Get(-1)
	p.L.Pop(1)
	return ret, nil
}

// luaTask is the task table a script returns.
type luaTask struct {
	Label           string            `json:"label"`
	Definition      map[string]any    `json:"definition"`
	Command         string            `json:"command"`
	Args            []string          `json:"args"`
	Cwd             string            `json:"cwd"`
	Env             map[string]string `json:"env"`
	Shell           bool              `json:"shell"`
	Group           string            `json:"group"`
	Detail          string            `json:"detail"`
	Background      bool              `json:"background"`
	ProblemMatchers []string          `json:"problemMatchers"`
}

func (p *Lua) toTask(folder task.Scope, v lua.LValue) (*task.ContributedTask, error) {
	if _, ok := v.(*lua.LTable); !ok {
		return nil, fmt.Errorf("task is a %s, want a table", v.Type())
	}
	data, err := json.Marshal(fromLua(v))
	if err != nil {
		return nil, err
	}
	var lt luaTask
	if err := json.Unmarshal(data, &lt); err != nil {
		return nil, err
	}
	if lt.Label == "" {
		return nil, errors.New("task has no label")
	}
	if lt.Command == "" {
		return nil, fmt.Errorf("task %q has no command", lt.Label)
	}

	literal := map[string]any{"type": p.typ}
	for k, val := range lt.Definition {
		literal[k] = val
	}
	id, err := p.defs.CreateIdentifier(literal)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", lt.Label, err)
	}

	t := contributed(folder, p.typ, id.Properties, lt.Label, task.Execution{
		Command: lt.Command,
		Args:    lt.Args,
		Cwd:     lt.Cwd,
		Env:     lt.Env,
		Shell:   lt.Shell,
	})
	t.Group = task.ParseGroup(lt.Group)
	t.Detail = lt.Detail
	t.IsBackground = lt.Background
	t.ProblemMatchers = lt.ProblemMatchers
	return t, nil
}

func folderTable(L *lua.LState, folder task.Scope) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("path", lua.LString(folder.Path()))
	tbl.RawSetString("name", lua.LString(folder.Name))
	tbl.RawSetString("index", lua.LNumber(folder.Index))
	return tbl
}

// fromLua converts a Lua value to its JSON-like Go form. Tables with a
// sequence part become slices; an empty table becomes nil.
func fromLua(v lua.LValue) any {
	switch v := v.(type) {
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return float64(v)
	case lua.LBool:
		return bool(v)
	case *lua.LTable:
		if n := v.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, fromLua(v.RawGetInt(i)))
			}
			return out
		}
		m := make(map[string]any)
		v.ForEach(func(k, val lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				m[string(ks)] = fromLua(val)
			}
		})
		if len(m) == 0 {
			return nil
		}
		return m
	default:
		return nil
	}
}

// toLua converts a JSON-like Go value to Lua.
func toLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case string:
		return lua.LString(v)
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case int:
		return lua.LNumber(v)
	case []any:
		tbl := L.NewTable()
		for _, item := range v {
			tbl.Append(toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range v {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}
