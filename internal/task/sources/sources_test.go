package sources

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/provider"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func provide(t *testing.T, p provider.Provider, dirs ...string) []*task.ContributedTask {
	t.Helper()
	req := provider.Request{}
	for i, dir := range dirs {
		req.Folders = append(req.Folders, task.FolderScope(dir, i))
	}
	tasks, err := p.ProvideTasks(context.Background(), req)
	if err != nil {
		t.Fatalf("ProvideTasks() error = %v", err)
	}
	out := make([]*task.ContributedTask, 0, len(tasks))
	for _, tk := range tasks {
		c, ok := tk.(*task.ContributedTask)
		if !ok {
			t.Fatalf("ProvideTasks() returned %T, want *task.ContributedTask", tk)
		}
		if c.Identifier == nil || c.Identifier.Type != p.Type() {
			t.Fatalf("task %q identifier = %v, want type %q", c.Label, c.Identifier, p.Type())
		}
		out = append(out, c)
	}
	return out
}

func labels(tasks []*task.ContributedTask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Label
	}
	return out
}

func pending(dir, typ string, props map[string]any) *task.PendingTask {
	return &task.PendingTask{Base: task.Base{
		Scope:      task.FolderScope(dir, 0),
		Identifier: task.NewIdentifier(typ, props),
	}}
}

func TestNPM_ProvideTasks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{
  "name": "app",
  "scripts": {
    "build": "tsc",
    "test": "jest",
    "lint": "eslint src/",
    "start": "node dist/index.js"
  }
}`)
	writeFile(t, dir, "yarn.lock", "")

	tasks := provide(t, NewNPM(nil), dir)
	want := []string{"npm: build", "npm: lint", "npm: start", "npm: test"}
	if got := labels(tasks); !slices.Equal(got, want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}

	build := tasks[0]
	if build.Execution.Command != "yarn" {
		t.Errorf("Command = %q, want yarn", build.Execution.Command)
	}
	if !slices.Equal(build.Execution.Args, []string{"run", "build"}) {
		t.Errorf("Args = %v, want [run build]", build.Execution.Args)
	}
	if build.Execution.Cwd != dir {
		t.Errorf("Cwd = %q, want %q", build.Execution.Cwd, dir)
	}
	if build.Group != task.GroupBuild {
		t.Errorf("build group = %q, want build", build.Group)
	}
	if build.Detail != "tsc" {
		t.Errorf("Detail = %q, want tsc", build.Detail)
	}
	if !slices.Equal(build.ProblemMatchers, []string{"$tsc"}) {
		t.Errorf("ProblemMatchers = %v, want [$tsc]", build.ProblemMatchers)
	}
	if build.Identifier.Prop("script") != "build" {
		t.Errorf("script = %q, want build", build.Identifier.Prop("script"))
	}

	test := tasks[3]
	if test.Group != task.GroupTest || !slices.Equal(test.ProblemMatchers, []string{"$jest"}) {
		t.Errorf("test group = %q matchers = %v", test.Group, test.ProblemMatchers)
	}
}

func TestNPM_NoPackageJSON(t *testing.T) {
	if tasks := provide(t, NewNPM(nil), t.TempDir()); len(tasks) != 0 {
		t.Errorf("got %d tasks, want 0", len(tasks))
	}
}

func TestNPM_BrokenFolderIsSkipped(t *testing.T) {
	good, bad := t.TempDir(), t.TempDir()
	writeFile(t, good, "package.json", `{"scripts":{"dev":"vite"}}`)
	writeFile(t, bad, "package.json", `{not json`)

	tasks := provide(t, NewNPM(nil), good, bad)
	if len(tasks) != 1 || tasks[0].Label != "npm: dev" {
		t.Errorf("labels = %v, want [npm: dev]", labels(tasks))
	}

	req := provider.Request{Folders: []task.Scope{task.FolderScope(bad, 0)}}
	if _, err := NewNPM(nil).ProvideTasks(context.Background(), req); err == nil {
		t.Error("ProvideTasks() with only a broken file succeeded")
	}
}

func TestNPM_ResolveTask(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"scripts":{"build":"tsc","watch":"tsc -w"}}`)
	p := NewNPM(nil)

	got, err := p.ResolveTask(context.Background(), pending(dir, NPMType, map[string]any{"script": "watch"}))
	if err != nil {
		t.Fatalf("ResolveTask() error = %v", err)
	}
	if got == nil || got.Label != "npm: watch" {
		t.Fatalf("ResolveTask() = %v, want npm: watch", got)
	}

	got, err = p.ResolveTask(context.Background(), pending(dir, NPMType, map[string]any{"script": "deploy"}))
	if err != nil || got != nil {
		t.Errorf("ResolveTask(unknown) = %v, %v; want nil, nil", got, err)
	}
}

func TestNPM_Definition(t *testing.T) {
	defs := task.NewDefinitionRegistry()
	defs.Register(NewNPM(nil).Definition())

	id, err := defs.CreateIdentifier(map[string]any{"type": "npm", "script": "build", "group": "build"})
	if err != nil {
		t.Fatalf("CreateIdentifier() error = %v", err)
	}
	want := task.NewIdentifier(NPMType, map[string]any{"script": "build"})
	if !id.Equal(want) {
		t.Errorf("identifier = %s, want %s", id.Key(), want.Key())
	}
}

func TestMake_ProvideTasks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Makefile", `CC := gcc
.PHONY: all build test

## Build everything
all: build

build:
	go build ./...

## Run tests
test:
	go test ./...

_hidden:
	echo hidden

dist:
	tar czf dist.tgz .
`)

	tasks := provide(t, NewMake(nil), dir)
	want := []string{"make: all", "make: build", "make: test"}
	if got := labels(tasks); !slices.Equal(got, want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}

	if tasks[0].Detail != "Build everything" {
		t.Errorf("all detail = %q, want %q", tasks[0].Detail, "Build everything")
	}
	if tasks[1].Detail != "" {
		t.Errorf("build detail = %q, want empty", tasks[1].Detail)
	}
	if tasks[2].Detail != "Run tests" || tasks[2].Group != task.GroupTest {
		t.Errorf("test detail = %q group = %q", tasks[2].Detail, tasks[2].Group)
	}
	if tasks[1].Execution.Command != "make" || !slices.Equal(tasks[1].Execution.Args, []string{"build"}) {
		t.Errorf("build execution = %+v", tasks[1].Execution)
	}
}

func TestMake_WithoutPhony(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Makefile", "build:\n\tcc main.c\nclean:\n\trm -f a.out\n")

	tasks := provide(t, NewMake(nil), dir)
	if got := labels(tasks); !slices.Equal(got, []string{"make: build", "make: clean"}) {
		t.Errorf("labels = %v", got)
	}
}

func TestMake_ResolveTask(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Makefile", "build:\n\tcc main.c\n")

	got, err := NewMake(nil).ResolveTask(context.Background(), pending(dir, MakeType, map[string]any{"target": "build"}))
	if err != nil {
		t.Fatalf("ResolveTask() error = %v", err)
	}
	if got == nil || got.Label != "make: build" {
		t.Errorf("ResolveTask() = %v, want make: build", got)
	}
}

func TestTaskfile_ProvideTasks(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Taskfile.yml", `version: '3'

env:
  GO111MODULE: "on"

tasks:
  default:
    deps: [build]

  build:
    desc: Build the project
    cmds:
      - go build ./...

  test:
    summary: Run the test suite
    dir: ./tests
    cmds:
      - go test ./...

  lint:
    desc: Run linter
    env:
      LINT_MODE: strict
    cmds:
      - golangci-lint run

  dev:
    watch: true
    cmds:
      - go run .

  internal:
    internal: true
    cmds:
      - echo internal
`)

	tasks := provide(t, NewTaskfile(nil), dir)
	want := []string{"task: build", "task: default", "task: dev", "task: lint", "task: test"}
	if got := labels(tasks); !slices.Equal(got, want) {
		t.Fatalf("labels = %v, want %v", got, want)
	}
	byLabel := make(map[string]*task.ContributedTask)
	for _, tk := range tasks {
		byLabel[tk.Label] = tk
	}

	build := byLabel["task: build"]
	if build.Detail != "Build the project" || build.Group != task.GroupBuild {
		t.Errorf("build detail = %q group = %q", build.Detail, build.Group)
	}
	if build.Execution.Command != "task" || !slices.Equal(build.Execution.Args, []string{"build"}) {
		t.Errorf("build execution = %+v", build.Execution)
	}

	test := byLabel["task: test"]
	if want := filepath.Join(dir, "tests"); test.Execution.Cwd != want {
		t.Errorf("test cwd = %q, want %q", test.Execution.Cwd, want)
	}
	if test.Detail != "Run the test suite" {
		t.Errorf("test detail = %q", test.Detail)
	}

	lint := byLabel["task: lint"]
	if lint.Execution.Env["GO111MODULE"] != "on" || lint.Execution.Env["LINT_MODE"] != "strict" {
		t.Errorf("lint env = %v", lint.Execution.Env)
	}

	if !byLabel["task: dev"].IsBackground {
		t.Error("watch task is not a background task")
	}
}

func TestTaskfile_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Taskfile.yml", "tasks: [unclosed")

	req := provider.Request{Folders: []task.Scope{task.FolderScope(dir, 0)}}
	if _, err := NewTaskfile(nil).ProvideTasks(context.Background(), req); err == nil {
		t.Error("ProvideTasks() error = nil, want parse error")
	}
}

const gulpScript = `
provider = { type = "gulp", properties = { task = "string" }, required = { "task" } }

function provide(folder)
  return {
    { label = "gulp: build", definition = { task = "build" }, command = "gulp",
      args = { "build" }, group = "build", detail = folder.name },
    { label = "gulp: watch", definition = { task = "watch", extra = 1 }, command = "gulp",
      args = { "watch" }, background = true, problemMatchers = { "$tsc" } },
    { definition = { task = "broken" }, command = "gulp" },
  }
end
`

func TestLua_ProvideTasks(t *testing.T) {
	dir := t.TempDir()
	script := writeFile(t, t.TempDir(), "gulp.lua", gulpScript)

	p, err := NewLua(context.Background(), script, nil)
	if err != nil {
		t.Fatalf("NewLua() error = %v", err)
	}
	defer p.Close()

	if p.Type() != "gulp" {
		t.Errorf("Type() = %q, want gulp", p.Type())
	}
	if def := p.Definition(); def == nil || !slices.Equal(def.Required, []string{"task"}) {
		t.Errorf("Definition() = %+v", def)
	}

	tasks := provide(t, p, dir)
	if got := labels(tasks); !slices.Equal(got, []string{"gulp: build", "gulp: watch"}) {
		t.Fatalf("labels = %v", got)
	}

	build := tasks[0]
	if build.Group != task.GroupBuild || build.Detail != filepath.Base(dir) {
		t.Errorf("build group = %q detail = %q", build.Group, build.Detail)
	}
	if !slices.Equal(build.Execution.Args, []string{"build"}) || build.Execution.Cwd != dir {
		t.Errorf("build execution = %+v", build.Execution)
	}

	watch := tasks[1]
	if !watch.IsBackground || !slices.Equal(watch.ProblemMatchers, []string{"$tsc"}) {
		t.Errorf("watch background = %v matchers = %v", watch.IsBackground, watch.ProblemMatchers)
	}
	if _, ok := watch.Identifier.Get("extra"); ok {
		t.Error("undeclared property kept in identifier")
	}

	got, err := p.ResolveTask(context.Background(), pending(dir, "gulp", map[string]any{"task": "watch"}))
	if err != nil {
		t.Fatalf("ResolveTask() error = %v", err)
	}
	if got == nil || got.Label != "gulp: watch" {
		t.Errorf("ResolveTask() = %v, want gulp: watch", got)
	}
}

func TestLua_ResolveFunction(t *testing.T) {
	script := writeFile(t, t.TempDir(), "custom.lua", `
provider = { type = "custom" }

function provide(folder)
  return {}
end

function resolve(folder, def)
  if def.name == "x" then
    return { label = "custom: x", definition = { name = "x" }, command = "echo", args = { folder.path } }
  end
  return nil
end
`)
	p, err := NewLua(context.Background(), script, nil)
	if err != nil {
		t.Fatalf("NewLua() error = %v", err)
	}
	defer p.Close()

	if p.Definition() != nil {
		t.Error("Definition() of a script without properties is not nil")
	}

	dir := t.TempDir()
	got, err := p.ResolveTask(context.Background(), pending(dir, "custom", map[string]any{"name": "x"}))
	if err != nil {
		t.Fatalf("ResolveTask() error = %v", err)
	}
	if got == nil || got.Label != "custom: x" || !slices.Equal(got.Execution.Args, []string{dir}) {
		t.Fatalf("ResolveTask() = %+v", got)
	}

	got, err = p.ResolveTask(context.Background(), pending(dir, "custom", map[string]any{"name": "y"}))
	if err != nil || got != nil {
		t.Errorf("ResolveTask(y) = %v, %v; want nil, nil", got, err)
	}
}

func TestLua_Sandbox(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"dofile", `dofile("/etc/passwd")`},
		{"io", `local f = io.open("/etc/passwd")`},
		{"os", `os.execute("true")`},
		{"require", `require("os")`},
		{"no provider", `function provide() return {} end`},
		{"no provide", `provider = { type = "x" }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := writeFile(t, t.TempDir(), "p.lua", tt.code)
			if p, err := NewLua(context.Background(), script, nil); err == nil {
				p.Close()
				t.Error("NewLua() error = nil, want error")
			}
		})
	}
}

func TestLua_ContextCancellation(t *testing.T) {
	script := writeFile(t, t.TempDir(), "loop.lua", `
provider = { type = "loop" }
function provide(folder)
  while true do end
end
`)
	p, err := NewLua(context.Background(), script, nil)
	if err != nil {
		t.Fatalf("NewLua() error = %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := provider.Request{Folders: []task.Scope{task.FolderScope(t.TempDir(), 0)}}
	if _, err := p.ProvideTasks(ctx, req); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ProvideTasks() error = %v, want deadline exceeded", err)
	}

	// The interrupted call released the interpreter.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	start := time.Now()
	if _, err := p.ProvideTasks(ctx2, req); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second ProvideTasks() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("second ProvideTasks() took %v, want bounded by its deadline", elapsed)
	}
}

func TestLua_Closed(t *testing.T) {
	script := writeFile(t, t.TempDir(), "gulp.lua", gulpScript)
	p, err := NewLua(context.Background(), script, nil)
	if err != nil {
		t.Fatalf("NewLua() error = %v", err)
	}
	p.Close()
	p.Close()

	req := provider.Request{Folders: []task.Scope{task.FolderScope(t.TempDir(), 0)}}
	if _, err := p.ProvideTasks(context.Background(), req); !errors.Is(err, ErrScriptClosed) {
		t.Errorf("ProvideTasks() error = %v, want ErrScriptClosed", err)
	}
}

func TestBuiltin(t *testing.T) {
	ps, err := Builtin([]string{"npm", "make", "taskfile"}, nil)
	if err != nil {
		t.Fatalf("Builtin() error = %v", err)
	}
	var types []string
	for _, p := range ps {
		types = append(types, p.Type())
	}
	if !slices.Equal(types, []string{NPMType, MakeType, TaskfileType}) {
		t.Errorf("types = %v", types)
	}

	if _, err := Builtin([]string{"gradle"}, nil); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Builtin(gradle) error = %v, want ErrUnknownProvider", err)
	}
}

func TestLoadLua(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.lua", gulpScript)
	bad := writeFile(t, dir, "bad.lua", "this is not lua")

	ps, err := LoadLua(context.Background(), []string{good, bad}, nil)
	if err == nil {
		t.Error("LoadLua() error = nil, want error for bad.lua")
	}
	if len(ps) != 1 || ps[0].Path() != good {
		t.Fatalf("LoadLua() = %d providers, want good.lua", len(ps))
	}
	ps[0].Close()
}
