package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dshills/taskd/internal/config"
	"github.com/dshills/taskd/internal/event"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/execution"
	"github.com/dshills/taskd/internal/task/persist"
	"github.com/dshills/taskd/internal/task/provider"
	"github.com/dshills/taskd/internal/task/taskconfig"
)

// MockBackend publishes lifecycle events the way a real backend does.
// Runs stay active until terminated.
type MockBackend struct {
	bus *event.Bus

	mu         sync.Mutex
	next       int
	active     map[string]*task.TaskRun
	runs       []*task.TaskRun
	reconnects []*task.TaskRun

	// gate, when set, holds Reconnect until closed.
	gate chan struct{}
}

func newMockBackend(bus *event.Bus) *MockBackend {
	return &MockBackend{bus: bus, active: make(map[string]*task.TaskRun)}
}

func (b *MockBackend) start(ctx context.Context, t task.Task, src task.RunSource) *task.TaskRun {
	b.mu.Lock()
	b.next++
	run := &task.TaskRun{RunID: fmt.Sprintf("run-%d", b.next), Task: t, Started: time.Now(), Source: src}
	b.active[run.RunID] = run
	b.mu.Unlock()

	ev := task.NewEvent(task.EventStart, run.RunID, t)
	ev.Source = src
	_ = b.bus.PublishRun(ctx, ev)
	return run
}

func (b *MockBackend) Run(ctx context.Context, t task.Task, src task.RunSource) (*task.TaskRun, error) {
	run := b.start(ctx, t, src)
	b.mu.Lock()
	b.runs = append(b.runs, run)
	b.mu.Unlock()
	return run, nil
}

func (b *MockBackend) Reconnect(ctx context.Context, t task.Task) (*task.TaskRun, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	run := b.start(ctx, t, task.RunSourceReconnect)
	b.mu.Lock()
	b.reconnects = append(b.reconnects, run)
	b.mu.Unlock()
	return run, nil
}

func (b *MockBackend) Terminate(ctx context.Context, runID string, reason task.TerminationReason) (execution.TerminateResult, error) {
	b.mu.Lock()
	run, ok := b.active[runID]
	delete(b.active, runID)
	b.mu.Unlock()
	if !ok {
		return execution.TerminateResult{}, nil
	}

	ev := task.NewEvent(task.EventTerminated, runID, run.Task)
	ev.Reason = reason
	_ = b.bus.PublishRun(ctx, ev)
	_ = b.bus.PublishRun(ctx, task.NewEvent(task.EventEnd, runID, run.Task))
	return execution.TerminateResult{Success: true}, nil
}

func (b *MockBackend) ActiveRuns() []*task.TaskRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*task.TaskRun, 0, len(b.active))
	for _, r := range b.active {
		out = append(out, r)
	}
	return out
}

func (b *MockBackend) counts() (runs, reconnects int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs), len(b.reconnects)
}

// MockReader serves raw configuration by scope key.
type MockReader struct {
	files map[string]string
}

func (r *MockReader) ReadConfig(_ context.Context, scope task.Scope) (*taskconfig.Raw, error) {
	data, ok := r.files[scope.Key()]
	if !ok {
		return nil, nil
	}
	return &taskconfig.Raw{Path: scope.Key(), Format: taskconfig.FormatJSON, Data: []byte(data)}, nil
}

// MockProvider contributes npm scripts to every folder.
type MockProvider struct {
	scripts []string
}

func (p *MockProvider) Type() string { return "npm" }

func (p *MockProvider) ProvideTasks(_ context.Context, req provider.Request) ([]task.Task, error) {
	var out []task.Task
	for _, folder := range req.Folders {
		for _, s := range p.scripts {
			out = append(out, npmTask(folder, s))
		}
	}
	return out, nil
}

func (p *MockProvider) ResolveTask(_ context.Context, pending *task.PendingTask) (*task.ContributedTask, error) {
	script := pending.Identifier.Prop("script")
	for _, s := range p.scripts {
		if s == script {
			return npmTask(pending.Scope, s), nil
		}
	}
	return nil, nil
}

func npmTask(scope task.Scope, script string) *task.ContributedTask {
	return &task.ContributedTask{
		Base: task.Base{
			ID:         "npm:" + script,
			Label:      "npm: " + script,
			Scope:      scope,
			Source:     task.SourceExtension,
			Identifier: task.NewIdentifier("npm", map[string]any{"script": script}),
			RunOptions: task.DefaultRunOptions(),
		},
		Execution: task.Execution{Command: "npm", Args: []string{"run", script}},
	}
}

func testConfig(folders ...string) *config.Config {
	cfg := config.Default()
	cfg.Workspace.Folders = folders
	cfg.Workspace.UserDir = ""
	cfg.Task.ProviderTimeoutMs = 1000
	return cfg
}

// writeTasks writes a folder's tasks.json.
func writeTasks(t *testing.T, folder, content string) {
	t.Helper()
	dir := filepath.Join(folder, taskconfig.DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tasks.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// start creates and initializes an orchestrator and waits until it is
// ready.
func start(t *testing.T, opts Options) (*Orchestrator, *MockBackend) {
	t.Helper()
	bus := event.NewBus()
	backend := newMockBackend(bus)
	opts.Bus = bus
	opts.Backend = backend

	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		_ = o.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Close(ctx)
	})

	select {
	case <-o.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator not ready")
	}
	return o, backend
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func persistentCount(t *testing.T, o *Orchestrator) int {
	t.Helper()
	records, err := o.Saved(context.Background(), persist.KindPersistent)
	if err != nil {
		t.Fatalf("Saved: %v", err)
	}
	return len(records)
}

func findLabel(tasks []task.Task, label string) task.Task {
	for _, t := range tasks {
		if t.Core().Label == label {
			return t
		}
	}
	return nil
}

func TestNew_RequiresBusAndBackend(t *testing.T) {
	_, err := New(Options{})
	var ie *InitError
	if !errors.As(err, &ie) || !errors.Is(err, ErrMissingComponent) {
		t.Fatalf("New() error = %v, want missing component", err)
	}
	if ie.Component != "event bus" {
		t.Errorf("Component = %q, want event bus", ie.Component)
	}

	_, err = New(Options{Bus: event.NewBus()})
	if !errors.As(err, &ie) || ie.Component != "execution backend" {
		t.Fatalf("New() error = %v, want missing backend", err)
	}
}

func TestOrchestrator_NotInitialized(t *testing.T) {
	bus := event.NewBus()
	o, err := New(Options{Bus: bus, Backend: newMockBackend(bus), Reader: &MockReader{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := o.ListTasks(context.Background(), Filter{}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ListTasks() error = %v, want ErrNotInitialized", err)
	}
}

func TestOrchestrator_EmptyWorkspace(t *testing.T) {
	o, _ := start(t, Options{Config: testConfig(), Reader: &MockReader{}})
	ctx := context.Background()

	tasks, err := o.ListTasks(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("ListTasks() = %d tasks, want 0", len(tasks))
	}

	got, err := o.Resolve(ctx, task.FolderScope("/nowhere", 0), task.NameIdentity("build"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != nil {
		t.Errorf("Resolve() = %v, want nil", got.Core().Label)
	}
}

func TestOrchestrator_ListTasksFilter(t *testing.T) {
	folder := task.FolderScope("/work/app", 0)
	reader := &MockReader{files: map[string]string{
		folder.Key(): `{"tasks":[
			{"label":"compile","command":"go build","group":{"kind":"build","isDefault":true}},
			{"label":"lint","command":"golangci-lint run"}
		]}`,
	}}
	o, _ := start(t, Options{
		Config:    testConfig("/work/app"),
		Reader:    reader,
		Providers: []provider.Provider{&MockProvider{scripts: []string{"test"}}},
	})
	ctx := context.Background()

	all, err := o.ListTasks(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListTasks() = %d tasks, want 3", len(all))
	}

	npm, err := o.ListTasks(ctx, Filter{Type: "npm"})
	if err != nil {
		t.Fatalf("ListTasks(npm): %v", err)
	}
	if len(npm) != 1 || npm[0].Core().Label != "npm: test" {
		t.Errorf("ListTasks(npm) = %v, want [npm: test]", npm)
	}

	def, err := o.ListTasks(ctx, Filter{Group: task.GroupBuild, DefaultOnly: true})
	if err != nil {
		t.Fatalf("ListTasks(default build): %v", err)
	}
	if len(def) != 1 || def[0].Core().Label != "compile" {
		t.Errorf("default build = %v, want [compile]", def)
	}
}

func TestOrchestrator_PersistentTaskLifecycle(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, `{"tasks":[{"label":"watch","command":"tsc -w","isBackground":true}]}`)
	storage := persist.NewMemoryStorage()
	ctx := context.Background()

	o, _ := start(t, Options{Config: testConfig(dir), Storage: storage})
	tasks, err := o.ListTasks(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	watch := findLabel(tasks, "watch")
	if watch == nil {
		t.Fatal("watch task not listed")
	}

	h, err := o.Run(ctx, watch, execution.Options{}, task.RunSourceUser)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.Runs) != 1 {
		t.Fatalf("Run() started %d runs, want 1", len(h.Runs))
	}
	waitFor(t, "persistent record", func() bool { return persistentCount(t, o) == 1 })

	// The record reached storage, not just the cache.
	records, err := persist.NewStore(storage).Persistent(ctx)
	if err != nil {
		t.Fatalf("Persistent: %v", err)
	}
	if len(records) != 1 || records[0].Label != "watch" {
		t.Fatalf("stored records = %v, want [watch]", records)
	}

	recent, err := o.RecentlyUsed(ctx)
	if err != nil {
		t.Fatalf("RecentlyUsed: %v", err)
	}
	if len(recent) != 1 || recent[0].Core().Label != "watch" {
		t.Errorf("RecentlyUsed() = %v, want [watch]", recent)
	}

	if _, err := o.TerminateRun(ctx, h.Runs[0].RunID); err != nil {
		t.Fatalf("TerminateRun: %v", err)
	}
	waitFor(t, "record removal", func() bool { return persistentCount(t, o) == 0 })
	waitFor(t, "run end", func() bool { return len(o.ActiveRuns()) == 0 })
}

func TestOrchestrator_ReconnectsOnReload(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, `{"tasks":[{"label":"watch","command":"tsc -w","isBackground":true}]}`)
	storage := persist.NewMemoryStorage()
	ctx := context.Background()

	first, _ := start(t, Options{Config: testConfig(dir), Storage: storage})
	tasks, err := first.ListTasks(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if _, err := first.Run(ctx, findLabel(tasks, "watch"), execution.Options{}, task.RunSourceUser); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, "persistent record", func() bool { return persistentCount(t, first) == 1 })
	_ = first.Close()

	second, backend := start(t, Options{Config: testConfig(dir), Storage: storage, Startup: StartupReload})
	runs, reconnects := backend.counts()
	if runs != 0 || reconnects != 1 {
		t.Fatalf("runs, reconnects = %d, %d; want 0, 1", runs, reconnects)
	}
	waitFor(t, "reconnected run", func() bool { return len(second.ActiveRuns()) == 1 })
	if src := second.ActiveRuns()[0].Source; src != task.RunSourceReconnect {
		t.Errorf("Source = %v, want reconnect", src)
	}
	if n := persistentCount(t, second); n != 1 {
		t.Errorf("persistent records = %d, want 1", n)
	}

	third, backend := start(t, Options{Config: testConfig(dir), Storage: storage, Startup: StartupCold})
	if _, reconnects := backend.counts(); reconnects != 0 {
		t.Errorf("cold start reconnected %d runs", reconnects)
	}
	if n := persistentCount(t, third); n != 0 {
		t.Errorf("persistent records after cold start = %d, want 0", n)
	}
}

func TestOrchestrator_RunWaitsForReconnection(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, `{"tasks":[{"label":"watch","command":"tsc -w","isBackground":true}]}`)
	storage := persist.NewMemoryStorage()
	ctx := context.Background()

	first, _ := start(t, Options{Config: testConfig(dir), Storage: storage})
	tasks, err := first.ListTasks(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	watch := findLabel(tasks, "watch")
	if _, err := first.Run(ctx, watch, execution.Options{}, task.RunSourceUser); err != nil {
		t.Fatalf("Run: %v", err)
	}
	waitFor(t, "persistent record", func() bool { return persistentCount(t, first) == 1 })
	_ = first.Close()

	bus := event.NewBus()
	backend := newMockBackend(bus)
	backend.gate = make(chan struct{})
	second, err := New(Options{Config: testConfig(dir), Storage: storage, Startup: StartupReload, Bus: bus, Backend: backend})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = second.Close()
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Close(closeCtx)
	})
	if err := second.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := second.Run(ctx, watch, execution.Options{}, task.RunSourceUser)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if runs, _ := backend.counts(); runs != 0 {
		t.Fatalf("Run started %d runs before reconnection finished", runs)
	}
	close(backend.gate)

	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after reconnection")
	}
	var conflict *task.ConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("Run() error = %v, want conflict with the reattached run", err)
	}
	if runs, reconnects := backend.counts(); runs != 0 || reconnects != 1 {
		t.Errorf("runs, reconnects = %d, %d; want 0, 1", runs, reconnects)
	}
}

func TestOrchestrator_ReconnectionDisabled(t *testing.T) {
	dir := t.TempDir()
	storage := persist.NewMemoryStorage()
	ctx := context.Background()

	stale := &task.ConfiguredTask{
		Base: task.Base{
			Label:        "watch",
			Scope:        task.FolderScope(dir, 0),
			Identifier:   task.NewIdentifier("shell", map[string]any{"label": "watch"}),
			IsBackground: true,
			RunOptions:   task.DefaultRunOptions(),
		},
		Execution: task.Execution{Command: "tsc -w"},
	}
	if err := persist.NewStore(storage).SetPersistent(ctx, stale); err != nil {
		t.Fatalf("SetPersistent: %v", err)
	}

	cfg := testConfig(dir)
	cfg.Task.Reconnection = false
	o, backend := start(t, Options{Config: cfg, Storage: storage, Startup: StartupReload})

	if _, reconnects := backend.counts(); reconnects != 0 {
		t.Errorf("reconnected %d runs with reconnection disabled", reconnects)
	}
	if n := persistentCount(t, o); n != 0 {
		t.Errorf("persistent records = %d, want 0", n)
	}
}

func TestOrchestrator_ReconnectDropsUnresolvable(t *testing.T) {
	dir := t.TempDir()
	storage := persist.NewMemoryStorage()
	ctx := context.Background()

	gone := npmTask(task.FolderScope(dir, 0), "serve")
	gone.IsBackground = true
	if err := persist.NewStore(storage).SetPersistent(ctx, gone); err != nil {
		t.Fatalf("SetPersistent: %v", err)
	}

	o, backend := start(t, Options{
		Config:    testConfig(dir),
		Storage:   storage,
		Startup:   StartupReload,
		Providers: []provider.Provider{&MockProvider{scripts: []string{"build"}}},
	})
	if _, reconnects := backend.counts(); reconnects != 0 {
		t.Errorf("reconnected %d runs, want 0", reconnects)
	}
	if n := persistentCount(t, o); n != 0 {
		t.Errorf("persistent records = %d, want 0", n)
	}
}

func TestOrchestrator_CustomizeAndSave(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	o, _ := start(t, Options{
		Config:    testConfig(dir),
		Providers: []provider.Provider{&MockProvider{scripts: []string{"build", "test"}}},
	})

	tasks, err := o.ListTasks(ctx, Filter{Type: "npm"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	build := findLabel(tasks, "npm: build")
	if build == nil {
		t.Fatal("npm: build not listed")
	}

	got, err := o.Customize(ctx, build, task.Overlay{
		Group:     task.Ptr(task.GroupBuild),
		IsDefault: task.Ptr(true),
	}, true)
	if err != nil {
		t.Fatalf("Customize: %v", err)
	}
	if b := got.Core(); b.Group != task.GroupBuild || !b.IsDefault {
		t.Errorf("customized group = %q default = %v, want build default", b.Group, b.IsDefault)
	}
	if _, err := os.Stat(filepath.Join(dir, taskconfig.DirName, "tasks.json")); err != nil {
		t.Errorf("customization not written: %v", err)
	}

	def, err := o.ListTasks(ctx, Filter{Group: task.GroupBuild, DefaultOnly: true})
	if err != nil {
		t.Fatalf("ListTasks(default build): %v", err)
	}
	if len(def) != 1 || def[0].Key() != build.Key() {
		t.Fatalf("default build = %v, want [npm: build]", def)
	}
}

func TestOrchestrator_CustomizeWithoutSaving(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	o, _ := start(t, Options{
		Config:    testConfig(dir),
		Providers: []provider.Provider{&MockProvider{scripts: []string{"test"}}},
	})

	tasks, err := o.ListTasks(ctx, Filter{Type: "npm"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	got, err := o.Customize(ctx, tasks[0], task.Overlay{Detail: task.Ptr("unit tests")}, false)
	if err != nil {
		t.Fatalf("Customize: %v", err)
	}
	if got.Core().Detail != "unit tests" {
		t.Errorf("Detail = %q, want unit tests", got.Core().Detail)
	}
	if _, err := os.Stat(filepath.Join(dir, taskconfig.DirName)); !os.IsNotExist(err) {
		t.Errorf("configuration written without save: %v", err)
	}

	configured := &task.ConfiguredTask{Base: task.Base{Label: "x"}}
	if _, err := o.Customize(ctx, configured, task.Overlay{}, false); err == nil {
		t.Error("Customize(configured, no save) succeeded, want error")
	}
}

func TestOrchestrator_RunAutomaticTasks(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, `{"tasks":[
		{"label":"serve","command":"serve","runOptions":{"runOn":"folderOpen"}},
		{"label":"build","command":"make"}
	]}`)
	ctx := context.Background()

	o, backend := start(t, Options{Config: testConfig(dir)})
	handles, err := o.RunAutomaticTasks(ctx)
	if err != nil {
		t.Fatalf("RunAutomaticTasks: %v", err)
	}
	if len(handles) != 1 || len(handles[0].Runs) != 1 {
		t.Fatalf("RunAutomaticTasks() = %v, want one run", handles)
	}
	run := handles[0].Runs[0]
	if run.Task.Core().Label != "serve" || run.Source != task.RunSourceFolderOpen {
		t.Errorf("run = %q from %v, want serve from folderOpen", run.Task.Core().Label, run.Source)
	}
	if runs, _ := backend.counts(); runs != 1 {
		t.Errorf("backend runs = %d, want 1", runs)
	}

	cfg := testConfig(dir)
	cfg.Task.AllowAutomaticTasks = "off"
	off, backend := start(t, Options{Config: cfg})
	handles, err = off.RunAutomaticTasks(ctx)
	if err != nil || len(handles) != 0 {
		t.Errorf("RunAutomaticTasks() = %v, %v; want nothing", handles, err)
	}
	if runs, _ := backend.counts(); runs != 0 {
		t.Errorf("backend runs = %d, want 0", runs)
	}
}

func TestOrchestrator_Rerun(t *testing.T) {
	dir := t.TempDir()
	writeTasks(t, dir, `{"tasks":[{"label":"test","command":"go test","runOptions":{"instanceLimit":2}}]}`)
	ctx := context.Background()

	o, backend := start(t, Options{Config: testConfig(dir)})
	if _, err := o.Rerun(ctx, ""); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("Rerun() with no runs error = %v, want ErrTaskNotFound", err)
	}

	tasks, err := o.ListTasks(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if _, err := o.Run(ctx, findLabel(tasks, "test"), execution.Options{}, task.RunSourceUser); err != nil {
		t.Fatalf("Run: %v", err)
	}

	h, err := o.Rerun(ctx, "")
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if len(h.Runs) != 1 || h.Runs[0].Task.Core().Label != "test" {
		t.Errorf("Rerun() = %v, want a run of test", h.Runs)
	}
	if runs, _ := backend.counts(); runs != 2 {
		t.Errorf("backend runs = %d, want 2", runs)
	}
}

func TestOrchestrator_Reload(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeTasks(t, first, `{"tasks":[{"label":"a","command":"a"}]}`)
	writeTasks(t, second, `{"tasks":[{"label":"b","command":"b"}]}`)
	ctx := context.Background()

	o, _ := start(t, Options{Config: testConfig(first)})
	o.Reload(testConfig(first, second))

	tasks, err := o.ListTasks(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if findLabel(tasks, "a") == nil || findLabel(tasks, "b") == nil {
		t.Errorf("ListTasks() after reload = %v, want a and b", tasks)
	}
	if got := len(o.Config().Workspace.Folders); got != 2 {
		t.Errorf("Config() folders = %d, want 2", got)
	}
}

func TestOrchestrator_Closed(t *testing.T) {
	o, _ := start(t, Options{Config: testConfig(), Reader: &MockReader{}})
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if _, err := o.ListTasks(context.Background(), Filter{}); !errors.Is(err, ErrClosed) {
		t.Errorf("ListTasks() after Close error = %v, want ErrClosed", err)
	}
	if _, err := o.Run(context.Background(), &task.ConfiguredTask{}, execution.Options{}, task.RunSourceUser); !errors.Is(err, ErrClosed) {
		t.Errorf("Run() after Close error = %v, want ErrClosed", err)
	}
}
