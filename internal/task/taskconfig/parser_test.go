package taskconfig

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/dshills/taskd/internal/task"
)

const sampleJSON = `{
  "version": "2.0.0",
  "tasks": [
    {
      "label": "Build",
      "type": "shell",
      "command": "go",
      "args": ["build", "./..."],
      "group": {"kind": "build", "isDefault": true},
      "problemMatcher": "$go"
    },
    {
      "label": "watch",
      "command": "npm run watch",
      "isBackground": true,
      "runOptions": {"instanceLimit": 2, "instancePolicy": "terminateOldest", "runOn": "folderOpen"}
    },
    {
      "label": "all",
      "dependsOn": ["Build", "watch"]
    },
    {
      "type": "npm",
      "script": "build",
      "group": "build",
      "problemMatcher": []
    },
    {
      "label": "broken",
      "type": "shell"
    }
  ]
}`

func TestParser_Parse(t *testing.T) {
	scope := task.FolderScope("/work/app", 0)
	p := NewParser(nil)

	res, err := p.Parse(scope, &Raw{Format: FormatJSON, Data: []byte(sampleJSON)})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(res.Configured) != 3 {
		t.Fatalf("len(Configured) = %d, want 3", len(res.Configured))
	}
	if len(res.Overlays) != 1 {
		t.Fatalf("len(Overlays) = %d, want 1", len(res.Overlays))
	}
	if len(res.Problems) != 1 || res.Valid() {
		t.Errorf("Problems = %v, want one problem", res.Problems)
	}

	build, ok := res.Configured[0].(*task.ConfiguredTask)
	if !ok {
		t.Fatalf("Configured[0] = %T, want *task.ConfiguredTask", res.Configured[0])
	}
	if build.Group != task.GroupBuild || !build.IsDefault {
		t.Errorf("Build group = %q default %v, want build default", build.Group, build.IsDefault)
	}
	if build.Key() != "label,Build,type,shell," {
		t.Errorf("Build Key() = %q", build.Key())
	}
	if len(build.ProblemMatchers) != 1 || build.ProblemMatchers[0] != "$go" {
		t.Errorf("ProblemMatchers = %v, want [$go]", build.ProblemMatchers)
	}
	if build.Source != task.SourceWorkspace {
		t.Errorf("Source = %q, want workspace", build.Source)
	}

	watch := res.Configured[1].(*task.ConfiguredTask) //nolint:errcheck // second entry is a shell task
	if watch.RunOptions.InstanceLimit != 2 || watch.RunOptions.InstancePolicy != task.PolicyTerminateOldest {
		t.Errorf("watch RunOptions = %+v", watch.RunOptions)
	}
	if watch.RunOptions.RunOn != task.RunOnFolderOpen || !watch.IsBackground {
		t.Errorf("watch RunOn = %q background %v", watch.RunOptions.RunOn, watch.IsBackground)
	}
	if !watch.RunOptions.ReevaluateOnRerun {
		t.Error("ReevaluateOnRerun should default to true")
	}

	all, ok := res.Configured[2].(*task.SyntheticTask)
	if !ok {
		t.Fatalf("Configured[2] = %T, want *task.SyntheticTask", res.Configured[2])
	}
	if len(all.DependsOn) != 2 {
		t.Errorf("DependsOn = %v, want 2 labels", all.DependsOn)
	}

	o := res.Overlays[0]
	if o.ProviderType() != "npm" {
		t.Errorf("ProviderType() = %q, want npm", o.ProviderType())
	}
	if o.Overlay.Group == nil || *o.Overlay.Group != task.GroupBuild {
		t.Error("overlay group not set to build")
	}
	if o.Overlay.IsDefault == nil || *o.Overlay.IsDefault {
		t.Error("overlay isDefault should be defined and false")
	}
	if o.Overlay.ProblemMatchers == nil || len(o.Overlay.ProblemMatchers) != 0 {
		t.Errorf("overlay ProblemMatchers = %v, want empty and defined", o.Overlay.ProblemMatchers)
	}
	if o.Overlay.Label != nil {
		t.Error("overlay label should be undefined")
	}
}

func TestParser_DefinitionFiltersIdentifier(t *testing.T) {
	defs := task.NewDefinitionRegistry()
	defs.Register(&task.Definition{
		Type:       "npm",
		Properties: map[string]task.Property{"script": {Type: task.PropString}, "path": {Type: task.PropString}},
		Required:   []string{"script"},
	})
	p := NewParser(defs)

	res, err := p.Parse(task.UserScope(), &Raw{Format: FormatJSON, Data: []byte(`{"tasks":[{"type":"npm","script":"build","group":"build","label":"b"}]}`)})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := res.Overlays[0].Key(), "script,build,type,npm,"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
	if res.Overlays[0].Source != task.SourceUser {
		t.Errorf("Source = %q, want user", res.Overlays[0].Source)
	}
}

func TestParser_TOML(t *testing.T) {
	data := `
version = "2.0.0"

[[tasks]]
label = "test"
command = "go"
args = ["test", "./..."]
group = "test"

[tasks.runOptions]
instanceLimit = 3
`
	res, err := NewParser(nil).Parse(task.FolderScope("/work/app", 0), &Raw{Format: FormatTOML, Data: []byte(data)})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Configured) != 1 {
		t.Fatalf("len(Configured) = %d, want 1", len(res.Configured))
	}
	c := res.Configured[0].(*task.ConfiguredTask) //nolint:errcheck // single configured entry
	if c.Group != task.GroupTest {
		t.Errorf("Group = %q, want test", c.Group)
	}
	if c.RunOptions.InstanceLimit != 3 {
		t.Errorf("InstanceLimit = %d, want 3", c.RunOptions.InstanceLimit)
	}
}

func TestParser_SyntaxError(t *testing.T) {
	_, err := NewParser(nil).Parse(task.UserScope(), &Raw{Format: FormatJSON, Data: []byte(`{"tasks": [`)})
	if err == nil {
		t.Error("expected a parse error")
	}
}

func TestFileReader_ReadConfig(t *testing.T) {
	dir := t.TempDir()
	scope := task.FolderScope(dir, 0)
	r := NewFileReader(filepath.Join(dir, "user"), nil)

	raw, err := r.ReadConfig(context.Background(), scope)
	if err != nil || raw != nil {
		t.Fatalf("ReadConfig on empty folder = %v, %v; want nil, nil", raw, err)
	}

	if err := os.MkdirAll(filepath.Join(dir, DirName), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, DirName, "tasks.toml")
	if err := os.WriteFile(path, []byte("[[tasks]]\nlabel = \"x\"\ncommand = \"true\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	raw, err = r.ReadConfig(context.Background(), scope)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if raw == nil || raw.Format != FormatTOML || raw.Path != path {
		t.Errorf("ReadConfig = %+v, want toml at %s", raw, path)
	}
}

func TestFileReader_Customize(t *testing.T) {
	dir := t.TempDir()
	scope := task.FolderScope(dir, 0)
	r := NewFileReader("", nil)
	ctx := context.Background()

	id := task.NewIdentifier("npm", map[string]any{"script": "build"})
	if err := r.Customize(ctx, scope, id, map[string]any{"group": "build"}); err != nil {
		t.Fatalf("Customize: %v", err)
	}
	if err := r.Customize(ctx, scope, id, map[string]any{"detail": "web"}); err != nil {
		t.Fatalf("Customize again: %v", err)
	}

	raw, err := r.ReadConfig(ctx, scope)
	if err != nil || raw == nil {
		t.Fatalf("ReadConfig = %v, %v", raw, err)
	}
	res, err := NewParser(nil).Parse(scope, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Overlays) != 1 {
		t.Fatalf("len(Overlays) = %d, want 1", len(res.Overlays))
	}
	o := res.Overlays[0].Overlay
	if o.Group == nil || *o.Group != task.GroupBuild {
		t.Error("group customization lost")
	}
	if o.Detail == nil || *o.Detail != "web" {
		t.Error("detail customization missing")
	}
}

func TestFileReader_CustomizeKeepsJSONLayout(t *testing.T) {
	dir := t.TempDir()
	scope := task.FolderScope(dir, 0)
	r := NewFileReader("", nil)
	if err := os.MkdirAll(filepath.Join(dir, DirName), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, DirName, "tasks.json")
	src := `{"version":"2.0.0","zeta":{"keep":true},"tasks":[{"label":"lint","type":"shell","command":"golangci-lint run"}]}`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	id := task.NewIdentifier(TypeShell, map[string]any{"label": "lint"})
	if err := r.Customize(context.Background(), scope, id, map[string]any{"detail": "static checks"}); err != nil {
		t.Fatalf("Customize: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !gjson.Get(out, "zeta.keep").Bool() {
		t.Errorf("unknown key lost:\n%s", out)
	}
	if strings.Index(out, `"zeta"`) > strings.Index(out, `"tasks"`) {
		t.Errorf("key order changed:\n%s", out)
	}
	if n := gjson.Get(out, "tasks.#").Int(); n != 1 {
		t.Errorf("len(tasks) = %d, want 1", n)
	}
	if got := gjson.Get(out, "tasks.0.detail").String(); got != "static checks" {
		t.Errorf("detail = %q, want static checks", got)
	}
}

func TestOverlayProperties_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	scope := task.FolderScope(dir, 0)
	r := NewFileReader("", nil)
	ctx := context.Background()

	overlay := task.Overlay{
		Label:          task.Ptr("web build"),
		Group:          task.Ptr(task.GroupBuild),
		IsDefault:      task.Ptr(true),
		InstancePolicy: task.Ptr(task.PolicyTerminateOldest),
		Cwd:            task.Ptr("web"),
	}
	id := task.NewIdentifier("npm", map[string]any{"script": "build"})
	if err := r.Customize(ctx, scope, id, OverlayProperties(overlay)); err != nil {
		t.Fatalf("Customize: %v", err)
	}

	raw, err := r.ReadConfig(ctx, scope)
	if err != nil || raw == nil {
		t.Fatalf("ReadConfig = %v, %v", raw, err)
	}
	res, err := NewParser(nil).Parse(scope, raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Overlays) != 1 {
		t.Fatalf("len(Overlays) = %d, want 1", len(res.Overlays))
	}
	got := res.Overlays[0].Overlay
	if got.Label == nil || *got.Label != "web build" {
		t.Errorf("Label = %v, want web build", got.Label)
	}
	if got.IsDefault == nil || !*got.IsDefault {
		t.Error("isDefault lost")
	}
	if got.InstancePolicy == nil || *got.InstancePolicy != task.PolicyTerminateOldest {
		t.Errorf("InstancePolicy = %v", got.InstancePolicy)
	}
	if got.Cwd == nil || *got.Cwd != "web" {
		t.Errorf("Cwd = %v", got.Cwd)
	}
}
