package process

import (
	"path/filepath"
	"testing"

	"github.com/dshills/taskd/internal/task"
)

func TestVariables_Resolve(t *testing.T) {
	t.Setenv("TASKD_VAR_TEST", "from-env")
	dir := t.TempDir()
	scope := task.FolderScope(dir, 0)

	v := NewVariables()
	v.Set("target", "release")
	v.RegisterProvider("scopeName", func(s task.Scope) string { return s.Name })

	tests := []struct {
		name, in, want string
	}{
		{"no variables", "go build ./...", "go build ./..."},
		{"workspace folder", "${workspaceFolder}/bin", dir + "/bin"},
		{"basename", "${workspaceFolderBasename}", filepath.Base(dir)},
		{"env", "${env:TASKD_VAR_TEST}", "from-env"},
		{"env default", "${env:TASKD_VAR_UNSET:fallback}", "fallback"},
		{"env unset", "x${env:TASKD_VAR_UNSET}y", "xy"},
		{"custom", "make ${target}", "make release"},
		{"provider", "${scopeName}", filepath.Base(dir)},
		{"default", "${missing:dflt}", "dflt"},
		{"unknown kept", "${missing}", "${missing}"},
		{"shell variable kept", "echo $HOME", "echo $HOME"},
		{"separator", "a${pathSeparator}b", "a" + string(filepath.Separator) + "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.Resolve(tt.in, scope); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestVariables_WorkspaceFolderOutsideFolder(t *testing.T) {
	v := NewVariables()
	if got := v.Resolve("${workspaceFolder}", task.UserScope()); got == "" || got == "${workspaceFolder}" {
		t.Errorf("Resolve() in user scope = %q, want the current directory", got)
	}
}
