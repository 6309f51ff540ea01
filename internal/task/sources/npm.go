package sources

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/provider"
)

// NPMType is the task type of package.json scripts.
const NPMType = "npm"

// NPM provides the scripts of each folder's package.json.
type NPM struct {
	src fileSource
}

// NewNPM creates the npm provider.
func NewNPM(logger *logging.Logger) *NPM {
	p := &NPM{}
	p.src = fileSource{names: []string{"package.json"}, discover: p.discover, logger: loggerOrNull(logger)}
	return p
}

// Type implements provider.Provider.
func (p *NPM) Type() string { return NPMType }

// Definition implements provider.Definer.
func (p *NPM) Definition() *task.Definition {
	return &task.Definition{
		Type: NPMType,
		Properties: map[string]task.Property{
			"script": {Type: task.PropString},
		},
		Required: []string{"script"},
	}
}

// ProvideTasks implements provider.Provider.
func (p *NPM) ProvideTasks(ctx context.Context, req provider.Request) ([]task.Task, error) {
	return p.src.provide(ctx, req)
}

// ResolveTask implements provider.Provider.
func (p *NPM) ResolveTask(ctx context.Context, pending *task.PendingTask) (*task.ContributedTask, error) {
	return p.src.resolve(ctx, pending)
}

// packageJSON is the part of package.json the provider reads.
type packageJSON struct {
	Name            string            `json:"name"`
	Scripts         map[string]string `json:"scripts"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func (p *NPM) discover(ctx context.Context, folder task.Scope, path string) ([]*task.ContributedTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}
	if len(pkg.Scripts) == 0 {
		return nil, nil
	}

	manager := packageManager(filepath.Dir(path))
	names := make([]string, 0, len(pkg.Scripts))
	for name := range pkg.Scripts {
		names = append(names, name)
	}
	slices.Sort(names)

	tasks := make([]*task.ContributedTask, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		script := pkg.Scripts[name]
		t := contributed(folder, NPMType, map[string]any{"script": name}, "npm: "+name,
			task.Execution{Command: manager, Args: []string{"run", name}})
		t.Detail = truncate(script, 80)
		t.Group = task.InferGroup(name)
		if m := problemMatcher(name, script, pkg); m != "" {
			t.ProblemMatchers = []string{m}
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// packageManager picks the package manager from the lock file in dir.
func packageManager(dir string) string {
	lockFiles := []struct {
		file    string
		manager string
	}{
		{"pnpm-lock.yaml", "pnpm"},
		{"yarn.lock", "yarn"},
		{"bun.lockb", "bun"},
		{"package-lock.json", "npm"},
	}
	for _, lf := range lockFiles {
		if _, err := os.Stat(filepath.Join(dir, lf.file)); err == nil {
			return lf.manager
		}
	}
	return "npm"
}

// problemMatcher names the matcher for the tool a script runs.
func problemMatcher(name, script string, pkg packageJSON) string {
	lower := strings.ToLower(script)
	switch {
	case strings.Contains(lower, "tsc"):
		return "$tsc"
	case strings.Contains(lower, "eslint"):
		return "$eslint-compact"
	case strings.Contains(lower, "jest"):
		return "$jest"
	case strings.Contains(lower, "mocha"):
		return "$mocha"
	}
	if _, ok := pkg.DevDependencies["typescript"]; ok && (name == "build" || name == "compile") {
		return "$tsc"
	}
	return ""
}
