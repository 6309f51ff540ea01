package sources

import (
	"context"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/provider"
)

// TaskfileType is the task type of go-task Taskfile tasks.
const TaskfileType = "taskfile"

// Taskfile provides the tasks of each folder's Taskfile.yml.
type Taskfile struct {
	src fileSource
}

// NewTaskfile creates the Taskfile provider.
func NewTaskfile(logger *logging.Logger) *Taskfile {
	p := &Taskfile{}
	p.src = fileSource{
		names:    []string{"Taskfile.yml", "Taskfile.yaml", "taskfile.yml", "taskfile.yaml"},
		discover: p.discover,
		logger:   loggerOrNull(logger),
	}
	return p
}

// Type implements provider.Provider.
func (p *Taskfile) Type() string { return TaskfileType }

// Definition implements provider.Definer.
func (p *Taskfile) Definition() *task.Definition {
	return &task.Definition{
		Type: TaskfileType,
		Properties: map[string]task.Property{
			"task": {Type: task.PropString},
		},
		Required: []string{"task"},
	}
}

// ProvideTasks implements provider.Provider.
func (p *Taskfile) ProvideTasks(ctx context.Context, req provider.Request) ([]task.Task, error) {
	return p.src.provide(ctx, req)
}

// ResolveTask implements provider.Provider.
func (p *Taskfile) ResolveTask(ctx context.Context, pending *task.PendingTask) (*task.ContributedTask, error) {
	return p.src.resolve(ctx, pending)
}

// taskfileDoc is the part of a Taskfile the provider reads.
type taskfileDoc struct {
	Version string                 `yaml:"version"`
	Tasks   map[string]taskfileDef `yaml:"tasks"`
	Env     map[string]string      `yaml:"env"`
}

type taskfileDef struct {
	Desc     string            `yaml:"desc"`
	Summary  string            `yaml:"summary"`
	Dir      string            `yaml:"dir"`
	Env      map[string]string `yaml:"env"`
	Internal bool              `yaml:"internal"`
	Watch    bool              `yaml:"watch"`
}

func (p *Taskfile) discover(ctx context.Context, folder task.Scope, path string) ([]*task.ContributedTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc taskfileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	names := slices.Sorted(maps.Keys(doc.Tasks))
	tasks := make([]*task.ContributedTask, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		def := doc.Tasks[name]
		if def.Internal {
			continue
		}

		exec := task.Execution{
			Command: "task",
			Args:    []string{name},
			Env:     mergeEnv(doc.Env, def.Env),
		}
		if def.Dir != "" {
			exec.Cwd = def.Dir
			if !filepath.IsAbs(exec.Cwd) {
				exec.Cwd = filepath.Join(filepath.Dir(path), def.Dir)
			}
		}

		t := contributed(folder, TaskfileType, map[string]any{"task": name}, "task: "+name, exec)
		t.Detail = def.Desc
		if t.Detail == "" {
			t.Detail = truncate(def.Summary, 80)
		}
		t.Group = task.InferGroup(name)
		t.IsBackground = def.Watch
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// mergeEnv overlays local on global; nil when both are empty.
func mergeEnv(global, local map[string]string) map[string]string {
	if len(global) == 0 && len(local) == 0 {
		return nil
	}
	out := maps.Clone(global)
	if out == nil {
		out = make(map[string]string, len(local))
	}
	maps.Copy(out, local)
	return out
}
