package sources

import (
	"bufio"
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/provider"
)

// MakeType is the task type of Makefile targets.
const MakeType = "make"

var (
	targetPattern = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_-]*)\s*:(?:[^=]|$)`)
	phonyPattern  = regexp.MustCompile(`^\.PHONY\s*:\s*(.+)$`)
	docPattern    = regexp.MustCompile(`^##\s*(.*)$`)
)

// Make provides the targets of each folder's Makefile.
type Make struct {
	src fileSource
}

// NewMake creates the make provider.
func NewMake(logger *logging.Logger) *Make {
	p := &Make{}
	// GNU make's lookup order.
	p.src = fileSource{names: []string{"GNUmakefile", "makefile", "Makefile"}, discover: p.discover, logger: loggerOrNull(logger)}
	return p
}

// Type implements provider.Provider.
func (p *Make) Type() string { return MakeType }

// Definition implements provider.Definer.
func (p *Make) Definition() *task.Definition {
	return &task.Definition{
		Type: MakeType,
		Properties: map[string]task.Property{
			"target": {Type: task.PropString},
		},
		Required: []string{"target"},
	}
}

// ProvideTasks implements provider.Provider.
func (p *Make) ProvideTasks(ctx context.Context, req provider.Request) ([]task.Task, error) {
	return p.src.provide(ctx, req)
}

// ResolveTask implements provider.Provider.
func (p *Make) ResolveTask(ctx context.Context, pending *task.PendingTask) (*task.ContributedTask, error) {
	return p.src.resolve(ctx, pending)
}

type makeTarget struct {
	name string
	doc  string
}

// discover lists the targets of a Makefile. When the file declares .PHONY
// targets only those are runnable tasks. A "## text" line documents the
// target that follows it.
func (p *Make) discover(ctx context.Context, folder task.Scope, path string) ([]*task.ContributedTask, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var (
		targets []makeTarget
		doc     string
		seen    = make(map[string]bool)
		phony   = make(map[string]bool)
	)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()

		if m := phonyPattern.FindStringSubmatch(line); m != nil {
			for _, name := range strings.Fields(m[1]) {
				phony[name] = true
			}
			continue
		}
		if m := docPattern.FindStringSubmatch(line); m != nil {
			doc = m[1]
			continue
		}
		if m := targetPattern.FindStringSubmatch(line); m != nil {
			name := m[1]
			if !strings.HasPrefix(name, "_") && !seen[name] {
				seen[name] = true
				targets = append(targets, makeTarget{name: name, doc: doc})
			}
			doc = ""
			continue
		}
		if !strings.HasPrefix(line, "#") && strings.TrimSpace(line) != "" {
			doc = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	tasks := make([]*task.ContributedTask, 0, len(targets))
	for _, tg := range targets {
		if len(phony) > 0 && !phony[tg.name] {
			continue
		}
		t := contributed(folder, MakeType, map[string]any{"target": tg.name}, "make: "+tg.name,
			task.Execution{Command: "make", Args: []string{tg.name}})
		t.Detail = tg.doc
		t.Group = task.InferGroup(tg.name)
		t.ProblemMatchers = []string{"$gcc"}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
