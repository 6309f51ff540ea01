// Package sources provides task providers for common build tools: npm
// scripts, Makefile targets, Taskfile tasks and Lua provider scripts.
package sources

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/provider"
)

// discoverFunc returns the tasks declared in the file at path for folder.
type discoverFunc func(ctx context.Context, folder task.Scope, path string) ([]*task.ContributedTask, error)

// fileSource provides the tasks of the first matching file at the root of
// each workspace folder.
type fileSource struct {
	names    []string
	discover discoverFunc
	logger   *logging.Logger
}

// find returns the first of names present in folder, or "".
func (s *fileSource) find(folder task.Scope) string {
	dir := folder.Path()
	if dir == "" {
		return ""
	}
	for _, name := range s.names {
		path := filepath.Join(dir, name)
		if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
			return path
		}
	}
	return ""
}

// provide scans every folder of req. A folder whose file cannot be read is
// skipped; the query fails only when every file failed.
func (s *fileSource) provide(ctx context.Context, req provider.Request) ([]task.Task, error) {
	var (
		out  []task.Task
		errs []error
	)
	for _, folder := range req.Folders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := s.find(folder)
		if path == "" {
			continue
		}
		tasks, err := s.discover(ctx, folder, path)
		if err != nil {
			s.logger.Warn("reading %s: %v", path, err)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		for _, t := range tasks {
			out = append(out, t)
		}
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// resolve scans the folder of p again and returns the task with the same
// identifier, or nil.
func (s *fileSource) resolve(ctx context.Context, p *task.PendingTask) (*task.ContributedTask, error) {
	path := s.find(p.Scope)
	if path == "" {
		return nil, nil
	}
	tasks, err := s.discover(ctx, p.Scope, path)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Identifier.Equal(p.Identifier) {
			return t, nil
		}
	}
	return nil, nil
}

// contributed builds a provider task of typ in folder.
func contributed(folder task.Scope, typ string, props map[string]any, label string, exec task.Execution) *task.ContributedTask {
	id := task.NewIdentifier(typ, props)
	if exec.Cwd == "" {
		exec.Cwd = folder.Path()
	}
	return &task.ContributedTask{
		Base: task.Base{
			ID:         folder.Key() + ":" + id.Key(),
			Label:      label,
			Scope:      folder,
			Source:     task.SourceExtension,
			Identifier: id,
			RunOptions: task.DefaultRunOptions(),
		},
		Execution: exec,
	}
}

// truncate shortens s to at most n runes for use as a detail line.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func loggerOrNull(l *logging.Logger) *logging.Logger {
	if l == nil {
		return logging.Null()
	}
	return l.WithComponent("sources")
}
