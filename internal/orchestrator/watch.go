package orchestrator

import (
	"context"
	"path/filepath"
	"slices"
	"time"

	"github.com/dshills/taskd/internal/config"
	"github.com/dshills/taskd/internal/event"
	"github.com/dshills/taskd/internal/task"
)

// candidateLister is implemented by readers that know which files hold
// the configuration of a scope.
type candidateLister interface {
	Candidates(scope task.Scope) []string
}

func (o *Orchestrator) startWatcher() error {
	w, err := config.NewWatcher(o.onFilesChanged, config.WithWatcherLogger(o.logger))
	if err != nil {
		return err
	}
	o.watcher = w
	o.workspace.OnChange(func() {
		if err := o.watcher.Watch(o.watchedFiles()...); err != nil {
			o.logger.Warn("watching new folders: %v", err)
		}
	})
	return w.Watch(o.watchedFiles()...)
}

// watchedFiles returns the settings file and every task configuration
// file that may exist for the current scopes.
func (o *Orchestrator) watchedFiles() []string {
	var files []string
	if o.opts.ConfigPath != "" {
		files = append(files, o.opts.ConfigPath)
	}
	if cl, ok := o.reader.(candidateLister); ok {
		for _, scope := range o.workspace.Scopes() {
			files = append(files, cl.Candidates(scope)...)
		}
	}
	return files
}

func (o *Orchestrator) onFilesChanged(paths []string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	settings := ""
	if o.opts.ConfigPath != "" {
		settings, _ = filepath.Abs(o.opts.ConfigPath)
	}

	if settings != "" && slices.Contains(paths, settings) {
		cfg, err := config.Load(o.opts.ConfigPath)
		if err != nil {
			o.logger.Warn("keeping previous settings: %v", err)
		} else {
			o.Reload(cfg)
		}
		_ = o.bus.Publish(ctx, event.TopicConfigChanged, paths)
		return
	}

	o.index.Invalidate("task configuration changed")
	_ = o.bus.Publish(ctx, event.TopicIndexChanged, paths)
}
