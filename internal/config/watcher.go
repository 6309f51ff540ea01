package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/taskd/internal/logging"
)

// DefaultDebounce is the quiet period before a change is reported.
const DefaultDebounce = 150 * time.Millisecond

// Watcher reports changes to a set of files. Files need not exist: their
// parent directories are watched, so creation is reported too.
type Watcher struct {
	mu sync.Mutex

	watcher  *fsnotify.Watcher
	files    map[string]bool // absolute file paths
	dirs     map[string]int  // watched directories -> file count
	debounce *Debouncer
	logger   *logging.Logger

	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*watcherOptions)

type watcherOptions struct {
	delay  time.Duration
	logger *logging.Logger
}

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) WatcherOption {
	return func(o *watcherOptions) {
		if d >= 0 {
			o.delay = d
		}
	}
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *logging.Logger) WatcherOption {
	return func(o *watcherOptions) {
		o.logger = l
	}
}

// NewWatcher creates a watcher that calls onChange with the changed paths.
func NewWatcher(onChange func(paths []string), opts ...WatcherOption) (*Watcher, error) {
	o := watcherOptions{delay: DefaultDebounce, logger: logging.Null()}
	for _, opt := range opts {
		opt(&o)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		files:    make(map[string]bool),
		dirs:     make(map[string]int),
		debounce: NewDebouncer(o.delay, onChange),
		logger:   o.logger.WithComponent("config.watcher"),
		closeCh:  make(chan struct{}),
	}

	w.closedWg.Add(1)
	go w.processLoop()

	return w, nil
}

// Watch adds files to the watch list. Files whose directory does not
// exist are skipped.
func (w *Watcher) Watch(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		absPath, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if w.files[absPath] {
			continue
		}

		dir := filepath.Dir(absPath)
		if w.dirs[dir] == 0 {
			if _, err := os.Stat(dir); err != nil {
				w.logger.Debug("not watching %s: %v", absPath, err)
				continue
			}
			if err := w.watcher.Add(dir); err != nil {
				return err
			}
		}
		w.dirs[dir]++
		w.files[absPath] = true
	}
	return nil
}

// Unwatch removes files from the watch list.
func (w *Watcher) Unwatch(paths ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	for _, path := range paths {
		absPath, err := filepath.Abs(path)
		if err != nil || !w.files[absPath] {
			continue
		}
		delete(w.files, absPath)

		dir := filepath.Dir(absPath)
		w.dirs[dir]--
		if w.dirs[dir] <= 0 {
			delete(w.dirs, dir)
			_ = w.watcher.Remove(dir)
		}
	}
}

// Close stops the watcher and discards pending changes.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.closedWg.Wait()
	w.debounce.Cancel()
	return w.watcher.Close()
}

func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	watched := w.files[filepath.Clean(ev.Name)]
	w.mu.Unlock()

	if watched {
		w.debounce.Add(filepath.Clean(ev.Name))
	}
}
