package index

import (
	"os"
	"slices"
	"sync"

	"github.com/dshills/taskd/internal/task"
)

// Workspace is the set of folders tasks are discovered in, plus the
// optional workspace file.
type Workspace struct {
	mu        sync.RWMutex
	folders   []task.Scope
	file      string
	home      string
	listeners []func()
}

// NewWorkspace creates a workspace over folder paths and an optional
// workspace file.
func NewWorkspace(folders []string, workspaceFile string) *Workspace {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	w := &Workspace{file: workspaceFile, home: home}
	w.folders = toScopes(folders)
	return w
}

func toScopes(paths []string) []task.Scope {
	scopes := make([]task.Scope, len(paths))
	for i, p := range paths {
		scopes[i] = task.FolderScope(p, i)
	}
	return scopes
}

// SetFolders replaces the folders and notifies listeners.
func (w *Workspace) SetFolders(paths []string) {
	w.mu.Lock()
	w.folders = toScopes(paths)
	listeners := slices.Clone(w.listeners)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// OnChange registers fn to be called after the folders change.
func (w *Workspace) OnChange(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// IsEmpty reports whether no folder is open.
func (w *Workspace) IsEmpty() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.folders) == 0
}

// Folders returns the folder scopes. An empty workspace yields one
// synthetic folder at the home directory so user tasks stay resolvable.
func (w *Workspace) Folders() []task.Scope {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.folders) == 0 {
		return []task.Scope{task.FolderScope(w.home, 0)}
	}
	return slices.Clone(w.folders)
}

// FileScope returns the workspace-file scope, if there is a workspace file.
func (w *Workspace) FileScope() (task.Scope, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.file == "" {
		return task.Scope{}, false
	}
	return task.WorkspaceFileScope(w.file), true
}

// Scopes returns every scope in aggregation order: folders, the workspace
// file, then the user scope.
func (w *Workspace) Scopes() []task.Scope {
	scopes := w.Folders()
	if fs, ok := w.FileScope(); ok {
		scopes = append(scopes, fs)
	}
	return append(scopes, task.UserScope())
}

// Folder returns the folder scope with the given key.
func (w *Workspace) Folder(key string) (task.Scope, bool) {
	for _, f := range w.Folders() {
		if f.Key() == key {
			return f, true
		}
	}
	return task.Scope{}, false
}
