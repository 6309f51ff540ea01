package process

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/dshills/taskd/internal/task"
)

// variablePattern matches ${name}, ${name:default} and ${env:NAME}.
var variablePattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// VariableProvider computes the value of a variable for a task's scope.
type VariableProvider func(scope task.Scope) string

// Variables substitutes ${...} variables in task commands. Unknown
// variables without a default are left as written.
type Variables struct {
	mu        sync.RWMutex
	custom    map[string]string
	providers map[string]VariableProvider
}

// NewVariables creates a resolver with the built-in variables.
func NewVariables() *Variables {
	v := &Variables{
		custom:    make(map[string]string),
		providers: make(map[string]VariableProvider),
	}
	v.registerBuiltins()
	return v
}

// Set sets a custom variable.
func (v *Variables) Set(name, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.custom[name] = value
}

// RegisterProvider registers a dynamic variable.
func (v *Variables) RegisterProvider(name string, p VariableProvider) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.providers[name] = p
}

// Resolve replaces the variables of input for a task in scope.
func (v *Variables) Resolve(input string, scope task.Scope) string {
	if !strings.Contains(input, "${") {
		return input
	}
	return variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		inner := match[2 : len(match)-1]

		if envPart, ok := strings.CutPrefix(inner, "env:"); ok {
			name, def, _ := strings.Cut(envPart, ":")
			if val := os.Getenv(name); val != "" {
				return val
			}
			return def
		}

		name, def, hasDefault := strings.Cut(inner, ":")
		if val := v.lookup(name, scope); val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

func (v *Variables) lookup(name string, scope task.Scope) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if val, ok := v.custom[name]; ok {
		return val
	}
	if p, ok := v.providers[name]; ok {
		return p(scope)
	}
	return ""
}

func (v *Variables) registerBuiltins() {
	v.providers["workspaceFolder"] = workspaceFolder
	v.providers["workspaceFolderBasename"] = func(scope task.Scope) string {
		if dir := workspaceFolder(scope); dir != "" {
			return filepath.Base(dir)
		}
		return ""
	}
	v.providers["cwd"] = func(task.Scope) string {
		cwd, _ := os.Getwd()
		return cwd
	}
	v.providers["userHome"] = func(task.Scope) string {
		home, _ := os.UserHomeDir()
		return home
	}
	v.providers["pathSeparator"] = func(task.Scope) string {
		return string(filepath.Separator)
	}
	v.providers["execPath"] = func(task.Scope) string {
		exe, _ := os.Executable()
		return exe
	}
}

// workspaceFolder is the folder of a folder-scoped task and the current
// directory otherwise.
func workspaceFolder(scope task.Scope) string {
	if scope.Kind == task.ScopeFolder {
		if dir := scope.Path(); dir != "" {
			return dir
		}
	}
	cwd, _ := os.Getwd()
	return cwd
}
