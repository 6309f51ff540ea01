package task

import (
	"path/filepath"
	"strings"
)

// ScopeKind identifies the kind of configuration scope.
type ScopeKind int

const (
	// ScopeFolder is a workspace folder.
	ScopeFolder ScopeKind = iota
	// ScopeUser is the user-global pseudo-scope.
	ScopeUser
	// ScopeWorkspaceFile is the workspace-file pseudo-scope.
	ScopeWorkspaceFile
)

// String returns the scope kind name.
func (k ScopeKind) String() string {
	switch k {
	case ScopeFolder:
		return "folder"
	case ScopeUser:
		return "user"
	case ScopeWorkspaceFile:
		return "workspaceFile"
	default:
		return "unknown"
	}
}

// Sentinel map keys for the pseudo-scopes.
const (
	UserScopeKey          = "settings"
	WorkspaceFileScopeKey = "workspace"
)

// Scope is a configuration boundary tasks are declared in.
type Scope struct {
	// Kind is the scope kind.
	Kind ScopeKind `json:"kind"`

	// URI identifies a folder ("file:///path"); empty for pseudo-scopes
	// except the workspace file.
	URI string `json:"uri,omitempty"`

	// Name is the display name of a folder.
	Name string `json:"name,omitempty"`

	// Index is the folder position in the workspace.
	Index int `json:"index,omitempty"`
}

// FolderScope returns the scope of a workspace folder at path.
func FolderScope(path string, index int) Scope {
	return Scope{
		Kind:  ScopeFolder,
		URI:   PathToURI(path),
		Name:  filepath.Base(path),
		Index: index,
	}
}

// UserScope returns the user pseudo-scope.
func UserScope() Scope {
	return Scope{Kind: ScopeUser}
}

// WorkspaceFileScope returns the workspace-file pseudo-scope.
func WorkspaceFileScope(path string) Scope {
	return Scope{Kind: ScopeWorkspaceFile, URI: PathToURI(path), Name: filepath.Base(path)}
}

// Key returns the task map key of the scope.
func (s Scope) Key() string {
	switch s.Kind {
	case ScopeUser:
		return UserScopeKey
	case ScopeWorkspaceFile:
		return WorkspaceFileScopeKey
	default:
		return s.URI
	}
}

// Path returns the filesystem path of a folder or workspace file.
func (s Scope) Path() string {
	return URIToPath(s.URI)
}

// IsZero reports whether the scope is unset.
func (s Scope) IsZero() bool {
	return s.Kind == ScopeFolder && s.URI == ""
}

// PathToURI converts a filesystem path to a file URI.
func PathToURI(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file://" + filepath.ToSlash(path)
}

// URIToPath converts a file URI to a filesystem path.
func URIToPath(uri string) string {
	return filepath.FromSlash(strings.TrimPrefix(uri, "file://"))
}
