package taskconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dshills/taskd/internal/task"
)

// Raw is the unparsed configuration of a scope.
type Raw struct {
	// Path is the file the configuration was read from.
	Path string
	// Format is the file syntax.
	Format Format
	// Data is the file content.
	Data []byte
}

// Reader reads the raw configuration of a scope. It returns nil when the
// scope declares no tasks.
type Reader interface {
	ReadConfig(ctx context.Context, scope task.Scope) (*Raw, error)
}

// DirName is the per-folder configuration directory.
const DirName = ".taskd"

// FileNames are the configuration file names, in lookup order.
var FileNames = []string{"tasks.json", "tasks.toml"}

// FileReader reads task configuration from the filesystem.
type FileReader struct {
	// UserDir holds the user-scope task files.
	UserDir string

	// Definitions identify provider entries when customizing.
	Definitions *task.DefinitionRegistry
}

// NewFileReader creates a reader with the given user configuration dir.
func NewFileReader(userDir string, defs *task.DefinitionRegistry) *FileReader {
	return &FileReader{UserDir: userDir, Definitions: defs}
}

// ReadConfig implements Reader.
func (r *FileReader) ReadConfig(ctx context.Context, scope task.Scope) (*Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, path := range r.Candidates(scope) {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return &Raw{Path: path, Format: FormatOf(path), Data: data}, nil
	}
	return nil, nil
}

// Candidates returns the files that may hold the configuration of scope,
// in lookup order.
func (r *FileReader) Candidates(scope task.Scope) []string {
	var dir string
	switch scope.Kind {
	case task.ScopeUser:
		if r.UserDir == "" {
			return nil
		}
		dir = r.UserDir
	case task.ScopeWorkspaceFile:
		if scope.URI == "" {
			return nil
		}
		return []string{scope.Path()}
	default:
		dir = filepath.Join(scope.Path(), DirName)
	}
	paths := make([]string, len(FileNames))
	for i, name := range FileNames {
		paths[i] = filepath.Join(dir, name)
	}
	return paths
}
