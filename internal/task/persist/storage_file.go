package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStorage keeps values in one JSON file per scope under a directory.
// Writes go to a temporary file that is renamed over the original.
type FileStorage struct {
	mu  sync.Mutex
	dir string
}

// NewFileStorage creates a file storage rooted at dir.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (f *FileStorage) path(scope Scope) string {
	return filepath.Join(f.dir, scope.String()+".json")
}

func (f *FileStorage) load(scope Scope) (map[string]string, error) {
	data, err := os.ReadFile(f.path(scope))
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read storage: %w", err)
	}
	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode storage %s: %w", f.path(scope), err)
	}
	return values, nil
}

func (f *FileStorage) save(scope Scope, values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, scope.String()+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(scope)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace storage file: %w", err)
	}
	return nil
}

// Get implements Storage.
func (f *FileStorage) Get(_ context.Context, key string, scope Scope) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load(scope)
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set implements Storage.
func (f *FileStorage) Set(_ context.Context, key, value string, scope Scope, _ Durability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load(scope)
	if err != nil {
		return err
	}
	values[key] = value
	return f.save(scope, values)
}

// Remove implements Storage.
func (f *FileStorage) Remove(_ context.Context, key string, scope Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load(scope)
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return f.save(scope, values)
}
