package persist

import (
	"context"
	"sync"
)

// Scope selects the storage namespace.
type Scope int

const (
	// ScopeWorkspace stores data for the current workspace.
	ScopeWorkspace Scope = iota
	// ScopeProfile stores data for the user profile.
	ScopeProfile
)

// String returns the scope name.
func (s Scope) String() string {
	if s == ScopeProfile {
		return "profile"
	}
	return "workspace"
}

// Durability tells the storage how the value is kept.
type Durability int

const (
	// DurabilityMachine keeps the value on this machine only.
	DurabilityMachine Durability = iota
	// DurabilityUser keeps the value with the user, across machines.
	DurabilityUser
)

// Storage is the host key-value store the Store serializes into.
type Storage interface {
	// Get returns the value of key. ok is false when the key is absent.
	Get(ctx context.Context, key string, scope Scope) (value string, ok bool, err error)

	// Set stores value under key.
	Set(ctx context.Context, key, value string, scope Scope, durability Durability) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string, scope Scope) error
}

// MemoryStorage keeps values in memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[Scope]map[string]string
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[Scope]map[string]string)}
}

// Get implements Storage.
func (m *MemoryStorage) Get(_ context.Context, key string, scope Scope) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[scope][key]
	return v, ok, nil
}

// Set implements Storage.
func (m *MemoryStorage) Set(_ context.Context, key, value string, scope Scope, _ Durability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[scope] == nil {
		m.values[scope] = make(map[string]string)
	}
	m.values[scope][key] = value
	return nil
}

// Remove implements Storage.
func (m *MemoryStorage) Remove(_ context.Context, key string, scope Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values[scope], key)
	return nil
}
