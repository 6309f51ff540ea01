// Package persist keeps the recently-used and persistent task records.
//
// Both record sets are bounded LRU maps serialized as ordered [key, value]
// pairs into a host Storage on every mutation and loaded lazily on first
// access. Malformed stored data is logged and treated as empty.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/task"
)

// Storage keys.
const (
	RecentlyUsedKey       = "tasks.recentlyUsedTasks2"
	LegacyRecentlyUsedKey = "tasks.recentlyUsedTasks"
	PersistentKey         = "tasks.persistentTasks"
)

// Default bounds.
const (
	DefaultRecentlyUsedLimit = 30
	DefaultPersistentLimit   = 10
)

// Kind selects a record set.
type Kind string

const (
	// KindRecentlyUsed is the quick-pick history.
	KindRecentlyUsed Kind = "recentlyUsed"
	// KindPersistent holds background tasks to reconnect to.
	KindPersistent Kind = "persistent"
)

// LegacyResolver maps a key of the legacy history format to a task.
type LegacyResolver func(ctx context.Context, key string) task.Task

// Store holds the two record sets.
type Store struct {
	mu      sync.Mutex
	storage Storage
	logger  *logging.Logger

	recentLimit     int
	persistentLimit int
	legacy          LegacyResolver

	recent     *LRU[Descriptor]
	persistent *LRU[Descriptor]
}

// Option configures a Store.
type Option func(*Store)

// WithRecentlyUsedLimit bounds the history. Zero disables it.
func WithRecentlyUsedLimit(n int) Option {
	return func(s *Store) {
		s.recentLimit = n
	}
}

// WithPersistentLimit bounds the persistent set.
func WithPersistentLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.persistentLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithLegacyResolver sets the resolver used to migrate legacy history.
func WithLegacyResolver(r LegacyResolver) Option {
	return func(s *Store) {
		s.legacy = r
	}
}

// NewStore creates a store over storage.
func NewStore(storage Storage, opts ...Option) *Store {
	s := &Store{
		storage:         storage,
		recentLimit:     DefaultRecentlyUsedLimit,
		persistentLimit: DefaultPersistentLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddRecentlyUsed records t as the most recently used task.
func (s *Store) AddRecentlyUsed(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.recentLocked(ctx)
	if err != nil {
		return err
	}
	if s.recentLimit <= 0 {
		return nil
	}
	c.Set(KeyOf(t), Describe(t))
	return s.saveLocked(ctx, RecentlyUsedKey, c)
}

// RecentlyUsed returns the history, most recent first.
func (s *Store) RecentlyUsed(ctx context.Context) ([]Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.recentLocked(ctx)
	if err != nil {
		return nil, err
	}
	return c.Values(), nil
}

// SetPersistent records t for reconnection.
func (s *Store) SetPersistent(ctx context.Context, t task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.persistentLocked(ctx)
	if err != nil {
		return err
	}
	c.Set(KeyOf(t), Describe(t))
	return s.saveLocked(ctx, PersistentKey, c)
}

// RemovePersistent removes the record of key. Removing an absent record
// writes nothing.
func (s *Store) RemovePersistent(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.persistentLocked(ctx)
	if err != nil {
		return err
	}
	if !c.Delete(key) {
		return nil
	}
	return s.saveLocked(ctx, PersistentKey, c)
}

// Persistent returns the persistent records, most recent first.
func (s *Store) Persistent(ctx context.Context) ([]Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.persistentLocked(ctx)
	if err != nil {
		return nil, err
	}
	return c.Values(), nil
}

// ClearPersistent removes every persistent record.
func (s *Store) ClearPersistent(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persistent == nil {
		s.persistent = NewLRU[Descriptor](s.persistentLimit)
	}
	s.persistent.Clear()
	return s.saveLocked(ctx, PersistentKey, s.persistent)
}

// Saved returns the records of kind.
func (s *Store) Saved(ctx context.Context, kind Kind) ([]Descriptor, error) {
	switch kind {
	case KindRecentlyUsed:
		return s.RecentlyUsed(ctx)
	case KindPersistent:
		return s.Persistent(ctx)
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}

// Reload drops the in-memory record sets; the next access reads storage.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = nil
	s.persistent = nil
}

func (s *Store) recentLocked(ctx context.Context) (*LRU[Descriptor], error) {
	if s.recent != nil {
		return s.recent, nil
	}
	c, err := s.loadLocked(ctx, RecentlyUsedKey, s.recentLimit)
	if err != nil {
		return nil, err
	}
	s.recent = c
	if err := s.migrateLegacyLocked(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) persistentLocked(ctx context.Context) (*LRU[Descriptor], error) {
	if s.persistent != nil {
		return s.persistent, nil
	}
	c, err := s.loadLocked(ctx, PersistentKey, s.persistentLimit)
	if err != nil {
		return nil, err
	}
	s.persistent = c
	return c, nil
}

func (s *Store) loadLocked(ctx context.Context, key string, limit int) (*LRU[Descriptor], error) {
	c := NewLRU[Descriptor](limit)
	raw, ok, err := s.storage.Get(ctx, key, ScopeWorkspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || raw == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(raw), c); err != nil {
		s.logger.Warn("%v: %s: %v", task.ErrStorageCorruption, key, err)
		c.Clear()
	}
	return c, nil
}

// migrateLegacyLocked folds the legacy history, a JSON array of keys, into
// c once and removes the legacy key.
func (s *Store) migrateLegacyLocked(ctx context.Context, c *LRU[Descriptor]) error {
	raw, ok, err := s.storage.Get(ctx, LegacyRecentlyUsedKey, ScopeWorkspace)
	if err != nil {
		return fmt.Errorf("load %s: %w", LegacyRecentlyUsedKey, err)
	}
	if !ok {
		return nil
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		s.logger.Warn("%v: %s: %v", task.ErrStorageCorruption, LegacyRecentlyUsedKey, err)
		keys = nil
	}
	if s.legacy != nil {
		// The legacy array is oldest first.
		for _, key := range keys {
			if t := s.legacy(ctx, key); t != nil {
				c.Set(KeyOf(t), Describe(t))
			}
		}
	}
	if err := s.saveLocked(ctx, RecentlyUsedKey, c); err != nil {
		return err
	}
	if err := s.storage.Remove(ctx, LegacyRecentlyUsedKey, ScopeWorkspace); err != nil {
		return fmt.Errorf("remove %s: %w", LegacyRecentlyUsedKey, err)
	}
	s.logger.Info("migrated %d legacy history entries", len(keys))
	return nil
}

func (s *Store) saveLocked(ctx context.Context, key string, c *LRU[Descriptor]) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.storage.Set(ctx, key, string(data), ScopeWorkspace, DurabilityMachine); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
