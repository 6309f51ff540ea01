package persist

import (
	"container/list"
	"encoding/json"
	"fmt"
)

// LRU is a bounded map that evicts its least recently used entry.
// It is not safe for concurrent use; Store serializes access.
type LRU[V any] struct {
	limit int
	items map[string]*list.Element
	order *list.List
}

type lruEntry[V any] struct {
	key   string
	value V
}

// NewLRU creates an LRU holding at most limit entries. A non-positive limit
// keeps nothing.
func NewLRU[V any](limit int) *LRU[V] {
	return &LRU[V]{
		limit: limit,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Set stores value under key and marks it most recently used.
func (c *LRU[V]) Set(key string, value V) {
	if c.limit <= 0 {
		return
	}
	if elem, ok := c.items[key]; ok {
		elem.Value.(*lruEntry[V]).value = value //nolint:errcheck // list only contains *lruEntry
		c.order.MoveToFront(elem)
		return
	}
	for c.order.Len() >= c.limit {
		c.removeElement(c.order.Back())
	}
	c.items[key] = c.order.PushFront(&lruEntry[V]{key: key, value: value})
}

// Get returns the value of key without touching its recency.
func (c *LRU[V]) Get(key string) (V, bool) {
	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return elem.Value.(*lruEntry[V]).value, true //nolint:errcheck // list only contains *lruEntry
}

// Delete removes key. It reports whether the key was present.
func (c *LRU[V]) Delete(key string) bool {
	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	return true
}

// Clear removes every entry.
func (c *LRU[V]) Clear() {
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of entries.
func (c *LRU[V]) Len() int {
	return c.order.Len()
}

// Keys returns the keys from most to least recently used.
func (c *LRU[V]) Keys() []string {
	keys := make([]string, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*lruEntry[V]).key) //nolint:errcheck // list only contains *lruEntry
	}
	return keys
}

// Values returns the values from most to least recently used.
func (c *LRU[V]) Values() []V {
	values := make([]V, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		values = append(values, e.Value.(*lruEntry[V]).value) //nolint:errcheck // list only contains *lruEntry
	}
	return values
}

func (c *LRU[V]) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry[V]).key) //nolint:errcheck // list only contains *lruEntry
}

// MarshalJSON encodes the entries as [key, value] pairs, least recently
// used first, so replaying them through Set restores the order.
func (c *LRU[V]) MarshalJSON() ([]byte, error) {
	pairs := make([][2]any, 0, c.order.Len())
	for e := c.order.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(*lruEntry[V]) //nolint:errcheck // list only contains *lruEntry
		pairs = append(pairs, [2]any{entry.key, entry.value})
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON replaces the entries with the decoded pairs. The limit is
// kept; excess pairs evict the oldest.
func (c *LRU[V]) UnmarshalJSON(data []byte) error {
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	c.Clear()
	for i, pair := range pairs {
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil {
			return fmt.Errorf("pair %d key: %w", i, err)
		}
		var value V
		if err := json.Unmarshal(pair[1], &value); err != nil {
			return fmt.Errorf("pair %d value: %w", i, err)
		}
		c.Set(key, value)
	}
	return nil
}
