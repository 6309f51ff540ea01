// Package provider registers task providers and queries them with bounded,
// isolated concurrency.
package provider

import (
	"context"
	"slices"
	"sync"

	"github.com/dshills/taskd/internal/task"
)

// Request is passed to ProvideTasks.
type Request struct {
	// Folders are the workspace folders to provide tasks for.
	Folders []task.Scope

	// AllowedTypes restricts the query to these types; nil means all.
	AllowedTypes []string
}

// Provider supplies tasks of one type at query time.
type Provider interface {
	// Type returns the task type the provider owns.
	Type() string

	// ProvideTasks returns the provider's tasks. Each must be a
	// *task.ContributedTask whose identifier type equals Type().
	ProvideTasks(ctx context.Context, req Request) ([]task.Task, error)

	// ResolveTask turns a customizing entry into a full task. It may
	// return nil when the provider does not know the task.
	ResolveTask(ctx context.Context, pending *task.PendingTask) (*task.ContributedTask, error)
}

// Activator is implemented by providers that need one-time activation
// before their first query.
type Activator interface {
	Activate(ctx context.Context) error
}

// Definer is implemented by providers that declare the properties
// defining their tasks.
type Definer interface {
	Definition() *task.Definition
}

type entry struct {
	handle   int
	provider Provider

	mu        sync.Mutex
	activated bool
}

// activate runs the provider's activation until it succeeds once. A failed
// or timed out activation is retried on the next call.
func (e *entry) activate(ctx context.Context) error {
	a, ok := e.provider.(Activator)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activated {
		return nil
	}
	if err := a.Activate(ctx); err != nil {
		return err
	}
	e.activated = true
	return nil
}

// Registry holds the registered providers.
type Registry struct {
	mu        sync.RWMutex
	entries   []*entry
	next      int
	listeners []func()

	definitions *task.DefinitionRegistry

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRegistry creates an empty registry. Definitions declared by providers
// are added to defs, which may be nil.
func NewRegistry(defs *task.DefinitionRegistry) *Registry {
	return &Registry{
		definitions: defs,
		ready:       make(chan struct{}),
	}
}

// Register adds a provider and returns a function that removes it.
func (r *Registry) Register(p Provider) (unregister func()) {
	r.mu.Lock()
	r.next++
	e := &entry{handle: r.next, provider: p}
	r.entries = append(r.entries, e)
	if d, ok := p.(Definer); ok && r.definitions != nil {
		r.definitions.Register(d.Definition())
	}
	r.mu.Unlock()

	r.notify()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(e.handle) })
	}
}

func (r *Registry) remove(handle int) {
	r.mu.Lock()
	idx := slices.IndexFunc(r.entries, func(e *entry) bool { return e.handle == handle })
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	r.entries = slices.Delete(r.entries, idx, idx+1)
	r.mu.Unlock()

	r.notify()
}

// OnChange registers fn to be called after every registration change.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify() {
	r.mu.RLock()
	listeners := slices.Clone(r.listeners)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

// MarkReady signals that the host finished registering providers.
func (r *Registry) MarkReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// Ready is closed once MarkReady has been called.
func (r *Registry) Ready() <-chan struct{} {
	return r.ready
}

// Types returns the registered task types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []string
	for _, e := range r.entries {
		if !slices.Contains(types, e.provider.Type()) {
			types = append(types, e.provider.Type())
		}
	}
	return types
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// eligible returns the entries matching typ, or all entries when typ is
// empty, filtered by allowed when non-nil.
func (r *Registry) eligible(typ string, allowed []string) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*entry
	for _, e := range r.entries {
		t := e.provider.Type()
		if typ != "" && t != typ {
			continue
		}
		if allowed != nil && !slices.Contains(allowed, t) {
			continue
		}
		out = append(out, e)
	}
	return out
}
