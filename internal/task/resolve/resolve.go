// Package resolve maps a (scope, identity) request to one task.
package resolve

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/metrics"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/index"
	"github.com/dshills/taskd/internal/task/provider"
)

// DefaultFastPathTimeout bounds the known-tasks lookup.
const DefaultFastPathTimeout = 200 * time.Millisecond

// Resolver resolves task requests against the index.
type Resolver struct {
	index       *index.Index
	gateway     *provider.Gateway
	fastTimeout time.Duration
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFastPathTimeout bounds the known-tasks lookup.
func WithFastPathTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.fastTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// New creates a resolver.
func New(idx *index.Index, gw *provider.Gateway, opts ...Option) *Resolver {
	r := &Resolver{
		index:       idx,
		gateway:     gw,
		fastTimeout: DefaultFastPathTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Null()
	}
	return r
}

// Resolve finds the task named by id in scope, falling back from a folder
// to the user scope and then the workspace file. It first searches the
// tasks already known, then forces a full index build. Customizing entries
// are promoted through their provider. A task that cannot be found yields
// nil and no error.
func (r *Resolver) Resolve(ctx context.Context, scope task.Scope, id task.Identity) (task.Task, error) {
	if id.IsZero() {
		return nil, nil
	}

	if t := r.fastPath(ctx, scope, id); t != nil {
		r.metrics.ObserveResolve("fast")
		return r.finish(ctx, t)
	}

	m, err := r.index.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	t := Lookup(m, scope, id)
	if t == nil {
		r.metrics.ObserveResolve("miss")
		r.logger.Debug("task %q not found in %s", id, scope.Key())
		return nil, nil
	}
	r.metrics.ObserveResolve("full")
	return r.finish(ctx, t)
}

func (r *Resolver) fastPath(ctx context.Context, scope task.Scope, id task.Identity) task.Task {
	fctx, cancel := context.WithTimeout(ctx, r.fastTimeout)
	defer cancel()

	found := make(chan task.Task, 1)
	go func() {
		m, err := r.index.Known(fctx)
		if err != nil {
			found <- nil
			return
		}
		found <- Lookup(m, scope, id)
	}()

	select {
	case t := <-found:
		return t
	case <-fctx.Done():
		return nil
	}
}

func (r *Resolver) finish(ctx context.Context, t task.Task) (task.Task, error) {
	p, ok := t.(*task.PendingTask)
	if !ok {
		return t, nil
	}
	c, err := r.Promote(ctx, p)
	if err != nil || c == nil {
		return nil, err
	}
	return c, nil
}

// Promote resolves a customizing entry into a new contributed task with
// the entry's overlay applied. It returns nil when no provider supplies
// the task.
func (r *Resolver) Promote(ctx context.Context, p *task.PendingTask) (*task.ContributedTask, error) {
	c, err := r.gateway.Resolve(ctx, p, provider.Request{Folders: r.index.Workspace().Folders()})
	if err != nil {
		if errors.Is(err, task.ErrInvalidIdentifier) {
			r.logger.Warn("cannot resolve %q: %v", p.Label, err)
			return nil, nil
		}
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	if p.Overlay.IsEmpty() {
		return c, nil
	}
	return task.Merge(c, p), nil
}

// Lookup searches m for id: in scope first, then the user scope, then the
// workspace file. A zero scope searches every scope in map order.
func Lookup(m *task.TaskMap, scope task.Scope, id task.Identity) task.Task {
	if scope.IsZero() {
		for _, key := range m.Keys() {
			if t := index.FindInScope(m, key, id); t != nil {
				return t
			}
		}
		return nil
	}
	keys := []string{scope.Key()}
	for _, fallback := range []string{task.UserScopeKey, task.WorkspaceFileScopeKey} {
		if fallback != scope.Key() {
			keys = append(keys, fallback)
		}
	}
	for _, key := range keys {
		if t := index.FindInScope(m, key, id); t != nil {
			return t
		}
	}
	return nil
}
