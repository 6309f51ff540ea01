package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/metrics"
	"github.com/dshills/taskd/internal/task"
)

// Default limits.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultSlowWarning = 2 * time.Second
)

// Result is the outcome of a provider query. Failing providers contribute
// an error and no tasks; they never abort the result.
type Result struct {
	Tasks  []*task.ContributedTask
	Errors []*task.ProviderError
}

// Gateway queries registered providers.
type Gateway struct {
	registry *Registry
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu          sync.RWMutex
	timeout     time.Duration
	autoDetect  bool
	slowWarning time.Duration
	slowIgnore  []string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout bounds every provider call.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithAutoDetect enables or disables unrequested provider queries.
func WithAutoDetect(on bool) Option {
	return func(g *Gateway) {
		g.autoDetect = on
	}
}

// WithSlowWarning warns about providers slower than threshold, except the
// ignored types. A non-positive threshold disables the warning.
func WithSlowWarning(threshold time.Duration, ignore []string) Option {
	return func(g *Gateway) {
		g.slowWarning = threshold
		g.slowIgnore = ignore
	}
}

// NewGateway creates a gateway over registry.
func NewGateway(registry *Registry, opts ...Option) *Gateway {
	g := &Gateway{
		registry:    registry,
		timeout:     DefaultTimeout,
		autoDetect:  true,
		slowWarning: DefaultSlowWarning,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logging.Null()
	}
	return g
}

// Reconfigure applies opts to a running gateway.
func (g *Gateway) Reconfigure(opts ...Option) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, opt := range opts {
		opt(g)
	}
}

func (g *Gateway) settings() (time.Duration, bool, time.Duration, []string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.timeout, g.autoDetect, g.slowWarning, g.slowIgnore
}

// Query asks every eligible provider for its tasks, one goroutine each.
// An empty typ queries all providers; with auto-detection off only an
// explicit typ is queried.
func (g *Gateway) Query(ctx context.Context, typ string, req Request) Result {
	_, autoDetect, _, _ := g.settings()
	if typ == "" && !autoDetect {
		return Result{}
	}

	entries := g.registry.eligible(typ, req.AllowedTypes)
	answers := make([][]*task.ContributedTask, len(entries))
	failures := make([]*task.ProviderError, len(entries))

	var eg errgroup.Group
	for i, e := range entries {
		eg.Go(func() error {
			tasks, err := g.provide(ctx, e, req)
			if err != nil {
				failures[i] = &task.ProviderError{Type: e.provider.Type(), Err: err}
				g.logger.Error("%v", failures[i])
				return nil
			}
			answers[i] = tasks
			return nil
		})
	}
	_ = eg.Wait()

	var res Result
	for i := range entries {
		res.Tasks = append(res.Tasks, answers[i]...)
		if failures[i] != nil {
			res.Errors = append(res.Errors, failures[i])
		}
	}
	return res
}

// provide runs one provider under the timeout and validates its answer.
func (g *Gateway) provide(ctx context.Context, e *entry, req Request) ([]*task.ContributedTask, error) {
	timeout, _, slow, ignore := g.settings()
	typ := e.provider.Type()
	start := time.Now()

	tasks, err := bounded(ctx, timeout, func(ctx context.Context) ([]task.Task, error) {
		if err := e.activate(ctx); err != nil {
			return nil, fmt.Errorf("activate: %w", err)
		}
		return e.provider.ProvideTasks(ctx, req)
	})
	elapsed := time.Since(start)

	if slow > 0 && elapsed > slow && !slices.Contains(ignore, typ) {
		g.logger.Warn("task provider %q took %s to provide tasks", typ, elapsed.Round(time.Millisecond))
	}
	if err != nil {
		g.metrics.ObserveProvider(typ, elapsed, failureReason(err))
		return nil, err
	}

	out := make([]*task.ContributedTask, 0, len(tasks))
	for _, t := range tasks {
		c, err := validate(typ, t)
		if err != nil {
			g.metrics.ObserveProvider(typ, elapsed, "invalid")
			return nil, err
		}
		if c.Scope.IsZero() {
			c.Scope = defaultScope(req)
		}
		c.Source = task.SourceExtension
		out = append(out, c)
	}
	g.metrics.ObserveProvider(typ, elapsed, "")
	return out, nil
}

// Resolve asks the provider owning pending to resolve it. When the provider
// fails, answers nothing or answers a different task, the gateway queries
// that provider type in full and picks the task by identity. A nil result
// with a nil error means no provider knows the task.
func (g *Gateway) Resolve(ctx context.Context, pending *task.PendingTask, req Request) (*task.ContributedTask, error) {
	typ := pending.ProviderType()
	if typ == "" {
		return nil, fmt.Errorf("%w: customizing entry without type", task.ErrInvalidIdentifier)
	}
	timeout, _, _, _ := g.settings()

	for _, e := range g.registry.eligible(typ, nil) {
		resolved, err := bounded(ctx, timeout, func(ctx context.Context) (*task.ContributedTask, error) {
			if err := e.activate(ctx); err != nil {
				return nil, fmt.Errorf("activate: %w", err)
			}
			return e.provider.ResolveTask(ctx, pending)
		})
		switch {
		case err != nil:
			g.logger.Warn("%v", &task.ProviderError{Type: typ, Err: fmt.Errorf("resolve %q: %w", pending.Label, err)})
		case resolved == nil:
		case resolved.Key() != pending.Key():
			g.logger.Debug("task provider %q resolved %q to a different task", typ, pending.Key())
		default:
			c := resolved.Clone().(*task.ContributedTask) //nolint:errcheck // Clone preserves the variant
			if c.Scope.IsZero() {
				c.Scope = pending.Scope
			}
			c.Source = task.SourceExtension
			return c, nil
		}
	}

	res := g.Query(ctx, typ, req)
	var fallback *task.ContributedTask
	for _, c := range res.Tasks {
		if c.Key() != pending.Key() {
			continue
		}
		if c.Scope.Key() == pending.Scope.Key() {
			return c, nil
		}
		if fallback == nil {
			fallback = c
		}
	}
	return fallback, nil
}

func validate(typ string, t task.Task) (*task.ContributedTask, error) {
	c, ok := t.(*task.ContributedTask)
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: got %T", task.ErrInvalidProviderTask, t)
	}
	if c.Identifier == nil || c.Identifier.Type != typ {
		got := ""
		if c.Identifier != nil {
			got = c.Identifier.Type
		}
		return nil, fmt.Errorf("%w: task %q has type %q", task.ErrInvalidProviderTask, c.Label, got)
	}
	return c.Clone().(*task.ContributedTask), nil //nolint:errcheck // Clone preserves the variant
}

func defaultScope(req Request) task.Scope {
	if len(req.Folders) > 0 {
		return req.Folders[0]
	}
	return task.UserScope()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, task.ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, errPanic):
		return "panic"
	default:
		return "error"
	}
}

var errPanic = errors.New("task provider panicked")

// bounded runs fn in its own goroutine and waits at most timeout for it.
// A panic in fn becomes an error. A provider that ignores its context is
// abandoned, not waited for.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		value T
		err   error
	}
	ch := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- answer{err: fmt.Errorf("%w: %v", errPanic, r)}
			}
		}()
		v, err := fn(ctx)
		ch <- answer{value: v, err: err}
	}()

	select {
	case a := <-ch:
		if a.err != nil && errors.Is(a.err, context.DeadlineExceeded) {
			return a.value, fmt.Errorf("%w after %s", task.ErrProviderTimeout, timeout)
		}
		return a.value, a.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", task.ErrProviderTimeout, timeout)
		}
		return zero, ctx.Err()
	}
}
