// Package index builds and caches the workspace-wide task map.
//
// A full build reads the configuration of every scope, queries every
// provider, merges customizations into contributed tasks per scope and
// links composite tasks. Concurrent callers share one in-flight build;
// invalidation starts a new generation so a stale build is never cached.
package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/metrics"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/provider"
	"github.com/dshills/taskd/internal/task/taskconfig"
)

// Index is the workspace task index.
type Index struct {
	workspace *Workspace
	reader    taskconfig.Reader
	parser    taskconfig.Parser
	gateway   *provider.Gateway
	logger    *logging.Logger
	metrics   *metrics.Metrics

	flight singleflight.Group

	mu          sync.RWMutex
	generation  uint64
	cached      *task.TaskMap
	cachedGen   uint64
	contributed map[string][]*task.ContributedTask
	diagnostics []error
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(i *Index) {
		i.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Index) {
		i.metrics = m
	}
}

// New creates an index. Folder changes in ws invalidate it.
func New(ws *Workspace, reader taskconfig.Reader, parser taskconfig.Parser, gateway *provider.Gateway, opts ...Option) *Index {
	i := &Index{
		workspace:  ws,
		reader:     reader,
		parser:     parser,
		gateway:    gateway,
		generation: 1,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = logging.Null()
	}
	ws.OnChange(func() { i.Invalidate("workspace folders changed") })
	return i
}

// Workspace returns the indexed workspace.
func (i *Index) Workspace() *Workspace {
	return i.workspace
}

// Invalidate drops the cached map. The next GetAll rebuilds it.
func (i *Index) Invalidate(reason string) {
	i.mu.Lock()
	i.generation++
	i.cached = nil
	i.mu.Unlock()
	i.logger.Debug("task index invalidated: %s", reason)
}

// GetAll returns the full task map, building it if needed.
func (i *Index) GetAll(ctx context.Context) (*task.TaskMap, error) {
	i.mu.RLock()
	gen := i.generation
	if i.cached != nil && i.cachedGen == gen {
		m := i.cached
		i.mu.RUnlock()
		return m, nil
	}
	i.mu.RUnlock()

	ch := i.flight.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		i.mu.RLock()
		if i.cached != nil && i.cachedGen == gen {
			m := i.cached
			i.mu.RUnlock()
			return m, nil
		}
		i.mu.RUnlock()
		return i.build(context.WithoutCancel(ctx), gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*task.TaskMap), nil //nolint:errcheck // build only returns *task.TaskMap
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Known returns the tasks known without querying providers: freshly read
// configuration merged with what providers contributed to the last build.
func (i *Index) Known(ctx context.Context) (*task.TaskMap, error) {
	i.mu.RLock()
	if i.cached != nil && i.cachedGen == i.generation {
		m := i.cached
		i.mu.RUnlock()
		return m, nil
	}
	contributed := i.contributed
	i.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Problems are reported by the build of this generation, not here.
	m, _ := i.assemble(i.readScopes(ctx, i.workspace.Scopes()), contributed, logging.Null())
	return m, nil
}

// Diagnostics returns the problems found by the last build.
func (i *Index) Diagnostics() []error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]error(nil), i.diagnostics...)
}

// GetForGroup returns the tasks of group in scope order, collapsing tasks
// that share a canonical key. With defaultOnly it returns only the first
// default task of the group.
func (i *Index) GetForGroup(ctx context.Context, group task.Group, defaultOnly bool) ([]task.Task, error) {
	m, err := i.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if defaultOnly {
		if t := task.DefaultForGroup(m.All(), group); t != nil {
			return []task.Task{t}, nil
		}
		return nil, nil
	}

	seen := make(map[string]bool)
	var out []task.Task
	for _, t := range m.All() {
		if t.Core().Group != group || seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		out = append(out, t)
	}
	return out, nil
}

// GetByScopeAndIdentity finds a task of scope. Configured tasks take
// precedence over contributed ones.
func (i *Index) GetByScopeAndIdentity(ctx context.Context, scope task.Scope, id task.Identity) (task.Task, error) {
	m, err := i.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return FindInScope(m, scope.Key(), id), nil
}

// FindInScope looks id up in one scope of m, configured tasks first.
func FindInScope(m *task.TaskMap, scopeKey string, id task.Identity) task.Task {
	var contributed task.Task
	for _, t := range m.Get(scopeKey) {
		if !task.Matches(t, id) {
			continue
		}
		switch t.(type) {
		case *task.ConfiguredTask, *task.SyntheticTask:
			return t
		case *task.ContributedTask, *task.PendingTask:
			if contributed == nil {
				contributed = t
			}
		}
	}
	return contributed
}

func (i *Index) build(ctx context.Context, gen uint64) (*task.TaskMap, error) {
	start := time.Now()
	scopes := i.workspace.Scopes()

	var (
		res     provider.Result
		configs []scopeConfig
		eg      errgroup.Group
	)
	eg.Go(func() error {
		res = i.gateway.Query(ctx, "", provider.Request{Folders: i.workspace.Folders()})
		return nil
	})
	eg.Go(func() error {
		configs = i.readScopes(ctx, scopes)
		return nil
	})
	_ = eg.Wait()

	contributed := make(map[string][]*task.ContributedTask)
	for _, c := range res.Tasks {
		key := c.Scope.Key()
		contributed[key] = append(contributed[key], c)
	}

	m, diags := i.assemble(configs, contributed, i.logger)
	for _, perr := range res.Errors {
		diags = append(diags, perr)
	}

	i.mu.Lock()
	if gen == i.generation {
		i.cached = m
		i.cachedGen = gen
		i.contributed = contributed
		i.diagnostics = diags
	}
	i.mu.Unlock()

	i.metrics.ObserveIndexBuild(time.Since(start), m.Len())
	i.logger.Debug("task index built: %d tasks in %d scopes (%s)", m.Len(), len(m.Keys()), time.Since(start).Round(time.Millisecond))
	return m, nil
}

// scopeConfig is the parsed configuration of one scope.
type scopeConfig struct {
	scope  task.Scope
	parsed *taskconfig.ParseResult
	err    error
}

func (i *Index) readScopes(ctx context.Context, scopes []task.Scope) []scopeConfig {
	configs := make([]scopeConfig, len(scopes))
	for n, scope := range scopes {
		parsed, err := i.readScope(ctx, scope)
		configs[n] = scopeConfig{scope: scope, parsed: parsed, err: err}
	}
	return configs
}

func (i *Index) readScope(ctx context.Context, scope task.Scope) (*taskconfig.ParseResult, error) {
	raw, err := i.reader.ReadConfig(ctx, scope)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return &taskconfig.ParseResult{}, nil
	}
	parsed, err := i.parser.Parse(scope, raw)
	if err != nil {
		return nil, &task.ConfigParseError{Scope: scope, Path: raw.Path, Err: err}
	}
	return parsed, nil
}

// assemble merges every scope's configuration with the contributed tasks.
// Problems are logged to log and returned; they never fail the build. A
// scope whose configuration failed keeps its contributed tasks only.
func (i *Index) assemble(configs []scopeConfig, contributed map[string][]*task.ContributedTask, log *logging.Logger) (*task.TaskMap, []error) {
	var diags []error
	m := task.NewTaskMap()

	for _, sc := range configs {
		scope, parsed := sc.scope, sc.parsed
		if sc.err != nil {
			var perr *task.ConfigParseError
			if errors.As(sc.err, &perr) {
				log.Warn("%v", sc.err)
			} else {
				log.Error("read task configuration of %s: %v", scope.Key(), sc.err)
			}
			diags = append(diags, sc.err)
			parsed = &taskconfig.ParseResult{}
		}
		for _, problem := range parsed.Problems {
			log.Warn("task configuration %s: %s", scope.Key(), problem)
		}

		merged, dangling := MergeScope(parsed.Overlays, contributed[scope.Key()])
		for _, o := range dangling {
			derr := fmt.Errorf("%w: customization %q in %s matches no contributed task", task.ErrTaskNotFound, o.Key(), scope.Key())
			log.Warn("%v", derr)
			diags = append(diags, derr)
		}

		m.Add(scope.Key(), parsed.Configured...)
		m.Add(scope.Key(), merged...)
	}

	for _, missing := range linkComposites(m) {
		log.Warn("composite task dependency not found: %s", missing)
	}
	return m, diags
}
