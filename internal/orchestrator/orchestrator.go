// Package orchestrator wires the task components into one long-lived
// instance and exposes the operations UI and automation layers consume.
//
// An Orchestrator owns every piece of mutable state: the provider
// registry, the task index, the instance policy engine, the persisted
// records and the event consumer. Its lifecycle is New, Init, Close.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dshills/taskd/internal/config"
	"github.com/dshills/taskd/internal/event"
	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/metrics"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/execution"
	"github.com/dshills/taskd/internal/task/index"
	"github.com/dshills/taskd/internal/task/lifecycle"
	"github.com/dshills/taskd/internal/task/persist"
	"github.com/dshills/taskd/internal/task/provider"
	"github.com/dshills/taskd/internal/task/resolve"
	"github.com/dshills/taskd/internal/task/taskconfig"
)

// Notifier surfaces warnings and completion notifications to the user.
type Notifier interface {
	Warn(msg string)
	Notify(msg string)
}

// Options configures an Orchestrator.
type Options struct {
	// Config holds the settings. Defaults to config.Default().
	Config *config.Config

	// ConfigPath is the settings file reloaded on change, if any.
	ConfigPath string

	// Startup tells whether this is a restart after a reload.
	Startup StartupKind

	// Bus carries run lifecycle events. Required; the backend publishes
	// on it.
	Bus *event.Bus

	// Backend executes runs. Required.
	Backend execution.Backend

	// Storage persists records. Defaults to in-memory storage.
	Storage persist.Storage

	// Providers are registered during Init.
	Providers []provider.Provider

	// Reader reads scope configuration. Defaults to a file reader over
	// the workspace.
	Reader taskconfig.Reader

	// Writer persists customizations. Defaults to Reader when it
	// implements taskconfig.Writer.
	Writer taskconfig.Writer

	// Prompter answers interactive questions; nil means none.
	Prompter execution.Prompter

	// Notifier receives warnings and completion notifications.
	Notifier Notifier

	// Saver saves dirty editor state before runs.
	Saver execution.Saver

	// Focused reports whether the user surface has focus.
	Focused func() bool

	// Watch enables reloading on configuration file changes.
	Watch bool

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Filter narrows ListTasks.
type Filter struct {
	// Type keeps tasks whose identifier has this type.
	Type string

	// Group keeps tasks of this group.
	Group task.Group

	// DefaultOnly keeps only the default task of Group.
	DefaultOnly bool

	// Scope keeps tasks of the scope with this key.
	Scope string
}

func (f Filter) match(t task.Task) bool {
	b := t.Core()
	if f.Type != "" && (b.Identifier == nil || b.Identifier.Type != f.Type) {
		return false
	}
	if f.Scope != "" && b.Scope.Key() != f.Scope {
		return false
	}
	return true
}

// Orchestrator is the task orchestration core.
type Orchestrator struct {
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu  sync.RWMutex
	cfg *config.Config

	definitions *task.DefinitionRegistry
	registry    *provider.Registry
	gateway     *provider.Gateway
	workspace   *index.Workspace
	reader      taskconfig.Reader
	writer      taskconfig.Writer
	index       *index.Index
	resolver    *resolve.Resolver
	dispatcher  *execution.Dispatcher
	store       *persist.Store
	tracker     *lifecycle.Tracker
	reconnect   *Coordinator
	bus         *event.Bus
	watcher     *config.Watcher

	subscription *event.Subscription
	unregister   []func()
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	initialized atomic.Bool
	closed      atomic.Bool
}

// New creates an orchestrator. Nothing runs until Init.
func New(opts Options) (*Orchestrator, error) {
	if opts.Bus == nil {
		return nil, &InitError{Component: "event bus", Err: ErrMissingComponent}
	}
	if opts.Backend == nil {
		return nil, &InitError{Component: "execution backend", Err: ErrMissingComponent}
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Null()
	}

	o := &Orchestrator{
		opts:    opts,
		logger:  opts.Logger.WithComponent("orchestrator"),
		metrics: opts.Metrics,
		cfg:     opts.Config,
		bus:     opts.Bus,
	}
	if err := o.bootstrap(); err != nil {
		return nil, err
	}
	return o, nil
}

// bootstrap builds the components in dependency order.
func (o *Orchestrator) bootstrap() error {
	cfg := o.cfg
	log := o.opts.Logger
	if cfg.Task.VerboseLogging {
		log.SetLevel(logging.LevelDebug)
	}

	// 1. Definitions and providers
	o.definitions = task.NewDefinitionRegistry()
	o.registry = provider.NewRegistry(o.definitions)
	o.gateway = provider.NewGateway(o.registry, append(gatewayOptions(cfg),
		provider.WithLogger(log.WithComponent("provider")),
		provider.WithMetrics(o.metrics),
	)...)

	// 2. Configuration scopes
	o.workspace = index.NewWorkspace(cfg.Workspace.Folders, cfg.Workspace.File)
	o.reader = o.opts.Reader
	if o.reader == nil {
		o.reader = taskconfig.NewFileReader(cfg.Workspace.UserDir, o.definitions)
	}
	o.writer = o.opts.Writer
	if o.writer == nil {
		if w, ok := o.reader.(taskconfig.Writer); ok {
			o.writer = w
		}
	}

	// 3. Index and resolver
	o.index = index.New(o.workspace, o.reader, taskconfig.NewParser(o.definitions), o.gateway,
		index.WithLogger(log.WithComponent("index")),
		index.WithMetrics(o.metrics),
	)
	o.registry.OnChange(func() { o.index.Invalidate("task providers changed") })
	o.resolver = resolve.New(o.index, o.gateway,
		resolve.WithFastPathTimeout(cfg.Task.FastPathTimeout()),
		resolve.WithLogger(log.WithComponent("resolve")),
		resolve.WithMetrics(o.metrics),
	)

	// 4. Persistence
	storage := o.opts.Storage
	if storage == nil {
		storage = persist.NewMemoryStorage()
	}
	o.store = persist.NewStore(storage,
		persist.WithRecentlyUsedLimit(cfg.Task.QuickOpenHistory),
		persist.WithPersistentLimit(cfg.Task.PersistentLimit),
		persist.WithLogger(log.WithComponent("persist")),
		persist.WithLegacyResolver(o.resolveLegacy),
	)

	// 5. Dispatch
	dopts := []execution.Option{
		execution.WithLogger(log.WithComponent("execution")),
		execution.WithMetrics(o.metrics),
	}
	if o.opts.Saver != nil {
		dopts = append(dopts, execution.WithSaver(o.opts.Saver, execution.ParseSavePolicy(cfg.Task.SaveBeforeRun)))
	}
	if o.opts.Prompter != nil {
		dopts = append(dopts, execution.WithPrompter(o.opts.Prompter))
	}
	if o.opts.Notifier != nil {
		dopts = append(dopts, execution.WithNotifier(o.opts.Notifier))
	}
	o.dispatcher = execution.NewDispatcher(o.opts.Backend, o.resolver, dopts...)

	// 6. Lifecycle tracking
	topts := []lifecycle.Option{
		lifecycle.WithThreshold(cfg.Task.NotifyThreshold()),
		lifecycle.WithPersistence(cfg.Task.Reconnection),
		lifecycle.WithLogger(log.WithComponent("lifecycle")),
		lifecycle.WithMetrics(o.metrics),
	}
	if o.opts.Notifier != nil {
		topts = append(topts, lifecycle.WithNotifier(o.opts.Notifier, o.opts.Focused))
	}
	o.tracker = lifecycle.New(o.store, o.dispatcher, topts...)

	// 7. Reconnection
	o.reconnect = NewCoordinator(o.store, o.resolver, o.dispatcher, o.opts.Startup, cfg.Task.Reconnection,
		log.WithComponent("reconnect"), o.metrics)

	return nil
}

func gatewayOptions(cfg *config.Config) []provider.Option {
	return []provider.Option{
		provider.WithTimeout(cfg.Task.ProviderTimeout()),
		provider.WithAutoDetect(cfg.Task.AutoDetectEnabled()),
		provider.WithSlowWarning(cfg.Task.SlowProviderThreshold(), cfg.Task.SlowProviderIgnore),
	}
}

// Init registers providers, starts the event consumer and the watcher,
// and starts reconnection in the background. ctx bounds the background
// work; Close cancels it.
func (o *Orchestrator) Init(ctx context.Context) error {
	if o.closed.Load() {
		return ErrClosed
	}
	if !o.initialized.CompareAndSwap(false, true) {
		return nil
	}

	sub, err := o.bus.Subscribe(event.TopicRun.Child(event.WildcardSingle), o.handleRunEvent)
	if err != nil {
		return &InitError{Component: "event consumer", Err: err}
	}
	o.subscription = sub

	for _, p := range o.opts.Providers {
		o.unregister = append(o.unregister, o.registry.Register(p))
	}
	o.registry.MarkReady()

	if o.opts.Watch {
		if err := o.startWatcher(); err != nil {
			o.logger.Warn("configuration watching disabled: %v", err)
		}
	}

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-o.registry.Ready():
		case <-bg.Done():
			return
		}
		if err := o.reconnect.Run(bg); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Warn("reconnecting to tasks: %v", err)
		}
	}()

	o.logger.Info("initialized with %d folders, %d providers (startup %s)",
		len(o.workspace.Folders()), o.registry.Len(), o.opts.Startup)
	return nil
}

// handleRunEvent feeds the tracker before the dispatcher, so the tracker
// still sees the run source on a run's final events.
func (o *Orchestrator) handleRunEvent(ctx context.Context, env event.Envelope) {
	ev, ok := env.Payload.(task.Event)
	if !ok {
		return
	}
	o.tracker.HandleEvent(ctx, ev)
	o.dispatcher.HandleEvent(ev)
}

// Close stops background work and unregisters providers. Active runs are
// left to the backend.
func (o *Orchestrator) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	var errs []error
	if o.watcher != nil {
		errs = append(errs, o.watcher.Close())
	}
	if o.subscription != nil {
		o.subscription.Unsubscribe()
	}
	for _, fn := range o.unregister {
		fn()
	}
	return errors.Join(errs...)
}

// Ready is closed once providers are registered and reconnection is done.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.reconnect.Done()
}

func (o *Orchestrator) waitReady(ctx context.Context) error {
	if o.closed.Load() {
		return ErrClosed
	}
	if !o.initialized.Load() {
		return ErrNotInitialized
	}
	for _, ch := range []<-chan struct{}{o.registry.Ready(), o.reconnect.Done()} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Config returns the current settings.
func (o *Orchestrator) Config() *config.Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// Workspace returns the workspace.
func (o *Orchestrator) Workspace() *index.Workspace {
	return o.workspace
}

// Diagnostics returns the problems found by the last index build.
func (o *Orchestrator) Diagnostics() []error {
	return o.index.Diagnostics()
}

// ListTasks returns the workspace tasks matching f, sorted.
func (o *Orchestrator) ListTasks(ctx context.Context, f Filter) ([]task.Task, error) {
	if err := o.waitReady(ctx); err != nil {
		return nil, err
	}

	var tasks []task.Task
	if f.Group != task.GroupNone {
		var err error
		if tasks, err = o.index.GetForGroup(ctx, f.Group, f.DefaultOnly); err != nil {
			return nil, err
		}
	} else {
		m, err := o.index.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		tasks = m.All()
	}

	out := slices.DeleteFunc(slices.Clone(tasks), func(t task.Task) bool { return !f.match(t) })
	if !f.DefaultOnly {
		task.Sort(out)
	}
	return out, nil
}

// Resolve finds the task named by id in scope; nil when unknown.
func (o *Orchestrator) Resolve(ctx context.Context, scope task.Scope, id task.Identity) (task.Task, error) {
	if err := o.waitReady(ctx); err != nil {
		return nil, err
	}
	return o.resolver.Resolve(ctx, scope, id)
}

// Run starts t once reconnection to runs left by a previous instance is
// done, so the instance limit counts them.
func (o *Orchestrator) Run(ctx context.Context, t task.Task, opts execution.Options, src task.RunSource) (*execution.Handle, error) {
	if err := o.waitReady(ctx); err != nil {
		return nil, err
	}
	return o.dispatcher.Run(ctx, t, opts, src)
}

// Terminate stops every active run of t on the user's behalf.
func (o *Orchestrator) Terminate(ctx context.Context, t task.Task) (execution.TerminateResult, error) {
	if o.closed.Load() {
		return execution.TerminateResult{}, ErrClosed
	}
	return o.dispatcher.TerminateTask(ctx, t, task.TerminationUser)
}

// TerminateRun stops one run on the user's behalf.
func (o *Orchestrator) TerminateRun(ctx context.Context, runID string) (execution.TerminateResult, error) {
	if o.closed.Load() {
		return execution.TerminateResult{}, ErrClosed
	}
	return o.dispatcher.Terminate(ctx, runID, task.TerminationUser)
}

// ActiveRuns returns every active run, oldest first.
func (o *Orchestrator) ActiveRuns() []*task.TaskRun {
	return o.dispatcher.ActiveRuns()
}

// BusyRuns returns the active runs doing work.
func (o *Orchestrator) BusyRuns() []*task.TaskRun {
	return o.dispatcher.BusyRuns()
}

// Customize applies overlay to t and returns the customized task. With
// save the overlay is written to the configuration of t's scope and the
// index is rebuilt from it.
func (o *Orchestrator) Customize(ctx context.Context, t task.Task, overlay task.Overlay, save bool) (task.Task, error) {
	if t == nil {
		return nil, task.ErrTaskNotFound
	}
	if p, ok := t.(*task.PendingTask); ok {
		c, err := o.resolver.Promote(ctx, p)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, p.Label)
		}
		t = c
	}

	b := t.Core()
	if !save {
		c, ok := t.(*task.ContributedTask)
		if !ok {
			return nil, fmt.Errorf("customize %q: only provider tasks can be customized without persisting", b.Label)
		}
		return task.Merge(c, &task.PendingTask{Overlay: overlay}), nil
	}

	if o.writer == nil {
		return nil, fmt.Errorf("customize %q: configuration is read-only", b.Label)
	}
	if b.Identifier == nil {
		return nil, fmt.Errorf("customize %q: %w", b.Label, task.ErrInvalidIdentifier)
	}
	if err := o.writer.Customize(ctx, b.Scope, b.Identifier, taskconfig.OverlayProperties(overlay)); err != nil {
		return nil, &task.UserError{
			Message: fmt.Sprintf("Could not save the customization of %q.", b.Label),
			LogRef:  "taskd log",
			Err:     err,
		}
	}
	o.index.Invalidate("task customized")

	m, err := o.index.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if found := index.FindInScope(m, b.Scope.Key(), task.KeyedIdentity(b.Identifier)); found != nil {
		p, ok := found.(*task.PendingTask)
		if !ok {
			return found, nil
		}
		c, err := o.resolver.Promote(ctx, p)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, b.Label)
}

// Saved returns the persisted records of kind.
func (o *Orchestrator) Saved(ctx context.Context, kind persist.Kind) ([]persist.Descriptor, error) {
	return o.store.Saved(ctx, kind)
}

// RecentlyUsed returns the recently used tasks that still exist, most
// recent first.
func (o *Orchestrator) RecentlyUsed(ctx context.Context) ([]task.Task, error) {
	records, err := o.store.RecentlyUsed(ctx)
	if err != nil {
		return nil, err
	}
	if err := o.waitReady(ctx); err != nil {
		return nil, err
	}

	var out []task.Task
	for _, d := range records {
		if d.Identifier == nil {
			continue
		}
		t, err := o.resolver.Resolve(ctx, d.Scope, task.KeyedIdentity(d.Identifier))
		if err != nil {
			return nil, err
		}
		if t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// RunAutomaticTasks runs the workspace tasks marked to run on folder open,
// unless automatic tasks are disabled.
func (o *Orchestrator) RunAutomaticTasks(ctx context.Context) ([]*execution.Handle, error) {
	if !o.Config().Task.AutomaticTasksAllowed() {
		o.logger.Debug("automatic tasks disabled")
		return nil, nil
	}
	tasks, err := o.ListTasks(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	var (
		handles []*execution.Handle
		errs    []error
	)
	for _, t := range tasks {
		b := t.Core()
		if b.RunOptions.RunOn != task.RunOnFolderOpen || b.Scope.Kind == task.ScopeUser {
			continue
		}
		h, err := o.dispatcher.Run(ctx, t, execution.Options{}, task.RunSourceFolderOpen)
		if err != nil {
			errs = append(errs, fmt.Errorf("automatic task %q: %w", b.Label, err))
			continue
		}
		handles = append(handles, h)
	}
	return handles, errors.Join(errs...)
}

// Rerun runs the task of a previous run again. An empty runID reruns the
// last run. Tasks that reevaluate on rerun are resolved again first.
func (o *Orchestrator) Rerun(ctx context.Context, runID string) (*execution.Handle, error) {
	var run *task.TaskRun
	if runID == "" {
		run = o.dispatcher.LastRun()
	} else {
		run, _ = o.dispatcher.Lookup(runID)
	}
	if run == nil || run.Task == nil {
		return nil, fmt.Errorf("%w: run %q", task.ErrTaskNotFound, runID)
	}

	t := run.Task
	if b := t.Core(); b.RunOptions.ReevaluateOnRerun {
		id := task.NameIdentity(b.Label)
		if b.Identifier != nil {
			id = task.KeyedIdentity(b.Identifier)
		}
		fresh, err := o.Resolve(ctx, b.Scope, id)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, b.Label)
		}
		t = fresh
	}
	return o.Run(ctx, t, execution.Options{}, task.RunSourceUser)
}

// Reload applies new settings to the running components.
func (o *Orchestrator) Reload(cfg *config.Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()

	if cfg.Task.VerboseLogging {
		o.opts.Logger.SetLevel(logging.LevelDebug)
	} else {
		o.opts.Logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	}
	o.gateway.Reconfigure(gatewayOptions(cfg)...)
	o.tracker.Reconfigure(cfg.Task.NotifyThreshold(), cfg.Task.Reconnection)
	o.workspace.SetFolders(cfg.Workspace.Folders)
	o.index.Invalidate("settings changed")
	o.logger.Info("settings reloaded")
}

// resolveLegacy maps a legacy history key, a task label or id, to a task
// in any scope.
func (o *Orchestrator) resolveLegacy(ctx context.Context, key string) task.Task {
	m, err := o.index.GetAll(ctx)
	if err != nil {
		return nil
	}
	return resolve.Lookup(m, task.Scope{}, task.NameIdentity(key))
}
