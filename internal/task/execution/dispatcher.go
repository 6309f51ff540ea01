package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/metrics"
	"github.com/dshills/taskd/internal/task"
)

// Options are per-request run options.
type Options struct {
	// Prompter overrides the dispatcher's prompter for this request.
	Prompter Prompter
}

// Handle describes the outcome of a run request.
type Handle struct {
	// Runs are the started runs; composites start one per member.
	Runs []*task.TaskRun

	// Dropped is set when an instance policy dropped the request.
	Dropped bool

	// Warning is the message surfaced by a warn policy.
	Warning string
}

// Dispatcher turns resolved tasks into backend runs.
type Dispatcher struct {
	backend  Backend
	resolver Resolver
	engine   *Engine

	saver      Saver
	savePolicy SavePolicy
	prompter   Prompter
	notifier   Notifier

	logger  *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	sources map[string]task.RunSource
	busy    map[string]bool
	last    *task.TaskRun
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSaver sets the saver and its policy.
func WithSaver(s Saver, policy SavePolicy) Option {
	return func(d *Dispatcher) {
		d.saver = s
		d.savePolicy = policy
	}
}

// WithPrompter sets the default prompter.
func WithPrompter(p Prompter) Option {
	return func(d *Dispatcher) {
		d.prompter = p
	}
}

// WithNotifier sets the notifier for warnings.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) {
		d.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(backend Backend, resolver Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend:    backend,
		resolver:   resolver,
		engine:     NewEngine(),
		savePolicy: SaveAlways,
		sources:    make(map[string]task.RunSource),
		busy:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.Null()
	}
	return d
}

// Engine returns the instance policy engine.
func (d *Dispatcher) Engine() *Engine {
	return d.engine
}

// Run starts t. A nil task fails with task.ErrTaskNotFound; customizing
// entries are promoted first. Runs from the Reconnect source reattach to
// an external run instead of starting a new one. Backend errors are
// returned unchanged.
func (d *Dispatcher) Run(ctx context.Context, t task.Task, opts Options, src task.RunSource) (*Handle, error) {
	if t == nil {
		return nil, task.ErrTaskNotFound
	}
	prompter := opts.Prompter
	if prompter == nil {
		prompter = d.prompter
	}

	if p, ok := t.(*task.PendingTask); ok {
		c, err := d.resolver.Promote(ctx, p)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, p.Label)
		}
		t = c
	}

	if src == task.RunSourceReconnect {
		return d.reconnect(ctx, t)
	}

	saved, err := d.saveBeforeRun(ctx, t, prompter)
	if err != nil {
		return nil, err
	}
	if saved && src == task.RunSourceUser {
		t = d.reresolve(ctx, t)
	}

	h := &Handle{}
	if err := d.start(ctx, t, src, prompter, h, make(map[string]bool)); err != nil {
		return h, err
	}
	return h, nil
}

func (d *Dispatcher) start(ctx context.Context, t task.Task, src task.RunSource, p Prompter, h *Handle, visited map[string]bool) error {
	switch t := t.(type) {
	case *task.SyntheticTask:
		key := instanceKey(t)
		if visited[key] {
			d.logger.Warn("composite task %q depends on itself", t.Label)
			return nil
		}
		visited[key] = true
		if len(t.Members) == 0 {
			return fmt.Errorf("%w: composite %q has no runnable members", task.ErrTaskNotFound, t.Label)
		}
		for _, m := range t.Members {
			if err := d.start(ctx, m, src, p, h, visited); err != nil {
				return err
			}
		}
		return nil
	case *task.PendingTask:
		c, err := d.resolver.Promote(ctx, t)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: %s", task.ErrTaskNotFound, t.Label)
		}
		return d.start(ctx, c, src, p, h, visited)
	}
	return d.startOne(ctx, t, src, p, h)
}

func (d *Dispatcher) startOne(ctx context.Context, t task.Task, src task.RunSource, p Prompter, h *Handle) error {
	dec, err := d.engine.Admit(ctx, t, p)
	if err != nil {
		d.metrics.ObservePolicy(string(t.Core().RunOptions.InstancePolicy), "conflict")
		return err
	}
	if dec.Policy != "" {
		d.metrics.ObservePolicy(string(dec.Policy), dec.Outcome.String())
	}

	switch dec.Outcome {
	case OutcomeDrop:
		h.Dropped = true
		if dec.Warning != "" {
			h.Warning = dec.Warning
			if d.notifier != nil {
				d.notifier.Warn(dec.Warning)
			}
		}
		d.logger.Debug("run of %q dropped by %s policy", t.Core().Label, dec.Policy)
		return nil

	case OutcomeTerminateThenStart:
		res, err := d.backend.Terminate(ctx, dec.Terminate.RunID, task.TerminationPolicy)
		if err != nil {
			d.engine.Abort(dec, false)
			return err
		}
		if res.Success {
			d.engine.Finished(dec.Terminate.RunID)
		} else {
			d.engine.Resume(dec.Terminate.RunID)
			d.logger.Warn("could not terminate run %s of %q", dec.Terminate.RunID, t.Core().Label)
		}
	}

	run, err := d.backend.Run(ctx, t, src)
	if err != nil {
		d.engine.Abort(dec, dec.Terminate != nil)
		return err
	}
	if run.Started.IsZero() {
		run.Started = time.Now()
	}
	run.Source = src
	d.engine.Started(dec, run)
	d.accepted(run)
	h.Runs = append(h.Runs, run)
	d.logger.Info("started %q (run %s, source %s)", t.Core().Label, run.RunID, src)
	return nil
}

func (d *Dispatcher) reconnect(ctx context.Context, t task.Task) (*Handle, error) {
	run, err := d.backend.Reconnect(ctx, t)
	if err != nil {
		return nil, err
	}
	run.Source = task.RunSourceReconnect
	d.engine.Track(run)
	d.accepted(run)
	d.logger.Info("reconnected to %q (run %s)", t.Core().Label, run.RunID)
	return &Handle{Runs: []*task.TaskRun{run}}, nil
}

func (d *Dispatcher) accepted(run *task.TaskRun) {
	d.mu.Lock()
	d.sources[run.RunID] = run.Source
	d.busy[run.RunID] = true
	d.last = run
	d.mu.Unlock()
	d.metrics.ObserveRun(run.Source.String())
	d.metrics.SetActiveRuns(len(d.engine.Runs()))
}

func (d *Dispatcher) saveBeforeRun(ctx context.Context, t task.Task, p Prompter) (bool, error) {
	if d.saver == nil || d.savePolicy == SaveNever || !d.saver.Dirty() {
		return false, nil
	}
	if d.savePolicy == SavePrompt {
		if p == nil {
			return false, nil
		}
		ok, err := p.ConfirmSave(ctx, t)
		if err != nil || !ok {
			return false, err
		}
	}
	if err := d.saver.SaveAll(ctx); err != nil {
		return false, fmt.Errorf("save before run: %w", err)
	}
	return true, nil
}

// reresolve looks t up again after a save; the saved files may have
// changed its definition.
func (d *Dispatcher) reresolve(ctx context.Context, t task.Task) task.Task {
	b := t.Core()
	id := task.NameIdentity(b.Label)
	if b.Identifier != nil {
		id = task.KeyedIdentity(b.Identifier)
	}
	fresh, err := d.resolver.Resolve(ctx, b.Scope, id)
	if err != nil || fresh == nil {
		if err != nil {
			d.logger.Debug("re-resolving %q: %v", b.Label, err)
		}
		return t
	}
	return fresh
}

// Terminate stops the run with runID.
func (d *Dispatcher) Terminate(ctx context.Context, runID string, reason task.TerminationReason) (TerminateResult, error) {
	if _, ok := d.engine.Run(runID); !ok {
		return TerminateResult{}, fmt.Errorf("%w: no active run %q", task.ErrTaskNotFound, runID)
	}
	d.engine.Terminating(runID)
	res, err := d.backend.Terminate(ctx, runID, reason)
	if err != nil || !res.Success {
		d.engine.Resume(runID)
	}
	return res, err
}

// TerminateTask stops every active run of t.
func (d *Dispatcher) TerminateTask(ctx context.Context, t task.Task, reason task.TerminationReason) (TerminateResult, error) {
	runs := d.engine.Active(t)
	if len(runs) == 0 {
		return TerminateResult{}, fmt.Errorf("%w: %q is not running", task.ErrTaskNotFound, t.Core().Label)
	}
	res := TerminateResult{Success: true}
	var errs []error
	for _, r := range runs {
		one, err := d.Terminate(ctx, r.RunID, reason)
		if err != nil {
			errs = append(errs, err)
			res.Success = false
			continue
		}
		res.Success = res.Success && one.Success
		res.ExitCode = one.ExitCode
	}
	return res, errors.Join(errs...)
}

// ActiveRuns returns every active run, oldest first.
func (d *Dispatcher) ActiveRuns() []*task.TaskRun {
	return d.engine.Runs()
}

// BusyRuns returns the active runs that are doing work: foreground runs
// and background runs that have not gone inactive.
func (d *Dispatcher) BusyRuns() []*task.TaskRun {
	runs := d.engine.Runs()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := runs[:0]
	for _, r := range runs {
		if !r.Task.Core().IsBackground || d.busy[r.RunID] {
			out = append(out, r)
		}
	}
	return out
}

// RunSource returns the source recorded for runID.
func (d *Dispatcher) RunSource(runID string) (task.RunSource, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.sources[runID]
	return src, ok
}

// LastRun returns the most recently accepted run.
func (d *Dispatcher) LastRun() *task.TaskRun {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Lookup returns the active run with runID, or the last run if it matches.
func (d *Dispatcher) Lookup(runID string) (*task.TaskRun, bool) {
	if r, ok := d.engine.Run(runID); ok {
		return r, true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last != nil && d.last.RunID == runID {
		return d.last, true
	}
	return nil, false
}

// HandleEvent updates run bookkeeping from a backend lifecycle event.
func (d *Dispatcher) HandleEvent(ev task.Event) {
	switch ev.Kind {
	case task.EventStart:
		if _, ok := d.engine.Run(ev.RunID); ok || ev.Task == nil {
			return
		}
		d.engine.Track(&task.TaskRun{RunID: ev.RunID, Task: ev.Task, Started: ev.Timestamp, Source: ev.Source})
		d.mu.Lock()
		if _, ok := d.sources[ev.RunID]; !ok {
			d.sources[ev.RunID] = ev.Source
		}
		d.busy[ev.RunID] = true
		d.mu.Unlock()
	case task.EventActive:
		d.mu.Lock()
		d.busy[ev.RunID] = true
		d.mu.Unlock()
	case task.EventInactive:
		d.mu.Lock()
		d.busy[ev.RunID] = false
		d.mu.Unlock()
	case task.EventTerminated:
		d.engine.Terminating(ev.RunID)
	case task.EventEnd:
		d.engine.Finished(ev.RunID)
		d.mu.Lock()
		delete(d.sources, ev.RunID)
		delete(d.busy, ev.RunID)
		d.mu.Unlock()
		d.metrics.SetActiveRuns(len(d.engine.Runs()))
	}
}
