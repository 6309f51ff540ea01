// Package lifecycle consumes run events: it times runs, sends completion
// notifications and keeps persisted task records current.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/metrics"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/persist"
)

// NotifyDisabled turns completion notifications off.
const NotifyDisabled time.Duration = -1

// SourceLookup reports the run source recorded for a run.
type SourceLookup interface {
	RunSource(runID string) (task.RunSource, bool)
}

// Notifier receives completion notifications.
type Notifier interface {
	Notify(msg string)
}

// Tracker consumes the ordered event stream of all runs.
type Tracker struct {
	store    *persist.Store
	sources  SourceLookup
	notifier Notifier
	focused  func() bool
	now      func() time.Time

	logger  *logging.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	threshold  time.Duration
	persistent bool
	starts     map[string]time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNotifier sets the notification sink and the focus probe. A nil probe
// treats the surface as unfocused.
func WithNotifier(n Notifier, focused func() bool) Option {
	return func(t *Tracker) {
		t.notifier = n
		t.focused = focused
	}
}

// WithThreshold sets the minimum run time before a completion is
// notified: NotifyDisabled turns notifications off, 0 always notifies.
func WithThreshold(d time.Duration) Option {
	return func(t *Tracker) {
		t.threshold = d
	}
}

// WithPersistence enables persistent records for background tasks.
func WithPersistence(on bool) Option {
	return func(t *Tracker) {
		t.persistent = on
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// New creates a tracker writing to store.
func New(store *persist.Store, sources SourceLookup, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		sources:   sources,
		now:       time.Now,
		threshold: NotifyDisabled,
		starts:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.Null()
	}
	return t
}

// Reconfigure updates the notification threshold and persistence switch.
func (t *Tracker) Reconfigure(threshold time.Duration, persistent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.threshold = threshold
	t.persistent = persistent
}

// HandleEvent processes one event. Events of a run must arrive in order.
func (t *Tracker) HandleEvent(ctx context.Context, ev task.Event) {
	switch ev.Kind {
	case task.EventStart:
		t.started(ctx, ev)
	case task.EventProcessEnded, task.EventInactive:
		t.completed(ev)
	case task.EventTerminated:
		t.terminated(ctx, ev)
	case task.EventEnd:
		t.mu.Lock()
		delete(t.starts, ev.RunID)
		t.mu.Unlock()
	}
}

func (t *Tracker) started(ctx context.Context, ev task.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = t.now()
	}
	t.mu.Lock()
	t.starts[ev.RunID] = ts
	persistent := t.persistent
	t.mu.Unlock()

	if ev.Task == nil || t.store == nil {
		return
	}
	src := t.source(ev)
	if src != task.RunSourceReconnect && src != task.RunSourceChatAgent {
		if err := t.store.AddRecentlyUsed(ctx, ev.Task); err != nil {
			t.logger.Warn("recording recently used task %q: %v", ev.Task.Core().Label, err)
		}
	}

	b := ev.Task.Core()
	if persistent && b.IsBackground && b.Scope.Kind == task.ScopeFolder {
		if err := t.store.SetPersistent(ctx, ev.Task); err != nil {
			t.logger.Warn("persisting task %q: %v", b.Label, err)
		}
	}
}

func (t *Tracker) completed(ev task.Event) {
	t.mu.Lock()
	start, ok := t.starts[ev.RunID]
	threshold := t.threshold
	t.mu.Unlock()

	d := ev.Duration
	if d <= 0 && ok {
		d = t.now().Sub(start)
	}
	if ev.Kind == task.EventProcessEnded {
		t.metrics.ObserveRunDuration(d)
	}

	if threshold < 0 || d < threshold || ev.Task == nil || t.notifier == nil {
		return
	}
	if t.focused != nil && t.focused() {
		return
	}
	if t.source(ev) == task.RunSourceChatAgent {
		return
	}
	msg := fmt.Sprintf("Task %q finished in %s", ev.Task.Core().Label, FormatDuration(d))
	if ev.ExitCode != nil && *ev.ExitCode != 0 {
		msg = fmt.Sprintf("Task %q failed with exit code %d after %s", ev.Task.Core().Label, *ev.ExitCode, FormatDuration(d))
	}
	t.notifier.Notify(msg)
}

func (t *Tracker) terminated(ctx context.Context, ev task.Event) {
	if ev.Reason != task.TerminationUser && ev.Reason != task.TerminationShutdown {
		return
	}
	if ev.Task == nil || t.store == nil {
		return
	}
	if err := t.store.RemovePersistent(ctx, persist.KeyOf(ev.Task)); err != nil {
		t.logger.Warn("removing persisted task %q: %v", ev.Task.Core().Label, err)
	}
}

// source prefers the dispatcher's record; the event's own source covers
// runs whose Start event arrives before the dispatcher accepted them.
func (t *Tracker) source(ev task.Event) task.RunSource {
	if t.sources != nil {
		if src, ok := t.sources.RunSource(ev.RunID); ok {
			return src
		}
	}
	return ev.Source
}

// FormatDuration renders d as "1h 2m 3s", "4m 5s", "6s" or "789ms".
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if h > 0 || m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	parts = append(parts, fmt.Sprintf("%ds", s))
	return strings.Join(parts, " ")
}
