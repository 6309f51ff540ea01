package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/metrics"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/execution"
	"github.com/dshills/taskd/internal/task/persist"
)

// StartupKind tells the coordinator how the host started.
type StartupKind int

const (
	// StartupCold is a fresh start; nothing survived.
	StartupCold StartupKind = iota
	// StartupReload is a restart after a reload; persistent tasks may
	// still be running.
	StartupReload
)

// String returns the startup kind name.
func (k StartupKind) String() string {
	if k == StartupReload {
		return "reload"
	}
	return "cold"
}

// Runner issues runs. *execution.Dispatcher implements it.
type Runner interface {
	Run(ctx context.Context, t task.Task, opts execution.Options, src task.RunSource) (*execution.Handle, error)
}

// Promoter resolves customizing entries. *resolve.Resolver implements it.
type Promoter interface {
	Promote(ctx context.Context, p *task.PendingTask) (*task.ContributedTask, error)
}

var errUnresolved = errors.New("persisted task no longer resolves")

// Coordinator reattaches to persistent tasks once at startup.
type Coordinator struct {
	store    *persist.Store
	promoter Promoter
	runner   Runner
	startup  StartupKind
	enabled  bool

	logger  *logging.Logger
	metrics *metrics.Metrics

	started atomic.Bool
	once    sync.Once
	done    chan struct{}
}

// NewCoordinator creates a coordinator. enabled mirrors the reconnection
// setting.
func NewCoordinator(store *persist.Store, promoter Promoter, runner Runner, startup StartupKind, enabled bool, logger *logging.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = logging.Null()
	}
	return &Coordinator{
		store:    store,
		promoter: promoter,
		runner:   runner,
		startup:  startup,
		enabled:  enabled,
		logger:   logger,
		metrics:  m,
		done:     make(chan struct{}),
	}
}

// Done is closed once reconnection has completed or was skipped.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) signal() {
	c.once.Do(func() { close(c.done) })
}

// Run reconnects to every persistent record. On a cold start, or with
// reconnection disabled, the records are cleared instead. Only the first
// call does any work. Records that no longer resolve or fail to reconnect
// are removed.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	defer c.signal()

	if c.startup == StartupCold || !c.enabled {
		c.logger.Debug("clearing persistent tasks (startup %s, reconnection %t)", c.startup, c.enabled)
		return c.store.ClearPersistent(ctx)
	}

	records, err := c.store.Persistent(ctx)
	if err != nil {
		return err
	}
	for _, d := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.reconnect(ctx, d); err != nil {
			c.logger.Debug("dropping persistent task %q: %v", d.Label, err)
			c.metrics.ObserveReconnect("dropped")
			if err := c.store.RemovePersistent(ctx, d.Key()); err != nil {
				c.logger.Warn("removing persistent task %q: %v", d.Label, err)
			}
			continue
		}
		c.metrics.ObserveReconnect("reconnected")
	}
	return nil
}

func (c *Coordinator) reconnect(ctx context.Context, d persist.Descriptor) error {
	t := d.Task()
	if p, ok := t.(*task.PendingTask); ok {
		resolved, err := c.promoter.Promote(ctx, p)
		if err != nil {
			return err
		}
		if resolved == nil {
			return errUnresolved
		}
		t = resolved
	}
	_, err := c.runner.Run(ctx, t, execution.Options{}, task.RunSourceReconnect)
	return err
}
