package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/taskd/internal/config"
	"github.com/dshills/taskd/internal/event"
	"github.com/dshills/taskd/internal/logging"
	"github.com/dshills/taskd/internal/task"
	"github.com/dshills/taskd/internal/task/execution"
	"github.com/dshills/taskd/internal/task/persist"
)

const (
	// keptOutputs bounds the finished runs whose output is kept.
	keptOutputs = 64

	publishTimeout = 5 * time.Second
)

// Config configures the backend.
type Config struct {
	// Shell runs shell tasks.
	Shell string

	// ShellArgs precede the command line of shell tasks.
	ShellArgs []string

	// Env is added to the environment of every run.
	Env map[string]string

	// OutputLines is the number of output lines kept per run.
	OutputLines int

	// KillGrace is how long a terminated run may take to exit after
	// SIGTERM before it is killed.
	KillGrace time.Duration

	// PollInterval is how often a reattached process is checked.
	PollInterval time.Duration
}

// DefaultConfig returns the default backend configuration.
func DefaultConfig() Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return Config{
		Shell:        shell,
		ShellArgs:    []string{"-c"},
		OutputLines:  1000,
		KillGrace:    5 * time.Second,
		PollInterval: time.Second,
	}
}

// ConfigFrom returns the backend configuration for the daemon settings.
func ConfigFrom(c config.ExecutionConfig) Config {
	cfg := DefaultConfig()
	if c.Shell != "" {
		cfg.Shell = c.Shell
	}
	if c.ShellArgs != nil {
		cfg.ShellArgs = slices.Clone(c.ShellArgs)
	}
	cfg.OutputLines = c.OutputLines
	return cfg
}

// Option configures a Backend.
type Option func(*Backend)

// WithConfig sets the backend configuration.
func WithConfig(cfg Config) Option {
	return func(b *Backend) { b.cfg = cfg }
}

// WithStorage records running processes in s for Reconnect.
func WithStorage(s persist.Storage) Option {
	return func(b *Backend) { b.storage = s }
}

// WithVariables sets the variable resolver.
func WithVariables(v *Variables) Option {
	return func(b *Backend) { b.vars = v }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// Backend runs tasks as local processes. It implements execution.Backend.
type Backend struct {
	cfg     Config
	bus     *event.Bus
	vars    *Variables
	storage persist.Storage
	logger  *logging.Logger

	mu       sync.Mutex
	runs     map[string]*run
	outputs  map[string]*Output
	finished []string
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ execution.Backend = (*Backend)(nil)

// run is one process, started here or reattached.
type run struct {
	id      string
	task    task.Task
	source  task.RunSource
	started time.Time
	pid     int
	cmd     *exec.Cmd
	record  string
	done    chan struct{}

	mu         sync.Mutex
	terminated bool
	reason     task.TerminationReason
	exitCode   *int
}

func (r *run) taskRun() *task.TaskRun {
	return &task.TaskRun{RunID: r.id, Task: r.task, Started: r.started, Source: r.source, Handle: r.pid}
}

// record is the persisted form of a running process.
type record struct {
	RunID   string    `json:"runId"`
	PID     int       `json:"pid"`
	Label   string    `json:"label"`
	Started time.Time `json:"started"`
}

// New creates a backend publishing lifecycle events on bus.
func New(bus *event.Bus, opts ...Option) *Backend {
	b := &Backend{
		cfg:     DefaultConfig(),
		bus:     bus,
		logger:  logging.Null(),
		runs:    make(map[string]*run),
		outputs: make(map[string]*Output),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.vars == nil {
		b.vars = NewVariables()
	}
	if b.cfg.PollInterval <= 0 {
		b.cfg.PollInterval = time.Second
	}
	return b
}

// Run implements execution.Backend.
func (b *Backend) Run(ctx context.Context, t task.Task, src task.RunSource) (*task.TaskRun, error) {
	spec, ok := task.ExecutionOf(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s task %q", ErrNotExecutable, t.Kind(), t.Core().Label)
	}
	cmd, err := b.command(t.Core().Scope, spec)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", t.Core().Label, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	r := &run{
		id:     uuid.NewString(),
		task:   t,
		source: src,
		cmd:    cmd,
		done:   make(chan struct{}),
	}
	out := NewOutput(b.cfg.OutputLines)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if err := cmd.Start(); err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("start %q: %w", t.Core().Label, err)
	}
	r.started = time.Now()
	r.pid = cmd.Process.Pid
	b.runs[r.id] = r
	b.outputs[r.id] = out
	b.wg.Add(1)
	b.mu.Unlock()

	b.remember(ctx, r)
	b.publish(b.event(task.EventStart, r))
	b.publish(b.event(task.EventProcessStarted, r))
	b.logger.Debug("started %q as pid %d (run %s)", t.Core().Label, r.pid, r.id)

	go b.wait(r, out, stdout, stderr)
	return r.taskRun(), nil
}

// command builds the process of an execution.
func (b *Backend) command(scope task.Scope, spec task.Execution) (*exec.Cmd, error) {
	command := strings.TrimSpace(b.vars.Resolve(spec.Command, scope))
	if command == "" {
		return nil, ErrEmptyCommand
	}
	args := make([]string, len(spec.Args))
	for i, arg := range spec.Args {
		args[i] = b.vars.Resolve(arg, scope)
	}

	var cmd *exec.Cmd
	if spec.Shell {
		// The command is a command line; only the arguments are quoted.
		line := command
		for _, arg := range args {
			line += " " + shellEscape(arg)
		}
		cmd = exec.Command(b.cfg.Shell, append(slices.Clone(b.cfg.ShellArgs), line)...)
	} else {
		cmd = exec.Command(command, args...)
	}

	cwd := b.vars.Resolve(spec.Cwd, scope)
	if cwd == "" && scope.Kind == task.ScopeFolder {
		cwd = scope.Path()
	}
	cmd.Dir = cwd
	cmd.Env = b.environment(spec.Env, scope)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// environment builds the process environment. Precedence, highest first:
// task env, backend env, the daemon's environment.
func (b *Backend) environment(env map[string]string, scope task.Scope) []string {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = v
		}
	}
	for k, v := range b.cfg.Env {
		vars[k] = b.vars.Resolve(v, scope)
	}
	for k, v := range env {
		vars[k] = b.vars.Resolve(v, scope)
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

// shellEscape quotes s for a POSIX shell unless it is plainly safe.
func shellEscape(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsFunc(s, func(c rune) bool { return !isShellSafe(c) }) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSafe(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '/' || c == '=' || c == ','
}

// wait drains the output of a started run, reaps it and reports its end.
func (b *Backend) wait(r *run, out *Output, stdout, stderr io.Reader) {
	defer b.wg.Done()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		if err := out.Read(stdout, Stdout); err != nil {
			b.logger.Debug("reading stdout of run %s: %v", r.id, err)
		}
	}()
	go func() {
		defer readers.Done()
		if err := out.Read(stderr, Stderr); err != nil {
			b.logger.Debug("reading stderr of run %s: %v", r.id, err)
		}
	}()
	readers.Wait()

	code := exitCode(r.cmd.Wait())
	b.finish(r, &code)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// watch polls a reattached process until it exits or the backend stops.
func (b *Backend) watch(r *run) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if !alive(r.pid) {
				b.finish(r, nil)
				return
			}
		}
	}
}

// alive reports whether a process with pid exists.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// finish removes an exited run and publishes its final events.
func (b *Backend) finish(r *run, code *int) {
	d := time.Since(r.started)

	r.mu.Lock()
	r.exitCode = code
	terminated, reason := r.terminated, r.reason
	r.mu.Unlock()

	b.mu.Lock()
	delete(b.runs, r.id)
	b.finished = append(b.finished, r.id)
	if len(b.finished) > keptOutputs {
		delete(b.outputs, b.finished[0])
		b.finished = b.finished[1:]
	}
	b.mu.Unlock()

	b.forget(r)
	close(r.done)

	if terminated {
		ev := b.event(task.EventTerminated, r)
		ev.Reason = reason
		b.publish(ev)
	}
	ended := b.event(task.EventProcessEnded, r)
	ended.ExitCode = code
	ended.Duration = d
	b.publish(ended)
	end := b.event(task.EventEnd, r)
	end.Duration = d
	b.publish(end)

	if code != nil {
		b.logger.Debug("run %s of %q exited with %d after %s", r.id, r.task.Core().Label, *code, d.Round(time.Millisecond))
	} else {
		b.logger.Debug("reattached run %s of %q ended", r.id, r.task.Core().Label)
	}
}

// Reconnect implements execution.Backend. It reattaches to the process
// recorded for t by an earlier backend sharing the same storage.
func (b *Backend) Reconnect(ctx context.Context, t task.Task) (*task.TaskRun, error) {
	label := t.Core().Label
	if b.storage == nil || t.Key() == "" {
		return nil, fmt.Errorf("%w: %q", ErrNotRunning, label)
	}
	key := recordKey(t)
	raw, ok, err := b.storage.Get(ctx, key, persist.ScopeWorkspace)
	if err != nil {
		return nil, fmt.Errorf("read process record of %q: %w", label, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRunning, label)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.RunID == "" {
		b.logger.Warn("dropping malformed process record of %q", label)
		_ = b.storage.Remove(ctx, key, persist.ScopeWorkspace)
		return nil, fmt.Errorf("%w: %q", ErrNotRunning, label)
	}
	if !alive(rec.PID) {
		_ = b.storage.Remove(ctx, key, persist.ScopeWorkspace)
		return nil, fmt.Errorf("%w: %q (pid %d exited)", ErrNotRunning, label, rec.PID)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if r, ok := b.runs[rec.RunID]; ok {
		b.mu.Unlock()
		return r.taskRun(), nil
	}
	r := &run{
		id:      rec.RunID,
		task:    t,
		source:  task.RunSourceReconnect,
		started: rec.Started,
		pid:     rec.PID,
		record:  key,
		done:    make(chan struct{}),
	}
	b.runs[r.id] = r
	b.outputs[r.id] = NewOutput(0)
	b.wg.Add(1)
	b.mu.Unlock()

	b.publish(b.event(task.EventStart, r))
	b.publish(b.event(task.EventProcessStarted, r))
	b.logger.Info("reattached to %q (pid %d, run %s)", label, r.pid, r.id)

	go b.watch(r)
	return r.taskRun(), nil
}

func recordKey(t task.Task) string {
	return "process:" + persist.KeyOf(t)
}

// remember records a started run for reconnection.
func (b *Backend) remember(ctx context.Context, r *run) {
	if b.storage == nil || r.task.Key() == "" {
		return
	}
	data, err := json.Marshal(record{RunID: r.id, PID: r.pid, Label: r.task.Core().Label, Started: r.started})
	if err != nil {
		return
	}
	key := recordKey(r.task)
	if err := b.storage.Set(context.WithoutCancel(ctx), key, string(data), persist.ScopeWorkspace, persist.DurabilityMachine); err != nil {
		b.logger.Warn("recording process of %q: %v", r.task.Core().Label, err)
		return
	}
	r.record = key
}

// forget removes the record of a run that ended.
func (b *Backend) forget(r *run) {
	if b.storage == nil || r.record == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	// A newer run of the same task may own the record by now.
	raw, ok, err := b.storage.Get(ctx, r.record, persist.ScopeWorkspace)
	if err != nil || !ok {
		return
	}
	var rec record
	if json.Unmarshal([]byte(raw), &rec) == nil && rec.RunID != r.id {
		return
	}
	if err := b.storage.Remove(ctx, r.record, persist.ScopeWorkspace); err != nil {
		b.logger.Warn("removing process record of %q: %v", r.task.Core().Label, err)
	}
}

// Terminate implements execution.Backend. The run's process group gets
// SIGTERM, then SIGKILL once the grace period passes. It returns when the
// run has ended or ctx is done.
func (b *Backend) Terminate(ctx context.Context, runID string, reason task.TerminationReason) (execution.TerminateResult, error) {
	b.mu.Lock()
	r, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		return execution.TerminateResult{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	r.mu.Lock()
	r.terminated = true
	r.reason = reason
	r.mu.Unlock()

	if err := signalGroup(r.pid, syscall.SIGTERM); err != nil {
		return execution.TerminateResult{}, fmt.Errorf("terminate run %s: %w", runID, err)
	}

	grace := time.NewTimer(b.cfg.KillGrace)
	defer grace.Stop()
	select {
	case <-r.done:
	case <-grace.C:
		b.logger.Warn("run %s did not exit after %s, killing", runID, b.cfg.KillGrace)
		if err := signalGroup(r.pid, syscall.SIGKILL); err != nil {
			return execution.TerminateResult{}, fmt.Errorf("kill run %s: %w", runID, err)
		}
		select {
		case <-r.done:
		case <-ctx.Done():
			return execution.TerminateResult{}, ctx.Err()
		}
	case <-ctx.Done():
		return execution.TerminateResult{}, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return execution.TerminateResult{Success: true, ExitCode: r.exitCode}, nil
}

// signalGroup signals the process group led by pid. A group that is
// already gone is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// ActiveRuns implements execution.Backend.
func (b *Backend) ActiveRuns() []*task.TaskRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*task.TaskRun, 0, len(b.runs))
	for _, r := range b.runs {
		out = append(out, r.taskRun())
	}
	slices.SortFunc(out, func(a, c *task.TaskRun) int { return a.Started.Compare(c.Started) })
	return out
}

// Output returns the kept output of an active or recently finished run.
func (b *Backend) Output(runID string) ([]Line, bool) {
	b.mu.Lock()
	out, ok := b.outputs[runID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	return out.Lines(), true
}

// Detach stops the backend but leaves its processes running with their
// records in place, for a later backend to reattach to.
func (b *Backend) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.stop)
	b.logger.Info("detached from %d runs", len(b.runs))
}

// Close terminates the runs started by this backend and waits until they
// have ended or ctx is done. Reattached processes are left running.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	var owned []string
	for id, r := range b.runs {
		if r.cmd != nil {
			owned = append(owned, id)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, id := range owned {
		if _, err := b.Terminate(ctx, id, task.TerminationShutdown); err != nil && !errors.Is(err, ErrRunNotFound) {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (b *Backend) event(kind task.EventKind, r *run) task.Event {
	ev := task.NewEvent(kind, r.id, r.task)
	ev.ProcessID = r.pid
	ev.Source = r.source
	return ev
}

func (b *Backend) publish(ev task.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.bus.PublishRun(ctx, ev); err != nil {
		b.logger.Warn("publishing %s of run %s: %v", ev.Kind, ev.RunID, err)
	}
}
