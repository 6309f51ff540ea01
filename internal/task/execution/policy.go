package execution

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dshills/taskd/internal/task"
)

// State is the admission state of one task identity.
type State int

const (
	// StateIdle means no instance is starting or running.
	StateIdle State = iota
	// StateStarting means an admitted run has not been accepted yet.
	StateStarting
	// StateActive means at least one instance is running.
	StateActive
	// StateTerminating means every running instance is being terminated.
	StateTerminating
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Outcome is the result of an admission decision.
type Outcome int

const (
	// OutcomeStart starts the run.
	OutcomeStart Outcome = iota
	// OutcomeDrop drops the request.
	OutcomeDrop
	// OutcomeTerminateThenStart terminates Decision.Terminate, then starts.
	OutcomeTerminateThenStart
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeStart:
		return "start"
	case OutcomeDrop:
		return "drop"
	case OutcomeTerminateThenStart:
		return "terminateThenStart"
	default:
		return "unknown"
	}
}

// Decision is the engine's answer to a run request.
type Decision struct {
	// Outcome is what to do with the request.
	Outcome Outcome

	// Terminate is the instance to terminate first.
	Terminate *task.TaskRun

	// Warning is set when a warn policy dropped the request.
	Warning string

	// Policy is the policy that was applied, empty when under the limit.
	Policy task.InstancePolicy

	key string
}

// Prompter lets a user settle questions the dispatcher cannot.
type Prompter interface {
	// ChooseTerminate picks the active instance to terminate so t can
	// start. A nil run means no selection.
	ChooseTerminate(ctx context.Context, t task.Task, active []*task.TaskRun) (*task.TaskRun, error)

	// ConfirmSave asks whether dirty state should be saved before a run.
	ConfirmSave(ctx context.Context, t task.Task) (bool, error)
}

type instances struct {
	runs        []*task.TaskRun
	starting    int
	terminating map[string]bool
	// ended holds runs that finished while a reservation was pending. It
	// is reset once no reservation is left.
	ended map[string]bool
}

// settleLocked releases one reservation and reports whether runID ended
// before its reservation settled.
func (in *instances) settleLocked(runID string) bool {
	if in.starting > 0 {
		in.starting--
	}
	ended := in.ended[runID]
	delete(in.ended, runID)
	if in.starting == 0 {
		in.ended = nil
	}
	return ended
}

// Engine tracks active instances per task identity and applies instance
// policies. It is safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	byKey map[string]*instances
	byRun map[string]string
}

// NewEngine creates an engine with no active runs.
func NewEngine() *Engine {
	return &Engine{
		byKey: make(map[string]*instances),
		byRun: make(map[string]string),
	}
}

func instanceKey(t task.Task) string {
	if k := t.Key(); k != "" {
		return k
	}
	return t.Core().Scope.Key() + "|" + t.Core().Label
}

func (e *Engine) entryLocked(key string) *instances {
	in, ok := e.byKey[key]
	if !ok {
		in = &instances{terminating: make(map[string]bool)}
		e.byKey[key] = in
	}
	return in
}

func (e *Engine) pruneLocked(key string) {
	if in := e.byKey[key]; in != nil && len(in.runs) == 0 && in.starting == 0 {
		delete(e.byKey, key)
	}
}

// Admit decides whether t may start. Admitted decisions reserve a Starting
// slot that must be settled with Started or Abort. The prompter is asked
// outside the engine lock; its choice is honored only if that instance is
// still active.
func (e *Engine) Admit(ctx context.Context, t task.Task, prompter Prompter) (Decision, error) {
	key := instanceKey(t)
	opts := t.Core().RunOptions
	limit := opts.InstanceLimit
	if limit <= 0 {
		limit = 1
	}
	policy := opts.InstancePolicy
	if !policy.Valid() {
		policy = task.PolicyPrompt
	}

	e.mu.Lock()
	in := e.entryLocked(key)
	live := in.live()
	if len(live)+in.starting < limit {
		in.starting++
		e.mu.Unlock()
		return Decision{Outcome: OutcomeStart, key: key}, nil
	}

	d := Decision{Policy: policy, key: key}
	switch policy {
	case task.PolicySilent:
		e.pruneLocked(key)
		e.mu.Unlock()
		d.Outcome = OutcomeDrop
		return d, nil

	case task.PolicyWarn:
		e.pruneLocked(key)
		e.mu.Unlock()
		d.Outcome = OutcomeDrop
		d.Warning = fmt.Sprintf("The task %q is already active.", t.Core().Label)
		return d, nil

	case task.PolicyTerminateNewest, task.PolicyTerminateOldest:
		if len(live) == 0 {
			e.pruneLocked(key)
			e.mu.Unlock()
			return Decision{}, &task.ConflictError{Task: t}
		}
		victim := live[0]
		if policy == task.PolicyTerminateNewest {
			victim = live[len(live)-1]
		}
		in.terminating[victim.RunID] = true
		in.starting++
		e.mu.Unlock()
		d.Outcome = OutcomeTerminateThenStart
		d.Terminate = victim
		return d, nil
	}

	// Prompt.
	e.pruneLocked(key)
	e.mu.Unlock()
	if prompter == nil || len(live) == 0 {
		return Decision{}, &task.ConflictError{Task: t, Active: live}
	}
	chosen, err := prompter.ChooseTerminate(ctx, t, live)
	if err != nil {
		return Decision{}, err
	}
	if chosen == nil {
		d.Outcome = OutcomeDrop
		return d, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	in = e.entryLocked(key)
	if !slices.ContainsFunc(in.live(), func(r *task.TaskRun) bool { return r.RunID == chosen.RunID }) {
		// The chosen instance ended while prompting; a slot may be free.
		if len(in.live())+in.starting < limit {
			in.starting++
			d.Outcome = OutcomeStart
			return d, nil
		}
		e.pruneLocked(key)
		d.Outcome = OutcomeDrop
		return d, nil
	}
	in.terminating[chosen.RunID] = true
	in.starting++
	d.Outcome = OutcomeTerminateThenStart
	d.Terminate = chosen
	return d, nil
}

// live returns the runs not being terminated, oldest first.
func (in *instances) live() []*task.TaskRun {
	out := make([]*task.TaskRun, 0, len(in.runs))
	for _, r := range in.runs {
		if !in.terminating[r.RunID] {
			out = append(out, r)
		}
	}
	return out
}

// Started settles a reservation with the run the backend accepted.
func (e *Engine) Started(d Decision, run *task.TaskRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in := e.entryLocked(d.key)
	if in.settleLocked(run.RunID) {
		e.pruneLocked(d.key)
		return
	}
	// The run's start event may already have tracked it.
	if _, ok := e.byRun[run.RunID]; ok {
		return
	}
	in.runs = append(in.runs, run)
	e.byRun[run.RunID] = d.key
}

// Abort releases a reservation whose run was not started. A victim that
// was marked for termination but not terminated becomes live again.
func (e *Engine) Abort(d Decision, victimTerminated bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.byKey[d.key]
	if !ok {
		return
	}
	in.settleLocked("")
	if d.Terminate != nil && !victimTerminated {
		delete(in.terminating, d.Terminate.RunID)
	}
	e.pruneLocked(d.key)
}

// Track registers a run started outside admission, such as one found
// running on the backend after a restart.
func (e *Engine) Track(run *task.TaskRun) {
	if run == nil || run.Task == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byRun[run.RunID]; ok {
		return
	}
	key := instanceKey(run.Task)
	in := e.entryLocked(key)
	in.runs = append(in.runs, run)
	e.byRun[run.RunID] = key
}

// Terminating marks a run as being terminated.
func (e *Engine) Terminating(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if key, ok := e.byRun[runID]; ok {
		e.byKey[key].terminating[runID] = true
	}
}

// Resume clears the termination mark of a run that survived termination.
func (e *Engine) Resume(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if key, ok := e.byRun[runID]; ok {
		delete(e.byKey[key].terminating, runID)
	}
}

// Finished removes a run that ended.
func (e *Engine) Finished(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.byRun[runID]
	if !ok {
		return
	}
	delete(e.byRun, runID)
	in := e.byKey[key]
	if in.starting > 0 {
		if in.ended == nil {
			in.ended = make(map[string]bool)
		}
		in.ended[runID] = true
	}
	in.runs = slices.DeleteFunc(in.runs, func(r *task.TaskRun) bool { return r.RunID == runID })
	delete(in.terminating, runID)
	e.pruneLocked(key)
}

// State returns the admission state of t.
func (e *Engine) State(t task.Task) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.byKey[instanceKey(t)]
	if !ok {
		return StateIdle
	}
	switch {
	case in.starting > 0:
		return StateStarting
	case len(in.live()) > 0:
		return StateActive
	case len(in.runs) > 0:
		return StateTerminating
	default:
		return StateIdle
	}
}

// Active returns the active runs of t, oldest first.
func (e *Engine) Active(t task.Task) []*task.TaskRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.byKey[instanceKey(t)]
	if !ok {
		return nil
	}
	return slices.Clone(in.runs)
}

// Runs returns every active run.
func (e *Engine) Runs() []*task.TaskRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*task.TaskRun
	for _, in := range e.byKey {
		out = append(out, in.runs...)
	}
	slices.SortStableFunc(out, func(a, b *task.TaskRun) int { return a.Started.Compare(b.Started) })
	return out
}

// Run returns the active run with runID.
func (e *Engine) Run(runID string) (*task.TaskRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.byRun[runID]
	if !ok {
		return nil, false
	}
	for _, r := range e.byKey[key].runs {
		if r.RunID == runID {
			return r, true
		}
	}
	return nil, false
}
