// Package workflow implements the task state machine. A workflow is a
// named, versioned set of stages; each stage exposes guard, enter, exit,
// and assign hooks. Tasks are stamped with their workflow at creation so
// later workflow edits never affect in-flight tasks.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/store"
)

var (
	// ErrUnknownWorkflow means no workflow is registered under the
	// requested (name, version).
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrInvalidTransition means the workflow does not permit the
	// requested edge.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrGuardRejected means the target stage's guard vetoed the
	// transition. The task stays in its current stage and the reason is
	// recorded as a comment.
	ErrGuardRejected = errors.New("guard rejected transition")

	// ErrHookFailed means a stage hook returned an error or panicked.
	// The task is parked in the error status for a human to resolve.
	ErrHookFailed = errors.New("stage hook failed")
)

// Enqueuer hands a task to the merge pipeline. The merge worker
// implements it; the daemon wires the two together.
type Enqueuer interface {
	Enqueue(taskID int64)
}

// Resources manages per-task git worktrees.
type Resources interface {
	// Create sets up worktrees for every repo the task touches and
	// returns the branch name and per-repo base SHAs.
	Create(ctx context.Context, task *store.Task) (branch string, baseSHAs map[string]string, err error)
	// Destroy tears down the task's worktrees and their records.
	Destroy(ctx context.Context, taskID int64) error
}

// Waker requests a scheduler turn for a member, used after a stage's
// assign hook names a new assignee.
type Waker interface {
	RequestTurn(name string)
}

// StageContext is passed to every stage hook. Hooks stage task field
// changes through Mutate; the engine applies them inside the same
// transaction as the status change.
type StageContext struct {
	Ctx    context.Context
	Task   *store.Task
	From   store.Status
	To     store.Status
	Actor  string
	Reason string

	Store     *store.Store
	Resources Resources
	Enqueuer  Enqueuer
	Config    config.WorkflowConfig
	Logger    *logger.Logger

	muts []store.TaskMutation
}

// Mutate stages a task field change to be applied atomically with the
// status transition.
func (sc *StageContext) Mutate(m store.TaskMutation) {
	sc.muts = append(sc.muts, m)
}

// Stage is one node of a workflow. All hooks are optional.
type Stage struct {
	Status store.Status

	// Guard vetoes entry into the stage. A non-nil error keeps the task
	// where it is.
	Guard func(sc *StageContext) error

	// Assign names the stage's assignee so the scheduler can wake them.
	Assign func(sc *StageContext) (string, error)

	// Enter runs before the status flips; its staged mutations commit
	// with the transition. Acquired resources must be released by
	// Rollback if the transition subsequently fails.
	Enter func(sc *StageContext) error

	// Exit runs when the task leaves the stage.
	Exit func(sc *StageContext) error

	// Rollback compensates a completed Enter whose transition lost the
	// status race.
	Rollback func(sc *StageContext)
}

// Workflow is a named, versioned stage graph.
type Workflow struct {
	Name    string
	Version int

	stages      map[store.Status]*Stage
	transitions map[store.Status][]store.Status
}

// NewWorkflow builds a workflow from its stages and edge list.
func NewWorkflow(name string, version int, stages []*Stage, transitions map[store.Status][]store.Status) *Workflow {
	byStatus := make(map[store.Status]*Stage, len(stages))
	for _, st := range stages {
		byStatus[st.Status] = st
	}
	return &Workflow{
		Name:        name,
		Version:     version,
		stages:      byStatus,
		transitions: transitions,
	}
}

// Stage returns the stage for a status, or nil when the workflow
// defines no hooks for it.
func (w *Workflow) Stage(status store.Status) *Stage {
	return w.stages[status]
}

// Allowed reports whether the workflow permits the edge from -> to.
// Cancellation is reachable from every non-terminal stage.
func (w *Workflow) Allowed(from, to store.Status) bool {
	if to == store.StatusCancelled {
		return !from.Terminal()
	}
	for _, next := range w.transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Registry maps (name, version) to workflow definitions.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]map[int]*Workflow
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]map[int]*Workflow)}
}

// Register adds a workflow. Re-registering the same (name, version)
// replaces the definition; tasks stamped earlier pick up the new hooks
// on their next transition.
func (r *Registry) Register(w *Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.workflows[w.Name]
	if !ok {
		versions = make(map[int]*Workflow)
		r.workflows[w.Name] = versions
	}
	versions[w.Version] = w
}

// Get resolves a workflow by its stamp.
func (r *Registry) Get(name string, version int) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.workflows[name][version]; ok {
		return w, nil
	}
	return nil, fmt.Errorf("%w: %s@%d", ErrUnknownWorkflow, name, version)
}
