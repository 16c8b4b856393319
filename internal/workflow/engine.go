package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/events"
	"github.com/delegate-dev/delegate/internal/events/bus"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/team"
)

// Engine drives task transitions through registered workflows. Two
// concurrent transitions on the same task serialize through the store;
// the loser gets store.ErrStaleTransition.
type Engine struct {
	store     *store.Store
	events    bus.EventBus
	registry  *Registry
	resources Resources
	enqueuer  Enqueuer
	waker     Waker
	cfg       config.WorkflowConfig
	logger    *logger.Logger
}

// NewEngine creates the workflow engine. waker may be nil when no
// scheduler is attached (tests, one-shot tools).
func NewEngine(st *store.Store, eb bus.EventBus, registry *Registry, resources Resources,
	enqueuer Enqueuer, waker Waker, cfg config.WorkflowConfig, log *logger.Logger) *Engine {
	return &Engine{
		store:     st,
		events:    eb,
		registry:  registry,
		resources: resources,
		enqueuer:  enqueuer,
		waker:     waker,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "workflow")),
	}
}

// CreateTask stamps a new task with its workflow and persists it.
func (e *Engine) CreateTask(ctx context.Context, task *store.Task, createdBy string) error {
	if task.WorkflowName == "" {
		task.WorkflowName = DefaultWorkflowName
		task.WorkflowVersion = DefaultWorkflowVersion
	}
	if _, err := e.registry.Get(task.WorkflowName, task.WorkflowVersion); err != nil {
		return err
	}
	if err := e.store.CreateTask(ctx, task, createdBy); err != nil {
		return err
	}
	e.publishTaskUpdate(task, "", task.Status, createdBy)
	return nil
}

// Transition moves a task to a new status, running the workflow's
// hooks. reason is recorded for rejections and cancellations.
func (e *Engine) Transition(ctx context.Context, taskID int64, to store.Status, actor, reason string) (*store.Task, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	wf, err := e.registry.Get(task.WorkflowName, task.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	from := task.Status
	if from == to {
		return task, nil
	}
	if !wf.Allowed(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, to, task.Ref())
	}

	sc := &StageContext{
		Ctx:       ctx,
		Task:      task,
		From:      from,
		To:        to,
		Actor:     actor,
		Reason:    reason,
		Store:     e.store,
		Resources: e.resources,
		Enqueuer:  e.enqueuer,
		Config:    e.cfg,
		Logger:    e.logger,
	}
	target := wf.Stage(to)
	current := wf.Stage(from)

	if target != nil && target.Guard != nil {
		if guardErr := target.Guard(sc); guardErr != nil {
			e.recordComment(ctx, task.ID, fmt.Sprintf("transition to %s rejected: %v", to, guardErr))
			return nil, fmt.Errorf("%w: %v", ErrGuardRejected, guardErr)
		}
	}

	assignee, err := e.runAssign(sc, target)
	if err != nil {
		return nil, e.parkInError(ctx, task, from, err)
	}
	if assignee != "" {
		sc.Mutate(func(t *store.Task) {
			t.Assignee = assignee
			if t.DRI == "" {
				t.DRI = assignee
			}
		})
	}
	if reason != "" && (to == store.StatusRejected || to == store.StatusCancelled || to == store.StatusMergeFailed) {
		sc.Mutate(func(t *store.Task) { t.RejectionReason = reason })
	}

	if err := e.runHook(sc, current, "exit"); err != nil {
		return nil, e.parkInError(ctx, task, from, err)
	}
	if err := e.runHook(sc, target, "enter"); err != nil {
		return nil, e.parkInError(ctx, task, from, err)
	}

	updated, err := e.store.TransitionTask(ctx, task.ID, from, to, actor, sc.muts...)
	if err != nil {
		// Whatever killed the write, Enter's side effects must not
		// outlive the failed transition.
		if target != nil && target.Rollback != nil {
			target.Rollback(sc)
		}
		return nil, err
	}

	e.logger.Info("Task transitioned",
		zap.String("task", updated.Ref()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor))
	e.publishTaskUpdate(updated, from, to, actor)

	if e.waker != nil && assignee != "" {
		if member, err := e.store.GetMember(ctx, assignee); err == nil && !member.IsHuman() {
			e.waker.RequestTurn(assignee)
		}
	}
	return updated, nil
}

func (e *Engine) runAssign(sc *StageContext, target *Stage) (string, error) {
	if target == nil || target.Assign == nil {
		return "", nil
	}
	var assignee string
	err := guardPanic(func() error {
		var err error
		assignee, err = target.Assign(sc)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("assign hook for %s: %w", sc.To, err)
	}
	return assignee, nil
}

func (e *Engine) runHook(sc *StageContext, stage *Stage, kind string) error {
	if stage == nil {
		return nil
	}
	var hook func(*StageContext) error
	switch kind {
	case "enter":
		hook = stage.Enter
	case "exit":
		hook = stage.Exit
	}
	if hook == nil {
		return nil
	}
	if err := guardPanic(func() error { return hook(sc) }); err != nil {
		return fmt.Errorf("%s hook for %s: %w", kind, stage.Status, err)
	}
	return nil
}

// parkInError moves the task to the error status with the hook failure
// captured as a comment. A human moves it back to in_progress or
// cancels it; there is no automatic retry.
func (e *Engine) parkInError(ctx context.Context, task *store.Task, from store.Status, hookErr error) error {
	e.logger.Error("Stage hook failed",
		zap.String("task", task.Ref()),
		zap.Error(hookErr))
	e.recordComment(ctx, task.ID, fmt.Sprintf("stage hook failed: %v", hookErr))
	if _, err := e.store.TransitionTask(ctx, task.ID, from, store.StatusError, team.SystemMember); err != nil {
		e.logger.Error("Failed to park task in error status",
			zap.String("task", task.Ref()), zap.Error(err))
	} else {
		e.publishTaskUpdate(task, from, store.StatusError, team.SystemMember)
	}
	return fmt.Errorf("%w: %v", ErrHookFailed, hookErr)
}

func (e *Engine) recordComment(ctx context.Context, taskID int64, body string) {
	err := e.store.AppendComment(ctx, &store.Comment{
		TaskID: taskID,
		Author: team.SystemMember,
		Body:   body,
	})
	if err != nil {
		e.logger.Error("Failed to record workflow comment",
			zap.Int64("task_id", taskID), zap.Error(err))
	}
}

func (e *Engine) publishTaskUpdate(task *store.Task, from, to store.Status, actor string) {
	teamID := e.store.Team().ID
	event := events.NewEvent(events.TypeTaskUpdated, teamID, &events.TaskUpdateData{
		TaskID: task.ID,
		Ref:    task.Ref(),
		From:   string(from),
		To:     string(to),
		Actor:  actor,
	})
	if err := e.events.Publish(context.Background(), events.SubjectTaskUpdate(teamID), event); err != nil {
		e.logger.Debug("Failed to publish task update", zap.Error(err))
	}
}

func guardPanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
