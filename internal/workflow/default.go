package workflow

import (
	"fmt"

	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/team"
)

// Default workflow stamp applied to tasks created without an explicit
// workflow.
const (
	DefaultWorkflowName    = "default"
	DefaultWorkflowVersion = 1
)

// NewDefaultWorkflow builds the standard task lifecycle:
//
//	todo -> in_progress -> in_review -> in_approval -> merging -> done
//
// with rejected and merge_failed looping back to in_progress, error
// recoverable by a human, and cancellation reachable from any
// non-terminal stage.
func NewDefaultWorkflow() *Workflow {
	stages := []*Stage{
		{Status: store.StatusTodo},
		inProgressStage(),
		inReviewStage(),
		inApprovalStage(),
		mergingStage(),
		{Status: store.StatusDone},
		rejectedStage(),
		mergeFailedStage(),
		{Status: store.StatusError},
		cancelledStage(),
	}
	transitions := map[store.Status][]store.Status{
		store.StatusTodo:        {store.StatusInProgress},
		store.StatusInProgress:  {store.StatusInReview, store.StatusError},
		store.StatusInReview:    {store.StatusInApproval, store.StatusRejected, store.StatusError},
		store.StatusInApproval:  {store.StatusMerging, store.StatusDone, store.StatusRejected, store.StatusError},
		store.StatusMerging:     {store.StatusDone, store.StatusMergeFailed, store.StatusError},
		store.StatusRejected:    {store.StatusInProgress, store.StatusError},
		store.StatusMergeFailed: {store.StatusInProgress, store.StatusMerging, store.StatusError},
		store.StatusError:       {store.StatusInProgress},
	}
	return NewWorkflow(DefaultWorkflowName, DefaultWorkflowVersion, stages, transitions)
}

// inProgressStage sets up the task's worktrees. The worktree creation,
// base SHA capture, DRI assignment, and status flip commit atomically;
// a lost status race tears the fresh worktrees back down.
func inProgressStage() *Stage {
	return &Stage{
		Status: store.StatusInProgress,
		Guard: func(sc *StageContext) error {
			for _, dep := range sc.Task.DependsOn {
				depTask, err := sc.Store.GetTask(sc.Ctx, dep)
				if err != nil {
					return fmt.Errorf("dependency %s: %w", store.TaskRef(dep), err)
				}
				if depTask.Status != store.StatusDone {
					return fmt.Errorf("dependency %s is %s, not done", depTask.Ref(), depTask.Status)
				}
			}
			return nil
		},
		Assign: func(sc *StageContext) (string, error) {
			if sc.Task.DRI != "" {
				return sc.Task.DRI, nil
			}
			if member, err := sc.Store.GetMember(sc.Ctx, sc.Actor); err == nil && !member.IsHuman() {
				return sc.Actor, nil
			}
			return pickWorker(sc)
		},
		Enter: func(sc *StageContext) error {
			if len(sc.Task.Repos) == 0 {
				return nil
			}
			branch, baseSHAs, err := sc.Resources.Create(sc.Ctx, sc.Task)
			if err != nil {
				return fmt.Errorf("create worktrees: %w", err)
			}
			sc.Mutate(func(t *store.Task) {
				t.Branch = branch
				t.BaseSHAs = baseSHAs
			})
			return nil
		},
		Rollback: func(sc *StageContext) {
			if len(sc.Task.Repos) == 0 {
				return
			}
			if err := sc.Resources.Destroy(sc.Ctx, sc.Task.ID); err != nil {
				sc.Logger.Warn("Failed to roll back worktrees for lost transition race")
			}
		},
	}
}

// inReviewStage increments the review attempt and assigns a reviewer.
// Past the attempt cap the task escalates to a human instead of
// bouncing between agents indefinitely.
func inReviewStage() *Stage {
	return &Stage{
		Status: store.StatusInReview,
		Enter: func(sc *StageContext) error {
			sc.Mutate(func(t *store.Task) { t.ReviewAttempt++ })
			return nil
		},
		Assign: func(sc *StageContext) (string, error) {
			attempt := sc.Task.ReviewAttempt + 1
			if attempt > sc.Config.ReviewAttemptCap {
				return escalateToHuman(sc, attempt)
			}
			return pickReviewer(sc)
		},
	}
}

// inApprovalStage routes the task to a manager, preferring a human.
func inApprovalStage() *Stage {
	return &Stage{
		Status: store.StatusInApproval,
		Assign: func(sc *StageContext) (string, error) {
			members, err := sc.Store.ListMembers(sc.Ctx)
			if err != nil {
				return "", err
			}
			var agentManager string
			for _, m := range members {
				if m.Role != team.RoleManager {
					continue
				}
				if m.IsHuman() {
					return m.Name, nil
				}
				if agentManager == "" && !m.Quarantined {
					agentManager = m.Name
				}
			}
			if agentManager != "" {
				return agentManager, nil
			}
			return "", fmt.Errorf("no manager available for approval")
		},
	}
}

// mergingStage hands the task to the merge worker.
func mergingStage() *Stage {
	return &Stage{
		Status: store.StatusMerging,
		Guard: func(sc *StageContext) error {
			if len(sc.Task.Repos) == 0 {
				return fmt.Errorf("task touches no repos; approve it straight to done")
			}
			if sc.Task.Branch == "" {
				return fmt.Errorf("task has no branch to merge")
			}
			return nil
		},
		Enter: func(sc *StageContext) error {
			sc.Enqueuer.Enqueue(sc.Task.ID)
			return nil
		},
	}
}

// rejectedStage hands the task back to its DRI with the rejection
// reason recorded.
func rejectedStage() *Stage {
	return &Stage{
		Status: store.StatusRejected,
		Assign: func(sc *StageContext) (string, error) {
			return sc.Task.DRI, nil
		},
	}
}

func mergeFailedStage() *Stage {
	return &Stage{
		Status: store.StatusMergeFailed,
		Assign: func(sc *StageContext) (string, error) {
			return sc.Task.DRI, nil
		},
	}
}

// cancelledStage tears the task's worktrees down.
func cancelledStage() *Stage {
	return &Stage{
		Status: store.StatusCancelled,
		Enter: func(sc *StageContext) error {
			if len(sc.Task.Repos) == 0 {
				return nil
			}
			if err := sc.Resources.Destroy(sc.Ctx, sc.Task.ID); err != nil {
				sc.Logger.Warn("Failed to destroy worktrees on cancellation")
			}
			return nil
		},
	}
}

// pickReviewer prefers a reviewer-role agent that is not the DRI, then
// any non-DRI agent, then the DRI as a last resort.
func pickReviewer(sc *StageContext) (string, error) {
	members, err := sc.Store.ListMembers(sc.Ctx)
	if err != nil {
		return "", err
	}
	var fallback string
	for _, m := range members {
		if m.IsHuman() || m.Kind == team.KindSystem || m.Quarantined || m.Name == sc.Task.DRI {
			continue
		}
		if m.Role == team.RoleReviewer {
			return m.Name, nil
		}
		if fallback == "" {
			fallback = m.Name
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	if sc.Task.DRI != "" {
		return sc.Task.DRI, nil
	}
	return "", fmt.Errorf("no reviewer available")
}

func pickWorker(sc *StageContext) (string, error) {
	members, err := sc.Store.ListMembers(sc.Ctx)
	if err != nil {
		return "", err
	}
	var fallback string
	for _, m := range members {
		if m.IsHuman() || m.Kind == team.KindSystem || m.Quarantined {
			continue
		}
		if m.Role == team.RoleWorker {
			return m.Name, nil
		}
		if fallback == "" {
			fallback = m.Name
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no agent available to take the task")
}

// escalateToHuman reassigns the review to a human member and notifies
// them.
func escalateToHuman(sc *StageContext, attempt int) (string, error) {
	members, err := sc.Store.ListMembers(sc.Ctx)
	if err != nil {
		return "", err
	}
	var human string
	for _, m := range members {
		if !m.IsHuman() {
			continue
		}
		human = m.Name
		if m.Role == team.RoleManager {
			break
		}
	}
	if human == "" {
		return "", fmt.Errorf("review attempt cap reached and no human member to escalate to")
	}
	msg := &store.Message{
		Sender:    team.SystemMember,
		Recipient: human,
		Content: fmt.Sprintf("%s has reached review attempt %d (cap %d) and needs your review.",
			sc.Task.Ref(), attempt, sc.Config.ReviewAttemptCap),
		TaskID: sc.Task.ID,
	}
	if err := sc.Store.RecordMessage(sc.Ctx, msg); err != nil {
		sc.Logger.Warn("Failed to send review escalation notification")
	}
	return human, nil
}
