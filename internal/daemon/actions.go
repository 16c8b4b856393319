package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/delegate-dev/delegate/internal/agent"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/team"
)

// memberStateFiles is the closed set of per-member state files under
// <team>/members/<name>/. The context file is replaced on each write;
// the others are append-only.
var memberStateFiles = map[string]bool{
	"context": true,
	"journal": true,
	"notes":   true,
	"worklog": true,
}

// actionSink applies the actions an adapter returned from a turn. Each
// action maps onto one core operation; a failure fails the turn, so the
// scheduler redelivers the triggering messages and the turn replays.
type actionSink struct {
	d *Daemon
}

func (s *actionSink) Apply(ctx context.Context, m *team.Member, a agent.Action) error {
	switch a.Kind {
	case agent.ActionSendMessage:
		err := s.d.messages.Send(ctx, &store.Message{
			Sender:    m.Name,
			Recipient: a.Recipient,
			Content:   a.Content,
			TaskID:    a.TaskID,
		})
		if errors.Is(err, store.ErrDuplicateMessage) {
			// A replayed turn re-sending the same content is idempotent,
			// not a failure.
			return nil
		}
		return err

	case agent.ActionCreateTask:
		task := &store.Task{
			Title:       a.Title,
			Description: a.Description,
			Status:      store.StatusTodo,
			Repos:       a.Repos,
			DependsOn:   a.DependsOn,
		}
		return s.d.engine.CreateTask(ctx, task, m.Name)

	case agent.ActionUpdateTaskStatus:
		if a.FromStatus != "" {
			task, err := s.d.store.GetTask(ctx, a.TaskID)
			if err != nil {
				return err
			}
			if task.Status != a.FromStatus {
				return fmt.Errorf("%w: task %s is %s, not %s",
					store.ErrStaleTransition, task.Ref(), task.Status, a.FromStatus)
			}
		}
		_, err := s.d.engine.Transition(ctx, a.TaskID, a.ToStatus, m.Name, "")
		return err

	case agent.ActionAppendComment:
		return s.d.store.AppendComment(ctx, &store.Comment{
			TaskID: a.TaskID,
			Author: m.Name,
			Body:   a.CommentBody,
		})

	case agent.ActionSubmitReview:
		task, err := s.d.store.GetTask(ctx, a.TaskID)
		if err != nil {
			return err
		}
		return s.d.store.UpsertReview(ctx, &store.Review{
			TaskID:   a.TaskID,
			Attempt:  task.ReviewAttempt,
			Reviewer: m.Name,
			Verdict:  a.Verdict,
			Summary:  a.ReviewSummary,
			Comments: a.ReviewComments,
		})

	case agent.ActionSetContext:
		return s.setContext(m.Name, a.ContextKey, a.ContextValue)

	case agent.ActionSpawnAgent:
		return s.spawnAgent(ctx, m, a)

	case agent.ActionRunShell:
		return s.runShell(ctx, m, a)

	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// setContext writes one of the member's state files. The key must be
// one of the known file names so an action can never write outside the
// member directory.
func (s *actionSink) setContext(member, key, value string) error {
	if key == "" {
		key = "context"
	}
	if !memberStateFiles[key] {
		return fmt.Errorf("unknown context key %q", key)
	}
	if err := s.d.ensureMemberDir(member); err != nil {
		return err
	}
	path := filepath.Join(s.d.memberDir(member), key)
	if key == "context" {
		return os.WriteFile(path, []byte(value), 0o644)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "[%s] %s\n", time.Now().UTC().Format(time.RFC3339), value)
	return err
}

// spawnAgent adds a new agent member. Managers spawn; everyone else is
// rejected.
func (s *actionSink) spawnAgent(ctx context.Context, m *team.Member, a agent.Action) error {
	if m.Role != team.RoleManager {
		return fmt.Errorf("%w: only managers may spawn agents", store.ErrInvariantViolation)
	}
	if err := team.ValidateName(a.MemberName); err != nil {
		return err
	}
	role := a.MemberRole
	if role == "" {
		role = team.RoleWorker
	}
	if err := s.d.store.AddMember(ctx, &team.Member{
		Name:      a.MemberName,
		Kind:      team.KindAgent,
		Role:      role,
		Seniority: a.Seniority,
		TeamID:    s.d.store.Team().ID,
	}); err != nil {
		return err
	}
	if err := s.d.ensureMemberDir(a.MemberName); err != nil {
		return err
	}
	s.d.logger.Info("Agent spawned",
		zap.String("agent", a.MemberName),
		zap.String("role", string(role)),
		zap.String("spawned_by", m.Name))
	return nil
}

// runShell executes a command in one of the member's worktree
// directories and records the result in the activity stream.
func (s *actionSink) runShell(ctx context.Context, m *team.Member, a agent.Action) error {
	if a.Command == "" {
		return fmt.Errorf("run_shell requires a command")
	}
	if a.WorkDir == "" {
		return fmt.Errorf("run_shell requires a working directory")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", a.Command)
	cmd.Dir = a.WorkDir
	out, err := cmd.CombinedOutput()

	payload, _ := json.Marshal(map[string]any{
		"command": a.Command,
		"workdir": a.WorkDir,
		"ok":      err == nil,
	})
	_ = s.d.store.AppendActivity(ctx, &store.Activity{
		Agent:   m.Name,
		Type:    "shell",
		TaskID:  a.TaskID,
		Payload: string(payload),
	})

	if err != nil {
		return fmt.Errorf("command failed: %w: %s", err, out)
	}
	return nil
}
