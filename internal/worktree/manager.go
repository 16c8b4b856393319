// Package worktree manages per-task git worktrees. Each active task
// owns one worktree per repo it touches, created on a task branch and
// torn down when the task terminates. Worktrees link into the
// operator's real repositories through the repos registry; nothing is
// cloned.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/git"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/team"
)

// ErrRepoNotRegistered means the task names a repo with no entry in the
// repos registry.
var ErrRepoNotRegistered = errors.New("repo not registered")

// Manager owns worktree lifecycle for one team.
type Manager struct {
	store  *store.Store
	git    git.Host
	cfg    *config.Config
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-repo, guards worktree add/remove
}

// NewManager creates a worktree manager.
func NewManager(st *store.Store, g git.Host, cfg *config.Config, log *logger.Logger) *Manager {
	return &Manager{
		store:  st,
		git:    g,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "worktree")),
		locks:  make(map[string]*sync.Mutex),
	}
}

// RepoPath resolves a repo name through the repos registry.
func (m *Manager) RepoPath(repo string) string {
	return filepath.Join(m.cfg.ReposDir(), repo)
}

// WorktreePath is where a task's worktree for one repo lives:
// <home>/teams/<team_id>/worktrees/<repo>-TNNNN.
func (m *Manager) WorktreePath(repo string, taskID int64) string {
	tm := m.store.Team()
	return filepath.Join(m.cfg.TeamDir(tm.ID), "worktrees",
		fmt.Sprintf("%s-%s", repo, store.TaskRef(taskID)))
}

// BranchName derives the task branch. The team id keeps branches from
// a deleted and recreated team from colliding.
func (m *Manager) BranchName(taskID int64) string {
	tm := m.store.Team()
	return team.BranchName(tm.ID, tm.Name, taskID)
}

// Create sets up worktrees for every repo the task touches and records
// them. Already-present worktrees are reused, so re-entering
// in_progress after rejection is idempotent. On partial failure all
// worktrees created by this call are removed before returning.
func (m *Manager) Create(ctx context.Context, task *store.Task) (string, map[string]string, error) {
	branch := m.BranchName(task.ID)
	baseSHAs := make(map[string]string, len(task.Repos))

	existing := make(map[string]*store.Worktree)
	records, err := m.store.ListWorktreesByTask(ctx, task.ID)
	if err != nil {
		return "", nil, err
	}
	for _, wt := range records {
		existing[wt.Repo] = wt
	}

	var created []string
	for _, repo := range task.Repos {
		repoPath := m.RepoPath(repo)
		if _, err := os.Stat(repoPath); err != nil {
			m.cleanupPartial(ctx, task.ID, created)
			return "", nil, fmt.Errorf("%w: %s", ErrRepoNotRegistered, repo)
		}

		if wt, ok := existing[repo]; ok {
			if _, err := os.Stat(wt.Path); err == nil {
				baseSHAs[repo] = wt.BaseSHA
				continue
			}
		}

		baseSHA, err := m.addWorktree(ctx, repo, repoPath, branch, task.ID)
		if err != nil {
			m.cleanupPartial(ctx, task.ID, created)
			return "", nil, err
		}
		baseSHAs[repo] = baseSHA
		created = append(created, repo)

		if err := m.store.PutWorktree(ctx, &store.Worktree{
			TaskID:  task.ID,
			Repo:    repo,
			Path:    m.WorktreePath(repo, task.ID),
			Branch:  branch,
			BaseSHA: baseSHA,
		}); err != nil {
			m.cleanupPartial(ctx, task.ID, created)
			return "", nil, err
		}
	}
	m.logger.Info("Worktrees ready",
		zap.String("task", store.TaskRef(task.ID)),
		zap.String("branch", branch),
		zap.Int("repos", len(task.Repos)))
	return branch, baseSHAs, nil
}

func (m *Manager) addWorktree(ctx context.Context, repo, repoPath, branch string, taskID int64) (string, error) {
	lock := m.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	baseSHA, err := m.git.RevParse(ctx, repoPath, m.cfg.Worktree.DefaultBranch)
	if err != nil {
		return "", fmt.Errorf("resolve %s tip for %s: %w", m.cfg.Worktree.DefaultBranch, repo, err)
	}
	path := m.WorktreePath(repo, taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	exists, err := m.git.BranchExists(ctx, repoPath, branch)
	if err != nil {
		return "", err
	}
	if exists {
		// Branch survived a previous worktree; re-attach instead of
		// restarting from the base.
		if err := m.git.WorktreeAddDetached(ctx, repoPath, path, branch); err != nil {
			return "", err
		}
		return baseSHA, nil
	}
	if err := m.git.WorktreeAdd(ctx, repoPath, path, branch, baseSHA); err != nil {
		return "", err
	}
	return baseSHA, nil
}

// Destroy removes all of a task's worktrees, branches, and records.
// Missing pieces are tolerated so Destroy is safe to call twice.
func (m *Manager) Destroy(ctx context.Context, taskID int64) error {
	records, err := m.store.ListWorktreesByTask(ctx, taskID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, wt := range records {
		lock := m.repoLock(wt.Repo)
		lock.Lock()
		repoPath := m.RepoPath(wt.Repo)
		if err := m.git.WorktreeRemove(ctx, repoPath, wt.Path); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := m.git.DeleteBranch(ctx, repoPath, wt.Branch); err != nil && firstErr == nil {
			firstErr = err
		}
		lock.Unlock()
	}
	if err := m.store.DeleteWorktrees(ctx, taskID); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr == nil {
		m.logger.Info("Worktrees destroyed", zap.String("task", store.TaskRef(taskID)))
	}
	return firstErr
}

// Reconcile restores the invariant between worktree records, disk, and
// task state after a restart: records for inactive tasks are pruned,
// and missing worktrees of active tasks are recreated from their base
// SHA. A task whose worktree cannot be recreated is parked in error.
func (m *Manager) Reconcile(ctx context.Context) error {
	records, err := m.store.ListWorktrees(ctx)
	if err != nil {
		return err
	}
	byTask := make(map[int64][]*store.Worktree)
	for _, wt := range records {
		byTask[wt.TaskID] = append(byTask[wt.TaskID], wt)
	}

	for taskID, wts := range byTask {
		task, err := m.store.GetTask(ctx, taskID)
		if err != nil || !isActive(task.Status) {
			m.logger.Info("Pruning worktrees of inactive task",
				zap.String("task", store.TaskRef(taskID)))
			if err := m.Destroy(ctx, taskID); err != nil {
				m.logger.Warn("Failed to prune worktrees",
					zap.String("task", store.TaskRef(taskID)), zap.Error(err))
			}
			continue
		}
		for _, wt := range wts {
			if _, statErr := os.Stat(wt.Path); statErr == nil {
				continue
			}
			if err := m.recreate(ctx, task, wt); err != nil {
				m.logger.Error("Failed to recreate worktree, parking task in error",
					zap.String("task", task.Ref()),
					zap.String("repo", wt.Repo),
					zap.Error(err))
				m.parkInError(ctx, task, wt.Repo, err)
				break
			}
		}
	}
	return nil
}

// recreate rebuilds a missing worktree. If the task branch survived,
// re-attach to it; otherwise restart the branch from the recorded base
// SHA.
func (m *Manager) recreate(ctx context.Context, task *store.Task, wt *store.Worktree) error {
	lock := m.repoLock(wt.Repo)
	lock.Lock()
	defer lock.Unlock()

	repoPath := m.RepoPath(wt.Repo)
	if _, err := os.Stat(repoPath); err != nil {
		return fmt.Errorf("%w: %s", ErrRepoNotRegistered, wt.Repo)
	}
	if err := os.MkdirAll(filepath.Dir(wt.Path), 0o755); err != nil {
		return err
	}
	exists, err := m.git.BranchExists(ctx, repoPath, wt.Branch)
	if err != nil {
		return err
	}
	if exists {
		return m.git.WorktreeAddDetached(ctx, repoPath, wt.Path, wt.Branch)
	}
	m.logger.Warn("Task branch lost, recreating from base SHA",
		zap.String("task", task.Ref()),
		zap.String("repo", wt.Repo),
		zap.String("base_sha", wt.BaseSHA))
	return m.git.WorktreeAdd(ctx, repoPath, wt.Path, wt.Branch, wt.BaseSHA)
}

func (m *Manager) parkInError(ctx context.Context, task *store.Task, repo string, cause error) {
	_ = m.store.AppendComment(ctx, &store.Comment{
		TaskID: task.ID,
		Author: team.SystemMember,
		Body:   fmt.Sprintf("worktree for %s could not be restored after restart: %v", repo, cause),
	})
	if _, err := m.store.TransitionTask(ctx, task.ID, task.Status, store.StatusError, team.SystemMember); err != nil {
		m.logger.Error("Failed to park task in error",
			zap.String("task", task.Ref()), zap.Error(err))
	}
}

func (m *Manager) cleanupPartial(ctx context.Context, taskID int64, created []string) {
	if len(created) == 0 {
		return
	}
	if err := m.Destroy(ctx, taskID); err != nil {
		m.logger.Warn("Failed to clean up partially created worktrees",
			zap.String("task", store.TaskRef(taskID)), zap.Error(err))
	}
}

func (m *Manager) repoLock(repo string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[repo]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[repo] = lock
	}
	return lock
}

func isActive(s store.Status) bool {
	return s != store.StatusTodo && !s.Terminal()
}
