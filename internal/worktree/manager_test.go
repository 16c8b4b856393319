package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/git"
	"github.com/delegate-dev/delegate/internal/store"
)

// fakeHost simulates a git host against the real filesystem: worktree
// directories are plain directories, branches a set of names.
type fakeHost struct {
	mu        sync.Mutex
	tip       string
	branches  map[string]bool
	failAdd   map[string]error // repo path -> error
	added     []string
	removed   []string
	deletedBr []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{tip: "abc123", branches: map[string]bool{}, failAdd: map[string]error{}}
}

func (f *fakeHost) WorktreeAdd(ctx context.Context, repo, path, branch, startRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failAdd[repo]; err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	f.branches[branch] = true
	f.added = append(f.added, path)
	return nil
}

func (f *fakeHost) WorktreeAddDetached(ctx context.Context, repo, path, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failAdd[repo]; err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	f.added = append(f.added, path)
	return nil
}

func (f *fakeHost) WorktreeRemove(ctx context.Context, repo, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return os.RemoveAll(path)
}

func (f *fakeHost) RevParse(ctx context.Context, repo, ref string) (string, error) {
	return f.tip, nil
}

func (f *fakeHost) IsClean(ctx context.Context, repo string) (bool, error) { return true, nil }

func (f *fakeHost) Rebase(ctx context.Context, worktree, onto string) *git.Outcome {
	return &git.Outcome{Class: git.Clean, SHA: f.tip}
}

func (f *fakeHost) DiffRange(ctx context.Context, repo, from, to string) (string, error) {
	return "", nil
}

func (f *fakeHost) ApplyDiff(ctx context.Context, worktree, diff string) *git.Outcome {
	return &git.Outcome{Class: git.Clean}
}

func (f *fakeHost) Commit(ctx context.Context, worktree, message string) (string, error) {
	return f.tip, nil
}

func (f *fakeHost) UpdateRefCAS(ctx context.Context, repo, ref, expected, newSHA string) error {
	return nil
}

func (f *fakeHost) RunTests(ctx context.Context, dir, command string) *git.Outcome {
	return &git.Outcome{Class: git.Clean}
}

func (f *fakeHost) DeleteBranch(ctx context.Context, repo, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.branches, name)
	f.deletedBr = append(f.deletedBr, name)
	return nil
}

func (f *fakeHost) BranchExists(ctx context.Context, repo, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[name], nil
}

type fixture struct {
	store   *store.Store
	manager *Manager
	host    *fakeHost
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	home := t.TempDir()
	cfg := &config.Config{Home: home}
	cfg.Worktree.DefaultBranch = "main"

	st, err := store.Open(filepath.Join(t.TempDir(), "team.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.InitTeam(context.Background(), "platform", "")
	require.NoError(t, err)

	// Register the repos the tests use.
	for _, repo := range []string{"api", "web"} {
		require.NoError(t, os.MkdirAll(filepath.Join(cfg.ReposDir(), repo), 0o755))
	}

	host := newFakeHost()
	return &fixture{
		store:   st,
		manager: NewManager(st, host, cfg, log),
		host:    host,
		cfg:     cfg,
	}
}

func (f *fixture) createTask(t *testing.T, repos []string) *store.Task {
	t.Helper()
	task := &store.Task{Title: "task", Repos: repos, WorkflowName: "default", WorkflowVersion: 1}
	require.NoError(t, f.store.CreateTask(context.Background(), task, "carol"))
	return task
}

func TestCreateRecordsWorktreesAndBranch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, []string{"api", "web"})

	branch, baseSHAs, err := f.manager.Create(ctx, task)
	require.NoError(t, err)

	teamID := f.store.Team().ID
	assert.Equal(t, fmt.Sprintf("delegate/%s/platform/T%04d", teamID, task.ID), branch)
	assert.Equal(t, map[string]string{"api": "abc123", "web": "abc123"}, baseSHAs)

	records, err := f.store.ListWorktreesByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, wt := range records {
		assert.Equal(t, branch, wt.Branch)
		assert.Equal(t, "abc123", wt.BaseSHA)
		assert.DirExists(t, wt.Path)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, []string{"api"})

	_, first, err := f.manager.Create(ctx, task)
	require.NoError(t, err)

	f.host.tip = "def456" // main moved on; existing worktree keeps its base
	_, second, err := f.manager.Create(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, f.host.added, 1, "existing worktree must be reused")
}

func TestCreateRollsBackOnPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, []string{"api", "web"})
	f.host.failAdd[f.manager.RepoPath("web")] = fmt.Errorf("disk full")

	_, _, err := f.manager.Create(ctx, task)
	require.Error(t, err)

	records, err := f.store.ListWorktreesByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, records, "partial creation must be rolled back")
}

func TestCreateRejectsUnregisteredRepo(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, []string{"ghost"})
	_, _, err := f.manager.Create(context.Background(), task)
	require.ErrorIs(t, err, ErrRepoNotRegistered)
}

func TestDestroyRemovesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, []string{"api"})

	branch, _, err := f.manager.Create(ctx, task)
	require.NoError(t, err)
	require.NoError(t, f.manager.Destroy(ctx, task.ID))

	records, err := f.store.ListWorktreesByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Contains(t, f.host.deletedBr, branch)

	// Destroy is safe to repeat.
	require.NoError(t, f.manager.Destroy(ctx, task.ID))
}

func TestReconcilePrunesInactiveAndRecreatesMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	finished := f.createTask(t, []string{"api"})
	active := f.createTask(t, []string{"web"})
	_, _, err := f.manager.Create(ctx, finished)
	require.NoError(t, err)
	_, _, err = f.manager.Create(ctx, active)
	require.NoError(t, err)

	_, err = f.store.TransitionTask(ctx, finished.ID, store.StatusTodo, store.StatusCancelled, "carol")
	require.NoError(t, err)
	_, err = f.store.TransitionTask(ctx, active.ID, store.StatusTodo, store.StatusInProgress, "bob")
	require.NoError(t, err)

	// Simulate a crash that lost the active task's worktree directory.
	records, err := f.store.ListWorktreesByTask(ctx, active.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NoError(t, os.RemoveAll(records[0].Path))

	require.NoError(t, f.manager.Reconcile(ctx))

	// The finished task's worktree records are gone.
	gone, err := f.store.ListWorktreesByTask(ctx, finished.ID)
	require.NoError(t, err)
	assert.Empty(t, gone)

	// The active task's worktree is back on disk.
	assert.DirExists(t, records[0].Path)
}

func TestReconcileParksTaskWhenRecreationFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, []string{"api"})
	_, _, err := f.manager.Create(ctx, task)
	require.NoError(t, err)
	_, err = f.store.TransitionTask(ctx, task.ID, store.StatusTodo, store.StatusInProgress, "bob")
	require.NoError(t, err)

	records, err := f.store.ListWorktreesByTask(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(records[0].Path))
	f.host.failAdd[f.manager.RepoPath("api")] = fmt.Errorf("corrupt repo")

	require.NoError(t, f.manager.Reconcile(ctx))

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, got.Status)

	comments, err := f.store.ListComments(ctx, task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, comments)
	assert.Contains(t, comments[0].Body, "could not be restored")
}
