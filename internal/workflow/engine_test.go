package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/events/bus"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/team"
)

type fakeResources struct {
	mu        sync.Mutex
	created   []int64
	destroyed []int64
	failNext  error
}

func (f *fakeResources) Create(ctx context.Context, task *store.Task) (string, map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return "", nil, err
	}
	f.created = append(f.created, task.ID)
	shas := make(map[string]string, len(task.Repos))
	for _, repo := range task.Repos {
		shas[repo] = "abc123"
	}
	return fmt.Sprintf("delegate/%s/platform/%s", "aabbcc", task.Ref()), shas, nil
}

func (f *fakeResources) Destroy(ctx context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, taskID)
	return nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []int64
}

func (f *fakeEnqueuer) Enqueue(taskID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, taskID)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type fixture struct {
	store     *store.Store
	engine    *Engine
	resources *fakeResources
	enqueuer  *fakeEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "team.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.InitTeam(context.Background(), "platform", "")
	require.NoError(t, err)
	for _, m := range []*team.Member{
		{Name: "alice", Kind: team.KindAgent, Role: team.RoleManager},
		{Name: "bob", Kind: team.KindAgent, Role: team.RoleWorker},
		{Name: "dana", Kind: team.KindAgent, Role: team.RoleReviewer},
		{Name: "carol", Kind: team.KindHuman, Role: team.RoleManager},
		{Name: team.SystemMember, Kind: team.KindSystem},
	} {
		require.NoError(t, st.AddMember(context.Background(), m))
	}

	eb := bus.NewMemoryEventBus(64, log)
	t.Cleanup(eb.Close)

	registry := NewRegistry()
	registry.Register(NewDefaultWorkflow())

	resources := &fakeResources{}
	enqueuer := &fakeEnqueuer{}
	engine := NewEngine(st, eb, registry, resources, enqueuer, nil,
		config.WorkflowConfig{ReviewAttemptCap: 3}, log)
	return &fixture{store: st, engine: engine, resources: resources, enqueuer: enqueuer}
}

func (f *fixture) createTask(t *testing.T, repos []string) *store.Task {
	t.Helper()
	task := &store.Task{Title: "add /health endpoint", Repos: repos}
	require.NoError(t, f.engine.CreateTask(context.Background(), task, "carol"))
	return task
}

func TestHappyPathThroughDefaultWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, []string{"api"})

	// bob takes the task; the worktree, base SHA, DRI, and status land
	// together.
	updated, err := f.engine.Transition(ctx, task.ID, store.StatusInProgress, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, updated.Status)
	assert.Equal(t, "bob", updated.DRI)
	assert.Equal(t, "bob", updated.Assignee)
	assert.NotEmpty(t, updated.Branch)
	assert.Equal(t, "abc123", updated.BaseSHAs["api"])
	assert.Equal(t, []int64{task.ID}, f.resources.created)

	// Review goes to the reviewer-role agent, not the DRI.
	updated, err = f.engine.Transition(ctx, task.ID, store.StatusInReview, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ReviewAttempt)
	assert.Equal(t, "dana", updated.Assignee)
	assert.Equal(t, "bob", updated.DRI, "dri never changes after first assignment")

	// Approval prefers the human manager.
	updated, err = f.engine.Transition(ctx, task.ID, store.StatusInApproval, "dana", "")
	require.NoError(t, err)
	assert.Equal(t, "carol", updated.Assignee)

	// Merging hands the task to the merge queue.
	updated, err = f.engine.Transition(ctx, task.ID, store.StatusMerging, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusMerging, updated.Status)
	assert.Equal(t, []int64{task.ID}, f.enqueuer.tasks)

	updated, err = f.engine.Transition(ctx, task.ID, store.StatusDone, team.SystemMember, "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, updated.Status)
	assert.NotNil(t, updated.CompletedAt)
}

func TestInvalidTransitionRejected(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, nil)

	_, err := f.engine.Transition(context.Background(), task.ID, store.StatusMerging, "carol", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGuardRejectionKeepsStatusAndRecordsComment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blocker := f.createTask(t, nil)
	task := &store.Task{Title: "dependent work", DependsOn: []int64{blocker.ID}}
	require.NoError(t, f.engine.CreateTask(ctx, task, "carol"))

	_, err := f.engine.Transition(ctx, task.ID, store.StatusInProgress, "bob", "")
	require.ErrorIs(t, err, ErrGuardRejected)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTodo, got.Status)

	comments, err := f.store.ListComments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, "rejected")
}

func TestHookFailureParksTaskInError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, []string{"api"})
	f.resources.failNext = errors.New("disk full")

	_, err := f.engine.Transition(ctx, task.ID, store.StatusInProgress, "bob", "")
	require.ErrorIs(t, err, ErrHookFailed)

	got, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, got.Status)

	comments, err := f.store.ListComments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, "disk full")

	// A human can recover the task.
	_, err = f.engine.Transition(ctx, task.ID, store.StatusInProgress, "carol", "")
	require.NoError(t, err)
}

// A transition whose status write fails for any reason must undo
// Enter's side effects, not only when it loses a status race.
func TestTransitionFailureRollsBackEnterEffects(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rolledBack bool
	wf := NewWorkflow("doomed", 1, []*Stage{
		{
			Status: store.StatusInProgress,
			// Killing the context here makes the status write fail after
			// the hook's side effects have already happened.
			Enter:    func(sc *StageContext) error { cancel(); return nil },
			Rollback: func(sc *StageContext) { rolledBack = true },
		},
	}, map[store.Status][]store.Status{
		store.StatusTodo: {store.StatusInProgress},
	})
	f.engine.registry.Register(wf)

	task := &store.Task{Title: "doomed work", WorkflowName: "doomed", WorkflowVersion: 1}
	require.NoError(t, f.engine.CreateTask(ctx, task, "carol"))

	_, err := f.engine.Transition(ctx, task.ID, store.StatusInProgress, "bob", "")
	require.Error(t, err)
	assert.True(t, rolledBack, "rollback must run when the status write fails")

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTodo, got.Status)
}

func TestReviewCycleCapEscalatesToHuman(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, []string{"api"})

	_, err := f.engine.Transition(ctx, task.ID, store.StatusInProgress, "bob", "")
	require.NoError(t, err)

	// Three rejected review rounds.
	for i := 0; i < 3; i++ {
		updated, err := f.engine.Transition(ctx, task.ID, store.StatusInReview, "bob", "")
		require.NoError(t, err)
		assert.Equal(t, "dana", updated.Assignee)
		_, err = f.engine.Transition(ctx, task.ID, store.StatusRejected, "dana", "needs work")
		require.NoError(t, err)
		_, err = f.engine.Transition(ctx, task.ID, store.StatusInProgress, "bob", "")
		require.NoError(t, err)
	}

	// The fourth attempt goes to the human with a notification.
	updated, err := f.engine.Transition(ctx, task.ID, store.StatusInReview, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, 4, updated.ReviewAttempt)
	assert.Equal(t, "carol", updated.Assignee)
	assert.Equal(t, "bob", updated.DRI)

	msgs, err := f.store.ListMessagesByTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, team.SystemMember, last.Sender)
	assert.Equal(t, "carol", last.Recipient)
	assert.Contains(t, last.Content, "review attempt")
}

func TestRejectionRecordsReasonAndReturnsToDRI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, []string{"api"})

	_, err := f.engine.Transition(ctx, task.ID, store.StatusInProgress, "bob", "")
	require.NoError(t, err)
	_, err = f.engine.Transition(ctx, task.ID, store.StatusInReview, "bob", "")
	require.NoError(t, err)

	updated, err := f.engine.Transition(ctx, task.ID, store.StatusRejected, "dana", "tests missing")
	require.NoError(t, err)
	assert.Equal(t, "tests missing", updated.RejectionReason)
	assert.Equal(t, "bob", updated.Assignee)
}

func TestCancelReachableFromNonTerminalOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, []string{"api"})

	_, err := f.engine.Transition(ctx, task.ID, store.StatusInProgress, "bob", "")
	require.NoError(t, err)

	updated, err := f.engine.Transition(ctx, task.ID, store.StatusCancelled, "carol", "obsolete")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, updated.Status)
	assert.Equal(t, []int64{task.ID}, f.resources.destroyed)

	// Terminal tasks accept no further transitions.
	_, err = f.engine.Transition(ctx, task.ID, store.StatusInProgress, "carol", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRepoLessTaskSkipsMerging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.createTask(t, nil)

	_, err := f.engine.Transition(ctx, task.ID, store.StatusInProgress, "bob", "")
	require.NoError(t, err)
	assert.Empty(t, f.resources.created, "no repos means no worktrees")

	_, err = f.engine.Transition(ctx, task.ID, store.StatusInReview, "bob", "")
	require.NoError(t, err)
	_, err = f.engine.Transition(ctx, task.ID, store.StatusInApproval, "dana", "")
	require.NoError(t, err)

	_, err = f.engine.Transition(ctx, task.ID, store.StatusMerging, "carol", "")
	require.ErrorIs(t, err, ErrGuardRejected)

	updated, err := f.engine.Transition(ctx, task.ID, store.StatusDone, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, updated.Status)
	assert.Empty(t, f.enqueuer.tasks)
}
