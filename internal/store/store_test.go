package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delegate-dev/delegate/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	s, err := Open(filepath.Join(t.TempDir(), "team.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.InitTeam(context.Background(), "platform", "keep the lights on")
	require.NoError(t, err)
	return s
}

func newTask(title string) *Task {
	return &Task{
		Title:           title,
		Status:          StatusTodo,
		WorkflowName:    "default",
		WorkflowVersion: 1,
	}
}

func TestTaskIDsAreDense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, title := range []string{"first", "second", "third"} {
		task := newTask(title)
		require.NoError(t, s.CreateTask(ctx, task, "carol"))
		assert.Equal(t, int64(i+1), task.ID)
	}

	task, err := s.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "T0001", task.Ref())
}

func TestCreateTaskRequiresWorkflowStamp(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateTask(context.Background(), &Task{Title: "unstamped"}, "carol")
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestTransitionTaskCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("race me")
	require.NoError(t, s.CreateTask(ctx, task, "carol"))

	updated, err := s.TransitionTask(ctx, task.ID, StatusTodo, StatusInProgress, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, updated.Status)

	// A second writer still expecting todo loses the race.
	_, err = s.TransitionTask(ctx, task.ID, StatusTodo, StatusInProgress, "bob")
	require.ErrorIs(t, err, ErrStaleTransition)
}

func TestTransitionAppliesMutationsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("with worktrees")
	task.Repos = []string{"api"}
	require.NoError(t, s.CreateTask(ctx, task, "carol"))

	updated, err := s.TransitionTask(ctx, task.ID, StatusTodo, StatusInProgress, "alice",
		func(t *Task) {
			t.Assignee = "bob"
			t.DRI = "bob"
			t.Branch = "delegate/abc123/platform/T0001"
			t.BaseSHAs = map[string]string{"api": "base123"}
		})
	require.NoError(t, err)
	assert.Equal(t, "bob", updated.DRI)
	assert.Equal(t, "base123", updated.BaseSHAs["api"])

	reread, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "delegate/abc123/platform/T0001", reread.Branch)
	assert.Equal(t, map[string]string{"api": "base123"}, reread.BaseSHAs)
}

func TestDRIIsImmutableOnceSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("owned")
	require.NoError(t, s.CreateTask(ctx, task, "carol"))
	require.NoError(t, s.SetDRI(ctx, task.ID, "bob"))

	// Same value is a no-op, a different value is rejected.
	require.NoError(t, s.SetDRI(ctx, task.ID, "bob"))
	require.ErrorIs(t, s.SetDRI(ctx, task.ID, "dana"), ErrInvariantViolation)

	_, err := s.TransitionTask(ctx, task.ID, StatusTodo, StatusInProgress, "alice",
		func(t *Task) { t.DRI = "dana" })
	require.ErrorIs(t, err, ErrInvariantViolation)

	reread, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", reread.DRI)
	assert.Equal(t, StatusTodo, reread.Status)
}

func TestTerminalTaskAllowsOnlyAttachments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTask("finished")
	require.NoError(t, s.CreateTask(ctx, task, "carol"))
	done, err := s.TransitionTask(ctx, task.ID, StatusTodo, StatusDone, "alice")
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	_, err = s.TransitionTask(ctx, task.ID, StatusDone, StatusInProgress, "alice")
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.ErrorIs(t, s.SetTaskAssignee(ctx, task.ID, "bob"), ErrInvariantViolation)
	require.ErrorIs(t, s.SetRejectionReason(ctx, task.ID, "nope"), ErrInvariantViolation)

	require.NoError(t, s.AppendAttachment(ctx, task.ID, "report.md"))
	reread, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"report.md"}, reread.Attachments)
}

func TestMessageLifecycleIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &Message{Sender: "carol", Recipient: "alice", Content: "hello"}
	require.NoError(t, s.RecordMessage(ctx, msg))

	require.NoError(t, s.MarkDelivered(ctx, msg.ID))
	first, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, first.DeliveredAt)

	// A repeated delivery mark never moves the timestamp.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.MarkDelivered(ctx, msg.ID))
	second, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, first.DeliveredAt, second.DeliveredAt)

	// Processing backfills the seen stage.
	require.NoError(t, s.MarkProcessed(ctx, msg.ID))
	third, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, third.SeenAt)
	require.NotNil(t, third.ProcessedAt)
	assert.False(t, third.SeenAt.Before(*third.DeliveredAt))
	assert.False(t, third.ProcessedAt.Before(*third.SeenAt))
}

func TestMessageDedupIgnoresRecipient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sent := time.Now().UTC()

	first := &Message{Sender: "alice", Recipient: "bob", Content: "ping", SentAt: sent}
	require.NoError(t, s.RecordMessage(ctx, first))

	// Same sender and content in the same bucket is a duplicate even
	// toward a different recipient.
	dup := &Message{Sender: "alice", Recipient: "dana", Content: "ping", SentAt: sent}
	require.ErrorIs(t, s.RecordMessage(ctx, dup), ErrDuplicateMessage)

	// Outside the bucket the same content goes through.
	later := &Message{Sender: "alice", Recipient: "bob", Content: "ping", SentAt: sent.Add(3 * time.Second)}
	require.NoError(t, s.RecordMessage(ctx, later))

	// A different sender is never deduped against alice.
	other := &Message{Sender: "dana", Recipient: "bob", Content: "ping", SentAt: sent}
	require.NoError(t, s.RecordMessage(ctx, other))
}

func TestAdvanceCursorNeverMovesBackward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		msg := &Message{
			Sender:    "carol",
			Recipient: "alice",
			Content:   "msg " + string(rune('a'+i)),
		}
		require.NoError(t, s.RecordMessage(ctx, msg))
		require.NoError(t, s.MarkDelivered(ctx, msg.ID))
		last = msg.ID
	}

	require.NoError(t, s.AdvanceCursor(ctx, "alice", last))
	cursor, err := s.Cursor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, last, cursor)

	// Moving backward is a no-op.
	require.NoError(t, s.AdvanceCursor(ctx, "alice", last-2))
	cursor, err = s.Cursor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, last, cursor)

	// Everything at or below the cursor is processed.
	inbox, err := s.ListInbox(ctx, "alice", 0)
	require.NoError(t, err)
	for _, m := range inbox {
		require.NotNil(t, m.ProcessedAt, "message %d", m.ID)
	}
}

func TestRepoRegistryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Unknown repos resolve to the empty command.
	cmd, err := s.RepoTestCommand(ctx, "api")
	require.NoError(t, err)
	assert.Empty(t, cmd)

	require.NoError(t, s.UpsertRepo(ctx, "api", "make test"))
	cmd, err = s.RepoTestCommand(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "make test", cmd)

	// Re-registering updates the command.
	require.NoError(t, s.UpsertRepo(ctx, "api", "go test ./..."))
	cmd, err = s.RepoTestCommand(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "go test ./...", cmd)

	require.ErrorIs(t, s.UpsertRepo(ctx, "", "make test"), ErrInvariantViolation)
}

func TestPendingDeliveries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &Message{Sender: "carol", Recipient: "alice", Content: "pending"}
	require.NoError(t, s.RecordMessage(ctx, msg))

	pending, err := s.PendingDeliveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	require.NoError(t, s.MarkDelivered(ctx, msg.ID))
	pending, err = s.PendingDeliveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}
