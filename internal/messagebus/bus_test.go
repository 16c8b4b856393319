package messagebus

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/team"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "team.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.InitTeam(context.Background(), "platform", "keep the lights on")
	require.NoError(t, err)
	for _, m := range []*team.Member{
		{Name: "alice", Kind: team.KindAgent, Role: team.RoleManager},
		{Name: "bob", Kind: team.KindAgent, Role: team.RoleWorker},
		{Name: "carol", Kind: team.KindHuman, Role: team.RoleManager},
		{Name: team.SystemMember, Kind: team.KindSystem},
	} {
		require.NoError(t, st.AddMember(context.Background(), m))
	}
	return st
}

func newTestBus(t *testing.T, st *store.Store) *Bus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return New(st, config.MessageBusConfig{PollIntervalMS: 10, PendingThreshold: 100}, log)
}

func createTask(t *testing.T, st *store.Store) *store.Task {
	t.Helper()
	task := &store.Task{
		Title:           "wire the widget",
		WorkflowName:    "default",
		WorkflowVersion: 1,
	}
	require.NoError(t, st.CreateTask(context.Background(), task, "carol"))
	return task
}

func TestSendRequiresTaskAttributionBetweenAgents(t *testing.T) {
	st := newTestStore(t)
	b := newTestBus(t, st)
	ctx := context.Background()

	err := b.Send(ctx, &store.Message{Sender: "alice", Recipient: "bob", Content: "status?"})
	require.ErrorIs(t, err, store.ErrInvariantViolation)

	task := createTask(t, st)
	err = b.Send(ctx, &store.Message{Sender: "alice", Recipient: "bob", Content: "status?", TaskID: task.ID})
	require.NoError(t, err)
}

func TestSendAllowsUnattributedHumanAndSystemMessages(t *testing.T) {
	st := newTestStore(t)
	b := newTestBus(t, st)
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, &store.Message{Sender: "carol", Recipient: "bob", Content: "hi"}))
	require.NoError(t, b.Send(ctx, &store.Message{Sender: "bob", Recipient: "carol", Content: "hello"}))
	require.NoError(t, b.Send(ctx, &store.Message{Sender: "bob", Recipient: team.SystemMember, Content: "done"}))
}

func TestSendRejectsUnknownTask(t *testing.T) {
	st := newTestStore(t)
	b := newTestBus(t, st)

	err := b.Send(context.Background(),
		&store.Message{Sender: "alice", Recipient: "bob", Content: "x", TaskID: 999})
	require.Error(t, err)
}

func TestDeliveryLoopMarksDeliveredAndFiresHook(t *testing.T) {
	st := newTestStore(t)
	b := newTestBus(t, st)
	ctx := context.Background()
	task := createTask(t, st)

	var mu sync.Mutex
	var delivered []int64
	b.SetDeliveryHook(func(msg *store.Message) {
		mu.Lock()
		delivered = append(delivered, msg.ID)
		mu.Unlock()
	})

	b.Start()
	defer b.Stop()

	var ids []int64
	for _, content := range []string{"one", "two", "three"} {
		msg := &store.Message{Sender: "alice", Recipient: "bob", Content: content, TaskID: task.ID}
		require.NoError(t, b.Send(ctx, msg))
		ids = append(ids, msg.ID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(delivered)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	assert.Equal(t, ids, delivered, "delivery must follow send order")
	mu.Unlock()

	inbox, err := b.Inbox(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, inbox, 3)
	for _, m := range inbox {
		assert.NotNil(t, m.DeliveredAt)
		assert.Nil(t, m.SeenAt)
	}

	pending, err := b.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestSendSuppressesDuplicates(t *testing.T) {
	st := newTestStore(t)
	b := newTestBus(t, st)
	ctx := context.Background()
	task := createTask(t, st)

	now := time.Now().UTC()
	first := &store.Message{Sender: "alice", Recipient: "bob", Content: "retry me", TaskID: task.ID, SentAt: now}
	require.NoError(t, b.Send(ctx, first))

	dup := &store.Message{Sender: "alice", Recipient: "bob", Content: "retry me", TaskID: task.ID, SentAt: now}
	err := b.Send(ctx, dup)
	require.ErrorIs(t, err, store.ErrDuplicateMessage)
}
