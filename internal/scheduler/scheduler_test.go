package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delegate-dev/delegate/internal/agent"
	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/events/bus"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/team"
)

type recordingSink struct {
	mu      sync.Mutex
	actions []agent.Action
}

func (r *recordingSink) Apply(ctx context.Context, actor *team.Member, action agent.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return nil
}

type failingSink struct{ err error }

func (f *failingSink) Apply(ctx context.Context, actor *team.Member, action agent.Action) error {
	return f.err
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "team.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.InitTeam(context.Background(), "platform", "")
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

// deliver records a message and stamps it delivered so it shows up in
// the recipient's inbox.
func deliver(t *testing.T, st *store.Store, sender, recipient, content string) *store.Message {
	t.Helper()
	msg := &store.Message{Sender: sender, Recipient: recipient, Content: content}
	require.NoError(t, st.RecordMessage(context.Background(), msg))
	require.NoError(t, st.MarkDelivered(context.Background(), msg.ID))
	return msg
}

func schedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{MaxConcurrent: 4, CancelGraceSeconds: 1, FailureLimit: 3}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestTurnAdvancesCursorAndAppliesActions(t *testing.T) {
	st := newTestStore(t)
	eb := bus.NewMemoryEventBus(64, testLogger(t))
	defer eb.Close()

	var turns atomic.Int64
	adapter := agent.AdapterFunc(func(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
		turns.Add(1)
		require.Equal(t, "bob", req.Member.Name)
		require.NotEmpty(t, req.Messages)
		return &agent.TurnResult{Actions: []agent.Action{
			{Kind: agent.ActionAppendComment, TaskID: 1, CommentBody: "on it"},
		}}, nil
	})
	sink := &recordingSink{}
	s := New(st, eb, adapter, sink, schedulerConfig(), testLogger(t))
	s.Start()
	defer s.Stop()

	msg := deliver(t, st, "carol", "bob", "please fix the widget")
	s.RequestTurn("bob")

	waitFor(t, func() bool { return turns.Load() == 1 })
	waitFor(t, func() bool {
		cursor, err := st.Cursor(context.Background(), "bob")
		return err == nil && cursor == msg.ID
	})

	got, err := st.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.SeenAt)
	assert.NotNil(t, got.ProcessedAt)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.actions, 1)
	assert.Equal(t, agent.ActionAppendComment, sink.actions[0].Kind)
}

// A task assignment wakes the assignee even when no new mail arrived;
// the turn runs with an empty inbox snapshot and the cursor stays put.
func TestTaskAssignmentTriggersTurnWithoutMail(t *testing.T) {
	st := newTestStore(t)
	eb := bus.NewMemoryEventBus(64, testLogger(t))
	defer eb.Close()

	task := &store.Task{Title: "resume the migration", Status: store.StatusTodo, WorkflowName: "default", WorkflowVersion: 1}
	require.NoError(t, st.CreateTask(context.Background(), task, "carol"))
	require.NoError(t, st.SetTaskAssignee(context.Background(), task.ID, "bob"))

	var turns atomic.Int64
	adapter := agent.AdapterFunc(func(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
		turns.Add(1)
		assert.Empty(t, req.Messages)
		require.Len(t, req.Tasks, 1)
		assert.Equal(t, task.ID, req.Tasks[0].ID)
		return &agent.TurnResult{}, nil
	})
	s := New(st, eb, adapter, &recordingSink{}, schedulerConfig(), testLogger(t))
	s.Start()
	defer s.Stop()

	s.RequestTurn("bob")
	waitFor(t, func() bool { return turns.Load() == 1 })

	cursor, err := st.Cursor(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

func TestFailedTurnKeepsCursorForRedelivery(t *testing.T) {
	st := newTestStore(t)
	eb := bus.NewMemoryEventBus(64, testLogger(t))
	defer eb.Close()

	adapter := agent.AdapterFunc(func(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
		return nil, errors.New("model exploded")
	})
	s := New(st, eb, adapter, &recordingSink{}, schedulerConfig(), testLogger(t))
	s.Start()
	defer s.Stop()

	msg := deliver(t, st, "carol", "bob", "please fix the widget")
	s.RequestTurn("bob")

	waitFor(t, func() bool { return s.Failures("bob") == 1 })

	cursor, err := st.Cursor(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, cursor, "failed turn must not advance the cursor")

	// The message stays visible for the next turn.
	inbox, err := st.ListInbox(context.Background(), "bob", cursor)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, msg.ID, inbox[0].ID)
}

func TestQuarantineAfterConsecutiveFailures(t *testing.T) {
	st := newTestStore(t)
	eb := bus.NewMemoryEventBus(64, testLogger(t))
	defer eb.Close()

	var turns atomic.Int64
	adapter := agent.AdapterFunc(func(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
		turns.Add(1)
		return nil, errors.New("model exploded")
	})
	cfg := schedulerConfig()
	s := New(st, eb, adapter, &recordingSink{}, cfg, testLogger(t))
	s.Start()
	defer s.Stop()

	deliver(t, st, "carol", "bob", "please fix the widget")
	for i := 0; i < cfg.FailureLimit; i++ {
		want := int64(i + 1)
		s.RequestTurn("bob")
		waitFor(t, func() bool { return turns.Load() == want })
		waitFor(t, func() bool { return s.Failures("bob") == int(want) })
	}

	waitFor(t, func() bool {
		m, err := st.GetMember(context.Background(), "bob")
		return err == nil && m.Quarantined
	})

	// Managers other than the failing agent get an alert from system.
	inbox, err := st.ListUndelivered(context.Background())
	require.NoError(t, err)
	var alerted []string
	for _, m := range inbox {
		if m.Sender == team.SystemMember {
			alerted = append(alerted, m.Recipient)
		}
	}
	assert.ElementsMatch(t, []string{"alice", "carol"}, alerted)

	// Quarantined agents get no further turns.
	before := turns.Load()
	s.RequestTurn("bob")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, turns.Load())
}

func TestTurnRequestsCoalesce(t *testing.T) {
	st := newTestStore(t)
	eb := bus.NewMemoryEventBus(64, testLogger(t))
	defer eb.Close()

	release := make(chan struct{})
	var turns atomic.Int64
	adapter := agent.AdapterFunc(func(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
		turns.Add(1)
		<-release
		return &agent.TurnResult{}, nil
	})
	s := New(st, eb, adapter, &recordingSink{}, schedulerConfig(), testLogger(t))
	s.Start()
	defer s.Stop()

	deliver(t, st, "carol", "bob", "one")
	s.RequestTurn("bob")
	waitFor(t, func() bool { return turns.Load() == 1 })

	// Triggers during a running turn collapse into one follow-up.
	deliver(t, st, "carol", "bob", "two")
	deliver(t, st, "carol", "bob", "three")
	for i := 0; i < 5; i++ {
		s.RequestTurn("bob")
	}
	close(release)

	waitFor(t, func() bool { return turns.Load() == 2 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(2), turns.Load())
}

func TestGlobalParallelismCap(t *testing.T) {
	st := newTestStore(t)
	eb := bus.NewMemoryEventBus(64, testLogger(t))
	defer eb.Close()

	var active, peak atomic.Int64
	release := make(chan struct{})
	adapter := agent.AdapterFunc(func(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return &agent.TurnResult{}, nil
	})
	cfg := schedulerConfig()
	cfg.MaxConcurrent = 1
	s := New(st, eb, adapter, &recordingSink{}, cfg, testLogger(t))
	s.Start()
	defer s.Stop()

	deliver(t, st, "carol", "alice", "ping")
	deliver(t, st, "carol", "bob", "ping")
	s.RequestTurn("alice")
	s.RequestTurn("bob")

	waitFor(t, func() bool { return active.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), peak.Load())
	close(release)
}

func TestCancelAbortsTurn(t *testing.T) {
	st := newTestStore(t)
	eb := bus.NewMemoryEventBus(64, testLogger(t))
	defer eb.Close()

	started := make(chan struct{})
	adapter := agent.AdapterFunc(func(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := New(st, eb, adapter, &recordingSink{}, schedulerConfig(), testLogger(t))
	s.Start()
	defer s.Stop()

	msg := deliver(t, st, "carol", "bob", "long running work")
	s.RequestTurn("bob")
	<-started
	s.Cancel("bob")

	waitFor(t, func() bool {
		acts, err := st.ListActivity(context.Background(), 10)
		if err != nil {
			return false
		}
		for _, a := range acts {
			if a.Type == "turn_aborted" {
				return true
			}
		}
		return false
	})

	// Cancellation is an operator action; it must not count toward
	// quarantine.
	assert.Zero(t, s.Failures("bob"))

	// Aborted turns leave the inbox intact.
	inbox, err := st.ListInbox(context.Background(), "bob", 0)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, msg.ID, inbox[0].ID)
}

// A zero concurrency cap means "use the default", not "run nothing".
func TestZeroMaxConcurrentStillDispatches(t *testing.T) {
	st := newTestStore(t)
	eb := bus.NewMemoryEventBus(64, testLogger(t))
	defer eb.Close()

	var turns atomic.Int64
	adapter := agent.AdapterFunc(func(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
		turns.Add(1)
		return &agent.TurnResult{}, nil
	})
	cfg := schedulerConfig()
	cfg.MaxConcurrent = 0
	s := New(st, eb, adapter, &recordingSink{}, cfg, testLogger(t))
	s.Start()
	defer s.Stop()

	deliver(t, st, "carol", "bob", "ping")
	s.RequestTurn("bob")

	waitFor(t, func() bool { return turns.Load() == 1 })
}

// An action the sink cannot apply fails the turn: the failure is
// counted and the cursor stays put so the messages are redelivered.
func TestActionErrorFailsTurn(t *testing.T) {
	st := newTestStore(t)
	eb := bus.NewMemoryEventBus(64, testLogger(t))
	defer eb.Close()

	adapter := agent.AdapterFunc(func(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
		return &agent.TurnResult{Actions: []agent.Action{
			{Kind: agent.ActionCreateTask, Title: "doomed"},
		}}, nil
	})
	sink := &failingSink{err: errors.New("store rejected the action")}
	s := New(st, eb, adapter, sink, schedulerConfig(), testLogger(t))
	s.Start()
	defer s.Stop()

	msg := deliver(t, st, "carol", "bob", "please fix the widget")
	s.RequestTurn("bob")

	waitFor(t, func() bool { return s.Failures("bob") == 1 })

	cursor, err := st.Cursor(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, cursor)

	inbox, err := st.ListInbox(context.Background(), "bob", 0)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, msg.ID, inbox[0].ID)
}
