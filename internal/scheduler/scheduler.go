// Package scheduler runs agent turns. It serializes turns per agent,
// caps global parallelism, and enforces the turn contract: inbox
// snapshot, adapter invocation, action application, and cursor advance
// on success only, so failed turns are redelivered.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/delegate-dev/delegate/internal/agent"
	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/events"
	"github.com/delegate-dev/delegate/internal/events/bus"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/team"
)

var (
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
	ErrTurnAborted         = errors.New("turn aborted")

	// ErrAgentQuarantined marks a turn skipped because the agent is
	// quarantined. It is not counted as a failure.
	ErrAgentQuarantined = errors.New("agent is quarantined")
)

// ActionSink applies the actions an agent produced during a turn. The
// daemon wires this to the store, workflow engine, and message bus.
type ActionSink interface {
	Apply(ctx context.Context, actor *team.Member, action agent.Action) error
}

// agentState tracks one agent's turn slot. At most one turn runs per
// agent; triggers arriving mid-turn coalesce into the single pending
// flag.
type agentState struct {
	running  bool
	pending  bool
	failures int // consecutive failed turns
	cancel   context.CancelFunc
}

// Scheduler owns turn execution for one team.
type Scheduler struct {
	store   *store.Store
	events  bus.EventBus
	adapter agent.Adapter
	sink    ActionSink
	cfg     config.SchedulerConfig
	logger  *logger.Logger

	sem       *semaphore.Weighted
	agents    map[string]*agentState
	contextFn func(name string) string

	mu      sync.Mutex
	running bool
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. The adapter runs turns; the sink applies
// their actions. A zero MaxConcurrent gets the documented default of
// twice the CPU count; a zero-weight semaphore would block every turn.
func New(st *store.Store, eb bus.EventBus, adapter agent.Adapter, sink ActionSink,
	cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2 * runtime.NumCPU()
	}
	return &Scheduler{
		store:   st,
		events:  eb,
		adapter: adapter,
		sink:    sink,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "scheduler")),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		agents:  make(map[string]*agentState),
	}
}

// SetContextSource registers a callback that summarizes a member's
// accumulated context for turn requests. Must be called before Start.
func (s *Scheduler) SetContextSource(fn func(name string) string) {
	s.contextFn = fn
}

// Start makes the scheduler accept turn requests.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx, s.stop = context.WithCancel(context.Background())
	s.logger.Info("Scheduler started", zap.Int("max_concurrent", s.cfg.MaxConcurrent))
}

// Stop cancels in-flight turns and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stop()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// RequestTurn asks for a turn for the named agent. If a turn is already
// running the request coalesces into one pending follow-up turn.
func (s *Scheduler) RequestTurn(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	st, ok := s.agents[name]
	if !ok {
		st = &agentState{}
		s.agents[name] = st
	}
	if st.running {
		st.pending = true
		return
	}
	st.running = true
	s.wg.Add(1)
	go s.runTurn(name, st)
}

// Cancel aborts the named agent's in-flight turn, if any. The adapter
// gets the configured grace period to return before the turn is
// recorded as aborted.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.agents[name]; ok && st.cancel != nil {
		st.cancel()
	}
}

// Failures returns the agent's consecutive failure count.
func (s *Scheduler) Failures(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.agents[name]; ok {
		return st.failures
	}
	return 0
}

func (s *Scheduler) runTurn(name string, st *agentState) {
	defer s.wg.Done()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.finishTurn(name, st)
		return
	}
	defer s.sem.Release(1)

	err := s.executeTurn(name, st)
	switch {
	case err == nil:
		s.mu.Lock()
		st.failures = 0
		s.mu.Unlock()
	case errors.Is(err, ErrAgentQuarantined):
		s.logger.Debug("Skipping turn for quarantined agent", zap.String("agent", name))
	case errors.Is(err, ErrTurnAborted), errors.Is(err, context.Canceled):
		// Cancellation is an operator action, not agent misbehavior; it
		// never counts toward quarantine.
		s.recordAbort(name, err)
	default:
		s.recordFailure(name, st, err)
	}
	s.finishTurn(name, st)
}

// executeTurn runs the turn contract for one agent. The cursor advances
// only on success, so a failed turn's messages are delivered again.
func (s *Scheduler) executeTurn(name string, st *agentState) error {
	ctx := s.ctx
	member, err := s.store.GetMember(ctx, name)
	if err != nil {
		return fmt.Errorf("load member: %w", err)
	}
	if member.IsHuman() {
		return nil
	}
	if member.Quarantined {
		return ErrAgentQuarantined
	}

	cursor, err := s.store.Cursor(ctx, name)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	msgs, err := s.store.ListInbox(ctx, name, cursor)
	if err != nil {
		return fmt.Errorf("snapshot inbox: %w", err)
	}
	tasks, err := s.store.ListTasksByAssignee(ctx, name)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	// A wake can come from new mail or from a task assignment. With
	// neither mail nor open tasks the turn is a no-op.
	if len(msgs) == 0 && len(tasks) == 0 {
		return nil
	}

	var lastID int64
	if len(msgs) > 0 {
		ids := make([]int64, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		lastID = ids[len(ids)-1]
		if err := s.store.MarkSeen(ctx, ids...); err != nil {
			return fmt.Errorf("mark seen: %w", err)
		}
	}

	teamID := s.store.Team().ID
	s.publish(events.SubjectTurnStarted(teamID), events.NewEvent(events.TypeTurnStarted, teamID,
		&events.TurnData{Agent: name, MessageID: lastID}))
	_ = s.store.AppendActivity(ctx, &store.Activity{Agent: name, Type: "turn_started"})

	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	st.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		st.cancel = nil
		s.mu.Unlock()
	}()

	req := &agent.TurnRequest{
		Member:   member,
		Team:     s.store.Team(),
		Messages: msgs,
		Tasks:    tasks,
	}
	if s.contextFn != nil {
		req.ContextSummary = s.contextFn(name)
	}
	result, err := s.runAdapter(turnCtx, req)
	if err != nil {
		return err
	}

	var actionErrs int
	var firstActionErr error
	for _, action := range result.Actions {
		if err := s.sink.Apply(ctx, member, action); err != nil {
			actionErrs++
			if firstActionErr == nil {
				firstActionErr = err
			}
			s.logger.Error("Failed to apply agent action",
				zap.String("agent", name),
				zap.String("action", string(action.Kind)),
				zap.Error(err))
		}
	}
	// An action failure fails the whole turn: the cursor stays put and
	// the triggering messages are delivered again.
	if firstActionErr != nil {
		return fmt.Errorf("apply actions: %d of %d failed: %w",
			actionErrs, len(result.Actions), firstActionErr)
	}

	if lastID > 0 {
		if err := s.store.AdvanceCursor(ctx, name, lastID); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	_ = s.store.AppendActivity(ctx, &store.Activity{
		Agent:   name,
		Type:    "turn_ended",
		Payload: fmt.Sprintf(`{"actions":%d}`, len(result.Actions)),
	})
	s.publish(events.SubjectTurnEnded(teamID), events.NewEvent(events.TypeTurnEnded, teamID,
		&events.TurnData{Agent: name, MessageID: lastID, Outcome: "ok"}))
	return nil
}

// runAdapter runs the adapter and enforces the cancellation grace
// period: once the turn context is cancelled, the adapter gets
// CancelGrace to return before the turn is abandoned as aborted.
func (s *Scheduler) runAdapter(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error) {
	type outcome struct {
		result *agent.TurnResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.adapter.RunTurn(ctx, req)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.result == nil {
			return &agent.TurnResult{}, nil
		}
		return out.result, nil
	case <-ctx.Done():
		grace := time.NewTimer(s.cfg.CancelGrace())
		defer grace.Stop()
		select {
		case out := <-done:
			if out.err != nil {
				return nil, out.err
			}
			return nil, ErrTurnAborted
		case <-grace.C:
			return nil, fmt.Errorf("%w: adapter did not return within grace period", ErrTurnAborted)
		}
	}
}

// recordAbort logs a cancelled turn without touching the failure
// counter. The inbox stays intact for the next trigger.
func (s *Scheduler) recordAbort(name string, turnErr error) {
	teamID := s.store.Team().ID
	s.logger.Warn("Turn aborted",
		zap.String("agent", name),
		zap.Error(turnErr))
	_ = s.store.AppendActivity(context.Background(), &store.Activity{
		Agent:   name,
		Type:    "turn_aborted",
		Payload: fmt.Sprintf(`{"error":%q}`, turnErr.Error()),
	})
	s.publish(events.SubjectTurnEnded(teamID), events.NewEvent(events.TypeTurnFailed, teamID,
		&events.TurnData{Agent: name, Outcome: "aborted", Error: turnErr.Error()}))
}

// recordFailure counts a consecutive failure and quarantines the agent
// at the configured limit, alerting the team's managers.
func (s *Scheduler) recordFailure(name string, st *agentState, turnErr error) {
	ctx := context.Background()
	teamID := s.store.Team().ID

	s.mu.Lock()
	st.failures++
	failures := st.failures
	s.mu.Unlock()

	s.logger.Warn("Turn failed",
		zap.String("agent", name),
		zap.Int("consecutive_failures", failures),
		zap.Error(turnErr))
	_ = s.store.AppendActivity(ctx, &store.Activity{
		Agent:   name,
		Type:    "turn_failed",
		Payload: fmt.Sprintf(`{"error":%q}`, turnErr.Error()),
	})
	s.publish(events.SubjectTurnEnded(teamID), events.NewEvent(events.TypeTurnFailed, teamID,
		&events.TurnData{Agent: name, Outcome: "failed", Error: turnErr.Error()}))

	if failures < s.cfg.FailureLimit {
		return
	}

	if err := s.store.SetMemberQuarantined(ctx, name, true); err != nil {
		s.logger.Error("Failed to quarantine agent", zap.String("agent", name), zap.Error(err))
		return
	}
	s.logger.Error("Agent quarantined after repeated turn failures",
		zap.String("agent", name),
		zap.Int("failures", failures))
	s.publish(events.SubjectAgentAlert(teamID), events.NewEvent(events.TypeAgentAlert, teamID,
		&events.AlertData{Agent: name, Reason: "quarantined after repeated turn failures"}))
	s.alertManagers(ctx, name, failures, turnErr)
}

func (s *Scheduler) alertManagers(ctx context.Context, name string, failures int, turnErr error) {
	members, err := s.store.ListMembers(ctx)
	if err != nil {
		s.logger.Error("Failed to list members for quarantine alert", zap.Error(err))
		return
	}
	for _, m := range members {
		if m.Role != team.RoleManager || m.Name == name {
			continue
		}
		// The dedup key ignores the recipient, so address each manager by
		// name to keep the alerts distinct.
		content := fmt.Sprintf("%s: %s has been quarantined after %d consecutive turn failures. Last error: %s. Clear the quarantine flag to resume.",
			m.Name, name, failures, strings.TrimSpace(turnErr.Error()))
		msg := &store.Message{Sender: team.SystemMember, Recipient: m.Name, Content: content}
		if err := s.store.RecordMessage(ctx, msg); err != nil && !errors.Is(err, store.ErrDuplicateMessage) {
			s.logger.Error("Failed to send quarantine alert",
				zap.String("manager", m.Name), zap.Error(err))
		}
	}
}

// finishTurn releases the agent's slot and immediately starts the
// coalesced follow-up turn when one is pending.
func (s *Scheduler) finishTurn(name string, st *agentState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.pending && s.running {
		st.pending = false
		s.wg.Add(1)
		go s.runTurn(name, st)
		return
	}
	st.running = false
}

func (s *Scheduler) publish(subject string, event *events.Event) {
	if err := s.events.Publish(context.Background(), subject, event); err != nil {
		s.logger.Debug("Failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
