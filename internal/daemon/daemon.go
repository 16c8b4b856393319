// Package daemon assembles the orchestration core for one team: store,
// event bus, worktree manager, message bus, merge worker, workflow
// engine, and turn scheduler, wired together and started in dependency
// order.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/delegate-dev/delegate/internal/agent"
	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/events/bus"
	"github.com/delegate-dev/delegate/internal/git"
	"github.com/delegate-dev/delegate/internal/merge"
	"github.com/delegate-dev/delegate/internal/messagebus"
	"github.com/delegate-dev/delegate/internal/scheduler"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/team"
	"github.com/delegate-dev/delegate/internal/workflow"
	"github.com/delegate-dev/delegate/internal/worktree"
)

// Daemon runs the orchestration core for a single team.
type Daemon struct {
	cfg    *config.Config
	logger *logger.Logger

	store     *store.Store
	events    bus.EventBus
	resources *worktree.Manager
	messages  *messagebus.Bus
	merger    *merge.Worker
	engine    *workflow.Engine
	scheduler *scheduler.Scheduler
}

// enqueueRef breaks the construction cycle between the workflow engine,
// which enqueues merges, and the merge worker, which transitions tasks
// back through the engine.
type enqueueRef struct {
	w *merge.Worker
}

func (r *enqueueRef) Enqueue(taskID int64) {
	if r.w != nil {
		r.w.Enqueue(taskID)
	}
}

// wakeRef breaks the same cycle between the engine and the scheduler.
type wakeRef struct {
	s *scheduler.Scheduler
}

func (r *wakeRef) RequestTurn(name string) {
	if r.s != nil {
		r.s.RequestTurn(name)
	}
}

// CreateTeam initializes a fresh team under the configured home and
// returns its id. The database is built in a staging directory and
// renamed into place once the team row exists, so a crash mid-create
// never leaves a half-initialized team directory.
func CreateTeam(ctx context.Context, cfg *config.Config, name, charter string, log *logger.Logger) (string, error) {
	staging := cfg.TeamDir(".staging-" + team.NewID())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", fmt.Errorf("create team directory: %w", err)
	}
	st, err := store.Open(filepath.Join(staging, "team.db"), log)
	if err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}
	t, err := st.InitTeam(ctx, name, charter)
	if cerr := st.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}
	if err := os.Rename(staging, cfg.TeamDir(t.ID)); err != nil {
		_ = os.RemoveAll(staging)
		return "", fmt.Errorf("finalize team directory: %w", err)
	}
	log.Info("Team created",
		zap.String("team_id", t.ID),
		zap.String("name", t.Name))
	return t.ID, nil
}

// New opens the team and wires every component. Nothing runs until
// Start.
func New(cfg *config.Config, teamID string, adapter agent.Adapter, log *logger.Logger) (*Daemon, error) {
	st, err := store.Open(cfg.TeamDBPath(teamID), log)
	if err != nil {
		return nil, fmt.Errorf("open team store: %w", err)
	}
	if st.Team() == nil {
		_ = st.Close()
		return nil, fmt.Errorf("team %s is not initialized", teamID)
	}

	eb, err := bus.New(cfg.Events, log)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("connect event bus: %w", err)
	}

	host := git.NewCLI(log)
	resources := worktree.NewManager(st, host, cfg, log)

	registry := workflow.NewRegistry()
	registry.Register(workflow.NewDefaultWorkflow())

	enq := &enqueueRef{}
	wake := &wakeRef{}
	engine := workflow.NewEngine(st, eb, registry, resources, enq, wake, cfg.Workflow, log)

	tmpRoot := filepath.Join(cfg.TeamDir(teamID), "merge")
	merger := merge.NewWorker(st, eb, host, engine, resources,
		cfg.Merge, cfg.Worktree.DefaultBranch, tmpRoot, log)
	enq.w = merger

	d := &Daemon{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "daemon"), zap.String("team_id", teamID)),
		store:     st,
		events:    eb,
		resources: resources,
		merger:    merger,
		engine:    engine,
	}

	sched := scheduler.New(st, eb, adapter, &actionSink{d: d}, cfg.Scheduler, log)
	sched.SetContextSource(d.contextSummary)
	wake.s = sched
	d.scheduler = sched

	msgs := messagebus.New(st, cfg.MessageBus, log)
	msgs.SetDeliveryHook(func(msg *store.Message) {
		sched.RequestTurn(msg.Recipient)
	})
	d.messages = msgs

	return d, nil
}

// Store exposes the team store for tooling built on top of the daemon.
func (d *Daemon) Store() *store.Store { return d.store }

// Engine exposes the workflow engine.
func (d *Daemon) Engine() *workflow.Engine { return d.engine }

// Messages exposes the message bus.
func (d *Daemon) Messages() *messagebus.Bus { return d.messages }

// Start brings the core up: worktrees are reconciled against the
// durable records, interrupted merges re-enter the queue, then the
// delivery loop and scheduler begin accepting work.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.ensureHomeLayout(ctx); err != nil {
		return err
	}

	if err := d.resources.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile worktrees: %w", err)
	}

	d.messages.Start()
	d.merger.Start()

	merging, err := d.store.ListTasksByStatus(ctx, store.StatusMerging)
	if err != nil {
		return fmt.Errorf("recover merge queue: %w", err)
	}
	for _, t := range merging {
		d.logger.Info("Re-enqueueing interrupted merge",
			zap.Int64("task_id", t.ID),
			zap.String("task", t.Ref()))
		d.merger.Enqueue(t.ID)
	}

	d.scheduler.Start()

	// Wake any agent with undelivered or unprocessed mail from before
	// the restart.
	members, err := d.store.ListMembers(ctx)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	for _, m := range members {
		if m.Kind == team.KindAgent {
			d.scheduler.RequestTurn(m.Name)
		}
	}

	d.logger.Info("Daemon started", zap.String("team", d.store.Team().Name))
	return nil
}

// Stop shuts components down in reverse start order. In-flight turns
// get the cancellation grace period; an in-flight merge stops between
// steps without moving main.
func (d *Daemon) Stop() {
	d.scheduler.Stop()
	d.merger.Stop()
	d.messages.Stop()
	d.events.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("Store close failed", zap.Error(err))
	}
	d.logger.Info("Daemon stopped")
}

// ensureHomeLayout creates the repos registry and per-member state
// directories.
func (d *Daemon) ensureHomeLayout(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.ReposDir(), 0o755); err != nil {
		return fmt.Errorf("create repos directory: %w", err)
	}
	members, err := d.store.ListMembers(ctx)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := d.ensureMemberDir(m.Name); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) memberDir(name string) string {
	return filepath.Join(d.cfg.TeamDir(d.store.Team().ID), "members", name)
}

func (d *Daemon) ensureMemberDir(name string) error {
	if err := os.MkdirAll(d.memberDir(name), 0o755); err != nil {
		return fmt.Errorf("create member directory for %s: %w", name, err)
	}
	return nil
}

// contextSummary reads the member's context file, written by the
// set_context action. Missing files mean an empty summary.
func (d *Daemon) contextSummary(name string) string {
	data, err := os.ReadFile(filepath.Join(d.memberDir(name), "context"))
	if err != nil {
		return ""
	}
	return string(data)
}
