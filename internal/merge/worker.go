// Package merge integrates finished task branches into main. A single
// worker serializes all merges: rebase onto the current tip, run the
// test command, then fast-forward main with a compare-and-swap ref
// update. Rebase conflicts fall back to a squashed reapply; if that
// conflicts too the task fails with a human-readable conflict report.
package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/delegate-dev/delegate/internal/common/config"
	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/events"
	"github.com/delegate-dev/delegate/internal/events/bus"
	"github.com/delegate-dev/delegate/internal/git"
	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/team"
)

// backoffDelays paces retries of transient failures.
var backoffDelays = []time.Duration{250 * time.Millisecond, time.Second, 4 * time.Second}

// ErrConflict means neither rebase nor squash reapply could integrate
// the branch; a human resolves it from the attached report.
var ErrConflict = errors.New("content conflict")

// Transitioner moves tasks between statuses. The workflow engine
// implements it; the daemon wires the two together.
type Transitioner interface {
	Transition(ctx context.Context, taskID int64, to store.Status, actor, reason string) (*store.Task, error)
}

// Resources tears down a merged task's worktrees and resolves repo
// paths. The worktree manager implements it.
type Resources interface {
	Destroy(ctx context.Context, taskID int64) error
	RepoPath(repo string) string
}

// Worker processes the merge queue one task at a time.
type Worker struct {
	store       *store.Store
	events      bus.EventBus
	git         git.Host
	transition  Transitioner
	resources   Resources
	cfg         config.MergeConfig
	mainBranch  string
	tmpRoot     string
	logger      *logger.Logger

	queue  chan int64
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWorker creates the merge worker. tmpRoot holds the temporary
// worktrees used for rebase and test runs.
func NewWorker(st *store.Store, eb bus.EventBus, g git.Host, tr Transitioner, res Resources,
	cfg config.MergeConfig, mainBranch, tmpRoot string, log *logger.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:      st,
		events:     eb,
		git:        g,
		transition: tr,
		resources:  res,
		cfg:        cfg,
		mainBranch: mainBranch,
		tmpRoot:    tmpRoot,
		logger:     log.WithFields(zap.String("component", "merge")),
		queue:      make(chan int64, 256),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the merge loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("Merge worker started")
}

// Stop aborts the in-flight merge between steps and waits for the loop
// to exit. main is never left half-advanced: refs move only in the
// final all-or-nothing pass.
func (w *Worker) Stop() {
	w.once.Do(w.cancel)
	w.wg.Wait()
	w.logger.Info("Merge worker stopped")
}

// Enqueue appends a task to the merge queue. Tasks merge in enqueue
// order.
func (w *Worker) Enqueue(taskID int64) {
	select {
	case w.queue <- taskID:
	default:
		// A full queue means hundreds of simultaneous merges; treat as a
		// bug but do not drop silently.
		w.logger.Error("Merge queue full, dropping task",
			zap.String("task", store.TaskRef(taskID)))
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case taskID := <-w.queue:
			w.process(taskID)
		}
	}
}

// process runs the merge pipeline for one task, retrying transient
// failures with exponential backoff.
func (w *Worker) process(taskID int64) {
	task, err := w.store.GetTask(w.ctx, taskID)
	if err != nil {
		w.logger.Error("Failed to load queued task",
			zap.String("task", store.TaskRef(taskID)), zap.Error(err))
		return
	}
	if task.Status != store.StatusMerging {
		w.logger.Warn("Skipping task no longer in merging",
			zap.String("task", task.Ref()),
			zap.String("status", string(task.Status)))
		return
	}

	for attempt := 0; ; attempt++ {
		w.progress(task, "attempt", "", attempt+1, "")
		result := w.runPipeline(task, attempt)
		switch {
		case result.err == nil:
			w.finalize(task)
			return
		case w.ctx.Err() != nil:
			// Shutting down mid-merge: main untouched, task stays in
			// merging and is re-enqueued on restart.
			return
		case result.transient && attempt < w.cfg.RetryLimit:
			w.logger.Warn("Transient merge failure, retrying",
				zap.String("task", task.Ref()),
				zap.Int("attempt", attempt+1),
				zap.Error(result.err))
			delay := backoffDelays[len(backoffDelays)-1]
			if attempt < len(backoffDelays) {
				delay = backoffDelays[attempt]
			}
			select {
			case <-time.After(delay):
			case <-w.ctx.Done():
				return
			}
		default:
			w.fail(task, result)
			return
		}
	}
}

type pipelineResult struct {
	err       error
	transient bool
	report    string // conflict report, when content conflicts ended the merge
}

// repoPlan is the per-repo state of one pipeline run. Refs advance only
// after every repo has a tested tip.
type repoPlan struct {
	repo     string
	repoPath string
	mainTip  string
	newTip   string
	workdir  string
}

func (w *Worker) runPipeline(task *store.Task, attempt int) pipelineResult {
	plans := make([]*repoPlan, 0, len(task.Repos))
	defer func() {
		for _, p := range plans {
			w.cleanupWorkdir(p)
		}
	}()

	// Preflight every repo before touching anything.
	for _, repo := range task.Repos {
		repoPath := w.resources.RepoPath(repo)
		clean, err := w.git.IsClean(w.ctx, repoPath)
		if err != nil {
			return pipelineResult{err: err, transient: true}
		}
		if !clean {
			w.progress(task, "preflight", repo, attempt+1, "DIRTY_MAIN")
			return pipelineResult{err: fmt.Errorf("DIRTY_MAIN: %s has uncommitted changes", repo), transient: true}
		}
		plans = append(plans, &repoPlan{repo: repo, repoPath: repoPath})
	}

	// Rebase (or squash-reapply) each repo onto the current tip and run
	// the tests against the result.
	for _, p := range plans {
		if res := w.prepareRepo(task, p); res != nil {
			return *res
		}
		if res := w.testRepo(task, p); res != nil {
			return *res
		}
	}

	// Final all-or-nothing pass: advance every main together, rolling
	// back on a lost ref race.
	return w.advanceRefs(task, plans)
}

// prepareRepo produces a tested-ready tip for one repo: rebase the task
// branch onto main, falling back to a squashed reapply on conflict.
func (w *Worker) prepareRepo(task *store.Task, p *repoPlan) *pipelineResult {
	var err error
	p.mainTip, err = w.git.RevParse(w.ctx, p.repoPath, w.mainBranch)
	if err != nil {
		return &pipelineResult{err: err, transient: true}
	}

	p.workdir = filepath.Join(w.tmpRoot, fmt.Sprintf("%s-%s-merge", p.repo, task.Ref()))
	_ = os.RemoveAll(p.workdir)
	if err := os.MkdirAll(filepath.Dir(p.workdir), 0o755); err != nil {
		return &pipelineResult{err: err}
	}
	if err := w.git.WorktreeAddDetached(w.ctx, p.repoPath, p.workdir, task.Branch); err != nil {
		return &pipelineResult{err: err, transient: true}
	}

	w.progress(task, "rebase", p.repo, 0, "")
	rebaseCtx, cancel := context.WithTimeout(w.ctx, w.cfg.RebaseTimeout())
	outcome := w.git.Rebase(rebaseCtx, p.workdir, p.mainTip)
	cancel()

	switch outcome.Class {
	case git.Clean:
		p.newTip = outcome.SHA
		return nil
	case git.Transient:
		return &pipelineResult{err: fmt.Errorf("rebase %s: %w", p.repo, outcome.Err), transient: true}
	case git.Conflicted:
		return w.squashReapply(task, p, outcome)
	default:
		return &pipelineResult{err: fmt.Errorf("rebase %s: %w", p.repo, outcome.Err)}
	}
}

// squashReapply applies the task's total diff as one patch onto the
// current main tip. If that conflicts too, the merge fails with a
// conflict report.
func (w *Worker) squashReapply(task *store.Task, p *repoPlan, rebase *git.Outcome) *pipelineResult {
	w.progress(task, "squash", p.repo, 0, "")

	taskTip, err := w.git.RevParse(w.ctx, p.repoPath, task.Branch)
	if err != nil {
		return &pipelineResult{err: err, transient: true}
	}
	baseSHA := task.BaseSHAs[p.repo]
	diff, err := w.git.DiffRange(w.ctx, p.repoPath, baseSHA, taskTip)
	if err != nil {
		return &pipelineResult{err: err, transient: true}
	}

	w.cleanupWorkdir(p)
	if err := w.git.WorktreeAddDetached(w.ctx, p.repoPath, p.workdir, p.mainTip); err != nil {
		return &pipelineResult{err: err, transient: true}
	}

	outcome := w.git.ApplyDiff(w.ctx, p.workdir, diff)
	switch outcome.Class {
	case git.Clean:
		sha, err := w.git.Commit(w.ctx, p.workdir,
			fmt.Sprintf("%s: %s (squashed)", task.Ref(), task.Title))
		if err != nil {
			return &pipelineResult{err: err}
		}
		p.newTip = sha
		return nil
	case git.Conflicted:
		report := w.conflictReport(task, p, rebase, outcome, diff)
		return &pipelineResult{
			err:    fmt.Errorf("%w in %s", ErrConflict, p.repo),
			report: report,
		}
	default:
		return &pipelineResult{err: fmt.Errorf("squash reapply %s: %w", p.repo, outcome.Err),
			transient: outcome.Class == git.Transient}
	}
}

// testRepo runs the repo's test command against the prepared tip. A
// repo without a registered command uses the configured default; with
// neither, the test step is skipped. Test failures are deterministic in
// expectation and not retried.
func (w *Worker) testRepo(task *store.Task, p *repoPlan) *pipelineResult {
	command, err := w.store.RepoTestCommand(w.ctx, p.repo)
	if err != nil {
		return &pipelineResult{err: fmt.Errorf("resolve test command for %s: %w", p.repo, err), transient: true}
	}
	if command == "" {
		command = w.cfg.DefaultTestCommand
	}
	if command == "" {
		return nil
	}
	w.progress(task, "tests", p.repo, 0, "")
	testCtx, cancel := context.WithTimeout(w.ctx, w.cfg.TestTimeout())
	outcome := w.git.RunTests(testCtx, p.workdir, command)
	cancel()

	switch outcome.Class {
	case git.Clean:
		return nil
	case git.Transient:
		return &pipelineResult{err: fmt.Errorf("tests for %s: %w", p.repo, outcome.Err), transient: true}
	default:
		detail := tail(outcome.Stdout+"\n"+outcome.Stderr, 4000)
		return &pipelineResult{err: fmt.Errorf("tests failed in %s:\n%s", p.repo, detail)}
	}
}

// advanceRefs fast-forwards every repo's main in one final pass. A ref
// race in any repo rolls back the repos already advanced so main moves
// all-or-nothing, then the whole pipeline retries.
func (w *Worker) advanceRefs(task *store.Task, plans []*repoPlan) pipelineResult {
	mainRef := "refs/heads/" + w.mainBranch
	var advanced []*repoPlan
	for _, p := range plans {
		w.progress(task, "fast_forward", p.repo, 0, "")
		if err := w.git.UpdateRefCAS(w.ctx, p.repoPath, mainRef, p.mainTip, p.newTip); err != nil {
			for _, a := range advanced {
				w.progress(task, "rollback", a.repo, 0, "")
				if rbErr := w.git.UpdateRefCAS(w.ctx, a.repoPath, mainRef, a.newTip, a.mainTip); rbErr != nil {
					w.logger.Error("Failed to roll back main after ref race",
						zap.String("task", task.Ref()),
						zap.String("repo", a.repo),
						zap.Error(rbErr))
				}
			}
			if errors.Is(err, git.ErrRefRace) {
				return pipelineResult{err: fmt.Errorf("ref race in %s: %w", p.repo, err), transient: true}
			}
			return pipelineResult{err: err}
		}
		advanced = append(advanced, p)
	}
	return pipelineResult{}
}

// finalize cleans up after a successful merge and marks the task done.
func (w *Worker) finalize(task *store.Task) {
	ctx := context.WithoutCancel(w.ctx)
	for _, repo := range task.Repos {
		if err := w.git.DeleteBranch(ctx, w.resources.RepoPath(repo), task.Branch); err != nil {
			w.logger.Warn("Failed to delete merged branch",
				zap.String("task", task.Ref()),
				zap.String("repo", repo),
				zap.Error(err))
		}
	}
	if err := w.resources.Destroy(ctx, task.ID); err != nil {
		w.logger.Warn("Failed to destroy worktrees after merge",
			zap.String("task", task.Ref()), zap.Error(err))
	}
	if _, err := w.transition.Transition(ctx, task.ID, store.StatusDone, team.SystemMember, ""); err != nil {
		w.logger.Error("Failed to mark merged task done",
			zap.String("task", task.Ref()), zap.Error(err))
		return
	}
	w.progress(task, "done", "", 0, "")
	w.logger.Info("Task merged", zap.String("task", task.Ref()))
}

// fail records the failure and moves the task to merge_failed. Content
// conflicts attach the full report as a comment for the DRI.
func (w *Worker) fail(task *store.Task, result pipelineResult) {
	ctx := context.WithoutCancel(w.ctx)
	reason := result.err.Error()
	if result.report != "" {
		if err := w.store.AppendComment(ctx, &store.Comment{
			TaskID: task.ID,
			Author: team.SystemMember,
			Body:   result.report,
		}); err != nil {
			w.logger.Error("Failed to record conflict report",
				zap.String("task", task.Ref()), zap.Error(err))
		}
	}
	if _, err := w.transition.Transition(ctx, task.ID, store.StatusMergeFailed, team.SystemMember, reason); err != nil {
		w.logger.Error("Failed to mark task merge_failed",
			zap.String("task", task.Ref()), zap.Error(err))
	}
	w.progress(task, "failed", "", 0, reason)
	w.logger.Warn("Merge failed",
		zap.String("task", task.Ref()),
		zap.String("reason", reason))
}

// conflictReport assembles the human-resolvable report for a merge that
// conflicted under both rebase and squash reapply.
func (w *Worker) conflictReport(task *store.Task, p *repoPlan, rebase, apply *git.Outcome, diff string) string {
	files := apply.Conflicts
	if len(files) == 0 {
		files = rebase.Conflicts
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Merge conflict in %s: %s could not be integrated by rebase or squash reapply.\n\n", p.repo, task.Ref())
	b.WriteString("Conflicting files:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "  - %s\n", f)
	}
	if hunks := extractHunks(diff, files); hunks != "" {
		b.WriteString("\nTask-side hunks for the conflicting files:\n")
		b.WriteString(hunks)
	}
	fmt.Fprintf(&b, "\nResolution for the DRI (%s):\n", task.DRI)
	fmt.Fprintf(&b, "  1. In the task worktree, fetch the new main tip: git fetch origin %s (local repos: git -C %s rev-parse %s).\n",
		w.mainBranch, p.repoPath, w.mainBranch)
	fmt.Fprintf(&b, "  2. Rebase the branch manually: git rebase %s and resolve the conflicts above.\n", w.mainBranch)
	fmt.Fprintf(&b, "  3. To start over instead: git reset --hard %s and reapply the work.\n", task.BaseSHAs[p.repo])
	b.WriteString("  4. Move the task back to in_progress, finish, and re-approve.\n")
	return b.String()
}

// extractHunks filters a unified diff down to the given files.
func extractHunks(diff string, files []string) string {
	if len(files) == 0 {
		return ""
	}
	want := make(map[string]bool, len(files))
	for _, f := range files {
		want[f] = true
	}
	var b strings.Builder
	keep := false
	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			keep = false
			for f := range want {
				if strings.Contains(line, " b/"+f) {
					keep = true
					break
				}
			}
		}
		if keep {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return tail(b.String(), 8000)
}

func (w *Worker) cleanupWorkdir(p *repoPlan) {
	if p.workdir == "" {
		return
	}
	ctx := context.WithoutCancel(w.ctx)
	if err := w.git.WorktreeRemove(ctx, p.repoPath, p.workdir); err != nil {
		w.logger.Debug("Failed to remove merge workdir",
			zap.String("repo", p.repo), zap.Error(err))
	}
	_ = os.RemoveAll(p.workdir)
}

func (w *Worker) progress(task *store.Task, step, repo string, attempt int, detail string) {
	teamID := w.store.Team().ID
	event := events.NewEvent(events.TypeMergeProgress, teamID, &events.MergeProgressData{
		TaskID:  task.ID,
		Ref:     task.Ref(),
		Step:    step,
		Repo:    repo,
		Attempt: attempt,
		Detail:  detail,
	})
	if err := w.events.Publish(context.Background(), events.SubjectMergeProgress(teamID), event); err != nil {
		w.logger.Debug("Failed to publish merge progress", zap.Error(err))
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
