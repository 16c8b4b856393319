package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/delegate-dev/delegate/internal/common/logger"
)

// CLI implements Host by shelling out to the git binary. Commands run
// with exec.CommandContext so caller-supplied timeouts and cancellation
// hold.
type CLI struct {
	logger *logger.Logger
}

// NewCLI creates a git host backed by the git binary on PATH.
func NewCLI(log *logger.Logger) *CLI {
	return &CLI{logger: log.WithFields(zap.String("component", "git"))}
}

func (c *CLI) WorktreeAdd(ctx context.Context, repo, path, branch, startRef string) error {
	_, stderr, err := c.run(ctx, repo, "worktree", "add", "-b", branch, path, startRef)
	if err != nil {
		return fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (c *CLI) WorktreeAddDetached(ctx context.Context, repo, path, ref string) error {
	_, stderr, err := c.run(ctx, repo, "worktree", "add", "--detach", path, ref)
	if err != nil {
		return fmt.Errorf("git worktree add --detach: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (c *CLI) WorktreeRemove(ctx context.Context, repo, path string) error {
	_, stderr, err := c.run(ctx, repo, "worktree", "remove", "--force", path)
	if err != nil {
		if strings.Contains(stderr, "is not a working tree") {
			return nil
		}
		return fmt.Errorf("git worktree remove: %w: %s", err, strings.TrimSpace(stderr))
	}
	// Prune stale administrative entries so the path can be reused.
	_, _, _ = c.run(ctx, repo, "worktree", "prune")
	return nil
}

func (c *CLI) RevParse(ctx context.Context, repo, ref string) (string, error) {
	stdout, stderr, err := c.run(ctx, repo, "rev-parse", "--verify", ref)
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s: %w: %s", ref, err, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(stdout), nil
}

func (c *CLI) IsClean(ctx context.Context, repo string) (bool, error) {
	stdout, stderr, err := c.run(ctx, repo, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w: %s", err, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(stdout) == "", nil
}

// Rebase replays the worktree's checked-out branch onto the given ref.
// On conflict the rebase is aborted and the conflicting paths are
// collected from the stopped rebase state first.
func (c *CLI) Rebase(ctx context.Context, worktree, onto string) *Outcome {
	stdout, stderr, err := c.run(ctx, worktree, "rebase", onto)
	if err == nil {
		sha, revErr := c.RevParse(ctx, worktree, "HEAD")
		if revErr != nil {
			return &Outcome{Class: Fatal, Err: revErr}
		}
		return &Outcome{Class: Clean, SHA: sha, Stdout: stdout}
	}

	out := &Outcome{Stdout: stdout, Stderr: stderr, Err: err}
	if isConflict(stdout + stderr) {
		out.Class = Conflicted
		out.Conflicts = c.conflictFiles(ctx, worktree)
		if _, _, abortErr := c.run(ctx, worktree, "rebase", "--abort"); abortErr != nil {
			c.logger.Warn("Failed to abort conflicted rebase",
				zap.String("worktree", worktree), zap.Error(abortErr))
		}
		return out
	}
	out.Class = classifyFailure(ctx, stderr)
	// A rebase stopped for any other reason still needs aborting.
	_, _, _ = c.run(context.WithoutCancel(ctx), worktree, "rebase", "--abort")
	return out
}

func (c *CLI) DiffRange(ctx context.Context, repo, from, to string) (string, error) {
	stdout, stderr, err := c.run(ctx, repo, "diff", "--binary", from+".."+to)
	if err != nil {
		return "", fmt.Errorf("git diff: %w: %s", err, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func (c *CLI) ApplyDiff(ctx context.Context, worktree, diff string) *Outcome {
	if strings.TrimSpace(diff) == "" {
		sha, err := c.RevParse(ctx, worktree, "HEAD")
		if err != nil {
			return &Outcome{Class: Fatal, Err: err}
		}
		return &Outcome{Class: Clean, SHA: sha}
	}
	cmd := exec.CommandContext(ctx, "git", "apply", "--index", "--3way", "-")
	cmd.Dir = worktree
	cmd.Stdin = strings.NewReader(diff)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		out := &Outcome{Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
		if isConflict(stderr.String()) {
			out.Class = Conflicted
			out.Conflicts = c.conflictFiles(ctx, worktree)
		} else {
			out.Class = classifyFailure(ctx, stderr.String())
		}
		return out
	}
	return &Outcome{Class: Clean, Stdout: stdout.String()}
}

func (c *CLI) Commit(ctx context.Context, worktree, message string) (string, error) {
	_, stderr, err := c.run(ctx, worktree, "commit", "-m", message, "--no-verify")
	if err != nil {
		return "", fmt.Errorf("git commit: %w: %s", err, strings.TrimSpace(stderr))
	}
	return c.RevParse(ctx, worktree, "HEAD")
}

func (c *CLI) UpdateRefCAS(ctx context.Context, repo, ref, expected, newSHA string) error {
	_, stderr, err := c.run(ctx, repo, "update-ref", ref, newSHA, expected)
	if err != nil {
		if strings.Contains(stderr, "cannot lock ref") || strings.Contains(stderr, "is at") {
			return fmt.Errorf("%w: %s", ErrRefRace, strings.TrimSpace(stderr))
		}
		return fmt.Errorf("git update-ref: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (c *CLI) RunTests(ctx context.Context, dir, command string) *Outcome {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := &Outcome{Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
	switch {
	case err == nil:
		out.Class = Clean
	case ctx.Err() != nil:
		out.Class = Transient
		out.Err = fmt.Errorf("test command timed out: %w", ctx.Err())
	default:
		out.Class = Fatal
	}
	return out
}

func (c *CLI) DeleteBranch(ctx context.Context, repo, name string) error {
	_, stderr, err := c.run(ctx, repo, "branch", "-D", name)
	if err != nil {
		if strings.Contains(stderr, "not found") {
			return nil
		}
		return fmt.Errorf("git branch -D: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (c *CLI) BranchExists(ctx context.Context, repo, name string) (bool, error) {
	_, _, err := c.run(ctx, repo, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

// conflictFiles lists unmerged paths in a worktree stopped mid-rebase
// or mid-apply.
func (c *CLI) conflictFiles(ctx context.Context, worktree string) []string {
	stdout, _, err := c.run(ctx, worktree, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files
}

func (c *CLI) run(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		c.logger.Debug("git command failed",
			zap.Strings("args", args),
			zap.String("dir", dir),
			zap.String("stderr", strings.TrimSpace(stderr.String())))
	}
	return stdout.String(), stderr.String(), err
}

func isConflict(output string) bool {
	return strings.Contains(output, "CONFLICT") ||
		strings.Contains(output, "could not apply") ||
		strings.Contains(output, "patch does not apply") ||
		strings.Contains(output, "with conflicts")
}

// classifyFailure maps git failures to transient or fatal. Timeouts,
// lock contention, and dirty trees are worth retrying.
func classifyFailure(ctx context.Context, stderr string) Class {
	if ctx.Err() != nil {
		return Transient
	}
	for _, marker := range []string{"index.lock", "cannot lock ref", "unable to create", "Resource temporarily unavailable"} {
		if strings.Contains(stderr, marker) {
			return Transient
		}
	}
	return Fatal
}
