// Package git wraps the git operations the resource manager and merge
// worker depend on. Every operation returns a typed outcome so callers
// can distinguish clean results, content conflicts, transient failures
// worth retrying, and fatal errors.
package git

import (
	"context"
	"errors"
)

// ErrRefRace means a compare-and-swap ref update lost to a concurrent
// writer. Callers restart their pipeline from the new tip.
var ErrRefRace = errors.New("ref update lost race")

// Class classifies an operation outcome.
type Class int

const (
	// Clean means the operation succeeded.
	Clean Class = iota
	// Conflicted means git reported content conflicts.
	Conflicted
	// Transient means the failure is environmental (lock contention,
	// timeout, dirty tree) and a retry may succeed.
	Transient
	// Fatal means the operation cannot succeed without intervention.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Clean:
		return "clean"
	case Conflicted:
		return "conflicted"
	case Transient:
		return "transient"
	default:
		return "fatal"
	}
}

// Outcome is the result of a git operation.
type Outcome struct {
	Class     Class
	SHA       string   // resulting tip, when applicable
	Conflicts []string // conflicting paths, when Class is Conflicted
	Stdout    string
	Stderr    string
	Err       error
}

// OK reports a clean outcome.
func (o *Outcome) OK() bool { return o.Class == Clean }

// Host encapsulates the git operations the daemon performs against
// local repositories. Implementations must honor ctx cancellation on
// every call.
type Host interface {
	// WorktreeAdd creates a worktree at path on a new branch starting
	// from startRef.
	WorktreeAdd(ctx context.Context, repo, path, branch, startRef string) error

	// WorktreeAddDetached creates a detached worktree at path checked
	// out at ref. Used for temporary merge workspaces.
	WorktreeAddDetached(ctx context.Context, repo, path, ref string) error

	// WorktreeRemove removes a worktree, discarding its local changes.
	WorktreeRemove(ctx context.Context, repo, path string) error

	// RevParse resolves a ref to a commit SHA.
	RevParse(ctx context.Context, repo, ref string) (string, error)

	// IsClean reports whether the repo's primary working tree has no
	// uncommitted changes.
	IsClean(ctx context.Context, repo string) (bool, error)

	// Rebase replays the worktree's checked-out commits onto the given
	// ref. A conflicted rebase is aborted before returning, leaving the
	// worktree at its pre-rebase state.
	Rebase(ctx context.Context, worktree, onto string) *Outcome

	// DiffRange returns the patch text for from..to.
	DiffRange(ctx context.Context, repo, from, to string) (string, error)

	// ApplyDiff applies patch text to the worktree index. Conflicts are
	// reported, not committed.
	ApplyDiff(ctx context.Context, worktree, diff string) *Outcome

	// Commit commits the worktree index and returns the new SHA.
	Commit(ctx context.Context, worktree, message string) (string, error)

	// UpdateRefCAS atomically advances ref from expected to newSHA.
	// Returns ErrRefRace when ref no longer points at expected.
	UpdateRefCAS(ctx context.Context, repo, ref, expected, newSHA string) error

	// RunTests executes the repo's test command inside dir.
	RunTests(ctx context.Context, dir, command string) *Outcome

	// DeleteBranch force-deletes a branch.
	DeleteBranch(ctx context.Context, repo, name string) error

	// BranchExists reports whether the branch exists.
	BranchExists(ctx context.Context, repo, name string) (bool, error)
}
