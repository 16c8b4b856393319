// Package store provides the per-team sqlite-backed state store. It owns
// all persistent entities; other components mutate state only through its
// typed operations.
package store

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the store's failure taxonomy.
var (
	// ErrInvariantViolation means a write would break a store invariant.
	// Callers treat this as a bug, not a recoverable condition.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStaleTransition means a task transition lost a race: the task was
	// no longer in the expected status. Callers re-read and decide.
	ErrStaleTransition = errors.New("stale transition")

	// ErrDuplicateMessage means a message send matched the dedup key of an
	// existing message and was rejected.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// Status is a task's workflow status.
type Status string

const (
	StatusTodo        Status = "todo"
	StatusInProgress  Status = "in_progress"
	StatusInReview    Status = "in_review"
	StatusInApproval  Status = "in_approval"
	StatusMerging     Status = "merging"
	StatusDone        Status = "done"
	StatusRejected    Status = "rejected"
	StatusMergeFailed Status = "merge_failed"
	StatusCancelled   Status = "cancelled"
	StatusError       Status = "error"
)

// Terminal reports whether the status is final. Terminal tasks are
// immutable except for their attachments list.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// Task is a unit of work progressing through a workflow. IDs are dense
// positive integers per team, rendered as TNNNN.
type Task struct {
	ID              int64             `db:"id"`
	TeamID          string            `db:"-"`
	Title           string            `db:"title"`
	Description     string            `db:"description"`
	DRI             string            `db:"dri"`
	Assignee        string            `db:"assignee"`
	Status          Status            `db:"status"`
	Priority        int               `db:"priority"`
	Repos           []string          `db:"-"`
	BaseSHAs        map[string]string `db:"-"` // repo -> main SHA at worktree creation
	Branch          string            `db:"branch"`
	WorkflowName    string            `db:"workflow_name"`
	WorkflowVersion int               `db:"workflow_version"`
	DependsOn       []int64           `db:"-"`
	Attachments     []string          `db:"-"`
	ReviewAttempt   int               `db:"review_attempt"`
	RetryCount      int               `db:"retry_count"`
	RejectionReason string            `db:"rejection_reason"`
	CreatedAt       time.Time         `db:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at"`
	CompletedAt     *time.Time        `db:"completed_at"`
}

// Ref renders the task id in its canonical TNNNN form.
func (t *Task) Ref() string { return TaskRef(t.ID) }

// TaskRef renders a task id as TNNNN.
func TaskRef(id int64) string { return fmt.Sprintf("T%04d", id) }

// Message is a durable inter-member message. The same record is the log
// entry and the routing unit. Lifecycle timestamps are monotonic:
// sent_at <= delivered_at <= seen_at <= processed_at, never regressing.
type Message struct {
	ID          int64      `db:"id"`
	TeamID      string     `db:"-"`
	Sender      string     `db:"sender"`
	Recipient   string     `db:"recipient"`
	Content     string     `db:"content"`
	TaskID      int64      `db:"task_id"` // zero when unattributed (human or meta traffic)
	SentAt      time.Time  `db:"sent_at"`
	DeliveredAt *time.Time `db:"delivered_at"`
	SeenAt      *time.Time `db:"seen_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

// Comment is an entry in a task's ordered comment list.
type Comment struct {
	ID        int64     `db:"id"`
	TaskID    int64     `db:"task_id"`
	Author    string    `db:"author"`
	Body      string    `db:"body"`
	CreatedAt time.Time `db:"created_at"`
}

// Verdict is a review outcome.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictPending Verdict = "pending"
)

// Review is one review attempt of a task. Attempt numbers increment each
// time the task re-enters in_review.
type Review struct {
	ID        int64     `db:"id"`
	TaskID    int64     `db:"task_id"`
	Attempt   int       `db:"attempt"`
	Reviewer  string    `db:"reviewer"`
	Verdict   Verdict   `db:"verdict"`
	Summary   string    `db:"summary"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Comments  []ReviewComment
}

// ReviewComment is a single remark inside a review.
type ReviewComment struct {
	ID        int64     `db:"id"`
	ReviewID  int64     `db:"review_id"`
	File      string    `db:"file"`
	Line      int       `db:"line"`
	Body      string    `db:"body"`
	CreatedAt time.Time `db:"created_at"`
}

// Activity is an append-only event log entry used for live observers and
// per-agent/per-task rollups.
type Activity struct {
	ID        int64     `db:"id"`
	TeamID    string    `db:"-"`
	Agent     string    `db:"agent"`
	Type      string    `db:"type"`
	TaskID    int64     `db:"task_id"` // zero when not task-scoped
	Payload   string    `db:"payload"` // JSON
	CreatedAt time.Time `db:"created_at"`
}

// Worktree is the persisted record of a task's git worktree for one repo.
type Worktree struct {
	TaskID    int64     `db:"task_id"`
	Repo      string    `db:"repo"`
	Path      string    `db:"path"`
	Branch    string    `db:"branch"`
	BaseSHA   string    `db:"base_sha"`
	CreatedAt time.Time `db:"created_at"`
}

// AgentStats is a per-agent usage rollup computed from the message and
// activity streams.
type AgentStats struct {
	Agent         string
	MessagesSent  int
	MessagesRecvd int
	TurnsStarted  int
	TurnsFailed   int
}

// TaskStats is a per-task rollup.
type TaskStats struct {
	TaskID        int64
	Messages      int
	Comments      int
	ActivityCount int
}
