// Package agent defines the boundary between the orchestration core and
// whatever runs an agent's reasoning. The daemon never talks to a model
// or CLI directly; it hands an Adapter a turn request and applies the
// actions the adapter returns.
package agent

import (
	"context"

	"github.com/delegate-dev/delegate/internal/store"
	"github.com/delegate-dev/delegate/internal/team"
)

// ActionKind enumerates the operations an agent may request during a
// turn. The scheduler applies them through the daemon's action sink.
type ActionKind string

const (
	ActionSendMessage      ActionKind = "send_message"
	ActionCreateTask       ActionKind = "create_task"
	ActionUpdateTaskStatus ActionKind = "update_task_status"
	ActionAppendComment    ActionKind = "append_comment"
	ActionSubmitReview     ActionKind = "submit_review"
	ActionSetContext       ActionKind = "set_context"
	ActionSpawnAgent       ActionKind = "spawn_agent"
	ActionRunShell         ActionKind = "run_shell"
)

// Action is one operation requested by an agent. Only the fields
// relevant to the kind are set.
type Action struct {
	Kind ActionKind `json:"kind"`

	// send_message
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content,omitempty"`
	TaskID    int64  `json:"task_id,omitempty"`

	// create_task
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Repos       []string `json:"repos,omitempty"`
	DependsOn   []int64  `json:"depends_on,omitempty"`

	// update_task_status
	FromStatus store.Status `json:"from_status,omitempty"`
	ToStatus   store.Status `json:"to_status,omitempty"`

	// append_comment
	CommentBody string `json:"comment_body,omitempty"`

	// submit_review
	Verdict        store.Verdict         `json:"verdict,omitempty"`
	ReviewSummary  string                `json:"review_summary,omitempty"`
	ReviewComments []store.ReviewComment `json:"review_comments,omitempty"`

	// set_context
	ContextKey   string `json:"context_key,omitempty"`
	ContextValue string `json:"context_value,omitempty"`

	// spawn_agent
	MemberName string          `json:"member_name,omitempty"`
	MemberRole team.MemberRole `json:"member_role,omitempty"`
	Seniority  int             `json:"seniority,omitempty"`

	// run_shell
	Command string `json:"command,omitempty"`
	WorkDir string `json:"work_dir,omitempty"`
}

// TurnRequest is everything an adapter needs to run one turn: the
// member taking the turn, the inbox messages that triggered it, and a
// summary of the member's accumulated context.
type TurnRequest struct {
	Member         *team.Member      `json:"member"`
	Team           *team.Team        `json:"team"`
	Messages       []*store.Message  `json:"messages"`
	Tasks          []*store.Task     `json:"tasks"` // tasks currently assigned to the member
	ContextSummary string            `json:"context_summary,omitempty"`
	WorkDirs       map[string]string `json:"work_dirs,omitempty"`
}

// TurnResult is what a completed turn produced. Actions are applied in
// order after the adapter returns.
type TurnResult struct {
	Actions []Action `json:"actions"`
	Summary string   `json:"summary,omitempty"`
}

// Adapter runs one turn for a member. RunTurn must honor ctx
// cancellation; the scheduler cancels the context when a turn is
// aborted and allows a short grace period before giving up on the
// adapter.
type Adapter interface {
	RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, req *TurnRequest) (*TurnResult, error)

func (f AdapterFunc) RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	return f(ctx, req)
}
