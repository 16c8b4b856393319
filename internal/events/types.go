// Package events defines the daemon's internal event vocabulary and the
// subject hierarchy used on the event bus. Subjects are scoped per team
// so a single bus can carry multiple teams.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types published by the daemon.
const (
	TypeTurnStarted   = "turn.started"
	TypeTurnEnded     = "turn.ended"
	TypeTurnFailed    = "turn.failed"
	TypeActivity      = "activity"
	TypeTaskUpdated   = "task.updated"
	TypeMergeProgress = "merge.progress"
	TypeAgentAlert    = "agent.alert"
)

// Subject builders. The hierarchy is team.<team_id>.<kind>[.<detail>],
// which lets subscribers use wildcards ("team.*.task.update",
// "team.abc123.>").
func SubjectTurnStarted(teamID string) string  { return fmt.Sprintf("team.%s.turn.started", teamID) }
func SubjectTurnEnded(teamID string) string    { return fmt.Sprintf("team.%s.turn.ended", teamID) }
func SubjectActivity(teamID string) string     { return fmt.Sprintf("team.%s.activity", teamID) }
func SubjectTaskUpdate(teamID string) string   { return fmt.Sprintf("team.%s.task.update", teamID) }
func SubjectMergeProgress(teamID string) string { return fmt.Sprintf("team.%s.merge.progress", teamID) }
func SubjectAgentAlert(teamID string) string   { return fmt.Sprintf("team.%s.agent.alert", teamID) }

// SubjectTeamAll matches every subject belonging to one team.
func SubjectTeamAll(teamID string) string { return fmt.Sprintf("team.%s.>", teamID) }

// Event is the envelope carried on the bus. Data is event-specific and
// must be JSON-serializable so the NATS backend can carry it.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	TeamID    string      `json:"team_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType, teamID string, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TeamID:    teamID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// TurnData describes a scheduler turn.
type TurnData struct {
	Agent     string `json:"agent"`
	TaskID    int64  `json:"task_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TaskUpdateData describes a task status change.
type TaskUpdateData struct {
	TaskID int64  `json:"task_id"`
	Ref    string `json:"ref"`
	From   string `json:"from"`
	To     string `json:"to"`
	Actor  string `json:"actor"`
}

// MergeProgressData describes one step of the merge pipeline.
type MergeProgressData struct {
	TaskID  int64  `json:"task_id"`
	Ref     string `json:"ref"`
	Step    string `json:"step"`
	Repo    string `json:"repo,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// AlertData describes a condition needing human attention.
type AlertData struct {
	Agent  string `json:"agent"`
	Reason string `json:"reason"`
	TaskID int64  `json:"task_id,omitempty"`
}
