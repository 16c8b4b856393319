package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/delegate-dev/delegate/internal/common/tracing"
)

// AppendActivity appends an entry to the team's activity log.
func (s *Store) AppendActivity(ctx context.Context, a *Activity) error {
	if a.Agent == "" || a.Type == "" {
		return fmt.Errorf("%w: activity requires agent and type", ErrInvariantViolation)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Payload == "" {
		a.Payload = "{}"
	}
	a.TeamID = s.teamID()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return appendActivityTx(ctx, tx, a.Agent, a.Type, a.TaskID, a.Payload, a.CreatedAt)
	})
}

func appendActivityTx(ctx context.Context, tx *sqlx.Tx, agent, kind string, taskID int64, payload string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activity (agent, type, task_id, payload, created_at) VALUES (?, ?, ?, ?, ?)
	`, agent, kind, taskID, payload, at)
	return err
}

// ListActivity returns the most recent activity entries, newest first.
func (s *Store) ListActivity(ctx context.Context, limit int) ([]*Activity, error) {
	ctx, span := tracing.Tracer("delegate-store").Start(ctx, "store.ListActivity")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.ro.QueryxContext(ctx, `
		SELECT id, agent, type, task_id, payload, created_at FROM activity
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Activity
	for rows.Next() {
		a := &Activity{}
		if err := rows.Scan(&a.ID, &a.Agent, &a.Type, &a.TaskID, &a.Payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.TeamID = s.teamID()
		result = append(result, a)
	}
	return result, rows.Err()
}

// ListActivityByTask returns a task's activity entries, oldest first.
func (s *Store) ListActivityByTask(ctx context.Context, taskID int64) ([]*Activity, error) {
	rows, err := s.ro.QueryxContext(ctx, `
		SELECT id, agent, type, task_id, payload, created_at FROM activity
		WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Activity
	for rows.Next() {
		a := &Activity{}
		if err := rows.Scan(&a.ID, &a.Agent, &a.Type, &a.TaskID, &a.Payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.TeamID = s.teamID()
		result = append(result, a)
	}
	return result, rows.Err()
}

// GetAgentStats rolls up message and turn counts for one agent.
func (s *Store) GetAgentStats(ctx context.Context, agent string) (*AgentStats, error) {
	ctx, span := tracing.Tracer("delegate-store").Start(ctx, "store.GetAgentStats")
	defer span.End()

	stats := &AgentStats{Agent: agent}
	if err := s.ro.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE sender = ?`, agent).Scan(&stats.MessagesSent); err != nil {
		return nil, err
	}
	if err := s.ro.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE recipient = ?`, agent).Scan(&stats.MessagesRecvd); err != nil {
		return nil, err
	}
	if err := s.ro.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM activity WHERE agent = ? AND type = 'turn_started'`, agent).Scan(&stats.TurnsStarted); err != nil {
		return nil, err
	}
	if err := s.ro.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM activity WHERE agent = ? AND type = 'turn_failed'`, agent).Scan(&stats.TurnsFailed); err != nil {
		return nil, err
	}
	return stats, nil
}

// GetTaskStats rolls up per-task message, comment, and activity counts.
func (s *Store) GetTaskStats(ctx context.Context, taskID int64) (*TaskStats, error) {
	stats := &TaskStats{TaskID: taskID}
	if err := s.ro.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE task_id = ?`, taskID).Scan(&stats.Messages); err != nil {
		return nil, err
	}
	if err := s.ro.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM comments WHERE task_id = ?`, taskID).Scan(&stats.Comments); err != nil {
		return nil, err
	}
	if err := s.ro.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM activity WHERE task_id = ?`, taskID).Scan(&stats.ActivityCount); err != nil {
		return nil, err
	}
	return stats, nil
}
