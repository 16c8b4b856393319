package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/delegate-dev/delegate/internal/common/tracing"
)

const taskColumns = `id, title, description, dri, assignee, status, priority, repos, base_shas,
	branch, workflow_name, workflow_version, depends_on, attachments, review_attempt,
	retry_count, rejection_reason, created_at, updated_at, completed_at`

// CreateTask allocates a dense task id inside the creating transaction,
// stamps the workflow name and version, and appends a task_created
// activity entry. The task's ID and timestamps are filled in on return.
func (s *Store) CreateTask(ctx context.Context, task *Task, createdBy string) error {
	if task.Title == "" {
		return fmt.Errorf("%w: task title required", ErrInvariantViolation)
	}
	if task.WorkflowName == "" || task.WorkflowVersion <= 0 {
		return fmt.Errorf("%w: task must be stamped with a workflow", ErrInvariantViolation)
	}
	if task.Status == "" {
		task.Status = StatusTodo
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.TeamID = s.teamID()

	repos, baseSHAs, dependsOn, attachments := marshalTaskLists(task)

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (title, description, dri, assignee, status, priority, repos, base_shas,
				branch, workflow_name, workflow_version, depends_on, attachments, review_attempt,
				retry_count, rejection_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, task.Title, task.Description, task.DRI, task.Assignee, task.Status, task.Priority,
			repos, baseSHAs, task.Branch, task.WorkflowName, task.WorkflowVersion,
			dependsOn, attachments, task.ReviewAttempt, task.RetryCount, task.RejectionReason,
			task.CreatedAt, task.UpdatedAt)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		task.ID = id
		return appendActivityTx(ctx, tx, createdBy, "task_created", id,
			fmt.Sprintf(`{"title":%q}`, task.Title), now)
	})
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	ctx, span := tracing.Tracer("delegate-store").Start(ctx, "store.GetTask")
	defer span.End()

	row := s.ro.QueryRowxContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, TaskRef(id))
	}
	if err != nil {
		return nil, err
	}
	task.TeamID = s.teamID()
	return task, nil
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]*Task, error) {
	ctx, span := tracing.Tracer("delegate-store").Start(ctx, "store.ListTasks")
	defer span.End()

	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id DESC`)
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status Status) ([]*Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id`, status)
}

// ListActiveTasks returns tasks that are neither terminal nor still in todo.
func (s *Store) ListActiveTasks(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status NOT IN ('todo', 'done', 'cancelled') ORDER BY id`)
}

// ListTasksByAssignee returns non-terminal tasks assigned to a member.
func (s *Store) ListTasksByAssignee(ctx context.Context, assignee string) ([]*Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assignee = ? AND status NOT IN ('done', 'cancelled') ORDER BY id`, assignee)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.ro.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		task.TeamID = s.teamID()
		result = append(result, task)
	}
	return result, rows.Err()
}

// TaskMutation adjusts task fields inside a transition transaction.
type TaskMutation func(t *Task)

// TransitionTask moves a task from one status to another with a
// compare-and-swap on the expected status. The status change, any
// mutations, and the activity append commit in one transaction. A loser
// of a concurrent transition race gets ErrStaleTransition.
func (s *Store) TransitionTask(ctx context.Context, id int64, from, to Status, actor string, muts ...TaskMutation) (*Task, error) {
	var updated *Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		task, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if task.Status != from {
			return fmt.Errorf("%w: task %s is %s, expected %s", ErrStaleTransition, task.Ref(), task.Status, from)
		}
		if task.Status.Terminal() {
			return fmt.Errorf("%w: task %s is terminal", ErrInvariantViolation, task.Ref())
		}
		dri := task.DRI
		for _, mut := range muts {
			mut(task)
		}
		if dri != "" && task.DRI != dri {
			return fmt.Errorf("%w: dri is immutable once set", ErrInvariantViolation)
		}
		now := time.Now().UTC()
		task.Status = to
		task.UpdatedAt = now
		if to == StatusDone {
			task.CompletedAt = &now
		}
		if err := updateTaskTx(ctx, tx, task, from); err != nil {
			return err
		}
		payload := fmt.Sprintf(`{"from":%q,"to":%q}`, from, to)
		if err := appendActivityTx(ctx, tx, actor, "status_changed", id, payload, now); err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	updated.TeamID = s.teamID()
	return updated, nil
}

// SetDRI sets the directly responsible individual. The DRI is immutable
// once set; a conflicting write is an invariant violation.
func (s *Store) SetDRI(ctx context.Context, id int64, dri string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		task, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if task.DRI == dri {
			return nil
		}
		if task.DRI != "" {
			return fmt.Errorf("%w: dri already set to %s", ErrInvariantViolation, task.DRI)
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET dri = ?, updated_at = ? WHERE id = ?`,
			dri, time.Now().UTC(), id)
		return err
	})
}

// SetTaskAssignee changes the current assignee. Unlike the DRI the
// assignee rotates as the task moves through stages.
func (s *Store) SetTaskAssignee(ctx context.Context, id int64, assignee string) error {
	return s.mutateTask(ctx, id, func(task *Task) {
		task.Assignee = assignee
	})
}

// SetRejectionReason records why a task was rejected.
func (s *Store) SetRejectionReason(ctx context.Context, id int64, reason string) error {
	return s.mutateTask(ctx, id, func(task *Task) {
		task.RejectionReason = reason
	})
}

// IncrementRetryCount bumps the merge retry counter.
func (s *Store) IncrementRetryCount(ctx context.Context, id int64) error {
	return s.mutateTask(ctx, id, func(task *Task) {
		task.RetryCount++
	})
}

// AppendAttachment adds an attachment. This is the only mutation allowed
// on tasks in a terminal state.
func (s *Store) AppendAttachment(ctx context.Context, id int64, attachment string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		task, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		task.Attachments = append(task.Attachments, attachment)
		data, _ := json.Marshal(task.Attachments)
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET attachments = ?, updated_at = ? WHERE id = ?`,
			string(data), time.Now().UTC(), id)
		return err
	})
}

// mutateTask applies a mutation to a non-terminal task in one transaction.
func (s *Store) mutateTask(ctx context.Context, id int64, mut TaskMutation) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		task, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return fmt.Errorf("%w: task %s is terminal", ErrInvariantViolation, task.Ref())
		}
		mut(task)
		task.UpdatedAt = time.Now().UTC()
		return updateTaskTx(ctx, tx, task, task.Status)
	})
}

func getTaskTx(ctx context.Context, tx *sqlx.Tx, id int64) (*Task, error) {
	row := tx.QueryRowxContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, TaskRef(id))
	}
	return task, err
}

func updateTaskTx(ctx context.Context, tx *sqlx.Tx, task *Task, expectStatus Status) error {
	repos, baseSHAs, dependsOn, attachments := marshalTaskLists(task)
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, dri = ?, assignee = ?, status = ?, priority = ?,
			repos = ?, base_shas = ?, branch = ?, depends_on = ?, attachments = ?,
			review_attempt = ?, retry_count = ?, rejection_reason = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, task.Title, task.Description, task.DRI, task.Assignee, task.Status, task.Priority,
		repos, baseSHAs, task.Branch, dependsOn, attachments,
		task.ReviewAttempt, task.RetryCount, task.RejectionReason, task.UpdatedAt, task.CompletedAt,
		task.ID, expectStatus)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: task %s", ErrStaleTransition, task.Ref())
	}
	return nil
}

func marshalTaskLists(task *Task) (repos, baseSHAs, dependsOn, attachments string) {
	repos = marshalJSON(task.Repos, "[]")
	baseSHAs = marshalJSON(task.BaseSHAs, "{}")
	dependsOn = marshalJSON(task.DependsOn, "[]")
	attachments = marshalJSON(task.Attachments, "[]")
	return
}

func marshalJSON(v any, fallback string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return fallback
	}
	return string(data)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var repos, baseSHAs, dependsOn, attachments string
	var completedAt sql.NullTime
	err := row.Scan(
		&task.ID, &task.Title, &task.Description, &task.DRI, &task.Assignee, &task.Status,
		&task.Priority, &repos, &baseSHAs, &task.Branch, &task.WorkflowName, &task.WorkflowVersion,
		&dependsOn, &attachments, &task.ReviewAttempt, &task.RetryCount, &task.RejectionReason,
		&task.CreatedAt, &task.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal([]byte(repos), &task.Repos)
	_ = json.Unmarshal([]byte(baseSHAs), &task.BaseSHAs)
	_ = json.Unmarshal([]byte(dependsOn), &task.DependsOn)
	_ = json.Unmarshal([]byte(attachments), &task.Attachments)
	return task, nil
}
