package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// PutWorktree records (or replaces) a task's worktree for one repo.
func (s *Store) PutWorktree(ctx context.Context, wt *Worktree) error {
	if wt.CreatedAt.IsZero() {
		wt.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO worktrees (task_id, repo, path, branch, base_sha, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, repo) DO UPDATE SET
				path = excluded.path, branch = excluded.branch, base_sha = excluded.base_sha
		`, wt.TaskID, wt.Repo, wt.Path, wt.Branch, wt.BaseSHA, wt.CreatedAt)
		return err
	})
}

// DeleteWorktrees removes all worktree records for a task.
func (s *Store) DeleteWorktrees(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE task_id = ?`, taskID)
	return err
}

// ListWorktrees returns all recorded worktrees.
func (s *Store) ListWorktrees(ctx context.Context) ([]*Worktree, error) {
	rows, err := s.ro.QueryxContext(ctx,
		`SELECT task_id, repo, path, branch, base_sha, created_at FROM worktrees ORDER BY task_id, repo`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Worktree
	for rows.Next() {
		wt := &Worktree{}
		if err := rows.Scan(&wt.TaskID, &wt.Repo, &wt.Path, &wt.Branch, &wt.BaseSHA, &wt.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, wt)
	}
	return result, rows.Err()
}

// ListWorktreesByTask returns a task's worktree records.
func (s *Store) ListWorktreesByTask(ctx context.Context, taskID int64) ([]*Worktree, error) {
	rows, err := s.ro.QueryxContext(ctx, `
		SELECT task_id, repo, path, branch, base_sha, created_at FROM worktrees
		WHERE task_id = ? ORDER BY repo`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Worktree
	for rows.Next() {
		wt := &Worktree{}
		if err := rows.Scan(&wt.TaskID, &wt.Repo, &wt.Path, &wt.Branch, &wt.BaseSHA, &wt.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, wt)
	}
	return result, rows.Err()
}
