package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// AppendComment adds a comment to a task's ordered comment list.
func (s *Store) AppendComment(ctx context.Context, c *Comment) error {
	if c.TaskID == 0 || c.Author == "" {
		return fmt.Errorf("%w: comment requires task and author", ErrInvariantViolation)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO comments (task_id, author, body, created_at) VALUES (?, ?, ?, ?)
		`, c.TaskID, c.Author, c.Body, c.CreatedAt)
		if err != nil {
			return err
		}
		c.ID, err = res.LastInsertId()
		return err
	})
}

// ListComments returns a task's comments in insertion order.
func (s *Store) ListComments(ctx context.Context, taskID int64) ([]*Comment, error) {
	rows, err := s.ro.QueryxContext(ctx, `
		SELECT id, task_id, author, body, created_at FROM comments
		WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Comment
	for rows.Next() {
		c := &Comment{}
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// UpsertReview creates or updates the review for (task, attempt). Review
// comments are replaced wholesale on update.
func (s *Store) UpsertReview(ctx context.Context, r *Review) error {
	if r.TaskID == 0 || r.Attempt <= 0 || r.Reviewer == "" {
		return fmt.Errorf("%w: review requires task, attempt, and reviewer", ErrInvariantViolation)
	}
	if r.Verdict == "" {
		r.Verdict = VerdictPending
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var id int64
		err := tx.QueryRowxContext(ctx,
			`SELECT id FROM reviews WHERE task_id = ? AND attempt = ?`, r.TaskID, r.Attempt).Scan(&id)
		switch {
		case err == sql.ErrNoRows:
			r.CreatedAt = now
			r.UpdatedAt = now
			res, err := tx.ExecContext(ctx, `
				INSERT INTO reviews (task_id, attempt, reviewer, verdict, summary, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, r.TaskID, r.Attempt, r.Reviewer, r.Verdict, r.Summary, r.CreatedAt, r.UpdatedAt)
			if err != nil {
				return err
			}
			if r.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			r.ID = id
			r.UpdatedAt = now
			if _, err := tx.ExecContext(ctx, `
				UPDATE reviews SET reviewer = ?, verdict = ?, summary = ?, updated_at = ? WHERE id = ?
			`, r.Reviewer, r.Verdict, r.Summary, r.UpdatedAt, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM review_comments WHERE review_id = ?`, id); err != nil {
				return err
			}
		}
		for i := range r.Comments {
			rc := &r.Comments[i]
			rc.ReviewID = r.ID
			if rc.CreatedAt.IsZero() {
				rc.CreatedAt = now
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO review_comments (review_id, file, line, body, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, rc.ReviewID, rc.File, rc.Line, rc.Body, rc.CreatedAt)
			if err != nil {
				return err
			}
			if rc.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCurrentReview returns the review with the highest attempt for a task,
// or ErrNotFound when the task has never been reviewed.
func (s *Store) GetCurrentReview(ctx context.Context, taskID int64) (*Review, error) {
	r, err := s.queryReview(ctx, `
		SELECT id, task_id, attempt, reviewer, verdict, summary, created_at, updated_at
		FROM reviews WHERE task_id = ? ORDER BY attempt DESC LIMIT 1`, taskID)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListReviews returns all review attempts for a task, oldest first.
func (s *Store) ListReviews(ctx context.Context, taskID int64) ([]*Review, error) {
	rows, err := s.ro.QueryxContext(ctx, `
		SELECT id, task_id, attempt, reviewer, verdict, summary, created_at, updated_at
		FROM reviews WHERE task_id = ? ORDER BY attempt`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Review
	for rows.Next() {
		r := &Review{}
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Attempt, &r.Reviewer, &r.Verdict,
			&r.Summary, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range result {
		if err := s.loadReviewComments(ctx, r); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Store) queryReview(ctx context.Context, query string, args ...any) (*Review, error) {
	r := &Review{}
	err := s.ro.QueryRowxContext(ctx, query, args...).
		Scan(&r.ID, &r.TaskID, &r.Attempt, &r.Reviewer, &r.Verdict, &r.Summary, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: review", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadReviewComments(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) loadReviewComments(ctx context.Context, r *Review) error {
	rows, err := s.ro.QueryxContext(ctx, `
		SELECT id, review_id, file, line, body, created_at FROM review_comments
		WHERE review_id = ? ORDER BY id`, r.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rc := ReviewComment{}
		if err := rows.Scan(&rc.ID, &rc.ReviewID, &rc.File, &rc.Line, &rc.Body, &rc.CreatedAt); err != nil {
			return err
		}
		r.Comments = append(r.Comments, rc)
	}
	return rows.Err()
}
