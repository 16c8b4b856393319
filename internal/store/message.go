package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// dedupBucketSeconds is the coarse time bucket of the message dedup key.
// A repeated (sender, content) within the same bucket is rejected as a
// duplicate, making crash replay idempotent.
const dedupBucketSeconds = 2

const messageColumns = `id, sender, recipient, content, task_id, sent_at, delivered_at, seen_at, processed_at`

// RecordMessage appends an outbound message. The message id is allocated
// inside the insert transaction; SentAt is stamped if unset. A send whose
// (sender, content_hash, sent_bucket) collides with an existing row
// returns ErrDuplicateMessage.
func (s *Store) RecordMessage(ctx context.Context, m *Message) error {
	if m.Sender == "" || m.Recipient == "" {
		return fmt.Errorf("%w: message sender and recipient required", ErrInvariantViolation)
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}
	m.TeamID = s.teamID()
	hash := contentHash(m.Content)
	bucket := m.SentAt.Unix() / dedupBucketSeconds

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (sender, recipient, content, content_hash, sent_bucket, task_id, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, m.Sender, m.Recipient, m.Content, hash, bucket, m.TaskID, m.SentAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: sender %s bucket %d", ErrDuplicateMessage, m.Sender, bucket)
			}
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		m.ID = id
		return nil
	})
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.ro.QueryRowxContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: message %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	m.TeamID = s.teamID()
	return m, nil
}

// ListUndelivered returns messages awaiting delivery in (sent_at, id)
// order, which preserves per-(sender, recipient) send order.
func (s *Store) ListUndelivered(ctx context.Context) ([]*Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE delivered_at IS NULL ORDER BY sent_at, id`)
}

// ListInbox returns delivered messages for a recipient with id greater
// than afterID, in id order.
func (s *Store) ListInbox(ctx context.Context, recipient string, afterID int64) ([]*Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE recipient = ? AND id > ? AND delivered_at IS NOT NULL
		ORDER BY id`, recipient, afterID)
}

// ListMessagesByTask returns all messages attributed to a task.
func (s *Store) ListMessagesByTask(ctx context.Context, taskID int64) ([]*Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE task_id = ? ORDER BY id`, taskID)
}

// MarkDelivered stamps delivered_at. Lifecycle timestamps are monotonic:
// an already-set timestamp is never overwritten or cleared.
func (s *Store) MarkDelivered(ctx context.Context, ids ...int64) error {
	return s.markLifecycle(ctx, "delivered_at", ids)
}

// MarkSeen stamps seen_at, backfilling delivered_at if the message somehow
// skipped the delivery mark.
func (s *Store) MarkSeen(ctx context.Context, ids ...int64) error {
	if err := s.markLifecycle(ctx, "delivered_at", ids); err != nil {
		return err
	}
	return s.markLifecycle(ctx, "seen_at", ids)
}

// MarkProcessed stamps processed_at, backfilling earlier stages.
func (s *Store) MarkProcessed(ctx context.Context, ids ...int64) error {
	if err := s.MarkSeen(ctx, ids...); err != nil {
		return err
	}
	return s.markLifecycle(ctx, "processed_at", ids)
}

func (s *Store) markLifecycle(ctx context.Context, column string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range ids {
			// The IS NULL guard keeps timestamps monotonic.
			_, err := tx.ExecContext(ctx,
				`UPDATE messages SET `+column+` = ? WHERE id = ? AND `+column+` IS NULL`, now, id)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Cursor returns a member's inbox cursor: the highest message id whose
// processing has completed.
func (s *Store) Cursor(ctx context.Context, member string) (int64, error) {
	var cursor int64
	err := s.ro.QueryRowxContext(ctx,
		`SELECT in_cursor FROM cursors WHERE member = ?`, member).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

// AdvanceCursor moves a member's inbox cursor forward and marks every
// message at or below the new cursor processed, in one transaction.
// Earlier lifecycle stages are backfilled so the stamps stay monotonic.
// The cursor never moves backward.
func (s *Store) AdvanceCursor(ctx context.Context, member string, to int64) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var current int64
		err := tx.QueryRowxContext(ctx,
			`SELECT in_cursor FROM cursors WHERE member = ?`, member).Scan(&current)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if to <= current {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cursors (member, in_cursor) VALUES (?, ?)
			ON CONFLICT(member) DO UPDATE SET in_cursor = excluded.in_cursor
		`, member, to); err != nil {
			return err
		}
		for _, column := range []string{"delivered_at", "seen_at", "processed_at"} {
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET `+column+` = ?
				WHERE recipient = ? AND id <= ? AND `+column+` IS NULL
			`, now, member, to); err != nil {
				return err
			}
		}
		return nil
	})
}

// PendingDeliveries is the health gauge of the message bus: the number of
// messages not yet delivered.
func (s *Store) PendingDeliveries(ctx context.Context) (int, error) {
	var count int
	err := s.ro.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE delivered_at IS NULL`).Scan(&count)
	return count, err
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.ro.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		m.TeamID = s.teamID()
		result = append(result, m)
	}
	return result, rows.Err()
}

func scanMessage(row rowScanner) (*Message, error) {
	m := &Message{}
	var delivered, seen, processed sql.NullTime
	err := row.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Content, &m.TaskID,
		&m.SentAt, &delivered, &seen, &processed)
	if err != nil {
		return nil, err
	}
	if delivered.Valid {
		m.DeliveredAt = &delivered.Time
	}
	if seen.Valid {
		m.SeenAt = &seen.Time
	}
	if processed.Valid {
		m.ProcessedAt = &processed.Time
	}
	return m, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
