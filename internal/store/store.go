package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/delegate-dev/delegate/internal/common/logger"
	"github.com/delegate-dev/delegate/internal/db"
	"github.com/delegate-dev/delegate/internal/team"
)

// Store is the single mutator of a team's durable state. One Store per
// team database; writes serialize through the single writer connection
// plus the store mutex for multi-statement transactions.
type Store struct {
	db     *sqlx.DB // writer (one connection)
	ro     *sqlx.DB // reader (read-only pool)
	mu     sync.Mutex
	team   *team.Team
	logger *logger.Logger
}

// Open opens (creating if needed) the team database at dbPath.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	writer, err := db.OpenWriter(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	s := &Store{
		db:     sqlx.NewDb(writer, "sqlite3"),
		ro:     sqlx.NewDb(reader, "sqlite3"),
		logger: log,
	}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.loadTeam(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes both database handles.
func (s *Store) Close() error {
	var first error
	if err := s.db.Close(); err != nil {
		first = err
	}
	if err := s.ro.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Team returns the team this store belongs to, or nil before InitTeam.
func (s *Store) Team() *team.Team { return s.team }

// InitTeam creates the team row if the database is fresh, generating a new
// 6-hex team id. When the row already exists it is returned unchanged.
func (s *Store) InitTeam(ctx context.Context, name, charter string) (*team.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.team != nil {
		return s.team, nil
	}
	t := &team.Team{
		ID:        team.NewID(),
		Name:      name,
		Charter:   charter,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team (id, name, charter, created_at) VALUES (?, ?, ?, ?)
	`, t.ID, t.Name, t.Charter, t.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.team = t
	s.logger = s.logger.WithTeamID(t.ID)
	return t, nil
}

func (s *Store) loadTeam() error {
	t := &team.Team{}
	err := s.ro.QueryRowx(`SELECT id, name, charter, created_at FROM team LIMIT 1`).
		Scan(&t.ID, &t.Name, &t.Charter, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil // fresh database; InitTeam will populate
	}
	if err != nil {
		return err
	}
	s.team = t
	s.logger = s.logger.WithTeamID(t.ID)
	return nil
}

func (s *Store) teamID() string {
	if s.team == nil {
		return ""
	}
	return s.team.ID
}

// withTx runs fn inside a write transaction under the store mutex.
// Multi-step updates either commit entirely or roll back.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rollbackErr, err)
		}
		return err
	}
	return tx.Commit()
}

// isUniqueViolation sniffs sqlite's constraint error text; the driver does
// not expose a stable typed error for this across versions.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) initSchema() error {
	if err := s.initTeamSchema(); err != nil {
		return err
	}
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initMessageSchema(); err != nil {
		return err
	}
	if err := s.initReviewSchema(); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *Store) initTeamSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS team (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		charter TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS members (
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		role TEXT NOT NULL,
		seniority INTEGER DEFAULT 0,
		pid INTEGER DEFAULT 0,
		quarantined INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS repos (
		name TEXT PRIMARY KEY,
		test_cmd TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initTaskSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		dri TEXT DEFAULT '',
		assignee TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'todo',
		priority INTEGER DEFAULT 0,
		repos TEXT DEFAULT '[]',
		base_shas TEXT DEFAULT '{}',
		branch TEXT DEFAULT '',
		workflow_name TEXT NOT NULL,
		workflow_version INTEGER NOT NULL,
		depends_on TEXT DEFAULT '[]',
		attachments TEXT DEFAULT '[]',
		review_attempt INTEGER DEFAULT 0,
		retry_count INTEGER DEFAULT 0,
		rejection_reason TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		author TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS activity (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		type TEXT NOT NULL,
		task_id INTEGER DEFAULT 0,
		payload TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS worktrees (
		task_id INTEGER NOT NULL,
		repo TEXT NOT NULL,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		base_sha TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (task_id, repo)
	);
	`)
	return err
}

func (s *Store) initMessageSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		sent_bucket INTEGER NOT NULL,
		task_id INTEGER DEFAULT 0,
		sent_at TIMESTAMP NOT NULL,
		delivered_at TIMESTAMP,
		seen_at TIMESTAMP,
		processed_at TIMESTAMP,
		UNIQUE (sender, content_hash, sent_bucket)
	);

	CREATE TABLE IF NOT EXISTS cursors (
		member TEXT PRIMARY KEY,
		in_cursor INTEGER NOT NULL DEFAULT 0
	);
	`)
	return err
}

func (s *Store) initReviewSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS reviews (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		reviewer TEXT NOT NULL,
		verdict TEXT NOT NULL DEFAULT 'pending',
		summary TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (task_id, attempt),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS review_comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		review_id INTEGER NOT NULL,
		file TEXT DEFAULT '',
		line INTEGER DEFAULT 0,
		body TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (review_id) REFERENCES reviews(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initIndexes() error {
	_, err := s.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, id);
	CREATE INDEX IF NOT EXISTS idx_messages_undelivered ON messages(delivered_at) WHERE delivered_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee);
	CREATE INDEX IF NOT EXISTS idx_comments_task_id ON comments(task_id);
	CREATE INDEX IF NOT EXISTS idx_activity_agent ON activity(agent);
	CREATE INDEX IF NOT EXISTS idx_activity_task_id ON activity(task_id);
	CREATE INDEX IF NOT EXISTS idx_reviews_task_id ON reviews(task_id);
	`)
	return err
}
