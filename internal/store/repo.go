package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertRepo records a repo in the team's repo registry along with its
// test command. Registering an existing repo updates the command.
func (s *Store) UpsertRepo(ctx context.Context, name, testCmd string) error {
	if name == "" {
		return fmt.Errorf("%w: repo name required", ErrInvariantViolation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repos (name, test_cmd, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET test_cmd = excluded.test_cmd
	`, name, testCmd, time.Now().UTC())
	return err
}

// RepoTestCommand returns the repo's registered test command. Unknown
// repos and repos registered without a command return the empty string;
// callers fall back to the configured default.
func (s *Store) RepoTestCommand(ctx context.Context, name string) (string, error) {
	var cmd string
	err := s.ro.QueryRowxContext(ctx,
		`SELECT test_cmd FROM repos WHERE name = ?`, name).Scan(&cmd)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return cmd, err
}
