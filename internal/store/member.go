package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/delegate-dev/delegate/internal/team"
)

const memberColumns = `name, kind, role, seniority, pid, quarantined, created_at`

// AddMember adds a member to the team. Names are unique within a team and
// "system" is reserved.
func (s *Store) AddMember(ctx context.Context, m *team.Member) error {
	if m.Kind != team.KindSystem {
		if err := team.ValidateName(m.Name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.TeamID = s.teamID()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (name, kind, role, seniority, pid, quarantined, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.Name, m.Kind, m.Role, m.Seniority, m.PID, m.Quarantined, m.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: member %s already exists", ErrInvariantViolation, m.Name)
	}
	return err
}

// GetMember retrieves a member by name.
func (s *Store) GetMember(ctx context.Context, name string) (*team.Member, error) {
	m := &team.Member{}
	err := s.ro.QueryRowxContext(ctx,
		`SELECT `+memberColumns+` FROM members WHERE name = ?`, name).
		Scan(&m.Name, &m.Kind, &m.Role, &m.Seniority, &m.PID, &m.Quarantined, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: member %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	m.TeamID = s.teamID()
	return m, nil
}

// ListMembers returns the team roster.
func (s *Store) ListMembers(ctx context.Context) ([]*team.Member, error) {
	rows, err := s.ro.QueryxContext(ctx, `SELECT `+memberColumns+` FROM members ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*team.Member
	for rows.Next() {
		m := &team.Member{}
		if err := rows.Scan(&m.Name, &m.Kind, &m.Role, &m.Seniority, &m.PID, &m.Quarantined, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.TeamID = s.teamID()
		result = append(result, m)
	}
	return result, rows.Err()
}

// SetMemberPID records the OS process id of a member's running turn;
// zero clears it.
func (s *Store) SetMemberPID(ctx context.Context, name string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE members SET pid = ? WHERE name = ?`, pid, name)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: member %s", ErrNotFound, name)
	}
	return nil
}

// SetMemberQuarantined toggles the quarantine flag. A quarantined agent
// receives no further turns until a human clears the flag.
func (s *Store) SetMemberQuarantined(ctx context.Context, name string, quarantined bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE members SET quarantined = ? WHERE name = ?`, quarantined, name)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: member %s", ErrNotFound, name)
	}
	return nil
}
