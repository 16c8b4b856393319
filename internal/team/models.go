// Package team defines the team and member domain types.
package team

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// MemberKind classifies a team member.
type MemberKind string

const (
	KindAgent  MemberKind = "agent"
	KindHuman  MemberKind = "human"
	KindSystem MemberKind = "system"
)

// MemberRole is a member's function within the team.
type MemberRole string

const (
	RoleManager  MemberRole = "manager"
	RoleWorker   MemberRole = "worker"
	RoleReviewer MemberRole = "reviewer"
)

// SystemMember is the reserved member name for daemon-originated messages.
const SystemMember = "system"

// Team is a named container isolating members, tasks, and branches.
// The ID is a 6-character hex string generated at creation so branch
// namespaces survive team delete/recreate.
type Team struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Charter   string    `db:"charter"`
	CreatedAt time.Time `db:"created_at"`
}

// Member is a participant in a team. PID is the OS process id of the
// currently running turn when an agent is executing, else zero.
type Member struct {
	Name        string     `db:"name"`
	Kind        MemberKind `db:"kind"`
	Role        MemberRole `db:"role"`
	Seniority   int        `db:"seniority"`
	TeamID      string     `db:"team_id"`
	PID         int        `db:"pid"`
	Quarantined bool       `db:"quarantined"`
	CreatedAt   time.Time  `db:"created_at"`
}

// IsHuman reports whether the member is a human operator.
func (m *Member) IsHuman() bool { return m.Kind == KindHuman }

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ValidateName checks that a member name is usable. The "system" name is
// reserved for the daemon.
func ValidateName(name string) error {
	if name == SystemMember {
		return fmt.Errorf("member name %q is reserved", name)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid member name %q", name)
	}
	return nil
}

// BranchName derives the deterministic task branch:
// delegate/<team_id>/<team>/TNNNN.
func BranchName(teamID, teamName string, taskID int64) string {
	return fmt.Sprintf("delegate/%s/%s/T%04d", teamID, teamName, taskID)
}

// NewID generates a 6-character hex team id.
func NewID() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform is broken; fall back to
		// a time-derived id rather than crashing team creation.
		return fmt.Sprintf("%06x", time.Now().UnixNano()&0xffffff)
	}
	return hex.EncodeToString(b[:])
}
