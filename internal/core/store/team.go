package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nikhilgarg28/delegate/internal/core/model"
)

// ErrTeamNotFound is returned when no team row matches a lookup.
var ErrTeamNotFound = errors.New("team not found")

// ErrMemberNotFound is returned when no member row matches a lookup.
var ErrMemberNotFound = errors.New("member not found")

// CreateTeam inserts a new team row. The team_id must already be unique
// (the caller generates it via internal/core/ids.NewTeamID).
func (s *Store) CreateTeam(ctx context.Context, t model.Team) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO teams (team_id, name, charter, created_at) VALUES (?, ?, ?, ?)`,
			t.TeamID, t.Name, t.Charter, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting team: %w", err)
		}
		return nil
	})
}

// GetTeam returns the team row, or ErrTeamNotFound.
func (s *Store) GetTeam(ctx context.Context, teamID string) (model.Team, error) {
	var t model.Team
	row := s.db.QueryRowContext(ctx,
		`SELECT team_id, name, charter, created_at FROM teams WHERE team_id = ?`, teamID)
	if err := row.Scan(&t.TeamID, &t.Name, &t.Charter, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Team{}, ErrTeamNotFound
		}
		return model.Team{}, fmt.Errorf("scanning team: %w", err)
	}
	return t, nil
}

// FindTeamByName returns the team row matching name, or ErrTeamNotFound.
// Team names are not declared unique at the schema level, so this returns
// the first match. The daemon bootstrap calls it on every start that has
// no configured team id, and creates a team only when no row matches.
func (s *Store) FindTeamByName(ctx context.Context, name string) (model.Team, error) {
	var t model.Team
	row := s.db.QueryRowContext(ctx,
		`SELECT team_id, name, charter, created_at FROM teams WHERE name = ? LIMIT 1`, name)
	if err := row.Scan(&t.TeamID, &t.Name, &t.Charter, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Team{}, ErrTeamNotFound
		}
		return model.Team{}, fmt.Errorf("scanning team: %w", err)
	}
	return t, nil
}

// UpsertMember creates or replaces a member row. Name uniqueness within a
// team and the reservation of model.SystemMemberName for the system member
// are enforced by the caller (WorkflowEngine / team-creation flow), not
// here, since the Store has no way to distinguish "first add" intent from
// legitimate profile updates from the row shape alone.
func (s *Store) UpsertMember(ctx context.Context, m model.Member) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if m.Kind != model.KindSystem && m.Name == model.SystemMemberName {
			return invariant("member name 'system' is reserved")
		}
		var pid any
		if m.PID != nil {
			pid = *m.PID
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO members (team_id, name, kind, role, seniority, pid, quarantined, failure_streak)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (team_id, name) DO UPDATE SET
				kind = excluded.kind, role = excluded.role, seniority = excluded.seniority,
				pid = excluded.pid, quarantined = excluded.quarantined, failure_streak = excluded.failure_streak`,
			m.TeamID, m.Name, string(m.Kind), string(m.Role), m.Seniority, pid, m.Quarantined, m.FailureStreak)
		if err != nil {
			return fmt.Errorf("upserting member: %w", err)
		}
		return nil
	})
}

// GetMember returns a member by name, or ErrMemberNotFound.
func (s *Store) GetMember(ctx context.Context, teamID, name string) (model.Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx, `
		SELECT team_id, name, kind, role, seniority, pid, quarantined, failure_streak
		FROM members WHERE team_id = ? AND name = ?`, teamID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Member{}, ErrMemberNotFound
		}
		return model.Member{}, err
	}
	return m, nil
}

// ListMembers returns all members of a team, agents first by name.
func (s *Store) ListMembers(ctx context.Context, teamID string) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT team_id, name, kind, role, seniority, pid, quarantined, failure_streak
		FROM members WHERE team_id = ? ORDER BY kind, name`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var out []model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (model.Member, error) {
	var m model.Member
	var kind, role string
	var pid sql.NullInt64
	if err := row.Scan(&m.TeamID, &m.Name, &kind, &role, &m.Seniority, &pid, &m.Quarantined, &m.FailureStreak); err != nil {
		return model.Member{}, err
	}
	m.Kind = model.MemberKind(kind)
	m.Role = model.MemberRole(role)
	if pid.Valid {
		v := int(pid.Int64)
		m.PID = &v
	}
	return m, nil
}

// SetMemberPID records (or clears, with nil) the OS pid of the member's
// currently running turn.
func (s *Store) SetMemberPID(ctx context.Context, teamID, name string, pid *int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var v any
		if pid != nil {
			v = *pid
		}
		res, err := tx.ExecContext(ctx, `UPDATE members SET pid = ? WHERE team_id = ? AND name = ?`, v, teamID, name)
		if err != nil {
			return fmt.Errorf("setting member pid: %w", err)
		}
		return checkRowsAffected(res)
	})
}

// SetMemberQuarantine sets or clears the quarantine flag and resets the
// failure streak to zero in both cases.
func (s *Store) SetMemberQuarantine(ctx context.Context, teamID, name string, quarantined bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		streak := 0
		res, err := tx.ExecContext(ctx,
			`UPDATE members SET quarantined = ?, failure_streak = ? WHERE team_id = ? AND name = ?`,
			quarantined, streak, teamID, name)
		if err != nil {
			return fmt.Errorf("setting member quarantine: %w", err)
		}
		return checkRowsAffected(res)
	})
}

// BumpMemberFailure increments the member's consecutive-failure streak and
// returns the new value, so callers can compare against the quarantine cap.
func (s *Store) BumpMemberFailure(ctx context.Context, teamID, name string) (int, error) {
	var streak int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res := tx.QueryRowContext(ctx, `
			UPDATE members SET failure_streak = failure_streak + 1
			WHERE team_id = ? AND name = ?
			RETURNING failure_streak`, teamID, name)
		return res.Scan(&streak)
	})
	return streak, err
}

// ResetMemberFailure clears the member's consecutive-failure streak after a
// successful turn.
func (s *Store) ResetMemberFailure(ctx context.Context, teamID, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE members SET failure_streak = 0 WHERE team_id = ? AND name = ?`, teamID, name)
		if err != nil {
			return fmt.Errorf("resetting member failure streak: %w", err)
		}
		return checkRowsAffected(res)
	})
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrMemberNotFound
	}
	return nil
}
