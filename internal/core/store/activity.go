package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nikhilgarg28/delegate/internal/core/model"
)

// AppendActivity appends one event to the team's activity log, allocating
// its per-team sequence number inside the write transaction.
func (s *Store) AppendActivity(ctx context.Context, a model.Activity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return appendActivityTx(ctx, tx, a)
	})
}

func appendActivityTx(ctx context.Context, tx *sql.Tx, a model.Activity) error {
	var seq int64
	row := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), -1) + 1 FROM activity WHERE team_id = ?`, a.TeamID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("computing activity seq: %w", err)
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activity (team_id, seq, agent, type, task_id, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, a.TeamID, seq, a.Agent, a.Type, a.TaskID, a.Payload, a.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}
	return nil
}

// ListActivity returns a team's activity log in chronological order,
// optionally filtered to a single task when taskID is non-empty.
func (s *Store) ListActivity(ctx context.Context, teamID, taskID string) ([]model.Activity, error) {
	query := `SELECT team_id, agent, type, task_id, payload, timestamp FROM activity WHERE team_id = ?`
	args := []any{teamID}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing activity: %w", err)
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		var a model.Activity
		if err := rows.Scan(&a.TeamID, &a.Agent, &a.Type, &a.TaskID, &a.Payload, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
