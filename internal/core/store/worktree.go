package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nikhilgarg28/delegate/internal/core/model"
)

// ErrWorktreeNotFound is returned when no worktree row matches a lookup.
var ErrWorktreeNotFound = errors.New("worktree not found")

// SaveWorktree records (or replaces) a task's worktree row for one repo.
func (s *Store) SaveWorktree(ctx context.Context, teamID string, w model.Worktree) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO worktrees (team_id, task_id, repo, path, branch, base_sha)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (team_id, task_id, repo) DO UPDATE SET
				path = excluded.path, branch = excluded.branch, base_sha = excluded.base_sha`,
			teamID, w.TaskID, w.Repo, w.Path, w.Branch, w.BaseSHA)
		if err != nil {
			return fmt.Errorf("saving worktree: %w", err)
		}
		return nil
	})
}

// DeleteWorktree removes a task's worktree rows (all repos, if repo is
// empty, else just the named one).
func (s *Store) DeleteWorktree(ctx context.Context, teamID string, taskID int64, repo string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if repo == "" {
			_, err = tx.ExecContext(ctx, `DELETE FROM worktrees WHERE team_id = ? AND task_id = ?`, teamID, taskID)
		} else {
			_, err = tx.ExecContext(ctx, `DELETE FROM worktrees WHERE team_id = ? AND task_id = ? AND repo = ?`, teamID, taskID, repo)
		}
		if err != nil {
			return fmt.Errorf("deleting worktree: %w", err)
		}
		return nil
	})
}

// ListWorktrees returns a task's worktree rows, one per repo.
func (s *Store) ListWorktrees(ctx context.Context, teamID string, taskID int64) ([]model.Worktree, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, repo, path, branch, base_sha FROM worktrees
		WHERE team_id = ? AND task_id = ?`, teamID, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	defer rows.Close()

	var out []model.Worktree
	for rows.Next() {
		var w model.Worktree
		if err := rows.Scan(&w.TaskID, &w.Repo, &w.Path, &w.Branch, &w.BaseSHA); err != nil {
			return nil, fmt.Errorf("scanning worktree: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// AllWorktrees returns every worktree row for the team, across all tasks,
// used by the ResourceManager's startup reconciliation pass.
func (s *Store) AllWorktrees(ctx context.Context, teamID string) ([]model.Worktree, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, repo, path, branch, base_sha FROM worktrees WHERE team_id = ?`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	defer rows.Close()

	var out []model.Worktree
	for rows.Next() {
		var w model.Worktree
		if err := rows.Scan(&w.TaskID, &w.Repo, &w.Path, &w.Branch, &w.BaseSHA); err != nil {
			return nil, fmt.Errorf("scanning worktree: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
