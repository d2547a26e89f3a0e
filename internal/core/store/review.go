package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nikhilgarg28/delegate/internal/core/model"
)

// AppendComment adds the next ordinal comment to a task's ordered comment
// log. Comments are append-only, including on terminal tasks (the task
// terminal-state invariant only protects the tasks row's own fields).
func (s *Store) AppendComment(ctx context.Context, teamID string, c model.Comment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var next int
		row := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(ordinal), -1) + 1 FROM comments WHERE team_id = ? AND task_id = ?`,
			teamID, c.TaskID)
		if err := row.Scan(&next); err != nil {
			return fmt.Errorf("computing comment ordinal: %w", err)
		}
		if c.At.IsZero() {
			c.At = time.Now()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO comments (team_id, task_id, ordinal, author, body, at)
			VALUES (?, ?, ?, ?, ?, ?)`, teamID, c.TaskID, next, c.Author, c.Body, c.At)
		if err != nil {
			return fmt.Errorf("inserting comment: %w", err)
		}
		return nil
	})
}

// ListComments returns a task's comments in ordinal order. Callers supply
// teamID explicitly since model.Comment does not carry it.
func (s *Store) ListComments(ctx context.Context, teamID string, taskID int64) ([]model.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, ordinal, author, body, at FROM comments
		WHERE team_id = ? AND task_id = ? ORDER BY ordinal`, teamID, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing comments: %w", err)
	}
	defer rows.Close()

	var out []model.Comment
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.TaskID, &c.Ordinal, &c.Author, &c.Body, &c.At); err != nil {
			return nil, fmt.Errorf("scanning comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertReview records (or replaces) a review for a given task and attempt
// number. attempt increments on each in_review re-entry; re-submitting the
// same attempt (e.g. the reviewer revises a pending verdict) overwrites it.
func (s *Store) UpsertReview(ctx context.Context, teamID string, r model.Review) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		comments, err := json.Marshal(r.Comments)
		if err != nil {
			return fmt.Errorf("marshaling review comments: %w", err)
		}
		if r.At.IsZero() {
			r.At = time.Now()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reviews (team_id, task_id, attempt, reviewer, verdict, summary, comments, at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (team_id, task_id, attempt) DO UPDATE SET
				reviewer = excluded.reviewer, verdict = excluded.verdict,
				summary = excluded.summary, comments = excluded.comments, at = excluded.at`,
			teamID, r.TaskID, r.Attempt, r.Reviewer, string(r.Verdict), r.Summary, string(comments), r.At)
		if err != nil {
			return fmt.Errorf("upserting review: %w", err)
		}
		return nil
	})
}

// ListReviews returns every review attempt recorded for a task, oldest
// first.
func (s *Store) ListReviews(ctx context.Context, teamID string, taskID int64) ([]model.Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, attempt, reviewer, verdict, summary, comments, at
		FROM reviews WHERE team_id = ? AND task_id = ? ORDER BY attempt`, teamID, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}
	defer rows.Close()

	var out []model.Review
	for rows.Next() {
		var r model.Review
		var verdict, comments string
		if err := rows.Scan(&r.TaskID, &r.Attempt, &r.Reviewer, &verdict, &r.Summary, &comments, &r.At); err != nil {
			return nil, fmt.Errorf("scanning review: %w", err)
		}
		r.Verdict = model.ReviewVerdict(verdict)
		_ = json.Unmarshal([]byte(comments), &r.Comments)
		out = append(out, r)
	}
	return out, rows.Err()
}
