package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nikhilgarg28/delegate/internal/core/model"
)

// ErrTaskNotFound is returned when no task row matches a lookup.
var ErrTaskNotFound = errors.New("task not found")

// CreateTask allocates the next monotonic task id for the team inside the
// write transaction, stamps workflow_name/version, and inserts the row.
// CreatedAt/UpdatedAt are set to now if zero.
func (s *Store) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var next int64
		row := tx.QueryRowContext(ctx, `
			INSERT INTO task_ids (team_id, next_id) VALUES (?, 2)
			ON CONFLICT (team_id) DO UPDATE SET next_id = task_ids.next_id + 1
			RETURNING next_id - 1`, t.TeamID)
		if err := row.Scan(&next); err != nil {
			return fmt.Errorf("allocating task id: %w", err)
		}
		t.ID = next

		now := time.Now()
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		if t.Status == "" {
			t.Status = model.StatusTodo
		}

		repos, err := json.Marshal(t.Repos)
		if err != nil {
			return fmt.Errorf("marshaling repos: %w", err)
		}
		baseSHA, err := json.Marshal(t.BaseSHA)
		if err != nil {
			return fmt.Errorf("marshaling base_sha: %w", err)
		}
		dependsOn, err := json.Marshal(t.DependsOn)
		if err != nil {
			return fmt.Errorf("marshaling depends_on: %w", err)
		}
		attachments, err := json.Marshal(t.Attachments)
		if err != nil {
			return fmt.Errorf("marshaling attachments: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, team_id, title, description, dri, assignee, status, priority,
				repos, base_sha, branch, workflow_name, workflow_version, depends_on,
				attachments, review_attempt, retry_count, created_at, updated_at,
				completed_at, rejection_reason
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.TeamID, t.Title, t.Description, t.DRI, t.Assignee, string(t.Status), t.Priority,
			string(repos), string(baseSHA), t.Branch, t.WorkflowName, t.WorkflowVersion, string(dependsOn),
			string(attachments), t.ReviewAttempt, t.RetryCount, t.CreatedAt, t.UpdatedAt,
			nil, t.RejectionReason)
		if err != nil {
			return fmt.Errorf("inserting task: %w", err)
		}
		return nil
	})
	return t, err
}

// GetTask returns a task by team and id, or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, teamID string, id int64) (model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT id, team_id, title, description, dri, assignee, status, priority,
			repos, base_sha, branch, workflow_name, workflow_version, depends_on,
			attachments, review_attempt, retry_count, created_at, updated_at,
			completed_at, rejection_reason
		FROM tasks WHERE team_id = ? AND id = ?`, teamID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, ErrTaskNotFound
		}
		return model.Task{}, err
	}
	return t, nil
}

// ListTasks returns all tasks for a team ordered by id.
func (s *Store) ListTasks(ctx context.Context, teamID string) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, title, description, dri, assignee, status, priority,
			repos, base_sha, branch, workflow_name, workflow_version, depends_on,
			attachments, review_attempt, retry_count, created_at, updated_at,
			completed_at, rejection_reason
		FROM tasks WHERE team_id = ? ORDER BY id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListActiveTasks returns tasks not in a terminal (done/cancelled) status,
// used by the ResourceManager's startup worktree reconciliation.
func (s *Store) ListActiveTasks(ctx context.Context, teamID string) ([]model.Task, error) {
	all, err := s.ListTasks(ctx, teamID)
	if err != nil {
		return nil, err
	}
	var out []model.Task
	for _, t := range all {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

func scanTask(row rowScanner) (model.Task, error) {
	var t model.Task
	var status string
	var repos, baseSHA, dependsOn, attachments string
	var completedAt sql.NullTime
	if err := row.Scan(
		&t.ID, &t.TeamID, &t.Title, &t.Description, &t.DRI, &t.Assignee, &status, &t.Priority,
		&repos, &baseSHA, &t.Branch, &t.WorkflowName, &t.WorkflowVersion, &dependsOn,
		&attachments, &t.ReviewAttempt, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt,
		&completedAt, &t.RejectionReason,
	); err != nil {
		return model.Task{}, fmt.Errorf("scanning task: %w", err)
	}
	t.Status = model.TaskStatus(status)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal([]byte(repos), &t.Repos)
	_ = json.Unmarshal([]byte(baseSHA), &t.BaseSHA)
	_ = json.Unmarshal([]byte(dependsOn), &t.DependsOn)
	_ = json.Unmarshal([]byte(attachments), &t.Attachments)
	return t, nil
}

// TaskMutation describes one atomic, multi-field task update. Fields left
// nil are left unchanged. AppendActivity, if set, is recorded in the same
// transaction as the field changes, matching the spec's requirement that a
// status change and its activity record are indivisible.
type TaskMutation struct {
	Status          *model.TaskStatus
	Assignee        *string
	DRI             *string // rejected with invariant if already set and differs
	Branch          *string
	BaseSHA         map[string]string
	ReviewAttempt   *int
	RetryCount      *int
	CompletedAt     *time.Time
	RejectionReason *string
	Attachments     []string // replaces wholesale; terminal-state exception lives here
	AppendActivity  *model.Activity
}

// MutateTask applies a TaskMutation atomically. If the task is in a
// terminal status, only Attachments may be mutated; any other non-nil
// field returns an invariant violation, per the Task terminal-state
// invariant in the data model.
func (s *Store) MutateTask(ctx context.Context, teamID string, id int64, m TaskMutation) (model.Task, error) {
	var updated model.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// SQLite has no row-level locking; holding s.mu for the whole
		// transaction (see Store.withTx) gives this read-modify-write the
		// same serialization a SELECT ... FOR UPDATE would on a row-locking
		// engine, which is what the per-task "stale transition" guarantee
		// in §4.4 relies on.
		cur, err := scanTask(tx.QueryRowContext(ctx, `
			SELECT id, team_id, title, description, dri, assignee, status, priority,
				repos, base_sha, branch, workflow_name, workflow_version, depends_on,
				attachments, review_attempt, retry_count, created_at, updated_at,
				completed_at, rejection_reason
			FROM tasks WHERE team_id = ? AND id = ?`, teamID, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return err
		}

		if cur.Status.Terminal() {
			if m.Status != nil || m.Assignee != nil || m.DRI != nil || m.Branch != nil ||
				m.BaseSHA != nil || m.ReviewAttempt != nil || m.RetryCount != nil ||
				m.CompletedAt != nil || m.RejectionReason != nil {
				return invariant("task is in a terminal state; only attachments may change")
			}
		}

		if m.DRI != nil {
			if cur.DRI != "" && cur.DRI != *m.DRI {
				return invariant("dri is immutable once set")
			}
			cur.DRI = *m.DRI
		}
		if m.Status != nil {
			cur.Status = *m.Status
		}
		if m.Assignee != nil {
			cur.Assignee = *m.Assignee
		}
		if m.Branch != nil {
			cur.Branch = *m.Branch
		}
		if m.BaseSHA != nil {
			cur.BaseSHA = m.BaseSHA
		}
		if m.ReviewAttempt != nil {
			cur.ReviewAttempt = *m.ReviewAttempt
		}
		if m.RetryCount != nil {
			cur.RetryCount = *m.RetryCount
		}
		if m.CompletedAt != nil {
			cur.CompletedAt = m.CompletedAt
		}
		if m.RejectionReason != nil {
			cur.RejectionReason = *m.RejectionReason
		}
		if m.Attachments != nil {
			cur.Attachments = m.Attachments
		}
		cur.UpdatedAt = time.Now()

		repos, _ := json.Marshal(cur.Repos)
		baseSHA, _ := json.Marshal(cur.BaseSHA)
		dependsOn, _ := json.Marshal(cur.DependsOn)
		attachments, _ := json.Marshal(cur.Attachments)

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET title=?, description=?, dri=?, assignee=?, status=?, priority=?,
				repos=?, base_sha=?, branch=?, workflow_name=?, workflow_version=?, depends_on=?,
				attachments=?, review_attempt=?, retry_count=?, updated_at=?, completed_at=?, rejection_reason=?
			WHERE team_id = ? AND id = ?`,
			cur.Title, cur.Description, cur.DRI, cur.Assignee, string(cur.Status), cur.Priority,
			string(repos), string(baseSHA), cur.Branch, cur.WorkflowName, cur.WorkflowVersion, string(dependsOn),
			string(attachments), cur.ReviewAttempt, cur.RetryCount, cur.UpdatedAt, cur.CompletedAt, cur.RejectionReason,
			teamID, id)
		if err != nil {
			return fmt.Errorf("updating task: %w", err)
		}

		if m.AppendActivity != nil {
			if err := appendActivityTx(ctx, tx, *m.AppendActivity); err != nil {
				return err
			}
		}

		updated = cur
		return nil
	})
	return updated, err
}
