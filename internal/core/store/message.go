package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/nikhilgarg28/delegate/internal/core/model"
)

// ErrMessageNotFound is returned when no message row matches a lookup.
var ErrMessageNotFound = errors.New("message not found")

// ErrDuplicateMessage is returned when a send collides with an existing
// (team_id, sender, content_hash, sent_at_bucket) row, supporting
// idempotent replay after crash.
var ErrDuplicateMessage = errors.New("duplicate message")

// ErrMissingTaskID is returned when a non-human, non-meta send omits
// task_id, per the MessageBus attribution rule.
var ErrMissingTaskID = errors.New("message missing task_id")

// DedupBucketWidth is the coarse time bucket width used for message dedup.
var DedupBucketWidth = time.Second

// AppendMessage inserts a new outbound message, allocating its monotonic id
// inside the write transaction. taskIDRequired should be false only when
// either endpoint is a human member or the message is a meta/system
// message; the MessageBus enforces that decision before calling this. On
// ErrDuplicateMessage the returned message carries the id of the row
// already stored under the same dedup key.
func (s *Store) AppendMessage(ctx context.Context, msg model.Message, taskIDRequired bool) (model.Message, error) {
	if taskIDRequired && msg.TaskID == "" {
		return model.Message{}, ErrMissingTaskID
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	sum := sha256.Sum256([]byte(msg.Content))
	hash := hex.EncodeToString(sum[:])
	bucket := msg.SentAt.Unix() / int64(DedupBucketWidth/time.Second)
	if DedupBucketWidth < time.Second {
		bucket = msg.SentAt.UnixNano() / DedupBucketWidth.Nanoseconds()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var next int64
		row := tx.QueryRowContext(ctx, `
			INSERT INTO message_ids (team_id, next_id) VALUES (?, 2)
			ON CONFLICT (team_id) DO UPDATE SET next_id = message_ids.next_id + 1
			RETURNING next_id - 1`, msg.TeamID)
		if err := row.Scan(&next); err != nil {
			return fmt.Errorf("allocating message id: %w", err)
		}
		msg.ID = next

		var taskID any
		if msg.TaskID != "" {
			taskID = msg.TaskID
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, team_id, sender, recipient, content, type, task_id,
				content_hash, sent_bucket, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.TeamID, msg.Sender, msg.Recipient, msg.Content, string(msg.Type), taskID,
			hash, bucket, msg.SentAt)
		if err != nil {
			if isUniqueConstraintErr(err) {
				if lookupErr := tx.QueryRowContext(ctx, `
					SELECT id FROM messages
					WHERE team_id = ? AND sender = ? AND content_hash = ? AND sent_bucket = ?`,
					msg.TeamID, msg.Sender, hash, bucket).Scan(&msg.ID); lookupErr != nil {
					return fmt.Errorf("looking up duplicate message: %w", lookupErr)
				}
				return ErrDuplicateMessage
			}
			return fmt.Errorf("inserting message: %w", err)
		}
		return nil
	})
	return msg, err
}

// isUniqueConstraintErr is a best-effort substring check; the ncruces
// sqlite3 driver does not expose a typed constraint-violation error, so we
// classify by message text the same way the teacher's git executor
// classifies stderr in internal/git/executor_impl.go's parseGitError.
func isUniqueConstraintErr(err error) bool {
	msg := err.Error()
	return containsAny(msg, "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// UndeliveredOutbox returns messages for the team that have not yet been
// marked delivered, ordered by sent_at so the MessageBus preserves
// per-(sender,recipient) ordering when it writes inbox entries.
func (s *Store) UndeliveredOutbox(ctx context.Context, teamID string) ([]model.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, team_id, sender, recipient, content, type, task_id,
			sent_at, delivered_at, seen_at, processed_at
		FROM messages WHERE team_id = ? AND delivered_at IS NULL ORDER BY sent_at, id`, teamID)
}

// Inbox returns all messages addressed to recipient, in sent_at order.
func (s *Store) Inbox(ctx context.Context, teamID, recipient string) ([]model.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, team_id, sender, recipient, content, type, task_id,
			sent_at, delivered_at, seen_at, processed_at
		FROM messages WHERE team_id = ? AND recipient = ? ORDER BY sent_at, id`, teamID, recipient)
}

// UnprocessedInbox returns recipient's delivered-but-not-yet-processed
// messages: the set the TurnScheduler must re-present on the next trigger
// after a crash or a failed turn.
func (s *Store) UnprocessedInbox(ctx context.Context, teamID, recipient string) ([]model.Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, team_id, sender, recipient, content, type, task_id,
			sent_at, delivered_at, seen_at, processed_at
		FROM messages
		WHERE team_id = ? AND recipient = ? AND delivered_at IS NOT NULL AND processed_at IS NULL
		ORDER BY sent_at, id`, teamID, recipient)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	var typ string
	var taskID sql.NullString
	var deliveredAt, seenAt, processedAt sql.NullTime
	if err := row.Scan(&m.ID, &m.TeamID, &m.Sender, &m.Recipient, &m.Content, &typ, &taskID,
		&m.SentAt, &deliveredAt, &seenAt, &processedAt); err != nil {
		return model.Message{}, fmt.Errorf("scanning message: %w", err)
	}
	m.Type = model.MessageType(typ)
	m.TaskID = taskID.String
	if deliveredAt.Valid {
		m.DeliveredAt = &deliveredAt.Time
	}
	if seenAt.Valid {
		m.SeenAt = &seenAt.Time
	}
	if processedAt.Valid {
		m.ProcessedAt = &processedAt.Time
	}
	return m, nil
}

// MarkDelivered stamps delivered_at for a message. Monotonicity (never
// called before sent_at, never regressed) is the caller's (MessageBus's)
// responsibility since it is the only writer of this transition.
func (s *Store) MarkDelivered(ctx context.Context, teamID string, id int64, at time.Time) error {
	return s.markLifecycle(ctx, teamID, id, "delivered_at", at)
}

// MarkSeen stamps seen_at: the recipient's turn has read the message into
// its current-turn scope.
func (s *Store) MarkSeen(ctx context.Context, teamID string, id int64, at time.Time) error {
	return s.markLifecycle(ctx, teamID, id, "seen_at", at)
}

// MarkProcessed stamps processed_at: the recipient's turn completed with
// this message's id <= in_cursor.
func (s *Store) MarkProcessed(ctx context.Context, teamID string, id int64, at time.Time) error {
	return s.markLifecycle(ctx, teamID, id, "processed_at", at)
}

func (s *Store) markLifecycle(ctx context.Context, teamID string, id int64, column string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE messages SET %s = ? WHERE team_id = ? AND id = ? AND %s IS NULL`, column, column),
			at, teamID, id)
		if err != nil {
			return fmt.Errorf("marking message %s: %w", column, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			// Already marked (idempotent replay) or message does not exist;
			// distinguish by checking existence so duplicate processing is a
			// silent no-op while a bad id is still surfaced.
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE team_id = ? AND id = ?`, teamID, id).Scan(&exists); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrMessageNotFound
				}
				return err
			}
		}
		return nil
	})
}

// InCursor returns the highest message id a member's turns have durably
// processed. Advancing it is the TurnScheduler's job, step 5 of the turn
// execution contract; it is stored on the member row so a crash between
// consumption and advance resumes correctly (the unprocessed messages are
// simply re-presented, since the cursor was never moved past them).
func (s *Store) InCursor(ctx context.Context, teamID, member string) (int64, error) {
	var cursor int64
	row := s.db.QueryRowContext(ctx, `SELECT in_cursor FROM members WHERE team_id = ? AND name = ?`, teamID, member)
	if err := row.Scan(&cursor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrMemberNotFound
		}
		return 0, fmt.Errorf("reading in_cursor: %w", err)
	}
	return cursor, nil
}

// AdvanceInCursor sets a member's in_cursor to newCursor provided it is
// greater than the current value (the column is monotonic, like the
// message lifecycle timestamps it gates).
func (s *Store) AdvanceInCursor(ctx context.Context, teamID, member string, newCursor int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE members SET in_cursor = ?
			WHERE team_id = ? AND name = ? AND in_cursor < ?`, newCursor, teamID, member, newCursor)
		if err != nil {
			return fmt.Errorf("advancing in_cursor: %w", err)
		}
		_, err = res.RowsAffected()
		return err
	})
}
