package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const reminderColumns = `id, broker_id, client_id, event_id, milestone_id, document_id, remind_at, recipient_email,
	subject, body, dedupe_key, status, attempts, last_error, sent_at, created_at`

func scanReminder(row rowScanner) (Reminder, error) {
	var r Reminder
	err := row.Scan(
		&r.ID,
		&r.BrokerID,
		&r.ClientID,
		&r.EventID,
		&r.MilestoneID,
		&r.DocumentID,
		&r.RemindAt,
		&r.RecipientEmail,
		&r.Subject,
		&r.Body,
		&r.DedupeKey,
		&r.Status,
		&r.Attempts,
		&r.LastError,
		&r.SentAt,
		&r.CreatedAt,
	)
	return r, err
}

// ScheduleReminder inserts a reminder unless one with the same dedupe key
// already exists. The returned bool reports whether a row was written.
func (s *PostgresStore) ScheduleReminder(ctx context.Context, r Reminder) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (id, broker_id, client_id, event_id, milestone_id, document_id, remind_at, recipient_email, subject, body, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, r.ID, r.BrokerID, r.ClientID, r.EventID, r.MilestoneID, r.DocumentID, r.RemindAt, r.RecipientEmail, r.Subject, r.Body, r.DedupeKey)
	if err != nil {
		return false, fmt.Errorf("schedule reminder: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("schedule reminder rows: %w", err)
	}
	return n > 0, nil
}

// CancelReminders cancels the given reminders if they are still scheduled.
func (s *PostgresStore) CancelReminders(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			result, err := tx.ExecContext(ctx, `
				UPDATE reminders SET status='cancelled', updated_at=NOW() WHERE id=$1 AND status='scheduled'
			`, id)
			if err != nil {
				return fmt.Errorf("cancel reminder: %w", err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("cancel reminder rows: %w", err)
			}
			total += n
		}
		return nil
	})
	return total, err
}

// CancelMilestoneReminders cancels every scheduled reminder of a milestone.
func (s *PostgresStore) CancelMilestoneReminders(ctx context.Context, milestoneID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status='cancelled', updated_at=NOW() WHERE milestone_id=$1 AND status='scheduled'
	`, milestoneID)
	if err != nil {
		return 0, fmt.Errorf("cancel milestone reminders: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) CancelDocumentReminders(ctx context.Context, documentID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status='cancelled', updated_at=NOW() WHERE document_id=$1 AND status='scheduled'
	`, documentID)
	if err != nil {
		return 0, fmt.Errorf("cancel document reminders: %w", err)
	}
	return result.RowsAffected()
}

func (s *PostgresStore) GetReminder(ctx context.Context, reminderID string) (Reminder, error) {
	return scanReminder(s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id=$1`, reminderID))
}

// ListBrokerReminders lists reminders addressed to or owned by a broker,
// optionally narrowed to one case and one status.
func (s *PostgresStore) ListBrokerReminders(ctx context.Context, brokerID, email, clientID, status string, limit int) ([]Reminder, error) {
	return s.queryReminders(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE (broker_id=$1 OR LOWER(recipient_email)=LOWER($2))
			AND ($3 = '' OR client_id::TEXT = $3)
			AND ($4 = '' OR status = $4)
		ORDER BY remind_at DESC
		LIMIT $5
	`, brokerID, email, clientID, status, limit)
}

// ExpireStaleReminders marks scheduled reminders older than cutoff expired.
func (s *PostgresStore) ExpireStaleReminders(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status='expired', updated_at=NOW() WHERE status='scheduled' AND remind_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire reminders: %w", err)
	}
	return result.RowsAffected()
}

// ReclaimStaleReminders returns reminders stuck in sending since before
// cutoff to the queue.
func (s *PostgresStore) ReclaimStaleReminders(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status='scheduled', updated_at=NOW() WHERE status='sending' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim reminders: %w", err)
	}
	return result.RowsAffected()
}

// DueReminders returns scheduled reminders whose time has come.
func (s *PostgresStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	return s.queryReminders(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE status='scheduled' AND remind_at <= $1
		ORDER BY remind_at
		LIMIT $2
	`, now, limit)
}

// ClaimReminder moves a reminder from scheduled to sending. It reports false
// when another worker claimed it first.
func (s *PostgresStore) ClaimReminder(ctx context.Context, reminderID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status='sending', attempts=attempts+1, updated_at=NOW()
		WHERE id=$1 AND status='scheduled'
	`, reminderID)
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim reminder rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) MarkReminderSent(ctx context.Context, reminderID string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status='sent', sent_at=$2, last_error='', updated_at=NOW() WHERE id=$1
	`, reminderID, sentAt)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}

// RetryReminder puts a failed send back in the queue at retryAt.
func (s *PostgresStore) RetryReminder(ctx context.Context, reminderID string, retryAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status='scheduled', remind_at=$2, last_error=$3, updated_at=NOW() WHERE id=$1
	`, reminderID, retryAt, lastError)
	if err != nil {
		return fmt.Errorf("retry reminder: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkReminderFailed(ctx context.Context, reminderID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status='failed', last_error=$2, updated_at=NOW() WHERE id=$1
	`, reminderID, lastError)
	if err != nil {
		return fmt.Errorf("mark reminder failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryReminders(ctx context.Context, query string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	items := make([]Reminder, 0)
	for rows.Next() {
		item, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}
	return items, nil
}

// ListCaseMilestoneReminders returns every milestone reminder of a case,
// whatever its status.
func (s *PostgresStore) ListCaseMilestoneReminders(ctx context.Context, clientID string) ([]Reminder, error) {
	return s.queryReminders(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE client_id=$1 AND milestone_id IS NOT NULL
		ORDER BY remind_at
	`, clientID)
}

// ListEventReminders returns every reminder attached to a manual event.
func (s *PostgresStore) ListEventReminders(ctx context.Context, eventID string) ([]Reminder, error) {
	return s.queryReminders(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE event_id=$1 AND milestone_id IS NULL
		ORDER BY remind_at
	`, eventID)
}

// ReviveReminders puts cancelled reminders back on the schedule.
func (s *PostgresStore) ReviveReminders(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE reminders SET status='scheduled', attempts=0, last_error='', updated_at=NOW()
				WHERE id=$1 AND status='cancelled'
			`, id); err != nil {
				return fmt.Errorf("revive reminder: %w", err)
			}
		}
		return nil
	})
}
