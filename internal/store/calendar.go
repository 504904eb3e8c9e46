package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

func encodeOffsets(offsets []int) ([]byte, error) {
	if offsets == nil {
		offsets = []int{}
	}
	return json.Marshal(offsets)
}

func decodeOffsets(raw []byte) ([]int, error) {
	offsets := []int{}
	if len(raw) == 0 {
		return offsets, nil
	}
	if err := json.Unmarshal(raw, &offsets); err != nil {
		return nil, fmt.Errorf("decode reminder offsets: %w", err)
	}
	return offsets, nil
}

const milestoneColumns = `id, client_id, title, description, due_at, status, sync_to_calendar, reminder_offsets,
	calendar_event_id, created_by, completed_at, created_at, updated_at`

func scanMilestone(row rowScanner) (Milestone, error) {
	var m Milestone
	var offsets []byte
	err := row.Scan(
		&m.ID,
		&m.ClientID,
		&m.Title,
		&m.Description,
		&m.DueAt,
		&m.Status,
		&m.SyncToCalendar,
		&offsets,
		&m.CalendarEventID,
		&m.CreatedBy,
		&m.CompletedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return Milestone{}, err
	}
	m.ReminderOffsets, err = decodeOffsets(offsets)
	return m, err
}

func (s *PostgresStore) InsertMilestone(ctx context.Context, m Milestone) error {
	offsets, err := encodeOffsets(m.ReminderOffsets)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO milestones (id, client_id, title, description, due_at, status, sync_to_calendar, reminder_offsets, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.ClientID, m.Title, m.Description, m.DueAt, m.Status, m.SyncToCalendar, offsets, m.CreatedBy)
	return mapWriteError("insert milestone", err)
}

func (s *PostgresStore) GetMilestone(ctx context.Context, milestoneID string) (Milestone, error) {
	return scanMilestone(s.db.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=$1`, milestoneID))
}

func (s *PostgresStore) ListMilestones(ctx context.Context, clientID string) ([]Milestone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+` FROM milestones WHERE client_id=$1 ORDER BY due_at, created_at
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	items := make([]Milestone, 0)
	for rows.Next() {
		item, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	return items, nil
}

// UpdateMilestone writes the editable fields and the status.
func (s *PostgresStore) UpdateMilestone(ctx context.Context, m Milestone) error {
	offsets, err := encodeOffsets(m.ReminderOffsets)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE milestones
		SET title=$2, description=$3, due_at=$4, status=$5, sync_to_calendar=$6, reminder_offsets=$7,
			completed_at=$8, updated_at=NOW()
		WHERE id=$1
	`, m.ID, m.Title, m.Description, m.DueAt, m.Status, m.SyncToCalendar, offsets, m.CompletedAt)
	if err != nil {
		return fmt.Errorf("update milestone: %w", err)
	}
	return requireRow(result, "update milestone")
}

func (s *PostgresStore) LinkMilestoneEvent(ctx context.Context, milestoneID string, eventID *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE milestones SET calendar_event_id=$2, updated_at=NOW() WHERE id=$1
	`, milestoneID, eventID)
	if err != nil {
		return fmt.Errorf("link milestone event: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMilestone(ctx context.Context, milestoneID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM milestones WHERE id=$1`, milestoneID)
	if err != nil {
		return fmt.Errorf("delete milestone: %w", err)
	}
	return requireRow(result, "delete milestone")
}

const eventColumns = `id, broker_id, client_id, milestone_id, title, description, location, starts_at, ends_at,
	all_day, source, reminder_offsets, created_at, updated_at`

func scanEvent(row rowScanner) (CalendarEvent, error) {
	var e CalendarEvent
	var offsets []byte
	err := row.Scan(
		&e.ID,
		&e.BrokerID,
		&e.ClientID,
		&e.MilestoneID,
		&e.Title,
		&e.Description,
		&e.Location,
		&e.StartsAt,
		&e.EndsAt,
		&e.AllDay,
		&e.Source,
		&offsets,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return CalendarEvent{}, err
	}
	e.ReminderOffsets, err = decodeOffsets(offsets)
	return e, err
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e CalendarEvent) error {
	offsets, err := encodeOffsets(e.ReminderOffsets)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calendar_events (id, broker_id, client_id, milestone_id, title, description, location, starts_at, ends_at, all_day, source, reminder_offsets)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.BrokerID, e.ClientID, e.MilestoneID, e.Title, e.Description, e.Location, e.StartsAt, e.EndsAt, e.AllDay, e.Source, offsets)
	return mapWriteError("insert event", err)
}

func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (CalendarEvent, error) {
	return scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id=$1`, eventID))
}

func (s *PostgresStore) UpdateEvent(ctx context.Context, e CalendarEvent) error {
	offsets, err := encodeOffsets(e.ReminderOffsets)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE calendar_events
		SET title=$2, description=$3, location=$4, starts_at=$5, ends_at=$6, all_day=$7, reminder_offsets=$8, updated_at=NOW()
		WHERE id=$1
	`, e.ID, e.Title, e.Description, e.Location, e.StartsAt, e.EndsAt, e.AllDay, offsets)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return requireRow(result, "update event")
}

func (s *PostgresStore) DeleteEvent(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM calendar_events WHERE id=$1`, eventID)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// ListEventsInRange returns the broker's events overlapping [from, to).
func (s *PostgresStore) ListEventsInRange(ctx context.Context, brokerID string, from, to time.Time) ([]CalendarEvent, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM calendar_events
		WHERE broker_id=$1 AND starts_at < $3 AND ends_at > $2
		ORDER BY starts_at, id
	`, brokerID, from, to)
}

// ListMilestoneEvents returns milestone-sourced events attached to a case.
func (s *PostgresStore) ListMilestoneEvents(ctx context.Context, clientID string) ([]CalendarEvent, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM calendar_events
		WHERE client_id=$1 AND source='milestone'
		ORDER BY starts_at, id
	`, clientID)
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	items := make([]CalendarEvent, 0)
	for rows.Next() {
		item, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return items, nil
}
