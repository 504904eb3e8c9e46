package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"brokerdesk/api/internal/calendar"
	"brokerdesk/api/internal/rbac"
	"brokerdesk/api/internal/store"
	"brokerdesk/api/internal/util"
)

const reminderListLimit = 200

// SyncCase brings a case's calendar events and reminders in line with its
// milestones. Archived cases keep no calendar footprint.
func (s *Service) SyncCase(ctx context.Context, clientID string) error {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	snapshot := calendar.CaseSnapshot{
		ClientID:   client.ID,
		ClientName: client.FullName,
		OwnerID:    client.BrokerID,
		Now:        s.now().UTC(),
	}
	if client.ArchivedAt == nil {
		if snapshot.Milestones, err = s.store.ListMilestones(ctx, clientID); err != nil {
			return err
		}
		if snapshot.Recipients, err = s.store.CaseRecipients(ctx, clientID); err != nil {
			return err
		}
	}
	if snapshot.Events, err = s.store.ListMilestoneEvents(ctx, clientID); err != nil {
		return err
	}
	if snapshot.Reminders, err = s.store.ListCaseMilestoneReminders(ctx, clientID); err != nil {
		return err
	}
	return s.applyPlan(ctx, calendar.PlanCase(snapshot))
}

func (s *Service) applyPlan(ctx context.Context, plan calendar.Plan) error {
	for _, e := range plan.CreateEvents {
		e.ID = util.NewID()
		if err := s.store.InsertEvent(ctx, e); err != nil {
			return fmt.Errorf("create milestone event: %w", err)
		}
		eventID := e.ID
		if err := s.store.LinkMilestoneEvent(ctx, *e.MilestoneID, &eventID); err != nil {
			return err
		}
	}
	for _, e := range plan.UpdateEvents {
		if err := s.store.UpdateEvent(ctx, e); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update milestone event: %w", err)
		}
	}
	for _, link := range plan.Links {
		if err := s.store.LinkMilestoneEvent(ctx, link.MilestoneID, link.EventID); err != nil {
			return err
		}
	}
	for _, id := range plan.DeleteEvents {
		if err := s.store.DeleteEvent(ctx, id); err != nil {
			return fmt.Errorf("delete milestone event: %w", err)
		}
	}
	if _, err := s.store.CancelReminders(ctx, plan.Cancel); err != nil {
		return err
	}
	if err := s.store.ReviveReminders(ctx, plan.Revive); err != nil {
		return err
	}
	for _, r := range plan.Schedule {
		r.ID = util.NewID()
		if _, err := s.store.ScheduleReminder(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Milestones

type MilestoneInput struct {
	Title                  *string    `json:"title"`
	Description            *string    `json:"description"`
	DueAt                  *time.Time `json:"dueAt"`
	SyncToCalendar         *bool      `json:"syncToCalendar"`
	ReminderOffsetsMinutes []int      `json:"reminderOffsetsMinutes"`
}

func (in MilestoneInput) apply(m *store.Milestone) error {
	if in.Title != nil {
		m.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		m.Description = strings.TrimSpace(*in.Description)
	}
	if in.DueAt != nil {
		m.DueAt = in.DueAt.UTC()
	}
	if in.SyncToCalendar != nil {
		m.SyncToCalendar = *in.SyncToCalendar
	}
	if in.ReminderOffsetsMinutes != nil {
		m.ReminderOffsets = calendar.NormalizeOffsets(in.ReminderOffsetsMinutes)
	}
	if m.Title == "" {
		return validationError("title is required")
	}
	if m.DueAt.IsZero() {
		return validationError("dueAt is required")
	}
	return nil
}

func (s *Service) milestoneAccess(ctx context.Context, session Session, milestoneID string, action rbac.Action) (store.Milestone, store.Client, error) {
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Milestone{}, store.Client{}, notFound("Milestone")
	}
	if err != nil {
		return store.Milestone{}, store.Client{}, err
	}
	client, err := s.caseAccess(ctx, session, m.ClientID, action)
	if err != nil {
		if isNotFound(err) {
			return store.Milestone{}, store.Client{}, notFound("Milestone")
		}
		return store.Milestone{}, store.Client{}, err
	}
	return m, client, nil
}

func (s *Service) ListMilestones(ctx context.Context, session Session, clientID string) ([]map[string]any, error) {
	if _, err := s.caseAccess(ctx, session, clientID, rbac.ActionRead); err != nil {
		return nil, err
	}
	milestones, err := s.store.ListMilestones(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return mapSlice(milestones, milestoneJSON), nil
}

func (s *Service) CreateMilestone(ctx context.Context, session Session, clientID string, input MilestoneInput) (map[string]any, error) {
	if _, err := s.caseAccess(ctx, session, clientID, rbac.ActionEdit); err != nil {
		return nil, err
	}
	m := store.Milestone{
		ID:              util.NewID(),
		ClientID:        clientID,
		Status:          calendar.MilestonePending,
		SyncToCalendar:  true,
		ReminderOffsets: calendar.NormalizeOffsets(nil),
		CreatedBy:       session.UserID,
	}
	if err := input.apply(&m); err != nil {
		return nil, err
	}
	if err := s.store.InsertMilestone(ctx, m); err != nil {
		return nil, err
	}
	return s.afterMilestoneChange(ctx, session, m, "milestone.created", "Milestone added: "+m.Title)
}

func (s *Service) UpdateMilestone(ctx context.Context, session Session, milestoneID string, input MilestoneInput) (map[string]any, error) {
	m, _, err := s.milestoneAccess(ctx, session, milestoneID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	if err := input.apply(&m); err != nil {
		return nil, err
	}
	if err := s.store.UpdateMilestone(ctx, m); err != nil {
		return nil, err
	}
	return s.afterMilestoneChange(ctx, session, m, "milestone.updated", "Milestone updated: "+m.Title)
}

func (s *Service) CompleteMilestone(ctx context.Context, session Session, milestoneID string) (map[string]any, error) {
	return s.transitionMilestone(ctx, session, milestoneID, calendar.MilestoneCompleted)
}

func (s *Service) CancelMilestone(ctx context.Context, session Session, milestoneID string) (map[string]any, error) {
	return s.transitionMilestone(ctx, session, milestoneID, calendar.MilestoneCancelled)
}

func (s *Service) transitionMilestone(ctx context.Context, session Session, milestoneID, status string) (map[string]any, error) {
	m, _, err := s.milestoneAccess(ctx, session, milestoneID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	if m.Status != calendar.MilestonePending {
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION",
			fmt.Sprintf("milestone is already %s", m.Status), map[string]any{"from": m.Status, "to": status})
	}
	m.Status = status
	if status == calendar.MilestoneCompleted {
		m.CompletedAt = timePtr(s.now().UTC())
	}
	if err := s.store.UpdateMilestone(ctx, m); err != nil {
		return nil, err
	}
	return s.afterMilestoneChange(ctx, session, m, "milestone."+status, fmt.Sprintf("Milestone %s: %s", status, m.Title))
}

func (s *Service) DeleteMilestone(ctx context.Context, session Session, milestoneID string) error {
	m, _, err := s.milestoneAccess(ctx, session, milestoneID, rbac.ActionEdit)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMilestone(ctx, milestoneID); err != nil {
		return err
	}
	s.recordTimeline(ctx, m.ClientID, &session, "milestone.deleted", "Milestone removed: "+m.Title, map[string]any{"milestoneId": m.ID})
	s.reindex(m.ClientID)
	return s.SyncCase(ctx, m.ClientID)
}

func (s *Service) afterMilestoneChange(ctx context.Context, session Session, m store.Milestone, kind, message string) (map[string]any, error) {
	if err := s.SyncCase(ctx, m.ClientID); err != nil {
		return nil, err
	}
	s.recordTimeline(ctx, m.ClientID, &session, kind, message, map[string]any{"milestoneId": m.ID})
	s.reindex(m.ClientID)
	fresh, err := s.store.GetMilestone(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	return milestoneJSON(fresh), nil
}

// Calendar events

type EventInput struct {
	Title                  *string    `json:"title"`
	Description            *string    `json:"description"`
	Location               *string    `json:"location"`
	StartsAt               *time.Time `json:"startsAt"`
	EndsAt                 *time.Time `json:"endsAt"`
	AllDay                 *bool      `json:"allDay"`
	ClientID               *string    `json:"clientId"`
	ReminderOffsetsMinutes []int      `json:"reminderOffsetsMinutes"`
}

func (s *Service) ListEvents(ctx context.Context, session Session, from, to time.Time) ([]map[string]any, error) {
	if err := calendar.ValidateRange(from, to); err != nil {
		return nil, err
	}
	events, err := s.store.ListEventsInRange(ctx, session.UserID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return mapSlice(events, eventJSON), nil
}

func (s *Service) CreateEvent(ctx context.Context, session Session, input EventInput) (map[string]any, error) {
	e := store.CalendarEvent{
		ID:              util.NewID(),
		BrokerID:        session.UserID,
		Source:          calendar.SourceManual,
		ReminderOffsets: []int{},
	}
	if input.StartsAt == nil {
		return nil, validationError("startsAt is required")
	}
	if input.EndsAt == nil && (input.AllDay == nil || !*input.AllDay) {
		end := input.StartsAt.Add(calendar.DefaultEventDuration)
		input.EndsAt = &end
	}
	if input.ClientID != nil && strings.TrimSpace(*input.ClientID) != "" {
		clientID := strings.TrimSpace(*input.ClientID)
		if _, err := s.caseAccess(ctx, session, clientID, rbac.ActionRead); err != nil {
			return nil, err
		}
		e.ClientID = &clientID
	}
	if err := applyEventInput(&e, input); err != nil {
		return nil, err
	}
	if err := s.store.InsertEvent(ctx, e); err != nil {
		return nil, err
	}
	if err := s.syncEventReminders(ctx, session, e); err != nil {
		return nil, err
	}
	return eventJSON(e), nil
}

func applyEventInput(e *store.CalendarEvent, in EventInput) error {
	if in.Title != nil {
		e.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		e.Description = strings.TrimSpace(*in.Description)
	}
	if in.Location != nil {
		e.Location = strings.TrimSpace(*in.Location)
	}
	if in.AllDay != nil {
		e.AllDay = *in.AllDay
	}
	if in.ReminderOffsetsMinutes != nil {
		e.ReminderOffsets = calendar.NormalizeOffsets(in.ReminderOffsetsMinutes)
	}
	start, end := e.StartsAt, e.EndsAt
	if in.StartsAt != nil {
		if in.EndsAt == nil && !e.StartsAt.IsZero() {
			end = in.StartsAt.Add(e.EndsAt.Sub(e.StartsAt))
		}
		start = *in.StartsAt
	}
	if in.EndsAt != nil {
		end = *in.EndsAt
	}
	start, end, err := calendar.NormalizeSpan(start, end, e.AllDay)
	if err != nil {
		return err
	}
	e.StartsAt, e.EndsAt = start, end
	if e.Title == "" {
		return validationError("title is required")
	}
	return nil
}

func (s *Service) ownEvent(ctx context.Context, session Session, eventID string) (store.CalendarEvent, error) {
	e, err := s.store.GetEvent(ctx, eventID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && e.BrokerID != session.UserID) {
		return store.CalendarEvent{}, notFound("Event")
	}
	return e, err
}

// UpdateEvent edits a calendar entry. Moving a milestone's event moves the
// milestone; its title stays derived from the milestone.
func (s *Service) UpdateEvent(ctx context.Context, session Session, eventID string, input EventInput) (map[string]any, error) {
	e, err := s.ownEvent(ctx, session, eventID)
	if err != nil {
		return nil, err
	}
	if e.Source == calendar.SourceMilestone && e.MilestoneID != nil {
		return s.moveMilestoneEvent(ctx, session, e, input)
	}
	if input.ClientID != nil {
		clientID := strings.TrimSpace(*input.ClientID)
		if clientID == "" {
			e.ClientID = nil
		} else {
			if _, err := s.caseAccess(ctx, session, clientID, rbac.ActionRead); err != nil {
				return nil, err
			}
			e.ClientID = &clientID
		}
	}
	if err := applyEventInput(&e, input); err != nil {
		return nil, err
	}
	if err := s.store.UpdateEvent(ctx, e); err != nil {
		return nil, err
	}
	if err := s.syncEventReminders(ctx, session, e); err != nil {
		return nil, err
	}
	return eventJSON(e), nil
}

func (s *Service) moveMilestoneEvent(ctx context.Context, session Session, e store.CalendarEvent, input EventInput) (map[string]any, error) {
	m, _, err := s.milestoneAccess(ctx, session, *e.MilestoneID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	title := e.Title
	input.Title = &title
	input.ReminderOffsetsMinutes = nil
	if err := applyEventInput(&e, input); err != nil {
		return nil, err
	}
	if err := s.store.UpdateEvent(ctx, e); err != nil {
		return nil, err
	}
	if !m.DueAt.Equal(e.StartsAt) {
		previous := m.DueAt
		m.DueAt = e.StartsAt
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return nil, err
		}
		s.recordTimeline(ctx, m.ClientID, &session, "milestone.rescheduled",
			fmt.Sprintf("Milestone %s moved from %s to %s", m.Title, previous.Format(time.RFC3339), m.DueAt.Format(time.RFC3339)),
			map[string]any{"milestoneId": m.ID})
	}
	if err := s.SyncCase(ctx, m.ClientID); err != nil {
		return nil, err
	}
	fresh, err := s.store.GetEvent(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	return eventJSON(fresh), nil
}

// DeleteEvent removes a calendar entry. Deleting a milestone's event stops
// syncing that milestone instead of leaving SyncCase to recreate it.
func (s *Service) DeleteEvent(ctx context.Context, session Session, eventID string) error {
	e, err := s.ownEvent(ctx, session, eventID)
	if err != nil {
		return err
	}
	if e.Source == calendar.SourceMilestone && e.MilestoneID != nil {
		m, _, err := s.milestoneAccess(ctx, session, *e.MilestoneID, rbac.ActionEdit)
		switch {
		case err == nil:
			m.SyncToCalendar = false
			if err := s.store.UpdateMilestone(ctx, m); err != nil {
				return err
			}
			s.recordTimeline(ctx, m.ClientID, &session, "milestone.unsynced", "Calendar sync turned off for "+m.Title, map[string]any{"milestoneId": m.ID})
			return s.SyncCase(ctx, m.ClientID)
		case errors.Is(err, errArchived), isNotFound(err):
		default:
			return err
		}
	}
	return s.store.DeleteEvent(ctx, e.ID)
}

func (s *Service) syncEventReminders(ctx context.Context, session Session, e store.CalendarEvent) error {
	existing, err := s.store.ListEventReminders(ctx, e.ID)
	if err != nil {
		return err
	}
	desired := calendar.EventReminders(e, session.Email, s.now().UTC())
	schedule, revive, cancel := calendar.DiffReminders(desired, existing, s.now().UTC())
	return s.applyPlan(ctx, calendar.Plan{Schedule: schedule, Revive: revive, Cancel: cancel})
}

// Reminders

func (s *Service) ListReminders(ctx context.Context, session Session, clientID, status string) ([]map[string]any, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID != "" {
		if _, err := s.caseAccess(ctx, session, clientID, rbac.ActionRead); err != nil {
			return nil, err
		}
	}
	reminders, err := s.store.ListBrokerReminders(ctx, session.UserID, session.Email, clientID, strings.TrimSpace(status), reminderListLimit)
	if err != nil {
		return nil, err
	}
	return mapSlice(reminders, reminderJSON), nil
}

func (s *Service) CancelReminder(ctx context.Context, session Session, reminderID string) error {
	r, err := s.store.GetReminder(ctx, reminderID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && r.BrokerID != session.UserID) {
		return notFound("Reminder")
	}
	if err != nil {
		return err
	}
	if r.Status != calendar.ReminderScheduled {
		return domainError(http.StatusConflict, "INVALID_TRANSITION", "Only scheduled reminders can be cancelled", map[string]any{"status": r.Status})
	}
	n, err := s.store.CancelReminders(ctx, []string{r.ID})
	if err != nil {
		return err
	}
	if n == 0 {
		return domainError(http.StatusConflict, "INVALID_TRANSITION", "Reminder is already being sent", nil)
	}
	return nil
}
