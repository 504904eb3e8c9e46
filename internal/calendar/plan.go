// Package calendar reconciles case milestones with calendar events and the
// reminders hanging off them. Planning is pure: callers load a snapshot,
// compute a Plan and apply it.
package calendar

import (
	"sort"
	"time"

	"brokerdesk/api/internal/store"
)

const (
	DefaultEventDuration = time.Hour
	CompletedPrefix      = "✓ "

	SourceManual    = "manual"
	SourceMilestone = "milestone"

	MilestonePending   = "pending"
	MilestoneCompleted = "completed"
	MilestoneCancelled = "cancelled"
)

// DefaultReminderOffsets are minutes before the due time.
var DefaultReminderOffsets = []int{1440, 60}

// CaseSnapshot is everything SyncCase needs to know about one case.
type CaseSnapshot struct {
	ClientID   string
	ClientName string
	OwnerID    string
	Milestones []store.Milestone
	// Events are the milestone-sourced events attached to the case.
	Events []store.CalendarEvent
	// Recipients are the owner and accepted editors.
	Recipients []store.Recipient
	// Reminders are all milestone reminders of the case, any status.
	Reminders []store.Reminder
	Now       time.Time
}

// Link sets (or clears, when EventID is nil) a milestone's event pointer.
type Link struct {
	MilestoneID string
	EventID     *string
}

type Plan struct {
	// CreateEvents carry MilestoneID but no ID; the executor assigns one and
	// links it.
	CreateEvents []store.CalendarEvent
	UpdateEvents []store.CalendarEvent
	DeleteEvents []string
	Links        []Link
	Schedule     []store.Reminder
	Revive       []string
	Cancel       []string
}

func (p Plan) Empty() bool {
	return len(p.CreateEvents) == 0 &&
		len(p.UpdateEvents) == 0 &&
		len(p.DeleteEvents) == 0 &&
		len(p.Links) == 0 &&
		len(p.Schedule) == 0 &&
		len(p.Revive) == 0 &&
		len(p.Cancel) == 0
}

// WantsEvent reports whether a milestone should appear on the calendar.
func WantsEvent(m store.Milestone) bool {
	return m.SyncToCalendar && m.Status != MilestoneCancelled
}

// EventTitle is the calendar title for a milestone.
func EventTitle(clientName string, m store.Milestone) string {
	title := clientName + ": " + m.Title
	if m.Status == MilestoneCompleted {
		return CompletedPrefix + title
	}
	return title
}

// PlanCase computes the changes that bring a case's calendar and reminders
// in line with its milestones. Applying the plan and planning again yields
// an empty plan.
func PlanCase(s CaseSnapshot) Plan {
	var plan Plan

	milestones := append([]store.Milestone(nil), s.Milestones...)
	sort.Slice(milestones, func(i, j int) bool { return milestones[i].ID < milestones[j].ID })

	byMilestone := make(map[string]store.CalendarEvent, len(s.Events))
	for _, e := range s.Events {
		if e.MilestoneID != nil {
			byMilestone[*e.MilestoneID] = e
		}
	}
	known := make(map[string]bool, len(milestones))

	var desired []store.Reminder
	for _, m := range milestones {
		known[m.ID] = true
		existing, hasEvent := byMilestone[m.ID]

		if !WantsEvent(m) {
			if hasEvent {
				plan.DeleteEvents = append(plan.DeleteEvents, existing.ID)
			}
			if m.CalendarEventID != nil {
				plan.Links = append(plan.Links, Link{MilestoneID: m.ID})
			}
			continue
		}

		want := milestoneEvent(s, m, existing, hasEvent)
		switch {
		case !hasEvent:
			plan.CreateEvents = append(plan.CreateEvents, want)
		default:
			if drifted(existing, want) {
				plan.UpdateEvents = append(plan.UpdateEvents, want)
			}
			if m.CalendarEventID == nil || *m.CalendarEventID != existing.ID {
				id := existing.ID
				plan.Links = append(plan.Links, Link{MilestoneID: m.ID, EventID: &id})
			}
		}

		if m.Status == MilestonePending {
			desired = append(desired, MilestoneReminders(s.ClientID, s.ClientName, m, s.Recipients, s.Now)...)
		}
	}

	for _, e := range s.Events {
		if e.MilestoneID == nil || !known[*e.MilestoneID] {
			plan.DeleteEvents = append(plan.DeleteEvents, e.ID)
		}
	}
	sort.Strings(plan.DeleteEvents)

	plan.Schedule, plan.Revive, plan.Cancel = DiffReminders(desired, s.Reminders, s.Now)
	return plan
}

func milestoneEvent(s CaseSnapshot, m store.Milestone, existing store.CalendarEvent, hasEvent bool) store.CalendarEvent {
	duration := DefaultEventDuration
	if hasEvent {
		if d := existing.EndsAt.Sub(existing.StartsAt); d > 0 {
			duration = d
		}
	}

	milestoneID := m.ID
	clientID := s.ClientID
	e := store.CalendarEvent{
		BrokerID:        s.OwnerID,
		ClientID:        &clientID,
		MilestoneID:     &milestoneID,
		Title:           EventTitle(s.ClientName, m),
		Description:     m.Description,
		StartsAt:        m.DueAt.UTC(),
		EndsAt:          m.DueAt.UTC().Add(duration),
		Source:          SourceMilestone,
		ReminderOffsets: []int{},
	}
	if hasEvent {
		e.ID = existing.ID
		e.BrokerID = existing.BrokerID
		e.Location = existing.Location
		e.AllDay = existing.AllDay
		e.CreatedAt = existing.CreatedAt
	}
	return e
}

func drifted(have, want store.CalendarEvent) bool {
	return have.Title != want.Title ||
		have.Description != want.Description ||
		!have.StartsAt.Equal(want.StartsAt) ||
		!have.EndsAt.Equal(want.EndsAt)
}
