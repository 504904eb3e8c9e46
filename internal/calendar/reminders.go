package calendar

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"brokerdesk/api/internal/store"
)

const (
	ReminderScheduled = "scheduled"
	ReminderSending   = "sending"
	ReminderSent      = "sent"
	ReminderFailed    = "failed"
	ReminderCancelled = "cancelled"
	ReminderExpired   = "expired"

	// DocumentReminderLead is how long before a document's due date the
	// client is nudged.
	DocumentReminderLead = 48 * time.Hour
)

// DedupeKey identifies one reminder for one recipient at one instant.
func DedupeKey(kind, id string, remindAt time.Time, email string) string {
	raw := fmt.Sprintf("%s|%s|%s|%s", kind, id, remindAt.UTC().Format(time.RFC3339), strings.ToLower(strings.TrimSpace(email)))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NormalizeOffsets drops negative and duplicate offsets and sorts the rest
// from earliest to latest reminder. nil means the defaults.
func NormalizeOffsets(offsets []int) []int {
	if offsets == nil {
		return append([]int(nil), DefaultReminderOffsets...)
	}
	seen := make(map[int]bool, len(offsets))
	out := make([]int, 0, len(offsets))
	for _, o := range offsets {
		if o < 0 || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// MilestoneReminders lists the reminders a pending milestone should have.
// Past instants are skipped.
func MilestoneReminders(clientID, clientName string, m store.Milestone, recipients []store.Recipient, now time.Time) []store.Reminder {
	var out []store.Reminder
	subject := fmt.Sprintf("Reminder: %s for %s", m.Title, clientName)
	for _, offset := range NormalizeOffsets(m.ReminderOffsets) {
		remindAt := m.DueAt.UTC().Add(-time.Duration(offset) * time.Minute)
		if !remindAt.After(now) {
			continue
		}
		body := fmt.Sprintf("%s is due %s.", m.Title, m.DueAt.UTC().Format("Mon Jan 2, 2006 15:04 MST"))
		if m.Description != "" {
			body += "\n\n" + m.Description
		}
		for _, r := range recipients {
			milestoneID := m.ID
			cid := clientID
			out = append(out, store.Reminder{
				BrokerID:       r.BrokerID,
				ClientID:       &cid,
				MilestoneID:    &milestoneID,
				RemindAt:       remindAt,
				RecipientEmail: r.Email,
				Subject:        subject,
				Body:           body,
				DedupeKey:      DedupeKey("milestone", m.ID, remindAt, r.Email),
				Status:         ReminderScheduled,
			})
		}
	}
	return out
}

// EventReminders lists the reminders for a manual event owned by a broker.
func EventReminders(e store.CalendarEvent, ownerEmail string, now time.Time) []store.Reminder {
	var out []store.Reminder
	for _, offset := range NormalizeOffsets(e.ReminderOffsets) {
		remindAt := e.StartsAt.UTC().Add(-time.Duration(offset) * time.Minute)
		if !remindAt.After(now) {
			continue
		}
		eventID := e.ID
		out = append(out, store.Reminder{
			BrokerID:       e.BrokerID,
			ClientID:       e.ClientID,
			EventID:        &eventID,
			RemindAt:       remindAt,
			RecipientEmail: ownerEmail,
			Subject:        "Upcoming: " + e.Title,
			Body:           fmt.Sprintf("%s starts %s.", e.Title, e.StartsAt.UTC().Format("Mon Jan 2, 2006 15:04 MST")),
			DedupeKey:      DedupeKey("event", e.ID, remindAt, ownerEmail),
			Status:         ReminderScheduled,
		})
	}
	return out
}

// DocumentReminder nudges the client two days before a document is due. It
// reports false when there is nothing to schedule.
func DocumentReminder(d store.Document, brokerID, clientName, clientEmail string, now time.Time) (store.Reminder, bool) {
	if d.DueAt == nil || clientEmail == "" {
		return store.Reminder{}, false
	}
	remindAt := d.DueAt.UTC().Add(-DocumentReminderLead)
	if !remindAt.After(now) {
		return store.Reminder{}, false
	}
	documentID := d.ID
	clientID := d.ClientID
	return store.Reminder{
		BrokerID:       brokerID,
		ClientID:       &clientID,
		DocumentID:     &documentID,
		RemindAt:       remindAt,
		RecipientEmail: clientEmail,
		Subject:        "Document needed: " + d.Name,
		Body:           fmt.Sprintf("Hi %s, please upload %s by %s.", clientName, d.Name, d.DueAt.UTC().Format("Jan 2, 2006")),
		DedupeKey:      DedupeKey("document", d.ID, remindAt, clientEmail),
		Status:         ReminderScheduled,
	}, true
}

// DiffReminders compares desired reminders with existing rows. Desired keys
// with no row are scheduled; cancelled rows whose key is desired again and
// still in the future are revived; scheduled rows no longer desired are
// cancelled. Sent, failed and expired rows are history and never touched.
func DiffReminders(desired, existing []store.Reminder, now time.Time) (schedule []store.Reminder, revive, cancel []string) {
	byKey := make(map[string]store.Reminder, len(existing))
	for _, r := range existing {
		byKey[r.DedupeKey] = r
	}
	wanted := make(map[string]bool, len(desired))
	for _, r := range desired {
		if wanted[r.DedupeKey] {
			continue
		}
		wanted[r.DedupeKey] = true
		row, ok := byKey[r.DedupeKey]
		switch {
		case !ok:
			schedule = append(schedule, r)
		case row.Status == ReminderCancelled && row.RemindAt.After(now):
			revive = append(revive, row.ID)
		}
	}
	for _, r := range existing {
		if r.Status == ReminderScheduled && !wanted[r.DedupeKey] {
			cancel = append(cancel, r.ID)
		}
	}
	sort.Slice(schedule, func(i, j int) bool { return schedule[i].DedupeKey < schedule[j].DedupeKey })
	sort.Strings(revive)
	sort.Strings(cancel)
	return schedule, revive, cancel
}
