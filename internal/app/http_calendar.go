package app

import (
	"net/http"
)

// handleMilestones serves /api/milestones/{id}[/complete|cancel].
func (s *HTTPServer) handleMilestones(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	ctx := r.Context()
	milestoneID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodPut:
		var body MilestoneInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateMilestone(ctx, session, milestoneID, body)
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		err := s.service.DeleteMilestone(ctx, session, milestoneID)
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
	case len(parts) == 2 && parts[1] == "complete" && r.Method == http.MethodPost:
		payload, err := s.service.CompleteMilestone(ctx, session, milestoneID)
		s.respond(w, r, http.StatusOK, payload, err)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		payload, err := s.service.CancelMilestone(ctx, session, milestoneID)
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleCalendar serves /api/calendar/events[/{id}].
func (s *HTTPServer) handleCalendar(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 || parts[0] != "events" || len(parts) > 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	ctx := r.Context()

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			from, ok := queryTime(w, r, "from")
			if !ok {
				return
			}
			to, ok := queryTime(w, r, "to")
			if !ok {
				return
			}
			items, err := s.service.ListEvents(ctx, session, from, to)
			s.respond(w, r, http.StatusOK, map[string]any{"events": items}, err)
		case http.MethodPost:
			var body EventInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateEvent(ctx, session, body)
			s.respond(w, r, http.StatusCreated, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	eventID := parts[1]
	switch r.Method {
	case http.MethodPut:
		var body EventInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateEvent(ctx, session, eventID, body)
		s.respond(w, r, http.StatusOK, payload, err)
	case http.MethodDelete:
		err := s.service.DeleteEvent(ctx, session, eventID)
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// handleReminders serves /api/reminders[/{id}].
func (s *HTTPServer) handleReminders(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		q := r.URL.Query()
		items, err := s.service.ListReminders(ctx, session, q.Get("clientId"), q.Get("status"))
		s.respond(w, r, http.StatusOK, map[string]any{"reminders": items}, err)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		err := s.service.CancelReminder(ctx, session, parts[0])
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
