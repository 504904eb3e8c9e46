package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// handleClients serves /api/clients and everything below /api/clients/{id}.
func (s *HTTPServer) handleClients(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("archived"))
			items, err := s.service.ListClients(ctx, session, r.URL.Query().Get("stage"), includeArchived)
			s.respond(w, r, http.StatusOK, map[string]any{"clients": items}, err)
		case http.MethodPost:
			var body ClientInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateClient(ctx, session, body)
			s.respond(w, r, http.StatusCreated, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	clientID := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetClient(ctx, session, clientID)
			s.respond(w, r, http.StatusOK, payload, err)
		case http.MethodPut:
			var body ClientInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateClient(ctx, session, clientID, body)
			s.respond(w, r, http.StatusOK, payload, err)
		case http.MethodDelete:
			err := s.service.ArchiveClient(ctx, session, clientID)
			s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "stage" && r.Method == http.MethodPost:
		var body struct {
			Stage string `json:"stage"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ChangeStage(ctx, session, clientID, body.Stage)
		s.respond(w, r, http.StatusOK, payload, err)

	case len(parts) == 2 && parts[1] == "timeline" && r.Method == http.MethodGet:
		limit, ok := queryInt(w, r, "limit", 100)
		if !ok {
			return
		}
		items, err := s.service.ListTimeline(ctx, session, clientID, limit)
		s.respond(w, r, http.StatusOK, map[string]any{"timeline": items}, err)

	case len(parts) == 2 && parts[1] == "comments" && r.Method == http.MethodPost:
		var body struct {
			Body string `json:"body"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddComment(ctx, session, clientID, body.Body)
		s.respond(w, r, http.StatusCreated, payload, err)

	case len(parts) == 2 && parts[1] == "collaborators" && r.Method == http.MethodGet:
		items, err := s.service.ListCollaborators(ctx, session, clientID)
		s.respond(w, r, http.StatusOK, map[string]any{"collaborators": items}, err)

	case len(parts) == 2 && parts[1] == "collaborators" && r.Method == http.MethodPost:
		var body InviteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.InviteCollaborator(ctx, session, clientID, body)
		s.respond(w, r, http.StatusCreated, payload, err)

	case len(parts) == 3 && parts[1] == "collaborators" && r.Method == http.MethodPut:
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ChangeCollaboratorRole(ctx, session, clientID, parts[2], body.Role)
		s.respond(w, r, http.StatusOK, payload, err)

	case len(parts) == 3 && parts[1] == "collaborators" && r.Method == http.MethodDelete:
		err := s.service.RemoveCollaborator(ctx, session, clientID, parts[2])
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)

	case len(parts) == 2 && parts[1] == "documents" && r.Method == http.MethodGet:
		items, err := s.service.ListDocuments(ctx, session, clientID)
		s.respond(w, r, http.StatusOK, map[string]any{"documents": items}, err)

	case len(parts) == 2 && parts[1] == "documents" && r.Method == http.MethodPost:
		var body DocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.RequestDocument(ctx, session, clientID, body)
		s.respond(w, r, http.StatusCreated, payload, err)

	case len(parts) == 2 && parts[1] == "milestones" && r.Method == http.MethodGet:
		items, err := s.service.ListMilestones(ctx, session, clientID)
		s.respond(w, r, http.StatusOK, map[string]any{"milestones": items}, err)

	case len(parts) == 2 && parts[1] == "milestones" && r.Method == http.MethodPost:
		var body MilestoneInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateMilestone(ctx, session, clientID, body)
		s.respond(w, r, http.StatusCreated, payload, err)

	case len(parts) == 3 && parts[1] == "assistant" && r.Method == http.MethodPost:
		s.handleAssistant(w, r, session, clientID, parts[2])

	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet:
		result, err := s.service.ExportCase(ctx, session, clientID, r.URL.Query().Get("format"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleDocuments serves /api/documents/{id}[/action].
func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	ctx := r.Context()
	documentID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		err := s.service.DeleteDocument(ctx, session, documentID)
		s.respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "upload-url" && r.Method == http.MethodPost:
		var body UploadInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateUploadURL(ctx, session, documentID, body)
		s.respond(w, r, http.StatusOK, payload, err)

	case len(parts) == 2 && parts[1] == "confirm" && r.Method == http.MethodPost:
		var body struct {
			ObjectKey string `json:"objectKey"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ConfirmUpload(ctx, session, documentID, body.ObjectKey)
		s.respond(w, r, http.StatusOK, payload, err)

	case len(parts) == 2 && parts[1] == "review" && r.Method == http.MethodPost:
		var body ReviewInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ReviewDocument(ctx, session, documentID, body)
		s.respond(w, r, http.StatusOK, payload, err)

	case len(parts) == 2 && parts[1] == "download-url" && r.Method == http.MethodGet:
		payload, err := s.service.GetDownloadURL(ctx, session, documentID)
		s.respond(w, r, http.StatusOK, payload, err)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleOnboarding serves the public client questionnaire. The token in the
// path is the only credential.
func (s *HTTPServer) handleOnboarding(w http.ResponseWriter, r *http.Request, token string, rest []string) {
	ctx := r.Context()
	if !s.authLimiter.Allow(clientIP(r, s.proxies)) {
		writeRateLimited(w)
		return
	}

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetOnboarding(ctx, token)
			s.respond(w, r, http.StatusOK, payload, err)
		case http.MethodPost:
			var body struct {
				Answers json.RawMessage `json:"answers"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SubmitOnboarding(ctx, token, body.Answers)
			s.respond(w, r, http.StatusOK, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) != 3 || rest[0] != "documents" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	documentID := rest[1]
	switch rest[2] {
	case "upload-url":
		var body UploadInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateOnboardingUploadURL(ctx, token, documentID, body)
		s.respond(w, r, http.StatusOK, payload, err)
	case "confirm":
		var body struct {
			ObjectKey string `json:"objectKey"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ConfirmOnboardingUpload(ctx, token, documentID, body.ObjectKey)
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAssistant(w http.ResponseWriter, r *http.Request, session Session, clientID, kind string) {
	if !s.aiLimiter.Allow(session.UserID) {
		writeRateLimited(w)
		return
	}
	ctx := r.Context()
	switch kind {
	case "summary":
		payload, err := s.service.SummarizeCase(ctx, session, clientID)
		s.respond(w, r, http.StatusOK, payload, err)
	case "email":
		var body struct {
			Purpose string `json:"purpose"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.DraftClientEmail(ctx, session, clientID, strings.TrimSpace(body.Purpose))
		s.respond(w, r, http.StatusOK, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
