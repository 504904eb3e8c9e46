package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"brokerdesk/api/internal/rbac"
	"brokerdesk/api/internal/search"
	"brokerdesk/api/internal/store"
	"brokerdesk/api/internal/util"
)

const (
	StageLead         = "lead"
	StageOnboarding   = "onboarding"
	StageDocuments    = "documents"
	StageUnderwriting = "underwriting"
	StageApproved     = "approved"
	StageClosed       = "closed"
	StageLost         = "lost"

	CollaboratorPending  = "pending"
	CollaboratorAccepted = "accepted"

	InviteTTL = 7 * 24 * time.Hour

	maxCommentLength = 5000
)

var stageTransitions = map[string][]string{
	StageLead:         {StageOnboarding, StageLost},
	StageOnboarding:   {StageDocuments, StageLost},
	StageDocuments:    {StageUnderwriting, StageLost},
	StageUnderwriting: {StageApproved, StageDocuments, StageLost},
	StageApproved:     {StageClosed, StageLost},
	StageLost:         {StageLead},
}

func canChangeStage(from, to string) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func validStage(stage string) bool {
	if stage == StageClosed {
		return true
	}
	_, ok := stageTransitions[stage]
	return ok
}

// caseAccess loads a case the session may act on. Brokers without any role
// get 404 so case ids are not leaked; a role too weak for the action gets 403.
func (s *Service) caseAccess(ctx context.Context, session Session, clientID string, action rbac.Action) (store.Client, error) {
	raw, err := s.store.CaseRole(ctx, session.UserID, clientID)
	if err != nil {
		return store.Client{}, err
	}
	role := rbac.Role(raw)
	if session.IsAdmin() {
		role = rbac.Stronger(role, rbac.RoleViewer)
	}
	if role == rbac.RoleNone {
		return store.Client{}, notFound("Client")
	}
	if !rbac.Can(role, action) {
		return store.Client{}, errForbidden
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return store.Client{}, err
	}
	if client.ArchivedAt != nil && action != rbac.ActionRead {
		return store.Client{}, errArchived
	}
	client.AccessRole = string(role)
	return client, nil
}

func (s *Service) recordTimeline(ctx context.Context, clientID string, session *Session, kind, message string, payload map[string]any) {
	entry := store.TimelineEntry{ClientID: clientID, Kind: kind, Message: message, Payload: payload}
	if session != nil {
		actorID := session.UserID
		entry.ActorID = &actorID
		entry.ActorName = session.UserName
	}
	if err := s.store.InsertTimelineEntry(ctx, entry); err != nil {
		s.logger.Warn("record timeline entry", zap.String("client_id", clientID), zap.String("kind", kind), zap.Error(err))
	}
}

func (s *Service) reindex(clientID string) {
	if s.search != nil {
		s.search.ReindexCase(clientID)
	}
}

func (s *Service) caseURL(clientID string) string {
	return s.publicURL("/clients/" + clientID)
}

// Clients

type ClientInput struct {
	FullName        *string `json:"fullName"`
	Email           *string `json:"email"`
	Phone           *string `json:"phone"`
	PropertyAddress *string `json:"propertyAddress"`
	LoanAmountCents *int64  `json:"loanAmountCents"`
	LoanType        *string `json:"loanType"`
	Notes           *string `json:"notes"`
	SendInvite      bool    `json:"sendOnboardingInvite"`
}

func (in ClientInput) apply(c *store.Client) error {
	if in.FullName != nil {
		c.FullName = strings.TrimSpace(*in.FullName)
	}
	if in.Email != nil {
		c.Email = strings.ToLower(strings.TrimSpace(*in.Email))
	}
	if in.Phone != nil {
		c.Phone = strings.TrimSpace(*in.Phone)
	}
	if in.PropertyAddress != nil {
		c.PropertyAddress = strings.TrimSpace(*in.PropertyAddress)
	}
	if in.LoanAmountCents != nil {
		c.LoanAmountCents = *in.LoanAmountCents
	}
	if in.LoanType != nil {
		c.LoanType = strings.TrimSpace(*in.LoanType)
	}
	if in.Notes != nil {
		c.Notes = *in.Notes
	}
	if c.FullName == "" {
		return validationError("fullName is required")
	}
	if c.Email != "" {
		if _, err := mail.ParseAddress(c.Email); err != nil {
			return validationError("email is invalid")
		}
	}
	if c.LoanAmountCents < 0 {
		return validationError("loanAmountCents must not be negative")
	}
	return nil
}

func (s *Service) CreateClient(ctx context.Context, session Session, input ClientInput) (map[string]any, error) {
	client := store.Client{
		ID:              util.NewID(),
		BrokerID:        session.UserID,
		Stage:           StageLead,
		OnboardingToken: util.NewToken("onb"),
	}
	if err := input.apply(&client); err != nil {
		return nil, err
	}
	if err := s.store.InsertClient(ctx, client); err != nil {
		return nil, err
	}
	s.recordTimeline(ctx, client.ID, &session, "client.created", "Case created", nil)
	s.reindex(client.ID)

	if input.SendInvite && client.Email != "" && s.emailConfigured() {
		if err := s.email.SendOnboardingInvite(ctx, client.Email, client.FullName, session.UserName, s.onboardingURL(client.OnboardingToken)); err != nil {
			s.logger.Warn("send onboarding invite", zap.String("client_id", client.ID), zap.Error(err))
		}
	}
	return s.GetClient(ctx, session, client.ID)
}

func (s *Service) onboardingURL(token string) string {
	return s.publicURL("/onboarding/" + token)
}

func (s *Service) ListClients(ctx context.Context, session Session, stage string, includeArchived bool) ([]map[string]any, error) {
	stage = strings.TrimSpace(stage)
	if stage != "" && !validStage(stage) {
		return nil, validationError("unknown stage")
	}
	clients, err := s.store.ListAccessibleClients(ctx, session.UserID, store.ClientFilter{Stage: stage, IncludeArchived: includeArchived})
	if err != nil {
		return nil, err
	}
	return mapSlice(clients, clientJSON), nil
}

func (s *Service) GetClient(ctx context.Context, session Session, clientID string) (map[string]any, error) {
	client, err := s.caseAccess(ctx, session, clientID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	out := clientJSON(client)
	if rbac.Can(rbac.Role(client.AccessRole), rbac.ActionEdit) {
		out["onboardingUrl"] = s.onboardingURL(client.OnboardingToken)
	}
	return out, nil
}

func (s *Service) UpdateClient(ctx context.Context, session Session, clientID string, input ClientInput) (map[string]any, error) {
	client, err := s.caseAccess(ctx, session, clientID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	if err := input.apply(&client); err != nil {
		return nil, err
	}
	if err := s.store.UpdateClient(ctx, client); err != nil {
		return nil, err
	}
	s.recordTimeline(ctx, clientID, &session, "client.updated", "Case details updated", nil)
	s.reindex(clientID)
	// Milestone event titles carry the client name.
	if err := s.SyncCase(ctx, clientID); err != nil {
		return nil, err
	}
	return s.GetClient(ctx, session, clientID)
}

func (s *Service) ChangeStage(ctx context.Context, session Session, clientID, stage string) (map[string]any, error) {
	client, err := s.caseAccess(ctx, session, clientID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	stage = strings.TrimSpace(stage)
	if !canChangeStage(client.Stage, stage) {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_TRANSITION",
			fmt.Sprintf("cannot move a case from %s to %s", client.Stage, stage),
			map[string]any{"from": client.Stage, "to": stage, "allowed": nonNilStrings(stageTransitions[client.Stage])})
	}
	if err := s.store.UpdateClientStage(ctx, clientID, client.Stage, stage); err != nil {
		return nil, err
	}
	s.recordTimeline(ctx, clientID, &session, "client.stage_changed",
		fmt.Sprintf("Stage changed from %s to %s", client.Stage, stage),
		map[string]any{"from": client.Stage, "to": stage})
	s.reindex(clientID)
	return s.GetClient(ctx, session, clientID)
}

// ArchiveClient hides the case and tears down its calendar footprint.
func (s *Service) ArchiveClient(ctx context.Context, session Session, clientID string) error {
	if _, err := s.caseAccess(ctx, session, clientID, rbac.ActionManage); err != nil {
		return err
	}
	if err := s.store.ArchiveClient(ctx, clientID); err != nil {
		return err
	}
	s.recordTimeline(ctx, clientID, &session, "client.archived", "Case archived", nil)
	s.reindex(clientID)
	return s.SyncCase(ctx, clientID)
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// Public onboarding

func (s *Service) GetOnboarding(ctx context.Context, token string) (map[string]any, error) {
	client, err := s.clientByOnboardingToken(ctx, token)
	if err != nil {
		return nil, err
	}
	documents, err := s.store.ListDocuments(ctx, client.ID)
	if err != nil {
		return nil, err
	}
	requested := make([]map[string]any, 0, len(documents))
	for _, d := range documents {
		requested = append(requested, map[string]any{
			"id":              d.ID,
			"name":            d.Name,
			"category":        d.Category,
			"status":          d.Status,
			"dueAt":           d.DueAt,
			"rejectionReason": d.RejectionReason,
		})
	}
	return map[string]any{"client": publicClientJSON(client), "documents": requested}, nil
}

func (s *Service) clientByOnboardingToken(ctx context.Context, token string) (store.Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return store.Client{}, notFound("Onboarding link")
	}
	client, err := s.store.GetClientByOnboardingToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Client{}, notFound("Onboarding link")
	}
	return client, err
}

func (s *Service) SubmitOnboarding(ctx context.Context, token string, answers json.RawMessage) (map[string]any, error) {
	client, err := s.clientByOnboardingToken(ctx, token)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(answers)
	var object map[string]any
	if len(trimmed) == 0 || json.Unmarshal(trimmed, &object) != nil || object == nil {
		return nil, validationError("answers must be a JSON object")
	}
	if client.OnboardingCompletedAt != nil {
		return nil, domainError(http.StatusConflict, "ONBOARDING_COMPLETED", "Onboarding was already submitted", nil)
	}
	if err := s.store.CompleteOnboarding(ctx, client.ID, json.RawMessage(trimmed), StageDocuments); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "ONBOARDING_COMPLETED", "Onboarding was already submitted", nil)
		}
		return nil, err
	}
	s.recordTimeline(ctx, client.ID, nil, "onboarding.completed", client.FullName+" completed onboarding", nil)
	s.reindex(client.ID)

	if s.emailConfigured() && client.OwnerEmail != "" {
		if err := s.email.SendOnboardingCompleted(ctx, client.OwnerEmail, client.FullName, s.caseURL(client.ID)); err != nil {
			s.logger.Warn("send onboarding completed", zap.String("client_id", client.ID), zap.Error(err))
		}
	}
	return map[string]any{"ok": true}, nil
}

// Collaborators

type InviteInput struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Service) ListCollaborators(ctx context.Context, session Session, clientID string) ([]map[string]any, error) {
	if _, err := s.caseAccess(ctx, session, clientID, rbac.ActionRead); err != nil {
		return nil, err
	}
	collaborators, err := s.store.ListCollaborators(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return mapSlice(collaborators, collaboratorJSON), nil
}

func (s *Service) InviteCollaborator(ctx context.Context, session Session, clientID string, input InviteInput) (map[string]any, error) {
	client, err := s.caseAccess(ctx, session, clientID, rbac.ActionManage)
	if err != nil {
		return nil, err
	}
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, validationError("email is invalid")
	}
	if !rbac.Valid(input.Role) {
		return nil, validationError("role must be viewer, contributor or editor")
	}
	if strings.EqualFold(email, client.OwnerEmail) {
		return nil, domainError(http.StatusConflict, "ALREADY_COLLABORATOR", "The owner already has access", nil)
	}
	existing, err := s.store.ListCollaborators(ctx, clientID)
	if err != nil {
		return nil, err
	}
	for _, c := range existing {
		if strings.EqualFold(c.InvitedEmail, email) {
			return nil, domainError(http.StatusConflict, "ALREADY_COLLABORATOR", "This broker is already invited", nil)
		}
	}

	collaborator := store.Collaborator{
		ID:              util.NewID(),
		ClientID:        clientID,
		InvitedEmail:    email,
		Role:            input.Role,
		Status:          CollaboratorPending,
		InviteToken:     util.NewToken("inv"),
		InvitedBy:       session.UserID,
		InviteExpiresAt: s.now().Add(InviteTTL),
	}
	if err := s.store.InsertCollaborator(ctx, collaborator); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, domainError(http.StatusConflict, "ALREADY_COLLABORATOR", "This broker is already invited", nil)
		}
		return nil, err
	}
	s.recordTimeline(ctx, clientID, &session, "collaborator.invited",
		fmt.Sprintf("Invited %s as %s", email, input.Role), map[string]any{"email": email, "role": input.Role})

	out := collaboratorJSON(collaborator)
	acceptURL := s.publicURL("/invites/" + collaborator.InviteToken)
	if s.emailConfigured() {
		if err := s.email.SendCollaboratorInvite(ctx, email, session.UserName, client.FullName, input.Role, acceptURL); err != nil {
			s.logger.Warn("send collaborator invite", zap.String("client_id", clientID), zap.Error(err))
		}
	} else {
		out["devInviteToken"] = collaborator.InviteToken
	}
	return out, nil
}

func (s *Service) AcceptInvite(ctx context.Context, session Session, token string) (map[string]any, error) {
	collaborator, err := s.store.GetCollaboratorByToken(ctx, strings.TrimSpace(token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("Invite")
	}
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(collaborator.InvitedEmail, session.Email) {
		return nil, domainError(http.StatusForbidden, "INVITE_EMAIL_MISMATCH", "This invite was sent to a different email address", nil)
	}
	switch collaborator.Status {
	case CollaboratorAccepted:
		if collaborator.BrokerID != nil && *collaborator.BrokerID == session.UserID {
			return map[string]any{"clientId": collaborator.ClientID, "role": collaborator.Role}, nil
		}
		return nil, domainError(http.StatusConflict, "INVITE_USED", "Invite already used", nil)
	case CollaboratorPending:
	default:
		return nil, notFound("Invite")
	}
	if !s.now().Before(collaborator.InviteExpiresAt) {
		return nil, domainError(http.StatusGone, "INVITE_EXPIRED", "Invite has expired", nil)
	}
	if err := s.store.AcceptCollaborator(ctx, collaborator.ID, session.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusConflict, "INVITE_USED", "Invite already used", nil)
		}
		return nil, err
	}
	s.recordTimeline(ctx, collaborator.ClientID, &session, "collaborator.joined",
		session.UserName+" joined as "+collaborator.Role, map[string]any{"role": collaborator.Role})
	s.reindex(collaborator.ClientID)
	if err := s.SyncCase(ctx, collaborator.ClientID); err != nil {
		return nil, err
	}
	return map[string]any{"clientId": collaborator.ClientID, "role": collaborator.Role}, nil
}

func (s *Service) collaboratorOf(ctx context.Context, clientID, collaboratorID string) (store.Collaborator, error) {
	collaborator, err := s.store.GetCollaborator(ctx, collaboratorID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && collaborator.ClientID != clientID) {
		return store.Collaborator{}, notFound("Collaborator")
	}
	return collaborator, err
}

func (s *Service) ChangeCollaboratorRole(ctx context.Context, session Session, clientID, collaboratorID, role string) (map[string]any, error) {
	if _, err := s.caseAccess(ctx, session, clientID, rbac.ActionManage); err != nil {
		return nil, err
	}
	if !rbac.Valid(role) {
		return nil, validationError("role must be viewer, contributor or editor")
	}
	collaborator, err := s.collaboratorOf(ctx, clientID, collaboratorID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateCollaboratorRole(ctx, collaboratorID, role); err != nil {
		return nil, err
	}
	s.recordTimeline(ctx, clientID, &session, "collaborator.role_changed",
		fmt.Sprintf("%s is now %s", collaborator.InvitedEmail, role), map[string]any{"email": collaborator.InvitedEmail, "role": role})
	// Editors receive milestone reminders.
	if err := s.SyncCase(ctx, clientID); err != nil {
		return nil, err
	}
	collaborator.Role = role
	return collaboratorJSON(collaborator), nil
}

// RemoveCollaborator requires manage, except that a collaborator may always
// leave a case.
func (s *Service) RemoveCollaborator(ctx context.Context, session Session, clientID, collaboratorID string) error {
	collaborator, err := s.collaboratorOf(ctx, clientID, collaboratorID)
	if err != nil {
		return err
	}
	self := collaborator.BrokerID != nil && *collaborator.BrokerID == session.UserID
	action := rbac.ActionManage
	if self {
		action = rbac.ActionRead
	}
	if _, err := s.caseAccess(ctx, session, clientID, action); err != nil {
		if !self || !errors.Is(err, errArchived) {
			return err
		}
	}
	if err := s.store.RevokeCollaborator(ctx, collaboratorID); err != nil {
		return err
	}
	s.recordTimeline(ctx, clientID, &session, "collaborator.removed",
		collaborator.InvitedEmail+" no longer has access", map[string]any{"email": collaborator.InvitedEmail})
	s.reindex(clientID)
	return s.SyncCase(ctx, clientID)
}

// Timeline

func (s *Service) ListTimeline(ctx context.Context, session Session, clientID string, limit int) ([]map[string]any, error) {
	if _, err := s.caseAccess(ctx, session, clientID, rbac.ActionRead); err != nil {
		return nil, err
	}
	entries, err := s.store.ListTimeline(ctx, clientID, clampLimit(limit, 50, 200))
	if err != nil {
		return nil, err
	}
	return mapSlice(entries, timelineJSON), nil
}

func (s *Service) AddComment(ctx context.Context, session Session, clientID, body string) (map[string]any, error) {
	if _, err := s.caseAccess(ctx, session, clientID, rbac.ActionComment); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, validationError("body is required")
	}
	if len(body) > maxCommentLength {
		return nil, validationError("comment is too long")
	}
	actorID := session.UserID
	entry := store.TimelineEntry{
		ClientID:  clientID,
		ActorID:   &actorID,
		ActorName: session.UserName,
		Kind:      "comment",
		Message:   body,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertTimelineEntry(ctx, entry); err != nil {
		return nil, err
	}
	return timelineJSON(entry), nil
}

// Search

func (s *Service) Search(ctx context.Context, session Session, text, typ string, limit, offset int) (map[string]any, error) {
	if s.search == nil {
		return nil, errUnavailable("SEARCH_UNAVAILABLE", "Search is not configured")
	}
	var filter search.ResultType
	if typ != "" {
		parsed, ok := search.ParseType(typ)
		if !ok {
			return nil, validationError("type must be client, document or milestone")
		}
		filter = parsed
	}
	resp := s.search.Search(ctx, search.Query{
		Text:       strings.TrimSpace(text),
		FilterType: filter,
		BrokerID:   session.UserID,
		AllCases:   session.IsAdmin(),
		Limit:      clampLimit(limit, 20, 100),
		Offset:     max(offset, 0),
	})
	return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}, nil
}
