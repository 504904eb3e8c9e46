package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"brokerdesk/api/internal/calendar"
	"brokerdesk/api/internal/rbac"
	"brokerdesk/api/internal/search"
	"brokerdesk/api/internal/storage"
	"brokerdesk/api/internal/store"
	"brokerdesk/api/internal/util"
)

const (
	DocumentRequested = "requested"
	DocumentUploaded  = "uploaded"
	DocumentApproved  = "approved"
	DocumentRejected  = "rejected"
)

var errDocumentLocked = domainError(http.StatusConflict, "INVALID_TRANSITION", "Document is not awaiting an upload", nil)

type DocumentInput struct {
	Name     string     `json:"name"`
	Category string     `json:"category"`
	DueAt    *time.Time `json:"dueAt"`
}

type UploadInput struct {
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// documentAccess loads a document and checks the session's role on its case.
func (s *Service) documentAccess(ctx context.Context, session Session, documentID string, action rbac.Action) (store.Document, store.Client, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, store.Client{}, notFound("Document")
	}
	if err != nil {
		return store.Document{}, store.Client{}, err
	}
	client, err := s.caseAccess(ctx, session, doc.ClientID, action)
	if err != nil {
		if isNotFound(err) {
			return store.Document{}, store.Client{}, notFound("Document")
		}
		return store.Document{}, store.Client{}, err
	}
	return doc, client, nil
}

// onboardingDocument resolves a document through the client's onboarding
// link instead of a session.
func (s *Service) onboardingDocument(ctx context.Context, token, documentID string) (store.Document, store.Client, error) {
	client, err := s.clientByOnboardingToken(ctx, token)
	if err != nil {
		return store.Document{}, store.Client{}, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && doc.ClientID != client.ID) {
		return store.Document{}, store.Client{}, notFound("Document")
	}
	return doc, client, err
}

func (s *Service) ListDocuments(ctx context.Context, session Session, clientID string) ([]map[string]any, error) {
	if _, err := s.caseAccess(ctx, session, clientID, rbac.ActionRead); err != nil {
		return nil, err
	}
	documents, err := s.store.ListDocuments(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return mapSlice(documents, documentJSON), nil
}

func (s *Service) RequestDocument(ctx context.Context, session Session, clientID string, input DocumentInput) (map[string]any, error) {
	client, err := s.caseAccess(ctx, session, clientID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationError("name is required")
	}
	category := strings.TrimSpace(input.Category)
	if category == "" {
		category = "other"
	}
	doc := store.Document{
		ID:          util.NewID(),
		ClientID:    clientID,
		Name:        name,
		Category:    category,
		Status:      DocumentRequested,
		RequestedBy: session.UserID,
		CreatedAt:   s.now().UTC(),
	}
	if input.DueAt != nil {
		due := input.DueAt.UTC()
		doc.DueAt = &due
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	if reminder, ok := calendar.DocumentReminder(doc, client.BrokerID, client.FullName, client.Email, s.now()); ok {
		reminder.ID = util.NewID()
		if _, err := s.store.ScheduleReminder(ctx, reminder); err != nil {
			return nil, err
		}
	}
	s.recordTimeline(ctx, clientID, &session, "document.requested", "Requested "+name, map[string]any{"documentId": doc.ID})
	s.reindex(clientID)
	return documentJSON(doc), nil
}

func (s *Service) CreateUploadURL(ctx context.Context, session Session, documentID string, input UploadInput) (map[string]any, error) {
	doc, _, err := s.documentAccess(ctx, session, documentID, rbac.ActionUpload)
	if err != nil {
		return nil, err
	}
	return s.presignUpload(ctx, doc, input)
}

func (s *Service) CreateOnboardingUploadURL(ctx context.Context, token, documentID string, input UploadInput) (map[string]any, error) {
	doc, _, err := s.onboardingDocument(ctx, token, documentID)
	if err != nil {
		return nil, err
	}
	return s.presignUpload(ctx, doc, input)
}

func (s *Service) presignUpload(ctx context.Context, doc store.Document, input UploadInput) (map[string]any, error) {
	if s.objects == nil {
		return nil, storage.ErrStorageNotConfigured
	}
	if err := storage.ValidateUpload(input.ContentType, input.SizeBytes); err != nil {
		return nil, err
	}
	if doc.Status != DocumentRequested && doc.Status != DocumentRejected {
		return nil, errDocumentLocked
	}
	key := storage.ObjectKey(doc.ClientID, doc.ID)
	url, err := s.objects.PresignUpload(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"uploadUrl":   url,
		"method":      http.MethodPut,
		"objectKey":   key,
		"contentType": storage.NormalizeContentType(input.ContentType),
		"expiresAt":   s.now().Add(storage.URLExpiry).UTC(),
	}, nil
}

func (s *Service) ConfirmUpload(ctx context.Context, session Session, documentID, objectKey string) (map[string]any, error) {
	doc, _, err := s.documentAccess(ctx, session, documentID, rbac.ActionUpload)
	if err != nil {
		return nil, err
	}
	return s.confirmUpload(ctx, &session, doc, objectKey)
}

func (s *Service) ConfirmOnboardingUpload(ctx context.Context, token, documentID, objectKey string) (map[string]any, error) {
	doc, _, err := s.onboardingDocument(ctx, token, documentID)
	if err != nil {
		return nil, err
	}
	return s.confirmUpload(ctx, nil, doc, objectKey)
}

func (s *Service) confirmUpload(ctx context.Context, session *Session, doc store.Document, objectKey string) (map[string]any, error) {
	if s.objects == nil {
		return nil, storage.ErrStorageNotConfigured
	}
	objectKey = strings.TrimSpace(objectKey)
	if !storage.KeyBelongsTo(objectKey, doc.ClientID, doc.ID) {
		return nil, validationError("objectKey does not belong to this document")
	}
	if doc.Status != DocumentRequested && doc.Status != DocumentRejected {
		return nil, errDocumentLocked
	}
	info, err := s.objects.Stat(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateUpload(info.ContentType, info.Size); err != nil {
		if rerr := s.objects.Remove(ctx, objectKey); rerr != nil {
			s.logger.Warn("remove rejected upload", zap.String("document_id", doc.ID), zap.Error(rerr))
		}
		return nil, err
	}
	now := s.now().UTC()
	contentType := storage.NormalizeContentType(info.ContentType)
	if err := s.store.MarkDocumentUploaded(ctx, doc.ID, objectKey, contentType, info.Size, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errDocumentLocked
		}
		return nil, err
	}
	if doc.ObjectKey != "" && doc.ObjectKey != objectKey {
		if err := s.objects.Remove(ctx, doc.ObjectKey); err != nil {
			s.logger.Warn("remove replaced object", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
	if _, err := s.store.CancelDocumentReminders(ctx, doc.ID); err != nil {
		return nil, err
	}
	s.recordTimeline(ctx, doc.ClientID, session, "document.uploaded", doc.Name+" uploaded", map[string]any{"documentId": doc.ID})
	s.reindex(doc.ClientID)

	doc.Status = DocumentUploaded
	doc.ObjectKey = objectKey
	doc.ContentType = contentType
	doc.SizeBytes = info.Size
	doc.UploadedAt = &now
	doc.ReviewedBy, doc.ReviewedAt, doc.RejectionReason = nil, nil, ""
	return documentJSON(doc), nil
}

func (s *Service) GetDownloadURL(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	doc, _, err := s.documentAccess(ctx, session, documentID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	if s.objects == nil {
		return nil, storage.ErrStorageNotConfigured
	}
	if doc.ObjectKey == "" {
		return nil, domainError(http.StatusConflict, "NO_FILE", "Document has not been uploaded", nil)
	}
	url, err := s.objects.PresignDownload(ctx, doc.ObjectKey, doc.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"downloadUrl": url, "expiresAt": s.now().Add(storage.URLExpiry).UTC()}, nil
}

type ReviewInput struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

func (s *Service) ReviewDocument(ctx context.Context, session Session, documentID string, input ReviewInput) (map[string]any, error) {
	doc, _, err := s.documentAccess(ctx, session, documentID, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	if doc.Status != DocumentUploaded {
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", "Only uploaded documents can be reviewed", nil)
	}
	status, reason := DocumentApproved, ""
	if !input.Approve {
		status, reason = DocumentRejected, strings.TrimSpace(input.Reason)
		if reason == "" {
			return nil, validationError("reason is required when rejecting")
		}
	}
	if err := s.store.ReviewDocument(ctx, documentID, status, session.UserID, reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", "Only uploaded documents can be reviewed", nil)
		}
		return nil, err
	}
	message := doc.Name + " approved"
	if status == DocumentRejected {
		message = doc.Name + " rejected: " + reason
	}
	s.recordTimeline(ctx, doc.ClientID, &session, "document."+status, message, map[string]any{"documentId": doc.ID})
	s.reindex(doc.ClientID)

	now := s.now().UTC()
	reviewer := session.UserID
	doc.Status, doc.RejectionReason = status, reason
	doc.ReviewedBy, doc.ReviewedAt = &reviewer, &now
	return documentJSON(doc), nil
}

func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	doc, _, err := s.documentAccess(ctx, session, documentID, rbac.ActionEdit)
	if err != nil {
		return err
	}
	if doc.ObjectKey != "" {
		if s.objects == nil {
			return storage.ErrStorageNotConfigured
		}
		if err := s.objects.Remove(ctx, doc.ObjectKey); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return err
		}
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	s.recordTimeline(ctx, doc.ClientID, &session, "document.deleted", doc.Name+" deleted", map[string]any{"documentId": doc.ID})
	if s.search != nil {
		s.search.Remove(search.ResultDocument, doc.ID)
	}
	return nil
}
