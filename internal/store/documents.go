package store

import (
	"context"
	"fmt"
	"time"
)

const documentColumns = `id, client_id, name, category, status, object_key, content_type, size_bytes, requested_by,
	due_at, uploaded_at, reviewed_by, reviewed_at, rejection_reason, created_at`

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	err := row.Scan(
		&d.ID,
		&d.ClientID,
		&d.Name,
		&d.Category,
		&d.Status,
		&d.ObjectKey,
		&d.ContentType,
		&d.SizeBytes,
		&d.RequestedBy,
		&d.DueAt,
		&d.UploadedAt,
		&d.ReviewedBy,
		&d.ReviewedAt,
		&d.RejectionReason,
		&d.CreatedAt,
	)
	return d, err
}

func (s *PostgresStore) InsertDocument(ctx context.Context, d Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, client_id, name, category, status, requested_by, due_at)
		VALUES ($1, $2, $3, $4, 'requested', $5, $6)
	`, d.ID, d.ClientID, d.Name, d.Category, d.RequestedBy, d.DueAt)
	return mapWriteError("insert document", err)
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID))
}

func (s *PostgresStore) ListDocuments(ctx context.Context, clientID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents WHERE client_id=$1 ORDER BY created_at
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// MarkDocumentUploaded records an upload. Only requested or rejected
// documents accept a new upload.
func (s *PostgresStore) MarkDocumentUploaded(ctx context.Context, documentID, objectKey, contentType string, sizeBytes int64, uploadedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status='uploaded', object_key=$2, content_type=$3, size_bytes=$4, uploaded_at=$5,
			reviewed_by=NULL, reviewed_at=NULL, rejection_reason=''
		WHERE id=$1 AND status IN ('requested', 'rejected')
	`, documentID, objectKey, contentType, sizeBytes, uploadedAt)
	if err != nil {
		return fmt.Errorf("mark document uploaded: %w", err)
	}
	return requireRow(result, "mark document uploaded")
}

// ReviewDocument approves or rejects an uploaded document.
func (s *PostgresStore) ReviewDocument(ctx context.Context, documentID, status, reviewerID, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET status=$2, reviewed_by=$3, reviewed_at=NOW(), rejection_reason=$4
		WHERE id=$1 AND status='uploaded'
	`, documentID, status, reviewerID, reason)
	if err != nil {
		return fmt.Errorf("review document: %w", err)
	}
	return requireRow(result, "review document")
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireRow(result, "delete document")
}
