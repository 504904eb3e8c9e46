package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const clientColumns = `c.id, c.broker_id, c.full_name, c.email, c.phone, c.property_address, c.loan_amount_cents,
	c.loan_type, c.stage, c.onboarding_token, c.onboarding_answers, c.onboarding_completed_at, c.notes,
	c.archived_at, c.created_at, c.updated_at, b.display_name, b.email`

func scanClient(row rowScanner, extra ...any) (Client, error) {
	var c Client
	var answers []byte
	dest := []any{
		&c.ID,
		&c.BrokerID,
		&c.FullName,
		&c.Email,
		&c.Phone,
		&c.PropertyAddress,
		&c.LoanAmountCents,
		&c.LoanType,
		&c.Stage,
		&c.OnboardingToken,
		&answers,
		&c.OnboardingCompletedAt,
		&c.Notes,
		&c.ArchivedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.OwnerName,
		&c.OwnerEmail,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Client{}, err
	}
	c.OnboardingAnswers = json.RawMessage(answers)
	return c, nil
}

func (s *PostgresStore) InsertClient(ctx context.Context, c Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, broker_id, full_name, email, phone, property_address, loan_amount_cents, loan_type, stage, onboarding_token, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.BrokerID, c.FullName, c.Email, c.Phone, c.PropertyAddress, c.LoanAmountCents, c.LoanType, c.Stage, c.OnboardingToken, c.Notes)
	return mapWriteError("insert client", err)
}

func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (Client, error) {
	return scanClient(s.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+`
		FROM clients c JOIN brokers b ON b.id = c.broker_id
		WHERE c.id=$1
	`, clientID))
}

func (s *PostgresStore) GetClientByOnboardingToken(ctx context.Context, token string) (Client, error) {
	return scanClient(s.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+`
		FROM clients c JOIN brokers b ON b.id = c.broker_id
		WHERE c.onboarding_token=$1 AND c.archived_at IS NULL
	`, token))
}

// ListAccessibleClients returns cases owned by the broker plus cases shared
// with them through an accepted collaboration, annotated with the role.
func (s *PostgresStore) ListAccessibleClients(ctx context.Context, brokerID string, filter ClientFilter) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+clientColumns+`, CASE WHEN c.broker_id = $1 THEN 'owner' ELSE cc.role END AS access_role
		FROM clients c
		JOIN brokers b ON b.id = c.broker_id
		LEFT JOIN case_collaborators cc
			ON cc.client_id = c.id AND cc.broker_id = $1 AND cc.status = 'accepted'
		WHERE (c.broker_id = $1 OR cc.id IS NOT NULL)
			AND ($2 = '' OR c.stage = $2)
			AND ($3 OR c.archived_at IS NULL)
		ORDER BY c.updated_at DESC
	`, brokerID, filter.Stage, filter.IncludeArchived)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	items := make([]Client, 0)
	for rows.Next() {
		var role string
		item, err := scanClient(rows, &role)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		item.AccessRole = role
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateClient(ctx context.Context, c Client) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE clients
		SET full_name=$2, email=$3, phone=$4, property_address=$5, loan_amount_cents=$6, loan_type=$7, notes=$8, updated_at=NOW()
		WHERE id=$1
	`, c.ID, c.FullName, c.Email, c.Phone, c.PropertyAddress, c.LoanAmountCents, c.LoanType, c.Notes)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	return requireRow(result, "update client")
}

// UpdateClientStage moves a case from one stage to another. It fails with
// ErrConflict when the stored stage no longer matches from.
func (s *PostgresStore) UpdateClientStage(ctx context.Context, clientID, from, to string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE clients SET stage=$3, updated_at=NOW() WHERE id=$1 AND stage=$2
	`, clientID, from, to)
	if err != nil {
		return fmt.Errorf("update client stage: %w", err)
	}
	if err := requireRow(result, "update client stage"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("update client stage: %w", ErrConflict)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) ArchiveClient(ctx context.Context, clientID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE clients SET archived_at=NOW(), updated_at=NOW() WHERE id=$1 AND archived_at IS NULL
	`, clientID)
	if err != nil {
		return fmt.Errorf("archive client: %w", err)
	}
	return requireRow(result, "archive client")
}

// CompleteOnboarding stores the onboarding answers once. A second submission
// returns ErrConflict.
func (s *PostgresStore) CompleteOnboarding(ctx context.Context, clientID string, answers json.RawMessage, nextStage string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE clients
		SET onboarding_answers=$2, onboarding_completed_at=NOW(),
			stage=CASE WHEN stage IN ('lead', 'onboarding') THEN $3 ELSE stage END,
			updated_at=NOW()
		WHERE id=$1 AND onboarding_completed_at IS NULL
	`, clientID, []byte(answers), nextStage)
	if err != nil {
		return fmt.Errorf("complete onboarding: %w", err)
	}
	if err := requireRow(result, "complete onboarding"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("complete onboarding: %w", ErrConflict)
		}
		return err
	}
	return nil
}

// CaseRole resolves the broker's role on a case: "owner", the accepted
// collaborator role, or "" when the broker has no access.
func (s *PostgresStore) CaseRole(ctx context.Context, brokerID, clientID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT CASE WHEN c.broker_id = $1 THEN 'owner' ELSE COALESCE(cc.role, '') END
		FROM clients c
		LEFT JOIN case_collaborators cc
			ON cc.client_id = c.id AND cc.broker_id = $1 AND cc.status = 'accepted'
		WHERE c.id = $2
	`, brokerID, clientID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve case role: %w", err)
	}
	return role, nil
}

// AccessibleClientIDs lists every case id the broker may read.
func (s *PostgresStore) AccessibleClientIDs(ctx context.Context, brokerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM clients WHERE broker_id = $1
		UNION
		SELECT client_id FROM case_collaborators WHERE broker_id = $1 AND status = 'accepted'
	`, brokerID)
	if err != nil {
		return nil, fmt.Errorf("list accessible clients: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan client id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const collaboratorColumns = `cc.id, cc.client_id, cc.broker_id, cc.invited_email, cc.role, cc.status, cc.invite_token,
	cc.invited_by, cc.invite_expires_at, cc.accepted_at, cc.created_at, COALESCE(b.display_name, '')`

func scanCollaborator(row rowScanner) (Collaborator, error) {
	var c Collaborator
	err := row.Scan(
		&c.ID,
		&c.ClientID,
		&c.BrokerID,
		&c.InvitedEmail,
		&c.Role,
		&c.Status,
		&c.InviteToken,
		&c.InvitedBy,
		&c.InviteExpiresAt,
		&c.AcceptedAt,
		&c.CreatedAt,
		&c.BrokerName,
	)
	return c, err
}

func (s *PostgresStore) InsertCollaborator(ctx context.Context, c Collaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO case_collaborators (id, client_id, invited_email, role, status, invite_token, invited_by, invite_expires_at)
		VALUES ($1, $2, LOWER($3), $4, 'pending', $5, $6, $7)
	`, c.ID, c.ClientID, c.InvitedEmail, c.Role, c.InviteToken, c.InvitedBy, c.InviteExpiresAt)
	return mapWriteError("insert collaborator", err)
}

func (s *PostgresStore) GetCollaborator(ctx context.Context, collaboratorID string) (Collaborator, error) {
	return scanCollaborator(s.db.QueryRowContext(ctx, `
		SELECT `+collaboratorColumns+`
		FROM case_collaborators cc LEFT JOIN brokers b ON b.id = cc.broker_id
		WHERE cc.id=$1
	`, collaboratorID))
}

func (s *PostgresStore) GetCollaboratorByToken(ctx context.Context, token string) (Collaborator, error) {
	return scanCollaborator(s.db.QueryRowContext(ctx, `
		SELECT `+collaboratorColumns+`
		FROM case_collaborators cc LEFT JOIN brokers b ON b.id = cc.broker_id
		WHERE cc.invite_token=$1
	`, token))
}

// ListCollaborators returns pending and accepted collaborators of a case.
func (s *PostgresStore) ListCollaborators(ctx context.Context, clientID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+collaboratorColumns+`
		FROM case_collaborators cc LEFT JOIN brokers b ON b.id = cc.broker_id
		WHERE cc.client_id=$1 AND cc.status IN ('pending', 'accepted')
		ORDER BY cc.created_at
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		item, err := scanCollaborator(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AcceptCollaborator(ctx context.Context, collaboratorID, brokerID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE case_collaborators SET status='accepted', broker_id=$2, accepted_at=NOW()
		WHERE id=$1 AND status='pending'
	`, collaboratorID, brokerID)
	if err != nil {
		return mapWriteError("accept collaborator", err)
	}
	return requireRow(result, "accept collaborator")
}

func (s *PostgresStore) UpdateCollaboratorRole(ctx context.Context, collaboratorID, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE case_collaborators SET role=$2 WHERE id=$1 AND status IN ('pending', 'accepted')
	`, collaboratorID, role)
	if err != nil {
		return fmt.Errorf("update collaborator role: %w", err)
	}
	return requireRow(result, "update collaborator role")
}

func (s *PostgresStore) RevokeCollaborator(ctx context.Context, collaboratorID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE case_collaborators SET status='revoked' WHERE id=$1 AND status IN ('pending', 'accepted')
	`, collaboratorID)
	if err != nil {
		return fmt.Errorf("revoke collaborator: %w", err)
	}
	return requireRow(result, "revoke collaborator")
}

// CaseRecipients returns the owner's email followed by the emails of
// accepted editors; these brokers receive milestone reminders.
func (s *PostgresStore) CaseRecipients(ctx context.Context, clientID string) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.email, 0 AS ord
		FROM clients c JOIN brokers b ON b.id = c.broker_id
		WHERE c.id = $1
		UNION ALL
		SELECT b.id, b.email, 1 AS ord
		FROM case_collaborators cc JOIN brokers b ON b.id = cc.broker_id
		WHERE cc.client_id = $1 AND cc.status = 'accepted' AND cc.role = 'editor'
		ORDER BY ord, email
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list case recipients: %w", err)
	}
	defer rows.Close()

	items := make([]Recipient, 0)
	for rows.Next() {
		var item Recipient
		var ord int
		if err := rows.Scan(&item.BrokerID, &item.Email, &ord); err != nil {
			return nil, fmt.Errorf("scan case recipient: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Recipient is a broker receiving case notifications.
type Recipient struct {
	BrokerID string
	Email    string
}

func (s *PostgresStore) InsertTimelineEntry(ctx context.Context, entry TimelineEntry) error {
	payload := entry.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal timeline payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO timeline_entries (client_id, actor_id, actor_name, kind, message, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ClientID, entry.ActorID, entry.ActorName, entry.Kind, entry.Message, raw)
	if err != nil {
		return fmt.Errorf("insert timeline entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTimeline(ctx context.Context, clientID string, limit int) ([]TimelineEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, actor_id, actor_name, kind, message, payload, created_at
		FROM timeline_entries
		WHERE client_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list timeline: %w", err)
	}
	defer rows.Close()

	items := make([]TimelineEntry, 0)
	for rows.Next() {
		var item TimelineEntry
		var raw []byte
		if err := rows.Scan(&item.ID, &item.ClientID, &item.ActorID, &item.ActorName, &item.Kind, &item.Message, &raw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &item.Payload); err != nil {
				return nil, fmt.Errorf("decode timeline payload: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return items, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
