package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const brokerColumns = `id, email, display_name, password_hash, platform_role, company_name, phone,
	is_email_verified, COALESCE(verification_token, ''), verification_expires_at,
	referred_by_affiliate_id, stripe_customer_id, token_balance, deactivated_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBroker(row rowScanner) (Broker, error) {
	var b Broker
	err := row.Scan(
		&b.ID,
		&b.Email,
		&b.DisplayName,
		&b.PasswordHash,
		&b.PlatformRole,
		&b.CompanyName,
		&b.Phone,
		&b.IsEmailVerified,
		&b.VerificationToken,
		&b.VerificationExpiresAt,
		&b.ReferredByAffiliateID,
		&b.StripeCustomerID,
		&b.TokenBalance,
		&b.DeactivatedAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	return b, err
}

func (s *PostgresStore) CreateBroker(ctx context.Context, b Broker) error {
	role := b.PlatformRole
	if role == "" {
		role = "broker"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO brokers (id, email, display_name, password_hash, platform_role, is_email_verified, verification_token, referred_by_affiliate_id)
		VALUES ($1, LOWER($2), $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, b.ID, b.Email, b.DisplayName, b.PasswordHash, role, b.IsEmailVerified, b.VerificationToken, b.ReferredByAffiliateID)
	return mapWriteError("create broker", err)
}

func (s *PostgresStore) GetBrokerByID(ctx context.Context, id string) (Broker, error) {
	return scanBroker(s.db.QueryRowContext(ctx, `SELECT `+brokerColumns+` FROM brokers WHERE id=$1`, id))
}

func (s *PostgresStore) GetBrokerByEmail(ctx context.Context, email string) (Broker, error) {
	return scanBroker(s.db.QueryRowContext(ctx, `SELECT `+brokerColumns+` FROM brokers WHERE LOWER(email)=LOWER($1)`, strings.TrimSpace(email)))
}

func (s *PostgresStore) GetBrokerByStripeCustomer(ctx context.Context, customerID string) (Broker, error) {
	return scanBroker(s.db.QueryRowContext(ctx, `SELECT `+brokerColumns+` FROM brokers WHERE stripe_customer_id=$1`, customerID))
}

func (s *PostgresStore) UpdateBrokerVerificationToken(ctx context.Context, brokerID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE brokers SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, brokerID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyBrokerEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE brokers
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	return requireRow(result, "verify email")
}

func (s *PostgresStore) UpdateBrokerPassword(ctx context.Context, brokerID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE brokers SET password_hash=$2, updated_at=NOW() WHERE id=$1`, brokerID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return requireRow(result, "update password")
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, brokerID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, broker_id, expires_at) VALUES ($1, $2, $3)
	`, token, brokerID, expiresAt)
	return mapWriteError("create password reset", err)
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var brokerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT broker_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&brokerID)
	if err != nil {
		return "", err
	}
	return brokerID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateBrokerProfile(ctx context.Context, brokerID, displayName, companyName, phone string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE brokers SET display_name=$2, company_name=$3, phone=$4, updated_at=NOW() WHERE id=$1
	`, brokerID, displayName, companyName, phone)
	if err != nil {
		return fmt.Errorf("update broker profile: %w", err)
	}
	return requireRow(result, "update broker profile")
}

func (s *PostgresStore) ListBrokers(ctx context.Context, search string, limit, offset int) ([]Broker, int, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(search)) + "%"

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM brokers WHERE LOWER(email) LIKE $1 OR LOWER(display_name) LIKE $1
	`, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count brokers: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+brokerColumns+` FROM brokers
		WHERE LOWER(email) LIKE $1 OR LOWER(display_name) LIKE $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list brokers: %w", err)
	}
	defer rows.Close()

	items := make([]Broker, 0)
	for rows.Next() {
		item, err := scanBroker(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan broker: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate brokers: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) SetBrokerDeactivated(ctx context.Context, brokerID string, deactivated bool) error {
	query := `UPDATE brokers SET deactivated_at=NULL, updated_at=NOW() WHERE id=$1`
	if deactivated {
		query = `UPDATE brokers SET deactivated_at=NOW(), updated_at=NOW() WHERE id=$1`
	}
	result, err := s.db.ExecContext(ctx, query, brokerID)
	if err != nil {
		return fmt.Errorf("set broker deactivated: %w", err)
	}
	return requireRow(result, "set broker deactivated")
}

func (s *PostgresStore) SetBrokerReferrer(ctx context.Context, brokerID, affiliateID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE brokers SET referred_by_affiliate_id=$2, updated_at=NOW()
		WHERE id=$1 AND referred_by_affiliate_id IS NULL
	`, brokerID, affiliateID)
	if err != nil {
		return fmt.Errorf("set broker referrer: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetStripeCustomerID(ctx context.Context, brokerID, customerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE brokers SET stripe_customer_id=$2, updated_at=NOW() WHERE id=$1
	`, brokerID, customerID)
	return mapWriteError("set stripe customer", err)
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, brokerID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, broker_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET broker_id=EXCLUDED.broker_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, brokerID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the broker id owning a live refresh session.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var brokerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT rs.broker_id
		FROM refresh_sessions rs
		JOIN brokers b ON b.id = rs.broker_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND b.deactivated_at IS NULL
	`, tokenHash).Scan(&brokerID)
	if err != nil {
		return "", err
	}
	return brokerID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) RevokeBrokerSessions(ctx context.Context, brokerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at=NOW() WHERE broker_id=$1 AND revoked_at IS NULL
	`, brokerID)
	if err != nil {
		return fmt.Errorf("revoke broker sessions: %w", err)
	}
	return nil
}
