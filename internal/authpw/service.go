// Package authpw provides broker email/password authentication with
// verification and password reset.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"brokerdesk/api/internal/store"
	"brokerdesk/api/internal/util"
)

const (
	MinPasswordLength = 8
	VerificationTTL   = 24 * time.Hour
	ResetTTL          = time.Hour
)

var (
	ErrMissingFields      = errors.New("email, password, and display name are required")
	ErrInvalidEmail       = errors.New("email address is invalid")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrDeactivated        = errors.New("account deactivated")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Service provides email/password authentication
type Service struct {
	store BrokerStore
	cost  int
}

// BrokerStore defines the storage interface for auth
type BrokerStore interface {
	GetBrokerByEmail(ctx context.Context, email string) (store.Broker, error)
	CreateBroker(ctx context.Context, broker store.Broker) error
	UpdateBrokerVerificationToken(ctx context.Context, brokerID, token string, expiresAt time.Time) error
	VerifyBrokerEmail(ctx context.Context, token string) error
	UpdateBrokerPassword(ctx context.Context, brokerID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, brokerID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error
	RevokeBrokerSessions(ctx context.Context, brokerID string) error
}

// NewService creates a new auth service
func NewService(store BrokerStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// WithCost overrides the bcrypt cost; tests use bcrypt.MinCost.
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email                 string
	Password              string
	DisplayName           string
	ReferredByAffiliateID *string
}

// SignUpResponse contains sign-up result
type SignUpResponse struct {
	Broker            store.Broker
	VerificationToken string
}

// SignUp creates an unverified broker account.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.DisplayName)
	if email == "" || req.Password == "" || name == "" {
		return nil, ErrMissingFields
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(req.Password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}

	if _, err := s.store.GetBrokerByEmail(ctx, email); err == nil {
		return nil, ErrEmailExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup broker: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	token := util.NewToken("vrf")
	broker := store.Broker{
		ID:                    util.NewID(),
		Email:                 email,
		DisplayName:           name,
		PasswordHash:          string(hash),
		PlatformRole:          "broker",
		VerificationToken:     token,
		ReferredByAffiliateID: req.ReferredByAffiliateID,
	}
	if err := s.store.CreateBroker(ctx, broker); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("create broker: %w", err)
	}

	expiresAt := time.Now().Add(VerificationTTL)
	if err := s.store.UpdateBrokerVerificationToken(ctx, broker.ID, token, expiresAt); err != nil {
		return nil, fmt.Errorf("set verification expiry: %w", err)
	}
	broker.VerificationExpiresAt = &expiresAt

	return &SignUpResponse{Broker: broker, VerificationToken: token}, nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignInResponse contains sign-in result
type SignInResponse struct {
	Broker         store.Broker
	RequiresVerify bool
}

// SignIn checks credentials. A correct password on an unverified account
// returns RequiresVerify instead of an error.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	broker, err := s.store.GetBrokerByEmail(ctx, req.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup broker: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(broker.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if broker.DeactivatedAt != nil {
		return nil, ErrDeactivated
	}

	return &SignInResponse{
		Broker:         broker,
		RequiresVerify: !broker.IsEmailVerified,
	}, nil
}

// VerifyEmail verifies an email address using a token
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrInvalidToken
	}
	if err := s.store.VerifyBrokerEmail(ctx, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidToken
		}
		return err
	}
	return nil
}

// RequestPasswordReset creates a reset token. Unknown emails return an
// empty token and no error so callers cannot enumerate accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (store.Broker, string, error) {
	broker, err := s.store.GetBrokerByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Broker{}, "", nil
		}
		return store.Broker{}, "", fmt.Errorf("lookup broker: %w", err)
	}
	if broker.DeactivatedAt != nil {
		return store.Broker{}, "", nil
	}

	token := util.NewToken("rst")
	if err := s.store.CreatePasswordReset(ctx, broker.ID, token, time.Now().Add(ResetTTL)); err != nil {
		return store.Broker{}, "", err
	}
	return broker, token, nil
}

// ResetPasswordRequest contains password reset parameters
type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

// ResetPassword sets a new password and signs the broker out everywhere.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if req.Token == "" {
		return ErrInvalidToken
	}
	if len(req.NewPassword) < MinPasswordLength {
		return ErrWeakPassword
	}

	brokerID, err := s.store.GetPasswordReset(ctx, req.Token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidToken
		}
		return fmt.Errorf("lookup reset token: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateBrokerPassword(ctx, brokerID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.store.MarkPasswordResetUsed(ctx, req.Token); err != nil {
		return err
	}
	return s.store.RevokeBrokerSessions(ctx, brokerID)
}
