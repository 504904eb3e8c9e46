package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"brokerdesk/api/internal/assistant"
	"brokerdesk/api/internal/auth"
	"brokerdesk/api/internal/authpw"
	"brokerdesk/api/internal/billing"
	"brokerdesk/api/internal/config"
	"brokerdesk/api/internal/export"
	"brokerdesk/api/internal/rbac"
	"brokerdesk/api/internal/search"
	"brokerdesk/api/internal/storage"
	"brokerdesk/api/internal/store"
	"brokerdesk/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) IsAdmin() bool {
	return s.Role == rbac.PlatformAdmin
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateBroker(context.Context, store.Broker) error
	GetBrokerByID(context.Context, string) (store.Broker, error)
	GetBrokerByEmail(context.Context, string) (store.Broker, error)
	GetBrokerByStripeCustomer(context.Context, string) (store.Broker, error)
	UpdateBrokerVerificationToken(context.Context, string, string, time.Time) error
	VerifyBrokerEmail(context.Context, string) error
	UpdateBrokerPassword(context.Context, string, string) error
	CreatePasswordReset(context.Context, string, string, time.Time) error
	GetPasswordReset(context.Context, string) (string, error)
	MarkPasswordResetUsed(context.Context, string) error
	UpdateBrokerProfile(context.Context, string, string, string, string) error
	ListBrokers(context.Context, string, int, int) ([]store.Broker, int, error)
	SetBrokerDeactivated(context.Context, string, bool) error
	SetBrokerReferrer(context.Context, string, string) error
	SetStripeCustomerID(context.Context, string, string) error

	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	RevokeBrokerSessions(context.Context, string) error

	InsertClient(context.Context, store.Client) error
	GetClient(context.Context, string) (store.Client, error)
	GetClientByOnboardingToken(context.Context, string) (store.Client, error)
	ListAccessibleClients(context.Context, string, store.ClientFilter) ([]store.Client, error)
	UpdateClient(context.Context, store.Client) error
	UpdateClientStage(context.Context, string, string, string) error
	ArchiveClient(context.Context, string) error
	CompleteOnboarding(context.Context, string, json.RawMessage, string) error
	CaseRole(context.Context, string, string) (string, error)

	InsertCollaborator(context.Context, store.Collaborator) error
	GetCollaborator(context.Context, string) (store.Collaborator, error)
	GetCollaboratorByToken(context.Context, string) (store.Collaborator, error)
	ListCollaborators(context.Context, string) ([]store.Collaborator, error)
	AcceptCollaborator(context.Context, string, string) error
	UpdateCollaboratorRole(context.Context, string, string) error
	RevokeCollaborator(context.Context, string) error
	CaseRecipients(context.Context, string) ([]store.Recipient, error)
	InsertTimelineEntry(context.Context, store.TimelineEntry) error
	ListTimeline(context.Context, string, int) ([]store.TimelineEntry, error)

	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context, string) ([]store.Document, error)
	MarkDocumentUploaded(context.Context, string, string, string, int64, time.Time) error
	ReviewDocument(context.Context, string, string, string, string) error
	DeleteDocument(context.Context, string) error

	InsertMilestone(context.Context, store.Milestone) error
	GetMilestone(context.Context, string) (store.Milestone, error)
	ListMilestones(context.Context, string) ([]store.Milestone, error)
	UpdateMilestone(context.Context, store.Milestone) error
	LinkMilestoneEvent(context.Context, string, *string) error
	DeleteMilestone(context.Context, string) error
	InsertEvent(context.Context, store.CalendarEvent) error
	GetEvent(context.Context, string) (store.CalendarEvent, error)
	UpdateEvent(context.Context, store.CalendarEvent) error
	DeleteEvent(context.Context, string) error
	ListEventsInRange(context.Context, string, time.Time, time.Time) ([]store.CalendarEvent, error)
	ListMilestoneEvents(context.Context, string) ([]store.CalendarEvent, error)

	ScheduleReminder(context.Context, store.Reminder) (bool, error)
	CancelReminders(context.Context, []string) (int64, error)
	CancelDocumentReminders(context.Context, string) (int64, error)
	GetReminder(context.Context, string) (store.Reminder, error)
	ListBrokerReminders(context.Context, string, string, string, string, int) ([]store.Reminder, error)
	ListCaseMilestoneReminders(context.Context, string) ([]store.Reminder, error)
	ListEventReminders(context.Context, string) ([]store.Reminder, error)
	ReviveReminders(context.Context, []string) error

	InsertAffiliate(context.Context, store.Affiliate) error
	GetAffiliate(context.Context, string) (store.Affiliate, error)
	GetAffiliateByBroker(context.Context, string) (store.Affiliate, error)
	GetAffiliateByCode(context.Context, string) (store.Affiliate, error)
	ListAffiliates(context.Context) ([]store.Affiliate, error)
	UpdateAffiliateRate(context.Context, string, int) error
	UpdateAffiliateStatus(context.Context, string, string) error
	InsertReferral(context.Context, store.Referral) error
	AttachClickedReferral(context.Context, string, string, string, string, time.Time) error
	GetReferralByBroker(context.Context, string) (store.Referral, error)
	ListReferrals(context.Context, string) ([]store.Referral, error)
	UpdateReferralStatus(context.Context, string, string, string, time.Time) error
	InsertCommission(context.Context, store.Commission) (bool, error)
	ListCommissions(context.Context, string, int) ([]store.Commission, error)
	VoidCommissionByInvoice(context.Context, string) (bool, error)
	MatureCommissions(context.Context, time.Time) (int64, error)
	CommissionTotals(context.Context, string) ([]store.StatusTotal, error)
	ReferralTotals(context.Context, string) ([]store.StatusTotal, error)
	CreatePayout(context.Context, string, string, int64) (store.Payout, error)
	GetPayout(context.Context, string) (store.Payout, error)
	ListPayouts(context.Context, string) ([]store.Payout, error)
	MarkPayoutPaid(context.Context, string, string, time.Time) error
	MarkPayoutFailed(context.Context, string, string) error

	UpsertSubscription(context.Context, store.Subscription) error
	GetSubscriptionByBroker(context.Context, string) (store.Subscription, error)
	CreditTokens(context.Context, string, int64, string, string) (bool, error)
	DebitTokens(context.Context, string, int64, string, string) (int64, error)
	ListLedger(context.Context, string, int) ([]store.LedgerEntry, error)
	RecordStripeEvent(context.Context, string, string) (bool, error)
	ForgetStripeEvent(context.Context, string) error
}

// refreshStore holds refresh sessions. Redis when configured, Postgres
// otherwise.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, brokerID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeBrokerSessions(ctx context.Context, brokerID string) error
}

type mailer interface {
	IsConfigured() bool
	SendVerificationEmail(ctx context.Context, to, userName, verificationURL string) error
	SendPasswordResetEmail(ctx context.Context, to, userName, resetURL string) error
	SendCollaboratorInvite(ctx context.Context, to, inviterName, clientName, role, acceptURL string) error
	SendOnboardingInvite(ctx context.Context, to, clientName, brokerName, onboardingURL string) error
	SendOnboardingCompleted(ctx context.Context, to, clientName, caseURL string) error
	SendPayoutNotice(ctx context.Context, to, userName, status, body string) error
}

type objectStore interface {
	PresignUpload(ctx context.Context, key string) (string, error)
	PresignDownload(ctx context.Context, key, filename string) (string, error)
	Stat(ctx context.Context, key string) (storage.ObjectInfo, error)
	Remove(ctx context.Context, key string) error
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	ReindexCase(clientID string)
	Remove(rtyp search.ResultType, id string)
}

type payments interface {
	IsConfigured() bool
	CreateCustomer(ctx context.Context, brokerID, email, name string) (string, error)
	CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerID string) (string, error)
	ParseEvent(payload []byte, signature string) (billing.Event, error)
}

type assistantClient interface {
	IsConfigured() bool
	SummarizeCase(ctx context.Context, c assistant.CaseContext) (assistant.Result, error)
	DraftClientEmail(ctx context.Context, c assistant.CaseContext, purpose string) (assistant.Result, error)
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  refreshStore
	ownStore  bool
	redis     pinger
	email     mailer
	objects   objectStore
	search    searchIndex
	payments  payments
	assistant assistantClient
	exporter  exporter
	catalog   billing.Catalog
	authpw    *authpw.Service
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Service)

// WithSessionStore moves refresh sessions to a dedicated store. The pinger is
// pinged by the readiness endpoint.
func WithSessionStore(sessions refreshStore, health pinger) Option {
	return func(s *Service) {
		s.sessions = sessions
		s.redis = health
	}
}

func WithEmail(m mailer) Option              { return func(s *Service) { s.email = m } }
func WithObjectStore(o objectStore) Option   { return func(s *Service) { s.objects = o } }
func WithSearch(idx searchIndex) Option      { return func(s *Service) { s.search = idx } }
func WithPayments(p payments) Option         { return func(s *Service) { s.payments = p } }
func WithAssistant(a assistantClient) Option { return func(s *Service) { s.assistant = a } }
func WithExporter(e exporter) Option         { return func(s *Service) { s.exporter = e } }
func WithCatalog(c billing.Catalog) Option   { return func(s *Service) { s.catalog = c } }
func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }
func WithPasswordCost(cost int) Option       { return func(s *Service) { s.authpw.WithCost(cost) } }
func WithLogger(logger *zap.Logger) Option   { return func(s *Service) { s.logger = logger } }

func New(cfg config.Config, dataStore dataStore, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		store:   dataStore,
		catalog: billing.DefaultCatalog(),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	s.authpw = authpw.NewService(authStore{dataStore: dataStore, service: s})
	for _, opt := range opts {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = dataStore
		s.ownStore = true
	}
	return s
}

// authStore revokes refresh sessions wherever they live when a password
// changes.
type authStore struct {
	dataStore
	service *Service
}

func (a authStore) RevokeBrokerSessions(ctx context.Context, brokerID string) error {
	return a.service.revokeAllSessions(ctx, brokerID)
}

func (s *Service) revokeAllSessions(ctx context.Context, brokerID string) error {
	if err := s.store.RevokeBrokerSessions(ctx, brokerID); err != nil {
		return err
	}
	if !s.ownStore {
		return s.sessions.RevokeBrokerSessions(ctx, brokerID)
	}
	return nil
}

func (s *Service) emailConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) publicURL(path string) string {
	return strings.TrimRight(s.cfg.PublicURL, "/") + path
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ReadinessChecks pings every backing service that must be up to serve.
func (s *Service) ReadinessChecks(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.redis != nil {
		checks["redis"] = s.redis.Ping(ctx)
	}
	return checks
}

// Auth

type SignUpInput struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	DisplayName  string `json:"displayName"`
	ReferralCode string `json:"referralCode"`
	ClickID      string `json:"clickId"`
}

func (s *Service) SignUp(ctx context.Context, input SignUpInput) (map[string]any, error) {
	affiliate, referred := s.lookupReferrer(ctx, input.ReferralCode)

	req := authpw.SignUpRequest{
		Email:       input.Email,
		Password:    input.Password,
		DisplayName: input.DisplayName,
	}
	if referred {
		req.ReferredByAffiliateID = &affiliate.ID
	}
	resp, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return nil, err
	}
	if referred {
		s.attributeSignup(ctx, affiliate, resp.Broker, input.ClickID)
	}

	response := map[string]any{
		"userId":  resp.Broker.ID,
		"message": "Please check your email to verify your account",
	}
	if s.emailConfigured() {
		verifyURL := s.publicURL("/verify-email?token=" + resp.VerificationToken)
		if err := s.email.SendVerificationEmail(ctx, resp.Broker.Email, resp.Broker.DisplayName, verifyURL); err != nil {
			s.logger.Warn("send verification email", zap.String("broker_id", resp.Broker.ID), zap.Error(err))
		}
	} else {
		response["devVerificationToken"] = resp.VerificationToken
		response["message"] = "Account created. Verify your email to continue."
	}
	return response, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	resp, err := s.authpw.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	if resp.RequiresVerify {
		return Session{}, domainError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
	}
	return s.issueSession(ctx, resp.Broker)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	return s.authpw.VerifyEmail(ctx, token)
}

// RequestPasswordReset never reveals whether the address exists. The token is
// returned only when email delivery is not configured.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	broker, token, err := s.authpw.RequestPasswordReset(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", nil
	}
	if !s.emailConfigured() {
		return token, nil
	}
	resetURL := s.publicURL("/reset-password?token=" + token)
	if err := s.email.SendPasswordResetEmail(ctx, broker.Email, broker.DisplayName, resetURL); err != nil {
		s.logger.Warn("send password reset email", zap.String("broker_id", broker.ID), zap.Error(err))
	}
	return "", nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	return s.authpw.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword})
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	brokerID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	broker, err := s.store.GetBrokerByID(ctx, brokerID)
	if err != nil {
		return Session{}, err
	}
	if broker.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, broker)
}

func (s *Service) issueSession(ctx context.Context, broker store.Broker) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID()
	role := platformRole(broker)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), broker.ID, broker.Email, broker.DisplayName, role, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken("rft")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), broker.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       broker.ID,
		UserName:     broker.DisplayName,
		Email:        broker.Email,
		Role:         role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken accepts our own access tokens and HS256 tokens from an
// external identity provider sharing the secret. Those carry a foreign
// subject, so the broker is then found by email.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if claims.ID != "" {
		revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}

	broker, err := s.brokerForClaims(ctx, claims)
	if err != nil {
		return Session{}, err
	}
	if broker.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    broker.ID,
		UserName:  broker.DisplayName,
		Email:     broker.Email,
		Role:      platformRole(broker),
		JTI:       claims.ID,
		ExpiresAt: claims.Expiry(),
	}, nil
}

func (s *Service) brokerForClaims(ctx context.Context, claims auth.Claims) (store.Broker, error) {
	if _, err := uuid.Parse(claims.Subject); err == nil {
		broker, err := s.store.GetBrokerByID(ctx, claims.Subject)
		if err == nil {
			return broker, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return store.Broker{}, err
		}
	}
	if claims.Email == "" {
		return store.Broker{}, auth.ErrInvalidToken
	}
	broker, err := s.store.GetBrokerByEmail(ctx, strings.ToLower(claims.Email))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Broker{}, auth.ErrInvalidToken
	}
	return broker, err
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", zap.Error(err))
		}
	}
	return nil
}

func platformRole(b store.Broker) string {
	if b.PlatformRole == rbac.PlatformAdmin {
		return rbac.PlatformAdmin
	}
	return rbac.PlatformBroker
}

// Profile and admin

func (s *Service) GetProfile(ctx context.Context, session Session) (map[string]any, error) {
	broker, err := s.store.GetBrokerByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return brokerJSON(broker), nil
}

type ProfileInput struct {
	DisplayName string `json:"displayName"`
	CompanyName string `json:"companyName"`
	Phone       string `json:"phone"`
}

func (s *Service) UpdateProfile(ctx context.Context, session Session, input ProfileInput) (map[string]any, error) {
	name := strings.TrimSpace(input.DisplayName)
	if name == "" {
		return nil, validationError("displayName is required")
	}
	if err := s.store.UpdateBrokerProfile(ctx, session.UserID, name, strings.TrimSpace(input.CompanyName), strings.TrimSpace(input.Phone)); err != nil {
		return nil, err
	}
	return s.GetProfile(ctx, session)
}

func (s *Service) ListBrokers(ctx context.Context, session Session, query string, limit, offset int) (map[string]any, error) {
	if !session.IsAdmin() {
		return nil, errAdminOnly
	}
	limit = clampLimit(limit, 50, 200)
	if offset < 0 {
		offset = 0
	}
	brokers, total, err := s.store.ListBrokers(ctx, strings.TrimSpace(query), limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(brokers))
	for _, b := range brokers {
		items = append(items, brokerJSON(b))
	}
	return map[string]any{"items": items, "total": total, "limit": limit, "offset": offset}, nil
}

func (s *Service) SetBrokerDeactivated(ctx context.Context, session Session, brokerID string, deactivated bool) (map[string]any, error) {
	if !session.IsAdmin() {
		return nil, errAdminOnly
	}
	if brokerID == session.UserID {
		return nil, validationError("you cannot change your own status")
	}
	if err := s.store.SetBrokerDeactivated(ctx, brokerID, deactivated); err != nil {
		return nil, err
	}
	if deactivated {
		if err := s.revokeAllSessions(ctx, brokerID); err != nil {
			return nil, err
		}
	}
	broker, err := s.store.GetBrokerByID(ctx, brokerID)
	if err != nil {
		return nil, err
	}
	return brokerJSON(broker), nil
}

func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
