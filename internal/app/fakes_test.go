package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"brokerdesk/api/internal/affiliate"
	"brokerdesk/api/internal/assistant"
	"brokerdesk/api/internal/billing"
	"brokerdesk/api/internal/calendar"
	"brokerdesk/api/internal/config"
	"brokerdesk/api/internal/rbac"
	"brokerdesk/api/internal/storage"
	"brokerdesk/api/internal/store"
)

// memStore keeps just enough state in maps to drive the service end to end.
// Methods it does not override fall through to the nil embedded interface
// and panic, which flags a test touching storage it did not expect.
type memStore struct {
	dataStore

	mu           sync.Mutex
	brokers      map[string]store.Broker
	refresh      map[string]string
	revoked      map[string]bool
	clients      map[string]store.Client
	roles        map[string]string // brokerID|clientID -> accepted collaborator role
	recipients   map[string][]store.Recipient
	milestones   map[string]store.Milestone
	events       map[string]store.CalendarEvent
	reminders    map[string]store.Reminder
	timeline     []store.TimelineEntry
	stripeEvents map[string]bool
	ledger       []store.LedgerEntry
	subs         map[string]store.Subscription
	affiliates   map[string]store.Affiliate
	referrals    map[string]store.Referral
	commissions  map[string]store.Commission // by stripe invoice id
	collabs      map[string]store.Collaborator
	documents    map[string]store.Document
	payouts      map[string]store.Payout

	forgotten []string
}

func newMemStore() *memStore {
	return &memStore{
		brokers:      map[string]store.Broker{},
		refresh:      map[string]string{},
		revoked:      map[string]bool{},
		clients:      map[string]store.Client{},
		roles:        map[string]string{},
		recipients:   map[string][]store.Recipient{},
		milestones:   map[string]store.Milestone{},
		events:       map[string]store.CalendarEvent{},
		reminders:    map[string]store.Reminder{},
		stripeEvents: map[string]bool{},
		subs:         map[string]store.Subscription{},
		affiliates:   map[string]store.Affiliate{},
		referrals:    map[string]store.Referral{},
		commissions:  map[string]store.Commission{},
		collabs:      map[string]store.Collaborator{},
		documents:    map[string]store.Document{},
		payouts:      map[string]store.Payout{},
	}
}

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestService(ds dataStore, opts ...Option) *Service {
	cfg := config.Config{
		JWTSecret:          "test-secret",
		AccessTTL:          15 * time.Minute,
		RefreshTTL:         24 * time.Hour,
		PublicURL:          "https://app.example.com",
		CommissionHold:     30 * 24 * time.Hour,
		PayoutMinimumCents: 5000,
	}
	opts = append([]Option{WithPasswordCost(4)}, opts...)
	return New(cfg, ds, opts...)
}

func (m *memStore) Ping(context.Context) error { return nil }

// Brokers and sessions

func (m *memStore) addBroker(b store.Broker) store.Broker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.PlatformRole == "" {
		b.PlatformRole = "broker"
	}
	m.brokers[b.ID] = b
	return b
}

func (m *memStore) CreateBroker(_ context.Context, b store.Broker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.brokers {
		if existing.Email == b.Email {
			return store.ErrConflict
		}
	}
	m.brokers[b.ID] = b
	return nil
}

func (m *memStore) GetBrokerByID(_ context.Context, id string) (store.Broker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.brokers[id]
	if !ok {
		return store.Broker{}, sql.ErrNoRows
	}
	return b, nil
}

func (m *memStore) GetBrokerByEmail(_ context.Context, email string) (store.Broker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.brokers {
		if b.Email == email {
			return b, nil
		}
	}
	return store.Broker{}, sql.ErrNoRows
}

func (m *memStore) GetBrokerByStripeCustomer(_ context.Context, customerID string) (store.Broker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.brokers {
		if b.StripeCustomerID != nil && *b.StripeCustomerID == customerID {
			return b, nil
		}
	}
	return store.Broker{}, sql.ErrNoRows
}

func (m *memStore) UpdateBrokerVerificationToken(_ context.Context, brokerID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.brokers[brokerID]
	b.VerificationToken = token
	b.VerificationExpiresAt = &expiresAt
	m.brokers[brokerID] = b
	return nil
}

func (m *memStore) VerifyBrokerEmail(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.brokers {
		if token != "" && b.VerificationToken == token {
			b.IsEmailVerified = true
			b.VerificationToken = ""
			m.brokers[id] = b
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memStore) SetStripeCustomerID(_ context.Context, brokerID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.brokers[brokerID]
	b.StripeCustomerID = &customerID
	m.brokers[brokerID] = b
	return nil
}

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, brokerID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = brokerID
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.refresh[tokenHash]
	if !ok {
		return "", sql.ErrNoRows
	}
	return id, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeBrokerSessions(_ context.Context, brokerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, id := range m.refresh {
		if id == brokerID {
			delete(m.refresh, hash)
		}
	}
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

// Cases

func (m *memStore) addClient(c store.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Stage == "" {
		c.Stage = StageLead
	}
	m.clients[c.ID] = c
}

func (m *memStore) GetClient(_ context.Context, id string) (store.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return store.Client{}, sql.ErrNoRows
	}
	return c, nil
}

func (m *memStore) CaseRole(_ context.Context, brokerID, clientID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return "", nil
	}
	if c.BrokerID == brokerID {
		return "owner", nil
	}
	for _, cc := range m.collabs {
		if cc.ClientID == clientID && cc.Status == CollaboratorAccepted && cc.BrokerID != nil && *cc.BrokerID == brokerID {
			return cc.Role, nil
		}
	}
	return m.roles[brokerID+"|"+clientID], nil
}

func (m *memStore) UpdateClientStage(_ context.Context, clientID, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok || c.Stage != from {
		return store.ErrConflict
	}
	c.Stage = to
	m.clients[clientID] = c
	return nil
}

func (m *memStore) ArchiveClient(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.clients[clientID]
	c.ArchivedAt = &testNow
	m.clients[clientID] = c
	return nil
}

// CaseRecipients returns the seeded recipients when a test set them, and
// otherwise the owner plus accepted editors like the SQL query does.
func (m *memStore) CaseRecipients(_ context.Context, clientID string) ([]store.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seeded, ok := m.recipients[clientID]; ok {
		return seeded, nil
	}
	c, ok := m.clients[clientID]
	if !ok {
		return nil, nil
	}
	out := []store.Recipient{{BrokerID: c.BrokerID, Email: m.brokers[c.BrokerID].Email}}
	var editors []store.Recipient
	for _, cc := range m.collabs {
		if cc.ClientID == clientID && cc.Status == CollaboratorAccepted && cc.Role == string(rbac.RoleEditor) && cc.BrokerID != nil {
			editors = append(editors, store.Recipient{BrokerID: *cc.BrokerID, Email: m.brokers[*cc.BrokerID].Email})
		}
	}
	sort.Slice(editors, func(i, j int) bool { return editors[i].Email < editors[j].Email })
	return append(out, editors...), nil
}

func (m *memStore) GetClientByOnboardingToken(_ context.Context, token string) (store.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.OnboardingToken == token {
			return c, nil
		}
	}
	return store.Client{}, sql.ErrNoRows
}

func (m *memStore) CompleteOnboarding(_ context.Context, clientID string, answers json.RawMessage, nextStage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.clients[clientID]
	if c.OnboardingCompletedAt != nil {
		return fmt.Errorf("complete onboarding: %w", store.ErrConflict)
	}
	c.OnboardingAnswers = answers
	c.OnboardingCompletedAt = &testNow
	c.Stage = nextStage
	m.clients[clientID] = c
	return nil
}

// Collaborators

func (m *memStore) InsertCollaborator(_ context.Context, c store.Collaborator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.collabs {
		if existing.ClientID == c.ClientID && existing.InvitedEmail == c.InvitedEmail &&
			(existing.Status == CollaboratorPending || existing.Status == CollaboratorAccepted) {
			return store.ErrConflict
		}
	}
	m.collabs[c.ID] = c
	return nil
}

func (m *memStore) GetCollaborator(_ context.Context, id string) (store.Collaborator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collabs[id]
	if !ok {
		return store.Collaborator{}, sql.ErrNoRows
	}
	return c, nil
}

func (m *memStore) GetCollaboratorByToken(_ context.Context, token string) (store.Collaborator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.collabs {
		if c.InviteToken == token {
			return c, nil
		}
	}
	return store.Collaborator{}, sql.ErrNoRows
}

func (m *memStore) ListCollaborators(_ context.Context, clientID string) ([]store.Collaborator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Collaborator, 0)
	for _, c := range m.collabs {
		if c.ClientID == clientID && (c.Status == CollaboratorPending || c.Status == CollaboratorAccepted) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvitedEmail < out[j].InvitedEmail })
	return out, nil
}

func (m *memStore) AcceptCollaborator(_ context.Context, id, brokerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collabs[id]
	if !ok || c.Status != CollaboratorPending {
		return sql.ErrNoRows
	}
	c.Status = CollaboratorAccepted
	c.BrokerID = &brokerID
	c.AcceptedAt = &testNow
	m.collabs[id] = c
	return nil
}

func (m *memStore) UpdateCollaboratorRole(_ context.Context, id, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collabs[id]
	if !ok || (c.Status != CollaboratorPending && c.Status != CollaboratorAccepted) {
		return sql.ErrNoRows
	}
	c.Role = role
	m.collabs[id] = c
	return nil
}

func (m *memStore) RevokeCollaborator(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collabs[id]
	if !ok || (c.Status != CollaboratorPending && c.Status != CollaboratorAccepted) {
		return sql.ErrNoRows
	}
	c.Status = "revoked"
	m.collabs[id] = c
	return nil
}

func (m *memStore) InsertTimelineEntry(_ context.Context, entry store.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeline = append(m.timeline, entry)
	return nil
}

func (m *memStore) timelineKinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, 0, len(m.timeline))
	for _, e := range m.timeline {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// Milestones, events, reminders

func (m *memStore) InsertMilestone(_ context.Context, ms store.Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.milestones[ms.ID] = ms
	return nil
}

func (m *memStore) GetMilestone(_ context.Context, id string) (store.Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.milestones[id]
	if !ok {
		return store.Milestone{}, sql.ErrNoRows
	}
	return ms, nil
}

func (m *memStore) ListMilestones(_ context.Context, clientID string) ([]store.Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Milestone
	for _, ms := range m.milestones {
		if ms.ClientID == clientID {
			out = append(out, ms)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (m *memStore) UpdateMilestone(_ context.Context, ms store.Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.milestones[ms.ID]
	if !ok {
		return sql.ErrNoRows
	}
	ms.CalendarEventID = existing.CalendarEventID
	m.milestones[ms.ID] = ms
	return nil
}

func (m *memStore) LinkMilestoneEvent(_ context.Context, milestoneID string, eventID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.milestones[milestoneID]
	if !ok {
		return sql.ErrNoRows
	}
	ms.CalendarEventID = eventID
	m.milestones[milestoneID] = ms
	return nil
}

func (m *memStore) InsertEvent(_ context.Context, e store.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
	return nil
}

func (m *memStore) GetEvent(_ context.Context, id string) (store.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return store.CalendarEvent{}, sql.ErrNoRows
	}
	return e, nil
}

func (m *memStore) UpdateEvent(_ context.Context, e store.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; !ok {
		return sql.ErrNoRows
	}
	m.events[e.ID] = e
	return nil
}

func (m *memStore) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
	for rid, r := range m.reminders {
		if r.EventID != nil && *r.EventID == id {
			delete(m.reminders, rid)
		}
	}
	for mid, ms := range m.milestones {
		if ms.CalendarEventID != nil && *ms.CalendarEventID == id {
			ms.CalendarEventID = nil
			m.milestones[mid] = ms
		}
	}
	return nil
}

func (m *memStore) ListMilestoneEvents(_ context.Context, clientID string) ([]store.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.CalendarEvent
	for _, e := range m.events {
		if e.Source == calendar.SourceMilestone && e.ClientID != nil && *e.ClientID == clientID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) ListEventsInRange(_ context.Context, brokerID string, from, to time.Time) ([]store.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.CalendarEvent, 0)
	for _, e := range m.events {
		if e.BrokerID == brokerID && e.StartsAt.Before(to) && e.EndsAt.After(from) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (m *memStore) milestoneEvents(clientID string) []store.CalendarEvent {
	events, _ := m.ListMilestoneEvents(context.Background(), clientID)
	return events
}

func (m *memStore) ScheduleReminder(_ context.Context, r store.Reminder) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reminders {
		if existing.DedupeKey == r.DedupeKey {
			return false, nil
		}
	}
	if r.Status == "" {
		r.Status = calendar.ReminderScheduled
	}
	m.reminders[r.ID] = r
	return true, nil
}

func (m *memStore) CancelReminders(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		r, ok := m.reminders[id]
		if ok && r.Status == calendar.ReminderScheduled {
			r.Status = calendar.ReminderCancelled
			m.reminders[id] = r
			n++
		}
	}
	return n, nil
}

func (m *memStore) ReviveReminders(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		r, ok := m.reminders[id]
		if ok && r.Status == calendar.ReminderCancelled {
			r.Status = calendar.ReminderScheduled
			m.reminders[id] = r
		}
	}
	return nil
}

func (m *memStore) ListCaseMilestoneReminders(_ context.Context, clientID string) ([]store.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Reminder
	for _, r := range m.reminders {
		if r.MilestoneID != nil && r.ClientID != nil && *r.ClientID == clientID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListEventReminders(_ context.Context, eventID string) ([]store.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Reminder
	for _, r := range m.reminders {
		if r.EventID != nil && *r.EventID == eventID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) remindersWithStatus(status string) []store.Reminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Reminder
	for _, r := range m.reminders {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// Billing and affiliates

func (m *memStore) RecordStripeEvent(_ context.Context, eventID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stripeEvents[eventID] {
		return false, nil
	}
	m.stripeEvents[eventID] = true
	return true, nil
}

func (m *memStore) ForgetStripeEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stripeEvents, eventID)
	m.forgotten = append(m.forgotten, eventID)
	return nil
}

// hasLedgerReference mirrors the unique index on token_ledger.reference.
// Caller holds m.mu.
func (m *memStore) hasLedgerReference(reference string) bool {
	if reference == "" {
		return false
	}
	for _, e := range m.ledger {
		if e.Reference != nil && *e.Reference == reference {
			return true
		}
	}
	return false
}

func ledgerReference(reference string) *string {
	if reference == "" {
		return nil
	}
	return &reference
}

func (m *memStore) CreditTokens(_ context.Context, brokerID string, amount int64, reason, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasLedgerReference(reference) {
		return false, nil
	}
	m.ledger = append(m.ledger, store.LedgerEntry{BrokerID: brokerID, Delta: amount, Reason: reason, Reference: ledgerReference(reference)})
	b := m.brokers[brokerID]
	b.TokenBalance += amount
	m.brokers[brokerID] = b
	return true, nil
}

func (m *memStore) DebitTokens(_ context.Context, brokerID string, amount int64, reason, reference string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.brokers[brokerID]
	if b.TokenBalance < amount {
		return 0, store.ErrInsufficientTokens
	}
	if m.hasLedgerReference(reference) {
		return 0, fmt.Errorf("insert ledger debit: %w", store.ErrConflict)
	}
	b.TokenBalance -= amount
	m.brokers[brokerID] = b
	m.ledger = append(m.ledger, store.LedgerEntry{BrokerID: brokerID, Delta: -amount, Reason: reason, Reference: ledgerReference(reference)})
	return b.TokenBalance, nil
}

func (m *memStore) UpsertSubscription(_ context.Context, sub store.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.BrokerID] = sub
	return nil
}

func (m *memStore) GetAffiliate(_ context.Context, id string) (store.Affiliate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.affiliates[id]
	if !ok {
		return store.Affiliate{}, sql.ErrNoRows
	}
	return a, nil
}

func (m *memStore) GetAffiliateByCode(_ context.Context, code string) (store.Affiliate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.affiliates {
		if a.ReferralCode == code {
			return a, nil
		}
	}
	return store.Affiliate{}, sql.ErrNoRows
}

func (m *memStore) InsertReferral(_ context.Context, r store.Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.referrals[r.ID] = r
	return nil
}

func (m *memStore) AttachClickedReferral(_ context.Context, referralID, affiliateID, brokerID, email string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.referrals[referralID]
	if !ok || r.AffiliateID != affiliateID || r.Status != affiliate.ReferralClicked {
		return sql.ErrNoRows
	}
	r.Status = affiliate.ReferralSignedUp
	r.ReferredBrokerID = &brokerID
	r.ReferredEmail = email
	r.SignedUpAt = &at
	m.referrals[referralID] = r
	return nil
}

func (m *memStore) GetReferralByBroker(_ context.Context, brokerID string) (store.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.referrals {
		if r.ReferredBrokerID != nil && *r.ReferredBrokerID == brokerID {
			return r, nil
		}
	}
	return store.Referral{}, sql.ErrNoRows
}

func (m *memStore) UpdateReferralStatus(_ context.Context, referralID, from, to string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.referrals[referralID]
	if !ok || r.Status != from {
		return store.ErrConflict
	}
	r.Status = to
	m.referrals[referralID] = r
	return nil
}

func (m *memStore) InsertCommission(_ context.Context, c store.Commission) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commissions[c.StripeInvoiceID]; ok {
		return false, nil
	}
	m.commissions[c.StripeInvoiceID] = c
	return true, nil
}

func (m *memStore) VoidCommissionByInvoice(_ context.Context, invoiceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commissions[invoiceID]
	if !ok || c.Status == affiliate.CommissionPaid || c.Status == affiliate.CommissionVoid {
		return false, nil
	}
	c.Status = affiliate.CommissionVoid
	m.commissions[invoiceID] = c
	return true, nil
}

// Collaborator fakes

type fakeMailer struct {
	configured bool
	sent       []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }
func (f *fakeMailer) SendVerificationEmail(_ context.Context, to, _, _ string) error {
	f.sent = append(f.sent, "verify:"+to)
	return nil
}
func (f *fakeMailer) SendPasswordResetEmail(_ context.Context, to, _, _ string) error {
	f.sent = append(f.sent, "reset:"+to)
	return nil
}
func (f *fakeMailer) SendCollaboratorInvite(_ context.Context, to, _, _, _, _ string) error {
	f.sent = append(f.sent, "invite:"+to)
	return nil
}
func (f *fakeMailer) SendOnboardingInvite(_ context.Context, to, _, _, _ string) error {
	f.sent = append(f.sent, "onboarding:"+to)
	return nil
}
func (f *fakeMailer) SendOnboardingCompleted(_ context.Context, to, _, _ string) error {
	f.sent = append(f.sent, "onboarded:"+to)
	return nil
}
func (f *fakeMailer) SendPayoutNotice(_ context.Context, to, _, status, _ string) error {
	f.sent = append(f.sent, "payout-"+status+":"+to)
	return nil
}

type fakePayments struct {
	event billing.Event
	err   error
}

func (f *fakePayments) IsConfigured() bool { return true }
func (f *fakePayments) CreateCustomer(context.Context, string, string, string) (string, error) {
	return "cus_new", nil
}
func (f *fakePayments) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (string, error) {
	return "https://checkout.example/" + req.ItemID, nil
}
func (f *fakePayments) CreatePortalSession(context.Context, string) (string, error) {
	return "https://portal.example", nil
}
func (f *fakePayments) ParseEvent(payload []byte, _ string) (billing.Event, error) {
	if f.err != nil {
		return billing.Event{}, f.err
	}
	var envelope struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return billing.Event{}, billing.ErrInvalidSignature
	}
	return billing.Event{ID: envelope.ID, Type: envelope.Type, Raw: envelope.Data}, nil
}

type fakeAssistant struct {
	tokens int64
	calls  int
}

func (f *fakeAssistant) IsConfigured() bool { return true }
func (f *fakeAssistant) SummarizeCase(context.Context, assistant.CaseContext) (assistant.Result, error) {
	f.calls++
	return assistant.Result{Text: "summary", TotalTokens: f.tokens, Model: "test"}, nil
}
func (f *fakeAssistant) DraftClientEmail(context.Context, assistant.CaseContext, string) (assistant.Result, error) {
	f.calls++
	return assistant.Result{Text: "draft", TotalTokens: f.tokens, Model: "test"}, nil
}

// Documents

func (m *memStore) InsertDocument(_ context.Context, d store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[d.ID] = d
	return nil
}

func (m *memStore) GetDocument(_ context.Context, id string) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return d, nil
}

func (m *memStore) ListDocuments(_ context.Context, clientID string) ([]store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Document, 0)
	for _, d := range m.documents {
		if d.ClientID == clientID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) MarkDocumentUploaded(_ context.Context, id, objectKey, contentType string, size int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok || (d.Status != DocumentRequested && d.Status != DocumentRejected) {
		return sql.ErrNoRows
	}
	d.Status, d.ObjectKey, d.ContentType, d.SizeBytes, d.UploadedAt = DocumentUploaded, objectKey, contentType, size, &at
	d.ReviewedBy, d.ReviewedAt, d.RejectionReason = nil, nil, ""
	m.documents[id] = d
	return nil
}

func (m *memStore) ReviewDocument(_ context.Context, id, status, reviewerID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok || d.Status != DocumentUploaded {
		return sql.ErrNoRows
	}
	d.Status, d.ReviewedBy, d.ReviewedAt, d.RejectionReason = status, &reviewerID, &testNow, reason
	m.documents[id] = d
	return nil
}

func (m *memStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.documents, id)
	return nil
}

func (m *memStore) CancelDocumentReminders(_ context.Context, documentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.reminders {
		if r.DocumentID != nil && *r.DocumentID == documentID && r.Status == calendar.ReminderScheduled {
			r.Status = calendar.ReminderCancelled
			m.reminders[id] = r
			n++
		}
	}
	return n, nil
}

// Payouts

func (m *memStore) MatureCommissions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, c := range m.commissions {
		if c.Status == affiliate.CommissionPending && !c.AvailableAt.After(now) {
			c.Status = affiliate.CommissionApproved
			m.commissions[k] = c
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreatePayout(_ context.Context, payoutID, affiliateID string, minimumCents int64) (store.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		keys  []string
		total int64
	)
	for k, c := range m.commissions {
		if c.AffiliateID == affiliateID && c.Status == affiliate.CommissionApproved && c.PayoutID == nil {
			keys = append(keys, k)
			total += c.AmountCents
		}
	}
	if total == 0 || total < minimumCents {
		return store.Payout{}, store.ErrBelowMinimum
	}
	for _, k := range keys {
		c := m.commissions[k]
		id := payoutID
		c.PayoutID = &id
		m.commissions[k] = c
	}
	p := store.Payout{ID: payoutID, AffiliateID: affiliateID, AmountCents: total, Currency: "usd", Status: affiliate.PayoutPending, CreatedAt: testNow}
	m.payouts[payoutID] = p
	return p, nil
}

func (m *memStore) GetPayout(_ context.Context, id string) (store.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return store.Payout{}, sql.ErrNoRows
	}
	return p, nil
}

func (m *memStore) MarkPayoutPaid(_ context.Context, id, reference string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok || p.Status != affiliate.PayoutPending {
		return sql.ErrNoRows
	}
	p.Status, p.Reference, p.PaidAt = affiliate.PayoutPaid, reference, &at
	m.payouts[id] = p
	for k, c := range m.commissions {
		if c.PayoutID != nil && *c.PayoutID == id && c.Status == affiliate.CommissionApproved {
			c.Status = affiliate.CommissionPaid
			m.commissions[k] = c
		}
	}
	return nil
}

func (m *memStore) MarkPayoutFailed(_ context.Context, id, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok || p.Status != affiliate.PayoutPending {
		return sql.ErrNoRows
	}
	p.Status, p.Reference = affiliate.PayoutFailed, reference
	m.payouts[id] = p
	for k, c := range m.commissions {
		if c.PayoutID != nil && *c.PayoutID == id && c.Status == affiliate.CommissionApproved {
			c.PayoutID = nil
			m.commissions[k] = c
		}
	}
	return nil
}

// fakeObjects stands in for the bucket; objects holds what clients uploaded.
type fakeObjects struct {
	mu        sync.Mutex
	objects   map[string]storage.ObjectInfo
	removed   []string
	removeErr error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string]storage.ObjectInfo{}}
}

func (f *fakeObjects) PresignUpload(_ context.Context, key string) (string, error) {
	return "https://bucket.test/" + key + "?upload", nil
}

func (f *fakeObjects) PresignDownload(_ context.Context, key, _ string) (string, error) {
	return "https://bucket.test/" + key + "?download", nil
}

func (f *fakeObjects) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return info, nil
}

func (f *fakeObjects) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, key)
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) put(key string, info storage.ObjectInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = info
}
