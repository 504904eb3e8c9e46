package store

import (
	"encoding/json"
	"time"
)

type Broker struct {
	ID                    string
	Email                 string
	DisplayName           string
	PasswordHash          string
	PlatformRole          string
	CompanyName           string
	Phone                 string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	ReferredByAffiliateID *string
	StripeCustomerID      *string
	TokenBalance          int64
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Client is a case: the borrower record a broker works on.
type Client struct {
	ID                    string
	BrokerID              string
	FullName              string
	Email                 string
	Phone                 string
	PropertyAddress       string
	LoanAmountCents       int64
	LoanType              string
	Stage                 string
	OnboardingToken       string
	OnboardingAnswers     json.RawMessage
	OnboardingCompletedAt *time.Time
	Notes                 string
	ArchivedAt            *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
	// Joined fields for API responses
	OwnerName  string
	OwnerEmail string
	AccessRole string
}

type ClientFilter struct {
	Stage           string
	IncludeArchived bool
}

type Collaborator struct {
	ID              string
	ClientID        string
	BrokerID        *string
	InvitedEmail    string
	Role            string
	Status          string
	InviteToken     string
	InvitedBy       string
	InviteExpiresAt time.Time
	AcceptedAt      *time.Time
	CreatedAt       time.Time
	// Joined fields for API responses
	BrokerName string
}

type Document struct {
	ID              string
	ClientID        string
	Name            string
	Category        string
	Status          string
	ObjectKey       string
	ContentType     string
	SizeBytes       int64
	RequestedBy     string
	DueAt           *time.Time
	UploadedAt      *time.Time
	ReviewedBy      *string
	ReviewedAt      *time.Time
	RejectionReason string
	CreatedAt       time.Time
}

type Milestone struct {
	ID              string
	ClientID        string
	Title           string
	Description     string
	DueAt           time.Time
	Status          string
	SyncToCalendar  bool
	ReminderOffsets []int
	CalendarEventID *string
	CreatedBy       string
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type CalendarEvent struct {
	ID              string
	BrokerID        string
	ClientID        *string
	MilestoneID     *string
	Title           string
	Description     string
	Location        string
	StartsAt        time.Time
	EndsAt          time.Time
	AllDay          bool
	Source          string
	ReminderOffsets []int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Reminder struct {
	ID             string
	BrokerID       string
	ClientID       *string
	EventID        *string
	MilestoneID    *string
	DocumentID     *string
	RemindAt       time.Time
	RecipientEmail string
	Subject        string
	Body           string
	DedupeKey      string
	Status         string
	Attempts       int
	LastError      string
	SentAt         *time.Time
	CreatedAt      time.Time
}

type TimelineEntry struct {
	ID        int64
	ClientID  string
	ActorID   *string
	ActorName string
	Kind      string
	Message   string
	Payload   map[string]any
	CreatedAt time.Time
}

type Affiliate struct {
	ID                string
	BrokerID          string
	ReferralCode      string
	CommissionRateBps int
	Status            string
	PayoutEmail       string
	CreatedAt         time.Time
	// Joined fields for API responses
	BrokerName string
}

type Referral struct {
	ID               string
	AffiliateID      string
	ReferredEmail    string
	ReferredBrokerID *string
	Status           string
	ClickedAt        *time.Time
	SignedUpAt       *time.Time
	ConvertedAt      *time.Time
	ChurnedAt        *time.Time
	CreatedAt        time.Time
}

type Commission struct {
	ID              string
	AffiliateID     string
	ReferralID      string
	StripeInvoiceID string
	AmountCents     int64
	Currency        string
	Status          string
	PayoutID        *string
	AvailableAt     time.Time
	CreatedAt       time.Time
}

type Payout struct {
	ID          string
	AffiliateID string
	AmountCents int64
	Currency    string
	Status      string
	Reference   string
	CreatedAt   time.Time
	PaidAt      *time.Time
}

// StatusTotal aggregates a count and amount per status value.
type StatusTotal struct {
	Status      string
	Count       int
	AmountCents int64
}

type Subscription struct {
	ID                   string
	BrokerID             string
	StripeSubscriptionID string
	StripeCustomerID     string
	PlanID               string
	Status               string
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    bool
	UpdatedAt            time.Time
}

type LedgerEntry struct {
	ID        int64
	BrokerID  string
	Delta     int64
	Reason    string
	Reference *string
	CreatedAt time.Time
}
