package app

import (
	"encoding/json"
	"time"

	"brokerdesk/api/internal/store"
)

func brokerJSON(b store.Broker) map[string]any {
	return map[string]any{
		"id":              b.ID,
		"email":           b.Email,
		"displayName":     b.DisplayName,
		"companyName":     b.CompanyName,
		"phone":           b.Phone,
		"role":            platformRole(b),
		"emailVerified":   b.IsEmailVerified,
		"tokenBalance":    b.TokenBalance,
		"deactivated":     b.DeactivatedAt != nil,
		"hasBillingSetup": b.StripeCustomerID != nil,
		"createdAt":       b.CreatedAt,
	}
}

func clientJSON(c store.Client) map[string]any {
	answers := c.OnboardingAnswers
	if len(answers) == 0 {
		answers = json.RawMessage("null")
	}
	return map[string]any{
		"id":                    c.ID,
		"ownerId":               c.BrokerID,
		"ownerName":             c.OwnerName,
		"fullName":              c.FullName,
		"email":                 c.Email,
		"phone":                 c.Phone,
		"propertyAddress":       c.PropertyAddress,
		"loanAmountCents":       c.LoanAmountCents,
		"loanType":              c.LoanType,
		"stage":                 c.Stage,
		"notes":                 c.Notes,
		"onboardingAnswers":     answers,
		"onboardingCompletedAt": c.OnboardingCompletedAt,
		"archived":              c.ArchivedAt != nil,
		"archivedAt":            c.ArchivedAt,
		"role":                  c.AccessRole,
		"createdAt":             c.CreatedAt,
		"updatedAt":             c.UpdatedAt,
	}
}

// publicClientJSON is what the onboarding link exposes to the borrower.
func publicClientJSON(c store.Client) map[string]any {
	return map[string]any{
		"fullName":        c.FullName,
		"email":           c.Email,
		"phone":           c.Phone,
		"propertyAddress": c.PropertyAddress,
		"loanType":        c.LoanType,
		"brokerName":      c.OwnerName,
		"completed":       c.OnboardingCompletedAt != nil,
	}
}

func collaboratorJSON(c store.Collaborator) map[string]any {
	return map[string]any{
		"id":              c.ID,
		"clientId":        c.ClientID,
		"brokerId":        c.BrokerID,
		"brokerName":      c.BrokerName,
		"email":           c.InvitedEmail,
		"role":            c.Role,
		"status":          c.Status,
		"invitedBy":       c.InvitedBy,
		"inviteExpiresAt": c.InviteExpiresAt,
		"acceptedAt":      c.AcceptedAt,
		"createdAt":       c.CreatedAt,
	}
}

func timelineJSON(e store.TimelineEntry) map[string]any {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"id":        e.ID,
		"clientId":  e.ClientID,
		"actorId":   e.ActorID,
		"actorName": e.ActorName,
		"kind":      e.Kind,
		"message":   e.Message,
		"payload":   payload,
		"createdAt": e.CreatedAt,
	}
}

func documentJSON(d store.Document) map[string]any {
	return map[string]any{
		"id":              d.ID,
		"clientId":        d.ClientID,
		"name":            d.Name,
		"category":        d.Category,
		"status":          d.Status,
		"hasFile":         d.ObjectKey != "",
		"contentType":     d.ContentType,
		"sizeBytes":       d.SizeBytes,
		"requestedBy":     d.RequestedBy,
		"dueAt":           d.DueAt,
		"uploadedAt":      d.UploadedAt,
		"reviewedBy":      d.ReviewedBy,
		"reviewedAt":      d.ReviewedAt,
		"rejectionReason": d.RejectionReason,
		"createdAt":       d.CreatedAt,
	}
}

func milestoneJSON(m store.Milestone) map[string]any {
	offsets := m.ReminderOffsets
	if offsets == nil {
		offsets = []int{}
	}
	return map[string]any{
		"id":                     m.ID,
		"clientId":               m.ClientID,
		"title":                  m.Title,
		"description":            m.Description,
		"dueAt":                  m.DueAt,
		"status":                 m.Status,
		"syncToCalendar":         m.SyncToCalendar,
		"reminderOffsetsMinutes": offsets,
		"calendarEventId":        m.CalendarEventID,
		"createdBy":              m.CreatedBy,
		"completedAt":            m.CompletedAt,
		"createdAt":              m.CreatedAt,
		"updatedAt":              m.UpdatedAt,
	}
}

func eventJSON(e store.CalendarEvent) map[string]any {
	offsets := e.ReminderOffsets
	if offsets == nil {
		offsets = []int{}
	}
	return map[string]any{
		"id":                     e.ID,
		"clientId":               e.ClientID,
		"milestoneId":            e.MilestoneID,
		"title":                  e.Title,
		"description":            e.Description,
		"location":               e.Location,
		"startsAt":               e.StartsAt,
		"endsAt":                 e.EndsAt,
		"allDay":                 e.AllDay,
		"source":                 e.Source,
		"reminderOffsetsMinutes": offsets,
		"createdAt":              e.CreatedAt,
		"updatedAt":              e.UpdatedAt,
	}
}

func reminderJSON(r store.Reminder) map[string]any {
	return map[string]any{
		"id":             r.ID,
		"clientId":       r.ClientID,
		"eventId":        r.EventID,
		"milestoneId":    r.MilestoneID,
		"documentId":     r.DocumentID,
		"remindAt":       r.RemindAt,
		"recipientEmail": r.RecipientEmail,
		"subject":        r.Subject,
		"status":         r.Status,
		"attempts":       r.Attempts,
		"lastError":      r.LastError,
		"sentAt":         r.SentAt,
	}
}

func affiliateJSON(a store.Affiliate, link string) map[string]any {
	return map[string]any{
		"id":                a.ID,
		"brokerId":          a.BrokerID,
		"brokerName":        a.BrokerName,
		"referralCode":      a.ReferralCode,
		"referralLink":      link,
		"commissionRateBps": a.CommissionRateBps,
		"status":            a.Status,
		"payoutEmail":       a.PayoutEmail,
		"createdAt":         a.CreatedAt,
	}
}

func referralJSON(r store.Referral) map[string]any {
	return map[string]any{
		"id":          r.ID,
		"email":       r.ReferredEmail,
		"status":      r.Status,
		"clickedAt":   r.ClickedAt,
		"signedUpAt":  r.SignedUpAt,
		"convertedAt": r.ConvertedAt,
		"churnedAt":   r.ChurnedAt,
		"createdAt":   r.CreatedAt,
	}
}

func commissionJSON(c store.Commission) map[string]any {
	return map[string]any{
		"id":          c.ID,
		"referralId":  c.ReferralID,
		"invoiceId":   c.StripeInvoiceID,
		"amountCents": c.AmountCents,
		"currency":    c.Currency,
		"status":      c.Status,
		"payoutId":    c.PayoutID,
		"availableAt": c.AvailableAt,
		"createdAt":   c.CreatedAt,
	}
}

func payoutJSON(p store.Payout) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"affiliateId": p.AffiliateID,
		"amountCents": p.AmountCents,
		"currency":    p.Currency,
		"status":      p.Status,
		"reference":   p.Reference,
		"createdAt":   p.CreatedAt,
		"paidAt":      p.PaidAt,
	}
}

func totalsJSON(totals []store.StatusTotal) map[string]any {
	out := make(map[string]any, len(totals))
	for _, t := range totals {
		out[t.Status] = map[string]any{"count": t.Count, "amountCents": t.AmountCents}
	}
	return out
}

func subscriptionJSON(sub store.Subscription) map[string]any {
	return map[string]any{
		"planId":            sub.PlanID,
		"status":            sub.Status,
		"currentPeriodEnd":  sub.CurrentPeriodEnd,
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		"updatedAt":         sub.UpdatedAt,
	}
}

func ledgerJSON(e store.LedgerEntry) map[string]any {
	return map[string]any{
		"id":        e.ID,
		"delta":     e.Delta,
		"reason":    e.Reason,
		"reference": e.Reference,
		"createdAt": e.CreatedAt,
	}
}

func mapSlice[T any](items []T, fn func(T) map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, fn(item))
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}
