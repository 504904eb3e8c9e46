package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"brokerdesk/api/internal/affiliate"
	"brokerdesk/api/internal/auth"
	"brokerdesk/api/internal/calendar"
	"brokerdesk/api/internal/rbac"
	"brokerdesk/api/internal/store"
)

func expectDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatalf("expected domain error %s, got %v", code, err)
	}
	if de.Status != status || de.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, de.Status, de.Code)
	}
}

func TestSignUpVerifySignInRefreshAndLogout(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	resp, err := svc.SignUp(ctx, SignUpInput{Email: " Ada@Example.com ", Password: "correct-horse", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	token, _ := resp["devVerificationToken"].(string)
	if token == "" {
		t.Fatalf("expected a dev verification token without email delivery, got %v", resp)
	}

	_, err = svc.SignIn(ctx, "ada@example.com", "correct-horse")
	expectDomainError(t, err, http.StatusForbidden, "EMAIL_NOT_VERIFIED")

	if err := svc.VerifyEmail(ctx, token); err != nil {
		t.Fatalf("verify: %v", err)
	}
	session, err := svc.SignIn(ctx, "ada@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("signin: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", session)
	}

	fromToken, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if fromToken.UserID != session.UserID || fromToken.Email != "ada@example.com" {
		t.Fatalf("unexpected session %+v", fromToken)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatalf("expected refresh token rotation")
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected reused refresh token to fail, got %v", err)
	}

	if err := svc.Logout(ctx, rotated, rotated.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, rotated.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected revoked access token, got %v", err)
	}
	if _, err := svc.Refresh(ctx, rotated.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected revoked refresh token, got %v", err)
	}
}

func TestSignUpWithEmailDeliveryHidesToken(t *testing.T) {
	ms := newMemStore()
	mail := &fakeMailer{configured: true}
	svc := newTestService(ms, WithEmail(mail))

	resp, err := svc.SignUp(context.Background(), SignUpInput{Email: "bo@example.com", Password: "long-enough", DisplayName: "Bo"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, ok := resp["devVerificationToken"]; ok {
		t.Fatalf("token must not be returned when email is configured")
	}
	if len(mail.sent) != 1 || mail.sent[0] != "verify:bo@example.com" {
		t.Fatalf("unexpected mail %v", mail.sent)
	}
}

func TestSignUpAttributesReferral(t *testing.T) {
	ms := newMemStore()
	ms.affiliates["aff-1"] = store.Affiliate{ID: "aff-1", BrokerID: "someone", ReferralCode: "ABCDEFGH", CommissionRateBps: 2000, Status: affiliate.StatusActive}
	svc := newTestService(ms)
	ctx := context.Background()

	redirect, err := svc.TrackClick(ctx, "abcdefgh")
	if err != nil {
		t.Fatalf("track click: %v", err)
	}
	if !strings.HasPrefix(redirect, "https://app.example.com/signup?ref=ABCDEFGH&click=") {
		t.Fatalf("unexpected redirect %q", redirect)
	}
	clickID := redirect[strings.LastIndex(redirect, "=")+1:]

	resp, err := svc.SignUp(ctx, SignUpInput{
		Email: "cy@example.com", Password: "long-enough", DisplayName: "Cy",
		ReferralCode: "ABCDEFGH", ClickID: clickID,
	})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	referral := ms.referrals[clickID]
	if referral.Status != affiliate.ReferralSignedUp || referral.ReferredBrokerID == nil || *referral.ReferredBrokerID != resp["userId"] {
		t.Fatalf("expected click to become a signed_up referral, got %+v", referral)
	}
	if len(ms.referrals) != 1 {
		t.Fatalf("expected the click to be reused, got %d referrals", len(ms.referrals))
	}
}

func TestTrackClickRejectsUnknownAndSuspendedCodes(t *testing.T) {
	ms := newMemStore()
	ms.affiliates["aff-1"] = store.Affiliate{ID: "aff-1", ReferralCode: "ZZZZZZZZ", Status: affiliate.StatusSuspended}
	svc := newTestService(ms)

	for _, code := range []string{"nope", "ABCDEFGH", "ZZZZZZZZ"} {
		_, err := svc.TrackClick(context.Background(), code)
		expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
	}
}

func TestCaseAccess(t *testing.T) {
	ms := newMemStore()
	ms.addClient(store.Client{ID: "case-1", BrokerID: "owner", FullName: "Jane Doe"})
	ms.addClient(store.Client{ID: "case-2", BrokerID: "owner", FullName: "Old Case", ArchivedAt: &testNow})
	ms.roles["viewer|case-1"] = "viewer"
	ms.roles["viewer|case-2"] = "viewer"
	svc := newTestService(ms)
	ctx := context.Background()

	_, err := svc.ChangeStage(ctx, Session{UserID: "stranger"}, "case-1", StageOnboarding)
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	_, err = svc.ChangeStage(ctx, Session{UserID: "viewer"}, "case-1", StageOnboarding)
	expectDomainError(t, err, http.StatusForbidden, "FORBIDDEN")

	_, err = svc.ChangeStage(ctx, Session{UserID: "owner"}, "case-2", StageOnboarding)
	expectDomainError(t, err, http.StatusConflict, "CASE_ARCHIVED")

	c, err := svc.caseAccess(ctx, Session{UserID: "viewer"}, "case-2", rbac.ActionRead)
	if err != nil {
		t.Fatalf("viewer should still read an archived case: %v", err)
	}
	if c.AccessRole != "viewer" {
		t.Fatalf("expected viewer access role, got %q", c.AccessRole)
	}

	admin, err := svc.caseAccess(ctx, Session{UserID: "root", Role: rbac.PlatformAdmin}, "case-1", rbac.ActionRead)
	if err != nil || admin.AccessRole != "viewer" {
		t.Fatalf("expected admin read access, got %+v %v", admin, err)
	}
}

func TestChangeStageRejectsSkippingStages(t *testing.T) {
	ms := newMemStore()
	ms.addClient(store.Client{ID: "case-1", BrokerID: "owner", FullName: "Jane Doe"})
	svc := newTestService(ms)

	_, err := svc.ChangeStage(context.Background(), Session{UserID: "owner"}, "case-1", StageClosed)
	expectDomainError(t, err, http.StatusUnprocessableEntity, "INVALID_TRANSITION")
	if ms.clients["case-1"].Stage != StageLead {
		t.Fatalf("stage must not change, got %s", ms.clients["case-1"].Stage)
	}
}

func seedMilestoneCase(ms *memStore, due time.Time) {
	ms.addClient(store.Client{ID: "case-1", BrokerID: "owner", FullName: "Jane Doe"})
	ms.recipients["case-1"] = []store.Recipient{{BrokerID: "owner", Email: "owner@example.com"}}
	ms.milestones["ms-1"] = store.Milestone{
		ID:              "ms-1",
		ClientID:        "case-1",
		Title:           "Appraisal",
		DueAt:           due,
		Status:          calendar.MilestonePending,
		SyncToCalendar:  true,
		ReminderOffsets: []int{1440, 60},
	}
}

func TestSyncCaseCreatesEventAndRemindersOnce(t *testing.T) {
	ms := newMemStore()
	seedMilestoneCase(ms, testNow.Add(72*time.Hour))
	svc := newTestService(ms, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	if err := svc.SyncCase(ctx, "case-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	events := ms.milestoneEvents("case-1")
	if len(events) != 1 {
		t.Fatalf("expected one milestone event, got %d", len(events))
	}
	if events[0].Title != "Jane Doe: Appraisal" || events[0].BrokerID != "owner" {
		t.Fatalf("unexpected event %+v", events[0])
	}
	if link := ms.milestones["ms-1"].CalendarEventID; link == nil || *link != events[0].ID {
		t.Fatalf("milestone not linked to its event")
	}
	if got := len(ms.remindersWithStatus(calendar.ReminderScheduled)); got != 2 {
		t.Fatalf("expected 2 scheduled reminders, got %d", got)
	}

	if err := svc.SyncCase(ctx, "case-1"); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(ms.milestoneEvents("case-1")) != 1 || len(ms.reminders) != 2 {
		t.Fatalf("second sync changed state: %d events, %d reminders", len(ms.milestoneEvents("case-1")), len(ms.reminders))
	}
}

func TestCompletedMilestoneKeepsCheckedEvent(t *testing.T) {
	ms := newMemStore()
	seedMilestoneCase(ms, testNow.Add(72*time.Hour))
	svc := newTestService(ms, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	if err := svc.SyncCase(ctx, "case-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := svc.CompleteMilestone(ctx, Session{UserID: "owner", UserName: "Owner"}, "ms-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events := ms.milestoneEvents("case-1")
	if len(events) != 1 || events[0].Title != calendar.CompletedPrefix+"Jane Doe: Appraisal" {
		t.Fatalf("expected checked event, got %+v", events)
	}
	if got := len(ms.remindersWithStatus(calendar.ReminderCancelled)); got != 2 {
		t.Fatalf("expected reminders cancelled, got %d", got)
	}

	_, err := svc.CompleteMilestone(ctx, Session{UserID: "owner"}, "ms-1")
	expectDomainError(t, err, http.StatusConflict, "INVALID_TRANSITION")
}

func TestMovingMilestoneEventMovesMilestone(t *testing.T) {
	ms := newMemStore()
	due := testNow.Add(72 * time.Hour)
	seedMilestoneCase(ms, due)
	svc := newTestService(ms, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()
	owner := Session{UserID: "owner", UserName: "Owner", Email: "owner@example.com"}

	if err := svc.SyncCase(ctx, "case-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	eventID := ms.milestoneEvents("case-1")[0].ID
	moved := due.Add(24 * time.Hour)
	title := "ignored"
	got, err := svc.UpdateEvent(ctx, owner, eventID, EventInput{StartsAt: &moved, Title: &title})
	if err != nil {
		t.Fatalf("update event: %v", err)
	}
	if got["title"] != "Jane Doe: Appraisal" {
		t.Fatalf("milestone event title must stay derived, got %v", got["title"])
	}
	if !ms.milestones["ms-1"].DueAt.Equal(moved) {
		t.Fatalf("expected milestone due %s, got %s", moved, ms.milestones["ms-1"].DueAt)
	}
	e := ms.events[eventID]
	if !e.StartsAt.Equal(moved) || e.EndsAt.Sub(e.StartsAt) != calendar.DefaultEventDuration {
		t.Fatalf("unexpected event span %s - %s", e.StartsAt, e.EndsAt)
	}
	for _, r := range ms.remindersWithStatus(calendar.ReminderScheduled) {
		if r.RemindAt.Before(moved.Add(-24 * time.Hour)) {
			t.Fatalf("reminder %s still follows the old due date", r.RemindAt)
		}
	}
	if got := len(ms.remindersWithStatus(calendar.ReminderCancelled)); got != 2 {
		t.Fatalf("expected the old reminders cancelled, got %d", got)
	}
}

func TestDeletingMilestoneEventStopsSync(t *testing.T) {
	ms := newMemStore()
	seedMilestoneCase(ms, testNow.Add(72*time.Hour))
	svc := newTestService(ms, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	if err := svc.SyncCase(ctx, "case-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	eventID := ms.milestoneEvents("case-1")[0].ID
	if err := svc.DeleteEvent(ctx, Session{UserID: "owner"}, eventID); err != nil {
		t.Fatalf("delete event: %v", err)
	}

	m := ms.milestones["ms-1"]
	if m.SyncToCalendar || m.CalendarEventID != nil {
		t.Fatalf("expected sync off and no link, got %+v", m)
	}
	if len(ms.milestoneEvents("case-1")) != 0 {
		t.Fatalf("event should be gone")
	}
	if err := svc.SyncCase(ctx, "case-1"); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if len(ms.milestoneEvents("case-1")) != 0 {
		t.Fatalf("resync must not recreate the event")
	}
}

func TestDeleteEventHidesOtherBrokersEvents(t *testing.T) {
	ms := newMemStore()
	ms.events["ev-1"] = store.CalendarEvent{ID: "ev-1", BrokerID: "owner", Title: "Lunch", Source: calendar.SourceManual}
	svc := newTestService(ms)

	err := svc.DeleteEvent(context.Background(), Session{UserID: "intruder"}, "ev-1")
	expectDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
	if _, ok := ms.events["ev-1"]; !ok {
		t.Fatalf("event must survive")
	}
}

func webhookPayload(id, typ, data string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"data":%s}`, id, typ, data))
}

func TestStripeWebhookAppliesEachEventOnce(t *testing.T) {
	ms := newMemStore()
	broker := ms.addBroker(store.Broker{ID: uuid.NewString(), Email: "b@example.com"})
	svc := newTestService(ms, WithPayments(&fakePayments{}))
	ctx := context.Background()

	payload := webhookPayload("evt_1", "checkout.session.completed", fmt.Sprintf(
		`{"id":"cs_1","mode":"payment","payment_status":"paid","customer":"cus_1","metadata":{"broker_id":%q,"kind":"tokens","item_id":"tokens-50k"}}`,
		broker.ID))

	resp, err := svc.HandleStripeWebhook(ctx, payload, "sig")
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if resp["duplicate"] != nil {
		t.Fatalf("first delivery is not a duplicate: %v", resp)
	}
	if got := ms.brokers[broker.ID].TokenBalance; got != 50000 {
		t.Fatalf("expected 50000 tokens, got %d", got)
	}
	if c := ms.brokers[broker.ID].StripeCustomerID; c == nil || *c != "cus_1" {
		t.Fatalf("expected stripe customer recorded")
	}

	resp, err = svc.HandleStripeWebhook(ctx, payload, "sig")
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if resp["duplicate"] != true {
		t.Fatalf("expected duplicate flag, got %v", resp)
	}
	if got := ms.brokers[broker.ID].TokenBalance; got != 50000 {
		t.Fatalf("redelivery credited again: %d", got)
	}
}

func TestStripeWebhookForgetsEventThatFailedToApply(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, WithPayments(&fakePayments{}))

	_, err := svc.HandleStripeWebhook(context.Background(), webhookPayload("evt_bad", "invoice.paid", `"not-an-invoice"`), "sig")
	if err == nil {
		t.Fatalf("expected decode failure")
	}
	if len(ms.forgotten) != 1 || ms.forgotten[0] != "evt_bad" {
		t.Fatalf("expected event to be forgotten, got %v", ms.forgotten)
	}
	if ms.stripeEvents["evt_bad"] {
		t.Fatalf("failed event must be retryable")
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	svc := newTestService(newMemStore(), WithPayments(&fakePayments{err: errors.New("invalid webhook signature")}))
	if _, err := svc.HandleStripeWebhook(context.Background(), []byte(`{}`), "bad"); err == nil {
		t.Fatalf("expected signature failure")
	}
}

func TestInvoicePaidConvertsReferralAndRecordsCommission(t *testing.T) {
	ms := newMemStore()
	customer := "cus_1"
	broker := ms.addBroker(store.Broker{ID: uuid.NewString(), Email: "b@example.com", StripeCustomerID: &customer})
	ms.affiliates["aff-1"] = store.Affiliate{ID: "aff-1", ReferralCode: "ABCDEFGH", CommissionRateBps: 1500, Status: affiliate.StatusActive}
	brokerID := broker.ID
	ms.referrals["ref-1"] = store.Referral{ID: "ref-1", AffiliateID: "aff-1", ReferredBrokerID: &brokerID, Status: affiliate.ReferralSignedUp}
	svc := newTestService(ms, WithPayments(&fakePayments{}), WithClock(func() time.Time { return testNow }))

	paidAt := testNow.Add(-time.Hour).Truncate(time.Second)
	invoice := fmt.Sprintf(`{"id":"in_1","customer":"cus_1","subscription":"sub_1","amount_paid":2999,"currency":"usd",
		"status_transitions":{"paid_at":%d},"lines":{"data":[{"price":{"id":"price_starter_monthly"}}]}}`, paidAt.Unix())
	if _, err := svc.HandleStripeWebhook(context.Background(), webhookPayload("evt_inv", "invoice.paid", invoice), "sig"); err != nil {
		t.Fatalf("webhook: %v", err)
	}

	if got := ms.referrals["ref-1"].Status; got != affiliate.ReferralConverted {
		t.Fatalf("expected converted referral, got %s", got)
	}
	c, ok := ms.commissions["in_1"]
	if !ok {
		t.Fatalf("expected a commission for the invoice")
	}
	// 2999 * 1500 / 10000 = 449.85
	if c.AmountCents != 449 || c.Status != affiliate.CommissionPending {
		t.Fatalf("unexpected commission %+v", c)
	}
	if want := paidAt.AddDate(0, 0, 30); !c.AvailableAt.Equal(want) {
		t.Fatalf("expected available at %s, got %s", want, c.AvailableAt)
	}
	if got := ms.brokers[broker.ID].TokenBalance; got != 20000 {
		t.Fatalf("expected plan tokens granted, got %d", got)
	}
}

// flakyReferralStore fails referral lookups while down is set.
type flakyReferralStore struct {
	*memStore
	down bool
}

func (f *flakyReferralStore) GetReferralByBroker(ctx context.Context, brokerID string) (store.Referral, error) {
	if f.down {
		return store.Referral{}, errors.New("connection reset")
	}
	return f.memStore.GetReferralByBroker(ctx, brokerID)
}

func TestInvoicePaidRetriesWhenReferralLookupFails(t *testing.T) {
	ms := newMemStore()
	customer := "cus_1"
	broker := ms.addBroker(store.Broker{ID: uuid.NewString(), StripeCustomerID: &customer})
	ms.affiliates["aff-1"] = store.Affiliate{ID: "aff-1", CommissionRateBps: 1000, Status: affiliate.StatusActive}
	brokerID := broker.ID
	ms.referrals["ref-1"] = store.Referral{ID: "ref-1", AffiliateID: "aff-1", ReferredBrokerID: &brokerID, Status: affiliate.ReferralSignedUp}
	flaky := &flakyReferralStore{memStore: ms, down: true}
	svc := newTestService(flaky, WithPayments(&fakePayments{}))
	payload := webhookPayload("evt_inv", "invoice.paid", `{"id":"in_1","customer":"cus_1","amount_paid":5000}`)

	if _, err := svc.HandleStripeWebhook(context.Background(), payload, "sig"); err == nil {
		t.Fatalf("expected the referral outage to fail the event")
	}
	if ms.stripeEvents["evt_inv"] || len(ms.forgotten) != 1 {
		t.Fatalf("event must be forgotten for retry, recorded=%v forgotten=%v", ms.stripeEvents["evt_inv"], ms.forgotten)
	}
	if len(ms.commissions) != 0 {
		t.Fatalf("no commission expected while the referral is unreadable")
	}

	flaky.down = false
	if _, err := svc.HandleStripeWebhook(context.Background(), payload, "sig"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if c, ok := ms.commissions["in_1"]; !ok || c.AmountCents != 500 {
		t.Fatalf("expected commission of 500 after retry, got %+v", c)
	}
	if got := ms.referrals["ref-1"].Status; got != affiliate.ReferralConverted {
		t.Fatalf("expected converted referral, got %s", got)
	}
}

func TestInvoicePaidSkipsSuspendedAffiliate(t *testing.T) {
	ms := newMemStore()
	customer := "cus_1"
	broker := ms.addBroker(store.Broker{ID: uuid.NewString(), StripeCustomerID: &customer})
	ms.affiliates["aff-1"] = store.Affiliate{ID: "aff-1", CommissionRateBps: 2000, Status: affiliate.StatusSuspended}
	brokerID := broker.ID
	ms.referrals["ref-1"] = store.Referral{ID: "ref-1", AffiliateID: "aff-1", ReferredBrokerID: &brokerID, Status: affiliate.ReferralSignedUp}
	svc := newTestService(ms, WithPayments(&fakePayments{}))

	if _, err := svc.HandleStripeWebhook(context.Background(), webhookPayload("evt_inv", "invoice.paid", `{"id":"in_1","customer":"cus_1","amount_paid":5000}`), "sig"); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if len(ms.commissions) != 0 {
		t.Fatalf("suspended affiliates earn nothing")
	}
}

func TestChargeRefundedVoidsCommission(t *testing.T) {
	ms := newMemStore()
	ms.commissions["in_1"] = store.Commission{ID: "c1", StripeInvoiceID: "in_1", Status: affiliate.CommissionPending, AmountCents: 100}
	svc := newTestService(ms, WithPayments(&fakePayments{}))

	if _, err := svc.HandleStripeWebhook(context.Background(), webhookPayload("evt_ref", "charge.refunded", `{"id":"ch_1","invoice":"in_1","refunded":true}`), "sig"); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if got := ms.commissions["in_1"].Status; got != affiliate.CommissionVoid {
		t.Fatalf("expected void commission, got %s", got)
	}
}

func TestAssistantRequiresMinimumBalance(t *testing.T) {
	ms := newMemStore()
	ms.addBroker(store.Broker{ID: "owner", TokenBalance: 100})
	ms.addClient(store.Client{ID: "case-1", BrokerID: "owner", FullName: "Jane Doe"})
	model := &fakeAssistant{tokens: 50}
	svc := newTestService(ms, WithAssistant(model))

	_, err := svc.SummarizeCase(context.Background(), Session{UserID: "owner"}, "case-1")
	expectDomainError(t, err, http.StatusPaymentRequired, "INSUFFICIENT_TOKENS")
	if model.calls != 0 {
		t.Fatalf("model must not be called without balance")
	}
}

func TestAssistantDebitsUsage(t *testing.T) {
	ms := newMemStore()
	ms.addBroker(store.Broker{ID: "owner", TokenBalance: 1000})
	ms.addClient(store.Client{ID: "case-1", BrokerID: "owner", FullName: "Jane Doe"})
	model := &fakeAssistant{tokens: 300}
	svc := newTestService(ms, WithAssistant(model))
	ctx := context.Background()

	resp, err := svc.DraftClientEmail(ctx, Session{UserID: "owner"}, "case-1", "ask for payslips")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if resp["balance"] != int64(700) || resp["text"] != "draft" {
		t.Fatalf("unexpected response %v", resp)
	}

	model.tokens = 5000
	resp, err = svc.SummarizeCase(ctx, Session{UserID: "owner"}, "case-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if resp["balance"] != int64(0) {
		t.Fatalf("expected usage overrun to drain the balance, got %v", resp["balance"])
	}
}

func TestAssistantRepeatedCallsOnSameCaseEachDebit(t *testing.T) {
	ms := newMemStore()
	ms.addBroker(store.Broker{ID: "owner", TokenBalance: 2000})
	ms.addClient(store.Client{ID: "case-1", BrokerID: "owner", FullName: "Jane Doe"})
	svc := newTestService(ms, WithAssistant(&fakeAssistant{tokens: 300}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.SummarizeCase(ctx, Session{UserID: "owner"}, "case-1"); err != nil {
			t.Fatalf("summary %d: %v", i, err)
		}
	}
	if got := ms.brokers["owner"].TokenBalance; got != 1100 {
		t.Fatalf("expected balance 1100, got %d", got)
	}
	seen := map[string]bool{}
	for _, e := range ms.ledger {
		if e.Delta >= 0 {
			continue
		}
		if e.Reference == nil || seen[*e.Reference] {
			t.Fatalf("debit reference must be set and unique, got %v", e.Reference)
		}
		seen[*e.Reference] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 debits, got %d", len(seen))
	}
}

func TestDraftClientEmailRequiresPurpose(t *testing.T) {
	svc := newTestService(newMemStore(), WithAssistant(&fakeAssistant{}))
	_, err := svc.DraftClientEmail(context.Background(), Session{UserID: "owner"}, "case-1", "  ")
	expectDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}
