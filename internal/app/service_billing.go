package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"brokerdesk/api/internal/affiliate"
	"brokerdesk/api/internal/assistant"
	"brokerdesk/api/internal/billing"
	"brokerdesk/api/internal/export"
	"brokerdesk/api/internal/rbac"
	"brokerdesk/api/internal/store"
	"brokerdesk/api/internal/util"
)

const (
	ledgerPageSize    = 50
	maxPurposeLength  = 500
	reasonSummary     = "assistant.summary"
	reasonDraftEmail  = "assistant.email"
	subscriptionEnded = "canceled"
)

func (s *Service) Catalog() billing.Catalog {
	return s.catalog
}

func (s *Service) billingReady() error {
	if s.payments == nil || !s.payments.IsConfigured() {
		return billing.ErrNotConfigured
	}
	return nil
}

type CheckoutInput struct {
	Kind   string `json:"kind"`
	ItemID string `json:"itemId"`
}

func (s *Service) CreateCheckout(ctx context.Context, session Session, input CheckoutInput) (string, error) {
	if err := s.billingReady(); err != nil {
		return "", err
	}
	kind := strings.TrimSpace(input.Kind)
	if kind != billing.KindPlan && kind != billing.KindTokens {
		return "", validationError("kind must be plan or tokens")
	}
	priceID, ok := s.catalog.PriceFor(kind, input.ItemID)
	if !ok {
		return "", validationError(fmt.Sprintf("unknown %s %q", kind, input.ItemID))
	}
	customerID, err := s.ensureCustomer(ctx, session)
	if err != nil {
		return "", err
	}
	return s.payments.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		CustomerID: customerID,
		BrokerID:   session.UserID,
		Kind:       kind,
		ItemID:     input.ItemID,
		PriceID:    priceID,
	})
}

func (s *Service) ensureCustomer(ctx context.Context, session Session) (string, error) {
	broker, err := s.store.GetBrokerByID(ctx, session.UserID)
	if err != nil {
		return "", err
	}
	if broker.StripeCustomerID != nil && *broker.StripeCustomerID != "" {
		return *broker.StripeCustomerID, nil
	}
	customerID, err := s.payments.CreateCustomer(ctx, broker.ID, broker.Email, broker.DisplayName)
	if err != nil {
		return "", err
	}
	if err := s.store.SetStripeCustomerID(ctx, broker.ID, customerID); err != nil {
		return "", err
	}
	return customerID, nil
}

func (s *Service) CreatePortal(ctx context.Context, session Session) (string, error) {
	if err := s.billingReady(); err != nil {
		return "", err
	}
	broker, err := s.store.GetBrokerByID(ctx, session.UserID)
	if err != nil {
		return "", err
	}
	if broker.StripeCustomerID == nil || *broker.StripeCustomerID == "" {
		return "", domainError(http.StatusConflict, "NO_CUSTOMER", "No billing account yet; start a checkout first", nil)
	}
	return s.payments.CreatePortalSession(ctx, *broker.StripeCustomerID)
}

func (s *Service) GetSubscription(ctx context.Context, session Session) (map[string]any, error) {
	sub, err := s.store.GetSubscriptionByBroker(ctx, session.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return subscriptionJSON(sub), nil
}

func (s *Service) GetTokens(ctx context.Context, session Session) (map[string]any, error) {
	broker, err := s.store.GetBrokerByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	ledger, err := s.store.ListLedger(ctx, session.UserID, ledgerPageSize)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"balance": broker.TokenBalance,
		"ledger":  mapSlice(ledger, ledgerJSON),
	}, nil
}

// HandleStripeWebhook verifies and applies one Stripe event. Each event id is
// applied once; a failed application forgets the id so Stripe's retry runs
// it again.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (map[string]any, error) {
	if s.payments == nil {
		return nil, billing.ErrNotConfigured
	}
	event, err := s.payments.ParseEvent(payload, signature)
	if err != nil {
		return nil, err
	}
	fresh, err := s.store.RecordStripeEvent(ctx, event.ID, event.Type)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return map[string]any{"received": true, "duplicate": true}, nil
	}
	if err := s.applyStripeEvent(ctx, event); err != nil {
		if ferr := s.store.ForgetStripeEvent(ctx, event.ID); ferr != nil {
			s.logger.Error("forget stripe event", zap.String("event_id", event.ID), zap.Error(ferr))
		}
		return nil, fmt.Errorf("apply %s: %w", event.Type, err)
	}
	return map[string]any{"received": true}, nil
}

func (s *Service) applyStripeEvent(ctx context.Context, event billing.Event) error {
	log := s.logger.With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))
	switch event.Type {
	case "checkout.session.completed":
		cs, err := event.CheckoutSession()
		if err != nil {
			return err
		}
		return s.onCheckoutCompleted(ctx, log, cs)
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		sub, err := event.Subscription()
		if err != nil {
			return err
		}
		return s.onSubscriptionChanged(ctx, log, sub, event.Type == "customer.subscription.deleted")
	case "invoice.paid":
		inv, err := event.Invoice()
		if err != nil {
			return err
		}
		return s.onInvoicePaid(ctx, log, inv)
	case "charge.refunded":
		charge, err := event.Charge()
		if err != nil {
			return err
		}
		if charge.Invoice == "" {
			return nil
		}
		voided, err := s.store.VoidCommissionByInvoice(ctx, string(charge.Invoice))
		if err != nil {
			return err
		}
		if voided {
			log.Info("commission voided", zap.String("invoice_id", string(charge.Invoice)))
		}
		return nil
	default:
		log.Debug("stripe event ignored")
		return nil
	}
}

// brokerForCustomer resolves the broker from metadata first, then from the
// Stripe customer id. ok is false when neither matches.
func (s *Service) brokerForCustomer(ctx context.Context, metadata map[string]string, customerID string) (string, bool, error) {
	if id := metadata["broker_id"]; id != "" {
		return id, true, nil
	}
	if customerID == "" {
		return "", false, nil
	}
	broker, err := s.store.GetBrokerByStripeCustomer(ctx, customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return broker.ID, true, nil
}

func (s *Service) onCheckoutCompleted(ctx context.Context, log *zap.Logger, cs billing.CheckoutSession) error {
	brokerID, ok, err := s.brokerForCustomer(ctx, cs.Metadata, string(cs.Customer))
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("checkout for unknown broker", zap.String("customer", string(cs.Customer)))
		return nil
	}
	if cs.Customer != "" {
		if err := s.store.SetStripeCustomerID(ctx, brokerID, string(cs.Customer)); err != nil {
			return err
		}
	}
	if cs.Metadata["kind"] != billing.KindTokens {
		return nil
	}
	if cs.PaymentStatus != "" && cs.PaymentStatus != "paid" {
		log.Info("token checkout not paid yet", zap.String("payment_status", cs.PaymentStatus))
		return nil
	}
	pack, ok := s.catalog.TokenPack(cs.Metadata["item_id"])
	if !ok {
		log.Warn("checkout for unknown token pack", zap.String("item_id", cs.Metadata["item_id"]))
		return nil
	}
	applied, err := s.store.CreditTokens(ctx, brokerID, pack.Tokens, "purchase."+pack.ID, cs.ID)
	if err != nil {
		return err
	}
	if applied {
		log.Info("tokens purchased", zap.String("broker_id", brokerID), zap.Int64("tokens", pack.Tokens))
	}
	return nil
}

func (s *Service) onSubscriptionChanged(ctx context.Context, log *zap.Logger, sub billing.Subscription, deleted bool) error {
	brokerID, ok, err := s.brokerForCustomer(ctx, sub.Metadata, string(sub.Customer))
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("subscription for unknown broker", zap.String("customer", string(sub.Customer)))
		return nil
	}
	status := sub.Status
	if deleted {
		status = subscriptionEnded
	}
	plan, _ := s.catalog.PlanByPrice(sub.PriceID())
	err = s.store.UpsertSubscription(ctx, store.Subscription{
		ID:                   util.NewID(),
		BrokerID:             brokerID,
		StripeSubscriptionID: sub.ID,
		StripeCustomerID:     string(sub.Customer),
		PlanID:               plan.ID,
		Status:               status,
		CurrentPeriodEnd:     sub.PeriodEnd(),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		UpdatedAt:            s.now().UTC(),
	})
	if err != nil {
		return err
	}
	if deleted {
		if _, _, err := s.moveReferral(ctx, brokerID, affiliate.ReferralChurned); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) onInvoicePaid(ctx context.Context, log *zap.Logger, inv billing.Invoice) error {
	brokerID, ok, err := s.brokerForCustomer(ctx, nil, string(inv.Customer))
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("invoice for unknown customer", zap.String("customer", string(inv.Customer)))
		return nil
	}
	if inv.SubscriptionID() != "" {
		if plan, ok := s.catalog.PlanByPrice(inv.PriceID()); ok && plan.MonthlyTokens > 0 {
			if _, err := s.store.CreditTokens(ctx, brokerID, plan.MonthlyTokens, "plan."+plan.ID, inv.ID); err != nil {
				return err
			}
		}
	}
	if inv.AmountPaid <= 0 {
		return nil
	}

	paidAt := inv.PaidAt(s.now())
	referral, converted, err := s.moveReferral(ctx, brokerID, affiliate.ReferralConverted)
	if err != nil {
		return err
	}
	if !converted {
		return nil
	}
	a, err := s.store.GetAffiliate(ctx, referral.AffiliateID)
	if err != nil {
		return err
	}
	if a.Status != affiliate.StatusActive {
		log.Info("commission skipped for suspended affiliate", zap.String("affiliate_id", a.ID))
		return nil
	}
	amount := affiliate.CommissionAmount(inv.AmountPaid, a.CommissionRateBps)
	if amount <= 0 {
		return nil
	}
	currency := inv.Currency
	if currency == "" {
		currency = s.catalog.Currency
	}
	inserted, err := s.store.InsertCommission(ctx, store.Commission{
		ID:              util.NewID(),
		AffiliateID:     a.ID,
		ReferralID:      referral.ID,
		StripeInvoiceID: inv.ID,
		AmountCents:     amount,
		Currency:        currency,
		Status:          affiliate.CommissionPending,
		AvailableAt:     affiliate.AvailableAt(paidAt, s.commissionHoldDays()),
		CreatedAt:       s.now().UTC(),
	})
	if err != nil {
		return err
	}
	if inserted {
		log.Info("commission recorded", zap.String("affiliate_id", a.ID), zap.Int64("amount_cents", amount))
	}
	return nil
}

// moveReferral advances the broker's referral toward target. It reports the
// referral and whether it is in the target state afterwards. A broker without
// a referral is not an error; store failures are, so the event is retried.
func (s *Service) moveReferral(ctx context.Context, brokerID, target string) (store.Referral, bool, error) {
	referral, err := s.store.GetReferralByBroker(ctx, brokerID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Referral{}, false, nil
	}
	if err != nil {
		return store.Referral{}, false, fmt.Errorf("load referral: %w", err)
	}
	if referral.Status == target {
		return referral, true, nil
	}
	if !affiliate.CanTransitionReferral(referral.Status, target) {
		return referral, false, nil
	}
	if err := s.store.UpdateReferralStatus(ctx, referral.ID, referral.Status, target, s.now().UTC()); err != nil {
		return referral, false, fmt.Errorf("move referral to %s: %w", target, err)
	}
	referral.Status = target
	return referral, true, nil
}

func (s *Service) assistantContext(ctx context.Context, c store.Client, session Session) (assistant.CaseContext, error) {
	milestones, err := s.store.ListMilestones(ctx, c.ID)
	if err != nil {
		return assistant.CaseContext{}, err
	}
	documents, err := s.store.ListDocuments(ctx, c.ID)
	if err != nil {
		return assistant.CaseContext{}, err
	}
	name := c.OwnerName
	if name == "" {
		name = session.UserName
	}
	return assistant.CaseContext{
		Client:     c,
		Milestones: milestones,
		Documents:  documents,
		BrokerName: name,
		Now:        s.now().UTC(),
	}, nil
}

func (s *Service) SummarizeCase(ctx context.Context, session Session, clientID string) (map[string]any, error) {
	return s.runAssistant(ctx, session, clientID, rbac.ActionRead, reasonSummary, func(cc assistant.CaseContext) (assistant.Result, error) {
		return s.assistant.SummarizeCase(ctx, cc)
	})
}

func (s *Service) DraftClientEmail(ctx context.Context, session Session, clientID, purpose string) (map[string]any, error) {
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return nil, validationError("purpose is required")
	}
	if len(purpose) > maxPurposeLength {
		return nil, validationError(fmt.Sprintf("purpose exceeds %d characters", maxPurposeLength))
	}
	return s.runAssistant(ctx, session, clientID, rbac.ActionEdit, reasonDraftEmail, func(cc assistant.CaseContext) (assistant.Result, error) {
		return s.assistant.DraftClientEmail(ctx, cc, purpose)
	})
}

func (s *Service) runAssistant(
	ctx context.Context,
	session Session,
	clientID string,
	action rbac.Action,
	reason string,
	call func(assistant.CaseContext) (assistant.Result, error),
) (map[string]any, error) {
	if s.assistant == nil || !s.assistant.IsConfigured() {
		return nil, assistant.ErrNotConfigured
	}
	c, err := s.caseAccess(ctx, session, clientID, action)
	if err != nil {
		return nil, err
	}
	broker, err := s.store.GetBrokerByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if broker.TokenBalance < billing.MinimumAssistantBalance {
		return nil, insufficientTokens(broker.TokenBalance)
	}
	cc, err := s.assistantContext(ctx, c, session)
	if err != nil {
		return nil, err
	}
	result, err := call(cc)
	if err != nil {
		return nil, err
	}

	// Ledger references are unique, so each completion gets its own.
	reference := "assistant." + result.ID
	if result.ID == "" {
		reference = "assistant." + util.NewID()
	}
	balance, err := s.store.DebitTokens(ctx, session.UserID, result.TotalTokens, reason, reference)
	if errors.Is(err, store.ErrInsufficientTokens) {
		// Usage outran the balance mid-call: take what is left.
		current, lerr := s.store.GetBrokerByID(ctx, session.UserID)
		if lerr != nil {
			return nil, lerr
		}
		balance, err = s.store.DebitTokens(ctx, session.UserID, current.TokenBalance, reason, reference)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"text":       result.Text,
		"model":      result.Model,
		"tokensUsed": result.TotalTokens,
		"balance":    balance,
	}, nil
}

func insufficientTokens(balance int64) *DomainError {
	return domainError(http.StatusPaymentRequired, "INSUFFICIENT_TOKENS", "Not enough tokens for an assistant request",
		map[string]any{"balance": balance, "required": billing.MinimumAssistantBalance})
}

func (s *Service) ExportCase(ctx context.Context, session Session, clientID, rawFormat string) (*export.Result, error) {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, err
	}
	if _, err := s.caseAccess(ctx, session, clientID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, export.ErrUnavailable
	}
	return s.exporter.Export(ctx, export.Request{ClientID: clientID, Format: format, Now: s.now().UTC()})
}
