package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"brokerdesk/api/internal/affiliate"
	"brokerdesk/api/internal/store"
	"brokerdesk/api/internal/util"
)

const (
	codeAttempts         = 5
	dashboardCommissions = 50
)

var errNotAffiliate = domainError(http.StatusNotFound, "NOT_AFFILIATE", "You are not registered as an affiliate", nil)

func (s *Service) referralLink(code string) string {
	return s.publicURL("/r/" + code)
}

func (s *Service) RegisterAffiliate(ctx context.Context, session Session, payoutEmail string) (map[string]any, error) {
	if _, err := s.store.GetAffiliateByBroker(ctx, session.UserID); err == nil {
		return nil, domainError(http.StatusConflict, "ALREADY_AFFILIATE", "You are already an affiliate", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	payoutEmail = strings.ToLower(strings.TrimSpace(payoutEmail))
	if payoutEmail == "" {
		payoutEmail = session.Email
	}
	if _, err := mail.ParseAddress(payoutEmail); err != nil {
		return nil, validationError("payoutEmail is invalid")
	}

	a := store.Affiliate{
		ID:                util.NewID(),
		BrokerID:          session.UserID,
		CommissionRateBps: s.catalog.DefaultCommissionBps,
		Status:            affiliate.StatusActive,
		PayoutEmail:       payoutEmail,
		BrokerName:        session.UserName,
		CreatedAt:         s.now().UTC(),
	}
	for attempt := 0; ; attempt++ {
		code, err := affiliate.NewReferralCode()
		if err != nil {
			return nil, err
		}
		a.ReferralCode = code
		err = s.store.InsertAffiliate(ctx, a)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) || attempt+1 >= codeAttempts {
			return nil, err
		}
	}
	return affiliateJSON(a, s.referralLink(a.ReferralCode)), nil
}

// TrackClick records an anonymous visit through a referral link and returns
// the URL to send the visitor on to.
func (s *Service) TrackClick(ctx context.Context, code string) (string, error) {
	normalized, ok := affiliate.NormalizeCode(code)
	if !ok {
		return "", notFound("Referral code")
	}
	a, err := s.store.GetAffiliateByCode(ctx, normalized)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && a.Status != affiliate.StatusActive) {
		return "", notFound("Referral code")
	}
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	referral := store.Referral{
		ID:          util.NewID(),
		AffiliateID: a.ID,
		Status:      affiliate.ReferralClicked,
		ClickedAt:   &now,
	}
	if err := s.store.InsertReferral(ctx, referral); err != nil {
		return "", err
	}
	return s.publicURL(fmt.Sprintf("/signup?ref=%s&click=%s", a.ReferralCode, referral.ID)), nil
}

func (s *Service) lookupReferrer(ctx context.Context, code string) (store.Affiliate, bool) {
	if strings.TrimSpace(code) == "" {
		return store.Affiliate{}, false
	}
	normalized, ok := affiliate.NormalizeCode(code)
	if !ok {
		return store.Affiliate{}, false
	}
	a, err := s.store.GetAffiliateByCode(ctx, normalized)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("lookup referral code", zap.Error(err))
		}
		return store.Affiliate{}, false
	}
	return a, a.Status == affiliate.StatusActive
}

// attributeSignup links a new broker to the affiliate who referred them. A
// recorded click is reused when it belongs to the same affiliate; otherwise a
// referral row is created directly in signed_up. Failures are logged: the
// account already exists and sign-up must not fail over attribution.
func (s *Service) attributeSignup(ctx context.Context, a store.Affiliate, broker store.Broker, clickID string) {
	now := s.now().UTC()
	if clickID = strings.TrimSpace(clickID); clickID != "" {
		err := s.store.AttachClickedReferral(ctx, clickID, a.ID, broker.ID, broker.Email, now)
		if err == nil {
			return
		}
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("attach referral click", zap.String("broker_id", broker.ID), zap.Error(err))
			return
		}
	}
	brokerID := broker.ID
	referral := store.Referral{
		ID:               util.NewID(),
		AffiliateID:      a.ID,
		ReferredEmail:    broker.Email,
		ReferredBrokerID: &brokerID,
		Status:           affiliate.ReferralSignedUp,
		SignedUpAt:       &now,
	}
	if err := s.store.InsertReferral(ctx, referral); err != nil {
		s.logger.Warn("record referral", zap.String("broker_id", broker.ID), zap.Error(err))
	}
}

func (s *Service) AffiliateDashboard(ctx context.Context, session Session) (map[string]any, error) {
	a, err := s.store.GetAffiliateByBroker(ctx, session.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotAffiliate
	}
	if err != nil {
		return nil, err
	}
	return s.affiliateDetails(ctx, a)
}

func (s *Service) AdminAffiliate(ctx context.Context, session Session, affiliateID string) (map[string]any, error) {
	if !session.IsAdmin() {
		return nil, errAdminOnly
	}
	a, err := s.getAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	return s.affiliateDetails(ctx, a)
}

func (s *Service) AdminListAffiliates(ctx context.Context, session Session) ([]map[string]any, error) {
	if !session.IsAdmin() {
		return nil, errAdminOnly
	}
	affiliates, err := s.store.ListAffiliates(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(affiliates))
	for _, a := range affiliates {
		items = append(items, affiliateJSON(a, s.referralLink(a.ReferralCode)))
	}
	return items, nil
}

func (s *Service) getAffiliate(ctx context.Context, affiliateID string) (store.Affiliate, error) {
	a, err := s.store.GetAffiliate(ctx, affiliateID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Affiliate{}, notFound("Affiliate")
	}
	return a, err
}

func (s *Service) affiliateDetails(ctx context.Context, a store.Affiliate) (map[string]any, error) {
	referralTotals, err := s.store.ReferralTotals(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	commissionTotals, err := s.store.CommissionTotals(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	referrals, err := s.store.ListReferrals(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	commissions, err := s.store.ListCommissions(ctx, a.ID, dashboardCommissions)
	if err != nil {
		return nil, err
	}
	payouts, err := s.store.ListPayouts(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"affiliate":        affiliateJSON(a, s.referralLink(a.ReferralCode)),
		"referralTotals":   totalsJSON(referralTotals),
		"commissionTotals": totalsJSON(commissionTotals),
		"referrals":        mapSlice(referrals, referralJSON),
		"commissions":      mapSlice(commissions, commissionJSON),
		"payouts":          mapSlice(payouts, payoutJSON),
		"payoutMinimum":    s.cfg.PayoutMinimumCents,
	}, nil
}

func (s *Service) SetAffiliateStatus(ctx context.Context, session Session, affiliateID, status string) (map[string]any, error) {
	if !session.IsAdmin() {
		return nil, errAdminOnly
	}
	if !affiliate.ValidStatus(status) {
		return nil, validationError("status must be active or suspended")
	}
	if err := s.store.UpdateAffiliateStatus(ctx, affiliateID, status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Affiliate")
		}
		return nil, err
	}
	a, err := s.getAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	return affiliateJSON(a, s.referralLink(a.ReferralCode)), nil
}

func (s *Service) SetCommissionRate(ctx context.Context, session Session, affiliateID string, bps int) (map[string]any, error) {
	if !session.IsAdmin() {
		return nil, errAdminOnly
	}
	if !affiliate.ValidRate(bps) {
		return nil, validationError(fmt.Sprintf("rateBps must be between 0 and %d", affiliate.MaxRateBps))
	}
	if err := s.store.UpdateAffiliateRate(ctx, affiliateID, bps); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("Affiliate")
		}
		return nil, err
	}
	a, err := s.getAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	return affiliateJSON(a, s.referralLink(a.ReferralCode)), nil
}

func (s *Service) CreatePayout(ctx context.Context, session Session, affiliateID string) (map[string]any, error) {
	if !session.IsAdmin() {
		return nil, errAdminOnly
	}
	if _, err := s.getAffiliate(ctx, affiliateID); err != nil {
		return nil, err
	}
	payout, err := s.store.CreatePayout(ctx, util.NewID(), affiliateID, s.cfg.PayoutMinimumCents)
	if err != nil {
		if errors.Is(err, store.ErrBelowMinimum) {
			return nil, domainError(http.StatusUnprocessableEntity, "BELOW_MINIMUM",
				"Approved commissions are below the payout minimum", map[string]any{"minimumCents": s.cfg.PayoutMinimumCents})
		}
		return nil, err
	}
	return payoutJSON(payout), nil
}

func (s *Service) MarkPayoutPaid(ctx context.Context, session Session, payoutID, reference string) (map[string]any, error) {
	return s.settlePayout(ctx, session, payoutID, affiliate.PayoutPaid, reference)
}

func (s *Service) MarkPayoutFailed(ctx context.Context, session Session, payoutID, reference string) (map[string]any, error) {
	return s.settlePayout(ctx, session, payoutID, affiliate.PayoutFailed, reference)
}

func (s *Service) settlePayout(ctx context.Context, session Session, payoutID, status, reference string) (map[string]any, error) {
	if !session.IsAdmin() {
		return nil, errAdminOnly
	}
	payout, err := s.store.GetPayout(ctx, payoutID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("Payout")
	}
	if err != nil {
		return nil, err
	}
	if !affiliate.CanTransitionPayout(payout.Status, status) {
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION",
			fmt.Sprintf("payout is already %s", payout.Status), map[string]any{"from": payout.Status, "to": status})
	}
	reference = strings.TrimSpace(reference)
	now := s.now().UTC()
	if status == affiliate.PayoutPaid {
		err = s.store.MarkPayoutPaid(ctx, payoutID, reference, now)
	} else {
		err = s.store.MarkPayoutFailed(ctx, payoutID, reference)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", "payout was settled concurrently", nil)
		}
		return nil, err
	}
	payout.Status, payout.Reference = status, reference
	if status == affiliate.PayoutPaid {
		payout.PaidAt = &now
	}
	s.notifyPayout(ctx, payout)
	return payoutJSON(payout), nil
}

func (s *Service) notifyPayout(ctx context.Context, payout store.Payout) {
	if !s.emailConfigured() {
		return
	}
	a, err := s.store.GetAffiliate(ctx, payout.AffiliateID)
	if err != nil {
		s.logger.Warn("load affiliate for payout notice", zap.String("payout_id", payout.ID), zap.Error(err))
		return
	}
	amount := fmt.Sprintf("%d.%02d %s", payout.AmountCents/100, payout.AmountCents%100, strings.ToUpper(payout.Currency))
	body := fmt.Sprintf("Your payout of %s has been sent.", amount)
	if payout.Status == affiliate.PayoutFailed {
		body = fmt.Sprintf("Your payout of %s could not be completed. The commissions will be included in your next payout.", amount)
	}
	if err := s.email.SendPayoutNotice(ctx, a.PayoutEmail, a.BrokerName, payout.Status, body); err != nil {
		s.logger.Warn("send payout notice", zap.String("payout_id", payout.ID), zap.Error(err))
	}
}

// MatureCommissions approves pending commissions whose hold period is over.
func (s *Service) MatureCommissions(ctx context.Context) (int64, error) {
	return s.store.MatureCommissions(ctx, s.now().UTC())
}

func (s *Service) commissionHoldDays() int {
	return int(s.cfg.CommissionHold / (24 * time.Hour))
}
