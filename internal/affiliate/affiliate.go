// Package affiliate holds the referral program rules: status machines for
// referrals, commissions and payouts, commission arithmetic and referral
// codes.
package affiliate

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"
)

const (
	ReferralClicked   = "clicked"
	ReferralSignedUp  = "signed_up"
	ReferralConverted = "converted"
	ReferralChurned   = "churned"

	CommissionPending  = "pending"
	CommissionApproved = "approved"
	CommissionPaid     = "paid"
	CommissionVoid     = "void"

	PayoutPending = "pending"
	PayoutPaid    = "paid"
	PayoutFailed  = "failed"

	StatusActive    = "active"
	StatusSuspended = "suspended"

	MaxRateBps = 5000
	CodeLength = 8
)

var referralTransitions = map[string][]string{
	ReferralClicked:   {ReferralSignedUp},
	ReferralSignedUp:  {ReferralConverted},
	ReferralConverted: {ReferralChurned},
	ReferralChurned:   {ReferralConverted},
}

var commissionTransitions = map[string][]string{
	CommissionPending:  {CommissionApproved, CommissionVoid},
	CommissionApproved: {CommissionPaid, CommissionVoid},
}

var payoutTransitions = map[string][]string{
	PayoutPending: {PayoutPaid, PayoutFailed},
}

func allowed(table map[string][]string, from, to string) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

func CanTransitionReferral(from, to string) bool   { return allowed(referralTransitions, from, to) }
func CanTransitionCommission(from, to string) bool { return allowed(commissionTransitions, from, to) }
func CanTransitionPayout(from, to string) bool     { return allowed(payoutTransitions, from, to) }

// CommissionAmount is floor(amountCents * rateBps / 10000). Negative inputs
// earn nothing.
func CommissionAmount(amountCents int64, rateBps int) int64 {
	if amountCents <= 0 || rateBps <= 0 {
		return 0
	}
	product := new(big.Int).Mul(big.NewInt(amountCents), big.NewInt(int64(rateBps)))
	return product.Div(product, big.NewInt(10000)).Int64()
}

// AvailableAt is when a commission earned at paidAt may be approved.
func AvailableAt(paidAt time.Time, holdDays int) time.Time {
	return paidAt.UTC().AddDate(0, 0, holdDays)
}

func ValidRate(bps int) bool {
	return bps >= 0 && bps <= MaxRateBps
}

func ValidStatus(status string) bool {
	return status == StatusActive || status == StatusSuspended
}

// codeAlphabet omits 0, 1, I and O so codes survive being read aloud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func NewReferralCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode upper-cases a user-supplied code and reports whether it can
// be a referral code at all.
func NormalizeCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != CodeLength {
		return "", false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return "", false
		}
	}
	return code, true
}
