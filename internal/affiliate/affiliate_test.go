package affiliate

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferralTransitions(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{ReferralClicked, ReferralSignedUp, true},
		{ReferralSignedUp, ReferralConverted, true},
		{ReferralConverted, ReferralChurned, true},
		{ReferralChurned, ReferralConverted, true},
		{ReferralClicked, ReferralConverted, false},
		{ReferralConverted, ReferralSignedUp, false},
		{ReferralChurned, ReferralClicked, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransitionReferral(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCommissionAndPayoutTransitions(t *testing.T) {
	assert.True(t, CanTransitionCommission(CommissionPending, CommissionApproved))
	assert.True(t, CanTransitionCommission(CommissionPending, CommissionVoid))
	assert.True(t, CanTransitionCommission(CommissionApproved, CommissionVoid))
	assert.True(t, CanTransitionCommission(CommissionApproved, CommissionPaid))
	assert.False(t, CanTransitionCommission(CommissionPaid, CommissionVoid))
	assert.False(t, CanTransitionCommission(CommissionPending, CommissionPaid))
	assert.False(t, CanTransitionCommission(CommissionVoid, CommissionPending))

	assert.True(t, CanTransitionPayout(PayoutPending, PayoutPaid))
	assert.True(t, CanTransitionPayout(PayoutPending, PayoutFailed))
	assert.False(t, CanTransitionPayout(PayoutFailed, PayoutPaid))
	assert.False(t, CanTransitionPayout(PayoutPaid, PayoutFailed))
}

func TestCommissionAmountExamples(t *testing.T) {
	assert.Equal(t, int64(990), CommissionAmount(4950, 2000))
	assert.Equal(t, int64(0), CommissionAmount(4, 2000))
	assert.Equal(t, int64(1), CommissionAmount(5, 2000))
	assert.Equal(t, int64(0), CommissionAmount(-100, 2000))
	assert.Equal(t, int64(0), CommissionAmount(100, 0))
	assert.Equal(t, int64(math.MaxInt64/2), CommissionAmount(math.MaxInt64, 5000))
}

func TestCommissionAmountProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("commission never exceeds the rate share and loses under one cent", prop.ForAll(
		func(amount int64, bps int) bool {
			got := CommissionAmount(amount, bps)
			exact := amount * int64(bps)
			return got*10000 <= exact && exact-got*10000 < 10000
		},
		gen.Int64Range(0, 1_000_000_000),
		gen.IntRange(0, MaxRateBps),
	))

	properties.Property("commission is monotonic in the paid amount", prop.ForAll(
		func(a, b int64, bps int) bool {
			if a > b {
				a, b = b, a
			}
			return CommissionAmount(a, bps) <= CommissionAmount(b, bps)
		},
		gen.Int64Range(0, 1_000_000_000),
		gen.Int64Range(0, 1_000_000_000),
		gen.IntRange(0, MaxRateBps),
	))

	properties.Property("commission never exceeds half the invoice", prop.ForAll(
		func(amount int64, bps int) bool {
			return CommissionAmount(amount, bps)*2 <= amount
		},
		gen.Int64Range(0, 1_000_000_000),
		gen.IntRange(0, MaxRateBps),
	))

	properties.TestingRun(t)
}

func TestAvailableAt(t *testing.T) {
	paid := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), AvailableAt(paid, 30))
	assert.Equal(t, paid, AvailableAt(paid, 0))
}

func TestValidRate(t *testing.T) {
	assert.True(t, ValidRate(0))
	assert.True(t, ValidRate(MaxRateBps))
	assert.False(t, ValidRate(MaxRateBps+1))
	assert.False(t, ValidRate(-1))
}

func TestNewReferralCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := NewReferralCode()
		require.NoError(t, err)
		normalized, ok := NormalizeCode(code)
		require.True(t, ok, code)
		assert.Equal(t, code, normalized)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 195)
}

func TestNormalizeCode(t *testing.T) {
	code, ok := NormalizeCode(" abcd2345 ")
	assert.True(t, ok)
	assert.Equal(t, "ABCD2345", code)

	_, ok = NormalizeCode("ABCD0123")
	assert.False(t, ok)
	_, ok = NormalizeCode("SHORT")
	assert.False(t, ok)
}
