package fraud

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreDeterministic(t *testing.T) {
	s := NewScorer()
	history := []FeatureRecord{
		{Fee: 5_000_000, MarketValue: 6_000_000, AdditionalCosts: 250_000},
		{Fee: 12_000_000, MarketValue: 10_000_000, AdditionalCosts: 900_000},
	}
	proposal := Proposal{Fee: 8_000_000, MarketValue: 7_500_000, AdditionalCosts: 400_000}

	first, err := s.Score(history, history, proposal)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := NewScorer().Score(history, history, proposal)
		require.NoError(t, err)
		assert.Equal(t, first.IncomeFingerprint, again.IncomeFingerprint)
		assert.Equal(t, first.ExpenseFingerprint, again.ExpenseFingerprint)
		assert.Equal(t, first.Similarity, again.Similarity)
	}
}

func TestFingerprintShape(t *testing.T) {
	s := NewScorer()
	a, err := s.Score(nil, nil, Proposal{Fee: 1_000_000, MarketValue: 1_000_000, AdditionalCosts: 50_000})
	require.NoError(t, err)

	assert.Len(t, a.IncomeFingerprint, DefaultProjections)
	assert.Len(t, a.ExpenseFingerprint, DefaultProjections)
	for _, fp := range []string{a.IncomeFingerprint, a.ExpenseFingerprint} {
		assert.Equal(t, "", strings.Trim(fp, "01"), "fingerprint %q has non-bit characters", fp)
	}
}

func TestEmptyHistoryScenario(t *testing.T) {
	// Both histories empty: feature vectors degenerate to the single
	// current-transfer triple.
	s := NewScorer()
	a, err := s.Score(nil, nil, Proposal{Fee: 1_000_000, MarketValue: 1_000_000, AdditionalCosts: 50_000})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, a.Similarity, 0.0)
	assert.LessOrEqual(t, a.Similarity, 1.0)

	wantLegit := a.Similarity >= LegitimateMin && a.Similarity <= LegitimateMax
	assert.Equal(t, wantLegit, a.Legitimate)
	assert.NotEmpty(t, a.Rationale)
}

func TestSimilarityBoundsInclusive(t *testing.T) {
	// 3/10 matching positions.
	simLow, err := Similarity("1110000000", "1111111111")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, simLow, 1e-9)
	assert.True(t, simLow >= LegitimateMin && simLow <= LegitimateMax)

	// 8/10 matching positions.
	simHigh, err := Similarity("1111111100", "1111111111")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, simHigh, 1e-9)
	assert.True(t, simHigh >= LegitimateMin && simHigh <= LegitimateMax)

	// 2/10 and 9/10 fall outside.
	simUnder, err := Similarity("1100000000", "1111111111")
	require.NoError(t, err)
	assert.Less(t, simUnder, LegitimateMin)

	simOver, err := Similarity("1111111110", "1111111111")
	require.NoError(t, err)
	assert.Greater(t, simOver, LegitimateMax)
}

func TestSimilarityLengthMismatch(t *testing.T) {
	_, err := Similarity("10101", "1010101010")
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	_, err = Similarity("", "")
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestRoleSeedConstantPerRole(t *testing.T) {
	// The projection basis is derived from the role label, not club
	// identity: two different clubs scoring the same history must produce
	// the same fingerprint for the same role.
	assert.Equal(t, roleSeed("income"), roleSeed("income"))
	assert.Equal(t, roleSeed("expense"), roleSeed("expense"))
	assert.NotEqual(t, roleSeed("income"), roleSeed("expense"))
}

func TestNormalizeDefaults(t *testing.T) {
	r := Normalize(FeatureRecord{Fee: 1_000_000})
	assert.InDelta(t, 50_000, r.AdditionalCosts, 1e-9)   // 5% of fee
	assert.InDelta(t, 1_100_000, r.MarketValue, 1e-9)    // 1.1x fee
	assert.InDelta(t, 1_000_000, r.Fee, 1e-9)

	// Well-formed records pass through untouched.
	full := FeatureRecord{Fee: 100, MarketValue: 90, AdditionalCosts: 7}
	assert.Equal(t, full, Normalize(full))

	// Negative fee is clamped before deriving defaults.
	neg := Normalize(FeatureRecord{Fee: -5})
	assert.Zero(t, neg.Fee)
}

func TestRiskTiers(t *testing.T) {
	s := NewScorer()

	// Sweep some proposals; whatever the similarity lands on, the tier
	// must agree with the bounds.
	proposals := []Proposal{
		{Fee: 1, MarketValue: 1, AdditionalCosts: 1},
		{Fee: 1_000_000, MarketValue: 500, AdditionalCosts: 999_999},
		{Fee: 42, MarketValue: 42_000_000, AdditionalCosts: 1},
	}
	for _, p := range proposals {
		a, err := s.Score(nil, nil, p)
		require.NoError(t, err)
		switch {
		case a.Similarity < LegitimateMin:
			assert.Equal(t, TierHigh, a.RiskTier)
			assert.False(t, a.Legitimate)
		case a.Similarity > LegitimateMax:
			assert.Equal(t, TierElevated, a.RiskTier)
			assert.False(t, a.Legitimate)
		default:
			assert.Equal(t, TierLow, a.RiskTier)
			assert.True(t, a.Legitimate)
		}
	}
}

func TestWithProjections(t *testing.T) {
	s := NewScorer(WithProjections(32))
	a, err := s.Score(nil, nil, Proposal{Fee: 100, MarketValue: 110, AdditionalCosts: 5})
	require.NoError(t, err)
	assert.Len(t, a.IncomeFingerprint, 32)
	assert.Len(t, a.ExpenseFingerprint, 32)
}
