package fraud

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"
)

// Role labels used to derive projection seeds. The seed is constant per role,
// not per club, so fingerprints from unrelated clubs stay comparable against
// the same projection basis.
const (
	roleIncome  = "income"
	roleExpense = "expense"
)

// Gate bounds: similarity inside [LegitimateMin, LegitimateMax] (inclusive)
// passes the fraud check.
const (
	LegitimateMin = 0.3
	LegitimateMax = 0.8
)

// DefaultProjections is the fingerprint length in bits.
const DefaultProjections = 10

// StreamFactory produces a deterministic pseudo-random stream for a seed.
// Injectable so tests can pin the bit stream; the default uses math/rand
// with the seed directly.
type StreamFactory func(seed int64) *rand.Rand

func defaultStreamFactory(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic projections, not security
}

// Scorer computes fingerprint-based fraud assessments. The zero value is not
// usable; construct with NewScorer.
type Scorer struct {
	projections int
	streams     StreamFactory
	now         func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithProjections overrides the fingerprint length.
func WithProjections(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.projections = n
		}
	}
}

// WithStreamFactory overrides the pseudo-random stream factory.
func WithStreamFactory(f StreamFactory) Option {
	return func(s *Scorer) {
		if f != nil {
			s.streams = f
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScorer creates a Scorer with the default 10-bit projection scheme.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		projections: DefaultProjections,
		streams:     defaultStreamFactory,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score assesses the proposal against the selling club's income history and
// the buying club's expense history. It never fails on bad history data;
// malformed records get conservative defaults instead.
func (s *Scorer) Score(sellerHistory, buyerHistory []FeatureRecord, current Proposal) (*Assessment, error) {
	income := incomeFeatures(sellerHistory, current)
	expense := expenseFeatures(buyerHistory, current)

	incomeFP := s.fingerprint(income, roleIncome)
	expenseFP := s.fingerprint(expense, roleExpense)

	sim, err := Similarity(incomeFP, expenseFP)
	if err != nil {
		return nil, err
	}

	legitimate := sim >= LegitimateMin && sim <= LegitimateMax

	var tier, rationale string
	switch {
	case sim < LegitimateMin:
		tier = TierHigh
		rationale = fmt.Sprintf(
			"similarity %.2f below lower bound %.2f: income and expense patterns diverge, possible data manipulation",
			sim, LegitimateMin)
	case sim > LegitimateMax:
		tier = TierElevated
		rationale = fmt.Sprintf(
			"similarity %.2f above upper bound %.2f: income and expense patterns nearly identical, possible layering",
			sim, LegitimateMax)
	default:
		tier = TierLow
		rationale = fmt.Sprintf(
			"similarity %.2f within accepted range [%.2f, %.2f]",
			sim, LegitimateMin, LegitimateMax)
	}

	return &Assessment{
		IncomeFingerprint:  incomeFP,
		ExpenseFingerprint: expenseFP,
		Similarity:         sim,
		Legitimate:         legitimate,
		RiskTier:           tier,
		Rationale:          rationale,
		EvaluatedAt:        s.now().UTC(),
	}, nil
}

// Normalize fills in conservative defaults for malformed records so a gap in
// the ledger never blocks an assessment. Missing additional costs default to
// 5% of the fee; a missing valuation defaults to 1.1x the fee.
func Normalize(r FeatureRecord) FeatureRecord {
	if r.Fee < 0 {
		r.Fee = 0
	}
	if r.AdditionalCosts <= 0 {
		r.AdditionalCosts = r.Fee * 0.05
	}
	if r.MarketValue <= 0 {
		r.MarketValue = r.Fee * 1.1
	}
	return r
}

// incomeFeatures builds the seller-side feature vector: for each historical
// record plus the candidate appended at the end, [fee, market_value,
// fee/max(market_value,1)].
func incomeFeatures(history []FeatureRecord, current Proposal) []float64 {
	records := append(normalizeAll(history), Normalize(FeatureRecord(current)))
	v := make([]float64, 0, len(records)*3)
	for _, r := range records {
		v = append(v, r.Fee, r.MarketValue, r.Fee/max1(r.MarketValue))
	}
	if len(v) == 0 {
		return []float64{0, 0, 0}
	}
	return v
}

// expenseFeatures builds the buyer-side feature vector: [fee,
// additional_costs, fee+additional_costs] per record.
func expenseFeatures(history []FeatureRecord, current Proposal) []float64 {
	records := append(normalizeAll(history), Normalize(FeatureRecord(current)))
	v := make([]float64, 0, len(records)*3)
	for _, r := range records {
		v = append(v, r.Fee, r.AdditionalCosts, r.Fee+r.AdditionalCosts)
	}
	if len(v) == 0 {
		return []float64{0, 0, 0}
	}
	return v
}

func normalizeAll(history []FeatureRecord) []FeatureRecord {
	out := make([]FeatureRecord, 0, len(history))
	for _, r := range history {
		out = append(out, Normalize(r))
	}
	return out
}

func max1(v float64) float64 {
	if v < 1 {
		return 1
	}
	return v
}

// fingerprint projects the feature vector onto `projections` pseudo-random
// hyperplanes and records the sign of each dot product. Seeds run s, s+1, ...
// where s is derived from the role label, so the projection basis is fixed
// per role and the result is bit-for-bit reproducible.
func (s *Scorer) fingerprint(v []float64, role string) string {
	seed := roleSeed(role)
	var b strings.Builder
	b.Grow(s.projections)
	for i := 0; i < s.projections; i++ {
		stream := s.streams(seed + int64(i))
		dot := 0.0
		for _, x := range v {
			dot += x * (stream.Float64()*2 - 1)
		}
		if dot >= 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// roleSeed hashes a role label into a projection base seed.
func roleSeed(role string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(role))
	return int64(h.Sum64()) //nolint:gosec // deliberate wraparound, only determinism matters
}

// Similarity returns the Hamming similarity of two equal-length fingerprints:
// matching positions divided by length. Result is in [0,1].
func Similarity(a, b string) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrFingerprintMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("%w: empty fingerprints", ErrFingerprintMismatch)
	}
	matches := 0
	for i := 0; i < len(a); i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(a)), nil
}
