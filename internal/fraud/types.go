// Package fraud scores a proposed transfer against both clubs' transaction
// history using random-projection fingerprints.
package fraud

import (
	"errors"
	"time"
)

// ErrFingerprintMismatch indicates two fingerprints of different length were
// compared. With a fixed projection count this should never happen; it is the
// scorer's only hard error.
var ErrFingerprintMismatch = errors.New("fraud: fingerprint length mismatch")

// FeatureRecord is one historical completed transfer reduced to the numbers
// the scorer cares about.
type FeatureRecord struct {
	Fee             float64
	MarketValue     float64
	AdditionalCosts float64
}

// Proposal is the candidate transfer under assessment.
type Proposal struct {
	Fee             float64
	MarketValue     float64
	AdditionalCosts float64
}

// Assessment is the scorer's verdict on one proposed transfer.
type Assessment struct {
	ID                 string    `json:"id"`
	TransferID         string    `json:"transfer_id,omitempty"`
	IncomeFingerprint  string    `json:"income_fingerprint"`
	ExpenseFingerprint string    `json:"expense_fingerprint"`
	Similarity         float64   `json:"similarity"`
	Legitimate         bool      `json:"legitimate"`
	RiskTier           string    `json:"risk_tier"`
	Rationale          string    `json:"rationale"`
	EvaluatedAt        time.Time `json:"evaluated_at"`
}

// Risk tiers attached to assessments.
const (
	TierLow      = "low"      // similarity within the accepted band
	TierElevated = "elevated" // both histories suspiciously alike (layering pattern)
	TierHigh     = "high"     // histories diverge too far (possible data manipulation)
)
