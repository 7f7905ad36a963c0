// Package market holds the transfer-market domain model and its persistent
// store: clubs, players, offers, transfers, fraud assessments, notifications.
package market

import (
	"errors"
	"time"

	"github.com/pitchside/transferdesk/internal/fraud"
)

// Sentinel errors returned by stores and services.
var (
	ErrClubNotFound         = errors.New("market: club not found")
	ErrPlayerNotFound       = errors.New("market: player not found")
	ErrOfferNotFound        = errors.New("market: offer not found")
	ErrTransferNotFound     = errors.New("market: transfer not found")
	ErrNotificationNotFound = errors.New("market: notification not found")
	ErrDuplicateID          = errors.New("market: duplicate id")
	ErrStatusConflict       = errors.New("market: offer status changed concurrently")
	ErrTransferCompleted    = errors.New("market: transfer already completed")
)

// Club is a participant in the transfer market. Account is the club's
// identity on the external confirmation network. Balance and TransferBudget
// are tracked in whole currency units; budget is a separate spending ceiling
// and may exceed the balance.
type Club struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Account        string    `json:"account"`
	Balance        int64     `json:"balance"`
	TransferBudget int64     `json:"transfer_budget"`
	CreatedAt      time.Time `json:"created_at"`
}

// Player belongs to exactly one club. Listed marks the player eligible to
// receive offers. Ownership changes only inside a settlement commit.
type Player struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Position    string    `json:"position"`
	ClubID      string    `json:"club_id"`
	MarketValue int64     `json:"market_value"`
	Listed      bool      `json:"listed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Offer statuses. Status is monotonic: once an offer leaves pending it never
// returns.
const (
	OfferPending  = "pending"
	OfferAccepted = "accepted"
	OfferRejected = "rejected"
	OfferExpired  = "expired"
)

// Offer is a bid from one club for another club's listed player.
type Offer struct {
	ID         string    `json:"id"`
	PlayerID   string    `json:"player_id"`
	FromClubID string    `json:"from_club_id"` // offering (buying) club
	ToClubID   string    `json:"to_club_id"`   // player's current (selling) club
	Amount     int64     `json:"amount"`
	Terms      string    `json:"terms,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the offer's TTL has lapsed at t.
func (o *Offer) Expired(t time.Time) bool {
	return !o.ExpiresAt.IsZero() && t.After(o.ExpiresAt)
}

// Transfer states through the settlement pipeline.
const (
	TransferPending          = "pending"
	TransferProposed         = "proposed"
	TransferAcceptedOnLedger = "accepted_on_ledger"
	TransferValidated        = "validated"
	TransferCompleted        = "completed"
	TransferFailed           = "failed"
	TransferFraudRejected    = "fraud_check_failed"
)

// IncomeBreakdown is the selling club's side of the deal. All parts are
// credited to the seller on commit.
type IncomeBreakdown struct {
	TransferFee      int64 `json:"transfer_fee"`
	SellOnClause     int64 `json:"sell_on_clause"`
	PerformanceBonus int64 `json:"performance_bonus"`
}

// Total returns the full amount credited to the selling club.
func (b IncomeBreakdown) Total() int64 {
	return b.TransferFee + b.SellOnClause + b.PerformanceBonus
}

// ExpenseBreakdown is the buying club's side of the deal. All parts are
// debited from the buyer on commit.
type ExpenseBreakdown struct {
	TransferFee  int64 `json:"transfer_fee"`
	AgentFees    int64 `json:"agent_fees"`
	SigningBonus int64 `json:"signing_bonus"`
}

// Total returns the full amount debited from the buying club.
func (b ExpenseBreakdown) Total() int64 {
	return b.TransferFee + b.AgentFees + b.SigningBonus
}

// AdditionalCosts is everything the buyer pays beyond the agreed fee.
func (b ExpenseBreakdown) AdditionalCosts() int64 {
	return b.AgentFees + b.SigningBonus
}

// Transfer is the settlement record for one accepted offer. Created once;
// after creation only State, FailedPhase, Validated, Completed, LedgerRef and
// CompletedAt may change, each at most once along the pipeline.
type Transfer struct {
	ID                 string           `json:"id"`
	OfferID            string           `json:"offer_id"`
	PlayerID           string           `json:"player_id"`
	SellerClubID       string           `json:"seller_club_id"`
	BuyerClubID        string           `json:"buyer_club_id"`
	Fee                int64            `json:"fee"`
	Income             IncomeBreakdown  `json:"income"`
	Expense            ExpenseBreakdown `json:"expense"`
	IncomeFingerprint  string           `json:"income_fingerprint"`
	ExpenseFingerprint string           `json:"expense_fingerprint"`
	State              string           `json:"state"`
	FailedPhase        string           `json:"failed_phase,omitempty"`
	Validated          bool             `json:"validated"`
	Completed          bool             `json:"completed"`
	LedgerRef          string           `json:"ledger_ref,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// Notification categories.
const (
	NotifyOfferReceived       = "offer_received"
	NotifyOfferAccepted       = "offer_accepted"
	NotifyOfferRejected       = "offer_rejected"
	NotifySettlementCompleted = "settlement_completed"
	NotifySettlementFailed    = "settlement_failed"
)

// Notification is an append-only auditable event addressed to one club.
type Notification struct {
	ID         string    `json:"id"`
	ClubID     string    `json:"club_id"`
	Category   string    `json:"category"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	OfferID    string    `json:"offer_id,omitempty"`
	TransferID string    `json:"transfer_id,omitempty"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"created_at"`
}

// Assessment re-exports the fraud package's assessment record so store
// consumers only import market.
type Assessment = fraud.Assessment
