package market

import (
	"context"
	"time"
)

// Transfer history roles for ListCompletedTransfers.
const (
	RoleSeller = "seller"
	RoleBuyer  = "buyer"
)

// CommitParams is everything CommitSettlement applies as one atomic unit:
// transfer flags, ownership reassignment, balance/budget moves, and the
// completion notifications.
type CommitParams struct {
	TransferID   string
	LedgerRef    string
	PlayerID     string
	SellerClubID string
	BuyerClubID  string
	IncomeTotal  int64 // credited to seller balance and budget
	ExpenseTotal int64 // debited from buyer balance and budget
	CompletedAt  time.Time

	Notifications []*Notification
}

// Store is the persistence facade the engine runs against. Implementations:
// MemoryStore for development and tests, PostgresStore for production.
type Store interface {
	// Reads
	GetClub(ctx context.Context, id string) (*Club, error)
	ListClubs(ctx context.Context) ([]*Club, error)
	GetPlayer(ctx context.Context, id string) (*Player, error)
	ListListedPlayers(ctx context.Context) ([]*Player, error)
	GetOffer(ctx context.Context, id string) (*Offer, error)
	ListOffersForClub(ctx context.Context, clubID, status string, limit int) ([]*Offer, error)
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	GetTransferByOffer(ctx context.Context, offerID string) (*Transfer, error)
	// ListCompletedTransfers returns the most recent completed transfers
	// in which clubID played role (RoleSeller or RoleBuyer), newest first.
	ListCompletedTransfers(ctx context.Context, clubID, role string, limit int) ([]*Transfer, error)
	ListPendingOffers(ctx context.Context, limit int) ([]*Offer, error)
	// ListRecentCompletedTransfers returns the market-wide completed
	// transfers, newest first.
	ListRecentCompletedTransfers(ctx context.Context, limit int) ([]*Transfer, error)
	GetAssessment(ctx context.Context, transferID string) (*Assessment, error)
	ListNotifications(ctx context.Context, clubID string, unreadOnly bool, limit int) ([]*Notification, error)

	// Writes
	CreateClub(ctx context.Context, club *Club) error
	CreatePlayer(ctx context.Context, player *Player) error
	CreateOffer(ctx context.Context, offer *Offer) error
	// UpdateOfferStatus transitions offer status from -> to. Returns
	// ErrStatusConflict if the stored status is not `from` (lost race).
	UpdateOfferStatus(ctx context.Context, offerID, from, to string) error
	// CreateTransfer inserts the transfer and its fraud assessment as one
	// unit. The assessment's TransferID is set by the store.
	CreateTransfer(ctx context.Context, t *Transfer, a *Assessment) error
	// UpdateTransferState records pipeline progress (state, failed phase,
	// partial ledger ref). It must not touch the completion flag.
	UpdateTransferState(ctx context.Context, transferID, state, failedPhase, ledgerRef string) error
	CreateNotification(ctx context.Context, n *Notification) error
	MarkNotificationRead(ctx context.Context, notificationID, clubID string) error
	// CommitSettlement applies the full settlement outcome atomically.
	// Returns ErrTransferCompleted if the transfer has already committed.
	CommitSettlement(ctx context.Context, p CommitParams) error
}
