//go:build integration

package market_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchside/transferdesk/internal/market"
	"github.com/pitchside/transferdesk/internal/testutil"
)

func seedPostgres(t *testing.T, store *market.PostgresStore) (seller, buyer *market.Club, player *market.Player, offer *market.Offer) {
	t.Helper()
	ctx := context.Background()

	seller = &market.Club{ID: "club_sell", Name: "Harbour FC", Account: "0xaaa", Balance: 10_000_000, TransferBudget: 8_000_000}
	buyer = &market.Club{ID: "club_buy", Name: "Northgate United", Account: "0xbbb", Balance: 50_000_000, TransferBudget: 30_000_000}
	require.NoError(t, store.CreateClub(ctx, seller))
	require.NoError(t, store.CreateClub(ctx, buyer))

	player = &market.Player{ID: "ply_1", Name: "J. Mercer", Position: "CF", ClubID: seller.ID, MarketValue: 12_000_000, Listed: true}
	require.NoError(t, store.CreatePlayer(ctx, player))

	offer = &market.Offer{
		ID: "offer_1", PlayerID: player.ID, FromClubID: buyer.ID, ToClubID: seller.ID,
		Amount: 10_000_000, Status: market.OfferAccepted,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, store.CreateOffer(ctx, offer))
	return seller, buyer, player, offer
}

func newTransfer(offer *market.Offer) (*market.Transfer, *market.Assessment) {
	t := &market.Transfer{
		ID:                 "trf_1",
		OfferID:            offer.ID,
		PlayerID:           offer.PlayerID,
		SellerClubID:       offer.ToClubID,
		BuyerClubID:        offer.FromClubID,
		Fee:                offer.Amount,
		Income:             market.IncomeBreakdown{TransferFee: offer.Amount},
		Expense:            market.ExpenseBreakdown{TransferFee: offer.Amount, AgentFees: 500_000},
		IncomeFingerprint:  "1100110011",
		ExpenseFingerprint: "1100101011",
		State:              market.TransferPending,
	}
	a := &market.Assessment{
		ID:                 "frd_1",
		IncomeFingerprint:  t.IncomeFingerprint,
		ExpenseFingerprint: t.ExpenseFingerprint,
		Similarity:         0.5,
		Legitimate:         true,
		RiskTier:           "low",
		Rationale:          "similarity 0.50 within accepted range",
		EvaluatedAt:        time.Now(),
	}
	return t, a
}

func TestPostgresOfferCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := market.NewPostgresStore(db)
	ctx := context.Background()

	seller := &market.Club{ID: "club_a", Name: "A", Account: "0x1", Balance: 1, TransferBudget: 1}
	buyer := &market.Club{ID: "club_b", Name: "B", Account: "0x2", Balance: 1, TransferBudget: 1}
	require.NoError(t, store.CreateClub(ctx, seller))
	require.NoError(t, store.CreateClub(ctx, buyer))
	player := &market.Player{ID: "ply_a", Name: "P", ClubID: seller.ID, Listed: true}
	require.NoError(t, store.CreatePlayer(ctx, player))
	offer := &market.Offer{ID: "off_a", PlayerID: player.ID, FromClubID: buyer.ID, ToClubID: seller.ID,
		Amount: 1, Status: market.OfferPending, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.CreateOffer(ctx, offer))

	pending, err := store.ListPendingOffers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, store.UpdateOfferStatus(ctx, offer.ID, market.OfferPending, market.OfferAccepted))

	pending, err = store.ListPendingOffers(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Second transition from pending loses the race.
	err = store.UpdateOfferStatus(ctx, offer.ID, market.OfferPending, market.OfferRejected)
	assert.ErrorIs(t, err, market.ErrStatusConflict)

	err = store.UpdateOfferStatus(ctx, "off_missing", market.OfferPending, market.OfferAccepted)
	assert.ErrorIs(t, err, market.ErrOfferNotFound)

	got, err := store.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, market.OfferAccepted, got.Status)
}

func TestPostgresTransferRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := market.NewPostgresStore(db)
	ctx := context.Background()

	_, _, _, offer := seedPostgres(t, store)
	transfer, assessment := newTransfer(offer)
	require.NoError(t, store.CreateTransfer(ctx, transfer, assessment))

	got, err := store.GetTransferByOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.ID, got.ID)
	assert.Equal(t, transfer.Income, got.Income)
	assert.Equal(t, transfer.Expense, got.Expense)
	assert.Equal(t, "", got.LedgerRef)
	assert.Nil(t, got.CompletedAt)

	gotAssessment, err := store.GetAssessment(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, assessment.ID, gotAssessment.ID)
	assert.InDelta(t, 0.5, gotAssessment.Similarity, 1e-9)
	assert.True(t, gotAssessment.Legitimate)

	require.NoError(t, store.UpdateTransferState(ctx, transfer.ID, market.TransferProposed, "", "42"))
	got, err = store.GetTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, market.TransferProposed, got.State)
	assert.Equal(t, "42", got.LedgerRef)
}

func TestPostgresCommitSettlement(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := market.NewPostgresStore(db)
	ctx := context.Background()

	seller, buyer, player, offer := seedPostgres(t, store)
	transfer, assessment := newTransfer(offer)
	require.NoError(t, store.CreateTransfer(ctx, transfer, assessment))

	completedAt := time.Now()
	params := market.CommitParams{
		TransferID:   transfer.ID,
		LedgerRef:    "42",
		PlayerID:     player.ID,
		SellerClubID: seller.ID,
		BuyerClubID:  buyer.ID,
		IncomeTotal:  transfer.Income.Total(),
		ExpenseTotal: transfer.Expense.Total(),
		CompletedAt:  completedAt,
		Notifications: []*market.Notification{
			{ID: "ntf_1", ClubID: seller.ID, Category: market.NotifySettlementCompleted, Title: "Transfer completed", TransferID: transfer.ID},
			{ID: "ntf_2", ClubID: buyer.ID, Category: market.NotifySettlementCompleted, Title: "Transfer completed", TransferID: transfer.ID},
		},
	}
	require.NoError(t, store.CommitSettlement(ctx, params))

	gotSeller, err := store.GetClub(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000_000), gotSeller.Balance)
	assert.Equal(t, int64(18_000_000), gotSeller.TransferBudget)

	gotBuyer, err := store.GetClub(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(39_500_000), gotBuyer.Balance)
	assert.Equal(t, int64(19_500_000), gotBuyer.TransferBudget)

	gotPlayer, err := store.GetPlayer(ctx, player.ID)
	require.NoError(t, err)
	assert.Equal(t, buyer.ID, gotPlayer.ClubID)
	assert.False(t, gotPlayer.Listed)

	gotTransfer, err := store.GetTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	assert.True(t, gotTransfer.Completed)
	assert.True(t, gotTransfer.Validated)
	assert.Equal(t, market.TransferCompleted, gotTransfer.State)
	require.NotNil(t, gotTransfer.CompletedAt)

	// Replays are rejected and change nothing.
	err = store.CommitSettlement(ctx, params)
	assert.ErrorIs(t, err, market.ErrTransferCompleted)
	gotSeller, err = store.GetClub(ctx, seller.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000_000), gotSeller.Balance)

	// History includes the completed transfer for both roles.
	sold, err := store.ListCompletedTransfers(ctx, seller.ID, market.RoleSeller, 10)
	require.NoError(t, err)
	require.Len(t, sold, 1)
	bought, err := store.ListCompletedTransfers(ctx, buyer.ID, market.RoleBuyer, 10)
	require.NoError(t, err)
	require.Len(t, bought, 1)
	recent, err := store.ListRecentCompletedTransfers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	notifications, err := store.ListNotifications(ctx, seller.ID, true, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, transfer.ID, notifications[0].TransferID)
	assert.Equal(t, "", notifications[0].OfferID)
}

func TestPostgresNotificationLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := market.NewPostgresStore(db)
	ctx := context.Background()

	seller, _, _, offer := seedPostgres(t, store)

	n := &market.Notification{
		ID: "ntf_x", ClubID: seller.ID, Category: market.NotifyOfferReceived,
		Title: "New transfer offer", Body: "Offer received", OfferID: offer.ID,
	}
	require.NoError(t, store.CreateNotification(ctx, n))

	unread, err := store.ListNotifications(ctx, seller.ID, true, 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, offer.ID, unread[0].OfferID)

	require.NoError(t, store.MarkNotificationRead(ctx, n.ID, seller.ID))

	unread, err = store.ListNotifications(ctx, seller.ID, true, 10)
	require.NoError(t, err)
	assert.Empty(t, unread)

	// Wrong club cannot mark another club's notification.
	err = store.MarkNotificationRead(ctx, n.ID, "club_other")
	assert.ErrorIs(t, err, market.ErrNotificationNotFound)
}
