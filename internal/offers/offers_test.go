package offers

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitchside/transferdesk/internal/market"
	"github.com/pitchside/transferdesk/internal/notify"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *market.MemoryStore) {
	t.Helper()
	store := market.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	emitter := notify.NewEmitter(store, nil, logger)
	return NewService(store, emitter, logger, opts...), store
}

func seedMarket(t *testing.T, store *market.MemoryStore) (seller, buyer *market.Club, player *market.Player) {
	t.Helper()
	ctx := context.Background()

	seller = &market.Club{ID: "club_sell", Name: "Harbour FC", Account: "0xaaa", Balance: 5_000_000, TransferBudget: 4_000_000}
	buyer = &market.Club{ID: "club_buy", Name: "Northgate United", Account: "0xbbb", Balance: 40_000_000, TransferBudget: 25_000_000}
	require.NoError(t, store.CreateClub(ctx, seller))
	require.NoError(t, store.CreateClub(ctx, buyer))

	player = &market.Player{ID: "ply_1", Name: "J. Mercer", Position: "CF", ClubID: seller.ID, MarketValue: 12_000_000, Listed: true}
	require.NoError(t, store.CreatePlayer(ctx, player))
	return seller, buyer, player
}

func TestCreateOffer(t *testing.T) {
	svc, store := newTestService(t)
	seller, buyer, player := seedMarket(t, store)
	ctx := context.Background()

	offer, err := svc.CreateOffer(ctx, CreateParams{
		PlayerID:   player.ID,
		FromClubID: buyer.ID,
		Amount:     10_000_000,
		Terms:      "payable in two installments",
	})
	require.NoError(t, err)

	assert.Equal(t, market.OfferPending, offer.Status)
	assert.Equal(t, seller.ID, offer.ToClubID)
	assert.Equal(t, buyer.ID, offer.FromClubID)
	assert.True(t, offer.ExpiresAt.After(offer.CreatedAt))

	// Selling club was notified.
	notifications, err := store.ListNotifications(ctx, seller.ID, true, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, market.NotifyOfferReceived, notifications[0].Category)
	assert.Equal(t, offer.ID, notifications[0].OfferID)
}

func TestCreateOfferValidation(t *testing.T) {
	svc, store := newTestService(t)
	seller, buyer, player := seedMarket(t, store)
	ctx := context.Background()

	t.Run("same club", func(t *testing.T) {
		_, err := svc.CreateOffer(ctx, CreateParams{PlayerID: player.ID, FromClubID: seller.ID, Amount: 1_000_000})
		assert.ErrorIs(t, err, ErrSameClub)
	})

	t.Run("budget exceeded", func(t *testing.T) {
		_, err := svc.CreateOffer(ctx, CreateParams{PlayerID: player.ID, FromClubID: buyer.ID, Amount: 30_000_000})
		assert.ErrorIs(t, err, ErrBudgetExceeded)
	})

	t.Run("amount at budget is allowed", func(t *testing.T) {
		_, err := svc.CreateOffer(ctx, CreateParams{PlayerID: player.ID, FromClubID: buyer.ID, Amount: 25_000_000})
		assert.NoError(t, err)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		_, err := svc.CreateOffer(ctx, CreateParams{PlayerID: player.ID, FromClubID: buyer.ID, Amount: 0})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unknown player", func(t *testing.T) {
		_, err := svc.CreateOffer(ctx, CreateParams{PlayerID: "ply_none", FromClubID: buyer.ID, Amount: 1})
		assert.ErrorIs(t, err, market.ErrPlayerNotFound)
	})

	t.Run("unlisted player", func(t *testing.T) {
		unlisted := &market.Player{ID: "ply_2", Name: "T. Okafor", Position: "GK", ClubID: seller.ID, MarketValue: 3_000_000}
		require.NoError(t, store.CreatePlayer(ctx, unlisted))
		_, err := svc.CreateOffer(ctx, CreateParams{PlayerID: unlisted.ID, FromClubID: buyer.ID, Amount: 1_000_000})
		assert.ErrorIs(t, err, ErrPlayerNotListed)
	})
}

func TestRespondToOffer(t *testing.T) {
	svc, store := newTestService(t)
	_, buyer, player := seedMarket(t, store)
	ctx := context.Background()

	offer, err := svc.CreateOffer(ctx, CreateParams{PlayerID: player.ID, FromClubID: buyer.ID, Amount: 10_000_000})
	require.NoError(t, err)

	accepted, err := svc.RespondToOffer(ctx, offer.ID, true)
	require.NoError(t, err)
	assert.Equal(t, market.OfferAccepted, accepted.Status)

	// Offering club was notified of the acceptance.
	notifications, err := store.ListNotifications(ctx, buyer.ID, true, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, market.NotifyOfferAccepted, notifications[0].Category)

	// A second response is an error, not a silent no-op.
	_, err = svc.RespondToOffer(ctx, offer.ID, false)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = svc.RespondToOffer(ctx, "offer_missing", true)
	assert.ErrorIs(t, err, market.ErrOfferNotFound)
}

func TestRespondToOfferReject(t *testing.T) {
	svc, store := newTestService(t)
	_, buyer, player := seedMarket(t, store)
	ctx := context.Background()

	offer, err := svc.CreateOffer(ctx, CreateParams{PlayerID: player.ID, FromClubID: buyer.ID, Amount: 10_000_000})
	require.NoError(t, err)

	rejected, err := svc.RespondToOffer(ctx, offer.ID, false)
	require.NoError(t, err)
	assert.Equal(t, market.OfferRejected, rejected.Status)

	notifications, err := store.ListNotifications(ctx, buyer.ID, true, 10)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, market.NotifyOfferRejected, notifications[0].Category)
}

func TestRespondToExpiredOffer(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	svc, store := newTestService(t, WithClock(clock), WithDefaultTTL(2))
	_, buyer, player := seedMarket(t, store)
	ctx := context.Background()

	offer, err := svc.CreateOffer(ctx, CreateParams{PlayerID: player.ID, FromClubID: buyer.ID, Amount: 10_000_000})
	require.NoError(t, err)

	// Advance past the TTL.
	now = now.AddDate(0, 0, 3)

	_, err = svc.RespondToOffer(ctx, offer.ID, true)
	assert.ErrorIs(t, err, ErrOfferExpired)

	// The stale offer was swept to expired.
	stored, err := store.GetOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, market.OfferExpired, stored.Status)
}
