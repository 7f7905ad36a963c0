// Package notify records auditable notifications for clubs and pushes the
// matching live events to connected WebSocket subscribers.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pitchside/transferdesk/internal/idgen"
	"github.com/pitchside/transferdesk/internal/market"
	"github.com/pitchside/transferdesk/internal/realtime"
)

// Store is the slice of the market store the emitter needs.
type Store interface {
	CreateNotification(ctx context.Context, n *market.Notification) error
}

// Broadcaster pushes events to live subscribers. Satisfied by realtime.Hub;
// nil disables broadcasting.
type Broadcaster interface {
	Broadcast(event *realtime.Event)
}

// Emitter persists notifications and mirrors them onto the realtime hub.
// Persistence failures are logged, not fatal: a lost notification must never
// abort the operation that triggered it.
type Emitter struct {
	store  Store
	hub    Broadcaster
	logger *slog.Logger
}

// NewEmitter creates a notification emitter. hub may be nil.
func NewEmitter(store Store, hub Broadcaster, logger *slog.Logger) *Emitter {
	return &Emitter{store: store, hub: hub, logger: logger}
}

// OfferReceived notifies the selling club that a new offer landed.
func (e *Emitter) OfferReceived(ctx context.Context, offer *market.Offer, playerName string) {
	e.emit(ctx, &market.Notification{
		ID:       idgen.WithPrefix("ntf_"),
		ClubID:   offer.ToClubID,
		Category: market.NotifyOfferReceived,
		Title:    "New transfer offer",
		Body:     fmt.Sprintf("Offer of %d received for %s", offer.Amount, playerName),
		OfferID:  offer.ID,
	}, realtime.EventOfferReceived, offer)
}

// OfferAccepted notifies the offering club that its bid was accepted.
func (e *Emitter) OfferAccepted(ctx context.Context, offer *market.Offer, playerName string) {
	e.emit(ctx, &market.Notification{
		ID:       idgen.WithPrefix("ntf_"),
		ClubID:   offer.FromClubID,
		Category: market.NotifyOfferAccepted,
		Title:    "Offer accepted",
		Body:     fmt.Sprintf("Your offer of %d for %s was accepted; settlement can begin", offer.Amount, playerName),
		OfferID:  offer.ID,
	}, realtime.EventOfferAccepted, offer)
}

// OfferRejected notifies the offering club that its bid was turned down.
func (e *Emitter) OfferRejected(ctx context.Context, offer *market.Offer, playerName string) {
	e.emit(ctx, &market.Notification{
		ID:       idgen.WithPrefix("ntf_"),
		ClubID:   offer.FromClubID,
		Category: market.NotifyOfferRejected,
		Title:    "Offer rejected",
		Body:     fmt.Sprintf("Your offer of %d for %s was rejected", offer.Amount, playerName),
		OfferID:  offer.ID,
	}, realtime.EventOfferRejected, offer)
}

// FraudRejected notifies both clubs that the fraud gate blocked settlement.
// No transfer record exists at this point, so only the offer is referenced.
func (e *Emitter) FraudRejected(ctx context.Context, offer *market.Offer, rationale string) {
	for _, clubID := range []string{offer.ToClubID, offer.FromClubID} {
		e.emit(ctx, &market.Notification{
			ID:       idgen.WithPrefix("ntf_"),
			ClubID:   clubID,
			Category: market.NotifySettlementFailed,
			Title:    "Settlement blocked by fraud check",
			Body:     rationale,
			OfferID:  offer.ID,
		}, "", nil)
	}
	e.broadcast(&realtime.Event{
		Type:    realtime.EventSettlementFailed,
		ClubIDs: []string{offer.ToClubID, offer.FromClubID},
		Fee:     offer.Amount,
		Data:    map[string]any{"offer_id": offer.ID, "reason": rationale},
	})
}

// SettlementFailed notifies both clubs that settlement did not complete.
func (e *Emitter) SettlementFailed(ctx context.Context, t *market.Transfer, reason string) {
	for _, clubID := range []string{t.SellerClubID, t.BuyerClubID} {
		e.emit(ctx, &market.Notification{
			ID:         idgen.WithPrefix("ntf_"),
			ClubID:     clubID,
			Category:   market.NotifySettlementFailed,
			Title:      "Settlement failed",
			Body:       reason,
			OfferID:    t.OfferID,
			TransferID: t.ID,
		}, "", nil)
	}
	e.broadcast(&realtime.Event{
		Type:    realtime.EventSettlementFailed,
		ClubIDs: []string{t.SellerClubID, t.BuyerClubID},
		Fee:     t.Fee,
		Data:    map[string]any{"transfer_id": t.ID, "reason": reason},
	})
}

// CompletionNotifications builds the pair of notifications that the store
// inserts inside the settlement commit transaction. They are not emitted
// here: atomicity with the financial mutations is the commit's job.
func CompletionNotifications(t *market.Transfer, playerName string) []*market.Notification {
	return []*market.Notification{
		{
			ID:         idgen.WithPrefix("ntf_"),
			ClubID:     t.SellerClubID,
			Category:   market.NotifySettlementCompleted,
			Title:      "Transfer completed",
			Body:       fmt.Sprintf("%s sold for %d; funds received", playerName, t.Income.Total()),
			OfferID:    t.OfferID,
			TransferID: t.ID,
		},
		{
			ID:         idgen.WithPrefix("ntf_"),
			ClubID:     t.BuyerClubID,
			Category:   market.NotifySettlementCompleted,
			Title:      "Transfer completed",
			Body:       fmt.Sprintf("%s signed for %d", playerName, t.Expense.Total()),
			OfferID:    t.OfferID,
			TransferID: t.ID,
		},
	}
}

// SettlementCompleted pushes the live event after a successful commit.
func (e *Emitter) SettlementCompleted(t *market.Transfer) {
	e.broadcast(&realtime.Event{
		Type:    realtime.EventSettlementCompleted,
		ClubIDs: []string{t.SellerClubID, t.BuyerClubID},
		Fee:     t.Fee,
		Data: map[string]any{
			"transfer_id": t.ID,
			"player_id":   t.PlayerID,
			"ledger_ref":  t.LedgerRef,
		},
	})
}

func (e *Emitter) emit(ctx context.Context, n *market.Notification, eventType realtime.EventType, offer *market.Offer) {
	if err := e.store.CreateNotification(ctx, n); err != nil {
		e.logger.Error("failed to persist notification",
			"club_id", n.ClubID, "category", n.Category, "error", err)
	}
	if eventType != "" && offer != nil {
		e.broadcast(&realtime.Event{
			Type:    eventType,
			ClubIDs: []string{offer.FromClubID, offer.ToClubID},
			Fee:     offer.Amount,
			Data:    offer,
		})
	}
}

func (e *Emitter) broadcast(event *realtime.Event) {
	if e.hub != nil {
		e.hub.Broadcast(event)
	}
}
