// Package offers owns the transfer-offer lifecycle before settlement:
// creation checks, acceptance, rejection, and expiry.
package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pitchside/transferdesk/internal/idgen"
	"github.com/pitchside/transferdesk/internal/logging"
	"github.com/pitchside/transferdesk/internal/market"
	"github.com/pitchside/transferdesk/internal/metrics"
	"github.com/pitchside/transferdesk/internal/notify"
	"github.com/pitchside/transferdesk/internal/traces"
)

var (
	ErrPlayerNotListed = errors.New("offers: player is not listed for transfer")
	ErrSameClub        = errors.New("offers: offering club already owns the player")
	ErrBudgetExceeded  = errors.New("offers: amount exceeds offering club's transfer budget")
	ErrInvalidAmount   = errors.New("offers: amount must be positive")
	ErrAlreadyResolved = errors.New("offers: offer is no longer pending")
	ErrOfferExpired    = errors.New("offers: offer has expired")
)

// DefaultTTLDays is the offer lifetime when the caller does not set one.
const DefaultTTLDays = 7

// Service is the offer registry.
type Service struct {
	store   market.Store
	emitter *notify.Emitter
	logger  *slog.Logger
	ttlDays int
	now     func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithDefaultTTL overrides the default offer lifetime in days.
func WithDefaultTTL(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.ttlDays = days
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the offer registry.
func NewService(store market.Store, emitter *notify.Emitter, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		emitter: emitter,
		logger:  logger,
		ttlDays: DefaultTTLDays,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateParams describes a new offer.
type CreateParams struct {
	PlayerID   string
	FromClubID string
	Amount     int64
	Terms      string
	TTLDays    int
}

// CreateOffer validates and records a new pending offer and notifies the
// selling club.
func (s *Service) CreateOffer(ctx context.Context, p CreateParams) (*market.Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offers.create",
		traces.PlayerID(p.PlayerID), traces.ClubID(p.FromClubID), traces.Fee(p.Amount))
	defer span.End()

	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	player, err := s.store.GetPlayer(ctx, p.PlayerID)
	if err != nil {
		return nil, err
	}
	if !player.Listed {
		return nil, ErrPlayerNotListed
	}
	if player.ClubID == p.FromClubID {
		return nil, ErrSameClub
	}

	club, err := s.store.GetClub(ctx, p.FromClubID)
	if err != nil {
		return nil, err
	}
	if p.Amount > club.TransferBudget {
		return nil, fmt.Errorf("%w: amount %d, budget %d", ErrBudgetExceeded, p.Amount, club.TransferBudget)
	}

	ttl := p.TTLDays
	if ttl <= 0 {
		ttl = s.ttlDays
	}
	now := s.now()

	offer := &market.Offer{
		ID:         idgen.WithPrefix("offer_"),
		PlayerID:   player.ID,
		FromClubID: p.FromClubID,
		ToClubID:   player.ClubID,
		Amount:     p.Amount,
		Terms:      p.Terms,
		Status:     market.OfferPending,
		CreatedAt:  now,
		ExpiresAt:  now.AddDate(0, 0, ttl),
	}
	if err := s.store.CreateOffer(ctx, offer); err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	metrics.OffersTotal.WithLabelValues(market.OfferPending).Inc()
	s.emitter.OfferReceived(ctx, offer, player.Name)

	logging.L(ctx).Info("offer created",
		"offer_id", offer.ID,
		"player_id", player.ID,
		"from_club", p.FromClubID,
		"to_club", player.ClubID,
		"amount", p.Amount)

	return offer, nil
}

// RespondToOffer transitions a pending offer to accepted or rejected.
// Expired-but-still-pending offers are swept to expired here and reported as
// no longer actionable.
func (s *Service) RespondToOffer(ctx context.Context, offerID string, accept bool) (*market.Offer, error) {
	ctx, span := traces.StartSpan(ctx, "offers.respond", traces.OfferID(offerID))
	defer span.End()

	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status != market.OfferPending {
		return nil, fmt.Errorf("%w: status is %s", ErrAlreadyResolved, offer.Status)
	}
	if offer.Expired(s.now()) {
		if err := s.store.UpdateOfferStatus(ctx, offer.ID, market.OfferPending, market.OfferExpired); err == nil {
			metrics.OffersTotal.WithLabelValues(market.OfferExpired).Inc()
			offer.Status = market.OfferExpired
		}
		return nil, ErrOfferExpired
	}

	to := market.OfferRejected
	if accept {
		to = market.OfferAccepted
	}
	if err := s.store.UpdateOfferStatus(ctx, offer.ID, market.OfferPending, to); err != nil {
		if errors.Is(err, market.ErrStatusConflict) {
			return nil, ErrAlreadyResolved
		}
		return nil, fmt.Errorf("failed to update offer status: %w", err)
	}
	offer.Status = to
	metrics.OffersTotal.WithLabelValues(to).Inc()

	player, err := s.store.GetPlayer(ctx, offer.PlayerID)
	playerName := offer.PlayerID
	if err == nil {
		playerName = player.Name
	}

	if accept {
		s.emitter.OfferAccepted(ctx, offer, playerName)
	} else {
		s.emitter.OfferRejected(ctx, offer, playerName)
	}

	logging.L(ctx).Info("offer resolved",
		"offer_id", offer.ID,
		"status", to)

	return offer, nil
}
