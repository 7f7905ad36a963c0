package server

import (
	"context"

	"github.com/pitchside/transferdesk/internal/chain"
	"github.com/pitchside/transferdesk/internal/market"
)

// seedDemoData loads a small market into a fresh in-memory store so local
// development has clubs, listed players and registered confirmation-network
// accounts without any setup.
func (s *Server) seedDemoData(ctx context.Context) error {
	clubs := []*market.Club{
		{ID: "club_harbour", Name: "Harbour FC", Account: "0x1000000000000000000000000000000000000001", Balance: 25_000_000, TransferBudget: 15_000_000},
		{ID: "club_northgate", Name: "Northgate United", Account: "0x1000000000000000000000000000000000000002", Balance: 80_000_000, TransferBudget: 45_000_000},
		{ID: "club_riverside", Name: "Riverside Albion", Account: "0x1000000000000000000000000000000000000003", Balance: 40_000_000, TransferBudget: 22_000_000},
	}
	for _, club := range clubs {
		if err := s.store.CreateClub(ctx, club); err != nil {
			return err
		}
	}

	players := []*market.Player{
		{ID: "ply_mercer", Name: "J. Mercer", Position: "CF", ClubID: "club_harbour", MarketValue: 12_000_000, Listed: true},
		{ID: "ply_okafor", Name: "T. Okafor", Position: "GK", ClubID: "club_harbour", MarketValue: 4_500_000, Listed: true},
		{ID: "ply_silva", Name: "R. Silva", Position: "CM", ClubID: "club_riverside", MarketValue: 18_000_000, Listed: true},
		{ID: "ply_larsen", Name: "E. Larsen", Position: "CB", ClubID: "club_northgate", MarketValue: 9_000_000},
	}
	for _, player := range players {
		if err := s.store.CreatePlayer(ctx, player); err != nil {
			return err
		}
	}

	// The simulator has no on-chain registration flow, so mirror the clubs
	// into it directly.
	if sim, ok := s.network.(*chain.Mock); ok {
		for _, club := range clubs {
			sim.RegisterClub(club.Account, club.Balance)
		}
	}

	s.logger.Info("demo market seeded",
		"clubs", len(clubs),
		"players", len(players),
	)
	return nil
}
