package market

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory market store for demo/development mode and
// tests. CommitSettlement validates every mutation before applying any, so a
// failing commit leaves the store untouched.
type MemoryStore struct {
	clubs         map[string]*Club
	players       map[string]*Player
	offers        map[string]*Offer
	transfers     map[string]*Transfer
	assessments   map[string]*Assessment // keyed by transfer ID
	notifications []*Notification
	mu            sync.RWMutex

	// commitHook, when set, runs inside CommitSettlement after validation
	// and before mutation. Tests use it to inject crashes at the atomic
	// boundary.
	commitHook func() error
}

// NewMemoryStore creates a new in-memory market store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clubs:       make(map[string]*Club),
		players:     make(map[string]*Player),
		offers:      make(map[string]*Offer),
		transfers:   make(map[string]*Transfer),
		assessments: make(map[string]*Assessment),
	}
}

// SetCommitHook installs a fault-injection hook for tests.
func (m *MemoryStore) SetCommitHook(hook func() error) {
	m.mu.Lock()
	m.commitHook = hook
	m.mu.Unlock()
}

func (m *MemoryStore) GetClub(ctx context.Context, id string) (*Club, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	club, ok := m.clubs[id]
	if !ok {
		return nil, ErrClubNotFound
	}
	cp := *club
	return &cp, nil
}

func (m *MemoryStore) ListClubs(ctx context.Context) ([]*Club, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Club, 0, len(m.clubs))
	for _, c := range m.clubs {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) GetPlayer(ctx context.Context, id string) (*Player, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	player, ok := m.players[id]
	if !ok {
		return nil, ErrPlayerNotFound
	}
	cp := *player
	return &cp, nil
}

func (m *MemoryStore) ListListedPlayers(ctx context.Context) ([]*Player, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Player
	for _, p := range m.players {
		if p.Listed {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offer, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *offer
	return &cp, nil
}

func (m *MemoryStore) ListOffersForClub(ctx context.Context, clubID, status string, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Offer
	for _, o := range m.offers {
		if o.FromClubID != clubID && o.ToClubID != clubID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		cp := *o
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPendingOffers(ctx context.Context, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Offer
	for _, o := range m.offers {
		if o.Status != OfferPending {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	// Newest first.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.After(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTransferByOffer(ctx context.Context, offerID string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transfers {
		if t.OfferID == offerID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransferNotFound
}

func (m *MemoryStore) ListCompletedTransfers(ctx context.Context, clubID, role string, limit int) ([]*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Transfer
	for _, t := range m.transfers {
		if !t.Completed {
			continue
		}
		switch role {
		case RoleSeller:
			if t.SellerClubID != clubID {
				continue
			}
		case RoleBuyer:
			if t.BuyerClubID != clubID {
				continue
			}
		default:
			continue
		}
		cp := *t
		all = append(all, &cp)
	}

	// Newest first by completion time.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && later(all[j], all[j-1]); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) ListRecentCompletedTransfers(ctx context.Context, limit int) ([]*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Transfer
	for _, t := range m.transfers {
		if !t.Completed {
			continue
		}
		cp := *t
		all = append(all, &cp)
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && later(all[j], all[j-1]); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func later(a, b *Transfer) bool {
	at, bt := a.CreatedAt, b.CreatedAt
	if a.CompletedAt != nil {
		at = *a.CompletedAt
	}
	if b.CompletedAt != nil {
		bt = *b.CompletedAt
	}
	return at.After(bt)
}

func (m *MemoryStore) GetAssessment(ctx context.Context, transferID string) (*Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assessments[transferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, clubID string, unreadOnly bool, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.ClubID != clubID {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		cp := *n
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateClub(ctx context.Context, club *Club) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clubs[club.ID]; exists {
		return ErrDuplicateID
	}
	if club.CreatedAt.IsZero() {
		club.CreatedAt = time.Now()
	}
	cp := *club
	m.clubs[club.ID] = &cp
	return nil
}

func (m *MemoryStore) CreatePlayer(ctx context.Context, player *Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.players[player.ID]; exists {
		return ErrDuplicateID
	}
	if _, ok := m.clubs[player.ClubID]; !ok {
		return ErrClubNotFound
	}
	if player.CreatedAt.IsZero() {
		player.CreatedAt = time.Now()
	}
	cp := *player
	m.players[player.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateOffer(ctx context.Context, offer *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.offers[offer.ID]; exists {
		return ErrDuplicateID
	}
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = time.Now()
	}
	cp := *offer
	m.offers[offer.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateOfferStatus(ctx context.Context, offerID, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	offer, ok := m.offers[offerID]
	if !ok {
		return ErrOfferNotFound
	}
	if offer.Status != from {
		return ErrStatusConflict
	}
	offer.Status = to
	return nil
}

func (m *MemoryStore) CreateTransfer(ctx context.Context, t *Transfer, a *Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transfers[t.ID]; exists {
		return ErrDuplicateID
	}
	// One transfer per offer, matching the unique index on the Postgres side.
	for _, existing := range m.transfers {
		if existing.OfferID == t.OfferID {
			return ErrDuplicateID
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	tcp := *t
	m.transfers[t.ID] = &tcp

	a.TransferID = t.ID
	acp := *a
	m.assessments[t.ID] = &acp
	return nil
}

func (m *MemoryStore) UpdateTransferState(ctx context.Context, transferID, state, failedPhase, ledgerRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[transferID]
	if !ok {
		return ErrTransferNotFound
	}
	if t.Completed {
		return ErrTransferCompleted
	}
	t.State = state
	if failedPhase != "" {
		t.FailedPhase = failedPhase
	}
	if ledgerRef != "" {
		t.LedgerRef = ledgerRef
	}
	return nil
}

func (m *MemoryStore) CreateNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	cp := *n
	m.notifications = append(m.notifications, &cp)
	return nil
}

func (m *MemoryStore) MarkNotificationRead(ctx context.Context, notificationID, clubID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.notifications {
		if n.ID == notificationID && n.ClubID == clubID {
			n.Read = true
			return nil
		}
	}
	return ErrNotificationNotFound
}

// CommitSettlement applies the settlement outcome. Validation happens up
// front against every touched record; mutations only start once all of them
// pass, so no partial state is ever observable.
func (m *MemoryStore) CommitSettlement(ctx context.Context, p CommitParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[p.TransferID]
	if !ok {
		return ErrTransferNotFound
	}
	if t.Completed {
		return ErrTransferCompleted
	}
	player, ok := m.players[p.PlayerID]
	if !ok {
		return ErrPlayerNotFound
	}
	seller, ok := m.clubs[p.SellerClubID]
	if !ok {
		return ErrClubNotFound
	}
	buyer, ok := m.clubs[p.BuyerClubID]
	if !ok {
		return ErrClubNotFound
	}

	if m.commitHook != nil {
		if err := m.commitHook(); err != nil {
			return err
		}
	}

	completedAt := p.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	t.Validated = true
	t.Completed = true
	t.State = TransferCompleted
	t.LedgerRef = p.LedgerRef
	t.CompletedAt = &completedAt

	player.ClubID = p.BuyerClubID
	player.Listed = false

	seller.Balance += p.IncomeTotal
	seller.TransferBudget += p.IncomeTotal
	buyer.Balance -= p.ExpenseTotal
	buyer.TransferBudget -= p.ExpenseTotal

	for _, n := range p.Notifications {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = completedAt
		}
		cp := *n
		m.notifications = append(m.notifications, &cp)
	}

	return nil
}

var _ Store = (*MemoryStore)(nil)
