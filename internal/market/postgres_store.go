package market

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in the goose
// migrations under migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed market store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetClub(ctx context.Context, id string) (*Club, error) {
	club := &Club{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, account, balance, transfer_budget, created_at
		FROM clubs WHERE id = $1
	`, id).Scan(&club.ID, &club.Name, &club.Account, &club.Balance, &club.TransferBudget, &club.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClubNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load club: %w", err)
	}
	return club, nil
}

func (p *PostgresStore) ListClubs(ctx context.Context) ([]*Club, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, account, balance, transfer_budget, created_at
		FROM clubs ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clubs: %w", err)
	}
	defer rows.Close()

	var out []*Club
	for rows.Next() {
		club := &Club{}
		if err := rows.Scan(&club.ID, &club.Name, &club.Account, &club.Balance, &club.TransferBudget, &club.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, club)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetPlayer(ctx context.Context, id string) (*Player, error) {
	player := &Player{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, position, club_id, market_value, listed, created_at
		FROM players WHERE id = $1
	`, id).Scan(&player.ID, &player.Name, &player.Position, &player.ClubID, &player.MarketValue, &player.Listed, &player.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlayerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load player: %w", err)
	}
	return player, nil
}

func (p *PostgresStore) ListListedPlayers(ctx context.Context) ([]*Player, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, position, club_id, market_value, listed, created_at
		FROM players WHERE listed = TRUE ORDER BY market_value DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	defer rows.Close()

	var out []*Player
	for rows.Next() {
		player := &Player{}
		if err := rows.Scan(&player.ID, &player.Name, &player.Position, &player.ClubID, &player.MarketValue, &player.Listed, &player.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, player)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	return scanOffer(p.db.QueryRowContext(ctx, `
		SELECT id, player_id, from_club_id, to_club_id, amount, terms, status, created_at, expires_at
		FROM transfer_offers WHERE id = $1
	`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (*Offer, error) {
	offer := &Offer{}
	err := row.Scan(&offer.ID, &offer.PlayerID, &offer.FromClubID, &offer.ToClubID,
		&offer.Amount, &offer.Terms, &offer.Status, &offer.CreatedAt, &offer.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load offer: %w", err)
	}
	return offer, nil
}

func (p *PostgresStore) ListOffersForClub(ctx context.Context, clubID, status string, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, player_id, from_club_id, to_club_id, amount, terms, status, created_at, expires_at
		FROM transfer_offers
		WHERE (from_club_id = $1 OR to_club_id = $1)
	`
	args := []any{clubID}
	if status != "" {
		query += ` AND status = $2 ORDER BY created_at DESC LIMIT $3`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()

	var out []*Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, offer)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListPendingOffers(ctx context.Context, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, player_id, from_club_id, to_club_id, amount, terms, status, created_at, expires_at
		FROM transfer_offers WHERE status = 'pending'
		ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending offers: %w", err)
	}
	defer rows.Close()

	var out []*Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, offer)
	}
	return out, rows.Err()
}

const transferColumns = `
	id, offer_id, player_id, seller_club_id, buyer_club_id, fee,
	income, expense, income_fingerprint, expense_fingerprint,
	state, failed_phase, is_validated, is_completed,
	COALESCE(ledger_ref, ''), created_at, completed_at
`

func scanTransfer(row rowScanner) (*Transfer, error) {
	t := &Transfer{}
	var income, expense []byte
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.OfferID, &t.PlayerID, &t.SellerClubID, &t.BuyerClubID, &t.Fee,
		&income, &expense, &t.IncomeFingerprint, &t.ExpenseFingerprint,
		&t.State, &t.FailedPhase, &t.Validated, &t.Completed,
		&t.LedgerRef, &t.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	if err := json.Unmarshal(income, &t.Income); err != nil {
		return nil, fmt.Errorf("failed to decode income breakdown: %w", err)
	}
	if err := json.Unmarshal(expense, &t.Expense); err != nil {
		return nil, fmt.Errorf("failed to decode expense breakdown: %w", err)
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (p *PostgresStore) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	return scanTransfer(p.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
}

func (p *PostgresStore) GetTransferByOffer(ctx context.Context, offerID string) (*Transfer, error) {
	return scanTransfer(p.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE offer_id = $1 ORDER BY created_at DESC LIMIT 1`, offerID))
}

func (p *PostgresStore) ListCompletedTransfers(ctx context.Context, clubID, role string, limit int) ([]*Transfer, error) {
	if limit <= 0 {
		limit = 10
	}
	var column string
	switch role {
	case RoleSeller:
		column = "seller_club_id"
	case RoleBuyer:
		column = "buyer_club_id"
	default:
		return nil, fmt.Errorf("unknown transfer role %q", role)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM transfers
		 WHERE `+column+` = $1 AND is_completed = TRUE
		 ORDER BY completed_at DESC LIMIT $2`, clubID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var out []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListRecentCompletedTransfers(ctx context.Context, limit int) ([]*Transfer, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM transfers
		 WHERE is_completed = TRUE
		 ORDER BY completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var out []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetAssessment(ctx context.Context, transferID string) (*Assessment, error) {
	a := &Assessment{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, transfer_id, income_fingerprint, expense_fingerprint,
		       similarity, legitimate, risk_tier, rationale, evaluated_at
		FROM fraud_assessments WHERE transfer_id = $1
	`, transferID).Scan(&a.ID, &a.TransferID, &a.IncomeFingerprint, &a.ExpenseFingerprint,
		&a.Similarity, &a.Legitimate, &a.RiskTier, &a.Rationale, &a.EvaluatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assessment: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) ListNotifications(ctx context.Context, clubID string, unreadOnly bool, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, club_id, category, title, body,
		       COALESCE(offer_id, ''), COALESCE(transfer_id, ''), read, created_at
		FROM notifications WHERE club_id = $1
	`
	if unreadOnly {
		query += ` AND read = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, clubID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		if err := rows.Scan(&n.ID, &n.ClubID, &n.Category, &n.Title, &n.Body,
			&n.OfferID, &n.TransferID, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateClub(ctx context.Context, club *Club) error {
	if club.CreatedAt.IsZero() {
		club.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO clubs (id, name, account, balance, transfer_budget, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, club.ID, club.Name, club.Account, club.Balance, club.TransferBudget, club.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert club: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreatePlayer(ctx context.Context, player *Player) error {
	if player.CreatedAt.IsZero() {
		player.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO players (id, name, position, club_id, market_value, listed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, player.ID, player.Name, player.Position, player.ClubID, player.MarketValue, player.Listed, player.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert player: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateOffer(ctx context.Context, offer *Offer) error {
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transfer_offers (id, player_id, from_club_id, to_club_id, amount, terms, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, offer.ID, offer.PlayerID, offer.FromClubID, offer.ToClubID,
		offer.Amount, offer.Terms, offer.Status, offer.CreatedAt, offer.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return nil
}

// UpdateOfferStatus is a compare-and-swap on the status column; a zero row
// count means either the offer is gone or someone else transitioned it first.
func (p *PostgresStore) UpdateOfferStatus(ctx context.Context, offerID, from, to string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transfer_offers SET status = $3 WHERE id = $1 AND status = $2
	`, offerID, from, to)
	if err != nil {
		return fmt.Errorf("failed to update offer status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := p.GetOffer(ctx, offerID); errors.Is(err, ErrOfferNotFound) {
			return ErrOfferNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) CreateTransfer(ctx context.Context, t *Transfer, a *Assessment) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	income, err := json.Marshal(t.Income)
	if err != nil {
		return fmt.Errorf("failed to encode income breakdown: %w", err)
	}
	expense, err := json.Marshal(t.Expense)
	if err != nil {
		return fmt.Errorf("failed to encode expense breakdown: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transfers (
			id, offer_id, player_id, seller_club_id, buyer_club_id, fee,
			income, expense, income_fingerprint, expense_fingerprint,
			state, failed_phase, is_validated, is_completed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, t.ID, t.OfferID, t.PlayerID, t.SellerClubID, t.BuyerClubID, t.Fee,
		income, expense, t.IncomeFingerprint, t.ExpenseFingerprint,
		t.State, t.FailedPhase, t.Validated, t.Completed, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	a.TransferID = t.ID
	_, err = tx.ExecContext(ctx, `
		INSERT INTO fraud_assessments (
			id, transfer_id, income_fingerprint, expense_fingerprint,
			similarity, legitimate, risk_tier, rationale, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.TransferID, a.IncomeFingerprint, a.ExpenseFingerprint,
		a.Similarity, a.Legitimate, a.RiskTier, a.Rationale, a.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert assessment: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) UpdateTransferState(ctx context.Context, transferID, state, failedPhase, ledgerRef string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transfers SET
			state        = $2,
			failed_phase = CASE WHEN $3 <> '' THEN $3 ELSE failed_phase END,
			ledger_ref   = CASE WHEN $4 <> '' THEN $4 ELSE ledger_ref END
		WHERE id = $1 AND is_completed = FALSE
	`, transferID, state, failedPhase, ledgerRef)
	if err != nil {
		return fmt.Errorf("failed to update transfer state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := p.GetTransfer(ctx, transferID); errors.Is(err, ErrTransferNotFound) {
			return ErrTransferNotFound
		}
		return ErrTransferCompleted
	}
	return nil
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (id, club_id, category, title, body, offer_id, transfer_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)
	`, n.ID, n.ClubID, n.Category, n.Title, n.Body, n.OfferID, n.TransferID, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, clubID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE WHERE id = $1 AND club_id = $2
	`, notificationID, clubID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// CommitSettlement applies the full settlement outcome in one serializable
// transaction. The transfer row is locked first; a completed flag already set
// aborts before any mutation.
func (p *PostgresStore) CommitSettlement(ctx context.Context, params CommitParams) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var completed bool
	err = tx.QueryRowContext(ctx, `
		SELECT is_completed FROM transfers WHERE id = $1 FOR UPDATE
	`, params.TransferID).Scan(&completed)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTransferNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock transfer: %w", err)
	}
	if completed {
		return ErrTransferCompleted
	}

	completedAt := params.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE transfers SET
			is_validated = TRUE,
			is_completed = TRUE,
			state        = $2,
			ledger_ref   = $3,
			completed_at = $4
		WHERE id = $1
	`, params.TransferID, TransferCompleted, params.LedgerRef, completedAt)
	if err != nil {
		return fmt.Errorf("failed to finalize transfer: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE players SET club_id = $2, listed = FALSE WHERE id = $1
	`, params.PlayerID, params.BuyerClubID)
	if err != nil {
		return fmt.Errorf("failed to reassign player: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrPlayerNotFound
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE clubs SET
			balance         = balance + $2,
			transfer_budget = transfer_budget + $2
		WHERE id = $1
	`, params.SellerClubID, params.IncomeTotal)
	if err != nil {
		return fmt.Errorf("failed to credit seller: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrClubNotFound
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE clubs SET
			balance         = balance - $2,
			transfer_budget = transfer_budget - $2
		WHERE id = $1
	`, params.BuyerClubID, params.ExpenseTotal)
	if err != nil {
		return fmt.Errorf("failed to debit buyer: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrClubNotFound
	}

	for _, n := range params.Notifications {
		createdAt := n.CreatedAt
		if createdAt.IsZero() {
			createdAt = completedAt
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO notifications (id, club_id, category, title, body, offer_id, transfer_id, read, created_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), FALSE, $8)
		`, n.ID, n.ClubID, n.Category, n.Title, n.Body, n.OfferID, n.TransferID, createdAt)
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
	}

	return tx.Commit()
}

var _ Store = (*PostgresStore)(nil)
