// Package settlement drives the three-phase confirmation state machine that
// turns an accepted offer into a completed transfer: fraud gate, then
// propose/accept/validate against the confirmation network, then one atomic
// local commit.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/pitchside/transferdesk/internal/chain"
	"github.com/pitchside/transferdesk/internal/fraud"
	"github.com/pitchside/transferdesk/internal/idgen"
	"github.com/pitchside/transferdesk/internal/logging"
	"github.com/pitchside/transferdesk/internal/market"
	"github.com/pitchside/transferdesk/internal/metrics"
	"github.com/pitchside/transferdesk/internal/notify"
	"github.com/pitchside/transferdesk/internal/retry"
	"github.com/pitchside/transferdesk/internal/syncutil"
	"github.com/pitchside/transferdesk/internal/traces"
)

// Code classifies a settlement failure for callers.
type Code string

const (
	CodeValidationRejected   Code = "validation_rejected"
	CodeNotFound             Code = "not_found"
	CodeInvalidState         Code = "invalid_state"
	CodeBudgetExceeded       Code = "budget_exceeded"
	CodeExternalUnavailable  Code = "external_service_unavailable"
	CodeExternalPrecondition Code = "external_precondition_failed"
	CodePersistence          Code = "persistence_error"
)

// Settlement phases, reported on failure.
const (
	PhaseFraudCheck = "fraud_check"
	PhasePropose    = "propose"
	PhaseAccept     = "accept"
	PhaseValidate   = "validate"
	PhaseCommit     = "commit"
)

const (
	stepAttempts  = 3
	stepRetryBase = 2 * time.Second
)

// Result is the structured outcome of one settlement attempt. A failed
// attempt never partially succeeds from the caller's point of view; the one
// exception is ReconciliationRequired, which flags that the confirmation
// network holds state the local store does not reflect and an operator must
// resolve it.
type Result struct {
	Success                bool              `json:"success"`
	TransferID             string            `json:"transfer_id,omitempty"`
	LedgerRef              string            `json:"ledger_ref,omitempty"`
	State                  string            `json:"state"`
	FailedPhase            string            `json:"failed_phase,omitempty"`
	ReconciliationRequired bool              `json:"reconciliation_required,omitempty"`
	Assessment             *fraud.Assessment `json:"assessment,omitempty"`
	ErrorCode              Code              `json:"error_code,omitempty"`
	Message                string            `json:"message,omitempty"`
}

// Scorer is the fraud gate. Satisfied by *fraud.Scorer.
type Scorer interface {
	Score(sellerHistory, buyerHistory []fraud.FeatureRecord, current fraud.Proposal) (*fraud.Assessment, error)
}

// Coordinator runs settlements. Per-player locking serializes concurrent
// attempts for the same player; unrelated players settle in parallel.
type Coordinator struct {
	store        market.Store
	network      chain.Client
	scorer       Scorer
	emitter      *notify.Emitter
	logger       *slog.Logger
	locks        *syncutil.ContextShardedMutex
	stepTimeout  time.Duration
	historyDepth int
	attempts     int
	retryBase    time.Duration
	now          func() time.Time
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithStepTimeout sets the per-external-step timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.stepTimeout = d
		}
	}
}

// WithHistoryDepth sets how many completed transfers per club feed the
// fraud scorer.
func WithHistoryDepth(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.historyDepth = n
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithStepRetry overrides the retry policy for external steps and the
// final commit.
func WithStepRetry(attempts int, base time.Duration) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if base > 0 {
			c.retryBase = base
		}
	}
}

// NewCoordinator creates a settlement coordinator.
func NewCoordinator(store market.Store, network chain.Client, scorer Scorer,
	emitter *notify.Emitter, logger *slog.Logger, opts ...Option) *Coordinator {

	c := &Coordinator{
		store:        store,
		network:      network,
		scorer:       scorer,
		emitter:      emitter,
		logger:       logger,
		locks:        syncutil.NewContextShardedMutex(256),
		stepTimeout:  60 * time.Second,
		historyDepth: 10,
		attempts:     stepAttempts,
		retryBase:    stepRetryBase,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessParams describes one settlement request.
type ProcessParams struct {
	OfferID string
	Income  market.IncomeBreakdown
	Expense market.ExpenseBreakdown
}

// Process settles an accepted offer end to end. All failures come back as a
// structured Result; the error return is reserved for internal faults that
// have no classification.
func (c *Coordinator) Process(ctx context.Context, p ProcessParams) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.process", traces.OfferID(p.OfferID))
	defer span.End()
	started := c.now()

	offer, err := c.store.GetOffer(ctx, p.OfferID)
	if errors.Is(err, market.ErrOfferNotFound) {
		return failure(CodeNotFound, "", "offer not found"), nil
	}
	if err != nil {
		return failure(CodePersistence, "", "failed to load offer: "+err.Error()), nil
	}
	if offer.Status == market.OfferPending && offer.Expired(c.now()) {
		// Lazy sweep: expiry is persisted the first time someone touches the
		// stale offer. A lost race here just means another path swept it.
		if err := c.store.UpdateOfferStatus(ctx, offer.ID, market.OfferPending, market.OfferExpired); err != nil &&
			!errors.Is(err, market.ErrStatusConflict) {
			logging.L(ctx).Warn("failed to expire stale offer", "offer_id", offer.ID, "error", err)
		}
		return failure(CodeInvalidState, "", "offer expired"), nil
	}
	if offer.Status != market.OfferAccepted {
		return failure(CodeInvalidState, "",
			fmt.Sprintf("offer must be accepted to settle, status is %s", offer.Status)), nil
	}
	span.SetAttributes(traces.PlayerID(offer.PlayerID), traces.Fee(offer.Amount))

	// Idempotency fast path before taking the lock.
	if prior := c.priorAttempt(ctx, offer.ID); prior != nil {
		return prior, nil
	}

	// Serialize on the player for the whole pipeline.
	unlock, err := c.locks.LockContext(ctx, offer.PlayerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-check under the lock: a concurrent attempt for the same offer may
	// have persisted its transfer between the fast path and lock acquisition.
	if prior := c.priorAttempt(ctx, offer.ID); prior != nil {
		return prior, nil
	}

	player, err := c.store.GetPlayer(ctx, offer.PlayerID)
	if errors.Is(err, market.ErrPlayerNotFound) {
		return failure(CodeNotFound, "", "player not found"), nil
	}
	if err != nil {
		return failure(CodePersistence, "", "failed to load player: "+err.Error()), nil
	}
	// Re-check under the lock: a concurrent settlement for this player may
	// have moved them already.
	if player.ClubID != offer.ToClubID {
		return failure(CodeInvalidState, "",
			"player no longer belongs to the selling club"), nil
	}

	seller, err := c.store.GetClub(ctx, offer.ToClubID)
	if err != nil {
		return failure(CodeNotFound, "", "selling club not found"), nil
	}
	buyer, err := c.store.GetClub(ctx, offer.FromClubID)
	if err != nil {
		return failure(CodeNotFound, "", "buying club not found"), nil
	}

	expenseTotal := p.Expense.Total()
	if expenseTotal > buyer.TransferBudget {
		return failure(CodeBudgetExceeded, "",
			fmt.Sprintf("total expense %d exceeds buying club budget %d", expenseTotal, buyer.TransferBudget)), nil
	}

	// Fraud gate.
	assessment, err := c.assess(ctx, offer, player, seller, buyer, p)
	if err != nil {
		return nil, err
	}
	metrics.FraudAssessmentsTotal.WithLabelValues(assessment.RiskTier).Inc()
	metrics.FraudSimilarity.Observe(assessment.Similarity)

	if !assessment.Legitimate {
		metrics.SettlementsTotal.WithLabelValues("fraud_rejected").Inc()
		c.emitter.FraudRejected(ctx, offer, assessment.Rationale)
		logging.L(ctx).Warn("settlement blocked by fraud check",
			"offer_id", offer.ID,
			"similarity", assessment.Similarity,
			"risk_tier", assessment.RiskTier)
		return &Result{
			Success:    false,
			State:      market.TransferFraudRejected,
			Assessment: assessment,
			ErrorCode:  CodeValidationRejected,
			Message:    assessment.Rationale,
		}, nil
	}

	// Legitimate: persist the transfer and assessment, then start the
	// external pipeline.
	transfer := &market.Transfer{
		ID:                 idgen.WithPrefix("trf_"),
		OfferID:            offer.ID,
		PlayerID:           player.ID,
		SellerClubID:       seller.ID,
		BuyerClubID:        buyer.ID,
		Fee:                offer.Amount,
		Income:             p.Income,
		Expense:            p.Expense,
		IncomeFingerprint:  assessment.IncomeFingerprint,
		ExpenseFingerprint: assessment.ExpenseFingerprint,
		State:              market.TransferPending,
		CreatedAt:          c.now(),
	}
	assessment.ID = idgen.WithPrefix("frd_")
	if err := c.store.CreateTransfer(ctx, transfer, assessment); err != nil {
		return failure(CodePersistence, "", "failed to persist transfer: "+err.Error()), nil
	}
	span.SetAttributes(traces.TransferID(transfer.ID))

	result := c.runPipeline(ctx, transfer, player, seller, buyer, assessment)
	if result.Success {
		metrics.SettlementsTotal.WithLabelValues("completed").Inc()
		metrics.SettlementDuration.Observe(c.now().Sub(started).Seconds())
	} else if result.ReconciliationRequired {
		metrics.SettlementsTotal.WithLabelValues("reconciliation_required").Inc()
	} else {
		metrics.SettlementsTotal.WithLabelValues("failed").Inc()
	}
	return result, nil
}

// priorAttempt returns the terminal result for an earlier settlement attempt
// on the offer, or nil when no transfer exists for it. An offer settles at
// most once; a prior attempt that reached the external network is terminal
// either way.
func (c *Coordinator) priorAttempt(ctx context.Context, offerID string) *Result {
	prior, err := c.store.GetTransferByOffer(ctx, offerID)
	if err != nil {
		return nil
	}
	if prior.Completed {
		return &Result{
			Success:    false,
			TransferID: prior.ID,
			State:      prior.State,
			ErrorCode:  CodeInvalidState,
			Message:    "offer already settled",
		}
	}
	return &Result{
		Success:     false,
		TransferID:  prior.ID,
		State:       prior.State,
		FailedPhase: prior.FailedPhase,
		ErrorCode:   CodeInvalidState,
		Message:     fmt.Sprintf("previous settlement attempt left transfer in state %s", prior.State),
	}
}

// assess pulls both clubs' recent history and scores the proposal.
func (c *Coordinator) assess(ctx context.Context, offer *market.Offer, player *market.Player,
	seller, buyer *market.Club, p ProcessParams) (*fraud.Assessment, error) {

	sellerHistory, err := c.store.ListCompletedTransfers(ctx, seller.ID, market.RoleSeller, c.historyDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to load seller history: %w", err)
	}
	buyerHistory, err := c.store.ListCompletedTransfers(ctx, buyer.ID, market.RoleBuyer, c.historyDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to load buyer history: %w", err)
	}

	return c.scorer.Score(
		featureRecords(sellerHistory),
		featureRecords(buyerHistory),
		fraud.Proposal{
			Fee:             float64(offer.Amount),
			MarketValue:     float64(player.MarketValue),
			AdditionalCosts: float64(p.Expense.AdditionalCosts()),
		})
}

// featureRecords maps stored transfers to scorer inputs. Historical market
// values are not recorded per transfer; the scorer substitutes its
// conservative default for them.
func featureRecords(history []*market.Transfer) []fraud.FeatureRecord {
	out := make([]fraud.FeatureRecord, 0, len(history))
	for _, t := range history {
		out = append(out, fraud.FeatureRecord{
			Fee:             float64(t.Fee),
			AdditionalCosts: float64(t.Expense.AdditionalCosts()),
		})
	}
	return out
}

// runPipeline drives propose/accept/validate and the final atomic commit.
// The transfer row already exists; every exit path leaves it in a coherent
// terminal or intermediate state.
func (c *Coordinator) runPipeline(ctx context.Context, transfer *market.Transfer,
	player *market.Player, seller, buyer *market.Club, assessment *fraud.Assessment) *Result {

	log := logging.L(ctx).With("transfer_id", transfer.ID, "offer_id", transfer.OfferID)

	// --- Propose (as the selling club) ---
	var proposed *chain.StepResult
	err := c.step(ctx, PhasePropose, func(stepCtx context.Context) error {
		if err := c.checkProposePreconditions(stepCtx, seller, buyer); err != nil {
			return err
		}
		var err error
		proposed, err = c.network.ProposeTransfer(stepCtx, seller.Account, buyer.Account,
			playerNumericID(player.ID), transfer.Fee, transfer.IncomeFingerprint)
		return err
	})
	if err != nil {
		return c.fail(ctx, transfer, assessment, PhasePropose, err, false)
	}
	transfer.LedgerRef = proposed.Ref
	if err := c.store.UpdateTransferState(ctx, transfer.ID, market.TransferProposed, "", proposed.Ref); err != nil {
		// The network holds a proposal the store does not know about.
		log.Error("CRITICAL: proposed on network but failed to persist reference, manual reconciliation required",
			"ledger_ref", proposed.Ref, "error", err)
		return c.reconciliation(transfer, assessment, PhasePropose, err)
	}
	transfer.State = market.TransferProposed
	log.Info("transfer proposed on confirmation network", "ledger_ref", proposed.Ref)

	// --- Accept (as the buying club) ---
	err = c.step(ctx, PhaseAccept, func(stepCtx context.Context) error {
		status, err := c.network.TransferStatus(stepCtx, proposed.Ref)
		if err != nil {
			return err
		}
		if status != chain.StatusProposed {
			return fmt.Errorf("%w: expected proposed, network reports %s", chain.ErrStateMismatch, status)
		}
		_, err = c.network.AcceptTransfer(stepCtx, proposed.Ref, buyer.Account, transfer.ExpenseFingerprint)
		return err
	})
	if err != nil {
		return c.fail(ctx, transfer, assessment, PhaseAccept, err, true)
	}
	if err := c.store.UpdateTransferState(ctx, transfer.ID, market.TransferAcceptedOnLedger, "", ""); err != nil {
		log.Error("CRITICAL: accepted on network but failed to persist state, manual reconciliation required",
			"ledger_ref", proposed.Ref, "error", err)
		return c.reconciliation(transfer, assessment, PhaseAccept, err)
	}
	transfer.State = market.TransferAcceptedOnLedger
	log.Info("transfer accepted on confirmation network", "ledger_ref", proposed.Ref)

	// --- Validate (as the neutral authority) ---
	err = c.step(ctx, PhaseValidate, func(stepCtx context.Context) error {
		status, err := c.network.TransferStatus(stepCtx, proposed.Ref)
		if err != nil {
			return err
		}
		if status != chain.StatusAccepted {
			return fmt.Errorf("%w: expected accepted, network reports %s", chain.ErrStateMismatch, status)
		}
		_, err = c.network.ValidateTransfer(stepCtx, proposed.Ref, assessment.Legitimate)
		return err
	})
	if err != nil {
		return c.fail(ctx, transfer, assessment, PhaseValidate, err, true)
	}
	transfer.State = market.TransferValidated
	log.Info("transfer validated on confirmation network", "ledger_ref", proposed.Ref)

	// --- Atomic local commit ---
	completedAt := c.now()
	params := market.CommitParams{
		TransferID:    transfer.ID,
		LedgerRef:     proposed.Ref,
		PlayerID:      player.ID,
		SellerClubID:  seller.ID,
		BuyerClubID:   buyer.ID,
		IncomeTotal:   transfer.Income.Total(),
		ExpenseTotal:  transfer.Expense.Total(),
		CompletedAt:   completedAt,
		Notifications: notify.CompletionNotifications(transfer, player.Name),
	}
	err = retry.Do(ctx, c.attempts, c.retryBase, func() error {
		commitErr := c.store.CommitSettlement(ctx, params)
		if errors.Is(commitErr, market.ErrTransferCompleted) {
			return retry.Permanent(commitErr)
		}
		return commitErr
	})
	if errors.Is(err, market.ErrTransferCompleted) {
		return &Result{
			Success:    false,
			TransferID: transfer.ID,
			State:      market.TransferCompleted,
			ErrorCode:  CodeInvalidState,
			Message:    "transfer already completed",
		}
	}
	if err != nil {
		// Validated externally but the local books never moved.
		log.Error("CRITICAL: validated on network but local commit failed, manual reconciliation required",
			"ledger_ref", proposed.Ref, "error", err)
		return c.reconciliation(transfer, assessment, PhaseCommit, err)
	}

	transfer.State = market.TransferCompleted
	transfer.Completed = true
	transfer.Validated = true
	transfer.CompletedAt = &completedAt
	c.emitter.SettlementCompleted(transfer)

	log.Info("settlement completed",
		"ledger_ref", proposed.Ref,
		"income_total", params.IncomeTotal,
		"expense_total", params.ExpenseTotal)

	return &Result{
		Success:    true,
		TransferID: transfer.ID,
		LedgerRef:  proposed.Ref,
		State:      market.TransferCompleted,
		Assessment: assessment,
	}
}

// checkProposePreconditions verifies both counterparties are known to the
// network and the seller has something to spend.
func (c *Coordinator) checkProposePreconditions(ctx context.Context, seller, buyer *market.Club) error {
	for _, club := range []*market.Club{seller, buyer} {
		registered, err := c.network.IsClubRegistered(ctx, club.Account)
		if err != nil {
			return err
		}
		if !registered {
			return fmt.Errorf("%w: club %s (account %s)", chain.ErrNotRegistered, club.ID, club.Account)
		}
	}
	balance, err := c.network.SpendableBalance(ctx, seller.Account)
	if err != nil {
		return err
	}
	if balance.Sign() <= 0 {
		return fmt.Errorf("%w: club %s", chain.ErrNoSpendableBalance, seller.ID)
	}
	return nil
}

// step runs one external call with a per-step timeout, retrying transient
// network failures only.
func (c *Coordinator) step(ctx context.Context, phase string, fn func(context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "settlement."+phase, traces.Step(phase))
	defer span.End()
	started := c.now()
	err := retry.Do(ctx, c.attempts, c.retryBase, func() error {
		stepCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			if retryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SettlementStepDuration.WithLabelValues(phase, result).Observe(c.now().Sub(started).Seconds())
	return err
}

func retryable(err error) bool {
	return errors.Is(err, chain.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// fail records a terminal step failure. partialExternal marks failures after
// a successful propose, where the confirmation network holds state the local
// books do not reflect.
func (c *Coordinator) fail(ctx context.Context, transfer *market.Transfer,
	assessment *fraud.Assessment, phase string, stepErr error, partialExternal bool) *Result {

	if err := c.store.UpdateTransferState(ctx, transfer.ID, market.TransferFailed, phase, transfer.LedgerRef); err != nil {
		c.logger.Error("failed to record settlement failure",
			"transfer_id", transfer.ID, "phase", phase, "error", err)
	}
	transfer.State = market.TransferFailed
	transfer.FailedPhase = phase

	message := fmt.Sprintf("settlement failed at %s: %v", phase, stepErr)
	c.emitter.SettlementFailed(ctx, transfer, message)

	logging.L(ctx).Warn("settlement failed",
		"transfer_id", transfer.ID,
		"phase", phase,
		"reconciliation_required", partialExternal,
		"error", stepErr)
	if partialExternal {
		logging.L(ctx).Error("CRITICAL: confirmation network holds partial state for failed settlement, manual reconciliation required",
			"transfer_id", transfer.ID,
			"ledger_ref", transfer.LedgerRef,
			"phase", phase)
	}

	return &Result{
		Success:                false,
		TransferID:             transfer.ID,
		LedgerRef:              transfer.LedgerRef,
		State:                  market.TransferFailed,
		FailedPhase:            phase,
		ReconciliationRequired: partialExternal,
		Assessment:             assessment,
		ErrorCode:              classify(stepErr),
		Message:                message,
	}
}

// reconciliation builds the distinct "intermediate state" outcome for
// failures where the network succeeded but local persistence did not.
func (c *Coordinator) reconciliation(transfer *market.Transfer,
	assessment *fraud.Assessment, phase string, err error) *Result {

	return &Result{
		Success:                false,
		TransferID:             transfer.ID,
		LedgerRef:              transfer.LedgerRef,
		State:                  transfer.State,
		FailedPhase:            phase,
		ReconciliationRequired: true,
		Assessment:             assessment,
		ErrorCode:              CodePersistence,
		Message:                fmt.Sprintf("settlement left in intermediate state at %s: %v", phase, err),
	}
}

// classify maps chain errors onto the caller-facing taxonomy.
func classify(err error) Code {
	switch {
	case errors.Is(err, chain.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return CodeExternalUnavailable
	case errors.Is(err, chain.ErrNotRegistered),
		errors.Is(err, chain.ErrNoSpendableBalance),
		errors.Is(err, chain.ErrStateMismatch),
		errors.Is(err, chain.ErrUnauthorized),
		errors.Is(err, chain.ErrTransferNotFound):
		return CodeExternalPrecondition
	default:
		return CodeExternalUnavailable
	}
}

func failure(code Code, phase, message string) *Result {
	return &Result{
		Success:     false,
		FailedPhase: phase,
		ErrorCode:   code,
		Message:     message,
	}
}

// playerNumericID derives the numeric identity the registry contract expects
// from the player's string id. Stable across calls for the same player.
func playerNumericID(playerID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(playerID))
	return int64(h.Sum32() % 1_000_000)
}
