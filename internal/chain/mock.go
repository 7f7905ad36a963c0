package chain

import (
	"context"
	"math/big"
	"strconv"
	"sync"
)

type mockTransfer struct {
	seller   string
	buyer    string
	playerID int64
	fee      int64
	status   RemoteStatus
}

// Mock simulates the confirmation network in memory. It enforces the same
// preconditions as the real contract (registration, balance, step ordering)
// so development mode exercises the full settlement pipeline.
type Mock struct {
	mu        sync.Mutex
	accounts  map[string]*big.Int // registered account -> balance
	transfers map[string]*mockTransfer
	nextRef   int64

	// failures maps a step name to an error returned on the next call to
	// that step; consumed once. Test hook.
	failures map[string]error
}

// NewMock creates an empty simulated network.
func NewMock() *Mock {
	return &Mock{
		accounts:  make(map[string]*big.Int),
		transfers: make(map[string]*mockTransfer),
		failures:  make(map[string]error),
	}
}

// RegisterClub adds an account with the given balance.
func (m *Mock) RegisterClub(account string, balance int64) {
	m.mu.Lock()
	m.accounts[account] = big.NewInt(balance)
	m.mu.Unlock()
}

// FailNext arranges for the next call to step ("propose", "accept",
// "validate") to return err.
func (m *Mock) FailNext(step string, err error) {
	m.mu.Lock()
	m.failures[step] = err
	m.mu.Unlock()
}

func (m *Mock) takeFailure(step string) error {
	if err, ok := m.failures[step]; ok {
		delete(m.failures, step)
		return err
	}
	return nil
}

func (m *Mock) IsClubRegistered(ctx context.Context, account string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[account]
	return ok, nil
}

func (m *Mock) SpendableBalance(ctx context.Context, account string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.accounts[account]
	if !ok {
		return nil, ErrNotRegistered
	}
	return new(big.Int).Set(bal), nil
}

func (m *Mock) ProposeTransfer(ctx context.Context, sellerAccount, buyerAccount string,
	playerID int64, fee int64, incomeFingerprint string) (*StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("propose"); err != nil {
		return nil, &StepError{Step: "propose", Err: err}
	}

	seller, ok := m.accounts[sellerAccount]
	if !ok {
		return nil, &StepError{Step: "propose", Err: ErrNotRegistered}
	}
	if _, ok := m.accounts[buyerAccount]; !ok {
		return nil, &StepError{Step: "propose", Err: ErrNotRegistered}
	}
	if seller.Sign() <= 0 {
		return nil, &StepError{Step: "propose", Err: ErrNoSpendableBalance}
	}

	m.nextRef++
	ref := strconv.FormatInt(m.nextRef, 10)
	m.transfers[ref] = &mockTransfer{
		seller:   sellerAccount,
		buyer:    buyerAccount,
		playerID: playerID,
		fee:      fee,
		status:   StatusProposed,
	}
	return &StepResult{Ref: ref}, nil
}

func (m *Mock) AcceptTransfer(ctx context.Context, ref, buyerAccount string, expenseFingerprint string) (*StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("accept"); err != nil {
		return nil, &StepError{Step: "accept", Err: err}
	}

	t, ok := m.transfers[ref]
	if !ok {
		return nil, &StepError{Step: "accept", Err: ErrTransferNotFound}
	}
	if t.status != StatusProposed {
		return nil, &StepError{Step: "accept", Err: ErrStateMismatch}
	}
	if t.buyer != buyerAccount {
		return nil, &StepError{Step: "accept", Err: ErrUnauthorized}
	}
	t.status = StatusAccepted
	return &StepResult{Ref: ref}, nil
}

func (m *Mock) ValidateTransfer(ctx context.Context, ref string, legitimate bool) (*StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("validate"); err != nil {
		return nil, &StepError{Step: "validate", Err: err}
	}

	t, ok := m.transfers[ref]
	if !ok {
		return nil, &StepError{Step: "validate", Err: ErrTransferNotFound}
	}
	if t.status != StatusAccepted {
		return nil, &StepError{Step: "validate", Err: ErrStateMismatch}
	}
	t.status = StatusValidated

	// Move the fee between the simulated balances so repeat runs against
	// the simulator show declining buyer funds.
	fee := big.NewInt(t.fee)
	if buyer, ok := m.accounts[t.buyer]; ok {
		buyer.Sub(buyer, fee)
	}
	if seller, ok := m.accounts[t.seller]; ok {
		seller.Add(seller, fee)
	}

	return &StepResult{Ref: ref}, nil
}

func (m *Mock) TransferStatus(ctx context.Context, ref string) (RemoteStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[ref]
	if !ok {
		return StatusUnknown, ErrTransferNotFound
	}
	return t.status, nil
}

func (m *Mock) Close() error { return nil }

var _ Client = (*Mock)(nil)
