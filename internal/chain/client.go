// Package chain talks to the external confirmation network that witnesses
// every transfer. Settlement drives three remote calls per transfer: propose
// (seller), accept (buyer), validate (authority).
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// Typed errors for programmatic handling. ErrUnavailable marks transient
// network trouble (retryable); the rest are remote precondition failures.
var (
	ErrNotRegistered      = errors.New("chain: club not registered on confirmation network")
	ErrNoSpendableBalance = errors.New("chain: seller has no spendable balance on confirmation network")
	ErrStateMismatch      = errors.New("chain: remote transfer not in expected state")
	ErrUnauthorized       = errors.New("chain: caller not authorized for this step")
	ErrTransferNotFound   = errors.New("chain: transfer not found on confirmation network")
	ErrUnavailable        = errors.New("chain: confirmation network unavailable")
)

// StepError wraps step failures with context.
type StepError struct {
	Step   string // propose, accept, validate
	TxHash string // transaction hash if one was sent
	Err    error
}

func (e *StepError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Step, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RemoteStatus is the confirmation network's view of a transfer.
type RemoteStatus uint8

const (
	StatusUnknown RemoteStatus = iota
	StatusProposed
	StatusAccepted
	StatusValidated
)

func (s RemoteStatus) String() string {
	switch s {
	case StatusProposed:
		return "proposed"
	case StatusAccepted:
		return "accepted"
	case StatusValidated:
		return "validated"
	default:
		return "unknown"
	}
}

// StepResult reports a successful remote call.
type StepResult struct {
	Ref    string // network-assigned transfer reference
	TxHash string // transaction hash, empty for the simulator
}

// Client is the confirmation-network facade settlement runs against.
// Implementations: EthClient against a real JSON-RPC node, Mock for
// development and tests.
type Client interface {
	// IsClubRegistered reports whether the account is known to the network.
	IsClubRegistered(ctx context.Context, account string) (bool, error)

	// SpendableBalance returns the account's balance on the network.
	SpendableBalance(ctx context.Context, account string) (*big.Int, error)

	// ProposeTransfer registers intent, signed by the selling club.
	ProposeTransfer(ctx context.Context, sellerAccount, buyerAccount string,
		playerID int64, fee int64, incomeFingerprint string) (*StepResult, error)

	// AcceptTransfer confirms the proposal, signed by the buying club. The
	// remote transfer must still be in StatusProposed.
	AcceptTransfer(ctx context.Context, ref, buyerAccount string,
		expenseFingerprint string) (*StepResult, error)

	// ValidateTransfer finalizes the transfer, signed by the designated
	// authority. The remote transfer must be in StatusAccepted.
	ValidateTransfer(ctx context.Context, ref string, legitimate bool) (*StepResult, error)

	// TransferStatus returns the network's current view of the transfer.
	TransferStatus(ctx context.Context, ref string) (RemoteStatus, error)

	Close() error
}
