package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockFullPipeline(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	m.RegisterClub("0xseller", 5_000_000)
	m.RegisterClub("0xbuyer", 20_000_000)

	registered, err := m.IsClubRegistered(ctx, "0xseller")
	require.NoError(t, err)
	assert.True(t, registered)

	registered, err = m.IsClubRegistered(ctx, "0xstranger")
	require.NoError(t, err)
	assert.False(t, registered)

	result, err := m.ProposeTransfer(ctx, "0xseller", "0xbuyer", 42, 10_000_000, "1010101010")
	require.NoError(t, err)
	require.NotEmpty(t, result.Ref)

	status, err := m.TransferStatus(ctx, result.Ref)
	require.NoError(t, err)
	assert.Equal(t, StatusProposed, status)

	_, err = m.AcceptTransfer(ctx, result.Ref, "0xbuyer", "0101010101")
	require.NoError(t, err)

	status, err = m.TransferStatus(ctx, result.Ref)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, status)

	_, err = m.ValidateTransfer(ctx, result.Ref, true)
	require.NoError(t, err)

	status, err = m.TransferStatus(ctx, result.Ref)
	require.NoError(t, err)
	assert.Equal(t, StatusValidated, status)

	// Validation settles the fee between the simulated balances.
	sellerBal, err := m.SpendableBalance(ctx, "0xseller")
	require.NoError(t, err)
	assert.Equal(t, 0, sellerBal.Cmp(big.NewInt(15_000_000)))

	buyerBal, err := m.SpendableBalance(ctx, "0xbuyer")
	require.NoError(t, err)
	assert.Equal(t, 0, buyerBal.Cmp(big.NewInt(10_000_000)))
}

func TestMockProposePreconditions(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	m.RegisterClub("0xbuyer", 1_000_000)

	_, err := m.ProposeTransfer(ctx, "0xunknown", "0xbuyer", 1, 100, "1111111111")
	assert.ErrorIs(t, err, ErrNotRegistered)

	m.RegisterClub("0xbroke", 0)
	_, err = m.ProposeTransfer(ctx, "0xbroke", "0xbuyer", 1, 100, "1111111111")
	assert.ErrorIs(t, err, ErrNoSpendableBalance)

	m.RegisterClub("0xseller", 500)
	_, err = m.ProposeTransfer(ctx, "0xseller", "0xunknown", 1, 100, "1111111111")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestMockStepOrdering(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	m.RegisterClub("0xseller", 100)
	m.RegisterClub("0xbuyer", 100)

	// Validate before accept: state mismatch.
	result, err := m.ProposeTransfer(ctx, "0xseller", "0xbuyer", 7, 50, "0000011111")
	require.NoError(t, err)

	_, err = m.ValidateTransfer(ctx, result.Ref, true)
	assert.ErrorIs(t, err, ErrStateMismatch)

	// Accept by the wrong club: unauthorized.
	_, err = m.AcceptTransfer(ctx, result.Ref, "0xseller", "1111100000")
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Double accept: state mismatch.
	_, err = m.AcceptTransfer(ctx, result.Ref, "0xbuyer", "1111100000")
	require.NoError(t, err)
	_, err = m.AcceptTransfer(ctx, result.Ref, "0xbuyer", "1111100000")
	assert.ErrorIs(t, err, ErrStateMismatch)

	// Unknown reference.
	_, err = m.AcceptTransfer(ctx, "999", "0xbuyer", "1111100000")
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestMockFailureInjection(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	m.RegisterClub("0xseller", 100)
	m.RegisterClub("0xbuyer", 100)

	m.FailNext("propose", ErrUnavailable)
	_, err := m.ProposeTransfer(ctx, "0xseller", "0xbuyer", 1, 10, "1010101010")
	assert.ErrorIs(t, err, ErrUnavailable)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "propose", stepErr.Step)

	// Failure is consumed; the next call goes through.
	_, err = m.ProposeTransfer(ctx, "0xseller", "0xbuyer", 1, 10, "1010101010")
	assert.NoError(t, err)
}
