package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Transfer registry contract ABI, propose/accept/validate plus the views the
// precondition checks need.
const registryABI = `[
	{"constant":false,"inputs":[{"name":"buyer","type":"address"},{"name":"playerId","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"incomeFingerprint","type":"string"}],"name":"proposeTransfer","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"transferId","type":"uint256"},{"name":"expenseFingerprint","type":"string"}],"name":"acceptTransfer","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"transferId","type":"uint256"},{"name":"legitimate","type":"bool"}],"name":"validateTransfer","outputs":[],"type":"function"},
	{"constant":true,"inputs":[{"name":"transferId","type":"uint256"}],"name":"getTransferStatus","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"club","type":"address"}],"name":"isClubRegistered","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"club","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"transferCount","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	// DefaultGasLimit when estimation fails.
	DefaultGasLimit = uint64(300000)
	// ReceiptPollInterval between receipt checks while waiting for mining.
	ReceiptPollInterval = 2 * time.Second
)

// RPC abstracts the go-ethereum client for testing.
type RPC interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Keyring resolves the signing key for a club account.
type Keyring interface {
	Key(account string) (*ecdsa.PrivateKey, error)
}

// StaticKeyring holds club keys loaded at startup from configuration.
type StaticKeyring struct {
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewStaticKeyring parses a JSON map of account address -> hex private key.
func NewStaticKeyring(clubKeysJSON string) (*StaticKeyring, error) {
	raw := map[string]string{}
	if clubKeysJSON != "" {
		if err := json.Unmarshal([]byte(clubKeysJSON), &raw); err != nil {
			return nil, fmt.Errorf("chain: invalid CLUB_KEYS: %w", err)
		}
	}
	keys := make(map[common.Address]*ecdsa.PrivateKey, len(raw))
	for account, hexKey := range raw {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("chain: invalid key for account %s: %w", account, err)
		}
		keys[common.HexToAddress(account)] = key
	}
	return &StaticKeyring{keys: keys}, nil
}

func (k *StaticKeyring) Key(account string) (*ecdsa.PrivateKey, error) {
	key, ok := k.keys[common.HexToAddress(account)]
	if !ok {
		return nil, fmt.Errorf("%w: no signing key for account %s", ErrUnauthorized, account)
	}
	return key, nil
}

// Config for the registry client.
type Config struct {
	RPCURL          string
	ChainID         int64
	ContractAddress string
	AuthorityKey    string // hex private key of the validating authority
}

// Option configures the client.
type Option func(*EthClient)

// WithRPC sets a custom RPC client (tests).
func WithRPC(rpc RPC) Option {
	return func(c *EthClient) { c.rpc = rpc }
}

// EthClient drives the transfer registry contract over JSON-RPC. Each step
// is signed by its role: propose by the seller, accept by the buyer,
// validate by the authority.
type EthClient struct {
	rpc          RPC
	keyring      Keyring
	authorityKey *ecdsa.PrivateKey
	chainID      *big.Int
	contract     common.Address
	abi          abi.ABI
}

var _ Client = (*EthClient)(nil)

// NewEthClient connects to the confirmation network.
func NewEthClient(cfg Config, keyring Keyring, opts ...Option) (*EthClient, error) {
	if cfg.ContractAddress == "" {
		return nil, errors.New("chain: contract address required")
	}
	authorityKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.AuthorityKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid authority key: %w", err)
	}
	parsedABI, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("chain: failed to parse registry ABI: %w", err)
	}

	c := &EthClient{
		keyring:      keyring,
		authorityKey: authorityKey,
		chainID:      big.NewInt(cfg.ChainID),
		contract:     common.HexToAddress(cfg.ContractAddress),
		abi:          parsedABI,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.rpc == nil {
		rpc, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		c.rpc = rpc
	}
	return c, nil
}

func (c *EthClient) IsClubRegistered(ctx context.Context, account string) (bool, error) {
	out, err := c.view(ctx, "isClubRegistered", common.HexToAddress(account))
	if err != nil {
		return false, err
	}
	registered, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: unexpected isClubRegistered result %T", out[0])
	}
	return registered, nil
}

func (c *EthClient) SpendableBalance(ctx context.Context, account string) (*big.Int, error) {
	out, err := c.view(ctx, "balanceOf", common.HexToAddress(account))
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unexpected balanceOf result %T", out[0])
	}
	return balance, nil
}

func (c *EthClient) ProposeTransfer(ctx context.Context, sellerAccount, buyerAccount string,
	playerID int64, fee int64, incomeFingerprint string) (*StepResult, error) {

	key, err := c.keyring.Key(sellerAccount)
	if err != nil {
		return nil, &StepError{Step: "propose", Err: err}
	}

	data, err := c.abi.Pack("proposeTransfer",
		common.HexToAddress(buyerAccount), big.NewInt(playerID), big.NewInt(fee), incomeFingerprint)
	if err != nil {
		return nil, &StepError{Step: "propose", Err: err}
	}

	txHash, err := c.sendTx(ctx, key, data)
	if err != nil {
		return nil, &StepError{Step: "propose", TxHash: txHash, Err: err}
	}

	// The contract assigns sequential ids; the one just created is count-1.
	out, err := c.view(ctx, "transferCount")
	if err != nil {
		return nil, &StepError{Step: "propose", TxHash: txHash, Err: err}
	}
	count, ok := out[0].(*big.Int)
	if !ok || count.Sign() == 0 {
		return nil, &StepError{Step: "propose", TxHash: txHash,
			Err: fmt.Errorf("chain: could not resolve transfer reference")}
	}
	ref := new(big.Int).Sub(count, big.NewInt(1))

	return &StepResult{Ref: ref.String(), TxHash: txHash}, nil
}

func (c *EthClient) AcceptTransfer(ctx context.Context, ref, buyerAccount string, expenseFingerprint string) (*StepResult, error) {
	key, err := c.keyring.Key(buyerAccount)
	if err != nil {
		return nil, &StepError{Step: "accept", Err: err}
	}

	refID, err := parseRef(ref)
	if err != nil {
		return nil, &StepError{Step: "accept", Err: err}
	}

	data, err := c.abi.Pack("acceptTransfer", refID, expenseFingerprint)
	if err != nil {
		return nil, &StepError{Step: "accept", Err: err}
	}

	txHash, err := c.sendTx(ctx, key, data)
	if err != nil {
		return nil, &StepError{Step: "accept", TxHash: txHash, Err: err}
	}
	return &StepResult{Ref: ref, TxHash: txHash}, nil
}

func (c *EthClient) ValidateTransfer(ctx context.Context, ref string, legitimate bool) (*StepResult, error) {
	refID, err := parseRef(ref)
	if err != nil {
		return nil, &StepError{Step: "validate", Err: err}
	}

	data, err := c.abi.Pack("validateTransfer", refID, legitimate)
	if err != nil {
		return nil, &StepError{Step: "validate", Err: err}
	}

	txHash, err := c.sendTx(ctx, c.authorityKey, data)
	if err != nil {
		return nil, &StepError{Step: "validate", TxHash: txHash, Err: err}
	}
	return &StepResult{Ref: ref, TxHash: txHash}, nil
}

func (c *EthClient) TransferStatus(ctx context.Context, ref string) (RemoteStatus, error) {
	refID, err := parseRef(ref)
	if err != nil {
		return StatusUnknown, err
	}
	out, err := c.view(ctx, "getTransferStatus", refID)
	if err != nil {
		return StatusUnknown, err
	}
	raw, ok := out[0].(uint8)
	if !ok {
		return StatusUnknown, fmt.Errorf("chain: unexpected getTransferStatus result %T", out[0])
	}

	// Contract enum: 0 proposed, 1 accepted, 2 validated.
	switch raw {
	case 0:
		return StatusProposed, nil
	case 1:
		return StatusAccepted, nil
	case 2:
		return StatusValidated, nil
	default:
		return StatusUnknown, nil
	}
}

func (c *EthClient) Close() error {
	if c.rpc != nil {
		c.rpc.Close()
	}
	return nil
}

// view executes a read-only contract call and unpacks the result.
func (c *EthClient) view(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: failed to pack %s call: %w", method, err)
	}
	result, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s call: %v", ErrUnavailable, method, err)
	}
	out, err := c.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("chain: failed to unpack %s result: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: empty %s result", method)
	}
	return out, nil
}

// sendTx signs, submits, and waits for a contract call transaction. It
// returns the transaction hash even on failure so callers can report it.
func (c *EthClient) sendTx(ctx context.Context, key *ecdsa.PrivateKey, data []byte) (string, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrUnavailable, err)
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price: %v", ErrUnavailable, err)
	}
	gasLimit, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{
		From: from, To: &c.contract, Value: big.NewInt(0), Data: data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		return "", fmt.Errorf("chain: failed to sign transaction: %w", err)
	}

	if err := c.rpc.SendTransaction(ctx, signedTx); err != nil {
		return signedTx.Hash().Hex(), fmt.Errorf("%w: send: %v", ErrUnavailable, err)
	}

	hash := signedTx.Hash()
	if err := c.waitMined(ctx, hash); err != nil {
		return hash.Hex(), err
	}
	return hash.Hex(), nil
}

// waitMined polls for the receipt until the context expires. A reverted
// transaction surfaces as a state mismatch: preconditions are checked before
// sending, so a revert means the remote state moved underneath us.
func (c *EthClient) waitMined(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: timed out waiting for tx %s", ErrUnavailable, hash.Hex())
			}
			return ctx.Err()
		case <-ticker.C:
			receipt, err := c.rpc.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting
				continue
			}
			if receipt.Status == 0 {
				return fmt.Errorf("%w: transaction reverted", ErrStateMismatch)
			}
			return nil
		}
	}
}

func parseRef(ref string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(ref, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed reference %q", ErrTransferNotFound, ref)
	}
	return id, nil
}
