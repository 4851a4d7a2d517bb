package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// escrowABI is the subset of the trade escrow contract the client calls.
// release reverts when the key was already used or the order's deposit
// cannot cover the amount.
const escrowABI = `[
	{"inputs":[{"name":"key","type":"bytes32"},{"name":"orderId","type":"bytes32"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"orderId","type":"bytes32"}],"name":"releasedOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"key","type":"bytes32"},{"indexed":true,"name":"orderId","type":"bytes32"},{"indexed":false,"name":"to","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"Released","type":"event"}
]`

const (
	// DefaultTokenDecimals matches USDC-style stablecoins.
	DefaultTokenDecimals = 6

	// DefaultGasLimit for release calls when estimation is unavailable.
	DefaultGasLimit = uint64(150000)

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

var (
	ErrInvalidPrivateKey = errors.New("ledger: invalid private key")
	ErrRPCConnection     = errors.New("ledger: RPC connection failed")
)

// EthClient abstracts go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// AddressResolver maps a trade party's client id to its payout address.
type AddressResolver func(ctx context.Context, clientID string) (common.Address, error)

// HexAddressResolver accepts client ids that are themselves addresses.
func HexAddressResolver(_ context.Context, clientID string) (common.Address, error) {
	if !common.IsHexAddress(clientID) {
		return common.Address{}, fmt.Errorf("no payout address for %q", clientID)
	}
	return common.HexToAddress(clientID), nil
}

// ChainConfig configures a ChainClient.
type ChainConfig struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x
	ChainID    int64
	Contract   string
	Decimals   int32
	// FromBlock bounds release-event lookups; the contract's deploy block.
	FromBlock uint64
}

// ChainOption configures a ChainClient.
type ChainOption func(*ChainClient)

// WithEthClient sets a custom Ethereum client (useful for testing).
func WithEthClient(client EthClient) ChainOption {
	return func(c *ChainClient) { c.client = client }
}

// WithAddressResolver sets how recipients are mapped to addresses.
func WithAddressResolver(r AddressResolver) ChainOption {
	return func(c *ChainClient) { c.resolve = r }
}

// WithPollInterval sets how often receipts are polled.
func WithPollInterval(d time.Duration) ChainOption {
	return func(c *ChainClient) { c.poll = d }
}

// WithChainLogger sets the logger.
func WithChainLogger(l *slog.Logger) ChainOption {
	return func(c *ChainClient) { c.logger = l }
}

// ChainClient releases escrowed funds held by an on-chain escrow contract.
// The idempotency key is hashed into the contract call, so the contract
// itself refuses a second release under the same key.
type ChainClient struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
	decimals   int32
	fromBlock  *big.Int
	resolve    AddressResolver
	poll       time.Duration
	logger     *slog.Logger
}

// NewChainClient creates a new ChainClient.
func NewChainClient(cfg ChainConfig, opts ...ChainOption) (*ChainClient, error) {
	if err := validateChainConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	decimals := cfg.Decimals
	if decimals <= 0 {
		decimals = DefaultTokenDecimals
	}

	c := &ChainClient{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.Contract),
		abi:        parsedABI,
		decimals:   decimals,
		fromBlock:  new(big.Int).SetUint64(cfg.FromBlock),
		resolve:    HexAddressResolver,
		poll:       ConfirmationPollInterval,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}
	return c, nil
}

func validateChainConfig(cfg ChainConfig) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("ledger: chain ID required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return errors.New("ledger: escrow contract address required")
	}
	return nil
}

// Address returns the operator address that signs releases.
func (c *ChainClient) Address() string {
	return c.address.Hex()
}

// Ping checks the RPC endpoint.
func (c *ChainClient) Ping(ctx context.Context) error {
	_, err := c.client.SuggestGasPrice(ctx)
	return err
}

// Close releases the RPC connection.
func (c *ChainClient) Close() {
	c.client.Close()
}

func keyHash(s string) common.Hash {
	return crypto.Keccak256Hash([]byte(s))
}

// Release implements Client.
func (c *ChainClient) Release(ctx context.Context, req ReleaseRequest) (txRef string, err error) {
	defer func() { RemoteCallsTotal.WithLabelValues("chain", remoteResult(err)).Inc() }()

	if ref, found, err := c.Lookup(ctx, req.IdempotencyKey); err != nil {
		return "", fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	} else if found {
		return ref, nil
	}

	to, err := c.resolve(ctx, req.RecipientID)
	if err != nil {
		return "", reject(err)
	}
	units := req.Amount.Shift(c.decimals)
	if !req.Amount.IsPositive() || !units.IsInteger() {
		return "", reject(fmt.Errorf("%w: %s not representable with %d decimals", ErrInvalidAmount, req.Amount, c.decimals))
	}

	data, err := c.abi.Pack("release", keyHash(req.IdempotencyKey), keyHash(req.OrderID), to, units.BigInt())
	if err != nil {
		return "", reject(fmt.Errorf("pack release: %w", err))
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", reject(fmt.Errorf("nonce: %w", err))
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", reject(fmt.Errorf("gas price: %w", err))
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.address, To: &c.contract, Value: big.NewInt(0), Data: data,
	})
	if err != nil {
		if strings.Contains(err.Error(), "revert") {
			return "", reject(fmt.Errorf("release would revert: %w", err))
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return "", reject(fmt.Errorf("sign: %w", err))
	}
	hash := signedTx.Hash()

	// Once broadcast, only a mined receipt settles the outcome.
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("%w: send %s: %w", ErrOutcomeUnknown, hash.Hex(), err)
	}
	c.logger.Info("escrow release broadcast", "order_id", req.OrderID, "tx_hash", hash.Hex(),
		"to", to.Hex(), "amount", req.Amount.String())

	receipt, err := c.waitForReceipt(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("%w: waiting for %s: %w", ErrOutcomeUnknown, hash.Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return "", reject(fmt.Errorf("release %s reverted", hash.Hex()))
	}
	return hash.Hex(), nil
}

func (c *ChainClient) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("receipt lookup failed", "tx_hash", hash.Hex(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Lookup implements Client by searching the contract's Released events.
func (c *ChainClient) Lookup(ctx context.Context, key string) (string, bool, error) {
	event := c.abi.Events["Released"]
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: c.fromBlock,
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{event.ID}, {keyHash(key)}},
	})
	if err != nil {
		return "", false, fmt.Errorf("ledger: filter release logs: %w", err)
	}
	for _, l := range logs {
		if !l.Removed {
			return l.TxHash.Hex(), true, nil
		}
	}
	return "", false, nil
}

// ReleasedFor implements Auditor.
func (c *ChainClient) ReleasedFor(ctx context.Context, orderID string) (decimal.Decimal, error) {
	data, err := c.abi.Pack("releasedOf", keyHash(orderID))
	if err != nil {
		return decimal.Zero, err
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: call releasedOf: %w", err)
	}
	units := new(big.Int).SetBytes(result)
	return decimal.NewFromBigInt(units, -c.decimals), nil
}

var (
	_ Client  = (*ChainClient)(nil)
	_ Auditor = (*ChainClient)(nil)
)
