package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const testContract = "0x1111111111111111111111111111111111111111"

// fakeEth records broadcast transactions and mines them on request.
type fakeEth struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	logs     []types.Log
	status   uint64
	mined    bool
	gasErr   error
	sendErr  error
	released *big.Int
}

func (f *fakeEth) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeEth) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (f *fakeEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.gasErr != nil {
		return 0, f.gasErr
	}
	return 90000, nil
}

func (f *fakeEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	if f.mined && f.status == types.ReceiptStatusSuccessful {
		// Mirror the contract's Released(key, orderId, to, amount) log.
		data := tx.Data()
		f.logs = append(f.logs, types.Log{
			Address: *tx.To(),
			Topics:  []common.Hash{releasedTopic(), common.BytesToHash(data[4:36])},
			TxHash:  tx.Hash(),
		})
	}
	return nil
}

func (f *fakeEth) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mined {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, TxHash: hash, BlockNumber: big.NewInt(10)}, nil
}

func (f *fakeEth) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(f.released.Bytes(), 32), nil
}

func (f *fakeEth) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, l := range f.logs {
		if l.Topics[1] == q.Topics[1][0] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeEth) Close() {}

func releasedTopic() common.Hash {
	return crypto.Keccak256Hash([]byte("Released(bytes32,bytes32,address,uint256)"))
}

func newTestChainClient(t *testing.T, eth *fakeEth) *ChainClient {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := NewChainClient(ChainConfig{
		RPCURL:     "http://localhost:8545",
		PrivateKey: common.Bytes2Hex(crypto.FromECDSA(key)),
		ChainID:    84532,
		Contract:   testContract,
	}, WithEthClient(eth), WithPollInterval(time.Millisecond), WithChainLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("NewChainClient: %v", err)
	}
	return c
}

func chainReq(key string) ReleaseRequest {
	return ReleaseRequest{
		OrderID: "ord_1", Amount: dec("500.25"), Currency: "USD",
		Recipient: "seller", RecipientID: "0x2222222222222222222222222222222222222222", IdempotencyKey: key,
	}
}

func TestChainClient_ReleaseAndLookup(t *testing.T) {
	eth := &fakeEth{mined: true, status: types.ReceiptStatusSuccessful}
	c := newTestChainClient(t, eth)
	ctx := context.Background()

	ref, err := c.Release(ctx, chainReq("k1"))
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if len(eth.sent) != 1 || ref != eth.sent[0].Hash().Hex() {
		t.Fatalf("Expected tx hash of the broadcast transaction, got %s", ref)
	}

	args, err := c.abi.Methods["release"].Inputs.Unpack(eth.sent[0].Data()[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if amount := args[3].(*big.Int); amount.Cmp(big.NewInt(500_250_000)) != 0 {
		t.Errorf("Expected 500.25 in 6-decimal units, got %s", amount)
	}
	if to := args[2].(common.Address); to != common.HexToAddress("0x2222222222222222222222222222222222222222") {
		t.Errorf("Unexpected recipient %s", to.Hex())
	}

	// A replay finds the Released event instead of broadcasting again.
	again, err := c.Release(ctx, chainReq("k1"))
	if err != nil || again != ref {
		t.Errorf("Expected replay to return %s, got %s (%v)", ref, again, err)
	}
	if len(eth.sent) != 1 {
		t.Errorf("Replay broadcast a second transaction")
	}

	if got, found, _ := c.Lookup(ctx, "k1"); !found || got != ref {
		t.Errorf("Lookup: %s %v", got, found)
	}
	if _, found, _ := c.Lookup(ctx, "k2"); found {
		t.Error("Expected unknown key not found")
	}
}

func TestChainClient_Outcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("reverted receipt is rejected", func(t *testing.T) {
		c := newTestChainClient(t, &fakeEth{mined: true, status: types.ReceiptStatusFailed})
		if _, err := c.Release(ctx, chainReq("k1")); !IsRejected(err) {
			t.Errorf("Expected rejection, got %v", err)
		}
	})

	t.Run("estimation revert is rejected before broadcast", func(t *testing.T) {
		eth := &fakeEth{gasErr: errors.New("execution reverted: insufficient deposit")}
		c := newTestChainClient(t, eth)
		if _, err := c.Release(ctx, chainReq("k1")); !IsRejected(err) {
			t.Errorf("Expected rejection, got %v", err)
		}
		if len(eth.sent) != 0 {
			t.Error("Nothing should be broadcast")
		}
	})

	t.Run("unmined transaction is unknown", func(t *testing.T) {
		c := newTestChainClient(t, &fakeEth{})
		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := c.Release(tctx, chainReq("k1"))
		if !errors.Is(err, ErrOutcomeUnknown) {
			t.Errorf("Expected unknown outcome, got %v", err)
		}
	})

	t.Run("send failure is unknown", func(t *testing.T) {
		c := newTestChainClient(t, &fakeEth{sendErr: errors.New("connection reset")})
		if _, err := c.Release(ctx, chainReq("k1")); !errors.Is(err, ErrOutcomeUnknown) {
			t.Errorf("Expected unknown outcome, got %v", err)
		}
	})

	t.Run("unresolvable recipient is rejected", func(t *testing.T) {
		c := newTestChainClient(t, &fakeEth{})
		req := chainReq("k1")
		req.RecipientID = "seller-1"
		if _, err := c.Release(ctx, req); !IsRejected(err) {
			t.Errorf("Expected rejection, got %v", err)
		}
	})

	t.Run("sub-unit amount is rejected", func(t *testing.T) {
		c := newTestChainClient(t, &fakeEth{})
		req := chainReq("k1")
		req.Amount = dec("0.0000001")
		if _, err := c.Release(ctx, req); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Expected invalid amount, got %v", err)
		}
	})
}

func TestChainClient_ReleasedFor(t *testing.T) {
	c := newTestChainClient(t, &fakeEth{released: big.NewInt(750_500_000)})
	got, err := c.ReleasedFor(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("ReleasedFor failed: %v", err)
	}
	if !got.Equal(dec("750.5")) {
		t.Errorf("Expected 750.5, got %s", got)
	}
}

func TestNewChainClient_ValidatesConfig(t *testing.T) {
	_, err := NewChainClient(ChainConfig{RPCURL: "http://x", PrivateKey: "abc", ChainID: 1, Contract: testContract})
	if !errors.Is(err, ErrInvalidPrivateKey) {
		t.Errorf("Expected invalid key, got %v", err)
	}
	_, err = NewChainClient(ChainConfig{PrivateKey: "abc"})
	if !errors.Is(err, ErrRPCConnection) {
		t.Errorf("Expected RPC error, got %v", err)
	}
}
