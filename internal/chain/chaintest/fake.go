// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrNotFound = ethereum.NotFound

// Client is a scriptable fake ledger.
type Client struct {
	mu sync.Mutex

	ID       *big.Int
	Nonce    uint64
	BaseFee  *big.Int
	Head     uint64
	Balances map[common.Address]*big.Int
	Gas      uint64
	GasErr   error
	CallFn   func(msg ethereum.CallMsg) ([]byte, error)
	SendFn   func(tx *types.Transaction) error
	Receipts map[common.Hash]*types.Receipt
	Pending  map[common.Hash]*types.Transaction

	Sent []*types.Transaction
}

// New returns a fake on chainID with base fee 30 gwei and nonce 0.
func New(chainID int64) *Client {
	return &Client{
		ID:       big.NewInt(chainID),
		BaseFee:  big.NewInt(30_000_000_000),
		Head:     100,
		Balances: map[common.Address]*big.Int{},
		Gas:      60_000,
		Receipts: map[common.Hash]*types.Receipt{},
		Pending:  map[common.Hash]*types.Transaction{},
	}
}

func (c *Client) SetNonce(n uint64) {
	c.mu.Lock()
	c.Nonce = n
	c.mu.Unlock()
}

func (c *Client) SetHead(n uint64) {
	c.mu.Lock()
	c.Head = n
	c.mu.Unlock()
}

// Include stores a receipt for hash with the given status.
func (c *Client) Include(hash common.Hash, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Receipts[hash] = &types.Receipt{TxHash: hash, Status: status, BlockNumber: new(big.Int).SetUint64(c.Head)}
}

// Drop evicts hash from the fake mempool as a node does for a
// replaced or timed-out transaction.
func (c *Client) Drop(hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Pending, hash)
}

func (c *Client) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sent)
}

// SentTxs returns a copy of every accepted transaction in send order.
func (c *Client) SentTxs() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.Sent...)
}

func (c *Client) ChainID(context.Context) (*big.Int, error) { return new(big.Int).Set(c.ID), nil }

func (c *Client) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Nonce, nil
}

func (c *Client) NonceAt(ctx context.Context, a common.Address, _ *big.Int) (uint64, error) {
	return c.PendingNonceAt(ctx, a)
}

func (c *Client) BalanceAt(_ context.Context, a common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.Balances[a]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (c *Client) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(c.Head), BaseFee: new(big.Int).Set(c.BaseFee)}, nil
}

func (c *Client) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	fn := c.SendFn
	c.mu.Unlock()
	if fn != nil {
		if err := fn(tx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.Sent = append(c.Sent, tx)
	c.Pending[tx.Hash()] = tx
	c.mu.Unlock()
	return nil
}

func (c *Client) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx, ok := c.Pending[h]; ok {
		_, mined := c.Receipts[h]
		return tx, !mined, nil
	}
	return nil, false, ErrNotFound
}

func (c *Client) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.Receipts[h]; ok {
		return r, nil
	}
	return nil, ErrNotFound
}

func (c *Client) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.GasErr != nil {
		return 0, c.GasErr
	}
	return c.Gas, nil
}

func (c *Client) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	fn := c.CallFn
	c.mu.Unlock()
	if fn == nil {
		return nil, errors.New("execution reverted")
	}
	return fn(msg)
}
