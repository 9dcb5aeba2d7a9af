package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/flashbots"
)

// Channel is one independent path into the network.
type Channel interface {
	Name() string
	Send(ctx context.Context, tx *types.Transaction) (common.Hash, error)
}

// privateChannel is implemented by channels that skip the public mempool;
// the fanout starts them first.
type privateChannel interface {
	Private() bool
}

// RPCChannel submits through eth_sendRawTransaction on a node.
type RPCChannel struct {
	Label  string
	Client chain.Client
}

func (c RPCChannel) Name() string { return c.Label }

func (c RPCChannel) Send(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	if err := c.Client.SendTransaction(ctx, tx); err != nil {
		if isAlreadyKnown(err) {
			return tx.Hash(), nil
		}
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// HeadSource is satisfied by chain.Client.
type HeadSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// PrivateChannel submits through eth_sendPrivateTransaction on a relay.
type PrivateChannel struct {
	Relay *flashbots.Client
	// Heads, when set, bounds the private tx to Window blocks past the head.
	Heads  HeadSource
	Window uint64
}

func (c PrivateChannel) Name() string  { return "private:" + c.Relay.Name() }
func (c PrivateChannel) Private() bool { return true }

func (c PrivateChannel) Send(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, err
	}
	var maxBlock uint64
	if c.Heads != nil && c.Window > 0 {
		if h, err := c.Heads.HeaderByNumber(ctx, nil); err == nil && h != nil && h.Number != nil {
			maxBlock = h.Number.Uint64() + c.Window
		}
	}
	h, err := c.Relay.SendPrivateTransaction(ctx, raw, maxBlock)
	if err != nil {
		return common.Hash{}, err
	}
	if h == (common.Hash{}) {
		h = tx.Hash()
	}
	return h, nil
}

// Validator pre-checks a signed transaction on one authoritative channel.
type Validator interface {
	Validate(ctx context.Context, tx *types.Transaction) error
}

// CallValidator replays the transaction as eth_call. Only an execution
// revert is a rejection; transport errors pass.
type CallValidator struct {
	Client chain.Client
	Signer types.Signer
}

func (v CallValidator) Validate(ctx context.Context, tx *types.Transaction) error {
	from, err := types.Sender(v.Signer, tx)
	if err != nil {
		return fmt.Errorf("%w: sender: %v", ErrRejected, err)
	}
	_, err = v.Client.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, nil)
	if err != nil && strings.Contains(err.Error(), "revert") {
		return fmt.Errorf("%w: %s", ErrRejected, chain.RevertReason(err))
	}
	return nil
}

func isAlreadyKnown(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "already known") || strings.Contains(s, "known transaction") ||
		strings.Contains(s, "already imported")
}

// isNotFound matches the ledger's not-found answer for receipts and txs.
func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound) || (err != nil && strings.Contains(strings.ToLower(err.Error()), "not found"))
}
