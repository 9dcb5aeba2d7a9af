package gas

import (
	"bytes"
	"context"
	"math"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockSource is satisfied by *ethclient.Client.
type BlockSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

// DirectPayment is value paid to a block's fee recipient outside the
// priority tip. It is what a competing searcher spends above its visible
// quote.
type DirectPayment struct {
	Block uint64
	Tx    common.Hash
	Value *big.Int
}

// payoutInitCode is COINBASE followed by SELFDESTRUCT.
var payoutInitCode = []byte{0x41, 0xff}

// paysRecipient reports whether tx moves its value to recipient: either a
// plain transfer or a creation whose init code self-destructs to it.
func paysRecipient(tx *types.Transaction, recipient common.Address) bool {
	if tx.Value() == nil || tx.Value().Sign() <= 0 {
		return false
	}
	if tx.To() == nil {
		return bytes.Contains(tx.Data(), payoutInitCode)
	}
	return *tx.To() == recipient
}

// DirectPayments walks back up to blocks blocks from the head. Blocks that
// fail to load are skipped.
func DirectPayments(ctx context.Context, src BlockSource, blocks int) ([]DirectPayment, error) {
	if blocks <= 0 {
		blocks = 100
	}
	head, err := src.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	var out []DirectPayment
	for n := head.Number.Uint64(); n > 0 && blocks > 0; n, blocks = n-1, blocks-1 {
		b, err := src.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil || b == nil {
			continue
		}
		for _, tx := range b.Transactions() {
			if paysRecipient(tx, b.Coinbase()) {
				out = append(out, DirectPayment{Block: n, Tx: tx.Hash(), Value: new(big.Int).Set(tx.Value())})
			}
		}
	}
	return out, nil
}

// PaymentStats summarizes direct payments. Pct is keyed by the requested
// percentiles.
type PaymentStats struct {
	Count int
	Total *big.Int
	Max   *big.Int
	Pct   map[int]*big.Int
}

func SummarizePayments(ps []DirectPayment, percentiles []int) PaymentStats {
	st := PaymentStats{Count: len(ps), Total: big.NewInt(0), Max: big.NewInt(0), Pct: make(map[int]*big.Int, len(percentiles))}
	vals := make([]*big.Int, len(ps))
	for i, p := range ps {
		vals[i] = p.Value
		st.Total.Add(st.Total, p.Value)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i].Cmp(vals[j]) < 0 })
	if len(vals) > 0 {
		st.Max = new(big.Int).Set(vals[len(vals)-1])
	}
	for _, p := range percentiles {
		st.Pct[p] = nearestRank(vals, p)
	}
	return st
}

// nearestRank returns the p-th percentile of ascending vals, zero when empty.
func nearestRank(vals []*big.Int, p int) *big.Int {
	if len(vals) == 0 {
		return big.NewInt(0)
	}
	i := int(math.Ceil(float64(p)/100*float64(len(vals)))) - 1
	i = min(max(i, 0), len(vals)-1)
	return new(big.Int).Set(vals[i])
}
