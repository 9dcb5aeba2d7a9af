package gas

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// Kind tags the fee shape carried by a Quote.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindLegacy
	KindDynamic
)

func (k Kind) String() string {
	switch k {
	case KindLegacy:
		return "legacy"
	case KindDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Quote is either Legacy{price} or Dynamic{maxFee, maxPriorityFee}.
// A zero Quote has KindUnknown. Quotes are immutable; accessors return copies.
type Quote struct {
	kind   Kind
	price  *big.Int
	maxFee *big.Int
	tip    *big.Int
}

func Legacy(price *big.Int) Quote {
	return Quote{kind: KindLegacy, price: clone(price)}
}

func Dynamic(maxFee, tip *big.Int) Quote {
	return Quote{kind: KindDynamic, maxFee: clone(maxFee), tip: clone(tip)}
}

// FromTransaction reads the fee fields of a transaction into a Quote.
func FromTransaction(tx *types.Transaction) Quote {
	if tx == nil {
		return Quote{}
	}
	switch tx.Type() {
	case types.LegacyTxType, types.AccessListTxType:
		return Legacy(tx.GasPrice())
	case types.DynamicFeeTxType, types.BlobTxType:
		return Dynamic(tx.GasFeeCap(), tx.GasTipCap())
	default:
		if tx.GasFeeCap() != nil && tx.GasTipCap() != nil {
			return Dynamic(tx.GasFeeCap(), tx.GasTipCap())
		}
		return Quote{}
	}
}

func (q Quote) Kind() Kind { return q.kind }

// Valid reports whether the quote carries the fields its kind requires.
func (q Quote) Valid() bool {
	switch q.kind {
	case KindLegacy:
		return q.price != nil && q.price.Sign() >= 0
	case KindDynamic:
		return q.maxFee != nil && q.tip != nil && q.maxFee.Sign() >= 0 && q.tip.Sign() >= 0
	default:
		return false
	}
}

func (q Quote) Price() *big.Int  { return clone(q.price) }
func (q Quote) MaxFee() *big.Int { return clone(q.maxFee) }
func (q Quote) Tip() *big.Int    { return clone(q.tip) }

// Effective is the highest per-gas amount the quote can pay: the price for
// legacy quotes, the fee cap for dynamic ones.
func (q Quote) Effective() *big.Int {
	switch q.kind {
	case KindLegacy:
		return clone(q.price)
	case KindDynamic:
		return clone(q.maxFee)
	default:
		return nil
	}
}

func (q Quote) String() string {
	switch q.kind {
	case KindLegacy:
		return fmt.Sprintf("legacy{price=%s gwei}", FmtGwei(q.price))
	case KindDynamic:
		return fmt.Sprintf("dynamic{maxFee=%s gwei tip=%s gwei}", FmtGwei(q.maxFee), FmtGwei(q.tip))
	default:
		return "unknown{}"
	}
}

// ShouldOutbid compares like-for-like fee fields and reports whether ours
// fails to beat the observed quote. Mismatched or unparseable kinds return true.
func ShouldOutbid(ours, observed Quote) bool {
	if !ours.Valid() || !observed.Valid() || ours.kind != observed.kind {
		return true
	}
	switch ours.kind {
	case KindLegacy:
		return ours.price.Cmp(observed.price) <= 0
	case KindDynamic:
		return ours.tip.Cmp(observed.tip) <= 0 || ours.maxFee.Cmp(observed.maxFee) < 0
	default:
		return true
	}
}

func clone(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
