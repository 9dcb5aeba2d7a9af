package chain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ligun0805/mempool-guardian/internal/gas"
)

// PendingTx is an immutable snapshot of a not-yet-included transaction.
type PendingTx struct {
	Hash  common.Hash
	From  common.Address
	To    *common.Address // nil for contract creation
	Data  []byte
	Value *big.Int
	Gas   gas.Quote
	Nonce uint64

	// Raw holds the signed envelope when the feed delivered a full
	// transaction; nil otherwise.
	Raw    []byte
	SeenAt time.Time
}

// ToPendingTx snapshots a signed transaction. The sender is recovered with
// signer; an unrecoverable sender yields the zero address.
func ToPendingTx(tx *types.Transaction, signer types.Signer) PendingTx {
	p := PendingTx{
		Hash:   tx.Hash(),
		To:     tx.To(),
		Data:   tx.Data(),
		Value:  tx.Value(),
		Gas:    gas.FromTransaction(tx),
		Nonce:  tx.Nonce(),
		SeenAt: time.Now(),
	}
	if signer != nil {
		if from, err := types.Sender(signer, tx); err == nil {
			p.From = from
		}
	}
	if v, r, s := tx.RawSignatureValues(); v != nil && r != nil && s != nil && r.Sign() != 0 && s.Sign() != 0 {
		if raw, err := tx.MarshalBinary(); err == nil {
			p.Raw = raw
		}
	}
	return p
}

// HasRaw reports whether the fully signed bytes are available.
func (p PendingTx) HasRaw() bool { return len(p.Raw) > 0 }

// Selector returns the 4-byte method selector, or false when data is too short.
func (p PendingTx) Selector() ([4]byte, bool) {
	var sel [4]byte
	if len(p.Data) < 4 {
		return sel, false
	}
	copy(sel[:], p.Data[:4])
	return sel, true
}
