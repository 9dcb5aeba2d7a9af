// Package threat classifies pending transactions against a protected account.
// Classification is pure: no network access, same input gives same output.
package threat

import (
	"bytes"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ligun0805/mempool-guardian/internal/chain"
)

type Type int

const (
	UnauthorizedOutgoing Type = iota + 1
	DangerousContractCall
	ERC20TransferFromAttack
)

func (t Type) String() string {
	switch t {
	case UnauthorizedOutgoing:
		return "UNAUTHORIZED_OUTGOING"
	case DangerousContractCall:
		return "DANGEROUS_CONTRACT_CALL"
	case ERC20TransferFromAttack:
		return "ERC20_TRANSFER_FROM_ATTACK"
	default:
		return "UNKNOWN"
	}
}

type Severity int

const (
	High Severity = iota + 1
	Critical
)

func (s Severity) String() string {
	switch s {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// Threat is produced once per matching pending transaction and never mutated.
type Threat struct {
	Type       Type
	Severity   Severity
	Asset      chain.AssetRef
	Source     chain.PendingTx
	DetectedAt time.Time

	// Amount is the decoded transferFrom amount, nil for other rules.
	Amount *uint256.Int
}

// Account is the protected account and its authorized destination.
type Account struct {
	Address common.Address
	Vault   common.Address
}

var (
	selTransfer         = [4]byte{0xa9, 0x05, 0x9c, 0xbb}
	selTransferFrom     = [4]byte{0x23, 0xb8, 0x72, 0xdd}
	selApprove          = [4]byte{0x09, 0x5e, 0xa7, 0xb3}
	selSafeTransferFrom = [4]byte{0x42, 0x84, 0x2e, 0x0e}
	selSafeTransferData = [4]byte{0xb8, 0x8d, 0x4f, 0xde}
	selApprovalForAll   = [4]byte{0xa2, 0x2c, 0xb4, 0x65}
)

// dangerous selectors: value transfer, delegated transfer, approval, NFT transfer.
var dangerous = map[[4]byte]string{
	selTransfer:         "transfer(address,uint256)",
	selTransferFrom:     "transferFrom(address,address,uint256)",
	selApprove:          "approve(address,uint256)",
	selSafeTransferFrom: "safeTransferFrom(address,address,uint256)",
	selSafeTransferData: "safeTransferFrom(address,address,uint256,bytes)",
	selApprovalForAll:   "setApprovalForAll(address,bool)",
}

// IsDangerousSelector reports whether sel belongs to the dangerous set.
func IsDangerousSelector(sel [4]byte) bool {
	_, ok := dangerous[sel]
	return ok
}

// Classify runs the rules in precedence order; the first match wins. It
// returns nil when tx is not a threat. now stamps DetectedAt.
func Classify(tx chain.PendingTx, acct Account, now time.Time) *Threat {
	if t := outgoing(tx, acct); t != nil {
		t.DetectedAt = now
		return t
	}
	if t := dangerousCall(tx, acct); t != nil {
		t.DetectedAt = now
		return t
	}
	if t := transferFromAttack(tx, acct); t != nil {
		t.DetectedAt = now
		return t
	}
	return nil
}

func outgoing(tx chain.PendingTx, acct Account) *Threat {
	if tx.From != acct.Address {
		return nil
	}
	if tx.To != nil && *tx.To == acct.Vault {
		return nil
	}
	asset := chain.Native
	if len(tx.Data) > 0 {
		if tx.To == nil {
			asset = chain.Multiple
		} else {
			asset = chain.Token(*tx.To)
		}
	}
	return &Threat{Type: UnauthorizedOutgoing, Severity: Critical, Asset: asset, Source: tx}
}

func dangerousCall(tx chain.PendingTx, acct Account) *Threat {
	if tx.To == nil || *tx.To != acct.Address {
		return nil
	}
	sel, ok := tx.Selector()
	if !ok || !IsDangerousSelector(sel) {
		return nil
	}
	return &Threat{Type: DangerousContractCall, Severity: High, Asset: chain.Multiple, Source: tx}
}

func transferFromAttack(tx chain.PendingTx, acct Account) *Threat {
	if tx.To == nil {
		return nil
	}
	from, _, amount, ok := decodeTransferFrom(tx.Data)
	if !ok || from != acct.Address {
		return nil
	}
	return &Threat{
		Type:     ERC20TransferFromAttack,
		Severity: Critical,
		Asset:    chain.Token(*tx.To),
		Source:   tx,
		Amount:   amount,
	}
}

// decodeTransferFrom decodes transferFrom(address,address,uint256). ok is
// false on a wrong selector, short data, or dirty address padding.
func decodeTransferFrom(data []byte) (from, to common.Address, amount *uint256.Int, ok bool) {
	if len(data) < 4+3*32 || !bytes.Equal(data[:4], selTransferFrom[:]) {
		return from, to, nil, false
	}
	args := data[4:]
	from, ok = wordAddress(args[0:32])
	if !ok {
		return from, to, nil, false
	}
	to, ok = wordAddress(args[32:64])
	if !ok {
		return from, to, nil, false
	}
	amount = new(uint256.Int).SetBytes32(args[64:96])
	return from, to, amount, true
}

func wordAddress(w []byte) (common.Address, bool) {
	for _, b := range w[:12] {
		if b != 0 {
			return common.Address{}, false
		}
	}
	return common.BytesToAddress(w[12:32]), true
}
