// Package module encodes calls into the on-chain sweep module. The module is
// opaque: it either moves the asset to the vault or reverts.
package module

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ligun0805/mempool-guardian/internal/chain"
)

// Minimal module ABI: sweepERC20(address[] tokens, address to) and sweepETH(address to).
const sweepABI = `[
  {"type":"function","stateMutability":"nonpayable","name":"sweepERC20",
   "inputs":[{"name":"tokens","type":"address[]"},{"name":"to","type":"address"}],"outputs":[]},
  {"type":"function","stateMutability":"nonpayable","name":"sweepETH",
   "inputs":[{"name":"to","type":"address"}],"outputs":[]}
]`

var parsed = mustParse()

func mustParse() abi.ABI {
	a, err := abi.JSON(strings.NewReader(sweepABI))
	if err != nil {
		panic(err)
	}
	return a
}

// Module is a deployed sweep module and its vault.
type Module struct {
	Address common.Address
	Vault   common.Address
}

func New(address, vault common.Address) Module {
	return Module{Address: address, Vault: vault}
}

// Call is a ready-to-sign call into the module.
type Call struct {
	To   common.Address
	Data []byte
}

// Sweep encodes the call that moves asset to the vault.
func (m Module) Sweep(asset chain.AssetRef) (Call, error) {
	switch {
	case asset.Multiple:
		return Call{}, fmt.Errorf("sweep: asset not resolved")
	case asset.IsNative():
		data, err := parsed.Pack("sweepETH", m.Vault)
		if err != nil {
			return Call{}, err
		}
		return Call{To: m.Address, Data: data}, nil
	default:
		return m.SweepTokens([]common.Address{asset.Token})
	}
}

// SweepTokens encodes one sweepERC20 over several tokens.
func (m Module) SweepTokens(tokens []common.Address) (Call, error) {
	if len(tokens) == 0 {
		return Call{}, fmt.Errorf("sweepERC20: empty token list")
	}
	data, err := parsed.Pack("sweepERC20", tokens, m.Vault)
	if err != nil {
		return Call{}, err
	}
	return Call{To: m.Address, Data: data}, nil
}

// SweepAll returns the calls that empty every asset: one batched token sweep
// plus a native sweep when native is tracked.
func (m Module) SweepAll(assets []chain.AssetRef) ([]Call, error) {
	var tokens []common.Address
	native := false
	for _, a := range assets {
		switch {
		case a.Multiple:
		case a.IsNative():
			native = true
		default:
			tokens = append(tokens, a.Token)
		}
	}
	var out []Call
	if len(tokens) > 0 {
		c, err := m.SweepTokens(tokens)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if native {
		c, err := m.Sweep(chain.Native)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Method returns the module method name data encodes, or "" when unknown.
func Method(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	m, err := parsed.MethodById(data[:4])
	if err != nil {
		return ""
	}
	return m.Name
}
