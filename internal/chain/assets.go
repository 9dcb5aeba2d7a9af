package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AssetRef is either the native coin or a token contract. The zero value is
// the native coin.
type AssetRef struct {
	Token common.Address
	// Multiple marks a threat whose target asset could not be resolved.
	Multiple bool
}

var (
	Native   = AssetRef{}
	Multiple = AssetRef{Multiple: true}
)

// Token returns the AssetRef for a token contract.
func Token(addr common.Address) AssetRef { return AssetRef{Token: addr} }

func (a AssetRef) IsNative() bool { return !a.Multiple && a.Token == (common.Address{}) }

// Key is a stable map key: "native", "multiple" or the checksummed address.
func (a AssetRef) Key() string {
	switch {
	case a.Multiple:
		return "multiple"
	case a.IsNative():
		return "native"
	default:
		return a.Token.Hex()
	}
}

func (a AssetRef) String() string { return a.Key() }

// ParseAsset accepts "native", "eth", "matic" or a hex token address.
func ParseAsset(s string) (AssetRef, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "native", "eth", "matic", "pol":
		return Native, nil
	}
	if !common.IsHexAddress(s) {
		return AssetRef{}, fmt.Errorf("invalid asset %q", s)
	}
	return Token(common.HexToAddress(s)), nil
}

// ParseAssets parses a list of asset specs, dropping duplicates.
func ParseAssets(in []string) ([]AssetRef, error) {
	seen := map[string]bool{}
	out := make([]AssetRef, 0, len(in))
	for _, s := range in {
		a, err := ParseAsset(s)
		if err != nil {
			return nil, err
		}
		if seen[a.Key()] {
			continue
		}
		seen[a.Key()] = true
		out = append(out, a)
	}
	return out, nil
}

// KnownAsset labels a token for humans.
type KnownAsset struct {
	Symbol   string
	Decimals uint8
}

// KnownAssets is the static label table, keyed by chain id.
var KnownAssets = map[int64]map[common.Address]KnownAsset{
	1: {
		common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"): {"USDT", 6},
		common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"): {"USDC", 6},
		common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"): {"WETH", 18},
		common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"): {"DAI", 18},
	},
	137: {
		common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F"): {"USDT", 6},
		common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"): {"USDC", 6},
	},
}

var nativeSymbols = map[int64]string{1: "ETH", 137: "POL"}

// Label resolves a human label for the asset on chainID.
func Label(chainID int64, a AssetRef) string {
	switch {
	case a.Multiple:
		return "MULTIPLE"
	case a.IsNative():
		if s, ok := nativeSymbols[chainID]; ok {
			return s
		}
		return "NATIVE"
	}
	if k, ok := KnownAssets[chainID][a.Token]; ok {
		return k.Symbol
	}
	return shortAddr(a.Token)
}

func shortAddr(a common.Address) string {
	h := a.Hex()
	return h[:6] + "…" + h[len(h)-4:]
}
