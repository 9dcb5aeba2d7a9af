package gas

import "math/big"

var (
	gwei  = big.NewInt(1_000_000_000)
	ether = big.NewInt(1_000_000_000_000_000_000)
)

func GweiToWei(g int64) *big.Int {
	x := new(big.Int).SetInt64(g)
	return x.Mul(x, gwei)
}

// GweiFloatToWei converts fractional gwei (e.g. 1.5) to wei, truncating below 1 wei.
func GweiFloatToWei(g float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(g), new(big.Float).SetInt(gwei))
	out, _ := f.Int(nil)
	return out
}

// MulPct returns x * pct / 100, rounded up so a positive premium never rounds away.
func MulPct(x *big.Int, pct int64) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	n := new(big.Int).Mul(x, big.NewInt(pct))
	n.Add(n, big.NewInt(99))
	return n.Div(n, big.NewInt(100))
}

// MulFloat scales x by f (f >= 0), truncating.
func MulFloat(x *big.Int, f float64) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	v := new(big.Float).Mul(new(big.Float).SetInt(x), big.NewFloat(f))
	out, _ := v.Int(nil)
	return out
}

func maxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Human-readable helpers (ETH/gwei).
func FmtETH(x *big.Int) string {
	if x == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(new(big.Int).Set(x), ether)
	return r.FloatString(6)
}

func FmtGwei(x *big.Int) string {
	if x == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(new(big.Int).Set(x), gwei)
	return r.FloatString(2)
}
