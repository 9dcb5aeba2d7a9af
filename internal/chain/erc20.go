package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ligun0805/mempool-guardian/internal/retry"
)

var balanceOfSelector = common.FromHex("0x70a08231")

// Pause checks (various signatures in the wild). Enabled-style getters
// report the inverse.
var pausedSigs = []struct {
	sel     []byte
	enabled bool
}{
	{common.FromHex("0x5c975abb"), false}, // paused()
	{common.FromHex("0x3f4ba83a"), false}, // isPaused()
	{common.FromHex("0x51dff989"), false}, // transfersPaused()
	{common.FromHex("0x5c701d2f"), false}, // tradingPaused()
	{common.FromHex("0x9c6a3b7c"), true},  // transferEnabled()
	{common.FromHex("0x75f12b21"), true},  // isTransferEnabled()
}

// CallWithRetry performs eth_call with small exponential backoff.
func CallWithRetry(ctx context.Context, c Client, msg ethereum.CallMsg) ([]byte, error) {
	res := retry.Do(ctx, retry.RPC, func(ctx context.Context, _ int) ([]byte, error) {
		return c.CallContract(ctx, msg, nil)
	})
	return res.Value, res.Err
}

// EstimateGasWithRetry performs eth_estimateGas with small exponential backoff.
func EstimateGasWithRetry(ctx context.Context, c Client, msg ethereum.CallMsg) (uint64, error) {
	res := retry.Do(ctx, retry.RPC, func(ctx context.Context, _ int) (uint64, error) {
		return c.EstimateGas(ctx, msg)
	})
	return res.Value, res.Err
}

// BalanceOf returns the holder's balance of asset; native balances come
// from eth_getBalance.
func BalanceOf(ctx context.Context, c Client, asset AssetRef, holder common.Address) (*big.Int, error) {
	if asset.IsNative() {
		res := retry.Do(ctx, retry.RPC, func(ctx context.Context, _ int) (*big.Int, error) {
			return c.BalanceAt(ctx, holder, nil)
		})
		return res.Value, res.Err
	}
	token := asset.Token
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(holder.Bytes(), 32)...)
	ret, err := CallWithRetry(ctx, c, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, err
	}
	if len(ret) < 32 {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(ret[:32]), nil
}

// CheckPaused calls the known pause getters. known is false when the token
// exposes none of them.
func CheckPaused(ctx context.Context, c Client, token common.Address) (known, paused bool) {
	for _, s := range pausedSigs {
		res, err := CallWithRetry(ctx, c, ethereum.CallMsg{To: &token, Data: s.sel})
		if err != nil || len(res) == 0 {
			continue
		}
		set := res[len(res)-1] == 1
		if s.enabled {
			return true, !set
		}
		return true, set
	}
	return false, false
}

// RevertReason trims an RPC error to its revert message.
func RevertReason(e error) string {
	s := e.Error()
	if i := strings.Index(s, "execution reverted"); i >= 0 {
		return s[i:]
	}
	return s
}
