package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/gas"
	"github.com/ligun0805/mempool-guardian/internal/module"
	"github.com/ligun0805/mempool-guardian/internal/signer"
)

var netcheckCmd = &cobra.Command{
	Use:   "netcheck",
	Short: "Print base fee, tip percentiles, direct payments and sweep cost",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := dialNode(cmd.Context(), settings)
		if err != nil {
			return err
		}
		defer n.ec.Close()
		printNetworkState(cmd.Context(), os.Stdout, n)
		return nil
	},
}

func printNetworkState(ctx context.Context, w io.Writer, n *node) {
	blocks, pcts := settings.NetcheckBlocks, settings.NetcheckPcts
	fmt.Fprintf(w, "[net] chain: %d\n", n.chainID)

	baseFee := big.NewInt(0)
	if h, err := n.ec.HeaderByNumber(ctx, nil); err == nil && h != nil && h.BaseFee != nil {
		baseFee = h.BaseFee
	}
	fmt.Fprintf(w, "[net] baseFee(now): %s gwei\n", gas.FmtGwei(baseFee))
	if next, err := gas.NextBaseFee(ctx, n.ec); err == nil {
		fmt.Fprintf(w, "[net] baseFee(next): %s gwei\n", gas.FmtGwei(next))
	}

	stats, err := gas.FeeHistoryStats(ctx, n.ec, blocks, pcts)
	if err != nil {
		fmt.Fprintln(w, "[net] feeHistory error:", err)
	} else {
		fmt.Fprintf(w, "[net] reward stats last %d blocks:\n", blocks)
		for _, p := range pcts {
			st := stats[p]
			fmt.Fprintf(w, "  p%-2d min/avg/max: %s / %s / %s gwei\n", p, gas.FmtGwei(st.Min), gas.FmtGwei(st.Avg), gas.FmtGwei(st.Max))
		}
	}

	limit := sweepGasLimit(ctx, n)
	fmt.Fprintf(w, "[net] sweep gas limit: %d\n", limit)
	for _, mode := range []gas.Mode{gas.Normal, gas.Congested, gas.Emergency} {
		q := n.est.Quote(ctx, mode)
		cost := new(big.Int).Mul(new(big.Int).SetUint64(limit), q.Effective())
		fmt.Fprintf(w, "  %-9s %s  cost=%s\n", mode, q, gas.FmtETH(cost))
	}

	payments, err := gas.DirectPayments(ctx, n.ec, blocks)
	if err != nil {
		fmt.Fprintln(w, "[net] direct payment scan error:", err)
		return
	}
	s := gas.SummarizePayments(payments, pcts)
	fmt.Fprintf(w, "[net] direct payments to fee recipient in last %d blocks: count=%d, total=%s, max=%s\n",
		blocks, s.Count, gas.FmtETH(s.Total), gas.FmtETH(s.Max))
	if s.Count > 0 {
		for _, p := range pcts {
			fmt.Fprintf(w, "  p%-2d %s\n", p, gas.FmtETH(s.Pct[p]))
		}
	}
}

// sweepGasLimit estimates a native sweep from the protected account when
// the module is configured, else the signer fallback.
func sweepGasLimit(ctx context.Context, n *node) uint64 {
	if !common.IsHexAddress(settings.ModuleAddress) || !common.IsHexAddress(settings.VaultAddress) {
		return signer.FallbackGasLimit
	}
	from := common.HexToAddress(settings.ProtectedAddress)
	if from == (common.Address{}) {
		return signer.FallbackGasLimit
	}
	call, err := module.New(common.HexToAddress(settings.ModuleAddress), common.HexToAddress(settings.VaultAddress)).Sweep(chain.Native)
	if err != nil {
		return signer.FallbackGasLimit
	}
	est, err := chain.EstimateGasWithRetry(ctx, n.ec, ethereum.CallMsg{From: from, To: &call.To, Data: call.Data})
	if err != nil || est == 0 {
		return signer.FallbackGasLimit
	}
	return est
}
