package gas

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
)

// FeeHistorySource is satisfied by *ethclient.Client.
type FeeHistorySource interface {
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
}

// FeeHistoryOracle suggests tips from eth_feeHistory rewards: the max reward at
// the mode's percentile over the last Window blocks.
type FeeHistoryOracle struct {
	Src    FeeHistorySource
	Window uint64
}

func (o *FeeHistoryOracle) percentile(mode Mode) float64 {
	switch mode {
	case Congested:
		return 95
	case Emergency:
		return 99
	default:
		return 50
	}
}

func (o *FeeHistoryOracle) SuggestTip(ctx context.Context, mode Mode) (*big.Int, error) {
	window := o.Window
	if window == 0 {
		window = 20
	}
	fh, err := o.Src.FeeHistory(ctx, window, nil, []float64{o.percentile(mode)})
	if err != nil {
		return nil, err
	}
	max := big.NewInt(0)
	for _, row := range fh.Reward {
		if len(row) == 0 || row[0] == nil {
			continue
		}
		if row[0].Cmp(max) > 0 {
			max = new(big.Int).Set(row[0])
		}
	}
	if max.Sign() == 0 {
		return nil, errors.New("feeHistory: empty reward")
	}
	return max, nil
}

// NextBaseFee returns the pending block's base fee from fee history.
func NextBaseFee(ctx context.Context, src FeeHistorySource) (*big.Int, error) {
	fh, err := src.FeeHistory(ctx, 1, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(fh.BaseFee) == 0 {
		return nil, errors.New("feeHistory: short baseFee array")
	}
	return new(big.Int).Set(fh.BaseFee[len(fh.BaseFee)-1]), nil
}

// RewardStats aggregates min/avg/max for given percentiles.
type RewardStats struct {
	Min *big.Int
	Avg *big.Int
	Max *big.Int
}

// FeeHistoryStats returns min/avg/max over last N blocks for given percentiles.
func FeeHistoryStats(ctx context.Context, src FeeHistorySource, blocks int, percentiles []int) (map[int]RewardStats, error) {
	if blocks <= 0 {
		blocks = 100
	}
	if len(percentiles) == 0 {
		percentiles = []int{50, 95, 99}
	}
	pf := make([]float64, len(percentiles))
	for i, p := range percentiles {
		pf[i] = float64(p)
	}
	fh, err := src.FeeHistory(ctx, uint64(blocks), nil, pf)
	if err != nil {
		return nil, err
	}
	if len(fh.Reward) == 0 {
		return nil, errors.New("feeHistory: empty reward")
	}

	res := make(map[int]RewardStats, len(percentiles))
	for _, p := range percentiles {
		res[p] = RewardStats{Avg: big.NewInt(0), Max: big.NewInt(0)}
	}
	for _, row := range fh.Reward {
		for j := 0; j < len(percentiles) && j < len(row); j++ {
			v := row[j]
			if v == nil {
				continue
			}
			st := res[percentiles[j]]
			if st.Min == nil || v.Cmp(st.Min) < 0 {
				st.Min = new(big.Int).Set(v)
			}
			if v.Cmp(st.Max) > 0 {
				st.Max = new(big.Int).Set(v)
			}
			st.Avg.Add(st.Avg, v)
			res[percentiles[j]] = st
		}
	}
	n := big.NewInt(int64(len(fh.Reward)))
	for p, st := range res {
		st.Avg = st.Avg.Div(st.Avg, n)
		if st.Min == nil {
			st.Min = big.NewInt(0)
		}
		res[p] = st
	}
	return res, nil
}
