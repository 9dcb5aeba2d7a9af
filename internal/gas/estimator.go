package gas

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

// HeaderSource is the slice of the ledger client the estimator needs.
type HeaderSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Oracle is an optional gas-estimation service suggesting a tip per mode.
type Oracle interface {
	SuggestTip(ctx context.Context, mode Mode) (*big.Int, error)
}

// Estimator prices quotes against the live base fee. Every failure falls back
// to the model's self-contained computation; Quote never returns an error.
type Estimator struct {
	model   *Model
	heads   HeaderSource
	oracle  Oracle
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.RWMutex
	lastFee *big.Int
}

func NewEstimator(model *Model, heads HeaderSource, oracle Oracle, log zerolog.Logger) *Estimator {
	return &Estimator{model: model, heads: heads, oracle: oracle, timeout: 1500 * time.Millisecond, log: log}
}

func (e *Estimator) Model() *Model { return e.model }

// BaseFee reads the latest header's base fee and caches it.
func (e *Estimator) BaseFee(ctx context.Context) (*big.Int, error) {
	if e.heads == nil {
		return nil, errors.New("no header source")
	}
	hctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	bf, _, err := latestBaseFee(hctx, e.heads)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.lastFee = new(big.Int).Set(bf)
	e.mu.Unlock()
	return bf, nil
}

// LastBaseFee returns the most recent observed base fee, or nil.
func (e *Estimator) LastBaseFee() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return clone(e.lastFee)
}

// Quote prices a quote for mode. An oracle tip only ever raises the model's tip.
func (e *Estimator) Quote(ctx context.Context, mode Mode) Quote {
	return e.QuoteWith(ctx, e.model, mode)
}

// QuoteWith is Quote against an alternate model (e.g. one with a raised floor).
func (e *Estimator) QuoteWith(ctx context.Context, model *Model, mode Mode) Quote {
	baseFee, err := e.BaseFee(ctx)
	if err != nil {
		baseFee = e.LastBaseFee()
		e.log.Warn().Err(err).Msg("base fee fetch failed, using cached/fallback")
	}
	tip := model.tipFor(mode)
	if e.oracle != nil {
		octx, cancel := context.WithTimeout(ctx, e.timeout)
		sug, err := e.oracle.SuggestTip(octx, mode)
		cancel()
		switch {
		case err != nil:
			e.log.Debug().Err(err).Msg("gas oracle failed, using model tip")
		case sug != nil && sug.Cmp(tip) > 0:
			tip = sug
		}
	}
	return model.QuoteWithTip(baseFee, tip)
}

// Latest base fee and head number.
func latestBaseFee(ctx context.Context, heads HeaderSource) (*big.Int, *big.Int, error) {
	h, err := heads.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	if h.BaseFee == nil {
		return nil, h.Number, errors.New("no baseFee (pre-1559?)")
	}
	return new(big.Int).Set(h.BaseFee), new(big.Int).Set(h.Number), nil
}
