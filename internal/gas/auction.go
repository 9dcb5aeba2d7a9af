package gas

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog"
)

// BaseFeeSource yields the current base fee estimate.
type BaseFeeSource interface {
	BaseFee(ctx context.Context) (*big.Int, error)
}

// Auction turns an observed attacker quote into a quote that wins ordinary
// fee-based ordering.
type Auction struct {
	model      *Model
	fees       BaseFeeSource
	premiumPct int64
	timeout    time.Duration
	log        zerolog.Logger
}

func NewAuction(model *Model, fees BaseFeeSource, premiumPct int64, log zerolog.Logger) *Auction {
	if premiumPct < 0 {
		premiumPct = 0
	}
	return &Auction{model: model, fees: fees, premiumPct: premiumPct, timeout: 800 * time.Millisecond, log: log}
}

func (a *Auction) Model() *Model { return a.model }

// Bid returns the outbidding quote. It only touches the network when the
// observed quote cannot be parsed and an emergency quote has to be priced.
func (a *Auction) Bid(ctx context.Context, observed Quote) Quote {
	if observed.Valid() {
		q := a.model.Outbid(observed, a.premiumPct, nil)
		a.log.Debug().Str("observed", observed.String()).Str("bid", q.String()).Int64("premium_pct", a.premiumPct).Msg("outbid")
		return q
	}
	var baseFee *big.Int
	if a.fees != nil {
		fctx, cancel := context.WithTimeout(ctx, a.timeout)
		bf, err := a.fees.BaseFee(fctx)
		cancel()
		if err != nil {
			a.log.Warn().Err(err).Msg("base fee unavailable, using fallback for emergency bid")
		} else {
			baseFee = bf
		}
	}
	q := a.model.Quote(baseFee, Emergency)
	a.log.Debug().Str("observed", observed.String()).Str("bid", q.String()).Msg("unparseable quote, emergency bid")
	return q
}
