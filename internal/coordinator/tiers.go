package coordinator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ligun0805/mempool-guardian/internal/broadcast"
	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/flashbots"
	"github.com/ligun0805/mempool-guardian/internal/gas"
	"github.com/ligun0805/mempool-guardian/internal/metrics"
	"github.com/ligun0805/mempool-guardian/internal/presign"
	"github.com/ligun0805/mempool-guardian/internal/threat"
)

// ladder walks the tiers in fixed order and stops at the first terminal
// result. A defense tx claimed for the bundle tier is carried into the
// broadcast tiers so its nonce is not wasted.
func (c *Coordinator) ladder(ctx context.Context, th *threat.Threat, asset chain.AssetRef, rec *Record) {
	var carried *presign.Entry
	if c.bundles != nil && c.bundles.Available() {
		rec.use(TierBundle)
		rec.enter(PhaseStrategySelected)
		carried = c.bundleTier(ctx, th, asset, rec)
		if rec.done() {
			return
		}
	}

	if carried == nil {
		e, err := c.pool.Retrieve(asset)
		switch {
		case err == nil:
			carried = &e
		case !errors.Is(err, presign.ErrExhausted):
			c.log.Warn().Err(err).Str("asset", asset.Key()).Msg("pre-signed retrieve failed")
		}
	}
	if carried != nil {
		rec.use(TierPresigned)
		rec.enter(PhaseStrategySelected)
		e := c.outbid(ctx, th, *carried)
		if c.broadcastTier(ctx, e, rec) {
			return
		}
	}

	rec.use(TierAuction)
	rec.enter(PhaseStrategySelected)
	bid := c.auction.Bid(ctx, th.Source.Gas)
	if e, err := c.pool.Issue(ctx, asset, bid); err != nil {
		rec.fail(err)
	} else if c.broadcastTier(ctx, e, rec) {
		return
	}

	rec.use(TierOnDemand)
	rec.enter(PhaseStrategySelected)
	if e, err := c.pool.OnDemand(ctx, asset); err != nil {
		rec.fail(err)
	} else if c.broadcastTier(ctx, e, rec) {
		return
	}
}

// bundleTier claims a defense tx and submits it as an ordered bundle. It
// returns the claimed entry when the broadcast tiers should take over.
func (c *Coordinator) bundleTier(ctx context.Context, th *threat.Threat, asset chain.AssetRef, rec *Record) *presign.Entry {
	e, err := c.pool.Retrieve(asset)
	if err != nil {
		e, err = c.pool.Issue(ctx, asset, c.auction.Bid(ctx, th.Source.Gas))
		if err != nil {
			rec.fail(err)
			return nil
		}
	}
	e = c.outbid(ctx, th, e)
	rec.enter(PhaseBroadcasting)
	rec.Defense = e.Hash
	if c.cfg.DryRun {
		c.dryRun(rec, e)
		return nil
	}

	out, err := c.bundles.GuaranteedOrdering(ctx, e.Raw, th.Source, 0)
	switch {
	case err == nil:
	case flashbots.IsSemantic(err):
		rec.fail(err)
		c.log.Error().Err(err).Str("id", rec.ID).Msg("bundle rejected, continuing with broadcast")
		return &e
	default:
		rec.fail(err)
		c.log.Warn().Err(err).Str("id", rec.ID).Msg("bundle relays unreachable, falling back")
		return &e
	}

	rec.BundleHash = out.BundleHash
	rec.Channel = "bundle"
	c.accepted(rec, time.Now())
	if _, ok := c.bundles.Watch(ctx, e.Hash, out); ok {
		rec.finish(PhaseWon)
		c.refresh(ctx)
		return nil
	}
	// The target window closed without inclusion.
	cleanup, cancel := c.detached(ctx)
	defer cancel()
	if c.fanout.NotIncluded(cleanup, e.Hash) {
		c.pool.Release(e.Hash)
	} else {
		c.forceRegenerate(cleanup, "unknown_inclusion")
	}
	rec.finish(PhaseUnknown)
	return nil
}

// outbid re-signs e at its nonce when the attacker's observed quote would
// beat it.
func (c *Coordinator) outbid(ctx context.Context, th *threat.Threat, e presign.Entry) presign.Entry {
	obs := th.Source.Gas
	if !obs.Valid() || !gas.ShouldOutbid(e.Gas, obs) {
		return e
	}
	bid := c.auction.Bid(ctx, obs)
	if !bid.Valid() || bid.Effective().Cmp(e.Gas.Effective()) <= 0 {
		return e
	}
	ne, err := c.pool.Replace(ctx, e, bid)
	if err != nil {
		c.log.Warn().Err(err).Uint64("nonce", e.Nonce).Msg("outbid re-sign failed, keeping pre-signed quote")
		return e
	}
	c.log.Debug().Str("observed", obs.String()).Str("bid", bid.String()).Uint64("nonce", e.Nonce).Msg("pre-signed entry outbid")
	return ne
}

// broadcastTier fans e out and reports whether the response reached a
// terminal state. Only a failure with confirmed non-inclusion escalates.
func (c *Coordinator) broadcastTier(ctx context.Context, e presign.Entry, rec *Record) bool {
	rec.enter(PhaseBroadcasting)
	rec.Defense = e.Hash
	if c.cfg.DryRun {
		c.dryRun(rec, e)
		return true
	}

	cur := e
	reissue := func(ctx context.Context, minFee *big.Int) (*types.Transaction, error) {
		floor := minFee
		if floor == nil {
			floor = cur.Gas.Effective()
		}
		if floor != nil {
			if err := c.pool.RegenerateWithMinFee(ctx, gas.MulFloat(floor, c.cfg.EmergencyMul)); err != nil {
				c.log.Warn().Err(err).Msg("regeneration with raised floor failed")
			}
		}
		q := c.quoter.QuoteWith(ctx, c.pool.EffectiveModel(), gas.Emergency)
		ne, err := c.pool.Replace(ctx, cur, q)
		if err != nil {
			return nil, err
		}
		cur = ne
		rec.Defense = ne.Hash
		return ne.Tx, nil
	}

	res, err := c.fanout.Broadcast(ctx, e.Tx, reissue, c.cfg.MaxRetries)
	cleanup, cancel := c.detached(ctx)
	defer cancel()
	defer c.refresh(cleanup)
	if res.Hash != (common.Hash{}) {
		rec.Defense = res.Hash
		rec.Channel = res.Channel
	}
	c.accepted(rec, res.AcceptedAt)

	switch {
	case err == nil:
		rec.finish(PhaseWon)
		return true
	case errors.Is(err, broadcast.ErrReverted):
		rec.fail(err)
		rec.finish(PhaseLost)
		return true
	case errors.Is(err, broadcast.ErrConfirmTimeout):
		rec.fail(err)
		c.forceRegenerate(cleanup, "unknown_inclusion")
		rec.finish(PhaseUnknown)
		return true
	case errors.Is(err, broadcast.ErrRejected):
		// Nothing was sent.
		rec.fail(err)
		c.pool.Release(cur.Hash)
		rec.finish(PhaseLost)
		return true
	}

	rec.fail(err)
	if c.fanout.NotIncluded(cleanup, cur.Hash) {
		c.pool.Release(cur.Hash)
	} else {
		c.forceRegenerate(cleanup, "unknown_inclusion")
	}
	return false
}

func (c *Coordinator) dryRun(rec *Record, e presign.Entry) {
	c.log.Info().
		Str("id", rec.ID).
		Str("tier", rec.Tier.String()).
		Str("hash", e.Hash.Hex()).
		Uint64("nonce", e.Nonce).
		Str("gas", e.Gas.String()).
		Msg("dry run: defense computed, not submitted")
	c.pool.Release(e.Hash)
	rec.DryRun = true
	rec.finish(PhaseUnknown)
}

// detached outlives ctx's cancellation so post-response bookkeeping can
// finish, but is still bounded by ResponseTimeout.
func (c *Coordinator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ResponseTimeout)
}

func (c *Coordinator) refresh(ctx context.Context) {
	if _, err := c.pool.RegenerateIfAdvanced(ctx); err != nil {
		c.log.Warn().Err(err).Msg("pool refresh failed")
	}
}

func (c *Coordinator) forceRegenerate(ctx context.Context, reason string) {
	if err := c.pool.ForceRegenerate(ctx, reason); err != nil {
		c.log.Warn().Err(err).Str("reason", reason).Msg("forced regeneration failed")
	}
}

// emergency sweeps every tracked asset, best effort. It never panics.
func (c *Coordinator) emergency(ctx context.Context, reason string, rec *Record) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error().Interface("panic", p).Msg("emergency sweep panicked")
			metrics.EmergencySweeps.WithLabelValues("panic").Inc()
			rec.finish(PhaseLost)
		}
	}()
	ctx, cancel := c.detached(ctx)
	defer cancel()

	rec.use(TierEmergency)
	rec.enter(PhaseStrategySelected)
	c.log.Error().Str("id", rec.ID).Str("reason", reason).Msg("emergency sweep of every tracked asset")

	entries, err := c.pool.SweepAll(ctx)
	if err != nil {
		rec.fail(err)
	}
	if len(entries) == 0 {
		metrics.EmergencySweeps.WithLabelValues("failed").Inc()
		rec.finish(PhaseLost)
		return
	}
	rec.enter(PhaseBroadcasting)
	if c.cfg.DryRun {
		for _, e := range entries {
			c.pool.Release(e.Hash)
		}
		rec.DryRun = true
		metrics.EmergencySweeps.WithLabelValues("dry_run").Inc()
		rec.finish(PhaseUnknown)
		return
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		confirmed int
		accepted  int
	)
	for _, e := range entries {
		wg.Add(1)
		go func(e presign.Entry) {
			defer wg.Done()
			res, err := c.fanout.Broadcast(ctx, e.Tx, nil, 0)
			mu.Lock()
			defer mu.Unlock()
			if !res.AcceptedAt.IsZero() {
				accepted++
				c.accepted(rec, res.AcceptedAt)
			}
			switch {
			case err == nil:
				confirmed++
			case errors.Is(err, broadcast.ErrNoAcceptance) || errors.Is(err, broadcast.ErrRejected):
				rec.fail(err)
				if c.fanout.NotIncluded(ctx, e.Hash) {
					c.pool.Release(e.Hash)
				}
			case errors.Is(err, broadcast.ErrConfirmTimeout):
				rec.fail(err)
				c.forceRegenerate(ctx, "unknown_inclusion")
			default:
				rec.fail(err)
			}
		}(e)
	}
	wg.Wait()
	c.refresh(ctx)

	switch {
	case confirmed == len(entries):
		metrics.EmergencySweeps.WithLabelValues("confirmed").Inc()
		rec.finish(PhaseWon)
	case accepted > 0:
		metrics.EmergencySweeps.WithLabelValues("partial").Inc()
		rec.finish(PhaseUnknown)
	default:
		metrics.EmergencySweeps.WithLabelValues("failed").Inc()
		rec.finish(PhaseLost)
	}
}
