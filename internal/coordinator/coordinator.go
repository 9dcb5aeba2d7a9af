// Package coordinator turns classified threats into defensive sweeps. It picks
// the fastest available tier (bundle, pre-signed, auction, on-demand), falls
// back down the ladder and, when every tier is gone or the response panics,
// fires a best-effort sweep of every tracked asset.
package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ligun0805/mempool-guardian/internal/broadcast"
	"github.com/ligun0805/mempool-guardian/internal/bundlecore"
	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/gas"
	"github.com/ligun0805/mempool-guardian/internal/metrics"
	"github.com/ligun0805/mempool-guardian/internal/presign"
	"github.com/ligun0805/mempool-guardian/internal/threat"
)

// Pool is satisfied by *presign.Pool.
type Pool interface {
	Assets() []chain.AssetRef
	Retrieve(asset chain.AssetRef) (presign.Entry, error)
	Release(hash common.Hash) bool
	Issue(ctx context.Context, asset chain.AssetRef, q gas.Quote) (presign.Entry, error)
	OnDemand(ctx context.Context, asset chain.AssetRef) (presign.Entry, error)
	Replace(ctx context.Context, e presign.Entry, q gas.Quote) (presign.Entry, error)
	SweepAll(ctx context.Context) ([]presign.Entry, error)
	RegenerateIfAdvanced(ctx context.Context) (bool, error)
	ForceRegenerate(ctx context.Context, reason string) error
	RegenerateWithMinFee(ctx context.Context, minFee *big.Int) error
	EffectiveModel() *gas.Model
	Owns(hash common.Hash) bool
}

// Broadcaster is satisfied by *broadcast.Fanout.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *types.Transaction, reissue broadcast.Reissue, maxRetries int) (broadcast.Result, error)
	NotIncluded(ctx context.Context, hash common.Hash) bool
}

// Bundler is satisfied by *bundlecore.Engine.
type Bundler interface {
	Available() bool
	GuaranteedOrdering(ctx context.Context, defense []byte, attacker chain.PendingTx, currentBlock uint64) (bundlecore.Outcome, error)
	Watch(ctx context.Context, hash common.Hash, out bundlecore.Outcome) (uint64, bool)
}

// Bidder is satisfied by *gas.Auction.
type Bidder interface {
	Bid(ctx context.Context, observed gas.Quote) gas.Quote
}

// Source yields pending transactions; *feed.Feed satisfies it.
type Source interface {
	Next(ctx context.Context) (chain.PendingTx, bool)
}

type Config struct {
	Account threat.Account
	// EmergencyMul scales the network's reported minimum fee on underpricing.
	EmergencyMul float64
	MaxRetries   int
	MaxInflight  int
	DryRun       bool
	// ResponseTimeout bounds one response end to end.
	ResponseTimeout time.Duration
}

type Deps struct {
	Pool    Pool
	Fanout  Broadcaster
	Bundles Bundler // nil disables the bundle tier
	Auction Bidder
	Quoter  presign.Quoter
	State   State // nil uses a MemoryState
}

type Coordinator struct {
	cfg     Config
	pool    Pool
	fanout  Broadcaster
	bundles Bundler
	auction Bidder
	quoter  presign.Quoter
	state   State
	log     zerolog.Logger
}

func New(cfg Config, d Deps, log zerolog.Logger) *Coordinator {
	if cfg.EmergencyMul < 1 {
		cfg.EmergencyMul = 1.5
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 32
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 2 * time.Minute
	}
	if d.State == nil {
		d.State = NewMemoryState(0)
	}
	return &Coordinator{
		cfg:     cfg,
		pool:    d.Pool,
		fanout:  d.Fanout,
		bundles: d.Bundles,
		auction: d.Auction,
		quoter:  d.Quoter,
		state:   d.State,
		log:     log,
	}
}

func (c *Coordinator) State() State { return c.state }

// Run consumes src until it closes or ctx is done. Classification happens
// inline; each threat is answered on its own goroutine, at most MaxInflight
// at a time.
func (c *Coordinator) Run(ctx context.Context, src Source) error {
	sem := semaphore.NewWeighted(int64(c.cfg.MaxInflight))
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		tx, ok := src.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		th := c.Detect(ctx, tx)
		if th == nil {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		metrics.Inflight.Inc()
		go func() {
			defer func() {
				if p := recover(); p != nil {
					c.log.Error().Interface("panic", p).Str("source", th.Source.Hash.Hex()).Msg("response task panicked")
				}
				metrics.Inflight.Dec()
				sem.Release(1)
				wg.Done()
			}()
			c.Respond(ctx, th)
		}()
	}
}

// Handle detects and answers tx synchronously. It returns nil when tx is not
// a new threat.
func (c *Coordinator) Handle(ctx context.Context, tx chain.PendingTx) []Record {
	th := c.Detect(ctx, tx)
	if th == nil {
		return nil
	}
	return c.Respond(ctx, th)
}

// Detect classifies tx and claims its hash. It returns nil for our own
// transactions, non-threats and duplicates.
func (c *Coordinator) Detect(ctx context.Context, tx chain.PendingTx) *threat.Threat {
	if c.pool.Owns(tx.Hash) {
		return nil
	}
	th := threat.Classify(tx, c.cfg.Account, time.Now())
	if th == nil {
		return nil
	}
	first, err := c.state.Claim(ctx, tx.Hash)
	if err != nil {
		c.log.Warn().Err(err).Msg("shared dedupe unavailable, using local")
	}
	if !first {
		metrics.DuplicateThreats.Inc()
		c.log.Debug().Str("source", tx.Hash.Hex()).Msg("duplicate threat ignored")
		return nil
	}
	metrics.ThreatsDetected.WithLabelValues(th.Type.String(), th.Severity.String()).Inc()
	c.log.Warn().
		Str("source", tx.Hash.Hex()).
		Str("from", tx.From.Hex()).
		Str("type", th.Type.String()).
		Str("severity", th.Severity.String()).
		Str("asset", th.Asset.Key()).
		Msg("threat detected")
	return th
}

// Respond answers th. A MULTIPLE asset is answered per tracked asset.
func (c *Coordinator) Respond(ctx context.Context, th *threat.Threat) []Record {
	assets := []chain.AssetRef{th.Asset}
	if th.Asset.Multiple {
		assets = c.pool.Assets()
	}
	out := make([]Record, len(assets))
	var wg sync.WaitGroup
	for i, a := range assets {
		wg.Add(1)
		go func(i int, a chain.AssetRef) {
			defer wg.Done()
			out[i] = c.respond(ctx, th, a)
		}(i, a)
	}
	wg.Wait()
	return out
}

func (c *Coordinator) respond(ctx context.Context, th *threat.Threat, asset chain.AssetRef) (rec Record) {
	rec = newRecord(th, asset.Key())
	rec.enter(PhaseThreatDetected)
	defer func() {
		if p := recover(); p != nil {
			c.log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Str("id", rec.ID).Msg("response panicked")
			rec.fail(fmt.Errorf("panic: %v", p))
			c.emergency(ctx, "panic", &rec)
		}
		c.finish(ctx, &rec)
	}()

	rctx, cancel := context.WithTimeout(ctx, c.cfg.ResponseTimeout)
	defer cancel()
	c.ladder(rctx, th, asset, &rec)
	if !rec.done() {
		c.emergency(ctx, "every tier exhausted", &rec)
	}
	return rec
}

func (c *Coordinator) finish(ctx context.Context, rec *Record) {
	if !rec.done() {
		rec.finish(PhaseUnknown)
	}
	rec.FinishedAt = time.Now()
	metrics.Responses.WithLabelValues(rec.Tier.String(), rec.Outcome.String()).Inc()
	sctx, cancel := c.detached(ctx)
	defer cancel()
	if err := c.state.Record(sctx, *rec); err != nil {
		c.log.Warn().Err(err).Str("id", rec.ID).Msg("record not persisted")
	}
	ev := c.log.Info()
	if rec.Outcome != PhaseWon {
		ev = c.log.Warn()
	}
	ev.Str("id", rec.ID).
		Str("source", rec.Source.Hex()).
		Str("asset", rec.Asset).
		Str("tier", rec.Tier.String()).
		Str("outcome", rec.Outcome.String()).
		Dur("latency", rec.Latency).
		Bool("dry_run", rec.DryRun).
		Str("last_error", rec.LastError).
		Msg("response finished")
}

func (c *Coordinator) accepted(rec *Record, at time.Time) {
	if at.IsZero() || rec.Latency > 0 {
		return
	}
	rec.Latency = at.Sub(rec.DetectedAt)
	metrics.ResponseLatency.WithLabelValues(rec.Tier.String()).Observe(rec.Latency.Seconds())
}
