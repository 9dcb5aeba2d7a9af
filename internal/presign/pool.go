// Package presign keeps, per tracked asset, a window of ready-to-broadcast
// signed sweep transactions. It is the only owner of the account nonce.
//
// Nonces are shared across assets: the pool for asset A and the pool for
// asset B both cover [baseNonce, baseNonce+capacity), so claiming a nonce for
// one asset makes that nonce unavailable to every other asset.
package presign

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/gas"
	"github.com/ligun0805/mempool-guardian/internal/metrics"
	"github.com/ligun0805/mempool-guardian/internal/module"
	"github.com/ligun0805/mempool-guardian/internal/signer"
)

var (
	// ErrExhausted means no unclaimed entry remains for the asset. Callers fall
	// back to on-demand signing.
	ErrExhausted = errors.New("presign: pool exhausted")
	// ErrZeroBalance is returned by fill when there is nothing to sweep.
	ErrZeroBalance = errors.New("presign: zero balance")
	// ErrPaused is returned by fill when the token reports transfers paused.
	ErrPaused = errors.New("presign: token paused")
	// ErrNotClaimed is returned by Replace when the caller no longer holds the nonce.
	ErrNotClaimed = errors.New("presign: nonce not claimed by this transaction")
)

const DefaultCapacity = 5

const (
	// ownedTTL bounds how long issued hashes are remembered for Owns.
	ownedTTL  = 10 * time.Minute
	ownedSize = 4096

	// DefaultClaimGrace outlasts the private submission window, after which a
	// transaction the node does not know can no longer land.
	DefaultClaimGrace = 5 * time.Minute
)

// Quoter prices transactions; *gas.Estimator satisfies it.
type Quoter interface {
	QuoteWith(ctx context.Context, model *gas.Model, mode gas.Mode) gas.Quote
}

// Entry is a pre-signed transaction handed to callers. It is a copy; mutating
// it does not affect the pool.
type Entry struct {
	Asset      chain.AssetRef
	Nonce      uint64
	Hash       common.Hash
	Tx         *types.Transaction
	Raw        []byte
	Gas        gas.Quote
	GasLimit   uint64
	CreatedAt  time.Time
	Generation uint64
	Used       bool
}

type slot struct {
	Entry
}

type generation struct {
	id        uint64
	baseNonce uint64
	createdAt time.Time
	slots     map[string][]*slot // per asset key, ascending nonce
	gasLimit  map[string]uint64
}

// Options configure a Pool.
type Options struct {
	Capacity int
	Assets   []chain.AssetRef
	// SkipBalanceCheck fills even when the asset balance is zero.
	SkipBalanceCheck bool
	// ClaimGrace is how long a claim is kept before a forced regeneration may
	// drop it because the node no longer knows its transaction.
	ClaimGrace time.Duration
}

// Pool is safe for concurrent use. Retrieval observes either the old or the
// new generation, never a mix.
type Pool struct {
	signer *signer.Signer
	module module.Module
	client chain.Client
	quoter Quoter
	model  *gas.Model
	opts   Options
	log    zerolog.Logger

	regenMu sync.Mutex // serializes regenerations

	owned *expirable.LRU[common.Hash, struct{}]
	now   func() time.Time

	mu        sync.Mutex
	gen       *generation
	nextGen   uint64
	claims    map[uint64]common.Hash // nonce -> claiming tx
	claimedAt map[uint64]time.Time
	byHash    map[common.Hash]uint64
	minFee    *big.Int // floor boost until the next periodic refresh
}

func New(s *signer.Signer, m module.Module, client chain.Client, quoter Quoter, model *gas.Model, opts Options, log zerolog.Logger) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.ClaimGrace <= 0 {
		opts.ClaimGrace = DefaultClaimGrace
	}
	return &Pool{
		signer:    s,
		module:    m,
		client:    client,
		quoter:    quoter,
		model:     model,
		opts:      opts,
		log:       log,
		owned:     expirable.NewLRU[common.Hash, struct{}](ownedSize, nil, ownedTTL),
		now:       time.Now,
		claims:    map[uint64]common.Hash{},
		claimedAt: map[uint64]time.Time{},
		byHash:    map[common.Hash]uint64{},
	}
}

func (p *Pool) Assets() []chain.AssetRef { return append([]chain.AssetRef(nil), p.opts.Assets...) }

func (p *Pool) Capacity() int { return p.opts.Capacity }

// BaseNonce returns the current generation's base nonce and false when the
// pool was never initialized.
func (p *Pool) BaseNonce() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == nil {
		return 0, false
	}
	return p.gen.baseNonce, true
}

// Initialize reads the pending nonce and fills every tracked asset.
func (p *Pool) Initialize(ctx context.Context) error {
	base, err := p.signer.PendingNonce(ctx)
	if err != nil {
		return fmt.Errorf("presign: pending nonce: %w", err)
	}
	return p.regenerate(ctx, base, "init")
}

// RegenerateIfAdvanced refills every pool when the chain's pending nonce has
// moved past the current base nonce.
func (p *Pool) RegenerateIfAdvanced(ctx context.Context) (bool, error) {
	base, err := p.signer.PendingNonce(ctx)
	if err != nil {
		return false, fmt.Errorf("presign: pending nonce: %w", err)
	}
	p.mu.Lock()
	advanced := p.gen == nil || base > p.gen.baseNonce
	p.mu.Unlock()
	if !advanced {
		return false, nil
	}
	return true, p.regenerate(ctx, base, "nonce_advanced")
}

// ForceRegenerate rebuilds from the authoritative chain nonce regardless of
// advancement. Used after unknown-status broadcasts and on the refresh timer.
// Claims older than ClaimGrace whose transaction the node no longer knows are
// dropped first, so an evicted submission does not hold its nonce forever.
func (p *Pool) ForceRegenerate(ctx context.Context, reason string) error {
	base, err := p.signer.PendingNonce(ctx)
	if err != nil {
		return fmt.Errorf("presign: pending nonce: %w", err)
	}
	p.dropAbandoned(ctx, base)
	return p.regenerate(ctx, base, reason)
}

// dropAbandoned releases stale claims at or above base whose transaction is
// neither pending nor mined. Lookup errors other than not-found keep the claim.
func (p *Pool) dropAbandoned(ctx context.Context, base uint64) {
	cutoff := p.now().Add(-p.opts.ClaimGrace)
	p.mu.Lock()
	var stale []common.Hash
	for nonce, h := range p.claims {
		if nonce < base || h == (common.Hash{}) || p.claimedAt[nonce].After(cutoff) {
			continue
		}
		stale = append(stale, h)
	}
	p.mu.Unlock()

	for _, h := range stale {
		if _, _, err := p.client.TransactionByHash(ctx, h); !errors.Is(err, ethereum.NotFound) {
			continue
		}
		if p.Release(h) {
			p.log.Warn().Str("tx", h.Hex()).Msg("claim dropped, transaction no longer known to the node")
		}
	}
}

// RegenerateWithMinFee raises the fee floor to minFee and rebuilds. The
// boost lasts until the next periodic refresh.
func (p *Pool) RegenerateWithMinFee(ctx context.Context, minFee *big.Int) error {
	p.mu.Lock()
	if minFee != nil && (p.minFee == nil || minFee.Cmp(p.minFee) > 0) {
		p.minFee = new(big.Int).Set(minFee)
	}
	p.mu.Unlock()
	return p.ForceRegenerate(ctx, "underpriced")
}

// EffectiveModel is the gas model with any active floor boost applied.
func (p *Pool) EffectiveModel() *gas.Model {
	p.mu.Lock()
	boost := p.minFee
	p.mu.Unlock()
	if boost == nil {
		return p.model
	}
	return p.model.WithFloor(boost)
}

func (p *Pool) regenerate(ctx context.Context, base uint64, reason string) error {
	p.regenMu.Lock()
	defer p.regenMu.Unlock()

	p.mu.Lock()
	p.nextGen++
	id := p.nextGen
	var prevLimits map[string]uint64
	if p.gen != nil {
		prevLimits = p.gen.gasLimit
	}
	p.mu.Unlock()

	gen := &generation{
		id:        id,
		baseNonce: base,
		createdAt: time.Now(),
		slots:     map[string][]*slot{},
		gasLimit:  map[string]uint64{},
	}
	model := p.EffectiveModel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range p.opts.Assets {
		asset := asset
		g.Go(func() error {
			slots, limit, err := p.fill(gctx, gen, asset, model, prevLimits[asset.Key()])
			switch {
			case errors.Is(err, ErrZeroBalance), errors.Is(err, ErrPaused):
				p.log.Info().Str("asset", asset.Key()).Err(err).Msg("asset pool left empty")
				return nil
			case err != nil:
				p.log.Warn().Str("asset", asset.Key()).Err(err).Msg("asset fill failed")
				return nil
			}
			mu.Lock()
			gen.slots[asset.Key()] = slots
			gen.gasLimit[asset.Key()] = limit
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.Lock()
	p.swap(gen)
	p.mu.Unlock()

	metrics.PoolRegenerations.WithLabelValues(reason).Inc()
	metrics.PoolBaseNonce.Set(float64(base))
	p.log.Info().Uint64("generation", id).Uint64("base_nonce", base).Str("reason", reason).
		Int("assets", len(gen.slots)).Msg("pool regenerated")
	return nil
}

// swap installs gen. Claims on nonces the chain has not consumed survive so a
// response still in flight keeps exclusive use of its nonce. Caller holds mu.
func (p *Pool) swap(gen *generation) {
	for nonce := range p.claims {
		if nonce < gen.baseNonce {
			p.unclaim(nonce)
		}
	}
	for _, slots := range gen.slots {
		for _, s := range slots {
			if _, ok := p.claims[s.Nonce]; ok {
				s.Used = true
			}
			p.owned.Add(s.Hash, struct{}{})
		}
	}
	p.gen = gen
	p.publish()
}

// fill signs capacity sweep transactions for asset at baseNonce+i, reusing
// one gas estimate and one emergency quote.
func (p *Pool) fill(ctx context.Context, gen *generation, asset chain.AssetRef, model *gas.Model, prevLimit uint64) ([]*slot, uint64, error) {
	if !p.opts.SkipBalanceCheck {
		bal, err := chain.BalanceOf(ctx, p.client, asset, p.signer.Address())
		if err != nil {
			return nil, 0, fmt.Errorf("balance: %w", err)
		}
		if bal.Sign() == 0 {
			return nil, 0, ErrZeroBalance
		}
		if !asset.IsNative() {
			if known, paused := chain.CheckPaused(ctx, p.client, asset.Token); known && paused {
				return nil, 0, ErrPaused
			}
		}
	}
	call, err := p.module.Sweep(asset)
	if err != nil {
		return nil, 0, err
	}
	limit, err := p.signer.EstimateGas(ctx, call)
	if err != nil {
		limit = prevLimit
		if limit == 0 {
			limit = signer.FallbackGasLimit
		}
		p.log.Warn().Str("asset", asset.Key()).Err(err).Uint64("gas_limit", limit).Msg("gas estimate failed, using fallback limit")
	}
	q := p.quoter.QuoteWith(ctx, model, gas.Emergency)

	slots := make([]*slot, 0, p.opts.Capacity)
	for i := 0; i < p.opts.Capacity; i++ {
		nonce := gen.baseNonce + uint64(i)
		tx, err := p.signer.Sign(call, nonce, limit, q)
		if err != nil {
			return nil, 0, err
		}
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, 0, err
		}
		slots = append(slots, &slot{Entry{
			Asset:      asset,
			Nonce:      nonce,
			Hash:       tx.Hash(),
			Tx:         tx,
			Raw:        raw,
			Gas:        q,
			GasLimit:   limit,
			CreatedAt:  gen.createdAt,
			Generation: gen.id,
		}})
	}
	return slots, limit, nil
}

// Retrieve claims the lowest-nonce unclaimed entry for asset. It returns
// ErrExhausted when none is left.
func (p *Pool) Retrieve(asset chain.AssetRef) (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == nil {
		return Entry{}, ErrExhausted
	}
	for _, s := range p.gen.slots[asset.Key()] {
		if s.Used {
			continue
		}
		if _, taken := p.claims[s.Nonce]; taken {
			continue
		}
		p.claim(s.Nonce, s.Hash)
		s.Used = true
		p.publish()
		return s.Entry, nil
	}
	return Entry{}, ErrExhausted
}

// Available reports whether Retrieve would succeed for asset right now.
func (p *Pool) Available(asset chain.AssetRef) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked(asset.Key()) > 0
}

func (p *Pool) availableLocked(key string) int {
	if p.gen == nil {
		return 0
	}
	n := 0
	for _, s := range p.gen.slots[key] {
		if _, taken := p.claims[s.Nonce]; !taken && !s.Used {
			n++
		}
	}
	return n
}

// Release returns a claimed entry to the pool. Call it only when the
// transaction is known not to have been included. It reports whether a
// claim was released.
func (p *Pool) Release(hash common.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	nonce, ok := p.byHash[hash]
	if !ok {
		return false
	}
	p.unclaim(nonce)
	if p.gen != nil {
		for _, slots := range p.gen.slots {
			for _, s := range slots {
				if s.Nonce == nonce {
					s.Used = false
				}
			}
		}
	}
	p.publish()
	return true
}

// Issue signs a sweep of asset at the next unclaimed nonce with quote q.
// The gas auction and on-demand tiers use it.
func (p *Pool) Issue(ctx context.Context, asset chain.AssetRef, q gas.Quote) (Entry, error) {
	call, err := p.module.Sweep(asset)
	if err != nil {
		return Entry{}, err
	}
	return p.issueCall(ctx, asset, call, q)
}

// SweepAll signs the module's sweep-all calls (one batched token sweep and a
// native sweep) at consecutive free nonces with an emergency quote.
func (p *Pool) SweepAll(ctx context.Context) ([]Entry, error) {
	calls, err := p.module.SweepAll(p.opts.Assets)
	if err != nil {
		return nil, err
	}
	q := p.quoter.QuoteWith(ctx, p.EffectiveModel(), gas.Emergency)
	out := make([]Entry, 0, len(calls))
	for _, call := range calls {
		asset := chain.Multiple
		if module.Method(call.Data) == "sweepETH" {
			asset = chain.Native
		}
		e, err := p.issueCall(ctx, asset, call, q)
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *Pool) issueCall(ctx context.Context, asset chain.AssetRef, call module.Call, q gas.Quote) (Entry, error) {
	p.mu.Lock()
	gen := p.gen
	var limit uint64
	if gen != nil {
		limit = gen.gasLimit[asset.Key()]
	}
	p.mu.Unlock()
	if gen == nil {
		return Entry{}, errors.New("presign: pool not initialized")
	}
	if limit == 0 {
		var err error
		if limit, err = p.signer.EstimateGas(ctx, call); err != nil {
			limit = signer.FallbackGasLimit
		}
	}

	p.mu.Lock()
	nonce := p.nextFreeLocked()
	p.claims[nonce] = common.Hash{} // reserve while signing
	p.mu.Unlock()

	tx, err := p.signer.Sign(call, nonce, limit, q)
	if err != nil {
		p.mu.Lock()
		p.unclaim(nonce)
		p.mu.Unlock()
		return Entry{}, err
	}
	e := p.entryFor(asset, tx, q, limit, gen.id)

	p.mu.Lock()
	p.claim(nonce, e.Hash)
	p.owned.Add(e.Hash, struct{}{})
	p.publish()
	p.mu.Unlock()
	return e, nil
}

// OnDemand regenerates if the chain nonce advanced, then issues a freshly
// quoted emergency transaction. It is the slowest path.
func (p *Pool) OnDemand(ctx context.Context, asset chain.AssetRef) (Entry, error) {
	if _, err := p.RegenerateIfAdvanced(ctx); err != nil {
		p.log.Warn().Err(err).Msg("on-demand: nonce refresh failed")
	}
	q := p.quoter.QuoteWith(ctx, p.EffectiveModel(), gas.Emergency)
	return p.Issue(ctx, asset, q)
}

// Replace re-signs e at the same nonce with quote q and moves the claim to
// the new transaction. Used to replace an underpriced submission.
func (p *Pool) Replace(ctx context.Context, e Entry, q gas.Quote) (Entry, error) {
	p.mu.Lock()
	held := p.claims[e.Nonce] == e.Hash
	p.mu.Unlock()
	if !held {
		return Entry{}, ErrNotClaimed
	}
	if e.Tx == nil || e.Tx.To() == nil {
		return Entry{}, errors.New("presign: entry has no call to replace")
	}
	call := module.Call{To: *e.Tx.To(), Data: e.Tx.Data()}
	tx, err := p.signer.Sign(call, e.Nonce, e.GasLimit, q)
	if err != nil {
		return Entry{}, err
	}
	ne := p.entryFor(e.Asset, tx, q, e.GasLimit, e.Generation)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claims[e.Nonce] != e.Hash {
		return Entry{}, ErrNotClaimed
	}
	delete(p.byHash, e.Hash)
	p.claim(e.Nonce, ne.Hash)
	p.owned.Add(ne.Hash, struct{}{})
	return ne, nil
}

// Owns reports whether hash was signed by this pool recently.
func (p *Pool) Owns(hash common.Hash) bool {
	_, ok := p.owned.Get(hash)
	return ok
}

// Snapshot returns copies of every entry in the current generation, grouped
// by asset key.
func (p *Pool) Snapshot() map[string][]Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string][]Entry{}
	if p.gen == nil {
		return out
	}
	for k, slots := range p.gen.slots {
		for _, s := range slots {
			out[k] = append(out[k], s.Entry)
		}
	}
	return out
}

// Run refreshes the pool every interval until ctx is done.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 12 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.mu.Lock()
			p.minFee = nil
			p.mu.Unlock()
			if err := p.ForceRegenerate(ctx, "refresh"); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("periodic refresh failed")
			}
		}
	}
}

func (p *Pool) entryFor(asset chain.AssetRef, tx *types.Transaction, q gas.Quote, limit, gen uint64) Entry {
	raw, _ := tx.MarshalBinary()
	return Entry{
		Asset:      asset,
		Nonce:      tx.Nonce(),
		Hash:       tx.Hash(),
		Tx:         tx,
		Raw:        raw,
		Gas:        q,
		GasLimit:   limit,
		CreatedAt:  time.Now(),
		Generation: gen,
		Used:       true,
	}
}

// claim records nonce as taken by hash. Caller holds mu.
func (p *Pool) claim(nonce uint64, hash common.Hash) {
	p.claims[nonce] = hash
	p.byHash[hash] = nonce
	p.claimedAt[nonce] = p.now()
}

// unclaim frees nonce. Caller holds mu.
func (p *Pool) unclaim(nonce uint64) {
	if h, ok := p.claims[nonce]; ok {
		delete(p.byHash, h)
	}
	delete(p.claims, nonce)
	delete(p.claimedAt, nonce)
}

// nextFreeLocked returns the lowest nonce >= baseNonce without a claim.
func (p *Pool) nextFreeLocked() uint64 {
	n := p.gen.baseNonce
	taken := make([]uint64, 0, len(p.claims))
	for k := range p.claims {
		if k >= n {
			taken = append(taken, k)
		}
	}
	sort.Slice(taken, func(i, j int) bool { return taken[i] < taken[j] })
	for _, k := range taken {
		if k != n {
			break
		}
		n++
	}
	return n
}

func (p *Pool) publish() {
	if p.gen == nil {
		return
	}
	for _, a := range p.opts.Assets {
		metrics.PoolAvailable.WithLabelValues(a.Key()).Set(float64(p.availableLocked(a.Key())))
	}
}
