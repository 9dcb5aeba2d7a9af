package coordinator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/mempool-guardian/internal/broadcast"
	"github.com/ligun0805/mempool-guardian/internal/bundlecore"
	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/chain/chaintest"
	"github.com/ligun0805/mempool-guardian/internal/flashbots"
	"github.com/ligun0805/mempool-guardian/internal/gas"
	"github.com/ligun0805/mempool-guardian/internal/module"
	"github.com/ligun0805/mempool-guardian/internal/presign"
	"github.com/ligun0805/mempool-guardian/internal/signer"
	"github.com/ligun0805/mempool-guardian/internal/threat"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	vault    = common.HexToAddress("0x0000000000000000000000000000000000000002")
	attacker = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	token    = chain.Token(common.HexToAddress("0x3000000000000000000000000000000000000003"))
)

type harness struct {
	client *chaintest.Client
	signer *signer.Signer
	pool   *presign.Pool
	coord  *Coordinator
	state  *MemoryState
}

type setup struct {
	capacity int
	assets   []chain.AssetRef
	cfg      Config
	bundles  Bundler
	bidder   Bidder

	// claimGrace overrides presign.DefaultClaimGrace.
	claimGrace time.Duration
	// wrap decorates the pool the coordinator sees.
	wrap func(Pool) Pool
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	c := chaintest.New(137)
	c.SetNonce(10)
	key, err := signer.ParseKey(testKey)
	require.NoError(t, err)
	sg := signer.New(key, big.NewInt(137), c, zerolog.Nop())

	model := gas.NewModel(gas.DefaultConfig())
	est := gas.NewEstimator(model, c, nil, zerolog.Nop())
	if s.capacity == 0 {
		s.capacity = 3
	}
	if len(s.assets) == 0 {
		s.assets = []chain.AssetRef{chain.Native}
	}
	m := module.New(common.HexToAddress("0x01"), vault)
	pool := presign.New(sg, m, c, est, model, presign.Options{
		Capacity:         s.capacity,
		Assets:           s.assets,
		SkipBalanceCheck: true,
		ClaimGrace:       s.claimGrace,
	}, zerolog.Nop())
	require.NoError(t, pool.Initialize(context.Background()))

	fan := broadcast.New([]broadcast.Channel{broadcast.RPCChannel{Label: "rpc", Client: c}}, c, nil, broadcast.Options{
		SubmitTimeout:  time.Second,
		ConfirmTimeout: 100 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, zerolog.Nop())

	if s.bidder == nil {
		s.bidder = gas.NewAuction(model, est, 50, zerolog.Nop())
	}
	s.cfg.Account = threat.Account{Address: sg.Address(), Vault: vault}
	state := NewMemoryState(0)
	var dp Pool = pool
	if s.wrap != nil {
		dp = s.wrap(pool)
	}
	d := Deps{Pool: dp, Fanout: fan, Bundles: s.bundles, Auction: s.bidder, Quoter: est, State: state}
	return &harness{client: c, signer: sg, pool: pool, coord: New(s.cfg, d, zerolog.Nop()), state: state}
}

// confirmAll makes every accepted tx mine with status.
func (h *harness) confirmAll(status uint64) {
	h.client.SendFn = func(tx *types.Transaction) error {
		h.client.Include(tx.Hash(), status)
		return nil
	}
}

func (h *harness) sent() []*types.Transaction { return h.client.SentTxs() }

func (h *harness) drain() chain.PendingTx {
	return chain.PendingTx{
		Hash: common.HexToHash("0xbad1"),
		From: h.signer.Address(),
		To:   &attacker,
	}
}

func TestNonThreatStaysIdle(t *testing.T) {
	h := newHarness(t, setup{})
	other := common.HexToAddress("0x0000000000000000000000000000000000000077")
	recs := h.coord.Handle(context.Background(), chain.PendingTx{Hash: common.HexToHash("0x01"), From: other, To: &attacker})
	assert.Nil(t, recs)
	assert.Zero(t, h.state.Stats().Detected)
	assert.Empty(t, h.sent())
}

func TestPresignedTierWins(t *testing.T) {
	h := newHarness(t, setup{})
	h.confirmAll(types.ReceiptStatusSuccessful)

	recs := h.coord.Handle(context.Background(), h.drain())
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, PhaseWon, r.Outcome)
	assert.Equal(t, TierPresigned, r.Tier)
	assert.Equal(t, []Tier{TierPresigned}, r.Tried)
	assert.Equal(t, []Phase{PhaseIdle, PhaseThreatDetected, PhaseStrategySelected, PhaseBroadcasting, PhaseWon}, r.Phases)
	assert.Equal(t, "UNAUTHORIZED_OUTGOING", r.Threat)
	assert.Equal(t, "native", r.Asset)
	assert.Equal(t, "rpc", r.Channel)
	assert.Positive(t, r.Latency)
	assert.NotEmpty(t, r.ID)

	sent := h.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(10), sent[0].Nonce())
	assert.Equal(t, sent[0].Hash(), r.Defense)
	assert.Equal(t, "sweepETH", module.Method(sent[0].Data()))
}

func TestDuplicateRespondsOnce(t *testing.T) {
	h := newHarness(t, setup{})
	h.confirmAll(types.ReceiptStatusSuccessful)

	require.Len(t, h.coord.Handle(context.Background(), h.drain()), 1)
	assert.Nil(t, h.coord.Handle(context.Background(), h.drain()))

	st := h.state.Stats()
	assert.Equal(t, uint64(1), st.Detected)
	assert.Equal(t, uint64(1), st.Duplicates)
	assert.Equal(t, uint64(1), st.Responses)
	assert.Len(t, h.sent(), 1)
}

func TestOwnTransactionIgnored(t *testing.T) {
	h := newHarness(t, setup{})
	own := h.pool.Snapshot()[chain.Native.Key()][0]
	to := common.HexToAddress("0x01")
	assert.Nil(t, h.coord.Handle(context.Background(), chain.PendingTx{Hash: own.Hash, From: h.signer.Address(), To: &to, Data: own.Tx.Data()}))
	assert.Zero(t, h.state.Stats().Detected)
}

func TestAttackerQuoteIsOutbidAtSameNonce(t *testing.T) {
	h := newHarness(t, setup{})
	h.confirmAll(types.ReceiptStatusSuccessful)
	pre := h.pool.Snapshot()[chain.Native.Key()][0]

	tx := h.drain()
	tx.Gas = gas.Legacy(gas.GweiToWei(500))
	recs := h.coord.Handle(context.Background(), tx)
	require.Equal(t, PhaseWon, recs[0].Outcome)

	sent := h.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(10), sent[0].Nonce())
	assert.NotEqual(t, pre.Hash, sent[0].Hash())
	assert.True(t, sent[0].GasTipCap().Cmp(gas.GweiToWei(150)) >= 0, "tip %s", sent[0].GasTipCap())
}

func TestExhaustedPoolUsesAuction(t *testing.T) {
	h := newHarness(t, setup{capacity: 1})
	h.confirmAll(types.ReceiptStatusSuccessful)
	_, err := h.pool.Retrieve(chain.Native)
	require.NoError(t, err)

	r := h.coord.Handle(context.Background(), h.drain())[0]
	assert.Equal(t, PhaseWon, r.Outcome)
	assert.Equal(t, []Tier{TierAuction}, r.Tried)
	assert.Equal(t, uint64(11), h.sent()[0].Nonce())
}

func TestRevertIsTerminal(t *testing.T) {
	h := newHarness(t, setup{})
	h.confirmAll(types.ReceiptStatusFailed)

	r := h.coord.Handle(context.Background(), h.drain())[0]
	assert.Equal(t, PhaseLost, r.Outcome)
	assert.Equal(t, []Tier{TierPresigned}, r.Tried)
	assert.Contains(t, r.LastError, "reverted")
	assert.Len(t, h.sent(), 1)
}

func TestRejectionEverywhereEscalatesThenSweepsAll(t *testing.T) {
	h := newHarness(t, setup{})
	h.client.SendFn = func(*types.Transaction) error { return errors.New("insufficient funds for gas * price + value") }

	r := h.coord.Handle(context.Background(), h.drain())[0]
	assert.Equal(t, PhaseLost, r.Outcome)
	assert.Equal(t, []Tier{TierPresigned, TierAuction, TierOnDemand, TierEmergency}, r.Tried)
	assert.Len(t, r.Errors, 4)

	// Nothing was included, so every nonce went back to the pool.
	e, err := h.pool.Retrieve(chain.Native)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), e.Nonce)
}

func TestUnderpricedReissuesWithRaisedFloor(t *testing.T) {
	h := newHarness(t, setup{cfg: Config{MaxRetries: 2, EmergencyMul: 1.5}})
	var mu sync.Mutex
	calls := 0
	h.client.SendFn = func(tx *types.Transaction) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return errors.New("transaction underpriced: minimum needed 200000000000")
		}
		h.client.Include(tx.Hash(), types.ReceiptStatusSuccessful)
		return nil
	}

	r := h.coord.Handle(context.Background(), h.drain())[0]
	require.Equal(t, PhaseWon, r.Outcome)
	assert.Equal(t, TierPresigned, r.Tier)

	sent := h.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(10), sent[0].Nonce())
	assert.True(t, sent[0].GasFeeCap().Cmp(gas.GweiToWei(300)) >= 0, "fee cap %s", sent[0].GasFeeCap())
	assert.Equal(t, sent[0].Hash(), r.Defense)
}

func TestUnknownInclusionHoldsNonceUntilEvicted(t *testing.T) {
	h := newHarness(t, setup{claimGrace: time.Nanosecond})
	ctx := context.Background()

	r := h.coord.Handle(ctx, h.drain())[0]
	assert.Equal(t, PhaseUnknown, r.Outcome)
	assert.Equal(t, []Tier{TierPresigned}, r.Tried)

	// Still pending at the node: the nonce stays claimed.
	require.NoError(t, h.pool.ForceRegenerate(ctx, "refresh"))
	e, err := h.pool.Retrieve(chain.Native)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), e.Nonce)
	require.True(t, h.pool.Release(e.Hash))

	// Evicted from the mempool: the next forced regeneration frees it.
	h.client.Drop(r.Defense)
	require.NoError(t, h.pool.ForceRegenerate(ctx, "refresh"))
	e, err = h.pool.Retrieve(chain.Native)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), e.Nonce)
}

// stallingPool never finishes a refresh until its context ends, like a node
// that accepts the connection and then hangs.
type stallingPool struct{ Pool }

func (stallingPool) RegenerateIfAdvanced(ctx context.Context) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (stallingPool) ForceRegenerate(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStalledRefreshIsBoundedByResponseTimeout(t *testing.T) {
	h := newHarness(t, setup{
		cfg:  Config{ResponseTimeout: 150 * time.Millisecond},
		wrap: func(p Pool) Pool { return stallingPool{p} },
	})

	done := make(chan []Record, 1)
	go func() { done <- h.coord.Handle(context.Background(), h.drain()) }()
	select {
	case recs := <-done:
		require.Len(t, recs, 1)
		assert.True(t, recs[0].Outcome.Terminal())
	case <-time.After(3 * time.Second):
		t.Fatal("response blocked on a stalled pool refresh")
	}
}

func TestDryRunNeverSubmits(t *testing.T) {
	h := newHarness(t, setup{cfg: Config{DryRun: true}})

	r := h.coord.Handle(context.Background(), h.drain())[0]
	assert.True(t, r.DryRun)
	assert.Equal(t, PhaseUnknown, r.Outcome)
	assert.Empty(t, h.sent())
	e, err := h.pool.Retrieve(chain.Native)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), e.Nonce)
}

func TestMultipleAssetAnswersEveryTrackedAsset(t *testing.T) {
	h := newHarness(t, setup{assets: []chain.AssetRef{chain.Native, token}})
	h.confirmAll(types.ReceiptStatusSuccessful)

	protected := h.signer.Address()
	data := append([]byte{0xa9, 0x05, 0x9c, 0xbb}, make([]byte, 64)...)
	recs := h.coord.Handle(context.Background(), chain.PendingTx{
		Hash: common.HexToHash("0xbad2"),
		From: attacker,
		To:   &protected,
		Data: data,
	})
	require.Len(t, recs, 2)
	assets := map[string]bool{}
	for _, r := range recs {
		assert.Equal(t, PhaseWon, r.Outcome)
		assert.Equal(t, "DANGEROUS_CONTRACT_CALL", r.Threat)
		assets[r.Asset] = true
	}
	assert.True(t, assets["native"])
	assert.True(t, assets[token.Key()])

	sent := h.sent()
	require.Len(t, sent, 2)
	assert.NotEqual(t, sent[0].Nonce(), sent[1].Nonce())
}

type panicBidder struct{}

func (panicBidder) Bid(context.Context, gas.Quote) gas.Quote { panic("bid exploded") }

func TestPanicTriggersEmergencySweep(t *testing.T) {
	h := newHarness(t, setup{capacity: 1, bidder: panicBidder{}})
	h.confirmAll(types.ReceiptStatusSuccessful)
	_, err := h.pool.Retrieve(chain.Native)
	require.NoError(t, err)

	var recs []Record
	require.NotPanics(t, func() { recs = h.coord.Handle(context.Background(), h.drain()) })
	r := recs[0]
	assert.Equal(t, TierEmergency, r.Tier)
	assert.Equal(t, PhaseWon, r.Outcome)
	assert.Contains(t, r.Errors[0], "panic: bid exploded")

	sent := h.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "sweepETH", module.Method(sent[0].Data()))
	assert.Equal(t, uint64(11), sent[0].Nonce())
}

type fakeBundler struct {
	err      error
	included bool

	mu      sync.Mutex
	defense [][]byte
}

func (b *fakeBundler) Available() bool { return true }

func (b *fakeBundler) GuaranteedOrdering(_ context.Context, defense []byte, _ chain.PendingTx, _ uint64) (bundlecore.Outcome, error) {
	b.mu.Lock()
	b.defense = append(b.defense, defense)
	b.mu.Unlock()
	if b.err != nil {
		return bundlecore.Outcome{}, b.err
	}
	return bundlecore.Outcome{BundleHash: "0xbundle", Relays: []string{"fb"}, TargetBlocks: []uint64{102}}, nil
}

func (b *fakeBundler) Watch(context.Context, common.Hash, bundlecore.Outcome) (uint64, bool) {
	return 102, b.included
}

func TestBundleTierWins(t *testing.T) {
	b := &fakeBundler{included: true}
	h := newHarness(t, setup{bundles: b})

	r := h.coord.Handle(context.Background(), h.drain())[0]
	assert.Equal(t, PhaseWon, r.Outcome)
	assert.Equal(t, []Tier{TierBundle}, r.Tried)
	assert.Equal(t, "0xbundle", r.BundleHash)
	assert.Empty(t, h.sent())
	require.Len(t, b.defense, 1)
}

func TestBundleWindowClosedReleasesNonce(t *testing.T) {
	b := &fakeBundler{included: false}
	h := newHarness(t, setup{bundles: b})

	r := h.coord.Handle(context.Background(), h.drain())[0]
	assert.Equal(t, PhaseUnknown, r.Outcome)
	e, err := h.pool.Retrieve(chain.Native)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), e.Nonce)
}

func TestBundleFailureCarriesDefenseIntoBroadcast(t *testing.T) {
	for name, err := range map[string]error{
		"network":  &flashbots.RelayError{Relay: "fb", Class: flashbots.ClassNetwork, Err: context.DeadlineExceeded},
		"semantic": &flashbots.RelayError{Relay: "fb", Class: flashbots.ClassSemantic, Message: "bundle simulation reverted"},
	} {
		t.Run(name, func(t *testing.T) {
			b := &fakeBundler{err: err}
			h := newHarness(t, setup{bundles: b})
			h.confirmAll(types.ReceiptStatusSuccessful)

			r := h.coord.Handle(context.Background(), h.drain())[0]
			assert.Equal(t, PhaseWon, r.Outcome)
			assert.Equal(t, []Tier{TierBundle, TierPresigned}, r.Tried)
			require.NotEmpty(t, r.Errors)
			assert.Contains(t, r.Errors[0], "bundle: ")

			sent := h.sent()
			require.Len(t, sent, 1)
			raw, mErr := sent[0].MarshalBinary()
			require.NoError(t, mErr)
			assert.Equal(t, b.defense[0], raw)
		})
	}
}

type chanSource chan chain.PendingTx

func (s chanSource) Next(ctx context.Context) (chain.PendingTx, bool) {
	select {
	case tx, ok := <-s:
		return tx, ok
	case <-ctx.Done():
		return chain.PendingTx{}, false
	}
}

func TestRunDedupesStream(t *testing.T) {
	h := newHarness(t, setup{cfg: Config{MaxInflight: 2}})
	h.confirmAll(types.ReceiptStatusSuccessful)

	src := make(chanSource, 8)
	for i := 0; i < 3; i++ {
		src <- h.drain()
	}
	other := common.HexToAddress("0x0000000000000000000000000000000000000077")
	src <- chain.PendingTx{Hash: common.HexToHash("0x02"), From: other, To: &attacker}
	close(src)

	require.NoError(t, h.coord.Run(context.Background(), src))
	st := h.state.Stats()
	assert.Equal(t, uint64(1), st.Detected)
	assert.Equal(t, uint64(2), st.Duplicates)
	assert.Equal(t, uint64(1), st.Responses)
	assert.Equal(t, uint64(1), st.ByOutcome["won"])
	assert.Len(t, h.state.Recent(10), 1)
}

// countingPool records the peak number of concurrent Retrieve calls.
type countingPool struct {
	Pool
	cur, peak *atomic.Int32
}

func (p countingPool) Retrieve(a chain.AssetRef) (presign.Entry, error) {
	n := p.cur.Add(1)
	defer p.cur.Add(-1)
	for {
		m := p.peak.Load()
		if n <= m || p.peak.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return p.Pool.Retrieve(a)
}

func TestRunBoundsInflightResponses(t *testing.T) {
	var cur, peak atomic.Int32
	h := newHarness(t, setup{
		capacity: 6,
		cfg:      Config{MaxInflight: 2},
		wrap:     func(p Pool) Pool { return countingPool{Pool: p, cur: &cur, peak: &peak} },
	})
	h.confirmAll(types.ReceiptStatusSuccessful)

	src := make(chanSource, 8)
	for i := 1; i <= 6; i++ {
		tx := h.drain()
		tx.Hash = common.BigToHash(big.NewInt(int64(i)))
		src <- tx
	}
	close(src)

	require.NoError(t, h.coord.Run(context.Background(), src))
	assert.Equal(t, uint64(6), h.state.Stats().Responses)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}
