// Package bundlecore builds and races ordered bundles (defense first,
// attacker optionally second) across bundle-capable relays.
package bundlecore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/flashbots"
	"github.com/ligun0805/mempool-guardian/internal/metrics"
)

// ErrUnavailable: no bundle-capable relay is configured. The tier is skipped.
var ErrUnavailable = errors.New("bundlecore: no bundle relay configured")

// Relay is satisfied by *flashbots.Client.
type Relay interface {
	Name() string
	SendBundle(ctx context.Context, b flashbots.Bundle) (string, error)
	CallBundle(ctx context.Context, b flashbots.Bundle, stateBlock string) (*flashbots.SimResult, error)
}

// Ledger is the subset of chain.Client the engine reads.
type Ledger interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Options struct {
	Lookahead     uint64        // blocks past head for the first target
	Span          uint64        // consecutive target blocks
	TTL           time.Duration // maxTimestamp = now + TTL
	Simulate      bool          // eth_callBundle before sending
	SubmitTimeout time.Duration
	WatchWindow   uint64 // blocks past the last target the inclusion watch covers
	PollInterval  time.Duration
}

// Outcome describes an accepted bundle submission.
type Outcome struct {
	BundleHash      string
	Relays          []string
	TargetBlocks    []uint64
	Txs             int
	WithAttacker    bool
	ReplacementUUID string
	Latency         time.Duration
}

type Engine struct {
	relays []Relay
	ledger Ledger
	opts   Options
	log    zerolog.Logger
}

func New(relays []Relay, ledger Ledger, opts Options, log zerolog.Logger) *Engine {
	if opts.Lookahead == 0 {
		opts.Lookahead = 2
	}
	if opts.Span == 0 {
		opts.Span = 1
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Second
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 4 * time.Second
	}
	if opts.WatchWindow == 0 {
		opts.WatchWindow = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 300 * time.Millisecond
	}
	return &Engine{relays: relays, ledger: ledger, opts: opts, log: log}
}

// Available reports whether at least one bundle relay is configured.
func (e *Engine) Available() bool { return e != nil && len(e.relays) > 0 }

// TargetBlocks returns the blocks a bundle built at head targets.
func (e *Engine) TargetBlocks(head uint64) []uint64 {
	out := make([]uint64, 0, e.opts.Span)
	for i := uint64(0); i < e.opts.Span; i++ {
		out = append(out, head+e.opts.Lookahead+i)
	}
	return out
}

// GuaranteedOrdering submits [defense, attacker?] to every relay for every
// target block. The attacker is appended only when its signed bytes are
// known. currentBlock of zero reads the head.
//
// Errors are *flashbots.RelayError: network-class when every failure was a
// transport problem (fall back to broadcast tiers), semantic otherwise.
func (e *Engine) GuaranteedOrdering(ctx context.Context, defense []byte, attacker chain.PendingTx, currentBlock uint64) (Outcome, error) {
	if !e.Available() {
		return Outcome{}, ErrUnavailable
	}
	if len(defense) == 0 {
		return Outcome{}, &flashbots.RelayError{Relay: "bundlecore", Method: "eth_sendBundle", Class: flashbots.ClassSemantic, Message: "empty defense transaction"}
	}
	start := time.Now()
	if currentBlock == 0 {
		h, err := e.ledger.HeaderByNumber(ctx, nil)
		if err != nil {
			return Outcome{}, &flashbots.RelayError{Relay: "ledger", Method: "eth_getBlockByNumber", Class: flashbots.ClassNetwork, Err: err}
		}
		currentBlock = h.Number.Uint64()
	}

	txs := [][]byte{defense}
	var reverting []common.Hash
	if attacker.HasRaw() {
		txs = append(txs, attacker.Raw)
		// The attacker transfer fails once the defense has moved the funds.
		h := attacker.Hash
		if h == (common.Hash{}) {
			h = crypto.Keccak256Hash(attacker.Raw)
		}
		reverting = []common.Hash{h}
	}
	out := Outcome{
		TargetBlocks:    e.TargetBlocks(currentBlock),
		Txs:             len(txs),
		WithAttacker:    len(txs) > 1,
		ReplacementUUID: uuid.NewString(),
	}
	maxTS := uint64(time.Now().Add(e.opts.TTL).Unix())

	if e.opts.Simulate {
		sim := flashbots.Bundle{Txs: txs, BlockNumber: out.TargetBlocks[0], RevertingTxHashes: reverting}
		if err := e.simulate(ctx, sim); err != nil {
			return out, err
		}
	}

	type answer struct {
		relay string
		hash  string
		err   error
	}
	sendCtx, cancel := context.WithTimeout(ctx, e.opts.SubmitTimeout)
	defer cancel()
	answers := make(chan answer, len(e.relays)*len(out.TargetBlocks))
	var wg sync.WaitGroup
	for _, r := range e.relays {
		for _, block := range out.TargetBlocks {
			wg.Add(1)
			go func(r Relay, block uint64) {
				defer wg.Done()
				h, err := r.SendBundle(sendCtx, flashbots.Bundle{
					Txs:               txs,
					BlockNumber:       block,
					MaxTimestamp:      maxTS,
					ReplacementUUID:   out.ReplacementUUID,
					RevertingTxHashes: reverting,
				})
				answers <- answer{relay: r.Name(), hash: h, err: err}
			}(r, block)
		}
	}
	wg.Wait()
	close(answers)

	var (
		failures []error
		semantic *flashbots.RelayError
		accepted = map[string]bool{}
	)
	for a := range answers {
		if a.err == nil {
			metrics.BundleSubmissions.WithLabelValues(a.relay, "accepted").Inc()
			if !accepted[a.relay] {
				accepted[a.relay] = true
				out.Relays = append(out.Relays, a.relay)
			}
			if out.BundleHash == "" {
				out.BundleHash = a.hash
			}
			continue
		}
		class := flashbots.ClassOf(a.err)
		metrics.BundleSubmissions.WithLabelValues(a.relay, class.String()).Inc()
		failures = append(failures, a.err)
		var re *flashbots.RelayError
		if class == flashbots.ClassSemantic && semantic == nil {
			if !errors.As(a.err, &re) {
				re = &flashbots.RelayError{Relay: a.relay, Method: "eth_sendBundle", Class: flashbots.ClassSemantic, Err: a.err}
			}
			semantic = re
		}
	}
	out.Latency = time.Since(start)

	if len(out.Relays) > 0 {
		e.log.Info().Strs("relays", out.Relays).Uints64("blocks", out.TargetBlocks).Int("txs", out.Txs).
			Dur("latency", out.Latency).Msg("bundle accepted")
		return out, nil
	}
	if semantic != nil {
		e.log.Error().Err(errors.Join(failures...)).Msg("bundle rejected")
		return out, semantic
	}
	return out, &flashbots.RelayError{
		Relay:   "bundlecore",
		Method:  "eth_sendBundle",
		Class:   flashbots.ClassNetwork,
		Message: fmt.Sprintf("%d submissions failed", len(failures)),
		Err:     errors.Join(failures...),
	}
}

// simulate runs eth_callBundle on the first relay that answers. Transport
// failures skip simulation; a simulation failure is returned.
func (e *Engine) simulate(ctx context.Context, b flashbots.Bundle) error {
	for _, r := range e.relays {
		sctx, cancel := context.WithTimeout(ctx, e.opts.SubmitTimeout)
		_, err := r.CallBundle(sctx, b, "latest")
		cancel()
		switch {
		case err == nil:
			return nil
		case flashbots.IsSemantic(err):
			return err
		default:
			e.log.Warn().Str("relay", r.Name()).Err(err).Msg("simulation unavailable")
		}
	}
	return nil
}

// Watch polls for a receipt of hash until the head passes the last target
// block plus the watch window. It reports the inclusion block, or false when
// the window closed first.
func (e *Engine) Watch(ctx context.Context, hash common.Hash, out Outcome) (uint64, bool) {
	if len(out.TargetBlocks) == 0 {
		return 0, false
	}
	last := out.TargetBlocks[len(out.TargetBlocks)-1] + e.opts.WatchWindow
	t := time.NewTicker(e.opts.PollInterval)
	defer t.Stop()
	for {
		if r, err := e.ledger.TransactionReceipt(ctx, hash); err == nil && r != nil && r.BlockNumber != nil {
			return r.BlockNumber.Uint64(), true
		}
		if h, err := e.ledger.HeaderByNumber(ctx, nil); err == nil && h != nil && h.Number.Uint64() > last {
			return 0, false
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-t.C:
		}
	}
}
