// Package feed supervises the pending-transaction subscription. It reconnects
// with capped exponential backoff and, after too many failed attempts, falls
// back to polling the pending block.
package feed

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/metrics"
	"github.com/ligun0805/mempool-guardian/internal/retry"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Polling
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Polling:
		return "polling"
	default:
		return "disconnected"
	}
}

// Subscriber opens one pending-transaction subscription.
type Subscriber interface {
	SubscribePending(ctx context.Context, ch chan<- *types.Transaction) (ethereum.Subscription, error)
}

// Poller lists the transactions in the node's pending block.
type Poller interface {
	PendingTransactions(ctx context.Context) ([]*types.Transaction, error)
}

type Options struct {
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int
	PollInterval time.Duration
	QueueSize    int
}

type Feed struct {
	sub    Subscriber
	poll   Poller
	signer types.Signer
	opts   Options
	queue  *Queue
	state  atomic.Int32
	log    zerolog.Logger

	// sleep is swapped by tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

func New(sub Subscriber, poll Poller, signer types.Signer, opts Options, log zerolog.Logger) *Feed {
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 1500 * time.Millisecond
	}
	return &Feed{
		sub:    sub,
		poll:   poll,
		signer: signer,
		opts:   opts,
		queue:  NewQueue(opts.QueueSize),
		log:    log,
		sleep:  sleepCtx,
	}
}

func (f *Feed) State() State { return State(f.state.Load()) }

func (f *Feed) setState(s State) {
	if State(f.state.Swap(int32(s))) != s {
		f.log.Info().Str("state", s.String()).Msg("feed state")
	}
	metrics.FeedState.Set(float64(s))
}

// Next blocks for the next pending transaction.
func (f *Feed) Next(ctx context.Context) (chain.PendingTx, bool) { return f.queue.Pop(ctx) }

func (f *Feed) Queue() *Queue { return f.queue }

// Backoff is the reconnect delay before attempt (zero-based).
func (f *Feed) Backoff(attempt int) time.Duration {
	return retry.Backoff(attempt, f.opts.BackoffMin, f.opts.BackoffMax)
}

// Run supervises the feed until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	defer f.setState(Disconnected)
	if f.sub != nil {
		f.subscribeLoop(ctx)
	}
	if ctx.Err() != nil {
		return
	}
	if f.poll == nil {
		f.log.Error().Msg("subscription gave up and no poller configured")
		return
	}
	f.pollLoop(ctx)
}

// subscribeLoop returns when ctx is done or MaxAttempts consecutive
// attempts failed.
func (f *Feed) subscribeLoop(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		f.setState(Connecting)
		metrics.FeedReconnects.Inc()
		ch := make(chan *types.Transaction, 256)
		sub, err := f.sub.SubscribePending(ctx, ch)
		if err != nil {
			failures++
			f.setState(Disconnected)
			if failures >= f.opts.MaxAttempts {
				f.log.Warn().Int("attempts", failures).Err(err).Msg("subscription failed, degrading to polling")
				return
			}
			d := f.Backoff(failures - 1)
			f.log.Warn().Int("attempt", failures).Dur("backoff", d).Err(err).Msg("subscribe failed")
			if !f.sleep(ctx, d) {
				return
			}
			continue
		}
		failures = 0
		f.setState(Connected)
		err = f.consume(ctx, sub, ch)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}
		failures++
		f.setState(Disconnected)
		if failures >= f.opts.MaxAttempts {
			return
		}
		d := f.Backoff(failures - 1)
		f.log.Warn().Err(err).Dur("backoff", d).Msg("subscription dropped")
		if !f.sleep(ctx, d) {
			return
		}
	}
}

func (f *Feed) consume(ctx context.Context, sub ethereum.Subscription, ch <-chan *types.Transaction) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case tx := <-ch:
			if tx != nil {
				f.push(tx)
			}
		}
	}
}

func (f *Feed) pollLoop(ctx context.Context) {
	f.setState(Polling)
	seen := newSeenSet(8192)
	for {
		pctx, cancel := context.WithTimeout(ctx, f.opts.PollInterval*2)
		txs, err := f.poll.PendingTransactions(pctx)
		cancel()
		if err != nil && ctx.Err() == nil {
			f.log.Debug().Err(err).Msg("pending poll failed")
		}
		for _, tx := range txs {
			if seen.add(tx.Hash()) {
				f.push(tx)
			}
		}
		if !f.sleep(ctx, f.opts.PollInterval) {
			return
		}
	}
}

func (f *Feed) push(tx *types.Transaction) {
	metrics.FeedReceived.Inc()
	f.queue.Push(chain.ToPendingTx(tx, f.signer))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// seenSet remembers the most recently polled hashes.
type seenSet struct {
	c *lru.Cache[common.Hash, struct{}]
}

func newSeenSet(size int) seenSet {
	c, _ := lru.New[common.Hash, struct{}](max(size, 1))
	return seenSet{c: c}
}

// add reports whether h is new.
func (s seenSet) add(h common.Hash) bool {
	found, _ := s.c.ContainsOrAdd(h, struct{}{})
	return !found
}

// DialSubscriber dials a fresh websocket connection per subscription so a
// dropped socket is replaced on reconnect.
type DialSubscriber struct {
	URL string
}

func (d DialSubscriber) SubscribePending(ctx context.Context, ch chan<- *types.Transaction) (ethereum.Subscription, error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rc, err := rpc.DialContext(dctx, d.URL)
	if err != nil {
		return nil, err
	}
	sub, err := gethclient.New(rc).SubscribeFullPendingTransactions(ctx, ch)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &closingSub{Subscription: sub, rc: rc}, nil
}

type closingSub struct {
	ethereum.Subscription
	rc   *rpc.Client
	once sync.Once
}

func (s *closingSub) Unsubscribe() {
	s.once.Do(func() {
		s.Subscription.Unsubscribe()
		s.rc.Close()
	})
}

// BlockSource is satisfied by *ethclient.Client.
type BlockSource interface {
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
}

// PendingBlockPoller polls the "pending" block.
type PendingBlockPoller struct {
	Client BlockSource
}

func (p PendingBlockPoller) PendingTransactions(ctx context.Context) ([]*types.Transaction, error) {
	b, err := p.Client.BlockByNumber(ctx, big.NewInt(int64(rpc.PendingBlockNumber)))
	if err != nil {
		return nil, err
	}
	return b.Transactions(), nil
}
