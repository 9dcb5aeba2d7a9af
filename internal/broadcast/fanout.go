// Package broadcast submits one signed transaction through every channel at
// once, reports the fastest acceptance and follows it to a receipt.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/metrics"
	"github.com/ligun0805/mempool-guardian/internal/retry"
)

var (
	// ErrNoAcceptance: every channel refused the transaction. Retryable.
	ErrNoAcceptance = errors.New("broadcast: no channel accepted the transaction")
	// ErrRejected: pre-validation refused the transaction; nothing was sent.
	ErrRejected = errors.New("broadcast: rejected by validation")
	// ErrReverted: included with failure status. The nonce is spent.
	ErrReverted = errors.New("broadcast: transaction reverted")
	// ErrConfirmTimeout: accepted but no receipt before the deadline.
	ErrConfirmTimeout = errors.New("broadcast: confirmation timed out")
	// ErrUnderpriced: the network floor exceeded the quoted fee.
	ErrUnderpriced = errors.New("broadcast: fee below network minimum")
	// ErrNoChannels: nothing to submit through.
	ErrNoChannels = errors.New("broadcast: no channels configured")
)

type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusReverted
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusReverted:
		return "reverted"
	case StatusUnknown:
		return "unknown"
	default:
		return "pending"
	}
}

// Submission is one channel's answer.
type Submission struct {
	Channel string
	Hash    common.Hash
	Latency time.Duration
	Err     error
}

// Result reports the fastest acceptance and, after Broadcast, the receipt.
type Result struct {
	Tx      *types.Transaction
	Hash    common.Hash
	Channel string
	Latency time.Duration
	// AcceptedAt is when the first channel accepted.
	AcceptedAt time.Time
	Failures   []Submission
	Attempts   int
	Receipt    *types.Receipt
	Status     Status
}

// Reissue returns a replacement for an underpriced transaction. minFee is
// the network's reported minimum, nil when unknown.
type Reissue func(ctx context.Context, minFee *big.Int) (*types.Transaction, error)

// Options tune a Fanout.
type Options struct {
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Fanout is safe for concurrent use.
type Fanout struct {
	channels  []Channel
	ledger    chain.Client
	validator Validator
	opts      Options
	log       zerolog.Logger
}

// New orders private channels first; every channel is still started
// concurrently. validator may be nil.
func New(channels []Channel, ledger chain.Client, validator Validator, opts Options, log zerolog.Logger) *Fanout {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 5 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 45 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	ordered := append([]Channel(nil), channels...)
	sort.SliceStable(ordered, func(i, j int) bool { return isPrivate(ordered[i]) && !isPrivate(ordered[j]) })
	return &Fanout{channels: ordered, ledger: ledger, validator: validator, opts: opts, log: log}
}

func isPrivate(c Channel) bool {
	p, ok := c.(privateChannel)
	return ok && p.Private()
}

// Channels returns channel names in start order.
func (f *Fanout) Channels() []string {
	out := make([]string, len(f.channels))
	for i, c := range f.channels {
		out[i] = c.Name()
	}
	return out
}

// Submit validates tx, starts every channel and returns as soon as one
// accepts. Channels still in flight finish in the background.
func (f *Fanout) Submit(ctx context.Context, tx *types.Transaction) (Result, error) {
	if len(f.channels) == 0 {
		return Result{}, ErrNoChannels
	}
	if f.validator != nil {
		if err := f.validator.Validate(ctx, tx); err != nil {
			if errors.Is(err, ErrRejected) {
				return Result{Tx: tx}, err
			}
			f.log.Warn().Err(err).Msg("validation unavailable, submitting anyway")
		}
	}

	// Submissions outlive the caller's return so slower channels still land.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.SubmitTimeout)
	out := make(chan Submission, len(f.channels))
	start := time.Now()
	for _, c := range f.channels {
		go func(c Channel) {
			h, err := c.Send(sendCtx, tx)
			s := Submission{Channel: c.Name(), Hash: h, Latency: time.Since(start), Err: err}
			result := "accepted"
			if err != nil {
				result = "rejected"
			}
			metrics.ChannelSubmissions.WithLabelValues(s.Channel, result).Inc()
			metrics.ChannelLatency.WithLabelValues(s.Channel).Observe(s.Latency.Seconds())
			out <- s
		}(c)
	}

	res := Result{Tx: tx}
	var errs []error
	var minFee *big.Int
	underpriced := false
	for i := 0; i < len(f.channels); i++ {
		var s Submission
		select {
		case s = <-out:
		case <-ctx.Done():
			go drain(out, len(f.channels)-i, cancel)
			return res, errors.Join(ErrNoAcceptance, ctx.Err())
		}
		if s.Err == nil {
			res.Hash, res.Channel, res.Latency = s.Hash, s.Channel, s.Latency
			res.AcceptedAt = start.Add(s.Latency)
			if res.Hash == (common.Hash{}) {
				res.Hash = tx.Hash()
			}
			f.log.Info().Str("channel", s.Channel).Dur("latency", s.Latency).Str("hash", res.Hash.Hex()).Msg("accepted")
			go f.drainLogged(out, len(f.channels)-i-1, cancel)
			return res, nil
		}
		f.log.Debug().Str("channel", s.Channel).Err(s.Err).Msg("channel rejected")
		res.Failures = append(res.Failures, s)
		errs = append(errs, fmt.Errorf("%s: %w", s.Channel, s.Err))
		if IsUnderpricedText(s.Err.Error()) {
			underpriced = true
			if v := ParseMinFee(s.Err.Error()); v != nil && (minFee == nil || v.Cmp(minFee) > 0) {
				minFee = v
			}
		}
	}
	cancel()
	err := errors.Join(errs...)
	if underpriced {
		err = &UnderpricedError{MinFee: minFee, Err: err}
	}
	return res, errors.Join(ErrNoAcceptance, err)
}

func drain(out <-chan Submission, n int, cancel context.CancelFunc) {
	defer cancel()
	for i := 0; i < n; i++ {
		<-out
	}
}

func (f *Fanout) drainLogged(out <-chan Submission, n int, cancel context.CancelFunc) {
	defer cancel()
	for i := 0; i < n; i++ {
		s := <-out
		if s.Err != nil {
			f.log.Debug().Str("channel", s.Channel).Err(s.Err).Msg("late channel rejected")
		}
	}
}

// Confirm polls for a receipt of hash until the confirm timeout.
func (f *Fanout) Confirm(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.ConfirmTimeout)
	defer cancel()
	t := time.NewTicker(f.opts.PollInterval)
	defer t.Stop()
	for {
		r, err := f.ledger.TransactionReceipt(ctx, hash)
		if err == nil && r != nil {
			if r.Status != types.ReceiptStatusSuccessful {
				return r, ErrReverted
			}
			return r, nil
		}
		if err != nil && !isNotFound(err) && ctx.Err() == nil {
			f.log.Debug().Err(err).Str("hash", hash.Hex()).Msg("receipt poll failed")
		}
		select {
		case <-ctx.Done():
			return nil, ErrConfirmTimeout
		case <-t.C:
		}
	}
}

// NotIncluded reports true only when the ledger confirms it has neither a
// receipt nor a pending copy of hash.
func (f *Fanout) NotIncluded(ctx context.Context, hash common.Hash) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := f.ledger.TransactionReceipt(ctx, hash); !isNotFound(err) {
		return false
	}
	_, _, err := f.ledger.TransactionByHash(ctx, hash)
	return isNotFound(err)
}

// Broadcast submits tx, replacing it through reissue on underpricing up to
// maxRetries times, then waits for confirmation. A revert is terminal.
func (f *Fanout) Broadcast(ctx context.Context, tx *types.Transaction, reissue Reissue, maxRetries int) (Result, error) {
	cur := tx
	var minFee *big.Int
	policy := retry.Policy{
		Attempts:  maxRetries + 1,
		Retryable: func(err error) bool { return reissue != nil && errors.Is(err, ErrUnderpriced) },
	}
	out := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (Result, error) {
		if attempt > 0 {
			next, err := reissue(ctx, minFee)
			if err != nil {
				return Result{Tx: cur}, fmt.Errorf("reissue: %w", err)
			}
			f.log.Warn().Int("attempt", attempt).Str("old", cur.Hash().Hex()).Str("new", next.Hash().Hex()).Msg("underpriced, replaced")
			cur = next
		}
		r, err := f.Submit(ctx, cur)
		if err != nil {
			if v := MinFeeOf(err); v != nil {
				minFee = v
			}
			return r, err
		}
		return r, nil
	})
	res := out.Value
	res.Attempts = out.Attempts
	if res.Tx == nil {
		res.Tx = cur
	}
	if out.Err != nil {
		return res, out.Err
	}

	rcpt, err := f.Confirm(ctx, res.Hash)
	res.Receipt = rcpt
	switch {
	case err == nil:
		res.Status = StatusConfirmed
	case errors.Is(err, ErrReverted):
		res.Status = StatusReverted
	default:
		res.Status = StatusUnknown
	}
	return res, err
}
