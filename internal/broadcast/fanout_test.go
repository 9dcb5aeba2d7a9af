package broadcast

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/mempool-guardian/internal/chain/chaintest"
	"github.com/ligun0805/mempool-guardian/internal/gas"
)

type fakeChannel struct {
	name    string
	delay   time.Duration
	err     error
	private bool
	calls   atomic.Int32
}

func (c *fakeChannel) Name() string  { return c.name }
func (c *fakeChannel) Private() bool { return c.private }
func (c *fakeChannel) Send(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	c.calls.Add(1)
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}
	if c.err != nil {
		return common.Hash{}, c.err
	}
	return tx.Hash(), nil
}

func signedTx(t *testing.T, nonce uint64, tip int64) *types.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x01")
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(big.NewInt(137)), &types.DynamicFeeTx{
		ChainID:   big.NewInt(137),
		Nonce:     nonce,
		GasTipCap: gas.GweiToWei(tip),
		GasFeeCap: gas.GweiToWei(tip + 100),
		Gas:       60_000,
		To:        &to,
		Value:     big.NewInt(0),
	})
	require.NoError(t, err)
	return tx
}

func fastOpts() Options {
	return Options{SubmitTimeout: time.Second, ConfirmTimeout: 300 * time.Millisecond, PollInterval: 10 * time.Millisecond}
}

func TestSubmitMiddleChannelWins(t *testing.T) {
	ch1 := &fakeChannel{name: "a", err: errors.New("connection refused")}
	ch2 := &fakeChannel{name: "b", delay: 5 * time.Millisecond}
	ch3 := &fakeChannel{name: "c", err: errors.New("nonce too low")}
	f := New([]Channel{ch1, ch2, ch3}, chaintest.New(137), nil, fastOpts(), zerolog.Nop())

	tx := signedTx(t, 1, 30)
	res, err := f.Submit(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Channel)
	assert.Equal(t, tx.Hash(), res.Hash)
	assert.Len(t, res.Failures, 2)
}

func TestSubmitReportsFastestAcceptance(t *testing.T) {
	slow := &fakeChannel{name: "slow", delay: 80 * time.Millisecond}
	fast := &fakeChannel{name: "fast", delay: 5 * time.Millisecond}
	f := New([]Channel{slow, fast}, chaintest.New(137), nil, fastOpts(), zerolog.Nop())

	res, err := f.Submit(context.Background(), signedTx(t, 1, 30))
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Channel)
	assert.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubmitAllFail(t *testing.T) {
	f := New([]Channel{
		&fakeChannel{name: "a", err: errors.New("boom")},
		&fakeChannel{name: "b", err: errors.New("bang")},
	}, chaintest.New(137), nil, fastOpts(), zerolog.Nop())
	_, err := f.Submit(context.Background(), signedTx(t, 1, 30))
	assert.ErrorIs(t, err, ErrNoAcceptance)
	assert.NotErrorIs(t, err, ErrUnderpriced)

	_, err = New(nil, nil, nil, fastOpts(), zerolog.Nop()).Submit(context.Background(), signedTx(t, 1, 30))
	assert.ErrorIs(t, err, ErrNoChannels)
}

func TestPrivateChannelsStartFirst(t *testing.T) {
	f := New([]Channel{
		&fakeChannel{name: "rpc1"},
		&fakeChannel{name: "relay", private: true},
		&fakeChannel{name: "rpc2"},
	}, nil, nil, fastOpts(), zerolog.Nop())
	assert.Equal(t, []string{"relay", "rpc1", "rpc2"}, f.Channels())
}

type rejectAll struct{}

func (rejectAll) Validate(context.Context, *types.Transaction) error {
	return errors.Join(ErrRejected, errors.New("execution reverted"))
}

func TestValidationRejectionSendsNothing(t *testing.T) {
	ch := &fakeChannel{name: "a"}
	f := New([]Channel{ch}, nil, rejectAll{}, fastOpts(), zerolog.Nop())
	_, err := f.Submit(context.Background(), signedTx(t, 1, 30))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(0), ch.calls.Load())
}

func TestCallValidator(t *testing.T) {
	c := chaintest.New(137)
	tx := signedTx(t, 1, 30)
	v := CallValidator{Client: c, Signer: types.LatestSignerForChainID(big.NewInt(137))}
	assert.ErrorIs(t, v.Validate(context.Background(), tx), ErrRejected)

	c.CallFn = func(ethereum.CallMsg) ([]byte, error) { return nil, errors.New("dial tcp: refused") }
	assert.NoError(t, v.Validate(context.Background(), tx))
}

func TestUnderpricedParsing(t *testing.T) {
	msg := "transaction gas price below minimum: gas tip cap 1000, minimum needed 30000000000"
	assert.True(t, IsUnderpricedText(msg))
	assert.Equal(t, big.NewInt(30_000_000_000), ParseMinFee(msg))

	msg = "max fee per gas less than block base fee: address 0x1, maxFeePerGas: 10 baseFee: 42000"
	assert.True(t, IsUnderpricedText(msg))
	assert.Equal(t, big.NewInt(42_000), ParseMinFee(msg))

	assert.False(t, IsUnderpricedText("nonce too low"))
	assert.Nil(t, ParseMinFee("replacement transaction underpriced"))
}

func TestBroadcastRetriesUnderpriced(t *testing.T) {
	c := chaintest.New(137)
	first := signedTx(t, 5, 1)
	second := signedTx(t, 5, 90)
	c.SendFn = func(tx *types.Transaction) error {
		if tx.Hash() == first.Hash() {
			return errors.New("transaction underpriced: minimum needed 31000000000")
		}
		return nil
	}
	c.Include(second.Hash(), types.ReceiptStatusSuccessful)

	var gotMin *big.Int
	reissue := func(_ context.Context, minFee *big.Int) (*types.Transaction, error) {
		gotMin = minFee
		return second, nil
	}
	f := New([]Channel{RPCChannel{Label: "rpc", Client: c}}, c, nil, fastOpts(), zerolog.Nop())
	res, err := f.Broadcast(context.Background(), first, reissue, 3)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Status)
	assert.Equal(t, second.Hash(), res.Hash)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, big.NewInt(31_000_000_000), gotMin)
}

func TestBroadcastUnderpricedExhausted(t *testing.T) {
	c := chaintest.New(137)
	c.SendFn = func(*types.Transaction) error { return errors.New("fee too low") }
	calls := 0
	reissue := func(context.Context, *big.Int) (*types.Transaction, error) {
		calls++
		return signedTx(t, 5, int64(10*calls)), nil
	}
	f := New([]Channel{RPCChannel{Label: "rpc", Client: c}}, c, nil, fastOpts(), zerolog.Nop())
	res, err := f.Broadcast(context.Background(), signedTx(t, 5, 1), reissue, 2)
	assert.ErrorIs(t, err, ErrUnderpriced)
	assert.ErrorIs(t, err, ErrNoAcceptance)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, calls)
	assert.True(t, f.NotIncluded(context.Background(), res.Tx.Hash()))
}

func TestBroadcastRevertIsTerminal(t *testing.T) {
	c := chaintest.New(137)
	tx := signedTx(t, 5, 30)
	c.Include(tx.Hash(), types.ReceiptStatusFailed)
	f := New([]Channel{RPCChannel{Label: "rpc", Client: c}}, c, nil, fastOpts(), zerolog.Nop())
	res, err := f.Broadcast(context.Background(), tx, nil, 3)
	assert.ErrorIs(t, err, ErrReverted)
	assert.Equal(t, StatusReverted, res.Status)
	assert.Equal(t, 1, res.Attempts)
}

func TestBroadcastConfirmTimeoutIsUnknown(t *testing.T) {
	c := chaintest.New(137)
	tx := signedTx(t, 5, 30)
	f := New([]Channel{RPCChannel{Label: "rpc", Client: c}}, c, nil, fastOpts(), zerolog.Nop())
	res, err := f.Broadcast(context.Background(), tx, nil, 0)
	assert.ErrorIs(t, err, ErrConfirmTimeout)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.False(t, f.NotIncluded(context.Background(), tx.Hash()))
}

func TestRPCChannelAlreadyKnownCountsAsAccepted(t *testing.T) {
	c := chaintest.New(137)
	c.SendFn = func(*types.Transaction) error { return errors.New("already known") }
	tx := signedTx(t, 1, 30)
	h, err := RPCChannel{Label: "rpc", Client: c}.Send(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), h)
}
