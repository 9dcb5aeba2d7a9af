package bundlecore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/chain/chaintest"
	"github.com/ligun0805/mempool-guardian/internal/flashbots"
)

type fakeRelay struct {
	name    string
	sendErr error
	simErr  error

	mu      sync.Mutex
	bundles   []flashbots.Bundle
	simulated []flashbots.Bundle
	sims      int
}

func (r *fakeRelay) Name() string { return r.name }

func (r *fakeRelay) SendBundle(_ context.Context, b flashbots.Bundle) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles = append(r.bundles, b)
	if r.sendErr != nil {
		return "", r.sendErr
	}
	return "0xbundle", nil
}

func (r *fakeRelay) CallBundle(_ context.Context, b flashbots.Bundle, _ string) (*flashbots.SimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sims++
	r.simulated = append(r.simulated, b)
	return &flashbots.SimResult{}, r.simErr
}

func networkErr() error {
	return &flashbots.RelayError{Relay: "r", Method: "eth_sendBundle", Class: flashbots.ClassNetwork, Err: context.DeadlineExceeded}
}

func semanticErr() error {
	return &flashbots.RelayError{Relay: "r", Method: "eth_sendBundle", Class: flashbots.ClassSemantic, Message: "invalid bundle"}
}

func TestUnavailableWithoutRelays(t *testing.T) {
	e := New(nil, chaintest.New(1), Options{}, zerolog.Nop())
	assert.False(t, e.Available())
	_, err := e.GuaranteedOrdering(context.Background(), []byte{1}, chain.PendingTx{}, 10)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBundleOrderAndTargets(t *testing.T) {
	r := &fakeRelay{name: "fb"}
	e := New([]Relay{r}, chaintest.New(1), Options{Lookahead: 2, Span: 2}, zerolog.Nop())

	attacker := chain.PendingTx{Raw: []byte{0xbb}}
	out, err := e.GuaranteedOrdering(context.Background(), []byte{0xaa}, attacker, 100)
	require.NoError(t, err)
	assert.Equal(t, []uint64{102, 103}, out.TargetBlocks)
	assert.True(t, out.WithAttacker)
	assert.Equal(t, []string{"fb"}, out.Relays)
	assert.Equal(t, "0xbundle", out.BundleHash)
	assert.NotEmpty(t, out.ReplacementUUID)

	require.Len(t, r.bundles, 2)
	for _, b := range r.bundles {
		assert.Equal(t, [][]byte{{0xaa}, {0xbb}}, b.Txs)
		assert.Equal(t, []common.Hash{crypto.Keccak256Hash([]byte{0xbb})}, b.RevertingTxHashes)
		assert.Equal(t, out.ReplacementUUID, b.ReplacementUUID)
		assert.Greater(t, b.MaxTimestamp, uint64(time.Now().Unix()))
	}
}

func TestSingleTxBundleWithoutAttackerBytes(t *testing.T) {
	r := &fakeRelay{name: "fb"}
	c := chaintest.New(1)
	c.SetHead(500)
	e := New([]Relay{r}, c, Options{}, zerolog.Nop())
	out, err := e.GuaranteedOrdering(context.Background(), []byte{0xaa}, chain.PendingTx{}, 0)
	require.NoError(t, err)
	assert.False(t, out.WithAttacker)
	assert.Equal(t, []uint64{502}, out.TargetBlocks)
	assert.Equal(t, [][]byte{{0xaa}}, r.bundles[0].Txs)
	assert.Empty(t, r.bundles[0].RevertingTxHashes)
}

func TestNetworkFailureSignalsFallback(t *testing.T) {
	e := New([]Relay{
		&fakeRelay{name: "a", sendErr: networkErr()},
		&fakeRelay{name: "b", sendErr: errors.New("dial tcp 1.2.3.4:443: connection refused")},
	}, chaintest.New(1), Options{}, zerolog.Nop())
	_, err := e.GuaranteedOrdering(context.Background(), []byte{1}, chain.PendingTx{}, 10)
	require.Error(t, err)
	assert.True(t, flashbots.IsNetwork(err))
	assert.False(t, flashbots.IsSemantic(err))
}

func TestSemanticFailureIsTerminal(t *testing.T) {
	e := New([]Relay{
		&fakeRelay{name: "a", sendErr: semanticErr()},
		&fakeRelay{name: "b", sendErr: networkErr()},
	}, chaintest.New(1), Options{}, zerolog.Nop())
	_, err := e.GuaranteedOrdering(context.Background(), []byte{1}, chain.PendingTx{}, 10)
	require.Error(t, err)
	assert.True(t, flashbots.IsSemantic(err))
}

func TestOneAcceptanceIsSuccess(t *testing.T) {
	e := New([]Relay{
		&fakeRelay{name: "a", sendErr: semanticErr()},
		&fakeRelay{name: "b"},
	}, chaintest.New(1), Options{}, zerolog.Nop())
	out, err := e.GuaranteedOrdering(context.Background(), []byte{1}, chain.PendingTx{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, out.Relays)
}

func TestSimulationFailureStopsSubmission(t *testing.T) {
	r := &fakeRelay{name: "fb", simErr: semanticErr()}
	e := New([]Relay{r}, chaintest.New(1), Options{Simulate: true}, zerolog.Nop())
	_, err := e.GuaranteedOrdering(context.Background(), []byte{1}, chain.PendingTx{}, 10)
	assert.True(t, flashbots.IsSemantic(err))
	assert.Empty(t, r.bundles)

	r = &fakeRelay{name: "fb", simErr: networkErr()}
	e = New([]Relay{r}, chaintest.New(1), Options{Simulate: true}, zerolog.Nop())
	_, err = e.GuaranteedOrdering(context.Background(), []byte{1}, chain.PendingTx{}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, r.sims)
	assert.Len(t, r.bundles, 1)
}

func TestSimulationListsAttackerAsReverting(t *testing.T) {
	r := &fakeRelay{name: "fb"}
	e := New([]Relay{r}, chaintest.New(1), Options{Simulate: true}, zerolog.Nop())
	attacker := chain.PendingTx{Hash: common.HexToHash("0xbeef"), Raw: []byte{0xbb}}
	_, err := e.GuaranteedOrdering(context.Background(), []byte{0xaa}, attacker, 10)
	require.NoError(t, err)

	require.Len(t, r.simulated, 1)
	assert.Equal(t, []common.Hash{attacker.Hash}, r.simulated[0].RevertingTxHashes)
	require.Len(t, r.bundles, 1)
	assert.Equal(t, []common.Hash{attacker.Hash}, r.bundles[0].RevertingTxHashes)
}

func TestWatchBoundedWindow(t *testing.T) {
	c := chaintest.New(1)
	c.SetHead(100)
	e := New([]Relay{&fakeRelay{name: "fb"}}, c, Options{WatchWindow: 2, PollInterval: 5 * time.Millisecond}, zerolog.Nop())
	out := Outcome{TargetBlocks: []uint64{102}}

	tx := types.NewTx(&types.LegacyTx{Nonce: 1})
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.SetHead(105)
	}()
	_, ok := e.Watch(context.Background(), tx.Hash(), out)
	assert.False(t, ok)

	c.Include(tx.Hash(), types.ReceiptStatusSuccessful)
	block, ok := e.Watch(context.Background(), tx.Hash(), out)
	assert.True(t, ok)
	assert.Equal(t, uint64(105), block)
}
