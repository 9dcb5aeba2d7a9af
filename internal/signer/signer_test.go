package signer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/chain/chaintest"
	"github.com/ligun0805/mempool-guardian/internal/gas"
	"github.com/ligun0805/mempool-guardian/internal/module"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newSigner(t *testing.T, c chain.Client) *Signer {
	key, err := ParseKey(testKey)
	require.NoError(t, err)
	id, _ := c.ChainID(context.Background())
	return New(key, id, c, zerolog.Nop())
}

func sweepCall(t *testing.T) module.Call {
	m := module.New(common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	call, err := m.Sweep(chain.Native)
	require.NoError(t, err)
	return call
}

func TestSignDynamicAndLegacy(t *testing.T) {
	c := chaintest.New(137)
	s := newSigner(t, c)
	call := sweepCall(t)

	tx, err := s.Sign(call, 9, 100_000, gas.Dynamic(gas.GweiToWei(200), gas.GweiToWei(50)))
	require.NoError(t, err)
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(9), tx.Nonce())
	assert.Equal(t, gas.GweiToWei(50), tx.GasTipCap())
	from, err := types.Sender(s.TxSigner(), tx)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)

	tx, err = s.Sign(call, 10, 100_000, gas.Legacy(gas.GweiToWei(80)))
	require.NoError(t, err)
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, gas.GweiToWei(80), tx.GasPrice())
	assert.Equal(t, call.Data, tx.Data())

	_, err = s.Sign(call, 11, 100_000, gas.Quote{})
	assert.Error(t, err)
}

func TestEstimateGasHeadroom(t *testing.T) {
	c := chaintest.New(1)
	c.Gas = 50_000
	s := newSigner(t, c)
	g, err := s.EstimateGas(context.Background(), sweepCall(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(60_000), g)

	c.GasErr = errors.New("execution reverted: nothing to sweep")
	_, err = s.EstimateGas(context.Background(), sweepCall(t))
	assert.ErrorContains(t, err, "nothing to sweep")
}

func TestSignerDoesNotLeakKey(t *testing.T) {
	c := chaintest.New(1)
	s := newSigner(t, c)
	key, _ := ParseKey(testKey)
	assert.Equal(t, gethcrypto.PubkeyToAddress(key.PublicKey), s.Address())
	assert.NotContains(t, fmt.Sprintf("%v", s), "4c0883a6")

	_, err := ParseKey("  ")
	assert.Error(t, err)
}
