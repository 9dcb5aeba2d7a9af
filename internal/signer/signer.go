// Package signer holds the protected account's key and produces signed sweep
// transactions at a caller-chosen nonce and gas quote. The key never leaves
// this package.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/gas"
	"github.com/ligun0805/mempool-guardian/internal/module"
)

// Gas limit headroom over eth_estimateGas, in percent.
const gasHeadroomPct = 120

// FallbackGasLimit is used when estimation fails and no previous estimate exists.
const FallbackGasLimit = 250_000

// Signer signs for exactly one account on one chain.
type Signer struct {
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer
	client  chain.Client
	log     zerolog.Logger
}

// ParseKey parses a hex ECDSA private key (with / without 0x).
func ParseKey(s string) (*ecdsa.PrivateKey, error) {
	h := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if len(h) == 0 {
		return nil, errors.New("empty private key")
	}
	return gethcrypto.HexToECDSA(h)
}

func New(key *ecdsa.PrivateKey, chainID *big.Int, client chain.Client, log zerolog.Logger) *Signer {
	return &Signer{
		key:     key,
		from:    gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		signer:  types.LatestSignerForChainID(chainID),
		client:  client,
		log:     log,
	}
}

func (s *Signer) Address() common.Address { return s.from }

func (s *Signer) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// TxSigner recovers senders for this chain.
func (s *Signer) TxSigner() types.Signer { return s.signer }

// PendingNonce reads the account's pending nonce. Only the pre-signed pool
// calls it; everyone else gets signed material from the pool.
func (s *Signer) PendingNonce(ctx context.Context) (uint64, error) {
	return s.client.PendingNonceAt(ctx, s.from)
}

// EstimateGas estimates a gas limit for call with headroom.
func (s *Signer) EstimateGas(ctx context.Context, call module.Call) (uint64, error) {
	to := call.To
	g, err := chain.EstimateGasWithRetry(ctx, s.client, ethereum.CallMsg{From: s.from, To: &to, Data: call.Data, Value: big.NewInt(0)})
	if err != nil {
		return 0, fmt.Errorf("estimate gas: %s", chain.RevertReason(err))
	}
	return g * gasHeadroomPct / 100, nil
}

// Sign builds and signs a transaction for call. A legacy quote produces a
// LegacyTx; a dynamic quote produces a DynamicFeeTx.
func (s *Signer) Sign(call module.Call, nonce, gasLimit uint64, q gas.Quote) (*types.Transaction, error) {
	to := call.To
	var inner types.TxData
	switch q.Kind() {
	case gas.KindLegacy:
		inner = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: q.Price(),
			Gas:      gasLimit,
			To:       &to,
			Value:    big.NewInt(0),
			Data:     call.Data,
		}
	case gas.KindDynamic:
		inner = &types.DynamicFeeTx{
			ChainID:   s.ChainID(),
			Nonce:     nonce,
			GasTipCap: q.Tip(),
			GasFeeCap: q.MaxFee(),
			Gas:       gasLimit,
			To:        &to,
			Value:     big.NewInt(0),
			Data:      call.Data,
		}
	default:
		return nil, errors.New("sign: unknown gas quote kind")
	}
	tx, err := types.SignNewTx(s.key, s.signer, inner)
	if err != nil {
		return nil, fmt.Errorf("sign nonce %d: %w", nonce, err)
	}
	s.log.Debug().Uint64("nonce", nonce).Str("hash", tx.Hash().Hex()).Str("gas", q.String()).Msg("signed")
	return tx, nil
}

// String never exposes the key.
func (s *Signer) String() string { return "signer(" + s.from.Hex() + ")" }
