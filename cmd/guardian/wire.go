package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ligun0805/mempool-guardian/internal/broadcast"
	"github.com/ligun0805/mempool-guardian/internal/bundlecore"
	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/config"
	"github.com/ligun0805/mempool-guardian/internal/coordinator"
	"github.com/ligun0805/mempool-guardian/internal/feed"
	"github.com/ligun0805/mempool-guardian/internal/flashbots"
	"github.com/ligun0805/mempool-guardian/internal/gas"
	"github.com/ligun0805/mempool-guardian/internal/log"
	"github.com/ligun0805/mempool-guardian/internal/module"
	"github.com/ligun0805/mempool-guardian/internal/presign"
	"github.com/ligun0805/mempool-guardian/internal/signer"
	"github.com/ligun0805/mempool-guardian/internal/threat"
)

// privateWindow bounds eth_sendPrivateTransaction to this many blocks.
const privateWindow = 25

// node is the read-only ledger wiring shared by every command.
type node struct {
	ec      *ethclient.Client
	chainID int64
	model   *gas.Model
	est     *gas.Estimator
}

func dialNode(ctx context.Context, st config.Settings) (*node, error) {
	if st.RPCURL == "" {
		return nil, fmt.Errorf("RPC_URL is required")
	}
	ec, err := ethclient.DialContext(ctx, st.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", st.RPCURL, err)
	}
	id := st.ChainID
	if id == 0 {
		cid, err := ec.ChainID(ctx)
		if err != nil {
			ec.Close()
			return nil, fmt.Errorf("chain id: %w", err)
		}
		id = cid.Int64()
	} else if cid, err := ec.ChainID(ctx); err == nil && cid.Int64() != id {
		ec.Close()
		return nil, fmt.Errorf("CHAIN_ID %d does not match node chain %d", id, cid.Int64())
	}
	model := gas.NewModel(st.GasConfig(id))
	oracle := &gas.FeeHistoryOracle{Src: ec, Window: 20}
	est := gas.NewEstimator(model, ec, oracle, log.NewLogger("gas"))
	return &node{ec: ec, chainID: id, model: model, est: est}, nil
}

// guardian is the full response wiring.
type guardian struct {
	*node
	signer  *signer.Signer
	pool    *presign.Pool
	fanout  *broadcast.Fanout
	engine  *bundlecore.Engine
	auction *gas.Auction
	feed    *feed.Feed
	coord   *coordinator.Coordinator
	extra   []*ethclient.Client
	rdb     *redis.Client
}

func (g *guardian) Close() {
	for _, c := range g.extra {
		c.Close()
	}
	if g.rdb != nil {
		_ = g.rdb.Close()
	}
	g.ec.Close()
}

func buildSigner(n *node, st config.Settings) (*signer.Signer, error) {
	key, err := signer.ParseKey(st.SignerPrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("SIGNER_PRIVATE_KEY: %w", err)
	}
	sg := signer.New(key, big.NewInt(n.chainID), n.ec, log.NewLogger("signer"))
	if st.ProtectedAddress != "" && common.HexToAddress(st.ProtectedAddress) != sg.Address() {
		return nil, fmt.Errorf("PROTECTED_ADDRESS %s is not the signer address %s", st.ProtectedAddress, sg.Address().Hex())
	}
	return sg, nil
}

func buildPool(n *node, sg *signer.Signer, st config.Settings) (*presign.Pool, error) {
	assets, err := st.Assets()
	if err != nil {
		return nil, err
	}
	mod := module.New(common.HexToAddress(st.ModuleAddress), common.HexToAddress(st.VaultAddress))
	opts := presign.Options{Capacity: st.PoolCapacity, Assets: assets}
	return presign.New(sg, mod, n.ec, n.est, n.model, opts, log.NewLogger("presign")), nil
}

func relayClients(st config.Settings) ([]*flashbots.Client, error) {
	if len(st.Relays) == 0 {
		return nil, nil
	}
	var auth *ecdsa.PrivateKey
	if st.FlashbotsAuthPKHex != "" {
		k, err := signer.ParseKey(st.FlashbotsAuthPKHex)
		if err != nil {
			return nil, fmt.Errorf("FLASHBOTS_AUTH_PK: %w", err)
		}
		auth = k
	}
	out := make([]*flashbots.Client, 0, len(st.Relays))
	for _, u := range st.Relays {
		out = append(out, flashbots.NewClient(u, auth))
	}
	return out, nil
}

func buildGuardian(ctx context.Context, st config.Settings) (*guardian, error) {
	n, err := dialNode(ctx, st)
	if err != nil {
		return nil, err
	}
	g := &guardian{node: n}
	fail := func(err error) (*guardian, error) {
		g.Close()
		return nil, err
	}

	if g.signer, err = buildSigner(n, st); err != nil {
		return fail(err)
	}
	if g.pool, err = buildPool(n, g.signer, st); err != nil {
		return fail(err)
	}
	relays, err := relayClients(st)
	if err != nil {
		return fail(err)
	}

	channels := []broadcast.Channel{broadcast.RPCChannel{Label: "rpc", Client: n.ec}}
	for _, u := range st.BroadcastRPCs {
		c, err := ethclient.DialContext(ctx, u)
		if err != nil {
			logger := log.NewLogger("broadcast")
			logger.Warn().Err(err).Str("url", u).Msg("extra broadcast endpoint skipped")
			continue
		}
		g.extra = append(g.extra, c)
		channels = append(channels, broadcast.RPCChannel{Label: hostOf(u), Client: c})
	}
	if st.PrivateTx {
		for _, r := range relays {
			channels = append(channels, broadcast.PrivateChannel{Relay: r, Heads: n.ec, Window: privateWindow})
		}
	}
	validator := broadcast.CallValidator{Client: n.ec, Signer: g.signer.TxSigner()}
	g.fanout = broadcast.New(channels, n.ec, validator, broadcast.Options{
		ConfirmTimeout: st.ConfirmTimeout,
		PollInterval:   st.ConfirmPoll,
	}, log.NewLogger("broadcast"))

	if len(relays) > 0 {
		br := make([]bundlecore.Relay, 0, len(relays))
		for _, r := range relays {
			br = append(br, r)
		}
		g.engine = bundlecore.New(br, n.ec, bundlecore.Options{
			Lookahead: st.BundleLookahead,
			Span:      st.BundleSpan,
			TTL:       st.BundleTimeout,
			Simulate:  st.BundleSimulate,
		}, log.NewLogger("bundlecore"))
	}

	g.auction = gas.NewAuction(n.model, n.est, st.GasPremiumPct, log.NewLogger("auction"))

	var sub feed.Subscriber
	if st.WSURL != "" {
		sub = feed.DialSubscriber{URL: st.WSURL}
	}
	g.feed = feed.New(sub, feed.PendingBlockPoller{Client: n.ec}, g.signer.TxSigner(), feed.Options{
		BackoffMin:   st.FeedBackoffMin,
		BackoffMax:   st.FeedBackoffMax,
		MaxAttempts:  st.FeedMaxAttempts,
		PollInterval: st.FeedPoll,
		QueueSize:    st.QueueSize,
	}, log.NewLogger("feed"))

	state, err := g.state(ctx, st)
	if err != nil {
		return fail(err)
	}
	deps := coordinator.Deps{
		Pool:    g.pool,
		Fanout:  g.fanout,
		Auction: g.auction,
		Quoter:  n.est,
		State:   state,
	}
	if g.engine != nil {
		deps.Bundles = g.engine
	}
	g.coord = coordinator.New(coordinator.Config{
		Account: threat.Account{
			Address: g.signer.Address(),
			Vault:   common.HexToAddress(st.VaultAddress),
		},
		EmergencyMul: st.EmergencyGasMul,
		MaxRetries:   st.MaxRetries,
		MaxInflight:  st.MaxInflight,
		DryRun:       st.DryRun,
	}, deps, log.NewLogger("coordinator"))
	return g, nil
}

// state returns the shared Redis dedupe store when REDIS_ADDR is set.
func (g *guardian) state(ctx context.Context, st config.Settings) (coordinator.State, error) {
	if st.RedisAddr == "" {
		return coordinator.NewMemoryState(time.Hour), nil
	}
	g.rdb = redis.NewClient(&redis.Options{
		Addr:     st.RedisAddr,
		Password: st.RedisPassword,
		DB:       st.RedisDB,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := g.rdb.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", st.RedisAddr, err)
	}
	return coordinator.NewRedisState(g.rdb, "guardian", uuid.NewString(), time.Hour), nil
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}

func assetLabels(chainID int64, assets []chain.AssetRef) []string {
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = chain.Label(chainID, a)
	}
	return out
}
