package config

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/gas"
)

// Settings keeps all configuration options. Keys are read in both
// UPPER_CASE and lower_case.
type Settings struct {
	RPCURL        string
	WSURL         string
	ChainID       int64 // 0 asks the node
	Relays        []string
	BroadcastRPCs []string // extra public endpoints raced by the fanout
	PrivateTx     bool     // use relays as private broadcast channels

	FlashbotsAuthPKHex  string
	SignerPrivateKeyHex string
	ProtectedAddress    string
	VaultAddress        string
	ModuleAddress       string
	TrackedAssets       []string

	PoolCapacity    int
	GasPremiumPct   int64
	EmergencyGasMul float64
	PoolRefresh     time.Duration

	BundleTimeout   time.Duration
	BundleLookahead uint64
	BundleSpan      uint64
	BundleSimulate  bool

	DryRun         bool
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
	MaxRetries     int
	MaxInflight    int
	QueueSize      int

	FeedBackoffMin  time.Duration
	FeedBackoffMax  time.Duration
	FeedMaxAttempts int
	FeedPoll        time.Duration

	// Gas overrides; zero keeps the chain preset.
	GasFloorGwei        float64
	GasTipGwei          float64
	GasTipCongestedGwei float64
	GasTipEmergencyGwei float64
	GasBufferGwei       float64
	GasCeilingGwei      float64
	LegacyTipPct        int64
	LegacyGas           bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MetricsAddr   string
	LogLevel      string
	LogPretty     bool

	NetcheckBlocks int
	NetcheckPcts   []int
}

// Load reads settings from environment supporting both UPPER_CASE and lower_case keys.
func Load() Settings {
	get := func(key, def string) string {
		for _, k := range []string{key, strings.ToLower(key)} {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				return v
			}
		}
		return def
	}
	getInt := func(key string, def int) int {
		if n, err := strconv.Atoi(get(key, "")); err == nil {
			return n
		}
		return def
	}
	getInt64 := func(key string, def int64) int64 {
		if n, err := strconv.ParseInt(get(key, ""), 10, 64); err == nil {
			return n
		}
		return def
	}
	getFloat := func(key string, def float64) float64 {
		if n, err := strconv.ParseFloat(get(key, ""), 64); err == nil {
			return n
		}
		return def
	}
	getBool := func(key string, def bool) bool {
		s := strings.ToLower(get(key, ""))
		if s == "" {
			return def
		}
		return s == "1" || s == "true" || s == "yes" || s == "on"
	}
	seconds := func(key string, def int) time.Duration {
		return time.Duration(getInt(key, def)) * time.Second
	}
	millis := func(key string, def int) time.Duration {
		return time.Duration(getInt(key, def)) * time.Millisecond
	}

	st := Settings{}
	st.RPCURL = get("RPC_URL", "")
	st.WSURL = get("WS_URL", "")
	st.ChainID = getInt64("CHAIN_ID", 0)
	st.Relays = splitCSV(get("RELAYS", ""))
	st.BroadcastRPCs = splitCSV(get("BROADCAST_RPCS", ""))
	st.PrivateTx = getBool("PRIVATE_TX", true)

	st.FlashbotsAuthPKHex = get("FLASHBOTS_AUTH_PK", "")
	st.SignerPrivateKeyHex = get("SIGNER_PRIVATE_KEY", "")
	st.ProtectedAddress = get("PROTECTED_ADDRESS", "")
	st.VaultAddress = get("VAULT_ADDRESS", "")
	st.ModuleAddress = get("MODULE_ADDRESS", "")
	st.TrackedAssets = splitCSV(get("TRACKED_ASSETS", "native"))

	st.PoolCapacity = getInt("POOL_CAPACITY", 5)
	st.GasPremiumPct = getInt64("GAS_PREMIUM_PCT", 50)
	st.EmergencyGasMul = getFloat("EMERGENCY_GAS_MUL", 1.5)
	st.PoolRefresh = seconds("POOL_REFRESH_SEC", 12)

	st.BundleTimeout = seconds("BUNDLE_TIMEOUT_SEC", 24)
	st.BundleLookahead = uint64(getInt("BUNDLE_LOOKAHEAD", 2))
	st.BundleSpan = uint64(getInt("BUNDLE_SPAN", 1))
	st.BundleSimulate = getBool("BUNDLE_SIMULATE", false)

	st.DryRun = getBool("DRY_RUN", false)
	st.ConfirmTimeout = seconds("CONFIRM_TIMEOUT_SEC", 45)
	st.ConfirmPoll = millis("CONFIRM_POLL_MS", 2000)
	st.MaxRetries = getInt("MAX_RETRIES", 3)
	st.MaxInflight = getInt("MAX_INFLIGHT", 32)
	st.QueueSize = getInt("QUEUE_SIZE", 1024)

	st.FeedBackoffMin = seconds("FEED_BACKOFF_MIN_SEC", 2)
	st.FeedBackoffMax = seconds("FEED_BACKOFF_MAX_SEC", 60)
	st.FeedMaxAttempts = getInt("FEED_MAX_ATTEMPTS", 10)
	st.FeedPoll = millis("FEED_POLL_MS", 1500)

	st.GasFloorGwei = getFloat("GAS_FLOOR_GWEI", 0)
	st.GasTipGwei = getFloat("GAS_TIP_GWEI", 0)
	st.GasTipCongestedGwei = getFloat("GAS_TIP_CONGESTED_GWEI", 0)
	st.GasTipEmergencyGwei = getFloat("GAS_TIP_EMERGENCY_GWEI", 0)
	st.GasBufferGwei = getFloat("GAS_BUFFER_GWEI", 0)
	st.GasCeilingGwei = getFloat("GAS_CEILING_GWEI", 0)
	st.LegacyTipPct = getInt64("LEGACY_TIP_PCT", 0)
	st.LegacyGas = getBool("LEGACY_GAS", false)

	st.RedisAddr = get("REDIS_ADDR", "")
	st.RedisPassword = get("REDIS_PASSWORD", "")
	st.RedisDB = getInt("REDIS_DB", 0)
	st.MetricsAddr = get("METRICS_ADDR", "")
	st.LogLevel = get("LOG_LEVEL", "info")
	st.LogPretty = getBool("LOG_PRETTY", false)

	st.NetcheckBlocks = getInt("NETCHECK_BLOCKS", 100)
	st.NetcheckPcts = parseCSVInts(get("NETCHECK_PCTS", "50,95,99"), []int{50, 95, 99})
	return st
}

// Validate reports every configuration error at once.
func (s Settings) Validate() error {
	var errs []error
	if s.RPCURL == "" {
		errs = append(errs, errors.New("RPC_URL is required"))
	}
	if s.SignerPrivateKeyHex == "" {
		errs = append(errs, errors.New("SIGNER_PRIVATE_KEY is required"))
	}
	for _, a := range []struct{ key, val string }{
		{"VAULT_ADDRESS", s.VaultAddress},
		{"MODULE_ADDRESS", s.ModuleAddress},
	} {
		if !common.IsHexAddress(a.val) {
			errs = append(errs, fmt.Errorf("%s must be a hex address, got %q", a.key, a.val))
		}
	}
	if s.ProtectedAddress != "" && !common.IsHexAddress(s.ProtectedAddress) {
		errs = append(errs, fmt.Errorf("PROTECTED_ADDRESS must be a hex address, got %q", s.ProtectedAddress))
	}
	if len(s.TrackedAssets) == 0 {
		errs = append(errs, errors.New("TRACKED_ASSETS is empty"))
	} else if _, err := chain.ParseAssets(s.TrackedAssets); err != nil {
		errs = append(errs, fmt.Errorf("TRACKED_ASSETS: %w", err))
	}
	if s.PoolCapacity <= 0 {
		errs = append(errs, errors.New("POOL_CAPACITY must be positive"))
	}
	if s.GasPremiumPct < 0 {
		errs = append(errs, errors.New("GAS_PREMIUM_PCT must not be negative"))
	}
	if s.EmergencyGasMul < 1 {
		errs = append(errs, errors.New("EMERGENCY_GAS_MUL must be at least 1"))
	}
	if len(s.Relays) > 0 && s.FlashbotsAuthPKHex == "" {
		errs = append(errs, errors.New("FLASHBOTS_AUTH_PK is required when RELAYS is set"))
	}
	return errors.Join(errs...)
}

// Assets parses TrackedAssets.
func (s Settings) Assets() ([]chain.AssetRef, error) { return chain.ParseAssets(s.TrackedAssets) }

// GasPreset returns the fee conventions for a chain.
func GasPreset(chainID int64) gas.Config {
	cfg := gas.DefaultConfig()
	switch chainID {
	case 137: // Polygon enforces a 25-30 gwei minimum tip.
		cfg.Floor = gas.GweiToWei(30)
		cfg.MinTip = gas.GweiToWei(30)
		cfg.BaseTip = gas.GweiToWei(30)
		cfg.CongestedTip = gas.GweiToWei(60)
		cfg.EmergencyTip = gas.GweiToWei(150)
		cfg.Buffer = gas.GweiToWei(5)
		cfg.Ceiling = gas.GweiToWei(5_000)
		cfg.FallbackBaseFee = gas.GweiToWei(50)
	case 1:
		cfg.Floor = gas.GweiToWei(1)
		cfg.BaseTip = gas.GweiToWei(2)
		cfg.CongestedTip = gas.GweiToWei(6)
		cfg.EmergencyTip = gas.GweiToWei(25)
		cfg.Buffer = gas.GweiFloatToWei(0.5)
		cfg.Ceiling = gas.GweiToWei(500)
		cfg.FallbackBaseFee = gas.GweiToWei(20)
	}
	return cfg
}

// GasConfig is the chain preset with any env overrides applied.
func (s Settings) GasConfig(chainID int64) gas.Config {
	cfg := GasPreset(chainID)
	set := func(dst **big.Int, gwei float64) {
		if gwei > 0 {
			*dst = gas.GweiFloatToWei(gwei)
		}
	}
	set(&cfg.Floor, s.GasFloorGwei)
	set(&cfg.BaseTip, s.GasTipGwei)
	set(&cfg.CongestedTip, s.GasTipCongestedGwei)
	set(&cfg.EmergencyTip, s.GasTipEmergencyGwei)
	set(&cfg.Buffer, s.GasBufferGwei)
	set(&cfg.Ceiling, s.GasCeilingGwei)
	if s.LegacyTipPct > 0 {
		cfg.LegacyTipPct = s.LegacyTipPct
	}
	if s.LegacyGas {
		cfg.LegacyOnly = true
	}
	return cfg
}

// Print writes the effective configuration with secrets masked.
func (s Settings) Print(w io.Writer, chainID int64, signer common.Address) {
	row := func(k string, v any) { fmt.Fprintf(w, "%-19s: %v\n", k, v) }
	fmt.Fprintln(w, "=== CONFIG (.env) ===")
	row("RPC_URL", s.RPCURL)
	row("WS_URL", s.WSURL)
	row("CHAIN_ID", chainID)
	row("RELAYS", strings.Join(s.Relays, ","))
	row("BROADCAST_RPCS", strings.Join(s.BroadcastRPCs, ","))
	row("FLASHBOTS_AUTH_PK", maskHex(s.FlashbotsAuthPKHex))
	row("SIGNER_PRIVATE_KEY", maskHex(s.SignerPrivateKeyHex))
	row("  -> signer", signer.Hex())
	row("VAULT_ADDRESS", s.VaultAddress)
	row("MODULE_ADDRESS", s.ModuleAddress)
	row("TRACKED_ASSETS", strings.Join(s.TrackedAssets, ","))
	row("POOL_CAPACITY", s.PoolCapacity)
	row("GAS_PREMIUM_PCT", s.GasPremiumPct)
	row("EMERGENCY_GAS_MUL", s.EmergencyGasMul)
	row("POOL_REFRESH", s.PoolRefresh)
	row("BUNDLE_TIMEOUT", s.BundleTimeout)
	row("BUNDLE_LOOKAHEAD", s.BundleLookahead)
	row("DRY_RUN", s.DryRun)
	if s.RedisAddr != "" {
		row("REDIS_ADDR", s.RedisAddr)
	}
	fmt.Fprintln(w, "=====================")
}

func maskHex(h string) string {
	h = strings.TrimSpace(h)
	if len(h) <= 10 {
		return "***"
	}
	return h[:6] + "…" + h[len(h)-4:]
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseCSVInts parses "a,b,c" into []int with defaults if empty/bad.
func parseCSVInts(s string, def []int) []int {
	var out []int
	for _, p := range splitCSV(s) {
		if v, err := strconv.Atoi(p); err == nil {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
