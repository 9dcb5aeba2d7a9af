package gas

import (
	"math/big"
)

// Mode selects the tip tier used by Model.Quote.
type Mode uint8

const (
	Normal Mode = iota
	Congested
	Emergency
)

func (m Mode) String() string {
	switch m {
	case Congested:
		return "congested"
	case Emergency:
		return "emergency"
	default:
		return "normal"
	}
}

// Config holds the chain conventions the model prices against. All amounts are wei.
type Config struct {
	Floor        *big.Int // minimum acceptable total fee per gas
	MinTip       *big.Int // minimum priority fee the chain accepts (0 if none)
	BaseTip      *big.Int
	CongestedTip *big.Int
	EmergencyTip *big.Int
	Buffer       *big.Int // added on top of base fee + tip
	Ceiling      *big.Int // safety cap on the total fee per gas; nil or 0 disables it

	// LegacyTipPct is the share of a flat gas price assumed to be tip when
	// outbidding a legacy quote.
	LegacyTipPct int64
	// FallbackBaseFee is used when no base fee can be observed.
	FallbackBaseFee *big.Int
	// LegacyOnly makes the model emit Legacy quotes (pre-1559 chains).
	LegacyOnly bool
}

// DefaultConfig is a generic 1559 chain profile.
func DefaultConfig() Config {
	return Config{
		Floor:           GweiToWei(1),
		MinTip:          big.NewInt(0),
		BaseTip:         GweiToWei(2),
		CongestedTip:    GweiToWei(5),
		EmergencyTip:    GweiToWei(20),
		Buffer:          GweiFloatToWei(0.5),
		Ceiling:         GweiToWei(2_000),
		LegacyTipPct:    30,
		FallbackBaseFee: GweiToWei(30),
	}
}

// Model computes gas quotes. It is pure: no network access.
type Model struct {
	cfg Config
}

func NewModel(cfg Config) *Model {
	def := DefaultConfig()
	if cfg.Floor == nil {
		cfg.Floor = def.Floor
	}
	if cfg.MinTip == nil {
		cfg.MinTip = big.NewInt(0)
	}
	if cfg.BaseTip == nil {
		cfg.BaseTip = def.BaseTip
	}
	if cfg.CongestedTip == nil {
		cfg.CongestedTip = def.CongestedTip
	}
	if cfg.EmergencyTip == nil {
		cfg.EmergencyTip = def.EmergencyTip
	}
	if cfg.Buffer == nil {
		cfg.Buffer = big.NewInt(0)
	}
	if cfg.LegacyTipPct <= 0 || cfg.LegacyTipPct > 100 {
		cfg.LegacyTipPct = def.LegacyTipPct
	}
	if cfg.FallbackBaseFee == nil {
		cfg.FallbackBaseFee = def.FallbackBaseFee
	}
	return &Model{cfg: cfg}
}

func (m *Model) Config() Config { return m.cfg }

// Floor returns the minimum total fee per gas.
func (m *Model) Floor() *big.Int { return clone(m.cfg.Floor) }

func (m *Model) tipFor(mode Mode) *big.Int {
	switch mode {
	case Congested:
		return clone(m.cfg.CongestedTip)
	case Emergency:
		return clone(m.cfg.EmergencyTip)
	default:
		return clone(m.cfg.BaseTip)
	}
}

// Quote computes maxFee = baseFee + tip(mode) + buffer, clamped to the floor
// and the ceiling. A nil base fee falls back to the configured estimate.
func (m *Model) Quote(baseFee *big.Int, mode Mode) Quote {
	if baseFee == nil || baseFee.Sign() < 0 {
		baseFee = m.cfg.FallbackBaseFee
	}
	tip := maxBig(m.tipFor(mode), m.cfg.MinTip)
	return m.assemble(baseFee, tip)
}

// QuoteWithTip is Quote with an explicit tip (e.g. from a gas oracle).
func (m *Model) QuoteWithTip(baseFee, tip *big.Int) Quote {
	if baseFee == nil || baseFee.Sign() < 0 {
		baseFee = m.cfg.FallbackBaseFee
	}
	if tip == nil {
		tip = m.cfg.BaseTip
	}
	return m.assemble(baseFee, maxBig(clone(tip), m.cfg.MinTip))
}

// Outbid prices a quote that beats observed by premiumPct percent on the tip.
// The base fee is reconstructed from the observed quote (fee cap minus tip);
// baseFee is only consulted when observed cannot be parsed, in which case the
// emergency quote is returned.
func (m *Model) Outbid(observed Quote, premiumPct int64, baseFee *big.Int) Quote {
	if !observed.Valid() {
		return m.Quote(baseFee, Emergency)
	}
	if premiumPct < 0 {
		premiumPct = 0
	}

	var obsTip, obsCap *big.Int
	switch observed.Kind() {
	case KindDynamic:
		obsTip, obsCap = observed.Tip(), observed.MaxFee()
		if obsTip.Cmp(obsCap) > 0 {
			obsTip = clone(obsCap)
		}
	case KindLegacy:
		obsCap = observed.Price()
		obsTip = new(big.Int).Div(new(big.Int).Mul(obsCap, big.NewInt(m.cfg.LegacyTipPct)), big.NewInt(100))
	default:
		return m.Quote(baseFee, Emergency)
	}

	estBase := new(big.Int).Sub(obsCap, obsTip)
	if estBase.Sign() < 0 {
		estBase.SetInt64(0)
	}
	newTip := MulPct(obsTip, 100+premiumPct)
	return m.assemble(estBase, maxBig(newTip, m.cfg.MinTip))
}

// assemble builds the final quote. When the ceiling binds, the fee cap is
// lowered but the tip keeps priority: it is only cut down to the cap itself.
func (m *Model) assemble(baseFee, tip *big.Int) Quote {
	maxFee := new(big.Int).Add(baseFee, tip)
	maxFee.Add(maxFee, m.cfg.Buffer)
	if maxFee.Cmp(m.cfg.Floor) < 0 {
		maxFee.Set(m.cfg.Floor)
	}
	if c := m.cfg.Ceiling; c != nil && c.Sign() > 0 && maxFee.Cmp(c) > 0 {
		maxFee.Set(c)
		if tip.Cmp(maxFee) > 0 {
			tip = clone(maxFee)
		}
	}
	if m.cfg.LegacyOnly {
		return Legacy(maxFee)
	}
	return Dynamic(maxFee, tip)
}

// WithFloor returns a copy of the model whose floor is raised to at least
// minFee. Used after the network rejects a quote as underpriced.
func (m *Model) WithFloor(minFee *big.Int) *Model {
	cfg := m.cfg
	if minFee != nil && minFee.Cmp(cfg.Floor) > 0 {
		cfg.Floor = clone(minFee)
		if cfg.Ceiling != nil && cfg.Ceiling.Sign() > 0 && cfg.Ceiling.Cmp(cfg.Floor) < 0 {
			cfg.Ceiling = clone(cfg.Floor)
		}
	}
	return &Model{cfg: cfg}
}

// WithMinTip returns a copy of the model whose minimum tip is raised to at
// least minTip.
func (m *Model) WithMinTip(minTip *big.Int) *Model {
	cfg := m.cfg
	if minTip != nil && minTip.Cmp(cfg.MinTip) > 0 {
		cfg.MinTip = clone(minTip)
	}
	return &Model{cfg: cfg}
}
