package coordinator

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/ligun0805/mempool-guardian/internal/threat"
)

// Phase is a response state. Won, Lost and Unknown are terminal.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseThreatDetected
	PhaseStrategySelected
	PhaseBroadcasting
	PhaseWon
	PhaseLost
	PhaseUnknown
)

func (p Phase) String() string {
	switch p {
	case PhaseThreatDetected:
		return "threat_detected"
	case PhaseStrategySelected:
		return "strategy_selected"
	case PhaseBroadcasting:
		return "broadcasting"
	case PhaseWon:
		return "won"
	case PhaseLost:
		return "lost"
	case PhaseUnknown:
		return "unknown"
	default:
		return "idle"
	}
}

func (p Phase) Terminal() bool { return p >= PhaseWon }

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Tier is a response strategy, fastest first.
type Tier int

const (
	TierNone Tier = iota
	TierBundle
	TierPresigned
	TierAuction
	TierOnDemand
	TierEmergency
)

func (t Tier) String() string {
	switch t {
	case TierBundle:
		return "bundle"
	case TierPresigned:
		return "presigned"
	case TierAuction:
		return "auction"
	case TierOnDemand:
		return "on_demand"
	case TierEmergency:
		return "emergency"
	default:
		return "none"
	}
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Record is the observable result of one response.
type Record struct {
	ID         string        `json:"id"`
	Source     common.Hash   `json:"source"`
	Threat     string        `json:"threat"`
	Severity   string        `json:"severity"`
	Asset      string        `json:"asset"`
	Tier       Tier          `json:"tier"`
	Tried      []Tier        `json:"tried"`
	Phases     []Phase       `json:"phases"`
	Defense    common.Hash   `json:"defense"`
	Channel    string        `json:"channel,omitempty"`
	BundleHash string        `json:"bundle_hash,omitempty"`
	Latency    time.Duration `json:"latency_ns"`
	Outcome    Phase         `json:"outcome"`
	DryRun     bool          `json:"dry_run,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	DetectedAt time.Time     `json:"detected_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

func newRecord(th *threat.Threat, asset string) Record {
	return Record{
		ID:         uuid.NewString(),
		Source:     th.Source.Hash,
		Threat:     th.Type.String(),
		Severity:   th.Severity.String(),
		Asset:      asset,
		DetectedAt: th.DetectedAt,
		Phases:     []Phase{PhaseIdle},
	}
}

func (r *Record) enter(p Phase) {
	if n := len(r.Phases); n > 0 && r.Phases[n-1] == p {
		return
	}
	r.Phases = append(r.Phases, p)
}

func (r *Record) use(t Tier) {
	r.Tier = t
	r.Tried = append(r.Tried, t)
}

func (r *Record) fail(err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, r.Tier.String()+": "+err.Error())
	r.LastError = err.Error()
}

func (r *Record) finish(p Phase) {
	r.enter(p)
	r.Outcome = p
}

func (r *Record) done() bool { return r.Outcome.Terminal() }
