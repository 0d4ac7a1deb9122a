package agentmsg

import (
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// MarketUpdatePayload carries the per-cycle snapshot of quotes and
// indicators. Emitted exactly once per cycle by the Market Snapshot stage.
type MarketUpdatePayload struct {
	Quotes     map[string]types.Quote
	Indicators map[string]types.IndicatorSet
	Source     string // "broker" | "simulated" | "mixed"
	Timestamp  time.Time
}

func (MarketUpdatePayload) isPayload() {}

// SignalPayload carries a candidate trade idea from the Decision Core.
type SignalPayload struct {
	Signal types.Signal
}

func (SignalPayload) isPayload() {}

// DecisionPayload carries a Guardian-approved signal, ready for execution.
type DecisionPayload struct {
	Signal types.Signal
	Verdict types.RiskVerdict
}

func (DecisionPayload) isPayload() {}

// VetoPayload carries a Guardian rejection. Mutually exclusive with a
// DecisionPayload for the same (cycle, symbol).
type VetoPayload struct {
	Signal  types.Signal
	Verdict types.RiskVerdict
}

func (VetoPayload) isPayload() {}

// ExecutionPayload carries the outcome of submitting a DECISION to the broker.
type ExecutionPayload struct {
	Record types.ExecutionRecord
}

func (ExecutionPayload) isPayload() {}

// RiskAlertPayload carries an out-of-band risk event, e.g. kill-switch activation.
type RiskAlertPayload struct {
	AlertType string // "kill_switch" | "drawdown" | ...
	Message   string
	Key       *types.SymbolKey
}

func (RiskAlertPayload) isPayload() {}

// StateUpdatePayload carries a human-readable status or failure note
// that does not rise to the level of an ERROR message.
type StateUpdatePayload struct {
	Stage   string
	Reason  string
	Details map[string]string
}

func (StateUpdatePayload) isPayload() {}

// ErrorPayload carries a caught programming fault, bounded per-agent.
type ErrorPayload struct {
	Agent string
	Error string
}

func (ErrorPayload) isPayload() {}
