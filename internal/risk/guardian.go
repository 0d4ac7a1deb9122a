// Package risk implements the Risk Guardian (SPEC_FULL §4.5): the
// ordered audit that turns a candidate Signal into either a VETO or a
// DECISION carrying a corrected SL/TP, a risk level and warnings.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/agentmsg"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AuditLogCap bounds the Guardian's audit trail to the spec's 500-entry
// retention rule.
const AuditLogCap = 500

// AuditEntry is one row of the Guardian's bounded audit log.
type AuditEntry struct {
	Timestamp time.Time
	Key       string
	Approved  bool
	Reason    string
	RiskLevel types.RiskLevel
}

// Guardian owns the kill-switch, daily counters and open-position set.
// It is the single writer of this state (SPEC_FULL §5).
type Guardian struct {
	logger *zap.Logger

	mu             sync.Mutex
	dayStart       time.Time
	dailyPnL       decimal.Decimal
	dailyTrades    int
	openPositions  map[string]types.Action
	peakCapital    decimal.Decimal
	currentCapital decimal.Decimal
	killSwitch     bool

	audit *agentmsg.RingBuffer[AuditEntry]
}

// New creates a Guardian seeded with the given starting capital.
func New(logger *zap.Logger, startingCapital decimal.Decimal) *Guardian {
	return &Guardian{
		logger:         logger.Named("risk-guardian"),
		dayStart:       time.Now().Truncate(24 * time.Hour),
		openPositions:  make(map[string]types.Action),
		peakCapital:    startingCapital,
		currentCapital: startingCapital,
		audit:          agentmsg.NewRingBuffer[AuditEntry](AuditLogCap),
	}
}

// DeactivateKillSwitch is the manual operator override for step 1.
func (g *Guardian) DeactivateKillSwitch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.killSwitch = false
}

// RecordFill updates daily PnL, capital and position bookkeeping for a
// fill: an opening fill (closing=false) marks the position open, a
// closing fill clears it. The daily trade count is advanced by Review on
// approval, not here. Losing trades are negative delta.
func (g *Guardian) RecordFill(key string, action types.Action, pnl decimal.Decimal, closing bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverDayLocked()

	g.dailyPnL = g.dailyPnL.Add(pnl)
	g.currentCapital = g.currentCapital.Add(pnl)
	if g.currentCapital.GreaterThan(g.peakCapital) {
		g.peakCapital = g.currentCapital
	}
	if closing {
		delete(g.openPositions, key)
	} else {
		g.openPositions[key] = action
	}
}

func (g *Guardian) rolloverDayLocked() {
	today := time.Now().Truncate(24 * time.Hour)
	if today.After(g.dayStart) {
		g.dayStart = today
		g.dailyPnL = decimal.Zero
		g.dailyTrades = 0
		g.killSwitch = false
	}
}

// Audit returns the Guardian's bounded audit trail.
func (g *Guardian) Audit() []AuditEntry {
	return g.audit.Items()
}

// OpenPositions returns a copy of the symbols the Guardian currently
// believes are open, keyed by symbol string.
func (g *Guardian) OpenPositions() map[string]types.Action {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]types.Action, len(g.openPositions))
	for k, v := range g.openPositions {
		out[k] = v
	}
	return out
}

// Review runs the full ordered audit for one signal and returns a verdict.
func (g *Guardian) Review(cfg *config.Config, signal types.Signal) types.RiskVerdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverDayLocked()

	key := signal.Key.String()
	verdict := types.RiskVerdict{Approved: true, RiskLevel: types.RiskLow}

	block := func(reason string, level types.RiskLevel) types.RiskVerdict {
		v := types.RiskVerdict{Approved: false, Reason: reason, RiskLevel: level}
		g.logAudit(key, false, reason, level)
		return v
	}

	// Step 1: kill-switch.
	if g.killSwitch {
		return block("kill-switch active", types.RiskCritical)
	}

	// Step 2: daily loss kill-switch activation.
	if g.dailyPnL.LessThanOrEqual(decimal.NewFromFloat(-cfg.MaxDailyLoss)) {
		g.killSwitch = true
		return block("daily loss limit breached, kill-switch activated", types.RiskCritical)
	}

	// Step 3: trade count cap.
	if g.dailyTrades >= cfg.MaxTradesPerDay {
		return block("maximum trades per day reached", types.RiskHigh)
	}

	// Step 4: drawdown cap.
	if !g.peakCapital.IsZero() {
		drawdownPct := g.peakCapital.Sub(g.currentCapital).Div(g.peakCapital).Mul(decimal.NewFromInt(100))
		if dd, _ := drawdownPct.Float64(); dd >= cfg.MaxDrawdownPct {
			return block("drawdown from peak capital exceeds limit", types.RiskCritical)
		}
	}

	// Step 5: regime gating.
	regimeConfidence, _ := signal.Regime.Confidence.Float64()
	regimeConfidence /= 100 // snapshot stores confidence on a 0-100 scale
	severity := types.RiskLow
	switch signal.Regime.Regime {
	case types.RegimeVolatile:
		if regimeConfidence < 0.70 {
			severity = raiseSeverity(severity, types.RiskHigh)
		}
	case types.RegimeChoppy:
		if regimeConfidence < 0.65 {
			severity = raiseSeverity(severity, types.RiskHigh)
		}
	case types.RegimeUnknown:
		if regimeConfidence < 0.60 {
			severity = raiseSeverity(severity, types.RiskMedium)
		}
	case types.RegimeVolatileDirectionless:
		if regimeConfidence < 0.70 {
			severity = raiseSeverity(severity, types.RiskHigh)
		}
	}

	// Step 6: price-zone gating.
	posPct, _ := signal.Position.Pct.Float64()
	conf, _ := signal.Confidence.Float64()
	if signal.Position.Location == types.LocationMiddle && conf < 0.70 {
		severity = raiseSeverity(severity, types.RiskMedium)
	}
	if signal.Action == types.ActionBuy && posPct > 80 && conf < 0.75 {
		severity = raiseSeverity(severity, types.RiskHigh)
	}
	if signal.Action == types.ActionSell && posPct < 20 && conf < 0.75 {
		severity = raiseSeverity(severity, types.RiskHigh)
	}

	// Step 7: trap gating.
	if signal.Action == types.ActionBuy && (signal.Traps.BullTrapRisk || signal.Traps.VolumeDivergence || signal.Traps.FomoTop) {
		severity = raiseSeverity(severity, types.RiskHigh)
	}
	if signal.Action == types.ActionSell && signal.Traps.PanicBottom {
		severity = raiseSeverity(severity, types.RiskHigh)
	}

	// Step 8: duplicate open on same symbol+side.
	if existing, ok := g.openPositions[key]; ok && existing == signal.Action {
		return block("duplicate open on same symbol and side", types.RiskMedium)
	}

	// Step 9: stop-loss auto-correction (direction, then wide-SL, in that order).
	sl := signal.StopLoss
	warnings := make([]string, 0, 2)
	sl, directionCorrected := correctStopLossDirection(signal.Action, signal.EntryPrice, sl, cfg.DefaultStopLossPct)
	if directionCorrected {
		warnings = append(warnings, fmt.Sprintf("SL corrected: %s → %s", signal.StopLoss.StringFixed(2), sl.StringFixed(2)))
	}
	sl, widthCorrected := correctStopLossWidth(signal.Action, signal.EntryPrice, sl, cfg.DefaultStopLossPct)
	if widthCorrected {
		warnings = append(warnings, "stop-loss width auto-tightened")
	}

	// Step 10: risk/reward.
	riskDist := signal.EntryPrice.Sub(sl).Abs()
	rewardDist := signal.TakeProfit.Sub(signal.EntryPrice).Abs()
	var rr float64
	if !riskDist.IsZero() {
		rr, _ = rewardDist.Div(riskDist).Float64()
	}
	if rr < cfg.MinRiskRewardBlock {
		return block("risk/reward below minimum", types.RiskMedium)
	}
	if rr < cfg.MinRiskRewardWarn {
		warnings = append(warnings, "risk/reward below preferred threshold")
	}

	// Step 11: position sizing — shrink quantity to fit max_position_size.
	entry, _ := signal.EntryPrice.Float64()
	quantity := int64(0)
	if entry > 0 {
		quantity = int64(math.Floor(cfg.MaxPositionSize / entry))
	}
	if quantity < 1 {
		quantity = 1
	}
	if decimal.NewFromInt(quantity).Mul(signal.EntryPrice).GreaterThan(cfg.MaxPositionSizeDecimal()) {
		severity = raiseSeverity(severity, types.RiskMedium)
	}

	// Step 12: confidence mapping, raise-only.
	confSeverity := types.RiskLow
	switch {
	case conf < 0.5:
		confSeverity = types.RiskHigh
	case conf < 0.7:
		confSeverity = types.RiskMedium
	}
	severity = raiseSeverity(severity, confSeverity)

	verdict.Approved = true
	verdict.RiskLevel = severity
	verdict.PositionSize = decimal.NewFromInt(quantity)
	verdict.AdjustedStopLoss = sl
	verdict.AdjustedTakeProfit = signal.TakeProfit
	verdict.Warnings = warnings
	verdict.Reason = "approved"

	g.openPositions[key] = signal.Action
	g.dailyTrades++
	g.logAudit(key, true, "approved", severity)
	return verdict
}

func (g *Guardian) logAudit(key string, approved bool, reason string, level types.RiskLevel) {
	g.audit.Append(AuditEntry{
		Timestamp: time.Now(),
		Key:       key,
		Approved:  approved,
		Reason:    reason,
		RiskLevel: level,
	})
}

// correctStopLossDirection repairs a BUY SL >= entry or SELL SL <= entry.
func correctStopLossDirection(action types.Action, entry, sl decimal.Decimal, defaultPct float64) (decimal.Decimal, bool) {
	pct := decimal.NewFromFloat(defaultPct / 100)
	invalid := (action == types.ActionBuy && sl.GreaterThanOrEqual(entry)) ||
		(action == types.ActionSell && sl.LessThanOrEqual(entry))
	if !invalid {
		return sl, false
	}
	if action == types.ActionBuy {
		return utils.RoundToDecimalPlaces(entry.Mul(decimal.NewFromInt(1).Sub(pct)), 2), true
	}
	return utils.RoundToDecimalPlaces(entry.Mul(decimal.NewFromInt(1).Add(pct)), 2), true
}

// correctStopLossWidth tightens an SL further than 2.5x default distance
// down to 2x default distance, evaluated against the already
// direction-corrected SL (resolved precedence, SPEC_FULL §4.5 step 9).
func correctStopLossWidth(action types.Action, entry, sl decimal.Decimal, defaultPct float64) (decimal.Decimal, bool) {
	dist := entry.Sub(sl).Abs()
	entryF, _ := entry.Float64()
	distPct := 0.0
	if entryF != 0 {
		df, _ := dist.Float64()
		distPct = df / entryF * 100
	}
	if distPct <= 2.5*defaultPct {
		return sl, false
	}
	tightPct := decimal.NewFromFloat(2 * defaultPct / 100)
	if action == types.ActionBuy {
		return utils.RoundToDecimalPlaces(entry.Mul(decimal.NewFromInt(1).Sub(tightPct)), 2), true
	}
	return utils.RoundToDecimalPlaces(entry.Mul(decimal.NewFromInt(1).Add(tightPct)), 2), true
}

// raiseSeverity returns the more severe of two risk levels, implementing
// the "only raise, never lower" rule of Step 12.
func raiseSeverity(a, b types.RiskLevel) types.RiskLevel {
	rank := map[types.RiskLevel]int{
		types.RiskLow:      0,
		types.RiskMedium:   1,
		types.RiskHigh:     2,
		types.RiskCritical: 3,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
