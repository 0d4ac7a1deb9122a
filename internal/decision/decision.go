// Package decision implements the Decision Core (SPEC_FULL §4.4): a
// weighted vote across three timeframes that turns a quote, indicator
// set, regime snapshot and prediction into a candidate Signal, gated by
// an overtrading guard and calibrated for confidence before it ever
// reaches the Risk Guardian.
package decision

import (
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Core runs the weighted-vote decision pipeline for every watched symbol.
// It is the single owner of overtrading-guard state.
type Core struct {
	logger *zap.Logger

	mu         sync.Mutex
	lastOpenAt map[string]int
	trades     map[string][]tradeOpen
	losses     map[string]int
	coolUntil  map[string]int
	cycle      int
}

type tradeOpen struct {
	at time.Time
}

// New creates a Decision Core with empty overtrading-guard state.
func New(logger *zap.Logger) *Core {
	return &Core{
		logger:     logger.Named("decision-core"),
		lastOpenAt: make(map[string]int),
		trades:     make(map[string][]tradeOpen),
		losses:     make(map[string]int),
		coolUntil:  make(map[string]int),
	}
}

// Input bundles everything the Decision Core needs for one symbol.
type Input struct {
	Key        types.SymbolKey
	Quote      types.Quote
	Indicators types.IndicatorSet
	Regime     types.RegimeSnapshot
	Traps      types.TrapFlags
	Prediction types.Prediction
}

// Evaluate runs the full per-symbol pipeline and advances the internal
// cycle counter. cfg is the frozen per-cycle config snapshot.
func (c *Core) Evaluate(cfg *config.Config, in Input) (types.Signal, bool, string) {
	c.mu.Lock()
	c.cycle++
	cycle := c.cycle
	c.mu.Unlock()

	trend := make(map[types.Timeframe]float64, 3)
	osc := make(map[types.Timeframe]float64, 3)
	for _, tf := range types.CoreTimeframes {
		b := in.Indicators[tf]
		trend[tf] = trendScore(b, in.Quote.LTP)
		osc[tf] = oscillatorScore(b)
	}

	prophetScore := prophetTerm(in.Prediction)
	score := trend[types.Timeframe5m]*cfg.Weights.Trend5m +
		trend[types.Timeframe15m]*cfg.Weights.Trend15m +
		trend[types.Timeframe1h]*cfg.Weights.Trend1h +
		osc[types.Timeframe5m]*cfg.Weights.Osc5m +
		osc[types.Timeframe15m]*cfg.Weights.Osc15m +
		osc[types.Timeframe1h]*cfg.Weights.Osc1h +
		prophetScore*cfg.Weights.Prophet
	score = utils.ClampFloat(score, -100, 100)

	aligned := isAligned(trend)

	action, confidence := actionMapping(score, aligned, in.Regime, in.Prediction, in.Indicators)
	if action == types.ActionHold {
		return types.Signal{}, false, "below action threshold"
	}

	action, confidence = applyFilters(action, confidence, in.Traps, in.Regime.Position)
	if action == types.ActionHold {
		return types.Signal{}, false, "vetoed by trap/position filter"
	}

	if allowed, reason := c.checkOvertrading(in.Key.String(), cycle); !allowed {
		return types.Signal{}, false, reason
	}

	sl, tp := dynamicStops(cfg, action, in.Quote.LTP, in.Indicators[types.Timeframe5m], in.Regime.Regime)

	confidence = calibrate(confidence, aligned, in.Regime)
	if confidence < cfg.MinConfidence {
		return types.Signal{}, false, fmt.Sprintf("calibrated confidence %.2f below minimum", confidence)
	}

	c.recordOpen(in.Key.String(), cycle)

	signal := types.Signal{
		Action:     action,
		Key:        in.Key,
		Confidence: decimal.NewFromFloat(confidence).Round(4),
		EntryPrice: in.Quote.LTP,
		StopLoss:   sl,
		TakeProfit: tp,
		Regime:     in.Regime,
		Position:   in.Regime.Position,
		Traps:      in.Traps,
		Reasoning:  reasoningFor(score, aligned, in.Regime.Regime, in.Prediction),
		Source:     "decision-core",
	}
	return signal, true, ""
}

// RecordOutcome feeds a closed trade's result back into the overtrading
// guard's consecutive-loss counter.
func (c *Core) RecordOutcome(key string, won bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if won {
		c.losses[key] = 0
		return
	}
	c.losses[key]++
	if c.losses[key] >= 2 {
		c.coolUntil[key] = c.cycle + 6
		c.losses[key] = 0
	}
}

// trendScore implements the ordered EMA-stacking step function from
// SPEC_FULL §4.4 Step 1.
func trendScore(b types.IndicatorBundle, ltp decimal.Decimal) float64 {
	if !b.Computable {
		return 0
	}
	l, _ := ltp.Float64()
	e9, _ := b.EMA9.Float64()
	e21, _ := b.EMA21.Float64()
	e50, _ := b.EMA50.Float64()

	switch {
	case l > e9 && e9 > e21 && e21 > e50:
		return 80
	case l > e9 && e9 > e21:
		return 60
	case l > e9:
		return 20
	case l < e9 && e9 < e21 && e21 < e50:
		return -80
	case l < e9 && e9 < e21:
		return -60
	case l < e9:
		return -20
	default:
		return 0
	}
}

// oscillatorScore is RSI-only: the bundle carries no KDJ-J indicator, so
// that documented contribution is always zero (SPEC_FULL §4.4 Step 1).
func oscillatorScore(b types.IndicatorBundle) float64 {
	if !b.Computable {
		return 0
	}
	rsi, _ := b.RSI14.Float64()
	switch {
	case rsi < 30:
		return 40
	case rsi < 40:
		return 15
	case rsi > 70:
		return -40
	case rsi > 60:
		return -15
	default:
		return 0
	}
}

func prophetTerm(p types.Prediction) float64 {
	pu, _ := p.PUp.Float64()
	return (pu - 0.5) * 200
}

// isAligned requires full 3-way agreement or at least 1h+15m agreement,
// per thresholds ±25 (1h), ±18 (15m), ±12 (5m).
func isAligned(trend map[types.Timeframe]float64) bool {
	sign1h := signAt(trend[types.Timeframe1h], 25)
	sign15m := signAt(trend[types.Timeframe15m], 18)
	sign5m := signAt(trend[types.Timeframe5m], 12)

	if sign1h == 0 || sign15m == 0 {
		return false
	}
	if sign1h != sign15m {
		return false
	}
	if sign5m == 0 {
		return true
	}
	return sign5m == sign1h
}

func signAt(v, threshold float64) int {
	switch {
	case v >= threshold:
		return 1
	case v <= -threshold:
		return -1
	default:
		return 0
	}
}

// actionMapping implements Step 4's threshold table, regime adjustments
// and the resolved aligned-relaxation and mean-reversion override.
func actionMapping(score float64, aligned bool, r types.RegimeSnapshot, pred types.Prediction, ind types.IndicatorSet) (types.Action, float64) {
	if r.Regime == types.RegimeChoppy || r.Regime == types.RegimeVolatileDirectionless {
		return meanReversionAction(r, ind)
	}

	longThreshold, shortThreshold := 20.0, 18.0
	switch r.Regime {
	case types.RegimeTrendingDown:
		longThreshold += 12
	case types.RegimeTrendingUp:
		shortThreshold += 12
	}

	if score > longThreshold+15 && aligned {
		return types.ActionBuy, 0.85
	}
	if score < -(shortThreshold+15) && aligned {
		return types.ActionSell, 0.85
	}

	effectiveLong, effectiveShort := longThreshold, shortThreshold
	if aligned {
		effectiveLong = maxFloat(12, longThreshold-2)
		effectiveShort = maxFloat(12, shortThreshold-2)
	}

	if score > effectiveLong {
		return types.ActionBuy, minFloat(0.55+(score-effectiveLong)*0.01, 0.75)
	}
	if score < -effectiveShort {
		return types.ActionSell, minFloat(0.55+(-score-effectiveShort)*0.01, 0.75)
	}
	return types.ActionHold, 0
}

// meanReversionAction replaces the trend mapping in choppy/volatile-
// directionless regimes: buy near range lows when oversold, sell near
// range highs when overbought.
func meanReversionAction(r types.RegimeSnapshot, ind types.IndicatorSet) (types.Action, float64) {
	pos := r.Position
	osc := oscillatorScore(ind[types.Timeframe1h])

	if pos.Location == types.LocationLow && osc > 0 {
		return types.ActionBuy, 0.60
	}
	if pos.Location == types.LocationHigh && osc < 0 {
		return types.ActionSell, 0.60
	}
	return types.ActionHold, 0
}

// applyFilters applies trap filters then position-zone filters as
// successive multiplicative attenuations, per the resolved Step 5
// ordering.
func applyFilters(action types.Action, confidence float64, traps types.TrapFlags, pos types.PricePosition) (types.Action, float64) {
	const residualFloor = 0.15

	if action == types.ActionBuy {
		if traps.BullTrapRisk || traps.VolumeDivergence || traps.FomoTop {
			confidence *= 0.4
		}
	}
	if action == types.ActionSell {
		if traps.PanicBottom {
			confidence *= 0.4
		}
	}
	if confidence < residualFloor {
		return types.ActionHold, 0
	}

	pf, _ := pos.Pct.Float64()
	if action == types.ActionBuy && pos.Location == types.LocationHigh && pf > 90 {
		confidence *= 0.5
	}
	if action == types.ActionSell && pos.Location == types.LocationLow && pf < 10 {
		confidence *= 0.5
	}
	if confidence < residualFloor {
		return types.ActionHold, 0
	}

	return action, confidence
}

// checkOvertrading enforces the min-cycle gap, 6-hour wall-clock open
// cap and consecutive-loss cool-down (SPEC_FULL §4.4 Step 6).
func (c *Core) checkOvertrading(key string, cycle int) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if until, ok := c.coolUntil[key]; ok && cycle <= until {
		return false, "Loss cooldown"
	}

	if last, ok := c.lastOpenAt[key]; ok && cycle-last < 4 {
		return false, "minimum cycle gap since last open not satisfied"
	}

	cutoff := time.Now().Add(-6 * time.Hour)
	recent := 0
	for _, t := range c.trades[key] {
		if t.at.After(cutoff) {
			recent++
		}
	}
	if recent >= 3 {
		return false, "maximum opens within 6-hour window reached"
	}

	return true, ""
}

func (c *Core) recordOpen(key string, cycle int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastOpenAt[key] = cycle
	cutoff := time.Now().Add(-6 * time.Hour)
	kept := make([]tradeOpen, 0, len(c.trades[key])+1)
	for _, t := range c.trades[key] {
		if t.at.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, tradeOpen{at: time.Now()})
	c.trades[key] = kept
}

// dynamicStops derives SL/TP from 5m ATR, per the regime-dependent
// multiplier table and the resolved ATR=0 flat-percentage fallback.
func dynamicStops(cfg *config.Config, action types.Action, ltp decimal.Decimal, bundle5m types.IndicatorBundle, r types.RegimeType) (decimal.Decimal, decimal.Decimal) {
	slMul, tpMul := stopMultipliers(r)

	atr := bundle5m.ATR14
	if !bundle5m.Computable || atr.IsZero() {
		pct := decimal.NewFromFloat(cfg.DefaultStopLossPct / 100)
		if action == types.ActionBuy {
			sl := utils.RoundToDecimalPlaces(ltp.Mul(decimal.NewFromInt(1).Sub(pct)), 2)
			dist := ltp.Sub(sl)
			tp := utils.RoundToDecimalPlaces(ltp.Add(dist.Mul(decimal.NewFromFloat(tpMul))), 2)
			return sl, tp
		}
		sl := utils.RoundToDecimalPlaces(ltp.Mul(decimal.NewFromInt(1).Add(pct)), 2)
		dist := sl.Sub(ltp)
		tp := utils.RoundToDecimalPlaces(ltp.Sub(dist.Mul(decimal.NewFromFloat(tpMul))), 2)
		return sl, tp
	}

	slDist := atr.Mul(decimal.NewFromFloat(slMul))
	tpDist := atr.Mul(decimal.NewFromFloat(tpMul))
	if action == types.ActionBuy {
		return utils.RoundToDecimalPlaces(ltp.Sub(slDist), 2), utils.RoundToDecimalPlaces(ltp.Add(tpDist), 2)
	}
	return utils.RoundToDecimalPlaces(ltp.Add(slDist), 2), utils.RoundToDecimalPlaces(ltp.Sub(tpDist), 2)
}

func stopMultipliers(r types.RegimeType) (float64, float64) {
	switch r {
	case types.RegimeVolatile:
		return 2.0, 3.5
	case types.RegimeTrendingUp, types.RegimeTrendingDown:
		return 1.5, 4.0
	case types.RegimeChoppy, types.RegimeVolatileDirectionless:
		return 1.0, 1.5
	default:
		return 1.5, 3.0
	}
}

// calibrate applies the additive adjustments from Step 8 and clips the
// result to [0.05, 1.0].
func calibrate(confidence float64, aligned bool, r types.RegimeSnapshot) float64 {
	if aligned {
		confidence += 0.15
	}
	switch r.Regime {
	case types.RegimeTrendingUp, types.RegimeTrendingDown:
		confidence += 0.10
	case types.RegimeChoppy:
		confidence -= 0.25
	case types.RegimeVolatile:
		confidence -= 0.20
	}
	if r.Position.Location == types.LocationMiddle {
		confidence -= 0.15
	}
	return utils.ClampFloat(confidence, 0.05, 1.0)
}

func reasoningFor(score float64, aligned bool, r types.RegimeType, pred types.Prediction) string {
	alignedWord := "unaligned"
	if aligned {
		alignedWord = "aligned"
	}
	return fmt.Sprintf("weighted score %.1f (%s) in %s regime, predictor signal %s", score, alignedWord, r, pred.Signal())
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
