// Package regime classifies prevailing market conditions, locates the
// current price within its recent range, flags reversal-risk traps, and
// runs the rule-based predictor — the three collaborators SPEC_FULL
// §4.3 groups together because they all read the same 1h bundle.
package regime

import (
	"math"

	"github.com/atlas-desktop/trading-backend/internal/agentmsg"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
	"github.com/shopspring/decimal"
)

// defaultADX and defaultATRPct are the documented fallbacks for
// non-finite classifier inputs.
const (
	defaultADX    = 20.0
	defaultATRPct = 0.5
)

// Classifier derives the regime snapshot, price position and trap flags
// for one symbol from its 1h bundle, 1h OHLCV series and current quote.
type Classifier struct{}

// NewClassifier returns a stateless regime classifier.
func NewClassifier() *Classifier { return &Classifier{} }

// Classify runs the full regime pipeline for one symbol. series1h is the
// bounded 1h OHLCV history (newest last); bundle1h is its indicator
// summary; ltp is the current traded price.
func (c *Classifier) Classify(series1h []types.OHLCV, bundle1h types.IndicatorBundle, ltp decimal.Decimal) (types.RegimeSnapshot, types.TrapFlags) {
	if !bundle1h.Computable {
		return types.RegimeSnapshot{
			Regime:     types.RegimeUnknown,
			Confidence: decimal.NewFromInt(0),
			ADX:        decimal.NewFromFloat(defaultADX),
			ATRPct:     decimal.NewFromFloat(defaultATRPct),
			Position:   types.PricePosition{Pct: decimal.NewFromInt(50), Location: types.LocationMiddle},
			Reason:     "insufficient history",
		}, types.TrapFlags{}
	}

	adx := c.adxProxy(bundle1h, ltp)
	bbWidthPct := bbWidthPct(bundle1h)
	atrPct := safeFloat(atrPct(bundle1h, ltp), defaultATRPct)
	direction := trendDirection(bundle1h)

	tss := trendStrengthScore(adx, direction, bundle1h)

	snapshot := classify(adx, atrPct, tss, direction)
	snapshot.ADX = decimal.NewFromFloat(adx)
	snapshot.BBWidthPct = decimal.NewFromFloat(bbWidthPct)
	snapshot.ATRPct = decimal.NewFromFloat(atrPct)
	snapshot.TrendDirection = direction

	snapshot.Position = pricePosition(series1h, ltp)

	if snapshot.Regime == types.RegimeChoppy {
		snapshot.Choppy = choppyAnalysis(series1h, bundle1h)
	}

	traps := detectTraps(bundle1h, ltp)

	return snapshot, traps
}

// adxProxy scales the normalized EMA12-EMA26 spread (the MACD line) into
// an ADX-like [0,100] strength reading, since no dedicated ADX column
// exists in the indicator bundle (SPEC_FULL §4.3).
func (c *Classifier) adxProxy(b types.IndicatorBundle, ltp decimal.Decimal) float64 {
	if ltp.IsZero() {
		return defaultADX
	}
	macd, _ := b.MACD.Float64()
	px, _ := ltp.Float64()
	if px == 0 || !utils.IsFinite(macd) || !utils.IsFinite(px) {
		return defaultADX
	}
	spreadBps := math.Abs(macd) / px * 10000
	proxy := spreadBps * 4
	if proxy > 100 {
		proxy = 100
	}
	if !utils.IsFinite(proxy) {
		return defaultADX
	}
	return proxy
}

func bbWidthPct(b types.IndicatorBundle) float64 {
	middle, _ := b.BBMiddle.Float64()
	upper, _ := b.BBUpper.Float64()
	lower, _ := b.BBLower.Float64()
	if middle == 0 || !utils.IsFinite(middle) {
		return 0
	}
	v := (upper - lower) / middle * 100
	if !utils.IsFinite(v) {
		return 0
	}
	return v
}

func atrPct(b types.IndicatorBundle, ltp decimal.Decimal) float64 {
	atr, _ := b.ATR14.Float64()
	px, _ := ltp.Float64()
	if px == 0 || !utils.IsFinite(px) || !utils.IsFinite(atr) {
		return defaultATRPct
	}
	return atr / px * 100
}

func trendDirection(b types.IndicatorBundle) types.TrendDirection {
	e9, _ := b.EMA9.Float64()
	e21, _ := b.EMA21.Float64()
	e50, _ := b.EMA50.Float64()
	switch {
	case e9 > e21 && e21 > e50:
		return types.DirectionUp
	case e9 < e21 && e21 < e50:
		return types.DirectionDown
	default:
		return types.DirectionNeutral
	}
}

// trendStrengthScore sums the ADX, EMA-alignment and MACD-momentum
// contributions into the [0,100] TSS described in SPEC_FULL §4.3.
func trendStrengthScore(adx float64, direction types.TrendDirection, b types.IndicatorBundle) float64 {
	score := 0.0
	switch {
	case adx > 25:
		score += 40
	case adx > 20:
		score += 20
	}

	switch direction {
	case types.DirectionUp, types.DirectionDown:
		score += 30
	}

	hist, _ := b.MACDHistogram.Float64()
	aligned := (direction == types.DirectionUp && hist > 0) || (direction == types.DirectionDown && hist < 0)
	if aligned {
		score += 30
	}

	if score > 100 {
		score = 100
	}
	return score
}

// classify applies the ordered classification rules from SPEC_FULL §4.3.
func classify(adx, atrPct, tss float64, direction types.TrendDirection) types.RegimeSnapshot {
	switch {
	case atrPct > 2.0:
		return types.RegimeSnapshot{Regime: types.RegimeVolatile, Confidence: decimal.NewFromInt(80), Reason: "atr_pct exceeds volatility threshold"}
	case tss >= 70:
		regime := types.RegimeTrendingUp
		if direction == types.DirectionDown {
			regime = types.RegimeTrendingDown
		}
		return types.RegimeSnapshot{Regime: regime, Confidence: decimal.NewFromInt(85), Reason: "strong trend strength score"}
	case tss >= 30:
		regime := types.RegimeTrendingUp
		if direction == types.DirectionDown {
			regime = types.RegimeTrendingDown
		}
		return types.RegimeSnapshot{Regime: regime, Confidence: decimal.NewFromInt(60), Reason: "weak trend strength score"}
	case adx < 20:
		return types.RegimeSnapshot{Regime: types.RegimeChoppy, Confidence: decimal.NewFromInt(70), Reason: "low adx, no directional trend"}
	default:
		return types.RegimeSnapshot{Regime: types.RegimeVolatileDirectionless, Confidence: decimal.NewFromInt(65), Reason: "neither trending nor range-bound"}
	}
}

// pricePosition computes price location within the last 50 bars.
func pricePosition(series []types.OHLCV, ltp decimal.Decimal) types.PricePosition {
	window := series
	if len(window) > 50 {
		window = window[len(window)-50:]
	}
	if len(window) == 0 {
		return types.PricePosition{Pct: decimal.NewFromInt(50), Location: types.LocationMiddle}
	}

	low, high := window[0].Low, window[0].High
	for _, c := range window {
		low = utils.MinDecimal(low, c.Low)
		high = utils.MaxDecimal(high, c.High)
	}

	if high.Equal(low) {
		return types.PricePosition{Pct: decimal.NewFromInt(50), Location: types.LocationMiddle}
	}

	pct := utils.ClampDecimal(ltp.Sub(low).Div(high.Sub(low)).Mul(decimal.NewFromInt(100)), decimal.Zero, decimal.NewFromInt(100))

	loc := types.LocationMiddle
	pf, _ := pct.Float64()
	switch {
	case pf <= 25:
		loc = types.LocationLow
	case pf >= 75:
		loc = types.LocationHigh
	}
	return types.PricePosition{Pct: pct, Location: loc}
}

// choppyAnalysis is only computed when the regime resolves to choppy.
func choppyAnalysis(series []types.OHLCV, b types.IndicatorBundle) *types.ChoppyAnalysis {
	window := series
	if len(window) > 20 {
		window = window[len(window)-20:]
	}
	if len(window) == 0 {
		return nil
	}

	// Band width (upper - lower = 4 x 20-bar stdev) at each of the window's bars.
	widths := make([]float64, 0, len(window))
	for end := len(series) - len(window) + 1; end <= len(series); end++ {
		start := end - 20
		if start < 0 {
			start = 0
		}
		closes := make([]decimal.Decimal, 0, end-start)
		for _, c := range series[start:end] {
			closes = append(closes, c.Close)
		}
		sd, _ := utils.StdDev(closes).Float64()
		widths = append(widths, 4*sd)
	}
	meanWidth := mean(widths)
	currentWidth := widths[len(widths)-1]
	squeeze := meanWidth > 0 && currentWidth < 0.7*meanWidth

	support, resistance := window[0].Low, window[0].High
	for _, c := range window {
		support = utils.MinDecimal(support, c.Low)
		resistance = utils.MaxDecimal(resistance, c.High)
	}

	var volSum int64
	for _, c := range window {
		volSum += c.Volume
	}
	avgVol := float64(volSum) / float64(len(window))
	lastVol := float64(window[len(window)-1].Volume)
	volumeSurge := avgVol > 0 && lastVol > 1.5*avgVol

	probability := 0.3
	if squeeze {
		probability += 0.3
	}
	if volumeSurge {
		probability += 0.2
	}
	probability = math.Min(probability, 0.95)

	hint := "range-bound: fade the extremes, avoid breakout entries until a squeeze release"
	if squeeze && volumeSurge {
		hint = "squeeze with rising volume: watch for an imminent breakout in either direction"
	}

	return &types.ChoppyAnalysis{
		Squeeze:             squeeze,
		Support:             support,
		Resistance:          resistance,
		BreakoutProbability: decimal.NewFromFloat(probability),
		Hint:                hint,
	}
}

// detectTraps reads the 1h bundle and current LTP for the reversal-risk
// signatures documented in SPEC_FULL §4.3.
func detectTraps(b types.IndicatorBundle, ltp decimal.Decimal) types.TrapFlags {
	rsi, _ := b.RSI14.Float64()
	relVol, _ := b.RelativeVolume.Float64()
	bbLower, _ := b.BBLower.Float64()
	bbUpper, _ := b.BBUpper.Float64()
	px, _ := ltp.Float64()

	var flags types.TrapFlags

	if px < bbLower && rsi < 25 && relVol > 2 {
		flags.PanicBottom = true
		flags.Accumulation = true
	}
	if px > bbUpper && rsi > 75 {
		flags.FomoTop = true
	}
	if px > bbUpper && relVol < 0.7 {
		flags.VolumeDivergence = true
		flags.BullTrapRisk = true
	}
	if rsi > 30 && rsi < 40 && relVol < 0.8 {
		flags.WeakRebound = true
	}

	return flags
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func safeFloat(v, fallback float64) float64 {
	if !utils.IsFinite(v) {
		return fallback
	}
	return v
}

// PredictionHistoryCap bounds the predictor's own rolling output log to the
// same 500-entry cap pattern used elsewhere (SPEC_FULL §9).
const PredictionHistoryCap = 500

// Predictor scores a feature map into a directional prediction via the
// fixed, signed weight table from SPEC_FULL §4.3.
type Predictor struct {
	history *agentmsg.RingBuffer[types.Prediction]
}

// NewPredictor returns a predictor with an empty rolling history.
func NewPredictor() *Predictor {
	return &Predictor{history: agentmsg.NewRingBuffer[types.Prediction](PredictionHistoryCap)}
}

// Features is the pure input to Predict: trend score is the snapshot's
// ADX proxy signed by trend direction (zero when neutral), BB position is
// the 50-bar price position, and the rest are derived from the 1h bundle.
type Features struct {
	TrendScore       float64
	RSI              float64
	BBPositionPct    float64
	EMACrossStrength float64
	VolumeRatio      float64
	MACDHistogram    float64
}

// FeaturesFrom derives the predictor's feature map from a regime
// snapshot, price position and 1h bundle.
func FeaturesFrom(snapshot types.RegimeSnapshot, position types.PricePosition, b types.IndicatorBundle) Features {
	signedTrend := 0.0
	adx, _ := snapshot.ADX.Float64()
	switch snapshot.TrendDirection {
	case types.DirectionUp:
		signedTrend = adx
	case types.DirectionDown:
		signedTrend = -adx
	}

	rsi, _ := b.RSI14.Float64()
	bbPct, _ := position.Pct.Float64()
	relVol, _ := b.RelativeVolume.Float64()
	hist, _ := b.MACDHistogram.Float64()

	ema9, _ := b.EMA9.Float64()
	ema21, _ := b.EMA21.Float64()
	crossStrength := 0.0
	if ema21 != 0 && utils.IsFinite(ema21) {
		crossStrength = (ema9 - ema21) / ema21 * 100
	}

	return Features{
		TrendScore:       safeFloat(signedTrend, 0),
		RSI:              safeFloat(rsi, 50),
		BBPositionPct:    safeFloat(bbPct, 50),
		EMACrossStrength: safeFloat(crossStrength, 0),
		VolumeRatio:      safeFloat(relVol, 1),
		MACDHistogram:    safeFloat(hist, 0),
	}
}

// Predict scores the feature map per the fixed weight table and records
// the result in the rolling history.
func (p *Predictor) Predict(f Features) types.Prediction {
	factors := make(map[string]float64, 8)
	var bull, bear float64

	switch {
	case f.TrendScore >= 40:
		bull += 0.15
		factors["trend_strong_bull"] = 0.15
	case f.TrendScore >= 20:
		bull += 0.08
		factors["trend_bull"] = 0.08
	case f.TrendScore <= -40:
		bear += 0.15
		factors["trend_strong_bear"] = -0.15
	case f.TrendScore <= -20:
		bear += 0.08
		factors["trend_bear"] = -0.08
	}

	switch {
	case f.RSI < 30:
		bull += 0.12
		factors["rsi_oversold"] = 0.12
	case f.RSI < 40:
		bull += 0.06
		factors["rsi_low"] = 0.06
	case f.RSI > 70:
		bear += 0.12
		factors["rsi_overbought"] = -0.12
	case f.RSI > 60:
		bear += 0.06
		factors["rsi_high"] = -0.06
	}

	switch {
	case f.BBPositionPct < 20:
		bull += 0.10
		factors["bb_low"] = 0.10
	case f.BBPositionPct > 80:
		bear += 0.10
		factors["bb_high"] = -0.10
	}

	switch {
	case f.EMACrossStrength > 0.5:
		bull += 0.08
		factors["ema_bull"] = 0.08
	case f.EMACrossStrength < -0.5:
		bear += 0.08
		factors["ema_bear"] = -0.08
	}

	if f.VolumeRatio > 1.5 {
		if bull > bear {
			bull += 0.05
			factors["vol_confirm_up"] = 0.05
		} else if bear > bull {
			bear += 0.05
			factors["vol_confirm_down"] = -0.05
		}
	}

	switch {
	case f.MACDHistogram > 0:
		bull += 0.05
		factors["macd_bull"] = 0.05
	case f.MACDHistogram < 0:
		bear += 0.05
		factors["macd_bear"] = -0.05
	}

	pUp := 0.5 + (bull-bear)/2
	if pUp < 0 {
		pUp = 0
	}
	if pUp > 1 {
		pUp = 1
	}
	pDown := 1 - pUp

	totalWeight := bull + bear
	confidence := math.Min(0.70, totalWeight/0.5)

	pred := types.Prediction{
		PUp:        decimal.NewFromFloat(pUp).Round(4),
		PDown:      decimal.NewFromFloat(pDown).Round(4),
		Confidence: decimal.NewFromFloat(confidence).Round(4),
		Factors:    factors,
	}
	p.history.Append(pred)
	return pred
}

// History returns the predictor's bounded rolling output log.
func (p *Predictor) History() []types.Prediction {
	return p.history.Items()
}
