// Package indicators computes the per-timeframe technical summary
// (SPEC_FULL §4.2) from a bounded OHLCV series: EMA, RSI, MACD,
// Bollinger Bands, ATR and volume-ratio, all guarded against division
// by zero and degenerate ranges per §9's numeric-robustness rule.
package indicators

import (
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/atlas-desktop/trading-backend/pkg/utils"
	"github.com/shopspring/decimal"
)

// MinBars is the minimum series length below which a bundle is "not
// computable" and must be read as neutral by every consumer.
const MinBars = 20

// Compute derives the indicator bundle for one (symbol, timeframe)
// series, newest bar last. Series shorter than MinBars yield a bundle
// with Computable=false and zeroed scalars.
func Compute(series []types.OHLCV) types.IndicatorBundle {
	if len(series) < MinBars {
		return types.IndicatorBundle{Computable: false}
	}

	closes := closesOf(series)

	ema9 := emaSeries(closes, 9)
	ema21 := emaSeries(closes, 21)
	var ema50 decimal.Decimal
	if len(closes) >= 50 {
		ema50 = emaSeries(closes, 50)
	} else {
		ema50 = ema21
	}

	rsi := computeRSI(closes, 14)

	macdLine := macdSeries(closes)
	macdSignal := emaSeries(macdLine, 9)
	macd := macdLine[len(macdLine)-1]
	histogram := macd.Sub(macdSignal)

	bbMiddle, bbUpper, bbLower := computeBollinger(closes, 20, 2)

	atr := computeATR(series, 14)

	volSMA, relVol := computeVolume(series, 20)

	last := closes[len(closes)-1]
	trend := types.TrendBearish
	if last.GreaterThan(ema21) {
		trend = types.TrendBullish
	}
	momentum := types.MomentumWeak
	rsiF, _ := rsi.Float64()
	if rsiF-50 > 20 || rsiF-50 < -20 {
		momentum = types.MomentumStrong
	}

	return types.IndicatorBundle{
		Computable:     true,
		EMA9:           ema9,
		EMA21:          ema21,
		EMA50:          ema50,
		RSI14:          rsi,
		MACD:           macd,
		MACDSignal:     macdSignal,
		MACDHistogram:  histogram,
		BBUpper:        bbUpper,
		BBMiddle:       bbMiddle,
		BBLower:        bbLower,
		ATR14:          atr,
		VolumeSMA20:    volSMA,
		RelativeVolume: relVol,
		Trend:          trend,
		Momentum:       momentum,
	}
}

func closesOf(series []types.OHLCV) []decimal.Decimal {
	out := make([]decimal.Decimal, len(series))
	for i, c := range series {
		out[i] = c.Close
	}
	return out
}

// emaSeries folds an EMA over the full series and returns only the
// final value; callers that need every intermediate point (MACD) use
// macdSeries instead.
func emaSeries(values []decimal.Decimal, period int) decimal.Decimal {
	e := utils.NewEMA(period)
	var last decimal.Decimal
	for _, v := range values {
		last = e.Add(v)
	}
	return last
}

// macdSeries returns the EMA(12)-EMA(26) line at every point so its own
// EMA(9) signal line can be derived.
func macdSeries(closes []decimal.Decimal) []decimal.Decimal {
	e12 := utils.NewEMA(12)
	e26 := utils.NewEMA(26)
	out := make([]decimal.Decimal, len(closes))
	for i, v := range closes {
		a := e12.Add(v)
		b := e26.Add(v)
		out[i] = a.Sub(b)
	}
	return out
}

// computeRSI applies Wilder-style rolling-mean smoothing over positive
// and negative deltas; a zero denominator (no losses in the window)
// defines RSI as 100, per SPEC_FULL §4.2.
func computeRSI(closes []decimal.Decimal, period int) decimal.Decimal {
	if len(closes) < period+1 {
		return decimal.NewFromInt(50)
	}
	var gainSum, lossSum decimal.Decimal
	start := len(closes) - period
	for i := start; i < len(closes); i++ {
		delta := closes[i].Sub(closes[i-1])
		if delta.IsPositive() {
			gainSum = gainSum.Add(delta)
		} else {
			lossSum = lossSum.Add(delta.Neg())
		}
	}
	n := decimal.NewFromInt(int64(period))
	avgGain := gainSum.Div(n)
	avgLoss := lossSum.Div(n)

	if avgLoss.IsZero() {
		return decimal.NewFromInt(100)
	}
	rs := avgGain.Div(avgLoss)
	hundred := decimal.NewFromInt(100)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
}

// computeBollinger returns (middle, upper, lower) over the trailing
// `period` closes, `width` standard deviations wide.
func computeBollinger(closes []decimal.Decimal, period int, width int64) (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	window := closes
	if len(window) > period {
		window = window[len(window)-period:]
	}
	sma := utils.NewSMA(period)
	var middle decimal.Decimal
	for _, v := range closes {
		middle = sma.Add(v)
	}
	sd := utils.StdDev(window)
	delta := sd.Mul(decimal.NewFromInt(width))
	return middle, middle.Add(delta), middle.Sub(delta)
}

// computeATR applies a 14-period rolling mean of true range.
func computeATR(series []types.OHLCV, period int) decimal.Decimal {
	if len(series) < period+1 {
		return decimal.Zero
	}
	start := len(series) - period
	var sum decimal.Decimal
	for i := start; i < len(series); i++ {
		hl := series[i].High.Sub(series[i].Low)
		hc := series[i].High.Sub(series[i-1].Close).Abs()
		lc := series[i].Low.Sub(series[i-1].Close).Abs()
		tr := utils.MaxDecimal(hl, utils.MaxDecimal(hc, lc))
		sum = sum.Add(tr)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// computeVolume returns (20-period volume SMA, relative volume ratio).
// Relative volume is defined as 1.0 when the SMA denominator is zero.
func computeVolume(series []types.OHLCV, period int) (decimal.Decimal, decimal.Decimal) {
	window := series
	if len(window) > period {
		window = window[len(window)-period:]
	}
	var sum int64
	for _, c := range window {
		sum += c.Volume
	}
	volSMA := decimal.NewFromInt(sum).Div(decimal.NewFromInt(int64(len(window))))
	if volSMA.IsZero() {
		return volSMA, decimal.NewFromInt(1)
	}
	current := decimal.NewFromInt(series[len(series)-1].Volume)
	return volSMA, current.Div(volSMA)
}
