package regime

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

func bar(low, high float64) types.OHLCV {
	return types.OHLCV{
		Timestamp: time.Unix(0, 0),
		Open:      decimal.NewFromFloat((low + high) / 2),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat((low + high) / 2),
		Volume:    1000,
	}
}

func TestClassify_NonComputableBundleReturnsUnknown(t *testing.T) {
	c := NewClassifier()
	snap, traps := c.Classify(nil, types.IndicatorBundle{Computable: false}, decimal.NewFromFloat(100))
	if snap.Regime != types.RegimeUnknown {
		t.Errorf("regime = %s, want unknown", snap.Regime)
	}
	if snap.Position.Location != types.LocationMiddle {
		t.Errorf("expected middle fallback position, got %s", snap.Position.Location)
	}
	if traps != (types.TrapFlags{}) {
		t.Errorf("expected zero-value traps for a non-computable bundle, got %+v", traps)
	}
}

func TestClassify_HighATRPctClassifiesVolatile(t *testing.T) {
	c := NewClassifier()
	b := types.IndicatorBundle{
		Computable: true,
		ATR14:      decimal.NewFromFloat(5), // 5% of ltp=100 > 2.0 threshold
		EMA9:       decimal.NewFromFloat(101), EMA21: decimal.NewFromFloat(100), EMA50: decimal.NewFromFloat(99),
		MACD: decimal.NewFromFloat(0.1), MACDHistogram: decimal.NewFromFloat(0.05),
		BBUpper: decimal.NewFromFloat(110), BBMiddle: decimal.NewFromFloat(100), BBLower: decimal.NewFromFloat(90),
	}
	snap, _ := c.Classify(nil, b, decimal.NewFromFloat(100))
	if snap.Regime != types.RegimeVolatile {
		t.Errorf("regime = %s, want volatile", snap.Regime)
	}
}

func TestPricePosition_DegenerateRangeIsMiddleFifty(t *testing.T) {
	series := make([]types.OHLCV, 10)
	for i := range series {
		series[i] = bar(100, 100)
	}
	pos := pricePosition(series, decimal.NewFromFloat(100))
	if !pos.Pct.Equal(decimal.NewFromInt(50)) {
		t.Errorf("pct = %s, want 50", pos.Pct)
	}
	if pos.Location != types.LocationMiddle {
		t.Errorf("location = %s, want middle", pos.Location)
	}
}

func TestPricePosition_AtRangeExtremesClassifiesLowAndHigh(t *testing.T) {
	series := []types.OHLCV{bar(90, 110)}
	low := pricePosition(series, decimal.NewFromFloat(91))
	if low.Location != types.LocationLow {
		t.Errorf("expected low-zone classification near the bottom of the range, got %s", low.Location)
	}
	high := pricePosition(series, decimal.NewFromFloat(109))
	if high.Location != types.LocationHigh {
		t.Errorf("expected high-zone classification near the top of the range, got %s", high.Location)
	}
}

func TestDetectTraps_PanicBottomAndFomoTop(t *testing.T) {
	panicBottom := detectTraps(types.IndicatorBundle{
		RSI14: decimal.NewFromFloat(20), RelativeVolume: decimal.NewFromFloat(3),
		BBLower: decimal.NewFromFloat(100), BBUpper: decimal.NewFromFloat(120),
	}, decimal.NewFromFloat(95))
	if !panicBottom.PanicBottom || !panicBottom.Accumulation {
		t.Errorf("expected panic-bottom + accumulation flags, got %+v", panicBottom)
	}

	fomoTop := detectTraps(types.IndicatorBundle{
		RSI14: decimal.NewFromFloat(80), RelativeVolume: decimal.NewFromFloat(1),
		BBLower: decimal.NewFromFloat(80), BBUpper: decimal.NewFromFloat(100),
	}, decimal.NewFromFloat(105))
	if !fomoTop.FomoTop {
		t.Errorf("expected fomo-top flag, got %+v", fomoTop)
	}
}

func TestPredict_StrongBullishFactorsDominate(t *testing.T) {
	p := NewPredictor()
	f := Features{TrendScore: 45, RSI: 25, BBPositionPct: 15, EMACrossStrength: 1.0, VolumeRatio: 2.0, MACDHistogram: 0.2}
	pred := p.Predict(f)
	if !pred.PUp.GreaterThan(pred.PDown) {
		t.Errorf("expected PUp > PDown for an all-bullish feature set, got PUp=%s PDown=%s", pred.PUp, pred.PDown)
	}
	if pred.Signal() != "strong_bullish" && pred.Signal() != "bullish" {
		t.Errorf("signal = %s, want a bullish classification", pred.Signal())
	}
	if len(p.History()) != 1 {
		t.Errorf("expected the prediction to be recorded in history, got %d entries", len(p.History()))
	}

	wantFactors := []string{"trend_strong_bull", "rsi_oversold", "bb_low", "ema_bull", "vol_confirm_up", "macd_bull"}
	for _, name := range wantFactors {
		if _, ok := pred.Factors[name]; !ok {
			t.Errorf("expected factor %q to be present, got %+v", name, pred.Factors)
		}
	}
}

func TestPredict_BearishFeaturesUseDirectionalFactorKeys(t *testing.T) {
	p := NewPredictor()
	f := Features{TrendScore: -45, RSI: 80, BBPositionPct: 90, EMACrossStrength: -1.0, VolumeRatio: 2.0, MACDHistogram: -0.2}
	pred := p.Predict(f)

	wantFactors := []string{"trend_strong_bear", "rsi_overbought", "bb_high", "ema_bear", "vol_confirm_down", "macd_bear"}
	for _, name := range wantFactors {
		if _, ok := pred.Factors[name]; !ok {
			t.Errorf("expected factor %q to be present, got %+v", name, pred.Factors)
		}
	}
	unwanted := []string{"trend_strong", "rsi", "bb_position", "ema_cross", "volume_confirm", "macd_histogram"}
	for _, name := range unwanted {
		if _, ok := pred.Factors[name]; ok {
			t.Errorf("direction-agnostic factor key %q should not be produced", name)
		}
	}
}

func TestPredict_WeakTrendUsesNonStrongFactorKey(t *testing.T) {
	p := NewPredictor()
	pred := p.Predict(Features{TrendScore: 25, RSI: 50, BBPositionPct: 50, EMACrossStrength: 0, VolumeRatio: 1, MACDHistogram: 0})
	if _, ok := pred.Factors["trend_bull"]; !ok {
		t.Errorf("expected weak bullish trend to key as trend_bull, got %+v", pred.Factors)
	}
}

func TestPredict_NeutralFeaturesYieldNoSignal(t *testing.T) {
	p := NewPredictor()
	pred := p.Predict(Features{TrendScore: 0, RSI: 50, BBPositionPct: 50, EMACrossStrength: 0, VolumeRatio: 1, MACDHistogram: 0})
	if !pred.PUp.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("expected PUp=0.5 for a fully neutral feature set, got %s", pred.PUp)
	}
	if pred.Signal() != "neutral" {
		t.Errorf("signal = %s, want neutral", pred.Signal())
	}
}
