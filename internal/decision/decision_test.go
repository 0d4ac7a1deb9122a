package decision

import (
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func bundle(ema9, ema21, ema50, rsi, atr float64) types.IndicatorBundle {
	return types.IndicatorBundle{
		Computable: true,
		EMA9:       decimal.NewFromFloat(ema9),
		EMA21:      decimal.NewFromFloat(ema21),
		EMA50:      decimal.NewFromFloat(ema50),
		RSI14:      decimal.NewFromFloat(rsi),
		ATR14:      decimal.NewFromFloat(atr),
	}
}

func alignedBullishInput(key types.SymbolKey) Input {
	ltp := decimal.NewFromFloat(105)
	ind := types.IndicatorSet{
		types.Timeframe1h:  bundle(102, 100, 98, 28, 1.5),
		types.Timeframe15m: bundle(102, 100, 98, 28, 1.5),
		types.Timeframe5m:  bundle(102, 100, 98, 28, 1.5),
	}
	return Input{
		Key:        key,
		Quote:      types.Quote{Key: key, LTP: ltp},
		Indicators: ind,
		Regime: types.RegimeSnapshot{
			Regime:   types.RegimeTrendingUp,
			Position: types.PricePosition{Pct: decimal.NewFromInt(50), Location: types.LocationMiddle},
		},
		Prediction: types.Prediction{PUp: decimal.NewFromFloat(0.6), PDown: decimal.NewFromFloat(0.4)},
	}
}

func TestEvaluate_AlignedBullishTrendProducesBuyWithATRStops(t *testing.T) {
	logger := zap.NewNop()
	core := New(logger)
	cfg := config.Default()

	key := types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: "RELIANCE"}
	in := alignedBullishInput(key)

	sig, emitted, reason := core.Evaluate(cfg, in)
	if !emitted {
		t.Fatalf("expected signal to be emitted, got reason=%q", reason)
	}
	if sig.Action != types.ActionBuy {
		t.Fatalf("expected BUY, got %s", sig.Action)
	}
	// trending_up uses sl_mul=1.5, tp_mul=4.0 against a 1.5 ATR.
	wantSL := decimal.NewFromFloat(105).Sub(decimal.NewFromFloat(1.5 * 1.5)).Round(2)
	wantTP := decimal.NewFromFloat(105).Add(decimal.NewFromFloat(1.5 * 4.0)).Round(2)
	if !sig.StopLoss.Equal(wantSL) {
		t.Errorf("stop loss = %s, want %s", sig.StopLoss, wantSL)
	}
	if !sig.TakeProfit.Equal(wantTP) {
		t.Errorf("take profit = %s, want %s", sig.TakeProfit, wantTP)
	}
}

func TestEvaluate_VolatileLowConfidenceVetoed(t *testing.T) {
	logger := zap.NewNop()
	core := New(logger)
	cfg := config.Default()

	key := types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: "TCS"}
	weakBundle := bundle(103, 104, 105, 50, 1.5) // e9 < e21: breaks the EMA stack, trend score caps at 20
	in := Input{
		Key:   key,
		Quote: types.Quote{Key: key, LTP: decimal.NewFromFloat(105)},
		Indicators: types.IndicatorSet{
			types.Timeframe1h:  weakBundle,
			types.Timeframe15m: weakBundle,
			types.Timeframe5m:  weakBundle,
		},
		Regime: types.RegimeSnapshot{
			Regime:   types.RegimeVolatile,
			Position: types.PricePosition{Pct: decimal.NewFromInt(50), Location: types.LocationMiddle},
		},
		Prediction: types.Prediction{PUp: decimal.NewFromFloat(0.5), PDown: decimal.NewFromFloat(0.5)},
	}

	_, emitted, reason := core.Evaluate(cfg, in)
	if emitted {
		t.Fatalf("expected veto: weighted score too weak to clear the action threshold in a volatile regime")
	}
	if reason == "" {
		t.Fatalf("expected a non-empty veto reason")
	}
}

func TestEvaluate_PriceAtResistanceBuyVetoed(t *testing.T) {
	logger := zap.NewNop()
	core := New(logger)
	cfg := config.Default()

	key := types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: "INFY"}
	in := alignedBullishInput(key)
	in.Regime.Position = types.PricePosition{Pct: decimal.NewFromInt(95), Location: types.LocationHigh}
	in.Traps = types.TrapFlags{BullTrapRisk: true}

	_, emitted, _ := core.Evaluate(cfg, in)
	if emitted {
		t.Fatalf("expected trap + high-zone attenuation to veto the BUY")
	}
}

func TestEvaluate_OvertradingGuardBlocksWithinMinimumCycleGap(t *testing.T) {
	logger := zap.NewNop()
	core := New(logger)
	cfg := config.Default()
	key := types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: "HDFCBANK"}

	_, emitted, _ := core.Evaluate(cfg, alignedBullishInput(key))
	if !emitted {
		t.Fatalf("expected the first cycle's signal to be emitted")
	}
	_, emitted, reason := core.Evaluate(cfg, alignedBullishInput(key))
	if emitted {
		t.Fatalf("expected the immediately-following cycle to be blocked by the minimum gap guard")
	}
	if reason != "minimum cycle gap since last open not satisfied" {
		t.Errorf("unexpected veto reason: %q", reason)
	}
}

func TestEvaluate_CoolDownAfterTwoConsecutiveLosses(t *testing.T) {
	logger := zap.NewNop()
	core := New(logger)
	cfg := config.Default()
	key := types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: "ICICIBANK"}

	core.RecordOutcome(key.String(), false)
	core.RecordOutcome(key.String(), false)

	// Cool-down blocks cycles 1 through 6 (cycle count starts at 0 before
	// any Evaluate call, so coolUntil = 0+6 = 6, inclusive).
	for i := 0; i < 6; i++ {
		_, emitted, reason := core.Evaluate(cfg, alignedBullishInput(key))
		if emitted {
			t.Fatalf("cycle %d: expected cool-down to block the signal", i+1)
		}
		if reason != "Loss cooldown" {
			t.Errorf("cycle %d: unexpected reason %q", i+1, reason)
		}
	}
	_, emitted, reason := core.Evaluate(cfg, alignedBullishInput(key))
	if !emitted {
		t.Fatalf("expected cycle 7 to resume trading, got veto reason=%q", reason)
	}
}

func TestTrendScore_FullStackVsPartialVsNone(t *testing.T) {
	ltp := decimal.NewFromFloat(105)
	if got := trendScore(bundle(102, 100, 98, 50, 1), ltp); got != 80 {
		t.Errorf("full bullish stack: got %v, want 80", got)
	}
	if got := trendScore(bundle(102, 100, 103, 50, 1), ltp); got != 60 {
		t.Errorf("partial stack (ema9>ema21 only): got %v, want 60", got)
	}
	if got := trendScore(types.IndicatorBundle{Computable: false}, ltp); got != 0 {
		t.Errorf("non-computable bundle should score neutral, got %v", got)
	}
}

func TestOscillatorScore_RSIBoundaries(t *testing.T) {
	cases := []struct {
		rsi  float64
		want float64
	}{
		{20, 40}, {35, 15}, {50, 0}, {65, -15}, {80, -40},
	}
	for _, c := range cases {
		b := bundle(100, 99, 98, c.rsi, 1)
		if got := oscillatorScore(b); got != c.want {
			t.Errorf("rsi=%v: got %v, want %v", c.rsi, got, c.want)
		}
	}
}

func TestDynamicStops_ATRZeroFallsBackToFlatPercentage(t *testing.T) {
	cfg := config.Default()
	ltp := decimal.NewFromFloat(200)
	sl, tp := dynamicStops(cfg, types.ActionBuy, ltp, types.IndicatorBundle{Computable: true, ATR14: decimal.Zero}, types.RegimeTrendingUp)

	wantSL := ltp.Mul(decimal.NewFromFloat(1 - cfg.DefaultStopLossPct/100)).Round(2)
	if !sl.Equal(wantSL) {
		t.Errorf("sl = %s, want %s", sl, wantSL)
	}
	if !tp.GreaterThan(ltp) {
		t.Errorf("expected take profit above entry for a BUY, got %s", tp)
	}
}

func TestCalibrate_ClipsToBounds(t *testing.T) {
	r := types.RegimeSnapshot{Regime: types.RegimeChoppy, Position: types.PricePosition{Location: types.LocationMiddle}}
	got := calibrate(0.10, false, r)
	if got != 0.05 {
		t.Errorf("expected confidence floor of 0.05 after choppy+middle penalties, got %v", got)
	}
}
