package reflection

import (
	"testing"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func trade(action types.Action, entry, exit, sl, pnl float64, regime types.RegimeType) TradeRecord {
	return TradeRecord{
		Action:     action,
		EntryPrice: decimal.NewFromFloat(entry),
		ExitPrice:  decimal.NewFromFloat(exit),
		StopLoss:   decimal.NewFromFloat(sl),
		Regime:     regime,
		PnL:        decimal.NewFromFloat(pnl),
	}
}

func TestReflect_EmptyTradeListReturnsPlaceholderSummary(t *testing.T) {
	e := New(zap.NewNop())
	summary := e.Reflect(nil)
	if summary.Text != "no trades to reflect on" {
		t.Errorf("unexpected text: %q", summary.Text)
	}
	if len(summary.ByRegime) != 0 {
		t.Errorf("expected an empty per-regime map, got %d entries", len(summary.ByRegime))
	}
}

func TestReflect_WinRateAndRMultipleAcrossMixedTrades(t *testing.T) {
	e := New(zap.NewNop())
	trades := []TradeRecord{
		trade(types.ActionBuy, 100, 106, 98, 6, types.RegimeTrendingUp),  // win, risk=2, R=3
		trade(types.ActionBuy, 100, 97, 98, -3, types.RegimeTrendingUp),  // loss, risk=2, R=-1.5
		trade(types.ActionSell, 100, 94, 102, 6, types.RegimeChoppy),     // win, risk=2, R=3
	}
	summary := e.Reflect(trades)

	wantWinRate := decimal.NewFromFloat(2.0 / 3.0).Round(4)
	if !summary.WinRate.Equal(wantWinRate) {
		t.Errorf("win rate = %s, want %s", summary.WinRate, wantWinRate)
	}
	// R-multiples 3, -1.5 and 3 average to 1.5.
	if wantAvgR := decimal.NewFromFloat(1.5); !summary.AvgR.Equal(wantAvgR) {
		t.Errorf("avg R = %s, want %s", summary.AvgR, wantAvgR)
	}

	trendPerf := summary.ByRegime[string(types.RegimeTrendingUp)]
	if trendPerf.TotalTrades != 2 || trendPerf.Wins != 1 {
		t.Errorf("trending_up perf = %+v, want 2 trades / 1 win", trendPerf)
	}
	choppyPerf := summary.ByRegime[string(types.RegimeChoppy)]
	if choppyPerf.TotalTrades != 1 || choppyPerf.Wins != 1 {
		t.Errorf("choppy perf = %+v, want 1 trade / 1 win", choppyPerf)
	}
}

func TestRMultiple_ZeroRiskDistanceIsExcluded(t *testing.T) {
	tr := trade(types.ActionBuy, 100, 105, 100, 5, types.RegimeTrendingUp)
	_, ok := rMultiple(tr)
	if ok {
		t.Errorf("expected a zero entry-to-stop distance to be excluded from the R-multiple average")
	}
}

func TestRMultiple_SellSideSignFlipped(t *testing.T) {
	tr := trade(types.ActionSell, 100, 90, 105, 10, types.RegimeTrendingDown)
	r, ok := rMultiple(tr)
	if !ok {
		t.Fatalf("expected an R-multiple to be computable")
	}
	// risk = |100-105| = 5, pnlPerShare = (90-100) negated for SELL = 10, R = 2.
	want := decimal.NewFromFloat(2)
	if !r.Equal(want) {
		t.Errorf("r-multiple = %s, want %s", r, want)
	}
}
