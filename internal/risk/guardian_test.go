package risk

import (
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func baseSignal(key types.SymbolKey, action types.Action, entry, sl, tp float64) types.Signal {
	return types.Signal{
		Action:     action,
		Key:        key,
		Confidence: decimal.NewFromFloat(0.9),
		EntryPrice: decimal.NewFromFloat(entry),
		StopLoss:   decimal.NewFromFloat(sl),
		TakeProfit: decimal.NewFromFloat(tp),
		Regime: types.RegimeSnapshot{
			Regime:     types.RegimeTrendingUp,
			Confidence: decimal.NewFromInt(80),
		},
		Position: types.PricePosition{Pct: decimal.NewFromInt(50), Location: types.LocationMiddle},
	}
}

func TestReview_ApprovesWellFormedSignal(t *testing.T) {
	g := New(zap.NewNop(), decimal.NewFromInt(1000000))
	cfg := config.Default()
	key := types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: "RELIANCE"}

	verdict := g.Review(cfg, baseSignal(key, types.ActionBuy, 100, 98, 106))
	if !verdict.Approved {
		t.Fatalf("expected approval, got reason=%q", verdict.Reason)
	}
	if verdict.PositionSize.IsZero() {
		t.Errorf("expected a non-zero position size")
	}
}

func TestReview_StopLossDirectionAutoCorrected(t *testing.T) {
	g := New(zap.NewNop(), decimal.NewFromInt(1000000))
	cfg := config.Default()
	key := types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: "TCS"}

	// A BUY with a stop-loss on the wrong side of entry (210 vs entry 200).
	sig := baseSignal(key, types.ActionBuy, 200, 210, 230)
	verdict := g.Review(cfg, sig)
	if !verdict.Approved {
		t.Fatalf("expected approval after auto-correction, got reason=%q", verdict.Reason)
	}
	want := decimal.NewFromFloat(200 * (1 - cfg.DefaultStopLossPct/100)).Round(2)
	if !verdict.AdjustedStopLoss.Equal(want) {
		t.Errorf("adjusted stop-loss = %s, want %s", verdict.AdjustedStopLoss, want)
	}
	found := false
	for _, w := range verdict.Warnings {
		if w == "SL corrected: 210.00 → 196.00" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a direction-correction warning, got %v", verdict.Warnings)
	}
}

func TestReview_RiskRewardBelowMinimumBlocks(t *testing.T) {
	g := New(zap.NewNop(), decimal.NewFromInt(1000000))
	cfg := config.Default()
	key := types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: "INFY"}

	// Risk distance 3, reward distance 2 (both within the no-correction
	// band so the raw distances survive step 9 untouched): rr=0.667,
	// below MinRiskRewardBlock 0.8.
	sig := baseSignal(key, types.ActionBuy, 100, 97, 102)
	verdict := g.Review(cfg, sig)
	if verdict.Approved {
		t.Fatalf("expected a risk/reward veto")
	}
	if verdict.Reason != "risk/reward below minimum" {
		t.Errorf("unexpected reason: %q", verdict.Reason)
	}
}

func TestRecordFill_DailyLossBreachActivatesKillSwitchPersistently(t *testing.T) {
	g := New(zap.NewNop(), decimal.NewFromInt(1000000))
	cfg := config.Default()
	key := types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: "HDFCBANK"}

	g.RecordFill(key.String(), types.ActionBuy, decimal.NewFromFloat(-cfg.MaxDailyLoss-1), true)

	verdict := g.Review(cfg, baseSignal(key, types.ActionBuy, 100, 98, 106))
	if verdict.Approved {
		t.Fatalf("expected the kill-switch to veto this signal")
	}
	if verdict.Reason != "daily loss limit breached, kill-switch activated" {
		t.Errorf("unexpected reason: %q", verdict.Reason)
	}

	// The kill-switch must stay tripped on every subsequent cycle until an
	// operator explicitly clears it.
	for i := 0; i < 3; i++ {
		v := g.Review(cfg, baseSignal(key, types.ActionBuy, 100, 98, 106))
		if v.Approved {
			t.Fatalf("cycle %d: expected kill-switch veto to persist", i)
		}
		if v.Reason != "kill-switch active" {
			t.Errorf("cycle %d: unexpected reason %q", i, v.Reason)
		}
	}

	// Bring daily PnL back above the breach threshold before clearing the
	// switch — otherwise step 2 would simply re-trip it on the next review.
	g.RecordFill(key.String(), types.ActionBuy, decimal.NewFromFloat(cfg.MaxDailyLoss+3), true)
	g.DeactivateKillSwitch()
	v := g.Review(cfg, baseSignal(key, types.ActionBuy, 100, 98, 106))
	if !v.Approved {
		t.Fatalf("expected approval once the kill-switch is cleared and the daily loss has recovered, got reason=%q", v.Reason)
	}
}

func TestReview_DuplicateOpenOnSameSymbolAndSideBlocked(t *testing.T) {
	g := New(zap.NewNop(), decimal.NewFromInt(1000000))
	cfg := config.Default()
	key := types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: "ICICIBANK"}

	sig := baseSignal(key, types.ActionBuy, 100, 98, 106)
	if v := g.Review(cfg, sig); !v.Approved {
		t.Fatalf("expected the first open to be approved, got reason=%q", v.Reason)
	}
	v := g.Review(cfg, sig)
	if v.Approved {
		t.Fatalf("expected a duplicate-open veto")
	}
	if v.Reason != "duplicate open on same symbol and side" {
		t.Errorf("unexpected reason: %q", v.Reason)
	}
}

func TestRaiseSeverity_NeverLowers(t *testing.T) {
	if got := raiseSeverity(types.RiskHigh, types.RiskLow); got != types.RiskHigh {
		t.Errorf("raiseSeverity must not lower an existing severity, got %s", got)
	}
	if got := raiseSeverity(types.RiskLow, types.RiskCritical); got != types.RiskCritical {
		t.Errorf("raiseSeverity should raise to the higher severity, got %s", got)
	}
}
