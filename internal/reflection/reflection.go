// Package reflection implements the async side-channel (SPEC_FULL §12,
// supplementing §2/§4.1's abstractly-named "optional Reflection
// component"): a lightweight, LLM-free pass over recent trade records
// that produces aggregate statistics and a per-pattern performance
// update, adapted from the teacher's feedback-pattern tracker minus its
// file-backed persistence.
package reflection

import (
	"fmt"
	"strings"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradeRecord is the minimal closed-trade shape the Reflection component
// consumes: enough to compute win rate and R-multiple without needing
// the full execution/risk pipeline types.
type TradeRecord struct {
	Key        types.SymbolKey
	Action     types.Action
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	StopLoss   decimal.Decimal
	Regime     types.RegimeType
	PnL        decimal.Decimal
}

// PatternPerformance tracks aggregate outcomes for one regime pattern,
// mirroring the shape the teacher's feedback engine already tracked for
// strategy patterns.
type PatternPerformance struct {
	Pattern     string
	TotalTrades int
	Wins        int
	WinRate     decimal.Decimal
	AvgPnL      decimal.Decimal
}

// Summary is the Reflection component's output for one run.
type Summary struct {
	Text     string
	WinRate  decimal.Decimal
	AvgR     decimal.Decimal
	ByRegime map[string]PatternPerformance
}

// Engine runs reflection passes. It holds no persistent state beyond
// the process lifetime; external persistence is out of scope (§1).
type Engine struct {
	logger *zap.Logger
}

// New creates a Reflection engine.
func New(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("reflection")}
}

// Reflect analyzes up to the last 20 trade records the Supervisor hands
// it and returns a summary plus per-regime pattern performance.
func (e *Engine) Reflect(trades []TradeRecord) Summary {
	if len(trades) == 0 {
		return Summary{Text: "no trades to reflect on", ByRegime: map[string]PatternPerformance{}}
	}

	byRegime := make(map[string]PatternPerformance)
	wins := 0
	var totalR decimal.Decimal
	rCount := 0

	for _, t := range trades {
		pattern := string(t.Regime)
		perf := byRegime[pattern]
		perf.Pattern = pattern
		perf.TotalTrades++
		if t.PnL.IsPositive() {
			wins++
			perf.Wins++
		}
		perf.AvgPnL = perf.AvgPnL.Mul(decimal.NewFromInt(int64(perf.TotalTrades - 1))).Add(t.PnL).Div(decimal.NewFromInt(int64(perf.TotalTrades)))
		if r, ok := rMultiple(t); ok {
			totalR = totalR.Add(r)
			rCount++
		}
		byRegime[pattern] = perf
	}

	for k, perf := range byRegime {
		if perf.TotalTrades > 0 {
			perf.WinRate = decimal.NewFromInt(int64(perf.Wins)).Div(decimal.NewFromInt(int64(perf.TotalTrades)))
		}
		byRegime[k] = perf
	}

	winRate := decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(trades))))
	avgR := decimal.Zero
	if rCount > 0 {
		avgR = totalR.Div(decimal.NewFromInt(int64(rCount)))
	}

	summary := Summary{
		Text:     renderText(len(trades), winRate, avgR, byRegime),
		WinRate:  winRate.Round(4),
		AvgR:     avgR.Round(2),
		ByRegime: byRegime,
	}
	e.logger.Info("reflection pass complete",
		zap.Int("trades", len(trades)),
		zap.String("winRate", summary.WinRate.String()),
		zap.String("avgR", summary.AvgR.String()))
	return summary
}

// rMultiple expresses a trade's realized PnL as a multiple of its
// initial risk distance (entry to stop-loss).
func rMultiple(t TradeRecord) (decimal.Decimal, bool) {
	riskDist := t.EntryPrice.Sub(t.StopLoss).Abs()
	if riskDist.IsZero() {
		return decimal.Zero, false
	}
	pnlPerShare := t.ExitPrice.Sub(t.EntryPrice)
	if t.Action == types.ActionSell {
		pnlPerShare = pnlPerShare.Neg()
	}
	return pnlPerShare.Div(riskDist), true
}

func renderText(n int, winRate, avgR decimal.Decimal, byRegime map[string]PatternPerformance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "reflected on %d trades: win rate %s, average R-multiple %s.", n, winRate.Round(2), avgR)
	for pattern, perf := range byRegime {
		fmt.Fprintf(&b, " [%s: %d trades, %s win rate]", pattern, perf.TotalTrades, perf.WinRate.Round(2))
	}
	return b.String()
}
