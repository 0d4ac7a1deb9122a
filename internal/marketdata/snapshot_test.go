package marketdata

import (
	"context"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/broker"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"go.uber.org/zap"
)

func testSymbols() []types.SymbolKey {
	return []types.SymbolKey{
		{Exchange: types.ExchangeNSE, Symbol: "RELIANCE"},
		{Exchange: types.ExchangeNSE, Symbol: "TCS"},
	}
}

func TestSnapshot_SimulatedPathProducesQuotesAndComputableIndicators(t *testing.T) {
	logger := zap.NewNop()
	brk := broker.NewPaperBroker(logger) // left unconnected: forces the simulated path
	cfg := config.Default()
	symbols := testSymbols()

	svc := New(logger, brk, cfg, symbols)
	update := svc.Snapshot(context.Background())

	if update.Source != "simulated" {
		t.Errorf("source = %s, want simulated for an unconnected broker", update.Source)
	}
	for _, key := range symbols {
		q, ok := update.Quotes[key.String()]
		if !ok {
			t.Fatalf("missing quote for %s", key)
		}
		if !q.Simulated {
			t.Errorf("expected quote for %s to be flagged simulated", key)
		}
		set, ok := update.Indicators[key.String()]
		if !ok {
			t.Fatalf("missing indicator set for %s", key)
		}
		for _, tf := range types.CoreTimeframes {
			if !set[tf].Computable {
				t.Errorf("%s/%s: expected a computable indicator bundle after synthetic backfill", key, tf)
			}
		}
	}
}

func TestSnapshot_SeriesLengthCappedAcrossManyCycles(t *testing.T) {
	logger := zap.NewNop()
	brk := broker.NewPaperBroker(logger)
	cfg := config.Default()
	symbols := testSymbols()[:1]

	svc := New(logger, brk, cfg, symbols)
	for i := 0; i < MaxSeriesLength+20; i++ {
		svc.Snapshot(context.Background())
	}

	series := svc.SeriesFor(symbols[0], types.Timeframe5m)
	if len(series) > MaxSeriesLength {
		t.Errorf("series length = %d, want at most %d", len(series), MaxSeriesLength)
	}
}

func TestLastQuote_ReturnsMostRecentObservedQuote(t *testing.T) {
	logger := zap.NewNop()
	brk := broker.NewPaperBroker(logger)
	cfg := config.Default()
	symbols := testSymbols()[:1]

	svc := New(logger, brk, cfg, symbols)
	if _, ok := svc.LastQuote(symbols[0]); ok {
		t.Fatalf("expected no last quote before the first Snapshot")
	}
	svc.Snapshot(context.Background())
	q, ok := svc.LastQuote(symbols[0])
	if !ok {
		t.Fatalf("expected a last quote after Snapshot")
	}
	if q.Key != symbols[0] {
		t.Errorf("last quote key = %v, want %v", q.Key, symbols[0])
	}
}
