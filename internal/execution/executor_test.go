package execution

import (
	"context"
	"testing"

	"github.com/atlas-desktop/trading-backend/internal/broker"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestExecute_PlacesEntryAndProtectiveStopLoss(t *testing.T) {
	logger := zap.NewNop()
	brk := broker.NewPaperBroker(logger)
	ctx := context.Background()
	if err := brk.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	key := types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: "RELIANCE"}
	brk.UpdatePrices(map[string]broker.PriceUpdate{
		key.String(): {LTP: decimal.NewFromFloat(100), Bid: decimal.NewFromFloat(99.9), Ask: decimal.NewFromFloat(100.1)},
	})

	adapter := New(logger, brk)
	cfg := config.Default()
	signal := types.Signal{Action: types.ActionBuy, Key: key, EntryPrice: decimal.NewFromFloat(100)}
	verdict := types.RiskVerdict{Approved: true, PositionSize: decimal.NewFromInt(10), AdjustedStopLoss: decimal.NewFromFloat(98), AdjustedTakeProfit: decimal.NewFromFloat(106)}

	record := adapter.Execute(ctx, cfg, signal, verdict)
	if !record.Success {
		t.Fatalf("expected a successful execution, got error=%q", record.Error)
	}
	if record.OrderID == "" {
		t.Errorf("expected a populated order id")
	}
	if record.SLOrderID == "" {
		t.Errorf("expected a populated protective stop-loss order id")
	}
	if adapter.PendingCount() == 0 {
		t.Errorf("expected both legs to be tracked as pending before reconciliation")
	}

	adapter.Reconcile(ctx)
	if adapter.PendingCount() != 0 {
		t.Errorf("expected reconciliation to drop terminal (filled) legs, got %d still pending", adapter.PendingCount())
	}
}

func TestExecute_KillSwitchRejectsWithoutPlacingOrders(t *testing.T) {
	logger := zap.NewNop()
	brk := broker.NewPaperBroker(logger)
	ctx := context.Background()
	_ = brk.Connect(ctx)

	adapter := New(logger, brk)
	adapter.ActivateKillSwitch()

	cfg := config.Default()
	key := types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: "TCS"}
	signal := types.Signal{Action: types.ActionBuy, Key: key, EntryPrice: decimal.NewFromFloat(100)}
	verdict := types.RiskVerdict{Approved: true, PositionSize: decimal.NewFromInt(10)}

	record := adapter.Execute(ctx, cfg, signal, verdict)
	if record.Success {
		t.Fatalf("expected the kill-switch to reject execution")
	}
	if record.Status != types.StatusRejected {
		t.Errorf("status = %s, want REJECTED", record.Status)
	}
	if adapter.PendingCount() != 0 {
		t.Errorf("expected no orders tracked while the kill-switch is active")
	}
}

func TestDeriveQuantity_FractionalSizeAsPercentOfMaxPosition(t *testing.T) {
	cfg := config.Default() // MaxPositionSize = 100000
	verdict := types.RiskVerdict{PositionSize: decimal.NewFromFloat(0.5)}
	got := deriveQuantity(cfg, verdict, decimal.NewFromFloat(100))
	want := int64(500) // 0.5 * 100000 / 100
	if got != want {
		t.Errorf("quantity = %d, want %d", got, want)
	}
}

func TestDeriveQuantity_AbsoluteIntegerPassesThrough(t *testing.T) {
	cfg := config.Default()
	verdict := types.RiskVerdict{PositionSize: decimal.NewFromInt(25)}
	got := deriveQuantity(cfg, verdict, decimal.NewFromFloat(100))
	if got != 25 {
		t.Errorf("quantity = %d, want 25", got)
	}
}
