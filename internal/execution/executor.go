// Package execution implements the Execution Adapter (SPEC_FULL §4.6):
// it translates an approved DECISION into a primary broker order plus a
// protective stop-loss order, tracks both legs' lifecycle, and
// reconciles terminal orders out of its pending set each cycle.
package execution

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/broker"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// pendingLeg is one broker order the adapter still tracks for
// reconciliation.
type pendingLeg struct {
	tradeID string
	orderID string
}

// Adapter is the single writer of the pending-order set (SPEC_FULL §5).
type Adapter struct {
	logger *zap.Logger
	brk    broker.Broker

	mu      sync.Mutex
	pending []pendingLeg

	killSwitch bool
}

// New creates an Execution Adapter bound to the given broker.
func New(logger *zap.Logger, brk broker.Broker) *Adapter {
	return &Adapter{logger: logger.Named("execution-adapter"), brk: brk}
}

// ActivateKillSwitch stops all further order placement.
func (a *Adapter) ActivateKillSwitch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.killSwitch = true
}

// DeactivateKillSwitch resumes order placement.
func (a *Adapter) DeactivateKillSwitch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.killSwitch = false
}

// Execute places the primary order for an approved decision and, if a
// stop-loss is present, the protective leg, per SPEC_FULL §4.6.
func (a *Adapter) Execute(ctx context.Context, cfg *config.Config, signal types.Signal, verdict types.RiskVerdict) types.ExecutionRecord {
	tradeID := uuid.NewString()
	record := types.ExecutionRecord{TradeID: tradeID, Key: signal.Key, Action: signal.Action, Timestamp: time.Now()}

	a.mu.Lock()
	blocked := a.killSwitch
	a.mu.Unlock()
	if blocked {
		record.Success = false
		record.Status = types.StatusRejected
		record.Error = "execution adapter kill-switch active"
		return record
	}

	quantity := deriveQuantity(cfg, verdict, signal.EntryPrice)
	side := types.OrderSideBuy
	if signal.Action == types.ActionSell {
		side = types.OrderSideSell
	}

	primaryReq := types.OrderRequest{
		Key:         signal.Key,
		Side:        side,
		Quantity:    quantity,
		Type:        types.OrderTypeMarket,
		ProductType: types.ProductIntraday,
		Tag:         orderTag(tradeID, "ENTRY"),
	}

	result, err := a.brk.PlaceOrder(ctx, primaryReq)
	if err != nil || !result.Success {
		record.Success = false
		record.Status = types.StatusRejected
		record.Error = firstNonEmpty(errString(err), result.Message, "primary order placement failed")
		return record
	}

	record.Success = true
	record.OrderID = result.OrderID
	record.FillPrice = result.AveragePrice
	record.Quantity = result.FilledQuantity
	record.Status = result.Status

	a.trackLeg(tradeID, result.OrderID)

	if verdict.AdjustedStopLoss.IsPositive() {
		slSide := types.OrderSideSell
		if side == types.OrderSideSell {
			slSide = types.OrderSideBuy
		}
		slReq := types.OrderRequest{
			Key:          signal.Key,
			Side:         slSide,
			Quantity:     result.FilledQuantity,
			Type:         types.OrderTypeStopLossMkt,
			ProductType:  types.ProductIntraday,
			TriggerPrice: verdict.AdjustedStopLoss,
			Tag:          orderTag(tradeID, "SL"),
		}
		slResult, slErr := a.brk.PlaceOrder(ctx, slReq)
		if slErr != nil || !slResult.Success {
			// The primary fill stands; a failed protective leg is a
			// warning, not a rollback (SPEC_FULL §4.6).
			record.Error = "protective stop-loss order failed: " + firstNonEmpty(errString(slErr), slResult.Message, "unknown error")
			a.logger.Warn("stop-loss placement failed, primary fill retained",
				zap.String("tradeId", tradeID), zap.Error(slErr))
		} else {
			record.SLOrderID = slResult.OrderID
			a.trackLeg(tradeID, slResult.OrderID)
		}
	}

	return record
}

// deriveQuantity interprets verdict.PositionSize either as an absolute
// integer quantity or, when fractional in [0,1], as a percentage of
// max_position_size floor-divided by entry price.
func deriveQuantity(cfg *config.Config, verdict types.RiskVerdict, entry decimal.Decimal) int64 {
	size, _ := verdict.PositionSize.Float64()
	entryF, _ := entry.Float64()

	if size > 0 && size <= 1 && size != math.Trunc(size) {
		notional := cfg.MaxPositionSize * size
		if entryF > 0 {
			q := int64(math.Floor(notional / entryF))
			if q < 1 {
				q = 1
			}
			return q
		}
		return 1
	}

	q := int64(size)
	if q < 1 {
		q = 1
	}
	return q
}

// Reconcile polls every still-pending order and drops terminal ones
// (FILLED, CANCELLED, REJECTED) from the tracked set.
func (a *Adapter) Reconcile(ctx context.Context) {
	a.mu.Lock()
	legs := append([]pendingLeg(nil), a.pending...)
	a.mu.Unlock()

	survivors := make([]pendingLeg, 0, len(legs))
	for _, leg := range legs {
		status, err := a.brk.GetOrderStatus(ctx, leg.orderID)
		if err != nil {
			survivors = append(survivors, leg)
			continue
		}
		switch status.Status {
		case types.StatusFilled, types.StatusCancelled, types.StatusRejected:
			// terminal, drop from the pending set
		default:
			survivors = append(survivors, leg)
		}
	}

	sort.Slice(survivors, func(i, j int) bool { return survivors[i].orderID < survivors[j].orderID })

	a.mu.Lock()
	a.pending = survivors
	a.mu.Unlock()
}

func (a *Adapter) trackLeg(tradeID, orderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, pendingLeg{tradeID: tradeID, orderID: orderID})
}

// PendingCount reports the number of orders still being reconciled.
func (a *Adapter) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// orderTag derives the short, order-correlating client tag (SPEC_FULL
// §4.6) that lets a paper or live broker associate a trade's legs.
func orderTag(tradeID, leg string) string {
	short := tradeID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s", leg, short)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
