package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperBroker is the reference in-memory broker. It fills every order
// immediately at the last price pushed via UpdatePrices, matching the
// grounding source's PaperBroker/ExecutionAgent fill behavior.
type PaperBroker struct {
	logger *zap.Logger

	mu        sync.RWMutex
	connected bool
	prices    map[string]PriceUpdate
	orders    map[string]*pendingOrder
	positions map[string]*types.Position
}

type pendingOrder struct {
	result types.OrderResult
	req    types.OrderRequest
}

// NewPaperBroker creates a paper broker with no open state.
func NewPaperBroker(logger *zap.Logger) *PaperBroker {
	return &PaperBroker{
		logger:    logger.Named("paper-broker"),
		prices:    make(map[string]PriceUpdate),
		orders:    make(map[string]*pendingOrder),
		positions: make(map[string]*types.Position),
	}
}

var _ Broker = (*PaperBroker)(nil)
var _ PaperCapable = (*PaperBroker)(nil)

// Connect marks the paper broker connected; there is no network to dial.
func (p *PaperBroker) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

// Disconnect marks the paper broker disconnected.
func (p *PaperBroker) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// IsConnected reports the paper broker's connection state.
func (p *PaperBroker) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// RefreshToken is a no-op for the paper broker.
func (p *PaperBroker) RefreshToken(ctx context.Context) error { return nil }

// UpdatePrices pushes the latest observed prices, used by subsequent
// fills and GetQuote/GetLTP calls.
func (p *PaperBroker) UpdatePrices(prices map[string]PriceUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range prices {
		p.prices[k] = v
	}
}

// PlaceOrder fills immediately at the last known price for the symbol.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := req.Key.String()
	price, ok := p.prices[key]
	if !ok {
		return types.OrderResult{Success: false, Message: fmt.Sprintf("no price available for %s", key)}, nil
	}

	fillPrice := price.LTP
	if req.Price.IsPositive() && req.Type == types.OrderTypeLimit {
		fillPrice = req.Price
	}

	orderID := uuid.NewString()
	result := types.OrderResult{
		Success:        true,
		OrderID:        orderID,
		Status:         types.StatusFilled,
		FilledQuantity: req.Quantity,
		AveragePrice:   fillPrice,
		Message:        "filled",
	}
	p.orders[orderID] = &pendingOrder{result: result, req: req}
	p.applyFill(req, fillPrice)
	return result, nil
}

func (p *PaperBroker) applyFill(req types.OrderRequest, price decimal.Decimal) {
	key := req.Key.String()
	pos, ok := p.positions[key]
	if !ok {
		pos = &types.Position{Key: req.Key}
		p.positions[key] = pos
	}
	delta := req.Quantity
	if req.Side == types.OrderSideSell {
		delta = -delta
	}
	pos.Quantity += delta
	pos.AvgPrice = price
}

// ModifyOrder replaces a paper order's trigger/limit price in place.
func (p *PaperBroker) ModifyOrder(ctx context.Context, orderID string, req types.OrderRequest) (types.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return types.OrderResult{Success: false, Message: "order not found"}, nil
	}
	o.req = req
	return o.result, nil
}

// CancelOrder marks a still-pending paper order cancelled. Paper fills
// are immediate, so this only affects bookkeeping for already-terminal
// orders' callers that re-check status.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	o.result.Status = types.StatusCancelled
	return nil
}

// GetOrderStatus returns the current status of a paper order.
func (p *PaperBroker) GetOrderStatus(ctx context.Context, orderID string) (types.OrderResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	o, ok := p.orders[orderID]
	if !ok {
		return types.OrderResult{}, fmt.Errorf("order %s not found", orderID)
	}
	return o.result, nil
}

// GetOrderBook returns every order the paper broker currently tracks.
func (p *PaperBroker) GetOrderBook(ctx context.Context) ([]types.OrderResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.OrderResult, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o.result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// GetPositions returns the paper broker's simulated intraday book.
func (p *PaperBroker) GetPositions(ctx context.Context) ([]types.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if pos.Quantity != 0 {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// GetHoldings has no delivery book in paper mode; intraday-only per the
// spec's Non-goals, so this always returns empty.
func (p *PaperBroker) GetHoldings(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}

// GetLTP returns the last price pushed for the symbol.
func (p *PaperBroker) GetLTP(ctx context.Context, key types.SymbolKey) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	px, ok := p.prices[key.String()]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", key.String())
	}
	return px.LTP, nil
}

// GetQuote returns the last full price update pushed for the symbol.
func (p *PaperBroker) GetQuote(ctx context.Context, key types.SymbolKey) (types.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	px, ok := p.prices[key.String()]
	if !ok {
		return types.Quote{}, fmt.Errorf("no price for %s", key.String())
	}
	return types.Quote{
		Key: key, LTP: px.LTP, Open: px.Open, High: px.High, Low: px.Low, Close: px.Close,
		Volume: px.Volume, Bid: px.Bid, Ask: px.Ask, Timestamp: time.Now(), Simulated: true,
	}, nil
}

// GetHistoricalData is unsupported in paper mode; the Market Snapshot
// stage falls through to its own synthetic generator instead of asking
// the paper broker for candles (SPEC_FULL §4.2 path 2).
func (p *PaperBroker) GetHistoricalData(ctx context.Context, key types.SymbolKey, interval Interval, from, to time.Time) ([]types.OHLCV, error) {
	return nil, fmt.Errorf("paper broker does not serve historical data")
}

// GetSymbolToken is a deterministic stand-in; the paper broker has no
// real symbol master to consult.
func (p *PaperBroker) GetSymbolToken(ctx context.Context, key types.SymbolKey) (SymbolToken, error) {
	return SymbolToken{Token: key.String(), TradingSymbol: key.Symbol}, nil
}

// SearchSymbols returns no results; paper mode expects an explicit watchlist.
func (p *PaperBroker) SearchSymbols(ctx context.Context, query string) ([]types.SymbolKey, error) {
	return nil, nil
}

// GetProfile returns a fixed paper identity.
func (p *PaperBroker) GetProfile(ctx context.Context) (Profile, error) {
	return Profile{ClientID: "PAPER", Name: "Paper Trading Account"}, nil
}

// GetFunds returns a generous fixed paper balance.
func (p *PaperBroker) GetFunds(ctx context.Context) (Funds, error) {
	return Funds{Available: decimal.NewFromInt(1000000), Used: decimal.Zero}, nil
}
