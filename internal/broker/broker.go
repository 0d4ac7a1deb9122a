// Package broker defines the capability set the core requires from a
// brokerage (SPEC_FULL §6.1) and ships a reference in-memory paper
// implementation so the engine is runnable without any live network
// dependency. A live broker plugs in over the exact same interface.
package broker

import (
	"context"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
)

// Interval is the candle interval accepted by GetHistoricalData.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval10m Interval = "10m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval1d  Interval = "1d"
)

// Profile is the account identity the broker reports.
type Profile struct {
	ClientID string
	Name     string
}

// Funds is the account's available margin/cash.
type Funds struct {
	Available decimal.Decimal
	Used      decimal.Decimal
}

// SymbolToken resolves a (symbol, exchange) pair to the broker's own
// instrument identifiers.
type SymbolToken struct {
	Token         string
	TradingSymbol string
}

// Broker is the capability set every stage is allowed to depend on.
// Implementations are expected to be safe for concurrent use.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	RefreshToken(ctx context.Context) error

	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResult, error)
	ModifyOrder(ctx context.Context, orderID string, req types.OrderRequest) (types.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (types.OrderResult, error)
	GetOrderBook(ctx context.Context) ([]types.OrderResult, error)

	GetPositions(ctx context.Context) ([]types.Position, error)
	GetHoldings(ctx context.Context) ([]types.Position, error)

	GetLTP(ctx context.Context, key types.SymbolKey) (decimal.Decimal, error)
	GetQuote(ctx context.Context, key types.SymbolKey) (types.Quote, error)
	GetHistoricalData(ctx context.Context, key types.SymbolKey, interval Interval, from, to time.Time) ([]types.OHLCV, error)

	GetSymbolToken(ctx context.Context, key types.SymbolKey) (SymbolToken, error)
	SearchSymbols(ctx context.Context, query string) ([]types.SymbolKey, error)

	GetProfile(ctx context.Context) (Profile, error)
	GetFunds(ctx context.Context) (Funds, error)
}

// PriceUpdate is the per-symbol price map a paper broker consumes so its
// simulated fills use the same prices the strategy just observed.
type PriceUpdate struct {
	LTP    decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// PaperCapable is the extra capability a paper broker variant exposes so
// the Market Snapshot stage can drive simulated fills with observed
// prices (SPEC_FULL §6.1).
type PaperCapable interface {
	UpdatePrices(prices map[string]PriceUpdate)
}
