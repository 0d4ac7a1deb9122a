// Package types holds the data model shared across the decision pipeline:
// symbol keys, candles, quotes, indicator bundles, regime snapshots,
// predictions, signals, risk verdicts and execution records.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is the enumerated venue token the engine reasons about.
type Exchange string

const (
	ExchangeNSE Exchange = "NSE"
	ExchangeBSE Exchange = "BSE"
	ExchangeNFO Exchange = "NFO"
	ExchangeBFO Exchange = "BFO"
	ExchangeMCX Exchange = "MCX"
	ExchangeCDS Exchange = "CDS"
)

// SymbolKey is the canonical external identifier for an instrument.
type SymbolKey struct {
	Exchange Exchange `json:"exchange"`
	Symbol   string   `json:"symbol"`
}

// String renders the key in "EXCHANGE:SYMBOL" form, used as map keys
// throughout the pipeline so merges can sort deterministically.
func (k SymbolKey) String() string {
	return string(k.Exchange) + ":" + k.Symbol
}

// Timeframe is a candle interval. The core only ever requests 5m, 15m, 1h.
type Timeframe string

const (
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
)

// CoreTimeframes lists the timeframes the Decision Core votes across, in
// the fixed order the weighted-score table (SPEC_FULL §4.4) expects.
var CoreTimeframes = []Timeframe{Timeframe1h, Timeframe15m, Timeframe5m}

// OHLCV is a single candle. Timestamps are strictly increasing within a
// series; Volume is non-negative.
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

// Quote is the current tradable price for a symbol.
type Quote struct {
	Key       SymbolKey       `json:"key"`
	LTP       decimal.Decimal `json:"ltp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
	Simulated bool            `json:"simulated"`
}

// TrendLabel and MomentumLabel are the coarse qualitative tags the
// indicator bundle carries alongside its scalars.
type TrendLabel string
type MomentumLabel string

const (
	TrendBullish TrendLabel = "bullish"
	TrendBearish TrendLabel = "bearish"

	MomentumStrong MomentumLabel = "strong"
	MomentumWeak   MomentumLabel = "weak"
)

// IndicatorBundle is the per-(symbol,timeframe) technical summary. When
// Computable is false the series had fewer than 20 bars and every scalar
// must be treated as neutral by downstream consumers, never as zero.
type IndicatorBundle struct {
	Computable bool `json:"computable"`

	EMA9  decimal.Decimal `json:"ema9"`
	EMA21 decimal.Decimal `json:"ema21"`
	EMA50 decimal.Decimal `json:"ema50"`

	RSI14 decimal.Decimal `json:"rsi14"`

	MACD          decimal.Decimal `json:"macd"`
	MACDSignal    decimal.Decimal `json:"macdSignal"`
	MACDHistogram decimal.Decimal `json:"macdHistogram"`

	BBUpper  decimal.Decimal `json:"bbUpper"`
	BBMiddle decimal.Decimal `json:"bbMiddle"`
	BBLower  decimal.Decimal `json:"bbLower"`

	ATR14 decimal.Decimal `json:"atr14"`

	VolumeSMA20    decimal.Decimal `json:"volumeSma20"`
	RelativeVolume decimal.Decimal `json:"relativeVolume"`

	Trend    TrendLabel    `json:"trend"`
	Momentum MomentumLabel `json:"momentum"`
}

// IndicatorSet bundles the three core timeframes for one symbol.
type IndicatorSet map[Timeframe]IndicatorBundle

// RegimeType classifies prevailing market conditions.
type RegimeType string

const (
	RegimeTrendingUp            RegimeType = "trending_up"
	RegimeTrendingDown          RegimeType = "trending_down"
	RegimeChoppy                RegimeType = "choppy"
	RegimeVolatile              RegimeType = "volatile"
	RegimeVolatileDirectionless RegimeType = "volatile_directionless"
	RegimeUnknown               RegimeType = "unknown"
)

// TrendDirection is the coarse directional read used in regime scoring.
type TrendDirection string

const (
	DirectionUp      TrendDirection = "up"
	DirectionDown    TrendDirection = "down"
	DirectionNeutral TrendDirection = "neutral"
)

// PositionLocation buckets price position within its recent range.
type PositionLocation string

const (
	LocationLow     PositionLocation = "low"
	LocationMiddle  PositionLocation = "middle"
	LocationHigh    PositionLocation = "high"
	LocationUnknown PositionLocation = "unknown"
)

// PricePosition is the price's location within its recent 50-bar range.
type PricePosition struct {
	Pct      decimal.Decimal  `json:"pct"`
	Location PositionLocation `json:"location"`
}

// ChoppyAnalysis is only populated when Regime == choppy.
type ChoppyAnalysis struct {
	Squeeze             bool            `json:"squeeze"`
	Support             decimal.Decimal `json:"support"`
	Resistance          decimal.Decimal `json:"resistance"`
	BreakoutProbability decimal.Decimal `json:"breakoutProbability"`
	Hint                string          `json:"hint"`
}

// RegimeSnapshot is the classifier's output for one symbol.
type RegimeSnapshot struct {
	Regime         RegimeType      `json:"regime"`
	Confidence     decimal.Decimal `json:"confidence"`
	ADX            decimal.Decimal `json:"adx"`
	BBWidthPct     decimal.Decimal `json:"bbWidthPct"`
	ATRPct         decimal.Decimal `json:"atrPct"`
	TrendDirection TrendDirection  `json:"trendDirection"`
	Reason         string          `json:"reason"`
	Position       PricePosition   `json:"position"`
	Choppy         *ChoppyAnalysis `json:"choppyAnalysis,omitempty"`
}

// TrapFlags are the reversal-risk indicators the trap detector may raise.
// An unset flag must be read as false by every consumer.
type TrapFlags struct {
	BullTrapRisk     bool `json:"bullTrapRisk"`
	WeakRebound      bool `json:"weakRebound"`
	VolumeDivergence bool `json:"volumeDivergence"`
	Accumulation     bool `json:"accumulation"`
	PanicBottom      bool `json:"panicBottom"`
	FomoTop          bool `json:"fomoTop"`
}

// Prediction is the rule-based predictor's output.
type Prediction struct {
	PUp        decimal.Decimal    `json:"pUp"`
	PDown      decimal.Decimal    `json:"pDown"`
	Confidence decimal.Decimal    `json:"confidence"`
	Factors    map[string]float64 `json:"factors"`
}

// Signal returns the qualitative label (strong_bullish/.../neutral) for
// this prediction, used for logging and tests.
func (p Prediction) Signal() string {
	pu, _ := p.PUp.Float64()
	pd, _ := p.PDown.Float64()
	switch {
	case pu > 0.65:
		return "strong_bullish"
	case pu > 0.55:
		return "bullish"
	case pd > 0.65:
		return "strong_bearish"
	case pd > 0.55:
		return "bearish"
	default:
		return "neutral"
	}
}

// Action is the decision core's recommended action.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal is a candidate trade idea emitted by the Decision Core. It is
// only emitted (as a message) when Action != HOLD and Confidence is at
// or above the configured minimum.
type Signal struct {
	Action     Action          `json:"action"`
	Key        SymbolKey       `json:"key"`
	Confidence decimal.Decimal `json:"confidence"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	TakeProfit decimal.Decimal `json:"takeProfit"`
	Regime     RegimeSnapshot  `json:"regime"`
	Position   PricePosition   `json:"position"`
	Traps      TrapFlags       `json:"traps"`
	Reasoning  string          `json:"reasoning"`
	Source     string          `json:"source"`
}

// RiskLevel is the Guardian's severity classification for a verdict.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskVerdict is the Guardian's ruling on a Signal.
type RiskVerdict struct {
	Approved           bool            `json:"approved"`
	Reason             string          `json:"reason"`
	RiskLevel          RiskLevel       `json:"riskLevel"`
	PositionSize       decimal.Decimal `json:"positionSize"`
	AdjustedStopLoss   decimal.Decimal `json:"adjustedStopLoss"`
	AdjustedTakeProfit decimal.Decimal `json:"adjustedTakeProfit"`
	Warnings           []string        `json:"warnings"`
}

// ExecutionStatus mirrors the broker's order lifecycle states relevant
// to the Execution Adapter's reconciliation loop.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusOpen      ExecutionStatus = "OPEN"
	StatusFilled    ExecutionStatus = "FILLED"
	StatusCancelled ExecutionStatus = "CANCELLED"
	StatusRejected  ExecutionStatus = "REJECTED"
)

// ExecutionRecord is the outcome of submitting a DECISION to the broker.
type ExecutionRecord struct {
	TradeID   string          `json:"tradeId"`
	Success   bool            `json:"success"`
	OrderID   string          `json:"orderId,omitempty"`
	Key       SymbolKey       `json:"symbol"`
	Action    Action          `json:"action"`
	FillPrice decimal.Decimal `json:"fillPrice"`
	Quantity  int64           `json:"quantity"`
	Status    ExecutionStatus `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	SLOrderID string          `json:"slOrderId,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// OrderSide is the broker-facing buy/sell direction.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the broker order variety the core may request.
type OrderType string

const (
	OrderTypeMarket      OrderType = "MARKET"
	OrderTypeLimit       OrderType = "LIMIT"
	OrderTypeStopLoss    OrderType = "STOP_LOSS"
	OrderTypeStopLossMkt OrderType = "STOP_LOSS_MARKET"
)

// ProductType is the settlement product the broker books the order under.
type ProductType string

const (
	ProductIntraday ProductType = "INTRADAY"
	ProductDelivery ProductType = "DELIVERY"
)

// OrderRequest is what the Execution Adapter hands to the broker capability.
type OrderRequest struct {
	Key          SymbolKey
	Side         OrderSide
	Quantity     int64
	Type         OrderType
	ProductType  ProductType
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Tag          string
}

// OrderResult is what the broker capability hands back.
type OrderResult struct {
	Success        bool
	OrderID        string
	Status         ExecutionStatus
	FilledQuantity int64
	AveragePrice   decimal.Decimal
	Message        string
}

// Position is a held position as reported by the broker.
type Position struct {
	Key      SymbolKey
	Quantity int64
	AvgPrice decimal.Decimal
	PnL      decimal.Decimal
}
