// Package marketdata implements the Market Snapshot stage (SPEC_FULL
// §4.2): per-symbol quote and historical-OHLCV assembly, indicator
// computation, and price synchronization to the paper broker.
package marketdata

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/agentmsg"
	"github.com/atlas-desktop/trading-backend/internal/broker"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/indicators"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxSeriesLength bounds every historical series to the spec's "last
// 200 bars per timeframe" retention rule.
const MaxSeriesLength = 200

// baseSimPrice seeds the random walk for symbols the service has not
// seen a real quote for yet; anything not listed gets a generic seed.
var baseSimPrice = map[string]float64{
	"RELIANCE":   2450.0,
	"TCS":        3850.0,
	"INFY":       1580.0,
	"HDFCBANK":   1620.0,
	"ICICIBANK":  1050.0,
	"SBIN":       780.0,
	"KOTAKBANK":  1750.0,
	"TATAMOTORS": 720.0,
	"ONGC":       260.0,
	"HINDUNILVR": 2350.0,
}

// Service assembles the per-cycle MARKET_UPDATE message. It is the
// single writer of the indicator/series cache, per the concurrency
// model's shared-resource policy (SPEC_FULL §5).
type Service struct {
	logger *zap.Logger
	brk    broker.Broker
	cfg    *config.Config

	mu         sync.RWMutex
	symbols    []types.SymbolKey
	series     map[string]map[types.Timeframe][]types.OHLCV
	simPrice   map[string]float64
	lastQuotes map[string]types.Quote
	rng        *rand.Rand
}

// New creates a Market Snapshot service watching the given symbols.
func New(logger *zap.Logger, brk broker.Broker, cfg *config.Config, symbols []types.SymbolKey) *Service {
	s := &Service{
		logger:     logger.Named("marketdata"),
		brk:        brk,
		cfg:        cfg,
		symbols:    symbols,
		series:     make(map[string]map[types.Timeframe][]types.OHLCV),
		simPrice:   make(map[string]float64),
		lastQuotes: make(map[string]types.Quote),
		rng:        rand.New(rand.NewSource(1)),
	}
	for _, k := range symbols {
		base, ok := baseSimPrice[k.Symbol]
		if !ok {
			base = 1000.0 + s.rng.Float64()*400 - 200
		}
		s.simPrice[k.String()] = base
	}
	return s
}

// Snapshot runs one cycle of data assembly and returns the MARKET_UPDATE
// payload. It never returns an error: a broker failure for one symbol
// simply demotes that symbol to the simulated path (SPEC_FULL §4.2).
func (s *Service) Snapshot(ctx context.Context) agentmsg.MarketUpdatePayload {
	quotes := make(map[string]types.Quote, len(s.symbols))
	indicatorSets := make(map[string]types.IndicatorSet, len(s.symbols))

	liveUsed, simUsed := 0, 0
	for _, key := range s.symbols {
		quote, fromBroker := s.fetchQuote(ctx, key)
		quotes[key.String()] = quote
		if fromBroker {
			liveUsed++
		} else {
			simUsed++
		}

		for _, tf := range types.CoreTimeframes {
			s.ensureHistory(ctx, key, tf, quote)
		}

		set := make(types.IndicatorSet, len(types.CoreTimeframes))
		for _, tf := range types.CoreTimeframes {
			set[tf] = indicators.Compute(s.seriesFor(key, tf))
		}
		indicatorSets[key.String()] = set
	}

	s.syncPaperBroker(quotes)

	source := "broker"
	switch {
	case liveUsed > 0 && simUsed > 0:
		source = "mixed"
	case liveUsed == 0:
		source = "simulated"
	}

	s.mu.Lock()
	for k, q := range quotes {
		s.lastQuotes[k] = q
	}
	s.mu.Unlock()

	return agentmsg.MarketUpdatePayload{
		Quotes:     quotes,
		Indicators: indicatorSets,
		Source:     source,
		Timestamp:  time.Now(),
	}
}

// fetchQuote tries the live broker first and falls through to the
// simulated generator for this symbol alone on any failure.
func (s *Service) fetchQuote(ctx context.Context, key types.SymbolKey) (types.Quote, bool) {
	if s.brk != nil && s.brk.IsConnected() {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.BrokerRESTTimeout)
		defer cancel()
		q, err := s.brk.GetQuote(fetchCtx, key)
		if err == nil {
			s.mu.Lock()
			s.simPrice[key.String()] = mustFloat(q.LTP)
			s.mu.Unlock()
			return q, true
		}
		s.logger.Warn("live quote fetch failed, falling back to simulated",
			zap.String("symbol", key.String()), zap.Error(err))
	}
	return s.simulateQuote(key), false
}

// simulateQuote advances the per-symbol random walk by one cycle and
// synthesizes a realistic OHLCV quote around it (SPEC_FULL §4.2,
// constants supplemented from original_source in SPEC_FULL §6.3).
func (s *Service) simulateQuote(key types.SymbolKey) types.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	base := s.simPrice[k]
	changePct := s.rng.NormFloat64() * s.cfg.SimWalkStdPct / 100
	newPrice := base * (1 + changePct)
	s.simPrice[k] = newPrice

	volatility := newPrice * s.cfg.SimIntradayRangePct / 100
	high := newPrice + math.Abs(s.rng.NormFloat64()*volatility)
	low := newPrice - math.Abs(s.rng.NormFloat64()*volatility)
	open := newPrice + s.rng.NormFloat64()*volatility*0.3
	volume := int64(50000 + s.rng.Intn(450000))
	spread := newPrice * s.cfg.SimSpreadPct / 100

	return types.Quote{
		Key:       key,
		LTP:       decimal.NewFromFloat(newPrice).Round(2),
		Open:      decimal.NewFromFloat(open).Round(2),
		High:      decimal.NewFromFloat(high).Round(2),
		Low:       decimal.NewFromFloat(low).Round(2),
		Close:     decimal.NewFromFloat(newPrice).Round(2),
		Volume:    volume,
		Bid:       decimal.NewFromFloat(newPrice - spread).Round(2),
		Ask:       decimal.NewFromFloat(newPrice + spread).Round(2),
		Timestamp: time.Now(),
		Simulated: true,
	}
}

// ensureHistory initializes a (symbol, timeframe) series on first sight
// and otherwise appends the cycle's candle, truncating to MaxSeriesLength.
func (s *Service) ensureHistory(ctx context.Context, key types.SymbolKey, tf types.Timeframe, quote types.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.series[key.String()] == nil {
		s.series[key.String()] = make(map[types.Timeframe][]types.OHLCV)
	}
	existing := s.series[key.String()][tf]

	if existing == nil {
		existing = s.bootstrapSeries(ctx, key, tf, quote)
	}

	candle := types.OHLCV{
		Timestamp: quote.Timestamp,
		Open:      quote.Open,
		High:      quote.High,
		Low:       quote.Low,
		Close:     quote.Close,
		Volume:    quote.Volume,
	}
	existing = append(existing, candle)
	if len(existing) > MaxSeriesLength {
		existing = existing[len(existing)-MaxSeriesLength:]
	}
	s.series[key.String()][tf] = existing
}

func (s *Service) bootstrapSeries(ctx context.Context, key types.SymbolKey, tf types.Timeframe, quote types.Quote) []types.OHLCV {
	if s.brk != nil && s.brk.IsConnected() {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.BrokerHistoricalTimeout)
		defer cancel()
		lookback := lookbackFor(tf)
		candles, err := s.brk.GetHistoricalData(fetchCtx, key, brokerInterval(tf), time.Now().Add(-lookback), time.Now())
		if err == nil && len(candles) > 0 {
			return candles
		}
	}
	return s.syntheticHistory(key, tf, quote)
}

// syntheticHistory fabricates a plausible backfill so indicators are
// computable on the very first cycle for a freshly-watched symbol.
func (s *Service) syntheticHistory(key types.SymbolKey, tf types.Timeframe, quote types.Quote) []types.OHLCV {
	periods := periodsFor(tf)
	price := mustFloat(quote.LTP) * (1 - (0.02 + s.rng.Float64()*0.03))
	interval := intervalMinutes(tf)

	out := make([]types.OHLCV, 0, periods)
	now := time.Now()
	for i := 0; i < periods; i++ {
		ts := now.Add(-time.Duration(interval*(periods-i)) * time.Minute)
		change := s.rng.NormFloat64() * 0.3 / 100
		price *= 1 + change
		volFactor := price * 0.005
		h := price + math.Abs(s.rng.NormFloat64()*volFactor)
		l := price - math.Abs(s.rng.NormFloat64()*volFactor)
		o := price + s.rng.NormFloat64()*volFactor*0.3
		v := int64(10000 + s.rng.Intn(190000))
		out = append(out, types.OHLCV{
			Timestamp: ts,
			Open:      decimal.NewFromFloat(o).Round(2),
			High:      decimal.NewFromFloat(h).Round(2),
			Low:       decimal.NewFromFloat(l).Round(2),
			Close:     decimal.NewFromFloat(price).Round(2),
			Volume:    v,
		})
	}
	return out
}

// seriesFor returns a copy-safe read of the cached series.
func (s *Service) seriesFor(key types.SymbolKey, tf types.Timeframe) []types.OHLCV {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series[key.String()][tf]
}

// SeriesFor exposes the cached OHLCV history for one (symbol, timeframe)
// pair, used by the regime classifier's price-position and choppy-zone
// analysis which need more than the indicator bundle alone.
func (s *Service) SeriesFor(key types.SymbolKey, tf types.Timeframe) []types.OHLCV {
	return s.seriesFor(key, tf)
}

// LastQuote returns the most recent quote observed for a symbol, used by
// the Supervisor to price a position that has since closed.
func (s *Service) LastQuote(key types.SymbolKey) (types.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.lastQuotes[key.String()]
	return q, ok
}

// syncPaperBroker pushes the cycle's observed prices into the active
// broker if it exposes the paper capability (SPEC_FULL §4.2).
func (s *Service) syncPaperBroker(quotes map[string]types.Quote) {
	pc, ok := s.brk.(broker.PaperCapable)
	if !ok {
		return
	}
	prices := make(map[string]broker.PriceUpdate, len(quotes))
	for k, q := range quotes {
		prices[k] = broker.PriceUpdate{
			LTP: q.LTP, Bid: q.Bid, Ask: q.Ask,
			Open: q.Open, High: q.High, Low: q.Low, Close: q.Close, Volume: q.Volume,
		}
	}
	pc.UpdatePrices(prices)
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func periodsFor(tf types.Timeframe) int {
	switch tf {
	case types.Timeframe5m:
		return 100
	case types.Timeframe15m:
		return 80
	case types.Timeframe1h:
		return 50
	default:
		return 50
	}
}

func intervalMinutes(tf types.Timeframe) int {
	switch tf {
	case types.Timeframe5m:
		return 5
	case types.Timeframe15m:
		return 15
	case types.Timeframe1h:
		return 60
	default:
		return 5
	}
}

func lookbackFor(tf types.Timeframe) time.Duration {
	switch tf {
	case types.Timeframe5m:
		return 5 * 24 * time.Hour
	case types.Timeframe15m:
		return 15 * 24 * time.Hour
	case types.Timeframe1h:
		return 30 * 24 * time.Hour
	default:
		return 5 * 24 * time.Hour
	}
}

func brokerInterval(tf types.Timeframe) broker.Interval {
	switch tf {
	case types.Timeframe5m:
		return broker.Interval5m
	case types.Timeframe15m:
		return broker.Interval15m
	case types.Timeframe1h:
		return broker.Interval1h
	default:
		return broker.Interval5m
	}
}
