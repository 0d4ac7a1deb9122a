// Package supervisor owns the cooperative cycle loop (SPEC_FULL §4.1):
// Snapshot → Strategy → Risk → Execution → Reflection?, ticking on a
// fixed period, idempotent Start()/Stop(). A panic in the Snapshot stage
// is recovered and recorded as that stage's error; the Strategy, Risk
// and Execution stages have no recover of their own, so a panic there
// ends the cycle and is recovered by the run loop, which backs off
// before the next tick.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/agentmsg"
	"github.com/atlas-desktop/trading-backend/internal/broker"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/decision"
	"github.com/atlas-desktop/trading-backend/internal/execution"
	"github.com/atlas-desktop/trading-backend/internal/marketdata"
	"github.com/atlas-desktop/trading-backend/internal/reflection"
	"github.com/atlas-desktop/trading-backend/internal/regime"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// exceptionBackoff matches the grounding orchestrator's recover-log-sleep
// behavior on an uncaught panic surfacing from a stage call.
const exceptionBackoff = 5 * time.Second

const errorLogCap = 100

// messageLogCap bounds the Supervisor's agentmsg audit trail, matching
// the "audit log (500)" bound in the bounded-state design notes.
const messageLogCap = 500

// StageCounters tracks how many times each stage has run and errored.
type StageCounters struct {
	Runs   int
	Errors int
}

// Status is the Supervisor's externally-visible state snapshot.
type Status struct {
	CycleNumber int
	Running     bool
	Mode        string
	Stages      map[string]StageCounters
	LastErrors  []string
}

// Supervisor wires the five pipeline stages into one cooperative loop.
type Supervisor struct {
	logger *zap.Logger
	cfg    *config.Config

	snapshot   *marketdata.Service
	classifier *regime.Classifier
	predictor  *regime.Predictor
	core       *decision.Core
	guardian   *risk.Guardian
	executor   *execution.Adapter
	reflector  *reflection.Engine
	brk        broker.Broker

	symbols []types.SymbolKey

	mu              sync.Mutex
	running         bool
	stopCh          chan struct{}
	doneCh          chan struct{}
	cycleNumber     int
	stages          map[string]StageCounters
	lastErrors      []string
	totalExecuted   int
	lastReflected   int
	closedTrades    []reflection.TradeRecord
	pendingVerdicts map[string]types.RiskVerdict
	openTrades      map[string]openTrade
	messages        *agentmsg.RingBuffer[agentmsg.Message]
}

// openTrade remembers the fields needed to close out the Reflection
// record and Risk Guardian bookkeeping once a position disappears from
// the broker's position list.
type openTrade struct {
	action   types.Action
	entry    decimal.Decimal
	stopLoss decimal.Decimal
	regime   types.RegimeType
	quantity int64
}

// Deps bundles every collaborator the Supervisor drives.
type Deps struct {
	Snapshot   *marketdata.Service
	Classifier *regime.Classifier
	Predictor  *regime.Predictor
	Core       *decision.Core
	Guardian   *risk.Guardian
	Executor   *execution.Adapter
	Reflector  *reflection.Engine
	Broker     broker.Broker
	Symbols    []types.SymbolKey
}

// New creates a Supervisor in the idle, not-running state.
func New(logger *zap.Logger, cfg *config.Config, d Deps) *Supervisor {
	return &Supervisor{
		logger:          logger.Named("supervisor"),
		cfg:             cfg,
		snapshot:        d.Snapshot,
		classifier:      d.Classifier,
		predictor:       d.Predictor,
		core:            d.Core,
		guardian:        d.Guardian,
		executor:        d.Executor,
		reflector:       d.Reflector,
		brk:             d.Broker,
		symbols:         d.Symbols,
		stages:          make(map[string]StageCounters),
		pendingVerdicts: make(map[string]types.RiskVerdict),
		openTrades:      make(map[string]openTrade),
		messages:        agentmsg.NewRingBuffer[agentmsg.Message](messageLogCap),
	}
}

// Start launches the cooperative tick loop; idempotent.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop signals cooperative cancellation and blocks until the in-flight
// cycle (if any) finishes; idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.runCycleRecovered(ctx)

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCycleRecovered runs one cycle, recovering an uncaught panic with
// the grounding source's log-and-backoff behavior.
func (s *Supervisor) runCycleRecovered(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cycle panicked, backing off", zap.Any("panic", r))
			time.Sleep(exceptionBackoff)
		}
	}()
	s.RunOnce(ctx)
}

// RunOnce executes exactly one cycle; exported for tests.
func (s *Supervisor) RunOnce(ctx context.Context) {
	s.mu.Lock()
	s.cycleNumber++
	cycle := s.cycleNumber
	s.mu.Unlock()

	s.logger.Debug("cycle starting", zap.Int("cycle", cycle))

	cfg := s.cfg.Snapshot()

	update, ok := s.runSnapshot(ctx)
	if !ok || len(update.Quotes) == 0 {
		s.recordStage("snapshot", true)
		return
	}
	s.recordStage("snapshot", false)

	signals := s.runStrategy(cfg, update)
	s.recordStage("strategy", false)
	if len(signals) == 0 {
		s.maybeReflect(ctx)
		return
	}

	decisions, vetoed := s.runRisk(cfg, signals)
	s.recordStage("risk", false)
	if len(decisions) == 0 {
		_ = vetoed
		s.maybeReflect(ctx)
		return
	}

	s.runExecution(ctx, cfg, decisions)
	s.recordStage("execution", false)

	s.reconcilePositions(ctx)
	s.maybeReflect(ctx)
}

type signalPair struct {
	signal types.Signal
	key    string
}

// runSnapshot wraps the Market Snapshot stage with error isolation.
func (s *Supervisor) runSnapshot(ctx context.Context) (update agentmsg.MarketUpdatePayload, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logError("snapshot", fmt.Sprintf("panic: %v", r))
			ok = false
		}
	}()
	update = s.snapshot.Snapshot(ctx)
	s.publish("snapshot", agentmsg.TypeMarketUpdate, update)
	return update, true
}

// runStrategy evaluates every watched symbol through the regime
// classifier, predictor and Decision Core, merged in deterministic
// (exchange, symbol) order per SPEC_FULL §5.
func (s *Supervisor) runStrategy(cfg *config.Config, update agentmsg.MarketUpdatePayload) []signalPair {
	type task struct {
		key types.SymbolKey
	}
	tasks := make([]task, 0, len(s.symbols))
	for _, k := range s.symbols {
		tasks = append(tasks, task{key: k})
	}

	out := make([]signalPair, 0, len(tasks))
	for _, t := range tasks {
		keyStr := t.key.String()
		quote, ok := update.Quotes[keyStr]
		if !ok {
			continue
		}
		indicatorSet := update.Indicators[keyStr]
		bundle1h := indicatorSet[types.Timeframe1h]
		series1h := s.snapshot.SeriesFor(t.key, types.Timeframe1h)

		snapshot, traps := s.classifier.Classify(series1h, bundle1h, quote.LTP)

		features := regime.FeaturesFrom(snapshot, snapshot.Position, bundle1h)
		prediction := s.predictor.Predict(features)

		signal, emitted, reason := s.core.Evaluate(cfg, decision.Input{
			Key:        t.key,
			Quote:      quote,
			Indicators: indicatorSet,
			Regime:     snapshot,
			Traps:      traps,
			Prediction: prediction,
		})
		if !emitted {
			s.logger.Debug("no signal", zap.String("symbol", keyStr), zap.String("reason", reason))
			continue
		}
		s.publishTargeted("strategy", agentmsg.TypeSignal, agentmsg.SignalPayload{Signal: signal}, keyStr)
		out = append(out, signalPair{signal: signal, key: keyStr})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// runRisk runs every signal through the Guardian, merging decisions and
// vetoes in the same deterministic order.
func (s *Supervisor) runRisk(cfg *config.Config, signals []signalPair) ([]types.Signal, []types.RiskVerdict) {
	decisions := make([]types.Signal, 0, len(signals))
	var vetoed []types.RiskVerdict

	for _, sp := range signals {
		verdict := s.guardian.Review(cfg, sp.signal)
		if verdict.RiskLevel == types.RiskCritical {
			alert := agentmsg.New("risk", agentmsg.TypeRiskAlert, agentmsg.RiskAlertPayload{
				AlertType: "kill_switch",
				Message:   verdict.Reason,
				Key:       &sp.signal.Key,
			}).WithTarget(sp.key).WithPriority(agentmsg.PriorityHighest)
			s.messages.Append(alert)
		}
		if !verdict.Approved {
			s.publishTargeted("risk", agentmsg.TypeVeto, agentmsg.VetoPayload{Signal: sp.signal, Verdict: verdict}, sp.key)
			vetoed = append(vetoed, verdict)
			continue
		}
		sp.signal.StopLoss = verdict.AdjustedStopLoss
		sp.signal.TakeProfit = verdict.AdjustedTakeProfit
		s.publishTargeted("risk", agentmsg.TypeDecision, agentmsg.DecisionPayload{Signal: sp.signal, Verdict: verdict}, sp.key)
		decisions = append(decisions, sp.signal)
		s.pendingVerdicts[sp.key] = verdict
	}
	return decisions, vetoed
}

// runExecution submits every approved decision to the Execution Adapter
// and reconciles the pending-order set for this cycle.
func (s *Supervisor) runExecution(ctx context.Context, cfg *config.Config, decisions []types.Signal) {
	for _, sig := range decisions {
		key := sig.Key.String()
		verdict := s.pendingVerdicts[key]
		record := s.executor.Execute(ctx, cfg, sig, verdict)
		s.publishTargeted("execution", agentmsg.TypeExecution, agentmsg.ExecutionPayload{Record: record}, key)
		if record.Success {
			s.mu.Lock()
			s.totalExecuted++
			s.openTrades[key] = openTrade{
				action:   sig.Action,
				entry:    record.FillPrice,
				stopLoss: verdict.AdjustedStopLoss,
				regime:   sig.Regime.Regime,
				quantity: record.Quantity,
			}
			s.mu.Unlock()
			s.guardian.RecordFill(key, sig.Action, decimal.Zero, false)
		}
		delete(s.pendingVerdicts, key)
	}
	s.executor.Reconcile(ctx)
}

// reconcilePositions closes out the Supervisor's own open-trade ledger
// for any symbol the broker no longer reports as an open position,
// feeding the realized PnL back to the Risk Guardian, the Decision
// Core's consecutive-loss tracker, and the Reflection history.
func (s *Supervisor) reconcilePositions(ctx context.Context) {
	if s.brk == nil {
		return
	}
	positions, err := s.brk.GetPositions(ctx)
	if err != nil {
		return
	}
	stillOpen := make(map[string]bool, len(positions))
	for _, p := range positions {
		stillOpen[p.Key.String()] = true
	}

	s.mu.Lock()
	var toClose []string
	for key := range s.openTrades {
		if !stillOpen[key] {
			toClose = append(toClose, key)
		}
	}
	s.mu.Unlock()
	sort.Strings(toClose)

	for _, key := range toClose {
		s.mu.Lock()
		trade, ok := s.openTrades[key]
		if ok {
			delete(s.openTrades, key)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}

		var exit decimal.Decimal
		var symKey types.SymbolKey
		for _, t := range s.symbols {
			if t.String() != key {
				continue
			}
			symKey = t
			if q, ok := s.snapshot.LastQuote(t); ok {
				exit = q.LTP
			}
			break
		}
		if exit.IsZero() {
			continue
		}

		pnlPerShare := exit.Sub(trade.entry)
		if trade.action == types.ActionSell {
			pnlPerShare = pnlPerShare.Neg()
		}
		pnl := pnlPerShare.Mul(decimal.NewFromInt(trade.quantity))

		s.guardian.RecordFill(key, trade.action, pnl, true)
		s.core.RecordOutcome(key, pnl.IsPositive())

		s.mu.Lock()
		s.closedTrades = append(s.closedTrades, reflection.TradeRecord{
			Key:        symKey,
			Action:     trade.action,
			EntryPrice: trade.entry,
			ExitPrice:  exit,
			StopLoss:   trade.stopLoss,
			Regime:     trade.regime,
			PnL:        pnl,
		})
		if len(s.closedTrades) > 500 {
			s.closedTrades = s.closedTrades[len(s.closedTrades)-500:]
		}
		s.mu.Unlock()
	}
}

// maybeReflect runs the Reflection side-channel when the trigger
// condition from SPEC_FULL §4.1 is met.
func (s *Supervisor) maybeReflect(ctx context.Context) {
	s.mu.Lock()
	shouldRun := s.totalExecuted-s.lastReflected >= s.cfg.ReflectionTrigger && s.totalExecuted >= 3
	var trades []reflection.TradeRecord
	if shouldRun {
		trades = s.tailTrades(20)
		s.lastReflected = s.totalExecuted
	}
	s.mu.Unlock()

	if !shouldRun {
		return
	}
	summary := s.reflector.Reflect(trades)
	s.publish("reflection", agentmsg.TypeStateUpdate, agentmsg.StateUpdatePayload{
		Stage:  "reflection",
		Reason: summary.Text,
	})
	s.logger.Info("reflection broadcast", zap.String("summary", summary.Text))
}

func (s *Supervisor) tailTrades(n int) []reflection.TradeRecord {
	if n > len(s.closedTrades) {
		n = len(s.closedTrades)
	}
	return append([]reflection.TradeRecord(nil), s.closedTrades[len(s.closedTrades)-n:]...)
}

// publish appends a message to the Supervisor's bounded agentmsg audit
// trail and returns the message as appended.
func (s *Supervisor) publish(source string, msgType agentmsg.MessageType, p agentmsg.Payload) agentmsg.Message {
	m := agentmsg.New(source, msgType, p)
	s.messages.Append(m)
	return m
}

func (s *Supervisor) publishTargeted(source string, msgType agentmsg.MessageType, p agentmsg.Payload, target string) agentmsg.Message {
	m := agentmsg.New(source, msgType, p).WithTarget(target)
	s.messages.Append(m)
	return m
}

// Messages returns the most recent n entries of the Supervisor's
// agentmsg audit trail, oldest first.
func (s *Supervisor) Messages(n int) []agentmsg.Message {
	return s.messages.Tail(n)
}

func (s *Supervisor) recordStage(name string, errored bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.stages[name]
	c.Runs++
	if errored {
		c.Errors++
	}
	s.stages[name] = c
}

func (s *Supervisor) logError(stage, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.stages[stage]
	c.Errors++
	s.stages[stage] = c
	s.lastErrors = append(s.lastErrors, fmt.Sprintf("[%s] %s", stage, msg))
	if len(s.lastErrors) > errorLogCap {
		s.lastErrors = s.lastErrors[len(s.lastErrors)-errorLogCap:]
	}
	errMsg := agentmsg.New(stage, agentmsg.TypeError, agentmsg.ErrorPayload{Agent: stage, Error: msg}).WithPriority(agentmsg.PriorityHighest)
	s.messages.Append(errMsg)
	s.logger.Error("stage failed", zap.String("stage", stage), zap.String("error", msg))
}

// Status returns the Supervisor's current externally-visible state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	stages := make(map[string]StageCounters, len(s.stages))
	for k, v := range s.stages {
		stages[k] = v
	}
	mode := "idle"
	if s.running {
		mode = "running"
	}
	return Status{
		CycleNumber: s.cycleNumber,
		Running:     s.running,
		Mode:        mode,
		Stages:      stages,
		LastErrors:  append([]string(nil), s.lastErrors...),
	}
}
