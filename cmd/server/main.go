// Package main is the entry point for the cash-equities decision engine:
// it loads configuration, wires the Market Snapshot, Regime/Prediction,
// Decision Core, Risk Guardian, Execution Adapter and Reflection
// components behind a Supervisor, serves an optional Prometheus metrics
// endpoint, and shuts everything down in dependency order on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/broker"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/decision"
	"github.com/atlas-desktop/trading-backend/internal/execution"
	"github.com/atlas-desktop/trading-backend/internal/marketdata"
	"github.com/atlas-desktop/trading-backend/internal/reflection"
	"github.com/atlas-desktop/trading-backend/internal/regime"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/supervisor"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML/JSON config file (optional, env TRADECORE_* always applies)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	liveFeedURL := flag.String("feed-url", "", "Websocket URL for a live tick feed (optional; paper/simulated data is used when empty)")
	startingCapital := flag.Float64("capital", 1000000, "Starting capital the Risk Guardian tracks drawdown against")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting decision engine",
		zap.String("configPath", *configPath),
		zap.Strings("watchlist", cfg.Watchlist),
		zap.Duration("cycleInterval", cfg.CycleInterval),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	symbols := make([]types.SymbolKey, 0, len(cfg.Watchlist))
	for _, sym := range cfg.Watchlist {
		symbols = append(symbols, types.SymbolKey{Exchange: types.ExchangeNSE, Symbol: sym})
	}

	brk := broker.NewPaperBroker(logger)
	if err := brk.Connect(ctx); err != nil {
		logger.Fatal("failed to connect broker", zap.Error(err))
	}

	if *liveFeedURL != "" {
		feed := broker.NewLiveWSFeed(logger, *liveFeedURL, func(raw []byte) {
			logger.Debug("live tick received", zap.Int("bytes", len(raw)))
		})
		if err := feed.Connect(ctx); err != nil {
			logger.Warn("live feed connection failed, continuing on paper data", zap.Error(err))
		} else {
			defer feed.Close()
		}
	}

	snapshotSvc := marketdata.New(logger, brk, cfg, symbols)
	classifier := regime.NewClassifier()
	predictor := regime.NewPredictor()
	core := decision.New(logger)
	guardian := risk.New(logger, decimal.NewFromFloat(*startingCapital))
	executor := execution.New(logger, brk)
	reflector := reflection.New(logger)

	sup := supervisor.New(logger, cfg, supervisor.Deps{
		Snapshot:   snapshotSvc,
		Classifier: classifier,
		Predictor:  predictor,
		Core:       core,
		Guardian:   guardian,
		Executor:   executor,
		Reflector:  reflector,
		Broker:     brk,
		Symbols:    symbols,
	})

	if cfg.MetricsEnabled {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.Handler())
		router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			status := sup.Status()
			fmt.Fprintf(w, "cycle=%d running=%v mode=%s\n", status.CycleNumber, status.Running, status.Mode)
		})
		corsHandler := cors.New(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}})
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: corsHandler.Handler(router)}
		go func() {
			logger.Info("metrics endpoint listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	sup.Start(ctx)
	logger.Info("supervisor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	sup.Stop()

	status := sup.Status()
	logger.Info("supervisor stopped",
		zap.Int("cyclesRun", status.CycleNumber),
		zap.Int("pendingOrders", executor.PendingCount()),
	)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
