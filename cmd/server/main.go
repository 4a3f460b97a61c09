// Package main provides the entry point for the rebalancer server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coinfolio/rebalancer/internal/api"
	"github.com/coinfolio/rebalancer/internal/backtest"
	"github.com/coinfolio/rebalancer/internal/config"
	"github.com/coinfolio/rebalancer/internal/marketdata"
	"github.com/coinfolio/rebalancer/internal/obs"
	"github.com/coinfolio/rebalancer/internal/rebalance"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting rebalancer server",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("provider", cfg.Provider.BaseURL),
	)

	recorder := obs.NewRecorder(prometheus.DefaultRegisterer)

	clientConfig := marketdata.DefaultClientConfig()
	clientConfig.BaseURL = cfg.Provider.BaseURL
	clientConfig.HistoricalBaseURL = cfg.Provider.HistoricalURL
	clientConfig.Timeout = cfg.Provider.Timeout
	clientConfig.MaxRetries = cfg.Provider.MaxRetries
	clientConfig.MaxConcurrent = cfg.Provider.MaxConcurrent

	client := marketdata.NewClient(logger, clientConfig, recorder)
	defer client.Close()

	provider := marketdata.NewCachedProvider(client, marketdata.CacheConfig{
		SpotTTL:    cfg.Provider.SpotCacheTTL,
		HistoryTTL: cfg.Provider.HistoryTTL,
	}, recorder)

	engine := rebalance.NewEngine(logger, provider, decimal.NewFromFloat(cfg.Rebalance.FeeRate))
	simulator := backtest.NewSimulator(logger, provider)

	serverConfig := api.DefaultConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	serverConfig.AllowedOrigins = cfg.Server.AllowedOrigins
	serverConfig.DefaultTopN = cfg.Rebalance.DefaultTopN

	server := api.NewServer(logger, serverConfig, provider, engine, simulator, recorder)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	logger.Info("server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, serverConfig.WebSocketPath)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
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

	config := zap.Config{
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

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
