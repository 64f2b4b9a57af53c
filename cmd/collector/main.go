// The market-data collector: maintains klines, the sequenced order book,
// and the trade tape for the instruments the agent trades. Runs as its own
// process so data collection survives agent restarts.
//
//	collector --config configs/config.yaml
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"okx-swap-agent/internal/collector"
	"okx-swap-agent/internal/config"
	"okx-swap-agent/internal/fastcache"
	"okx-swap-agent/internal/okx"
	"okx-swap-agent/internal/pidfile"
	"okx-swap-agent/internal/store"
)

func main() {
	var (
		cfgPath     string
		symbols     []string
		timeframes  []string
		historyDays int
		dataTimeout time.Duration
		maxRestarts int
	)

	root := &cobra.Command{
		Use:   "collector",
		Short: "Market data collector for the trading agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if len(symbols) > 0 {
				cfg.Collector.Symbols = symbols
			}
			if len(timeframes) > 0 {
				cfg.Collector.Timeframes = timeframes
			}
			if cmd.Flags().Changed("history-days") {
				cfg.Collector.HistoryDays = historyDays
			}
			if cmd.Flags().Changed("data-timeout") {
				cfg.Collector.DataTimeout = dataTimeout
			}
			if cmd.Flags().Changed("max-restarts") {
				cfg.Collector.MaxRestarts = maxRestarts
			}
			if err := cfg.ValidateCollector(); err != nil {
				return err
			}

			logger := newLogger(cfg.Logging)
			return run(cfg, logger)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "configs/config.yaml", "config file path")
	root.Flags().StringSliceVar(&symbols, "symbols", nil, "instruments to collect (overrides config)")
	root.Flags().StringSliceVar(&timeframes, "timeframes", nil, "candle timeframes (overrides config)")
	root.Flags().IntVar(&historyDays, "history-days", 0, "default backfill depth in days")
	root.Flags().DurationVar(&dataTimeout, "data-timeout", 0, "watchdog silence threshold")
	root.Flags().IntVar(&maxRestarts, "max-restarts", 0, "restart cap before exiting")

	if err := root.Execute(); err != nil {
		slog.Error("collector failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	pidPath := filepath.Join(cfg.Store.DataDir, "collector.pid")
	if err := pidfile.Write(pidPath); err != nil {
		logger.Warn("pid file write failed", "error", err)
	}
	defer pidfile.Remove(pidPath)

	db, err := store.Open(cfg.Store.SQLitePath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	fast, err := fastcache.New(ctx, cfg.Store.RedisAddr, cfg.Store.RedisDB, logger)
	if err != nil {
		return err
	}
	defer fast.Close()

	auth := okx.NewAuth(cfg.Exchange)
	client := okx.NewClient(cfg, auth, logger)
	clock := &okx.Clock{}

	logger.Info("collector starting",
		"symbols", cfg.Collector.Symbols,
		"timeframes", cfg.Collector.Timeframes,
		"data_timeout", cfg.Collector.DataTimeout)

	col := collector.New(cfg, client, clock, db, fast, logger)
	return col.Supervise(ctx)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
