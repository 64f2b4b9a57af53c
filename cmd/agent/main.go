// The trading agent: runs the periodic analysis loop against the data the
// collector maintains, and executes decisions on the exchange.
//
//	agent --config configs/config.yaml            continuous mode
//	agent --once                                  single analysis cycle
//	agent --dry-run                               log orders instead of sending
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"okx-swap-agent/internal/agent"
	"okx-swap-agent/internal/config"
	"okx-swap-agent/internal/pidfile"
)

func main() {
	var (
		cfgPath    string
		once       bool
		continuous bool
		dryRun     bool
		autoExec   bool
		interval   time.Duration
	)

	root := &cobra.Command{
		Use:   "agent",
		Short: "LLM-driven perpetual swap trading agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if dryRun {
				cfg.DryRun = true
			}
			if cmd.Flags().Changed("auto-execute") {
				cfg.Trading.AutoExecute = autoExec
			}
			if cmd.Flags().Changed("interval") {
				cfg.Trading.Interval = interval
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg.Logging)
			if cfg.DryRun {
				logger.Warn("DRY-RUN MODE, no real orders will be placed")
			}

			a, err := agent.New(cfg, logger)
			if err != nil {
				logger.Error("failed to create agent", "error", err)
				os.Exit(1)
			}

			pidPath := filepath.Join(cfg.Store.DataDir, "bot.pid")
			if err := pidfile.Write(pidPath); err != nil {
				logger.Warn("pid file write failed", "error", err)
			}
			defer pidfile.Remove(pidPath)

			if once && !continuous {
				defer a.Stop()
				return a.RunOnce()
			}

			if err := a.Start(); err != nil {
				logger.Error("failed to start agent", "error", err)
				os.Exit(1)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received shutdown signal", "signal", sig.String())

			a.Stop()
			return nil
		},
	}

	root.Flags().StringVarP(&cfgPath, "config", "c", "configs/config.yaml", "config file path")
	root.Flags().BoolVar(&once, "once", false, "run a single analysis cycle and exit")
	root.Flags().BoolVar(&continuous, "continuous", false, "force continuous mode even when --once is set")
	root.Flags().BoolVar(&dryRun, "dry-run", false, "log orders instead of sending them")
	root.Flags().BoolVar(&autoExec, "auto-execute", true, "execute decisions instead of only journaling them")
	root.Flags().DurationVar(&interval, "interval", 0, "time between analysis cycles, e.g. 60s")

	if err := root.Execute(); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
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
