// Package agent is the trading process: it wires the cached account state,
// the feature builder, the streaming decision engine, and the order
// orchestrator into a periodic analysis loop.
//
// Lifecycle: New() → Start() → [runs until SIGINT/SIGTERM] → Stop()
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"okx-swap-agent/internal/api"
	"okx-swap-agent/internal/cache"
	"okx-swap-agent/internal/config"
	"okx-swap-agent/internal/fastcache"
	"okx-swap-agent/internal/feature"
	"okx-swap-agent/internal/journal"
	"okx-swap-agent/internal/llm"
	"okx-swap-agent/internal/notify"
	"okx-swap-agent/internal/okx"
	"okx-swap-agent/internal/orders"
	"okx-swap-agent/internal/review"
	"okx-swap-agent/internal/store"
	"okx-swap-agent/pkg/types"
)

// Agent orchestrates one instrument's decision loop.
type Agent struct {
	cfg      *config.Config
	client   *okx.Client
	clock    *okx.Clock
	db       *store.Store
	fast     *fastcache.Cache
	state    *cache.State
	llm      *llm.Client
	notifier *notify.Notifier
	journal  *journal.Journal
	builder  *feature.Builder
	reviews  *review.Generator
	orch     *orders.Orchestrator
	server   *api.Server
	logger   *slog.Logger

	mu           sync.RWMutex
	lastAnalysis *types.Analysis
	cycles       int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all agent components.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	auth := okx.NewAuth(cfg.Exchange)
	client := okx.NewClient(cfg, auth, logger)
	clock := &okx.Clock{}

	db, err := store.Open(cfg.Store.SQLitePath, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	fast, err := fastcache.New(ctx, cfg.Store.RedisAddr, cfg.Store.RedisDB, logger)
	if err != nil {
		cancel()
		db.Close()
		return nil, err
	}

	state := cache.New(client, db, clock, cfg.Trading.Symbol, logger)
	llmClient := llm.NewClient(cfg.LLM, logger)
	notifier := notify.New(cfg.Notifier, logger)

	jnl, err := journal.Open(cfg.Store.DataDir, logger)
	if err != nil {
		cancel()
		db.Close()
		fast.Close()
		return nil, err
	}

	builder, err := feature.NewBuilder(cfg, db, fast, state, clock, jnl, logger)
	if err != nil {
		cancel()
		db.Close()
		fast.Close()
		return nil, err
	}

	a := &Agent{
		cfg:      cfg,
		client:   client,
		clock:    clock,
		db:       db,
		fast:     fast,
		state:    state,
		llm:      llmClient,
		notifier: notifier,
		journal:  jnl,
		builder:  builder,
		reviews:  review.New(client, llmClient, db, logger),
		logger:   logger.With("component", "agent"),
		ctx:      ctx,
		cancel:   cancel,
	}

	state.OnPositionClosed = func(c types.ClosedPosition) {
		notifier.NotifyClosed(c)
		a.reviews.Enqueue(c)
	}
	state.OnReviewWanted = a.reviews.Enqueue

	if cfg.Status.Enabled {
		a.server = api.NewServer(cfg.Status, a, logger)
	}
	return a, nil
}

// Start syncs the clock, prepares the instrument, and launches all loops.
func (a *Agent) Start() error {
	if err := a.clock.Sync(a.ctx, a.client, a.logger); err != nil {
		return fmt.Errorf("clock sync: %w", err)
	}

	instrument, err := a.client.GetInstrument(a.ctx, a.cfg.Trading.Symbol)
	if err != nil {
		return fmt.Errorf("instrument: %w", err)
	}
	a.orch = orders.New(a.cfg, a.client, a.state, a.db, a.notifier, instrument, a.clock.NowMs, a.logger)

	mode := types.MarginMode(a.cfg.Trading.MarginMode)
	for _, side := range []types.PosSide{types.Long, types.Short} {
		if err := a.client.SetLeverage(a.ctx, a.cfg.Trading.Symbol, a.cfg.Trading.Leverage, mode, side); err != nil {
			a.logger.Warn("set leverage failed", "side", side, "error", err)
		}
	}

	a.state.Start(a.ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.journal.Run(a.ctx)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reviews.Run(a.ctx)
	}()

	if a.server != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.server.Start(); err != nil {
				a.logger.Error("status server error", "error", err)
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop()
	}()

	a.logger.Info("agent started",
		"symbol", a.cfg.Trading.Symbol,
		"interval", a.cfg.Trading.Interval,
		"auto_execute", a.cfg.Trading.AutoExecute,
		"dry_run", a.cfg.DryRun)
	return nil
}

// RunOnce performs a single analysis cycle and returns. Used by the
// one-shot CLI mode.
func (a *Agent) RunOnce() error {
	if err := a.clock.Sync(a.ctx, a.client, a.logger); err != nil {
		return fmt.Errorf("clock sync: %w", err)
	}
	instrument, err := a.client.GetInstrument(a.ctx, a.cfg.Trading.Symbol)
	if err != nil {
		return fmt.Errorf("instrument: %w", err)
	}
	a.orch = orders.New(a.cfg, a.client, a.state, a.db, a.notifier, instrument, a.clock.NowMs, a.logger)
	a.state.Start(a.ctx)

	// Let the caches warm before the single shot.
	select {
	case <-a.ctx.Done():
		return a.ctx.Err()
	case <-time.After(3 * time.Second):
	}
	a.runCycle()
	a.journal.Run(contextWithImmediateCancel())
	return nil
}

// Stop shuts everything down and waits for the goroutines.
func (a *Agent) Stop() {
	a.logger.Info("shutting down...")
	a.cancel()
	if a.server != nil {
		if err := a.server.Stop(); err != nil {
			a.logger.Warn("status server stop failed", "error", err)
		}
	}
	a.wg.Wait()
	a.fast.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
	a.logger.Info("shutdown complete")
}

// loop ticks the analysis cycle on the configured interval.
func (a *Agent) loop() {
	ticker := time.NewTicker(a.cfg.Trading.Interval)
	defer ticker.Stop()

	a.runCycle()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.runCycle()
		}
	}
}

// runCycle is one analysis pass: freshness gate, snapshot, streamed
// decision with early execution, journaling.
func (a *Agent) runCycle() {
	sessionID := llm.NewSessionID()
	logger := a.logger.With("session", sessionID)
	a.mu.Lock()
	a.cycles++
	a.mu.Unlock()

	if err := a.builder.CheckFreshness(a.ctx); err != nil {
		var hold types.Analysis
		hold.Signal = types.SignalHold
		hold.Reason = err.Error()
		hold.SessionID = sessionID
		logger.Warn("cycle aborted, data not fresh", "reason", err.Error())
		a.finishCycle(hold, "", "")
		return
	}

	snap, err := a.builder.Build(a.ctx)
	if err != nil {
		logger.Error("snapshot build failed", "error", err)
		return
	}

	system := a.builder.SystemPrompt()
	user := a.builder.UserPrompt(snap)

	// The early extract fires execution as soon as the structured head
	// parses; the final parse must not execute a second time.
	var (
		execOnce sync.Once
		execWg   sync.WaitGroup
		executed bool
	)
	execute := func(an types.Analysis) {
		execOnce.Do(func() {
			executed = true
			execWg.Add(1)
			go func() {
				defer execWg.Done()
				if err := a.orch.Execute(a.ctx, an); err != nil {
					logger.Error("execution failed", "signal", an.Signal, "error", err)
				}
			}()
		})
	}

	analysis, err := a.llm.Analyze(a.ctx, sessionID, system, user, execute)
	if err != nil {
		logger.Error("analysis failed", "error", err)
		var failed types.Analysis
		failed.Signal = types.SignalHold
		failed.Reason = "分析失败: " + err.Error()
		failed.SessionID = sessionID
		a.finishCycle(failed, user, "")
		return
	}

	if !executed && analysis.Success {
		execute(analysis)
	}
	execWg.Wait()

	a.finishCycle(analysis, user, analysis.ResponseText)
}

// finishCycle persists the conversation, journals the compacted decision,
// and caches the analysis for the status page.
func (a *Agent) finishCycle(analysis types.Analysis, prompt, response string) {
	a.mu.Lock()
	a.lastAnalysis = &analysis
	a.mu.Unlock()

	if prompt != "" {
		analysisJSON, _ := json.Marshal(analysis)
		conv := types.Conversation{
			SessionID: analysis.SessionID,
			Symbol:    a.cfg.Trading.Symbol,
			Prompt:    prompt,
			Response:  response,
			Analysis:  string(analysisJSON),
			Executed:  analysis.Success && analysis.Signal != types.SignalHold,
			Ts:        a.clock.NowMs(),
		}
		if _, err := a.db.InsertConversation(a.ctx, conv); err != nil {
			a.logger.Warn("conversation journal failed", "session", analysis.SessionID, "error", err)
		}
	}

	a.journal.Add(journalContent(analysis), time.UnixMilli(a.clock.NowMs()).UTC())
}

// journalContent compacts a decision for the rolling history file: the
// structured fields as one JSON object with the long prose (reason,
// risk_warning) dropped, since the history is replayed into later prompts.
func journalContent(a types.Analysis) string {
	raw, err := json.Marshal(a)
	if err != nil {
		return string(a.Signal)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return string(a.Signal)
	}
	delete(m, "reason")
	delete(m, "risk_warning")
	out, err := json.Marshal(m)
	if err != nil {
		return string(a.Signal)
	}
	return string(out)
}

// StatusSnapshot implements api.SnapshotProvider.
func (a *Agent) StatusSnapshot() any {
	a.mu.RLock()
	last := a.lastAnalysis
	cycles := a.cycles
	a.mu.RUnlock()

	recent, err := a.db.RecentDecisions(a.ctx, a.cfg.Trading.Symbol, 5)
	if err != nil {
		a.logger.Warn("recent decisions read failed", "error", err)
	}

	return map[string]any{
		"symbol":        a.cfg.Trading.Symbol,
		"dry_run":       a.cfg.DryRun,
		"auto_execute":  a.cfg.Trading.AutoExecute,
		"cycles":        cycles,
		"clock_offset":  a.clock.OffsetMs(),
		"balance":       a.state.Balance(),
		"positions":     a.state.Positions(),
		"performance":   a.state.Performance(),
		"last_analysis": last,
		"decisions":     recent,
		"history":       a.journal.Entries(),
	}
}

// contextWithImmediateCancel returns an already-cancelled context so
// Journal.Run performs only its final flush.
func contextWithImmediateCancel() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
