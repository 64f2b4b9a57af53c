// Package store persists relational state in SQLite.
//
// One database file holds everything the collector and the agent share
// durably: klines, pressure aggregates, order book metrics, AI decisions,
// conversations, and closed positions. The schema is created on open.
// Confirmed klines are frozen at the SQL level: the upsert only touches
// rows whose confirmed flag is still clear.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"okx-swap-agent/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS klines (
	symbol      TEXT    NOT NULL,
	timeframe   TEXT    NOT NULL,
	open_time   INTEGER NOT NULL,
	open        REAL    NOT NULL,
	high        REAL    NOT NULL,
	low         REAL    NOT NULL,
	close       REAL    NOT NULL,
	volume      REAL    NOT NULL,
	confirmed   INTEGER NOT NULL DEFAULT 0,
	last_update INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, timeframe, open_time)
);

CREATE TABLE IF NOT EXISTS pressure (
	symbol     TEXT    NOT NULL,
	window_sec INTEGER NOT NULL,
	ts         INTEGER NOT NULL,
	buy_vol    REAL    NOT NULL,
	sell_vol   REAL    NOT NULL,
	buy_count  INTEGER NOT NULL,
	sell_count INTEGER NOT NULL,
	ratio      REAL    NOT NULL,
	PRIMARY KEY (symbol, window_sec, ts)
);

CREATE TABLE IF NOT EXISTS orderbook_metrics (
	symbol      TEXT    NOT NULL,
	ts          INTEGER NOT NULL,
	bid1_px     REAL NOT NULL,
	bid1_sz     REAL NOT NULL,
	ask1_px     REAL NOT NULL,
	ask1_sz     REAL NOT NULL,
	mid         REAL NOT NULL,
	spread_pct  REAL NOT NULL,
	bid_depth5  REAL NOT NULL,
	ask_depth5  REAL NOT NULL,
	depth_ratio REAL NOT NULL,
	PRIMARY KEY (symbol, ts)
);

CREATE TABLE IF NOT EXISTS ai_decisions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           INTEGER NOT NULL,
	symbol       TEXT    NOT NULL,
	pos_side     TEXT    NOT NULL DEFAULT '',
	action       TEXT    NOT NULL,
	pos_id       TEXT    NOT NULL DEFAULT '',
	confidence   INTEGER NOT NULL DEFAULT 0,
	size         REAL    NOT NULL DEFAULT 0,
	adjust_json  TEXT    NOT NULL DEFAULT '',
	holding_time TEXT    NOT NULL DEFAULT '',
	reason       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_decisions_pos ON ai_decisions (pos_id);

CREATE TABLE IF NOT EXISTS conversations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT    NOT NULL,
	symbol     TEXT    NOT NULL,
	prompt     TEXT    NOT NULL,
	response   TEXT    NOT NULL,
	analysis   TEXT    NOT NULL DEFAULT '',
	executed   INTEGER NOT NULL DEFAULT 0,
	ts         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS closed_positions (
	symbol         TEXT    NOT NULL,
	pos_side       TEXT    NOT NULL,
	size           REAL    NOT NULL,
	entry_px       REAL    NOT NULL,
	exit_px        REAL    NOT NULL,
	open_time      INTEGER NOT NULL,
	close_time     INTEGER NOT NULL,
	realized_pnl   REAL    NOT NULL,
	pnl_ratio      REAL    NOT NULL,
	leverage       REAL    NOT NULL,
	fee            REAL    NOT NULL,
	close_type     TEXT    NOT NULL DEFAULT '',
	review_summary TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (symbol, pos_side, open_time)
);
`

// Store wraps the SQLite database. Safe for concurrent use; writes are
// serialized through a single connection with WAL mode and a busy timeout.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Klines
// ————————————————————————————————————————————————————————————————————————

const upsertKlineSQL = `
INSERT INTO klines (symbol, timeframe, open_time, open, high, low, close, volume, confirmed, last_update)
VALUES (:symbol, :timeframe, :open_time, :open, :high, :low, :close, :volume, :confirmed, :last_update)
ON CONFLICT (symbol, timeframe, open_time) DO UPDATE SET
	open = excluded.open, high = excluded.high, low = excluded.low,
	close = excluded.close, volume = excluded.volume,
	confirmed = excluded.confirmed, last_update = excluded.last_update
WHERE klines.confirmed = 0`

// UpsertKline inserts or updates one bar. Rows already confirmed are frozen
// and silently left untouched.
func (s *Store) UpsertKline(ctx context.Context, k types.Kline) error {
	if _, err := s.db.NamedExecContext(ctx, upsertKlineSQL, k); err != nil {
		return fmt.Errorf("upsert kline: %w", err)
	}
	return nil
}

// UpsertKlines batch-upserts bars inside one transaction.
func (s *Store) UpsertKlines(ctx context.Context, klines []types.Kline) error {
	if len(klines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, k := range klines {
		if _, err := tx.NamedExecContext(ctx, upsertKlineSQL, k); err != nil {
			return fmt.Errorf("upsert kline %d: %w", k.OpenTime, err)
		}
	}
	return tx.Commit()
}

// KlineOpenTimes returns the persisted bar openings in [fromMs, toMs], ascending.
func (s *Store) KlineOpenTimes(ctx context.Context, symbol string, tf types.Timeframe, fromMs, toMs int64) ([]int64, error) {
	var out []int64
	err := s.db.SelectContext(ctx, &out,
		`SELECT open_time FROM klines
		 WHERE symbol = ? AND timeframe = ? AND open_time BETWEEN ? AND ?
		 ORDER BY open_time`,
		symbol, tf, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("kline open times: %w", err)
	}
	return out, nil
}

// UnconfirmedKlines returns all bars still awaiting confirmation for a symbol.
func (s *Store) UnconfirmedKlines(ctx context.Context, symbol string) ([]types.Kline, error) {
	var out []types.Kline
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM klines WHERE symbol = ? AND confirmed = 0 ORDER BY open_time`,
		symbol)
	if err != nil {
		return nil, fmt.Errorf("unconfirmed klines: %w", err)
	}
	return out, nil
}

// RecentKlines returns the newest limit bars in ascending time order.
func (s *Store) RecentKlines(ctx context.Context, symbol string, tf types.Timeframe, limit int, confirmedOnly bool) ([]types.Kline, error) {
	query := `SELECT * FROM klines WHERE symbol = ? AND timeframe = ?`
	if confirmedOnly {
		query += ` AND confirmed = 1`
	}
	query += ` ORDER BY open_time DESC LIMIT ?`

	var out []types.Kline
	if err := s.db.SelectContext(ctx, &out, query, symbol, tf, limit); err != nil {
		return nil, fmt.Errorf("recent klines: %w", err)
	}
	reverse(out)
	return out, nil
}

// KlinesEndingAt returns up to limit confirmed bars with open_time <= endMs,
// ascending.
func (s *Store) KlinesEndingAt(ctx context.Context, symbol string, tf types.Timeframe, endMs int64, limit int) ([]types.Kline, error) {
	var out []types.Kline
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM klines
		 WHERE symbol = ? AND timeframe = ? AND confirmed = 1 AND open_time <= ?
		 ORDER BY open_time DESC LIMIT ?`,
		symbol, tf, endMs, limit)
	if err != nil {
		return nil, fmt.Errorf("klines ending at: %w", err)
	}
	reverse(out)
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Aggregates
// ————————————————————————————————————————————————————————————————————————

// InsertPressure persists one pressure window row.
func (s *Store) InsertPressure(ctx context.Context, p types.Pressure) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT OR REPLACE INTO pressure
		 (symbol, window_sec, ts, buy_vol, sell_vol, buy_count, sell_count, ratio)
		 VALUES (:symbol, :window_sec, :ts, :buy_vol, :sell_vol, :buy_count, :sell_count, :ratio)`,
		p)
	if err != nil {
		return fmt.Errorf("insert pressure: %w", err)
	}
	return nil
}

// LatestPressure returns the newest pressure row for a window, ok=false when absent.
func (s *Store) LatestPressure(ctx context.Context, symbol string, windowSec int) (types.Pressure, bool, error) {
	var p types.Pressure
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM pressure WHERE symbol = ? AND window_sec = ?
		 ORDER BY ts DESC LIMIT 1`,
		symbol, windowSec)
	if err != nil {
		if isNoRows(err) {
			return types.Pressure{}, false, nil
		}
		return types.Pressure{}, false, fmt.Errorf("latest pressure: %w", err)
	}
	return p, true, nil
}

// InsertBookMetrics persists one per-minute order book aggregate.
func (s *Store) InsertBookMetrics(ctx context.Context, m types.BookMetrics) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT OR REPLACE INTO orderbook_metrics
		 (symbol, ts, bid1_px, bid1_sz, ask1_px, ask1_sz, mid, spread_pct, bid_depth5, ask_depth5, depth_ratio)
		 VALUES (:symbol, :ts, :bid1_px, :bid1_sz, :ask1_px, :ask1_sz, :mid, :spread_pct, :bid_depth5, :ask_depth5, :depth_ratio)`,
		m)
	if err != nil {
		return fmt.Errorf("insert book metrics: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Decisions and conversations
// ————————————————————————————————————————————————————————————————————————

// InsertDecision persists one AI decision and returns its row id.
func (s *Store) InsertDecision(ctx context.Context, d types.Decision) (int64, error) {
	res, err := s.db.NamedExecContext(ctx,
		`INSERT INTO ai_decisions
		 (ts, symbol, pos_side, action, pos_id, confidence, size, adjust_json, holding_time, reason)
		 VALUES (:ts, :symbol, :pos_side, :action, :pos_id, :confidence, :size, :adjust_json, :holding_time, :reason)`,
		d)
	if err != nil {
		return 0, fmt.Errorf("insert decision: %w", err)
	}
	return res.LastInsertId()
}

// DecisionsByPosID returns all decisions linked to a position, oldest first.
func (s *Store) DecisionsByPosID(ctx context.Context, posID string) ([]types.Decision, error) {
	var out []types.Decision
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM ai_decisions WHERE pos_id = ? ORDER BY ts`, posID)
	if err != nil {
		return nil, fmt.Errorf("decisions by pos: %w", err)
	}
	return out, nil
}

// RecentDecisions returns the newest limit decisions for a symbol, oldest first.
func (s *Store) RecentDecisions(ctx context.Context, symbol string, limit int) ([]types.Decision, error) {
	var out []types.Decision
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM ai_decisions WHERE symbol = ? ORDER BY ts DESC LIMIT ?`,
		symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	reverse(out)
	return out, nil
}

// InsertConversation persists one LLM exchange and returns its row id.
func (s *Store) InsertConversation(ctx context.Context, c types.Conversation) (int64, error) {
	res, err := s.db.NamedExecContext(ctx,
		`INSERT INTO conversations (session_id, symbol, prompt, response, analysis, executed, ts)
		 VALUES (:session_id, :symbol, :prompt, :response, :analysis, :executed, :ts)`,
		c)
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}
	return res.LastInsertId()
}

// MarkConversationExecuted flips the executed flag after the orchestrator acts.
func (s *Store) MarkConversationExecuted(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET executed = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark conversation executed: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Closed positions
// ————————————————————————————————————————————————————————————————————————

// UpsertClosedPosition inserts or refreshes a closed row. An existing
// review_summary is preserved across refreshes.
func (s *Store) UpsertClosedPosition(ctx context.Context, c types.ClosedPosition) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO closed_positions
		 (symbol, pos_side, size, entry_px, exit_px, open_time, close_time,
		  realized_pnl, pnl_ratio, leverage, fee, close_type, review_summary)
		 VALUES (:symbol, :pos_side, :size, :entry_px, :exit_px, :open_time, :close_time,
		  :realized_pnl, :pnl_ratio, :leverage, :fee, :close_type, :review_summary)
		 ON CONFLICT (symbol, pos_side, open_time) DO UPDATE SET
		  size = excluded.size, entry_px = excluded.entry_px, exit_px = excluded.exit_px,
		  close_time = excluded.close_time, realized_pnl = excluded.realized_pnl,
		  pnl_ratio = excluded.pnl_ratio, leverage = excluded.leverage,
		  fee = excluded.fee, close_type = excluded.close_type`,
		c)
	if err != nil {
		return fmt.Errorf("upsert closed position: %w", err)
	}
	return nil
}

// ClosedWithoutReview returns closed rows still lacking a review summary,
// newest first.
func (s *Store) ClosedWithoutReview(ctx context.Context, symbol string, limit int) ([]types.ClosedPosition, error) {
	var out []types.ClosedPosition
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM closed_positions
		 WHERE symbol = ? AND review_summary = ''
		 ORDER BY close_time DESC LIMIT ?`,
		symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("closed without review: %w", err)
	}
	return out, nil
}

// SetReviewSummary writes the one-shot post-mortem text onto a closed row.
func (s *Store) SetReviewSummary(ctx context.Context, symbol string, posSide types.PosSide, openTime int64, summary string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE closed_positions SET review_summary = ?
		 WHERE symbol = ? AND pos_side = ? AND open_time = ?`,
		summary, symbol, posSide, openTime); err != nil {
		return fmt.Errorf("set review summary: %w", err)
	}
	return nil
}

// RecentClosed returns the newest limit closed rows.
func (s *Store) RecentClosed(ctx context.Context, symbol string, limit int) ([]types.ClosedPosition, error) {
	var out []types.ClosedPosition
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM closed_positions WHERE symbol = ?
		 ORDER BY close_time DESC LIMIT ?`,
		symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("recent closed: %w", err)
	}
	return out, nil
}

// PerformanceStats aggregates closed trades since sinceMs.
func (s *Store) PerformanceStats(ctx context.Context, symbol string, sinceMs int64) (types.PerformanceStats, error) {
	var row struct {
		Trades   int     `db:"trades"`
		Wins     int     `db:"wins"`
		TotalPnl float64 `db:"total_pnl"`
		TotalFee float64 `db:"total_fee"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS trades,
		        COALESCE(SUM(CASE WHEN realized_pnl > 0 THEN 1 ELSE 0 END), 0) AS wins,
		        COALESCE(SUM(realized_pnl), 0) AS total_pnl,
		        COALESCE(SUM(fee), 0) AS total_fee
		 FROM closed_positions WHERE symbol = ? AND close_time >= ?`,
		symbol, sinceMs)
	if err != nil {
		return types.PerformanceStats{}, fmt.Errorf("performance stats: %w", err)
	}

	stats := types.PerformanceStats{
		Trades:   row.Trades,
		Wins:     row.Wins,
		TotalPnl: row.TotalPnl,
		TotalFee: row.TotalFee,
	}
	if row.Trades > 0 {
		stats.WinRate = float64(row.Wins) / float64(row.Trades)
		stats.AvgPnl = row.TotalPnl / float64(row.Trades)
	}
	return stats, nil
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// MarshalAdjust serializes an adjust plan for the ai_decisions row; nil
// plans become the empty string.
func MarshalAdjust(plan *types.AdjustPlan) string {
	if plan == nil {
		return ""
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return ""
	}
	return string(data)
}
