package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"okx-swap-agent/internal/journal"
	"okx-swap-agent/internal/okx"
	"okx-swap-agent/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFinishCycleJournalsCompactDecision(t *testing.T) {
	t.Parallel()
	logger := testLogger()
	jnl, err := journal.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	a := &Agent{
		journal: jnl,
		clock:   &okx.Clock{},
		logger:  logger,
		ctx:     context.Background(),
	}

	size := 2.0
	analysis := types.Analysis{
		Signal:      types.SignalOpenLong,
		Confidence:  80,
		Size:        &size,
		Reason:      strings.Repeat("多头动能增强", 50),
		RiskWarning: "若跌破支撑位应及时止损",
		SessionID:   "s1",
		Success:     true,
	}
	a.finishCycle(analysis, "", "")

	entries := jnl.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(entries[0].Content), &m); err != nil {
		t.Fatalf("entry is not JSON: %v\n%s", err, entries[0].Content)
	}
	if _, ok := m["reason"]; ok {
		t.Error("reason kept in journal entry")
	}
	if _, ok := m["risk_warning"]; ok {
		t.Error("risk_warning kept in journal entry")
	}
	if m["signal"] != "OPEN_LONG" {
		t.Errorf("signal = %v", m["signal"])
	}
	if m["confidence"] != float64(80) {
		t.Errorf("confidence = %v", m["confidence"])
	}
	if m["size"] != 2.0 {
		t.Errorf("size = %v", m["size"])
	}
}

func TestJournalContentSurvivesEmptyAnalysis(t *testing.T) {
	t.Parallel()
	got := journalContent(types.Analysis{Signal: types.SignalHold})
	var m map[string]any
	if err := json.Unmarshal([]byte(got), &m); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if m["signal"] != "HOLD" {
		t.Errorf("signal = %v", m["signal"])
	}
}
