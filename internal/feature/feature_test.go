package feature

import (
	"strings"
	"testing"

	"okx-swap-agent/internal/journal"
)

func TestUserPromptRendersHistory(t *testing.T) {
	t.Parallel()
	b := &Builder{prompts: &defaultPrompts}
	s := &Snapshot{
		Symbol: "BTC-USDT-SWAP",
		History: []journal.Entry{
			{Content: `{"signal":"OPEN_LONG","confidence":80,"size":2}`, Timestamp: "2026-08-25 09:00:00"},
			{Content: `{"signal":"HOLD","confidence":55}`, Timestamp: "2026-08-25 09:01:00"},
		},
	}

	prompt := b.UserPrompt(s)
	if !strings.Contains(prompt, "## 历史决策记录") {
		t.Fatal("history section missing")
	}
	for _, want := range []string{
		`{"signal":"OPEN_LONG","confidence":80,"size":2}`,
		`{"signal":"HOLD","confidence":55}`,
		"2026-08-25 09:01:00",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestUserPromptOmitsEmptyHistory(t *testing.T) {
	t.Parallel()
	b := &Builder{prompts: &defaultPrompts}
	prompt := b.UserPrompt(&Snapshot{Symbol: "BTC-USDT-SWAP"})
	if strings.Contains(prompt, "## 历史决策记录") {
		t.Error("history section rendered with no entries")
	}
}
