package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJournalCapsAtTen(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 15; i++ {
		j.Add(fmt.Sprintf("entry %d", i), at)
	}

	entries := j.Entries()
	if len(entries) != 10 {
		t.Fatalf("len = %d, want 10", len(entries))
	}
	if entries[0].Content != "entry 5" || entries[9].Content != "entry 14" {
		t.Errorf("eviction kept the wrong window: %s .. %s",
			entries[0].Content, entries[9].Content)
	}
}

func TestJournalTimestampFormat(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	j.Add("x", time.Date(2026, 8, 25, 9, 5, 3, 0, time.UTC))
	if got := j.Entries()[0].Timestamp; got != "2026-08-25 09:05:03" {
		t.Errorf("timestamp = %q", got)
	}
}

func TestJournalFinalFlushOnCancel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	j, err := Open(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go j.Run(ctx)

	j.Add("persisted", time.Now())
	cancel()
	<-j.done

	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		t.Fatal(err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Content != "persisted" {
		t.Errorf("flushed entries: %+v", entries)
	}
}

func TestJournalReloadsHistory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	j, err := Open(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	j.Add("survivor", time.Now())
	j.flush()

	j2, err := Open(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	entries := j2.Entries()
	if len(entries) != 1 || entries[0].Content != "survivor" {
		t.Errorf("reload: %+v", entries)
	}
}

func TestJournalToleratesCorruptFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	j, err := Open(dir, testLogger())
	if err != nil {
		t.Fatalf("corrupt file broke Open: %v", err)
	}
	if len(j.Entries()) != 0 {
		t.Errorf("corrupt file produced entries: %+v", j.Entries())
	}
}

func TestJournalEntriesReturnsCopy(t *testing.T) {
	t.Parallel()
	j, err := Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	j.Add("original", time.Now())

	got := j.Entries()
	got[0].Content = "mutated"
	if j.Entries()[0].Content != "original" {
		t.Error("Entries leaked internal slice")
	}
}
