// Package journal keeps the rolling decision history file that is replayed
// into later prompts and shown on the status page. At most the latest ten
// entries are retained; writes are atomic (temp file + rename) and
// serialized through a single background writer.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	maxEntries  = 10
	fileName    = "ai_decision_history.json"
	writeBuffer = 32 // queued writes before callers block
)

// Entry is one journaled decision line.
type Entry struct {
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"` // "2006-01-02 15:04:05"
}

// Journal owns the decision history file.
type Journal struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	entries []Entry

	writeCh chan struct{}
	done    chan struct{}
}

// Open loads the existing history (if any) and starts the writer.
func Open(dataDir string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	j := &Journal{
		path:    filepath.Join(dataDir, fileName),
		logger:  logger.With("component", "journal"),
		writeCh: make(chan struct{}, writeBuffer),
		done:    make(chan struct{}),
	}

	data, err := os.ReadFile(j.path)
	if err == nil {
		if err := json.Unmarshal(data, &j.entries); err != nil {
			j.logger.Warn("history file unreadable, starting fresh", "error", err)
			j.entries = nil
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return j, nil
}

// Run flushes queued writes until ctx is cancelled, then does a final flush.
func (j *Journal) Run(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case <-ctx.Done():
			j.flush()
			return
		case <-j.writeCh:
			j.flush()
		}
	}
}

// Add records one entry, evicting the oldest past the cap, and queues a
// flush.
func (j *Journal) Add(content string, at time.Time) {
	j.mu.Lock()
	j.entries = append(j.entries, Entry{
		Content:   content,
		Timestamp: at.Format("2006-01-02 15:04:05"),
	})
	if len(j.entries) > maxEntries {
		j.entries = j.entries[len(j.entries)-maxEntries:]
	}
	j.mu.Unlock()

	select {
	case j.writeCh <- struct{}{}:
	default: // a flush is already queued
	}
}

// Entries returns a copy of the journal, oldest first.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// flush writes the history atomically: temp file in the same directory,
// then rename.
func (j *Journal) flush() {
	j.mu.Lock()
	data, err := json.MarshalIndent(j.entries, "", "  ")
	j.mu.Unlock()
	if err != nil {
		j.logger.Error("history marshal failed", "error", err)
		return
	}

	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		j.logger.Error("history write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, j.path); err != nil {
		j.logger.Error("history rename failed", "error", err)
	}
}
