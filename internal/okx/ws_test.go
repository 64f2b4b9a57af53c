package okx

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"okx-swap-agent/pkg/types"
)

func TestSubscribeBeforeConnect(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewFeed("wss://example.invalid/ws", "public", logger)

	args := []types.WSArg{{Channel: "books", InstID: "BTC-USDT-SWAP"}}
	if err := f.Subscribe(args); err != nil {
		t.Fatalf("pre-connect subscribe = %v, want nil (deferred to connect)", err)
	}

	f.subscribedMu.RLock()
	n := len(f.subscribed)
	f.subscribedMu.RUnlock()
	if n != 1 {
		t.Errorf("tracked %d subscriptions, want 1", n)
	}
}

func TestWriteBeforeConnectReturnsSentinel(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewFeed("wss://example.invalid/ws", "public", logger)

	if err := f.writeJSON(struct{}{}); !errors.Is(err, errNotConnected) {
		t.Errorf("writeJSON = %v, want errNotConnected", err)
	}
	if err := f.writeMessage(1, []byte("ping")); !errors.Is(err, errNotConnected) {
		t.Errorf("writeMessage = %v, want errNotConnected", err)
	}
}
