package market

import (
	"io"
	"log/slog"
	"testing"

	"okx-swap-agent/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snapshot(seq int64, bids, asks [][]string) types.WSBookData {
	return types.WSBookData{Bids: bids, Asks: asks, SeqID: seq, PrevSeqID: -1, Ts: "1700000000000"}
}

func update(prev, seq int64, bids, asks [][]string) types.WSBookData {
	return types.WSBookData{Bids: bids, Asks: asks, SeqID: seq, PrevSeqID: prev, Ts: "1700000001000"}
}

func TestBookSnapshotInitializes(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-USDT-SWAP", testLogger())

	if b.Initialized() {
		t.Fatal("empty book reports initialized")
	}
	b.Apply("snapshot", snapshot(10,
		[][]string{{"100", "2"}, {"99", "1"}},
		[][]string{{"101", "3"}},
	))
	if !b.Initialized() {
		t.Fatal("snapshot did not initialize book")
	}

	bid, ask, ok := b.BestBidAsk()
	if !ok || bid != 100 || ask != 101 {
		t.Errorf("BestBidAsk = %v/%v/%v, want 100/101/true", bid, ask, ok)
	}
}

func TestBookContiguousUpdateApplies(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-USDT-SWAP", testLogger())
	b.Apply("snapshot", snapshot(10, [][]string{{"100", "2"}}, [][]string{{"101", "3"}}))

	b.Apply("update", update(10, 11,
		[][]string{{"100", "0"}, {"99.5", "4"}}, // remove 100, add 99.5
		nil,
	))

	if b.LastSeqID() != 11 {
		t.Fatalf("LastSeqID = %d, want 11", b.LastSeqID())
	}
	bid, _, _ := b.BestBidAsk()
	if bid != 99.5 {
		t.Errorf("best bid = %v, want 99.5 after level removal", bid)
	}
}

func TestBookDropsUpdateBeforeSnapshot(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-USDT-SWAP", testLogger())

	b.Apply("update", update(10, 11, [][]string{{"100", "1"}}, nil))
	if b.Initialized() {
		t.Error("update before snapshot must not initialize")
	}
	if _, _, ok := b.BestBidAsk(); ok {
		t.Error("dropped update leaked levels into the book")
	}
}

func TestBookGapForcesResync(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-USDT-SWAP", testLogger())
	b.Apply("snapshot", snapshot(10, [][]string{{"100", "2"}}, [][]string{{"101", "3"}}))

	// prevSeqId 12 != lastSeqId 10: a delta was lost
	b.Apply("update", update(12, 13, [][]string{{"100", "5"}}, nil))
	if b.Initialized() {
		t.Fatal("gap did not drop the book")
	}

	// Further updates stay dropped until the next snapshot.
	b.Apply("update", update(13, 14, [][]string{{"100", "7"}}, nil))
	snap := b.Snapshot(0)
	if len(snap.Bids) != 1 || snap.Bids[0].Size != 2 {
		t.Errorf("post-gap update mutated levels: %+v", snap.Bids)
	}

	b.Apply("snapshot", snapshot(20, [][]string{{"100", "9"}}, [][]string{{"101", "3"}}))
	if !b.Initialized() {
		t.Error("snapshot after gap did not recover")
	}
}

func TestBookSequenceResetWaitsForSnapshot(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-USDT-SWAP", testLogger())
	b.Apply("snapshot", snapshot(100, [][]string{{"100", "2"}}, [][]string{{"101", "3"}}))

	// seqId < prevSeqId signals a server-side sequence reset
	b.Apply("update", update(100, 5, [][]string{{"100", "9"}}, nil))
	if b.Initialized() {
		t.Error("reset did not drop the book")
	}
}

func TestBookHeartbeatAdvancesSequence(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-USDT-SWAP", testLogger())
	b.Apply("snapshot", snapshot(10, [][]string{{"100", "2"}}, [][]string{{"101", "3"}}))

	// Heartbeat: empty sides, prevSeqId == seqId
	b.Apply("update", types.WSBookData{SeqID: 11, PrevSeqID: 11, Ts: "1700000002000"})
	if b.LastSeqID() != 11 {
		t.Fatalf("heartbeat did not advance seq: %d", b.LastSeqID())
	}

	// The next real delta chains off the heartbeat's seqId.
	b.Apply("update", update(11, 12, [][]string{{"100", "5"}}, nil))
	if !b.Initialized() || b.LastSeqID() != 12 {
		t.Errorf("delta after heartbeat rejected: init=%v seq=%d", b.Initialized(), b.LastSeqID())
	}
}

func TestBookSnapshotOrdering(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-USDT-SWAP", testLogger())
	b.Apply("snapshot", snapshot(1,
		[][]string{{"99", "1"}, {"100", "2"}, {"98", "3"}},
		[][]string{{"103", "1"}, {"101", "2"}, {"102", "3"}},
	))

	snap := b.Snapshot(2)
	if len(snap.Bids) != 2 || snap.Bids[0].Price != 100 || snap.Bids[1].Price != 99 {
		t.Errorf("bids not descending: %+v", snap.Bids)
	}
	if len(snap.Asks) != 2 || snap.Asks[0].Price != 101 || snap.Asks[1].Price != 102 {
		t.Errorf("asks not ascending: %+v", snap.Asks)
	}
}

func TestBookMetrics(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-USDT-SWAP", testLogger())
	b.Apply("snapshot", snapshot(1,
		[][]string{{"100", "2"}, {"99", "4"}},
		[][]string{{"102", "1"}, {"103", "5"}},
	))

	m, ok := b.Metrics()
	if !ok {
		t.Fatal("Metrics not available on two-sided book")
	}
	if m.Mid != 101 {
		t.Errorf("mid = %v, want 101", m.Mid)
	}
	if m.BidDepth5 != 6 || m.AskDepth5 != 6 {
		t.Errorf("depth = %v/%v, want 6/6", m.BidDepth5, m.AskDepth5)
	}
	if m.DepthRatio != 1 {
		t.Errorf("depth ratio = %v, want 1", m.DepthRatio)
	}
}

func TestBookIsStale(t *testing.T) {
	t.Parallel()
	b := NewBook("BTC-USDT-SWAP", testLogger())
	if !b.IsStale(1700000000000, 60_000) {
		t.Error("book with no data must be stale")
	}

	b.Apply("snapshot", snapshot(1, [][]string{{"100", "1"}}, [][]string{{"101", "1"}}))
	if b.IsStale(1700000030000, 60_000) {
		t.Error("30s-old book flagged stale at a 60s threshold")
	}
	if !b.IsStale(1700000070000, 60_000) {
		t.Error("70s-old book passed a 60s threshold")
	}
}
