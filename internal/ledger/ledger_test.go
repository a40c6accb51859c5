package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"trading-core/pkg/decimal"
)

func d(f float64) decimal.Decimal { return decimal.FromFloat(f, 8) }

func TestApplyDedupAndDeltas(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "ledger.json"))

	ok := l.Apply(OrderEvent{EventID: "e1", OrderID: "o1", Kind: EventNew, Asset: "DOGE", Qty: d(100), At: time.Now()})
	if !ok {
		t.Fatalf("expected first apply to succeed")
	}
	if l.State("DOGE").PendingNew.Float64() != 100 {
		t.Fatalf("expected pending_new=100, got %+v", l.State("DOGE"))
	}

	dup := l.Apply(OrderEvent{EventID: "e1", OrderID: "o1", Kind: EventNew, Asset: "DOGE", Qty: d(100), At: time.Now()})
	if dup {
		t.Fatalf("expected duplicate event_id to be rejected")
	}

	l.Apply(OrderEvent{EventID: "e2", OrderID: "o1", Kind: EventAck, Asset: "DOGE", Qty: d(100), At: time.Now()})
	if s := l.State("DOGE"); s.PendingNew.Float64() != 0 || s.Locked.Float64() != 100 {
		t.Fatalf("expected ack to move pending_new to locked, got %+v", s)
	}

	l.Apply(OrderEvent{
		EventID: "e3", OrderID: "o1", Kind: EventTrade, Asset: "DOGE", QuoteAsset: "USDT",
		Qty: d(100), QuotePaid: d(10), IsBuy: true, At: time.Now(),
	})
	doge := l.State("DOGE")
	usdt := l.State("USDT")
	if doge.Locked.Float64() != 0 || doge.Free.Float64() != 100 {
		t.Fatalf("expected trade to free DOGE, got %+v", doge)
	}
	if usdt.Free.Float64() != -10 {
		t.Fatalf("expected USDT debited by quote paid, got %+v", usdt)
	}
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l := New(path)
	l.Apply(OrderEvent{EventID: "e1", OrderID: "o1", Kind: EventNew, Asset: "DOGE", Qty: d(50), At: time.Now()})
	if err := l.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	l2 := New(path)
	if err := l2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l2.State("DOGE").PendingNew.Float64() != 50 {
		t.Fatalf("expected restored state, got %+v", l2.State("DOGE"))
	}
	if l2.Apply(OrderEvent{EventID: "e1", OrderID: "o1", Kind: EventNew, Asset: "DOGE", Qty: d(50), At: time.Now()}) {
		t.Fatalf("expected dedup set to survive reload")
	}
}

func TestSnapshotSyncDivergence(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "ledger.json"))
	l.Apply(OrderEvent{EventID: "e1", OrderID: "o1", Kind: EventAck, Asset: "DOGE", Qty: d(100), At: time.Now()})

	diverged := l.SnapshotSync(map[string]float64{"DOGE": 100.05})
	if len(diverged) != 0 {
		t.Fatalf("expected no divergence within threshold, got %v", diverged)
	}

	diverged = l.SnapshotSync(map[string]float64{"DOGE": 50})
	if len(diverged) != 1 || diverged[0] != "DOGE" {
		t.Fatalf("expected DOGE to diverge, got %v", diverged)
	}
	if l.State("DOGE").Free.Float64() != 50 {
		t.Fatalf("expected force-reconcile to reset to exchange truth, got %+v", l.State("DOGE"))
	}
}

func TestReadinessRequiresConsecutiveCleanSyncs(t *testing.T) {
	r := NewReadiness(2)
	if r.Ready() {
		t.Fatalf("expected not ready initially")
	}
	r.Observe(nil)
	if r.Ready() {
		t.Fatalf("expected not ready after one clean sync")
	}
	r.Observe([]string{"DOGE"})
	if r.Ready() {
		t.Fatalf("expected streak reset on divergence")
	}
	r.Observe(nil)
	r.Observe(nil)
	if !r.Ready() {
		t.Fatalf("expected ready after two consecutive clean syncs")
	}
}
