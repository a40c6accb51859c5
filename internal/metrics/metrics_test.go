package metrics

import (
	"testing"
	"time"
)

func TestLatencyHistogramComputesStatsAndCachesUntilDirty(t *testing.T) {
	h := NewLatencyHistogram(10)
	for _, ms := range []float64{10, 20, 30, 40, 50} {
		h.Record(ms)
	}
	stats := h.Stats()
	if stats.Count != 5 {
		t.Fatalf("count = %d, want 5", stats.Count)
	}
	if stats.Min != 10 || stats.Max != 50 {
		t.Fatalf("min/max = %v/%v, want 10/50", stats.Min, stats.Max)
	}
	if stats.Avg != 30 {
		t.Fatalf("avg = %v, want 30", stats.Avg)
	}

	cached := h.Stats()
	if cached != stats {
		t.Fatalf("expected cached stats to be returned unchanged when not dirty")
	}

	h.Record(1000)
	fresh := h.Stats()
	if fresh.Max != 1000 {
		t.Fatalf("expected recompute after new sample, max = %v", fresh.Max)
	}
}

func TestLatencyHistogramSlidesWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	h.Record(1)
	h.Record(2)
	h.Record(3)
	h.Record(4) // evicts the 1
	stats := h.Stats()
	if stats.Count != 3 || stats.Min != 2 {
		t.Fatalf("expected window of {2,3,4}, got count=%d min=%v", stats.Count, stats.Min)
	}
}

func TestTimerRecordsElapsedToHistogram(t *testing.T) {
	h := NewLatencyHistogram(10)
	timer := NewTimer(h)
	time.Sleep(2 * time.Millisecond)
	elapsed := timer.Stop()
	if elapsed <= 0 {
		t.Fatalf("expected positive elapsed duration")
	}
	if h.Stats().Count != 1 {
		t.Fatalf("expected one sample recorded")
	}
}

func TestRegistryRecordOrderOutcomeFeedsRejectRate(t *testing.T) {
	r := New()
	r.RecordOrderOutcome(false)
	r.RecordOrderOutcome(false)
	r.RecordOrderOutcome(true)
	r.RecordOrderOutcome(true)

	snap := r.Snapshot()
	if snap.OrdersPlaced != 2 {
		t.Fatalf("orders placed = %d, want 2", snap.OrdersPlaced)
	}
	if snap.OrdersRejected != 2 {
		t.Fatalf("orders rejected = %d, want 2", snap.OrdersRejected)
	}
	if snap.RejectRatePct != 0.5 {
		t.Fatalf("reject rate = %v, want 0.5", snap.RejectRatePct)
	}
}

func TestRegistryRecordAPIErrorCountsWithinWindow(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		r.RecordAPIError()
	}
	if snap := r.Snapshot(); snap.APIErrors60s != 5 {
		t.Fatalf("api errors = %d, want 5", snap.APIErrors60s)
	}
}

func TestRegistryRecordUtilizationTracksStreak(t *testing.T) {
	r := New()
	r.RecordUtilization(0.1) // below underUtilRatio
	r.RecordUtilization(0.1)
	if snap := r.Snapshot(); snap.UnderUtilStreak != 2 {
		t.Fatalf("streak = %d, want 2", snap.UnderUtilStreak)
	}
	r.RecordUtilization(0.9) // back above threshold, resets
	if snap := r.Snapshot(); snap.UnderUtilStreak != 0 {
		t.Fatalf("streak = %d, want reset to 0", snap.UnderUtilStreak)
	}
}

func TestDrawdownFromComputesPeakToTrough(t *testing.T) {
	samples := []equitySample{
		{equity: 1000},
		{equity: 1200},
		{equity: 1100},
		{equity: 900},
	}
	dd := drawdownFrom(samples)
	want := (1200.0 - 900.0) / 1200.0
	if dd != want {
		t.Fatalf("drawdown = %v, want %v", dd, want)
	}
}

func TestDrawdownFromEmptyIsZero(t *testing.T) {
	if dd := drawdownFrom(nil); dd != 0 {
		t.Fatalf("expected 0 drawdown for empty history, got %v", dd)
	}
}

func TestRegistryRecordEquityFeedsDrawdown(t *testing.T) {
	r := New()
	r.RecordEquity(1000)
	r.RecordEquity(1200)
	r.RecordEquity(600)

	snap := r.Snapshot()
	want := (1200.0 - 600.0) / 1200.0
	if snap.Drawdown1h != want {
		t.Fatalf("drawdown = %v, want %v", snap.Drawdown1h, want)
	}
}

func TestIncrementCountersAdvanceSnapshot(t *testing.T) {
	r := New()
	r.IncOrdersFilled()
	r.IncOrdersCanceled()
	r.IncOrdersCanceled()
	r.IncAWGDenied()
	r.IncReserveDenied()
	r.IncReconciliationDiff()

	snap := r.Snapshot()
	if snap.OrdersFilled != 1 || snap.OrdersCanceled != 2 || snap.AWGDenied != 1 ||
		snap.ReserveDenied != 1 || snap.ReconciliationDiffs != 1 {
		t.Fatalf("unexpected snapshot counters: %+v", snap)
	}
}
