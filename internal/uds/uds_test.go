package uds

import (
	"context"
	"fmt"
	"testing"
	"time"

	"trading-core/internal/shadow"
)

type fakeSink struct {
	reports []shadow.ExecutionReport
	err     error
}

func (f *fakeSink) ApplyExecutionReport(r shadow.ExecutionReport) error {
	f.reports = append(f.reports, r)
	return f.err
}

type fakeReflector struct {
	reflected []string
	closed    []string
}

func (f *fakeReflector) ReflectRemote(orderID, status string, filledQty float64) {
	f.reflected = append(f.reflected, orderID+":"+status)
}
func (f *fakeReflector) CloseAndRelease(orderID string) {
	f.closed = append(f.closed, orderID)
}

type fakeReseeder struct {
	calls int
}

func (f *fakeReseeder) Reseed(ctx context.Context) error {
	f.calls++
	return nil
}

func newTestIngester() (*Ingester, *fakeSink, *fakeReflector, *fakeReseeder) {
	sink := &fakeSink{}
	refl := &fakeReflector{}
	reseed := &fakeReseeder{}
	cfg := Config{Symbol: "DOGEUSDT", BaseAsset: "DOGE", QuoteAsset: "USDT"}
	u := New(nil, cfg, sink, refl, reseed, nil)
	return u, sink, refl, reseed
}

func execReportJSON(orderID int64, eventTime int64, tradeID int64, status, cumQty, cumQuote string) []byte {
	return []byte(fmt.Sprintf(
		`{"e":"executionReport","E":%d,"s":"DOGEUSDT","S":"BUY","X":"%s","i":%d,"z":"%s","Z":"%s","n":"0","N":"USDT","t":%d}`,
		eventTime, status, orderID, cumQty, cumQuote, tradeID))
}

func TestApplyExecutionReportAppliesAndReflects(t *testing.T) {
	u, sink, refl, _ := newTestIngester()
	msg := execReportJSON(1, 1000, 5, "PARTIALLY_FILLED", "40", "8.0")
	if err := u.handleMainMessage(msg); err != nil {
		t.Fatalf("handleMainMessage: %v", err)
	}
	if len(sink.reports) != 1 {
		t.Fatalf("expected 1 report applied to sink, got %d", len(sink.reports))
	}
	if sink.reports[0].CumQty.Float64() != 40 {
		t.Fatalf("expected cum qty 40, got %v", sink.reports[0].CumQty)
	}
	if len(refl.reflected) != 1 || refl.reflected[0] != "1:PARTIALLY_FILLED" {
		t.Fatalf("expected reflector update, got %v", refl.reflected)
	}
	if len(refl.closed) != 0 {
		t.Fatalf("did not expect close_and_release on a non-terminal status")
	}
}

func TestDuplicateMessageIsIdempotent(t *testing.T) {
	u, sink, _, _ := newTestIngester()
	msg := execReportJSON(1, 1000, 5, "NEW", "0", "0")
	u.handleMainMessage(msg)
	u.handleMainMessage(msg) // exact duplicate, same (order_id,event_time,trade_id)
	if len(sink.reports) != 1 {
		t.Fatalf("expected duplicate message to be dropped, got %d reports", len(sink.reports))
	}
}

func TestTerminalStatusTriggersCloseAndReleaseAndBlocksFurtherUpdates(t *testing.T) {
	u, sink, refl, _ := newTestIngester()
	u.handleMainMessage(execReportJSON(2, 1000, 1, "NEW", "0", "0"))
	u.handleMainMessage(execReportJSON(2, 2000, 2, "FILLED", "100", "20.0"))
	if len(refl.closed) != 1 || refl.closed[0] != "2" {
		t.Fatalf("expected close_and_release on terminal status, got %v", refl.closed)
	}

	// A stray event for the same order arriving after terminal must be dropped.
	u.handleMainMessage(execReportJSON(2, 3000, 3, "CANCELED", "100", "20.0"))
	if len(sink.reports) != 2 {
		t.Fatalf("expected the post-terminal event to be dropped, got %d reports", len(sink.reports))
	}
}

func TestAuditMessageNeverTouchesSinkOrReflector(t *testing.T) {
	u, sink, refl, _ := newTestIngester()
	msg := execReportJSON(1, 1000, 1, "NEW", "0", "0")
	if err := u.handleAuditMessage(msg); err != nil {
		t.Fatalf("handleAuditMessage: %v", err)
	}
	if len(sink.reports) != 0 || len(refl.reflected) != 0 {
		t.Fatalf("audit message must not apply effects")
	}
}

func TestCheckDivergenceOnTimestampGap(t *testing.T) {
	u, _, _, _ := newTestIngester()
	u.cfg.DivergenceTimestampGap = 10 * time.Millisecond
	u.lastMainEventAt = time.Now()
	u.lastAuditEventAt = time.Now().Add(-50 * time.Millisecond)

	reason, trigger := u.checkDivergence()
	if !trigger || reason != "timestamp_gap" {
		t.Fatalf("expected timestamp_gap divergence, got %q/%v", reason, trigger)
	}
}

func TestCheckDivergenceOnSustainedHashMismatch(t *testing.T) {
	u, _, _, _ := newTestIngester()
	u.cfg.DivergenceHashWindow = 10 * time.Millisecond
	u.lastMainEventAt = time.Now()
	u.lastAuditEventAt = time.Now()
	u.mainHash = "a"
	u.auditHash = "b"

	if _, trigger := u.checkDivergence(); trigger {
		t.Fatalf("expected first mismatch observation not to trigger immediately")
	}
	time.Sleep(20 * time.Millisecond)
	reason, trigger := u.checkDivergence()
	if !trigger || reason != "hash_divergence" {
		t.Fatalf("expected hash_divergence after sustained mismatch, got %q/%v", reason, trigger)
	}
}

func TestTriggerSeedSuppressionWindow(t *testing.T) {
	u, _, _, reseed := newTestIngester()
	u.cfg.SeedSuppressWindow = time.Hour
	ctx := context.Background()

	u.triggerSeed(ctx, "divergence", false)
	if reseed.calls != 1 {
		t.Fatalf("expected first divergence seed to run, got %d calls", reseed.calls)
	}
	u.triggerSeed(ctx, "divergence", false)
	if reseed.calls != 1 {
		t.Fatalf("expected second divergence seed within suppression window to be skipped, got %d calls", reseed.calls)
	}
	u.triggerSeed(ctx, "reconnect:main", true) // force bypasses suppression
	if reseed.calls != 2 {
		t.Fatalf("expected forced reconnect seed to bypass suppression, got %d calls", reseed.calls)
	}
}
