package shadow

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"trading-core/internal/errs"
	"trading-core/internal/ledger"
	"trading-core/pkg/decimal"
)

func d8(f float64) decimal.Decimal { return decimal.FromFloat(f, 8) }

func newTestShadow(t *testing.T) (*Shadow, *ledger.Ledger) {
	l := ledger.New(filepath.Join(t.TempDir(), "ledger.json"))
	l.Apply(ledger.OrderEvent{EventID: "seed", OrderID: "seed", Kind: ledger.EventAck, Asset: "DOGE", Qty: d8(0), At: time.Now()})
	// Seed USDT free balance directly via a trade event crediting it.
	l.Apply(ledger.OrderEvent{
		EventID: "seed-usdt", OrderID: "seed", Kind: ledger.EventTrade, Asset: "DOGE", QuoteAsset: "USDT",
		Qty: d8(0), QuotePaid: d8(1000), IsBuy: false, At: time.Now(),
	})
	return New(l, 1.1), l
}

func TestReserveAndRelease(t *testing.T) {
	s, _ := newTestShadow(t)

	if err := s.Reserve("o1", "USDT", d8(500), time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	free := s.FreeAvailable("USDT")
	if free != 1000-500 {
		t.Fatalf("expected free=500, got %v", free)
	}

	s.Release("o1", "filled")
	if got := s.FreeAvailable("USDT"); got != 1000 {
		t.Fatalf("expected full release, got %v", got)
	}

	// Idempotent release of unknown order is a no-op, not an error.
	s.Release("unknown", "noop")
}

func TestReserveInsufficientFunds(t *testing.T) {
	s, _ := newTestShadow(t)
	err := s.Reserve("o1", "USDT", d8(2000), time.Minute)
	if !errors.Is(err, errs.ErrInsufficientReserve) {
		t.Fatalf("expected ErrInsufficientReserve, got %v", err)
	}
}

func TestReservationExpiresAfterTTL(t *testing.T) {
	s, _ := newTestShadow(t)
	if err := s.Reserve("o1", "USDT", d8(500), 10*time.Millisecond); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := s.FreeAvailable("USDT"); got != 1000 {
		t.Fatalf("expected expired reservation to be swept, got %v", got)
	}
}

func TestApplyExecutionReportDedupAndDelta(t *testing.T) {
	s, _ := newTestShadow(t)

	err := s.ApplyExecutionReport(ExecutionReport{
		OrderID: "o1", UpdateID: 1, Asset: "DOGE", QuoteAsset: "USDT",
		IsBuy: true, CumQty: d8(100), CumQuote: d8(10), Status: "PARTIALLY_FILLED",
	})
	if err != nil {
		t.Fatalf("ApplyExecutionReport: %v", err)
	}
	if got := s.FreeAvailable("DOGE"); got != 100 {
		t.Fatalf("expected DOGE free=100, got %v", got)
	}
	if got := s.FreeAvailable("USDT"); got != 1000-10 {
		t.Fatalf("expected USDT debited by quote paid, got %v", got)
	}

	// Duplicate/out-of-order update_id is skipped.
	if err := s.ApplyExecutionReport(ExecutionReport{
		OrderID: "o1", UpdateID: 1, Asset: "DOGE", QuoteAsset: "USDT",
		IsBuy: true, CumQty: d8(100), CumQuote: d8(10), Status: "PARTIALLY_FILLED",
	}); err != nil {
		t.Fatalf("dedup replay returned error: %v", err)
	}
	if got := s.FreeAvailable("DOGE"); got != 100 {
		t.Fatalf("expected no double-apply, DOGE free still 100, got %v", got)
	}

	// Terminal fill clears any reservation.
	if err := s.Reserve("o1", "DOGE", d8(1), time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.ApplyExecutionReport(ExecutionReport{
		OrderID: "o1", UpdateID: 2, Asset: "DOGE", QuoteAsset: "USDT",
		IsBuy: true, CumQty: d8(200), CumQuote: d8(20), Status: "FILLED",
	}); err != nil {
		t.Fatalf("ApplyExecutionReport: %v", err)
	}
	s.mu.Lock()
	_, stillReserved := s.reservations["o1"]
	s.mu.Unlock()
	if stillReserved {
		t.Fatalf("expected terminal fill to clear reservation")
	}
}

type recordingObserver struct {
	asset string
	isBuy bool
	qty   float64
	price float64
}

func (o *recordingObserver) OnFill(asset string, isBuy bool, qty, price float64, at time.Time) {
	o.asset, o.isBuy, o.qty, o.price = asset, isBuy, qty, price
}

func TestApplyExecutionReportNotifiesFillObserver(t *testing.T) {
	s, _ := newTestShadow(t)
	obs := &recordingObserver{}
	s.SetFillObserver(obs)

	if err := s.ApplyExecutionReport(ExecutionReport{
		OrderID: "o1", UpdateID: 1, Asset: "DOGE", QuoteAsset: "USDT",
		IsBuy: true, CumQty: d8(100), CumQuote: d8(20), Status: "FILLED",
	}); err != nil {
		t.Fatalf("ApplyExecutionReport: %v", err)
	}
	if obs.asset != "DOGE" || !obs.isBuy || obs.qty != 100 || obs.price != 0.2 {
		t.Fatalf("unexpected observer call: %+v", obs)
	}
}
