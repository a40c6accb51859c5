package dle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trading-core/internal/awg"
	"trading-core/internal/exchange"
	"trading-core/internal/ledger"
	"trading-core/internal/shadow"
	"trading-core/pkg/config"
	"trading-core/pkg/decimal"
	"trading-core/pkg/exchanges/common"
)

// fakeWheel is a synchronous stand-in for pkg/timerwheel.Wheel: Schedule
// only records fn, and fire runs it on demand, so tests can drive TTL
// expiry deterministically without sleeping.
type fakeWheel struct {
	scheduled map[string]func()
	canceled  map[string]bool
}

func newFakeWheel() *fakeWheel {
	return &fakeWheel{scheduled: make(map[string]func()), canceled: make(map[string]bool)}
}

func (w *fakeWheel) Schedule(key string, d time.Duration, fn func()) {
	delete(w.canceled, key)
	w.scheduled[key] = fn
}

func (w *fakeWheel) Cancel(key string) {
	w.canceled[key] = true
	delete(w.scheduled, key)
}

func (w *fakeWheel) fire(key string) {
	if fn, ok := w.scheduled[key]; ok {
		fn()
	}
}

func newTestDLE(t *testing.T) (*DLE, *exchange.Mock) {
	t.Helper()
	rules := exchange.SymbolRules{Symbol: "DOGEUSDT", TickSize: 0.0001, StepSize: 1, MinQty: 1, MinNotional: 5}
	mock := exchange.NewMock(rules, []exchange.AccountBalance{
		{Asset: "DOGE", Free: 10000, Locked: 0},
		{Asset: "USDT", Free: 2000, Locked: 0},
	})
	mock.SetBook(exchange.OrderBook{
		Bids: []exchange.BookLevel{{Price: 0.2000, Qty: 1000}},
		Asks: []exchange.BookLevel{{Price: 0.2002, Qty: 1000}},
	})

	led := ledger.New(filepath.Join(t.TempDir(), "ledger.json"))
	led.SnapshotSync(map[string]float64{"DOGE": 10000, "USDT": 2000})
	sh := shadow.New(led, 1.1)

	gov := awg.New(awg.Config{Cap1s: 100, Cap10s: 500, Cap1m: 2000, ErrorThreshold: 5})

	env := NewEnvelope(config.DefaultLayers())
	wheel := newFakeWheel()

	cfg := Config{
		Symbol: "DOGEUSDT", BaseAsset: "DOGE", QuoteAsset: "USDT",
		PriceScale: 4, QtyScale: 0,
		PerPriceLimit: 1, SoftCapNew: 4,
	}
	d := New(cfg, env, mock, sh, gov, wheel, rules)
	return d, mock
}

func TestPlanProducesLayeredOrdersWithinBook(t *testing.T) {
	d, _ := newTestDLE(t)
	mid := decimal.FromFloat(0.2001, 4)

	planned, err := d.Plan(context.Background(), mid)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(planned) == 0 {
		t.Fatalf("expected at least one planned order")
	}
	for _, po := range planned {
		if po.Side == common.SideBuy && po.Price.Float64() >= 0.2000 {
			t.Errorf("buy price %v did not stay below best bid (maker guard)", po.Price)
		}
		if po.Side == common.SideSell && po.Price.Float64() <= 0.2002 {
			t.Errorf("sell price %v did not stay above best ask (maker guard)", po.Price)
		}
		if po.Qty.Float64() <= 0 {
			t.Errorf("non-positive qty for layer %s", po.Layer)
		}
	}
}

func TestWarmStartRampLimitsFirstCyclePlacements(t *testing.T) {
	d, mock := newTestDLE(t)
	mid := decimal.FromFloat(0.2001, 4)

	planned, err := d.Plan(context.Background(), mid)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(planned) < 2 {
		t.Fatalf("need at least 2 planned orders to exercise the ramp, got %d", len(planned))
	}

	d.PlaceCycle(context.Background(), planned)

	open, err := mock.GetOpenOrders(context.Background(), "DOGEUSDT")
	if err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("warm-start ramp should cap the first cycle at 1 placement, got %d", len(open))
	}
}

func TestCloseAndReleaseIsIdempotentAndReleasesReservation(t *testing.T) {
	d, mock := newTestDLE(t)
	mid := decimal.FromFloat(0.2001, 4)

	planned, err := d.Plan(context.Background(), mid)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	d.PlaceCycle(context.Background(), planned)

	open, _ := mock.GetOpenOrders(context.Background(), "DOGEUSDT")
	if len(open) != 1 {
		t.Fatalf("expected exactly one placed order, got %d", len(open))
	}
	orderID := open[0].OrderID

	d.mu.Lock()
	_, stillLive := d.orders[orderID]
	d.mu.Unlock()
	if !stillLive {
		t.Fatalf("order %s should be registered live after placement", orderID)
	}

	d.CloseAndRelease(orderID)
	d.mu.Lock()
	_, stillLive = d.orders[orderID]
	priceCount := d.priceCounter[planned[0].PriceKey]
	d.mu.Unlock()
	if stillLive {
		t.Fatalf("order %s should be removed from the live map after close_and_release", orderID)
	}
	if priceCount < 0 {
		t.Fatalf("price counter went negative: %d", priceCount)
	}

	// idempotent: a second close on the same order is a no-op, not a panic
	// or a negative counter.
	d.CloseAndRelease(orderID)
}

func TestReflectRemoteIgnoresTerminalOrders(t *testing.T) {
	d, mock := newTestDLE(t)
	mid := decimal.FromFloat(0.2001, 4)

	planned, err := d.Plan(context.Background(), mid)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	d.PlaceCycle(context.Background(), planned)

	open, _ := mock.GetOpenOrders(context.Background(), "DOGEUSDT")
	orderID := open[0].OrderID

	d.ReflectRemote(orderID, string(common.StatusFilled), planned[0].Qty.Float64())
	d.mu.Lock()
	_, stillLive := d.orders[orderID]
	d.mu.Unlock()
	if stillLive {
		t.Fatalf("order should be closed after a terminal reflection")
	}

	// a stray update arriving after the order is already gone must not
	// resurrect it or panic.
	d.ReflectRemote(orderID, string(common.StatusPartiallyFilled), 1)
}

func TestInStressDetectsSustainedRejectionRate(t *testing.T) {
	d, _ := newTestDLE(t)
	for i := 0; i < 10; i++ {
		d.recordDecision(i < 4) // 40% reject rate, above the 30% trigger
	}
	if !d.inStress() {
		t.Fatalf("expected stress mode at 40%% reject rate")
	}
	if d.spreadFactor() != 1.5 {
		t.Fatalf("expected spread_factor 1.5 under stress, got %v", d.spreadFactor())
	}
}

type alwaysDenyGate struct{}

func (alwaysDenyGate) AllowNewOrders() bool { return false }

func TestRiskGateDeniesNewPlacementButDLEStillFunctions(t *testing.T) {
	d, mock := newTestDLE(t)
	d.SetRiskGate(alwaysDenyGate{})
	mid := decimal.FromFloat(0.2001, 4)

	planned, err := d.Plan(context.Background(), mid)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	d.PlaceCycle(context.Background(), planned)

	open, err := mock.GetOpenOrders(context.Background(), "DOGEUSDT")
	if err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no placements while the risk gate denies new orders, got %d", len(open))
	}
}

type countingRecorder struct {
	reserveDenied int
	outcomes      []bool
}

func (c *countingRecorder) RecordOrderOutcome(rejected bool) { c.outcomes = append(c.outcomes, rejected) }
func (c *countingRecorder) IncOrdersFilled()                 {}
func (c *countingRecorder) IncOrdersCanceled()               {}
func (c *countingRecorder) IncAWGDenied()                     {}
func (c *countingRecorder) IncReserveDenied()                 { c.reserveDenied++ }

func TestMetricsRecorderObservesPlacementOutcome(t *testing.T) {
	d, _ := newTestDLE(t)
	rec := &countingRecorder{}
	d.SetMetrics(rec)
	mid := decimal.FromFloat(0.2001, 4)

	planned, err := d.Plan(context.Background(), mid)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	d.PlaceCycle(context.Background(), planned)

	if len(rec.outcomes) == 0 {
		t.Fatalf("expected at least one recorded order outcome")
	}
	if rec.outcomes[0] != false {
		t.Fatalf("expected the warm-start placement to record a success outcome")
	}
}

func TestNotInStressWithHealthyAWGAndNoRejects(t *testing.T) {
	d, _ := newTestDLE(t)
	for i := 0; i < 10; i++ {
		d.gov.Acquire("new_order", "mm_new", 1, 0)
	}
	if d.inStress() {
		t.Fatalf("should not be in stress with a healthy AWG and no rejects")
	}
}
