package exchange

import (
	"context"
	"testing"

	"trading-core/pkg/exchanges/common"
)

func TestMockCreateAndFillOrder(t *testing.T) {
	m := NewMock(SymbolRules{Symbol: "DOGEUSDT", StepSize: 1, TickSize: 0.00001, MinNotional: 5},
		[]AccountBalance{{Asset: "USDT", Free: 1000}})
	ctx := context.Background()

	res, err := m.CreateOrder(ctx, common.OrderRequest{
		Symbol: "DOGEUSDT", Side: common.SideBuy, Type: common.OrderTypeLimitMaker,
		Qty: 100, Price: 0.1, ClientID: "c1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if res.Status != common.StatusNew {
		t.Fatalf("expected NEW, got %s", res.Status)
	}

	open, err := m.GetOpenOrders(ctx, "DOGEUSDT")
	if err != nil || len(open) != 1 {
		t.Fatalf("GetOpenOrders: %v orders=%v", err, open)
	}

	filled := m.FillOrder(res.ExchangeOrderID, 100)
	if filled.Status != common.StatusFilled {
		t.Fatalf("expected FILLED, got %s", filled.Status)
	}

	open, _ = m.GetOpenOrders(ctx, "DOGEUSDT")
	if len(open) != 0 {
		t.Fatalf("filled order should no longer be open, got %v", open)
	}
}

func TestMockCancelOrder(t *testing.T) {
	m := NewMock(SymbolRules{Symbol: "DOGEUSDT"}, nil)
	ctx := context.Background()

	res, err := m.CreateOrder(ctx, common.OrderRequest{Symbol: "DOGEUSDT", Side: common.SideSell, Type: common.OrderTypeLimitMaker, Qty: 50, Price: 0.2})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if err := m.CancelOrder(ctx, "DOGEUSDT", res.ExchangeOrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if err := m.CancelOrder(ctx, "DOGEUSDT", "nonexistent"); err == nil {
		t.Fatalf("expected error cancelling unknown order")
	}
}

func TestMockCreateOrderErr(t *testing.T) {
	m := NewMock(SymbolRules{Symbol: "DOGEUSDT"}, nil)
	m.CreateOrderErr = errTest
	if _, err := m.CreateOrder(context.Background(), common.OrderRequest{Symbol: "DOGEUSDT"}); err != errTest {
		t.Fatalf("expected injected error, got %v", err)
	}
}

var errTest = &mockErr{"injected"}

type mockErr struct{ s string }

func (e *mockErr) Error() string { return e.s }
