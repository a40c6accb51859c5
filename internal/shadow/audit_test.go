package shadow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trading-core/internal/exchange"
	"trading-core/internal/ledger"
	"trading-core/pkg/decimal"
)

func TestAuditorDetectsAndRepairsDivergence(t *testing.T) {
	l := ledger.New(filepath.Join(t.TempDir(), "ledger.json"))
	l.Apply(ledger.OrderEvent{
		EventID: "seed", OrderID: "seed", Kind: ledger.EventTrade, Asset: "DOGE", QuoteAsset: "USDT",
		Qty: decimal.FromFloat(0, 8), QuotePaid: decimal.FromFloat(100, 8), IsBuy: false, At: time.Now(),
	})
	s := New(l, 1.1)

	mock := exchange.NewMock(exchange.SymbolRules{Symbol: "DOGEUSDT"}, []exchange.AccountBalance{
		{Asset: "USDT", Free: 40}, // diverges from ledger's 100
	})
	auditor := NewAuditor(s, mock, nil, time.Second, []string{"USDT"})

	report, err := auditor.Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if !report.HasDiffs {
		t.Fatalf("expected divergence to be detected")
	}
	if got := s.FreeAvailable("USDT"); got != 40 {
		t.Fatalf("expected repair to reset shadow to exchange truth, got %v", got)
	}
}

func TestAuditorNoDiffWithinTolerance(t *testing.T) {
	l := ledger.New(filepath.Join(t.TempDir(), "ledger.json"))
	l.Apply(ledger.OrderEvent{
		EventID: "seed", OrderID: "seed", Kind: ledger.EventTrade, Asset: "DOGE", QuoteAsset: "USDT",
		Qty: decimal.FromFloat(0, 8), QuotePaid: decimal.FromFloat(100, 8), IsBuy: false, At: time.Now(),
	})
	s := New(l, 1.1)
	mock := exchange.NewMock(exchange.SymbolRules{Symbol: "DOGEUSDT"}, []exchange.AccountBalance{{Asset: "USDT", Free: 100.005}})
	auditor := NewAuditor(s, mock, nil, time.Second, []string{"USDT"})

	report, err := auditor.Audit(context.Background())
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if report.HasDiffs {
		t.Fatalf("expected no diff within tolerance, got %+v", report.Diffs)
	}
}
