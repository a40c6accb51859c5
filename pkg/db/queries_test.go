package db

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *Queries {
	t.Helper()
	dir := t.TempDir()
	d, err := New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return NewQueries(d.DB)
}

func TestAuditRoundTrip(t *testing.T) {
	q := openTestDB(t)
	ctx := context.Background()

	if err := q.InsertAudit(ctx, AuditRecord{
		Asset: "USDT", ExchangeFree: 100, Reservations: 10, ShadowAvailable: 90, Diff: 0,
	}); err != nil {
		t.Fatalf("InsertAudit: %v", err)
	}

	recs, err := q.RecentAudits(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAudits: %v", err)
	}
	if len(recs) != 1 || recs[0].Asset != "USDT" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestTWAPSliceLifecycle(t *testing.T) {
	q := openTestDB(t)
	ctx := context.Background()

	id, err := q.InsertTWAPSlice(ctx, TWAPSlice{RebalanceID: "rb1", Side: "BUY", Qty: 10, Status: "PENDING"})
	if err != nil {
		t.Fatalf("InsertTWAPSlice: %v", err)
	}
	if err := q.UpdateTWAPSliceStatus(ctx, id, "FILLED", "order-1"); err != nil {
		t.Fatalf("UpdateTWAPSliceStatus: %v", err)
	}

	slices, err := q.SlicesForRebalance(ctx, "rb1")
	if err != nil {
		t.Fatalf("SlicesForRebalance: %v", err)
	}
	if len(slices) != 1 || slices[0].Status != "FILLED" {
		t.Fatalf("unexpected slices: %+v", slices)
	}
}
