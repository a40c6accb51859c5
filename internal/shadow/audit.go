package shadow

import (
	"context"
	"log/slog"
	"time"

	"trading-core/internal/exchange"
	"trading-core/pkg/db"
)

// AuditReport is one pass of the three-way audit (spec §4.2.3).
type AuditReport struct {
	Timestamp time.Time
	Diffs     []AuditDiff
	HasDiffs  bool
}

// AuditDiff compares {exchange_free, reservations, shadow_available}
// for one asset.
type AuditDiff struct {
	Asset           string
	ExchangeFree    float64
	Reservations    float64
	ShadowAvailable float64
	Diff            float64
	Repaired        bool
}

// auditTolerance is the 0.01 absolute tolerance spec §4.2.3 names.
const auditTolerance = 0.01

// Auditor runs the periodic three-way audit: every interval it compares
// the exchange's reported free balance, the shadow reservation total,
// and the ledger-derived shadow_available, persisting every comparison
// and repairing any inconsistency above tolerance. Grounded on the teacher's
// internal/reconciliation/service.go ticker-driven compare loop,
// generalized from position-only diffing to the three-quantity audit
// spec §4.2.3 requires, and wired to the adapted pkg/db audit_log table
// instead of the teacher's unfinished `TODO: Implement database save`.
type Auditor struct {
	shadow   *Shadow
	ex       exchange.Exchange
	queries  *db.Queries
	interval time.Duration
	assets   []string
}

// NewAuditor builds an Auditor over the given assets (typically base +
// quote of the single traded pair).
func NewAuditor(s *Shadow, ex exchange.Exchange, q *db.Queries, interval time.Duration, assets []string) *Auditor {
	return &Auditor{shadow: s, ex: ex, queries: q, interval: interval, assets: assets}
}

// Run drives periodic audits until ctx is cancelled.
func (a *Auditor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Audit(ctx); err != nil {
				slog.Warn("audit pass failed", "error", err)
			}
		}
	}
}

// Audit performs one audit pass and persists every diff observed,
// repairing (resetting shadow's view to exchange truth) whenever a
// diff exceeds auditTolerance.
func (a *Auditor) Audit(ctx context.Context) (*AuditReport, error) {
	balances, err := a.ex.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	exchangeFree := make(map[string]float64, len(balances))
	for _, b := range balances {
		exchangeFree[b.Asset] = b.Free
	}

	report := &AuditReport{Timestamp: time.Now()}
	for _, asset := range a.assets {
		free, ok := exchangeFree[asset]
		if !ok {
			continue
		}
		a.shadow.mu.Lock()
		a.shadow.sweepExpired(time.Now())
		reservations := a.shadow.reservedTotal(asset).Float64()
		a.shadow.mu.Unlock()
		shadowAvail := a.shadow.FreeAvailable(asset)

		diff := free - reservations - shadowAvail
		d := diff
		if d < 0 {
			d = -d
		}
		repaired := d > auditTolerance
		if repaired {
			// Treat exchange as truth: SnapshotSync resets the ledger's
			// free for this asset to exchange_free, so shadow_available
			// becomes exchange_free minus live reservations.
			a.shadow.mu.Lock()
			a.shadow.ledger.SnapshotSync(map[string]float64{asset: free})
			a.shadow.mu.Unlock()
		}

		report.Diffs = append(report.Diffs, AuditDiff{
			Asset: asset, ExchangeFree: free, Reservations: reservations,
			ShadowAvailable: shadowAvail, Diff: diff, Repaired: repaired,
		})
		if repaired {
			report.HasDiffs = true
		}

		if a.queries != nil {
			if err := a.queries.InsertAudit(ctx, db.AuditRecord{
				Asset: asset, ExchangeFree: free, Reservations: reservations,
				ShadowAvailable: shadowAvail, Diff: diff, Repaired: repaired,
			}); err != nil {
				slog.Warn("persist audit record failed", "asset", asset, "error", err)
			}
		}
	}
	return report, nil
}
