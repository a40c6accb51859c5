// Package shadow implements the Shadow Balance half of the Shadow
// Balance + Event Ledger SSOT (spec §4.2.2): free_available derivation,
// TTL'd reservations, delta-driven execution-report processing, and the
// three-way audit against exchange truth.
//
// Grounded on the teacher's internal/balance/manager.go (periodic sync,
// Lock/Unlock reservation shape — generalized from a single cached total
// to per-asset, per-order TTL'd reservations) and
// internal/reconciliation/service.go (periodic-ticker compare loop,
// adapted into the three-way audit in audit.go).
package shadow

import (
	"fmt"
	"sync"
	"time"

	"trading-core/internal/errs"
	"trading-core/internal/ledger"
	"trading-core/pkg/decimal"
)

// reservation is one live hold against an asset's free_available.
type reservation struct {
	asset     string
	amount    decimal.Decimal
	expiresAt time.Time
}

// execState tracks the last applied execution-report deltas for one
// order, for dedup-by-update_id (spec §4.2.2).
type execState struct {
	prevCumQty   decimal.Decimal
	prevCumQuote decimal.Decimal
	lastUpdateID int64
}

// FillObserver receives every executed trade delta applied by
// ApplyExecutionReport (qty > 0). Implemented by the engine's adapter
// onto the Hedge Bridge, which only cares about base-asset fills.
type FillObserver interface {
	OnFill(asset string, isBuy bool, qty, price float64, at time.Time)
}

// Shadow derives free_available per asset from the Event Ledger minus
// live reservations, and applies execution-report deltas. One sync.Mutex
// (not reentrant) guards reservations and exec state.
type Shadow struct {
	mu            sync.Mutex
	ledger        *ledger.Ledger
	reserveFactor float64
	reservations  map[string]reservation // order_id -> reservation
	execStates    map[string]execState    // order_id -> last applied deltas
	fillObs       FillObserver
}

// SetFillObserver wires a fill observer in. Optional: a Shadow with no
// observer set simply skips the notification.
func (s *Shadow) SetFillObserver(o FillObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillObs = o
}

// New constructs a Shadow Balance bound to ledger l. reserveFactor is
// the cushion multiplier spec §4.2.2 names (default 1.1).
func New(l *ledger.Ledger, reserveFactor float64) *Shadow {
	if reserveFactor < 1 {
		reserveFactor = 1
	}
	return &Shadow{
		ledger:        l,
		reserveFactor: reserveFactor,
		reservations:  make(map[string]reservation),
		execStates:    make(map[string]execState),
	}
}

// sweepExpired removes reservations past their TTL. Called with mu held.
func (s *Shadow) sweepExpired(now time.Time) {
	for id, r := range s.reservations {
		if now.After(r.expiresAt) {
			delete(s.reservations, id)
		}
	}
}

// reservedTotal sums live (unexpired) reservations for asset. Called
// with mu held, after sweepExpired.
func (s *Shadow) reservedTotal(asset string) decimal.Decimal {
	total := decimal.Zero(0)
	for _, r := range s.reservations {
		if r.asset == asset {
			total = total.Add(r.amount)
		}
	}
	return total
}

// FreeAvailable returns ledger.available(asset) minus live reservations.
func (s *Shadow) FreeAvailable(asset string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepExpired(time.Now())
	return s.ledger.State(asset).Available().Sub(s.reservedTotal(asset)).Float64()
}

// Total returns the ledger's free+locked for asset — DLE's budget
// derivation sizes against total holdings, not just what is currently
// unreserved, so funds locked in live orders still count toward equity.
func (s *Shadow) Total(asset string) float64 {
	st := s.ledger.State(asset)
	return st.Free.Add(st.Locked).Float64()
}

// Reserve attempts to hold amount of asset for orderID until ttl elapses.
// Fails with errs.ErrInsufficientReserve if free_available is below
// amount*reserveFactor (spec §4.2.2).
func (s *Shadow) Reserve(orderID, asset string, amount decimal.Decimal, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.sweepExpired(now)

	free := s.ledger.State(asset).Available().Sub(s.reservedTotal(asset))
	needed := amount.MulFloat(s.reserveFactor)
	if free.LT(needed) {
		return fmt.Errorf("%w: asset %s needs %s, free %s", errs.ErrInsufficientReserve, asset, needed.String(), free.String())
	}
	s.reservations[orderID] = reservation{asset: asset, amount: amount, expiresAt: now.Add(ttl)}
	return nil
}

// Release removes orderID's reservation if still live. Idempotent: a
// release for an unknown or already-expired order_id is a no-op success
// (spec §4.2.2).
func (s *Shadow) Release(orderID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepExpired(time.Now())
	delete(s.reservations, orderID)
}

// ExecutionReport is a normalized fill/status update from UDS or Order
// Mirror (spec §3.1).
type ExecutionReport struct {
	OrderID    string
	UpdateID   int64
	Asset      string // base asset
	QuoteAsset string
	IsBuy      bool
	CumQty     decimal.Decimal
	CumQuote   decimal.Decimal
	FeeAsset   string
	Fee        decimal.Decimal
	Status     string // NEW|PARTIALLY_FILLED|FILLED|CANCELED|EXPIRED|REJECTED
}

// ApplyExecutionReport applies the delta-driven balance side effects of
// §4.2.2: dedupe by (order_id, update_id), compute qty/quote deltas,
// update free balances directly (bypassing the ledger's event-kind
// switch, since this path already carries cumulative totals rather than
// discrete NEW/ACK/TRADE events), and finalize residual locks on a
// terminal status.
func (s *Shadow) ApplyExecutionReport(r ExecutionReport) error {
	s.mu.Lock()

	prev, seen := s.execStates[r.OrderID]
	if seen && r.UpdateID <= prev.lastUpdateID {
		s.mu.Unlock()
		return nil // duplicate or out-of-order, skip per spec
	}

	qtyDelta := r.CumQty.Sub(prev.prevCumQty)
	quoteDelta := r.CumQuote.Sub(prev.prevCumQuote)
	if qtyDelta.IsNeg() || quoteDelta.IsNeg() {
		s.mu.Unlock()
		return fmt.Errorf("shadow: negative delta for order %s (qty=%s quote=%s)", r.OrderID, qtyDelta.String(), quoteDelta.String())
	}

	if !qtyDelta.IsZero() {
		evt := ledger.OrderEvent{
			EventID:    fmt.Sprintf("%s-%d", r.OrderID, r.UpdateID),
			OrderID:    r.OrderID,
			Kind:       ledger.EventTrade,
			Asset:      r.Asset,
			QuoteAsset: r.QuoteAsset,
			Qty:        qtyDelta,
			QuotePaid:  quoteDelta,
			FeeAsset:   r.FeeAsset,
			Fee:        r.Fee,
			IsBuy:      r.IsBuy,
			At:         time.Now(),
		}
		s.ledger.Apply(evt)
	}

	s.execStates[r.OrderID] = execState{prevCumQty: r.CumQty, prevCumQuote: r.CumQuote, lastUpdateID: r.UpdateID}

	switch r.Status {
	case "FILLED", "CANCELED", "EXPIRED", "REJECTED":
		delete(s.reservations, r.OrderID)
	}

	obs := s.fillObs
	s.mu.Unlock()

	if obs != nil && !qtyDelta.IsZero() {
		obs.OnFill(r.Asset, r.IsBuy, qtyDelta.Float64(), quoteDelta.Float64()/qtyDelta.Float64(), time.Now())
	}
	return nil
}
